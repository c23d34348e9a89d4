package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/pithecene-io/oaiharvest/iox"
	"github.com/pithecene-io/oaiharvest/types"
	"github.com/pithecene-io/oaiharvest/xmlrec"
)

// fulltextStage attaches a reference to each record's validated PDF.
type fulltextStage struct{}

func (fulltextStage) Name() string     { return "fulltext" }
func (fulltextStage) Mode() types.Mode { return types.ModeFulltext }

func (s fulltextStage) Run(ctx context.Context, run *SourceRun, in types.Artifact) Result {
	tools := run.Tools.withDefaults()
	doctype := run.Source.Argument("t_doctype", "arXiv")

	return eachRecord(ctx, run, s.Name(), in, func(ctx context.Context, _ int, id string, raw []byte) ([]byte, error) {
		pdf, err := run.Cache.PDF(ctx, id)
		if err != nil {
			return nil, err
		}
		pages, err := tools.ValidatePDF(pdf)
		if err != nil {
			return nil, fmt.Errorf("invalid pdf %s: %w", pdf, err)
		}
		run.Logger.Debug("pdf validated", map[string]any{"identifier": id, "pages": pages})
		return spliceMARC(raw, func(r *xmlrec.Record) error {
			r.AddField(xmlrec.NewField("FFT", "a", pdf, "t", doctype))
			return nil
		})
	})
}

// validatePDF parses and validates a PDF and returns its page count.
func validatePDF(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer iox.DiscardClose(f)

	ctx, err := api.ReadValidateAndOptimize(f, model.NewDefaultConfiguration())
	if err != nil {
		return 0, fmt.Errorf("pdfcpu read: %w", err)
	}
	if ctx.PageCount == 0 {
		return 0, errors.New("pdf has no pages")
	}
	return ctx.PageCount, nil
}
