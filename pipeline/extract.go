package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pithecene-io/oaiharvest/executor"
	"github.com/pithecene-io/oaiharvest/material"
	"github.com/pithecene-io/oaiharvest/types"
	"github.com/pithecene-io/oaiharvest/xmlrec"
)

// runExtractor runs a per-record tool that writes a MARCXML record to out
// and returns that record's data fields.
func runExtractor(ctx context.Context, run *SourceRun, name string, argv []string, out string) ([]xmlrec.DataField, error) {
	_ = os.Remove(out)
	res, err := run.Invoker.Run(ctx, executor.Command{
		Name:       name,
		Argv:       argv,
		Dir:        run.WorkDir,
		StderrFile: strings.TrimSuffix(out, filepath.Ext(out)) + ".log",
	})
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, fmt.Errorf("%s %s", name, res.Failure())
	}
	return readFields(out)
}

// outputDir creates and returns a per-stage directory under the work dir.
func outputDir(run *SourceRun, name string) (string, error) {
	dir := run.path(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	return dir, nil
}

// plotStage extracts figures from the LaTeX sources or the PDF of each record.
type plotStage struct{}

func (plotStage) Name() string     { return "plotextract" }
func (plotStage) Mode() types.Mode { return types.ModePlotExtract }

func (s plotStage) Run(ctx context.Context, run *SourceRun, in types.Artifact) Result {
	tools := run.Tools.withDefaults()
	source := run.Source.Argument("p_extraction-source", "")
	if source != "latex" && source != "pdf" {
		return fatal(s.Name(), in, fmt.Errorf("argument p_extraction-source must be latex or pdf, got %q", source))
	}
	dir, err := outputDir(run, "plots")
	if err != nil {
		return fatal(s.Name(), in, err)
	}

	return eachRecord(ctx, run, s.Name(), in, func(ctx context.Context, _ int, id string, raw []byte) ([]byte, error) {
		var input string
		var err error
		if source == "latex" {
			input, err = run.Cache.Extracted(ctx, id)
		} else {
			input, err = run.Cache.PDF(ctx, id)
		}
		if err != nil {
			return nil, err
		}
		out := filepath.Join(dir, material.SafeName(id)+".xml")
		fields, err := runExtractor(ctx, run, s.Name(), expandArgv(tools.PlotExtract, map[string]string{
			"source": source,
			"input":  input,
			"output": out,
		}, nil), out)
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			return raw, nil
		}
		return spliceMARC(raw, func(r *xmlrec.Record) error {
			for _, f := range fields {
				r.AddField(f)
			}
			return nil
		})
	})
}

// refStage extracts the reference list of each record from its PDF.
type refStage struct{}

func (refStage) Name() string     { return "refextract" }
func (refStage) Mode() types.Mode { return types.ModeRefExtract }

// refFlags maps source arguments to extractor flags.
var refFlags = []struct{ arg, flag string }{
	{"r_format", "--format"},
	{"r_kb-journal-file", "--kb-journals"},
	{"r_kb-rep-no-file", "--kb-report-numbers"},
}

func (s refStage) Run(ctx context.Context, run *SourceRun, in types.Artifact) Result {
	tools := run.Tools.withDefaults()
	var flags []string
	for _, rf := range refFlags {
		if v := run.Source.Argument(rf.arg, ""); v != "" {
			flags = append(flags, rf.flag, v)
		}
	}
	dir, err := outputDir(run, "references")
	if err != nil {
		return fatal(s.Name(), in, err)
	}

	return eachRecord(ctx, run, s.Name(), in, func(ctx context.Context, _ int, id string, raw []byte) ([]byte, error) {
		pdf, err := run.Cache.PDF(ctx, id)
		if err != nil {
			return nil, err
		}
		out := filepath.Join(dir, material.SafeName(id)+".xml")
		fields, err := runExtractor(ctx, run, s.Name(), expandArgv(tools.RefExtract, map[string]string{
			"input":  pdf,
			"output": out,
		}, flags), out)
		if err != nil {
			return nil, err
		}
		var refs []xmlrec.DataField
		for _, f := range fields {
			if isReference(f) {
				refs = append(refs, f)
			}
		}
		if len(refs) == 0 {
			run.Logger.Debug("no references found", map[string]any{"stage": s.Name(), "identifier": id})
			return raw, nil
		}
		return spliceMARC(raw, func(r *xmlrec.Record) error {
			kept := r.DataFields[:0]
			for _, f := range r.DataFields {
				if !isReference(f) {
					kept = append(kept, f)
				}
			}
			r.DataFields = kept
			for _, f := range refs {
				r.AddField(f)
			}
			return nil
		})
	})
}

// isReference reports whether f is a 999C5 reference field.
func isReference(f xmlrec.DataField) bool {
	return f.Tag == "999" && f.Ind1 == "C" && f.Ind2 == "5"
}
