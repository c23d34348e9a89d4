package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pithecene-io/oaiharvest/material"
	"github.com/pithecene-io/oaiharvest/types"
	"github.com/pithecene-io/oaiharvest/xmlrec"
)

// authorListMarker identifies a collaboration author list file.
var authorListMarker = []byte("<collaborationauthorlist")

// undefinedAffiliation marks an affiliation the converter could not resolve.
const undefinedAffiliation = "UNDEFINED"

// authorlistStage replaces the author fields of records whose source
// tarball ships a structured collaboration author list.
type authorlistStage struct{}

func (authorlistStage) Name() string     { return "authorlist" }
func (authorlistStage) Mode() types.Mode { return types.ModeAuthorList }

func (s authorlistStage) Run(ctx context.Context, run *SourceRun, in types.Artifact) Result {
	tools := run.Tools.withDefaults()
	stylesheet := resolve(tools.StylesheetDir, run.Source.Argument("a_stylesheet", DefaultStylesheet))
	dir, err := outputDir(run, "authorlists")
	if err != nil {
		return fatal(s.Name(), in, err)
	}

	return eachRecord(ctx, run, s.Name(), in, func(ctx context.Context, _ int, id string, raw []byte) ([]byte, error) {
		extracted, err := run.Cache.Extracted(ctx, id)
		if err != nil {
			return nil, err
		}
		list, err := findAuthorList(extracted)
		if err != nil {
			return nil, err
		}
		if list == "" {
			return raw, nil
		}

		out := filepath.Join(dir, material.SafeName(id)+".xml")
		fields, err := runExtractor(ctx, run, s.Name(), expandArgv(tools.AuthorlistConvert, map[string]string{
			"stylesheet": stylesheet,
			"input":      list,
			"output":     out,
		}, nil), out)
		if err != nil {
			return nil, err
		}

		var authors []xmlrec.DataField
		var undefined []string
		for _, f := range fields {
			if f.Tag != "100" && f.Tag != "700" {
				continue
			}
			for j := range f.Subfields {
				f.Subfields[j].Value = TranslateLaTeX(f.Subfields[j].Value)
			}
			if hasUndefinedAffiliation(f) {
				undefined = append(undefined, f.Value("a"))
			}
			authors = append(authors, f)
		}
		if len(authors) == 0 {
			return nil, errors.New("author list converted to no author fields")
		}

		data, err := spliceMARC(raw, func(r *xmlrec.Record) error {
			r.RemoveFields("100", "700")
			for _, f := range authors {
				r.AddField(f)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if len(undefined) > 0 {
			openAffiliationTicket(ctx, run, tools, id, undefined)
		}
		return data, nil
	})
}

func hasUndefinedAffiliation(f xmlrec.DataField) bool {
	for _, u := range f.Values("u") {
		if strings.Contains(u, undefinedAffiliation) {
			return true
		}
	}
	return false
}

// findAuthorList returns the first XML file under dir that holds a
// collaboration author list, or "" when there is none.
func findAuthorList(dir string) (string, error) {
	var found string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".xml") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if bytes.Contains(data, authorListMarker) {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("search author list: %w", err)
	}
	return found, nil
}

// openAffiliationTicket files a curation ticket. Failures are logged only.
func openAffiliationTicket(ctx context.Context, run *SourceRun, tools Tools, id string, authors []string) {
	queue := run.Source.Argument("a_rt-queue", tools.TicketQueue)
	fields := map[string]any{"identifier": id, "authors": len(authors)}
	if queue == "" {
		run.Logger.Warn("undefined affiliations but no ticket queue configured", fields)
		return
	}
	subject := fmt.Sprintf("[OAI Harvest] UNDEFINED affiliations for record %s", id)
	ticketID, err := run.Tickets.Submit(ctx, subject, queue)
	if err != nil {
		fields["error"] = err.Error()
		run.Logger.Warn("cannot open affiliation ticket", fields)
		return
	}
	text := "Authors with unresolved affiliations:\n" + strings.Join(authors, "\n")
	if err := run.Tickets.Comment(ctx, ticketID, text); err != nil {
		fields["error"] = err.Error()
		run.Logger.Warn("cannot comment on affiliation ticket", fields)
	}
	fields["ticket"] = ticketID
	run.Logger.Info("affiliation ticket opened", fields)
}
