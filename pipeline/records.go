package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/pithecene-io/oaiharvest/iox"
	"github.com/pithecene-io/oaiharvest/types"
	"github.com/pithecene-io/oaiharvest/xmlrec"
)

// recordFunc enriches record i. A returned error is a record error and the
// original bytes are kept.
type recordFunc func(ctx context.Context, i int, id string, raw []byte) ([]byte, error)

// eachRecord rewrites in record by record into a new artifact named after
// the stage. Reading, counting and writing failures are stage-level.
func eachRecord(ctx context.Context, run *SourceRun, stage string, in types.Artifact, fn recordFunc) Result {
	doc, err := xmlrec.ReadFile(in.Path)
	if err != nil {
		return fatal(stage, in, &types.IntegrityError{Path: in.Path, Identifiers: len(in.Identifiers), Err: err})
	}
	if doc.Len() != len(in.Identifiers) {
		return fatal(stage, in, &types.IntegrityError{Path: in.Path, Records: doc.Len(), Identifiers: len(in.Identifiers)})
	}

	var errs []string
	data := doc.Rewrite(func(i int, raw []byte) ([]byte, bool) {
		id := in.Identifiers[i]
		out, err := fn(ctx, i, id, raw)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", id, err))
			run.Logger.Warn("record left unchanged", map[string]any{"stage": stage, "identifier": id, "error": err.Error()})
			return raw, true
		}
		return out, true
	})

	outPath := in.Path + "." + stage
	if err := writeArtifact(outPath, data); err != nil {
		return fatal(stage, in, err)
	}
	return Result{Artifact: in.Derive(outPath), Errors: errs}
}

// spliceMARC decodes raw as MARCXML, applies edit and re-encodes it.
func spliceMARC(raw []byte, edit func(*xmlrec.Record) error) ([]byte, error) {
	rec, err := xmlrec.ParseMARC(raw)
	if errors.Is(err, xmlrec.ErrNotMARC) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if err := edit(rec); err != nil {
		return nil, err
	}
	return rec.Marshal()
}

// readFields returns the data fields of the first record in a tool output file.
func readFields(path string) ([]xmlrec.DataField, error) {
	doc, err := xmlrec.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if doc.Len() == 0 {
		return nil, errors.New("tool output holds no record")
	}
	rec, err := xmlrec.ParseMARC(doc.Record(0))
	if err != nil {
		return nil, err
	}
	return rec.DataFields, nil
}

func writeArtifact(path string, data []byte) error {
	if err := iox.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
