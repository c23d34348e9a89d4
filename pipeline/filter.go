package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/pithecene-io/oaiharvest/executor"
	"github.com/pithecene-io/oaiharvest/iox"
	"github.com/pithecene-io/oaiharvest/types"
	"github.com/pithecene-io/oaiharvest/xmlrec"
)

// filterStage partitions the artifact by upload mode. The filter program is
// called as "<program> <artifact>" and writes <artifact>.<mode>.xml for
// every mode it uses.
type filterStage struct{}

func (filterStage) Name() string     { return "filter" }
func (filterStage) Mode() types.Mode { return types.ModeFilter }

// PartitionPath returns the file a filter writes records of mode to.
func PartitionPath(artifact string, mode types.UploadMode) string {
	return artifact + "." + string(mode) + ".xml"
}

func (s filterStage) Run(ctx context.Context, run *SourceRun, in types.Artifact) Result {
	prog := run.Source.FilterProgram
	if prog == "" {
		dst := PartitionPath(in.Path, types.UploadInsert)
		if err := iox.CopyFile(in.Path, dst); err != nil {
			return fatal(s.Name(), in, err)
		}
		run.Logger.Info("no filter program, whole artifact uploaded as insert", map[string]any{"artifact": dst})
		return Result{
			Artifact:   in,
			Partitions: map[types.UploadMode]types.Artifact{types.UploadInsert: in.Derive(dst)},
		}
	}

	res, err := run.Invoker.Run(ctx, executor.Command{Name: s.Name(), Argv: []string{prog, in.Path}, Dir: run.WorkDir})
	if err != nil {
		return fatal(s.Name(), in, err)
	}
	if !res.OK() {
		return fatal(s.Name(), in, fmt.Errorf("filter %s", res.Failure()))
	}

	parts := make(map[types.UploadMode]types.Artifact)
	var errs []string
	for _, mode := range types.FilterModes {
		path := PartitionPath(in.Path, mode)
		doc, err := xmlrec.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return fatal(s.Name(), in, &types.IntegrityError{Path: path, Err: err})
		}
		if doc.Len() == 0 {
			continue
		}
		ids, unmatched := matchIdentifiers(doc, in.Identifiers)
		for _, i := range unmatched {
			errs = append(errs, fmt.Sprintf("record %d of %s matches no harvested identifier", i+1, path))
		}
		part := types.Artifact{Path: path, Identifiers: ids}
		if err := part.SaveIdentifiers(); err != nil {
			run.Logger.Warn("cannot persist identifiers", map[string]any{"artifact": path, "error": err.Error()})
		}
		parts[mode] = part
	}
	if len(parts) == 0 {
		run.Logger.Warn("filter produced no records", map[string]any{"artifact": in.Path})
	}
	return Result{Artifact: in, Partitions: parts, Errors: errs}
}

// matchIdentifiers recovers the OAI identifier of each partition record:
// its OAI header when present, otherwise the first text value equal to a
// harvested identifier. Unmatched records get "" and are reported by index.
func matchIdentifiers(doc *xmlrec.Document, harvested []string) ([]string, []int) {
	known := make(map[string]bool, len(harvested))
	for _, id := range harvested {
		known[id] = true
	}
	ids := make([]string, doc.Len())
	var unmatched []int
	for i, span := range doc.Spans {
		if known[span.Identifier] {
			ids[i] = span.Identifier
			continue
		}
		for _, v := range xmlrec.TextValues(doc.Record(i)) {
			if known[v] {
				ids[i] = v
				break
			}
		}
		if ids[i] == "" {
			unmatched = append(unmatched, i)
		}
	}
	return ids, unmatched
}
