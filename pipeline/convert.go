package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/pithecene-io/oaiharvest/executor"
	"github.com/pithecene-io/oaiharvest/types"
	"github.com/pithecene-io/oaiharvest/xmlrec"
)

// convertStage runs the source's conversion template over the whole artifact.
type convertStage struct{}

func (convertStage) Name() string     { return "convert" }
func (convertStage) Mode() types.Mode { return types.ModeConvert }

func (s convertStage) Run(ctx context.Context, run *SourceRun, in types.Artifact) Result {
	tools := run.Tools.withDefaults()
	if run.Source.ConversionTemplate == "" {
		return fatal(s.Name(), in, errors.New("source has no conversion template"))
	}
	if d := tools.ConvertDaemon; d != nil {
		if err := d.EnsureRunning(ctx); err != nil {
			return fatal(s.Name(), in, fmt.Errorf("converter daemon: %w", err))
		}
	}

	out := in.Path + ".converted"
	cmd := executor.Command{
		Name: s.Name(),
		Argv: expandArgv(tools.Convert, map[string]string{
			"template": resolve(tools.TemplateDir, run.Source.ConversionTemplate),
			"input":    in.Path,
			"output":   out,
		}, nil),
		Dir: run.WorkDir,
	}
	if !slices.ContainsFunc(tools.Convert, func(a string) bool { return a == "{output}" }) {
		cmd.StdoutFile = out
	}

	res, err := run.Invoker.Run(ctx, cmd)
	if err != nil {
		return fatal(s.Name(), in, err)
	}
	if !res.OK() {
		return fatal(s.Name(), in, fmt.Errorf("converter %s", res.Failure()))
	}

	doc, err := xmlrec.ReadFile(out)
	if err != nil {
		return fatal(s.Name(), in, &types.IntegrityError{Path: out, Identifiers: len(in.Identifiers), Err: err})
	}
	if doc.Len() != len(in.Identifiers) {
		return fatal(s.Name(), in, &types.IntegrityError{Path: out, Records: doc.Len(), Identifiers: len(in.Identifiers)})
	}
	return Result{Artifact: in.Derive(out)}
}
