// Package pipeline runs a source's harvested artifact through the ordered
// enrichment stages: convert, plot-extract, ref-extract, authorlist-extract,
// fulltext-attach and filter.
//
// Stages never drop or reorder records. A record that fails enrichment is
// passed through and its error is recorded in the stage Result; only
// stage-level failures set a non-zero level.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/pithecene-io/oaiharvest/executor"
	"github.com/pithecene-io/oaiharvest/log"
	"github.com/pithecene-io/oaiharvest/material"
	"github.com/pithecene-io/oaiharvest/metrics"
	"github.com/pithecene-io/oaiharvest/ticket"
	"github.com/pithecene-io/oaiharvest/types"
)

// Stage is one enrichment step.
type Stage interface {
	// Name labels the stage in logs, metrics and reports.
	Name() string
	// Mode is the postprocess flag that enables the stage.
	Mode() types.Mode
	// Run transforms in and returns the new artifact.
	Run(ctx context.Context, run *SourceRun, in types.Artifact) Result
}

// Result is the outcome of one stage.
type Result struct {
	// Artifact is the stage output. Its identifiers must equal the input's.
	Artifact types.Artifact
	// Level is LevelNone unless the stage itself failed.
	Level types.Level
	// Errors collects per-record and stage error messages.
	Errors []string
	// Err is the stage-level error, set together with a non-zero Level.
	Err error
	// Partitions is set by the filter stage only.
	Partitions map[types.UploadMode]types.Artifact
}

// fatal builds a stage-level failure result.
func fatal(stage string, in types.Artifact, err error) Result {
	var integrity *types.IntegrityError
	if !errors.As(err, &integrity) {
		err = &types.StageFatalError{Stage: stage, Err: err}
	}
	return Result{Artifact: in, Level: types.Classify(err), Errors: []string{err.Error()}, Err: err}
}

// SourceRun is the per-source context shared by every stage of one run.
type SourceRun struct {
	Source  types.Source
	WorkDir string
	Cache   *material.Cache
	Invoker *executor.Invoker
	Logger  *log.Logger
	Metrics *metrics.Collector
	Tickets ticket.Submitter
	Tools   Tools
}

// path returns a file name inside the run's work directory.
func (r *SourceRun) path(name string) string {
	return filepath.Join(r.WorkDir, name)
}

// Checkpointer is consulted between stages.
type Checkpointer interface {
	Checkpoint(ctx context.Context) error
}

// Outcome is the result of a whole pipeline pass over one artifact.
type Outcome struct {
	Artifact   types.Artifact
	Partitions map[types.UploadMode]types.Artifact
	Level      types.Level
	Messages   []string
	// Err is the error that stopped the pipeline, if any.
	Err error
	// Stages lists the stages that ran, in order.
	Stages []string
}

// Pipeline is the fixed, ordered stage list.
type Pipeline struct {
	stages []Stage
}

// New returns the standard pipeline.
func New() *Pipeline {
	return &Pipeline{stages: []Stage{
		convertStage{},
		plotStage{},
		refStage{},
		authorlistStage{},
		fulltextStage{},
		filterStage{},
	}}
}

// NewWithStages returns a pipeline running stages in the given order.
func NewWithStages(stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages}
}

// Enabled returns the stages selected by mode, in pipeline order.
func (p *Pipeline) Enabled(mode types.PostprocessMode) []Stage {
	var out []Stage
	for _, s := range p.stages {
		if mode.Has(s.Mode()) {
			out = append(out, s)
		}
	}
	return out
}

// Run passes in through every enabled stage. After each stage the output
// identifiers are compared with the input identifiers; a difference is an
// integrity failure. The checkpoint is consulted before every stage.
func (p *Pipeline) Run(ctx context.Context, run *SourceRun, in types.Artifact, cp Checkpointer) Outcome {
	out := Outcome{Artifact: in}
	if run.Logger == nil {
		run.Logger = log.Nop()
	}
	if run.Tickets == nil {
		run.Tickets = ticket.Nop{}
	}
	logger := run.Logger

	for _, stage := range p.Enabled(run.Source.Postprocess) {
		if cp != nil {
			if err := cp.Checkpoint(ctx); err != nil {
				out.Err = err
				return out
			}
		}

		stageLog := logger.WithStage(stage.Name())
		started := time.Now()
		res := stage.Run(ctx, run, out.Artifact)
		out.Stages = append(out.Stages, stage.Name())
		out.Level = types.MaxLevel(out.Level, res.Level)
		out.Messages = append(out.Messages, prefixed(stage.Name(), res.Errors)...)

		if res.Err != nil {
			stageLog.Error("stage failed", map[string]any{"error": res.Err.Error(), "artifact": out.Artifact.Path})
			out.Err = res.Err
			return out
		}
		if !types.SameIdentifiers(res.Artifact.Identifiers, out.Artifact.Identifiers) {
			err := &types.IntegrityError{
				Path:        res.Artifact.Path,
				Records:     len(res.Artifact.Identifiers),
				Identifiers: len(out.Artifact.Identifiers),
				Err:         fmt.Errorf("stage %s changed the identifier sequence", stage.Name()),
			}
			stageLog.Error("identifier sequence changed", map[string]any{"artifact": res.Artifact.Path})
			out.Level = types.LevelFatal
			out.Messages = append(out.Messages, err.Error())
			out.Err = err
			return out
		}

		if res.Artifact.Path != out.Artifact.Path {
			if err := res.Artifact.SaveIdentifiers(); err != nil {
				stageLog.Warn("cannot persist identifiers", map[string]any{"error": err.Error()})
			}
		}
		if res.Partitions != nil {
			out.Partitions = res.Partitions
		}
		if n := len(res.Errors); n > 0 {
			run.Metrics.AddStageRecordErrors(stage.Name(), n)
		}
		stageLog.Info("stage completed", map[string]any{
			"records":       len(res.Artifact.Identifiers),
			"record_errors": len(res.Errors),
			"duration_ms":   time.Since(started).Milliseconds(),
		})
		out.Artifact = res.Artifact
	}
	return out
}

func prefixed(stage string, msgs []string) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = stage + ": " + m
	}
	return out
}
