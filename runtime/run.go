// Package runtime orchestrates one harvester invocation: it plans the due
// sources, harvests, deduplicates and post-processes each of them in turn,
// uploads the results, advances lastrun and reports the run verdict.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pithecene-io/oaiharvest/adapter"
	"github.com/pithecene-io/oaiharvest/executor"
	"github.com/pithecene-io/oaiharvest/lode"
	"github.com/pithecene-io/oaiharvest/log"
	"github.com/pithecene-io/oaiharvest/material"
	"github.com/pithecene-io/oaiharvest/metrics"
	"github.com/pithecene-io/oaiharvest/oai"
	"github.com/pithecene-io/oaiharvest/pipeline"
	"github.com/pithecene-io/oaiharvest/policy"
	"github.com/pithecene-io/oaiharvest/scheduler"
	"github.com/pithecene-io/oaiharvest/ticket"
	"github.com/pithecene-io/oaiharvest/types"
	"github.com/pithecene-io/oaiharvest/upload"
)

// Registry is the part of the source registry a run needs.
type Registry interface {
	Sources(ctx context.Context) ([]types.Source, error)
	SourcesByName(ctx context.Context, names []string) ([]types.Source, error)
	UpdateLastRun(ctx context.Context, id int64, t time.Time) error
	upload.AuditLog
}

// Harvester fetches the chunks of one OAI request into dir.
type Harvester interface {
	Fetch(ctx context.Context, req oai.Request, dir, prefix string) ([]string, error)
}

// RunConfig configures a single run.
type RunConfig struct {
	// RunMeta is the run identity and lineage.
	RunMeta *types.RunMeta
	// Registry supplies sources and receives lastrun updates and audit rows.
	Registry Registry
	// SourceNames restricts the run to these sources. Empty means all.
	SourceNames []string
	// Override carries an explicit date range or identifier list.
	Override scheduler.Override
	// Harvester fetches OAI pages.
	Harvester Harvester
	// Pipeline runs the post-processing stages. Nil uses pipeline.New().
	Pipeline *pipeline.Pipeline
	// Tools configures the external stage tools.
	Tools pipeline.Tools
	// Invoker runs external tools.
	Invoker *executor.Invoker
	// Material configures where full text and tarballs are fetched from.
	Material material.Config
	// Sink receives uploads.
	Sink upload.Sink
	// Priority is the default upload priority.
	Priority int
	// Archive stores harvested chunks for traceability. Nil disables it.
	Archive lode.Client
	// Policy turns source levels into the run verdict.
	Policy policy.Policy
	// Adapter publishes the run_completed event. Nil disables it.
	Adapter adapter.Adapter
	// Notify publishes the event after every run, not only on alerts.
	Notify bool
	// Tickets receives curation tickets and harvest reports.
	Tickets ticket.Submitter
	// ReportQueue, when set, files a ticket per processed source.
	ReportQueue string
	// WorkDir is the root of the per-run working directories.
	WorkDir string
	// KeepWorkDir keeps chunks, artifacts and material after the run.
	KeepWorkDir bool
	// Supervisor is consulted at checkpoints. Nil never pauses or stops.
	Supervisor *Supervisor
	// Logger defaults to a logger built from RunMeta.
	Logger *log.Logger
	// Collector receives run metrics. Nil-safe.
	Collector *metrics.Collector
	// Now is the clock. Nil means time.Now.
	Now func() time.Time
}

// RunResult is the result of a run.
type RunResult struct {
	RunMeta   *types.RunMeta
	StartedAt time.Time
	Duration  time.Duration
	// Outcomes lists every planned source in registry order.
	Outcomes []types.SourceOutcome
	Verdict  policy.Verdict
	// PolicyName is the effective policy.
	PolicyName  string
	PolicyStats policy.Stats
	// Stopped is true when the supervisor stopped the run at a checkpoint.
	Stopped bool
}

// RunOrchestrator orchestrates a single run.
type RunOrchestrator struct {
	config     *RunConfig
	logger     *log.Logger
	integrator *upload.Integrator
	now        func() time.Time
}

// NewRunOrchestrator creates a new run orchestrator.
func NewRunOrchestrator(config *RunConfig) (*RunOrchestrator, error) {
	if config.RunMeta == nil {
		return nil, errors.New("run metadata is required")
	}
	if err := config.RunMeta.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run metadata: %w", err)
	}
	switch {
	case config.Registry == nil:
		return nil, errors.New("registry is required")
	case config.Harvester == nil:
		return nil, errors.New("harvester is required")
	case config.Sink == nil:
		return nil, errors.New("upload sink is required")
	case config.WorkDir == "":
		return nil, errors.New("work directory is required")
	}

	if config.Pipeline == nil {
		config.Pipeline = pipeline.New()
	}
	if config.Policy == nil {
		config.Policy = policy.NewHaltPolicy()
	}
	if config.Tickets == nil {
		config.Tickets = ticket.Nop{}
	}
	if config.Invoker == nil {
		config.Invoker = &executor.Invoker{}
	}
	logger := config.Logger
	if logger == nil {
		logger = log.NewLogger(config.RunMeta)
	}
	if config.Invoker.Logger == nil {
		config.Invoker.Logger = logger
	}
	if config.Invoker.Metrics == nil {
		config.Invoker.Metrics = config.Collector
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}

	return &RunOrchestrator{
		config: config,
		logger: logger,
		integrator: &upload.Integrator{
			Sink:     config.Sink,
			Audit:    config.Registry,
			Logger:   logger,
			Metrics:  config.Collector,
			RunID:    config.RunMeta.RunID,
			Priority: config.Priority,
			Now:      now,
		},
		now: now,
	}, nil
}

// Execute runs every planned source sequentially and returns the result.
// The error is non-nil only when the run could not start: registry
// failures, unknown source names or an invalid override, all reported
// before any network access.
func (r *RunOrchestrator) Execute(ctx context.Context) (*RunResult, error) {
	cfg := r.config
	started := r.now()
	result := &RunResult{RunMeta: cfg.RunMeta, StartedAt: started, PolicyName: cfg.Policy.Name()}

	sources, err := r.loadSources(ctx)
	if err != nil {
		return nil, err
	}
	decisions, err := scheduler.Plan(sources, cfg.Override, started)
	if err != nil {
		return nil, err
	}

	r.logger.Info("starting run", map[string]any{
		"sources": len(decisions),
		"policy":  cfg.Policy.Name(),
		"manual":  cfg.Override.Manual(),
	})
	defer r.stopDaemon()

	for _, d := range decisions {
		if err := cfg.Supervisor.Checkpoint(ctx); err != nil {
			result.Stopped = true
			r.logger.Warn("run stopped before source", map[string]any{"source": d.Source.Name, "error": err.Error()})
			break
		}

		if !d.Due {
			cfg.Collector.IncSourceSkipped()
			o := types.SourceOutcome{Source: d.Source.Name, SourceID: d.Source.ID, Skipped: true, SkipReason: string(d.Reason)}
			if d.NextDue != nil {
				o.SkipReason += ", next due " + d.NextDue.Format(time.RFC3339)
			}
			result.Outcomes = append(result.Outcomes, o)
			cfg.Policy.Observe(o)
			continue
		}

		cfg.Collector.IncSourceDue()
		o, stopped := r.runSource(ctx, d)
		cfg.Collector.RecordSourceLevel(int(o.Level))
		result.Outcomes = append(result.Outcomes, o)
		cfg.Policy.Observe(o)
		if stopped {
			result.Stopped = true
			break
		}
	}

	result.Duration = r.now().Sub(started)
	result.Verdict = cfg.Policy.Verdict()
	result.PolicyStats = cfg.Policy.Stats()

	r.fileReports(ctx, result)
	r.publish(ctx, result)

	r.logger.Info("run finished", map[string]any{
		"success":     result.Verdict.Success,
		"level":       int(result.Verdict.Level),
		"reason":      result.Verdict.Reason,
		"stopped":     result.Stopped,
		"duration_ms": result.Duration.Milliseconds(),
	})
	return result, nil
}

func (r *RunOrchestrator) loadSources(ctx context.Context) ([]types.Source, error) {
	if len(r.config.SourceNames) > 0 {
		return r.config.Registry.SourcesByName(ctx, r.config.SourceNames)
	}
	return r.config.Registry.Sources(ctx)
}

func (r *RunOrchestrator) stopDaemon() {
	if d := r.config.Tools.ConvertDaemon; d != nil {
		d.Stop()
	}
}

// runSource harvests and processes one due source. stopped is true when a
// checkpoint inside the source returned a stop request.
func (r *RunOrchestrator) runSource(ctx context.Context, d scheduler.Decision) (o types.SourceOutcome, stopped bool) {
	cfg := r.config
	src := d.Source
	o = types.SourceOutcome{Source: src.Name, SourceID: src.ID, Window: d.Window.String()}
	logger := r.logger.WithSource(src.Name)
	started := r.now()

	logger.Info("harvesting source", map[string]any{
		"reason":   string(d.Reason),
		"window":   d.Window.String(),
		"base_url": src.BaseURL,
		"modes":    src.Postprocess.String(),
	})

	dir := filepath.Join(cfg.WorkDir, cfg.RunMeta.RunID, material.SafeName(src.Name))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		o.Fail(types.LevelFatal, fmt.Sprintf("create work directory: %v", err))
		return o, false
	}
	if !cfg.KeepWorkDir {
		defer func() {
			if err := os.RemoveAll(dir); err != nil {
				logger.Warn("cannot remove work directory", map[string]any{"dir": dir, "error": err.Error()})
			}
		}()
	}

	chunks, err := r.harvest(ctx, src, d, dir)
	if err != nil {
		logger.Error("harvest failed", map[string]any{"error": err.Error()})
		o.Fail(types.Classify(err), err.Error())
		return o, false
	}
	for _, ch := range chunks {
		o.Harvested += len(ch.Identifiers)
	}
	cfg.Collector.AddRecordsHarvested(o.Harvested)
	r.archive(ctx, src, chunks, started, logger)

	if o.Harvested == 0 {
		logger.Info("nothing harvested", nil)
		r.advanceLastRun(ctx, src, &o, started, 0, logger)
		return o, false
	}

	cache := material.NewCache(cfg.Material, filepath.Join(dir, "material"), cfg.Invoker, logger)
	if !cfg.KeepWorkDir {
		defer func() {
			if err := cache.Remove(); err != nil {
				logger.Warn("cannot remove material cache", map[string]any{"error": err.Error()})
			}
		}()
	}
	run := &pipeline.SourceRun{
		Source:  src,
		WorkDir: dir,
		Cache:   cache,
		Invoker: cfg.Invoker,
		Logger:  logger,
		Metrics: cfg.Collector,
		Tickets: cfg.Tickets,
		Tools:   cfg.Tools,
	}

	recordErrors := 0
	outputs := make([]upload.Output, 0, len(chunks))
	for _, ch := range chunks {
		art := types.Artifact{Path: ch.Path, Identifiers: ch.Identifiers}
		if err := art.SaveIdentifiers(); err != nil {
			logger.Warn("cannot persist identifiers", map[string]any{"chunk": ch.Path, "error": err.Error()})
		}

		out := cfg.Pipeline.Run(ctx, run, art, cfg.Supervisor)
		o.Messages = append(o.Messages, out.Messages...)
		o.Level = types.MaxLevel(o.Level, out.Level)
		if out.Err != nil {
			if errors.Is(out.Err, types.ErrStopRequested) {
				o.Stopped = true
				o.Note("stopped by supervisor during post-processing")
				return o, true
			}
			o.Fail(types.Classify(out.Err), "")
			logger.Error("post-processing failed, nothing uploaded", map[string]any{
				"chunk": filepath.Base(ch.Path),
				"error": out.Err.Error(),
			})
			return o, false
		}
		recordErrors += len(out.Messages)
		outputs = append(outputs, upload.Output{Artifact: out.Artifact, Partitions: out.Partitions})
	}

	if src.Postprocess.Has(types.ModeUpload) {
		if err := cfg.Supervisor.Checkpoint(ctx); err != nil {
			o.Stopped = true
			o.Note("stopped by supervisor before upload")
			return o, true
		}
		res, err := r.integrator.Upload(ctx, src, outputs)
		o.Uploaded, o.JobIDs = res.Uploaded, res.JobIDs
		if err != nil {
			logger.Error("upload failed", map[string]any{"error": err.Error(), "submitted": len(res.JobIDs)})
			o.Fail(types.Classify(err), err.Error())
			return o, false
		}
	} else {
		logger.Info("upload disabled for source", map[string]any{"artifacts": len(outputs)})
	}

	r.advanceLastRun(ctx, src, &o, started, recordErrors, logger)
	return o, false
}

// harvest fetches, deduplicates and loads the chunks of one source. Every
// returned chunk holds at least one record.
func (r *RunOrchestrator) harvest(ctx context.Context, src types.Source, d scheduler.Decision, dir string) ([]types.Chunk, error) {
	cfg := r.config
	var paths []string
	if ids := cfg.Override.Identifiers; len(ids) > 0 {
		for i, id := range ids {
			got, err := cfg.Harvester.Fetch(ctx, oai.Request{
				BaseURL:        src.BaseURL,
				Verb:           oai.VerbGetRecord,
				MetadataPrefix: src.MetadataPrefix,
				Identifier:     id,
			}, dir, fmt.Sprintf("record%d_", i+1))
			paths = append(paths, got...)
			if err != nil {
				return nil, err
			}
		}
	} else {
		got, err := cfg.Harvester.Fetch(ctx, oai.Request{
			BaseURL:        src.BaseURL,
			Verb:           oai.VerbListRecords,
			MetadataPrefix: src.MetadataPrefix,
			Window:         d.Window,
			Sets:           src.SetSpecs,
		}, dir, "chunk")
		if err != nil {
			return nil, err
		}
		paths = got
	}

	removed, err := oai.Dedupe(paths)
	if err != nil {
		return nil, err
	}
	cfg.Collector.AddRecordsDuplicated(removed)

	chunks := make([]types.Chunk, 0, len(paths))
	for _, p := range paths {
		ch, err := oai.LoadChunk(p)
		if err != nil {
			return nil, err
		}
		if len(ch.Identifiers) == 0 {
			continue
		}
		chunks = append(chunks, ch)
	}
	return chunks, nil
}

// archive stores the deduplicated chunks in Lode. Failures are logged only.
func (r *RunOrchestrator) archive(ctx context.Context, src types.Source, chunks []types.Chunk, at time.Time, logger *log.Logger) {
	if r.config.Archive == nil || len(chunks) == 0 {
		return
	}
	records := make([]lode.ChunkRecord, 0, len(chunks))
	for _, ch := range chunks {
		data, err := os.ReadFile(ch.Path)
		if err != nil {
			logger.Warn("cannot read chunk for archive", map[string]any{"chunk": ch.Path, "error": err.Error()})
			return
		}
		name := filepath.Base(ch.Path)
		stored, err := r.config.Archive.PutFile(ctx, src.Name, name, data)
		if err != nil {
			logger.Warn("cannot archive chunk", map[string]any{"chunk": name, "error": err.Error()})
			return
		}
		records = append(records, lode.ChunkRecord{
			Source:      src.Name,
			Name:        name,
			File:        stored,
			Records:     len(ch.Identifiers),
			Identifiers: ch.Identifiers,
			HarvestedAt: at.UTC(),
		})
	}
	if err := r.config.Archive.WriteChunks(ctx, records); err != nil {
		logger.Warn("cannot record archived chunks", map[string]any{"error": err.Error()})
	}
}

// advanceLastRun moves lastrun to the source start time when the source
// was harvested automatically and finished without any error, including
// per-record stage errors.
func (r *RunOrchestrator) advanceLastRun(ctx context.Context, src types.Source, o *types.SourceOutcome, started time.Time, recordErrors int, logger *log.Logger) {
	switch {
	case o.Level != types.LevelNone:
		return
	case recordErrors > 0:
		logger.Info("lastrun kept, records failed post-processing", map[string]any{"record_errors": recordErrors})
		return
	case r.config.Override.Manual():
		return
	case !src.AutoHarvested():
		return
	}
	if err := r.config.Registry.UpdateLastRun(ctx, src.ID, started.UTC()); err != nil {
		o.Fail(types.LevelRecoverable, fmt.Sprintf("update lastrun: %v", err))
		return
	}
	o.LastRunAdvanced = true
	logger.Info("lastrun advanced", map[string]any{"lastrun": started.UTC().Format(time.RFC3339)})
}
