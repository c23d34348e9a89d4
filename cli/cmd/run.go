package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/oaiharvest/cli/config"
	"github.com/pithecene-io/oaiharvest/lode"
	"github.com/pithecene-io/oaiharvest/log"
	"github.com/pithecene-io/oaiharvest/metrics"
	"github.com/pithecene-io/oaiharvest/oai"
	"github.com/pithecene-io/oaiharvest/policy"
	"github.com/pithecene-io/oaiharvest/runtime"
	"github.com/pithecene-io/oaiharvest/scheduler"
	"github.com/pithecene-io/oaiharvest/types"
)

// RunCommand returns the run command.
// This is the only command that harvests, uploads or touches lastrun.
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Harvest the due sources, post-process and upload the records",
		Flags: []cli.Flag{
			ConfigFlag(),
			RegistryFlag(),
			// Selection flags
			&cli.StringSliceFlag{
				Name:    "source",
				Aliases: []string{"r"},
				Usage:   "Source name to harvest (repeatable, default: all)",
			},
			&cli.StringFlag{
				Name:    "dates",
				Aliases: []string{"d"},
				Usage:   "Explicit window yyyy-mm-dd:yyyy-mm-dd",
			},
			&cli.StringSliceFlag{
				Name:    "identifier",
				Aliases: []string{"i"},
				Usage:   "Harvest these OAI identifiers with GetRecord (repeatable)",
			},
			// Run identity flags
			&cli.StringFlag{
				Name:  "run-id",
				Usage: "Run ID (default: random UUID)",
			},
			&cli.IntFlag{
				Name:  "attempt",
				Usage: "Attempt number (starts at 1)",
				Value: 1,
			},
			&cli.StringFlag{
				Name:  "parent-run-id",
				Usage: "Parent run ID (required when attempt > 1)",
			},
			// Behavior flags
			&cli.BoolFlag{
				Name:  "once",
				Usage: "Single invocation, recoverable errors fail the run",
			},
			&cli.StringFlag{
				Name:  "policy",
				Usage: "Error policy: halt or continue (overrides policy.on_error)",
			},
			&cli.BoolFlag{
				Name:  "notify",
				Usage: "Publish the run event even without an alert",
			},
			&cli.StringFlag{
				Name:  "workdir",
				Usage: "Root of the per-run working directories",
			},
			&cli.BoolFlag{
				Name:  "keep-workdir",
				Usage: "Keep chunks, artifacts and material after the run",
			},
			&cli.StringFlag{
				Name:  "report-ticket-queue",
				Usage: "File one harvest report ticket per processed source in this queue",
			},
			// Output flags
			&cli.StringFlag{
				Name:  "report",
				Usage: "Write the run report to this file",
			},
			&cli.StringFlag{
				Name:  "report-format",
				Usage: "Run report format: json or yaml",
				Value: runtime.FormatJSON,
			},
			&cli.BoolFlag{
				Name:    "quiet",
				Aliases: []string{"q"},
				Usage:   "Log warnings and errors only and suppress the summary",
			},
		},
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	override, err := parseOverride(c.String("dates"), c.StringSlice("identifier"))
	if err != nil {
		return configExit(err)
	}

	runMeta := &types.RunMeta{
		RunID:   firstNonEmpty(c.String("run-id"), uuid.NewString()),
		Attempt: c.Int("attempt"),
	}
	if parent := c.String("parent-run-id"); parent != "" {
		runMeta.ParentRunID = &parent
	}
	if err := runMeta.Validate(); err != nil {
		return configExit(fmt.Errorf("invalid run metadata: %w", err))
	}

	policyName := firstNonEmpty(c.String("policy"), cfg.Policy.OnError, policy.NameHalt)
	pol, err := policy.Parse(policyName, !c.Bool("once"))
	if err != nil {
		return configExit(err)
	}

	reportFormat := c.String("report-format")
	if reportFormat != runtime.FormatJSON && reportFormat != runtime.FormatYAML {
		return configExit(fmt.Errorf("invalid report format %q (must be json or yaml)", reportFormat))
	}

	var logger *log.Logger
	if c.Bool("quiet") {
		logger = log.NewQuietLogger(runMeta)
	} else {
		logger = log.NewLogger(runMeta)
	}
	defer logger.Sync()

	startTime := time.Now()
	collector := metrics.NewCollector(pol.Name(), storageBackend(cfg.Storage), runMeta.RunID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rc, cleanup, err := buildRunConfig(ctx, c, cfg, runMeta, logger, collector, startTime)
	if err != nil {
		return err
	}
	defer cleanup()
	rc.Override = override
	rc.Policy = pol

	supervisor := runtime.NewSupervisor(logger)
	stopWatching := supervisor.Watch(ctx)
	defer stopWatching()
	rc.Supervisor = supervisor

	orchestrator, err := runtime.NewRunOrchestrator(rc)
	if err != nil {
		return configExit(fmt.Errorf("failed to create orchestrator: %w", err))
	}

	result, err := orchestrator.Execute(ctx)
	if err != nil {
		return cli.Exit(err.Error(), runtime.ExitCodeForError(err))
	}

	report := runtime.BuildRunReport(result, collector.Snapshot())
	if path := c.String("report"); path != "" {
		if err := runtime.WriteRunReport(report, path, reportFormat); err != nil {
			logger.Error("failed to write run report", map[string]any{"path": path, "error": err.Error()})
		}
	}

	if !c.Bool("quiet") {
		printRunResult(os.Stdout, result)
	}

	return cli.Exit("", runtime.ExitCode(result))
}

// parseOverride turns --dates and --identifier into a scheduler override.
func parseOverride(dates string, identifiers []string) (scheduler.Override, error) {
	var o scheduler.Override
	if dates != "" {
		w, err := types.ParseDateRange(dates)
		if err != nil {
			return o, err
		}
		o.DateRange = &w
	}
	o.Identifiers = identifiers
	return o, nil
}

// buildRunConfig wires every collaborator of a run from the config file and
// the flags. cleanup releases them in reverse order and is safe to call when
// an error is returned.
func buildRunConfig(ctx context.Context, c *cli.Context, cfg *config.Config, runMeta *types.RunMeta,
	logger *log.Logger, collector *metrics.Collector, start time.Time,
) (*runtime.RunConfig, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*runtime.RunConfig, func(), error) {
		cleanup()
		return nil, func() {}, configExit(err)
	}

	workDir := firstNonEmpty(c.String("workdir"), cfg.WorkDir, defaultWorkDir)

	reg, err := openRegistry(c, cfg)
	if err != nil {
		return nil, func() {}, err
	}
	closers = append(closers, func() { _ = reg.Close() })

	harvester, err := oai.New(harvesterConfig(cfg.Harvest), logger, collector)
	if err != nil {
		return fail(fmt.Errorf("harvest client: %w", err))
	}
	closers = append(closers, func() { _ = harvester.Close() })

	invoker := buildInvoker(cfg.Tools, logger, collector)
	tools, daemon := buildTools(cfg, logger, collector)
	if daemon != nil {
		closers = append(closers, daemon.Stop)
	}

	var storage lode.Client
	if cfg.Upload.Sink != "command" || cfg.Storage.Archive {
		client, err := buildStorage(ctx, cfg, workDir, runMeta.RunID, start)
		if err != nil {
			return fail(fmt.Errorf("storage: %w", err))
		}
		storage = client
		closers = append(closers, func() { _ = client.Close() })
	}

	sink, err := buildSink(cfg, storage, invoker)
	if err != nil {
		return fail(err)
	}

	adp, err := buildAdapter(cfg.Adapter)
	if err != nil {
		return fail(fmt.Errorf("adapter: %w", err))
	}
	if adp != nil {
		closers = append(closers, func() { _ = adp.Close() })
	}

	tickets, closeTickets, err := buildTickets(cfg.Ticket)
	if err != nil {
		return fail(fmt.Errorf("ticket client: %w", err))
	}
	closers = append(closers, func() { _ = closeTickets() })

	rc := &runtime.RunConfig{
		RunMeta:     runMeta,
		Registry:    reg,
		SourceNames: c.StringSlice("source"),
		Harvester:   harvester,
		Tools:       tools,
		Invoker:     invoker,
		Material:    materialConfig(cfg),
		Sink:        sink,
		Priority:    cfg.Upload.Priority,
		Adapter:     adp,
		Notify:      c.Bool("notify") || cfg.Policy.Notify,
		Tickets:     tickets,
		ReportQueue: firstNonEmpty(c.String("report-ticket-queue"), cfg.Ticket.ReportQueue),
		WorkDir:     workDir,
		KeepWorkDir: c.Bool("keep-workdir") || cfg.KeepWorkDir,
		Logger:      logger,
		Collector:   collector,
	}
	if cfg.Storage.Archive {
		rc.Archive = storage
	}
	return rc, cleanup, nil
}

func printRunResult(w io.Writer, result *runtime.RunResult) {
	fmt.Fprintf(w, "\nrun_id=%s, attempt=%d, policy=%s, verdict=%s, duration=%s\n",
		result.RunMeta.RunID,
		result.RunMeta.Attempt,
		result.PolicyName,
		verdictLabel(result),
		result.Duration.Round(time.Millisecond),
	)

	fmt.Fprintf(w, "\n=== Sources ===\n")
	if len(result.Outcomes) == 0 {
		fmt.Fprintf(w, "(no sources planned)\n")
	}
	for _, o := range result.Outcomes {
		if o.Skipped {
			fmt.Fprintf(w, "%-24s skipped     %s\n", o.Source, o.SkipReason)
			continue
		}
		level := o.Level.String()
		if o.Stopped {
			level = "stopped"
		}
		fmt.Fprintf(w, "%-24s %-11s harvested=%d uploaded=%d lastrun=%s\n",
			o.Source, level, o.Harvested, o.Uploaded, lastRunLabel(o.LastRunAdvanced))
		for _, msg := range o.Messages {
			fmt.Fprintf(w, "    - %s\n", msg)
		}
	}

	s := result.PolicyStats
	fmt.Fprintf(w, "\n=== Policy Stats ===\n")
	fmt.Fprintf(w, "Sources OK:          %d\n", s.OK)
	fmt.Fprintf(w, "Sources Recoverable: %d\n", s.Recoverable)
	fmt.Fprintf(w, "Sources Fatal:       %d\n", s.Fatal)
	if s.Stopped > 0 {
		fmt.Fprintf(w, "Sources Stopped:     %d\n", s.Stopped)
	}
	if result.Verdict.Reason != "" {
		fmt.Fprintf(w, "Reason:              %s\n", result.Verdict.Reason)
	}
}

func verdictLabel(result *runtime.RunResult) string {
	switch {
	case result.Stopped:
		return "stopped"
	case result.Verdict.Success:
		return "success"
	default:
		return "failure"
	}
}

func lastRunLabel(advanced bool) string {
	if advanced {
		return "advanced"
	}
	return "unchanged"
}
