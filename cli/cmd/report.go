package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/oaiharvest/cli/render"
	"github.com/pithecene-io/oaiharvest/cli/tui"
	"github.com/pithecene-io/oaiharvest/runtime"
)

// ReportSummary is the table view of a run report header.
type ReportSummary struct {
	RunID      string `json:"run_id"`
	Attempt    int    `json:"attempt"`
	Outcome    string `json:"outcome"`
	ExitCode   int    `json:"exit_code"`
	StartedAt  string `json:"started_at"`
	DurationMs int64  `json:"duration_ms"`
	Policy     string `json:"policy"`
	Reason     string `json:"reason"`
	Sources    int    `json:"sources"`
}

// ReportCommand returns the read-only viewer of a run report written by
// run --report.
func ReportCommand() *cli.Command {
	return &cli.Command{
		Name:      "report",
		Usage:     "Show a run report file",
		ArgsUsage: "<report.json|report.yaml>",
		Flags: append(ReadOnlyFlags(),
			&cli.BoolFlag{
				Name:  "sources",
				Usage: "List the per-source outcomes instead of the summary",
			},
			&cli.BoolFlag{
				Name:  "stats",
				Usage: "Show the run metrics",
			},
		),
		Action: reportAction,
	}
}

func reportAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("report requires exactly one report file", runtime.ExitCodeConfig)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	report, err := runtime.ReadRunReport(c.Args().First())
	if err != nil {
		return configExit(err)
	}

	if c.Bool("tui") {
		if c.Bool("stats") {
			return r.RenderTUI(tui.ViewStats, report)
		}
		return r.RenderTUI(tui.ViewReport, report)
	}

	switch {
	case c.Bool("stats"):
		if report.Metrics == nil {
			return cli.Exit("report has no metrics", 1)
		}
		return r.Render(report.Metrics)
	case c.Bool("sources"):
		return r.Render(report.Sources)
	case r.Format() == render.FormatTable:
		return r.Render(summarize(report))
	default:
		return r.Render(report)
	}
}

func summarize(report *runtime.RunReport) ReportSummary {
	s := ReportSummary{
		RunID:      report.RunID,
		Attempt:    report.Attempt,
		Outcome:    report.Outcome,
		ExitCode:   report.ExitCode,
		StartedAt:  report.StartedAt,
		DurationMs: report.DurationMs,
		Sources:    len(report.Sources),
	}
	if report.Policy != nil {
		s.Policy = report.Policy.Name
		s.Reason = report.Policy.Verdict.Reason
	}
	return s
}
