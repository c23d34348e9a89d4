package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/oaiharvest/cli/render"
	"github.com/pithecene-io/oaiharvest/lode"
)

// JobRow is one upload job read back from the Lode dataset.
type JobRow struct {
	JobID       string    `json:"job_id"`
	Source      string    `json:"source"`
	Mode        string    `json:"mode"`
	Priority    int       `json:"priority"`
	SequenceID  string    `json:"sequence_id"`
	Records     int       `json:"records"`
	File        string    `json:"file"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// JobsCommand returns the read-only listing of upload jobs stored by the
// lode sink.
func JobsCommand() *cli.Command {
	return &cli.Command{
		Name:  "jobs",
		Usage: "List upload jobs recorded in the storage dataset",
		Flags: append([]cli.Flag{
			ConfigFlag(),
			&cli.StringFlag{
				Name:    "source",
				Aliases: []string{"r"},
				Usage:   "Only jobs of this source",
			},
			&cli.StringFlag{
				Name:  "run-id",
				Usage: "Only jobs of this run",
			},
			&cli.StringFlag{
				Name:  "workdir",
				Usage: "Work directory holding the default fs storage",
			},
		}, ReadOnlyFlags()...),
		Action: jobsAction,
	}
}

func jobsAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for jobs command", 1)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	workDir := firstNonEmpty(c.String("workdir"), cfg.WorkDir, defaultWorkDir)
	ds, err := openJobDataset(c.Context, cfg, workDir)
	if err != nil {
		return configExit(fmt.Errorf("open storage: %w", err))
	}

	jobs, err := lode.QueryJobs(c.Context, ds, lode.JobFilter{
		Source: c.String("source"),
		RunID:  c.String("run-id"),
	})
	if errors.Is(err, lode.ErrNoJobsFound) {
		return r.Render([]JobRow{})
	}
	if err != nil {
		return fmt.Errorf("query jobs: %w", err)
	}
	return r.Render(jobRows(jobs))
}

func jobRows(jobs []lode.JobRecord) []JobRow {
	rows := make([]JobRow, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, JobRow{
			JobID:       j.JobID,
			Source:      j.Source,
			Mode:        j.Mode,
			Priority:    j.Priority,
			SequenceID:  j.SequenceID,
			Records:     j.Records,
			File:        j.File,
			SubmittedAt: j.SubmittedAt,
		})
	}
	return rows
}
