package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pithecene-io/oaiharvest/adapter"
	"github.com/pithecene-io/oaiharvest/metrics"
	"github.com/pithecene-io/oaiharvest/policy"
	"github.com/pithecene-io/oaiharvest/types"
)

// RunReport is the structured end-of-run report written by --report.
type RunReport struct {
	RunID      string `json:"run_id" yaml:"run_id"`
	Attempt    int    `json:"attempt" yaml:"attempt"`
	Outcome    string `json:"outcome" yaml:"outcome"`
	ExitCode   int    `json:"exit_code" yaml:"exit_code"`
	StartedAt  string `json:"started_at" yaml:"started_at"`
	DurationMs int64  `json:"duration_ms" yaml:"duration_ms"`

	Policy  *ReportPolicy         `json:"policy" yaml:"policy"`
	Sources []types.SourceOutcome `json:"sources" yaml:"sources"`
	Metrics *metrics.Snapshot     `json:"metrics" yaml:"metrics"`
}

// ReportPolicy holds the verdict and policy stats in the report.
type ReportPolicy struct {
	Name    string         `json:"name" yaml:"name"`
	Verdict policy.Verdict `json:"verdict" yaml:"verdict"`
	Stats   policy.Stats   `json:"stats" yaml:"stats"`
}

// Report formats accepted by WriteRunReport.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// BuildRunReport composes a RunReport from a RunResult and metrics snapshot.
func BuildRunReport(result *RunResult, snap metrics.Snapshot) *RunReport {
	return &RunReport{
		RunID:      result.RunMeta.RunID,
		Attempt:    result.RunMeta.Attempt,
		Outcome:    outcomeOf(result),
		ExitCode:   ExitCode(result),
		StartedAt:  result.StartedAt.UTC().Format(time.RFC3339),
		DurationMs: result.Duration.Milliseconds(),
		Policy: &ReportPolicy{
			Name:    result.PolicyName,
			Verdict: result.Verdict,
			Stats:   result.PolicyStats,
		},
		Sources: result.Outcomes,
		Metrics: &snap,
	}
}

func outcomeOf(result *RunResult) string {
	switch {
	case result.Verdict.Level == types.LevelFatal:
		return adapter.OutcomeFailure
	case result.Stopped:
		return adapter.OutcomeStopped
	case result.Verdict.Success:
		return adapter.OutcomeSuccess
	default:
		return adapter.OutcomeFailure
	}
}

// WriteRunReport writes the report to path in format (json or yaml).
// If path is "-", writes to stderr.
func WriteRunReport(report *RunReport, path, format string) error {
	if path == "" {
		return errors.New("report path must not be empty")
	}
	if path == "-" {
		return writeRunReportTo(report, os.Stderr, format)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report %s: %w", path, err)
	}
	if err := writeRunReportTo(report, f, format); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write report to %s: %w", path, err)
	}
	return f.Close()
}

func writeRunReportTo(report *RunReport, w io.Writer, format string) error {
	switch strings.ToLower(format) {
	case "", FormatJSON:
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal report: %w", err)
		}
		_, err = w.Write(append(data, '\n'))
		return err
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(report); err != nil {
			return fmt.Errorf("failed to marshal report: %w", err)
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown report format %q (want json or yaml)", format)
	}
}

// ReadRunReport loads a report written by WriteRunReport. JSON is decoded
// as YAML, which accepts it.
func ReadRunReport(path string) (*RunReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read report %s: %w", path, err)
	}
	var report RunReport
	if err := yaml.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("invalid report %s: %w", path, err)
	}
	if report.RunID == "" {
		return nil, fmt.Errorf("invalid report %s: missing run_id", path)
	}
	return &report, nil
}

// BuildEvent composes the run_completed event for the adapter.
func BuildEvent(result *RunResult, snap *metrics.Snapshot) *adapter.RunCompletedEvent {
	ev := &adapter.RunCompletedEvent{
		ContractVersion: adapter.ContractVersion,
		EventType:       adapter.EventTypeRunCompleted,
		RunID:           result.RunMeta.RunID,
		Attempt:         result.RunMeta.Attempt,
		Outcome:         outcomeOf(result),
		Alert:           result.Verdict.Alert,
		Level:           int(result.Verdict.Level),
		Policy:          result.PolicyName,
		Reason:          result.Verdict.Reason,
		Timestamp:       result.StartedAt.Add(result.Duration).UTC().Format(time.RFC3339),
		DurationMs:      result.Duration.Milliseconds(),
		Metrics:         snap,
	}
	for _, o := range result.Outcomes {
		if o.Skipped {
			continue
		}
		ev.Sources = append(ev.Sources, adapter.SourceSummary{
			Name:      o.Source,
			Level:     o.Level.String(),
			Harvested: o.Harvested,
			Uploaded:  o.Uploaded,
			JobIDs:    o.JobIDs,
			Messages:  o.Messages,
		})
	}
	return ev
}

// publish sends the run_completed event when the verdict asks for an alert,
// when the run was stopped, or always with Notify. Failures are logged only.
func (r *RunOrchestrator) publish(ctx context.Context, result *RunResult) {
	if r.config.Adapter == nil {
		return
	}
	if !result.Verdict.Alert && !result.Stopped && !r.config.Notify {
		return
	}
	snap := r.config.Collector.Snapshot()
	ev := BuildEvent(result, &snap)
	if err := r.config.Adapter.Publish(context.WithoutCancel(ctx), ev); err != nil {
		r.logger.Error("cannot publish run event", map[string]any{"error": err.Error()})
		return
	}
	r.logger.Info("run event published", map[string]any{"outcome": ev.Outcome, "alert": ev.Alert})
}

// fileReports opens one ticket per processed source in ReportQueue.
// Failures are logged only.
func (r *RunOrchestrator) fileReports(ctx context.Context, result *RunResult) {
	queue := r.config.ReportQueue
	if queue == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, o := range result.Outcomes {
		if o.Skipped {
			continue
		}
		subject := fmt.Sprintf("[OAI Harvest] report for %s (%s)", o.Source, o.Level)
		id, err := r.config.Tickets.Submit(ctx, subject, queue)
		if err != nil {
			r.logger.Warn("cannot file harvest report", map[string]any{"source": o.Source, "error": err.Error()})
			continue
		}
		if err := r.config.Tickets.Comment(ctx, id, SourceReport(o)); err != nil {
			r.logger.Warn("cannot comment harvest report", map[string]any{"source": o.Source, "ticket": id, "error": err.Error()})
		}
	}
}

// SourceReport renders one source outcome as plain text.
func SourceReport(o types.SourceOutcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Source: %s\n", o.Source)
	fmt.Fprintf(&b, "Window: %s\n", o.Window)
	fmt.Fprintf(&b, "Level: %s\n", o.Level)
	fmt.Fprintf(&b, "Harvested: %d\n", o.Harvested)
	fmt.Fprintf(&b, "Uploaded: %d\n", o.Uploaded)
	if len(o.JobIDs) > 0 {
		fmt.Fprintf(&b, "Jobs: %s\n", strings.Join(o.JobIDs, ", "))
	}
	if len(o.Messages) > 0 {
		b.WriteString("Messages:\n")
		for _, m := range o.Messages {
			fmt.Fprintf(&b, "  - %s\n", m)
		}
	}
	return b.String()
}
