package runtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pithecene-io/oaiharvest/adapter"
	"github.com/pithecene-io/oaiharvest/metrics"
	"github.com/pithecene-io/oaiharvest/policy"
	"github.com/pithecene-io/oaiharvest/types"
)

func sampleResult() *RunResult {
	return &RunResult{
		RunMeta:    &types.RunMeta{RunID: "run-42", Attempt: 1},
		StartedAt:  time.Date(2021, 1, 2, 3, 4, 5, 0, time.UTC),
		Duration:   1500 * time.Millisecond,
		PolicyName: policy.NameContinue,
		Verdict:    policy.Verdict{Success: true, Alert: true, Level: types.LevelRecoverable, Reason: "1 recoverable"},
		Outcomes: []types.SourceOutcome{
			{Source: "arxiv", Level: types.LevelNone, Harvested: 3, Uploaded: 3, JobIDs: []string{"job-1"}, LastRunAdvanced: true},
			{Source: "cds", Level: types.LevelRecoverable, Messages: []string{"harvest failed"}},
			{Source: "never", Skipped: true, SkipReason: "frequency is never"},
		},
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name   string
		result *RunResult
		want   int
	}{
		{"nil", nil, ExitCodeFailure},
		{"success", &RunResult{Verdict: policy.Verdict{Success: true}}, ExitCodeSuccess},
		{"failure", &RunResult{Verdict: policy.Verdict{Level: types.LevelFatal}}, ExitCodeFailure},
		{"stopped", &RunResult{Stopped: true, Verdict: policy.Verdict{Success: true}}, ExitCodeStopped},
		{"stopped after fatal source", &RunResult{Stopped: true, Verdict: policy.Verdict{Level: types.LevelFatal}}, ExitCodeFailure},
		{"stopped after recoverable source", &RunResult{Stopped: true, Verdict: policy.Verdict{Level: types.LevelRecoverable}}, ExitCodeStopped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.result); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestExitCodeForError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"config", &types.ConfigurationError{Msg: "unknown source"}, ExitCodeConfig},
		{"stopped", types.ErrStopRequested, ExitCodeStopped},
		{"other", errors.New("disk full"), ExitCodeFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCodeForError(tt.err); got != tt.want {
				t.Errorf("ExitCodeForError() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestBuildRunReport(t *testing.T) {
	report := BuildRunReport(sampleResult(), metrics.Snapshot{RecordsHarvested: 3})

	if report.Outcome != adapter.OutcomeSuccess || report.ExitCode != ExitCodeSuccess {
		t.Errorf("Outcome = %q, ExitCode = %d", report.Outcome, report.ExitCode)
	}
	if report.StartedAt != "2021-01-02T03:04:05Z" || report.DurationMs != 1500 {
		t.Errorf("StartedAt = %q, DurationMs = %d", report.StartedAt, report.DurationMs)
	}
	if report.Policy.Name != policy.NameContinue || !report.Policy.Verdict.Alert {
		t.Errorf("Policy = %+v", report.Policy)
	}
	if len(report.Sources) != 3 || report.Metrics.RecordsHarvested != 3 {
		t.Errorf("Sources = %d, Metrics = %+v", len(report.Sources), report.Metrics)
	}
}

func TestBuildRunReport_FatalOutranksStop(t *testing.T) {
	res := sampleResult()
	res.Stopped = true
	res.Verdict = policy.Verdict{Alert: true, Level: types.LevelFatal, Reason: "1 fatal"}
	report := BuildRunReport(res, metrics.Snapshot{})

	if report.Outcome != adapter.OutcomeFailure || report.ExitCode != ExitCodeFailure {
		t.Errorf("Outcome = %q, ExitCode = %d, want %q, %d", report.Outcome, report.ExitCode, adapter.OutcomeFailure, ExitCodeFailure)
	}
}

func TestWriteRunReport_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	if err := WriteRunReport(BuildRunReport(sampleResult(), metrics.Snapshot{}), path, FormatJSON); err != nil {
		t.Fatalf("WriteRunReport: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if got["run_id"] != "run-42" || got["outcome"] != "success" {
		t.Errorf("report = %v", got)
	}
	sources, ok := got["sources"].([]any)
	if !ok || len(sources) != 3 {
		t.Fatalf("sources = %v", got["sources"])
	}
	first := sources[0].(map[string]any)
	if first["lastrun_advanced"] != true {
		t.Errorf("first source = %v", first)
	}
}

func TestWriteRunReport_YAML(t *testing.T) {
	var buf bytes.Buffer
	if err := writeRunReportTo(BuildRunReport(sampleResult(), metrics.Snapshot{}), &buf, FormatYAML); err != nil {
		t.Fatalf("writeRunReportTo: %v", err)
	}
	var got struct {
		RunID  string `yaml:"run_id"`
		Policy struct {
			Name string `yaml:"name"`
		} `yaml:"policy"`
	}
	if err := yaml.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("invalid yaml: %v", err)
	}
	if got.RunID != "run-42" || got.Policy.Name != policy.NameContinue {
		t.Errorf("report = %+v", got)
	}
}

func TestWriteRunReport_Errors(t *testing.T) {
	report := BuildRunReport(sampleResult(), metrics.Snapshot{})
	if err := WriteRunReport(report, "", FormatJSON); err == nil {
		t.Error("expected error for empty path")
	}
	if err := writeRunReportTo(report, &bytes.Buffer{}, "toml"); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestReadRunReport_RoundTrip(t *testing.T) {
	for _, format := range []string{FormatJSON, FormatYAML} {
		t.Run(format, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "report."+format)
			snap := metrics.Snapshot{SourcesDue: 2, RecordsHarvested: 3}
			if err := WriteRunReport(BuildRunReport(sampleResult(), snap), path, format); err != nil {
				t.Fatalf("WriteRunReport: %v", err)
			}
			got, err := ReadRunReport(path)
			if err != nil {
				t.Fatalf("ReadRunReport: %v", err)
			}
			if got.RunID != "run-42" || len(got.Sources) != 3 {
				t.Fatalf("report = %+v", got)
			}
			if got.Sources[1].Level != types.LevelRecoverable || got.Sources[1].Messages[0] != "harvest failed" {
				t.Errorf("second source = %+v", got.Sources[1])
			}
			if got.Metrics == nil || got.Metrics.RecordsHarvested != 3 {
				t.Errorf("metrics = %+v", got.Metrics)
			}
		})
	}
}

func TestReadRunReport_Errors(t *testing.T) {
	dir := t.TempDir()
	if _, err := ReadRunReport(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
	empty := filepath.Join(dir, "empty.yaml")
	if err := os.WriteFile(empty, []byte("outcome: success\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadRunReport(empty); err == nil {
		t.Error("expected error for report without run_id")
	}
}

func TestBuildEvent_SkipsSkippedSources(t *testing.T) {
	res := sampleResult()
	res.Stopped = true
	ev := BuildEvent(res, nil)

	if ev.ContractVersion != adapter.ContractVersion || ev.EventType != adapter.EventTypeRunCompleted {
		t.Errorf("envelope = %+v", ev)
	}
	if ev.Outcome != adapter.OutcomeStopped {
		t.Errorf("Outcome = %q, want %q", ev.Outcome, adapter.OutcomeStopped)
	}
	if ev.Timestamp != "2021-01-02T03:04:06Z" {
		t.Errorf("Timestamp = %q", ev.Timestamp)
	}
	if len(ev.Sources) != 2 || ev.Sources[1].Level != "recoverable" {
		t.Errorf("Sources = %+v", ev.Sources)
	}
}

func TestSourceReport(t *testing.T) {
	text := SourceReport(sampleResult().Outcomes[1])
	for _, want := range []string{"Source: cds", "Level: recoverable", "  - harvest failed"} {
		if !strings.Contains(text, want) {
			t.Errorf("report missing %q:\n%s", want, text)
		}
	}
}
