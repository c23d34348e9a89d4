package render

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/pithecene-io/oaiharvest/types"
)

type sourceRow struct {
	Name      string      `json:"name"`
	Level     types.Level `json:"level"`
	Sets      []string    `json:"sets"`
	LastRun   *time.Time  `json:"lastrun"`
	Frequency int         `json:"frequency_hours"`
	internal  string
}

func sampleRows() []sourceRow {
	last := time.Date(2021, 1, 1, 6, 0, 0, 0, time.UTC)
	return []sourceRow{
		{Name: "arxiv", Level: types.LevelNone, Sets: []string{"physics", "math"}, LastRun: &last, Frequency: 24},
		{Name: "cds", Level: types.LevelFatal, internal: "hidden"},
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Format
		wantErr bool
	}{
		{"json lowercase", "json", FormatJSON, false},
		{"json uppercase", "JSON", FormatJSON, false},
		{"table", "table", FormatTable, false},
		{"yaml", "yaml", FormatYAML, false},
		{"empty", "", "", false},
		{"invalid", "xml", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFormat(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseFormat(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("ParseFormat(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestRenderer_JSON(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatJSON, false, &buf)

	if err := r.Render(sampleRows()); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	got := buf.String()
	if !strings.Contains(got, `"name": "arxiv"`) || !strings.Contains(got, `"frequency_hours": 24`) {
		t.Errorf("JSON output missing expected content: %s", got)
	}
}

func TestRenderer_YAML(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatYAML, false, &buf)

	if err := r.Render(map[string]string{"key": "value"}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if got := buf.String(); got != "key: value\n" {
		t.Errorf("YAML output = %q", got)
	}
}

func TestRenderer_PlainTable_Slice(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatTable, true, &buf)

	if err := r.Render(sampleRows()); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want 3:\n%s", len(lines), buf.String())
	}
	header := strings.Fields(lines[0])
	if strings.Join(header, " ") != "name level sets lastrun frequency_hours" {
		t.Errorf("header = %v", header)
	}
	for _, want := range []string{"arxiv", "ok", "physics,math", "2021-01-01T06:00:00Z", "24"} {
		if !strings.Contains(lines[1], want) {
			t.Errorf("row %q missing %q", lines[1], want)
		}
	}
	if !strings.Contains(lines[2], "fatal") || !strings.Contains(lines[2], "never") || strings.Contains(buf.String(), "hidden") {
		t.Errorf("row = %q", lines[2])
	}
}

func TestRenderer_PlainTable_SourceOutcomes(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatTable, true, &buf)

	outcomes := []types.SourceOutcome{
		{Source: "arxiv", Level: types.LevelNone, JobIDs: []string{"j1", "j2", "j3", "j4", "j5"}, LastRunAdvanced: true},
		{Source: "cds", Skipped: true, SkipReason: "not due"},
		{Source: "hal", Stopped: true},
	}
	if err := r.Render(outcomes); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("lines = %d, want 4:\n%s", len(lines), buf.String())
	}
	for _, want := range []string{"j1,j2,j3 +2", "advanced"} {
		if !strings.Contains(lines[1], want) {
			t.Errorf("row %q missing %q", lines[1], want)
		}
	}
	if !strings.Contains(lines[2], "skipped") || !strings.Contains(lines[2], "unchanged") {
		t.Errorf("skipped row = %q", lines[2])
	}
	if strings.Contains(lines[3], " ok ") || !strings.Contains(lines[3], "stopped") {
		t.Errorf("stopped row = %q", lines[3])
	}
}

func TestRenderer_Table_RecordDurations(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatTable, true, &buf)

	data := struct {
		RunID      string `json:"run_id"`
		DurationMs int64  `json:"duration_ms"`
		Secret     string `json:"-"`
	}{RunID: "run-1", DurationMs: 1500, Secret: "token"}

	if err := r.Render(&data); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	got := buf.String()
	if !strings.Contains(got, "duration_ms:") || !strings.Contains(got, "1.5s") {
		t.Errorf("output = %q", got)
	}
	if strings.Contains(got, "token") {
		t.Errorf("hidden field rendered: %q", got)
	}
}

func TestRenderer_ColoredTable_Slice(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatTable, false, &buf)

	if err := r.Render(sampleRows()); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	for _, want := range []string{"name", "arxiv", "cds", "fatal"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("table missing %q:\n%s", want, buf.String())
		}
	}
}

func TestRenderer_Table_Struct(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatTable, true, &buf)

	data := struct {
		Version string `json:"version"`
		Commit  string `json:"commit"`
	}{Version: "0.3.0", Commit: "abc123"}

	if err := r.Render(data); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	got := buf.String()
	if !strings.Contains(got, "version:") || !strings.Contains(got, "abc123") {
		t.Errorf("table output = %q", got)
	}
}

func TestRenderer_Table_Empty(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatTable, true, &buf)

	if err := r.Render([]sourceRow{}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if got := buf.String(); got != "(no results)\n" {
		t.Errorf("output = %q", got)
	}
}
