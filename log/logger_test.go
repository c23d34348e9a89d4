package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/pithecene-io/oaiharvest/types"
)

func TestLogger_CarriesRunAndSourceContext(t *testing.T) {
	var buf bytes.Buffer
	meta := &types.RunMeta{RunID: "run-001", Attempt: 1}
	logger := NewWithWriter(meta, &buf).WithSource("arxiv")

	logger.Info("harvest started", map[string]any{"window": "full"})

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if entry["run_id"] != "run-001" {
		t.Errorf("run_id = %v, want run-001", entry["run_id"])
	}
	if entry["source"] != "arxiv" {
		t.Errorf("source = %v, want arxiv", entry["source"])
	}
	if entry["message"] != "harvest started" {
		t.Errorf("message = %v, want harvest started", entry["message"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["window"] != "full" {
		t.Errorf("fields = %v, want window=full", entry["fields"])
	}
}

func TestNop_DiscardsEntries(t *testing.T) {
	// Must not panic.
	Nop().WithSource("x").WithStage("convert").Error("ignored", nil)
}

func TestSugar_Formats(t *testing.T) {
	var buf bytes.Buffer
	meta := &types.RunMeta{RunID: "run-002", Attempt: 1}
	NewWithWriter(meta, &buf).Sugar().Warnf("skipped %d sources", 3)
	if !strings.Contains(buf.String(), "skipped 3 sources") {
		t.Errorf("output = %q, want formatted message", buf.String())
	}
}
