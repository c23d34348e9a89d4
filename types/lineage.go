// Package types defines core domain types for the harvesting pipeline.
//
//nolint:revive // types is a common Go package naming convention
package types

import (
	"errors"
	"fmt"
)

// RunMeta identifies one invocation of the harvester.
type RunMeta struct {
	// RunID is the canonical run identifier. Must be unique per invocation.
	RunID string
	// ParentRunID links a resumed invocation to the run the supervisor halted.
	ParentRunID *string
	// Attempt is the attempt number. Starts at 1 for fresh runs.
	Attempt int
}

// Validate validates lineage rules:
//   - attempt >= 1
//   - attempt == 1 => parent_run_id must be nil
//   - attempt > 1 => parent_run_id must be present
func (r *RunMeta) Validate() error {
	if r.RunID == "" {
		return errors.New("run_id must be non-empty")
	}

	if r.Attempt < 1 {
		return fmt.Errorf("attempt must be >= 1, got %d", r.Attempt)
	}

	if r.Attempt == 1 && r.ParentRunID != nil {
		return errors.New("initial run (attempt=1) must not have parent_run_id")
	}

	if r.Attempt > 1 && r.ParentRunID == nil {
		return fmt.Errorf("resumed run (attempt=%d) must have parent_run_id", r.Attempt)
	}

	return nil
}

// Level is the error classification of a source or of a whole run.
type Level int

const (
	// LevelNone means everything succeeded.
	LevelNone Level = 0
	// LevelRecoverable means the failed window is retried by the next scheduled run.
	LevelRecoverable Level = 1
	// LevelFatal means operator intervention is required.
	LevelFatal Level = 2
)

// String returns the report label for the level.
func (l Level) String() string {
	switch l {
	case LevelNone:
		return "ok"
	case LevelRecoverable:
		return "recoverable"
	case LevelFatal:
		return "fatal"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// MaxLevel returns the more severe of a and b.
func MaxLevel(a, b Level) Level {
	if b > a {
		return b
	}
	return a
}

// SourceOutcome is the per-source result of one run.
type SourceOutcome struct {
	// Source is the source name.
	Source string `json:"source" yaml:"source"`
	// SourceID is the registry id of the source.
	SourceID int64 `json:"source_id" yaml:"source_id"`
	// Level is the source classification.
	Level Level `json:"level" yaml:"level"`
	// Messages collects every stage, record and upload error for the source.
	Messages []string `json:"messages,omitempty" yaml:"messages,omitempty"`
	// Skipped is true when the scheduler did not select the source.
	Skipped bool `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	// SkipReason explains a skip.
	SkipReason string `json:"skip_reason,omitempty" yaml:"skip_reason,omitempty"`
	// Stopped is true when a stop request interrupted the source before
	// its upload. Nothing past the checkpoint ran.
	Stopped bool `json:"stopped,omitempty" yaml:"stopped,omitempty"`
	// Window is the harvested window, formatted for display.
	Window string `json:"window,omitempty" yaml:"window,omitempty"`
	// Harvested is the number of unique records harvested.
	Harvested int `json:"harvested" yaml:"harvested"`
	// Uploaded is the number of records submitted to the sink.
	Uploaded int `json:"uploaded" yaml:"uploaded"`
	// JobIDs lists the sink job ids created for the source.
	JobIDs []string `json:"job_ids,omitempty" yaml:"job_ids,omitempty"`
	// LastRunAdvanced is true when the registry lastrun was updated.
	LastRunAdvanced bool `json:"lastrun_advanced" yaml:"lastrun_advanced"`
}

// Fail records msg and raises the outcome level to at least level.
func (o *SourceOutcome) Fail(level Level, msg string) {
	o.Level = MaxLevel(o.Level, level)
	if msg != "" {
		o.Messages = append(o.Messages, msg)
	}
}

// Note records msg without changing the level.
func (o *SourceOutcome) Note(msg string) {
	if msg != "" {
		o.Messages = append(o.Messages, msg)
	}
}
