// Package policy turns per-source error levels into a run verdict.
//
// Policies decide whether the supervising scheduler keeps the harvester
// running after a failed run and whether administrators are alerted:
//   - level 0 is always a success
//   - level 2 is always a failure and raises an alert
//   - level 1 fails under halt; under continue the run succeeds and alerts
//
// A non-recurring invocation always uses halt.
package policy

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pithecene-io/oaiharvest/types"
)

// Policy names accepted by Parse.
const (
	NameHalt     = "halt"
	NameContinue = "continue"
)

// Verdict is the policy decision for a whole run.
type Verdict struct {
	// Success is false when the supervisor must stop scheduling the harvester.
	Success bool `json:"success" yaml:"success"`
	// Alert is true when administrators should be notified.
	Alert bool `json:"alert" yaml:"alert"`
	// Level is the highest level of any processed source.
	Level types.Level `json:"level" yaml:"level"`
	// Reason is a one-line summary for logs and alerts.
	Reason string `json:"reason" yaml:"reason"`
}

// Policy aggregates source outcomes into a Verdict.
type Policy interface {
	// Name returns the policy name.
	Name() string

	// Observe records the final outcome of one source.
	// Skipped sources are counted but never change the level. Stopped
	// sources are counted apart from OK.
	Observe(outcome types.SourceOutcome)

	// Verdict returns the decision for everything observed so far.
	Verdict() Verdict

	// Stats returns an atomic snapshot of the observed counts.
	Stats() Stats
}

// Stats counts observed sources by classification.
type Stats struct {
	Sources     int64 `json:"sources" yaml:"sources"`
	Skipped     int64 `json:"skipped" yaml:"skipped"`
	Stopped     int64 `json:"stopped" yaml:"stopped"`
	OK          int64 `json:"ok" yaml:"ok"`
	Recoverable int64 `json:"recoverable" yaml:"recoverable"`
	Fatal       int64 `json:"fatal" yaml:"fatal"`
	// Failed lists the names of sources above level 0, in observation order.
	Failed []string `json:"failed,omitempty" yaml:"failed,omitempty"`
}

// Parse returns the policy for name. Empty selects halt.
// When recurring is false the result is always halt.
func Parse(name string, recurring bool) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", NameHalt:
		return NewHaltPolicy(), nil
	case NameContinue:
		if !recurring {
			return NewHaltPolicy(), nil
		}
		return NewContinuePolicy(), nil
	default:
		return nil, &types.ConfigurationError{Msg: fmt.Sprintf("unknown error policy %q (want %s or %s)", name, NameHalt, NameContinue)}
	}
}

// statsRecorder is the shared, thread-safe tally behind both policies.
type statsRecorder struct {
	mu    sync.Mutex
	level types.Level
	stats Stats
}

func (r *statsRecorder) observe(o types.SourceOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.Sources++
	if o.Skipped {
		r.stats.Skipped++
		return
	}
	if o.Stopped && o.Level == types.LevelNone {
		r.stats.Stopped++
		return
	}
	switch o.Level {
	case types.LevelNone:
		r.stats.OK++
	case types.LevelRecoverable:
		r.stats.Recoverable++
	default:
		r.stats.Fatal++
	}
	if o.Level > types.LevelNone {
		r.stats.Failed = append(r.stats.Failed, o.Source)
	}
	r.level = types.MaxLevel(r.level, o.Level)
}

func (r *statsRecorder) snapshot() (types.Level, Stats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.stats
	s.Failed = append([]string(nil), r.stats.Failed...)
	return r.level, s
}

func reason(level types.Level, s Stats) string {
	if level == types.LevelNone {
		if s.Stopped > 0 {
			return fmt.Sprintf("%d sources ok, %d skipped, %d stopped", s.OK, s.Skipped, s.Stopped)
		}
		return fmt.Sprintf("%d sources ok, %d skipped", s.OK, s.Skipped)
	}
	return fmt.Sprintf("%d recoverable, %d fatal: %s", s.Recoverable, s.Fatal, strings.Join(s.Failed, ", "))
}
