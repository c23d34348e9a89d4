package policy

import "github.com/pithecene-io/oaiharvest/types"

// HaltPolicy fails the run on any error, recoverable or fatal.
type HaltPolicy struct {
	rec statsRecorder
}

// NewHaltPolicy creates a halt policy.
func NewHaltPolicy() *HaltPolicy {
	return &HaltPolicy{}
}

// Name returns "halt".
func (p *HaltPolicy) Name() string { return NameHalt }

// Observe records a source outcome.
func (p *HaltPolicy) Observe(outcome types.SourceOutcome) {
	p.rec.observe(outcome)
}

// Verdict fails whenever any source is above level 0.
func (p *HaltPolicy) Verdict() Verdict {
	level, s := p.rec.snapshot()
	failed := level > types.LevelNone
	return Verdict{
		Success: !failed,
		Alert:   failed,
		Level:   level,
		Reason:  reason(level, s),
	}
}

// Stats returns the observed counts.
func (p *HaltPolicy) Stats() Stats {
	_, s := p.rec.snapshot()
	return s
}

var _ Policy = (*HaltPolicy)(nil)
