package policy

import "github.com/pithecene-io/oaiharvest/types"

// ContinuePolicy keeps the harvester scheduled after recoverable errors.
// The failed windows are picked up again by the next run because lastrun
// was not advanced for those sources.
type ContinuePolicy struct {
	rec statsRecorder
}

// NewContinuePolicy creates a continue policy.
func NewContinuePolicy() *ContinuePolicy {
	return &ContinuePolicy{}
}

// Name returns "continue".
func (p *ContinuePolicy) Name() string { return NameContinue }

// Observe records a source outcome.
func (p *ContinuePolicy) Observe(outcome types.SourceOutcome) {
	p.rec.observe(outcome)
}

// Verdict fails only on fatal sources and alerts on any error.
func (p *ContinuePolicy) Verdict() Verdict {
	level, s := p.rec.snapshot()
	return Verdict{
		Success: level < types.LevelFatal,
		Alert:   level > types.LevelNone,
		Level:   level,
		Reason:  reason(level, s),
	}
}

// Stats returns the observed counts.
func (p *ContinuePolicy) Stats() Stats {
	_, s := p.rec.snapshot()
	return s
}

var _ Policy = (*ContinuePolicy)(nil)
