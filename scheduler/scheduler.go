// Package scheduler decides which sources are due for harvesting and with
// which date window. It is pure: the clock and the registry snapshot are
// inputs, nothing is mutated.
package scheduler

import (
	"fmt"
	"time"

	"github.com/pithecene-io/oaiharvest/types"
)

// Reason explains a decision in logs and reports.
type Reason string

// Decision reasons.
const (
	ReasonIdentifiers Reason = "explicit identifiers"
	ReasonDateRange   Reason = "explicit date range"
	ReasonFirstRun    Reason = "never harvested"
	ReasonDue         Reason = "due"
	ReasonNotDue      Reason = "not due"
	ReasonNever       Reason = "frequency is never"
)

// Override is the operator input that bypasses frequency logic.
type Override struct {
	// DateRange, when set, makes every selected source due with this window.
	DateRange *types.HarvestWindow
	// Identifiers switches to per-identifier GetRecord harvesting.
	Identifiers []string
}

// Manual reports whether the run was asked for explicit records or dates.
// Manual harvests never advance lastrun.
func (o Override) Manual() bool {
	return o.DateRange != nil || len(o.Identifiers) > 0
}

// Decision is the scheduling verdict for one source.
type Decision struct {
	Source types.Source
	Due    bool
	Window types.HarvestWindow
	Reason Reason
	// NextDue is set for sources skipped as not due yet.
	NextDue *time.Time
}

// Decide applies the scheduling rules to one source, in priority order:
// explicit identifiers or date range, first-ever harvest, frequency never,
// and finally lastrun + frequency compared to now in whole seconds.
func Decide(src types.Source, override Override, now time.Time) Decision {
	d := Decision{Source: src}
	switch {
	case len(override.Identifiers) > 0:
		d.Due, d.Reason = true, ReasonIdentifiers
	case override.DateRange != nil:
		d.Due, d.Reason, d.Window = true, ReasonDateRange, *override.DateRange
	case src.LastRun == nil && src.FrequencyHours != 0:
		d.Due, d.Reason = true, ReasonFirstRun
	case src.FrequencyHours == 0:
		d.Reason = ReasonNever
	default:
		dueAt := src.LastRun.Unix() + int64(src.FrequencyHours)*3600
		if now.Unix() >= dueAt {
			from := dayOf(*src.LastRun)
			d.Due, d.Reason, d.Window = true, ReasonDue, types.HarvestWindow{From: &from}
		} else {
			next := time.Unix(dueAt, 0).UTC()
			d.Reason, d.NextDue = ReasonNotDue, &next
		}
	}
	return d
}

// Plan decides every source. It fails with a ConfigurationError before
// returning any decision when the override date range is invalid.
func Plan(sources []types.Source, override Override, now time.Time) ([]Decision, error) {
	if override.DateRange != nil {
		if err := override.DateRange.Validate(); err != nil {
			return nil, err
		}
		if override.DateRange.Full() {
			return nil, &types.ConfigurationError{Msg: "explicit date range has no bounds"}
		}
	}
	if override.DateRange != nil && len(override.Identifiers) > 0 {
		return nil, &types.ConfigurationError{Msg: "identifiers and date range are mutually exclusive"}
	}
	out := make([]Decision, 0, len(sources))
	for _, s := range sources {
		out = append(out, Decide(s, override, now))
	}
	return out, nil
}

// dayOf truncates t to its UTC calendar day.
func dayOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// String renders a decision for logs.
func (d Decision) String() string {
	if !d.Due {
		return fmt.Sprintf("%s: skip (%s)", d.Source.Name, d.Reason)
	}
	return fmt.Sprintf("%s: harvest %s (%s)", d.Source.Name, d.Window, d.Reason)
}
