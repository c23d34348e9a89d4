package types

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the OAI-PMH day granularity layout.
const DateLayout = "2006-01-02"

// HarvestWindow bounds a harvest by datestamp. Both nil means the whole repository.
type HarvestWindow struct {
	From  *time.Time
	Until *time.Time
}

// Full reports whether the window has no date filter.
func (w HarvestWindow) Full() bool {
	return w.From == nil && w.Until == nil
}

// Validate rejects windows whose bounds are both set and not increasing.
func (w HarvestWindow) Validate() error {
	if w.From != nil && w.Until != nil && !w.From.Before(*w.Until) {
		return &ConfigurationError{Msg: fmt.Sprintf("first date %s must be before second date %s",
			w.From.Format(DateLayout), w.Until.Format(DateLayout))}
	}
	return nil
}

// FromParam returns the OAI "from" value, or "" when unbounded.
func (w HarvestWindow) FromParam() string {
	if w.From == nil {
		return ""
	}
	return w.From.UTC().Format(DateLayout)
}

// UntilParam returns the OAI "until" value, or "" when unbounded.
func (w HarvestWindow) UntilParam() string {
	if w.Until == nil {
		return ""
	}
	return w.Until.UTC().Format(DateLayout)
}

// String renders the window for logs and reports.
func (w HarvestWindow) String() string {
	if w.Full() {
		return "full"
	}
	from, until := w.FromParam(), w.UntilParam()
	if from == "" {
		from = "*"
	}
	if until == "" {
		until = "*"
	}
	return from + ":" + until
}

// ParseDateRange parses an operator supplied "YYYY-MM-DD:YYYY-MM-DD" range.
func ParseDateRange(s string) (HarvestWindow, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return HarvestWindow{}, &ConfigurationError{Msg: fmt.Sprintf("dates %q have invalid format, not 'yyyy-mm-dd:yyyy-mm-dd'", s)}
	}
	from, err := time.Parse(DateLayout, strings.TrimSpace(parts[0]))
	if err != nil {
		return HarvestWindow{}, &ConfigurationError{Msg: fmt.Sprintf("invalid from date %q", parts[0]), Err: err}
	}
	until, err := time.Parse(DateLayout, strings.TrimSpace(parts[1]))
	if err != nil {
		return HarvestWindow{}, &ConfigurationError{Msg: fmt.Sprintf("invalid until date %q", parts[1]), Err: err}
	}
	w := HarvestWindow{From: &from, Until: &until}
	if err := w.Validate(); err != nil {
		return HarvestWindow{}, err
	}
	return w, nil
}
