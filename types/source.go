package types

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Mode is a single post-processing flag.
type Mode byte

// Post-processing flags, in the order the pipeline runs them.
const (
	ModeConvert     Mode = 'c'
	ModePlotExtract Mode = 'p'
	ModeRefExtract  Mode = 'r'
	ModeAuthorList  Mode = 'a'
	ModeFulltext    Mode = 't'
	ModeFilter      Mode = 'f'
	ModeUpload      Mode = 'u'
)

// modeOrder is the canonical flag order.
const modeOrder = "cprtafu"

// PostprocessMode is the unordered set of post-processing flags of a source.
type PostprocessMode struct {
	flags map[Mode]struct{}
}

// ParsePostprocessMode parses a flag string such as "cfu".
// Whitespace and commas are ignored; unknown letters are rejected.
func ParsePostprocessMode(s string) (PostprocessMode, error) {
	m := PostprocessMode{flags: make(map[Mode]struct{})}
	for _, r := range s {
		if r == ' ' || r == ',' || r == '\t' {
			continue
		}
		if r > 0x7f || !strings.ContainsRune(modeOrder, r) {
			return PostprocessMode{}, fmt.Errorf("unknown postprocess flag %q", r)
		}
		m.flags[Mode(r)] = struct{}{}
	}
	return m, nil
}

// MustPostprocessMode is ParsePostprocessMode for literals in tests and defaults.
func MustPostprocessMode(s string) PostprocessMode {
	m, err := ParsePostprocessMode(s)
	if err != nil {
		panic(err)
	}
	return m
}

// Has reports whether flag is set.
func (m PostprocessMode) Has(flag Mode) bool {
	_, ok := m.flags[flag]
	return ok
}

// String returns the flags in canonical order.
func (m PostprocessMode) String() string {
	var b strings.Builder
	for i := 0; i < len(modeOrder); i++ {
		if m.Has(Mode(modeOrder[i])) {
			b.WriteByte(modeOrder[i])
		}
	}
	return b.String()
}

// MarshalText implements encoding.TextMarshaler.
func (m PostprocessMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *PostprocessMode) UnmarshalText(text []byte) error {
	parsed, err := ParsePostprocessMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Source is one configured OAI-PMH repository.
type Source struct {
	// ID is the registry primary key.
	ID int64
	// Name is the unique human name used on the command line.
	Name string
	// BaseURL is the OAI-PMH endpoint.
	BaseURL string
	// MetadataPrefix is sent as metadataPrefix.
	MetadataPrefix string
	// Arguments holds per-stage options such as "r_format" or "u_priority".
	Arguments map[string]string
	// Comment is free text for operators.
	Comment string
	// ConversionTemplate is passed to the converter by the convert stage.
	ConversionTemplate string
	// LastRun is nil when the source was never harvested automatically.
	LastRun *time.Time
	// FrequencyHours is the harvest interval. Zero disables automatic harvesting.
	FrequencyHours int
	// Postprocess is the set of enabled pipeline stages.
	Postprocess PostprocessMode
	// SetSpecs restricts harvesting to these OAI sets. Empty means all sets.
	SetSpecs []string
	// FilterProgram is the optional external filter executable.
	FilterProgram string
}

// Argument returns the named argument or def when unset.
func (s *Source) Argument(name, def string) string {
	if v, ok := s.Arguments[name]; ok && v != "" {
		return v
	}
	return def
}

// AutoHarvested reports whether the scheduler may select the source on its own.
func (s *Source) AutoHarvested() bool {
	return s.FrequencyHours != 0
}

// ParseSetSpecs splits a whitespace separated set list.
func ParseSetSpecs(s string) []string {
	return strings.Fields(s)
}

// Validate checks a source row at load time.
func (s *Source) Validate() error {
	var errs []error
	if strings.TrimSpace(s.Name) == "" {
		errs = append(errs, errors.New("name must be non-empty"))
	}
	u, err := url.Parse(s.BaseURL)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("invalid base url %q: %w", s.BaseURL, err))
	case u.Scheme != "http" && u.Scheme != "https":
		errs = append(errs, fmt.Errorf("base url %q must be http or https", s.BaseURL))
	case u.Host == "":
		errs = append(errs, fmt.Errorf("base url %q has no host", s.BaseURL))
	}
	if strings.TrimSpace(s.MetadataPrefix) == "" {
		errs = append(errs, errors.New("metadata prefix must be non-empty"))
	}
	if s.FrequencyHours < 0 {
		errs = append(errs, fmt.Errorf("frequency must be >= 0, got %d", s.FrequencyHours))
	}
	if s.Postprocess.Has(ModeConvert) && s.ConversionTemplate == "" {
		errs = append(errs, errors.New("convert flag requires a conversion template"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("source %q: %w", s.Name, errors.Join(errs...))
}
