package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pithecene-io/oaiharvest/policy"
)

// Config represents an oaiharvest.yaml configuration file.
// All values are optional and act as defaults for oaiharvest run flags.
// CLI flags always override config values.
type Config struct {
	// Registry is the SQLite database holding sources and the audit log.
	Registry    string         `yaml:"registry"`
	WorkDir     string         `yaml:"workdir"`
	KeepWorkDir bool           `yaml:"keep_workdir"`
	Harvest     HarvestConfig  `yaml:"harvest"`
	Tools       ToolsConfig    `yaml:"tools"`
	Material    MaterialConfig `yaml:"material"`
	Storage     StorageConfig  `yaml:"storage"`
	Upload      UploadConfig   `yaml:"upload"`
	Policy      PolicyConfig   `yaml:"policy"`
	Adapter     AdapterConfig  `yaml:"adapter"`
	Ticket      TicketConfig   `yaml:"ticket"`
}

// HarvestConfig tunes the OAI-PMH client.
type HarvestConfig struct {
	Timeout   Duration `yaml:"timeout"`
	Retries   *int     `yaml:"retries,omitempty"`
	UserAgent string   `yaml:"user_agent"`
	PageDelay Duration `yaml:"page_delay"`
	Method    string   `yaml:"method"`
}

// ToolsConfig holds the external tool argv templates.
type ToolsConfig struct {
	Timeout           Duration             `yaml:"timeout"`
	RunAs             string               `yaml:"run_as"`
	Convert           []string             `yaml:"convert"`
	ConvertDaemon     *ConvertDaemonConfig `yaml:"convert_daemon,omitempty"`
	TemplateDir       string               `yaml:"template_dir"`
	PlotExtract       []string             `yaml:"plotextract"`
	RefExtract        []string             `yaml:"refextract"`
	AuthorlistConvert []string             `yaml:"authorlist_convert"`
	StylesheetDir     string               `yaml:"stylesheet_dir"`
	Download          []string             `yaml:"download"`
	Uploader          []string             `yaml:"uploader"`
}

// ConvertDaemonConfig describes the long-running conversion helper.
type ConvertDaemonConfig struct {
	Argv         []string `yaml:"argv"`
	HealthURL    string   `yaml:"health_url"`
	StartTimeout Duration `yaml:"start_timeout"`
}

// MaterialConfig holds the full-text and tarball URL templates.
type MaterialConfig struct {
	TarballURL string `yaml:"tarball_url"`
	PDFURL     string `yaml:"pdf_url"`
}

// StorageConfig selects the Lode backend used by the lode sink and the
// chunk archive.
type StorageConfig struct {
	Dataset     string `yaml:"dataset"`
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
	// Archive stores every harvested chunk next to the upload jobs.
	Archive bool `yaml:"archive"`
}

// UploadConfig selects the upload sink.
type UploadConfig struct {
	// Sink is "lode" (default) or "command".
	Sink     string `yaml:"sink"`
	Priority int    `yaml:"priority"`
}

// PolicyConfig holds the error policy.
type PolicyConfig struct {
	OnError string `yaml:"on_error"`
	// Notify publishes the run event after every run, not only on alerts.
	Notify bool `yaml:"notify"`
}

// AdapterConfig holds adapter defaults from the config file.
type AdapterConfig struct {
	Type         string            `yaml:"type"`
	URL          string            `yaml:"url"`
	Channel      string            `yaml:"channel,omitempty"`
	Stream       string            `yaml:"stream,omitempty"`
	StreamMaxLen int64             `yaml:"stream_max_len,omitempty"`
	Headers      map[string]string `yaml:"headers,omitempty"`
	Secret       string            `yaml:"secret,omitempty"`
	Timeout      Duration          `yaml:"timeout,omitempty"`
	Retries      *int              `yaml:"retries,omitempty"`
}

// TicketConfig configures the ticketing collaborator.
type TicketConfig struct {
	URL     string   `yaml:"url"`
	Token   string   `yaml:"token"`
	Queue   string   `yaml:"queue"`
	Timeout Duration `yaml:"timeout"`
	// ReportQueue, when set, receives one report ticket per processed source.
	ReportQueue string `yaml:"report_queue"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Validate checks the enumerated values. Everything else is checked by the
// component that consumes it.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Storage.Backend) {
	case "", "fs", "s3":
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q must be fs or s3", c.Storage.Backend))
	}
	switch c.Upload.Sink {
	case "", "lode", "command":
	default:
		errs = append(errs, fmt.Errorf("upload.sink %q must be lode or command", c.Upload.Sink))
	}
	switch c.Policy.OnError {
	case "", policy.NameHalt, policy.NameContinue:
	default:
		errs = append(errs, fmt.Errorf("policy.on_error %q must be %s or %s", c.Policy.OnError, policy.NameHalt, policy.NameContinue))
	}
	switch c.Adapter.Type {
	case "", "webhook", "redis":
	default:
		errs = append(errs, fmt.Errorf("adapter.type %q must be webhook or redis", c.Adapter.Type))
	}
	if c.Adapter.Type != "" && c.Adapter.URL == "" {
		errs = append(errs, fmt.Errorf("adapter.url is required for adapter type %s", c.Adapter.Type))
	}
	switch strings.ToUpper(c.Harvest.Method) {
	case "", "GET", "POST":
	default:
		errs = append(errs, fmt.Errorf("harvest.method %q must be GET or POST", c.Harvest.Method))
	}
	if d := c.Tools.ConvertDaemon; d != nil && (len(d.Argv) == 0 || d.HealthURL == "") {
		errs = append(errs, errors.New("tools.convert_daemon needs argv and health_url"))
	}
	return errors.Join(errs...)
}
