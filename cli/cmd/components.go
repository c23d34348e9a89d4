package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	lodelibrary "github.com/justapithecus/lode/lode"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/oaiharvest/adapter"
	"github.com/pithecene-io/oaiharvest/adapter/redis"
	"github.com/pithecene-io/oaiharvest/adapter/webhook"
	"github.com/pithecene-io/oaiharvest/cli/config"
	"github.com/pithecene-io/oaiharvest/executor"
	"github.com/pithecene-io/oaiharvest/lode"
	"github.com/pithecene-io/oaiharvest/log"
	"github.com/pithecene-io/oaiharvest/material"
	"github.com/pithecene-io/oaiharvest/metrics"
	"github.com/pithecene-io/oaiharvest/oai"
	"github.com/pithecene-io/oaiharvest/pipeline"
	"github.com/pithecene-io/oaiharvest/registry"
	"github.com/pithecene-io/oaiharvest/runtime"
	"github.com/pithecene-io/oaiharvest/ticket"
	"github.com/pithecene-io/oaiharvest/upload"
)

// Defaults applied when neither a flag nor the config file sets a value.
const (
	defaultRegistry = "oaiharvest.db"
	defaultWorkDir  = "oaiharvest-work"
)

// loadConfig reads --config when given. Without it every setting takes its
// default. Errors exit with the configuration exit code.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if path == "" {
		return &config.Config{}, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, configExit(err)
	}
	return cfg, nil
}

// configExit wraps err so that the process exits with the configuration
// exit code.
func configExit(err error) error {
	return cli.Exit(err.Error(), runtime.ExitCodeConfig)
}

// registryPath resolves the registry database: flag, config, default.
func registryPath(c *cli.Context, cfg *config.Config) string {
	return firstNonEmpty(c.String("registry"), cfg.Registry, defaultRegistry)
}

func openRegistry(c *cli.Context, cfg *config.Config) (*registry.Registry, error) {
	reg, err := registry.Open(registryPath(c, cfg))
	if err != nil {
		return nil, configExit(err)
	}
	return reg, nil
}

func harvesterConfig(cfg config.HarvestConfig) oai.Config {
	return oai.Config{
		Timeout:   cfg.Timeout.Duration,
		Retries:   intOr(cfg.Retries, oai.DefaultRetries),
		Method:    cfg.Method,
		UserAgent: firstNonEmpty(cfg.UserAgent, "oaiharvest"),
		PageDelay: cfg.PageDelay.Duration,
	}
}

func buildInvoker(cfg config.ToolsConfig, logger *log.Logger, m *metrics.Collector) *executor.Invoker {
	return &executor.Invoker{
		Timeout: cfg.Timeout.Duration,
		RunAs:   cfg.RunAs,
		Logger:  logger,
		Metrics: m,
	}
}

// buildTools maps the tools section onto the pipeline. The returned daemon
// is nil unless a conversion daemon is configured; the caller stops it.
func buildTools(cfg *config.Config, logger *log.Logger, m *metrics.Collector) (pipeline.Tools, *executor.Daemon) {
	t := cfg.Tools
	tools := pipeline.Tools{
		Convert:           t.Convert,
		TemplateDir:       t.TemplateDir,
		PlotExtract:       t.PlotExtract,
		RefExtract:        t.RefExtract,
		AuthorlistConvert: t.AuthorlistConvert,
		StylesheetDir:     t.StylesheetDir,
		TicketQueue:       cfg.Ticket.Queue,
	}
	var daemon *executor.Daemon
	if d := t.ConvertDaemon; d != nil {
		daemon = executor.NewDaemon(executor.DaemonConfig{
			Argv:         d.Argv,
			HealthURL:    d.HealthURL,
			StartTimeout: d.StartTimeout.Duration,
		}, logger, m)
		tools.ConvertDaemon = daemon
	}
	return tools, daemon
}

func materialConfig(cfg *config.Config) material.Config {
	return material.Config{
		TarballURL: cfg.Material.TarballURL,
		PDFURL:     cfg.Material.PDFURL,
		Download:   cfg.Tools.Download,
	}
}

// storageBackend returns the normalized storage backend name.
func storageBackend(cfg config.StorageConfig) string {
	if b := strings.ToLower(cfg.Backend); b != "" {
		return b
	}
	return "fs"
}

// buildStorage opens the Lode client used by the lode sink and the chunk
// archive. The fs backend defaults to <workdir>/lode.
func buildStorage(ctx context.Context, cfg *config.Config, workDir, runID string, start time.Time) (*lode.LodeClient, error) {
	lc := lode.Config{
		Dataset: cfg.Storage.Dataset,
		Day:     lode.DeriveDay(start),
		RunID:   runID,
	}
	switch storageBackend(cfg.Storage) {
	case "fs":
		root := firstNonEmpty(cfg.Storage.Path, filepath.Join(workDir, "lode"))
		return lode.NewLodeClient(lc, root)
	case "s3":
		bucket, prefix := lode.ParseS3Path(cfg.Storage.Path)
		return lode.NewLodeS3Client(ctx, lc, lode.S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       cfg.Storage.Region,
			Endpoint:     cfg.Storage.Endpoint,
			UsePathStyle: cfg.Storage.S3PathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// openJobDataset opens the configured Lode dataset for reading.
func openJobDataset(ctx context.Context, cfg *config.Config, workDir string) (lodelibrary.Dataset, error) {
	switch storageBackend(cfg.Storage) {
	case "fs":
		root := firstNonEmpty(cfg.Storage.Path, filepath.Join(workDir, "lode"))
		return lode.NewReadDatasetFS(cfg.Storage.Dataset, root)
	case "s3":
		bucket, prefix := lode.ParseS3Path(cfg.Storage.Path)
		factory, err := lode.S3Factory(ctx, lode.S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       cfg.Storage.Region,
			Endpoint:     cfg.Storage.Endpoint,
			UsePathStyle: cfg.Storage.S3PathStyle,
		})
		if err != nil {
			return nil, err
		}
		return lode.NewReadDataset(cfg.Storage.Dataset, factory)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// buildSink selects the upload sink. The lode sink needs storage; the
// command sink runs the configured uploader.
func buildSink(cfg *config.Config, storage lode.Client, inv *executor.Invoker) (upload.Sink, error) {
	switch cfg.Upload.Sink {
	case "", "lode":
		if storage == nil {
			return nil, errors.New("lode sink requires storage")
		}
		return upload.NewLodeSink(storage), nil
	case "command":
		return &upload.CommandSink{Invoker: inv, Argv: cfg.Tools.Uploader}, nil
	default:
		return nil, fmt.Errorf("unknown upload sink %q", cfg.Upload.Sink)
	}
}

// buildAdapter returns nil when no adapter is configured.
func buildAdapter(cfg config.AdapterConfig) (adapter.Adapter, error) {
	switch cfg.Type {
	case "":
		return nil, nil
	case "webhook":
		return webhook.New(webhook.Config{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Secret:  cfg.Secret,
			Timeout: cfg.Timeout.Duration,
			Retries: intOr(cfg.Retries, webhook.DefaultRetries),
		})
	case "redis":
		return redis.New(redis.Config{
			URL:          cfg.URL,
			Channel:      cfg.Channel,
			Stream:       cfg.Stream,
			StreamMaxLen: cfg.StreamMaxLen,
			Timeout:      cfg.Timeout.Duration,
			Retries:      intOr(cfg.Retries, redis.DefaultRetries),
		})
	default:
		return nil, fmt.Errorf("unknown adapter type %q", cfg.Type)
	}
}

// buildTickets returns ticket.Nop when no ticket URL is configured.
func buildTickets(cfg config.TicketConfig) (ticket.Submitter, func() error, error) {
	if cfg.URL == "" {
		return ticket.Nop{}, func() error { return nil }, nil
	}
	client, err := ticket.New(ticket.Config{
		URL:     cfg.URL,
		Token:   cfg.Token,
		Timeout: cfg.Timeout.Duration,
	})
	if err != nil {
		return nil, nil, err
	}
	return client, client.Close, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}
