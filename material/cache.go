// Package material fetches and caches the heavy per-record inputs of the
// enrichment stages (source tarball, PDF, extracted tarball directory) for
// the duration of one source run.
package material

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pithecene-io/oaiharvest/executor"
	"github.com/pithecene-io/oaiharvest/log"
)

// Default URL templates and download command.
var (
	DefaultTarballURL = "https://arxiv.org/e-print/{local_id}"
	DefaultPDFURL     = "https://arxiv.org/pdf/{local_id}"
	DefaultDownload   = []string{"curl", "-sSfL", "--max-time", "300", "-o", "{output}", "{url}"}
)

// Config configures where material comes from.
type Config struct {
	// TarballURL and PDFURL are templates expanded with {id} (URL-escaped
	// OAI identifier) and {local_id} (the part after the last colon).
	TarballURL string
	PDFURL     string
	// Download is the argv template run to fetch {url} into {output}.
	Download []string
}

// Material is what has been fetched for one identifier so far.
type Material struct {
	Tarball      string
	PDF          string
	ExtractedDir string
}

type kind string

const (
	kindTarball   kind = "tarball"
	kindPDF       kind = "pdf"
	kindExtracted kind = "extracted"
)

// Cache remembers material per OAI identifier. A failed fetch is remembered
// too, so two stages never download the same broken URL twice. Not safe for
// concurrent use; a source run is sequential.
type Cache struct {
	cfg      Config
	dir      string
	invoker  *executor.Invoker
	logger   *log.Logger
	entries  map[string]*Material
	failures map[string]error
}

// NewCache creates a cache that stores files under dir.
func NewCache(cfg Config, dir string, inv *executor.Invoker, logger *log.Logger) *Cache {
	if cfg.TarballURL == "" {
		cfg.TarballURL = DefaultTarballURL
	}
	if cfg.PDFURL == "" {
		cfg.PDFURL = DefaultPDFURL
	}
	if len(cfg.Download) == 0 {
		cfg.Download = DefaultDownload
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Cache{
		cfg:      cfg,
		dir:      dir,
		invoker:  inv,
		logger:   logger,
		entries:  make(map[string]*Material),
		failures: make(map[string]error),
	}
}

// Lookup returns what is cached for id without fetching.
func (c *Cache) Lookup(id string) (Material, bool) {
	m, ok := c.entries[id]
	if !ok {
		return Material{}, false
	}
	return *m, true
}

// Tarball returns the local path of the source tarball of id.
func (c *Cache) Tarball(ctx context.Context, id string) (string, error) {
	return c.get(ctx, id, kindTarball, func(m *Material) *string { return &m.Tarball }, func() (string, error) {
		return c.download(ctx, id, c.cfg.TarballURL, ".tar.gz")
	})
}

// PDF returns the local path of the PDF of id.
func (c *Cache) PDF(ctx context.Context, id string) (string, error) {
	return c.get(ctx, id, kindPDF, func(m *Material) *string { return &m.PDF }, func() (string, error) {
		return c.download(ctx, id, c.cfg.PDFURL, ".pdf")
	})
}

// Extracted returns the directory holding the unpacked tarball of id.
func (c *Cache) Extracted(ctx context.Context, id string) (string, error) {
	return c.get(ctx, id, kindExtracted, func(m *Material) *string { return &m.ExtractedDir }, func() (string, error) {
		tarball, err := c.Tarball(ctx, id)
		if err != nil {
			return "", err
		}
		dest := filepath.Join(c.dir, SafeName(id)+"_extracted")
		if err := Extract(tarball, dest); err != nil {
			return "", err
		}
		return dest, nil
	})
}

func (c *Cache) get(_ context.Context, id string, k kind, field func(*Material) *string, fetch func() (string, error)) (string, error) {
	m := c.entries[id]
	if m == nil {
		m = &Material{}
		c.entries[id] = m
	}
	if p := *field(m); p != "" {
		return p, nil
	}
	key := string(k) + "\x00" + id
	if err, failed := c.failures[key]; failed {
		return "", err
	}
	p, err := fetch()
	if err != nil {
		c.failures[key] = err
		return "", err
	}
	*field(m) = p
	return p, nil
}

func (c *Cache) download(ctx context.Context, id, tmpl, ext string) (string, error) {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return "", fmt.Errorf("material dir: %w", err)
	}
	target := expandURL(tmpl, id)
	out := filepath.Join(c.dir, SafeName(id)+ext)

	argv := make([]string, len(c.cfg.Download))
	for i, a := range c.cfg.Download {
		argv[i] = strings.NewReplacer("{url}", target, "{output}", out).Replace(a)
	}

	res, err := c.invoker.Run(ctx, executor.Command{Name: "download", Argv: argv})
	if err != nil {
		return "", fmt.Errorf("download %s: %w", target, err)
	}
	if !res.OK() {
		_ = os.Remove(out)
		return "", fmt.Errorf("download %s: %s", target, res.Failure())
	}
	if fi, err := os.Stat(out); err != nil || fi.Size() == 0 {
		_ = os.Remove(out)
		return "", fmt.Errorf("download %s: no content", target)
	}
	c.logger.Debug("material downloaded", map[string]any{"identifier": id, "url": target, "path": out})
	return out, nil
}

// Remove deletes every cached file.
func (c *Cache) Remove() error {
	c.entries = make(map[string]*Material)
	c.failures = make(map[string]error)
	if err := os.RemoveAll(c.dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// LocalID returns the part of an OAI identifier after its last colon,
// e.g. "1234.5678" for "oai:arXiv.org:1234.5678".
func LocalID(id string) string {
	if i := strings.LastIndex(id, ":"); i >= 0 {
		return id[i+1:]
	}
	return id
}

func expandURL(tmpl, id string) string {
	return strings.NewReplacer(
		"{id}", url.QueryEscape(id),
		"{local_id}", LocalID(id),
	).Replace(tmpl)
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SafeName maps an identifier to a file name component.
func SafeName(id string) string {
	return unsafeChars.ReplaceAllString(id, "_")
}
