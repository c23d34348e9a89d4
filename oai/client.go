// Package oai is an OAI-PMH harvesting client. It pages through ListRecords
// (or fetches single GetRecord responses), writes every response page to a
// numbered chunk file, and removes records repeated across chunks.
package oai

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pithecene-io/oaiharvest/iox"
	"github.com/pithecene-io/oaiharvest/log"
	"github.com/pithecene-io/oaiharvest/metrics"
	"github.com/pithecene-io/oaiharvest/types"
)

// Verbs used by the harvester.
const (
	VerbListRecords = "ListRecords"
	VerbGetRecord   = "GetRecord"
)

// DefaultTimeout is the default per-request timeout.
const DefaultTimeout = 60 * time.Second

// DefaultRetries is the default number of retry attempts per page.
const DefaultRetries = 3

// maxRetryAfter caps a server supplied Retry-After delay.
const maxRetryAfter = 10 * time.Minute

// Config configures the client.
type Config struct {
	// Timeout is the per-request timeout (default 60s).
	Timeout time.Duration
	// Retries is the number of retry attempts on transient failure (default 3).
	Retries int
	// Method is GET or POST (default POST).
	Method string
	// UserAgent is sent with every request.
	UserAgent string
	// PageDelay is slept between consecutive pages of one list.
	PageDelay time.Duration
	// User and Password enable HTTP basic auth.
	User     string
	Password string
	// CertFile and KeyFile supply a TLS client certificate.
	CertFile string
	KeyFile  string
}

// Request describes one harvest.
type Request struct {
	BaseURL        string
	Verb           string
	MetadataPrefix string
	// Identifier is required for GetRecord.
	Identifier string
	Window     types.HarvestWindow
	// Sets yields one sub-harvest per set. Empty harvests all sets.
	Sets []string
}

// Client harvests OAI-PMH repositories.
type Client struct {
	config  Config
	client  *http.Client
	logger  *log.Logger
	metrics *metrics.Collector
	sleep   func(context.Context, time.Duration) error
}

// New creates a client. A configured client certificate is loaded eagerly so
// a bad path is reported before any request.
func New(cfg Config, logger *log.Logger, m *metrics.Collector) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	switch strings.ToUpper(cfg.Method) {
	case "":
		cfg.Method = http.MethodPost
	case http.MethodGet, http.MethodPost:
		cfg.Method = strings.ToUpper(cfg.Method)
	default:
		return nil, fmt.Errorf("unsupported method %q, want GET or POST", cfg.Method)
	}
	if logger == nil {
		logger = log.Nop()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return nil, errors.New("client certificate requires both cert and key files")
		}
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		transport.TLSClientConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	return &Client{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Timeout, Transport: transport},
		logger:  logger,
		metrics: m,
		sleep:   sleepCtx,
	}, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// Fetch runs req and writes each response page to dir as <prefix><n>.xml,
// numbering from 1 across all sets. It returns the chunk paths in order.
// A noRecordsMatch answer contributes no chunk and is not an error.
func (c *Client) Fetch(ctx context.Context, req Request, dir, prefix string) ([]string, error) {
	if req.Verb == "" {
		req.Verb = VerbListRecords
	}
	if req.Verb == VerbGetRecord && req.Identifier == "" {
		return nil, errors.New("GetRecord requires an identifier")
	}

	sets := req.Sets
	if len(sets) == 0 || req.Verb == VerbGetRecord {
		sets = []string{""}
	}

	var paths []string
	for _, set := range sets {
		got, err := c.fetchSet(ctx, req, set, dir, prefix, len(paths)+1)
		paths = append(paths, got...)
		if err != nil {
			return paths, err
		}
	}
	return paths, nil
}

func (c *Client) fetchSet(ctx context.Context, req Request, set, dir, prefix string, next int) ([]string, error) {
	params := url.Values{}
	params.Set("verb", req.Verb)
	params.Set("metadataPrefix", req.MetadataPrefix)
	if req.Identifier != "" {
		params.Set("identifier", req.Identifier)
	}
	if v := req.Window.FromParam(); v != "" {
		params.Set("from", v)
	}
	if v := req.Window.UntilParam(); v != "" {
		params.Set("until", v)
	}
	if set != "" {
		params.Set("set", set)
	}

	var paths []string
	for page := 0; ; page++ {
		if page > 0 && c.config.PageDelay > 0 {
			if err := c.sleep(ctx, c.config.PageDelay); err != nil {
				return paths, err
			}
		}

		body, err := c.do(ctx, req.BaseURL, params)
		if err != nil {
			return paths, &types.NetworkError{URL: req.BaseURL, Err: err}
		}

		info, err := inspectPage(body)
		if err != nil {
			return paths, &types.NetworkError{URL: req.BaseURL, Err: fmt.Errorf("malformed response: %w", err)}
		}
		if info.err != nil {
			if info.err.Code == CodeNoRecordsMatch {
				c.logger.Info("no records match", map[string]any{"base_url": req.BaseURL, "set": set})
				return paths, nil
			}
			return paths, &types.NetworkError{URL: req.BaseURL, Err: info.err}
		}

		path := filepath.Join(dir, fmt.Sprintf("%s%d.xml", prefix, next+len(paths)))
		if err := os.WriteFile(path, body, 0o644); err != nil {
			return paths, fmt.Errorf("write chunk: %w", err)
		}
		paths = append(paths, path)
		c.metrics.IncChunk()

		c.logger.Debug("page harvested", map[string]any{
			"chunk":   filepath.Base(path),
			"set":     set,
			"records": info.records,
		})

		if info.token == "" {
			return paths, nil
		}
		params = url.Values{}
		params.Set("verb", req.Verb)
		params.Set("resumptionToken", info.token)
	}
}

// Get sends one request with arbitrary parameters and copies the raw
// response body to w. It serves the manual "get" command.
func (c *Client) Get(ctx context.Context, baseURL, verb string, params url.Values, w io.Writer) error {
	vals := url.Values{}
	for k, v := range params {
		vals[k] = v
	}
	vals.Set("verb", verb)
	body, err := c.do(ctx, baseURL, vals)
	if err != nil {
		return &types.NetworkError{URL: baseURL, Err: err}
	}
	_, err = w.Write(body)
	return err
}

// StatusError is returned for non-2xx HTTP responses.
type StatusError struct {
	Code       int
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

func (e *StatusError) retriable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// do performs one logical request with retries and returns the body.
func (c *Client) do(ctx context.Context, baseURL string, params url.Values) ([]byte, error) {
	var lastErr error
	attempts := 1 + c.config.Retries

	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * 500 * time.Millisecond
			var statusErr *StatusError
			if errors.As(lastErr, &statusErr) && statusErr.RetryAfter > 0 {
				backoff = statusErr.RetryAfter
			}
			c.metrics.IncRequestRetry()
			c.logger.Warn("retrying request", map[string]any{
				"base_url": baseURL,
				"attempt":  i + 1,
				"backoff":  backoff.String(),
				"error":    lastErr.Error(),
			})
			if err := c.sleep(ctx, backoff); err != nil {
				return nil, err
			}
		}

		body, err := c.doRequest(ctx, baseURL, params)
		if err == nil {
			return body, nil
		}
		lastErr = err

		var statusErr *StatusError
		if errors.As(err, &statusErr) && !statusErr.retriable() {
			return nil, fmt.Errorf("non-retriable error: %w", err)
		}
	}
	return nil, fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

func (c *Client) doRequest(ctx context.Context, baseURL string, params url.Values) ([]byte, error) {
	var (
		req *http.Request
		err error
	)
	if c.config.Method == http.MethodGet {
		u, perr := url.Parse(baseURL)
		if perr != nil {
			return nil, fmt.Errorf("parse base url: %w", perr)
		}
		u.RawQuery = params.Encode()
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, baseURL, strings.NewReader(params.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	if c.config.User != "" {
		req.SetBasicAuth(c.config.User, c.config.Password)
	}

	c.metrics.IncRequest()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer iox.DiscardClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{Code: resp.StatusCode, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return buf.Bytes(), nil
}

// parseRetryAfter reads a delay-seconds Retry-After header.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	d := time.Duration(secs) * time.Second
	return min(d, maxRetryAfter)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
