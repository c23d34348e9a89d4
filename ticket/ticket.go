// Package ticket talks to the external ticketing system used to flag
// records that need manual curation and to file harvest reports.
//
// The collaborator is fire-and-forget from the pipeline's point of view:
// callers log failures and carry on.
package ticket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pithecene-io/oaiharvest/iox"
)

// DefaultTimeout is the default HTTP request timeout.
const DefaultTimeout = 10 * time.Second

// Submitter opens tickets and comments on them.
type Submitter interface {
	Submit(ctx context.Context, subject, queue string) (string, error)
	Comment(ctx context.Context, id, text string) error
}

// Config configures the HTTP ticket client.
type Config struct {
	// URL is the ticket API base, e.g. https://rt.example.org/api (required).
	URL string
	// Token is sent as a bearer token when set.
	Token string
	// Timeout is the per-request timeout (default 10s).
	Timeout time.Duration
}

// Client is a JSON-over-HTTP ticket client. Tickets are created with
// POST {URL}/tickets and commented with POST {URL}/tickets/{id}/comments.
type Client struct {
	config Config
	client *http.Client
}

// New creates a ticket client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("ticket client requires a URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &Client{config: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

type createRequest struct {
	Subject string `json:"subject"`
	Queue   string `json:"queue"`
}

type createResponse struct {
	ID string `json:"id"`
}

type commentRequest struct {
	Text string `json:"text"`
}

// Submit opens a ticket and returns its id.
func (c *Client) Submit(ctx context.Context, subject, queue string) (string, error) {
	var resp createResponse
	if err := c.post(ctx, c.config.URL+"/tickets", createRequest{Subject: subject, Queue: queue}, &resp); err != nil {
		return "", fmt.Errorf("ticket: submit: %w", err)
	}
	if resp.ID == "" {
		return "", errors.New("ticket: submit: response carries no id")
	}
	return resp.ID, nil
}

// Comment appends text to ticket id.
func (c *Client) Comment(ctx context.Context, id, text string) error {
	if err := c.post(ctx, c.config.URL+"/tickets/"+id+"/comments", commentRequest{Text: text}, nil); err != nil {
		return fmt.Errorf("ticket: comment on %s: %w", id, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, url string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer iox.DiscardClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// Nop discards tickets. Used when no ticket system is configured.
type Nop struct{}

// Submit returns an empty id.
func (Nop) Submit(context.Context, string, string) (string, error) { return "", nil }

// Comment does nothing.
func (Nop) Comment(context.Context, string, string) error { return nil }

var (
	_ Submitter = (*Client)(nil)
	_ Submitter = Nop{}
)
