// Package kie talks to the kie.ai image generation API.
package kie

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultGenerateURL = "https://kie.ai/api/generate"
	DefaultJobsBaseURL = "https://api.kie.ai/api/v1/jobs"
	DefaultModel       = "nano-banana-pro"

	maxErrorBody = 1024
)

// ErrInvalidJSON is returned when a 2xx upstream response does not carry a JSON body.
var ErrInvalidJSON = errors.New("upstream returned invalid JSON")

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	StatusCode int
	Status     string
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("upstream returned %s for url: %s", e.Status, e.URL)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Response is an upstream reply passed through untouched.
type Response struct {
	StatusCode int
	Body       json.RawMessage
}

// GenerateRequest is the body sent to the generate endpoint.
type GenerateRequest struct {
	Prompt string `json:"prompt"`
}

// Client is a small HTTP client for the kie.ai API.
type Client struct {
	GenerateURL string
	JobsBaseURL string
	apiKey      string
	httpClient  *http.Client
	timeout     *time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithGenerateURL overrides the generate endpoint.
func WithGenerateURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.GenerateURL = u
		}
	}
}

// WithJobsBaseURL overrides the base URL of the jobs API.
func WithJobsBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.JobsBaseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithTimeout bounds every upstream call. Zero means no client-side timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = &d }
}

// New returns a Client authenticating with apiKey.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		GenerateURL: DefaultGenerateURL,
		JobsBaseURL: DefaultJobsBaseURL,
		apiKey:      apiKey,
		httpClient:  &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	if c.timeout != nil {
		hc := *c.httpClient
		hc.Timeout = *c.timeout
		c.httpClient = &hc
	}
	return c
}

// Generate forwards prompt to the generate endpoint in a single attempt.
func (c *Client) Generate(ctx context.Context, prompt string) (*Response, error) {
	return c.postJSON(ctx, c.GenerateURL, GenerateRequest{Prompt: prompt})
}

func (c *Client) postJSON(ctx context.Context, target string, payload any) (*Response, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) get(ctx context.Context, target string, query url.Values) (*Response, error) {
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*Response, error) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			URL:        req.URL.String(),
			Body:       strings.TrimSpace(string(body)),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w (status %d, %d bytes)", ErrInvalidJSON, resp.StatusCode, len(body))
	}
	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}
