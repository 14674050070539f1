// Package backend is a JSON client for the hosted backend service. Every call
// goes through the injected Doer, which in production is the request tracker.
package backend

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

	"github.com/rs/zerolog"
)

// ErrNoBaseURL is returned by New when the backend URL is missing.
var ErrNoBaseURL = errors.New("backend base URL is required")

// Doer executes HTTP requests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds configuration for the backend client.
type Config struct {
	// BaseURL is the backend root, for example https://project.example.co.
	BaseURL string

	// APIKey is sent as the apikey header and as a bearer token.
	APIKey string

	// HTTPClient executes requests. If nil, uses http.DefaultClient.
	HTTPClient Doer

	Logger zerolog.Logger
}

// Client calls the hosted backend.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	httpClient Doer
	logger     zerolog.Logger
}

// New creates a backend client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, ErrNoBaseURL
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing backend URL: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:    base,
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		logger:     cfg.Logger,
	}, nil
}

// URL resolves path against the backend root.
func (c *Client) URL(path string) string {
	return c.baseURL.String() + "/" + strings.TrimLeft(path, "/")
}

// GetJSON fetches path and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// PostJSON encodes in as the request body and decodes the response into out.
// A nil out discards the response body.
func (c *Client) PostJSON(ctx context.Context, path string, in, out any) error {
	return c.do(ctx, http.MethodPost, path, in, out)
}

// Query returns a fetcher loading path as raw JSON, suitable for the query
// cache.
func (c *Client) Query(path string) func(ctx context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		var raw json.RawMessage
		if err := c.GetJSON(ctx, path, &raw); err != nil {
			return nil, err
		}
		return raw, nil
	}
}

// Ping checks that the backend answers on path.
func (c *Client) Ping(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodGet, path, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.URL(path), body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: unexpected status code: %d", method, path, resp.StatusCode)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	c.logger.Debug().Str("method", method).Str("path", path).Msg("backend call completed")
	return nil
}
