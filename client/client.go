// Package client wraps net/http with a tuned shared transport, default
// browser-like headers, and a small retry policy for transient errors.
// Retries apply only to metadata fetches; media streams are never
// retried by the pipeline.
package client

import (
	"context"
	"net"
	"net/http"
	"time"
)

const (
	defaultTimeout = 30 * time.Second
	defaultRetries = 3

	userAgentValue = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/135.0.0.0 Safari/537.36"
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 3 * time.Second

	successMinCode   = http.StatusOK
	retryableMinCode = http.StatusInternalServerError
)

// defaultTransport is a tuned HTTP transport reused across clients.
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   10,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ResponseHeaderTimeout: 10 * time.Second,
	ForceAttemptHTTP2:     true,
	ReadBufferSize:        16 * 1024,
	WriteBufferSize:       16 * 1024,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// Config holds optional client parameters. Zero values use defaults.
type Config struct {
	Timeout   time.Duration
	Retries   int
	UserAgent string
}

// Client is an http.Client wrapper with retry/backoff and a default
// desktop User-Agent.
type Client struct {
	HTTPClient *http.Client
	Retries    int
	UserAgent  string
}

// New creates a Client with the shared transport and default settings.
func New() *Client {
	return NewWith(Config{})
}

// NewWith creates a Client with the provided config. Zero values use defaults.
func NewWith(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = defaultRetries
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = userAgentValue
	}
	return &Client{
		HTTPClient: &http.Client{
			Timeout:   timeout,
			Transport: defaultTransport,
		},
		Retries:   retries,
		UserAgent: ua,
	}
}

// NewStreaming returns an http.Client on the shared transport without
// an overall timeout, for long-lived media stream reads. Per-request
// deadlines come from the caller's context.
func NewStreaming() *http.Client {
	return &http.Client{Transport: defaultTransport}
}

// Get performs a GET request, retrying transient failures (HTTP 5xx or
// network errors) with exponential backoff. Context cancellation stops
// the retry loop immediately.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent())

	return c.Do(req)
}

// Do executes the request with the client's retry policy.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	retries := c.Retries
	if retries < 1 {
		retries = 1
	}

	var (
		resp *http.Response
		err  error
	)
	backoff := initialBackoff
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			// The previous attempt consumed the body; rewind it so a
			// retried POST carries the full payload again.
			body, gerr := req.GetBody()
			if gerr != nil {
				return nil, gerr
			}
			req.Body = body
		}
		resp, err = c.HTTPClient.Do(req)
		if err == nil && resp != nil && resp.StatusCode >= successMinCode && resp.StatusCode < retryableMinCode {
			return resp, nil
		}
		if attempt == retries-1 {
			break
		}
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return resp, err
}

func (c *Client) userAgent() string {
	if c.UserAgent != "" {
		return c.UserAgent
	}
	return userAgentValue
}

// UserAgent returns the default desktop User-Agent string shared by all
// outbound requests.
func UserAgent() string { return userAgentValue }
