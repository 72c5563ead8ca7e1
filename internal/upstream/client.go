// Package upstream talks to the community server's HTTP API: a bounded GET
// client and the widget and bot sources built on it.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"guildstats/internal/metrics"
	"guildstats/internal/retryafter"
)

// Context labels passed to Client.Get.
const (
	ContextWidget = "widget"
	ContextBot    = "bot"
)

// DefaultMaxBodyBytes caps a response when no limit is configured.
const DefaultMaxBodyBytes int64 = 1 << 20

// ErrResponseTooLarge is wrapped in a TransportError when a response body
// exceeds the configured ceiling.
var ErrResponseTooLarge = errors.New("upstream: response exceeds size limit")

// TransportError is a failure to obtain a response at all. HTTP error
// statuses are never reported as TransportError.
type TransportError struct {
	Label string
	URL   string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("upstream %s %s: %v", e.Label, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Response is a fully buffered upstream reply.
type Response struct {
	Status int
	Header http.Header
	Body   []byte

	// RateLimitRemaining is X-RateLimit-Remaining, or -1 when absent.
	RateLimitRemaining int

	RetryAfterMS  int64
	HasRetryAfter bool
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// RequestOptions are per-call request settings.
type RequestOptions struct {
	Header http.Header
}

// SizeLimitFunc returns the body ceiling for a context label, given the
// default.
type SizeLimitFunc func(label string, def int64) int64

// ClientConfig configures NewClient.
type ClientConfig struct {
	Timeout      time.Duration
	UserAgent    string
	MaxBodyBytes int64
	SizeLimit    SizeLimitFunc

	// HTTPClient replaces the built-in client. Intended for tests.
	HTTPClient *http.Client

	Logger    *zap.Logger
	Collector metrics.Collector
}

// Client performs bounded GET requests.
type Client struct {
	http      *http.Client
	maxBody   int64
	sizeLimit SizeLimitFunc
	logger    *zap.Logger
	collector metrics.Collector
}

// NewClient builds a Client. A hard overall timeout is always set so a stuck
// refresh cannot hold its lock past the lock lifetime.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Collector == nil {
		cfg.Collector = metrics.NewNoop()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = newHTTPClient(cfg.Timeout, cfg.UserAgent)
	}
	return &Client{
		http:      hc,
		maxBody:   cfg.MaxBodyBytes,
		sizeLimit: cfg.SizeLimit,
		logger:    cfg.Logger,
		collector: cfg.Collector,
	}
}

func newHTTPClient(timeout time.Duration, userAgent string) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Transport: userAgentTransport{rt: transport, userAgent: userAgent},
		Timeout:   timeout,
	}
}

// userAgentTransport injects a User-Agent into every request.
type userAgentTransport struct {
	rt        http.RoundTripper
	userAgent string
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" && t.userAgent != "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}
	return t.rt.RoundTrip(req)
}

// Get fetches url. label is used for logging, metrics and the per-context
// size ceiling only.
func (c *Client) Get(ctx context.Context, url string, opts RequestOptions, label string) (*Response, error) {
	limit := c.limitFor(label)
	c.collector.IncCounter(metrics.MetricUpstreamRequests, 1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, c.fail(label, url, err)
	}
	for k, vs := range opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.fail(label, url, err)
	}
	defer resp.Body.Close()

	if resp.ContentLength > limit {
		return nil, c.fail(label, url, fmt.Errorf("%w: content-length %d > %d", ErrResponseTooLarge, resp.ContentLength, limit))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, c.fail(label, url, err)
	}
	if int64(len(body)) > limit {
		return nil, c.fail(label, url, fmt.Errorf("%w: body > %d", ErrResponseTooLarge, limit))
	}

	out := &Response{
		Status:             resp.StatusCode,
		Header:             resp.Header.Clone(),
		Body:               body,
		RateLimitRemaining: -1,
	}
	if v := strings.TrimSpace(resp.Header.Get("X-RateLimit-Remaining")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			out.RateLimitRemaining = n
		}
	}
	out.RetryAfterMS, out.HasRetryAfter = retryafter.FromHeader(resp.Header)

	c.collector.ObserveHistogram(metrics.MetricUpstreamBytes, float64(len(body)))
	c.logger.Debug("upstream response",
		zap.String("context", label),
		zap.Int("status", out.Status),
		zap.Int("bytes", len(body)),
		zap.Int("rateLimitRemaining", out.RateLimitRemaining),
	)
	return out, nil
}

func (c *Client) limitFor(label string) int64 {
	limit := c.maxBody
	if c.sizeLimit != nil {
		if v := c.sizeLimit(label, limit); v > 0 {
			limit = v
		}
	}
	return limit
}

func (c *Client) fail(label, url string, err error) error {
	c.collector.IncCounter(metrics.MetricUpstreamErrors, 1)
	return &TransportError{Label: label, URL: url, Err: err}
}
