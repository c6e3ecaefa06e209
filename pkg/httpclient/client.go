// Package httpclient provides a resilient HTTP client with circuit
// breaker, automatic retries, transparent decompression, and structured
// logging. Processor clients use it for registration and heartbeat calls
// to the orchestrator.
package httpclient

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
)

// Common errors returned by the client.
var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
	ErrMaxRetries  = errors.New("max retries exceeded")
)

// Default configuration values.
const (
	DefaultTimeout           = 30 * time.Second
	DefaultRetryAttempts     = 3
	DefaultRetryDelay        = 1 * time.Second
	DefaultRetryMaxDelay     = 30 * time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultCircuitThreshold  = 5
	DefaultCircuitTimeout    = 30 * time.Second
	DefaultUserAgent         = "framebuf-httpclient/1.0"
	acceptEncodingHeader     = "gzip, deflate, br"
)

// Config holds the configuration for the HTTP client.
type Config struct {
	// Timeout is the overall request timeout.
	Timeout time.Duration
	// RetryAttempts is the number of retry attempts for failed requests.
	RetryAttempts int
	// RetryDelay is the initial delay between retries.
	RetryDelay time.Duration
	// RetryMaxDelay is the maximum delay between retries.
	RetryMaxDelay time.Duration
	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
	// CircuitThreshold is the number of failures before the circuit opens.
	CircuitThreshold int
	// CircuitTimeout is how long the circuit stays open.
	CircuitTimeout time.Duration
	// UserAgent is sent with every request.
	UserAgent string
	// Logger receives request/response events.
	Logger *slog.Logger
	// EnableDecompression enables transparent response decompression.
	EnableDecompression bool
	// BaseClient is the underlying http.Client; a default is created
	// when nil.
	BaseClient *http.Client
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:             DefaultTimeout,
		RetryAttempts:       DefaultRetryAttempts,
		RetryDelay:          DefaultRetryDelay,
		RetryMaxDelay:       DefaultRetryMaxDelay,
		BackoffMultiplier:   DefaultBackoffMultiplier,
		CircuitThreshold:    DefaultCircuitThreshold,
		CircuitTimeout:      DefaultCircuitTimeout,
		UserAgent:           DefaultUserAgent,
		Logger:              slog.Default(),
		EnableDecompression: true,
	}
}

// Client is a resilient HTTP client.
type Client struct {
	config  Config
	client  *http.Client
	breaker *circuitBreaker
}

// New creates a client from the config.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if cfg.CircuitThreshold <= 0 {
		cfg.CircuitThreshold = DefaultCircuitThreshold
	}
	if cfg.CircuitTimeout <= 0 {
		cfg.CircuitTimeout = DefaultCircuitTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	base := cfg.BaseClient
	if base == nil {
		base = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		config:  cfg,
		client:  base,
		breaker: newCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitTimeout),
	}
}

// NewWithDefaults creates a client with default configuration.
func NewWithDefaults() *Client {
	return New(DefaultConfig())
}

// DoWithContext performs the request with retries and breaker protection.
// The request body, if any, must be rewindable via GetBody.
func (c *Client) DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	if !c.breaker.allow() {
		return nil, ErrCircuitOpen
	}

	req = req.WithContext(ctx)
	req.Header.Set("User-Agent", c.config.UserAgent)
	if c.config.EnableDecompression {
		req.Header.Set("Accept-Encoding", acceptEncodingHeader)
	}

	delay := c.config.RetryDelay
	var lastErr error

	for attempt := 0; attempt <= c.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * c.config.BackoffMultiplier)
			if delay > c.config.RetryMaxDelay {
				delay = c.config.RetryMaxDelay
			}
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("rewinding request body: %w", err)
				}
				req.Body = body
			}
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			c.breaker.recordFailure()
			c.config.Logger.Debug("request failed",
				slog.String("method", req.Method),
				slog.String("url", req.URL.String()),
				slog.Int("attempt", attempt+1),
				slog.Any("error", err),
			)
			continue
		}

		if isRetryableStatus(resp.StatusCode) {
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			c.breaker.recordFailure()
			resp.Body.Close()
			continue
		}

		c.breaker.recordSuccess()
		if c.config.EnableDecompression {
			resp.Body = c.wrapDecompression(resp)
		}
		return resp, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrMaxRetries, lastErr)
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.DoWithContext(ctx, req)
}

// JSON performs a request with a JSON body and decodes a JSON response
// into out when out is non-nil. Non-retryable status codes >= 400 are
// returned as a StatusError so callers can branch on them; retryable
// statuses that exhaust the retries return an error wrapping ErrMaxRetries.
func (c *Client) JSON(ctx context.Context, method, url string, body, out interface{}) error {
	var reader io.Reader
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(raw)), nil
		}
	}

	resp, err := c.DoWithContext(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: string(payload)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response body: %w", err)
		}
	}
	return nil
}

// CircuitState returns the client breaker state for diagnostics.
func (c *Client) CircuitState() string {
	return c.breaker.state()
}

// StatusError is a non-2xx response that survived retries.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// isRetryableStatus reports whether the status merits a retry: transient
// server errors and throttling, never client errors.
func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func (c *Client) wrapDecompression(resp *http.Response) io.ReadCloser {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		if r, err := gzip.NewReader(resp.Body); err == nil {
			resp.Header.Del("Content-Encoding")
			return &decompressReader{r: r, underlying: resp.Body}
		}
	case "deflate":
		resp.Header.Del("Content-Encoding")
		return &decompressReader{r: flate.NewReader(resp.Body), underlying: resp.Body}
	case "br":
		resp.Header.Del("Content-Encoding")
		return &decompressReader{r: io.NopCloser(brotli.NewReader(resp.Body)), underlying: resp.Body}
	}
	return resp.Body
}

type decompressReader struct {
	r          io.ReadCloser
	underlying io.ReadCloser
}

func (d *decompressReader) Read(p []byte) (int, error) { return d.r.Read(p) }

func (d *decompressReader) Close() error {
	_ = d.r.Close()
	return d.underlying.Close()
}

// circuitBreaker is the client's internal failure gate. It is simpler
// than the orchestrator's per-processor breakers: one breaker per client,
// half-open after the timeout, closed again on first success.
type circuitBreaker struct {
	threshold int
	timeout   time.Duration

	mu       sync.Mutex
	failures int
	openedAt time.Time
}

func newCircuitBreaker(threshold int, timeout time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, timeout: timeout}
}

func (b *circuitBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < b.threshold {
		return true
	}
	return time.Since(b.openedAt) >= b.timeout
}

func (b *circuitBreaker) recordSuccess() {
	b.mu.Lock()
	b.failures = 0
	b.mu.Unlock()
}

func (b *circuitBreaker) recordFailure() {
	b.mu.Lock()
	b.failures++
	if b.failures == b.threshold {
		b.openedAt = time.Now()
	} else if b.failures > b.threshold && time.Since(b.openedAt) >= b.timeout {
		// Failed probe after half-open: restart the open window.
		b.openedAt = time.Now()
	}
	b.mu.Unlock()
}

func (b *circuitBreaker) state() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < b.threshold {
		return "closed"
	}
	if time.Since(b.openedAt) >= b.timeout {
		return "half-open"
	}
	return "open"
}
