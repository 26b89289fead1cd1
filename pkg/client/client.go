package client

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/net/http2"

	"github.com/theapemachine/asap-go/pkg/breaker"
	"github.com/theapemachine/asap-go/pkg/compression"
	"github.com/theapemachine/asap-go/pkg/envelope"
	"github.com/theapemachine/asap-go/pkg/errors"
	"github.com/theapemachine/asap-go/pkg/jsonrpc"
	"github.com/theapemachine/asap-go/pkg/metrics"
)

const (
	DefaultTimeout         = 30 * time.Second
	DefaultMaxRetries      = 3
	DefaultBaseDelay       = 500 * time.Millisecond
	DefaultMaxDelay        = 30 * time.Second
	DefaultMaxResponseSize = int64(10 << 20)
)

// Config tunes a Client. The zero value gets sensible defaults applied at
// construction.
type Config struct {
	Timeout             time.Duration
	MaxRetries          int
	BaseDelay           time.Duration
	MaxDelay            time.Duration
	Jitter              bool
	RequireHTTPS        bool
	CompressionEnabled  bool
	CompressionMinBytes int
	MaxResponseSize     int64

	MaxConnsPerHost     int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		Timeout:             DefaultTimeout,
		MaxRetries:          DefaultMaxRetries,
		BaseDelay:           DefaultBaseDelay,
		MaxDelay:            DefaultMaxDelay,
		Jitter:              true,
		RequireHTTPS:        true,
		CompressionEnabled:  true,
		CompressionMinBytes: compression.DefaultThreshold,
		MaxResponseSize:     DefaultMaxResponseSize,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
}

func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.CompressionMinBytes <= 0 {
		cfg.CompressionMinBytes = def.CompressionMinBytes
	}
	if cfg.MaxResponseSize <= 0 {
		cfg.MaxResponseSize = def.MaxResponseSize
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = def.MaxIdleConnsPerHost
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = def.IdleConnTimeout
	}
	return cfg
}

/*
Client sends envelopes to a single remote agent endpoint over JSON-RPC.
Each instance owns a pooled HTTP transport and a private manifest cache;
circuit breakers are shared per base URL across all clients in the process
so one caller's failures protect every other caller.
*/
type Client struct {
	baseURL   string
	cfg       Config
	http      *http.Client
	transport *http.Transport
	breakers  *breaker.Registry
	metrics   *metrics.Collector
	manifests *manifestCache
}

func loopbackHost(host string) bool {
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// New validates the base URL and builds a client around a pooled HTTP/2
// transport.
func New(baseURL string, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()

	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %s: %w", errors.SanitizeURL(baseURL), err)
	}

	switch parsed.Scheme {
	case "https":
	case "http":
		if cfg.RequireHTTPS && !loopbackHost(parsed.Hostname()) {
			return nil, fmt.Errorf(
				"refusing plain HTTP to non-loopback host %s: use https or disable RequireHTTPS",
				parsed.Hostname(),
			)
		}
		if loopbackHost(parsed.Hostname()) {
			log.Warn("using plain HTTP to loopback endpoint", "url", errors.SanitizeURL(baseURL))
		}
	default:
		return nil, fmt.Errorf("unsupported URL scheme %q: want http or https", parsed.Scheme)
	}

	transport := &http.Transport{
		ForceAttemptHTTP2:   true,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("failed to configure http2 transport: %w", err)
	}

	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		cfg:       cfg,
		http:      &http.Client{Transport: transport, Timeout: cfg.Timeout},
		transport: transport,
		breakers:  breaker.Default(),
		metrics:   metrics.Default(),
		manifests: newManifestCache(),
	}, nil
}

// BaseURL reports the endpoint this client targets.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Close releases the transport's idle connections.
func (c *Client) Close() {
	c.transport.CloseIdleConnections()
}

/*
Send delivers one envelope and returns the remote reply. The circuit
breaker for the base URL is consulted before any network work; a fresh
idempotency key is generated once per logical send and reused verbatim on
every retry so the receiver can deduplicate.
*/
func (c *Client) Send(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	started := time.Now()

	reply, err := c.send(ctx, env)
	if err != nil {
		c.metrics.RecordClientSend("error", time.Since(started))
		return nil, err
	}

	c.metrics.RecordClientSend("ok", time.Since(started))
	return reply, nil
}

func (c *Client) send(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	brk := c.breakers.For(c.baseURL)
	if !brk.CanAttempt() {
		return nil, &errors.CircuitOpenError{
			URL:                 errors.SanitizeURL(c.baseURL),
			ConsecutiveFailures: brk.ConsecutiveFailures(),
		}
	}
	c.metrics.SetBreakerState(c.baseURL, int(brk.CurrentState()))

	idempotencyKey := uuid.NewString()
	req, err := jsonrpc.NewSendRequest(env, idempotencyKey, uuid.NewString())
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		reply, retriable, err := c.attempt(ctx, body, idempotencyKey)
		if err == nil {
			brk.RecordSuccess()
			c.metrics.SetBreakerState(c.baseURL, int(brk.CurrentState()))
			return reply, nil
		}

		lastErr = err
		if !retriable || attempt >= c.cfg.MaxRetries {
			break
		}

		delay := retryDelay(err, c.cfg, attempt)
		log.Debug("retrying send",
			"url", errors.SanitizeURL(c.baseURL),
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		c.metrics.RecordRetry()

		select {
		case <-ctx.Done():
			brk.RecordFailure()
			c.metrics.SetBreakerState(c.baseURL, int(brk.CurrentState()))
			return nil, &errors.TimeoutError{URL: errors.SanitizeURL(c.baseURL), Err: ctx.Err()}
		case <-time.After(delay):
		}
	}

	// A JSON-RPC error body is an application-level failure delivered over
	// a healthy transport: the round trip counts as breaker success.
	var remoteErr *errors.RemoteError
	if stderrors.As(lastErr, &remoteErr) {
		brk.RecordSuccess()
	} else {
		brk.RecordFailure()
	}
	c.metrics.SetBreakerState(c.baseURL, int(brk.CurrentState()))

	if statusErr, ok := lastErr.(*retriableStatusError); ok {
		lastErr = &errors.ConnectionError{URL: statusErr.url, Err: statusErr}
	}
	return nil, lastErr
}

// attempt performs one HTTP round trip. The second return reports whether
// the failure class is worth retrying.
func (c *Client) attempt(ctx context.Context, body []byte, idempotencyKey string) (*envelope.Envelope, bool, error) {
	sanitized := errors.SanitizeURL(c.baseURL)

	payload := body
	contentEncoding := compression.Identity
	if c.cfg.CompressionEnabled && compression.ShouldCompress(len(body), c.cfg.CompressionMinBytes) {
		compressed, err := compression.Encode(body, compression.Gzip)
		if err == nil && len(compressed) < len(body) {
			payload = compressed
			contentEncoding = compression.Gzip
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/asap", bytes.NewReader(payload))
	if err != nil {
		return nil, false, &errors.ConnectionError{URL: sanitized, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept-Encoding", compression.AcceptHeader)
	httpReq.Header.Set("X-Idempotency-Key", idempotencyKey)
	if contentEncoding != compression.Identity {
		httpReq.Header.Set("Content-Encoding", contentEncoding)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return nil, true, &errors.TimeoutError{URL: sanitized, Err: err}
		}
		return nil, true, &errors.ConnectionError{URL: sanitized, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// Fall through to response parsing.
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, true, &retriableStatusError{
			status:     resp.StatusCode,
			url:        sanitized,
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	default:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, false, &errors.ConnectionError{
			URL: sanitized,
			Err: fmt.Errorf("unexpected status %d: check endpoint path and auth configuration", resp.StatusCode),
		}
	}

	raw, err := readBody(resp, c.cfg.MaxResponseSize)
	if err != nil {
		return nil, false, &errors.ConnectionError{URL: sanitized, Err: err}
	}

	reply, _, rpcErr := jsonrpc.ParseResponse(raw)
	if rpcErr != nil {
		return nil, false, &errors.RemoteError{
			URL:     sanitized,
			Code:    rpcErr.Code,
			Message: rpcErr.Message,
			Data:    rpcErr.Data,
		}
	}
	return reply, false, nil
}

func readBody(resp *http.Response, maxSize int64) ([]byte, error) {
	encoding := resp.Header.Get("Content-Encoding")
	if encoding == "" {
		encoding = compression.Identity
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > maxSize {
		return nil, fmt.Errorf("response exceeds %d bytes", maxSize)
	}
	return compression.Decode(raw, encoding, maxSize)
}

func isTimeout(err error) bool {
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return stderrors.Is(err, context.DeadlineExceeded)
}
