// Package httpclient is the resilient request layer every remote call goes
// through: per-attempt timeouts, bounded retries with jittered exponential
// backoff, Retry-After handling, and per-host rate limiting.
package httpclient

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlq/internal/logging"
	"github.com/JakeFAU/crawlq/internal/metrics"
)

const (
	// DefaultTimeout bounds a single attempt.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxRetries is the number of retries after the first attempt.
	DefaultMaxRetries = 3
	// DefaultBaseDelay is the first backoff step.
	DefaultBaseDelay = 5 * time.Second
	// DefaultMaxDelay caps every backoff, including Retry-After.
	DefaultMaxDelay = 60 * time.Second

	drainLimit   = 64 << 10
	messageLimit = 512
)

// Doer executes a single HTTP request.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Limiter blocks until the next request to rawURL may proceed.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Options tunes one call to DoWithOptions.
type Options struct {
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultOptions returns the stock request policy.
func DefaultOptions() Options {
	return Options{
		Timeout:    DefaultTimeout,
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
	}
}

// Client wraps a Doer with the retry policy.
type Client struct {
	doer     Doer
	limiter  Limiter
	logger   *zap.Logger
	defaults Options

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
	now    func() time.Time
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying transport client.
func WithHTTPClient(doer Doer) Option {
	return func(c *Client) {
		if doer != nil {
			c.doer = doer
		}
	}
}

// WithLimiter installs a limiter awaited before every attempt.
func WithLimiter(limiter Limiter) Option {
	return func(c *Client) {
		c.limiter = limiter
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logging.OrNop(logger)
	}
}

// WithDefaults sets the Options used by Do.
func WithDefaults(opts Options) Option {
	return func(c *Client) {
		c.defaults = opts
	}
}

// New builds a Client. Without WithHTTPClient it uses a pooled transport and
// relies on per-attempt contexts for timeouts.
func New(opts ...Option) *Client {
	c := &Client{
		doer:     &http.Client{Transport: newTransport()},
		logger:   zap.NewNop(),
		defaults: DefaultOptions(),
		sleep:    sleepContext,
		jitter:   cryptoJitter,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Defaults returns the Options Do uses.
func (c *Client) Defaults() Options {
	return c.defaults
}

// Do sends req using the client's default Options.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	return c.DoWithOptions(ctx, req, c.defaults)
}

// DoWithOptions sends req, retrying retryable statuses and network errors.
// Non-retryable responses, including 4xx, are returned to the caller as-is.
// The returned response body must be closed by the caller.
func (c *Client) DoWithOptions(ctx context.Context, req *http.Request, opts Options) (*http.Response, error) {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	attempts := opts.MaxRetries + 1
	target := req.URL.String()

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if req.Body != nil && req.GetBody == nil {
				return nil, &RetryError{Attempts: attempt, Err: fmt.Errorf("request body cannot be replayed: %w", lastErr)}
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx, target); err != nil {
				return nil, err
			}
		}

		resp, err := c.attempt(ctx, req, attempt, opts.Timeout)
		last := attempt == attempts-1

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				metrics.ObserveHTTPAttempt(target, metrics.OutcomeError)
				return nil, fmt.Errorf("%s %s: %w", req.Method, target, ctxErr)
			}
			var timeoutErr *TimeoutError
			switch {
			case errors.As(err, &timeoutErr):
				metrics.ObserveHTTPAttempt(target, metrics.OutcomeTimeout)
			case IsRetryableNetworkError(err):
				metrics.ObserveHTTPAttempt(target, metrics.OutcomeRetryNetwork)
			default:
				metrics.ObserveHTTPAttempt(target, metrics.OutcomeError)
				return nil, fmt.Errorf("%s %s: %w", req.Method, target, err)
			}
			lastErr = err
			if last {
				break
			}
			delay := c.Backoff(attempt, opts)
			c.logger.Warn("retrying request after error",
				zap.String("url", target),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
			if err := c.wait(ctx, target, delay); err != nil {
				return nil, err
			}
			continue
		}

		if !IsRetryableStatus(resp.StatusCode) {
			if resp.StatusCode >= 200 && resp.StatusCode < 400 {
				metrics.ObserveHTTPAttempt(target, metrics.OutcomeSuccess)
			} else {
				metrics.ObserveHTTPAttempt(target, metrics.OutcomeStatus)
			}
			return resp, nil
		}

		metrics.ObserveHTTPAttempt(target, metrics.OutcomeRetryStatus)
		if last {
			message := readMessage(resp)
			return nil, &RetryError{
				Attempts:   attempt + 1,
				StatusCode: resp.StatusCode,
				Message:    message,
			}
		}

		delay := c.Backoff(attempt, opts)
		if hinted, ok := c.retryAfter(resp); ok {
			delay = capDelay(hinted, opts.MaxDelay)
		}
		drainAndClose(resp)
		lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
		c.logger.Warn("retrying request after status",
			zap.String("url", target),
			zap.Int("status", resp.StatusCode),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
		)
		if err := c.wait(ctx, target, delay); err != nil {
			return nil, err
		}
	}

	return nil, &RetryError{Attempts: attempts, Err: lastErr}
}

// attempt performs one request under its own timeout. On success the
// attempt context lives until the response body is closed.
func (c *Client) attempt(ctx context.Context, req *http.Request, attempt int, timeout time.Duration) (*http.Response, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	attemptCtx, cancel := context.WithTimeoutCause(ctx, timeout, errAttemptTimeout)

	r := req.Clone(attemptCtx)
	if attempt > 0 && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("replay request body: %w", err)
		}
		r.Body = body
	}

	resp, err := c.doer.Do(r)
	if err != nil {
		timedOut := errors.Is(context.Cause(attemptCtx), errAttemptTimeout) && ctx.Err() == nil
		cancel()
		if timedOut {
			return nil, &TimeoutError{Timeout: timeout, Err: err}
		}
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (c *Client) wait(ctx context.Context, target string, delay time.Duration) error {
	metrics.ObserveRetryDelay(target, delay)
	if err := c.sleep(ctx, delay); err != nil {
		return fmt.Errorf("waiting to retry %s: %w", target, err)
	}
	return nil
}

// Backoff returns the jittered exponential delay before retry number
// attempt+1: base·2^attempt ±25%, capped at MaxDelay.
func (c *Client) Backoff(attempt int, opts Options) time.Duration {
	base := opts.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	exp := float64(base) * math.Pow(2, float64(attempt))
	delay := exp + exp*0.25*c.jitter()
	if delay < 0 {
		delay = 0
	}
	if opts.MaxDelay > 0 && delay > float64(opts.MaxDelay) {
		return opts.MaxDelay
	}
	return time.Duration(delay)
}

// retryAfter reads the Retry-After hint on 429/503 responses. It accepts
// delta-seconds or an HTTP date; anything else reports false.
func (c *Client) retryAfter(resp *http.Response) (time.Duration, bool) {
	if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusServiceUnavailable {
		return 0, false
	}
	value := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		d := when.Sub(c.now())
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// IsRetryableStatus reports whether status warrants another attempt.
func IsRetryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func capDelay(d, maxDelay time.Duration) time.Duration {
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}

func readMessage(resp *http.Response) string {
	defer drainAndClose(resp)
	data, _ := io.ReadAll(io.LimitReader(resp.Body, messageLimit)) //nolint:errcheck // best-effort message
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return msg
}

func drainAndClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, drainLimit)) //nolint:errcheck // draining only
	_ = resp.Body.Close()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// cryptoJitter returns a uniform value in [-1, 1].
func cryptoJitter() float64 {
	const precision = 1 << 53
	n, err := rand.Int(rand.Reader, big.NewInt(precision))
	if err != nil {
		return 0
	}
	return float64(n.Int64())/precision*2 - 1
}

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
