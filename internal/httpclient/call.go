package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

// WithTimeout runs fn under a deadline of d without retrying. When the
// deadline passes first the result is a *TimeoutError, even if fn ignores its
// context; caller cancellation is returned unchanged.
func WithTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if d <= 0 {
		return fn(ctx)
	}
	tctx, cancel := context.WithTimeoutCause(ctx, d, errAttemptTimeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(tctx)
		done <- result{value: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() == nil && errors.Is(context.Cause(tctx), errAttemptTimeout) {
			return zero, &TimeoutError{Timeout: d, Err: r.err}
		}
		return r.value, r.err
	case <-tctx.Done():
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, &TimeoutError{Timeout: d, Err: context.Cause(tctx)}
	}
}

// RetryPolicy is a small fixed-base exponential policy for one-shot calls
// that are already fanned out by the caller.
type RetryPolicy struct {
	Retries   int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Delay returns base·2^attempt, capped at MaxDelay when set.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attempt)))
	return capDelay(d, p.MaxDelay)
}

// Retry calls fn until it succeeds, shouldRetry rejects the error, the
// retries run out, or ctx ends.
func Retry[T any](
	ctx context.Context,
	policy RetryPolicy,
	shouldRetry func(error) bool,
	fn func(context.Context) (T, error),
) (T, error) {
	var (
		value T
		err   error
	)
	for attempt := 0; ; attempt++ {
		value, err = fn(ctx)
		if err == nil {
			return value, nil
		}
		if attempt >= policy.Retries || ctx.Err() != nil {
			return value, err
		}
		if shouldRetry != nil && !shouldRetry(err) {
			return value, err
		}
		if sleepErr := sleepContext(ctx, policy.Delay(attempt)); sleepErr != nil {
			return value, err
		}
	}
}

// DoJSON sends a JSON request built from in (nil for no body) and decodes a
// 2xx response into out (nil to discard). Non-2xx responses become a
// *StatusError carrying a body excerpt.
func (c *Client) DoJSON(ctx context.Context, method, url string, header http.Header, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, messageLimit)) //nolint:errcheck // best-effort excerpt
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // discard
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", url, err)
	}
	return nil
}
