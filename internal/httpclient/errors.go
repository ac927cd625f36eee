package httpclient

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"
)

// ErrTimeout matches every timeout produced by this package.
var ErrTimeout = errors.New("request timed out")

var errAttemptTimeout = errors.New("attempt deadline exceeded")

// TimeoutError reports that an attempt or a WithTimeout call ran out of time.
type TimeoutError struct {
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s", e.Timeout)
}

// Is lets errors.Is(err, ErrTimeout) match.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// RetryError is returned once every allowed attempt has failed.
type RetryError struct {
	Attempts   int
	StatusCode int
	Message    string
	Err        error
}

func (e *RetryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("request failed after %d attempts: HTTP %d: %s", e.Attempts, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("request failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

// StatusError is a non-2xx response surfaced by DoJSON.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// IsRetryableNetworkError reports whether err is a transport failure worth
// another attempt: resets, refusals, timeouts, broken pipes and DNS lookups
// that failed or are temporarily unavailable.
func IsRetryableNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) {
		return true
	}
	for _, errno := range []syscall.Errno{
		syscall.ECONNRESET,
		syscall.ECONNREFUSED,
		syscall.ETIMEDOUT,
		syscall.EPIPE,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsNotFound || dnsErr.IsTemporary || dnsErr.IsTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
