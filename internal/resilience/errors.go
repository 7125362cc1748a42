// Package resilience provides retry with exponential backoff for external
// registry calls, including Retry-After handling on 429/5xx responses.
package resilience

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// TransientError marks an error safe to retry (429, 5xx, network timeout).
// RetryAfter carries the server's Retry-After hint when one was present.
type TransientError struct {
	Err        error
	StatusCode int
	RetryAfter time.Duration
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps an error as transient with an optional status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// TransientFromResponse wraps err as transient, reading the Retry-After
// header from resp when present. Supports both delta-seconds and HTTP-date.
func TransientFromResponse(err error, resp *http.Response) *TransientError {
	te := &TransientError{Err: err}
	if resp == nil {
		return te
	}
	te.StatusCode = resp.StatusCode
	if h := resp.Header.Get("Retry-After"); h != "" {
		if secs, parseErr := strconv.Atoi(h); parseErr == nil && secs >= 0 {
			te.RetryAfter = time.Duration(secs) * time.Second
		} else if at, parseErr := http.ParseTime(h); parseErr == nil {
			if d := time.Until(at); d > 0 {
				te.RetryAfter = d
			}
		}
	}
	return te
}

// IsTransient reports whether err (or anything in its chain) is retryable:
// an explicit TransientError, a network timeout, or a connection failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus reports whether a status code is worth retrying.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// RetryAfterHint extracts the server-provided retry delay from err, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var te *TransientError
	if errors.As(err, &te) && te.RetryAfter > 0 {
		return te.RetryAfter, true
	}
	return 0, false
}
