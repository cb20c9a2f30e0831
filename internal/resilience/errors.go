package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// ChannelUnavailableError marks a notification-channel failure that is safe
// to retry (e.g. 429/5xx from the gateway, network timeout). Non-transient
// send errors fail the attempt immediately.
type ChannelUnavailableError struct {
	Channel    string
	Err        error
	StatusCode int
}

func (e *ChannelUnavailableError) Error() string {
	return e.Err.Error()
}

func (e *ChannelUnavailableError) Unwrap() error {
	return e.Err
}

// NewChannelUnavailable wraps a send error as a retryable channel failure.
func NewChannelUnavailable(channel string, err error, statusCode int) *ChannelUnavailableError {
	return &ChannelUnavailableError{Channel: channel, Err: err, StatusCode: statusCode}
}

// IsTransient returns true if the error (or any error in its chain) is a
// ChannelUnavailableError, or matches common transient network failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var cu *ChannelUnavailableError
	if errors.As(err, &cu) {
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

	// Wrapped errors from HTTP clients lose their type; fall back to text.
	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the status code indicates a
// server-side condition that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
