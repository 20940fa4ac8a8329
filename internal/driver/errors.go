package driver

import (
	"context"
	"errors"
	"net"
	"strings"
)

// ErrElementNotFound reports that no strategy resolved to a visible element
var ErrElementNotFound = errors.New("element not found")

// TransientError marks a failure as network-class: eligible for retry with
// backoff by the scheduler.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// MarkTransient wraps err so IsTransient reports it retryable
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsNotFound reports whether err is an element-absence error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrElementNotFound)
}

var transientFragments = []string{
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"connection closed",
	"broken pipe",
	"no such host",
	"network is unreachable",
	"navigation failed",
	"target closed",
}

// IsTransient classifies network-class failures: timeouts, connection
// reset/closed, DNS failures and navigation timeouts. Anything else is
// treated as terminal by the scheduler.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, frag := range transientFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}
