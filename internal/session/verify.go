package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jvalenc/webmta/internal/dispatch"
	"github.com/jvalenc/webmta/internal/driver"
)

// deliveryError is an attempt failure already classified by the verifier
type deliveryError struct {
	kind dispatch.ErrorKind
	text string
}

func (e *deliveryError) Error() string { return e.text }

// verify classifies the post-send view. An error-class element means the
// remote rejected the message; a pending indicator that never clears within
// VerifyTimeout is reported as verify_timeout so retries stay possible but
// operators can reconcile potential duplicates; otherwise the message is
// taken as sent.
func (s *Session) verify(ctx context.Context) error {
	deadline := time.Now().Add(s.cfg.VerifyTimeout)
	for {
		el, err := driver.FindFirst(ctx, s.page, errorIndicatorStrategies)
		switch {
		case err == nil:
			text, terr := el.Text(ctx)
			if terr != nil || strings.TrimSpace(text) == "" {
				text = "remote console reported a send error"
			}
			return &deliveryError{kind: dispatch.ErrKindRemoteReject, text: strings.TrimSpace(text)}
		case !driver.IsNotFound(err):
			// The view could not be read; an unreadable view is never
			// classified as sent.
			return err
		}

		if _, err := driver.FindFirst(ctx, s.page, pendingIndicatorStrategies); err != nil {
			if driver.IsNotFound(err) {
				// No error, nothing pending: delivered.
				return nil
			}
			return err
		}

		if time.Now().After(deadline) {
			return &deliveryError{
				kind: dispatch.ErrKindVerifyTimeout,
				text: fmt.Sprintf("message still pending after %s", s.cfg.VerifyTimeout),
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// classify maps an unclassified attempt error onto the retry taxonomy.
// Anything that does not look network-shaped is terminal.
func classify(err error) dispatch.ErrorKind {
	if err == nil {
		return ""
	}
	if driver.IsNotFound(err) {
		return dispatch.ErrKindUIAbsent
	}
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, context.DeadlineExceeded) || strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return dispatch.ErrKindTimeout
	case strings.Contains(msg, "no such host") || strings.Contains(msg, "dns"):
		return dispatch.ErrKindDNS
	case strings.Contains(msg, "navigation failed"):
		return dispatch.ErrKindNavigation
	case driver.IsTransient(err):
		return dispatch.ErrKindConnection
	default:
		return dispatch.ErrKindUnexpected
	}
}
