package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/jvalenc/webmta/internal/media"
)

// Status is the delivery state of a message after an attempt
type Status string

const (
	// StatusSending is the in-progress state while an attempt runs
	StatusSending Status = "sending"
	// StatusSent is the terminal success state
	StatusSent Status = "sent"
	// StatusRetrying means the attempt failed with a network-class error
	// and another attempt will follow after backoff
	StatusRetrying Status = "retrying"
	// StatusFailed is the terminal failure state
	StatusFailed Status = "failed"
)

// Terminal reports whether no further attempts follow this status
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// ErrorKind classifies an attempt failure
type ErrorKind string

const (
	ErrKindNone          ErrorKind = ""
	ErrKindTimeout       ErrorKind = "timeout"
	ErrKindConnection    ErrorKind = "connection"
	ErrKindDNS           ErrorKind = "dns"
	ErrKindNavigation    ErrorKind = "navigation"
	ErrKindUIAbsent      ErrorKind = "ui_absent"
	ErrKindVerifyTimeout ErrorKind = "verify_timeout"
	ErrKindRemoteReject  ErrorKind = "remote_rejected"
	ErrKindAttachment    ErrorKind = "attachment"
	ErrKindUnexpected    ErrorKind = "unexpected"
)

// retryable kinds are network-class failures plus element absence consistent
// with a slow page. Remote rejections and unclassified errors are terminal.
var retryableKinds = map[ErrorKind]bool{
	ErrKindTimeout:       true,
	ErrKindConnection:    true,
	ErrKindDNS:           true,
	ErrKindNavigation:    true,
	ErrKindUIAbsent:      true,
	ErrKindVerifyTimeout: true,
}

// Retryable reports whether the kind is eligible for another attempt
func (k ErrorKind) Retryable() bool {
	return retryableKinds[k]
}

// Request is one logical outbound message. Immutable once enqueued.
type Request struct {
	ID            string
	Recipient     string
	Body          string
	CorrelationID string
	Attachments   []media.Item
	SubmittedAt   time.Time
}

// Outcome is the result of one delivery attempt
type Outcome struct {
	Success      bool
	ErrKind      ErrorKind
	ErrText      string
	ArtifactURLs []string
	Duration     time.Duration
}

// Attempt is the append-only audit record of one attempt. The message body
// never appears in it; only a one-way digest does.
type Attempt struct {
	SubmissionID  string
	Recipient     string
	TextDigest    string
	Status        Status
	Attempt       int
	ErrKind       ErrorKind
	ErrText       string
	ArtifactURLs  []string
	Duration      time.Duration
	CorrelationID string
	At            time.Time
}

// AuditSink persists attempt records. Failures must be swallowed by callers.
type AuditSink interface {
	Append(ctx context.Context, a Attempt) error
}

// Notifier emits one callback per state transition. Failures must be
// swallowed by callers.
type Notifier interface {
	Notify(ctx context.Context, a Attempt) error
}

// Attempter executes one end-to-end delivery attempt through the browser
type Attempter interface {
	Send(ctx context.Context, req *Request, files []media.StagedFile) Outcome
}

// Digest returns the one-way hash recorded in place of message text. The
// body is NFC-normalized first so visually identical strings digest equally.
func Digest(body string) string {
	sum := sha256.Sum256([]byte(norm.NFC.String(body)))
	return hex.EncodeToString(sum[:])
}
