package dispatch

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/jvalenc/webmta/internal/logging"
	"github.com/jvalenc/webmta/internal/media"
	"github.com/jvalenc/webmta/internal/metrics"
)

// SchedulerConfig controls the per-message attempt loop
type SchedulerConfig struct {
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	AttemptTimeout time.Duration
}

// DefaultSchedulerConfig returns the stock retry policy
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxRetries:     3,
		BackoffBase:    time.Second,
		BackoffCap:     30 * time.Second,
		AttemptTimeout: 3 * time.Minute,
	}
}

// Scheduler runs the sequential attempt loop for a single message: stage
// media, attempt delivery, classify, back off, and fan each state transition
// out to the audit sink and notifier.
type Scheduler struct {
	cfg       SchedulerConfig
	attempter Attempter
	stager    *media.Stager
	audit     AuditSink
	notifier  Notifier
	logger    *slog.Logger
}

// NewScheduler wires a scheduler. audit and notifier may be nil.
func NewScheduler(cfg SchedulerConfig, attempter Attempter, stager *media.Stager, audit AuditSink, notifier Notifier, logger *slog.Logger) *Scheduler {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Second
	}
	return &Scheduler{
		cfg:       cfg,
		attempter: attempter,
		stager:    stager,
		audit:     audit,
		notifier:  notifier,
		logger:    logger.With("component", "scheduler"),
	}
}

// nextState is the pure transition function of the retry state machine.
// Success wins outright; a retryable failure continues only while attempts
// remain; everything else is terminal.
func nextState(out Outcome, attempt, maxRetries int) Status {
	switch {
	case out.Success:
		return StatusSent
	case out.ErrKind.Retryable() && attempt < maxRetries:
		return StatusRetrying
	default:
		return StatusFailed
	}
}

// backoffDelay returns the wait before attempt+1: min(base·2^attempt, cap)
func backoffDelay(base, cap time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// Process drives one message to a terminal state and returns its final
// outcome. Exactly one terminal record and callback are emitted, even when
// every attempt fails. Staged media is removed unconditionally on exit.
func (s *Scheduler) Process(ctx context.Context, req *Request) Outcome {
	m := metrics.Get()
	logger := s.logger.With("submission_id", req.ID, "recipient", logging.Sanitize(req.Recipient))

	files, err := s.stager.Stage(req.ID, req.Attachments)
	if err != nil {
		logger.Error("media staging failed", "error", err)
		out := Outcome{ErrKind: ErrKindAttachment, ErrText: err.Error()}
		s.emit(ctx, s.record(req, 1, StatusFailed, out))
		m.DeliveryFailures.WithLabelValues(string(ErrKindAttachment)).Inc()
		return out
	}
	defer s.stager.Cleanup(files)

	for attempt := 1; ; attempt++ {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if s.cfg.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, s.cfg.AttemptTimeout)
		}
		start := time.Now()
		out := s.attempter.Send(attemptCtx, req, files)
		if cancel != nil {
			cancel()
		}
		if out.Duration == 0 {
			out.Duration = time.Since(start)
		}

		m.DeliveryAttempts.Inc()
		m.DeliveryDuration.Observe(out.Duration.Seconds())

		state := nextState(out, attempt, s.cfg.MaxRetries)
		s.emit(ctx, s.record(req, attempt, state, out))

		switch state {
		case StatusSent:
			logger.Info("message delivered", "attempt", attempt, "duration", out.Duration)
			m.DeliverySuccesses.Inc()
			return out

		case StatusFailed:
			logger.Warn("message failed terminally",
				"attempt", attempt,
				"error_kind", string(out.ErrKind),
				"error", logging.Sanitize(out.ErrText))
			m.DeliveryFailures.WithLabelValues(string(out.ErrKind)).Inc()
			return out

		case StatusRetrying:
			delay := backoffDelay(s.cfg.BackoffBase, s.cfg.BackoffCap, attempt)
			logger.Info("attempt failed, retrying",
				"attempt", attempt,
				"error_kind", string(out.ErrKind),
				"delay", delay)
			m.DeliveryRetries.Inc()

			select {
			case <-ctx.Done():
				// Shutdown mid-backoff: report the message failed rather
				// than lose it silently. ctx is already dead, so the sinks
				// get a detached context with their own deadline.
				out.ErrKind = ErrKindUnexpected
				out.ErrText = ctx.Err().Error()
				emitCtx, cancelEmit := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
				s.emit(emitCtx, s.record(req, attempt+1, StatusFailed, out))
				cancelEmit()
				m.DeliveryFailures.WithLabelValues(string(ErrKindUnexpected)).Inc()
				return out
			case <-time.After(delay):
			}
		}
	}
}

func (s *Scheduler) record(req *Request, attempt int, state Status, out Outcome) Attempt {
	return Attempt{
		SubmissionID:  req.ID,
		Recipient:     req.Recipient,
		TextDigest:    Digest(req.Body),
		Status:        state,
		Attempt:       attempt,
		ErrKind:       out.ErrKind,
		ErrText:       out.ErrText,
		ArtifactURLs:  out.ArtifactURLs,
		Duration:      out.Duration,
		CorrelationID: req.CorrelationID,
		At:            time.Now(),
	}
}

// emit fans one state transition out to the sinks. Sink failures are logged
// and swallowed; they never alter the state machine or the retry count.
func (s *Scheduler) emit(ctx context.Context, a Attempt) {
	m := metrics.Get()

	if s.audit != nil {
		if err := s.audit.Append(ctx, a); err != nil {
			s.logger.Warn("audit append failed", "submission_id", a.SubmissionID, "error", err)
			m.AuditFailures.Inc()
		}
	}
	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, a); err != nil {
			s.logger.Warn("notification failed", "submission_id", a.SubmissionID, "error", err)
		}
	}
}

// randRange returns a uniform duration in [min, max]
func randRange(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
