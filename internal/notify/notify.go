// Package notify delivers one outbound webhook call per delivery state
// transition. Calls are fire-and-forget: no retry, and a failing or dead
// endpoint never influences delivery outcomes. A circuit breaker sheds calls
// to an endpoint that keeps failing.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/jvalenc/webmta/internal/dispatch"
	"github.com/jvalenc/webmta/internal/metrics"
)

// Config for the webhook notifier. An empty URL disables it.
type Config struct {
	URL     string
	Timeout time.Duration
}

// payload is the wire shape of one callback
type payload struct {
	Success       bool          `json:"success"`
	Status        string        `json:"status"`
	Recipient     string        `json:"recipient"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Timestamp     string        `json:"timestamp"`
	Attempt       int           `json:"attempt"`
	DurationMS    int64         `json:"duration_ms,omitempty"`
	Error         *payloadError `json:"error,omitempty"`
	ArtifactURLs  []string      `json:"artifact_urls,omitempty"`
}

type payloadError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Webhook posts transition callbacks to a configured endpoint. It implements
// dispatch.Notifier.
type Webhook struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// New builds a notifier. With no URL configured it returns a no-op.
func New(cfg Config, logger *slog.Logger) dispatch.Notifier {
	if cfg.URL == "" {
		return &Disabled{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	log := logger.With("component", "notify")
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "webhook",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("webhook circuit state change", "from", from.String(), "to", to.String())
		},
	})
	return &Webhook{
		url:     cfg.URL,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: cb,
		logger:  log,
	}
}

// Notify posts one transition. The returned error is informational; the
// scheduler swallows it.
func (w *Webhook) Notify(ctx context.Context, a dispatch.Attempt) error {
	m := metrics.Get()
	m.NotifierCalls.Inc()

	p := payload{
		Success:       a.Status == dispatch.StatusSent,
		Status:        string(a.Status),
		Recipient:     a.Recipient,
		CorrelationID: a.CorrelationID,
		Timestamp:     a.At.UTC().Format(time.RFC3339),
		Attempt:       a.Attempt,
		DurationMS:    a.Duration.Milliseconds(),
		ArtifactURLs:  a.ArtifactURLs,
	}
	if a.ErrKind != dispatch.ErrKindNone {
		p.Error = &payloadError{Code: string(a.ErrKind), Message: a.ErrText}
	}

	_, err := w.breaker.Execute(func() (interface{}, error) {
		return nil, w.post(ctx, p)
	})
	if err != nil {
		m.NotifierFailures.Inc()
		w.logger.Warn("webhook delivery failed",
			"recipient", a.Recipient,
			"status", string(a.Status),
			"error", err)
		return err
	}
	return nil
}

func (w *Webhook) post(ctx context.Context, p payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding callback: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting callback: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("callback endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Disabled is the no-op notifier used when no URL is configured
type Disabled struct{}

func (d *Disabled) Notify(ctx context.Context, a dispatch.Attempt) error { return nil }
