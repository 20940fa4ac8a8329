// Package session owns the single authenticated browser session against the
// remote messaging console. It establishes or restores the login, and exposes
// one narrow operation: send one message through the console UI.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jvalenc/webmta/internal/dispatch"
	"github.com/jvalenc/webmta/internal/driver"
	"github.com/jvalenc/webmta/internal/media"
	"github.com/jvalenc/webmta/internal/metrics"
)

// State of the session lifecycle
type State string

const (
	StateUninitialized   State = "UNINITIALIZED"
	StateCheckingSession State = "CHECKING_SESSION"
	StateLoggingIn       State = "LOGGING_IN"
	StateAuthenticated   State = "AUTHENTICATED"
)

// Config holds the console coordinates, credentials and timing envelope
type Config struct {
	ConsoleURL        string
	AuthenticatedPath string
	LoginPath         string
	Account           string
	Secret            string

	SecondFactorWait time.Duration
	NavTimeout       time.Duration
	SettleInterval   time.Duration
	VerifyTimeout    time.Duration

	TypeDelayMin  time.Duration
	TypeDelayMax  time.Duration
	PauseShortMin time.Duration
	PauseShortMax time.Duration
	PauseLongMin  time.Duration
	PauseLongMax  time.Duration
}

func (c *Config) applyDefaults() {
	if c.SecondFactorWait <= 0 {
		c.SecondFactorWait = 120 * time.Second
	}
	if c.NavTimeout <= 0 {
		c.NavTimeout = 45 * time.Second
	}
	if c.SettleInterval <= 0 {
		c.SettleInterval = 3 * time.Second
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = 30 * time.Second
	}
	if c.TypeDelayMin <= 0 || c.TypeDelayMax < c.TypeDelayMin {
		c.TypeDelayMin, c.TypeDelayMax = 30*time.Millisecond, 120*time.Millisecond
	}
	if c.PauseShortMin <= 0 || c.PauseShortMax < c.PauseShortMin {
		c.PauseShortMin, c.PauseShortMax = 300*time.Millisecond, 1200*time.Millisecond
	}
	if c.PauseLongMin <= 0 || c.PauseLongMax < c.PauseLongMin {
		c.PauseLongMin, c.PauseLongMax = 500*time.Millisecond, 2500*time.Millisecond
	}
}

// ArtifactSink stores a diagnostic snapshot and returns a reference URL.
// An empty URL with no error means the sink accepted but has no public view.
type ArtifactSink interface {
	Store(ctx context.Context, name string, data []byte) (string, error)
}

// Session drives the remote console through a browser. It implements
// dispatch.Attempter. All operations serialize on an internal mutex; the
// console has one composer and one cursor focus, so two concurrent
// compositions can never be safe.
type Session struct {
	cfg       Config
	browser   driver.Driver
	artifacts ArtifactSink
	logger    *slog.Logger

	mu    sync.Mutex
	state State
	page  driver.Page
}

// New creates a session driver. Initialize must be called before Send.
func New(cfg Config, browser driver.Driver, artifacts ArtifactSink, logger *slog.Logger) *Session {
	cfg.applyDefaults()
	return &Session{
		cfg:       cfg,
		browser:   browser,
		artifacts: artifacts,
		logger:    logger.With("component", "session"),
		state:     StateUninitialized,
	}
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	if s.state != st {
		s.logger.Info("session state change", "from", string(s.state), "to", string(st))
	}
	s.state = st
}

// Initialize opens the browser context, restores or establishes the
// authenticated session, and leaves the main view ready for sends. Login
// failure is fatal; the process must not accept messages without a session.
func (s *Session) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setState(StateCheckingSession)
	page, err := s.browser.Open(ctx)
	if err != nil {
		s.setState(StateUninitialized)
		return fmt.Errorf("opening browser context: %w", err)
	}
	s.page = page

	if err := page.Navigate(ctx, s.cfg.ConsoleURL); err != nil {
		s.setState(StateUninitialized)
		return fmt.Errorf("reaching console: %w", err)
	}
	s.pauseLong(ctx)

	if s.isAuthenticated(ctx) {
		s.logger.Info("restored authenticated session from persisted profile")
		s.setState(StateAuthenticated)
		metrics.Get().SessionLogins.Inc()
		return nil
	}

	if err := s.login(ctx); err != nil {
		metrics.Get().SessionLoginErrors.Inc()
		s.setState(StateUninitialized)
		return err
	}
	s.setState(StateAuthenticated)
	metrics.Get().SessionLogins.Inc()
	return nil
}

// Release shuts the browser down. Callers must drain in-flight attempts first.
func (s *Session) Release(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setState(StateUninitialized)
	s.page = nil
	return s.browser.Release(ctx)
}

// isAuthenticated probes the current view: URL pattern first, then presence
// of main-view controls.
func (s *Session) isAuthenticated(ctx context.Context) bool {
	if s.cfg.AuthenticatedPath != "" {
		if url, err := s.page.URL(ctx); err == nil && strings.Contains(url, s.cfg.AuthenticatedPath) {
			return true
		}
	}
	if _, err := driver.FindFirst(ctx, s.page, authenticatedStrategies); err == nil {
		return true
	}
	return false
}

// login runs the credential flow. Each step tries its candidate locators in
// priority order; intermediate steps may be entirely absent on some console
// variants, which is tolerated, but a missing account or secret field aborts.
func (s *Session) login(ctx context.Context) error {
	s.setState(StateLoggingIn)

	if s.cfg.LoginPath != "" {
		if err := s.page.Navigate(ctx, s.cfg.ConsoleURL+s.cfg.LoginPath); err != nil {
			return fmt.Errorf("reaching login view: %w", err)
		}
		s.pauseLong(ctx)
	}

	// Entry-path variant: present on some rollouts, absent on others.
	if entry, err := driver.FindFirst(ctx, s.page, loginEntryStrategies); err == nil {
		if err := entry.Click(ctx); err != nil {
			return fmt.Errorf("selecting credential entry path: %w", err)
		}
		s.pauseLong(ctx)
	}

	account, err := driver.WaitFirst(ctx, s.page, accountFieldStrategies, s.cfg.NavTimeout, 500*time.Millisecond)
	if err != nil {
		return fmt.Errorf("locating account field: %w", err)
	}
	if err := account.TypeHuman(ctx, s.cfg.Account, s.cfg.TypeDelayMin, s.cfg.TypeDelayMax); err != nil {
		return fmt.Errorf("entering account identifier: %w", err)
	}
	s.pauseShort(ctx)
	if err := s.advance(ctx, accountNextStrategies, account); err != nil {
		return fmt.Errorf("advancing past account step: %w", err)
	}

	secret, err := driver.WaitFirst(ctx, s.page, secretFieldStrategies, s.cfg.NavTimeout, 500*time.Millisecond)
	if err != nil {
		return fmt.Errorf("locating secret field: %w", err)
	}
	if err := secret.TypeHuman(ctx, s.cfg.Secret, s.cfg.TypeDelayMin, s.cfg.TypeDelayMax); err != nil {
		return fmt.Errorf("entering secret: %w", err)
	}
	s.pauseShort(ctx)
	if err := s.advance(ctx, secretNextStrategies, secret); err != nil {
		return fmt.Errorf("advancing past secret step: %w", err)
	}

	return s.awaitAuthenticated(ctx)
}

// advance clicks the step's continue control when one resolves, otherwise
// submits by pressing Enter in the field.
func (s *Session) advance(ctx context.Context, strategies []driver.Strategy, field driver.Element) error {
	if next, err := driver.FindFirst(ctx, s.page, strategies); err == nil {
		return next.Click(ctx)
	}
	return field.Press(ctx, "Enter")
}

// awaitAuthenticated polls for the authenticated view. If a second-factor
// challenge appears the wait window widens to SecondFactorWait so an operator
// can complete it out of band.
func (s *Session) awaitAuthenticated(ctx context.Context) error {
	deadline := time.Now().Add(s.cfg.NavTimeout)
	challenged := false
	for {
		s.pauseLong(ctx)
		if s.isAuthenticated(ctx) {
			return nil
		}
		if !challenged {
			if _, err := driver.FindFirst(ctx, s.page, secondFactorStrategies); err == nil {
				challenged = true
				deadline = time.Now().Add(s.cfg.SecondFactorWait)
				metrics.Get().SecondFactorPrompts.Inc()
				s.logger.Warn("second-factor challenge detected, waiting for manual completion",
					"window", s.cfg.SecondFactorWait.String())
			}
		}
		if time.Now().After(deadline) {
			if challenged {
				return fmt.Errorf("second-factor challenge not completed within %s", s.cfg.SecondFactorWait)
			}
			return fmt.Errorf("login did not reach the authenticated view within %s", s.cfg.NavTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// Send delivers one message through the console UI. It implements
// dispatch.Attempter; classification of the returned outcome drives the
// retry scheduler.
func (s *Session) Send(ctx context.Context, req *dispatch.Request, files []media.StagedFile) dispatch.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	if s.state != StateAuthenticated || s.page == nil {
		return dispatch.Outcome{
			ErrKind:  dispatch.ErrKindUnexpected,
			ErrText:  "session not authenticated",
			Duration: time.Since(start),
		}
	}

	urls, err := s.attempt(ctx, req, files)
	out := dispatch.Outcome{ArtifactURLs: urls, Duration: time.Since(start)}
	if err == nil {
		out.Success = true
		return out
	}

	var de *deliveryError
	if errors.As(err, &de) {
		out.ErrKind, out.ErrText = de.kind, de.text
	} else {
		out.ErrKind, out.ErrText = classify(err), err.Error()
		// Best-effort snapshot of the unhandled failure state.
		if url, ok := s.snapshot(ctx, req.ID+"-failure"); ok {
			out.ArtifactURLs = append(out.ArtifactURLs, url)
		}
	}
	s.logger.Warn("delivery attempt failed",
		"submission_id", req.ID,
		"error_kind", string(out.ErrKind),
		"error", out.ErrText)
	return out
}

// attempt runs the delivery sequence: open composer, address recipient, type
// body, attach media, snapshot, send, snapshot, settle, verify.
func (s *Session) attempt(ctx context.Context, req *dispatch.Request, files []media.StagedFile) ([]string, error) {
	var urls []string

	compose, err := driver.WaitFirst(ctx, s.page, newConversationStrategies, s.cfg.NavTimeout, 500*time.Millisecond)
	if err != nil {
		return urls, fmt.Errorf("new-conversation control: %w", err)
	}
	if err := compose.Click(ctx); err != nil {
		return urls, fmt.Errorf("opening composer: %w", err)
	}
	s.pauseLong(ctx)

	recipient, err := driver.WaitFirst(ctx, s.page, recipientFieldStrategies, s.cfg.NavTimeout, 500*time.Millisecond)
	if err != nil {
		return urls, fmt.Errorf("recipient field: %w", err)
	}
	if err := recipient.TypeHuman(ctx, req.Recipient, s.cfg.TypeDelayMin, s.cfg.TypeDelayMax); err != nil {
		return urls, fmt.Errorf("entering recipient: %w", err)
	}
	s.pauseShort(ctx)
	if result, err := driver.FindFirst(ctx, s.page, recipientResultStrategies); err == nil {
		if err := result.Click(ctx); err != nil {
			return urls, fmt.Errorf("selecting recipient result: %w", err)
		}
	} else if err := recipient.Press(ctx, "Enter"); err != nil {
		return urls, fmt.Errorf("committing recipient: %w", err)
	}
	s.pauseLong(ctx)

	composer, err := driver.WaitFirst(ctx, s.page, composerStrategies, s.cfg.NavTimeout, 500*time.Millisecond)
	if err != nil {
		return urls, fmt.Errorf("message composer: %w", err)
	}
	if req.Body != "" {
		if err := composer.TypeHuman(ctx, req.Body, s.cfg.TypeDelayMin, s.cfg.TypeDelayMax); err != nil {
			return urls, fmt.Errorf("typing message body: %w", err)
		}
	}
	s.pauseShort(ctx)

	if len(files) > 0 {
		if err := s.attach(ctx, files); err != nil {
			return urls, err
		}
		s.pauseLong(ctx)
	}

	if url, ok := s.snapshot(ctx, req.ID+"-pre-send"); ok {
		urls = append(urls, url)
	}

	if send, err := driver.FindFirst(ctx, s.page, sendButtonStrategies); err == nil {
		if err := send.Click(ctx); err != nil {
			return urls, fmt.Errorf("clicking send: %w", err)
		}
	} else if err := composer.Press(ctx, "Enter"); err != nil {
		return urls, fmt.Errorf("sending via keyboard: %w", err)
	}

	if url, ok := s.snapshot(ctx, req.ID+"-post-send"); ok {
		urls = append(urls, url)
	}

	// Settle, then classify the post-send view.
	select {
	case <-ctx.Done():
		return urls, ctx.Err()
	case <-time.After(s.cfg.SettleInterval):
	}
	return urls, s.verify(ctx)
}

// attach delivers staged files into the composer. Fallback chain: dedicated
// attach control, then a raw file input, then a synthesized drop event. The
// first mechanism that succeeds wins; all three failing fails the attempt
// hard (no retry recovers a missing attachment surface).
func (s *Session) attach(ctx context.Context, files []media.StagedFile) error {
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.Path
	}

	if control, err := driver.FindFirst(ctx, s.page, attachControlStrategies); err == nil {
		if err := control.Click(ctx); err == nil {
			s.pauseShort(ctx)
			if input, err := driver.FindFirst(ctx, s.page, fileInputStrategies); err == nil {
				if err := input.SetFiles(ctx, paths); err == nil {
					return nil
				}
			}
		}
	}

	if input, err := driver.FindFirst(ctx, s.page, fileInputStrategies); err == nil {
		if err := input.SetFiles(ctx, paths); err == nil {
			return nil
		}
	}

	drops := make([]driver.DropFile, 0, len(files))
	for _, f := range files {
		content, err := os.ReadFile(f.Path)
		if err != nil {
			return &deliveryError{kind: dispatch.ErrKindAttachment, text: fmt.Sprintf("reading staged file %s: %v", f.Filename, err)}
		}
		drops = append(drops, driver.DropFile{Name: f.Filename, MimeType: f.MimeType, Content: content})
	}
	for _, target := range dropTargetStrategies {
		if err := s.page.SynthesizeDrop(ctx, target, drops); err == nil {
			return nil
		}
	}
	return &deliveryError{kind: dispatch.ErrKindAttachment, text: "no attachment mechanism accepted the files"}
}

// snapshot captures and stores a diagnostic screenshot. Never escalates.
func (s *Session) snapshot(ctx context.Context, name string) (string, bool) {
	if s.artifacts == nil {
		return "", false
	}
	data, err := s.page.Screenshot(ctx)
	if err != nil {
		s.logger.Debug("screenshot capture failed", "name", name, "error", err)
		return "", false
	}
	url, err := s.artifacts.Store(ctx, name+".png", data)
	if err != nil {
		s.logger.Warn("artifact store failed", "name", name, "error", err)
		return "", false
	}
	return url, url != ""
}

func (s *Session) pauseShort(ctx context.Context) {
	sleepRange(ctx, s.cfg.PauseShortMin, s.cfg.PauseShortMax)
}

func (s *Session) pauseLong(ctx context.Context) {
	sleepRange(ctx, s.cfg.PauseLongMin, s.cfg.PauseLongMax)
}

func sleepRange(ctx context.Context, min, max time.Duration) {
	d := min
	if max > min {
		d += time.Duration(rand.Int63n(int64(max - min)))
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
