package dispatch

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jvalenc/webmta/internal/media"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// scriptedAttempter returns one outcome per attempt, in order, repeating the
// last entry if the scheduler asks for more.
type scriptedAttempter struct {
	mu       sync.Mutex
	script   []Outcome
	calls    int
	lastReq  *Request
	gotFiles [][]media.StagedFile
}

func (a *scriptedAttempter) Send(ctx context.Context, req *Request, files []media.StagedFile) Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastReq = req
	a.gotFiles = append(a.gotFiles, files)
	idx := a.calls
	if idx >= len(a.script) {
		idx = len(a.script) - 1
	}
	a.calls++
	out := a.script[idx]
	if out.Duration == 0 {
		out.Duration = time.Millisecond
	}
	return out
}

type recordingSink struct {
	mu      sync.Mutex
	records []Attempt
	err     error
}

func (s *recordingSink) Append(ctx context.Context, a Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, a)
	return s.err
}

func (s *recordingSink) Notify(ctx context.Context, a Attempt) error {
	return s.Append(ctx, a)
}

func (s *recordingSink) statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, len(s.records))
	for i, r := range s.records {
		out[i] = r.Status
	}
	return out
}

func newTestScheduler(t *testing.T, cfg SchedulerConfig, att Attempter, audit, notify *recordingSink) *Scheduler {
	t.Helper()
	stager, err := media.NewStager(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewStager: %v", err)
	}
	return NewScheduler(cfg, att, stager, audit, notify, testLogger())
}

func fastConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxRetries:  3,
		BackoffBase: 5 * time.Millisecond,
		BackoffCap:  50 * time.Millisecond,
	}
}

func TestNextState(t *testing.T) {
	cases := []struct {
		name       string
		out        Outcome
		attempt    int
		maxRetries int
		want       Status
	}{
		{"success", Outcome{Success: true}, 1, 3, StatusSent},
		{"success on last attempt", Outcome{Success: true}, 3, 3, StatusSent},
		{"timeout with attempts left", Outcome{ErrKind: ErrKindTimeout}, 1, 3, StatusRetrying},
		{"timeout on last attempt", Outcome{ErrKind: ErrKindTimeout}, 3, 3, StatusFailed},
		{"dns with attempts left", Outcome{ErrKind: ErrKindDNS}, 2, 3, StatusRetrying},
		{"remote rejection is terminal", Outcome{ErrKind: ErrKindRemoteReject}, 1, 3, StatusFailed},
		{"unexpected is terminal", Outcome{ErrKind: ErrKindUnexpected}, 1, 3, StatusFailed},
		{"single attempt budget", Outcome{ErrKind: ErrKindTimeout}, 1, 1, StatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := nextState(tc.out, tc.attempt, tc.maxRetries); got != tc.want {
				t.Errorf("nextState(%+v, %d, %d) = %s, want %s", tc.out, tc.attempt, tc.maxRetries, got, tc.want)
			}
		})
	}
}

func TestBackoffDelayFormula(t *testing.T) {
	base, cap := time.Second, 30*time.Second
	cases := map[int]time.Duration{
		1: 2 * time.Second,
		2: 4 * time.Second,
		3: 8 * time.Second,
		4: 16 * time.Second,
		5: 30 * time.Second, // capped
		9: 30 * time.Second,
	}
	for attempt, want := range cases {
		if got := backoffDelay(base, cap, attempt); got != want {
			t.Errorf("backoffDelay(attempt=%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestProcessFirstAttemptSuccess(t *testing.T) {
	att := &scriptedAttempter{script: []Outcome{{Success: true}}}
	audit := &recordingSink{}
	notify := &recordingSink{}
	s := newTestScheduler(t, fastConfig(), att, audit, notify)

	out := s.Process(context.Background(), &Request{ID: "s1", Recipient: "+15551234567", Body: "hello"})
	if !out.Success {
		t.Fatal("expected success")
	}
	if att.calls != 1 {
		t.Errorf("expected 1 attempt, got %d", att.calls)
	}
	if got := audit.statuses(); len(got) != 1 || got[0] != StatusSent {
		t.Errorf("audit records = %v, want [sent]", got)
	}
	if audit.records[0].Attempt != 1 {
		t.Errorf("attempt number = %d, want 1", audit.records[0].Attempt)
	}
	if got := notify.statuses(); len(got) != 1 || got[0] != StatusSent {
		t.Errorf("notify calls = %v, want [sent]", got)
	}
}

func TestProcessRetriesThenSucceeds(t *testing.T) {
	att := &scriptedAttempter{script: []Outcome{
		{ErrKind: ErrKindTimeout, ErrText: "navigation timed out"},
		{ErrKind: ErrKindTimeout, ErrText: "navigation timed out"},
		{Success: true},
	}}
	audit := &recordingSink{}
	notify := &recordingSink{}
	s := newTestScheduler(t, fastConfig(), att, audit, notify)

	start := time.Now()
	out := s.Process(context.Background(), &Request{ID: "s2", Recipient: "+15551234567", Body: "hi"})
	elapsed := time.Since(start)

	if !out.Success {
		t.Fatal("expected eventual success")
	}
	if att.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", att.calls)
	}
	want := []Status{StatusRetrying, StatusRetrying, StatusSent}
	for i, s := range audit.statuses() {
		if s != want[i] {
			t.Errorf("audit record %d = %s, want %s", i, s, want[i])
		}
	}
	if len(notify.statuses()) != 3 {
		t.Errorf("expected 3 notifier calls, got %d", len(notify.statuses()))
	}
	// Backoff observed: 2*base + 4*base at minimum.
	if min := 6 * 5 * time.Millisecond; elapsed < min {
		t.Errorf("elapsed %v shorter than combined backoff %v", elapsed, min)
	}
}

func TestProcessRemoteRejectionIsTerminal(t *testing.T) {
	att := &scriptedAttempter{script: []Outcome{
		{ErrKind: ErrKindRemoteReject, ErrText: "message could not be sent"},
	}}
	audit := &recordingSink{}
	notify := &recordingSink{}
	s := newTestScheduler(t, fastConfig(), att, audit, notify)

	out := s.Process(context.Background(), &Request{ID: "s3", Recipient: "+15551234567", Body: "x"})
	if out.Success {
		t.Fatal("expected failure")
	}
	if att.calls != 1 {
		t.Errorf("remote rejection must not be retried; got %d attempts", att.calls)
	}
	if got := audit.statuses(); len(got) != 1 || got[0] != StatusFailed {
		t.Errorf("audit records = %v, want [failed]", got)
	}
	if len(notify.statuses()) != 1 {
		t.Errorf("expected 1 notifier call, got %d", len(notify.statuses()))
	}
}

func TestProcessExhaustsRetries(t *testing.T) {
	att := &scriptedAttempter{script: []Outcome{{ErrKind: ErrKindConnection, ErrText: "connection reset"}}}
	audit := &recordingSink{}
	s := newTestScheduler(t, fastConfig(), att, audit, &recordingSink{})

	out := s.Process(context.Background(), &Request{ID: "s4", Recipient: "+15551234567", Body: "x"})
	if out.Success {
		t.Fatal("expected failure")
	}
	if att.calls != 3 {
		t.Errorf("attempt count %d exceeds or undershoots maxRetries=3", att.calls)
	}
	got := audit.statuses()
	want := []Status{StatusRetrying, StatusRetrying, StatusFailed}
	if len(got) != len(want) {
		t.Fatalf("audit records = %v, want %v", got, want)
	}
	terminal := 0
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("record %d = %s, want %s", i, got[i], want[i])
		}
		if got[i].Terminal() {
			terminal++
		}
	}
	if terminal != 1 {
		t.Errorf("exactly one terminal record expected, got %d", terminal)
	}
}

func TestProcessSinkFailuresDoNotAffectOutcome(t *testing.T) {
	att := &scriptedAttempter{script: []Outcome{{Success: true}}}
	audit := &recordingSink{err: context.DeadlineExceeded}
	notify := &recordingSink{err: context.DeadlineExceeded}
	s := newTestScheduler(t, fastConfig(), att, audit, notify)

	out := s.Process(context.Background(), &Request{ID: "s5", Recipient: "+15551234567", Body: "x"})
	if !out.Success {
		t.Fatal("sink failures must never change the delivery outcome")
	}
	if att.calls != 1 {
		t.Errorf("sink failures must not trigger retries; got %d attempts", att.calls)
	}
}

// deadCtxSink refuses writes arriving with an already-cancelled context,
// the way a SQL ExecContext or an HTTP request would.
type deadCtxSink struct {
	recordingSink
	refused int
}

func (s *deadCtxSink) Append(ctx context.Context, a Attempt) error {
	if err := ctx.Err(); err != nil {
		s.mu.Lock()
		s.refused++
		s.mu.Unlock()
		return err
	}
	return s.recordingSink.Append(ctx, a)
}

func TestProcessCancelledDuringBackoffStillRecordsTerminal(t *testing.T) {
	att := &scriptedAttempter{script: []Outcome{{ErrKind: ErrKindTimeout, ErrText: "timed out"}}}
	sink := &deadCtxSink{}
	stager, err := media.NewStager(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewStager: %v", err)
	}
	cfg := SchedulerConfig{MaxRetries: 3, BackoffBase: 500 * time.Millisecond, BackoffCap: time.Second}
	s := NewScheduler(cfg, att, stager, sink, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond) // lands inside the first backoff
		cancel()
	}()

	out := s.Process(ctx, &Request{ID: "s9", Recipient: "+15551234567", Body: "x"})
	if out.Success {
		t.Fatal("expected failure when cancelled mid-backoff")
	}
	if out.ErrKind != ErrKindUnexpected {
		t.Errorf("ErrKind = %s, want %s", out.ErrKind, ErrKindUnexpected)
	}

	got := sink.statuses()
	if len(got) != 2 || got[0] != StatusRetrying || got[1] != StatusFailed {
		t.Fatalf("audit records = %v, want [retrying failed]", got)
	}
	if sink.refused != 0 {
		t.Errorf("%d appends arrived with a dead context; terminal records must use a live one", sink.refused)
	}
}

func TestProcessCleansStagedMedia(t *testing.T) {
	att := &scriptedAttempter{script: []Outcome{{ErrKind: ErrKindRemoteReject}}}
	stager, err := media.NewStager(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewStager: %v", err)
	}
	s := NewScheduler(fastConfig(), att, stager, &recordingSink{}, &recordingSink{}, testLogger())

	req := &Request{
		ID:        "s6",
		Recipient: "+15551234567",
		Body:      "with media",
		Attachments: []media.Item{
			{Filename: "a.png", MimeType: "image/png", Data: "aGVsbG8="},
		},
	}
	s.Process(context.Background(), req)

	if len(att.gotFiles) == 0 || len(att.gotFiles[0]) != 1 {
		t.Fatal("attempter did not receive staged files")
	}
	if _, err := os.Stat(att.gotFiles[0][0].Path); !os.IsNotExist(err) {
		t.Errorf("staged file survives terminal state: %s", att.gotFiles[0][0].Path)
	}
}

func TestProcessStagingFailureIsTerminal(t *testing.T) {
	att := &scriptedAttempter{script: []Outcome{{Success: true}}}
	audit := &recordingSink{}
	s := newTestScheduler(t, fastConfig(), att, audit, &recordingSink{})

	req := &Request{
		ID:          "s7",
		Recipient:   "+15551234567",
		Attachments: []media.Item{{Filename: "bad.png", MimeType: "image/png", Data: "%%%"}},
	}
	out := s.Process(context.Background(), req)
	if out.Success {
		t.Fatal("expected staging failure")
	}
	if out.ErrKind != ErrKindAttachment {
		t.Errorf("error kind = %s, want %s", out.ErrKind, ErrKindAttachment)
	}
	if att.calls != 0 {
		t.Errorf("no delivery attempt expected after staging failure, got %d", att.calls)
	}
	if got := audit.statuses(); len(got) != 1 || got[0] != StatusFailed {
		t.Errorf("audit records = %v, want [failed]", got)
	}
}

func TestDigest(t *testing.T) {
	d1 := Digest("hello world")
	if strings.Contains(d1, "hello") {
		t.Error("digest must not contain raw text")
	}
	if len(d1) != 64 {
		t.Errorf("digest length = %d, want 64 hex chars", len(d1))
	}
	if d1 != Digest("hello world") {
		t.Error("digest must be stable")
	}
	// NFC normalization: composed and decomposed forms digest equally.
	if Digest("caf\u00e9") != Digest("cafe\u0301") {
		t.Error("digest must normalize unicode before hashing")
	}
}
