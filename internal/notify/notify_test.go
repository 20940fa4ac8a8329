package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jvalenc/webmta/internal/dispatch"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func sentAttempt() dispatch.Attempt {
	return dispatch.Attempt{
		SubmissionID:  "sub-1",
		Recipient:     "+15551234567",
		TextDigest:    dispatch.Digest("hello"),
		Status:        dispatch.StatusSent,
		Attempt:       1,
		Duration:      2300 * time.Millisecond,
		CorrelationID: "corr-7",
		ArtifactURLs:  []string{"https://artifacts.local/sub-1-post.png"},
		At:            time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestDisabledWhenNoURL(t *testing.T) {
	n := New(Config{}, testLogger())
	if _, ok := n.(*Disabled); !ok {
		t.Fatalf("notifier without URL = %T, want *Disabled", n)
	}
	if err := n.Notify(context.Background(), sentAttempt()); err != nil {
		t.Errorf("disabled notifier returned %v", err)
	}
}

func TestNotifyPayloadShape(t *testing.T) {
	var (
		mu   sync.Mutex
		body map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		mu.Lock()
		defer mu.Unlock()
		json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(Config{URL: srv.URL}, testLogger())
	if err := n.Notify(context.Background(), sentAttempt()); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if body["success"] != true {
		t.Error("success not set")
	}
	if body["status"] != "sent" {
		t.Errorf("status = %v", body["status"])
	}
	if body["recipient"] != "+15551234567" {
		t.Errorf("recipient = %v", body["recipient"])
	}
	if body["correlation_id"] != "corr-7" {
		t.Errorf("correlation_id = %v", body["correlation_id"])
	}
	if body["attempt"] != float64(1) {
		t.Errorf("attempt = %v", body["attempt"])
	}
	if body["duration_ms"] != float64(2300) {
		t.Errorf("duration_ms = %v", body["duration_ms"])
	}
	if body["timestamp"] != "2026-08-01T12:00:00Z" {
		t.Errorf("timestamp = %v", body["timestamp"])
	}
	if _, present := body["error"]; present {
		t.Error("error block present on a successful attempt")
	}
	urls, _ := body["artifact_urls"].([]any)
	if len(urls) != 1 {
		t.Errorf("artifact_urls = %v", body["artifact_urls"])
	}
}

func TestNotifyErrorBlock(t *testing.T) {
	var (
		mu   sync.Mutex
		body map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		json.NewDecoder(r.Body).Decode(&body)
	}))
	defer srv.Close()

	a := sentAttempt()
	a.Status = dispatch.StatusFailed
	a.ErrKind = dispatch.ErrKindRemoteReject
	a.ErrText = "message not sent"

	n := New(Config{URL: srv.URL}, testLogger())
	if err := n.Notify(context.Background(), a); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if body["success"] != false {
		t.Error("success should be false")
	}
	errBlock, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("error block = %v", body["error"])
	}
	if errBlock["code"] != "remote_rejected" || errBlock["message"] != "message not sent" {
		t.Errorf("error block = %v", errBlock)
	}
}

func TestNotifyNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := New(Config{URL: srv.URL}, testLogger())
	if err := n.Notify(context.Background(), sentAttempt()); err == nil {
		t.Fatal("expected error for 502 response")
	}
}

func TestBreakerShedsAfterRepeatedFailures(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := New(Config{URL: srv.URL}, testLogger())
	for i := 0; i < 10; i++ {
		n.Notify(context.Background(), sentAttempt())
	}
	mu.Lock()
	defer mu.Unlock()
	if hits >= 10 {
		t.Errorf("breaker never opened, endpoint saw all %d calls", hits)
	}
}
