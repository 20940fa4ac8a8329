package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitSendsKeyAndBody(t *testing.T) {
	var gotKey string
	var gotReq SubmitRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/v1/messages", r.URL.Path)
		gotKey = r.Header.Get("X-API-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(SubmitResponse{SubmissionID: "abc-123", Status: "queued"})
	}))
	defer srv.Close()

	resp, err := New(srv.URL, "secret").Submit(SubmitRequest{
		Recipient: "+15551234567",
		Body:      "hello",
		Attachments: []Attachment{
			{Filename: "pic.png", MimeType: "image/png", Data: "aGk="},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, "+15551234567", gotReq.Recipient)
	assert.Equal(t, "hello", gotReq.Body)
	require.Len(t, gotReq.Attachments, 1)
	assert.Equal(t, "pic.png", gotReq.Attachments[0].Filename)
	assert.Equal(t, "abc-123", resp.SubmissionID)
	assert.Equal(t, "queued", resp.Status)
}

func TestSubmitSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":"INVALID_RECIPIENT","message":"recipient must be a phone-like identifier"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").Submit(SubmitRequest{Recipient: "bob", Body: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INVALID_RECIPIENT")
	assert.Contains(t, err.Error(), "phone-like")
}

func TestQueueStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/queue", r.URL.Path)
		json.NewEncoder(w).Encode(QueueStats{Depth: 3, InFlight: 1, Paused: true})
	}))
	defer srv.Close()

	stats, err := New(srv.URL, "").QueueStats()
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Depth)
	assert.Equal(t, 1, stats.InFlight)
	assert.True(t, stats.Paused)
}

func TestClearQueue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/v1/queue/clear", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]int{"cleared": 4})
	}))
	defer srv.Close()

	cleared, err := New(srv.URL, "").ClearQueue()
	require.NoError(t, err)
	assert.Equal(t, 4, cleared)
}

func TestAttemptsPassesLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "25", r.URL.Query().Get("limit"))
		json.NewEncoder(w).Encode([]Attempt{
			{SubmissionID: "s1", Recipient: "+15551234567", Status: "sent", Attempt: 1},
		})
	}))
	defer srv.Close()

	attempts, err := New(srv.URL, "").Attempts(25)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, "sent", attempts[0].Status)
}

func TestNonJSONErrorFallsBackToStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := New(srv.URL, "").PauseQueue()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
