// Package client is a thin HTTP client for the webmta gateway API, used by
// the CLI's queue and send commands.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to a running gateway
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// QueueStats mirrors the gateway's queue status response
type QueueStats struct {
	Depth    int  `json:"depth"`
	InFlight int  `json:"in_flight"`
	Paused   bool `json:"paused"`
}

// Attempt mirrors one audit record as the gateway serves it
type Attempt struct {
	SubmissionID  string   `json:"submission_id"`
	Recipient     string   `json:"recipient"`
	TextDigest    string   `json:"text_digest"`
	Status        string   `json:"status"`
	Attempt       int      `json:"attempt"`
	ErrorKind     string   `json:"error_kind,omitempty"`
	ErrorText     string   `json:"error_text,omitempty"`
	ArtifactURLs  []string `json:"artifact_urls,omitempty"`
	DurationMS    int64    `json:"duration_ms"`
	CorrelationID string   `json:"correlation_id,omitempty"`
	At            string   `json:"at"`
}

// Attachment is one media item in a submission
type Attachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// SubmitRequest is a message submission
type SubmitRequest struct {
	Recipient     string       `json:"recipient"`
	Body          string       `json:"body"`
	CorrelationID string       `json:"correlation_id,omitempty"`
	Attachments   []Attachment `json:"attachments,omitempty"`
}

// SubmitResponse is the gateway's acceptance receipt
type SubmitResponse struct {
	SubmissionID string   `json:"submission_id"`
	Status       string   `json:"status"`
	Warnings     []string `json:"warnings,omitempty"`
}

// New creates a client for the given gateway address
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Submit enqueues a message
func (c *Client) Submit(req SubmitRequest) (*SubmitResponse, error) {
	var resp SubmitResponse
	if err := c.do("POST", "/api/v1/messages", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QueueStats fetches the queue status
func (c *Client) QueueStats() (*QueueStats, error) {
	var stats QueueStats
	if err := c.do("GET", "/api/v1/queue", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// PauseQueue stops dequeuing without interrupting the in-flight message
func (c *Client) PauseQueue() error {
	return c.do("POST", "/api/v1/queue/pause", nil, nil)
}

// ResumeQueue restarts dequeuing
func (c *Client) ResumeQueue() error {
	return c.do("POST", "/api/v1/queue/resume", nil, nil)
}

// ClearQueue discards pending messages and returns how many were dropped
func (c *Client) ClearQueue() (int, error) {
	var resp struct {
		Cleared int `json:"cleared"`
	}
	if err := c.do("POST", "/api/v1/queue/clear", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Cleared, nil
}

// Attempts fetches the most recent audit records
func (c *Client) Attempts(limit int) ([]Attempt, error) {
	var attempts []Attempt
	path := fmt.Sprintf("/api/v1/attempts?limit=%d", limit)
	if err := c.do("GET", path, nil, &attempts); err != nil {
		return nil, err
	}
	return attempts, nil
}

func (c *Client) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error.Code != "" {
			return fmt.Errorf("%s: %s", apiErr.Error.Code, apiErr.Error.Message)
		}
		return fmt.Errorf("gateway returned %s", resp.Status)
	}

	if out == nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
