package adapters

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"opal-relay/internal/relay"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBackendBeginProcessing(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/recording/user-1/processing" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret-token" {
			t.Errorf("authorization = %q", got)
		}
		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if payload["filename"] != "clip.webm" {
			t.Errorf("filename = %q", payload["filename"])
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"status":200,"plan":"pro"}`)
	}))
	t.Cleanup(server.Close)

	backend := NewBackend(BackendConfig{
		BaseURL: server.URL,
		Token:   "secret-token",
		Logger:  discardLogger(),
	})

	plan, err := backend.BeginProcessing(context.Background(), "user-1", "clip.webm")
	if err != nil {
		t.Fatalf("BeginProcessing: %v", err)
	}
	if plan != relay.PlanPro {
		t.Fatalf("plan = %q, want PRO", plan)
	}
}

func TestBackendBeginProcessingDefaultsToFreePlan(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"status":200,"plan":"enterprise"}`)
	}))
	t.Cleanup(server.Close)

	backend := NewBackend(BackendConfig{BaseURL: server.URL, Logger: discardLogger()})
	plan, err := backend.BeginProcessing(context.Background(), "user-1", "clip.webm")
	if err != nil {
		t.Fatalf("BeginProcessing: %v", err)
	}
	if plan != relay.PlanFree {
		t.Fatalf("plan = %q, want FREE", plan)
	}
}

func TestBackendBodyStatusFailureIsNotRetried(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		io.WriteString(w, `{"status":500}`)
	}))
	t.Cleanup(server.Close)

	backend := NewBackend(BackendConfig{
		BaseURL:     server.URL,
		Logger:      discardLogger(),
		MaxAttempts: 3,
	})

	if _, err := backend.BeginProcessing(context.Background(), "user-1", "clip.webm"); err == nil {
		t.Fatal("expected an error for a body-level failure")
	} else if !strings.Contains(err.Error(), "backend reported status 500") {
		t.Fatalf("unexpected error: %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("body-level failures must not be retried, server saw %d requests", hits.Load())
	}
}

func TestBackendRetriesTransportFailures(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, `{"status":200,"plan":"FREE"}`)
	}))
	t.Cleanup(server.Close)

	backend := NewBackend(BackendConfig{
		BaseURL:     server.URL,
		Logger:      discardLogger(),
		MaxAttempts: 3,
	})

	plan, err := backend.BeginProcessing(context.Background(), "user-1", "clip.webm")
	if err != nil {
		t.Fatalf("BeginProcessing after retries: %v", err)
	}
	if plan != relay.PlanFree {
		t.Fatalf("plan = %q, want FREE", plan)
	}
	if hits.Load() != 3 {
		t.Fatalf("server saw %d requests, want 3", hits.Load())
	}
}

func TestBackendAttachSummary(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/recording/user-1/transcribe" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var payload attachSummaryRequest
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if payload.Filename != "clip.webm" || payload.Transcript != "transcript text" {
			t.Errorf("unexpected payload %+v", payload)
		}
		// content carries the summary as a JSON document.
		var content relay.Summary
		if err := json.Unmarshal([]byte(payload.Content), &content); err != nil {
			t.Errorf("content is not JSON: %v", err)
		}
		if content.Title != "Title" || content.Summary != "Summary" {
			t.Errorf("unexpected content %+v", content)
		}
		io.WriteString(w, `{"status":200}`)
	}))
	t.Cleanup(server.Close)

	backend := NewBackend(BackendConfig{BaseURL: server.URL, Logger: discardLogger()})
	err := backend.AttachSummary(context.Background(), "user-1", "clip.webm", relay.Summary{Title: "Title", Summary: "Summary"}, "transcript text")
	if err != nil {
		t.Fatalf("AttachSummary: %v", err)
	}
}

func TestBackendCompleteProcessing(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/recording/user-1/complete" {
			t.Errorf("path = %s", r.URL.Path)
		}
		io.WriteString(w, `{"status":200}`)
	}))
	t.Cleanup(server.Close)

	backend := NewBackend(BackendConfig{BaseURL: server.URL, Logger: discardLogger()})
	if err := backend.CompleteProcessing(context.Background(), "user-1", "clip.webm"); err != nil {
		t.Fatalf("CompleteProcessing: %v", err)
	}
}

func TestBackendEscapesUserID(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.EscapedPath() != "/recording/user%2F..%2Fadmin/complete" {
			t.Errorf("escaped path = %s", r.URL.EscapedPath())
		}
		io.WriteString(w, `{"status":200}`)
	}))
	t.Cleanup(server.Close)

	backend := NewBackend(BackendConfig{BaseURL: server.URL, Logger: discardLogger()})
	if err := backend.CompleteProcessing(context.Background(), "user/../admin", "clip.webm"); err != nil {
		t.Fatalf("CompleteProcessing: %v", err)
	}
}
