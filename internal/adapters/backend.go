package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"opal-relay/internal/observability/metrics"
	"opal-relay/internal/relay"
)

// BackendConfig configures the remote backend status client.
type BackendConfig struct {
	BaseURL       string
	Token         string
	Client        *http.Client
	Logger        *slog.Logger
	MaxAttempts   int
	RetryInterval time.Duration
}

// Backend reports processing lifecycle transitions to the remote backend. The
// backend wraps its outcome in the response body: a body-level status other
// than 200 is a failure even when the HTTP exchange succeeds, and is never
// retried.
type Backend struct {
	baseURL       string
	token         string
	client        *http.Client
	logger        *slog.Logger
	maxAttempts   int
	retryInterval time.Duration
}

type beginProcessingResponse struct {
	Status int    `json:"status"`
	Plan   string `json:"plan"`
}

type statusResponse struct {
	Status int `json:"status"`
}

type attachSummaryRequest struct {
	Filename   string `json:"filename"`
	Content    string `json:"content"`
	Transcript string `json:"transcript"`
}

// NewBackend initialises a backend client from the provided configuration.
func NewBackend(cfg BackendConfig) *Backend {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &Backend{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		token:         cfg.Token,
		client:        client,
		logger:        logger,
		maxAttempts:   attempts,
		retryInterval: cfg.RetryInterval,
	}
}

// BeginProcessing announces a new run and returns the user's plan tier as
// reported by the backend.
func (b *Backend) BeginProcessing(ctx context.Context, userID, filename string) (relay.PlanTier, error) {
	metrics.Default().ObserveAdapterAttempt("begin_processing")
	var response beginProcessingResponse
	payload := map[string]string{"filename": filename}
	if err := b.postJSON(ctx, b.recordingURL(userID, "processing"), payload, &response); err != nil {
		metrics.Default().ObserveAdapterFailure("begin_processing")
		return "", err
	}
	if response.Status != 200 {
		metrics.Default().ObserveAdapterFailure("begin_processing")
		return "", fmt.Errorf("backend reported status %d", response.Status)
	}
	plan := relay.PlanTier(strings.ToUpper(strings.TrimSpace(response.Plan)))
	if plan != relay.PlanPro {
		plan = relay.PlanFree
	}
	return plan, nil
}

// AttachSummary stores the generated title, summary, and transcript on the
// recording. The summary travels as a JSON document in the content field.
func (b *Backend) AttachSummary(ctx context.Context, userID, filename string, summary relay.Summary, transcript string) error {
	metrics.Default().ObserveAdapterAttempt("attach_summary")
	content, err := json.Marshal(summary)
	if err != nil {
		metrics.Default().ObserveAdapterFailure("attach_summary")
		return fmt.Errorf("marshal summary: %w", err)
	}
	payload := attachSummaryRequest{
		Filename:   filename,
		Content:    string(content),
		Transcript: transcript,
	}
	var response statusResponse
	if err := b.postJSON(ctx, b.recordingURL(userID, "transcribe"), payload, &response); err != nil {
		metrics.Default().ObserveAdapterFailure("attach_summary")
		return err
	}
	if response.Status != 200 {
		metrics.Default().ObserveAdapterFailure("attach_summary")
		return fmt.Errorf("backend reported status %d", response.Status)
	}
	return nil
}

// CompleteProcessing reports that the run finished and the media is stored.
func (b *Backend) CompleteProcessing(ctx context.Context, userID, filename string) error {
	metrics.Default().ObserveAdapterAttempt("complete_processing")
	payload := map[string]string{"filename": filename}
	var response statusResponse
	if err := b.postJSON(ctx, b.recordingURL(userID, "complete"), payload, &response); err != nil {
		metrics.Default().ObserveAdapterFailure("complete_processing")
		return err
	}
	if response.Status != 200 {
		metrics.Default().ObserveAdapterFailure("complete_processing")
		return fmt.Errorf("backend reported status %d", response.Status)
	}
	return nil
}

func (b *Backend) recordingURL(userID, action string) string {
	return fmt.Sprintf("%s/recording/%s/%s", b.baseURL, url.PathEscape(userID), action)
}

func (b *Backend) postJSON(ctx context.Context, url string, payload interface{}, dest interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return doWithRetry(ctx, b.client, http.MethodPost, url, body, func(req *http.Request) {
		setBearer(req, b.token)
	}, dest, b.logger, b.maxAttempts, b.retryInterval)
}

func doWithRetry(ctx context.Context, client *http.Client, method, url string, payload []byte, mutate func(*http.Request), dest interface{}, logger *slog.Logger, attempts int, interval time.Duration) error {
	if attempts <= 0 {
		attempts = 1
	}
	if interval < 0 {
		interval = 0
	}
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		reqBody := io.Reader(nil)
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
		if err != nil {
			return err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if mutate != nil {
			mutate(req)
		}
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
		} else {
			func() {
				defer resp.Body.Close()
				if resp.StatusCode >= 200 && resp.StatusCode < 300 {
					if dest == nil {
						lastErr = nil
						return
					}
					decoderErr := json.NewDecoder(resp.Body).Decode(dest)
					if decoderErr != nil {
						lastErr = decoderErr
					} else {
						lastErr = nil
					}
					return
				}
				data, _ := io.ReadAll(resp.Body)
				lastErr = fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
			}()
		}
		if lastErr == nil {
			return nil
		}
		if attempt < attempts {
			logger.Warn("backend HTTP request failed", "method", method, "url", url, "attempt", attempt, "error", lastErr)
			if interval > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(interval):
				}
			} else {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
			}
			continue
		}
	}
	return lastErr
}

func setBearer(req *http.Request, token string) {
	token = strings.TrimSpace(token)
	if token == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
}
