package adapters

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"opal-relay/internal/observability/metrics"
)

const defaultTranscriptionModel = "whisper-1"

// TranscriberConfig configures the speech-to-text client.
type TranscriberConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Client  *http.Client
	Logger  *slog.Logger
}

// Transcriber converts media audio into plain text through an OpenAI-style
// transcription endpoint.
type Transcriber struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

// NewTranscriber initialises a transcription client from the provided
// configuration.
func NewTranscriber(cfg TranscriberConfig) *Transcriber {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultTranscriptionModel
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Transcriber{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   model,
		client:  client,
		logger:  logger,
	}
}

// Transcribe uploads the audio as multipart form data and returns the plain
// text transcript.
func (t *Transcriber) Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error) {
	metrics.Default().ObserveAdapterAttempt("transcribe")
	transcript, err := t.transcribe(ctx, filename, audio)
	if err != nil {
		metrics.Default().ObserveAdapterFailure("transcribe")
		return "", err
	}
	return transcript, nil
}

func (t *Transcriber) transcribe(ctx context.Context, filename string, audio io.Reader) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	fileWriter, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(fileWriter, audio); err != nil {
		return "", fmt.Errorf("write audio data: %w", err)
	}
	if err := writer.WriteField("model", t.model); err != nil {
		return "", fmt.Errorf("write model field: %w", err)
	}
	if err := writer.WriteField("response_format", "text"); err != nil {
		return "", fmt.Errorf("write response_format field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return "", fmt.Errorf("create transcription request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	setBearer(req, t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcription request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read transcription response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("transcription failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	transcript := strings.TrimSpace(string(body))
	if transcript == "" {
		return "", fmt.Errorf("transcription returned empty text")
	}
	return transcript, nil
}
