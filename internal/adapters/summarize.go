package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"opal-relay/internal/observability/metrics"
	"opal-relay/internal/relay"
)

const (
	defaultSummaryModel  = "gpt-3.5-turbo"
	summarizeInstruction = "You are going to generate a nice title and a succinct summary for a recorded video transcript. Respond only with JSON in the form {\"title\": <title>, \"summary\": <summary>}."
)

// SummarizerConfig configures the transcript summarization client.
type SummarizerConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Client  *http.Client
	Logger  *slog.Logger
}

// Summarizer condenses transcripts into a title and summary through an
// OpenAI-style chat completion endpoint. The model response is parsed and
// validated before it is trusted.
type Summarizer struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

type chatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// NewSummarizer initialises a summarization client from the provided
// configuration.
func NewSummarizer(cfg SummarizerConfig) *Summarizer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultSummaryModel
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Summarizer{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   model,
		client:  client,
		logger:  logger,
	}
}

// Summarize sends the transcript for summarization and returns the validated
// title and summary.
func (s *Summarizer) Summarize(ctx context.Context, transcript string) (relay.Summary, error) {
	metrics.Default().ObserveAdapterAttempt("summarize")
	summary, err := s.summarize(ctx, transcript)
	if err != nil {
		metrics.Default().ObserveAdapterFailure("summarize")
		return relay.Summary{}, err
	}
	return summary, nil
}

func (s *Summarizer) summarize(ctx context.Context, transcript string) (relay.Summary, error) {
	payload := chatCompletionRequest{
		Model: s.model,
		Messages: []chatMessage{
			{Role: "system", Content: summarizeInstruction},
			{Role: "user", Content: transcript},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return relay.Summary{}, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return relay.Summary{}, fmt.Errorf("create summarize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	setBearer(req, s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return relay.Summary{}, fmt.Errorf("summarize request failed: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return relay.Summary{}, fmt.Errorf("read summarize response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return relay.Summary{}, fmt.Errorf("summarize failed: %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	var completion chatCompletionResponse
	if err := json.Unmarshal(data, &completion); err != nil {
		return relay.Summary{}, fmt.Errorf("decode summarize response: %w", err)
	}
	if len(completion.Choices) == 0 {
		return relay.Summary{}, fmt.Errorf("summarize response has no choices")
	}
	content := strings.TrimSpace(completion.Choices[0].Message.Content)
	var summary relay.Summary
	if err := json.Unmarshal([]byte(content), &summary); err != nil {
		return relay.Summary{}, fmt.Errorf("model output is not valid summary JSON: %w", err)
	}
	summary.Title = strings.TrimSpace(summary.Title)
	summary.Summary = strings.TrimSpace(summary.Summary)
	if summary.Title == "" || summary.Summary == "" {
		return relay.Summary{}, fmt.Errorf("model output is missing title or summary")
	}
	return summary, nil
}
