package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"opal-relay/internal/observability/metrics"
)

// PlanTier is the subscription tier the backend reports for a user. The
// client never supplies it.
type PlanTier string

const (
	PlanFree PlanTier = "FREE"
	PlanPro  PlanTier = "PRO"
)

// BackendClient reports processing lifecycle transitions to the remote
// backend. Implementations must treat a body-level status other than 200 as
// an error even when the HTTP exchange succeeds.
type BackendClient interface {
	BeginProcessing(ctx context.Context, userID, filename string) (PlanTier, error)
	AttachSummary(ctx context.Context, userID, filename string, summary Summary, transcript string) error
	CompleteProcessing(ctx context.Context, userID, filename string) error
}

// MediaStore transfers an assembled blob to durable storage and returns its
// public URL. Delete removes an object again when its run ultimately fails.
type MediaStore interface {
	Upload(ctx context.Context, key string, body io.Reader, size int64) (string, error)
	Delete(ctx context.Context, key string) error
}

// Transcriber converts assembled media audio into plain text.
type Transcriber interface {
	Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error)
}

// Summarizer condenses a transcript into a validated title and summary.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (Summary, error)
}

// Summary is the structured result of the summarization step.
type Summary struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// ProcessRequest carries the client-supplied parameters of one processing
// run. Filename is untrusted input and is sanitized before use.
type ProcessRequest struct {
	SessionID string
	UserID    string
	Filename  string
}

const (
	defaultCallTimeout      = 2 * time.Minute
	defaultEnhanceSizeLimit = 25_000_000
	defaultMaxConcurrent    = 8
	storageKeyPrefix        = "recordings"
)

// OrchestratorConfig configures a pipeline Orchestrator.
type OrchestratorConfig struct {
	Sessions    *SessionStore
	Assembler   *Assembler
	Backend     BackendClient
	Media       MediaStore
	Transcriber Transcriber
	Summarizer  Summarizer
	Queue       Queue
	Logger      *slog.Logger
	// CallTimeout bounds each individual external service call.
	CallTimeout time.Duration
	// EnhanceSizeLimit is the exclusive upper bound in bytes for running the
	// transcription and summarization steps.
	EnhanceSizeLimit int64
	// MaxConcurrent caps the number of pipeline runs executing at once
	// across all sessions.
	MaxConcurrent int64
}

// Orchestrator drives the staged processing pipeline for assembled uploads.
// Each session gets at most one run at a time; a bounded semaphore caps runs
// process-wide.
type Orchestrator struct {
	sessions    *SessionStore
	assembler   *Assembler
	backend     BackendClient
	media       MediaStore
	transcriber Transcriber
	summarizer  Summarizer
	queue       Queue
	logger      *slog.Logger

	callTimeout      time.Duration
	enhanceSizeLimit int64
	sem              *semaphore.Weighted

	mu       sync.Mutex
	inFlight map[string]struct{}
	wg       sync.WaitGroup
}

// NewOrchestrator initialises an orchestrator using the provided
// configuration.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	limit := cfg.EnhanceSizeLimit
	if limit <= 0 {
		limit = defaultEnhanceSizeLimit
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	return &Orchestrator{
		sessions:         cfg.Sessions,
		assembler:        cfg.Assembler,
		backend:          cfg.Backend,
		media:            cfg.Media,
		transcriber:      cfg.Transcriber,
		summarizer:       cfg.Summarizer,
		queue:            cfg.Queue,
		logger:           logger,
		callTimeout:      callTimeout,
		enhanceSizeLimit: limit,
		sem:              semaphore.NewWeighted(maxConcurrent),
		inFlight:         make(map[string]struct{}),
	}
}

// Process runs the full pipeline for one session and delivers the terminal
// client event to sink. A second call for the same session while one is in
// flight is rejected with an upload-error. Process blocks until the run
// finishes; callers dispatch it on their own goroutine.
func (o *Orchestrator) Process(ctx context.Context, req ProcessRequest, sink EventSink) {
	if !o.beginRun(req.SessionID) {
		o.logger.Warn("rejected concurrent processing request", "session_id", req.SessionID)
		o.emitError(sink, ErrProcessingInFlight.Error())
		return
	}
	o.wg.Add(1)
	defer o.wg.Done()
	defer o.finishRun(req.SessionID)

	if err := o.sem.Acquire(ctx, 1); err != nil {
		o.logger.Error("pipeline admission failed", "session_id", req.SessionID, "error", err)
		o.emitError(sink, "processing unavailable")
		return
	}
	defer o.sem.Release(1)

	recorder := metrics.Default()
	recorder.PipelineStarted()
	defer recorder.PipelineFinished()

	o.run(ctx, req, sink)
}

func (o *Orchestrator) run(ctx context.Context, req ProcessRequest, sink EventSink) {
	logger := o.logger.With("session_id", req.SessionID, "user_id", req.UserID)
	recorder := metrics.Default()

	fragments, err := o.sessions.Drain(req.SessionID)
	if err != nil {
		logger.Warn("processing requested for unknown session", "error", err)
		recorder.ObservePipelineStage("drain", "fail")
		o.emitError(sink, ErrUnknownSession.Error())
		return
	}
	var total int64
	for _, fragment := range fragments {
		total += int64(len(fragment))
	}
	if total == 0 {
		// Nothing buffered: fail fast without touching any external
		// service.
		logger.Warn("processing requested with empty buffer")
		recorder.ObservePipelineStage("drain", "empty")
		o.emitError(sink, ErrEmptyUpload.Error())
		o.publish(TelemetryEvent{
			Type:      TelemetryUploadFailed,
			SessionID: req.SessionID,
			UserID:    req.UserID,
			Error:     ErrEmptyUpload.Error(),
		})
		return
	}

	filename := SanitizeFilename(req.Filename)
	logger = logger.With("filename", filename)
	logger.Info("processing started", "fragments", len(fragments), "bytes", total)
	o.publish(TelemetryEvent{
		Type:      TelemetryProcessingStarted,
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Filename:  filename,
	})

	plan, err := o.notifyStart(ctx, req.UserID, filename)
	if err != nil {
		notifyErr := &NotifyError{Stage: "start", Err: err}
		logger.Error("backend rejected processing start", "error", notifyErr)
		recorder.ObservePipelineStage("notify_start", "fail")
		o.failRun(req, sink, notifyErr)
		return
	}
	recorder.ObservePipelineStage("notify_start", "ok")

	handle, err := o.assembler.Materialize(fragments)
	if err != nil {
		logger.Error("failed to materialize upload", "error", err)
		recorder.ObservePipelineStage("materialize", "fail")
		o.failRun(req, sink, err)
		return
	}
	defer func() {
		if err := handle.Dispose(); err != nil {
			logger.Error("scratch cleanup failed", "error", err)
			recorder.ObservePipelineStage("cleanup", "fail")
			return
		}
		recorder.ObservePipelineStage("cleanup", "ok")
	}()
	recorder.ObservePipelineStage("materialize", "ok")

	url, key, err := o.upload(ctx, handle, filename)
	if err != nil {
		uploadErr := &UploadError{Err: err}
		logger.Error("media upload failed", "error", uploadErr)
		recorder.ObservePipelineStage("upload", "fail")
		o.failRun(req, sink, uploadErr)
		return
	}
	recorder.ObservePipelineStage("upload", "ok")
	logger.Info("media uploaded", "url", url, "bytes", handle.Size())

	// The client learns about the stored media as soon as it exists, before
	// enhancement or completion reporting.
	o.emit(sink, Event{Type: EventUploadSuccess, URL: url})
	o.publish(TelemetryEvent{
		Type:      TelemetryUploadSucceeded,
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Filename:  filename,
		URL:       url,
	})

	o.enhance(ctx, logger, req, filename, plan, handle)

	if err := o.notifyComplete(ctx, req.UserID, filename); err != nil {
		notifyErr := &NotifyError{Stage: "complete", Err: err}
		logger.Error("backend rejected processing completion", "error", notifyErr)
		recorder.ObservePipelineStage("notify_complete", "fail")
		// The backend never recorded the recording, so the stored object is
		// orphaned: remove it, then send the client a late upload-error after
		// its upload-success.
		o.discardMedia(key, logger)
		o.failRun(req, sink, notifyErr)
		return
	}
	recorder.ObservePipelineStage("notify_complete", "ok")
	logger.Info("processing completed")
	o.publish(TelemetryEvent{
		Type:      TelemetryProcessingCompleted,
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Filename:  filename,
		URL:       url,
	})
}

func (o *Orchestrator) notifyStart(ctx context.Context, userID, filename string) (PlanTier, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()
	return o.backend.BeginProcessing(callCtx, userID, filename)
}

func (o *Orchestrator) upload(ctx context.Context, handle *MediaHandle, filename string) (string, string, error) {
	body, err := handle.Open()
	if err != nil {
		return "", "", err
	}
	defer body.Close()

	ext := FileExtension(filename)
	if ext == "" {
		ext = ".webm"
	}
	key := storageKeyPrefix + "/" + uuid.NewString() + ext
	callCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()
	url, err := o.media.Upload(callCtx, key, body, handle.Size())
	if err != nil {
		return "", "", err
	}
	return url, key, nil
}

// discardMedia removes a stored object whose run failed after upload. Runs on
// a fresh context so a disconnected client cannot leave the object behind.
func (o *Orchestrator) discardMedia(key string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), o.callTimeout)
	defer cancel()
	if err := o.media.Delete(ctx, key); err != nil {
		logger.Warn("failed to remove stored media for failed run", "key", key, "error", err)
	}
}

// enhance runs the optional transcription and summarization steps. Every
// failure here is logged and swallowed; the pipeline continues to completion
// reporting regardless.
func (o *Orchestrator) enhance(ctx context.Context, logger *slog.Logger, req ProcessRequest, filename string, plan PlanTier, handle *MediaHandle) {
	recorder := metrics.Default()
	if o.transcriber == nil || o.summarizer == nil {
		return
	}
	if plan != PlanPro || handle.Size() >= o.enhanceSizeLimit {
		recorder.ObservePipelineStage("enhance", "skipped")
		return
	}

	transcript, err := o.transcribe(ctx, filename, handle)
	if err != nil {
		logger.Warn("enhancement skipped", "error", &EnhancementError{Stage: "transcribe", Err: err})
		recorder.ObservePipelineStage("enhance", "fail")
		return
	}
	summary, err := o.summarize(ctx, transcript)
	if err != nil {
		logger.Warn("enhancement skipped", "error", &EnhancementError{Stage: "summarize", Err: err})
		recorder.ObservePipelineStage("enhance", "fail")
		return
	}
	if err := o.attachSummary(ctx, req.UserID, filename, summary, transcript); err != nil {
		logger.Warn("summary attach failed", "error", &EnhancementError{Stage: "attach", Err: err})
		recorder.ObservePipelineStage("enhance", "fail")
		return
	}
	recorder.ObservePipelineStage("enhance", "ok")
	logger.Info("enhancement attached", "title", summary.Title)
}

func (o *Orchestrator) transcribe(ctx context.Context, filename string, handle *MediaHandle) (string, error) {
	audio, err := handle.Open()
	if err != nil {
		return "", err
	}
	defer audio.Close()
	callCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()
	return o.transcriber.Transcribe(callCtx, filename, audio)
}

func (o *Orchestrator) summarize(ctx context.Context, transcript string) (Summary, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()
	return o.summarizer.Summarize(callCtx, transcript)
}

func (o *Orchestrator) attachSummary(ctx context.Context, userID, filename string, summary Summary, transcript string) error {
	callCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()
	return o.backend.AttachSummary(callCtx, userID, filename, summary, transcript)
}

func (o *Orchestrator) notifyComplete(ctx context.Context, userID, filename string) error {
	callCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()
	return o.backend.CompleteProcessing(callCtx, userID, filename)
}

func (o *Orchestrator) failRun(req ProcessRequest, sink EventSink, err error) {
	o.emitError(sink, clientMessage(err))
	o.publish(TelemetryEvent{
		Type:      TelemetryUploadFailed,
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Filename:  SanitizeFilename(req.Filename),
		Error:     err.Error(),
	})
}

func (o *Orchestrator) emit(sink EventSink, event Event) {
	if sink == nil {
		return
	}
	sink.Emit(event)
	metrics.Default().ObserveRelayEvent(event.Type)
}

func (o *Orchestrator) emitError(sink EventSink, message string) {
	o.emit(sink, Event{Type: EventUploadError, Message: message})
}

func (o *Orchestrator) publish(event TelemetryEvent) {
	if o.queue == nil {
		return
	}
	event.OccurredAt = time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), o.callTimeout)
	defer cancel()
	if err := o.queue.Publish(ctx, event); err != nil {
		o.logger.Warn("failed to publish telemetry event", "type", event.Type, "error", err)
	}
}

func (o *Orchestrator) beginRun(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.inFlight[sessionID]; exists {
		return false
	}
	o.inFlight[sessionID] = struct{}{}
	return true
}

func (o *Orchestrator) finishRun(sessionID string) {
	o.mu.Lock()
	delete(o.inFlight, sessionID)
	o.mu.Unlock()
}

// Shutdown waits for in-flight runs to finish or the context to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// clientMessage maps a pipeline failure to the message carried by the
// client-facing upload-error event.
func clientMessage(err error) string {
	var notify *NotifyError
	if errors.As(err, &notify) {
		if notify.Stage == "complete" {
			return "processing could not be completed"
		}
		return "processing could not be started"
	}
	var upload *UploadError
	if errors.As(err, &upload) {
		return "media upload failed"
	}
	if errors.Is(err, ErrEmptyUpload) {
		return ErrEmptyUpload.Error()
	}
	if errors.Is(err, ErrUnknownSession) {
		return ErrUnknownSession.Error()
	}
	return "processing failed"
}
