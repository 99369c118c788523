package relay

import (
	"errors"
	"fmt"
)

// ErrUnknownSession is returned when chunks or processing requests reference a
// connection that was never registered or has already been removed.
var ErrUnknownSession = errors.New("unknown session")

// ErrEmptyUpload is returned when processing starts for a session that has no
// buffered media.
var ErrEmptyUpload = errors.New("no media buffered for session")

// ErrProcessingInFlight is returned when a session requests processing while a
// previous run for the same session has not finished.
var ErrProcessingInFlight = errors.New("processing already in progress")

// NotifyError reports a failed status call to the remote backend. Stage is
// either "start" or "complete".
type NotifyError struct {
	Stage string
	Err   error
}

func (e *NotifyError) Error() string {
	return fmt.Sprintf("notify %s failed: %v", e.Stage, e.Err)
}

func (e *NotifyError) Unwrap() error { return e.Err }

// UploadError reports a failed transfer of the assembled media to storage.
type UploadError struct {
	Err error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("media upload failed: %v", e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// EnhancementError reports a failed transcription, summarization, or summary
// attach step. Enhancement failures never fail the run; they are logged and
// the remaining stages continue.
type EnhancementError struct {
	Stage string
	Err   error
}

func (e *EnhancementError) Error() string {
	return fmt.Sprintf("enhancement %s failed: %v", e.Stage, e.Err)
}

func (e *EnhancementError) Unwrap() error { return e.Err }

// CleanupError reports a failed scratch disposal. Cleanup failures are logged
// and never surface to the client.
type CleanupError struct {
	Path string
	Err  error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("cleanup of %s failed: %v", e.Path, e.Err)
}

func (e *CleanupError) Unwrap() error { return e.Err }

// UnexpectedError wraps a recovered panic from a processing goroutine so it
// can be reported to the client as a generic failure instead of crashing the
// server.
type UnexpectedError struct {
	Value interface{}
}

func (e *UnexpectedError) Error() string {
	return fmt.Sprintf("unexpected processing failure: %v", e.Value)
}
