package relay

import "time"

// Client event types delivered over the WebSocket connection.
const (
	EventConnected     = "connected"
	EventUploadSuccess = "upload-success"
	EventUploadError   = "upload-error"
)

// Event is the wire representation of a client-facing relay event.
type Event struct {
	Type    string `json:"type"`
	URL     string `json:"url,omitempty"`
	Message string `json:"message,omitempty"`
}

// EventSink delivers events to a single client connection. Implementations
// must tolerate emission after the connection is gone by dropping the event.
type EventSink interface {
	Emit(event Event)
}

// TelemetryType enumerates the pipeline telemetry events flowing through the
// operator queue.
type TelemetryType string

const (
	// TelemetryProcessingStarted is published when a run passes the empty
	// check and begins calling external services.
	TelemetryProcessingStarted TelemetryType = "processing-started"
	// TelemetryUploadSucceeded is published once the assembled media is
	// stored and a public URL exists.
	TelemetryUploadSucceeded TelemetryType = "upload-succeeded"
	// TelemetryUploadFailed is published when a run terminates with a
	// client-visible error.
	TelemetryUploadFailed TelemetryType = "upload-failed"
	// TelemetryProcessingCompleted is published after the backend confirms
	// the completion notification.
	TelemetryProcessingCompleted TelemetryType = "processing-completed"
)

// TelemetryEvent is the wire representation forwarded to the telemetry queue.
type TelemetryEvent struct {
	Type       TelemetryType `json:"type"`
	SessionID  string        `json:"sessionId"`
	UserID     string        `json:"userId,omitempty"`
	Filename   string        `json:"filename,omitempty"`
	URL        string        `json:"url,omitempty"`
	Error      string        `json:"error,omitempty"`
	OccurredAt time.Time     `json:"occurredAt"`
}
