package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"opal-relay/internal/observability/metrics"
)

// GatewayConfig configures a relay Gateway.
type GatewayConfig struct {
	Sessions *SessionStore
	Pipeline *Orchestrator
	Logger   *slog.Logger
	// HeartbeatInterval controls how often the gateway sends WebSocket ping
	// frames to connected clients. A zero value disables heartbeats.
	HeartbeatInterval time.Duration
}

// Gateway accepts media ingestion connections, buffers their chunks into the
// session store, and dispatches processing runs to the pipeline.
type Gateway struct {
	sessions *SessionStore
	pipeline *Orchestrator
	logger   *slog.Logger

	heartbeatInterval time.Duration
}

// NewGateway initialises a gateway using the provided configuration.
func NewGateway(cfg GatewayConfig) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		sessions:          cfg.Sessions,
		pipeline:          cfg.Pipeline,
		logger:            logger,
		heartbeatInterval: cfg.HeartbeatInterval,
	}
}

// HandleConnection upgrades the HTTP request to a WebSocket connection,
// registers a session keyed by a server-generated connection ID, and greets
// the client with a connected event.
func (g *Gateway) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := Accept(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-r.Context().Done()
		cancel()
	}()

	id := uuid.NewString()
	g.sessions.Register(id)
	metrics.Default().SessionConnected()

	c := &client{
		gateway:   g,
		conn:      conn,
		sessionID: id,
		logger:    g.logger.With("session_id", id),
		send:      make(chan Event, 16),
		done:      make(chan struct{}),
		cancel:    cancel,
	}

	go c.writeLoop()
	if g.heartbeatInterval > 0 {
		go c.heartbeatLoop(ctx, g.heartbeatInterval)
	}
	go c.readLoop(ctx)

	c.Emit(Event{Type: EventConnected})
	c.logger.Info("session connected")
}

type client struct {
	gateway   *Gateway
	conn      *Conn
	sessionID string
	logger    *slog.Logger
	send      chan Event
	done      chan struct{}
	closed    sync.Once
	cancel    context.CancelFunc
}

type inboundMessage struct {
	Type     string `json:"type"`
	Filename string `json:"filename"`
	UserID   string `json:"userId"`
	Chunks   []byte `json:"chunks"`
}

// Emit delivers an event to the client, dropping it when the connection is
// gone or the outbound buffer is full. Emissions after disconnect are safe
// no-ops, never errors.
func (c *client) Emit(event Event) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- event:
	case <-c.done:
	default:
	}
}

func (c *client) writeLoop() {
	defer c.close()
	for {
		select {
		case <-c.done:
			return
		case event := <-c.send:
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if err := c.conn.WriteText(payload); err != nil {
				return
			}
		}
	}
}

func (c *client) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.Ping(nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *client) readLoop(ctx context.Context) {
	defer c.close()
	for {
		messageType, payload, err := c.conn.ReadMessage(ctx)
		if err != nil {
			return
		}
		switch messageType {
		case MessageBinary:
			c.appendChunk(payload)
		case MessageText:
			var msg inboundMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				c.Emit(Event{Type: EventUploadError, Message: "invalid payload"})
				continue
			}
			switch msg.Type {
			case "video-chunks":
				c.appendChunk(msg.Chunks)
			case "process-video":
				c.handleProcess(msg)
			default:
				c.Emit(Event{Type: EventUploadError, Message: "unknown command"})
			}
		}
	}
}

func (c *client) appendChunk(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	if err := c.gateway.sessions.Append(c.sessionID, chunk); err != nil {
		c.logger.Warn("chunk append failed", "error", err)
		c.Emit(Event{Type: EventUploadError, Message: err.Error()})
		return
	}
	metrics.Default().ObserveChunk(len(chunk))
}

func (c *client) handleProcess(msg inboundMessage) {
	userID := strings.TrimSpace(msg.UserID)
	if userID == "" {
		c.Emit(Event{Type: EventUploadError, Message: "userId is required"})
		return
	}
	req := ProcessRequest{
		SessionID: c.sessionID,
		UserID:    userID,
		Filename:  msg.Filename,
	}
	// The run outlives the connection on purpose: events emitted after
	// disconnect are dropped by Emit.
	go func() {
		defer c.recoverProcessing()
		c.gateway.pipeline.Process(context.Background(), req, c)
	}()
}

// recoverProcessing converts a panicking pipeline run into a client-visible
// generic failure instead of crashing the server.
func (c *client) recoverProcessing() {
	if r := recover(); r != nil {
		err := &UnexpectedError{Value: r}
		c.logger.Error("processing panicked", "error", err)
		c.Emit(Event{Type: EventUploadError, Message: "processing failed"})
	}
}

func (c *client) close() {
	c.closed.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		c.gateway.sessions.Remove(c.sessionID)
		metrics.Default().SessionDisconnected()
		_ = c.conn.Close()
		c.logger.Info("session disconnected")
	})
}
