// Package transport binds one WebSocket connection to one stream.Session: it
// decodes control and binary frames, feeds audio into the session, and
// writes the session's output back as JSON text frames.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/arcbeam/sttgateway/internal/stream"
	"github.com/arcbeam/sttgateway/pkg/pcm"
	"github.com/coder/websocket"
)

// idleTimeout closes a connection that sends no text or binary frame for
// this long (spec.md §6 transport parameters); answered keepalive pings do
// not extend it. The deadline is per-read, not a single deadline from
// accept, so an active connection is never killed mid-session.
const idleTimeout = 120 * time.Second

// pingInterval is how often ServeConn probes the connection with a
// WebSocket ping, well inside idleTimeout. A failed ping is only logged; the
// connection is closed by the read deadline, not by the ping.
const pingInterval = 30 * time.Second

// inboundMessage is the minimal shape every inbound text frame is parsed
// into first, so the type field can be dispatched before decoding the rest.
type inboundMessage struct {
	Type      string `json:"type"`
	Language  string `json:"language,omitempty"`
	Translate *bool  `json:"translate,omitempty"`
}

// Outbound message shapes (see SPEC_FULL.md §6 / spec.md §6).

type connectedMessage struct {
	Type       string `json:"type"`
	UserID     int64  `json:"user_id"`
	Message    string `json:"message"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
}

type transcriptionMessage struct {
	Type   string `json:"type"`
	Text   string `json:"text"`
	UserID int64  `json:"user_id"`
}

type flushCompleteMessage struct {
	Type   string `json:"type"`
	Text   string `json:"text"`
	UserID int64  `json:"user_id"`
}

type statusMessage struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Conn is the subset of *websocket.Conn the handler drives. Declaring it as
// an interface keeps ServeConn unit-testable without a live socket.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Ping(ctx context.Context) error
}

// ServeConn runs the read/dispatch loop for one connection until the client
// closes it or ctx is cancelled. It owns sess exclusively for the lifetime of
// the call: sess.PushAudio and sess.DrainIfReady are only ever invoked here,
// serially, satisfying the Session Core's single-owner requirement.
//
// On open, ServeConn sends a connected welcome frame. On close, the session
// is simply dropped; ServeConn does not implicitly flush — the client must
// send flush before closing to receive the final tail.
func ServeConn(ctx context.Context, conn Conn, sess *stream.Session, sampleRate int, logger *slog.Logger) error {
	logger = logger.With("user_id", sess.UserID())
	logger.Info("session started")
	defer logger.Info("session ended")

	if err := writeJSON(ctx, conn, connectedMessage{
		Type:       "connected",
		UserID:     sess.UserID(),
		Message:    "ready",
		Format:     "pcm",
		SampleRate: sampleRate,
	}); err != nil {
		return fmt.Errorf("transport: send welcome: %w", err)
	}

	keepaliveCtx, stopKeepalive := context.WithCancel(ctx)
	defer stopKeepalive()
	go keepalive(keepaliveCtx, conn, logger)

	for {
		readCtx, cancel := context.WithTimeout(ctx, idleTimeout)
		typ, data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				logger.Warn("connection idle, closing", "timeout", idleTimeout)
				return nil
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return nil
			}
			var closeErr websocket.CloseError
			if errors.As(err, &closeErr) {
				return nil
			}
			return fmt.Errorf("transport: read: %w", err)
		}

		switch typ {
		case websocket.MessageText:
			if err := handleText(ctx, conn, sess, data, logger); err != nil {
				return err
			}
		case websocket.MessageBinary:
			if err := handleBinary(ctx, conn, sess, data, logger); err != nil {
				return err
			}
		}
	}
}

// keepalive pings conn at pingInterval until ctx is cancelled, so a peer that
// stops responding is detected even if it never sends another frame. A
// failed ping is logged but not fatal: the read loop's idle deadline is the
// authority on when to give up on the connection.
func keepalive(ctx context.Context, conn Conn, logger *slog.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingInterval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				logger.Warn("keepalive ping failed", "err", err)
			}
		}
	}
}

func handleText(ctx context.Context, conn Conn, sess *stream.Session, data []byte, logger *slog.Logger) error {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
		logger.Warn("malformed control message", "error", err)
		return writeJSON(ctx, conn, errorMessage{Type: "error", Message: "malformed control message"})
	}

	switch msg.Type {
	case "config":
		// Fields are session-creation-time only in this implementation; a
		// mid-stream config message is acknowledged but not applied.
		return writeJSON(ctx, conn, statusMessage{Type: "config_updated", Status: "ok"})

	case "flush":
		text := sess.Flush(ctx)
		return writeJSON(ctx, conn, flushCompleteMessage{Type: "flush_complete", Text: text, UserID: sess.UserID()})

	case "reset":
		sess.Reset()
		return writeJSON(ctx, conn, statusMessage{Type: "reset", Status: "ok"})

	default:
		logger.Warn("unrecognized control message type", "type", msg.Type)
		return writeJSON(ctx, conn, errorMessage{Type: "error", Message: fmt.Sprintf("unrecognized type %q", msg.Type)})
	}
}

func handleBinary(ctx context.Context, conn Conn, sess *stream.Session, data []byte, logger *slog.Logger) error {
	samples, _, ok := pcm.Decode(data)
	if !ok {
		logger.Warn("unsupported binary frame length", "bytes", len(data))
		return writeJSON(ctx, conn, errorMessage{Type: "error", Message: "unsupported frame length"})
	}

	sess.PushAudio(samples)
	text := sess.DrainIfReady(ctx)
	if text == "" {
		return nil
	}
	return writeJSON(ctx, conn, transcriptionMessage{Type: "transcription", Text: text, UserID: sess.UserID()})
}

func writeJSON(ctx context.Context, conn Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal outbound message: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
