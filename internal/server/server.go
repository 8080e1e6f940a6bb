// Package server wires the gateway's HTTP surface together: the WebSocket
// streaming endpoint (/ws, plus every path no other route claims),
// health/readiness probes, and the Prometheus metrics
// endpoint. It owns the listener's lifecycle from New through Shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arcbeam/sttgateway/internal/config"
	"github.com/arcbeam/sttgateway/internal/health"
	"github.com/arcbeam/sttgateway/internal/ledger"
	"github.com/arcbeam/sttgateway/internal/observe"
	"github.com/arcbeam/sttgateway/internal/recognizer"
	"github.com/arcbeam/sttgateway/internal/stream"
	"github.com/arcbeam/sttgateway/internal/transport"
	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxPayloadBytes bounds a single WebSocket message (spec.md §6 transport
// parameters): 16 MiB.
const maxPayloadBytes = 16 * 1024 * 1024

// Server owns the gateway's HTTP listener, the loaded recognition engine, and
// the per-connection user ID sequence.
type Server struct {
	sessionDefaults config.SessionConfig
	sampleRate      int
	addr            string
	engine          recognizer.Engine
	metrics         *observe.Metrics
	logger          *slog.Logger
	extraCheckers   []health.Checker
	ledger          *ledger.Ledger

	httpServer *http.Server
	nextUserID atomic.Int64

	closers  []func(context.Context) error
	stopOnce sync.Once
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithReadinessCheckers registers additional [health.Checker]s beyond the
// built-in engine-loaded check.
func WithReadinessCheckers(checkers ...health.Checker) Option {
	return func(s *Server) { s.extraCheckers = append(s.extraCheckers, checkers...) }
}

// WithCloser registers a function run during Shutdown, after the HTTP
// listener has stopped accepting new connections. Use it to release
// resources such as a ledger's database pool.
func WithCloser(closer func(context.Context) error) Option {
	return func(s *Server) { s.closers = append(s.closers, closer) }
}

// WithLedger attaches a session lifecycle audit ledger. Every accepted
// connection records its connect/disconnect time, inference pass count,
// error count, and bytes received through it. A nil or no-op Ledger (see
// [ledger.Open] with an empty DSN) is safe and simply skips persistence.
func WithLedger(l *ledger.Ledger) Option {
	return func(s *Server) { s.ledger = l }
}

// New builds a Server bound to addr, serving sessions against engine and
// recording telemetry through metrics. sessionDefaults and sampleRate come
// from the process's loaded [config.Config]. The returned Server has not
// started listening; call Serve to run it.
func New(addr string, sampleRate int, sessionDefaults config.SessionConfig, engine recognizer.Engine, metrics *observe.Metrics, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		sessionDefaults: sessionDefaults,
		sampleRate:      sampleRate,
		addr:            addr,
		engine:          engine,
		metrics:         metrics,
		logger:          logger,
	}
	for _, o := range opts {
		o(s)
	}

	mux := http.NewServeMux()

	checkers := append([]health.Checker{{
		Name: "recognizer",
		Check: func(context.Context) error {
			if s.engine == nil {
				return errors.New("no recognition engine loaded")
			}
			return nil
		},
	}}, s.extraCheckers...)
	h := health.New(checkers...)
	h.Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())
	wsHandler := observe.Middleware(metrics)(http.HandlerFunc(s.handleWS))
	mux.Handle("/ws", wsHandler)
	// Any path no other route claims is also served as a WebSocket endpoint.
	mux.Handle("/", wsHandler)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

// Handler returns the server's http.Handler, useful for embedding in an
// httptest.Server or a custom listener setup without going through Serve.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Serve starts accepting connections and blocks until the listener stops or
// ctx is cancelled. It always returns a non-nil error; http.ErrServerClosed
// after a clean Shutdown is not an error condition for the caller.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the HTTP listener and runs every registered
// closer, respecting ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.stopOnce.Do(func() {
		s.logger.Info("shutting down")
		if err := s.httpServer.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("server: http shutdown: %w", err)
		}
		for _, closer := range s.closers {
			select {
			case <-ctx.Done():
				shutdownErr = errors.Join(shutdownErr, ctx.Err())
				return
			default:
			}
			if err := closer(ctx); err != nil {
				s.logger.Warn("closer error", "err", err)
			}
		}
		s.logger.Info("shutdown complete")
	})
	return shutdownErr
}

// handleWS accepts one WebSocket connection, assigns it the next user ID, and
// drives it until the client disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(maxPayloadBytes)

	userID := s.nextUserID.Add(1)
	// r.Context() is cancelled on client disconnect or server shutdown; the
	// per-read idle timeout that guards against a silently stalled peer is
	// transport.ServeConn's responsibility, not a deadline fixed at accept.
	ctx := r.Context()

	if s.ledger != nil {
		if err := s.ledger.RecordConnect(ctx, userID, time.Now()); err != nil {
			s.logger.Warn("ledger record connect failed", "user_id", userID, "err", err)
		}
		defer func() {
			if err := s.ledger.RecordDisconnect(context.WithoutCancel(ctx), userID, time.Now()); err != nil {
				s.logger.Warn("ledger record disconnect failed", "user_id", userID, "err", err)
			}
		}()
	}

	sessionMetrics := &ledgerMetrics{
		inner:  observe.NewStreamMetrics(ctx, s.metrics),
		ledger: s.ledger,
		ctx:    ctx,
		userID: userID,
	}
	s.metrics.SessionsStarted.Add(ctx, 1)
	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(ctx, -1)

	sess := stream.New(userID, s.sampleRate, sessionParams(s.sessionDefaults), s.engine, stream.WithMetrics(sessionMetrics))

	trackedConn := &countingConn{Conn: conn, ledger: s.ledger, metrics: s.metrics, ctx: ctx, userID: userID}
	logger := s.logger
	if err := transport.ServeConn(ctx, trackedConn, sess, s.sampleRate, logger); err != nil {
		logger.Warn("session ended with error", "user_id", userID, "err", err)
		conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// ledgerMetrics fans a session's outcome callbacks out to both the OTel
// adapter and the lifecycle ledger, leaving metrics recording unaffected if
// the ledger is a no-op.
type ledgerMetrics struct {
	inner  stream.Metrics
	ledger *ledger.Ledger
	ctx    context.Context
	userID int64
}

func (m *ledgerMetrics) RecordInferenceDuration(d time.Duration) { m.inner.RecordInferenceDuration(d) }
func (m *ledgerMetrics) RecordBufferLength(n int)                { m.inner.RecordBufferLength(n) }

func (m *ledgerMetrics) RecordOutcome(outcome string) {
	m.inner.RecordOutcome(outcome)
	if m.ledger == nil {
		return
	}
	var passErr error
	if outcome == "error" {
		passErr = errors.New("inference pass failed")
	}
	_ = m.ledger.RecordPass(m.ctx, m.userID, passErr)
}

// countingConn wraps a *websocket.Conn to tally received binary payload
// bytes into the lifecycle ledger and the bytes-received metric as they are
// read, without otherwise altering transport's read/write behavior.
type countingConn struct {
	*websocket.Conn
	ledger  *ledger.Ledger
	metrics *observe.Metrics
	ctx     context.Context
	userID  int64
}

func (c *countingConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	typ, data, err := c.Conn.Read(ctx)
	if err == nil && typ == websocket.MessageBinary {
		c.metrics.BytesReceived.Add(c.ctx, int64(len(data)))
		if c.ledger != nil {
			_ = c.ledger.RecordBytesReceived(c.ctx, c.userID, len(data))
		}
	}
	return typ, data, err
}

// sessionParams translates a config.SessionConfig into stream.Params.
func sessionParams(cfg config.SessionConfig) stream.Params {
	return stream.Params{
		StepMs:       cfg.StepMs,
		LengthMs:     cfg.LengthMs,
		KeepMs:       cfg.KeepMs,
		MaxTokens:    cfg.MaxTokens,
		AudioCtx:     cfg.AudioCtx,
		BeamSize:     cfg.BeamSize,
		Translate:    cfg.Translate,
		NoContext:    cfg.NoContext,
		NoTimestamps: cfg.NoTimestamps,
		Tinydiarize:  cfg.Tinydiarize,
		NoFallback:   cfg.NoFallback,
		Temperature:  cfg.Temperature,
		Language:     cfg.Language,
		Threads:      cfg.Threads,
	}
}
