package server_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/arcbeam/sttgateway/internal/config"
	"github.com/arcbeam/sttgateway/internal/ledger"
	"github.com/arcbeam/sttgateway/internal/observe"
	"github.com/arcbeam/sttgateway/internal/recognizer"
	"github.com/arcbeam/sttgateway/internal/recognizer/mock"
	"github.com/arcbeam/sttgateway/internal/server"
	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/sdk/metric"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, engine recognizer.Engine, sessionCfg config.SessionConfig) *httptest.Server {
	t.Helper()
	mp := metric.NewMeterProvider()
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	l, err := ledger.Open(context.Background(), "")
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}

	srv := server.New("127.0.0.1:0", 16000, sessionCfg, engine, m, testLogger(), server.WithLedger(l))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func wsURL(httpURL, path string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + path
}

func TestServer_HealthzAndReadyz(t *testing.T) {
	ts := newTestServer(t, &mock.Engine{}, config.Defaults().Session)

	resp, err := ts.Client().Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	resp2, err := ts.Client().Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != 200 {
		t.Errorf("/readyz status = %d, want 200 (engine is loaded)", resp2.StatusCode)
	}
}

func TestServer_MetricsEndpointServesPrometheusFormat(t *testing.T) {
	ts := newTestServer(t, &mock.Engine{}, config.Defaults().Session)

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestServer_WebSocketAssignsIncrementingUserIDs(t *testing.T) {
	ts := newTestServer(t, &mock.Engine{}, config.Defaults().Session)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var ids []int64
	for i := 0; i < 3; i++ {
		conn, _, err := websocket.Dial(ctx, wsURL(ts.URL, "/ws"), nil)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read welcome %d: %v", i, err)
		}
		var welcome struct {
			Type   string `json:"type"`
			UserID int64  `json:"user_id"`
		}
		if err := json.Unmarshal(data, &welcome); err != nil {
			t.Fatalf("unmarshal welcome %d: %v", i, err)
		}
		if welcome.Type != "connected" {
			t.Fatalf("welcome.Type = %q, want connected", welcome.Type)
		}
		ids = append(ids, welcome.UserID)
		conn.Close(websocket.StatusNormalClosure, "")
	}

	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Errorf("user ids not strictly increasing: %v", ids)
		}
	}
}

func TestServer_WebSocketEndToEndTranscription(t *testing.T) {
	engine := &mock.Engine{Results: []recognizer.Result{
		{Segments: []recognizer.Segment{{Text: "hello world"}}},
	}}
	sessionCfg := config.Defaults().Session
	sessionCfg.StepMs = 0
	sessionCfg.NoTimestamps = true
	ts := newTestServer(t, engine, sessionCfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(ts.URL, "/ws"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if _, _, err := conn.Read(ctx); err != nil {
		t.Fatalf("read welcome: %v", err)
	}

	// 3 seconds of float32 PCM at 16kHz, aligned to trigger an immediate pass.
	frame := make([]byte, 48000*4)
	if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		t.Fatalf("write audio: %v", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read transcription: %v", err)
	}
	var resp struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Type != "transcription" {
		t.Fatalf("resp.Type = %q, want transcription", resp.Type)
	}
}
