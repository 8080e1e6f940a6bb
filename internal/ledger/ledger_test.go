package ledger_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/arcbeam/sttgateway/internal/ledger"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if STTGATEWAY_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("STTGATEWAY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("STTGATEWAY_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

func TestOpen_EmptyDSNIsNoop(t *testing.T) {
	l, err := ledger.Open(context.Background(), "")
	if err != nil {
		t.Fatalf("Open(\"\"): %v", err)
	}
	defer l.Close()

	ctx := context.Background()
	now := time.Now()
	if err := l.RecordConnect(ctx, 1, now); err != nil {
		t.Errorf("RecordConnect on no-op ledger: %v", err)
	}
	if err := l.RecordPass(ctx, 1, nil); err != nil {
		t.Errorf("RecordPass on no-op ledger: %v", err)
	}
	if err := l.RecordPass(ctx, 1, context.Canceled); err != nil {
		t.Errorf("RecordPass (with error) on no-op ledger: %v", err)
	}
	if err := l.RecordBytesReceived(ctx, 1, 4096); err != nil {
		t.Errorf("RecordBytesReceived on no-op ledger: %v", err)
	}
	if err := l.RecordDisconnect(ctx, 1, now); err != nil {
		t.Errorf("RecordDisconnect on no-op ledger: %v", err)
	}
}

func TestOpen_EmptyDSNCloseIsSafe(t *testing.T) {
	l, err := ledger.Open(context.Background(), "")
	if err != nil {
		t.Fatalf("Open(\"\"): %v", err)
	}
	// Close on a no-op ledger must not panic even though its pool is nil.
	l.Close()
	l.Close()
}

// newTestLedger opens a real Postgres-backed Ledger against
// STTGATEWAY_TEST_POSTGRES_DSN, skipping the test if it is unset.
func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	dsn := testDSN(t)
	l, err := ledger.Open(context.Background(), dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(l.Close)
	return l
}

func TestRecordConnectAndDisconnect(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	userID := time.Now().UnixNano()
	connectedAt := time.Now()
	if err := l.RecordConnect(ctx, userID, connectedAt); err != nil {
		t.Fatalf("RecordConnect: %v", err)
	}

	disconnectedAt := connectedAt.Add(30 * time.Second)
	if err := l.RecordDisconnect(ctx, userID, disconnectedAt); err != nil {
		t.Fatalf("RecordDisconnect: %v", err)
	}
}

func TestRecordPassTracksErrorsSeparately(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	userID := time.Now().UnixNano()
	if err := l.RecordConnect(ctx, userID, time.Now()); err != nil {
		t.Fatalf("RecordConnect: %v", err)
	}

	if err := l.RecordPass(ctx, userID, nil); err != nil {
		t.Fatalf("RecordPass (ok): %v", err)
	}
	if err := l.RecordPass(ctx, userID, context.Canceled); err != nil {
		t.Fatalf("RecordPass (error): %v", err)
	}
}

func TestRecordBytesReceivedAccumulates(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	userID := time.Now().UnixNano()
	if err := l.RecordConnect(ctx, userID, time.Now()); err != nil {
		t.Fatalf("RecordConnect: %v", err)
	}

	if err := l.RecordBytesReceived(ctx, userID, 1024); err != nil {
		t.Fatalf("RecordBytesReceived: %v", err)
	}
	if err := l.RecordBytesReceived(ctx, userID, 2048); err != nil {
		t.Fatalf("RecordBytesReceived: %v", err)
	}
}

func TestRecordConnectUpsertResetsCounters(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	userID := time.Now().UnixNano()
	if err := l.RecordConnect(ctx, userID, time.Now()); err != nil {
		t.Fatalf("RecordConnect: %v", err)
	}
	if err := l.RecordPass(ctx, userID, context.Canceled); err != nil {
		t.Fatalf("RecordPass: %v", err)
	}
	if err := l.RecordDisconnect(ctx, userID, time.Now()); err != nil {
		t.Fatalf("RecordDisconnect: %v", err)
	}

	// Reconnecting with the same user ID (e.g. after a sequence wraparound in
	// a test harness) must reset pass_count/error_count/disconnected_at,
	// per the ON CONFLICT clause in RecordConnect.
	if err := l.RecordConnect(ctx, userID, time.Now()); err != nil {
		t.Fatalf("RecordConnect (reconnect): %v", err)
	}
}
