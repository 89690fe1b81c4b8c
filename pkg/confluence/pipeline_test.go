package confluence

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/confluence-tracker/pkg/db"
	"github.com/confluence-tracker/pkg/queue"
)

type memStore struct {
	mu           sync.Mutex
	txs          []db.Transaction
	confs        []db.Confluence
	confAttempts int
	confFailures int
}

func (m *memStore) InsertTransaction(tenantID int64, tracker string, tx db.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs = append(m.txs, tx)
	return nil
}

func (m *memStore) InsertConfluence(c db.Confluence) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confAttempts++
	if m.confAttempts <= m.confFailures {
		return false, errors.New("database is locked")
	}
	for _, got := range m.confs {
		if got.TenantID == c.TenantID && got.TokenKey() == c.TokenKey() && got.DetectionTime.Equal(c.DetectionTime) {
			return false, nil
		}
	}
	m.confs = append(m.confs, c)
	return true, nil
}

type captureSink struct {
	mu   sync.Mutex
	sent []db.Confluence
}

func (s *captureSink) SendConfluence(ctx context.Context, c db.Confluence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, c)
	return nil
}

func (s *captureSink) Close() error { return nil }

func TestPipelineRetriesPersistenceThenAlertsOnce(t *testing.T) {
	store := &memStore{confFailures: 2}
	sink := &captureSink{}
	pipe := &Pipeline{Store: store, Engine: testEngine(2, 60), Alerts: sink}
	ctx := context.Background()

	first := queue.Job{TenantID: 1, Tracker: "trk", Tx: buy("A", "WIF", bonkMint, at(0))}
	if err := pipe.Process(ctx, first); err != nil {
		t.Fatalf("first wallet job: %v", err)
	}

	// The second wallet completes the confluence, but the store rejects
	// the detection twice. Each failed pass is the same job re-run, the
	// way the queue replays it from the front of the FIFO.
	trigger := queue.Job{TenantID: 1, Tracker: "trk", Tx: buy("B", "WIF", bonkMint, at(10))}
	if err := pipe.Process(ctx, trigger); err == nil {
		t.Fatal("expected the first persistence attempt to fail")
	}
	if err := pipe.Process(ctx, trigger); err == nil {
		t.Fatal("expected the second persistence attempt to fail")
	}
	if err := pipe.Process(ctx, trigger); err != nil {
		t.Fatalf("third attempt should succeed, got %v", err)
	}

	if len(store.confs) != 1 {
		t.Fatalf("stored confluences = %d, want exactly 1", len(store.confs))
	}
	if len(sink.sent) != 1 {
		t.Fatalf("alerts sent = %d, want exactly 1", len(sink.sent))
	}
	if !sink.sent[0].DetectionTime.Equal(at(10)) {
		t.Errorf("alerted detection time = %v, want %v", sink.sent[0].DetectionTime, at(10))
	}

	// A further replay of the same job is a clean no-op.
	if err := pipe.Process(ctx, trigger); err != nil {
		t.Fatalf("replay after success: %v", err)
	}
	if len(sink.sent) != 1 || len(store.confs) != 1 {
		t.Errorf("replay duplicated output: %d alerts, %d rows", len(sink.sent), len(store.confs))
	}
}

func TestPipelineSkipsAlertWhenRowAlreadyStored(t *testing.T) {
	store := &memStore{}
	sink := &captureSink{}
	engine := testEngine(2, 60)
	pipe := &Pipeline{Store: store, Engine: engine, Alerts: sink}
	ctx := context.Background()

	pipe.Process(ctx, queue.Job{TenantID: 1, Tracker: "trk", Tx: buy("A", "WIF", bonkMint, at(0))})
	pipe.Process(ctx, queue.Job{TenantID: 1, Tracker: "trk", Tx: buy("B", "WIF", bonkMint, at(10))})

	// Same detection produced by a second engine instance, as after a
	// restart that replays recent messages: the row is already there, so
	// the alert must not fire again.
	pipe2 := &Pipeline{Store: store, Engine: testEngine(2, 60), Alerts: sink}
	pipe2.Process(ctx, queue.Job{TenantID: 1, Tracker: "trk", Tx: buy("A", "WIF", bonkMint, at(0))})
	pipe2.Process(ctx, queue.Job{TenantID: 1, Tracker: "trk", Tx: buy("B", "WIF", bonkMint, at(10))})

	if len(store.confs) != 1 {
		t.Errorf("stored confluences = %d, want 1", len(store.confs))
	}
	if len(sink.sent) != 1 {
		t.Errorf("alerts sent = %d, want 1", len(sink.sent))
	}
}
