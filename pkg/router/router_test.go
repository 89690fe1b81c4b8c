package router

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/confluence-tracker/pkg/alert"
	"github.com/confluence-tracker/pkg/db"
	"github.com/confluence-tracker/pkg/directory"
	"github.com/confluence-tracker/pkg/parser"
)

const bonkMint = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"

var swapText = "🔔 Cupsey 🔔\n" +
	"🟢🟢🟢\n" +
	"Swapped 4.50 #SOL ($790.20) for 1,250,000 #WIF\n" +
	"💰 MC: $4.5M"

var signalText = "🟢 BUY WIF\n" +
	"#WIF | 5m\n" +
	"4.20 SOL ➜ 690,000 WIF ($790.00)\n" +
	bonkMint

type queued struct {
	tenantID int64
	tracker  string
	tx       *db.Transaction
}

type captureSink struct {
	mu   sync.Mutex
	jobs []queued
}

func (c *captureSink) Enqueue(tenantID int64, tracker string, tx *db.Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs = append(c.jobs, queued{tenantID, tracker, tx})
}

func newTestRouter(t *testing.T, botHandle string) (*Router, *directory.Directory, *captureSink) {
	t.Helper()
	store, err := db.NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	dir, err := directory.New(store, 2, 1440)
	if err != nil {
		t.Fatalf("new directory: %v", err)
	}
	sink := &captureSink{}
	return New(dir, sink, botHandle), dir, sink
}

func subscribe(t *testing.T, dir *directory.Directory, tracker string, tenantID int64, typ db.TrackerType) {
	t.Helper()
	status, err := dir.Subscribe(tracker, tenantID, typ, "tester")
	if err != nil || status != directory.SubscribeOK {
		t.Fatalf("subscribe %s for %d: status=%s err=%v", tracker, tenantID, status, err)
	}
}

func TestHandle_FansOutToSubscribedTenants(t *testing.T) {
	r, dir, sink := newTestRouter(t, "confluencebot")
	subscribe(t, dir, "cupsey", 1, db.TypeA)
	subscribe(t, dir, "cupsey", 2, db.TypeA)

	r.Handle(Inbound{
		SessionID:    "sess1",
		SenderHandle: "cupsey",
		Text:         swapText,
		Entities:     []parser.Entity{{Kind: "text_url", URL: "https://dexscreener.com/solana/" + bonkMint}},
		Timestamp:    time.Now(),
	})

	if len(sink.jobs) != 2 {
		t.Fatalf("jobs = %d, want one per tenant", len(sink.jobs))
	}
	tenants := map[int64]bool{}
	for _, j := range sink.jobs {
		tenants[j.tenantID] = true
		if j.tracker != "cupsey" {
			t.Errorf("tracker = %q, want cupsey", j.tracker)
		}
		if j.tx.TokenSymbol != "WIF" || j.tx.TokenAddress != bonkMint {
			t.Errorf("tx token = %q/%q, want WIF/%s", j.tx.TokenSymbol, j.tx.TokenAddress, bonkMint)
		}
	}
	if !tenants[1] || !tenants[2] {
		t.Errorf("tenants = %v, want 1 and 2", tenants)
	}
	if sink.jobs[0].tx == sink.jobs[1].tx {
		t.Error("tenants share one transaction pointer; each job must own a copy")
	}

	s := r.Stats()
	if s.Received != 1 || s.Parsed != 1 || s.Enqueued != 2 {
		t.Errorf("stats = %+v, want received 1, parsed 1, enqueued 2", s)
	}
}

func TestHandle_BindsSenderIDOnFirstMessage(t *testing.T) {
	r, dir, sink := newTestRouter(t, "")
	subscribe(t, dir, "cupsey", 1, db.TypeA)

	r.Handle(Inbound{SenderID: 777, SenderHandle: "cupsey", Text: swapText, Timestamp: time.Now()})
	// Second message arrives id-only, as forwarded channel posts often do.
	r.Handle(Inbound{SenderID: 777, Text: swapText, Timestamp: time.Now()})

	if len(sink.jobs) != 2 {
		t.Fatalf("jobs = %d, want the id-only message matched too", len(sink.jobs))
	}
	if got := r.Stats().Unmatched; got != 0 {
		t.Errorf("unmatched = %d, want 0", got)
	}
}

func TestHandle_DropsOwnAlertEcho(t *testing.T) {
	r, dir, sink := newTestRouter(t, "confluencebot")
	subscribe(t, dir, "cupsey", 1, db.TypeA)

	r.Handle(Inbound{
		SenderHandle: "cupsey",
		Text:         alert.Header + ": 3 wallets → WIF\n\nSwapped 4.50 #SOL ($790.20) for 1,250,000 #WIF",
		Timestamp:    time.Now(),
	})

	if len(sink.jobs) != 0 {
		t.Fatalf("jobs = %d, want alert echo dropped", len(sink.jobs))
	}
	if got := r.Stats().Dropped; got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
}

func TestHandle_DropsOutboundAndBotSender(t *testing.T) {
	r, dir, sink := newTestRouter(t, "confluencebot")
	subscribe(t, dir, "cupsey", 1, db.TypeA)
	// Pathological but possible: someone subscribed the alert bot itself.
	subscribe(t, dir, "confluencebot", 1, db.TypeA)

	r.Handle(Inbound{SenderHandle: "cupsey", Text: swapText, Outbound: true, Timestamp: time.Now()})
	r.Handle(Inbound{SenderHandle: "@ConfluenceBot", Text: swapText, Timestamp: time.Now()})
	r.Handle(Inbound{SenderHandle: "cupsey", Text: "   \n ", Timestamp: time.Now()})

	if len(sink.jobs) != 0 {
		t.Fatalf("jobs = %d, want all three dropped", len(sink.jobs))
	}
	if got := r.Stats().Dropped; got != 3 {
		t.Errorf("dropped = %d, want 3", got)
	}
}

func TestHandle_UnwatchedSenderIgnored(t *testing.T) {
	r, _, sink := newTestRouter(t, "")

	r.Handle(Inbound{SenderHandle: "randomchannel", Text: swapText, Timestamp: time.Now()})

	if len(sink.jobs) != 0 {
		t.Fatalf("jobs = %d, want 0", len(sink.jobs))
	}
	if got := r.Stats().Unmatched; got != 1 {
		t.Errorf("unmatched = %d, want 1", got)
	}
}

func TestHandle_WalletlessFeedCreditsTrackerWallet(t *testing.T) {
	r, dir, sink := newTestRouter(t, "")
	subscribe(t, dir, "signalcat", 9, db.TypeC)

	r.Handle(Inbound{SenderHandle: "signalcat", Text: signalText, Timestamp: time.Now()})

	if len(sink.jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(sink.jobs))
	}
	tx := sink.jobs[0].tx
	if tx.WalletLabel != "signalcat" {
		t.Errorf("wallet label = %q, want the tracker handle", tx.WalletLabel)
	}
	if tx.WalletKey() != "signalcat" {
		t.Errorf("wallet key = %q, want signalcat", tx.WalletKey())
	}
}

func TestHandle_ParsesOncePerTrackerType(t *testing.T) {
	r, dir, sink := newTestRouter(t, "")
	subscribe(t, dir, "cupsey", 1, db.TypeA)
	subscribe(t, dir, "cupsey", 2, db.TypeC)

	// Type A text: the swap line parses for A, but there is no Type C
	// signal header, so tenant 2 gets nothing.
	r.Handle(Inbound{SenderHandle: "cupsey", Text: swapText, Timestamp: time.Now()})

	if len(sink.jobs) != 1 {
		t.Fatalf("jobs = %d, want only the Type A tenant served", len(sink.jobs))
	}
	if sink.jobs[0].tenantID != 1 {
		t.Errorf("tenant = %d, want 1", sink.jobs[0].tenantID)
	}
	s := r.Stats()
	if s.Parsed != 1 || s.Enqueued != 1 {
		t.Errorf("stats = %+v, want parsed 1, enqueued 1", s)
	}
}

func TestHandle_ChatterIsNotEnqueued(t *testing.T) {
	r, dir, sink := newTestRouter(t, "")
	subscribe(t, dir, "cupsey", 1, db.TypeA)

	r.Handle(Inbound{SenderHandle: "cupsey", Text: "gm frens, big day today", Timestamp: time.Now()})

	if len(sink.jobs) != 0 {
		t.Fatalf("jobs = %d, want chatter discarded", len(sink.jobs))
	}
	s := r.Stats()
	if s.Received != 1 || s.Parsed != 0 {
		t.Errorf("stats = %+v, want received 1, parsed 0", s)
	}
}
