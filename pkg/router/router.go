// Package router fans inbound channel posts out to tenant queues. One
// message from a watched tracker becomes one parse per subscribed tracker
// type and one queued job per subscribed tenant.
package router

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/confluence-tracker/pkg/alert"
	"github.com/confluence-tracker/pkg/db"
	"github.com/confluence-tracker/pkg/directory"
	"github.com/confluence-tracker/pkg/parser"
)

// Inbound is one message as an ingest session delivered it.
type Inbound struct {
	SessionID    string
	SenderID     int64
	SenderHandle string
	Text         string
	Entities     []parser.Entity
	Outbound     bool
	Timestamp    time.Time
}

// Sink receives routed transactions. *queue.Queue satisfies it.
type Sink interface {
	Enqueue(tenantID int64, tracker string, tx *db.Transaction)
}

type Stats struct {
	Received  int64 `json:"received"`
	Dropped   int64 `json:"dropped"`
	Unmatched int64 `json:"unmatched"`
	Parsed    int64 `json:"parsed"`
	Enqueued  int64 `json:"enqueued"`
}

type Router struct {
	dir       *directory.Directory
	sink      Sink
	botHandle string

	mu    sync.Mutex
	stats Stats
}

func New(dir *directory.Directory, sink Sink, botHandle string) *Router {
	return &Router{
		dir:       dir,
		sink:      sink,
		botHandle: strings.TrimPrefix(strings.TrimSpace(botHandle), "@"),
	}
}

// Handle routes one inbound message. Never blocks on downstream work; the
// queue owns all processing.
func (r *Router) Handle(in Inbound) {
	r.mu.Lock()
	r.stats.Received++
	r.mu.Unlock()

	if r.filtered(in) {
		r.mu.Lock()
		r.stats.Dropped++
		r.mu.Unlock()
		return
	}

	m := r.dir.MatchSender(in.SenderID, in.SenderHandle)
	if m == nil {
		r.mu.Lock()
		r.stats.Unmatched++
		r.mu.Unlock()
		log.Debug().Int64("sender", in.SenderID).Str("handle", in.SenderHandle).
			Msg("message from unwatched sender")
		return
	}

	// Tenants sometimes subscribe by handle before the platform id is
	// known; the first observed message binds it.
	if m.NeedsIDBind && in.SenderID != 0 {
		if err := r.dir.BindTrackerID(m.Tracker, in.SenderID); err != nil {
			log.Warn().Err(err).Str("tracker", m.Tracker).Msg("tracker id bind failed")
		}
	}

	msg := parser.Message{Text: in.Text, Entities: in.Entities, Timestamp: in.Timestamp}

	// Parse once per tracker type; tenants sharing a type share the result.
	byType := map[db.TrackerType]*db.Transaction{}
	enqueued := 0
	for _, sub := range m.Subscribers {
		tx, seen := byType[sub.Type]
		if !seen {
			tx = parser.Parse(msg, sub.Type)
			if tx != nil && tx.WalletLabel == "" && tx.WalletAddress == "" {
				// A feed with no wallet identity is the tracker's own
				// wallet; count it under the tracker handle.
				tx.WalletLabel = m.Tracker
			}
			byType[sub.Type] = tx
			if tx != nil {
				r.mu.Lock()
				r.stats.Parsed++
				r.mu.Unlock()
			}
		}
		if tx == nil {
			continue
		}

		// Each tenant gets its own copy; jobs outlive this call.
		job := *tx
		r.sink.Enqueue(sub.TenantID, m.Tracker, &job)
		enqueued++
	}

	if enqueued > 0 {
		r.mu.Lock()
		r.stats.Enqueued += int64(enqueued)
		r.mu.Unlock()
		tx := firstParsed(byType)
		log.Info().Str("tracker", m.Tracker).Str("session", in.SessionID).
			Str("token", tx.TokenKey()).Str("side", string(tx.Side)).
			Int("tenants", enqueued).Msg("📨 trade routed")
	}
}

// filtered drops our own traffic before it can loop: outgoing messages,
// empty text, alert echoes and anything posted by the alert bot itself.
func (r *Router) filtered(in Inbound) bool {
	if in.Outbound {
		return true
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return true
	}
	if strings.HasPrefix(text, alert.Header) {
		return true
	}
	if r.botHandle != "" && strings.EqualFold(strings.TrimPrefix(in.SenderHandle, "@"), r.botHandle) {
		return true
	}
	return false
}

func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func firstParsed(byType map[db.TrackerType]*db.Transaction) *db.Transaction {
	for _, tx := range byType {
		if tx != nil {
			return tx
		}
	}
	return nil
}
