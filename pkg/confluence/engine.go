// Package confluence implements the sliding-window detector: it watches
// per-tenant buy activity per token and fires once enough distinct wallets
// touched the same token inside the tenant's window.
package confluence

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/confluence-tracker/pkg/db"
)

// SettingsFunc supplies a tenant's current detection settings.
type SettingsFunc func(tenantID int64) db.TenantSettings

// DetectionLog is the slice of the store the engine needs to suppress
// re-announcing detections that survived a restart.
type DetectionLog interface {
	LastDetection(tenantID int64, tokenKey string) (time.Time, error)
}

type event struct {
	wallet    string
	marketCap float64
	ts        time.Time
	entry     db.ConfluenceWallet
}

type bucket struct {
	tenantID int64
	tokenKey string
	symbol   string
	address  string
	events   []event
}

type Engine struct {
	settings   SettingsFunc
	detections DetectionLog

	mu        sync.Mutex
	buckets   map[string]*bucket
	emitted   map[string]time.Time
	symbolIDs map[string]map[string]time.Time
	warned    map[string]bool
}

func NewEngine(settings SettingsFunc, detections DetectionLog) *Engine {
	return &Engine{
		settings:   settings,
		detections: detections,
		buckets:    map[string]*bucket{},
		emitted:    map[string]time.Time{},
		symbolIDs:  map[string]map[string]time.Time{},
		warned:     map[string]bool{},
	}
}

// Add feeds one transaction into the tenant's window and returns a
// detection candidate when the token now has enough distinct wallets.
// The candidate keeps coming back until MarkEmitted records it, so a
// caller whose persistence failed can simply retry.
func (e *Engine) Add(tenantID int64, tracker string, tx *db.Transaction) *db.Confluence {
	if tx == nil {
		return nil
	}
	wallet := tx.WalletKey()
	tokenKey := tx.TokenKey()
	if wallet == "" || tokenKey == "" {
		return nil
	}

	ev := event{
		wallet:    wallet,
		marketCap: tx.MarketCap,
		ts:        tx.Timestamp,
		entry: db.ConfluenceWallet{
			Label:       displayLabel(tx),
			Address:     tx.WalletAddress,
			Side:        tx.Side,
			Amount:      tx.Amount,
			QuoteAmount: tx.QuoteAmount,
			QuoteSymbol: tx.QuoteSymbol,
			Tracker:     tracker,
			Timestamp:   tx.Timestamp,
		},
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.warnSymbolCollision(tenantID, tx)

	key := bucketKey(tenantID, tokenKey)
	b, ok := e.buckets[key]
	if !ok {
		b = &bucket{tenantID: tenantID, tokenKey: tokenKey}
		e.buckets[key] = b
	}
	if tx.TokenSymbol != "" {
		b.symbol = tx.TokenSymbol
	}
	if tx.TokenAddress != "" {
		b.address = tx.TokenAddress
	}

	settings := e.settings(tenantID).Clamp()
	window := settings.Window()

	if !b.replay(ev) {
		b.insert(ev)
		b.evict(latestOf(b).Add(-window))
	}

	return e.evaluate(b, settings.MinWallets, window)
}

// replay reports whether an identical event is already in the bucket.
// Replays are not stored again but the bucket is still evaluated, which
// is what lets a retried job rediscover its unemitted candidate.
func (b *bucket) replay(ev event) bool {
	for i := len(b.events) - 1; i >= 0 && !b.events[i].ts.Before(ev.ts); i-- {
		if b.events[i].wallet == ev.wallet && b.events[i].ts.Equal(ev.ts) && b.events[i].entry.Amount == ev.entry.Amount {
			return true
		}
	}
	return false
}

// insert keeps events ordered by event time, tolerating late arrivals.
func (b *bucket) insert(ev event) {
	b.events = append(b.events, ev)
	for i := len(b.events) - 1; i > 0 && b.events[i].ts.Before(b.events[i-1].ts); i-- {
		b.events[i], b.events[i-1] = b.events[i-1], b.events[i]
	}
}

func (b *bucket) evict(cutoff time.Time) {
	keep := 0
	for keep < len(b.events) && b.events[keep].ts.Before(cutoff) {
		keep++
	}
	if keep > 0 {
		b.events = append([]event(nil), b.events[keep:]...)
	}
}

func latestOf(b *bucket) time.Time {
	if len(b.events) == 0 {
		return time.Time{}
	}
	return b.events[len(b.events)-1].ts
}

// evaluate walks the bucket in event-time order and locates the moment the
// distinct-wallet count reached the threshold. That moment is the
// detection time and it never moves while the contributing events remain.
func (e *Engine) evaluate(b *bucket, minWallets int, window time.Duration) *db.Confluence {
	firstSeen := map[string]int{}
	var order []string
	detectionIdx := -1
	for i, ev := range b.events {
		if _, ok := firstSeen[ev.wallet]; ok {
			continue
		}
		firstSeen[ev.wallet] = i
		order = append(order, ev.wallet)
		if len(order) == minWallets {
			detectionIdx = i
		}
	}
	if detectionIdx < 0 {
		return nil
	}

	detection := b.events[detectionIdx].ts
	if last, ok := e.lastEmitted(b.tenantID, b.tokenKey); ok && detection.Sub(last) < window {
		return nil
	}

	wallets := make([]db.ConfluenceWallet, 0, len(order))
	var capSum float64
	var capCount int
	for _, w := range order {
		ev := b.events[firstSeen[w]]
		wallets = append(wallets, ev.entry)
		if ev.marketCap > 0 {
			capSum += ev.marketCap
			capCount++
		}
	}

	detectionCap := b.events[detectionIdx].marketCap
	if detectionCap <= 0 && capCount > 0 {
		detectionCap = capSum / float64(capCount)
	}

	return &db.Confluence{
		TenantID:           b.tenantID,
		TokenSymbol:        b.symbol,
		TokenAddress:       b.address,
		DetectionTime:      detection,
		DetectionMarketCap: detectionCap,
		WalletCount:        len(wallets),
		Wallets:            wallets,
		FirstTxTime:        b.events[0].ts,
	}
}

// MarkEmitted records that a detection was durably stored, which stops the
// candidate from being offered again for a full window length.
func (e *Engine) MarkEmitted(tenantID int64, tokenKey string, detection time.Time) {
	e.mu.Lock()
	e.emitted[bucketKey(tenantID, tokenKey)] = detection
	e.mu.Unlock()
}

func (e *Engine) lastEmitted(tenantID int64, tokenKey string) (time.Time, bool) {
	key := bucketKey(tenantID, tokenKey)
	if ts, ok := e.emitted[key]; ok {
		return ts, true
	}
	if e.detections == nil {
		return time.Time{}, false
	}
	ts, err := e.detections.LastDetection(tenantID, tokenKey)
	if err != nil || ts.IsZero() {
		return time.Time{}, false
	}
	e.emitted[key] = ts
	return ts, true
}

// Sweep drops events that fell out of every tenant's window, forgets empty
// buckets, and expires re-emission guards and symbol state whose window has
// fully passed. Expired guards cost nothing but memory: lastEmitted falls
// back to the store when the map entry is gone. Returns how many buckets
// remain.
func (e *Engine) Sweep(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	dropped := 0
	for key, b := range e.buckets {
		window := e.settings(b.tenantID).Clamp().Window()
		b.evict(now.Add(-window))
		if len(b.events) == 0 {
			delete(e.buckets, key)
			dropped++
		}
	}

	for key, last := range e.emitted {
		window := e.settings(tenantFromKey(key)).Clamp().Window()
		if now.Sub(last) >= window {
			delete(e.emitted, key)
		}
	}
	for key, ids := range e.symbolIDs {
		window := e.settings(tenantFromKey(key)).Clamp().Window()
		for id, seen := range ids {
			if now.Sub(seen) >= window {
				delete(ids, id)
			}
		}
		if len(ids) == 0 {
			delete(e.symbolIDs, key)
			delete(e.warned, key)
		}
	}

	if dropped > 0 {
		log.Debug().Int("dropped", dropped).Int("remaining", len(e.buckets)).Msg("🧹 swept idle token buckets")
	}
	return len(e.buckets)
}

// EvictTracker removes a tracker's events from one tenant's windows,
// used when the tenant unsubscribes.
func (e *Engine) EvictTracker(tenantID int64, tracker string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	lower := strings.ToLower(tracker)
	for key, b := range e.buckets {
		if b.tenantID != tenantID {
			continue
		}
		kept := b.events[:0]
		for _, ev := range b.events {
			if strings.ToLower(ev.entry.Tracker) != lower {
				kept = append(kept, ev)
			}
		}
		b.events = kept
		if len(b.events) == 0 {
			delete(e.buckets, key)
		}
	}
}

// EvictTenant drops all window state for a tenant.
func (e *Engine) EvictTenant(tenantID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for key, b := range e.buckets {
		if b.tenantID == tenantID {
			delete(e.buckets, key)
		}
	}
	prefix := fmt.Sprintf("%d|", tenantID)
	for key := range e.emitted {
		if strings.HasPrefix(key, prefix) {
			delete(e.emitted, key)
		}
	}
	for key := range e.symbolIDs {
		if strings.HasPrefix(key, prefix) {
			delete(e.symbolIDs, key)
			delete(e.warned, key)
		}
	}
}

// Stats reports window occupancy for the dashboard.
func (e *Engine) Stats() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()

	events := 0
	for _, b := range e.buckets {
		events += len(b.events)
	}
	return map[string]int{
		"buckets": len(e.buckets),
		"events":  events,
		"emitted": len(e.emitted),
	}
}

// warnSymbolCollision logs once per tenant+symbol when the same symbol shows
// up under more than one token identity, whether that is two distinct
// addresses or an address next to a symbol-only feed. The buckets stay
// separate either way.
func (e *Engine) warnSymbolCollision(tenantID int64, tx *db.Transaction) {
	if tx.TokenSymbol == "" {
		return
	}
	key := bucketKey(tenantID, strings.ToUpper(tx.TokenSymbol))
	ids := e.symbolIDs[key]
	if ids == nil {
		ids = map[string]time.Time{}
		e.symbolIDs[key] = ids
	}
	id := tx.TokenKey()
	prev, seen := ids[id]
	if !seen && len(ids) > 0 && !e.warned[key] {
		e.warned[key] = true
		log.Warn().Int64("tenant", tenantID).Str("symbol", tx.TokenSymbol).Str("token", id).
			Msg("⚠️ symbol seen under multiple token identities, keeping buckets separate")
	}
	if tx.Timestamp.After(prev) {
		ids[id] = tx.Timestamp
	}
}

func displayLabel(tx *db.Transaction) string {
	if tx.WalletLabel != "" {
		return tx.WalletLabel
	}
	addr := tx.WalletAddress
	if len(addr) > 8 {
		return addr[:4] + "…" + addr[len(addr)-4:]
	}
	return addr
}

func bucketKey(tenantID int64, tokenKey string) string {
	return fmt.Sprintf("%d|%s", tenantID, tokenKey)
}

// tenantFromKey recovers the tenant id prefix of a state key.
func tenantFromKey(key string) int64 {
	i := strings.IndexByte(key, '|')
	if i < 0 {
		return 0
	}
	id, _ := strconv.ParseInt(key[:i], 10, 64)
	return id
}
