// Package directory holds the live subscription state: which trackers are
// watched, which tenants subscribe to each, and each tenant's detection
// settings. It is a read-mostly cache over the store, refreshed on a fixed
// interval and immediately after every mutation.
package directory

import (
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/confluence-tracker/pkg/db"
)

// MaxTrackersPerTenant caps how many trackers a single tenant may follow.
const MaxTrackersPerTenant = 5

type SubscribeStatus string

const (
	SubscribeOK        SubscribeStatus = "ok"
	SubscribeMax       SubscribeStatus = "max_reached"
	SubscribeDuplicate SubscribeStatus = "duplicate"
)

// Subscriber is one tenant's view of a tracker.
type Subscriber struct {
	TenantID int64
	Type     db.TrackerType
}

// Match is the resolved directory entry for an inbound sender.
type Match struct {
	Tracker     string
	NeedsIDBind bool
	Subscribers []Subscriber
}

type entry struct {
	tracker   string
	trackerID int64
	subs      []Subscriber
}

type Directory struct {
	store         *db.Store
	defaultMin    int
	defaultWindow int

	mu       sync.RWMutex
	byKey    map[string]*entry
	byID     map[int64]*entry
	active   []string
	settings map[int64]db.TenantSettings
}

func New(store *db.Store, defaultMinWallets, defaultWindowMinutes int) (*Directory, error) {
	d := &Directory{
		store:         store,
		defaultMin:    defaultMinWallets,
		defaultWindow: defaultWindowMinutes,
	}
	if err := d.Refresh(); err != nil {
		return nil, err
	}
	return d, nil
}

// Refresh reloads subscriptions and tenant settings from the store and
// swaps the lookup maps in one step, so readers never see a partial view.
func (d *Directory) Refresh() error {
	subs, err := d.store.ListActiveSubscriptions()
	if err != nil {
		return err
	}
	overrides, err := d.store.ListTenantSettings()
	if err != nil {
		return err
	}

	byKey := map[string]*entry{}
	byID := map[int64]*entry{}
	var active []string
	for _, sub := range subs {
		key := normalizeTracker(sub.Tracker)
		e, ok := byKey[key]
		if !ok {
			e = &entry{tracker: sub.Tracker}
			byKey[key] = e
			active = append(active, sub.Tracker)
		}
		if sub.TrackerID != 0 {
			e.trackerID = sub.TrackerID
			byID[sub.TrackerID] = e
		}
		e.subs = append(e.subs, Subscriber{TenantID: sub.TenantID, Type: sub.Type})
	}

	settings := map[int64]db.TenantSettings{}
	for _, ts := range overrides {
		settings[ts.TenantID] = ts
	}

	d.mu.Lock()
	d.byKey = byKey
	d.byID = byID
	d.active = active
	d.settings = settings
	d.mu.Unlock()

	log.Debug().Int("trackers", len(byKey)).Int("overrides", len(settings)).Msg("directory refreshed")
	return nil
}

// Subscribe registers tracker for a tenant. Re-subscribing an active
// tracker reports a duplicate; a deactivated one is quietly revived.
func (d *Directory) Subscribe(tracker string, tenantID int64, typ db.TrackerType, actor string) (SubscribeStatus, error) {
	tracker = strings.TrimPrefix(strings.TrimSpace(tracker), "@")
	if tracker == "" {
		return "", errors.New("empty tracker")
	}
	if !db.ValidTrackerType(typ) {
		return "", errors.New("unknown tracker type " + string(typ))
	}

	existing, err := d.store.GetSubscription(tracker, tenantID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	if existing != nil && existing.Active {
		return SubscribeDuplicate, nil
	}

	count, err := d.store.CountActiveSubscriptions(tenantID)
	if err != nil {
		return "", err
	}
	if count >= MaxTrackersPerTenant {
		return SubscribeMax, nil
	}

	if err := d.store.UpsertSubscription(tracker, tenantID, typ, actor); err != nil {
		return "", err
	}
	if err := d.Refresh(); err != nil {
		return "", err
	}
	log.Info().Str("tracker", tracker).Int64("tenant", tenantID).Str("type", string(typ)).Msg("➕ tracker subscribed")
	return SubscribeOK, nil
}

// Unsubscribe deactivates a tenant's tracker. It reports whether anything
// changed; cleanup of stored events is the caller's job.
func (d *Directory) Unsubscribe(tracker string, tenantID int64) (bool, error) {
	tracker = strings.TrimPrefix(strings.TrimSpace(tracker), "@")
	removed, err := d.store.DeactivateSubscription(tracker, tenantID)
	if err != nil {
		return false, err
	}
	if removed {
		if err := d.Refresh(); err != nil {
			return true, err
		}
		log.Info().Str("tracker", tracker).Int64("tenant", tenantID).Msg("➖ tracker unsubscribed")
	}
	return removed, nil
}

// ListActiveTrackers returns every tracker at least one tenant follows.
func (d *Directory) ListActiveTrackers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, len(d.active))
	copy(out, d.active)
	return out
}

// GetSubscribers returns the tenants following a tracker, matched
// case-insensitively.
func (d *Directory) GetSubscribers(tracker string) []Subscriber {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.byKey[normalizeTracker(tracker)]
	if !ok {
		return nil
	}
	return append([]Subscriber(nil), e.subs...)
}

// MatchSender resolves an inbound sender against the directory. Numeric id
// wins, then the handle, then the id spelled out as the subscribed name
// (tenants sometimes subscribe by raw channel id). NeedsIDBind is set when
// the entry matched by name and has no platform id recorded yet.
func (d *Directory) MatchSender(senderID int64, handle string) *Match {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if senderID != 0 {
		if e, ok := d.byID[senderID]; ok {
			return matchOf(e)
		}
	}
	if handle != "" {
		if e, ok := d.byKey[normalizeTracker(handle)]; ok {
			return matchOf(e)
		}
	}
	if senderID != 0 {
		if e, ok := d.byKey[strconv.FormatInt(senderID, 10)]; ok {
			return matchOf(e)
		}
	}
	return nil
}

func matchOf(e *entry) *Match {
	return &Match{
		Tracker:     e.tracker,
		NeedsIDBind: e.trackerID == 0,
		Subscribers: append([]Subscriber(nil), e.subs...),
	}
}

// BindTrackerID records the platform id for a name-subscribed tracker so
// later messages resolve without a handle.
func (d *Directory) BindTrackerID(tracker string, trackerID int64) error {
	if trackerID == 0 {
		return nil
	}
	if err := d.store.BindTrackerID(tracker, trackerID); err != nil {
		return err
	}

	d.mu.Lock()
	if e, ok := d.byKey[normalizeTracker(tracker)]; ok {
		e.trackerID = trackerID
		d.byID[trackerID] = e
	}
	d.mu.Unlock()

	log.Debug().Str("tracker", tracker).Int64("id", trackerID).Msg("tracker id bound")
	return nil
}

// Settings returns the tenant's detection settings, falling back to the
// configured defaults when the tenant never changed anything.
func (d *Directory) Settings(tenantID int64) db.TenantSettings {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if ts, ok := d.settings[tenantID]; ok {
		return ts
	}
	return db.TenantSettings{
		TenantID:      tenantID,
		MinWallets:    d.defaultMin,
		WindowMinutes: d.defaultWindow,
	}
}

// UpdateSettings persists new detection settings for a tenant, clamped to
// the allowed ranges, and returns what was stored.
func (d *Directory) UpdateSettings(tenantID int64, minWallets, windowMinutes int) (db.TenantSettings, error) {
	ts := db.TenantSettings{
		TenantID:      tenantID,
		MinWallets:    minWallets,
		WindowMinutes: windowMinutes,
	}.Clamp()

	if err := d.store.UpsertTenantSettings(ts); err != nil {
		return db.TenantSettings{}, err
	}

	d.mu.Lock()
	d.settings[tenantID] = ts
	d.mu.Unlock()

	log.Info().Int64("tenant", tenantID).Int("min_wallets", ts.MinWallets).Int("window_minutes", ts.WindowMinutes).Msg("⚙️ tenant settings updated")
	return ts, nil
}

func normalizeTracker(name string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "@"))
}
