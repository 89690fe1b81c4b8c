package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS subscriptions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    tracker TEXT NOT NULL COLLATE NOCASE,
    tracker_id INTEGER DEFAULT 0,
    tenant_id INTEGER NOT NULL,
    tracker_type TEXT NOT NULL,
    active BOOLEAN DEFAULT TRUE,
    setup_by TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(tracker, tenant_id)
);

CREATE TABLE IF NOT EXISTS tenant_settings (
    tenant_id INTEGER PRIMARY KEY,
    min_wallets INTEGER NOT NULL DEFAULT 2,
    window_minutes INTEGER NOT NULL DEFAULT 1440,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS transactions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    tenant_id INTEGER NOT NULL,
    tracker TEXT,
    wallet_label TEXT NOT NULL,
    wallet_address TEXT,
    side TEXT NOT NULL,
    token_symbol TEXT,
    token_address TEXT,
    token_key TEXT NOT NULL,
    amount REAL DEFAULT 0,
    quote_amount REAL DEFAULT 0,
    quote_symbol TEXT DEFAULT 'SOL',
    usd_value REAL DEFAULT 0,
    market_cap REAL DEFAULT 0,
    ts TIMESTAMP NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(tenant_id, ts, wallet_label, token_key)
);

CREATE TABLE IF NOT EXISTS confluences (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    tenant_id INTEGER NOT NULL,
    token_symbol TEXT,
    token_address TEXT,
    token_key TEXT NOT NULL,
    detection_ts TIMESTAMP NOT NULL,
    detection_market_cap REAL DEFAULT 0,
    wallet_count INTEGER NOT NULL,
    wallets TEXT NOT NULL DEFAULT '[]',
    first_tx_ts TIMESTAMP,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(tenant_id, token_key, detection_ts)
);

CREATE INDEX IF NOT EXISTS idx_sub_tenant ON subscriptions(tenant_id);
CREATE INDEX IF NOT EXISTS idx_sub_active ON subscriptions(active);
CREATE INDEX IF NOT EXISTS idx_tx_tenant_time ON transactions(tenant_id, ts);
CREATE INDEX IF NOT EXISTS idx_tx_token ON transactions(token_key);
CREATE INDEX IF NOT EXISTS idx_conf_tenant_time ON confluences(tenant_id, detection_ts);
CREATE INDEX IF NOT EXISTS idx_conf_time ON confluences(detection_ts);
`

type Store struct {
	db *sql.DB
}

func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ---- Subscriptions ----

func (s *Store) UpsertSubscription(tracker string, tenantID int64, typ TrackerType, setupBy string) error {
	_, err := s.db.Exec(`
		INSERT INTO subscriptions (tracker, tenant_id, tracker_type, active, setup_by)
		VALUES (?, ?, ?, TRUE, ?)
		ON CONFLICT(tracker, tenant_id) DO UPDATE SET
			active = TRUE,
			tracker_type = excluded.tracker_type,
			setup_by = excluded.setup_by`,
		tracker, tenantID, string(typ), setupBy)
	return err
}

func (s *Store) DeactivateSubscription(tracker string, tenantID int64) (bool, error) {
	res, err := s.db.Exec(`UPDATE subscriptions SET active=FALSE WHERE tracker=? AND tenant_id=? AND active=TRUE`,
		tracker, tenantID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) GetSubscription(tracker string, tenantID int64) (*Subscription, error) {
	var sub Subscription
	var typ string
	err := s.db.QueryRow(`
		SELECT id, tracker, tracker_id, tenant_id, tracker_type, active, COALESCE(setup_by,''), created_at
		FROM subscriptions WHERE tracker=? AND tenant_id=?`, tracker, tenantID).
		Scan(&sub.ID, &sub.Tracker, &sub.TrackerID, &sub.TenantID, &typ, &sub.Active, &sub.SetupBy, &sub.CreatedAt)
	if err != nil {
		return nil, err
	}
	sub.Type = TrackerType(typ)
	return &sub, nil
}

func (s *Store) ListActiveSubscriptions() ([]Subscription, error) {
	rows, err := s.db.Query(`
		SELECT id, tracker, tracker_id, tenant_id, tracker_type, active, COALESCE(setup_by,''), created_at
		FROM subscriptions WHERE active=TRUE ORDER BY tracker, tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		var sub Subscription
		var typ string
		if err := rows.Scan(&sub.ID, &sub.Tracker, &sub.TrackerID, &sub.TenantID, &typ, &sub.Active, &sub.SetupBy, &sub.CreatedAt); err != nil {
			continue
		}
		sub.Type = TrackerType(typ)
		subs = append(subs, sub)
	}
	return subs, nil
}

func (s *Store) CountActiveSubscriptions(tenantID int64) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM subscriptions WHERE tenant_id=? AND active=TRUE`, tenantID).Scan(&n)
	return n, err
}

// BindTrackerID backfills the platform id once a handle resolves upstream.
func (s *Store) BindTrackerID(tracker string, trackerID int64) error {
	_, err := s.db.Exec(`UPDATE subscriptions SET tracker_id=? WHERE tracker=? AND tracker_id=0`, trackerID, tracker)
	return err
}

// ---- Tenant Settings ----

func (s *Store) GetTenantSettings(tenantID int64) (TenantSettings, error) {
	var ts TenantSettings
	err := s.db.QueryRow(`SELECT tenant_id, min_wallets, window_minutes, updated_at FROM tenant_settings WHERE tenant_id=?`,
		tenantID).Scan(&ts.TenantID, &ts.MinWallets, &ts.WindowMinutes, &ts.UpdatedAt)
	if err != nil {
		return TenantSettings{}, err
	}
	return ts, nil
}

func (s *Store) UpsertTenantSettings(settings TenantSettings) error {
	settings = settings.Clamp()
	_, err := s.db.Exec(`
		INSERT INTO tenant_settings (tenant_id, min_wallets, window_minutes, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(tenant_id) DO UPDATE SET
			min_wallets = excluded.min_wallets,
			window_minutes = excluded.window_minutes,
			updated_at = CURRENT_TIMESTAMP`,
		settings.TenantID, settings.MinWallets, settings.WindowMinutes)
	return err
}

func (s *Store) ListTenantSettings() ([]TenantSettings, error) {
	rows, err := s.db.Query(`SELECT tenant_id, min_wallets, window_minutes, updated_at FROM tenant_settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TenantSettings
	for rows.Next() {
		var ts TenantSettings
		if err := rows.Scan(&ts.TenantID, &ts.MinWallets, &ts.WindowMinutes, &ts.UpdatedAt); err != nil {
			continue
		}
		out = append(out, ts)
	}
	return out, nil
}

// ---- Transactions ----

// InsertTransaction is idempotent on (tenant, ts, wallet_label, token_key)
// so replays never double-store an event.
func (s *Store) InsertTransaction(tenantID int64, tracker string, tx Transaction) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO transactions
		(tenant_id, tracker, wallet_label, wallet_address, side, token_symbol, token_address, token_key,
		 amount, quote_amount, quote_symbol, usd_value, market_cap, ts)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		tenantID, tracker, tx.WalletLabel, tx.WalletAddress, string(tx.Side), tx.TokenSymbol, tx.TokenAddress,
		tx.TokenKey(), tx.Amount, tx.QuoteAmount, tx.QuoteSymbol, tx.USDValue, tx.MarketCap, tx.Timestamp)
	return err
}

func (s *Store) PurgeTransactionsBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM transactions WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- Confluences ----

// InsertConfluence reports whether the row was actually inserted; a false
// return with nil error means an identical detection already exists.
func (s *Store) InsertConfluence(c Confluence) (bool, error) {
	walletsJSON, _ := json.Marshal(c.Wallets)
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO confluences
		(tenant_id, token_symbol, token_address, token_key, detection_ts, detection_market_cap, wallet_count, wallets, first_tx_ts)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		c.TenantID, c.TokenSymbol, c.TokenAddress, c.TokenKey(), c.DetectionTime, c.DetectionMarketCap,
		c.WalletCount, string(walletsJSON), c.FirstTxTime)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) HasConfluence(tenantID int64, tokenKey string, detection time.Time) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM confluences WHERE tenant_id=? AND token_key=? AND detection_ts=?`,
		tenantID, tokenKey, detection).Scan(&n)
	return n > 0, err
}

// LastDetection returns the most recent detection time recorded for a token
// within a tenant, or the zero time when none exists.
func (s *Store) LastDetection(tenantID int64, tokenKey string) (time.Time, error) {
	var ts sql.NullTime
	err := s.db.QueryRow(`SELECT MAX(detection_ts) FROM confluences WHERE tenant_id=? AND token_key=?`,
		tenantID, tokenKey).Scan(&ts)
	if err != nil || !ts.Valid {
		return time.Time{}, err
	}
	return ts.Time, nil
}

func (s *Store) ListConfluences(tenantID int64, from, to time.Time) ([]Confluence, error) {
	rows, err := s.db.Query(`
		SELECT id, tenant_id, COALESCE(token_symbol,''), COALESCE(token_address,''), detection_ts,
		       detection_market_cap, wallet_count, wallets, COALESCE(first_tx_ts, detection_ts)
		FROM confluences WHERE tenant_id=? AND detection_ts >= ? AND detection_ts <= ?
		ORDER BY detection_ts ASC`, tenantID, from, to)
	if err != nil {
		return nil, err
	}
	return scanConfluences(rows)
}

func (s *Store) ListRecentConfluences(since time.Time, limit int) ([]Confluence, error) {
	rows, err := s.db.Query(`
		SELECT id, tenant_id, COALESCE(token_symbol,''), COALESCE(token_address,''), detection_ts,
		       detection_market_cap, wallet_count, wallets, COALESCE(first_tx_ts, detection_ts)
		FROM confluences WHERE detection_ts >= ?
		ORDER BY detection_ts DESC LIMIT ?`, since, limit)
	if err != nil {
		return nil, err
	}
	return scanConfluences(rows)
}

func scanConfluences(rows *sql.Rows) ([]Confluence, error) {
	defer rows.Close()
	var out []Confluence
	for rows.Next() {
		var c Confluence
		var walletsJSON string
		if err := rows.Scan(&c.ID, &c.TenantID, &c.TokenSymbol, &c.TokenAddress, &c.DetectionTime,
			&c.DetectionMarketCap, &c.WalletCount, &walletsJSON, &c.FirstTxTime); err != nil {
			continue
		}
		if err := json.Unmarshal([]byte(walletsJSON), &c.Wallets); err != nil {
			c.Wallets = nil
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) PurgeConfluencesBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM confluences WHERE detection_ts < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PurgeTrackerData removes a tenant's stored events for one tracker, plus any
// confluence whose every wallet entry came from that tracker. Multi-tracker
// confluences stay.
func (s *Store) PurgeTrackerData(tenantID int64, tracker string) error {
	if _, err := s.db.Exec(`DELETE FROM transactions WHERE tenant_id=? AND tracker=?`, tenantID, tracker); err != nil {
		return err
	}

	confs, err := s.ListConfluences(tenantID, time.Time{}, time.Now().Add(time.Hour))
	if err != nil {
		return err
	}
	lower := strings.ToLower(tracker)
	for _, c := range confs {
		if len(c.Wallets) == 0 {
			continue
		}
		all := true
		for _, w := range c.Wallets {
			if strings.ToLower(w.Tracker) != lower {
				all = false
				break
			}
		}
		if all {
			if _, err := s.db.Exec(`DELETE FROM confluences WHERE id=?`, c.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// ---- Stats ----

func (s *Store) Stats() (map[string]int64, error) {
	stats := map[string]int64{}
	tables := []string{"subscriptions", "tenant_settings", "transactions", "confluences"}

	for _, t := range tables {
		var count int64
		if err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", t)).Scan(&count); err == nil {
			stats[t] = count
		}
	}

	var active int64
	s.db.QueryRow(`SELECT COUNT(*) FROM subscriptions WHERE active=TRUE`).Scan(&active)
	stats["active_subscriptions"] = active

	var tenants int64
	s.db.QueryRow(`SELECT COUNT(DISTINCT tenant_id) FROM subscriptions WHERE active=TRUE`).Scan(&tenants)
	stats["tenants"] = tenants

	return stats, nil
}
