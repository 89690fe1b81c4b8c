package db

import (
	"strings"
	"time"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type TrackerType string

const (
	TypeA TrackerType = "A" // swap-glyph format (🔔 label, Swapped X #QUOTE for Y #TOKEN)
	TypeB TrackerType = "B" // explorer format (label: Token Buy, Sent/Received, backtick mint)
	TypeC TrackerType = "C" // header format (🟢 BUY SYM, mint on last line)
)

func ValidTrackerType(t TrackerType) bool {
	return t == TypeA || t == TypeB || t == TypeC
}

// ---- Core Models ----

// Transaction is one normalized trade event parsed from tracker text.
// TokenAddress is the canonical identity whenever present; TokenSymbol is
// fallback only.
type Transaction struct {
	WalletLabel   string    `json:"wallet_label"`
	WalletAddress string    `json:"wallet_address"`
	Side          Side      `json:"side"`
	TokenSymbol   string    `json:"token_symbol"`
	TokenAddress  string    `json:"token_address"`
	Amount        float64   `json:"amount"`       // token units
	QuoteAmount   float64   `json:"quote_amount"` // quote units
	QuoteSymbol   string    `json:"quote_symbol"` // SOL, ETH, USDC, USDT
	USDValue      float64   `json:"usd_value"`
	MarketCap     float64   `json:"market_cap"`
	Timestamp     time.Time `json:"timestamp"`
}

// TokenKey is the bucket identity: address when present, otherwise the
// normalized symbol. Symbol-keyed and address-keyed buckets never merge.
func (t *Transaction) TokenKey() string {
	if t.TokenAddress != "" {
		return t.TokenAddress
	}
	return "sym:" + strings.ToUpper(t.TokenSymbol)
}

// WalletKey is the distinct-wallet identity: address when present, otherwise
// the case-folded label.
func (t *Transaction) WalletKey() string {
	if t.WalletAddress != "" {
		return t.WalletAddress
	}
	return strings.ToLower(t.WalletLabel)
}

func (t *Transaction) HasTokenIdentity() bool {
	return t.TokenAddress != "" || t.TokenSymbol != ""
}

type Subscription struct {
	ID        int64       `json:"id"`
	Tracker   string      `json:"tracker"`    // handle, matched case-insensitively
	TrackerID int64       `json:"tracker_id"` // platform id, 0 until first observation
	TenantID  int64       `json:"tenant_id"`
	Type      TrackerType `json:"type"`
	Active    bool        `json:"active"`
	SetupBy   string      `json:"setup_by"`
	CreatedAt time.Time   `json:"created_at"`
}

type TenantSettings struct {
	TenantID      int64     `json:"tenant_id"`
	MinWallets    int       `json:"min_wallets"`    // [2,10]
	WindowMinutes int       `json:"window_minutes"` // [60,2880]
	UpdatedAt     time.Time `json:"updated_at"`
}

func (s TenantSettings) Window() time.Duration {
	return time.Duration(s.WindowMinutes) * time.Minute
}

// Clamp forces the settings into their allowed ranges.
func (s TenantSettings) Clamp() TenantSettings {
	if s.MinWallets < 2 {
		s.MinWallets = 2
	}
	if s.MinWallets > 10 {
		s.MinWallets = 10
	}
	if s.WindowMinutes < 60 {
		s.WindowMinutes = 60
	}
	if s.WindowMinutes > 2880 {
		s.WindowMinutes = 2880
	}
	return s
}

// ConfluenceWallet is one distinct wallet inside a detection, taken from its
// first contributing event. Tracker records which subscription fed it.
type ConfluenceWallet struct {
	Label       string    `json:"label"`
	Address     string    `json:"address"`
	Side        Side      `json:"side"`
	Amount      float64   `json:"amount"`
	QuoteAmount float64   `json:"quote_amount"`
	QuoteSymbol string    `json:"quote_symbol"`
	Tracker     string    `json:"tracker"`
	Timestamp   time.Time `json:"timestamp"`
}

type Confluence struct {
	ID                 int64              `json:"id"`
	TenantID           int64              `json:"tenant_id"`
	TokenSymbol        string             `json:"token_symbol"`
	TokenAddress       string             `json:"token_address"`
	DetectionTime      time.Time          `json:"detection_time"`
	DetectionMarketCap float64            `json:"detection_market_cap"`
	WalletCount        int                `json:"wallet_count"`
	Wallets            []ConfluenceWallet `json:"wallets"`
	FirstTxTime        time.Time          `json:"first_tx_time"`
}

func (c *Confluence) TokenKey() string {
	if c.TokenAddress != "" {
		return c.TokenAddress
	}
	return "sym:" + strings.ToUpper(c.TokenSymbol)
}

// ---- Analyzer Results ----

type EarlyDrop struct {
	ThresholdPct         int     `json:"threshold_pct"` // 20, 30, 40, 50
	MinutesFromDetection float64 `json:"minutes_from_detection"`
}

type ATHResult struct {
	TokenAddress          string      `json:"token_address"`
	InitialPrice          float64     `json:"initial_price"`
	ATHPrice              float64     `json:"ath_price"`
	ATHTime               time.Time   `json:"ath_time"`
	PercentGain           float64     `json:"percent_gain"`
	MinutesToATH          float64     `json:"minutes_to_ath"`
	MinPriceBeforeATH     float64     `json:"min_price_before_ath"`
	MinutesToMinBeforeATH float64     `json:"minutes_to_min_before_ath"`
	EarlyDrops            []EarlyDrop `json:"early_drops"`
	Drop50Detected        bool        `json:"drop50_detected"`
	Drop50Time            *time.Time  `json:"drop50_time,omitempty"`
	DataPoints            int         `json:"data_points"`
}

// QuickDump reports whether the token halved within two hours of detection
// while its best gain stayed under 50%.
func (r *ATHResult) QuickDump(detection time.Time) bool {
	if r == nil || !r.Drop50Detected || r.Drop50Time == nil {
		return false
	}
	return r.Drop50Time.Sub(detection) <= 2*time.Hour && r.PercentGain < 50
}
