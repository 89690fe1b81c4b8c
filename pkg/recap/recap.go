// Package recap consolidates stored confluences with their post-detection
// price trajectories into a per-tenant performance view.
package recap

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/confluence-tracker/pkg/analyzer"
	"github.com/confluence-tracker/pkg/db"
	"github.com/confluence-tracker/pkg/extractor"
	"github.com/confluence-tracker/pkg/scanner"
)

const buildDeadline = 5 * time.Minute

// earlyWalletWeight boosts the first two distinct wallets of a detection
// in the scorecard. They are the signal; everyone after confirms it.
const earlyWalletWeight = 1.5

// GainBuckets is the fixed histogram of the report, worst to best.
var GainBuckets = []string{
	"≤-75%", "-75..-50%", "-50..0%", "0..50%", "50..100%",
	"100..200%", "200..500%", "500..1000%", "≥1000%",
}

// ConfluenceSource is the slice of the store the aggregator reads.
type ConfluenceSource interface {
	ListConfluences(tenantID int64, from, to time.Time) ([]db.Confluence, error)
}

type Aggregator struct {
	store ConfluenceSource
	ath   *analyzer.Analyzer
}

func New(store ConfluenceSource, ath *analyzer.Analyzer) *Aggregator {
	return &Aggregator{store: store, ath: ath}
}

type Report struct {
	TenantID    int64          `json:"tenant_id"`
	WindowHours int            `json:"window_hours"`
	GeneratedAt time.Time      `json:"generated_at"`
	Total       int            `json:"total"`
	Analyzed    int            `json:"analyzed"`
	Tokens      []TokenRecap   `json:"tokens"`
	Buckets     []BucketCount  `json:"buckets"`
	QuickDumps  int            `json:"quick_dumps"`
	Wallets     []WalletScore  `json:"wallets"`
	HitRate     float64        `json:"hit_rate_pct"`
	MedianGain  float64        `json:"median_gain_pct"`
	MeanGain    float64        `json:"mean_gain_pct"`
	SkipReasons map[string]int `json:"skip_reasons,omitempty"`
}

type TokenRecap struct {
	Symbol        string    `json:"symbol"`
	Address       string    `json:"address,omitempty"`
	DetectionTime time.Time `json:"detection_time"`
	DetectionMC   float64   `json:"detection_mc"`
	WalletCount   int       `json:"wallet_count"`
	Analyzed      bool      `json:"analyzed"`
	Gain          float64   `json:"gain_pct"`
	MinutesToATH  float64   `json:"minutes_to_ath"`
	QuickDump     bool      `json:"quick_dump"`
}

type BucketCount struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// WalletScore ranks a wallet across the window. Score is the weighted
// average gain of its detections; Early counts the ones where it was among
// the first two wallets in.
type WalletScore struct {
	Label   string  `json:"label"`
	Signals int     `json:"signals"`
	Early   int     `json:"early"`
	Score   float64 `json:"score"`
	AvgGain float64 `json:"avg_gain_pct"`

	sumGain  float64
	weighted float64
}

// Build assembles the recap for one tenant over the trailing window. The
// window is clamped to [1, 168] hours. The report is pure over the stored
// confluences and the analyzer output.
func (g *Aggregator) Build(ctx context.Context, tenantID int64, windowHours int) (*Report, error) {
	if windowHours < 1 {
		windowHours = 1
	}
	if windowHours > 168 {
		windowHours = 168
	}

	ctx, cancel := context.WithTimeout(ctx, buildDeadline)
	defer cancel()

	now := time.Now()
	confs, err := g.store.ListConfluences(tenantID, now.Add(-time.Duration(windowHours)*time.Hour), now)
	if err != nil {
		return nil, err
	}

	report := &Report{
		TenantID:    tenantID,
		WindowHours: windowHours,
		GeneratedAt: now,
		Total:       len(confs),
		Buckets:     emptyBuckets(),
		SkipReasons: map[string]int{},
	}
	if len(confs) == 0 {
		return report, nil
	}

	rows := make([]TokenRecap, len(confs))
	var tasks []analyzer.Task
	var taskConf []int // task index -> confs index
	for i, c := range confs {
		rows[i] = tokenRow(c, nil)
		if !extractor.ValidTokenAddress(c.TokenAddress) {
			report.SkipReasons["no token address"]++
			continue
		}
		tasks = append(tasks, analyzer.Task{
			TokenAddress: c.TokenAddress,
			Detection:    c.DetectionTime,
			DetectionMC:  c.DetectionMarketCap,
		})
		taskConf = append(taskConf, i)
	}

	results, errs := g.ath.AnalyzeBatch(ctx, tasks, now)

	var gains []float64
	hits := 0
	walletAgg := map[string]*WalletScore{}

	for ti, res := range results {
		ci := taskConf[ti]
		c := confs[ci]
		if res == nil {
			report.SkipReasons[skipReason(errs[ti])]++
			continue
		}

		report.Analyzed++
		rows[ci] = tokenRow(c, res)
		report.Buckets[bucketIndex(res.PercentGain)].Count++
		if res.QuickDump(c.DetectionTime) {
			report.QuickDumps++
		}
		if res.PercentGain >= 100 {
			hits++
		}
		gains = append(gains, res.PercentGain)
		creditWallets(walletAgg, c, res)
	}

	// Leaderboard order: analyzed tokens by gain, the rest trailing in
	// detection order.
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Analyzed != rows[j].Analyzed {
			return rows[i].Analyzed
		}
		return rows[i].Gain > rows[j].Gain
	})
	report.Tokens = rows

	if len(gains) > 0 {
		sort.Float64s(gains)
		report.HitRate = float64(hits) / float64(len(gains)) * 100
		report.MedianGain = gains[len(gains)/2]
		report.MeanGain = avg(gains)
	}
	report.Wallets = rankWallets(walletAgg)

	log.Info().Int64("tenant", tenantID).Int("analyzed", report.Analyzed).
		Int("total", report.Total).Int("hours", windowHours).Msg("📊 recap built")
	return report, nil
}

func tokenRow(c db.Confluence, res *db.ATHResult) TokenRecap {
	row := TokenRecap{
		Symbol:        c.TokenSymbol,
		Address:       c.TokenAddress,
		DetectionTime: c.DetectionTime,
		DetectionMC:   c.DetectionMarketCap,
		WalletCount:   c.WalletCount,
	}
	if res != nil {
		row.Analyzed = true
		row.Gain = res.PercentGain
		row.MinutesToATH = res.MinutesToATH
		row.QuickDump = res.QuickDump(c.DetectionTime)
	}
	return row
}

func creditWallets(agg map[string]*WalletScore, c db.Confluence, res *db.ATHResult) {
	for i, w := range c.Wallets {
		key := w.Label
		if key == "" {
			key = w.Address
		}
		if key == "" {
			continue
		}
		ws := agg[key]
		if ws == nil {
			ws = &WalletScore{Label: key}
			agg[key] = ws
		}
		weight := 1.0
		if i < 2 {
			weight = earlyWalletWeight
			ws.Early++
		}
		ws.Signals++
		ws.sumGain += res.PercentGain
		ws.weighted += weight * res.PercentGain
	}
}

func rankWallets(agg map[string]*WalletScore) []WalletScore {
	out := make([]WalletScore, 0, len(agg))
	for _, ws := range agg {
		ws.AvgGain = ws.sumGain / float64(ws.Signals)
		ws.Score = ws.weighted / float64(ws.Signals)
		out = append(out, *ws)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Signals != out[j].Signals {
			return out[i].Signals > out[j].Signals
		}
		return out[i].Label < out[j].Label
	})
	return out
}

func bucketIndex(gain float64) int {
	switch {
	case gain <= -75:
		return 0
	case gain <= -50:
		return 1
	case gain <= 0:
		return 2
	case gain <= 50:
		return 3
	case gain <= 100:
		return 4
	case gain <= 200:
		return 5
	case gain <= 500:
		return 6
	case gain <= 1000:
		return 7
	default:
		return 8
	}
}

func emptyBuckets() []BucketCount {
	out := make([]BucketCount, len(GainBuckets))
	for i, label := range GainBuckets {
		out[i] = BucketCount{Label: label}
	}
	return out
}

func skipReason(err error) string {
	if err == nil {
		return "no price data"
	}
	var apiErr *scanner.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return "rate limited"
		case apiErr.StatusCode < 500:
			return "unknown token"
		default:
			return "price API error"
		}
	}
	return "unanalyzable token"
}

func avg(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	s := 0.0
	for _, x := range v {
		s += x
	}
	return s / float64(len(v))
}
