// Package analyzer computes post-detection price trajectories. The scan is
// phased: fine resolution right after detection where volatility is
// highest, coarser later where a flat tail would burn the API budget for
// nothing.
package analyzer

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/confluence-tracker/pkg/db"
	"github.com/confluence-tracker/pkg/extractor"
	"github.com/confluence-tracker/pkg/scanner"
)

// PriceHistory is the slice of the price client the analyzer needs.
type PriceHistory interface {
	History(ctx context.Context, tokenAddress string, from, to time.Time, res scanner.Resolution) ([]scanner.PricePoint, error)
}

type phase struct {
	start time.Duration // offset from detection
	end   time.Duration
	res   scanner.Resolution
}

var phases = []phase{
	{0, 30 * time.Minute, scanner.Res5m},
	{30 * time.Minute, 2 * time.Hour, scanner.Res15m},
	{2 * time.Hour, 48 * time.Hour, scanner.Res30m},
}

var dropThresholds = []int{20, 30, 40, 50}

type Analyzer struct {
	prices     PriceHistory
	batchSize  int
	groupDelay time.Duration
}

func New(prices PriceHistory) *Analyzer {
	return &Analyzer{prices: prices, batchSize: 3, groupDelay: time.Second}
}

// Analyze scans the price history after a detection and reports the peak
// plus every drop threshold crossed on the way. The scan terminates at the
// first sample at or below half the initial price; nothing past that
// timestamp is consumed. Returns nil when the token has no usable phase-1
// data.
func (a *Analyzer) Analyze(ctx context.Context, tokenAddress string, detection time.Time, detectionMC float64, end time.Time) (*db.ATHResult, error) {
	if !extractor.ValidTokenAddress(tokenAddress) {
		return nil, fmt.Errorf("unanalyzable token address %q", tokenAddress)
	}

	result := &db.ATHResult{TokenAddress: tokenAddress}
	var history []scanner.PricePoint
	crossed := map[int]bool{}

	for i, ph := range phases {
		phaseFrom := detection.Add(ph.start)
		phaseTo := detection.Add(ph.end)
		if phaseTo.After(end) {
			phaseTo = end
		}
		if !phaseTo.After(phaseFrom) {
			break
		}

		points, err := a.prices.History(ctx, tokenAddress, phaseFrom, phaseTo, ph.res)
		if err != nil {
			if len(history) == 0 {
				return nil, err
			}
			// Later phases only refine the result; keep what we have.
			log.Warn().Err(err).Str("token", abbrev(tokenAddress)).
				Msg("phase fetch failed, keeping partial history")
			break
		}

		for _, pt := range points {
			price := pt.Value
			ts := time.Unix(pt.UnixTime, 0)

			if result.DataPoints == 0 {
				if price <= 0 {
					return nil, nil
				}
				result.InitialPrice = price
			}

			history = append(history, pt)
			result.DataPoints++

			if price > result.ATHPrice {
				result.ATHPrice = price
				result.ATHTime = ts
				// A fresh peak resets the drawdown: recompute the low over
				// everything seen strictly before it.
				a.rescanMinBefore(result, history, pt.UnixTime, detection)
			}

			dropPct := (result.InitialPrice - price) / result.InitialPrice * 100
			for _, threshold := range dropThresholds {
				if dropPct >= float64(threshold) && !crossed[threshold] {
					crossed[threshold] = true
					result.EarlyDrops = append(result.EarlyDrops, db.EarlyDrop{
						ThresholdPct:         threshold,
						MinutesFromDetection: ts.Sub(detection).Minutes(),
					})
				}
			}

			if price <= 0.5*result.InitialPrice {
				result.Drop50Detected = true
				result.Drop50Time = &ts
				break
			}
		}

		if i == 0 && result.DataPoints == 0 {
			return nil, nil
		}
		if result.Drop50Detected {
			break
		}
	}

	if result.DataPoints == 0 {
		return nil, nil
	}

	result.PercentGain = (result.ATHPrice - result.InitialPrice) / result.InitialPrice * 100
	result.MinutesToATH = result.ATHTime.Sub(detection).Minutes()

	log.Info().Str("token", abbrev(tokenAddress)).
		Float64("gain_pct", result.PercentGain).
		Float64("mc_at_detection", detectionMC).
		Int("points", result.DataPoints).
		Bool("halved", result.Drop50Detected).
		Msg("📈 ATH scan finished")
	return result, nil
}

func (a *Analyzer) rescanMinBefore(result *db.ATHResult, history []scanner.PricePoint, maxUnix int64, detection time.Time) {
	minVal := math.MaxFloat64
	var minUnix int64
	for _, prev := range history {
		if prev.UnixTime < maxUnix && prev.Value < minVal {
			minVal = prev.Value
			minUnix = prev.UnixTime
		}
	}
	if minVal == math.MaxFloat64 {
		// The peak is the earliest sample; the drawdown window is empty.
		minVal = history[0].Value
		minUnix = history[0].UnixTime
	}
	result.MinPriceBeforeATH = minVal
	result.MinutesToMinBeforeATH = time.Unix(minUnix, 0).Sub(detection).Minutes()
}

// Task is one token scheduled for a batch scan.
type Task struct {
	TokenAddress string
	Detection    time.Time
	DetectionMC  float64
}

// AnalyzeBatch runs tasks sequentially in groups of three with a pause
// between groups. Sequential on purpose: with one request in flight the
// rate budget stays predictable. Both returned slices are index-aligned
// with tasks; a task that failed keeps its error, one with no usable data
// leaves both slots nil.
func (a *Analyzer) AnalyzeBatch(ctx context.Context, tasks []Task, end time.Time) ([]*db.ATHResult, []error) {
	results := make([]*db.ATHResult, len(tasks))
	errs := make([]error, len(tasks))
	for i, task := range tasks {
		if i > 0 && i%a.batchSize == 0 {
			select {
			case <-time.After(a.groupDelay):
			case <-ctx.Done():
				return results, errs
			}
		}

		res, err := a.Analyze(ctx, task.TokenAddress, task.Detection, task.DetectionMC, end)
		if err != nil {
			log.Warn().Err(err).Str("token", abbrev(task.TokenAddress)).Msg("ATH scan failed")
			errs[i] = err
			continue
		}
		results[i] = res
	}
	return results, errs
}

func abbrev(a string) string {
	if len(a) > 12 {
		return a[:6] + "..." + a[len(a)-4:]
	}
	return a
}
