package analyzer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/confluence-tracker/pkg/config"
	"github.com/confluence-tracker/pkg/scanner"
)

const bonkMint = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type sample struct {
	minute int
	value  float64
}

func pts(samples ...sample) []scanner.PricePoint {
	out := make([]scanner.PricePoint, len(samples))
	for i, s := range samples {
		out[i] = scanner.PricePoint{UnixTime: t0.Add(time.Duration(s.minute) * time.Minute).Unix(), Value: s.value}
	}
	return out
}

type histRequest struct {
	at       time.Time
	from, to time.Time
	res      scanner.Resolution
}

type scriptedHistory struct {
	mu       sync.Mutex
	requests []histRequest
	respond  func(n int) ([]scanner.PricePoint, error)
}

func (s *scriptedHistory) History(ctx context.Context, token string, from, to time.Time, res scanner.Resolution) ([]scanner.PricePoint, error) {
	s.mu.Lock()
	n := len(s.requests)
	s.requests = append(s.requests, histRequest{at: time.Now(), from: from, to: to, res: res})
	s.mu.Unlock()
	return s.respond(n)
}

func (s *scriptedHistory) calls() []histRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]histRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

func TestAnalyze_PhasedScanStopsAtHalvedPrice(t *testing.T) {
	hist := &scriptedHistory{respond: func(n int) ([]scanner.PricePoint, error) {
		switch n {
		case 0: // 0-30min at 5m, +200% monotone
			return pts(sample{0, 1.0}, sample{5, 1.4}, sample{10, 1.8}, sample{15, 2.2}, sample{20, 2.6}, sample{25, 2.8}, sample{30, 3.0}), nil
		case 1: // 30min-2h at 15m, flat
			return pts(sample{45, 3.0}, sample{60, 3.0}, sample{75, 3.0}, sample{90, 3.0}, sample{105, 3.0}, sample{120, 3.0}), nil
		default: // 2h-48h at 30m, halves at minute 170
			return pts(sample{150, 2.9}, sample{170, 0.45}, sample{200, 0.30}, sample{230, 0.20}), nil
		}
	}}

	a := New(hist)
	res, err := a.Analyze(context.Background(), bonkMint, t0, 250_000, t0.Add(48*time.Hour))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res == nil {
		t.Fatal("Analyze returned no result")
	}

	if res.InitialPrice != 1.0 || res.ATHPrice != 3.0 || res.PercentGain != 200 {
		t.Errorf("initial %.2f ath %.2f gain %.0f, want 1.00 / 3.00 / 200", res.InitialPrice, res.ATHPrice, res.PercentGain)
	}
	if res.MinutesToATH != 30 {
		t.Errorf("minutes to ATH = %.0f, want 30", res.MinutesToATH)
	}
	if !res.Drop50Detected || res.Drop50Time == nil || !res.Drop50Time.Equal(t0.Add(170*time.Minute)) {
		t.Errorf("drop50 = %v at %v, want detected at minute 170", res.Drop50Detected, res.Drop50Time)
	}
	// Samples behind the halving are never consumed.
	if res.DataPoints != 15 {
		t.Errorf("data points = %d, want 15 (scan stops at minute 170)", res.DataPoints)
	}
	if len(res.EarlyDrops) != 4 {
		t.Fatalf("early drops = %+v, want all four thresholds", res.EarlyDrops)
	}
	for _, d := range res.EarlyDrops {
		if d.MinutesFromDetection != 170 {
			t.Errorf("threshold %d crossed at %.0f, want 170", d.ThresholdPct, d.MinutesFromDetection)
		}
	}

	calls := hist.calls()
	if len(calls) != 3 {
		t.Fatalf("requests = %d, want exactly the three phases", len(calls))
	}
	wantRes := []scanner.Resolution{scanner.Res5m, scanner.Res15m, scanner.Res30m}
	for i, call := range calls {
		if call.res != wantRes[i] {
			t.Errorf("phase %d resolution = %s, want %s", i+1, call.res, wantRes[i])
		}
		if call.from.After(t0.Add(170 * time.Minute)) {
			t.Errorf("phase %d starts at %v, past the halving point", i+1, call.from)
		}
	}
}

func TestAnalyze_HalvingInPhaseOneSkipsLaterPhases(t *testing.T) {
	hist := &scriptedHistory{respond: func(n int) ([]scanner.PricePoint, error) {
		return pts(sample{0, 1.0}, sample{5, 0.45}), nil
	}}

	a := New(hist)
	res, err := a.Analyze(context.Background(), bonkMint, t0, 0, t0.Add(48*time.Hour))
	if err != nil || res == nil {
		t.Fatalf("Analyze = %v, %v", res, err)
	}
	if !res.Drop50Detected || !res.Drop50Time.Equal(t0.Add(5*time.Minute)) {
		t.Errorf("drop50 at %v, want minute 5", res.Drop50Time)
	}
	if got := len(hist.calls()); got != 1 {
		t.Errorf("requests = %d, want 1 (phases 2 and 3 skipped)", got)
	}
}

func TestAnalyze_MonotoneRise(t *testing.T) {
	hist := &scriptedHistory{respond: func(n int) ([]scanner.PricePoint, error) {
		return pts(sample{0, 1.0}, sample{10, 1.5}, sample{20, 2.0}, sample{30, 2.5}), nil
	}}

	a := New(hist)
	res, err := a.Analyze(context.Background(), bonkMint, t0, 0, t0.Add(30*time.Minute))
	if err != nil || res == nil {
		t.Fatalf("Analyze = %v, %v", res, err)
	}

	if res.ATHPrice != 2.5 || !res.ATHTime.Equal(t0.Add(30*time.Minute)) {
		t.Errorf("ath = %.2f at %v, want 2.5 at the last sample", res.ATHPrice, res.ATHTime)
	}
	if len(res.EarlyDrops) != 0 || res.Drop50Detected {
		t.Errorf("drops = %+v / %v, want none on a monotone rise", res.EarlyDrops, res.Drop50Detected)
	}
	if res.MinPriceBeforeATH != 1.0 || res.MinutesToMinBeforeATH != 0 {
		t.Errorf("min before ath = %.2f at %.0f min, want the initial sample", res.MinPriceBeforeATH, res.MinutesToMinBeforeATH)
	}
	if got := len(hist.calls()); got != 1 {
		t.Errorf("requests = %d, want 1 when the range ends with phase 1", got)
	}
}

func TestAnalyze_NewPeakRecomputesDrawdown(t *testing.T) {
	hist := &scriptedHistory{respond: func(n int) ([]scanner.PricePoint, error) {
		return pts(sample{0, 1.0}, sample{5, 0.6}, sample{10, 2.0}, sample{15, 1.8}), nil
	}}

	a := New(hist)
	res, err := a.Analyze(context.Background(), bonkMint, t0, 0, t0.Add(30*time.Minute))
	if err != nil || res == nil {
		t.Fatalf("Analyze = %v, %v", res, err)
	}

	if res.ATHPrice != 2.0 || res.MinutesToATH != 10 {
		t.Errorf("ath = %.2f at %.0f min, want 2.0 at 10", res.ATHPrice, res.MinutesToATH)
	}
	if res.MinPriceBeforeATH != 0.6 || res.MinutesToMinBeforeATH != 5 {
		t.Errorf("min before ath = %.2f at %.0f min, want the dip at minute 5", res.MinPriceBeforeATH, res.MinutesToMinBeforeATH)
	}
	// The dip crossed 20/30/40 but never 50.
	if len(res.EarlyDrops) != 3 || res.Drop50Detected {
		t.Errorf("early drops = %+v drop50 %v, want three thresholds at minute 5", res.EarlyDrops, res.Drop50Detected)
	}
	for _, d := range res.EarlyDrops {
		if d.MinutesFromDetection != 5 {
			t.Errorf("threshold %d at %.0f min, want 5", d.ThresholdPct, d.MinutesFromDetection)
		}
	}
}

func TestAnalyze_EmptyPhaseOneReturnsNil(t *testing.T) {
	hist := &scriptedHistory{respond: func(n int) ([]scanner.PricePoint, error) {
		return nil, nil
	}}

	a := New(hist)
	res, err := a.Analyze(context.Background(), bonkMint, t0, 0, t0.Add(48*time.Hour))
	if err != nil || res != nil {
		t.Fatalf("Analyze = %v, %v, want nil result without error", res, err)
	}
	if got := len(hist.calls()); got != 1 {
		t.Errorf("requests = %d, want 1 (no point asking for later phases)", got)
	}
}

func TestAnalyze_ZeroInitialPriceReturnsNil(t *testing.T) {
	hist := &scriptedHistory{respond: func(n int) ([]scanner.PricePoint, error) {
		return pts(sample{0, 0}, sample{5, 1.0}), nil
	}}

	a := New(hist)
	res, err := a.Analyze(context.Background(), bonkMint, t0, 0, t0.Add(48*time.Hour))
	if err != nil || res != nil {
		t.Fatalf("Analyze = %v, %v, want nil result without error", res, err)
	}
}

func TestAnalyze_SimulatedTokenSkipsNetwork(t *testing.T) {
	hist := &scriptedHistory{respond: func(n int) ([]scanner.PricePoint, error) {
		return pts(sample{0, 1.0}), nil
	}}

	a := New(hist)
	_, err := a.Analyze(context.Background(), config.SimulatedAddrPrefix+"1111111111111111111111111111", t0, 0, t0.Add(time.Hour))
	if err == nil {
		t.Fatal("simulated token accepted")
	}
	if got := len(hist.calls()); got != 0 {
		t.Errorf("requests = %d, want none", got)
	}
}

func TestAnalyze_FirstPhaseErrorPropagates(t *testing.T) {
	hist := &scriptedHistory{respond: func(n int) ([]scanner.PricePoint, error) {
		return nil, errors.New("api down")
	}}

	a := New(hist)
	if _, err := a.Analyze(context.Background(), bonkMint, t0, 0, t0.Add(48*time.Hour)); err == nil {
		t.Fatal("want error when phase 1 cannot be fetched")
	}
}

func TestAnalyze_LaterPhaseErrorKeepsPartialResult(t *testing.T) {
	hist := &scriptedHistory{respond: func(n int) ([]scanner.PricePoint, error) {
		if n == 0 {
			return pts(sample{0, 1.0}, sample{30, 2.0}), nil
		}
		return nil, errors.New("api down")
	}}

	a := New(hist)
	res, err := a.Analyze(context.Background(), bonkMint, t0, 0, t0.Add(48*time.Hour))
	if err != nil || res == nil {
		t.Fatalf("Analyze = %v, %v, want partial result", res, err)
	}
	if res.ATHPrice != 2.0 || res.DataPoints != 2 {
		t.Errorf("partial result = %+v, want phase-1 data only", res)
	}
}

func TestAnalyzeBatch_ResultsAlignWithTasks(t *testing.T) {
	hist := &scriptedHistory{respond: func(n int) ([]scanner.PricePoint, error) {
		if n == 0 {
			return pts(sample{0, 1.0}, sample{10, 1.2}), nil
		}
		return nil, nil
	}}

	a := New(hist)
	tasks := []Task{
		{TokenAddress: bonkMint, Detection: t0},
		{TokenAddress: config.SimulatedAddrPrefix + "1111111111111111111111111111", Detection: t0},
		{TokenAddress: bonkMint, Detection: t0},
	}
	results, errs := a.AnalyzeBatch(context.Background(), tasks, t0.Add(30*time.Minute))

	if len(results) != 3 || len(errs) != 3 {
		t.Fatalf("slots = %d/%d, want one per task", len(results), len(errs))
	}
	if results[0] == nil || results[1] != nil || results[2] != nil {
		t.Errorf("results = [%v %v %v], want data, nil, nil", results[0], results[1], results[2])
	}
	if errs[1] == nil {
		t.Error("simulated token produced no error")
	}
	if errs[0] != nil || errs[2] != nil {
		t.Errorf("errs = %v, want error only for the simulated token", errs)
	}
}

func TestAnalyzeBatch_PausesBetweenGroups(t *testing.T) {
	hist := &scriptedHistory{respond: func(n int) ([]scanner.PricePoint, error) {
		return pts(sample{0, 1.0}), nil
	}}

	a := New(hist)
	a.groupDelay = 60 * time.Millisecond

	tasks := make([]Task, 7)
	for i := range tasks {
		tasks[i] = Task{TokenAddress: bonkMint, Detection: t0}
	}
	a.AnalyzeBatch(context.Background(), tasks, t0.Add(30*time.Minute))

	calls := hist.calls()
	if len(calls) != 7 {
		t.Fatalf("requests = %d, want 7", len(calls))
	}
	for _, boundary := range []int{3, 6} {
		if gap := calls[boundary].at.Sub(calls[boundary-1].at); gap < 55*time.Millisecond {
			t.Errorf("gap before task %d = %v, want the inter-group pause", boundary, gap)
		}
	}
}

func TestAnalyzeBatch_RateBudgetAcrossTokens(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"data":{"items":[{"unixTime":%d,"value":1}]},"success":true}`, t0.Unix())
	}))
	defer server.Close()

	a := New(scanner.New("k", server.URL, 5))
	a.groupDelay = 0

	base := "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB26"
	suffixes := "123456789A"
	tasks := make([]Task, 10)
	for i := range tasks {
		tasks[i] = Task{TokenAddress: base + string(suffixes[i]), Detection: t0}
	}

	start := time.Now()
	results, _ := a.AnalyzeBatch(context.Background(), tasks, t0.Add(10*time.Minute))
	elapsed := time.Since(start)

	for i, r := range results {
		if r == nil {
			t.Fatalf("task %d produced no result", i)
		}
	}
	// 10 sequential requests at 5 rps span at least 1.8s.
	if elapsed < 1800*time.Millisecond {
		t.Errorf("10 scans finished in %v, want at least 1.8s of request spacing", elapsed)
	}
}
