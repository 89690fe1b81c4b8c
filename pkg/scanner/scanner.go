// Package scanner is the HTTP client for the Birdeye price-history API.
// One shared token-bucket limiter spaces every outgoing request, so however
// many recaps run at once the provider sees at most 5 requests per second.
package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/confluence-tracker/pkg/extractor"
)

// Resolution selects the candle width of a history request.
type Resolution string

const (
	Res5m  Resolution = "5m"
	Res15m Resolution = "15m"
	Res30m Resolution = "30m"
	Res1h  Resolution = "1h"
)

// maxChunk caps a single history request; longer ranges are split
// client-side and the samples concatenated in order.
const maxChunk = 7 * 24 * time.Hour

const interChunkDelay = 200 * time.Millisecond

// PricePoint is one sample of a history series.
type PricePoint struct {
	UnixTime int64   `json:"unixTime"`
	Value    float64 `json:"value"`
}

// APIError carries the upstream status so callers can tell an unknown
// token (4xx) from a provider hiccup (5xx, retried once).
type APIError struct {
	StatusCode int
	Message    string
	Path       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("price API %s: HTTP %d %s", e.Path, e.StatusCode, e.Message)
}

// Retryable reports whether the error was a server-side failure.
func (e *APIError) Retryable() bool { return e.StatusCode >= 500 }

type Client struct {
	apiKey    string
	baseURL   string
	client    *http.Client
	limiter   *rate.Limiter
	retryWait time.Duration
}

// New builds a client with its own limiter. Pass rps <= 0 for the default
// budget of 5 requests per second.
func New(apiKey, baseURL string, rps float64) *Client {
	if rps <= 0 {
		rps = 5
	}
	if baseURL == "" {
		baseURL = "https://public-api.birdeye.so"
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
		// Even spacing doubles as the inter-request sleep: at 5 rps every
		// request starts 200ms behind the previous one.
		limiter:   rate.NewLimiter(rate.Every(time.Duration(float64(time.Second)/rps)), 1),
		retryWait: time.Second,
	}
}

// History returns price samples for [from, to] at the given resolution,
// oldest first. Ranges longer than 7 days are fetched in 7-day chunks with
// a short pause between them.
func (c *Client) History(ctx context.Context, tokenAddress string, from, to time.Time, res Resolution) ([]PricePoint, error) {
	if !extractor.ValidTokenAddress(tokenAddress) {
		return nil, fmt.Errorf("invalid token address %q", tokenAddress)
	}
	if !to.After(from) {
		return nil, fmt.Errorf("empty history range %s..%s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}

	var points []PricePoint
	for chunkFrom := from; chunkFrom.Before(to); {
		chunkTo := chunkFrom.Add(maxChunk)
		if chunkTo.After(to) {
			chunkTo = to
		}

		batch, err := c.fetch(ctx, tokenAddress, chunkFrom, chunkTo, res)
		if err != nil {
			return nil, err
		}
		points = append(points, batch...)

		chunkFrom = chunkTo
		if chunkFrom.Before(to) {
			select {
			case <-time.After(interChunkDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return points, nil
}

// fetch issues one history call, retrying a 5xx once. 4xx means the token
// is unknown to the provider and goes straight back to the caller.
func (c *Client) fetch(ctx context.Context, tokenAddress string, from, to time.Time, res Resolution) ([]PricePoint, error) {
	points, err := c.fetchOnce(ctx, tokenAddress, from, to, res)
	if err == nil {
		return points, nil
	}
	apiErr, ok := err.(*APIError)
	if !ok || !apiErr.Retryable() {
		return nil, err
	}

	log.Warn().Int("status", apiErr.StatusCode).Str("token", abbrev(tokenAddress)).
		Msg("price API 5xx, retrying once")
	select {
	case <-time.After(c.retryWait):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c.fetchOnce(ctx, tokenAddress, from, to, res)
}

func (c *Client) fetchOnce(ctx context.Context, tokenAddress string, from, to time.Time, res Resolution) ([]PricePoint, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	const path = "/defi/history_price"
	q := url.Values{}
	q.Set("address", tokenAddress)
	q.Set("address_type", "token")
	q.Set("type", string(res))
	q.Set("time_from", strconv.FormatInt(from.Unix(), 10))
	q.Set("time_to", strconv.FormatInt(to.Unix(), 10))

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-KEY", c.apiKey)
	req.Header.Set("x-chain", string(extractor.ChainFor(tokenAddress)))

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20)) // 10MB max
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != 200 {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: truncate(string(body), 200), Path: path}
	}

	var envelope struct {
		Data struct {
			Items []PricePoint `json:"items"`
		} `json:"data"`
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode history response: %w", err)
	}
	if !envelope.Success {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: "success=false", Path: path}
	}
	return envelope.Data.Items, nil
}
