// Package alert delivers confluence notifications. Every alert text starts
// with the Header line so the fan-in router can recognize and drop our own
// messages when they echo back through a watched chat.
package alert

import (
	"context"
	"fmt"
	"strings"

	"github.com/confluence-tracker/pkg/db"
)

// Header is the fixed first-line prefix of every confluence alert.
const Header = "🚨 CONFLUENCE"

// Sink sends one confluence alert somewhere.
type Sink interface {
	SendConfluence(ctx context.Context, c db.Confluence) error
	Close() error
}

// BuildConfluenceText renders the Telegram alert body. Markdown mode, so
// wallet labels are escaped and the mint goes in a monospace span.
func BuildConfluenceText(c db.Confluence) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "%s: %d wallets → %s\n\n", Header, c.WalletCount, displayToken(c))

	if c.TokenAddress != "" {
		fmt.Fprintf(&sb, "📋 `%s`\n", c.TokenAddress)
	}
	if c.DetectionMarketCap > 0 {
		fmt.Fprintf(&sb, "💰 MC at detection: %s\n", fmtUSD(c.DetectionMarketCap))
	}
	fmt.Fprintf(&sb, "⏱ First buy %s, confluence %s UTC\n\n",
		c.FirstTxTime.UTC().Format("15:04:05"), c.DetectionTime.UTC().Format("15:04:05"))

	for _, w := range c.Wallets {
		fmt.Fprintf(&sb, "👛 %s: %s %.2f %s (%s)\n",
			escapeMarkdown(w.Label), w.Side, w.QuoteAmount, w.QuoteSymbol, w.Timestamp.UTC().Format("15:04:05"))
	}

	if c.TokenAddress != "" {
		fmt.Fprintf(&sb, "\n📈 https://dexscreener.com/solana/%s", c.TokenAddress)
	}
	return sb.String()
}

func displayToken(c db.Confluence) string {
	if c.TokenSymbol != "" {
		return c.TokenSymbol
	}
	return shortAddress(c.TokenAddress)
}

// MultiSink broadcasts to every configured sink; nil sinks are dropped at
// construction so call sites can pass optional outputs unconditionally.
type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) *MultiSink {
	var active []Sink
	for _, s := range sinks {
		if s != nil {
			active = append(active, s)
		}
	}
	return &MultiSink{sinks: active}
}

func (m *MultiSink) SendConfluence(ctx context.Context, c db.Confluence) error {
	var lastErr error
	for _, s := range m.sinks {
		if err := s.SendConfluence(ctx, c); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (m *MultiSink) Close() error {
	var lastErr error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (m *MultiSink) Count() int {
	return len(m.sinks)
}

func fmtUSD(v float64) string {
	switch {
	case v >= 1e9:
		return fmt.Sprintf("$%.2fB", v/1e9)
	case v >= 1e6:
		return fmt.Sprintf("$%.2fM", v/1e6)
	case v >= 1e3:
		return fmt.Sprintf("$%.1fk", v/1e3)
	default:
		return fmt.Sprintf("$%.2f", v)
	}
}

func shortAddress(addr string) string {
	if len(addr) <= 14 {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-6:]
}

// escapeMarkdown escapes special characters for Telegram Markdown.
func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer(
		"_", "\\_",
		"*", "\\*",
		"[", "\\[",
		"]", "\\]",
		"`", "\\`",
	)
	return replacer.Replace(s)
}
