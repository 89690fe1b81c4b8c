package parser

import (
	"regexp"
	"strings"

	"github.com/confluence-tracker/pkg/db"
	"github.com/confluence-tracker/pkg/extractor"
)

// Type A posts announce a swap under a bell-marked wallet name:
//
//	🔔 Cupsey 🔔
//	🟢🟢🟢
//	Swapped 4.50 #SOL ($790.20) for 1,250,000 #WIF
//	💰 MC: $4.5M
//	Chart | Profile
//
// where Chart and Profile are hidden-target URL entities.
const typeAMarker = "🔔"

var typeASwapRe = regexp.MustCompile(`Swapped\s+([0-9][0-9,]*(?:\.[0-9]+)?)\s+#([A-Za-z0-9]+).*?\bfor\s+([0-9][0-9,]*(?:\.[0-9]+)?)\s+#([A-Za-z0-9]+)`)

func parseTypeA(msg Message) (*db.Transaction, bool) {
	m := typeASwapRe.FindStringSubmatch(msg.Text)
	if m == nil {
		return nil, false
	}
	tx := &db.Transaction{}

	firstIsQuote := quoteSymbols[strings.ToUpper(m[2])]
	secondIsQuote := quoteSymbols[strings.ToUpper(m[4])]

	// Circle glyphs decide the side, swap orientation is the tiebreak:
	// spending the base currency is a buy, receiving it is a sell.
	greens := strings.Count(msg.Text, "🟢")
	reds := strings.Count(msg.Text, "🔴")
	switch {
	case greens > 0 && reds == 0:
		tx.Side = db.SideBuy
	case reds > 0 && greens == 0:
		tx.Side = db.SideSell
	case firstIsQuote && !secondIsQuote:
		tx.Side = db.SideBuy
	case secondIsQuote && !firstIsQuote:
		tx.Side = db.SideSell
	}

	switch {
	case firstIsQuote && !secondIsQuote:
		tx.QuoteAmount = extractor.ParseAmount(m[1])
		tx.QuoteSymbol = strings.ToUpper(m[2])
		tx.Amount = extractor.ParseAmount(m[3])
		tx.TokenSymbol = m[4]
	case secondIsQuote && !firstIsQuote:
		tx.Amount = extractor.ParseAmount(m[1])
		tx.TokenSymbol = m[2]
		tx.QuoteAmount = extractor.ParseAmount(m[3])
		tx.QuoteSymbol = strings.ToUpper(m[4])
	case tx.Side == db.SideSell:
		// Neither leg names a base currency, trust the side.
		tx.Amount = extractor.ParseAmount(m[1])
		tx.TokenSymbol = m[2]
		tx.QuoteAmount = extractor.ParseAmount(m[3])
	default:
		tx.QuoteAmount = extractor.ParseAmount(m[1])
		tx.Amount = extractor.ParseAmount(m[3])
		tx.TokenSymbol = m[4]
	}

	tx.WalletLabel = typeALabel(msg.Text)
	tx.TokenAddress = typeATokenAddress(msg)
	tx.WalletAddress = walletFromProfileEntities(msg)
	tx.USDValue = extractor.FirstMoney(msg.Text)
	tx.MarketCap = extractor.MarketCap(msg.Text)
	return tx, true
}

// typeALabel returns the wallet name from the bell-marker line, or from
// the first non-empty line after it when the marker stands alone.
func typeALabel(text string) string {
	seen := false
	for _, line := range strings.Split(text, "\n") {
		if strings.Contains(line, typeAMarker) {
			seen = true
			if name := cleanLabelLine(line); name != "" {
				return name
			}
			continue
		}
		if !seen {
			continue
		}
		if strings.Contains(line, "Swapped") {
			return ""
		}
		if name := cleanLabelLine(line); name != "" {
			return name
		}
	}
	return ""
}

func cleanLabelLine(line string) string {
	for _, g := range []string{typeAMarker, "🟢", "🔴"} {
		line = strings.ReplaceAll(line, g, "")
	}
	return strings.TrimSpace(line)
}

// typeATokenAddress resolves the traded token. Entity links take priority
// over raw text: chart entity first, then bot deep link, then the same
// shapes matched in the message body.
func typeATokenAddress(msg Message) string {
	for _, e := range msg.Entities {
		if !extractor.IsChartURL(e.URL) {
			continue
		}
		if addr := extractor.AddressFromChartURL(e.URL); addr != "" {
			return addr
		}
	}
	for _, e := range msg.Entities {
		if addr := extractor.AddressFromBotDeepLink(e.URL); addr != "" {
			return addr
		}
	}
	for _, raw := range extractor.FindChartURLs(msg.Text) {
		if addr := extractor.AddressFromChartURL(raw); addr != "" {
			return addr
		}
	}
	for _, raw := range extractor.FindDeepLinks(msg.Text) {
		if addr := extractor.AddressFromBotDeepLink(raw); addr != "" {
			return addr
		}
	}
	return ""
}

func walletFromProfileEntities(msg Message) string {
	for _, e := range msg.Entities {
		if addr := extractor.AddressFromProfileURL(e.URL); addr != "" {
			return addr
		}
	}
	return ""
}
