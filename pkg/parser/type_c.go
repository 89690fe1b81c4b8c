package parser

import (
	"regexp"
	"strings"

	"github.com/confluence-tracker/pkg/db"
	"github.com/confluence-tracker/pkg/extractor"
)

// Type C posts are terse signal cards with the mint on its own line:
//
//	🟢 BUY WIF
//	#WIF | 5m
//	4.20 SOL ➜ 690,000 WIF ($790.00)
//	MC: $4.5M
//	DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263pump
var (
	typeCBuyRe  = regexp.MustCompile(`🟢\s*BUY\b(?:[ \t]+\$?([A-Za-z0-9]+))?`)
	typeCSellRe = regexp.MustCompile(`🔴\s*SELL\b(?:[ \t]+\$?([A-Za-z0-9]+))?`)
	hashTagRe   = regexp.MustCompile(`#([A-Za-z0-9]+)`)
	typeCSwapRe = regexp.MustCompile(`([0-9][0-9,]*(?:\.[0-9]+)?)\s+\$?([A-Za-z0-9]+)\s*(?:➜|→|->)\s*([0-9][0-9,]*(?:\.[0-9]+)?)\s+\$?([A-Za-z0-9]+)\s*\(\$([0-9][0-9,]*(?:\.[0-9]+)?)\)`)
)

func parseTypeC(msg Message) (*db.Transaction, bool) {
	tx := &db.Transaction{}
	var header []string
	if m := typeCBuyRe.FindStringSubmatch(msg.Text); m != nil {
		tx.Side = db.SideBuy
		header = m
	} else if m := typeCSellRe.FindStringSubmatch(msg.Text); m != nil {
		tx.Side = db.SideSell
		header = m
	} else {
		return nil, false
	}
	if len(header) > 1 {
		tx.TokenSymbol = header[1]
	}
	if tx.TokenSymbol == "" {
		if m := hashTagRe.FindStringSubmatch(msg.Text); m != nil {
			tx.TokenSymbol = m[1]
		}
	}

	if m := typeCSwapRe.FindStringSubmatch(msg.Text); m != nil {
		first, firstSym := extractor.ParseAmount(m[1]), strings.ToUpper(m[2])
		second, secondSym := extractor.ParseAmount(m[3]), strings.ToUpper(m[4])
		switch {
		case quoteSymbols[firstSym] && !quoteSymbols[secondSym]:
			tx.QuoteAmount, tx.QuoteSymbol = first, firstSym
			tx.Amount = second
			if tx.TokenSymbol == "" {
				tx.TokenSymbol = m[4]
			}
		case quoteSymbols[secondSym] && !quoteSymbols[firstSym]:
			tx.Amount = first
			if tx.TokenSymbol == "" {
				tx.TokenSymbol = m[2]
			}
			tx.QuoteAmount, tx.QuoteSymbol = second, secondSym
		case tx.Side == db.SideBuy:
			tx.QuoteAmount = first
			tx.Amount = second
			if tx.TokenSymbol == "" {
				tx.TokenSymbol = m[4]
			}
		default:
			tx.Amount = first
			if tx.TokenSymbol == "" {
				tx.TokenSymbol = m[2]
			}
			tx.QuoteAmount = second
		}
		tx.USDValue = extractor.ParseAmount(m[5])
	}

	tx.TokenAddress = extractor.LastAddressLine(msg.Text)
	tx.MarketCap = extractor.MarketCap(msg.Text)
	return tx, true
}
