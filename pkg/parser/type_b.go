package parser

import (
	"regexp"
	"strings"

	"github.com/confluence-tracker/pkg/db"
	"github.com/confluence-tracker/pkg/extractor"
)

// Type B posts are plain wallet-monitor reports:
//
//	Gake: Token Buy ✅
//	Sent: 4.20 SOL
//	Received: 690,000 WIF
//	Token: `DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263`
//	View wallet
//
// where "View wallet" links a block-explorer address URL.
var (
	typeBBuyRe  = regexp.MustCompile(`(?i)\bToken\s+Buy\b`)
	typeBSellRe = regexp.MustCompile(`(?i)\bToken\s+Sell\b`)
	backtickRe  = regexp.MustCompile("`([^`\n]+)`")
	sentRe      = regexp.MustCompile(`(?im)^\s*Sent:\s*([0-9][0-9,]*(?:\.[0-9]+)?)\s+\$?([A-Za-z0-9]+)`)
	receivedRe  = regexp.MustCompile(`(?im)^\s*Received:\s*([0-9][0-9,]*(?:\.[0-9]+)?)\s+\$?([A-Za-z0-9]+)`)
)

func parseTypeB(msg Message) (*db.Transaction, bool) {
	isBuy := typeBBuyRe.MatchString(msg.Text)
	isSell := typeBSellRe.MatchString(msg.Text)
	if !isBuy && !isSell {
		return nil, false
	}
	tx := &db.Transaction{Side: db.SideBuy}
	if isSell {
		tx.Side = db.SideSell
	}

	// The label is whatever precedes the colon on the headline.
	for _, line := range strings.Split(msg.Text, "\n") {
		if !typeBBuyRe.MatchString(line) && !typeBSellRe.MatchString(line) {
			continue
		}
		if idx := strings.Index(line, ":"); idx > 0 {
			tx.WalletLabel = strings.TrimSpace(line[:idx])
		}
		break
	}

	sent := sentRe.FindStringSubmatch(msg.Text)
	recv := receivedRe.FindStringSubmatch(msg.Text)
	// Buys spend the base currency and receive the token, sells mirror.
	if tx.Side == db.SideBuy {
		if sent != nil {
			tx.QuoteAmount = extractor.ParseAmount(sent[1])
			tx.QuoteSymbol = strings.ToUpper(sent[2])
		}
		if recv != nil {
			tx.Amount = extractor.ParseAmount(recv[1])
			tx.TokenSymbol = recv[2]
		}
	} else {
		if sent != nil {
			tx.Amount = extractor.ParseAmount(sent[1])
			tx.TokenSymbol = sent[2]
		}
		if recv != nil {
			tx.QuoteAmount = extractor.ParseAmount(recv[1])
			tx.QuoteSymbol = strings.ToUpper(recv[2])
		}
	}

	if m := backtickRe.FindStringSubmatch(msg.Text); m != nil {
		tx.TokenAddress = extractor.StripPumpSuffix(strings.TrimSpace(m[1]))
	}
	for _, e := range msg.Entities {
		if addr := extractor.AddressFromExplorerURL(e.URL); addr != "" {
			tx.WalletAddress = addr
			break
		}
	}
	tx.USDValue = extractor.FirstMoney(msg.Text)
	tx.MarketCap = extractor.MarketCap(msg.Text)
	return tx, true
}
