// Package parser turns tracker channel posts into typed transactions.
//
// Each tracker type registers its own extractor below. Extractors are
// best-effort: anything that does not look like a complete trade collapses
// to nil rather than an error, because tracker channels mix trades with
// ads, recaps and bot chatter.
package parser

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/confluence-tracker/pkg/db"
	"github.com/confluence-tracker/pkg/extractor"
)

// Entity is an embedded-URL annotation on a message. Kind is "url" for a
// plain link (URL holds the visible text) and "text_url" for a hyperlink
// (URL holds the hidden target).
type Entity struct {
	Kind   string
	Offset int
	Length int
	URL    string
}

// Message is the parser input: raw text plus its URL annotations, exactly
// as the upstream session delivered them.
type Message struct {
	Text      string
	Entities  []Entity
	Timestamp time.Time
}

type parseFunc func(Message) (*db.Transaction, bool)

var registry = map[db.TrackerType]parseFunc{
	db.TypeA: parseTypeA,
	db.TypeB: parseTypeB,
	db.TypeC: parseTypeC,
}

var (
	warnedTypesMu sync.Mutex
	warnedTypes   = map[db.TrackerType]bool{}
)

// Parse runs the extractor registered for typ against msg. It returns nil
// when the text is not a recognized trade, or when a recognized trade
// lacks a side or any token identity. Parse never fails.
func Parse(msg Message, typ db.TrackerType) *db.Transaction {
	fn, ok := registry[typ]
	if !ok {
		warnUnknownType(typ)
		return nil
	}
	tx, recognized := fn(msg)
	if !recognized {
		log.Debug().Str("type", string(typ)).Msg("message did not match tracker format")
		return nil
	}
	return finalize(tx, msg.Timestamp, typ)
}

var placeholderSymbols = map[string]bool{
	"UNKNOWN": true,
	"TEST":    true,
}

var quoteSymbols = map[string]bool{
	"SOL":  true,
	"ETH":  true,
	"USDC": true,
	"USDT": true,
}

// finalize is the shared normalization stage: symbols uppercased,
// placeholders dropped, addresses revalidated, quote defaulted to SOL.
// A trade without a side or without token identity collapses to nil.
func finalize(tx *db.Transaction, ts time.Time, typ db.TrackerType) *db.Transaction {
	if tx == nil {
		return nil
	}
	tx.TokenSymbol = strings.ToUpper(strings.TrimSpace(tx.TokenSymbol))
	if placeholderSymbols[tx.TokenSymbol] {
		tx.TokenSymbol = ""
	}
	if !extractor.ValidTokenAddress(tx.TokenAddress) {
		tx.TokenAddress = ""
	}
	if !extractor.ValidWalletAddress(tx.WalletAddress) {
		tx.WalletAddress = ""
	}
	tx.WalletLabel = strings.TrimSpace(tx.WalletLabel)
	if tx.Side != db.SideBuy && tx.Side != db.SideSell {
		log.Warn().Str("type", string(typ)).Msg("trade matched but side missing, dropped")
		return nil
	}
	if !tx.HasTokenIdentity() {
		log.Warn().Str("type", string(typ)).Str("side", string(tx.Side)).Msg("trade matched but token identity missing, dropped")
		return nil
	}
	tx.QuoteSymbol = strings.ToUpper(strings.TrimSpace(tx.QuoteSymbol))
	if !quoteSymbols[tx.QuoteSymbol] {
		tx.QuoteSymbol = "SOL"
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = ts
	}
	return tx
}

func warnUnknownType(typ db.TrackerType) {
	warnedTypesMu.Lock()
	defer warnedTypesMu.Unlock()
	if warnedTypes[typ] {
		return
	}
	warnedTypes[typ] = true
	log.Warn().Str("type", string(typ)).Msg("no parser registered for tracker type")
}
