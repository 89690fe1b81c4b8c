// Package extractor holds the low-level text plumbing shared by the tracker
// parsers: address recognition, chart/bot/profile link unwrapping, and the
// numeric formats tracker bots emit ($1.2M, MC: $450k, 1,250,000.5).
package extractor

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"

	"github.com/confluence-tracker/pkg/config"
)

var (
	// Address patterns
	base58AddrRe = regexp.MustCompile(`\b([1-9A-HJ-NP-Za-km-z]{32,48})\b`)
	evmAddrRe    = regexp.MustCompile(`\b(0x[a-fA-F0-9]{40})\b`)

	// Money patterns
	moneyRe     = regexp.MustCompile(`\$\s?([0-9][0-9,]*(?:\.[0-9]+)?)\s?([kKmMbB])?`)
	marketCapRe = regexp.MustCompile(`(?i)\bMC:?\s*\$\s?([0-9][0-9,]*(?:\.[0-9]+)?)\s?([kKmMbB])?`)

	// Chart / tool link patterns (plain-text fallbacks when no URL entity)
	chartURLRe = regexp.MustCompile(`https?://(?:www\.)?(?:dexscreener\.com|birdeye\.so|pump\.fun|gmgn\.ai|photon-sol\.tinyastro\.io|bullx\.io|axiom\.trade)/[^\s\)\]]+`)
	deepLinkRe = regexp.MustCompile(`https?://t\.me/[A-Za-z0-9_]+\?start=[^\s\)\]]+`)

	chartHosts = map[string]bool{
		"dexscreener.com":         true,
		"birdeye.so":              true,
		"pump.fun":                true,
		"gmgn.ai":                 true,
		"photon-sol.tinyastro.io": true,
		"bullx.io":                true,
		"axiom.trade":             true,
	}

	// Words the base58 pattern likes to swallow
	falsePositives = map[string]bool{
		"pump": true, "solana": true, "ethereum": true, "lamports": true,
		"Telegram": true, "Dexscreener": true,
	}
)

// ---- Address validation ----

// StripPumpSuffix removes a trailing "pump" vanity marker when the remainder
// is still long enough to act as a token identity.
func StripPumpSuffix(addr string) string {
	if strings.HasSuffix(addr, "pump") && len(addr)-4 >= 30 {
		return addr[:len(addr)-4]
	}
	return addr
}

// ValidTokenAddress accepts base58 identities of at least 30 chars (the
// pump-stripped form can be shorter than a canonical key) and EVM hex
// addresses. Simulation placeholders are rejected outright.
func ValidTokenAddress(addr string) bool {
	if addr == "" || strings.HasPrefix(addr, config.SimulatedAddrPrefix) {
		return false
	}
	if common.IsHexAddress(addr) {
		return true
	}
	if len(addr) < 30 || len(addr) > 44 {
		return false
	}
	return isBase58(addr)
}

// ValidWalletAddress requires a canonical 32-byte key. Wallet identity feeds
// distinct-wallet counting, so loose matches would inflate counts.
func ValidWalletAddress(addr string) bool {
	if len(addr) < 32 || len(addr) > 44 {
		return false
	}
	_, err := solana.PublicKeyFromBase58(addr)
	return err == nil
}

// ChainFor routes an address to the price API's chain namespace.
func ChainFor(addr string) config.Chain {
	if common.IsHexAddress(addr) {
		return config.ChainEthereum
	}
	return config.ChainSolana
}

func isBase58(s string) bool {
	for _, c := range s {
		switch {
		case c >= '1' && c <= '9':
		case c >= 'A' && c <= 'H':
		case c >= 'J' && c <= 'N':
		case c >= 'P' && c <= 'Z':
		case c >= 'a' && c <= 'k':
		case c >= 'm' && c <= 'z':
		default:
			return false
		}
	}
	return len(s) > 0
}

// looksLikeAddress filters base58 matches mined from free text; real keys mix
// cases and digits, ordinary words do not.
func looksLikeAddress(s string) bool {
	if len(s) < 32 || len(s) > 48 || falsePositives[s] {
		return false
	}
	hasUpper, hasLower, hasDigit := false, false, false
	for _, c := range s {
		if c >= 'A' && c <= 'Z' {
			hasUpper = true
		} else if c >= 'a' && c <= 'z' {
			hasLower = true
		} else if c >= '0' && c <= '9' {
			hasDigit = true
		}
	}
	return hasUpper && hasLower && hasDigit
}

// ---- Link unwrapping ----

// IsChartURL reports whether a URL points at one of the chart/trading sites
// trackers link token pages on.
func IsChartURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return chartHosts[strings.TrimPrefix(strings.ToLower(u.Host), "www.")]
}

// AddressFromChartURL walks a chart link's path segments backwards (then its
// query values) for the first thing that validates as a token address.
func AddressFromChartURL(raw string) string {
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return ""
	}

	parts := strings.Split(u.Path, "/")
	for i := len(parts) - 1; i >= 0; i-- {
		seg := StripPumpSuffix(strings.TrimSpace(parts[i]))
		if seg == "" {
			continue
		}
		if ValidTokenAddress(seg) {
			return seg
		}
	}
	for _, vals := range u.Query() {
		for _, v := range vals {
			v = StripPumpSuffix(v)
			if ValidTokenAddress(v) {
				return v
			}
		}
	}
	return ""
}

// AddressFromBotDeepLink unwraps a trading-bot t.me deep link of the shape
// start=d-<ref>-<addr>.
func AddressFromBotDeepLink(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || !strings.EqualFold(strings.TrimPrefix(u.Host, "www."), "t.me") {
		return ""
	}
	start := u.Query().Get("start")
	if !strings.HasPrefix(start, "d-") {
		return ""
	}
	parts := strings.Split(start, "-")
	addr := StripPumpSuffix(parts[len(parts)-1])
	if ValidTokenAddress(addr) {
		return addr
	}
	return ""
}

// AddressFromProfileURL pulls the wallet key out of a …/profile/<key> link.
func AddressFromProfileURL(raw string) string {
	return addressAfterSegment(raw, "profile")
}

// AddressFromExplorerURL pulls the wallet key out of a …/address/<key> link.
func AddressFromExplorerURL(raw string) string {
	return addressAfterSegment(raw, "address")
}

func addressAfterSegment(raw, marker string) string {
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return ""
	}
	parts := strings.Split(u.Path, "/")
	for i, p := range parts {
		if strings.EqualFold(p, marker) && i+1 < len(parts) {
			addr := strings.TrimSpace(parts[i+1])
			if ValidWalletAddress(addr) {
				return addr
			}
		}
	}
	return ""
}

// FindChartURLs returns chart-site links present in plain text, for messages
// whose entities were lost in forwarding.
func FindChartURLs(text string) []string {
	return chartURLRe.FindAllString(text, -1)
}

// FindDeepLinks returns t.me deep links present in plain text.
func FindDeepLinks(text string) []string {
	return deepLinkRe.FindAllString(text, -1)
}

// LastAddressLine scans a message bottom-up for a line that is a bare token
// address (optionally pump-suffixed) and returns the stripped identity.
func LastAddressLine(text string) string {
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		m := base58AddrRe.FindString(line)
		if m == "" || m != line {
			continue
		}
		if !looksLikeAddress(m) {
			continue
		}
		addr := StripPumpSuffix(m)
		if ValidTokenAddress(addr) {
			return addr
		}
	}
	return ""
}

// ---- Numbers ----

// ParseAmount parses a quantity with optional thousands separators.
func ParseAmount(s string) float64 {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// FirstMoney returns the first $N occurrence in the text, suffix-aware.
func FirstMoney(text string) float64 {
	m := moneyRe.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	return ParseAmount(m[1]) * suffixMultiplier(m[2])
}

// MarketCap returns the value of the first "MC: $N[k|M|B]" occurrence.
func MarketCap(text string) float64 {
	m := marketCapRe.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	return ParseAmount(m[1]) * suffixMultiplier(m[2])
}

func suffixMultiplier(s string) float64 {
	switch strings.ToLower(s) {
	case "k":
		return 1e3
	case "m":
		return 1e6
	case "b":
		return 1e9
	}
	return 1
}

// ---- Entities ----

// EntityText slices a message by Telegram entity offsets, which count UTF-16
// code units, not bytes or runes.
func EntityText(text string, offset, length int) string {
	u := utf16.Encode([]rune(text))
	if offset < 0 || length < 0 || offset+length > len(u) {
		return ""
	}
	return string(utf16.Decode(u[offset : offset+length]))
}
