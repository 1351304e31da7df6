package model

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// quoteSuffixes are the pair quote assets stripped during symbol
// canonicalization, longest first so USDT wins over USD.
var quoteSuffixes = []string{"USDT", "USDC", "USD", "BTC", "ETH", "BNB"}

// CanonicalSymbol normalizes a raw token symbol: drop non-alphanumerics,
// uppercase, strip a trailing quote asset. The bare quote asset itself
// survives ("USDT" stays "USDT"; "ABCUSDT" becomes "ABC").
func CanonicalSymbol(symbol string) string {
	var b strings.Builder
	for _, r := range symbol {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	s := strings.ToUpper(b.String())
	for _, q := range quoteSuffixes {
		if len(s) > len(q) && strings.HasSuffix(s, q) {
			return strings.TrimSuffix(s, q)
		}
	}
	return s
}

// Fingerprint is the stable equality key shared by dedup, aggregation
// and first-seen tracking: a 64-bit hash of (exchange, canonical
// symbol, event type) rendered as 16 hex chars.
func Fingerprint(exchange, symbol string, eventType EventType) string {
	key := strings.ToLower(exchange) + "|" + CanonicalSymbol(symbol) + "|" + strings.ToLower(string(eventType))
	return fmt.Sprintf("%016x", xxhash.Sum64String(key))
}

// FingerprintOf computes the fingerprint for a raw event.
func FingerprintOf(e *RawEvent) string {
	return Fingerprint(e.Exchange, e.Symbol, e.Event)
}
