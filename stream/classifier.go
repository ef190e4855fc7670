package stream

import "strings"

// AssetClass identifies which of the two streaming connections a symbol
// routes through.
type AssetClass int

const (
	AssetClassStock AssetClass = iota
	AssetClassCrypto
)

// String returns the lower-case name used in logs and status payloads.
func (a AssetClass) String() string {
	if a == AssetClassCrypto {
		return "crypto"
	}
	return "stocks"
}

// cryptoQuotes lists quote currencies recognised as crypto pair suffixes,
// longest first so USDT matches before USD.
var cryptoQuotes = []string{"USDT", "USDC", "USD", "BTC", "ETH"}

// Classify maps a symbol to its asset class. A symbol is a crypto pair
// when it contains a pair separator ("BTC/USD", "BTC-USD") or ends with a
// recognised quote currency ("ETHUSD"). Everything else is an equity.
// The rule is structural only: no lookups, no state.
func Classify(symbol string) AssetClass {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if strings.ContainsAny(s, "/-") {
		return AssetClassCrypto
	}
	for _, q := range cryptoQuotes {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return AssetClassCrypto
		}
	}
	return AssetClassStock
}
