package adapters

import "strings"

// Venues disagree on pair notation. Normalized form everywhere in this
// codebase is "BASE/QUOTE"; these helpers produce the common wire
// variants. Reverse mapping is never derived by string surgery;
// adapters remember wire→normalized pairs at subscribe time.

// CompactSymbol renders "BTC/USDT" as "BTCUSDT"
func CompactSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}

// DashSymbol renders "BTC/USD" as "BTC-USD"
func DashSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", "-"))
}

// UnderscoreSymbol renders "BTC/USDT" as "BTC_USDT"
func UnderscoreSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", "_"))
}

// SplitSymbol cuts a normalized pair into base and quote
func SplitSymbol(symbol string) (base, quote string, ok bool) {
	base, quote, ok = strings.Cut(strings.ToUpper(symbol), "/")
	if !ok || base == "" || quote == "" {
		return "", "", false
	}
	return base, quote, true
}

// Kraken keeps legacy asset codes on its public REST API
var krakenAliases = map[string]string{
	"BTC":  "XBT",
	"DOGE": "XDG",
}

// KrakenPair renders "BTC/USD" as "XBTUSD" for kraken REST paths
func KrakenPair(symbol string) string {
	base, quote, ok := SplitSymbol(symbol)
	if !ok {
		return CompactSymbol(symbol)
	}
	if alias, found := krakenAliases[base]; found {
		base = alias
	}
	if alias, found := krakenAliases[quote]; found {
		quote = alias
	}
	return base + quote
}

// KrakenWSPair renders "BTC/USD" as "XBT/USD" for kraken WebSocket
// subscriptions, which keep the slash but use the legacy codes.
func KrakenWSPair(symbol string) string {
	base, quote, ok := SplitSymbol(symbol)
	if !ok {
		return strings.ToUpper(symbol)
	}
	if alias, found := krakenAliases[base]; found {
		base = alias
	}
	if alias, found := krakenAliases[quote]; found {
		quote = alias
	}
	return base + "/" + quote
}
