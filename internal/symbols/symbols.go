// Package symbols converts security symbols between venue spellings and
// the canonical uppercase, separator-free form used in configuration and
// metric dimensions.
package symbols

import "strings"

// Canonical maps a venue-specific spelling onto the canonical form, so
// metrics keyed by symbol line up across venues. Unknown venues pass
// through unchanged.
func Canonical(venue, sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	switch strings.ToLower(venue) {
	case "binance", "bybit":
		// Thousandths contracts (1000PEPEUSDT, SHIB1000USDT) quote the
		// same security as the plain symbol.
		sym = strings.Replace(sym, "1000", "", 1)
	case "kucoin":
		sym = strings.ReplaceAll(sym, "-", "")
		sym = strings.TrimSuffix(sym, "M")
		if strings.HasPrefix(sym, "XBT") {
			sym = "BTC" + sym[3:]
		}
	}
	return sym
}

// KucoinFutures converts a canonical symbol to the KuCoin futures
// spelling ("BTCUSDT" -> "XBTUSDTM"). Input already in venue form is
// returned unchanged, so configs may use either.
func KucoinFutures(sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	if strings.HasPrefix(sym, "BTC") {
		sym = "XBT" + sym[3:]
	}
	if !strings.HasSuffix(sym, "M") {
		sym += "M"
	}
	return sym
}
