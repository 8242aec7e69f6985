package moonbot

import "strings"

// BaseCurrency is the quote currency of an order, stored as the bot's integer
// enum. The string form appears in replication SQL; the integer form is what
// persists. This is the single mapping between the two; handlers must not
// carry their own copies.
type BaseCurrency int

const (
	CurrencyUSDT BaseCurrency = 0
	CurrencyBTC  BaseCurrency = 1
	CurrencyTRY  BaseCurrency = 2
	CurrencyEUR  BaseCurrency = 3
	CurrencyBUSD BaseCurrency = 4
)

var currencyNames = map[BaseCurrency]string{
	CurrencyUSDT: "USDT",
	CurrencyBTC:  "BTC",
	CurrencyTRY:  "TRY",
	CurrencyEUR:  "EUR",
	CurrencyBUSD: "BUSD",
}

func (c BaseCurrency) String() string {
	if name, ok := currencyNames[c]; ok {
		return name
	}
	return "USDT"
}

// ParseBaseCurrency accepts both the string form ("BTC") and the numeric form
// ("1"). Unknown values map to USDT with ok=false so callers can count them.
func ParseBaseCurrency(raw string) (BaseCurrency, bool) {
	trimmed := strings.ToUpper(strings.TrimSpace(raw))
	for enum, name := range currencyNames {
		if trimmed == name {
			return enum, true
		}
	}
	switch trimmed {
	case "0", "1", "2", "3", "4":
		return BaseCurrency(trimmed[0] - '0'), true
	}
	return CurrencyUSDT, false
}
