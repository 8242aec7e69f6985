package sqlparse

import (
	"strconv"
	"strings"
	"time"

	"github.com/moonfleet/moonfleet/moonbot"
)

// applyColumn maps one column-value pair onto the mutation. Unknown columns
// are ignored; the bot adds telemetry columns faster than we track them.
func applyColumn(mut *moonbot.OrderMutation, col, rawVal string) {
	if isNull(rawVal) {
		return
	}
	f := &mut.Fields

	switch strings.ToLower(col) {
	case "id":
		if id, ok := parseInt(rawVal); ok {
			mut.OrderID = id
		}
	case "symbol":
		f.Symbol = stringVal(rawVal)
	case "status":
		f.Status = stringVal(rawVal)
	case "buyprice", "price":
		f.BuyPrice = floatVal(rawVal)
	case "sellprice", "closeprice":
		f.SellPrice = floatVal(rawVal)
	case "quantity", "qty", "amount":
		f.Quantity = floatVal(rawVal)
	case "profitbtc", "profit":
		f.ProfitBTC = floatVal(rawVal)
	case "profitpercent", "profitpct":
		f.ProfitPercent = floatVal(rawVal)
	case "strategy", "strategyname":
		f.Strategy = stringVal(rawVal)
	case "basecurrency", "currency":
		c, known := currencyVal(rawVal)
		f.BaseCurrency = c
		if !known {
			mut.UnknownCurrency = true
		}
	case "isemulator", "emulator":
		f.IsEmulator = boolVal(rawVal)
	case "isshort", "shortorder":
		f.IsShort = boolVal(rawVal)
	case "openedat", "opentime":
		f.OpenedAt = timeVal(rawVal)
	case "closedat", "closetime":
		f.ClosedAt = timeVal(rawVal)
	case "buydate":
		f.BuyDate = epochVal(rawVal)
	case "closedate":
		f.CloseDate = epochVal(rawVal)
	case "botname", "bot":
		f.BotName = stringVal(rawVal)
	case "comment":
		f.Comment = stringVal(rawVal)
	case "exchange":
		f.Exchange = stringVal(rawVal)
	case "signalname", "signal":
		f.SignalName = stringVal(rawVal)
	case "taskid":
		if id, ok := parseInt(rawVal); ok {
			f.TaskID = &id
		}
	case "stoploss", "sl":
		f.StopLoss = floatVal(rawVal)
	case "takeprofit", "tp":
		f.TakeProfit = floatVal(rawVal)
	case "buyfee":
		f.BuyFee = floatVal(rawVal)
	case "sellfee":
		f.SellFee = floatVal(rawVal)
	}
}

func stringVal(raw string) *string {
	s, _ := unquote(raw)
	return &s
}

func floatVal(raw string) *float64 {
	s, _ := unquote(raw)
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil
	}
	return &v
}

func parseInt(raw string) (int64, bool) {
	s, _ := unquote(raw)
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func boolVal(raw string) *bool {
	s, _ := unquote(raw)
	var v bool
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "t", "yes":
		v = true
	case "0", "false", "f", "no", "":
		v = false
	default:
		return nil
	}
	return &v
}

func currencyVal(raw string) (*moonbot.BaseCurrency, bool) {
	s, _ := unquote(raw)
	c, known := moonbot.ParseBaseCurrency(s)
	return &c, known
}

// timeLayouts are the formats bots have been observed emitting.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// timeVal accepts both ISO timestamps and unix epochs.
func timeVal(raw string) *time.Time {
	s, quoted := unquote(raw)
	s = strings.TrimSpace(s)
	if !quoted {
		if epoch, err := strconv.ParseFloat(s, 64); err == nil {
			t := time.Unix(int64(epoch), 0).UTC()
			return &t
		}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// epochVal accepts unix epochs and ISO timestamps, normalizing to seconds.
func epochVal(raw string) *int64 {
	s, quoted := unquote(raw)
	s = strings.TrimSpace(s)
	if !quoted || numericRe(s) {
		if epoch, err := strconv.ParseFloat(s, 64); err == nil {
			v := int64(epoch)
			return &v
		}
	}
	if t := timeVal(raw); t != nil {
		v := t.Unix()
		return &v
	}
	return nil
}

func numericRe(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && c != '.' && c != '-' {
			return false
		}
	}
	return true
}
