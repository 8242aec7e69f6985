package moonbot

import "time"

// OrderStatus values mirror the bot's Orders table verbatim.
const (
	OrderOpen      = "Open"
	OrderClosed    = "Closed"
	OrderCancelled = "Cancelled"
)

// Order is the read model of one replicated bot order. Rows are derived from
// the replication SQL stream, never written by users.
type Order struct {
	ID             int64    `json:"id"`
	ServerID       ServerID `json:"server_id"`
	MoonBotOrderID int64    `json:"moonbot_order_id"`

	Symbol        string       `json:"symbol"`
	Status        string       `json:"status"`
	BuyPrice      float64      `json:"buy_price"`
	SellPrice     float64      `json:"sell_price"`
	Quantity      float64      `json:"quantity"`
	ProfitBTC     float64      `json:"profit_btc"`
	ProfitPercent float64      `json:"profit_percent"`
	Strategy      string       `json:"strategy"`
	BaseCurrency  BaseCurrency `json:"base_currency"`
	IsEmulator    bool         `json:"is_emulator"`
	IsShort       bool         `json:"is_short"`

	OpenedAt  time.Time `json:"opened_at"`
	ClosedAt  time.Time `json:"closed_at"`
	BuyDate   int64     `json:"buy_date"`   // epoch seconds as reported by the bot
	CloseDate int64     `json:"close_date"` // epoch seconds; 0 means still open

	BotName    string  `json:"bot_name"`
	Comment    string  `json:"comment,omitempty"`
	Exchange   string  `json:"exchange,omitempty"`
	SignalName string  `json:"signal_name,omitempty"`
	TaskID     int64   `json:"task_id,omitempty"`
	StopLoss   float64 `json:"stop_loss,omitempty"`
	TakeProfit float64 `json:"take_profit,omitempty"`
	BuyFee     float64 `json:"buy_fee,omitempty"`
	SellFee    float64 `json:"sell_fee,omitempty"`

	CreatedFromUpdate bool `json:"created_from_update"`
}

// IsOpen reports whether the order is still open. The bot leaves CloseDate at
// zero until the position closes.
func (o Order) IsOpen() bool {
	return o.CloseDate == 0
}

// MutationKind distinguishes replicated INSERTs from UPDATEs. The two merge
// differently: UPDATE wins for fields it explicitly sets, INSERT only fills
// fields an earlier UPDATE stub left unset.
type MutationKind int

const (
	MutationInsert MutationKind = iota
	MutationUpdate
)

func (k MutationKind) String() string {
	if k == MutationUpdate {
		return "update"
	}
	return "insert"
}

// OrderFields carries the column values one replication statement assigned.
// Nil means "not mentioned by this statement"; merge logic depends on that
// distinction, so nothing here defaults to a zero value.
type OrderFields struct {
	Symbol        *string
	Status        *string
	BuyPrice      *float64
	SellPrice     *float64
	Quantity      *float64
	ProfitBTC     *float64
	ProfitPercent *float64
	Strategy      *string
	BaseCurrency  *BaseCurrency
	IsEmulator    *bool
	IsShort       *bool
	OpenedAt      *time.Time
	ClosedAt      *time.Time
	BuyDate       *int64
	CloseDate     *int64
	BotName       *string
	Comment       *string
	Exchange      *string
	SignalName    *string
	TaskID        *int64
	StopLoss      *float64
	TakeProfit    *float64
	BuyFee        *float64
	SellFee       *float64
}

// Overlay copies every non-nil field of in over f.
func (f *OrderFields) Overlay(in OrderFields) {
	if in.Symbol != nil {
		f.Symbol = in.Symbol
	}
	if in.Status != nil {
		f.Status = in.Status
	}
	if in.BuyPrice != nil {
		f.BuyPrice = in.BuyPrice
	}
	if in.SellPrice != nil {
		f.SellPrice = in.SellPrice
	}
	if in.Quantity != nil {
		f.Quantity = in.Quantity
	}
	if in.ProfitBTC != nil {
		f.ProfitBTC = in.ProfitBTC
	}
	if in.ProfitPercent != nil {
		f.ProfitPercent = in.ProfitPercent
	}
	if in.Strategy != nil {
		f.Strategy = in.Strategy
	}
	if in.BaseCurrency != nil {
		f.BaseCurrency = in.BaseCurrency
	}
	if in.IsEmulator != nil {
		f.IsEmulator = in.IsEmulator
	}
	if in.IsShort != nil {
		f.IsShort = in.IsShort
	}
	if in.OpenedAt != nil {
		f.OpenedAt = in.OpenedAt
	}
	if in.ClosedAt != nil {
		f.ClosedAt = in.ClosedAt
	}
	if in.BuyDate != nil {
		f.BuyDate = in.BuyDate
	}
	if in.CloseDate != nil {
		f.CloseDate = in.CloseDate
	}
	if in.BotName != nil {
		f.BotName = in.BotName
	}
	if in.Comment != nil {
		f.Comment = in.Comment
	}
	if in.Exchange != nil {
		f.Exchange = in.Exchange
	}
	if in.SignalName != nil {
		f.SignalName = in.SignalName
	}
	if in.TaskID != nil {
		f.TaskID = in.TaskID
	}
	if in.StopLoss != nil {
		f.StopLoss = in.StopLoss
	}
	if in.TakeProfit != nil {
		f.TakeProfit = in.TakeProfit
	}
	if in.BuyFee != nil {
		f.BuyFee = in.BuyFee
	}
	if in.SellFee != nil {
		f.SellFee = in.SellFee
	}
}

// Backfill copies non-nil fields of in into f only where f is still unset.
// Used when a real INSERT arrives for a row stubbed out by an earlier UPDATE:
// the UPDATE's explicit values keep precedence.
func (f *OrderFields) Backfill(in OrderFields) {
	merged := in
	merged.Overlay(*f)
	*f = merged
}

// OrderMutation is one parsed replication statement targeting the Orders
// table, keyed by the bot's own order id.
type OrderMutation struct {
	Kind      MutationKind
	CommandID int64
	OrderID   int64
	Fields    OrderFields

	// UnknownCurrency flags a currency literal outside the known set; the
	// value normalizes to USDT and the ingest pipeline counts the event.
	UnknownCurrency bool
}
