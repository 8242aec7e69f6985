package sqlparse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/moonfleet/moonfleet/moonbot"
	"github.com/moonfleet/moonfleet/wire"
)

func cmd(id int64, stmt string) wire.SQLCommand {
	return wire.SQLCommand{CommandID: id, Statement: stmt}
}

func TestParseInsert(t *testing.T) {
	mut, err := Parse(cmd(42, "INSERT INTO Orders (ID,Symbol,Status) VALUES (7,'BTCUSDT','Open')"))
	require.NoError(t, err)
	require.Equal(t, moonbot.MutationInsert, mut.Kind)
	require.EqualValues(t, 42, mut.CommandID)
	require.EqualValues(t, 7, mut.OrderID)
	require.Equal(t, "BTCUSDT", *mut.Fields.Symbol)
	require.Equal(t, "Open", *mut.Fields.Status)
	require.Nil(t, mut.Fields.BuyPrice)
}

func TestParseUpdate(t *testing.T) {
	mut, err := Parse(cmd(10, "UPDATE Orders SET Status='Closed', ClosePrice=0.5 WHERE ID=99"))
	require.NoError(t, err)
	require.Equal(t, moonbot.MutationUpdate, mut.Kind)
	require.EqualValues(t, 99, mut.OrderID)
	require.Equal(t, "Closed", *mut.Fields.Status)
	require.Equal(t, 0.5, *mut.Fields.SellPrice)
}

func TestParseValueLexing(t *testing.T) {
	mut, err := Parse(cmd(1, "UPDATE Orders SET Comment='it''s a, tricky (one)', BuyPrice=0.4 WHERE ID=3"))
	require.NoError(t, err)
	require.Equal(t, "it's a, tricky (one)", *mut.Fields.Comment)
	require.Equal(t, 0.4, *mut.Fields.BuyPrice)
}

func TestParseCoercions(t *testing.T) {
	mut, err := Parse(cmd(2, "INSERT INTO Orders (ID,BaseCurrency,IsEmulator,BuyDate,OpenedAt) "+
		"VALUES (5,'BTC',1,1719850000,'2024-07-01 12:30:00')"))
	require.NoError(t, err)
	require.Equal(t, moonbot.CurrencyBTC, *mut.Fields.BaseCurrency)
	require.True(t, *mut.Fields.IsEmulator)
	require.EqualValues(t, 1719850000, *mut.Fields.BuyDate)
	require.Equal(t, time.Date(2024, 7, 1, 12, 30, 0, 0, time.UTC), *mut.Fields.OpenedAt)
}

func TestParseEpochAcceptsISO(t *testing.T) {
	mut, err := Parse(cmd(3, "UPDATE Orders SET CloseDate='2024-07-01 00:00:00' WHERE ID=4"))
	require.NoError(t, err)
	require.EqualValues(t, time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC).Unix(), *mut.Fields.CloseDate)
}

func TestParseUnknownColumnsIgnored(t *testing.T) {
	mut, err := Parse(cmd(4, "INSERT INTO Orders (ID,FutureColumn,Symbol) VALUES (8,'xyz','ETHUSDT')"))
	require.NoError(t, err)
	require.EqualValues(t, 8, mut.OrderID)
	require.Equal(t, "ETHUSDT", *mut.Fields.Symbol)
}

func TestParseNullKeepsFieldUnset(t *testing.T) {
	mut, err := Parse(cmd(5, "UPDATE Orders SET Comment=NULL, Status='Open' WHERE ID=2"))
	require.NoError(t, err)
	require.Nil(t, mut.Fields.Comment)
	require.Equal(t, "Open", *mut.Fields.Status)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		stmt string
		want error
	}{
		{name: "other table", stmt: "INSERT INTO Balances (ID) VALUES (1)", want: ErrNotOrders},
		{name: "select", stmt: "SELECT * FROM Orders", want: ErrNotOrders},
		{name: "column value mismatch", stmt: "INSERT INTO Orders (ID,Symbol) VALUES (1)", want: ErrMalformed},
		{name: "update without id", stmt: "UPDATE Orders SET Status='Open' WHERE Symbol='X'", want: ErrMalformed},
		{name: "unterminated literal", stmt: "UPDATE Orders SET Comment='oops WHERE ID=1", want: ErrMalformed},
		{name: "insert without id", stmt: "INSERT INTO Orders (Symbol) VALUES ('X')", want: ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(cmd(1, tt.stmt))
			require.ErrorIs(t, err, tt.want)
		})
	}
}
