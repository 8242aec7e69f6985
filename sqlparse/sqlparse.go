// Package sqlparse turns the bot's replicated SQL statements into typed order
// mutations. Statements are parsed, never executed: only INSERT/UPDATE against
// the bot's Orders table are meaningful, everything else is reported to the
// caller as unhandled.
package sqlparse

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/moonfleet/moonfleet/moonbot"
	"github.com/moonfleet/moonfleet/wire"
)

var (
	// ErrNotOrders marks statements that do not target the Orders table.
	ErrNotOrders = errors.New("sqlparse: statement does not target Orders")

	// ErrMalformed marks statements the heuristic parser cannot make sense
	// of. They go to the api-error feed and are dropped.
	ErrMalformed = errors.New("sqlparse: malformed statement")
)

var (
	insertRe = regexp.MustCompile(`(?is)^\s*INSERT\s+(?:OR\s+\w+\s+)?INTO\s+["'\x60\[]?Orders["'\x60\]]?\s*\(([^)]+)\)\s*VALUES\s*\((.*)\)\s*;?\s*$`)
	updateRe = regexp.MustCompile(`(?is)^\s*UPDATE\s+["'\x60\[]?Orders["'\x60\]]?\s+SET\s+(.*?)\s+WHERE\s+(.*?)\s*;?\s*$`)
	whereID  = regexp.MustCompile(`(?i)\bID\s*=\s*(\d+)`)
)

// Parse maps one replication row onto an order mutation. ErrNotOrders means
// the statement targets another table and can be ignored; ErrMalformed means
// it looked like an Orders statement but could not be parsed.
func Parse(cmd wire.SQLCommand) (*moonbot.OrderMutation, error) {
	stmt := strings.TrimSpace(cmd.Statement)

	if m := insertRe.FindStringSubmatch(stmt); m != nil {
		return parseInsert(cmd.CommandID, m[1], m[2])
	}
	if m := updateRe.FindStringSubmatch(stmt); m != nil {
		return parseUpdate(cmd.CommandID, m[1], m[2])
	}

	upper := strings.ToUpper(stmt)
	if strings.HasPrefix(upper, "INSERT") || strings.HasPrefix(upper, "UPDATE") {
		if strings.Contains(upper, "ORDERS") {
			return nil, fmt.Errorf("%w: %.80s", ErrMalformed, stmt)
		}
	}
	return nil, ErrNotOrders
}

func parseInsert(commandID int64, colList, valList string) (*moonbot.OrderMutation, error) {
	cols := splitColumns(colList)
	vals, err := splitValues(valList)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 || len(cols) != len(vals) {
		return nil, fmt.Errorf("%w: %d columns, %d values", ErrMalformed, len(cols), len(vals))
	}

	mut := &moonbot.OrderMutation{Kind: moonbot.MutationInsert, CommandID: commandID}
	for i, col := range cols {
		applyColumn(mut, col, vals[i])
	}
	if mut.OrderID == 0 {
		return nil, fmt.Errorf("%w: INSERT without ID column", ErrMalformed)
	}
	return mut, nil
}

func parseUpdate(commandID int64, setList, whereClause string) (*moonbot.OrderMutation, error) {
	m := whereID.FindStringSubmatch(whereClause)
	if m == nil {
		return nil, fmt.Errorf("%w: UPDATE without ID predicate", ErrMalformed)
	}
	orderID, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	assignments, err := splitValues(setList)
	if err != nil {
		return nil, err
	}

	mut := &moonbot.OrderMutation{Kind: moonbot.MutationUpdate, CommandID: commandID, OrderID: orderID}
	for _, assignment := range assignments {
		col, val, found := cutAssignment(assignment)
		if !found {
			return nil, fmt.Errorf("%w: assignment %q", ErrMalformed, assignment)
		}
		applyColumn(mut, col, val)
	}
	return mut, nil
}

// cutAssignment splits "Col = value" at the first top-level '='. The value may
// itself contain '=' inside quotes.
func cutAssignment(s string) (col, val string, found bool) {
	idx := strings.IndexByte(s, '=')
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(s[:idx]), strings.TrimSpace(s[idx+1:]), true
}

func splitColumns(list string) []string {
	parts := strings.Split(list, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		col := strings.Trim(strings.TrimSpace(p), "\"'`[]")
		if col != "" {
			out = append(out, col)
		}
	}
	return out
}

// splitValues splits a comma-separated list while respecting single-quoted
// strings (with '' escapes) and nested parentheses.
func splitValues(list string) ([]string, error) {
	var (
		out      []string
		depth    int
		inQuote  bool
		start    int
		contents = list
	)
	for i := 0; i < len(contents); i++ {
		c := contents[i]
		switch {
		case inQuote:
			if c == '\'' {
				if i+1 < len(contents) && contents[i+1] == '\'' {
					i++ // escaped quote
					continue
				}
				inQuote = false
			}
		case c == '\'':
			inQuote = true
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("%w: unbalanced parentheses", ErrMalformed)
			}
		case c == ',' && depth == 0:
			out = append(out, strings.TrimSpace(contents[start:i]))
			start = i + 1
		}
	}
	if inQuote {
		return nil, fmt.Errorf("%w: unterminated string literal", ErrMalformed)
	}
	if tail := strings.TrimSpace(contents[start:]); tail != "" {
		out = append(out, tail)
	}
	return out, nil
}

func unquote(val string) (string, bool) {
	if len(val) >= 2 && val[0] == '\'' && val[len(val)-1] == '\'' {
		return strings.ReplaceAll(val[1:len(val)-1], "''", "'"), true
	}
	return val, false
}

func isNull(val string) bool {
	return strings.EqualFold(val, "NULL")
}
