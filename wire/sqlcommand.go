package wire

import (
	"regexp"
	"strconv"
)

// sqlCommandMarker delimits the logical rows of the replication stream. Each
// row runs from its marker to the next marker (or end of text), so statements
// spanning multiple lines stay intact.
var sqlCommandMarker = regexp.MustCompile(`\[SQLCommand (\d+)\]`)

// SQLCommand is one logical replication row carried inside a packet.
type SQLCommand struct {
	// CommandID is the bot's monotonic per-server counter; together with the
	// server id it dedups UDP retries.
	CommandID int64

	// Text is the full match including the [SQLCommand N] marker.
	Text string

	// Statement is the SQL body after the marker.
	Statement string
}

// ExtractSQLCommands returns every [SQLCommand N] entry in order of
// appearance. Text without markers yields nil.
func ExtractSQLCommands(text string) []SQLCommand {
	marks := sqlCommandMarker.FindAllStringSubmatchIndex(text, -1)
	if len(marks) == 0 {
		return nil
	}
	out := make([]SQLCommand, 0, len(marks))
	for i, m := range marks {
		end := len(text)
		if i+1 < len(marks) {
			end = marks[i+1][0]
		}
		id, err := strconv.ParseInt(text[m[2]:m[3]], 10, 64)
		if err != nil {
			continue
		}
		full := text[m[0]:end]
		out = append(out, SQLCommand{
			CommandID: id,
			Text:      full,
			Statement: trimMarker(full, m[1]-m[0]),
		})
	}
	return out
}

func trimMarker(full string, markerEnd int) string {
	// markerEnd points just past the closing bracket; skip any whitespace
	// between the marker and the statement.
	rest := full[markerEnd:]
	for len(rest) > 0 && (rest[0] == ' ' || rest[0] == '\n' || rest[0] == '\r' || rest[0] == '\t') {
		rest = rest[1:]
	}
	return rest
}

// SQLCommands pulls replication rows out of the packet, preferring the
// dedicated sql field and falling back to a string data field.
func (p *Packet) SQLCommands() []SQLCommand {
	if p.SQL != "" {
		if cmds := ExtractSQLCommands(p.SQL); len(cmds) > 0 {
			return cmds
		}
	}
	if s := p.dataString(); s != "" {
		return ExtractSQLCommands(s)
	}
	return nil
}
