package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"

	"github.com/moonfleet/moonfleet/moonbot"
)

var gzipMagic = []byte{0x1f, 0x8b}

// IsCompressed reports whether raw starts with the gzip magic bytes.
func IsCompressed(raw []byte) bool {
	return bytes.HasPrefix(raw, gzipMagic)
}

// Packet is one decoded bot datagram. Bots reply with gzip-compressed UTF-8
// JSON; legacy errors arrive as raw text starting with "ERR".
type Packet struct {
	// Raw is the datagram after decompression (or verbatim when the payload
	// was not gzip).
	Raw []byte

	// Text is the UTF-8 decoded form of Raw, invalid sequences replaced.
	Text string

	// Payload holds the top-level JSON object, nil when the payload was not
	// an object.
	Payload map[string]json.RawMessage

	// Conventional fields extracted from Payload.
	Cmd     string
	Data    json.RawMessage
	SQL     string
	Status  string
	Message string
	Error   string
	Seq     int64
	HasSeq  bool

	// Incomplete marks a gzip stream that ended early (a fragmented UDP
	// datagram, not a decode failure). Raw retains the original bytes so the
	// event can still be counted and inspected.
	Incomplete bool

	decodeFailed bool
}

// Decode parses one datagram. A truncated gzip stream yields an Incomplete
// packet and a nil error; anything else undecodable yields a packet flagged
// as an error plus moonbot.ErrDecodeFailure.
func Decode(raw []byte) (*Packet, error) {
	body := raw
	if bytes.HasPrefix(raw, gzipMagic) {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			// A datagram cut inside the gzip header is a fragment like any
			// other truncation.
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return &Packet{Raw: raw, Incomplete: true}, nil
			}
			return &Packet{Raw: raw, Text: decodeUTF8(raw), decodeFailed: true},
				fmt.Errorf("%w: gzip header: %v", moonbot.ErrDecodeFailure, err)
		}
		inflated, err := io.ReadAll(zr)
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return &Packet{Raw: raw, Incomplete: true}, nil
			}
			return &Packet{Raw: raw, Text: decodeUTF8(raw), decodeFailed: true},
				fmt.Errorf("%w: gunzip: %v", moonbot.ErrDecodeFailure, err)
		}
		body = inflated
	}

	p := &Packet{Raw: body, Text: decodeUTF8(body)}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err == nil {
		p.Payload = payload
		p.Cmd = stringField(payload, "cmd")
		p.Data = payload["data"]
		p.SQL = stringField(payload, "sql")
		p.Status = stringField(payload, "status")
		p.Message = stringField(payload, "message")
		p.Error = stringField(payload, "error")
		if raw, ok := payload["seq"]; ok {
			if err := json.Unmarshal(raw, &p.Seq); err == nil {
				p.HasSeq = true
			}
		}
	}

	return p, nil
}

// IsError classifies the packet per the wire protocol: failed decompression,
// error-ish cmd/status values, any conventional string field starting with
// "ERR", or legacy raw text starting with "ERR".
func (p *Packet) IsError() bool {
	if p.decodeFailed {
		return true
	}
	switch strings.ToLower(p.Cmd) {
	case "error", "err", "failed", "fail":
		return true
	}
	switch strings.ToLower(p.Status) {
	case "error", "err", "failed":
		return true
	}
	for _, field := range []string{p.SQL, p.Message, p.Error, p.dataString()} {
		if strings.HasPrefix(field, "ERR") {
			return true
		}
	}
	return strings.HasPrefix(p.Text, "ERR")
}

// PreferredText is the display form of the packet: data when it is a string,
// else sql, else the raw JSON text.
func (p *Packet) PreferredText() string {
	if s := p.dataString(); s != "" {
		return s
	}
	if p.SQL != "" {
		return p.SQL
	}
	return p.Text
}

// DataString returns data when the payload carried it as a JSON string.
func (p *Packet) DataString() string { return p.dataString() }

func (p *Packet) dataString() string {
	if len(p.Data) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(p.Data, &s); err != nil {
		return ""
	}
	return s
}

func stringField(payload map[string]json.RawMessage, key string) string {
	raw, ok := payload[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func decodeUTF8(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	return strings.ToValidUTF8(string(raw), string(utf8.RuneError))
}

// Encode gzips a JSON-encodable value the way bots frame their replies. Used
// by tests and the embedded bot simulator.
func Encode(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
