// Package wire implements the MoonBot UDP wire protocol: HMAC-authenticated
// command frames outbound, gzip-compressed JSON envelopes inbound, and the
// SQL replication stream embedded in either.
package wire

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/moonfleet/moonfleet/moonbot"
)

const (
	// MaxDatagramBytes is the theoretical UDP payload ceiling (IPv4, no
	// jumbograms). Frames are rejected before transmission when the encoded
	// form would not fit.
	MaxDatagramBytes = 65507

	// DefaultMaxCommandBytes caps the command portion well below the datagram
	// ceiling, leaving room for the HMAC prefix.
	DefaultMaxCommandBytes = 60000
)

// Signature returns the lowercase hex HMAC-SHA256 of cmd under password.
func Signature(password, cmd string) string {
	mac := hmac.New(sha256.New, []byte(password))
	mac.Write([]byte(cmd))
	return hex.EncodeToString(mac.Sum(nil))
}

// BuildFrame produces the authenticated wire form of cmd. Peers without a
// password receive the bare command. maxCommandBytes <= 0 falls back to the
// default limit.
func BuildFrame(cmd, password string, maxCommandBytes int) (string, error) {
	if maxCommandBytes <= 0 {
		maxCommandBytes = DefaultMaxCommandBytes
	}
	if len(cmd) > maxCommandBytes {
		return "", fmt.Errorf("%w: %d bytes (limit %d)", moonbot.ErrCommandTooLong, len(cmd), maxCommandBytes)
	}
	if password == "" {
		return cmd, nil
	}
	frame := Signature(password, cmd) + " " + cmd
	if len(frame) > MaxDatagramBytes {
		return "", fmt.Errorf("%w: framed size %d exceeds datagram ceiling", moonbot.ErrCommandTooLong, len(frame))
	}
	return frame, nil
}

// VerifyFrame checks the HMAC prefix of an inbound frame and returns the
// command portion. Frames from passwordless peers pass through unchanged.
func VerifyFrame(frame, password string) (string, error) {
	if password == "" {
		return frame, nil
	}
	sig, cmd, found := strings.Cut(frame, " ")
	if !found {
		return "", fmt.Errorf("%w: missing signature prefix", moonbot.ErrAuthFailure)
	}
	want := Signature(password, cmd)
	if !hmac.Equal([]byte(strings.ToLower(sig)), []byte(want)) {
		return "", moonbot.ErrAuthFailure
	}
	return cmd, nil
}
