// Package sanitize makes strings taken from access logs safe to print and
// safe to embed in web-server configuration.
package sanitize

import (
	"errors"
	"net/netip"
	"strings"
)

const (
	DefaultMaxDisplayLength = 256

	// MaxClientKeyLength matches the longest DNS name; no address is longer.
	MaxClientKeyLength = 253
)

var (
	ErrEmptyKey  = errors.New("client key is empty")
	ErrKeyLength = errors.New("client key too long")
	ErrKeyByte   = errors.New("client key contains a byte not allowed in server config")
)

// ForLog replaces control and escape bytes with visible markers and
// truncates the result to maxLen (0 means no limit).
func ForLog(s string, maxLen int) string {
	out := s
	if needsEscaping(s) {
		var b strings.Builder
		b.Grow(len(s))
		for i := 0; i < len(s); i++ {
			switch c := s[i]; {
			case c == 0x1B:
				b.WriteString("[ESC]")
			case c == '\t' || c == '\n':
				b.WriteByte(' ')
			case c == '\r':
				b.WriteString("[CR]")
			case c < 0x20:
				b.WriteString("[CTRL]")
			case c == 0x7F:
				b.WriteString("[DEL]")
			default:
				b.WriteByte(c)
			}
		}
		out = b.String()
	}

	if maxLen > 0 && len(out) > maxLen {
		if maxLen > 3 {
			return out[:maxLen-3] + "..."
		}
		return out[:maxLen]
	}
	return out
}

func needsEscaping(s string) bool {
	for i := 0; i < len(s); i++ {
		if c := s[i]; c < 0x20 || c == 0x7F {
			return true
		}
	}
	return false
}

// ClientKey validates s as a key of an nginx geo/map block line and returns
// its canonical form. Addresses and prefixes are normalised with net/netip
// ("::FFFF:10.0.0.1" and "10.0.0.1" are different keys, but "2001:DB8::1"
// becomes "2001:db8::1"); anything else must be a single bare token.
func ClientKey(s string) (string, error) {
	if s == "" {
		return "", ErrEmptyKey
	}
	if len(s) > MaxClientKeyLength {
		return "", ErrKeyLength
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.String(), nil
	}
	if prefix, err := netip.ParsePrefix(s); err == nil {
		return prefix.String(), nil
	}
	for i := 0; i < len(s); i++ {
		if !tokenByte(s[i]) {
			return "", ErrKeyByte
		}
	}
	return s, nil
}

// tokenByte allows what may appear unquoted in nginx config without ending
// the directive, opening a block, starting a comment or a variable.
func tokenByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '.' || c == ':' || c == '-' || c == '_' || c == '/' || c == '[' || c == ']':
		return true
	}
	return false
}
