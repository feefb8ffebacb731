package jt808

import (
	"fmt"
	"strings"
	"time"
)

const bcdDigits = "0123456789abcdef"

// EncodeBCD packs a digit string into n octets, two nibbles per octet,
// padding the tail with 0xF nibbles. Hex letters are accepted so that a
// decoded value (padding included) re-encodes to the same bytes.
func EncodeBCD(digits string, n int) ([]byte, error) {
	if len(digits) > 2*n {
		return nil, fmt.Errorf("%q does not fit in %d BCD octets", digits, n)
	}
	out := make([]byte, n)
	for i := range out {
		out[i] = 0xFF
	}
	for i, r := range strings.ToLower(digits) {
		v := strings.IndexRune(bcdDigits, r)
		if v < 0 {
			return nil, fmt.Errorf("%q is not a BCD digit string", digits)
		}
		if i%2 == 0 {
			out[i/2] = byte(v)<<4 | 0x0F
		} else {
			out[i/2] = out[i/2]&0xF0 | byte(v)
		}
	}
	return out, nil
}

// DecodeBCD expands BCD octets to one character per nibble.
func DecodeBCD(b []byte) string {
	var sb strings.Builder
	sb.Grow(2 * len(b))
	for _, x := range b {
		sb.WriteByte(bcdDigits[x>>4])
		sb.WriteByte(bcdDigits[x&0x0F])
	}
	return sb.String()
}

// DecodeTerminal decodes a BCD terminal phone field, stripping trailing
// 0xF padding nibbles.
func DecodeTerminal(b []byte) string {
	return strings.TrimRight(DecodeBCD(b), "f")
}

// BCDTime packs a timestamp as the 6-octet YYMMDDHHmmss form used by the
// video messages.
func BCDTime(t time.Time) []byte {
	s := t.Format("060102150405")
	b, _ := EncodeBCD(s, 6) // always 12 digits
	return b
}

// ParseBCDTime decodes a 6-octet YYMMDDHHmmss timestamp. Years map to
// 2000-2099.
func ParseBCDTime(b []byte) (time.Time, error) {
	if len(b) != 6 {
		return time.Time{}, fmt.Errorf("BCD time must be 6 octets, got %d", len(b))
	}
	s := DecodeBCD(b)
	t, err := time.ParseInLocation("060102150405", s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("BCD time %q: %w", s, err)
	}
	return t, nil
}
