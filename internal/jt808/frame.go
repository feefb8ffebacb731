// Package jt808 implements the JT/T 808-2013 wire framing and the message
// bodies of its JT/T 1078-2016 video extension.
package jt808

import (
	"encoding/binary"
	"errors"
	"fmt"
)

/*
 * JT/T 808 frame layout (all multi-byte fields big-endian):
 *
 * uint8     Start flag (0x7E)
 * uint16    Message ID
 * uint16    Attributes: bits 0..9 body length, bits 10..12 encryption,
 *           bit 13 fragmented, bits 14..15 reserved
 * uint8[6]  Terminal phone number (BCD)
 * uint16    Sequence
 * uint16    Package items  (only when fragmented)
 * uint16    Package number (only when fragmented, 1-indexed)
 * uint8[]   Body (0-1023 bytes)
 * uint8     BCC: XOR of message ID through end of body
 * uint8     End flag (0x7E)
 *
 * Between the flags every 0x7E is sent as 0x7D 0x02 and every 0x7D as
 * 0x7D 0x01.
 */

const (
	Flag       = 0x7E
	Escape     = 0x7D
	escForFlag = 0x02
	escForEsc  = 0x01

	// MaxBody is the largest body a non-fragmented frame can carry
	// (attribute bits 0..9).
	MaxBody = 1023

	headerLen     = 12 // id(2) + attrs(2) + phone(6) + seq(2)
	fragExtraLen  = 4  // items(2) + number(2)
	attrLenMask   = 0x03FF
	attrFragBit   = 0x2000
	attrCryptMask = 0x1C00
)

var (
	// ErrResync reports garbage that was skipped while hunting for an
	// opening flag. The returned count has already been consumed.
	ErrResync = errors.New("resync: skipped bytes before frame flag")

	errNoTerminator = errors.New("no frame terminator")
)

// Frame is one extracted JT/T 808 frame, unstuffed and header-split.
type Frame struct {
	MsgID      uint16
	Attributes uint16
	Terminal   string // decoded BCD phone, 0xF padding stripped
	Seq        uint16

	// Fragmentation sub-header, valid only when Fragmented() is true.
	PackageItems  uint16
	PackageNumber uint16

	Body     []byte
	Checksum byte

	// ChecksumOK is false when the received BCC did not match. The frame
	// is still delivered; some firmwares compute the BCC wrong and the
	// payload is usable anyway.
	ChecksumOK bool
}

// Fragmented reports whether the attributes carry the fragmentation bit.
func (f *Frame) Fragmented() bool { return f.Attributes&attrFragBit != 0 }

// Encrypted returns the 3-bit encryption field (0 = plaintext).
func (f *Frame) Encrypted() uint8 { return uint8((f.Attributes & attrCryptMask) >> 10) }

// Xor is the BCC over a span: the XOR of every byte.
func Xor(b []byte) byte {
	var c byte
	for _, x := range b {
		c ^= x
	}
	return c
}

// Stuff escapes a span for transmission between flags.
func Stuff(src []byte) []byte {
	dst := make([]byte, 0, len(src)+len(src)/8)
	for _, b := range src {
		switch b {
		case Flag:
			dst = append(dst, Escape, escForFlag)
		case Escape:
			dst = append(dst, Escape, escForEsc)
		default:
			dst = append(dst, b)
		}
	}
	return dst
}

// Unstuff reverses Stuff. A 0x7D not followed by 0x01/0x02 (including one
// ending the span) passes through verbatim; real devices emit these.
func Unstuff(src []byte) []byte {
	dst := make([]byte, 0, len(src))
	for i := 0; i < len(src); i++ {
		if src[i] == Escape && i+1 < len(src) {
			switch src[i+1] {
			case escForFlag:
				dst = append(dst, Flag)
				i++
				continue
			case escForEsc:
				dst = append(dst, Escape)
				i++
				continue
			}
		}
		dst = append(dst, src[i])
	}
	return dst
}

// Extract scans buf for the first complete frame.
//
// Returns (frame, consumed, nil) when a frame was delimited and parsed;
// consumed covers through its closing flag. Returns (nil, 0, nil) when the
// buffer holds no complete frame yet and nothing can be discarded. Returns
// (nil, n, err) when n bytes must be dropped: ErrResync for garbage before
// an opening flag, otherwise a structural error in the first candidate.
// Callers loop until frame == nil && consumed == 0.
func Extract(buf []byte) (*Frame, int, error) {
	// Hunt the opening flag.
	start := -1
	for i, b := range buf {
		if b == Flag {
			start = i
			break
		}
	}
	if start < 0 {
		if len(buf) == 0 {
			return nil, 0, nil
		}
		return nil, len(buf), ErrResync
	}
	if start > 0 {
		return nil, start, ErrResync
	}

	// Hunt the closing flag.
	end := -1
	for i := 1; i < len(buf); i++ {
		if buf[i] == Flag {
			end = i
			break
		}
	}
	if end < 0 {
		return nil, 0, nil
	}
	if end == 1 {
		// 7E 7E: empty candidate, drop the first flag and rescan.
		return nil, 1, fmt.Errorf("%w: empty frame candidate", ErrResync)
	}

	raw := Unstuff(buf[1:end])
	f, err := parseFrame(raw)
	if err != nil {
		return nil, end + 1, fmt.Errorf("frame at 0..%d: %w", end, err)
	}
	return f, end + 1, nil
}

func parseFrame(raw []byte) (*Frame, error) {
	if len(raw) < headerLen+1 { // header + BCC
		return nil, fmt.Errorf("interior too short: %d bytes", len(raw))
	}

	f := &Frame{
		MsgID:      binary.BigEndian.Uint16(raw[0:2]),
		Attributes: binary.BigEndian.Uint16(raw[2:4]),
		Terminal:   DecodeTerminal(raw[4:10]),
		Seq:        binary.BigEndian.Uint16(raw[10:12]),
	}

	bodyStart := headerLen
	if f.Fragmented() {
		if len(raw) < headerLen+fragExtraLen+1 {
			return nil, fmt.Errorf("fragmented header truncated: %d bytes", len(raw))
		}
		f.PackageItems = binary.BigEndian.Uint16(raw[12:14])
		f.PackageNumber = binary.BigEndian.Uint16(raw[14:16])
		bodyStart += fragExtraLen
	}

	declared := int(f.Attributes & attrLenMask)
	avail := len(raw) - bodyStart - 1 // minus trailing BCC
	if declared > avail {
		return nil, fmt.Errorf("declared body %d exceeds remainder %d", declared, avail)
	}
	// Devices routinely under-declare; the usable body is whatever sits
	// between the header and the BCC, so trust the framing over the
	// attribute field.
	f.Body = make([]byte, avail)
	copy(f.Body, raw[bodyStart:bodyStart+avail])
	f.Checksum = raw[len(raw)-1]
	f.ChecksumOK = Xor(raw[:len(raw)-1]) == f.Checksum
	return f, nil
}

// Build frames one non-fragmented message: header, body, BCC, stuffing,
// flags. The terminal id is a digit string packed as BCD.
func Build(msgID uint16, terminal string, seq uint16, body []byte) ([]byte, error) {
	if len(body) > MaxBody {
		return nil, fmt.Errorf("body %d exceeds %d bytes", len(body), MaxBody)
	}
	return build(msgID, terminal, seq, body, 0, 0)
}

// BuildFragment frames one part of a fragmented message. number is
// 1-indexed and must not exceed items.
func BuildFragment(msgID uint16, terminal string, seq uint16, body []byte, items, number uint16) ([]byte, error) {
	if len(body) > MaxBody {
		return nil, fmt.Errorf("body %d exceeds %d bytes", len(body), MaxBody)
	}
	if items == 0 || number == 0 || number > items {
		return nil, fmt.Errorf("bad fragment numbering %d/%d", number, items)
	}
	return build(msgID, terminal, seq, body, items, number)
}

func build(msgID uint16, terminal string, seq uint16, body []byte, items, number uint16) ([]byte, error) {
	phone, err := EncodeBCD(terminal, 6)
	if err != nil {
		return nil, fmt.Errorf("terminal id: %w", err)
	}

	attrs := uint16(len(body)) & attrLenMask
	hlen := headerLen
	if items > 0 {
		attrs |= attrFragBit
		hlen += fragExtraLen
	}

	raw := make([]byte, hlen+len(body)+1)
	binary.BigEndian.PutUint16(raw[0:2], msgID)
	binary.BigEndian.PutUint16(raw[2:4], attrs)
	copy(raw[4:10], phone)
	binary.BigEndian.PutUint16(raw[10:12], seq)
	if items > 0 {
		binary.BigEndian.PutUint16(raw[12:14], items)
		binary.BigEndian.PutUint16(raw[14:16], number)
	}
	copy(raw[hlen:], body)
	raw[len(raw)-1] = Xor(raw[:len(raw)-1])

	stuffed := Stuff(raw)
	out := make([]byte, 0, len(stuffed)+2)
	out = append(out, Flag)
	out = append(out, stuffed...)
	out = append(out, Flag)
	return out, nil
}
