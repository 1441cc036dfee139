// Package frame splits a flow's byte stream into length-prefixed frames.
//
// Wire layout of one frame:
//
//	+--------+------------------+---------+
//	| header | payload length   | payload |
//	+--------+------------------+---------+
//	|   2B   | 4B little-endian |   var   |
package frame

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
)

// Frame field sizes in bytes.
const (
	HeaderLen = 2
	LengthLen = 4
	PrefixLen = HeaderLen + LengthLen
)

// maxPayload is the largest payload length whose frame size still fits in an int.
const maxPayload = uint64(math.MaxInt) - PrefixLen

// ParseError reports a length field that cannot be turned into a frame size.
// Everything from Offset on is left as remainder.
type ParseError struct {
	Offset int
	Length uint64
	Prefix []byte
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("frame: unusable payload length %d at offset %d (prefix %s)", e.Length, e.Offset, hex.EncodeToString(e.Prefix))
}

// Header is the decoded prefix of one frame.
type Header struct {
	Opcode uint16 // first two bytes, little-endian; opaque to the relay path
	Length uint32
}

// Split returns every complete frame at the start of buf and the unconsumed remainder.
// The returned slices alias buf. concat(frames) followed by rest is always equal to buf.
func Split(buf []byte) (frames [][]byte, rest []byte, err error) {
	return SplitLimit(buf, maxPayload)
}

// SplitLimit is Split with an explicit ceiling on the payload length. A length above
// limit stops the scan with a *ParseError.
func SplitLimit(buf []byte, limit uint64) (frames [][]byte, rest []byte, err error) {
	off := 0
	for len(buf)-off >= PrefixLen {
		l := uint64(binary.LittleEndian.Uint32(buf[off+HeaderLen : off+PrefixLen]))
		if l > limit {
			err = &ParseError{Offset: off, Length: l, Prefix: append([]byte(nil), buf[off:off+PrefixLen]...)}
			break
		}
		size := PrefixLen + int(l)
		if len(buf)-off < size {
			break
		}
		frames = append(frames, buf[off:off+size])
		off += size
	}
	return frames, buf[off:], err
}

// Parse decodes the prefix of a single complete frame and returns its payload.
func Parse(f []byte) (Header, []byte, error) {
	if len(f) < PrefixLen {
		return Header{}, nil, fmt.Errorf("frame: short frame (%d bytes)", len(f))
	}
	h := Header{
		Opcode: binary.LittleEndian.Uint16(f[:HeaderLen]),
		Length: binary.LittleEndian.Uint32(f[HeaderLen:PrefixLen]),
	}
	if uint64(len(f)-PrefixLen) != uint64(h.Length) {
		return h, nil, fmt.Errorf("frame: length field %d does not match payload of %d bytes", h.Length, len(f)-PrefixLen)
	}
	return h, f[PrefixLen:], nil
}

// Encode builds a frame from an opcode and payload.
func Encode(opcode uint16, payload []byte) []byte {
	out := make([]byte, PrefixLen+len(payload))
	binary.LittleEndian.PutUint16(out[:HeaderLen], opcode)
	binary.LittleEndian.PutUint32(out[HeaderLen:PrefixLen], uint32(len(payload)))
	copy(out[PrefixLen:], payload)
	return out
}

// Join concatenates frames into one buffer.
func Join(frames [][]byte) []byte {
	n := 0
	for _, f := range frames {
		n += len(f)
	}
	out := make([]byte, 0, n)
	for _, f := range frames {
		out = append(out, f...)
	}
	return out
}
