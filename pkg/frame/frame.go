// Package frame implements the start/end delimited envelope used to carry
// packets over byte-stream transports.
package frame

import (
	"encoding/binary"
	"math"
)

const (
	// HeaderSize is the size of start byte + timestamp + length.
	HeaderSize = 7
	// FooterSize is the size of the end byte.
	FooterSize = 1
	// MaxPayload is the largest payload a frame length field can describe.
	MaxPayload = math.MaxUint16
)

// Format describes the marker bytes of a frame.
type Format struct {
	Start byte
	End   byte
}

// Stream is the frame format used on serial and radio links.
var Stream = Format{Start: 0xAA, End: 0x55}

// View is a non-owning view of a decoded frame. Payload aliases the
// buffer passed to Unwrap.
type View struct {
	Timestamp uint32
	Payload   []byte
}

// RequiredSize returns the number of bytes needed to frame a payload of n bytes.
func RequiredSize(n int) int {
	return HeaderSize + n + FooterSize
}

// Wrap frames payload into out using the Stream format.
func Wrap(out, payload []byte, ts uint32) (int, bool) {
	return Stream.Wrap(out, payload, ts)
}

// WrapInPlace frames a payload that sits at out[:payloadLen] using the Stream format.
func WrapInPlace(out []byte, payloadLen int, ts uint32) (int, bool) {
	return Stream.WrapInPlace(out, payloadLen, ts)
}

// Unwrap decodes a Stream frame at the start of buf.
func Unwrap(buf []byte) (View, bool) {
	return Stream.Unwrap(buf)
}

// Wrap copies payload behind a header in out and appends the footer.
// payload may alias out. It returns the frame size, or false if out is too small.
func (f Format) Wrap(out, payload []byte, ts uint32) (int, bool) {
	n := len(payload)
	if n > MaxPayload || len(out) < RequiredSize(n) {
		return 0, false
	}
	copy(out[HeaderSize:HeaderSize+n], payload)
	f.putHeader(out, n, ts)
	return RequiredSize(n), true
}

// WrapInPlace frames the payloadLen bytes at the start of out, moving them
// behind the header. out is left untouched if it is too small.
func (f Format) WrapInPlace(out []byte, payloadLen int, ts uint32) (int, bool) {
	if payloadLen < 0 || payloadLen > MaxPayload || len(out) < RequiredSize(payloadLen) {
		return 0, false
	}
	copy(out[HeaderSize:HeaderSize+payloadLen], out[:payloadLen])
	f.putHeader(out, payloadLen, ts)
	return RequiredSize(payloadLen), true
}

func (f Format) putHeader(out []byte, n int, ts uint32) {
	out[0] = f.Start
	binary.LittleEndian.PutUint32(out[1:5], ts)
	binary.LittleEndian.PutUint16(out[5:7], uint16(n))
	out[HeaderSize+n] = f.End
}

// Unwrap validates the frame at the start of buf and returns a view into it.
// It returns false for a wrong start byte, a truncated buffer or a wrong end byte.
func (f Format) Unwrap(buf []byte) (View, bool) {
	if len(buf) < HeaderSize+FooterSize || buf[0] != f.Start {
		return View{}, false
	}
	n := int(binary.LittleEndian.Uint16(buf[5:7]))
	if len(buf) < RequiredSize(n) || buf[HeaderSize+n] != f.End {
		return View{}, false
	}
	return View{
		Timestamp: binary.LittleEndian.Uint32(buf[1:5]),
		Payload:   buf[HeaderSize : HeaderSize+n],
	}, true
}

// DeclaredSize returns the full frame size announced by a header at the
// start of buf, or false if the header is not complete yet.
func (f Format) DeclaredSize(buf []byte) (int, bool) {
	if len(buf) < HeaderSize || buf[0] != f.Start {
		return 0, false
	}
	return RequiredSize(int(binary.LittleEndian.Uint16(buf[5:7]))), true
}
