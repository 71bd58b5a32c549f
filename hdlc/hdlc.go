// Package hdlc implements the asynchronous HDLC-like framing PPP uses
// on serial links (RFC 1662): flag/escape byte stuffing around an
// Address/Control/Protocol/Information frame, protected by a 16-bit
// FCS. Neither the Writer nor the Reader allocates once constructed;
// both operate entirely on caller-supplied buffers.
package hdlc

import (
	"errors"

	"go.universe.tf/pppengine/fcs"
)

const (
	flagByte   = 0x7e
	escapeByte = 0x7d
	escapeXOR  = 0x20

	addressByte = 0xff
	controlByte = 0x03
)

// ErrBufferTooSmall is returned when a caller-supplied buffer cannot
// hold the frame being written.
var ErrBufferTooSmall = errors.New("hdlc: destination buffer too small")

// needsEscape reports whether b must be escaped on transmit under
// this core's fixed transmit ACCM (0xFFFFFFFF: escape every control
// byte, plus the flag and escape bytes themselves).
func needsEscape(b byte) bool {
	return b == flagByte || b == escapeByte || b < 0x20
}

// Writer frames PPP packets into an async-HDLC byte stream, using a
// caller-provided scratch buffer as its only backing storage.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer that renders frames into scratch. scratch
// must be large enough to hold the largest frame the caller intends
// to send once fully escaped (worst case: 2x the unescaped frame size
// plus 2 flag bytes).
func NewWriter(scratch []byte) Writer {
	return Writer{buf: scratch}
}

// Frame renders protocol and payload into a complete, flag-delimited,
// escaped, FCS-protected frame, and returns the portion of the
// Writer's scratch buffer holding it. The returned slice is valid
// until the next call to Frame.
func (w *Writer) Frame(protocol uint16, payload []byte) ([]byte, error) {
	n := 0
	put := func(b byte) bool {
		if n >= len(w.buf) {
			return false
		}
		w.buf[n] = b
		n++
		return true
	}
	putEscaped := func(b byte) bool {
		if needsEscape(b) {
			return put(escapeByte) && put(b^escapeXOR)
		}
		return put(b)
	}

	if !put(flagByte) {
		return nil, ErrBufferTooSmall
	}

	crc := fcs.Init()
	emit := func(b byte) bool {
		crc = fcs.Update(crc, []byte{b})
		return putEscaped(b)
	}

	if !emit(addressByte) || !emit(controlByte) {
		return nil, ErrBufferTooSmall
	}
	if !emit(byte(protocol >> 8)) {
		return nil, ErrBufferTooSmall
	}
	if !emit(byte(protocol)) {
		return nil, ErrBufferTooSmall
	}
	for _, b := range payload {
		if !emit(b) {
			return nil, ErrBufferTooSmall
		}
	}

	final := fcs.Final(crc)
	if !putEscaped(byte(final)) || !putEscaped(byte(final>>8)) {
		return nil, ErrBufferTooSmall
	}
	if !put(flagByte) {
		return nil, ErrBufferTooSmall
	}

	return w.buf[:n], nil
}
