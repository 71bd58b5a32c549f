package hdlc

import "go.universe.tf/pppengine/fcs"

type readerState int

const (
	stateIdle readerState = iota
	stateFrameStart
	stateInFrame
	stateInFrameEscape
)

// Frame is a deframed PPP packet: the (possibly compressed) Address
// and Control fields, the protocol number, and the Information field.
// Body aliases the Reader's internal buffer and is only valid until
// the next call to Push or PushAll.
type Frame struct {
	Address  byte
	Control  byte
	Protocol uint16
	Body     []byte
}

// Reader deframes an async-HDLC byte stream into Frames, tolerating
// Address/Control-Field and Protocol-Field compression on receive
// regardless of what this engine negotiated in the transmit
// direction (RFC 1661 §6.5/6.6 require accepting both forms once
// offered).
type Reader struct {
	state readerState
	buf   []byte
	n     int

	droppedTooLong int
	droppedBadFCS  int
}

// NewReader returns a Reader whose receive buffer is buf. buf should
// be sized for the negotiated MRU plus framing overhead (Address,
// Control, Protocol, FCS): spec default is 1500+64.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// FrameTooLongCount returns the number of frames dropped for
// exceeding the receive buffer's capacity since construction.
func (r *Reader) FrameTooLongCount() int { return r.droppedTooLong }

// FcsMismatchCount returns the number of frames dropped for failing
// FCS validation since construction.
func (r *Reader) FcsMismatchCount() int { return r.droppedBadFCS }

func (r *Reader) reset() {
	r.state = stateFrameStart
	r.n = 0
}

// Push feeds one received byte to the deframer. It returns a
// completed Frame and true if b completed one, or the zero Frame and
// false if more bytes are needed (or the byte was consumed silently,
// e.g. discarded garbage, an idle inter-frame flag, or a dropped
// malformed frame).
func (r *Reader) Push(b byte) (Frame, bool) {
	switch r.state {
	case stateIdle:
		if b == flagByte {
			r.state = stateFrameStart
		}
		return Frame{}, false

	case stateFrameStart:
		if b == flagByte {
			// Back-to-back flags between frames are legal; stay put.
			return Frame{}, false
		}
		r.n = 0
		r.state = stateInFrame
		return r.appendOrEscape(b)

	case stateInFrame:
		if b == flagByte {
			return r.finishFrame()
		}
		if b == escapeByte {
			r.state = stateInFrameEscape
			return Frame{}, false
		}
		return r.appendOrEscape(b)

	case stateInFrameEscape:
		r.state = stateInFrame
		return r.append(b ^ escapeXOR)

	default:
		r.state = stateIdle
		return Frame{}, false
	}
}

func (r *Reader) appendOrEscape(b byte) (Frame, bool) {
	if b == escapeByte {
		r.state = stateInFrameEscape
		return Frame{}, false
	}
	return r.append(b)
}

func (r *Reader) append(b byte) (Frame, bool) {
	if r.n >= len(r.buf) {
		// Overflow: drop this frame, resync on the next flag.
		r.droppedTooLong++
		r.state = stateIdle
		return Frame{}, false
	}
	r.buf[r.n] = b
	r.n++
	return Frame{}, false
}

func (r *Reader) finishFrame() (Frame, bool) {
	raw := r.buf[:r.n]
	r.state = stateFrameStart
	r.n = 0

	if len(raw) < 4 {
		return Frame{}, false
	}

	crc := fcs.Update(fcs.Init(), raw)
	if crc != fcs.Good {
		r.droppedBadFCS++
		return Frame{}, false
	}

	body := raw[:len(raw)-2] // strip trailing FCS
	address, control, rest := decompressAddrCtrl(body)
	protocol, info := decompressProtocol(rest)

	return Frame{
		Address:  address,
		Control:  control,
		Protocol: protocol,
		Body:     info,
	}, true
}

// decompressAddrCtrl tolerates Address-and-Control-Field Compression:
// if the first byte isn't the standard 0xFF, treat Address/Control as
// omitted (RFC 1661 §6.6) and report the canonical values anyway.
func decompressAddrCtrl(b []byte) (address, control byte, rest []byte) {
	if len(b) >= 2 && b[0] == addressByte && b[1] == controlByte {
		return addressByte, controlByte, b[2:]
	}
	return addressByte, controlByte, b
}

// decompressProtocol tolerates Protocol-Field Compression: a protocol
// number whose first octet is odd is a one-byte compressed form (RFC
// 1661 §6.5).
func decompressProtocol(b []byte) (protocol uint16, info []byte) {
	if len(b) == 0 {
		return 0, b
	}
	if b[0]&0x01 != 0 {
		return uint16(b[0]), b[1:]
	}
	if len(b) < 2 {
		return 0, nil
	}
	return uint16(b[0])<<8 | uint16(b[1]), b[2:]
}

// PushAll feeds as much of b as needed to produce the next Frame. It
// returns the frame (if any), whether one was produced, the number of
// bytes of b consumed, and whether b has leftover bytes the caller
// should feed back in a subsequent call. This supports the top-level
// engine's "consume with progressively smaller slices until drained"
// contract.
func (r *Reader) PushAll(b []byte) (frame Frame, ok bool, consumed int, more bool) {
	for i, c := range b {
		if f, done := r.Push(c); done {
			return f, true, i + 1, i+1 < len(b)
		}
	}
	return Frame{}, false, len(b), false
}
