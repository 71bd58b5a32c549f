// Package option implements the TLV option-list codec shared by LCP
// and IPCP Configure-Request/Ack/Nak/Reject packets (RFC 1661 §6).
// The iterator and builder here generalize the option-parsing loop in
// the teacher's internal/pppoe discovery codec (type/length/value,
// declared-length bounds-checked against the remaining buffer) from a
// one-shot map-building parse into a re-entrant, allocation-free walk
// that both LCP and IPCP bindings can share.
package option

import "errors"

// ErrMalformed indicates an option list with an invalid length field:
// either shorter than the 2-byte TLV header, or longer than the
// bytes remaining in the packet.
var ErrMalformed = errors.New("option: malformed option list")

// ErrBufferTooSmall is returned by Builder.Put when the destination
// buffer cannot hold another option.
var ErrBufferTooSmall = errors.New("option: destination buffer too small")

// Iter walks a TLV option list without allocating; each call to Next
// returns a view into the original buffer.
type Iter struct {
	b []byte
}

// NewIter returns an Iter over b, the Information field of a
// Configure-Request/Ack/Nak/Reject packet (everything after the
// 4-byte code/id/length header).
func NewIter(b []byte) Iter {
	return Iter{b: b}
}

// Next returns the next option's type and value. ok is false once the
// list is exhausted; err is non-nil if the list is truncated or an
// option's declared length overruns the remaining bytes.
func (it *Iter) Next() (typ uint8, value []byte, ok bool, err error) {
	if len(it.b) == 0 {
		return 0, nil, false, nil
	}
	if len(it.b) < 2 {
		return 0, nil, false, ErrMalformed
	}
	typ = it.b[0]
	length := int(it.b[1])
	if length < 2 || length > len(it.b) {
		return 0, nil, false, ErrMalformed
	}
	value = it.b[2:length]
	it.b = it.b[length:]
	return typ, value, true, nil
}

// Builder appends TLV options into a caller-supplied buffer.
type Builder struct {
	buf []byte
	n   int
}

// NewBuilder returns a Builder that appends into buf, starting at
// offset 0.
func NewBuilder(buf []byte) Builder {
	return Builder{buf: buf}
}

// Put appends one option. It fails with ErrBufferTooSmall if buf
// lacks room for the 2-byte header plus value.
func (b *Builder) Put(typ uint8, value []byte) error {
	need := 2 + len(value)
	if b.n+need > len(b.buf) {
		return ErrBufferTooSmall
	}
	b.buf[b.n] = typ
	b.buf[b.n+1] = uint8(need)
	copy(b.buf[b.n+2:], value)
	b.n += need
	return nil
}

// Bytes returns the options written so far.
func (b *Builder) Bytes() []byte {
	return b.buf[:b.n]
}

// Len returns the number of bytes written so far.
func (b *Builder) Len() int {
	return b.n
}
