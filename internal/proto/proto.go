// Package proto codes and decodes the {code, id, length, body} control
// packet header shared by LCP and IPCP (RFC 1661 §5). It generalizes
// the header handling in the teacher's internal/lcp.Packet into a
// binding-agnostic envelope so both LCP and IPCP can reuse the same
// length bookkeeping instead of duplicating it.
package proto

import (
	"encoding/binary"
	"errors"
)

// Code is a control-protocol packet code, shared by LCP and IPCP.
type Code uint8

// Control packet codes (RFC 1661 §5).
const (
	ConfigureRequest Code = 1
	ConfigureAck     Code = 2
	ConfigureNak     Code = 3
	ConfigureReject  Code = 4
	TerminateRequest Code = 5
	TerminateAck     Code = 6
	CodeReject       Code = 7
	ProtocolReject   Code = 8
	EchoRequest      Code = 9
	EchoReply        Code = 10
	DiscardRequest   Code = 11
)

// ErrShort indicates a packet too short to contain a valid header.
var ErrShort = errors.New("proto: packet too short")

// Header is a parsed control packet with its body still attached to
// the original buffer (no copy).
type Header struct {
	Code Code
	ID   uint8
	Body []byte
}

// Parse decodes the 4-byte code/id/length header from b and returns
// the header plus the declared-length body slice. As with the
// teacher's LCP parser, trailing padding beyond the declared length is
// tolerated and excluded from Body; a length that is nonsensically
// short or overflows b is an error.
func Parse(b []byte) (Header, error) {
	if len(b) < 4 {
		return Header{}, ErrShort
	}
	length := int(binary.BigEndian.Uint16(b[2:4]))
	if length < 4 || length > len(b) {
		return Header{}, ErrShort
	}
	return Header{
		Code: Code(b[0]),
		ID:   b[1],
		Body: b[4:length],
	}, nil
}

// Encode writes the 4-byte header plus body into out and returns the
// number of bytes written, or false if out is too small.
func Encode(out []byte, code Code, id uint8, body []byte) (int, bool) {
	n := 4 + len(body)
	if n > len(out) {
		return 0, false
	}
	out[0] = uint8(code)
	out[1] = id
	binary.BigEndian.PutUint16(out[2:4], uint16(n))
	copy(out[4:], body)
	return n, true
}
