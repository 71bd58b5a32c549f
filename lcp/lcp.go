// Package lcp implements the Link Control Protocol binding for the
// generic Configure/Terminate automaton in internal/fsm. The option
// wire format here is adapted from the teacher's internal/lcp.Packet
// (same option byte layout, same tolerant length handling), but
// restructured from a standalone parse/serialize pair into an
// fsm.Binding: a value-type option store plus the validate/build
// callbacks the automaton needs.
package lcp

import (
	"encoding/binary"
	"errors"

	"go.universe.tf/pppengine/internal/fsm"
	"go.universe.tf/pppengine/option"
)

// Proto is the PPP protocol number for LCP.
const Proto = 0xc021

// Option types recognised by this binding (RFC 1661 §6).
const (
	OptionMRU       = 1
	OptionAuthProto = 3
	OptionMagic     = 5
	OptionPFC       = 7
	OptionACFC      = 8
)

// AuthProtoPAP is the PPP protocol number for PAP, used as the value
// of a negotiated Auth-Protocol option.
const AuthProtoPAP = 0xc023

// AuthKind is the authentication protocol negotiated for our side.
type AuthKind int

const (
	AuthNone AuthKind = iota
	AuthPap
	AuthChap
)

// Params is the value-type LCP option store; one copy tracks our
// negotiated parameters, a second tracks the peer's.
type Params struct {
	MRU           uint16
	Auth          AuthKind
	CHAPAlgorithm uint8
	Magic         uint32
	PFC           bool
	ACFC          bool
}

// Defaults returns the LCP parameter defaults (spec §3).
func Defaults() Params {
	return Params{MRU: 1500}
}

// ErrMalformedOption indicates an LCP option with an invalid length
// for its type.
var ErrMalformedOption = errors.New("lcp: malformed option")

// MagicSource supplies a fresh, non-zero magic number. Callers
// typically wrap a hardware RNG or math/rand; injected rather than
// imported so the engine core has no hidden entropy dependency.
type MagicSource func() uint32

// Binding implements fsm.Binding for LCP.
type Binding struct {
	Ours  Params
	Peers Params

	magic MagicSource

	// rejected tracks option types the peer has Rejected from us
	// this negotiation, so we never re-offer them (spec invariant).
	rejected [8]uint8
	nRej     int

	// loopback is set when the peer's Configure-Request offers a
	// Magic-Number equal to ours, and cleared once the engine
	// observes it via TakeLoopbackDetected.
	loopback bool

	wantPAPFromPeer bool // set once the peer has asked us to authenticate via PAP
}

// NewBinding returns an LCP binding with default parameters.
func NewBinding(magic MagicSource) *Binding {
	b := &Binding{magic: magic}
	b.ResetOptions()
	return b
}

// Protocol implements fsm.Binding.
func (b *Binding) Protocol() uint16 { return Proto }

// ResetOptions implements fsm.Binding: fresh params and a fresh magic
// for every negotiation attempt.
func (b *Binding) ResetOptions() {
	b.Ours = Defaults()
	b.Peers = Defaults()
	b.Ours.Magic = b.nonZeroMagic()
	b.nRej = 0
	b.wantPAPFromPeer = false
}

func (b *Binding) nonZeroMagic() uint32 {
	for {
		if m := b.magic(); m != 0 {
			return m
		}
	}
}

func (b *Binding) isRejected(typ uint8) bool {
	for i := 0; i < b.nRej; i++ {
		if b.rejected[i] == typ {
			return true
		}
	}
	return false
}

func (b *Binding) markRejected(typ uint8) {
	if b.isRejected(typ) || b.nRej >= len(b.rejected) {
		return
	}
	b.rejected[b.nRej] = typ
	b.nRej++
}

// TakeLoopbackDetected reports whether a magic-number loopback was
// observed since the last call, and clears the flag.
func (b *Binding) TakeLoopbackDetected() bool {
	v := b.loopback
	b.loopback = false
	return v
}

// WantsPAPFromPeer reports whether the peer's most recent
// Configure-Request asked us to authenticate via PAP.
func (b *Binding) WantsPAPFromPeer() bool { return b.wantPAPFromPeer }

// BuildConfigureRequest implements fsm.Binding. This core only ever
// offers MagicNumber: MRU/Auth/PFC/ACFC are never proposed by us
// (spec §4.6).
func (b *Binding) BuildConfigureRequest(out []byte) (int, error) {
	if b.isRejected(OptionMagic) {
		return 0, nil
	}
	bb := option.NewBuilder(out)
	var val [4]byte
	binary.BigEndian.PutUint32(val[:], b.Ours.Magic)
	if err := bb.Put(OptionMagic, val[:]); err != nil {
		return 0, err
	}
	return bb.Len(), nil
}

// ExamineConfigureRequest implements fsm.Binding.
func (b *Binding) ExamineConfigureRequest(body []byte, nak, rej *option.Builder) (fsm.Verdict, error) {
	verdict := fsm.Ack
	it := option.NewIter(body)
	for {
		typ, val, ok, err := it.Next()
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}

		switch typ {
		case OptionMRU:
			if len(val) != 2 {
				return 0, ErrMalformedOption
			}
			b.Peers.MRU = binary.BigEndian.Uint16(val)

		case OptionAuthProto:
			if len(val) < 2 {
				return 0, ErrMalformedOption
			}
			ap := binary.BigEndian.Uint16(val)
			if ap == AuthProtoPAP && len(val) == 2 {
				b.wantPAPFromPeer = true
			} else {
				verdict = fsm.NakOrReject
				var papVal [2]byte
				binary.BigEndian.PutUint16(papVal[:], AuthProtoPAP)
				nak.Put(OptionAuthProto, papVal[:])
			}

		case OptionMagic:
			if len(val) != 4 {
				return 0, ErrMalformedOption
			}
			peerMagic := binary.BigEndian.Uint32(val)
			if peerMagic == 0 || peerMagic == b.Ours.Magic {
				if peerMagic == b.Ours.Magic && peerMagic != 0 {
					b.loopback = true
				}
				verdict = fsm.NakOrReject
				var fresh [4]byte
				binary.BigEndian.PutUint32(fresh[:], b.nonZeroMagic())
				nak.Put(OptionMagic, fresh[:])
			} else {
				b.Peers.Magic = peerMagic
			}

		case OptionPFC:
			verdict = fsm.NakOrReject
			rej.Put(typ, val)

		case OptionACFC:
			verdict = fsm.NakOrReject
			rej.Put(typ, val)

		default:
			verdict = fsm.NakOrReject
			rej.Put(typ, val)
		}
	}
	return verdict, nil
}

// ApplyConfigureAck implements fsm.Binding: nothing to do, our sent
// options are already reflected in b.Ours.
func (b *Binding) ApplyConfigureAck(sentBody []byte) error {
	return nil
}

// ApplyConfigureNak implements fsm.Binding: adopt the peer's
// counter-proposed Magic-Number.
func (b *Binding) ApplyConfigureNak(body []byte) error {
	it := option.NewIter(body)
	for {
		typ, val, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if typ == OptionMagic && len(val) == 4 {
			b.Ours.Magic = binary.BigEndian.Uint32(val)
		}
	}
	return nil
}

// ApplyConfigureReject implements fsm.Binding: stop offering rejected
// option types for the rest of this negotiation.
func (b *Binding) ApplyConfigureReject(body []byte) error {
	it := option.NewIter(body)
	for {
		typ, _, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		b.markRejected(typ)
	}
	return nil
}

// ThisLayerUp/Down/Started/Finished are no-ops here; the owning engine
// wraps the binding and intercepts these upcalls to drive its phase
// machine, so LCP itself has no extra work to do on them.
func (b *Binding) ThisLayerUp()       {}
func (b *Binding) ThisLayerDown()     {}
func (b *Binding) ThisLayerStarted()  {}
func (b *Binding) ThisLayerFinished() {}

// HandleEchoRequest builds the Echo-Reply body for a received
// Echo-Request (magic + peer's data, spec §4.6).
func HandleEchoRequest(ourMagic uint32, data []byte, out []byte) (int, error) {
	if len(out) < 4+len(data) {
		return 0, ErrMalformedOption
	}
	binary.BigEndian.PutUint32(out, ourMagic)
	copy(out[4:], data)
	return 4 + len(data), nil
}
