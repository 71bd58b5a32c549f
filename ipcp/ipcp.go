// Package ipcp implements the IP Control Protocol (RFC 1332) binding
// for the generic Configure/Terminate automaton in internal/fsm. The
// option wire format follows the same type/length/value pattern and
// tolerant-length parsing as the teacher's internal/lcp codec,
// generalized here to IPCP's fixed 4-byte IPv4-address options.
package ipcp

import (
	"encoding/binary"
	"errors"

	"go.universe.tf/pppengine/internal/fsm"
	"go.universe.tf/pppengine/option"
)

// Proto is the PPP protocol number for IPCP.
const Proto = 0x8021

// Option types recognised by this binding (RFC 1332 §3).
const (
	OptionIPAddress    = 3
	OptionPrimaryDNS   = 129
	OptionSecondaryDNS = 131
)

// Params is the value-type IPCP option store.
type Params struct {
	IPv4 uint32
	DNS1 uint32
	DNS2 uint32
}

// ErrMalformedOption indicates an IPCP option with an invalid length.
var ErrMalformedOption = errors.New("ipcp: malformed option")

// ErrNoAssignment is returned (via Binding.Aborted) when the peer
// Naks our IpAddress request with 0.0.0.0: it has no address to give
// us and IPCP cannot proceed.
var ErrNoAssignment = errors.New("ipcp: peer has no address to assign")

// Binding implements fsm.Binding for IPCP.
type Binding struct {
	Ours  Params
	Peers Params

	// requested is what we ask for; 0 means "assign me one". It
	// survives ResetOptions (the caller's configured preference),
	// unlike Ours/Peers which are renegotiated from scratch.
	Requested  uint32
	EnableDNS  bool

	aborted error
}

// NewBinding returns an IPCP binding. requestedIPv4 may be 0 to ask
// the peer to assign an address.
func NewBinding(requestedIPv4 uint32, enableDNS bool) *Binding {
	b := &Binding{Requested: requestedIPv4, EnableDNS: enableDNS}
	b.ResetOptions()
	return b
}

// Protocol implements fsm.Binding.
func (b *Binding) Protocol() uint16 { return Proto }

// ResetOptions implements fsm.Binding.
func (b *Binding) ResetOptions() {
	b.Ours = Params{IPv4: b.Requested}
	b.Peers = Params{}
	b.aborted = nil
}

// Aborted returns the reason IPCP gave up, if ApplyConfigureNak
// observed the peer refusing to assign us any address.
func (b *Binding) Aborted() error { return b.aborted }

// BuildConfigureRequest implements fsm.Binding: offer IpAddress
// always (the configured address, or 0.0.0.0 for "please assign"),
// plus DNS options if enabled, which start as 0.0.0.0; Nak'd values
// replace these until told otherwise.
func (b *Binding) BuildConfigureRequest(out []byte) (int, error) {
	bb := option.NewBuilder(out)
	var v [4]byte

	binary.BigEndian.PutUint32(v[:], b.Ours.IPv4)
	if err := bb.Put(OptionIPAddress, v[:]); err != nil {
		return 0, err
	}

	if b.EnableDNS {
		binary.BigEndian.PutUint32(v[:], b.Ours.DNS1)
		if err := bb.Put(OptionPrimaryDNS, v[:]); err != nil {
			return 0, err
		}
		binary.BigEndian.PutUint32(v[:], b.Ours.DNS2)
		if err := bb.Put(OptionSecondaryDNS, v[:]); err != nil {
			return 0, err
		}
	}

	return bb.Len(), nil
}

// ExamineConfigureRequest implements fsm.Binding: the peer is
// treated as an IPCP client asking us for an address, which this
// engine (the ISP-dialing side) never grants, so DNS requests from
// the peer are rejected and a zero/unknown IpAddress is Nak'd with
// our recorded peer address if we have one, else Rejected.
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
		case OptionIPAddress:
			if len(val) != 4 {
				return 0, ErrMalformedOption
			}
			addr := binary.BigEndian.Uint32(val)
			if addr != 0 {
				b.Peers.IPv4 = addr
				continue
			}
			verdict = fsm.NakOrReject
			if b.Peers.IPv4 != 0 {
				var v [4]byte
				binary.BigEndian.PutUint32(v[:], b.Peers.IPv4)
				nak.Put(OptionIPAddress, v[:])
			} else {
				rej.Put(typ, val)
			}

		case OptionPrimaryDNS, OptionSecondaryDNS:
			verdict = fsm.NakOrReject
			rej.Put(typ, val)

		default:
			verdict = fsm.NakOrReject
			rej.Put(typ, val)
		}
	}
	return verdict, nil
}

// ApplyConfigureAck implements fsm.Binding: nothing further to do,
// b.Ours already reflects what we asked for and got.
func (b *Binding) ApplyConfigureAck(sentBody []byte) error {
	return nil
}

// ApplyConfigureNak implements fsm.Binding: adopt any concrete address
// the peer counter-proposed; a Nak'd IpAddress of 0.0.0.0 means the
// peer has nothing to give us, which aborts IPCP.
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
		if len(val) != 4 {
			continue
		}
		v := binary.BigEndian.Uint32(val)
		switch typ {
		case OptionIPAddress:
			if v == 0 {
				b.aborted = ErrNoAssignment
			} else {
				b.Ours.IPv4 = v
			}
		case OptionPrimaryDNS:
			b.Ours.DNS1 = v
		case OptionSecondaryDNS:
			b.Ours.DNS2 = v
		}
	}
	return nil
}

// ApplyConfigureReject implements fsm.Binding: stop asking for
// whatever was rejected (most commonly DNS, if the peer doesn't
// support RFC 1877).
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
		switch typ {
		case OptionPrimaryDNS, OptionSecondaryDNS:
			b.EnableDNS = false
		}
	}
	return nil
}

func (b *Binding) ThisLayerUp()       {}
func (b *Binding) ThisLayerDown()     {}
func (b *Binding) ThisLayerStarted()  {}
func (b *Binding) ThisLayerFinished() {}
