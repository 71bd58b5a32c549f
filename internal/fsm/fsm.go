// Package fsm implements the generic Configure/Terminate automaton
// RFC 1661 §4 describes, shared by LCP and IPCP. A Machine is
// parameterised by a Binding supplying the concrete option vocabulary;
// the automaton itself knows nothing about MRU, magic numbers, or IP
// addresses.
package fsm

import (
	"go.universe.tf/pppengine/internal/proto"
	"go.universe.tf/pppengine/option"
)

// State is one of the ten states of RFC 1661 §4.2's automaton.
type State int

const (
	Initial State = iota
	Starting
	Closed
	Stopped
	Closing
	Stopping
	ReqSent
	AckRcvd
	AckSent
	Opened
)

func (s State) String() string {
	switch s {
	case Initial:
		return "Initial"
	case Starting:
		return "Starting"
	case Closed:
		return "Closed"
	case Stopped:
		return "Stopped"
	case Closing:
		return "Closing"
	case Stopping:
		return "Stopping"
	case ReqSent:
		return "ReqSent"
	case AckRcvd:
		return "AckRcvd"
	case AckSent:
		return "AckSent"
	case Opened:
		return "Opened"
	default:
		return "Unknown"
	}
}

// Verdict is the outcome of examining one peer Configure-Request.
type Verdict int

const (
	// Ack means every option in the peer's request is acceptable
	// as-is.
	Ack Verdict = iota
	// NakOrReject means at least one option needs a counter-proposal
	// (Nak) or isn't negotiable at all (Reject); the Binding has
	// already written the Nak/Reject option lists.
	NakOrReject
)

// Binding supplies the concrete option vocabulary and side effects for
// one control protocol (LCP or IPCP). Implementations are plain
// structs, not boxed behind a class hierarchy: one Machine per
// Binding value, parameterised at construction time.
type Binding interface {
	// Protocol returns the PPP protocol number this binding runs
	// over (0xC021 for LCP, 0x8021 for IPCP).
	Protocol() uint16

	// ResetOptions restores the option store to its defaults at the
	// start of a fresh negotiation attempt.
	ResetOptions()

	// BuildConfigureRequest writes our desired option list into out
	// and returns the number of bytes written.
	BuildConfigureRequest(out []byte) (int, error)

	// ExamineConfigureRequest walks the peer's offered options,
	// writing any Nak'd options into nak and any Reject'd options
	// into rej, and applying any options it simply accepts. It
	// returns Ack if every option was acceptable as offered.
	ExamineConfigureRequest(body []byte, nak, rej *option.Builder) (Verdict, error)

	// ApplyConfigureAck is called when the peer acknowledges the
	// Configure-Request we most recently sent (sentBody is that
	// request's option list, as built by BuildConfigureRequest).
	ApplyConfigureAck(sentBody []byte) error

	// ApplyConfigureNak lets the binding adopt counter-proposed
	// option values before the next Configure-Request is built.
	ApplyConfigureNak(body []byte) error

	// ApplyConfigureReject lets the binding mark options as
	// never-offer-again for the rest of this negotiation.
	ApplyConfigureReject(body []byte) error

	// ThisLayerUp/Down/Started/Finished are the RFC 1661 upcalls
	// that tell the owning engine the sub-protocol's status changed.
	ThisLayerUp()
	ThisLayerDown()
	ThisLayerStarted()
	ThisLayerFinished()
}

// Config holds the restart timer and counters (RFC 1661 §4.1).
type Config struct {
	RestartMS    uint64 // default 3000
	MaxConfigure int    // default 10
	MaxTerminate int    // default 2
	MaxFailure   int    // default 5
}

// DefaultConfig returns the spec's default counters.
func DefaultConfig() Config {
	return Config{RestartMS: 3000, MaxConfigure: 10, MaxTerminate: 2, MaxFailure: 5}
}

// Output is a control packet the Machine needs transmitted: its code,
// identifier and body, not yet encoded with proto.Encode or framed.
type Output struct {
	Code proto.Code
	ID   uint8
	Body []byte
}

// Machine is the generic Configure/Terminate automaton. It works in
// three caller-supplied scratch buffers (our Configure-Request option
// list, and the Nak and Reject lists) and no other heap state.
type Machine struct {
	binding Binding
	cfg     Config

	state State

	id             uint8 // next identifier to use when we send a Request
	lastSentID     uint8 // identifier of our most recently sent Configure/Terminate-Request
	restartCounter int   // remaining retransmits for the outstanding Request

	reqScratch []byte // scratch for our own Configure-Request body
	nakScratch []byte // scratch for Nak options when answering a peer request
	rejScratch []byte // scratch for Reject options when answering a peer request

	lastReqBody []byte // the body of the Configure-Request we most recently sent (subslice of reqScratch)

	// Some RFC 1661 transitions (Opened + RCR+/RCR-) logically emit
	// two packets at once: our own fresh Configure-Request, and a
	// reply to the peer's. Since every Machine method returns at
	// most one Output (matching the engine's "one event per call"
	// discipline), the second packet is parked here for the caller
	// to collect via DrainPending immediately afterwards.
	pending    Output
	hasPending bool
}

// New returns a Machine in state Closed (the lower layer, i.e. this
// engine's framing layer, is considered always up; Initial/Starting
// exist for conformance with RFC 1661's full state count but are only
// reached via explicit LowerDown/LowerUp calls).
func New(binding Binding, cfg Config, reqScratch, nakScratch, rejScratch []byte) *Machine {
	return &Machine{
		binding:    binding,
		cfg:        cfg,
		state:      Closed,
		reqScratch: reqScratch,
		nakScratch: nakScratch,
		rejScratch: rejScratch,
	}
}

// State returns the current automaton state.
func (m *Machine) State() State { return m.state }

// DrainPending returns a second Output queued by the previous Recv*
// call, if any. The engine must call this once after every Recv* call
// and transmit what it returns, before processing the next input.
func (m *Machine) DrainPending() (Output, bool) {
	if !m.hasPending {
		return Output{}, false
	}
	m.hasPending = false
	return m.pending, true
}

func (m *Machine) nextID() uint8 {
	id := m.id
	m.id++
	return id
}

// sendConfigureRequest resets the restart counter, builds a fresh
// Configure-Request from the binding's current option store, and
// returns it as an Output.
func (m *Machine) sendConfigureRequest() Output {
	m.restartCounter = m.cfg.MaxConfigure
	m.lastSentID = m.nextID()
	n, err := m.binding.BuildConfigureRequest(m.reqScratch)
	if err != nil {
		n = 0
	}
	m.lastReqBody = m.reqScratch[:n]
	return Output{Code: proto.ConfigureRequest, ID: m.lastSentID, Body: m.lastReqBody}
}

func (m *Machine) sendTerminateRequest(data []byte) Output {
	m.restartCounter = m.cfg.MaxTerminate
	m.lastSentID = m.nextID()
	return Output{Code: proto.TerminateRequest, ID: m.lastSentID, Body: data}
}

// Open is the user-initiated Open event: start (or continue) trying
// to negotiate this protocol up.
func (m *Machine) Open() (Output, bool) {
	switch m.state {
	case Initial:
		m.state = Starting
		m.binding.ThisLayerStarted()
		return Output{}, false
	case Closed, Stopped:
		m.binding.ResetOptions()
		m.state = ReqSent
		out := m.sendConfigureRequest()
		return out, true
	default:
		return Output{}, false
	}
}

// Close is the user-initiated Close event: tear the protocol down
// cleanly via a Terminate-Request/Ack exchange.
func (m *Machine) Close(reason []byte) (Output, bool) {
	switch m.state {
	case Starting:
		m.state = Initial
		return Output{}, false
	case ReqSent, AckRcvd, AckSent:
		m.state = Closing
		return m.sendTerminateRequest(reason), true
	case Opened:
		m.binding.ThisLayerDown()
		m.state = Closing
		return m.sendTerminateRequest(reason), true
	default:
		m.state = Closed
		return Output{}, false
	}
}

// LowerUp signals that the transport beneath this protocol became
// available (for LCP: the link exists; for IPCP: LCP reached Opened).
func (m *Machine) LowerUp() (Output, bool) {
	if m.state == Initial {
		m.state = Closed
	} else if m.state == Starting {
		m.binding.ResetOptions()
		m.state = ReqSent
		return m.sendConfigureRequest(), true
	}
	return Output{}, false
}

// LowerDown signals that the transport beneath this protocol is gone.
func (m *Machine) LowerDown() (Output, bool) {
	switch m.state {
	case Closed, Stopped:
		m.state = Initial
	case Closing, Stopping, ReqSent, AckRcvd, AckSent:
		m.state = Initial
		m.binding.ThisLayerFinished()
	case Opened:
		m.binding.ThisLayerDown()
		m.state = Starting
		m.binding.ThisLayerFinished()
	}
	return Output{}, false
}

// TimerExpired is the restart-timer tick (TO+/TO- events): the
// caller's poll loop invokes this once the deadline it was given has
// passed and the Machine is in a state with an outstanding Request.
func (m *Machine) TimerExpired() (Output, bool) {
	switch m.state {
	case Closing, Stopping:
		if m.restartCounter > 0 {
			remaining := m.restartCounter - 1
			out := m.sendTerminateRequest(nil)
			m.restartCounter = remaining
			return out, true
		}
		target := Closed
		if m.state == Stopping {
			target = Stopped
		}
		m.state = target
		m.binding.ThisLayerFinished()
		return Output{}, false

	case ReqSent, AckRcvd, AckSent:
		if m.restartCounter > 0 {
			remaining := m.restartCounter - 1
			m.state = ReqSent
			out := m.sendConfigureRequest()
			m.restartCounter = remaining
			return out, true
		}
		m.state = Stopped
		m.binding.ThisLayerFinished()
		return Output{}, false

	default:
		return Output{}, false
	}
}

// Restart abandons whatever Configure-Request exchange is in
// progress and forces the automaton back to ReqSent with freshly
// reset options. Unlike TimerExpired's retransmit, this regenerates
// the binding's own option values (e.g. a fresh LCP magic number)
// rather than resending the same Configure-Request: it's for a
// binding-detected condition (LCP magic-number loopback) that makes
// the current negotiation unsalvageable, not an ordinary timeout.
func (m *Machine) Restart() (Output, bool) {
	if m.state == Opened {
		m.binding.ThisLayerDown()
	}
	m.binding.ResetOptions()
	m.state = ReqSent
	return m.sendConfigureRequest(), true
}

// RestartMS returns the configured restart timer period.
func (m *Machine) RestartMS() uint64 { return m.cfg.RestartMS }

// RestartPending reports whether a restart timer is currently armed
// (i.e. the automaton is waiting on a peer reply to a Request it
// sent and will retransmit on TimerExpired if none arrives).
func (m *Machine) RestartPending() bool {
	switch m.state {
	case Closing, Stopping, ReqSent, AckRcvd, AckSent:
		return true
	default:
		return false
	}
}

// RecvConfigureRequest handles an incoming Configure-Request. scratch
// buffers for the Nak/Reject option lists are the Machine's own.
func (m *Machine) RecvConfigureRequest(id uint8, body []byte) (Output, bool, error) {
	nak := option.NewBuilder(m.nakScratch)
	rej := option.NewBuilder(m.rejScratch)
	verdict, err := m.binding.ExamineConfigureRequest(body, &nak, &rej)
	if err != nil {
		return Output{}, false, err
	}

	switch m.state {
	case Closed:
		return Output{Code: proto.TerminateAck, ID: id}, true, nil

	case Stopped:
		m.binding.ResetOptions()
		if verdict == Ack {
			m.state = AckSent
			return Output{Code: proto.ConfigureAck, ID: id, Body: body}, true, nil
		}
		m.state = ReqSent
		return m.negotiateReject(id, &rej, &nak), true, nil

	case ReqSent:
		if verdict == Ack {
			m.state = AckSent
			return Output{Code: proto.ConfigureAck, ID: id, Body: body}, true, nil
		}
		return m.negotiateReject(id, &rej, &nak), true, nil

	case AckRcvd:
		if verdict == Ack {
			m.state = Opened
			m.binding.ThisLayerUp()
			return Output{Code: proto.ConfigureAck, ID: id, Body: body}, true, nil
		}
		return m.negotiateReject(id, &rej, &nak), true, nil

	case AckSent:
		if verdict == Ack {
			return Output{Code: proto.ConfigureAck, ID: id, Body: body}, true, nil
		}
		m.state = ReqSent
		return m.negotiateReject(id, &rej, &nak), true, nil

	case Opened:
		m.binding.ThisLayerDown()
		m.state = ReqSent
		creq := m.sendConfigureRequest()
		if verdict == Ack {
			m.state = AckSent
			m.pending = Output{Code: proto.ConfigureAck, ID: id, Body: body}
		} else {
			m.pending = m.negotiateReject(id, &rej, &nak)
		}
		m.hasPending = true
		return creq, true, nil

	default:
		return Output{}, false, nil
	}
}

func (m *Machine) negotiateReject(id uint8, rej, nak *option.Builder) Output {
	if rej.Len() > 0 {
		return Output{Code: proto.ConfigureReject, ID: id, Body: rej.Bytes()}
	}
	return Output{Code: proto.ConfigureNak, ID: id, Body: nak.Bytes()}
}

// RecvConfigureAck handles an Ack for a Configure-Request we sent.
// Acks whose id doesn't match our last Request are silently discarded
// per the identifier discipline invariant.
func (m *Machine) RecvConfigureAck(id uint8, body []byte) (Output, bool, error) {
	if id != m.lastSentID {
		return Output{}, false, nil
	}
	switch m.state {
	case Closed, Stopped:
		return Output{}, false, nil
	case ReqSent:
		if err := m.binding.ApplyConfigureAck(body); err != nil {
			return Output{}, false, err
		}
		m.state = AckRcvd
		return Output{}, false, nil
	case AckRcvd:
		m.state = ReqSent
		return m.sendConfigureRequest(), true, nil
	case AckSent:
		if err := m.binding.ApplyConfigureAck(body); err != nil {
			return Output{}, false, err
		}
		m.state = Opened
		m.binding.ThisLayerUp()
		return Output{}, false, nil
	case Opened:
		m.binding.ThisLayerDown()
		m.state = ReqSent
		return m.sendConfigureRequest(), true, nil
	default:
		return Output{}, false, nil
	}
}

// RecvConfigureNak handles a Nak for a Configure-Request we sent.
func (m *Machine) RecvConfigureNak(id uint8, body []byte, reject bool) (Output, bool, error) {
	if id != m.lastSentID {
		return Output{}, false, nil
	}
	apply := m.binding.ApplyConfigureNak
	if reject {
		apply = m.binding.ApplyConfigureReject
	}

	switch m.state {
	case Closed, Stopped:
		return Output{}, false, nil
	case ReqSent, AckSent:
		if err := apply(body); err != nil {
			return Output{}, false, err
		}
		return m.sendConfigureRequest(), true, nil
	case AckRcvd:
		if err := apply(body); err != nil {
			return Output{}, false, err
		}
		m.state = ReqSent
		return m.sendConfigureRequest(), true, nil
	case Opened:
		m.binding.ThisLayerDown()
		m.state = ReqSent
		if err := apply(body); err != nil {
			return Output{}, false, err
		}
		return m.sendConfigureRequest(), true, nil
	default:
		return Output{}, false, nil
	}
}

// RecvTerminateRequest handles a peer-initiated Terminate-Request. The
// FSM always acknowledges it (sta) and, for the "up" states, tears
// the layer down.
func (m *Machine) RecvTerminateRequest(id uint8) (Output, bool) {
	ack := Output{Code: proto.TerminateAck, ID: id}
	switch m.state {
	case AckRcvd, AckSent:
		m.state = ReqSent
		return ack, true
	case Opened:
		m.binding.ThisLayerDown()
		m.restartCounter = 0
		m.state = Stopping
		return ack, true
	default:
		return ack, true
	}
}

// RecvTerminateAck handles an Ack for a Terminate-Request we sent.
func (m *Machine) RecvTerminateAck(id uint8) (Output, bool) {
	if id != m.lastSentID {
		return Output{}, false
	}
	switch m.state {
	case Closing:
		m.state = Closed
		m.binding.ThisLayerFinished()
	case Stopping:
		m.state = Stopped
		m.binding.ThisLayerFinished()
	case ReqSent, AckRcvd, AckSent:
		m.state = ReqSent
		return m.sendConfigureRequest(), true
	case Opened:
		m.binding.ThisLayerDown()
		m.state = ReqSent
		return m.sendConfigureRequest(), true
	}
	return Output{}, false
}

// RecvCodeReject handles a peer Code-Reject. critical indicates the
// rejected code was essential to this protocol's operation (RXJ- vs
// RXJ+): rejecting Configure-Request/Ack/Nak/Reject or
// Terminate-Request/Ack is always fatal to further negotiation.
func (m *Machine) RecvCodeReject(critical bool) (Output, bool) {
	return m.recvRXJ(critical)
}

// RecvProtocolReject handles the peer rejecting this protocol's PPP
// protocol number outright: always fatal (RXJ-).
func (m *Machine) RecvProtocolReject() (Output, bool) {
	return m.recvRXJ(true)
}

func (m *Machine) recvRXJ(critical bool) (Output, bool) {
	if !critical {
		return Output{}, false
	}
	switch m.state {
	case Closing:
		m.state = Closed
		m.binding.ThisLayerFinished()
	case Stopping, ReqSent, AckRcvd, AckSent:
		m.state = Stopped
		m.binding.ThisLayerFinished()
	case Opened:
		m.binding.ThisLayerDown()
		m.state = Stopped
		m.binding.ThisLayerFinished()
	}
	return Output{}, false
}
