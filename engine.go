package pppengine

import (
	"errors"

	"go.universe.tf/pppengine/hdlc"
	"go.universe.tf/pppengine/internal/fsm"
	"go.universe.tf/pppengine/internal/proto"
	"go.universe.tf/pppengine/ipcp"
	"go.universe.tf/pppengine/lcp"
	"go.universe.tf/pppengine/pap"
)

// Protocol numbers for the frames this engine dispatches (spec §3).
const protoIPv4 = 0x0021

// ErrMagicSourceRequired is returned by New if Config.MagicSource is
// nil: this core has no built-in entropy source.
var ErrMagicSourceRequired = errors.New("pppengine: Config.MagicSource is required")

// ErrNotReady is returned by Send when the engine isn't in phase
// Network.
var ErrNotReady = errors.New("pppengine: not ready to send (not in Network phase)")

// ErrTooLarge is returned by Send when the packet exceeds the
// negotiated peer MRU.
var ErrTooLarge = errors.New("pppengine: packet exceeds peer MRU")

const maxPendingTX = 4
const pendingBodyCap = 132
const maxPendingEvents = 4

type pendingPacket struct {
	protocol uint16
	code     proto.Code
	id       uint8
	body     [pendingBodyCap]byte
	bodyLen  int
}

// hookedLCP observes the RFC 1661 upcalls the generic FSM makes into
// the LCP binding, so the engine can drive its own phase machine
// without the binding needing to know about phases at all.
type hookedLCP struct {
	*lcp.Binding
	up, down, started, finished bool
}

func (h *hookedLCP) ThisLayerUp()       { h.up = true }
func (h *hookedLCP) ThisLayerDown()     { h.down = true }
func (h *hookedLCP) ThisLayerStarted()  { h.started = true }
func (h *hookedLCP) ThisLayerFinished() { h.finished = true }

type hookedIPCP struct {
	*ipcp.Binding
	up, down, started, finished bool
}

func (h *hookedIPCP) ThisLayerUp()       { h.up = true }
func (h *hookedIPCP) ThisLayerDown()     { h.down = true }
func (h *hookedIPCP) ThisLayerStarted()  { h.started = true }
func (h *hookedIPCP) ThisLayerFinished() { h.finished = true }

// Engine is the top-level sans-I/O PPP engine (spec §4.9). It owns no
// OS resources, no threads, no timers: the caller drives it with
// Open/Close/Consume/Poll/Send and supplies a monotonic clock to
// Poll.
type Engine struct {
	cfg    Config
	logger Logger

	phase Phase

	reader *hdlc.Reader
	rxBuf  [1564]byte

	writer    hdlc.Writer
	txScratch [3072]byte

	lcpBinding  *hookedLCP
	lcpMachine  *fsm.Machine
	ipcpBinding *hookedIPCP
	ipcpMachine *fsm.Machine
	papClient   *pap.Client

	lcpReq, lcpNak, lcpRej    [64]byte
	ipcpReq, ipcpNak, ipcpRej [64]byte
	papBody                   [136]byte

	nowMS        uint64
	lcpDeadline  uint64
	lcpArmed     bool
	ipcpDeadline uint64
	ipcpArmed    bool
	papDeadline  uint64
	papArmed     bool

	txQueue            [maxPendingTX]pendingPacket
	txHead, txTail, txN int

	events     [maxPendingEvents]Event
	evHead, evTail, evN int

	userClosed        bool
	lcpPeerTerminated bool
	rejectID          uint8
	ipcpAbortReported bool
}

// FrameErrors reports the number of frames dropped by the HDLC
// deframer since the Engine was constructed, split by cause.
func (e *Engine) FrameErrors() (tooLong, fcsMismatch int) {
	return e.reader.FrameTooLongCount(), e.reader.FcsMismatchCount()
}

// New constructs an Engine in phase Dead.
func New(cfg Config) (*Engine, error) {
	if len(cfg.Username) > maxCredentialLen || len(cfg.Password) > maxCredentialLen {
		return nil, ErrCredentialTooLong
	}
	if cfg.MagicSource == nil {
		return nil, ErrMagicSourceRequired
	}
	logger := cfg.Logger
	if logger == nil {
		logger = NopLogger{}
	}

	e := &Engine{cfg: cfg, logger: logger, phase: PhaseDead}
	e.reader = hdlc.NewReader(e.rxBuf[:])
	e.writer = hdlc.NewWriter(e.txScratch[:])

	e.lcpBinding = &hookedLCP{Binding: lcp.NewBinding(lcp.MagicSource(cfg.MagicSource))}
	e.lcpMachine = fsm.New(e.lcpBinding, fsm.DefaultConfig(), e.lcpReq[:], e.lcpNak[:], e.lcpRej[:])

	e.ipcpBinding = &hookedIPCP{Binding: ipcp.NewBinding(cfg.RequestedIPv4, cfg.EnableDNS)}
	e.ipcpMachine = fsm.New(e.ipcpBinding, fsm.DefaultConfig(), e.ipcpReq[:], e.ipcpNak[:], e.ipcpRej[:])

	papClient, err := pap.NewClient(cfg.Username, cfg.Password, 3000, 10)
	if err != nil {
		return nil, err
	}
	e.papClient = papClient

	return e, nil
}

// Phase returns the engine's current top-level phase.
func (e *Engine) Phase() Phase { return e.phase }

// Open transitions Dead -> Establish and starts LCP negotiation.
func (e *Engine) Open() {
	if e.phase != PhaseDead {
		return
	}
	e.userClosed = false
	e.phase = PhaseEstablish
	e.logger.Info("ppp: opening", "phase", e.phase.String())
	if out, ok := e.lcpMachine.Open(); ok {
		e.enqueueTX(lcp.Proto, out)
	}
	e.armLCPTimer()
}

// Close triggers a clean LCP Terminate exchange back to Dead.
func (e *Engine) Close() {
	if e.phase == PhaseDead {
		return
	}
	e.userClosed = true
	e.logger.Info("ppp: closing", "phase", e.phase.String())
	if e.ipcpMachine.State() != fsm.Closed && e.ipcpMachine.State() != fsm.Initial {
		if out, ok := e.ipcpMachine.Close(nil); ok {
			e.enqueueTX(ipcp.Proto, out)
		}
	}
	if out, ok := e.lcpMachine.Close([]byte("User request")); ok {
		e.enqueueTX(lcp.Proto, out)
	}
	e.armLCPTimer()
	e.armIPCPTimer()
}

// Send frames an outgoing IPv4 packet and returns it as a
// TransmitAction; nothing is queued for a later Poll.
func (e *Engine) Send(packet []byte) (Action, error) {
	if e.phase != PhaseNetwork {
		return nil, ErrNotReady
	}
	peerMRU := int(e.lcpBinding.Peers.MRU)
	if peerMRU == 0 {
		peerMRU = 1500
	}
	if len(packet) > peerMRU {
		return nil, ErrTooLarge
	}
	framed, err := e.writer.Frame(protoIPv4, packet)
	if err != nil {
		return nil, err
	}
	return TransmitAction{Bytes: framed}, nil
}

// --- pending TX / event queues -------------------------------------------

func (e *Engine) enqueueTX(protocol uint16, out fsm.Output) {
	if e.txN >= maxPendingTX {
		e.logger.Warn("ppp: tx queue full, dropping packet", "protocol", protocol)
		return
	}
	p := &e.txQueue[e.txTail]
	p.protocol = protocol
	p.code = out.Code
	p.id = out.ID
	p.bodyLen = copy(p.body[:], out.Body)
	e.txTail = (e.txTail + 1) % maxPendingTX
	e.txN++
}

func (e *Engine) enqueueRawTX(protocol uint16, code proto.Code, id uint8, body []byte) {
	e.enqueueTX(protocol, fsm.Output{Code: code, ID: id, Body: body})
}

func (e *Engine) dequeueTX() (pendingPacket, bool) {
	if e.txN == 0 {
		return pendingPacket{}, false
	}
	p := e.txQueue[e.txHead]
	e.txHead = (e.txHead + 1) % maxPendingTX
	e.txN--
	return p, true
}

func (e *Engine) enqueueEvent(ev Event) {
	if e.evN >= maxPendingEvents {
		e.logger.Warn("ppp: event queue full, dropping event")
		return
	}
	e.events[e.evTail] = ev
	e.evTail = (e.evTail + 1) % maxPendingEvents
	e.evN++
}

func (e *Engine) dequeueEvent() (Event, bool) {
	if e.evN == 0 {
		return nil, false
	}
	ev := e.events[e.evHead]
	e.evHead = (e.evHead + 1) % maxPendingEvents
	e.evN--
	return ev, true
}

// --- timers ---------------------------------------------------------------

func (e *Engine) armLCPTimer() {
	e.lcpArmed = e.lcpMachine.RestartPending()
	if e.lcpArmed {
		e.lcpDeadline = e.nowMS + e.lcpMachine.RestartMS()
	}
}

func (e *Engine) armIPCPTimer() {
	e.ipcpArmed = e.ipcpMachine.RestartPending()
	if e.ipcpArmed {
		e.ipcpDeadline = e.nowMS + e.ipcpMachine.RestartMS()
	}
}

func (e *Engine) armPAPTimer() {
	e.papArmed = e.papClient.State() == pap.Sending
	if e.papArmed {
		e.papDeadline = e.nowMS + e.papClient.RestartMS()
	}
}
