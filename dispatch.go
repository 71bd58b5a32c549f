package pppengine

import (
	"go.universe.tf/pppengine/hdlc"
	"go.universe.tf/pppengine/internal/fsm"
	"go.universe.tf/pppengine/internal/proto"
	"go.universe.tf/pppengine/ipcp"
	"go.universe.tf/pppengine/lcp"
	"go.universe.tf/pppengine/pap"
)

// Consume feeds received bytes to the HDLC deframer and drives
// whichever control protocol the resulting frame belongs to. It
// returns the single event produced (NoEvent if none) and the number
// of bytes of input actually consumed; the caller loops, feeding back
// whatever input wasn't consumed, until the input is used up and
// Consume returns NoEvent. Events left over from an earlier call are
// returned first, with 0 bytes consumed (spec §5).
func (e *Engine) Consume(input []byte) (Event, int) {
	if ev, ok := e.dequeueEvent(); ok {
		return ev, 0
	}

	tooLongBefore, fcsBefore := e.reader.FrameTooLongCount(), e.reader.FcsMismatchCount()
	frame, ok, consumed, _ := e.reader.PushAll(input)
	if !ok {
		switch {
		case e.reader.FrameTooLongCount() > tooLongBefore:
			return ErrorEvent{ErrFrameTooLong}, consumed
		case e.reader.FcsMismatchCount() > fcsBefore:
			return ErrorEvent{ErrFcsMismatch}, consumed
		default:
			return NoEvent{}, consumed
		}
	}

	e.dispatchFrame(frame)

	if ev, ok := e.dequeueEvent(); ok {
		return ev, consumed
	}
	return NoEvent{}, consumed
}

// Poll advances timers against nowMS and reports what the caller
// should do next: transmit bytes, wait until a deadline, or idle.
func (e *Engine) Poll(nowMS uint64) Action {
	e.nowMS = nowMS

	if p, ok := e.dequeueTX(); ok {
		return e.frameOutgoing(p)
	}

	e.fireExpiredTimers()

	if p, ok := e.dequeueTX(); ok {
		return e.frameOutgoing(p)
	}

	if deadline, armed := e.earliestDeadline(); armed {
		return WaitAction{DeadlineMS: deadline}
	}
	return IdleAction{}
}

func (e *Engine) frameOutgoing(p pendingPacket) Action {
	var ctrl [136]byte
	n, ok := proto.Encode(ctrl[:], p.code, p.id, p.body[:p.bodyLen])
	if !ok {
		e.logger.Error("ppp: control packet too large for scratch", "protocol", p.protocol)
		return IdleAction{}
	}
	framed, err := e.writer.Frame(p.protocol, ctrl[:n])
	if err != nil {
		e.logger.Error("ppp: frame build failed", "err", err)
		return IdleAction{}
	}
	return TransmitAction{Bytes: framed}
}

func (e *Engine) earliestDeadline() (uint64, bool) {
	var best uint64
	found := false
	consider := func(armed bool, dl uint64) {
		if !armed {
			return
		}
		if !found || dl < best {
			best = dl
			found = true
		}
	}
	consider(e.lcpArmed, e.lcpDeadline)
	consider(e.ipcpArmed, e.ipcpDeadline)
	consider(e.papArmed, e.papDeadline)
	return best, found
}

func (e *Engine) fireExpiredTimers() {
	if e.lcpArmed && e.nowMS >= e.lcpDeadline {
		if out, ok := e.lcpMachine.TimerExpired(); ok {
			e.enqueueTX(lcp.Proto, out)
		}
		e.armLCPTimer()
		e.reconcile()
	}
	if e.ipcpArmed && e.nowMS >= e.ipcpDeadline {
		if out, ok := e.ipcpMachine.TimerExpired(); ok {
			e.enqueueTX(ipcp.Proto, out)
		}
		e.armIPCPTimer()
		e.reconcile()
	}
	if e.papArmed && e.nowMS >= e.papDeadline {
		if id, retry := e.papClient.TimerExpired(); retry {
			e.sendPAPRequest(id)
		}
		e.armPAPTimer()
		e.reconcile()
	}
}

func (e *Engine) dispatchFrame(f hdlc.Frame) {
	switch f.Protocol {
	case lcp.Proto:
		e.handleLCP(f.Body)
	case ipcp.Proto:
		e.handleIPCP(f.Body)
	case pap.Proto:
		e.handlePAP(f.Body)
	case protoIPv4:
		if e.phase == PhaseNetwork {
			e.enqueueEvent(ReceivedEvent{Packet: f.Body})
		}
		// Link not up yet: silently drop, matching the teacher's
		// treatment of stray traffic before negotiation completes.
	default:
		e.sendProtocolReject(f.Protocol, f.Body)
	}
	e.reconcile()
}

func (e *Engine) handleLCP(body []byte) {
	hdr, err := proto.Parse(body)
	if err != nil {
		e.enqueueEvent(ErrorEvent{ErrMalformedPacket})
		return
	}

	switch hdr.Code {
	case proto.ConfigureRequest:
		out, produced, err := e.lcpMachine.RecvConfigureRequest(hdr.ID, hdr.Body)
		if err != nil {
			e.enqueueEvent(ErrorEvent{ErrMalformedPacket})
			return
		}
		if produced {
			e.enqueueTX(lcp.Proto, out)
		}
		if pend, ok := e.lcpMachine.DrainPending(); ok {
			e.enqueueTX(lcp.Proto, pend)
		}

	case proto.ConfigureAck:
		out, produced, err := e.lcpMachine.RecvConfigureAck(hdr.ID, hdr.Body)
		if err != nil {
			e.enqueueEvent(ErrorEvent{ErrNegotiationFailed})
			return
		}
		if produced {
			e.enqueueTX(lcp.Proto, out)
		}

	case proto.ConfigureNak:
		out, produced, err := e.lcpMachine.RecvConfigureNak(hdr.ID, hdr.Body, false)
		if err != nil {
			e.enqueueEvent(ErrorEvent{ErrNegotiationFailed})
			return
		}
		if produced {
			e.enqueueTX(lcp.Proto, out)
		}

	case proto.ConfigureReject:
		out, produced, err := e.lcpMachine.RecvConfigureNak(hdr.ID, hdr.Body, true)
		if err != nil {
			e.enqueueEvent(ErrorEvent{ErrNegotiationFailed})
			return
		}
		if produced {
			e.enqueueTX(lcp.Proto, out)
		}

	case proto.TerminateRequest:
		e.lcpPeerTerminated = true
		if out, produced := e.lcpMachine.RecvTerminateRequest(hdr.ID); produced {
			e.enqueueTX(lcp.Proto, out)
		}

	case proto.TerminateAck:
		if out, produced := e.lcpMachine.RecvTerminateAck(hdr.ID); produced {
			e.enqueueTX(lcp.Proto, out)
		}

	case proto.CodeReject:
		e.lcpMachine.RecvCodeReject(true)

	case proto.ProtocolReject:
		if len(hdr.Body) >= 2 {
			rejected := uint16(hdr.Body[0])<<8 | uint16(hdr.Body[1])
			if rejected == ipcp.Proto {
				e.ipcpMachine.RecvProtocolReject()
			} else if rejected == lcp.Proto {
				e.lcpMachine.RecvProtocolReject()
			}
		}

	case proto.EchoRequest:
		if e.lcpMachine.State() == fsm.Opened && len(hdr.Body) >= 4 {
			var reply [64]byte
			n, err := lcp.HandleEchoRequest(e.lcpBinding.Ours.Magic, hdr.Body[4:], reply[:])
			if err == nil {
				e.enqueueRawTX(lcp.Proto, proto.EchoReply, hdr.ID, reply[:n])
			}
		}

	case proto.EchoReply, proto.DiscardRequest:
		// Nothing to do: these are fire-and-forget from the peer's
		// perspective.

	default:
		e.enqueueRawTX(lcp.Proto, proto.CodeReject, e.nextRejectID(), body)
	}

	e.armLCPTimer()
}

func (e *Engine) handleIPCP(body []byte) {
	hdr, err := proto.Parse(body)
	if err != nil {
		e.enqueueEvent(ErrorEvent{ErrMalformedPacket})
		return
	}

	switch hdr.Code {
	case proto.ConfigureRequest:
		out, produced, err := e.ipcpMachine.RecvConfigureRequest(hdr.ID, hdr.Body)
		if err != nil {
			e.enqueueEvent(ErrorEvent{ErrMalformedPacket})
			return
		}
		if produced {
			e.enqueueTX(ipcp.Proto, out)
		}
		if pend, ok := e.ipcpMachine.DrainPending(); ok {
			e.enqueueTX(ipcp.Proto, pend)
		}

	case proto.ConfigureAck:
		out, produced, err := e.ipcpMachine.RecvConfigureAck(hdr.ID, hdr.Body)
		if err != nil {
			e.enqueueEvent(ErrorEvent{ErrNegotiationFailed})
			return
		}
		if produced {
			e.enqueueTX(ipcp.Proto, out)
		}

	case proto.ConfigureNak:
		out, produced, err := e.ipcpMachine.RecvConfigureNak(hdr.ID, hdr.Body, false)
		if err != nil {
			e.enqueueEvent(ErrorEvent{ErrNegotiationFailed})
			return
		}
		// A Nak of 0.0.0.0 means the peer has nothing to assign:
		// instead of re-requesting, IPCP is closed, and reconcile
		// reports ErrNegotiationFailed once it sees
		// e.ipcpBinding.Aborted().
		if produced && e.ipcpBinding.Aborted() != nil {
			out, produced = e.ipcpMachine.Close(nil)
		}
		if produced {
			e.enqueueTX(ipcp.Proto, out)
		}

	case proto.ConfigureReject:
		out, produced, err := e.ipcpMachine.RecvConfigureNak(hdr.ID, hdr.Body, true)
		if err != nil {
			e.enqueueEvent(ErrorEvent{ErrNegotiationFailed})
			return
		}
		if produced {
			e.enqueueTX(ipcp.Proto, out)
		}

	case proto.TerminateRequest:
		if out, produced := e.ipcpMachine.RecvTerminateRequest(hdr.ID); produced {
			e.enqueueTX(ipcp.Proto, out)
		}

	case proto.TerminateAck:
		if out, produced := e.ipcpMachine.RecvTerminateAck(hdr.ID); produced {
			e.enqueueTX(ipcp.Proto, out)
		}

	case proto.CodeReject:
		e.ipcpMachine.RecvCodeReject(true)

	default:
		e.enqueueRawTX(ipcp.Proto, proto.CodeReject, e.nextRejectID(), body)
	}

	e.armIPCPTimer()
}

func (e *Engine) handlePAP(body []byte) {
	hdr, err := proto.Parse(body)
	if err != nil {
		e.enqueueEvent(ErrorEvent{ErrMalformedPacket})
		return
	}

	switch int(hdr.Code) {
	case pap.CodeAuthenticateAck:
		e.papClient.RecvAck(hdr.ID)
	case pap.CodeAuthenticateNak:
		// reconcile reports ErrAuthFailed once it observes State() ==
		// Failed, whether that came from here or from a timed-out
		// restart counter.
		e.papClient.RecvNak(hdr.ID)
	}

	e.armPAPTimer()
}

func (e *Engine) sendPAPRequest(id uint8) {
	n, err := e.papClient.Body(e.papBody[:])
	if err != nil {
		return
	}
	e.enqueueRawTX(pap.Proto, proto.Code(pap.CodeAuthenticateRequest), id, e.papBody[:n])
}

func (e *Engine) sendProtocolReject(protocol uint16, body []byte) {
	if e.lcpMachine.State() != fsm.Opened {
		return
	}
	var scratch [64]byte
	scratch[0] = byte(protocol >> 8)
	scratch[1] = byte(protocol)
	n := 2 + copy(scratch[2:], body)
	e.enqueueRawTX(lcp.Proto, proto.ProtocolReject, e.nextRejectID(), scratch[:n])
}

func (e *Engine) nextRejectID() uint8 {
	id := e.rejectID
	e.rejectID++
	return id
}

// reconcile translates the upcalls the LCP/IPCP bindings recorded
// (ThisLayerUp/Down/Started/Finished) and the PAP client's state into
// the engine's own phase machine and caller-visible events. It runs
// after every Recv*/TimerExpired call that could have changed one of
// those.
func (e *Engine) reconcile() {
	e.lcpBinding.started = false

	if e.lcpBinding.up {
		e.lcpBinding.up = false
		if e.phase == PhaseEstablish {
			if e.lcpBinding.WantsPAPFromPeer() {
				e.phase = PhaseAuthenticate
				id, _ := e.papClient.Start()
				e.sendPAPRequest(id)
				e.armPAPTimer()
			} else {
				e.enterNetwork()
			}
		}
	}

	// A magic-number loopback is fatal to the current negotiation
	// (spec §3/§4.6): beyond reporting it, LCP must be brought down
	// and restarted with a fresh magic, landing back in ReqSent.
	if e.lcpBinding.TakeLoopbackDetected() {
		e.enqueueEvent(ErrorEvent{ErrLoopbackDetected})
		if out, ok := e.lcpMachine.Restart(); ok {
			e.enqueueTX(lcp.Proto, out)
		}
		e.armLCPTimer()
	}

	if e.lcpBinding.down || e.lcpBinding.finished {
		e.lcpBinding.down = false
		e.lcpBinding.finished = false
		wasUp := e.phase != PhaseDead
		switch {
		case wasUp && e.lcpPeerTerminated:
			// A peer-initiated Terminate-Request is a normal
			// teardown, not a negotiation failure.
			e.enqueueEvent(StatusEvent{LinkUp: false})
		case wasUp && !e.userClosed:
			e.enqueueEvent(ErrorEvent{ErrNegotiationFailed})
		}
		e.lcpPeerTerminated = false
		e.phase = PhaseDead
	}

	if e.phase == PhaseAuthenticate && e.papClient.State() == pap.Authenticated {
		e.enterNetwork()
	}
	if e.phase == PhaseAuthenticate && e.papClient.State() == pap.Failed {
		e.enqueueEvent(ErrorEvent{ErrAuthFailed})
		// spec §4.8: "close LCP and return to Dead" — drive a clean
		// Terminate-Request rather than just flipping our own phase.
		e.userClosed = true
		if out, ok := e.lcpMachine.Close([]byte("Authentication failed")); ok {
			e.enqueueTX(lcp.Proto, out)
		}
		e.armLCPTimer()
		e.phase = PhaseDead
	}

	e.ipcpBinding.started = false
	if e.ipcpBinding.up {
		e.ipcpBinding.up = false
		e.enqueueEvent(StatusEvent{
			LinkUp:   true,
			IPv4:     e.ipcpBinding.Ours.IPv4,
			PeerIPv4: e.ipcpBinding.Peers.IPv4,
			DNS1:     e.ipcpBinding.Ours.DNS1,
			DNS2:     e.ipcpBinding.Ours.DNS2,
			MTU:      minMRU(e.lcpBinding.Ours.MRU, e.lcpBinding.Peers.MRU),
		})
	}
	if e.ipcpBinding.Aborted() != nil && !e.ipcpAbortReported {
		e.ipcpAbortReported = true
		e.enqueueEvent(ErrorEvent{ErrNegotiationFailed})
	}
	if e.ipcpBinding.down || e.ipcpBinding.finished {
		e.ipcpBinding.down = false
		e.ipcpBinding.finished = false
		if e.phase == PhaseNetwork {
			e.enqueueEvent(StatusEvent{LinkUp: false})
		}
	}
}

// minMRU implements spec §4.7's mtu = min(our_mru, peer_mru).
func minMRU(a, b uint16) uint16 {
	if a < b {
		return a
	}
	return b
}

func (e *Engine) enterNetwork() {
	e.phase = PhaseNetwork
	e.ipcpAbortReported = false
	if out, ok := e.ipcpMachine.Open(); ok {
		e.enqueueTX(ipcp.Proto, out)
	}
	e.armIPCPTimer()
}
