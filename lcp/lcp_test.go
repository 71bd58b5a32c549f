package lcp

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.universe.tf/pppengine/internal/fsm"
	"go.universe.tf/pppengine/option"
)

func sequentialMagic(start uint32) MagicSource {
	n := start
	return func() uint32 {
		n++
		return n
	}
}

func TestBuildConfigureRequestOffersOnlyMagic(t *testing.T) {
	b := NewBinding(sequentialMagic(100))
	var buf [32]byte
	n, err := b.BuildConfigureRequest(buf[:])
	if err != nil {
		t.Fatalf("BuildConfigureRequest: %v", err)
	}
	it := option.NewIter(buf[:n])
	typ, _, ok, err := it.Next()
	if err != nil || !ok || typ != OptionMagic {
		t.Fatalf("first option = %d, ok=%v err=%v, want OptionMagic", typ, ok, err)
	}
	if _, _, ok, _ := it.Next(); ok {
		t.Fatalf("expected exactly one offered option")
	}
}

func TestExamineAcceptsReasonableMRU(t *testing.T) {
	b := NewBinding(sequentialMagic(1))
	var nakBuf, rejBuf [32]byte
	nak, rej := option.NewBuilder(nakBuf[:]), option.NewBuilder(rejBuf[:])

	body := []byte{OptionMRU, 4, 0x05, 0xd4} // MRU = 1492
	verdict, err := b.ExamineConfigureRequest(body, &nak, &rej)
	if err != nil || verdict != fsm.Ack {
		t.Fatalf("verdict = %v, err = %v", verdict, err)
	}
	if b.Peers.MRU != 1492 {
		t.Fatalf("Peers.MRU = %d, want 1492", b.Peers.MRU)
	}
}

func TestExamineAcceptsPAP(t *testing.T) {
	b := NewBinding(sequentialMagic(1))
	var nakBuf, rejBuf [32]byte
	nak, rej := option.NewBuilder(nakBuf[:]), option.NewBuilder(rejBuf[:])

	body := []byte{OptionAuthProto, 4, 0xc0, 0x23}
	verdict, err := b.ExamineConfigureRequest(body, &nak, &rej)
	if err != nil || verdict != fsm.Ack {
		t.Fatalf("verdict = %v, err = %v", verdict, err)
	}
	if !b.WantsPAPFromPeer() {
		t.Fatalf("expected WantsPAPFromPeer true")
	}
}

func TestExamineNaksNonPAPAuth(t *testing.T) {
	b := NewBinding(sequentialMagic(1))
	var nakBuf, rejBuf [32]byte
	nak, rej := option.NewBuilder(nakBuf[:]), option.NewBuilder(rejBuf[:])

	body := []byte{OptionAuthProto, 5, 0xc2, 0x23, 5} // CHAP-MD5
	verdict, err := b.ExamineConfigureRequest(body, &nak, &rej)
	if err != nil || verdict != fsm.NakOrReject {
		t.Fatalf("verdict = %v, err = %v", verdict, err)
	}
	it := option.NewIter(nak.Bytes())
	typ, val, ok, _ := it.Next()
	if !ok || typ != OptionAuthProto {
		t.Fatalf("nak option = %d, want OptionAuthProto", typ)
	}
	if diff := cmp.Diff([]byte{0xc0, 0x23}, val); diff != "" {
		t.Fatalf("nak value (-want +got)\n%s", diff)
	}
}

func TestExamineRejectsUnknownOption(t *testing.T) {
	b := NewBinding(sequentialMagic(1))
	var nakBuf, rejBuf [32]byte
	nak, rej := option.NewBuilder(nakBuf[:]), option.NewBuilder(rejBuf[:])

	body := []byte{0x42, 3, 0x01}
	verdict, err := b.ExamineConfigureRequest(body, &nak, &rej)
	if err != nil || verdict != fsm.NakOrReject {
		t.Fatalf("verdict = %v, err = %v", verdict, err)
	}
	if diff := cmp.Diff([]byte{0x42, 3, 0x01}, rej.Bytes()); diff != "" {
		t.Fatalf("reject body (-want +got)\n%s", diff)
	}
}

func TestLoopbackDetection(t *testing.T) {
	b := NewBinding(sequentialMagic(1))
	ourMagic := b.Ours.Magic

	var nakBuf, rejBuf [32]byte
	nak, rej := option.NewBuilder(nakBuf[:]), option.NewBuilder(rejBuf[:])

	body := []byte{OptionMagic, 6, 0, 0, 0, 0}
	body[2] = byte(ourMagic >> 24)
	body[3] = byte(ourMagic >> 16)
	body[4] = byte(ourMagic >> 8)
	body[5] = byte(ourMagic)

	verdict, err := b.ExamineConfigureRequest(body, &nak, &rej)
	if err != nil || verdict != fsm.NakOrReject {
		t.Fatalf("verdict = %v, err = %v", verdict, err)
	}
	if !b.TakeLoopbackDetected() {
		t.Fatalf("expected loopback to be detected")
	}
	if b.TakeLoopbackDetected() {
		t.Fatalf("loopback flag should clear after being taken")
	}
}

func TestZeroMagicIsNakdNotLoopback(t *testing.T) {
	b := NewBinding(sequentialMagic(1))
	var nakBuf, rejBuf [32]byte
	nak, rej := option.NewBuilder(nakBuf[:]), option.NewBuilder(rejBuf[:])

	body := []byte{OptionMagic, 6, 0, 0, 0, 0}
	verdict, err := b.ExamineConfigureRequest(body, &nak, &rej)
	if err != nil || verdict != fsm.NakOrReject {
		t.Fatalf("verdict = %v, err = %v", verdict, err)
	}
	if b.TakeLoopbackDetected() {
		t.Fatalf("zero magic should not be treated as loopback")
	}
}

func TestRejectedOptionNeverOfferedAgain(t *testing.T) {
	b := NewBinding(sequentialMagic(1))
	if err := b.ApplyConfigureReject([]byte{OptionMagic, 6, 0, 0, 0, 0}); err != nil {
		t.Fatalf("ApplyConfigureReject: %v", err)
	}
	var buf [32]byte
	n, err := b.BuildConfigureRequest(buf[:])
	if err != nil {
		t.Fatalf("BuildConfigureRequest: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no options offered after Magic was rejected, got %d bytes", n)
	}
}

func TestPFCAndACFCAlwaysRejected(t *testing.T) {
	b := NewBinding(sequentialMagic(1))
	var nakBuf, rejBuf [32]byte
	nak, rej := option.NewBuilder(nakBuf[:]), option.NewBuilder(rejBuf[:])

	verdict, err := b.ExamineConfigureRequest([]byte{OptionPFC, 2, OptionACFC, 2}, &nak, &rej)
	if err != nil || verdict != fsm.NakOrReject {
		t.Fatalf("verdict = %v, err = %v", verdict, err)
	}
	if rej.Len() == 0 {
		t.Fatalf("expected PFC/ACFC to be rejected")
	}
}
