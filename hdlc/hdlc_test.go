package hdlc

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestWriterEscapesAndFrames(t *testing.T) {
	var scratch [64]byte
	w := NewWriter(scratch[:])

	got, err := w.Frame(0xc021, []byte{0x01, 0x01, 0x00, 0x04})
	if err != nil {
		t.Fatalf("Frame: %v", err)
	}

	if got[0] != flagByte || got[len(got)-1] != flagByte {
		t.Fatalf("frame not flag-delimited: %x", got)
	}
	for _, b := range got[1 : len(got)-1] {
		if b == flagByte {
			t.Fatalf("internal flag byte leaked into frame: %x", got)
		}
	}
}

func TestWriterEscapesControlBytes(t *testing.T) {
	var scratch [64]byte
	w := NewWriter(scratch[:])

	got, err := w.Frame(0x0021, []byte{0x7e, 0x7d, 0x01, 0x00})
	if err != nil {
		t.Fatalf("Frame: %v", err)
	}

	// Expect 0x7e and 0x7d in the payload, and every byte below 0x20
	// (Control, the protocol's high byte, 0x01, 0x00), to each have
	// become a 2-byte escape sequence.
	want := []byte{
		flagByte,
		addressByte, escapeByte, controlByte ^ escapeXOR,
		escapeByte, 0x00 ^ escapeXOR, 0x21,
		escapeByte, 0x7e ^ escapeXOR,
		escapeByte, 0x7d ^ escapeXOR,
		escapeByte, 0x01 ^ escapeXOR,
		escapeByte, 0x00 ^ escapeXOR,
	}
	// The FCS and trailing flag are not hardcoded; instead the frame
	// is round-tripped through the Reader below.
	r := NewReader(make([]byte, 1600))
	var frame Frame
	var ok bool
	for _, b := range got {
		if frame, ok = r.Push(b); ok {
			break
		}
	}
	if !ok {
		t.Fatalf("round trip did not produce a frame from %x", got)
	}
	if diff := cmp.Diff([]byte{0x7e, 0x7d, 0x01, 0x00}, frame.Body); diff != "" {
		t.Fatalf("wrong body (-want +got)\n%s", diff)
	}
	if diff := cmp.Diff(want, got[:len(want)]); diff != "" {
		t.Fatalf("wrong escaped frame prefix (-want +got)\n%s", diff)
	}
}

func TestWriterBufferTooSmall(t *testing.T) {
	var scratch [4]byte
	w := NewWriter(scratch[:])
	if _, err := w.Frame(0xc021, []byte{1, 2, 3, 4}); err != ErrBufferTooSmall {
		t.Fatalf("got err %v, want ErrBufferTooSmall", err)
	}
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		desc     string
		protocol uint16
		payload  []byte
	}{
		{"empty LCP body", 0xc021, nil},
		{"IPCP body", 0x8021, []byte{0x01, 0x01, 0x00, 0x0a, 0x03, 0x06, 192, 168, 7, 10}},
		{"payload full of flags and escapes", 0x0021, []byte{0x7e, 0x7e, 0x7d, 0x7d, 0x00, 0x01, 0x1f}},
		{"IPv4 packet", 0x0021, []byte{0x45, 0x00, 0x00, 0x1c, 0, 0, 0, 0, 64, 1, 0, 0, 192, 168, 7, 10, 192, 168, 7, 1}},
	}

	for _, test := range tests {
		t.Run(test.desc, func(t *testing.T) {
			var scratch [128]byte
			w := NewWriter(scratch[:])
			framed, err := w.Frame(test.protocol, test.payload)
			if err != nil {
				t.Fatalf("Frame: %v", err)
			}

			r := NewReader(make([]byte, 1600))
			var got Frame
			var ok bool
			for _, b := range framed {
				if got, ok = r.Push(b); ok {
					break
				}
			}
			if !ok {
				t.Fatalf("no frame decoded from %x", framed)
			}

			if got.Protocol != test.protocol {
				t.Errorf("protocol = %#x, want %#x", got.Protocol, test.protocol)
			}
			if diff := cmp.Diff(test.payload, got.Body); diff != "" && !(len(test.payload) == 0 && len(got.Body) == 0) {
				t.Errorf("wrong body (-want +got)\n%s", diff)
			}
		})
	}
}

func TestBitFlipDropsFrameSilently(t *testing.T) {
	var scratch [64]byte
	w := NewWriter(scratch[:])
	framed, err := w.Frame(0xc021, []byte{0x01, 0x01, 0x00, 0x04})
	if err != nil {
		t.Fatalf("Frame: %v", err)
	}

	corrupt := append([]byte{}, framed...)
	corrupt[4] ^= 0x01 // flip a bit in the protocol field's first byte

	r := NewReader(make([]byte, 1600))
	var ok bool
	for _, b := range corrupt {
		if _, ok = r.Push(b); ok {
			break
		}
	}
	if ok {
		t.Fatalf("corrupted frame was accepted")
	}
	if r.FcsMismatchCount() != 1 {
		t.Fatalf("FcsMismatchCount = %d, want 1", r.FcsMismatchCount())
	}

	// State must be unaffected: the next valid frame still parses.
	var scratch2 [64]byte
	w2 := NewWriter(scratch2[:])
	framed2, _ := w2.Frame(0xc021, []byte{0x02, 0x02, 0x00, 0x04})
	var got Frame
	for _, b := range framed2 {
		if got, ok = r.Push(b); ok {
			break
		}
	}
	if !ok || got.Protocol != 0xc021 {
		t.Fatalf("reader did not recover after corrupted frame")
	}
}

func TestFramingResyncAfterGarbage(t *testing.T) {
	var scratch [64]byte
	w := NewWriter(scratch[:])
	framed, _ := w.Frame(0xc021, []byte{0x01, 0x01, 0x00, 0x04})

	input := append([]byte{0x11, 0x22, 0x33, 0x44}, framed...)

	r := NewReader(make([]byte, 1600))
	var got Frame
	var ok bool
	var frames int
	for _, b := range input {
		if f, done := r.Push(b); done {
			got = f
			ok = true
			frames++
		}
	}
	if !ok || frames != 1 {
		t.Fatalf("expected exactly one parsed frame, got %d (ok=%v)", frames, ok)
	}
	if got.Protocol != 0xc021 {
		t.Fatalf("protocol = %#x, want 0xc021", got.Protocol)
	}
}

func TestOverflowDropsAndResyncs(t *testing.T) {
	var scratch [512]byte // 200 zero bytes escape to 400
	w := NewWriter(scratch[:])
	big := make([]byte, 200)
	framedBig, _ := w.Frame(0xc021, big)

	var scratch2 [256]byte
	w2 := NewWriter(scratch2[:])
	framedSmall, _ := w2.Frame(0xc021, []byte{1, 2, 3, 4})

	r := NewReader(make([]byte, 16)) // too small for framedBig's body, room for framedSmall's 10 bytes
	var ok bool
	for _, b := range framedBig {
		if _, ok = r.Push(b); ok {
			t.Fatalf("oversized frame unexpectedly parsed")
		}
	}
	if r.FrameTooLongCount() == 0 {
		t.Fatalf("expected FrameTooLongCount > 0")
	}

	var got Frame
	for _, b := range framedSmall {
		if f, done := r.Push(b); done {
			got = f
			ok = true
		}
	}
	if !ok || got.Protocol != 0xc021 {
		t.Fatalf("reader did not resync after overflow")
	}
}

func TestDecompressAddrCtrl(t *testing.T) {
	addr, ctrl, rest := decompressAddrCtrl([]byte{0xff, 0x03, 0x00, 0x21})
	if addr != 0xff || ctrl != 0x03 || len(rest) != 2 {
		t.Fatalf("unexpected decompress result: %x %x %x", addr, ctrl, rest)
	}

	addr, ctrl, rest = decompressAddrCtrl([]byte{0x00, 0x21})
	if addr != 0xff || ctrl != 0x03 || len(rest) != 2 {
		t.Fatalf("ACFC form not tolerated: %x %x %x", addr, ctrl, rest)
	}
}

func TestDecompressProtocol(t *testing.T) {
	p, rest := decompressProtocol([]byte{0xc0, 0x21, 1, 2})
	if p != 0xc021 || len(rest) != 2 {
		t.Fatalf("uncompressed protocol wrong: %#x %x", p, rest)
	}

	p, rest = decompressProtocol([]byte{0x21, 1, 2})
	if p != 0x21 || len(rest) != 2 {
		t.Fatalf("PFC-compressed protocol wrong: %#x %x", p, rest)
	}
}
