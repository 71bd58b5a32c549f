package option

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestIterWalksAllOptions(t *testing.T) {
	raw := []byte{
		1, 4, 5, 220, // MRU = 1500
		5, 6, 1, 2, 3, 4, // Magic = 0x01020304
		42, 3, 1, // unknown option = {1}
	}

	type got struct {
		Type  uint8
		Value []byte
	}
	var gotOpts []got

	it := NewIter(raw)
	for {
		typ, val, ok, err := it.Next()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			break
		}
		gotOpts = append(gotOpts, got{typ, val})
	}

	want := []got{
		{1, []byte{5, 220}},
		{5, []byte{1, 2, 3, 4}},
		{42, []byte{1}},
	}
	if diff := cmp.Diff(want, gotOpts); diff != "" {
		t.Fatalf("wrong options (-want +got)\n%s", diff)
	}
}

func TestIterRejectsShortLength(t *testing.T) {
	it := NewIter([]byte{1, 1}) // length < 2
	if _, _, _, err := it.Next(); err != ErrMalformed {
		t.Fatalf("got err %v, want ErrMalformed", err)
	}
}

func TestIterRejectsOverrunLength(t *testing.T) {
	it := NewIter([]byte{1, 10, 1, 2}) // length > remaining bytes
	if _, _, _, err := it.Next(); err != ErrMalformed {
		t.Fatalf("got err %v, want ErrMalformed", err)
	}
}

func TestIterRejectsTrailingGarbage(t *testing.T) {
	it := NewIter([]byte{1, 4, 5, 220, 9})
	if _, _, ok, err := it.Next(); !ok || err != nil {
		t.Fatalf("first option: ok=%v err=%v", ok, err)
	}
	if _, _, _, err := it.Next(); err != ErrMalformed {
		t.Fatalf("got err %v, want ErrMalformed for trailing byte", err)
	}
}

func TestBuilderRoundTrip(t *testing.T) {
	var buf [32]byte
	b := NewBuilder(buf[:])
	if err := b.Put(1, []byte{5, 220}); err != nil {
		t.Fatalf("Put MRU: %v", err)
	}
	if err := b.Put(5, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Put Magic: %v", err)
	}

	it := NewIter(b.Bytes())
	typ, val, ok, err := it.Next()
	if err != nil || !ok || typ != 1 {
		t.Fatalf("first option wrong: typ=%d ok=%v err=%v", typ, ok, err)
	}
	if diff := cmp.Diff([]byte{5, 220}, val); diff != "" {
		t.Fatalf("wrong value (-want +got)\n%s", diff)
	}
}

func TestBuilderOverflow(t *testing.T) {
	var buf [3]byte
	b := NewBuilder(buf[:])
	if err := b.Put(1, []byte{5, 220}); err != ErrBufferTooSmall {
		t.Fatalf("got err %v, want ErrBufferTooSmall", err)
	}
}
