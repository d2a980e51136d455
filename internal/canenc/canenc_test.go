package canenc

import (
	"testing"

	"github.com/commaai/boardd/internal/message"
)

func TestRoundTrip(t *testing.T) {
	frames := []message.CanFrame{
		{Bus: 0, Address: 0x123, Data: []byte{1, 2, 3, 4}},
		{Bus: 1, Address: 0x1ABCDEF0, Extended: true, Data: []byte{}},
		{Bus: 2, Address: 0x7FF, RTR: true, Data: []byte{}},
	}
	batch := EncodeBatch(frames)
	if len(batch) != len(frames)*recSize {
		t.Fatalf("batch length = %d, want %d", len(batch), len(frames)*recSize)
	}

	got, err := DecodeBatch(batch)
	if err != nil {
		t.Fatalf("DecodeBatch: %v", err)
	}
	if len(got) != len(frames) {
		t.Fatalf("got %d frames, want %d", len(got), len(frames))
	}
	for i, f := range frames {
		if got[i].Address != f.Address || got[i].Bus != f.Bus || got[i].Extended != f.Extended || got[i].RTR != f.RTR {
			t.Errorf("frame %d mismatch: got %+v want %+v", i, got[i], f)
		}
		if len(got[i].Data) != len(f.Data) {
			t.Errorf("frame %d data length mismatch: got %d want %d", i, len(got[i].Data), len(f.Data))
		}
	}
}

func TestEncodeBatchDropsInvalidFrame(t *testing.T) {
	frames := []message.CanFrame{
		{Address: 0x123, Data: []byte{1, 2}},
		{Address: 0xFFFFFFFF, Data: []byte{1, 2}}, // standard ID out of range
	}
	batch := EncodeBatch(frames)
	if len(batch) != recSize {
		t.Fatalf("batch length = %d, want %d (invalid frame dropped)", len(batch), recSize)
	}
}

func TestDecodeBatchRejectsShortBuffer(t *testing.T) {
	if _, err := DecodeBatch(make([]byte, recSize+1)); err == nil {
		t.Fatal("expected error for non-multiple-of-recSize buffer")
	}
}
