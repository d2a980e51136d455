package gpsloop

import "testing"

func TestUbxClassFindsPreambleAnywhereInBuffer(t *testing.T) {
	data := []byte{0x00, 0x00, 0xb5, 0x62, 0x02, 0x10, 0x01}
	cls, ok := ubxClass(data)
	if !ok {
		t.Fatal("expected preamble to be found")
	}
	if cls != 0x02 {
		t.Fatalf("class = 0x%02x, want 0x02", cls)
	}
}

func TestUbxClassMissingPreamble(t *testing.T) {
	if _, ok := ubxClass([]byte{1, 2, 3}); ok {
		t.Fatal("expected no class without a preamble")
	}
}

func TestUbxClassTruncatedAfterPreamble(t *testing.T) {
	if _, ok := ubxClass([]byte{0xb5, 0x62}); ok {
		t.Fatal("expected no class when buffer ends right after preamble")
	}
}

func TestClassTimeoutCoversNavAndRxm(t *testing.T) {
	if _, ok := classTimeout[0x01]; !ok {
		t.Fatal("nav class 0x01 missing a timeout entry")
	}
	if _, ok := classTimeout[0x02]; !ok {
		t.Fatal("rxm class 0x02 missing a timeout entry")
	}
}
