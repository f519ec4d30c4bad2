package crypto

import (
	"bytes"
	"strings"
	"testing"
)

func TestAddressRoundTrip(t *testing.T) {
	raw := make([]byte, 20)
	for i := range raw {
		raw[i] = byte(i + 1)
	}
	addr := NewAddress(RefundPrefix, raw)

	encoded := addr.String()
	if !strings.HasPrefix(encoded, string(RefundPrefix)+"1") {
		t.Fatalf("unexpected encoding %q", encoded)
	}

	decoded, err := DecodeAddress(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(decoded.Bytes(), raw) {
		t.Fatalf("round trip mismatch: %x != %x", decoded.Bytes(), raw)
	}
	if decoded.Prefix() != RefundPrefix {
		t.Fatalf("unexpected prefix %q", decoded.Prefix())
	}
}

func TestDecodeAddressRejectsForeignPrefix(t *testing.T) {
	raw := make([]byte, 20)
	foreign := Address{prefix: "acc", bytes: raw}
	if _, err := DecodeAddress(foreign.String()); err == nil {
		t.Fatal("expected error for foreign prefix")
	}
}

func TestDecodeAddressRejectsGarbage(t *testing.T) {
	for _, input := range []string{"", "rfd1", "not-bech32", "rfd1qqqq"} {
		if _, err := DecodeAddress(input); err == nil {
			t.Fatalf("expected error for %q", input)
		}
	}
}

func TestModuleAddressDeterministic(t *testing.T) {
	a := ModuleAddress("vault")
	b := ModuleAddress("vault")
	if !bytes.Equal(a.Bytes(), b.Bytes()) {
		t.Fatal("module address not deterministic")
	}
	if len(a.Bytes()) != 20 {
		t.Fatalf("module address must be 20 bytes, got %d", len(a.Bytes()))
	}
	other := ModuleAddress("treasury")
	if bytes.Equal(a.Bytes(), other.Bytes()) {
		t.Fatal("distinct module names must derive distinct addresses")
	}
}
