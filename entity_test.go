package msgr

import (
	"net"
	"testing"
)

func TestEntityAddrCompareOrdersByFamilyThenIPThenPortThenNonce(t *testing.T) {
	a := EntityAddr{Family: FamilyIPv4, IP: net.ParseIP("10.0.0.1"), Port: 6800, Nonce: 1}
	b := EntityAddr{Family: FamilyIPv4, IP: net.ParseIP("10.0.0.2"), Port: 6800, Nonce: 1}
	if !a.Less(b) {
		t.Fatalf("expected %s < %s", a, b)
	}
	if b.Less(a) {
		t.Fatalf("expected %s not < %s", b, a)
	}
}

func TestEntityAddrCompareBreaksTiesOnNonce(t *testing.T) {
	a := EntityAddr{Family: FamilyIPv4, IP: net.ParseIP("10.0.0.1"), Port: 6800, Nonce: 1}
	b := EntityAddr{Family: FamilyIPv4, IP: net.ParseIP("10.0.0.1"), Port: 6800, Nonce: 2}
	if a.Compare(b) == 0 {
		t.Fatalf("addresses differing only by nonce must not compare equal")
	}
	if !a.Less(b) {
		t.Fatalf("expected lower nonce to sort first")
	}
}

func TestEntityAddrEqualEndpointIgnoresNonce(t *testing.T) {
	a := EntityAddr{Family: FamilyIPv4, IP: net.ParseIP("10.0.0.1"), Port: 6800, Nonce: 1}
	b := EntityAddr{Family: FamilyIPv4, IP: net.ParseIP("10.0.0.1"), Port: 6800, Nonce: 99}
	if !a.EqualEndpoint(b) {
		t.Fatalf("expected same (ip, port) to be equal endpoints regardless of nonce")
	}
}

func TestEntityAddrEncodeDecodeRoundTrip(t *testing.T) {
	a := EntityAddr{Family: FamilyIPv6, IP: net.ParseIP("fe80::1"), Port: 3300, Nonce: 0xdeadbeef}
	buf := a.encode(nil)
	if len(buf) != entityAddrWireLen {
		t.Fatalf("encoded length = %d, want %d", len(buf), entityAddrWireLen)
	}
	got, rest, err := decodeEntityAddr(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("expected no leftover bytes, got %d", len(rest))
	}
	if got.Compare(a) != 0 {
		t.Fatalf("round trip mismatch: got %s, want %s", got, a)
	}
}

func TestDecodeEntityAddrShortInputErrors(t *testing.T) {
	_, _, err := decodeEntityAddr(make([]byte, entityAddrWireLen-1))
	if !isErr(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
}

func TestEntityNameString(t *testing.T) {
	n := EntityName{Type: EntityObjectServer, ID: 7}
	if got, want := n.String(), "object-server.7"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}
