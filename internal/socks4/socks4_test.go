package socks4

import (
	"net"
	"testing"
)

func TestBuildConnectRequestLayout(t *testing.T) {
	req, err := BuildConnectRequest(net.IPv4(1, 2, 3, 4), 0x50)
	if err != nil {
		t.Fatalf("BuildConnectRequest: %v", err)
	}
	want := []byte{0x04, 0x01, 0x00, 0x50, 0x01, 0x02, 0x03, 0x04, 0x00}
	if len(req) != len(want) {
		t.Fatalf("len = %d, want %d", len(req), len(want))
	}
	for i := range want {
		if req[i] != want[i] {
			t.Fatalf("byte %d = 0x%02x, want 0x%02x", i, req[i], want[i])
		}
	}
}

func TestBuildConnectRequestRejectsIPv6(t *testing.T) {
	if _, err := BuildConnectRequest(net.ParseIP("::1"), 80); err == nil {
		t.Fatal("expected error for IPv6 destination")
	}
}

func TestParseReplyGranted(t *testing.T) {
	reply := []byte{0x00, 0x5a, 0, 0, 0, 0, 0, 0}
	if err := ParseReply(reply); err != nil {
		t.Fatalf("ParseReply: %v", err)
	}
}

func TestParseReplyRejected(t *testing.T) {
	reply := []byte{0x00, 0x5b, 0, 0, 0, 0, 0, 0}
	if err := ParseReply(reply); err == nil {
		t.Fatal("expected error for rejected reply")
	}
}

func TestParseReplyWrongLength(t *testing.T) {
	if err := ParseReply([]byte{0x00, 0x5a}); err == nil {
		t.Fatal("expected error for short reply")
	}
}
