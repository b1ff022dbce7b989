package dnsrelay

import (
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func packQuery(t *testing.T, id uint16) []byte {
	t.Helper()
	query := new(dns.Msg)
	query.SetQuestion("example.com.", dns.TypeA)
	query.Id = id
	payload, err := query.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	return payload
}

func packReply(t *testing.T, id uint16) []byte {
	t.Helper()
	query := new(dns.Msg)
	query.SetQuestion("example.com.", dns.TypeA)
	query.Id = id
	resp := new(dns.Msg)
	resp.SetReply(query)
	payload, err := resp.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	return payload
}

func TestTrackThenDispatchDeliversToRequester(t *testing.T) {
	table := New(time.Second, 8)
	src := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 5000}

	var got []byte
	err := table.Track(src, packQuery(t, 0xABCD), func(resp []byte) error {
		got = resp
		return nil
	})
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if table.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", table.Pending())
	}

	matched, err := table.Dispatch(packReply(t, 0xABCD))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !matched {
		t.Fatal("expected the response to match the pending query")
	}
	if table.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0 after dispatch", table.Pending())
	}

	resp := new(dns.Msg)
	if err := resp.Unpack(got); err != nil {
		t.Fatalf("Unpack reply: %v", err)
	}
	if resp.Id != 0xABCD {
		t.Fatalf("reply id = %x, want %x", resp.Id, 0xABCD)
	}
}

func TestDispatchWithoutMatchReportsFalse(t *testing.T) {
	table := New(time.Second, 8)
	matched, err := table.Dispatch(packReply(t, 7))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if matched {
		t.Fatal("expected no match in an empty table")
	}
}

func TestTrackRejectsWhenTableFull(t *testing.T) {
	table := New(time.Second, 1)
	src1 := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5000}
	src2 := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 5001}

	if err := table.Track(src1, packQuery(t, 1), func([]byte) error { return nil }); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if err := table.Track(src2, packQuery(t, 2), func([]byte) error { return nil }); err == nil {
		t.Fatal("expected error when the table is full")
	}
}

func TestTrackRejectsUnparseablePayload(t *testing.T) {
	table := New(time.Second, 8)
	src := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 5000}
	if err := table.Track(src, []byte{0x01}, func([]byte) error { return nil }); err == nil {
		t.Fatal("expected error for a truncated DNS payload")
	}
}

func TestDuplicateTransactionIDDeliversOldestFirst(t *testing.T) {
	table := New(time.Second, 8)
	src1 := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5000}
	src2 := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 5001}

	var first, second bool
	if err := table.Track(src1, packQuery(t, 9), func([]byte) error { first = true; return nil }); err != nil {
		t.Fatalf("Track: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := table.Track(src2, packQuery(t, 9), func([]byte) error { second = true; return nil }); err != nil {
		t.Fatalf("Track: %v", err)
	}

	if _, err := table.Dispatch(packReply(t, 9)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !first || second {
		t.Fatalf("first=%v second=%v, want the oldest entry delivered first", first, second)
	}
	if _, err := table.Dispatch(packReply(t, 9)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !second {
		t.Fatal("expected the second entry delivered by the second response")
	}
}

func TestExpireDropsOverdueQueries(t *testing.T) {
	table := New(50*time.Millisecond, 8)
	src := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 3), Port: 6000}

	called := false
	if err := table.Track(src, packQuery(t, 4), func([]byte) error { called = true; return nil }); err != nil {
		t.Fatalf("Track: %v", err)
	}

	if dropped := table.Expire(time.Now()); dropped != 0 {
		t.Fatalf("Expire before deadline dropped %d, want 0", dropped)
	}
	if dropped := table.Expire(time.Now().Add(time.Second)); dropped != 1 {
		t.Fatalf("Expire after deadline dropped %d, want 1", dropped)
	}
	if table.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0 after expiry", table.Pending())
	}

	matched, err := table.Dispatch(packReply(t, 4))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if matched || called {
		t.Fatal("a late response must not be delivered after expiry")
	}
}
