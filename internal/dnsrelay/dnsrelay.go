// Package dnsrelay implements the pending-query table for the UDP DNS
// relay: queries arriving on port 53 inside the terminated stack are
// forwarded verbatim to a configured upstream resolver over a single
// connected UDP socket, and the matching response is routed back to
// whichever guest socket asked. The table here does no I/O and takes no
// locks: it is owned by the engine's dispatch goroutine, and every method
// must be called from that one goroutine.
package dnsrelay

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/miekg/dns"
)

// DefaultTimeout bounds how long a pending query waits for the upstream
// resolver before it is dropped from the table.
const DefaultTimeout = 5 * time.Second

// DefaultMaxPending bounds the number of concurrent outstanding queries so a
// guest cannot grow the table without bound by firing unanswered lookups.
const DefaultMaxPending = 256

// queryKey identifies one outstanding query by source address, source port,
// and DNS transaction ID.
type queryKey struct {
	srcAddr string
	srcPort int
	txnID   uint16
}

type pendingQuery struct {
	key      queryKey
	deadline time.Time
	deliver  func(payload []byte) error
}

// Table tracks the queries currently in flight to the upstream resolver.
type Table struct {
	timeout    time.Duration
	maxPending int
	pending    map[queryKey]*pendingQuery
}

// New returns an empty table. timeout and maxPending fall back to
// DefaultTimeout/DefaultMaxPending when zero.
func New(timeout time.Duration, maxPending int) *Table {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Table{
		timeout:    timeout,
		maxPending: maxPending,
		pending:    make(map[queryKey]*pendingQuery),
	}
}

// Track records one outstanding query read from a guest's UDP flow, keyed by
// the guest's source address/port and the query's transaction ID. deliver is
// invoked later, from the same goroutine, when Dispatch matches a response.
// Tracking fails when the payload is not a parseable DNS message or the
// table is full; the caller drops the query and the guest retries.
func (t *Table) Track(srcAddr net.Addr, payload []byte, deliver func(payload []byte) error) error {
	msg := new(dns.Msg)
	if err := msg.Unpack(payload); err != nil {
		return fmt.Errorf("dnsrelay: unpack query: %w", err)
	}
	if len(t.pending) >= t.maxPending {
		return fmt.Errorf("dnsrelay: pending query table full (%d)", t.maxPending)
	}

	key := keyFor(srcAddr, msg.Id)
	t.pending[key] = &pendingQuery{
		key:      key,
		deadline: time.Now().Add(t.timeout),
		deliver:  deliver,
	}
	return nil
}

// Dispatch routes one response datagram read from the upstream socket back
// to the guest that asked, and reports whether any pending query matched.
// A single connected upstream socket carries every query, so responses can
// only be demultiplexed by transaction ID; when two guests have the same ID
// outstanding, the oldest entry wins.
func (t *Table) Dispatch(payload []byte) (bool, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(payload); err != nil {
		return false, fmt.Errorf("dnsrelay: unpack response: %w", err)
	}

	var match *pendingQuery
	for _, pq := range t.pending {
		if pq.key.txnID != msg.Id {
			continue
		}
		if match == nil || pq.deadline.Before(match.deadline) {
			match = pq
		}
	}
	if match == nil {
		return false, nil
	}
	delete(t.pending, match.key)
	if err := match.deliver(payload); err != nil {
		return true, fmt.Errorf("dnsrelay: deliver response: %w", err)
	}
	return true, nil
}

// Expire drops every pending query whose deadline has passed and returns how
// many were dropped. Driven from the engine's periodic tick.
func (t *Table) Expire(now time.Time) int {
	dropped := 0
	for key, pq := range t.pending {
		if pq.deadline.Before(now) {
			delete(t.pending, key)
			dropped++
		}
	}
	return dropped
}

// Pending reports how many queries are currently outstanding, for tests and
// diagnostics.
func (t *Table) Pending() int {
	return len(t.pending)
}

func keyFor(srcAddr net.Addr, txnID uint16) queryKey {
	if ua, ok := srcAddr.(*net.UDPAddr); ok {
		return queryKey{srcAddr: ua.IP.String(), srcPort: ua.Port, txnID: txnID}
	}
	host, portStr, err := net.SplitHostPort(srcAddr.String())
	if err != nil {
		return queryKey{srcAddr: srcAddr.String(), txnID: txnID}
	}
	port, _ := strconv.Atoi(portStr)
	return queryKey{srcAddr: host, srcPort: port, txnID: txnID}
}
