// Package reactor implements the readiness-notification multiplexer the
// relay engine drives its main loop from. Event sources are a mix of real
// non-blocking file descriptors (the tunnel fd, the DNS socket, each flow's
// SOCKS4 socket) and the embedded TCP/IP stack's own asynchronous
// notifications, which arrive on goroutines gvisor owns. A single raw
// epoll_wait cannot span both, so every source feeds a Go channel and
// Reactor fans those channels in with reflect.Select. Exactly one goroutine
// (the engine's) ever calls Wait, so flow state touched only from inside
// Wait's caller needs no locking.
package reactor

import (
	"reflect"
	"time"
)

// Event is a batch of readiness information delivered for one registered
// source.
type Event struct {
	// Token identifies which registration produced this event; it is
	// whatever value was passed to Add.
	Token interface{}
	// Value is the payload sent on the registered channel, if any. Sources
	// that only signal readiness (no payload) send struct{}{}.
	Value interface{}
}

type registration struct {
	token interface{}
	ch    reflect.Value
}

// Reactor multiplexes an arbitrary, dynamically changing set of channels.
type Reactor struct {
	regs []registration
}

// New returns an empty Reactor.
func New() *Reactor {
	return &Reactor{}
}

// Add registers ch under token. ch must be a receive-only or bidirectional
// channel. Sending on ch after Add delivers an Event the next time Wait is
// called.
func (r *Reactor) Add(token interface{}, ch interface{}) {
	r.regs = append(r.regs, registration{token: token, ch: reflect.ValueOf(ch)})
}

// Remove deregisters the channel added under token, if any.
func (r *Reactor) Remove(token interface{}) {
	for i, reg := range r.regs {
		if reg.token == token {
			r.regs = append(r.regs[:i], r.regs[i+1:]...)
			return
		}
	}
}

// Wait blocks until one registered channel is ready or timeout elapses. It
// returns ok=false on timeout with no event, so the caller's periodic work
// still runs even when every source is idle.
func (r *Reactor) Wait(timeout time.Duration) (Event, bool) {
	cases := make([]reflect.SelectCase, 0, len(r.regs)+1)
	for _, reg := range r.regs {
		cases = append(cases, reflect.SelectCase{
			Dir:  reflect.SelectRecv,
			Chan: reg.ch,
		})
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	cases = append(cases, reflect.SelectCase{
		Dir:  reflect.SelectRecv,
		Chan: reflect.ValueOf(timer.C),
	})

	chosen, value, recvOK := reflect.Select(cases)
	if chosen == len(cases)-1 {
		// Timer fired: no event this tick.
		return Event{}, false
	}
	if !recvOK {
		// The registered channel was closed; report it as a zero-value
		// event under its token so the caller can react (typically by
		// removing the dead registration).
		return Event{Token: r.regs[chosen].token}, true
	}
	return Event{Token: r.regs[chosen].token, Value: value.Interface()}, true
}

// Len reports how many sources are currently registered.
func (r *Reactor) Len() int {
	return len(r.regs)
}
