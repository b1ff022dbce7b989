// Package relay implements the per-flow SOCKS4 relay state machine and the
// owning Engine that drives every flow from a single dispatch loop.
package relay

import (
	"fmt"
	"net"
	"time"

	"github.com/monasticacademy/httptap-vpn2socks/internal/buffer"
	"github.com/monasticacademy/httptap-vpn2socks/internal/socks4"
)

// stackWriteAttempt bounds how long drainToStack blocks trying to hand bytes
// to the embedded stack before treating a full send buffer as would-block,
// the stack-side analogue of the SOCKS4 socket's non-blocking writes.
const stackWriteAttempt = 20 * time.Millisecond

type flowState int

const (
	stateConnecting flowState = iota
	stateHandshaking
	stateRelaying
	stateDead
)

const defaultBufferSize = 8192

// Flow is one terminated TCP connection paired with its upstream SOCKS4
// socket.
type Flow struct {
	id int64

	stackConn    net.Conn
	originalDst  net.IP
	originalPort uint16

	socksFD         int
	socksConnecting bool

	sendBuf *buffer.Stream // bytes read from the stack, queued to SOCKS4
	recvBuf *buffer.Stream // bytes read from SOCKS4, queued to the stack

	pendingRecv []byte // one payload from the stack that didn't fit in sendBuf

	state          flowState
	handshakeDone  bool
	stackWritePend bool // bytes are buffered in recvBuf, waiting on stack send-buffer headroom

	// log is the flow's logging sink; wired by the Engine so every flow's
	// diagnostics carry its identity.
	log func(format string, args ...interface{})
}

// NewFlow constructs a Flow for a freshly accepted stack-side connection.
// The SOCKS4 CONNECT request for (originalDst, originalPort) is staged into
// sendBuf immediately, so the first writable event on the socket drains it.
func NewFlow(id int64, conn net.Conn, originalDst net.IP, originalPort uint16, socksFD int, bufSize int, log func(string, ...interface{})) (*Flow, error) {
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	f := &Flow{
		id:              id,
		stackConn:       conn,
		originalDst:     originalDst,
		originalPort:    originalPort,
		socksFD:         socksFD,
		sendBuf:         buffer.New(bufSize),
		recvBuf:         buffer.New(bufSize),
		state:           stateConnecting,
		socksConnecting: true,
		log:             log,
	}
	if f.log == nil {
		f.log = func(string, ...interface{}) {}
	}

	req, err := socks4.BuildConnectRequest(originalDst, originalPort)
	if err != nil {
		return nil, fmt.Errorf("flow %d: %w", id, err)
	}
	if err := f.sendBuf.Append(req); err != nil {
		return nil, fmt.Errorf("flow %d: stage SOCKS4 request: %w", id, err)
	}
	return f, nil
}

// ID identifies the flow for logging and reactor token purposes.
func (f *Flow) ID() int64 { return f.id }

// SocksFD returns the raw, non-blocking socket fd connecting to the SOCKS4
// upstream, for registration with the Reactor.
func (f *Flow) SocksFD() int { return f.socksFD }

// Dead reports whether the flow has been torn down.
func (f *Flow) Dead() bool { return f.state == stateDead }

// Connecting reports whether the SOCKS4 socket's non-blocking connect is
// still outstanding.
func (f *Flow) Connecting() bool { return f.socksConnecting }

// SetConnecting records whether the SOCKS4 socket's non-blocking connect is
// still outstanding; the Engine clears this once a writable event on the
// socket confirms (or refutes, via SO_ERROR) completion.
func (f *Flow) SetConnecting(v bool) { f.socksConnecting = v }

// WantsSocksWritable reports whether the SOCKS4 socket still has something
// worth writing, so the Engine can drop EPOLLOUT interest rather than
// waking up every tick with nothing to send once sendBuf has drained.
func (f *Flow) WantsSocksWritable() bool {
	return f.socksConnecting || f.sendBuf.ReadAvailable() > 0
}

// OnSocksReadable is called when the reactor reports the SOCKS4 socket
// readable. It reads into recvBuf in a tight loop until either the buffer
// fills or the read would block, consumes the SOCKS4 handshake reply on the
// first 8 bytes, and then drains whatever is left to the stack.
func (f *Flow) OnSocksReadable(readFn func(fd int, p []byte) (int, error, bool)) error {
	for f.recvBuf.WriteCapacity() > 0 {
		n, err, wouldBlock := readFn(f.socksFD, f.recvBuf.WritePtr())
		if wouldBlock {
			break
		}
		if err != nil {
			return fmt.Errorf("flow %d: socks read: %w", f.id, err)
		}
		if n == 0 {
			return fmt.Errorf("flow %d: socks peer closed", f.id)
		}
		if cerr := f.recvBuf.CommitWrite(n); cerr != nil {
			return fmt.Errorf("flow %d: %w", f.id, cerr)
		}
	}

	if !f.handshakeDone {
		if f.recvBuf.ReadAvailable() < socks4.ReplyLen {
			return nil // wait for more bytes
		}
		if err := socks4.ParseReply(f.recvBuf.ReadPtr()[:socks4.ReplyLen]); err != nil {
			return fmt.Errorf("flow %d: %w", f.id, err)
		}
		if err := f.recvBuf.CommitRead(socks4.ReplyLen); err != nil {
			return fmt.Errorf("flow %d: %w", f.id, err)
		}
		f.handshakeDone = true
		f.state = stateRelaying
		f.log("flow %d: socks4 handshake complete, relaying to %v:%d", f.id, f.originalDst, f.originalPort)
	}

	return f.drainToStack()
}

// drainToStack pushes as much of recvBuf as the stack-side connection will
// currently accept. Each write is bounded by stackWriteAttempt so a full
// gvisor send buffer is reported as would-block (stackWritePend) rather than
// blocking the Engine's single dispatch goroutine; NeedsStackDrainRetry
// reports flows the Engine should retry on its next tick.
func (f *Flow) drainToStack() error {
	f.stackWritePend = false
	for f.recvBuf.ReadAvailable() > 0 {
		_ = f.stackConn.SetWriteDeadline(time.Now().Add(stackWriteAttempt))
		n, err := f.stackConn.Write(f.recvBuf.ReadPtr())
		if n > 0 {
			if cerr := f.recvBuf.CommitRead(n); cerr != nil {
				return fmt.Errorf("flow %d: %w", f.id, cerr)
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				f.stackWritePend = true
				break
			}
			return fmt.Errorf("flow %d: stack write: %w", f.id, err)
		}
		if n == 0 {
			break
		}
	}
	return nil
}

// NeedsStackDrainRetry reports whether the stack connection previously
// refused bytes (full send buffer) and still has data waiting to go out.
func (f *Flow) NeedsStackDrainRetry() bool {
	return f.stackWritePend && f.recvBuf.ReadAvailable() > 0
}

// OnSocksWritable drains sendBuf to the SOCKS4 socket, stopping on a
// would-block write, and returns the number of bytes written. That count is
// not acknowledged back to the stack side: the guest's advertised window
// advances when the Engine acks a payload that has been buffered in sendBuf,
// not when its bytes reach the SOCKS4 socket.
func (f *Flow) OnSocksWritable(writeFn func(fd int, p []byte) (int, error, bool)) (int, error) {
	total := 0
	for f.sendBuf.ReadAvailable() > 0 {
		n, err, wouldBlock := writeFn(f.socksFD, f.sendBuf.ReadPtr())
		if wouldBlock {
			break
		}
		if err != nil {
			return total, fmt.Errorf("flow %d: socks write: %w", f.id, err)
		}
		if cerr := f.sendBuf.CommitRead(n); cerr != nil {
			return total, fmt.Errorf("flow %d: %w", f.id, cerr)
		}
		total += n
		if f.state == stateConnecting {
			f.state = stateHandshaking
		}
	}
	return total, nil
}

// QueueFromStack is called with a payload the terminated peer delivered. The
// payload is buffered for SOCKS4 transmission and, if no SOCKS4 write was
// already pending, a write attempt is kicked off opportunistically. If
// sendBuf has no room, payload is retained in a single-slot pending queue
// rather than dropped — the caller (Engine) must stop reading further bytes
// from the stack connection for this flow until FlushPending reports the
// slot flushed, which is how guest TCP window backpressure is implemented.
// Peer close (FIN/EOF) surfaces to the Engine directly as a conn.Read error
// and never reaches this method; the Engine tears down both sides without
// flushing buffered bytes first.
func (f *Flow) QueueFromStack(payload []byte, writeFn func(fd int, p []byte) (int, error, bool)) (accepted bool, err error) {
	if len(f.pendingRecv) > 0 {
		return false, nil
	}

	alreadyPending := f.sendBuf.ReadAvailable() > 0
	if err := f.sendBuf.Append(payload); err != nil {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		f.pendingRecv = cp
		return false, nil
	}

	if !alreadyPending {
		if _, err := f.OnSocksWritable(writeFn); err != nil {
			return true, err
		}
	}
	return true, nil
}

// FlushPending retries moving the single pending payload left over from a
// full sendBuf into sendBuf now that some of it may have drained. Returns
// true only when a previously-deferred payload was just accepted: the caller
// uses that transition to release exactly one ack to the flow's stack-read
// loop, so an empty pending slot must not report a flush.
func (f *Flow) FlushPending(writeFn func(fd int, p []byte) (int, error, bool)) (bool, error) {
	if len(f.pendingRecv) == 0 {
		return false, nil
	}
	if err := f.sendBuf.Append(f.pendingRecv); err != nil {
		return false, nil
	}
	f.pendingRecv = nil
	if _, err := f.OnSocksWritable(writeFn); err != nil {
		return true, err
	}
	return true, nil
}

// OnStackSent is called when the stack acknowledges it has transmitted
// bytes to the terminated peer, which means buffer headroom has freed up on
// the stack side. It triggers another drain attempt.
func (f *Flow) OnStackSent() error {
	return f.drainToStack()
}

// Close tears down both sides of the flow: the stack connection and the
// SOCKS4 socket. Idempotent; no stack delivery can reach the flow after it
// returns.
func (f *Flow) Close(closeSocksFD func(fd int) error) {
	if f.state == stateDead {
		return
	}
	f.state = stateDead
	if f.stackConn != nil {
		_ = f.stackConn.Close()
	}
	if closeSocksFD != nil {
		_ = closeSocksFD(f.socksFD)
	}
}
