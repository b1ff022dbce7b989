package relay

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// SocketEvent reports readiness for one registered SOCKS4 socket fd.
type SocketEvent struct {
	FD       int
	Readable bool
	Writable bool
	Error    bool
}

// Poller bridges a Linux epoll instance watching every flow's raw,
// non-blocking SOCKS4 socket into a single channel, so those real fds can be
// dispatched through the same Reactor as the embedded stack's own
// notifications.
type Poller struct {
	epfd   int
	events chan SocketEvent
	stop   chan struct{}
}

// NewPoller creates an epoll instance and starts its background wait loop.
func NewPoller() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("relay: epoll_create1: %w", err)
	}
	p := &Poller{
		epfd:   epfd,
		events: make(chan SocketEvent, 256),
		stop:   make(chan struct{}),
	}
	go p.run()
	return p, nil
}

// Events returns the channel of readiness events, suitable for registering
// directly with a Reactor.
func (p *Poller) Events() <-chan SocketEvent { return p.events }

// Register starts watching fd, initially for both read and write readiness
// (write readiness is how a pending non-blocking connect is detected).
func (p *Poller) Register(fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLOUT, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("relay: epoll_ctl add: %w", err)
	}
	return nil
}

// SetWriteInterest toggles whether fd is watched for write readiness, used
// once sendBuf drains to stop waking on writability with nothing to write.
func (p *Poller) SetWriteInterest(fd int, want bool) error {
	events := uint32(unix.EPOLLIN)
	if want {
		events |= unix.EPOLLOUT
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("relay: epoll_ctl mod: %w", err)
	}
	return nil
}

// Unregister stops watching fd. Errors are ignored: this is always called
// during teardown, where the fd may already be closed.
func (p *Poller) Unregister(fd int) {
	var ev unix.EpollEvent
	_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, &ev)
}

// Close stops the wait loop and closes the epoll fd.
func (p *Poller) Close() error {
	close(p.stop)
	return unix.Close(p.epfd)
}

func (p *Poller) run() {
	var raw [64]unix.EpollEvent
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		n, err := unix.EpollWait(p.epfd, raw[:], 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}

		for i := 0; i < n; i++ {
			e := raw[i]
			se := SocketEvent{
				FD:       int(e.Fd),
				Readable: e.Events&unix.EPOLLIN != 0,
				Writable: e.Events&unix.EPOLLOUT != 0,
				Error:    e.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
			}
			select {
			case p.events <- se:
			case <-p.stop:
				return
			}
		}
	}
}
