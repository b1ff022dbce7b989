package relay

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// dialSocks4NonBlocking opens a non-blocking TCP socket to addr and issues a
// connect(2) that is allowed to return EINPROGRESS, rather than using
// net.Dial's blocking semantics. The caller registers the returned fd with a
// Poller and waits for it to become writable before calling
// checkConnectError.
func dialSocks4NonBlocking(addr *net.TCPAddr) (int, error) {
	domain := unix.AF_INET
	var sa unix.Sockaddr
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa4 := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa4.Addr[:], ip4)
		sa = sa4
	} else {
		return -1, fmt.Errorf("relay: socks upstream address %v is not IPv4", addr.IP)
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("relay: socket: %w", err)
	}

	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, fmt.Errorf("relay: connect: %w", err)
	}
	return fd, nil
}

// dialDNSNonBlocking opens a non-blocking UDP socket connected to the
// upstream resolver, so every outstanding query shares one fd the engine can
// register alongside the per-flow SOCKS4 sockets. UDP connect assigns the
// peer address without a handshake, so unlike TCP there is no EINPROGRESS to
// tolerate.
func dialDNSNonBlocking(addr *net.UDPAddr) (int, error) {
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return -1, fmt.Errorf("relay: dns upstream address %v is not IPv4", addr.IP)
	}
	sa := &unix.SockaddrInet4{Port: addr.Port}
	copy(sa.Addr[:], ip4)

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("relay: socket: %w", err)
	}
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("relay: connect: %w", err)
	}
	return fd, nil
}

// checkConnectError reads SO_ERROR on fd to discover whether a non-blocking
// connect that was reported writable actually succeeded.
func checkConnectError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("relay: getsockopt SO_ERROR: %w", err)
	}
	if errno != 0 {
		return fmt.Errorf("relay: connect failed: %w", unix.Errno(errno))
	}
	return nil
}

// readNonBlocking reads from fd, reporting wouldBlock=true on EAGAIN/EWOULDBLOCK
// instead of an error, so callers can distinguish "try later" from failure.
func readNonBlocking(fd int, p []byte) (int, error, bool) {
	n, err := unix.Read(fd, p)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, nil, true
		}
		return 0, err, false
	}
	return n, nil, false
}

// writeNonBlocking writes to fd, reporting wouldBlock=true on EAGAIN/EWOULDBLOCK.
func writeNonBlocking(fd int, p []byte) (int, error, bool) {
	n, err := unix.Write(fd, p)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, nil, true
		}
		return 0, err, false
	}
	return n, nil, false
}

func closeFD(fd int) error {
	return unix.Close(fd)
}
