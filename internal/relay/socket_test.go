package relay

import (
	"net"
	"testing"

	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	return fds[0], fds[1]
}

func TestReadNonBlockingReportsWouldBlock(t *testing.T) {
	a, b := socketpair(t)
	defer unix.Close(a)
	defer unix.Close(b)

	buf := make([]byte, 16)
	_, err, wouldBlock := readNonBlocking(a, buf)
	if err != nil {
		t.Fatalf("read on empty socket: %v", err)
	}
	if !wouldBlock {
		t.Fatal("expected wouldBlock on an empty non-blocking socket")
	}

	if _, err := unix.Write(b, []byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}
	n, err, wouldBlock := readNonBlocking(a, buf)
	if err != nil || wouldBlock {
		t.Fatalf("read after write: n=%d err=%v wouldBlock=%v", n, err, wouldBlock)
	}
	if string(buf[:n]) != "hi" {
		t.Fatalf("read %q, want %q", buf[:n], "hi")
	}
}

func TestReadNonBlockingReportsEOFAsZero(t *testing.T) {
	a, b := socketpair(t)
	defer unix.Close(a)
	unix.Close(b)

	n, err, wouldBlock := readNonBlocking(a, make([]byte, 16))
	if err != nil || wouldBlock {
		t.Fatalf("read on closed peer: n=%d err=%v wouldBlock=%v", n, err, wouldBlock)
	}
	if n != 0 {
		t.Fatalf("n = %d, want 0 for peer EOF", n)
	}
}

func TestWriteNonBlockingRoundtrip(t *testing.T) {
	a, b := socketpair(t)
	defer unix.Close(a)
	defer unix.Close(b)

	n, err, wouldBlock := writeNonBlocking(a, []byte("payload"))
	if err != nil || wouldBlock {
		t.Fatalf("write: n=%d err=%v wouldBlock=%v", n, err, wouldBlock)
	}
	buf := make([]byte, 16)
	rn, err := unix.Read(b, buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:rn]) != "payload" {
		t.Fatalf("peer read %q, want %q", buf[:rn], "payload")
	}
}

func TestDialSocks4NonBlockingConnects(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	fd, err := dialSocks4NonBlocking(ln.Addr().(*net.TCPAddr))
	if err != nil {
		t.Fatalf("dialSocks4NonBlocking: %v", err)
	}
	defer closeFD(fd)

	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	if _, err := unix.Poll(pfd, 2000); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if err := checkConnectError(fd); err != nil {
		t.Fatalf("checkConnectError: %v", err)
	}
}

func TestDialSocks4NonBlockingRejectsNonIPv4(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("::1"), Port: 1080}
	if _, err := dialSocks4NonBlocking(addr); err == nil {
		t.Fatal("expected error for a non-IPv4 upstream address")
	}
}
