// Package netstack binds gvisor's userspace TCP/IP stack to a virtual
// network interface and routes raw IP bytes in and out. Inbound packets are
// injected through a channel link endpoint; TCP and UDP forwarders hand
// terminated connections back to the caller as net.Conn values.
package netstack

import (
	"fmt"
	"net"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"
)

// defaultMaxInFlight bounds simultaneous half-open TCP connections the
// forwarder will track.
const defaultMaxInFlight = 100

// queueDepth is the number of packets the channel endpoint buffers in each
// direction before WritePackets/InjectInbound start blocking or dropping.
const queueDepth = 512

// TCPRequest is a pending inbound TCP connection the forwarder captured.
// Because the NIC accepts every segment regardless of destination, the
// address the client was originally trying to reach is recoverable from
// LocalAddr.
type TCPRequest struct {
	forwarder *tcp.ForwarderRequest
	wq        *waiter.Queue
}

// RemoteAddr is the tunnel-side client that initiated the connection.
func (r *TCPRequest) RemoteAddr() net.Addr {
	id := r.forwarder.ID()
	return &net.TCPAddr{IP: net.IP(id.RemoteAddress.AsSlice()), Port: int(id.RemotePort)}
}

// LocalAddr is the address the tunnel-side client was originally trying to
// reach: the promiscuous NIC accepts the segment without rewriting its
// destination, so the connection's local side is that destination.
func (r *TCPRequest) LocalAddr() net.Addr {
	id := r.forwarder.ID()
	return &net.TCPAddr{IP: net.IP(id.LocalAddress.AsSlice()), Port: int(id.LocalPort)}
}

// Accept completes the handshake (SYN+ACK to the tunnel-side client) and
// returns the terminated connection as a net.Conn.
func (r *TCPRequest) Accept() (net.Conn, error) {
	ep, err := r.forwarder.CreateEndpoint(r.wq)
	if err != nil {
		r.forwarder.Complete(true)
		return nil, fmt.Errorf("netstack: create endpoint: %v", err)
	}
	conn := gonet.NewTCPConn(r.wq, ep)
	r.forwarder.Complete(false)
	return conn, nil
}

// Reject sends a RST back to the tunnel-side client.
func (r *TCPRequest) Reject() {
	r.forwarder.Complete(true)
}

// outputNotify bridges the channel endpoint's "a packet is queued for
// writing" notification to the Engine's output hook. It is invoked
// synchronously by the stack whenever WritePackets enqueues a frame, which
// may be from an arbitrary stack-internal goroutine (retransmit timers,
// etc.) as well as from our own Input call, so it must not block.
type outputNotify struct {
	endpoint *channel.Endpoint
	onOutput func([]byte)
}

func (n *outputNotify) WriteNotify() {
	for {
		pkt := n.endpoint.Read()
		if pkt == nil {
			return
		}
		view := pkt.ToView()
		b := view.AsSlice()
		cp := make([]byte, len(b))
		copy(cp, b)
		pkt.DecRef()
		n.onOutput(cp)
	}
}

// Adapter owns the gvisor stack, its single virtual NIC, and the TCP/UDP
// forwarders that redirect terminated connections back to the engine.
type Adapter struct {
	stack    *stack.Stack
	endpoint *channel.Endpoint
	nicID    tcpip.NICID
	mtu      uint32
}

// Config carries the bring-up parameters NetStackAdapter needs: the virtual
// interface's address/netmask and the maximum transmission unit of the
// tunnel fd it will be fed from.
type Config struct {
	Address net.IP
	Netmask net.IPMask
	MTU     uint32
}

// New initializes the embedded stack, creates the virtual interface
// configured per cfg, marks it up and default, and runs the NIC in
// promiscuous+spoofing mode so every segment is accepted locally regardless
// of its destination address.
func New(cfg Config) (*Adapter, error) {
	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})

	mtu := cfg.MTU
	if mtu == 0 {
		mtu = 1500
	}
	ep := channel.New(queueDepth, mtu, "")

	const nicID = tcpip.NICID(1)
	if err := s.CreateNIC(nicID, ep); err != nil {
		return nil, fmt.Errorf("netstack: create NIC: %v", err)
	}
	if err := s.SetPromiscuousMode(nicID, true); err != nil {
		return nil, fmt.Errorf("netstack: set promiscuous mode: %v", err)
	}
	if err := s.SetSpoofing(nicID, true); err != nil {
		return nil, fmt.Errorf("netstack: set spoofing: %v", err)
	}

	addr := tcpip.AddrFrom4Slice(cfg.Address.To4())
	prefixLen := 32
	if len(cfg.Netmask) > 0 {
		prefixLen, _ = cfg.Netmask.Size()
	}
	protoAddr := tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   addr,
			PrefixLen: prefixLen,
		},
	}
	if err := s.AddProtocolAddress(nicID, protoAddr, stack.AddressProperties{}); err != nil {
		return nil, fmt.Errorf("netstack: add address: %v", err)
	}

	s.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: nicID},
	})

	return &Adapter{stack: s, endpoint: ep, nicID: nicID, mtu: mtu}, nil
}

// SetOutputHook installs the callback invoked with each complete raw IP
// packet the stack wants transmitted out the tunnel fd.
func (a *Adapter) SetOutputHook(onOutput func(pkt []byte)) {
	a.endpoint.AddNotify(&outputNotify{endpoint: a.endpoint, onOutput: onOutput})
}

// SetAcceptHook installs the callback invoked for every inbound TCP
// connection the local listener accepts (after redirect). The callback must
// call Accept or Reject on the TCPRequest exactly once.
func (a *Adapter) SetAcceptHook(onAccept func(*TCPRequest)) {
	fwd := tcp.NewForwarder(a.stack, 0, defaultMaxInFlight, func(r *tcp.ForwarderRequest) {
		onAccept(&TCPRequest{forwarder: r, wq: new(waiter.Queue)})
	})
	a.stack.SetTransportProtocolHandler(tcp.ProtocolNumber, fwd.HandlePacket)
}

// UDPRequest is one inbound UDP flow redirected to the local stack, handed
// to the caller as a ready-to-use net.PacketConn-like connection plus the
// waiter queue its endpoint was created with.
type UDPRequest struct {
	Conn  *gonet.UDPConn
	Queue *waiter.Queue
}

// SetUDPHook installs the callback invoked the first time a UDP flow with a
// given (src, dst) pair is seen; the gonet.UDPConn returned can be read from
// and written to like any other connected UDP socket for the lifetime of
// that flow. Used by the extended DNS relay.
func (a *Adapter) SetUDPHook(onFlow func(*UDPRequest)) {
	fwd := udp.NewForwarder(a.stack, func(r *udp.ForwarderRequest) {
		var wq waiter.Queue
		ep, err := r.CreateEndpoint(&wq)
		if err != nil {
			return
		}
		onFlow(&UDPRequest{Conn: gonet.NewUDPConn(&wq, ep), Queue: &wq})
	})
	a.stack.SetTransportProtocolHandler(udp.ProtocolNumber, fwd.HandlePacket)
}

// Input delivers one raw IP packet read from the tunnel fd into the stack.
// Only IPv4 is supported; anything else is rejected before injection.
func (a *Adapter) Input(pkt []byte) error {
	if len(pkt) == 0 {
		return fmt.Errorf("netstack: empty packet")
	}
	version := pkt[0] >> 4
	if version != 4 {
		return fmt.Errorf("netstack: unsupported IP version %d", version)
	}

	cp := make([]byte, len(pkt))
	copy(cp, pkt)
	pb := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(cp),
	})
	defer pb.DecRef()

	a.endpoint.InjectInbound(ipv4.ProtocolNumber, pb)
	return nil
}

// Tick services the embedded stack's periodic timers. gvisor schedules TCP
// retransmit and keepalive timers internally on its own clock, so there is
// nothing to pump here; the method is kept so the engine's loop has a single
// timer-servicing point should the stack ever need one.
func (a *Adapter) Tick() {}

// Close tears down the virtual interface.
func (a *Adapter) Close() {
	a.stack.RemoveNIC(a.nicID)
	a.stack.Close()
}
