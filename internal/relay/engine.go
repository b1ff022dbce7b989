package relay

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/songgao/water"

	"github.com/monasticacademy/httptap-vpn2socks/internal/dnsrelay"
	"github.com/monasticacademy/httptap-vpn2socks/internal/logging"
	"github.com/monasticacademy/httptap-vpn2socks/internal/netstack"
	"github.com/monasticacademy/httptap-vpn2socks/internal/reactor"
)

// defaultTick is the Engine's main-loop wakeup cadence: how often the
// embedded stack's timers are serviced and stalled stack-drain retries are
// attempted, independent of reactor wakeups.
const defaultTick = 50 * time.Millisecond

// token identifies one registered Reactor source.
type token struct {
	kind string
	id   int64
}

var (
	tokenTun     = token{kind: "tun"}
	tokenTunErr  = token{kind: "tunerr"}
	tokenSocks   = token{kind: "socks"}
	tokenAccept  = token{kind: "accept"}
	tokenDNSFlow = token{kind: "dnsflow"}
	tokenDNSMsg  = token{kind: "dnsmsg"}
	tokenStop    = token{kind: "stop"}
)

func tokenStackRecv(id int64) token { return token{kind: "stackrecv", id: id} }

// Config carries the Engine's startup parameters: the virtual interface to
// create, the upstream SOCKS4 proxy to relay through, and (for the extended
// variant) the upstream DNS resolver.
type Config struct {
	TunName    string
	Address    net.IP
	Netmask    net.IPMask
	MTU        uint32
	SocksAddr  *net.TCPAddr
	BufferSize int
	Tick       time.Duration

	// DNSUpstream, when non-empty, enables the extended DNS relay variant:
	// UDP datagrams to port 53 are forwarded to this resolver instead of
	// being dropped.
	DNSUpstream string

	// DumpPackets enables a full layer-by-layer decode of every packet
	// crossing the tunnel boundary via logging.Verbosef.
	DumpPackets bool
}

// stackRecvMsg is delivered on a flow's dedicated stack-read channel.
type stackRecvMsg struct {
	payload []byte
	err     error
}

// dnsMsg is delivered on the engine's DNS channel by a guest flow's reader
// goroutine: one query datagram, or closed=true when the flow's connection
// has gone away.
type dnsMsg struct {
	req     *netstack.UDPRequest
	src     net.Addr
	payload []byte
	closed  bool
}

// flowEntry bundles a Flow with the plumbing the Engine needs to drive it:
// the channel its dedicated stack-reader goroutine delivers payloads on, and
// the ack channel that un-blocks that goroutine's next Read once the Engine
// has disposed of the current payload. Withholding the ack is what shrinks
// the guest's advertised TCP window when the SOCKS side stalls.
type flowEntry struct {
	flow *Flow
	recv chan stackRecvMsg
	ack  chan struct{}
	done chan struct{} // closed by destroyFlow; releases the reader goroutine
}

// Engine is the owning main loop. It brings up the tunnel device and
// embedded stack, accepts new TCP flows, relays their bytes through SOCKS4,
// optionally relays DNS, and drives everything from a single dispatch
// goroutine via Reactor.
type Engine struct {
	cfg Config

	tun     *water.Interface
	adapter *netstack.Adapter
	reactor *reactor.Reactor
	poller  *Poller

	flows    map[int64]*flowEntry
	fdToFlow map[int]int64
	nextID   int64

	// DNS relay state, owned by the dispatch goroutine like the flow set.
	// dnsFD is the single connected UDP socket to the upstream resolver;
	// queries that hit EAGAIN wait in dnsSendQueue for a writable event.
	dns          *dnsrelay.Table
	dnsFD        int
	dnsSendQueue [][]byte
	dnsConns     map[*netstack.UDPRequest]struct{}
	dnsFlowCh    chan *netstack.UDPRequest
	dnsMsgCh     chan dnsMsg
	dnsReaders   sync.WaitGroup

	acceptCh chan *netstack.TCPRequest
	tunEvent chan []byte
	tunErr   chan error
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New brings up the tunnel device, the embedded stack, and (if configured)
// the DNS relay, and wires their callbacks into channels the Engine's main
// loop will service. It does not start the main loop; call Run for that.
func New(cfg Config) (*Engine, error) {
	if cfg.Tick <= 0 {
		cfg.Tick = defaultTick
	}
	if cfg.SocksAddr == nil {
		return nil, fmt.Errorf("relay: SocksAddr is required")
	}

	tun, err := water.New(water.Config{
		DeviceType: water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name: cfg.TunName,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("relay: create tun device: %w", err)
	}

	adapter, err := netstack.New(netstack.Config{Address: cfg.Address, Netmask: cfg.Netmask, MTU: cfg.MTU})
	if err != nil {
		tun.Close()
		return nil, fmt.Errorf("relay: init netstack: %w", err)
	}

	poller, err := NewPoller()
	if err != nil {
		adapter.Close()
		tun.Close()
		return nil, fmt.Errorf("relay: init poller: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		tun:      tun,
		adapter:  adapter,
		reactor:  reactor.New(),
		poller:   poller,
		flows:    make(map[int64]*flowEntry),
		fdToFlow: make(map[int]int64),
		dnsFD:    -1,
		acceptCh: make(chan *netstack.TCPRequest, 64),
		tunEvent: make(chan []byte, 256),
		tunErr:   make(chan error, 1),
		stopCh:   make(chan struct{}),
	}

	if cfg.DNSUpstream != "" {
		dnsAddr, err := net.ResolveUDPAddr("udp", cfg.DNSUpstream)
		if err != nil {
			poller.Close()
			adapter.Close()
			tun.Close()
			return nil, fmt.Errorf("relay: resolve dns upstream %q: %w", cfg.DNSUpstream, err)
		}
		fd, err := dialDNSNonBlocking(dnsAddr)
		if err != nil {
			poller.Close()
			adapter.Close()
			tun.Close()
			return nil, fmt.Errorf("relay: dial dns upstream: %w", err)
		}
		e.dns = dnsrelay.New(dnsrelay.DefaultTimeout, dnsrelay.DefaultMaxPending)
		e.dnsFD = fd
		e.dnsConns = make(map[*netstack.UDPRequest]struct{})
		e.dnsFlowCh = make(chan *netstack.UDPRequest, 16)
		e.dnsMsgCh = make(chan dnsMsg, 64)
	}

	adapter.SetOutputHook(e.onStackOutput)
	adapter.SetAcceptHook(e.onStackAccept)
	if e.dns != nil {
		adapter.SetUDPHook(e.onUDPFlow)
	}

	return e, nil
}

// onStackOutput is invoked (possibly from a gvisor-internal goroutine)
// whenever the embedded stack has a raw IP packet ready to leave through the
// tunnel. Writes go straight to the tun device: water's underlying file
// write is safe to call concurrently with other writers, and queuing here
// would only delay delivery without adding flow control value, since the
// stack already governs its own output rate. Outbound packets are dropped
// (not queued or retried) on a write failure; the guest's TCP stack
// retransmits.
func (e *Engine) onStackOutput(pkt []byte) {
	if e.cfg.DumpPackets {
		dumpPacket("stack -> tun", pkt)
	}
	if _, err := e.tun.Write(pkt); err != nil {
		logging.Verbosef("engine: tun write: %v, dropping packet", err)
	}
}

// onStackAccept is invoked synchronously from the stack's internal
// connection-handling path whenever a new TCP flow is ready to be accepted.
// The request is handed off to the Engine's single dispatch goroutine via a
// buffered channel rather than processed inline, so flow-set mutation always
// happens from one goroutine. If the channel is full the connection is
// rejected outright rather than blocking the stack's own goroutine.
func (e *Engine) onStackAccept(req *netstack.TCPRequest) {
	select {
	case e.acceptCh <- req:
	default:
		req.Reject()
	}
}

// onUDPFlow is invoked (from a stack-internal goroutine) for every new UDP
// flow the stack's forwarder creates; only flows addressed to port 53 are
// treated as DNS, everything else is dropped silently. Like onStackAccept,
// the flow is handed to the dispatch goroutine over a channel so the flow
// bookkeeping has a single mutator.
func (e *Engine) onUDPFlow(req *netstack.UDPRequest) {
	localAddr, ok := req.Conn.LocalAddr().(*net.UDPAddr)
	if !ok || localAddr.Port != 53 {
		req.Conn.Close()
		return
	}
	select {
	case e.dnsFlowCh <- req:
	default:
		req.Conn.Close()
	}
}

// handleDNSFlow registers a guest DNS flow and starts its dedicated reader.
// The reader only reads and hands off; every write to the stack endpoint and
// every table mutation happens on the dispatch goroutine.
func (e *Engine) handleDNSFlow(req *netstack.UDPRequest) {
	e.dnsConns[req] = struct{}{}
	e.dnsReaders.Add(1)
	go e.dnsReadLoop(req)
}

// dnsReadLoop owns ReadFrom for one guest DNS flow. Each datagram is copied
// and delivered to the dispatch goroutine over dnsMsgCh; a read error (the
// flow going away, or shutdown closing the connection) sends a final closed
// message so the dispatch goroutine can drop its registration.
func (e *Engine) dnsReadLoop(req *netstack.UDPRequest) {
	defer e.dnsReaders.Done()
	buf := make([]byte, 4096)
	for {
		n, src, err := req.Conn.ReadFrom(buf)
		if err != nil {
			select {
			case e.dnsMsgCh <- dnsMsg{req: req, closed: true}:
			case <-e.stopCh:
			}
			return
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		select {
		case e.dnsMsgCh <- dnsMsg{req: req, src: src, payload: payload}:
		case <-e.stopCh:
			return
		}
	}
}

// handleDNSMsg services one message from a guest flow's reader: either a
// query to track and forward upstream, or notice that the flow has closed.
func (e *Engine) handleDNSMsg(m dnsMsg) {
	if m.closed {
		delete(e.dnsConns, m.req)
		m.req.Conn.Close()
		return
	}

	req, src := m.req, m.src
	err := e.dns.Track(src, m.payload, func(resp []byte) error {
		_, err := req.Conn.WriteTo(resp, src)
		return err
	})
	if err != nil {
		logging.Verbosef("engine: dns query: %v", err)
		return
	}
	e.sendDNSQuery(m.payload)
}

// sendDNSQuery forwards one query datagram to the upstream resolver,
// queueing it for the next writable event if the socket would block.
func (e *Engine) sendDNSQuery(payload []byte) {
	if len(e.dnsSendQueue) > 0 {
		e.dnsSendQueue = append(e.dnsSendQueue, payload)
		return
	}
	_, err, wouldBlock := writeNonBlocking(e.dnsFD, payload)
	if wouldBlock {
		e.dnsSendQueue = append(e.dnsSendQueue, payload)
		if perr := e.poller.SetWriteInterest(e.dnsFD, true); perr != nil {
			logging.Verbosef("engine: dns write interest: %v", perr)
		}
		return
	}
	if err != nil {
		logging.Verbosef("engine: dns upstream write: %v", err)
	}
}

// handleDNSSocket services readiness on the upstream resolver socket: an
// error is treated like a tunnel error (the relay cannot resolve anything
// without its resolver), responses are dispatched back to the guests that
// asked, and a writable event drains queries queued on an earlier EAGAIN.
func (e *Engine) handleDNSSocket(se SocketEvent) {
	if se.Error {
		e.Stop()
		return
	}
	if se.Readable {
		buf := make([]byte, 4096)
		for {
			n, err, wouldBlock := readNonBlocking(e.dnsFD, buf)
			if wouldBlock {
				break
			}
			if err != nil {
				logging.Verbosef("engine: dns upstream read: %v", err)
				break
			}
			matched, derr := e.dns.Dispatch(buf[:n])
			if derr != nil {
				logging.Verbosef("engine: dns response: %v", derr)
			} else if !matched {
				logging.Verbosef("engine: dns response with no pending query, dropping")
			}
		}
	}
	if se.Writable {
		for len(e.dnsSendQueue) > 0 {
			payload := e.dnsSendQueue[0]
			_, err, wouldBlock := writeNonBlocking(e.dnsFD, payload)
			if wouldBlock {
				return
			}
			e.dnsSendQueue = e.dnsSendQueue[1:]
			if err != nil {
				logging.Verbosef("engine: dns upstream write: %v", err)
			}
		}
		if err := e.poller.SetWriteInterest(e.dnsFD, false); err != nil {
			logging.Verbosef("engine: dns write interest: %v", err)
		}
	}
}

// tunReadSize is the tunnel scratch buffer size. It is deliberately much
// larger than the interface MTU: some tunnel devices deliver oversized
// per-read datagrams, and a short scratch buffer would truncate them.
const tunReadSize = 65536

// readTunLoop is the dedicated goroutine that owns tun.Read; one read is one
// raw IP packet, read boundaries never merged or split. Each packet is
// copied and handed to the Engine's dispatch goroutine over tunEvent.
func (e *Engine) readTunLoop() {
	buf := make([]byte, tunReadSize)
	for {
		n, err := e.tun.Read(buf)
		if err != nil {
			select {
			case e.tunErr <- fmt.Errorf("relay: tun read: %w", err):
			case <-e.stopCh:
			}
			return
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		select {
		case e.tunEvent <- pkt:
		case <-e.stopCh:
			return
		}
	}
}

// Run executes the Engine's single dispatch loop until Stop is called or a
// fatal error occurs. It must be called from exactly one goroutine.
func (e *Engine) Run() error {
	go e.readTunLoop()

	e.reactor.Add(tokenTun, e.tunEvent)
	e.reactor.Add(tokenTunErr, e.tunErr)
	e.reactor.Add(tokenSocks, e.poller.Events())
	e.reactor.Add(tokenAccept, e.acceptCh)
	e.reactor.Add(tokenStop, e.stopCh)
	if e.dns != nil {
		e.reactor.Add(tokenDNSFlow, e.dnsFlowCh)
		e.reactor.Add(tokenDNSMsg, e.dnsMsgCh)
		if err := e.poller.Register(e.dnsFD); err != nil {
			e.shutdown()
			return fmt.Errorf("relay: register dns socket: %w", err)
		}
		if err := e.poller.SetWriteInterest(e.dnsFD, false); err != nil {
			e.shutdown()
			return fmt.Errorf("relay: dns write interest: %w", err)
		}
	}

	lastTick := time.Now()
	for {
		wait := e.cfg.Tick - time.Since(lastTick)
		if wait < 0 {
			wait = 0
		}
		ev, ok := e.reactor.Wait(wait)
		if now := time.Now(); now.Sub(lastTick) >= e.cfg.Tick {
			lastTick = now
			e.adapter.Tick()
			e.retryStalledFlows()
			if e.dns != nil {
				e.dns.Expire(now)
			}
		}

		if !ok {
			continue
		}

		switch ev.Token {
		case tokenStop:
			e.shutdown()
			return nil
		case tokenTunErr:
			// A tunnel read error (HUP, zero-read, host-side close) is the
			// host telling us to wind down, not a failure of the relay.
			err, _ := ev.Value.(error)
			logging.Verbosef("engine: %v, shutting down", err)
			e.shutdown()
			return nil
		case tokenTun:
			pkt, _ := ev.Value.([]byte)
			if pkt != nil {
				if e.cfg.DumpPackets {
					dumpPacket("tun -> stack", pkt)
				}
				if err := e.adapter.Input(pkt); err != nil {
					logging.Verbosef("engine: input: %v", err)
				}
			}
		case tokenAccept:
			req, _ := ev.Value.(*netstack.TCPRequest)
			if req != nil {
				e.handleAccept(req)
			}
		case tokenSocks:
			se, _ := ev.Value.(SocketEvent)
			if e.dnsFD >= 0 && se.FD == e.dnsFD {
				e.handleDNSSocket(se)
			} else {
				e.handleSocksEvent(se)
			}
		case tokenDNSFlow:
			req, _ := ev.Value.(*netstack.UDPRequest)
			if req != nil {
				e.handleDNSFlow(req)
			}
		case tokenDNSMsg:
			m, _ := ev.Value.(dnsMsg)
			e.handleDNSMsg(m)
		default:
			if ev.Token.(token).kind == "stackrecv" {
				e.handleStackRecv(ev.Token.(token).id, ev.Value)
			}
		}
	}
}

// Stop requests the main loop to exit; safe to call more than once and from
// any goroutine, and a no-op after Run returns. Calling it before Run starts
// is not a no-op: the stop signal stays raised, so a later Run shuts down and
// returns on its first iteration.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

func (e *Engine) handleAccept(req *netstack.TCPRequest) {
	localAddr, ok := req.LocalAddr().(*net.TCPAddr)
	if !ok {
		req.Reject()
		return
	}

	conn, err := req.Accept()
	if err != nil {
		logging.Verbosef("engine: accept: %v", err)
		return
	}

	fd, err := dialSocks4NonBlocking(e.cfg.SocksAddr)
	if err != nil {
		logging.Verbosef("engine: dial socks upstream: %v, closing flow", err)
		conn.Close()
		return
	}

	e.nextID++
	id := e.nextID

	flow, err := NewFlow(id, conn, localAddr.IP, uint16(localAddr.Port), fd, e.cfg.BufferSize, logging.Verbosef)
	if err != nil {
		logging.Verbosef("engine: new flow: %v", err)
		conn.Close()
		closeFD(fd)
		return
	}

	if err := e.poller.Register(fd); err != nil {
		logging.Verbosef("engine: register socks fd: %v", err)
		conn.Close()
		closeFD(fd)
		return
	}

	// ack is buffered so the dispatch goroutine can release the reader
	// without rendezvousing with it; the strict one-payload-one-ack protocol
	// means at most one ack is ever outstanding.
	entry := &flowEntry{
		flow: flow,
		recv: make(chan stackRecvMsg, 1),
		ack:  make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	e.flows[id] = entry
	e.fdToFlow[fd] = id
	e.reactor.Add(tokenStackRecv(id), entry.recv)

	go e.stackReadLoop(conn, entry)
}

// stackReadLoop owns conn.Read for one flow. It delivers each payload on
// entry.recv and then blocks on entry.ack before reading again, so the rate
// at which the guest's TCP window advances is tied to how fast the Engine
// can buffer bytes for the SOCKS4 socket.
func (e *Engine) stackReadLoop(conn net.Conn, entry *flowEntry) {
	bufSize := e.cfg.BufferSize
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	buf := make([]byte, bufSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			select {
			case entry.recv <- stackRecvMsg{err: err}:
			case <-entry.done:
			case <-e.stopCh:
			}
			return
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		select {
		case entry.recv <- stackRecvMsg{payload: payload}:
		case <-entry.done:
			return
		case <-e.stopCh:
			return
		}
		select {
		case <-entry.ack:
		case <-entry.done:
			return
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) handleStackRecv(id int64, value interface{}) {
	entry, ok := e.flows[id]
	if !ok {
		return
	}
	msg, _ := value.(stackRecvMsg)

	if msg.err != nil {
		e.destroyFlow(id)
		return
	}

	accepted, err := entry.flow.QueueFromStack(msg.payload, writeNonBlocking)
	if err != nil {
		e.destroyFlow(id)
		return
	}
	if accepted {
		entry.ack <- struct{}{}
	}
	// if not accepted, the payload sits in the flow's single pending slot and
	// the ack is withheld until a later FlushPending call (driven from
	// handleSocksEvent/retryStalledFlows) moves it into sendBuf.
	e.syncWriteInterest(entry)
}

// syncWriteInterest keeps the poller's EPOLLOUT registration for a flow's
// SOCKS4 socket in sync with whether it still has something to write, so the
// Engine isn't woken on every tick once a burst of data has drained.
func (e *Engine) syncWriteInterest(entry *flowEntry) {
	want := entry.flow.WantsSocksWritable()
	if err := e.poller.SetWriteInterest(entry.flow.SocksFD(), want); err != nil {
		logging.Verbosef("engine: set write interest: %v", err)
	}
}

func (e *Engine) handleSocksEvent(se SocketEvent) {
	id, ok := e.fdToFlow[se.FD]
	if !ok {
		return
	}
	entry := e.flows[id]
	flow := entry.flow

	if flow.Connecting() {
		if se.Error {
			e.destroyFlow(id)
			return
		}
		if se.Writable {
			if err := checkConnectError(se.FD); err != nil {
				logging.Verbosef("engine: flow %d: %v", id, err)
				e.destroyFlow(id)
				return
			}
			flow.SetConnecting(false)
			if _, err := flow.OnSocksWritable(writeNonBlocking); err != nil {
				e.destroyFlow(id)
				return
			}
			e.syncWriteInterest(entry)
		}
		return
	}

	if se.Error {
		e.destroyFlow(id)
		return
	}
	if se.Readable {
		if err := flow.OnSocksReadable(readNonBlocking); err != nil {
			e.destroyFlow(id)
			return
		}
	}
	if se.Writable {
		if _, err := flow.OnSocksWritable(writeNonBlocking); err != nil {
			e.destroyFlow(id)
			return
		}
	}

	e.tryFlushPending(id, entry)
	e.syncWriteInterest(entry)
}

// retryStalledFlows is called every tick to retry two kinds of stalled
// progress that have no dedicated readiness event of their own: a stack
// connection whose send buffer was previously full, and a flow whose
// pendingRecv slot is still occupied.
func (e *Engine) retryStalledFlows() {
	for id, entry := range e.flows {
		if entry.flow.NeedsStackDrainRetry() {
			if err := entry.flow.OnStackSent(); err != nil {
				e.destroyFlow(id)
				continue
			}
		}
		e.tryFlushPending(id, entry)
	}
}

func (e *Engine) tryFlushPending(id int64, entry *flowEntry) {
	flushed, err := entry.flow.FlushPending(writeNonBlocking)
	if err != nil {
		e.destroyFlow(id)
		return
	}
	if flushed {
		entry.ack <- struct{}{}
	}
}

func (e *Engine) destroyFlow(id int64) {
	entry, ok := e.flows[id]
	if !ok {
		return
	}
	delete(e.flows, id)
	delete(e.fdToFlow, entry.flow.SocksFD())
	e.reactor.Remove(tokenStackRecv(id))
	e.poller.Unregister(entry.flow.SocksFD())
	close(entry.done)
	entry.flow.Close(closeFD)
}

// shutdown tears down every flow and releases the Engine's owned resources.
// Called once, from the dispatch goroutine, at the end of Run. The stop
// signal is raised first so blocked reader goroutines can exit, and the DNS
// readers are joined before the stack itself is closed so no stack endpoint
// is touched after teardown.
func (e *Engine) shutdown() {
	e.Stop()
	for id := range e.flows {
		e.destroyFlow(id)
	}
	if e.dns != nil {
		for req := range e.dnsConns {
			req.Conn.Close()
		}
		e.dnsReaders.Wait()
		e.poller.Unregister(e.dnsFD)
		closeFD(e.dnsFD)
	}
	if err := e.poller.Close(); err != nil {
		logging.Verbosef("engine: poller close: %v", err)
	}
	if e.adapter != nil {
		e.adapter.Close()
	}
	if e.tun != nil {
		if err := e.tun.Close(); err != nil {
			logging.Verbosef("engine: tun close: %v", err)
		}
	}
}
