package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexflint/go-arg"
	"github.com/vishvananda/netlink"

	"github.com/monasticacademy/httptap-vpn2socks/internal/logging"
	"github.com/monasticacademy/httptap-vpn2socks/internal/relay"
)

func Main() error {
	var args struct {
		Verbose     bool   `arg:"-v,--verbose,env:VPN2SOCKS_VERBOSE"`
		Stderr      bool   `arg:"env:VPN2SOCKS_LOG_TO_STDERR" help:"log to standard error (default is standard out)"`
		Tun         string `default:"vpn2socks" help:"name of the TUN device that will be created"`
		Subnet      string `default:"10.1.1.100/24" help:"IP address and prefix of the network interface terminating guest traffic"`
		Socks       string `arg:"required,env:VPN2SOCKS_SOCKS" help:"address of the upstream SOCKS4 proxy, host:port"`
		DNS         string `arg:"env:VPN2SOCKS_DNS" help:"address of an upstream DNS resolver; when set, UDP traffic to port 53 is relayed there"`
		BufSize     int    `arg:"--buffer-size" default:"8192" help:"per-flow SOCKS4 buffer size in bytes"`
		DumpPackets bool   `arg:"--dump-packets" help:"log a full layer-by-layer decode of every packet crossing the tunnel (requires --verbose)"`
	}
	arg.MustParse(&args)

	if args.Stderr {
		log.SetOutput(os.Stderr)
	}
	logging.Verbose = args.Verbose

	addr, subnet, err := net.ParseCIDR(args.Subnet)
	if err != nil {
		return fmt.Errorf("error parsing subnet %q: %w", args.Subnet, err)
	}

	socksAddr, err := net.ResolveTCPAddr("tcp", args.Socks)
	if err != nil {
		return fmt.Errorf("error resolving socks address %q: %w", args.Socks, err)
	}

	engine, err := relay.New(relay.Config{
		TunName:     args.Tun,
		Address:     addr,
		Netmask:     subnet.Mask,
		MTU:         1500,
		SocksAddr:   socksAddr,
		BufferSize:  args.BufSize,
		DNSUpstream: args.DNS,
		DumpPackets: args.DumpPackets,
	})
	if err != nil {
		return fmt.Errorf("error initializing engine: %w", err)
	}

	if err := bringUpLink(args.Tun, addr, subnet); err != nil {
		return fmt.Errorf("error bringing up tun link: %w", err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		engine.Stop()
	}()

	logging.Logf("listening on %v, relaying through %v", args.Tun, args.Socks)
	return engine.Run()
}

// bringUpLink assigns addr/subnet to the tun device and brings the link up.
func bringUpLink(name string, addr net.IP, subnet *net.IPNet) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("error finding link for tun device %q: %w", name, err)
	}

	if err := netlink.AddrAdd(link, &netlink.Addr{IPNet: &net.IPNet{IP: addr, Mask: subnet.Mask}}); err != nil {
		return fmt.Errorf("error assigning address to tun device: %w", err)
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("error bringing up link for %q: %w", name, err)
	}

	return nil
}

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(0)
	if err := Main(); err != nil {
		log.Fatal(err)
	}
}
