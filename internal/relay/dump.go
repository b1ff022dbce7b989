package relay

import (
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/monasticacademy/httptap-vpn2socks/internal/logging"
)

// dumpPacket logs a full layer-by-layer decode of a raw IP packet crossing
// the tunnel boundary, gated on DumpPackets.
func dumpPacket(direction string, pkt []byte) {
	packet := gopacket.NewPacket(pkt, layers.LayerTypeIPv4, gopacket.Default)
	logging.Verbosef("%s", strings.Repeat("=", 80))
	logging.Verbosef("%s:", direction)
	logging.Verbosef("%s", packet.Dump())
}
