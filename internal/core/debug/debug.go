package debug

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
)

// Direction names the path a frame took through the bridge.
type Direction string

const (
	DeviceToClients Direction = "device->clients"
	ClientToDevice  Direction = "client->device"
)

// StartPprofServer starts the default pprof HTTP server on localhost:port
// so that runtime information about the server can be collected. See
// https://golang.org/pkg/net/http/pprof/
func StartPprofServer(logger logrus.FieldLogger, port int) {
	listenerAddr := fmt.Sprintf("localhost:%d", port)
	logger.Infof("starting pprof server on %s", listenerAddr)

	go func() {
		if err := http.ListenAndServe(listenerAddr, nil); err != nil {
			logger.Errorf("error starting pprof server: %s", err)
		}
	}()
}

// FormatFrame renders an Ethernet frame for packet logging: a one line
// summary of its decoded layers followed by a hex dump of the raw bytes.
func FormatFrame(dir Direction, frame []byte) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %d bytes: %s\n", dir, len(frame), Summarize(frame))
	sb.WriteString(spew.Sdump(frame))
	return sb.String()
}

// Summarize decodes as many layers of an Ethernet frame as it can and
// describes them, e.g. "Ethernet 02:00:00:00:00:01 > ff:ff:ff:ff:ff:ff ARP".
func Summarize(frame []byte) string {
	packet := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{
		Lazy:   true,
		NoCopy: true,
	})

	eth, ok := packet.LinkLayer().(*layers.Ethernet)
	if !ok {
		return "not an ethernet frame"
	}

	parts := []string{fmt.Sprintf("Ethernet %s > %s", eth.SrcMAC, eth.DstMAC)}
	for _, layer := range packet.Layers()[1:] {
		switch l := layer.(type) {
		case *layers.IPv4:
			parts = append(parts, fmt.Sprintf("IPv4 %s > %s", l.SrcIP, l.DstIP))
		case *layers.IPv6:
			parts = append(parts, fmt.Sprintf("IPv6 %s > %s", l.SrcIP, l.DstIP))
		case *layers.ARP:
			parts = append(parts, "ARP")
		case *layers.TCP:
			parts = append(parts, fmt.Sprintf("TCP %d > %d", l.SrcPort, l.DstPort))
		case *layers.UDP:
			parts = append(parts, fmt.Sprintf("UDP %d > %d", l.SrcPort, l.DstPort))
		default:
			parts = append(parts, layer.LayerType().String())
		}
	}
	if errLayer := packet.ErrorLayer(); errLayer != nil {
		parts = append(parts, "(truncated)")
	}
	return strings.Join(parts, " ")
}
