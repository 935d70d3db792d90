// Package discovery advertises the gateway over multicast DNS-SD on the
// LAN and, optionally, renders a unicast DNS-SD zone for wide-area browse
// across a tailnet.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/libp2p/zeroconf/v2"
)

// ServiceType is the DNS-SD service advertised by every gateway.
const ServiceType = "_epiloop-gw._tcp"

// Announcement is the non-secret metadata published in TXT records.
type Announcement struct {
	DisplayName string
	LANHost     string
	GatewayPort int
	TLS         bool
	TLSSha256   string
	CanvasPort  int // 0 when the canvas is disabled
	SSHPort     int // 0 means the default 22
	CLIPath     string
	TailnetDNS  string
}

// TXT renders the announcement as DNS-SD TXT key=value strings.
func (a Announcement) TXT() []string {
	ssh := a.SSHPort
	if ssh == 0 {
		ssh = 22
	}
	txt := []string{
		"role=gateway",
		"displayName=" + a.DisplayName,
		"lanHost=" + a.LANHost,
		"gatewayPort=" + strconv.Itoa(a.GatewayPort),
	}
	if a.TLS {
		txt = append(txt, "gatewayTls=1", "gatewayTlsSha256="+a.TLSSha256)
	}
	if a.CanvasPort > 0 {
		txt = append(txt, "canvasPort="+strconv.Itoa(a.CanvasPort))
	}
	txt = append(txt, "sshPort="+strconv.Itoa(ssh), "transport=gateway")
	if a.CLIPath != "" {
		txt = append(txt, "cliPath="+a.CLIPath)
	}
	if a.TailnetDNS != "" {
		txt = append(txt, "tailnetDns="+a.TailnetDNS)
	}
	return txt
}

// FormatInstanceName derives the mDNS instance name from the display name.
// Idempotent: a name that already mentions Epiloop passes through unchanged.
func FormatInstanceName(displayName string) string {
	name := strings.TrimSpace(displayName)
	if name == "" {
		return "Epiloop"
	}
	if strings.Contains(strings.ToLower(name), "epiloop") {
		return name
	}
	return name + " (Epiloop)"
}

// Disabled reports whether multicast advertising is switched off, either
// explicitly via EPILOOP_DISABLE_BONJOUR=1 or because we run under go test.
func Disabled() bool {
	if os.Getenv("EPILOOP_DISABLE_BONJOUR") == "1" {
		return true
	}
	return strings.HasSuffix(os.Args[0], ".test")
}

// Advertiser owns the gateway's multicast registration.
type Advertiser struct {
	logger *slog.Logger

	mu     sync.Mutex
	server *zeroconf.Server
}

// NewAdvertiser creates an idle advertiser.
func NewAdvertiser(logger *slog.Logger) *Advertiser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Advertiser{logger: logger}
}

// Announce publishes the service on the LAN. A second call replaces the
// previous registration. No-op when Disabled.
func (a *Advertiser) Announce(ann Announcement) error {
	if Disabled() {
		a.logger.Debug("discovery.disabled")
		return nil
	}
	instance := FormatInstanceName(ann.DisplayName)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
	// zeroconf probes and renames on conflict; the final name is what peers
	// see, so log what we asked for.
	server, err := zeroconf.Register(instance, ServiceType, "local.", ann.GatewayPort, ann.TXT(), nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	a.server = server
	a.logger.Info("discovery.announced",
		"instance", instance, "service", ServiceType, "port", ann.GatewayPort)
	return nil
}

// Retract withdraws the advertisement. Safe to call when never announced;
// runs first in the gateway shutdown sequence.
func (a *Advertiser) Retract(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server == nil {
		return
	}
	a.server.Shutdown()
	a.server = nil
	a.logger.Info("discovery.retracted", "service", ServiceType)
}
