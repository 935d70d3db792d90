package discovery

import (
	"context"
	"errors"
	"strings"

	"tailscale.com/client/tailscale"
)

// TailnetIPv4 returns this host's primary tailnet IPv4, asking the local
// tailscaled over its LocalAPI socket.
func TailnetIPv4(ctx context.Context) (string, error) {
	lc := &tailscale.LocalClient{}
	st, err := lc.StatusWithoutPeers(ctx)
	if err != nil {
		return "", err
	}
	if st.Self == nil {
		return "", errors.New("tailscale: no self status")
	}
	for _, ip := range st.Self.TailscaleIPs {
		if ip.Is4() {
			return ip.String(), nil
		}
	}
	return "", errors.New("tailscale: no IPv4 address assigned")
}

// TailnetDNSName returns the host's MagicDNS name without the trailing dot,
// or "" when tailscaled is not running or MagicDNS is off. The TXT key is
// only emitted when a hostname is actually known.
func TailnetDNSName(ctx context.Context) string {
	lc := &tailscale.LocalClient{}
	st, err := lc.StatusWithoutPeers(ctx)
	if err != nil || st.Self == nil {
		return ""
	}
	return strings.TrimSuffix(st.Self.DNSName, ".")
}
