package discovery

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ZoneOrigin is the wide-area browse domain served over the tailnet.
const ZoneOrigin = "epiloop.internal."

// ZoneInput is everything the wide-area zone renderer needs. Rendering is
// pure: identical inputs yield byte-identical output.
type ZoneInput struct {
	Serial      int64
	HostLabel   string
	TailnetIPv4 string
	TailnetIPv6 string // optional AAAA
	GatewayPort int
	DisplayName string
	TXT         []string // defaults to a minimal record set when empty
}

// RenderZone renders the DNS-SD zone: SOA, A/AAAA for the host label, a PTR
// for the service type, and the SRV+TXT instance records.
func RenderZone(in ZoneInput) string {
	txt := in.TXT
	if len(txt) == 0 {
		txt = Announcement{
			DisplayName: in.DisplayName,
			LANHost:     in.HostLabel,
			GatewayPort: in.GatewayPort,
		}.TXT()
	}
	quoted := make([]string, len(txt))
	for i, t := range txt {
		quoted[i] = `"` + t + `"`
	}

	var b strings.Builder
	fmt.Fprintf(&b, "$ORIGIN %s\n", ZoneOrigin)
	b.WriteString("$TTL 300\n")
	fmt.Fprintf(&b, "@ IN SOA ns.%s hostmaster.%s (\n", ZoneOrigin, ZoneOrigin)
	fmt.Fprintf(&b, "\t%d ; serial\n", in.Serial)
	b.WriteString("\t3600 900 604800 300 )\n")
	fmt.Fprintf(&b, "%s IN A %s\n", in.HostLabel, in.TailnetIPv4)
	if in.TailnetIPv6 != "" {
		fmt.Fprintf(&b, "%s IN AAAA %s\n", in.HostLabel, in.TailnetIPv6)
	}
	fmt.Fprintf(&b, "%s IN PTR %s.%s\n", ServiceType, in.HostLabel, ServiceType)
	fmt.Fprintf(&b, "%s.%s IN SRV 0 0 %d %s\n", in.HostLabel, ServiceType, in.GatewayPort, in.HostLabel)
	fmt.Fprintf(&b, "%s.%s IN TXT %s\n", in.HostLabel, ServiceType, strings.Join(quoted, " "))
	return b.String()
}

var serialLine = regexp.MustCompile(`(?m)^\t\d+ ; serial$`)

// SyncZone writes the zone to path only when its content (serial aside)
// changed; an unchanged zone keeps its existing serial so secondaries do
// not re-transfer.
func SyncZone(path string, in ZoneInput) (changed bool, err error) {
	rendered := RenderZone(in)

	existing, readErr := os.ReadFile(path)
	if readErr == nil {
		old := string(existing)
		oldSerial := serialLine.FindString(old)
		if oldSerial != "" && serialLine.ReplaceAllString(rendered, oldSerial) == old {
			return false, nil
		}
	} else if !os.IsNotExist(readErr) {
		return false, readErr
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return false, err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(rendered), 0o644); err != nil {
		return false, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return false, err
	}
	return true, nil
}

// ZonePath is the conventional zone file location under the state dir.
func ZonePath(stateDir string) string {
	return filepath.Join(stateDir, "dns", "epiloop.internal.db")
}

// CorefileInstruction renders the CoreDNS stanza an operator pastes to
// serve the zone, bound to the tailnet interface.
func CorefileInstruction(zonePath, tailnetIPv4 string) string {
	return fmt.Sprintf("%s {\n    bind %s\n    file %s\n}\n",
		strings.TrimSuffix(ZoneOrigin, "."), tailnetIPv4, zonePath)
}
