package cmd

import (
	"strings"
	"testing"
)

func TestRenderSystemdUnit(t *testing.T) {
	unit := renderSystemdUnit("/usr/local/bin/epiloop", "")
	if !strings.Contains(unit, "ExecStart=/usr/local/bin/epiloop node run\n") {
		t.Errorf("unit missing exec line:\n%s", unit)
	}
	if !strings.Contains(unit, "Restart=on-failure") {
		t.Errorf("unit missing restart policy:\n%s", unit)
	}

	withProfile := renderSystemdUnit("/usr/local/bin/epiloop", "dev")
	if !strings.Contains(withProfile, "ExecStart=/usr/local/bin/epiloop --profile dev node run\n") {
		t.Errorf("profile not folded into exec line:\n%s", withProfile)
	}
}

func TestRenderLaunchdPlist(t *testing.T) {
	plist := renderLaunchdPlist("/opt/epiloop/epiloop", "work")
	for _, want := range []string{
		"<string>" + nodeLaunchLabel + "</string>",
		"<string>/opt/epiloop/epiloop</string>",
		"<string>--profile</string>",
		"<string>work</string>",
		"<string>node</string>",
		"<string>run</string>",
		"<key>KeepAlive</key>",
	} {
		if !strings.Contains(plist, want) {
			t.Errorf("plist missing %q:\n%s", want, plist)
		}
	}
}
