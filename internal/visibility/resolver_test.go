package visibility

import (
	"strings"
	"testing"

	"github.com/epiloop/epiloop/internal/config"
)

func boolPtr(b bool) *bool { return &b }

func TestResolve_GlobalDefaults(t *testing.T) {
	cfg := config.Default()
	got := Resolve(cfg, "telegram", "")
	if got.ShowOK || !got.ShowAlerts || !got.UseIndicator {
		t.Errorf("defaults = %+v", got)
	}
}

func TestResolve_LayerPrecedence(t *testing.T) {
	cfg := config.Default()
	cfg.Channels = config.ChannelsConfig{
		"defaults": {
			Heartbeat: &config.VisibilityConfig{ShowOK: boolPtr(true), UseIndicator: boolPtr(false)},
		},
		"telegram": {
			Heartbeat: &config.VisibilityConfig{ShowAlerts: boolPtr(false)},
			Accounts: map[string]*config.AccountConfig{
				"bot1": {Heartbeat: &config.VisibilityConfig{ShowOK: boolPtr(false)}},
			},
		},
	}

	tests := []struct {
		name    string
		channel string
		account string
		want    Resolved
	}{
		{"channel defaults apply", "slack", "", Resolved{ShowOK: true, ShowAlerts: true, UseIndicator: false}},
		{"channel overlays defaults", "telegram", "", Resolved{ShowOK: true, ShowAlerts: false, UseIndicator: false}},
		{"account overrides channel", "telegram", "bot1", Resolved{ShowOK: false, ShowAlerts: false, UseIndicator: false}},
		{"unknown account falls back", "telegram", "botX", Resolved{ShowOK: true, ShowAlerts: false, UseIndicator: false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Resolve(cfg, tt.channel, tt.account); got != tt.want {
				t.Errorf("Resolve() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestResolveTableMode(t *testing.T) {
	cfg := config.Default()
	cfg.Channels = config.ChannelsConfig{
		"defaults": {TableMode: "unicode"},
		"telegram": {
			TableMode: "html",
			Accounts:  map[string]*config.AccountConfig{"bot1": {TableMode: "plain"}},
		},
	}
	if got := ResolveTableMode(cfg, "slack", ""); got != TableUnicode {
		t.Errorf("slack = %q", got)
	}
	if got := ResolveTableMode(cfg, "telegram", ""); got != TableHTML {
		t.Errorf("telegram = %q", got)
	}
	if got := ResolveTableMode(cfg, "telegram", "bot1"); got != TablePlain {
		t.Errorf("telegram/bot1 = %q", got)
	}
}

func TestResolveReplyTo(t *testing.T) {
	cfg := config.Default()
	cfg.Channels = config.ChannelsConfig{
		"telegram": {ReplyTo: map[string]string{
			"g1":       "quote",
			"g1:topic": "none",
		}},
	}
	if got := ResolveReplyTo(cfg, "telegram", "g1", ""); got != ReplyQuote {
		t.Errorf("g1 = %q", got)
	}
	if got := ResolveReplyTo(cfg, "telegram", "g1", "topic"); got != ReplyNone {
		t.Errorf("g1:topic = %q", got)
	}
	if got := ResolveReplyTo(cfg, "telegram", "g2", ""); got != ReplyMention {
		t.Errorf("g2 = %q", got)
	}
}

func TestRenderTables_Unicode(t *testing.T) {
	text := "before\n| a | b |\n|---|---|\n| 1 | 22 |\nafter"
	got := RenderTables(text, TableUnicode)
	if !strings.Contains(got, "┌") || !strings.Contains(got, "│ 1 ") {
		t.Errorf("unicode render missing box drawing:\n%s", got)
	}
	if !strings.HasPrefix(got, "before\n") || !strings.HasSuffix(got, "\nafter") {
		t.Errorf("surrounding text mangled:\n%s", got)
	}
}

func TestRenderTables_HTML(t *testing.T) {
	text := "| h |\n|---|\n| <x> |"
	got := RenderTables(text, TableHTML)
	if !strings.Contains(got, "<th>h</th>") || !strings.Contains(got, "&lt;x&gt;") {
		t.Errorf("html render wrong:\n%s", got)
	}
}

func TestRenderTables_PlainPassthroughWithoutTable(t *testing.T) {
	text := "no tables here\njust text"
	if got := RenderTables(text, TablePlain); got != text {
		t.Errorf("passthrough mangled: %q", got)
	}
}
