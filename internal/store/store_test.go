package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/epiloop/epiloop/internal/agent"
	"github.com/epiloop/epiloop/pkg/protocol"
)

func TestPairingStore_Lifecycle(t *testing.T) {
	dir := t.TempDir()
	s, err := NewPairingStore(dir)
	if err != nil {
		t.Fatalf("NewPairingStore: %v", err)
	}

	device := protocol.DeviceInfo{ID: "dev-1", Name: "Pixel"}
	code, err := s.Request(device, []string{"node"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if len(code) != 6 {
		t.Errorf("code = %q", code)
	}
	if s.IsPaired("dev-1", "node") {
		t.Error("pending device must not count as paired")
	}

	// Repeat request reuses the code.
	again, _ := s.Request(device, []string{"node"})
	if again != code {
		t.Errorf("repeat request code = %q, want %q", again, code)
	}

	paired, err := s.Approve(code)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if paired.DeviceID != "dev-1" {
		t.Errorf("paired = %+v", paired)
	}
	if !s.IsPaired("dev-1", "node") {
		t.Error("approved device should be paired for node role")
	}
	if s.IsPaired("dev-1", "operator") {
		t.Error("pairing must be role-scoped")
	}

	// State survives reload.
	s2, err := NewPairingStore(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !s2.IsPaired("dev-1", "node") {
		t.Error("pairing lost on reload")
	}

	if err := s2.Revoke("dev-1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if s2.IsPaired("dev-1", "node") {
		t.Error("revoked device still paired")
	}
}

func TestPairingStore_ApproveByDeviceID(t *testing.T) {
	s, _ := NewPairingStore(t.TempDir())
	s.Request(protocol.DeviceInfo{ID: "dev-9"}, []string{"node"})
	if _, err := s.Approve("dev-9"); err != nil {
		t.Fatalf("Approve by device id: %v", err)
	}
}

func TestPairingStore_RejectUnknown(t *testing.T) {
	s, _ := NewPairingStore(t.TempDir())
	if err := s.Reject("NOPE42"); err == nil {
		t.Error("rejecting an unknown code must fail")
	}
}

func TestAllowlist(t *testing.T) {
	dir := t.TempDir()
	a, err := NewAllowlist(dir)
	if err != nil {
		t.Fatalf("NewAllowlist: %v", err)
	}

	if a.Allowed("uptime") {
		t.Error("empty allowlist must deny everything")
	}
	a.Add("uptime")
	if !a.Allowed("uptime") || !a.Allowed("uptime -p") {
		t.Error("approved program should be allowed with args")
	}
	if a.Allowed("rm -rf /") {
		t.Error("unapproved program allowed")
	}

	// Persistence.
	b, _ := NewAllowlist(dir)
	if !b.Allowed("uptime") {
		t.Error("allowlist lost on reload")
	}
	b.Remove("uptime")
	if b.Allowed("uptime") {
		t.Error("removed program still allowed")
	}
}

func TestActivityLog_RecordAndQuery(t *testing.T) {
	log, err := OpenActivityLog(t.TempDir())
	if err != nil {
		t.Fatalf("OpenActivityLog: %v", err)
	}
	defer log.Close()

	ctx := context.Background()
	log.RecordRun(ctx, "telegram:bot1:direct:42", agent.Route{AgentID: "default"},
		agent.Status{Outcome: agent.OutcomeCompleted}, 1200*time.Millisecond)
	log.RecordRun(ctx, "telegram:bot1:direct:42", agent.Route{AgentID: "default"},
		agent.Status{Outcome: agent.OutcomeFailed, Error: "run exceeded ceiling"}, 30*time.Millisecond)
	log.RecordRun(ctx, "slack:a:direct:9", agent.Route{AgentID: "ops"},
		agent.Status{Outcome: agent.OutcomeCompleted}, 10*time.Millisecond)

	all, err := log.Recent(ctx, "", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("entries = %d", len(all))
	}

	filtered, err := log.Recent(ctx, "telegram:bot1:direct:42", 10)
	if err != nil {
		t.Fatalf("Recent filtered: %v", err)
	}
	if len(filtered) != 2 {
		t.Fatalf("filtered = %d", len(filtered))
	}
	for _, e := range filtered {
		if e.SessionKey != "telegram:bot1:direct:42" {
			t.Errorf("wrong session: %+v", e)
		}
	}
	// Failed run keeps its detail.
	found := false
	for _, e := range filtered {
		if e.Outcome == agent.OutcomeFailed && e.Detail == "run exceeded ceiling" {
			found = true
		}
	}
	if !found {
		t.Error("failure detail not recorded")
	}
}

func TestNotifications_PushAndDrain(t *testing.T) {
	dir := t.TempDir()
	n := NewNotifications(dir)

	if notes, err := n.Drain(); err != nil || notes != nil {
		t.Fatalf("empty drain = %v, %v", notes, err)
	}

	if err := n.Push("channel telegram is enabled but not running"); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := n.Push("second"); err != nil {
		t.Fatalf("Push: %v", err)
	}

	notes, err := n.Drain()
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(notes) != 2 || notes[0].Text != "channel telegram is enabled but not running" {
		t.Fatalf("notes = %+v", notes)
	}
	if notes[0].At.IsZero() {
		t.Error("timestamp not set")
	}

	// Drained queue stays empty.
	if notes, _ := n.Drain(); len(notes) != 0 {
		t.Errorf("queue not cleared: %+v", notes)
	}
}

func TestNotifications_CapsQueue(t *testing.T) {
	n := NewNotifications(t.TempDir())
	for i := 0; i < maxNotifications+10; i++ {
		if err := n.Push(fmt.Sprintf("note %d", i)); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	notes, err := n.Drain()
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(notes) != maxNotifications {
		t.Fatalf("len = %d, want %d", len(notes), maxNotifications)
	}
	if notes[0].Text != "note 10" {
		t.Errorf("oldest kept = %q, want note 10", notes[0].Text)
	}
}
