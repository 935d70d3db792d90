package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/epiloop/epiloop/internal/config"
	"github.com/epiloop/epiloop/internal/sessions"
	"github.com/epiloop/epiloop/pkg/protocol"
)

func routingConfig() *config.Config {
	cfg := config.Default()
	cfg.Agents = config.AgentsConfig{
		Defaults: config.AgentDefaults{Provider: "anthropic", Model: "base-model"},
		List: map[string]config.AgentSpec{
			"support": {Model: "support-model"},
			"ops":     {},
			"vip":     {},
		},
		Bindings: []config.AgentBinding{
			{AgentID: "support", Match: config.BindingMatch{Channel: "telegram"}},
			{AgentID: "ops", Match: config.BindingMatch{Channel: "telegram", AccountID: "workbot"}},
			{AgentID: "vip", Match: config.BindingMatch{
				Channel:   "telegram",
				AccountID: "workbot",
				Peer:      &config.BindingPeer{Kind: "user", ID: "777"},
			}},
		},
	}
	return cfg
}

func TestResolveRoute_Specificity(t *testing.T) {
	cfg := routingConfig()
	tests := []struct {
		name    string
		channel string
		account string
		kind    sessions.PeerKind
		peer    string
		want    string
	}{
		{"peer binding wins", "telegram", "workbot", sessions.PeerDirect, "777", "vip"},
		{"account binding next", "telegram", "workbot", sessions.PeerDirect, "123", "ops"},
		{"channel binding next", "telegram", "otherbot", sessions.PeerDirect, "123", "support"},
		{"no binding falls to default", "slack", "", sessions.PeerDirect, "123", "default"},
		{"peer kind mismatch skips binding", "telegram", "workbot", sessions.PeerGroup, "777", "ops"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveRoute(cfg, tt.channel, tt.account, tt.kind, tt.peer)
			if got.AgentID != tt.want {
				t.Errorf("ResolveRoute() agent = %q, want %q", got.AgentID, tt.want)
			}
		})
	}
}

func TestResolveRoute_MergesAgentSpec(t *testing.T) {
	cfg := routingConfig()
	got := ResolveRoute(cfg, "telegram", "", sessions.PeerDirect, "1")
	if got.AgentID != "support" || got.Model != "support-model" || got.Provider != "anthropic" {
		t.Errorf("route = %+v", got)
	}
}

type recordedActivity struct {
	mu   sync.Mutex
	runs []Status
}

func (r *recordedActivity) RecordRun(ctx context.Context, key sessions.Key, route Route, status Status, elapsed time.Duration) {
	r.mu.Lock()
	r.runs = append(r.runs, status)
	r.mu.Unlock()
}

func TestService_Handle_DeliversAndRecords(t *testing.T) {
	cfg := config.Default()
	cap := &captureDeliverer{}
	act := &recordedActivity{}
	var indicators []protocol.Indicator

	runner := RunnerFunc(func(ctx context.Context, req Request, emit func(Block)) (Status, error) {
		emit(Block{Text: "reply to: " + req.Prompt, Boundary: true})
		return Status{Outcome: OutcomeCompleted}, nil
	})
	svc := NewService(cfg, runner, cap.deliver, func(ctx context.Context, ind protocol.Indicator) {
		indicators = append(indicators, ind)
	}, act, nil)

	key := sessions.Derive("telegram", "bot1", sessions.PeerDirect, "42", "")
	tbl := sessions.NewTable(4, svc.Handle, nil)
	defer tbl.Shutdown(context.Background())

	env := sessions.Envelope{Key: key, Inbound: protocol.Inbound{
		Channel: "telegram",
		Account: "bot1",
		Peer:    protocol.Peer{Kind: "user", ID: "42"},
		Body:    "hi",
	}}
	if err := tbl.Submit(context.Background(), env); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(cap.deliveries()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no delivery")
		}
		time.Sleep(5 * time.Millisecond)
	}

	got := cap.deliveries()[0]
	if got.Chunks[0] != "reply to: hi" {
		t.Errorf("chunks = %v", got.Chunks)
	}
	if got.SessionKey != string(key) {
		t.Errorf("session key = %q", got.SessionKey)
	}
	if len(indicators) != 1 || indicators[0].State != "typing" {
		t.Errorf("indicators = %+v", indicators)
	}

	act.mu.Lock()
	defer act.mu.Unlock()
	if len(act.runs) != 1 || act.runs[0].Outcome != OutcomeCompleted {
		t.Errorf("activity = %+v", act.runs)
	}
}

func TestService_Handle_RunFailureSurfaces(t *testing.T) {
	cfg := config.Default()
	cap := &captureDeliverer{}
	runner := RunnerFunc(func(ctx context.Context, req Request, emit func(Block)) (Status, error) {
		return Status{Outcome: OutcomeFailed}, context.DeadlineExceeded
	})
	svc := NewService(cfg, runner, cap.deliver, nil, nil, nil)

	key := sessions.Derive("telegram", "", sessions.PeerDirect, "1", "")
	err := svc.Handle(context.Background(), sessionFor(t, key), sessions.Envelope{
		Key:     key,
		Inbound: protocol.Inbound{Channel: "telegram", Peer: protocol.Peer{Kind: "user", ID: "1"}, Body: "x"},
	})
	if err == nil {
		t.Fatal("run failure must surface")
	}
}

// sessionFor builds a live session via a throwaway table so Handle has a
// real state machine to drive.
func sessionFor(t *testing.T, key sessions.Key) *sessions.Session {
	t.Helper()
	block := make(chan struct{})
	tbl := sessions.NewTable(1, func(ctx context.Context, s *sessions.Session, env sessions.Envelope) error {
		<-block
		return nil
	}, nil)
	t.Cleanup(func() {
		close(block)
		tbl.Shutdown(context.Background())
	})
	tbl.Submit(context.Background(), sessions.Envelope{Key: key})
	s, ok := tbl.Get(key)
	if !ok {
		t.Fatal("session not created")
	}
	return s
}
