package sessions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/epiloop/epiloop/pkg/protocol"
)

func TestDerive(t *testing.T) {
	tests := []struct {
		name    string
		channel string
		account string
		kind    PeerKind
		peer    string
		thread  string
		want    Key
	}{
		{"dm", "telegram", "bot1", PeerDirect, "386246614", "", "telegram:bot1:direct:386246614"},
		{"group topic", "telegram", "bot1", PeerGroup, "-100123456", "99", "telegram:bot1:group:-100123456:thread:99"},
		{"defaults", "slack", "", "", "U1", "", "slack:default:direct:U1"},
		{"colon in peer sanitized", "irc", "a", PeerDirect, "nick:host", "", "irc:a:direct:nick_host"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Derive(tt.channel, tt.account, tt.kind, tt.peer, tt.thread); got != tt.want {
				t.Errorf("Derive() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDerive_Stable(t *testing.T) {
	a := Derive("telegram", "bot1", PeerGroup, "-1001", "7")
	b := Derive("telegram", "bot1", PeerGroup, "-1001", "7")
	if a != b {
		t.Errorf("same coordinates produced different keys: %q vs %q", a, b)
	}
}

func TestKeyParse_RoundTrip(t *testing.T) {
	key := Derive("discord", "acct", PeerChannel, "c42", "t9")
	ch, acct, kind, peer, thread, ok := key.Parse()
	if !ok {
		t.Fatalf("Parse(%q) failed", key)
	}
	if ch != "discord" || acct != "acct" || kind != PeerChannel || peer != "c42" || thread != "t9" {
		t.Errorf("Parse(%q) = %v %v %v %v %v", key, ch, acct, kind, peer, thread)
	}
}

func TestKeyParse_Malformed(t *testing.T) {
	for _, bad := range []Key{"", "short:key", "a:b:weird:p", "a:b:direct:p:extra"} {
		if _, _, _, _, _, ok := bad.Parse(); ok {
			t.Errorf("Parse(%q) should fail", bad)
		}
	}
}

func TestDeriveHTTP_DeterministicAndOpaque(t *testing.T) {
	a := DeriveHTTP("alice@example.com")
	b := DeriveHTTP("alice@example.com")
	c := DeriveHTTP("bob@example.com")
	if a != b {
		t.Error("same user must derive the same key")
	}
	if a == c {
		t.Error("different users collided")
	}
	if a.Channel() != "http" {
		t.Errorf("channel = %q", a.Channel())
	}
}

func inbound(body string) protocol.Inbound {
	return protocol.Inbound{Channel: "test", Body: body}
}

func TestTable_FIFOPerKey(t *testing.T) {
	var mu sync.Mutex
	seen := map[Key][]string{}
	tbl := NewTable(8, func(ctx context.Context, s *Session, env Envelope) error {
		mu.Lock()
		seen[env.Key] = append(seen[env.Key], env.Inbound.Body)
		mu.Unlock()
		return nil
	}, nil)
	defer tbl.Shutdown(context.Background())

	keys := []Key{"a:x:direct:1", "b:x:direct:2", "c:x:direct:3"}
	for i := 0; i < 20; i++ {
		for _, k := range keys {
			env := Envelope{Key: k, Inbound: inbound(string(rune('0' + i%10)))}
			if err := tbl.Submit(context.Background(), env); err != nil {
				t.Fatalf("Submit: %v", err)
			}
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		total := 0
		for _, v := range seen {
			total += len(v)
		}
		mu.Unlock()
		if total == 60 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("processed %d of 60", total)
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for k, bodies := range seen {
		for i := 1; i < len(bodies); i++ {
			prev := int(bodies[i-1][0] - '0')
			cur := int(bodies[i][0] - '0')
			if cur != (prev+1)%10 {
				t.Errorf("key %s out of order at %d: %v", k, i, bodies)
				break
			}
		}
	}
}

func TestTable_AtMostOneActivePerKey(t *testing.T) {
	var mu sync.Mutex
	active := 0
	maxActive := 0
	tbl := NewTable(8, func(ctx context.Context, s *Session, env Envelope) error {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return nil
	}, nil)
	defer tbl.Shutdown(context.Background())

	key := Key("tg:bot:direct:1")
	for i := 0; i < 5; i++ {
		if err := tbl.Submit(context.Background(), Envelope{Key: key, Inbound: inbound("x")}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		s, ok := tbl.Get(key)
		if ok && s.info().Processed == 5 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if maxActive != 1 {
		t.Errorf("max concurrent handlers for one key = %d", maxActive)
	}
}

func TestTable_FailureDoesNotBlockNext(t *testing.T) {
	calls := make(chan string, 4)
	tbl := NewTable(8, func(ctx context.Context, s *Session, env Envelope) error {
		calls <- env.Inbound.Body
		if env.Inbound.Body == "boom" {
			return protocol.NewError(protocol.KindRunner, protocol.CodeRunTimeout, "agent run timed out")
		}
		return nil
	}, nil)
	defer tbl.Shutdown(context.Background())

	key := Key("tg:bot:direct:9")
	tbl.Submit(context.Background(), Envelope{Key: key, Inbound: inbound("boom")})
	tbl.Submit(context.Background(), Envelope{Key: key, Inbound: inbound("after")})

	for _, want := range []string{"boom", "after"} {
		select {
		case got := <-calls:
			if got != want {
				t.Fatalf("got %q, want %q", got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("handler not called for %q", want)
		}
	}
}

func TestTable_SubmitBlocksWhenFull(t *testing.T) {
	release := make(chan struct{})
	tbl := NewTable(1, func(ctx context.Context, s *Session, env Envelope) error {
		<-release
		return nil
	}, nil)
	defer func() {
		close(release)
		tbl.Shutdown(context.Background())
	}()

	key := Key("tg:bot:direct:5")
	// First fills the consumer, second fills the mailbox.
	tbl.Submit(context.Background(), Envelope{Key: key, Inbound: inbound("1")})
	tbl.Submit(context.Background(), Envelope{Key: key, Inbound: inbound("2")})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := tbl.Submit(ctx, Envelope{Key: key, Inbound: inbound("3")})
	if err == nil {
		t.Fatal("Submit should block until ctx expiry when the mailbox is full")
	}
}

func TestTable_ShutdownDrainsInFlightRuns(t *testing.T) {
	started := make(chan struct{})
	finished := make(chan string, 4)
	tbl := NewTable(4, func(ctx context.Context, s *Session, env Envelope) error {
		if env.Inbound.Body == "slow" {
			close(started)
		}
		select {
		case <-time.After(100 * time.Millisecond):
			finished <- env.Inbound.Body
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}, nil)

	key := Key("tg:bot:direct:1")
	tbl.Submit(context.Background(), Envelope{Key: key, Inbound: inbound("slow")})
	tbl.Submit(context.Background(), Envelope{Key: key, Inbound: inbound("queued")})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tbl.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	// Both the in-flight run and the queued one completed without being
	// cancelled.
	for _, want := range []string{"slow", "queued"} {
		select {
		case got := <-finished:
			if got != want {
				t.Errorf("finished %q, want %q", got, want)
			}
		default:
			t.Fatalf("run %q was cancelled instead of drained", want)
		}
	}
}

func TestTable_ShutdownDeadlineCancelsRuns(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan error, 1)
	tbl := NewTable(4, func(ctx context.Context, s *Session, env Envelope) error {
		close(started)
		<-ctx.Done()
		cancelled <- ctx.Err()
		return ctx.Err()
	}, nil)

	tbl.Submit(context.Background(), Envelope{Key: "tg:bot:direct:2", Inbound: inbound("stuck")})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := tbl.Shutdown(ctx); err == nil {
		t.Fatal("Shutdown should report the missed drain deadline")
	}
	select {
	case err := <-cancelled:
		if err == nil {
			t.Error("handler context was not cancelled")
		}
	case <-time.After(time.Second):
		t.Fatal("handler never saw the forced cancellation")
	}
}

func TestTable_ShutdownRejectsSubmissions(t *testing.T) {
	tbl := NewTable(4, func(ctx context.Context, s *Session, env Envelope) error { return nil }, nil)
	if err := tbl.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	err := tbl.Submit(context.Background(), Envelope{Key: "a:b:direct:c", Inbound: inbound("x")})
	if err == nil {
		t.Fatal("Submit after Shutdown must fail")
	}
}
