package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/epiloop/epiloop/pkg/protocol"
)

func staticProvider(channel string, entries []Entry) *Provider {
	return &Provider{
		Channel:   channel,
		Signature: "v1",
		List: func(ctx context.Context, accountID string, kind Kind) ([]Entry, error) {
			return entries, nil
		},
	}
}

func TestResolve_IDShortcuts(t *testing.T) {
	r := NewResolver(0)
	r.Register(staticProvider("signal", nil))

	tests := []struct {
		input string
	}{
		{"+15551234567"},
		{"user:U123"},
		{"conversation:abc"},
		{"some-thread-42"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := r.Resolve(context.Background(), Request{Channel: "signal", Input: tt.input})
			if err != nil {
				t.Fatalf("Resolve(%q) error: %v", tt.input, err)
			}
			if got.Target != tt.input || got.Source != "normalized" {
				t.Errorf("Resolve(%q) = %+v", tt.input, got)
			}
		})
	}
}

func TestResolve_ExactNameMatch(t *testing.T) {
	r := NewResolver(0)
	r.Register(staticProvider("slack", []Entry{
		{ID: "C9", Name: "General", Kind: KindChannel},
		{ID: "U1", Name: "Alice", Handle: "alice", Kind: KindUser},
	}))

	got, err := r.Resolve(context.Background(), Request{Channel: "slack", Input: "#general"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Target != "C9" || got.Source != "directory" || got.Display != "#General" {
		t.Errorf("got %+v", got)
	}

	got, err = r.Resolve(context.Background(), Request{Channel: "slack", Input: "@ALICE"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Target != "U1" || got.Display != "@Alice" {
		t.Errorf("got %+v", got)
	}
}

func TestResolve_KindHintFiltersUsers(t *testing.T) {
	r := NewResolver(0)
	r.Register(staticProvider("slack", []Entry{
		{ID: "U1", Name: "ops", Kind: KindUser},
		{ID: "C1", Name: "ops", Kind: KindChannel},
	}))

	got, err := r.Resolve(context.Background(), Request{Channel: "slack", Input: "#ops"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Target != "C1" {
		t.Errorf("want channel C1, got %+v", got)
	}

	got, err = r.Resolve(context.Background(), Request{Channel: "slack", Input: "@ops"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Target != "U1" {
		t.Errorf("want user U1, got %+v", got)
	}
}

func TestResolve_AmbiguityPolicies(t *testing.T) {
	// "ops" matches C1 by equality and C2 by substring; both are candidates.
	entries := []Entry{
		{ID: "C1", Name: "ops", Kind: KindChannel},
		{ID: "C2", Name: "ops-eu", Kind: KindChannel, Rank: 5},
	}
	r := NewResolver(0)
	r.Register(staticProvider("slack", entries))

	_, err := r.Resolve(context.Background(), Request{Channel: "slack", Input: "ops"})
	var perr *protocol.Error
	if !errors.As(err, &perr) || perr.Code != protocol.CodeTargetAmbiguous {
		t.Fatalf("want TARGET_AMBIGUOUS, got %v", err)
	}
	if len(perr.Candidates) != 2 {
		t.Errorf("candidates = %+v", perr.Candidates)
	}

	got, err := r.Resolve(context.Background(), Request{Channel: "slack", Input: "ops", Ambiguous: AmbiguousBest})
	if err != nil {
		t.Fatalf("best: %v", err)
	}
	if got.Target != "C2" {
		t.Errorf("best should pick highest rank, got %+v", got)
	}

	got, err = r.Resolve(context.Background(), Request{Channel: "slack", Input: "ops", Ambiguous: AmbiguousFirst})
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if got.Target != "C1" {
		t.Errorf("first should keep listing order, got %+v", got)
	}
}

func TestResolve_NotFoundCarriesHint(t *testing.T) {
	p := staticProvider("telegram", []Entry{{ID: "g1", Name: "family", Kind: KindGroup}})
	p.Hint = "use the numeric chat id from `epiloop channels list`"
	r := NewResolver(0)
	r.Register(p)

	_, err := r.Resolve(context.Background(), Request{Channel: "telegram", Input: "nowhere"})
	var perr *protocol.Error
	if !errors.As(err, &perr) || perr.Code != protocol.CodeTargetUnknown {
		t.Fatalf("want TARGET_UNKNOWN, got %v", err)
	}
	if perr.Hint == "" {
		t.Error("hint not propagated")
	}
}

func TestResolve_LiveFallbackOnce(t *testing.T) {
	liveCalls := 0
	p := &Provider{
		Channel:   "whatsapp",
		Signature: "v1",
		List: func(ctx context.Context, accountID string, kind Kind) ([]Entry, error) {
			return []Entry{{ID: "old", Name: "stale", Kind: KindGroup}}, nil
		},
		ListLive: func(ctx context.Context, accountID string, kind Kind) ([]Entry, error) {
			liveCalls++
			return []Entry{{ID: "g7", Name: "fresh", Kind: KindGroup}}, nil
		},
	}
	r := NewResolver(time.Hour)
	r.Register(p)

	got, err := r.Resolve(context.Background(), Request{Channel: "whatsapp", Input: "fresh"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Target != "g7" || got.Source != "live" {
		t.Errorf("got %+v", got)
	}
	if liveCalls != 1 {
		t.Errorf("live calls = %d, want 1", liveCalls)
	}

	// The live result replaced the snapshot, so a second resolve is cached.
	got, err = r.Resolve(context.Background(), Request{Channel: "whatsapp", Input: "fresh"})
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if got.Source != "directory" || liveCalls != 1 {
		t.Errorf("second resolve source=%s liveCalls=%d", got.Source, liveCalls)
	}
}

func TestResolve_PluginPredicate(t *testing.T) {
	p := staticProvider("discord", nil)
	p.LooksLikeID = func(input string) bool {
		return len(input) == 18 && input[0] >= '0' && input[0] <= '9'
	}
	r := NewResolver(0)
	r.Register(p)

	got, err := r.Resolve(context.Background(), Request{Channel: "discord", Input: "123456789012345678"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Source != "normalized" {
		t.Errorf("got %+v", got)
	}
}

func TestCache_ExpiresAndKeysOnSignature(t *testing.T) {
	c := NewCache(time.Minute)
	base := time.Now()
	c.now = func() time.Time { return base }

	key := cacheKey{channel: "slack", account: "a", sourceTag: "snapshot", signature: "v1"}
	c.Put(key, []Entry{{ID: "C1"}})

	if _, ok := c.Get(key); !ok {
		t.Fatal("fresh entry missing")
	}
	other := key
	other.signature = "v2"
	if _, ok := c.Get(other); ok {
		t.Error("different signature must miss")
	}

	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, ok := c.Get(key); ok {
		t.Error("expired entry served")
	}
}

func TestCache_DoesNotStoreEmpty(t *testing.T) {
	c := NewCache(time.Minute)
	key := cacheKey{channel: "x", sourceTag: "live"}
	c.Put(key, nil)
	if _, ok := c.Get(key); ok {
		t.Error("empty snapshot cached")
	}
}
