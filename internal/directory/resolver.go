// Package directory resolves human target references ("ops", "@alice",
// "#general") to concrete channel target ids. Channel plugins contribute
// directory listings; the resolver layers normalization, a TTL cache and
// ambiguity policies on top.
package directory

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/epiloop/epiloop/pkg/protocol"
)

// Kind classifies a directory entry.
type Kind string

const (
	KindUser    Kind = "user"
	KindGroup   Kind = "group"
	KindChannel Kind = "channel"
	// KindAny matches every entry kind.
	KindAny Kind = ""
)

// Entry is one row of a channel directory.
type Entry struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Handle string `json:"handle,omitempty"`
	Kind   Kind   `json:"kind,omitempty"`
	// Rank orders candidates under the "best" ambiguity policy. Higher wins.
	Rank int `json:"rank,omitempty"`
}

// Provider is the per-channel directory capability registered by a plugin.
type Provider struct {
	Channel string
	// Signature changes when the plugin version changes, invalidating
	// cached snapshots made by older plugin code.
	Signature string
	// List returns the cached-tier directory snapshot.
	List func(ctx context.Context, accountID string, kind Kind) ([]Entry, error)
	// ListLive, when set, is consulted at most once per resolve when the
	// snapshot had no match.
	ListLive func(ctx context.Context, accountID string, kind Kind) ([]Entry, error)
	// LooksLikeID augments the built-in target-id heuristics.
	LooksLikeID func(input string) bool
	// FormatDisplay overrides the default "@name"/"#name" display form.
	FormatDisplay func(e Entry) string
	// Hint is appended to not-found errors ("try the numeric chat id").
	Hint string
}

// AmbiguousPolicy decides what happens when several entries match.
type AmbiguousPolicy string

const (
	AmbiguousError AmbiguousPolicy = "error"
	AmbiguousBest  AmbiguousPolicy = "best"
	AmbiguousFirst AmbiguousPolicy = "first"
)

// Request asks for one target resolution.
type Request struct {
	Channel   string
	AccountID string
	Input     string
	// Kind restricts matching when set.
	Kind Kind
	// Ambiguous defaults to AmbiguousError.
	Ambiguous AmbiguousPolicy
}

// Result is a successful resolution.
type Result struct {
	Target string `json:"target"`
	Kind   Kind   `json:"kind,omitempty"`
	// Display is the human form ("#ops", "@alice").
	Display string `json:"display,omitempty"`
	// Source is "normalized", "directory" or "live".
	Source string `json:"source"`
}

// Resolver resolves targets across all registered channel providers.
type Resolver struct {
	cache     *Cache
	providers map[string]*Provider
}

// NewResolver creates a resolver with a snapshot cache of the given TTL.
func NewResolver(ttl time.Duration) *Resolver {
	return &Resolver{
		cache:     NewCache(ttl),
		providers: make(map[string]*Provider),
	}
}

// Register installs a channel's directory provider, replacing any previous
// one, and drops that channel's cached snapshots.
func (r *Resolver) Register(p *Provider) {
	r.providers[p.Channel] = p
	r.cache.Invalidate(p.Channel)
}

// Unregister removes a channel's provider, e.g. when its plugin stops.
func (r *Resolver) Unregister(channel string) {
	delete(r.providers, channel)
	r.cache.Invalidate(channel)
}

// idPattern matches inputs that are already concrete target ids: phone-style
// "+<digits>", explicit "user:"/"conversation:" prefixes, or thread handles.
var idPattern = regexp.MustCompile(`^\+\d{6,}$`)

func looksLikeID(input string, p *Provider) bool {
	if idPattern.MatchString(input) {
		return true
	}
	lower := strings.ToLower(input)
	if strings.HasPrefix(lower, "user:") || strings.HasPrefix(lower, "conversation:") {
		return true
	}
	if strings.Contains(lower, "thread") {
		return true
	}
	if p != nil && p.LooksLikeID != nil && p.LooksLikeID(input) {
		return true
	}
	return false
}

// parseInput normalizes the raw reference: trims, reads an @/# sigil or a
// kind prefix as a kind hint, and strips it from the lookup query.
func parseInput(input string, kind Kind) (query string, hint Kind) {
	q := strings.TrimSpace(input)
	hint = kind
	switch {
	case strings.HasPrefix(q, "@"):
		q = q[1:]
		if hint == KindAny {
			hint = KindUser
		}
	case strings.HasPrefix(q, "#"):
		q = q[1:]
		if hint == KindAny {
			hint = KindChannel
		}
	case strings.HasPrefix(strings.ToLower(q), "channel:"):
		q = q[len("channel:"):]
		if hint == KindAny {
			hint = KindChannel
		}
	case strings.HasPrefix(strings.ToLower(q), "group:"):
		q = q[len("group:"):]
		if hint == KindAny {
			hint = KindGroup
		}
	}
	return strings.TrimSpace(q), hint
}

// Resolve maps a human reference to a target id.
//
// Inputs that already look like target ids skip the directory entirely.
// Otherwise the cached snapshot is matched first; on no match the provider's
// live listing (if any) is consulted exactly once and its result cached.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Result, error) {
	p := r.providers[req.Channel]

	trimmed := strings.TrimSpace(req.Input)
	if trimmed == "" {
		return Result{}, protocol.NewError(protocol.KindResolution, protocol.CodeTargetUnknown,
			"empty target reference")
	}
	if looksLikeID(trimmed, p) {
		return Result{Target: trimmed, Source: "normalized"}, nil
	}

	query, kind := parseInput(trimmed, req.Kind)
	if p == nil || p.List == nil {
		return Result{}, protocol.NewError(protocol.KindResolution, protocol.CodeTargetUnknown,
			fmt.Sprintf("channel %q has no directory; pass a target id", req.Channel))
	}

	key := cacheKey{
		channel:   req.Channel,
		account:   req.AccountID,
		kind:      kind,
		sourceTag: "snapshot",
		signature: p.Signature,
	}
	entries, ok := r.cache.Get(key)
	if !ok {
		listed, err := p.List(ctx, req.AccountID, kind)
		if err != nil {
			return Result{}, protocol.WrapError(protocol.KindResolution, protocol.CodeTargetUnknown,
				"directory listing failed", err)
		}
		r.cache.Put(key, listed)
		entries = listed
	}

	matches := match(entries, query, kind)
	source := "directory"

	if len(matches) == 0 && p.ListLive != nil {
		liveKey := key
		liveKey.sourceTag = "live"
		live, err := p.ListLive(ctx, req.AccountID, kind)
		if err != nil {
			return Result{}, protocol.WrapError(protocol.KindResolution, protocol.CodeTargetUnknown,
				"live directory lookup failed", err)
		}
		r.cache.Put(liveKey, live)
		r.cache.Put(key, live)
		matches = match(live, query, kind)
		source = "live"
	}

	switch len(matches) {
	case 0:
		e := protocol.NewError(protocol.KindResolution, protocol.CodeTargetUnknown,
			fmt.Sprintf("no %s target matches %q on %s", kindWord(kind), trimmed, req.Channel))
		e.Hint = p.Hint
		return Result{}, e
	case 1:
		return toResult(matches[0], source, p), nil
	}

	policy := req.Ambiguous
	if policy == "" {
		policy = AmbiguousError
	}
	switch policy {
	case AmbiguousFirst:
		return toResult(matches[0], source, p), nil
	case AmbiguousBest:
		best := matches[0]
		for _, m := range matches[1:] {
			if m.Rank > best.Rank {
				best = m
			}
		}
		return toResult(best, source, p), nil
	default:
		e := protocol.NewError(protocol.KindResolution, protocol.CodeTargetAmbiguous,
			fmt.Sprintf("%d targets match %q on %s", len(matches), trimmed, req.Channel))
		for _, m := range matches {
			e.Candidates = append(e.Candidates, protocol.Candidate{
				ID:      m.ID,
				Display: displayFor(m, p),
			})
		}
		return Result{}, e
	}
}

// match selects entries whose id, name or handle equals the query under
// case folding or contains it as a substring. Equality and containment form
// one candidate set; the ambiguity policy arbitrates between them.
func match(entries []Entry, query string, kind Kind) []Entry {
	q := strings.ToLower(query)
	if q == "" {
		return nil
	}
	var out []Entry
	for _, e := range entries {
		if kind != KindAny && e.Kind != KindAny && e.Kind != kind && !kindCompatible(kind, e.Kind) {
			continue
		}
		if fold(e.ID) == q || fold(e.Name) == q || fold(e.Handle) == q ||
			strings.Contains(fold(e.Name), q) || strings.Contains(fold(e.Handle), q) {
			out = append(out, e)
		}
	}
	return out
}

// kindCompatible treats group and channel as interchangeable hints: a "#"
// sigil means "some kind of room" on every channel type.
func kindCompatible(want, have Kind) bool {
	room := func(k Kind) bool { return k == KindGroup || k == KindChannel }
	return room(want) && room(have)
}

func fold(s string) string { return strings.ToLower(s) }

func kindWord(k Kind) string {
	if k == KindAny {
		return "directory"
	}
	return string(k)
}

func toResult(e Entry, source string, p *Provider) Result {
	return Result{
		Target:  e.ID,
		Kind:    e.Kind,
		Display: displayFor(e, p),
		Source:  source,
	}
}

// displayFor builds the human form of an entry. Names that already carry a
// sigil pass through untouched.
func displayFor(e Entry, p *Provider) string {
	if p != nil && p.FormatDisplay != nil {
		if d := p.FormatDisplay(e); d != "" {
			return d
		}
	}
	name := e.Name
	if name == "" {
		name = e.Handle
	}
	if name == "" {
		return e.ID
	}
	if strings.HasPrefix(name, "@") || strings.HasPrefix(name, "#") {
		return name
	}
	switch e.Kind {
	case KindUser:
		return "@" + name
	case KindGroup, KindChannel:
		return "#" + name
	default:
		return name
	}
}
