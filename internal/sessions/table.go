package sessions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/epiloop/epiloop/pkg/protocol"
)

// State is the lifecycle state of a session's agent run.
type State string

const (
	StateIdle         State = "idle"
	StateRunning      State = "running"
	StateStreaming    State = "streaming"
	StateAwaitingTool State = "awaiting-tool"
	StateFailed       State = "failed"
	StateEnded        State = "ended"
)

// DefaultQueueDepth bounds each session's inbound mailbox. A full mailbox
// blocks the submitter rather than dropping.
const DefaultQueueDepth = 64

// Envelope is one inbound conversation event queued for an agent run.
type Envelope struct {
	Key      Key
	Inbound  protocol.Inbound
	Received time.Time
}

// Handler processes one envelope. It runs on the session's single consumer
// goroutine, so envelopes of one key never overlap. The handler may move
// the session between running/streaming/awaiting-tool via the Session it
// is handed.
type Handler func(ctx context.Context, s *Session, env Envelope) error

// Session is one conversation's run: a bounded FIFO mailbox plus the run
// state machine. All processing for the key happens on one goroutine.
type Session struct {
	key     Key
	mailbox chan Envelope

	mu        sync.Mutex
	state     State
	created   time.Time
	updated   time.Time
	processed uint64
	queued    int
	lastError string
}

// Key returns the session's key.
func (s *Session) Key() Key { return s.key }

// State returns the current run state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState moves the run state machine; handlers call this on streaming
// and tool-call boundaries.
func (s *Session) SetState(st State) {
	s.mu.Lock()
	s.state = st
	s.updated = time.Now()
	s.mu.Unlock()
}

func (s *Session) noteQueued(delta int) {
	s.mu.Lock()
	s.queued += delta
	s.updated = time.Now()
	s.mu.Unlock()
}

func (s *Session) noteDone(err error) {
	s.mu.Lock()
	s.processed++
	s.updated = time.Now()
	if err != nil {
		s.state = StateFailed
		s.lastError = err.Error()
	} else {
		s.state = StateIdle
		s.lastError = ""
	}
	s.mu.Unlock()
}

// Info is a session descriptor for listings.
type Info struct {
	Key        Key       `json:"key"`
	State      State     `json:"state"`
	QueueDepth int       `json:"queueDepth"`
	Processed  uint64    `json:"processed"`
	Created    time.Time `json:"created"`
	Updated    time.Time `json:"updated"`
	LastError  string    `json:"lastError,omitempty"`
}

func (s *Session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Key:        s.key,
		State:      s.state,
		QueueDepth: s.queued,
		Processed:  s.processed,
		Created:    s.created,
		Updated:    s.updated,
		LastError:  s.lastError,
	}
}

// Table owns every live session. Mutation of the map takes the exclusive
// lock; per-session ordering comes from each session's single consumer.
type Table struct {
	mu       sync.Mutex
	sessions map[Key]*Session
	closed   bool

	depth   int
	handler Handler
	logger  *slog.Logger

	quit   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTable creates a session table dispatching to handler. depth bounds
// each mailbox (DefaultQueueDepth when <= 0).
func NewTable(depth int, handler Handler, logger *slog.Logger) *Table {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Table{
		sessions: make(map[Key]*Session),
		depth:    depth,
		handler:  handler,
		logger:   logger,
		quit:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Submit enqueues an inbound event for its session, creating the session
// (and its consumer) on first use. When the mailbox is full Submit blocks
// until space frees or ctx is done; events are never dropped or reordered.
func (t *Table) Submit(ctx context.Context, env Envelope) error {
	s, err := t.getOrCreate(env.Key)
	if err != nil {
		return err
	}
	select {
	case s.mailbox <- env:
		s.noteQueued(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.quit:
		return protocol.NewError(protocol.KindLifecycle, "", "session table is shutting down")
	}
}

func (t *Table) getOrCreate(key Key) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, protocol.NewError(protocol.KindLifecycle, "", "session table is shutting down")
	}
	if s, ok := t.sessions[key]; ok {
		return s, nil
	}
	now := time.Now()
	s := &Session{
		key:     key,
		mailbox: make(chan Envelope, t.depth),
		state:   StateIdle,
		created: now,
		updated: now,
	}
	t.sessions[key] = s
	t.wg.Add(1)
	go t.consume(s)
	t.logger.Debug("session.created", "key", key)
	return s, nil
}

// consume is the session's single consumer: one envelope at a time, FIFO.
// A failed envelope flips the state to failed, emits a log, and the next
// queued envelope proceeds.
func (t *Table) consume(s *Session) {
	defer t.wg.Done()
	for {
		select {
		case env := <-s.mailbox:
			t.run(s, env)
		case <-t.quit:
			// Shutdown: finish what is already queued. The handler
			// context is cancelled only when the drain deadline expires.
			for {
				select {
				case env := <-s.mailbox:
					t.run(s, env)
				default:
					s.SetState(StateEnded)
					return
				}
			}
		}
	}
}

func (t *Table) run(s *Session, env Envelope) {
	s.noteQueued(-1)
	s.SetState(StateRunning)
	err := t.handler(t.ctx, s, env)
	s.noteDone(err)
	if err != nil {
		t.logger.Error("session.run_failed", "key", s.key, "error", err)
	}
}

// Get returns the live session for a key, if any.
func (t *Table) Get(key Key) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[key]
	return s, ok
}

// List snapshots every session in map order; callers sort for display.
func (t *Table) List() []Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Info, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s.info())
	}
	return out
}

// End removes a session from the table. In-flight work finishes; later
// submissions for the key create a fresh session.
func (t *Table) End(key Key) {
	t.mu.Lock()
	if s, ok := t.sessions[key]; ok {
		s.SetState(StateEnded)
		delete(t.sessions, key)
	}
	t.mu.Unlock()
}

// Shutdown stops accepting work and drains in-flight and queued runs until
// ctx expires; only then are the remaining handlers cancelled.
func (t *Table) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	close(t.quit)

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		t.cancel()
		return nil
	case <-ctx.Done():
		// Drain deadline missed: force-cancel whatever is still running.
		t.cancel()
		return ctx.Err()
	}
}
