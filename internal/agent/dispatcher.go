package agent

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/epiloop/epiloop/internal/chunker"
	"github.com/epiloop/epiloop/pkg/protocol"
)

// DeliverFunc hands one outbound reply to the owning channel plugin.
type DeliverFunc func(ctx context.Context, d protocol.Deliver) error

// deliveryRetries bounds the local-recovery retry loop for one flush.
const deliveryRetries = 3

// Dispatcher buffers runner blocks and turns them into chunked deliveries.
//
// Blocks accumulate until a boundary (paragraph end or tool call), then the
// buffered text is chunked and delivered on a dedicated goroutine. While a
// delivery is in flight further boundaries coalesce into one batched flush,
// so a slow channel throttles message count instead of dropping output.
// Tool-call blocks always flush first: tool activity is never mixed into a
// user-visible message.
type Dispatcher struct {
	base    protocol.Deliver
	limit   int
	mode    chunker.Mode
	deliver DeliverFunc
	logger  *slog.Logger

	mu      sync.Mutex
	pending []string
	errs    []error

	signal chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// NewDispatcher starts a dispatcher for one run. base carries the routing
// coordinates (channel, account, peer, session key) stamped on every
// delivery.
func NewDispatcher(ctx context.Context, base protocol.Deliver, limit int, mode chunker.Mode, deliver DeliverFunc, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	dctx, cancel := context.WithCancel(ctx)
	d := &Dispatcher{
		base:    base,
		limit:   limit,
		mode:    mode,
		deliver: deliver,
		logger:  logger,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		ctx:     dctx,
		cancel:  cancel,
	}
	go d.loop()
	return d
}

// Push accepts one runner block. Safe to call until Close returns.
func (d *Dispatcher) Push(b Block) {
	d.mu.Lock()
	if b.ToolCall != "" {
		// Flush what the user should see before the tool runs.
		d.mu.Unlock()
		d.wake()
		return
	}
	if b.Text != "" {
		d.pending = append(d.pending, b.Text)
	}
	boundary := b.Boundary
	d.mu.Unlock()
	if boundary {
		d.wake()
	}
}

func (d *Dispatcher) wake() {
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

// Close flushes remaining output, waits for in-flight deliveries, and
// returns the first delivery error (the run itself is unaffected; callers
// report it upstream).
func (d *Dispatcher) Close() error {
	d.wake()
	d.cancel()
	<-d.done
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.errs) > 0 {
		return d.errs[0]
	}
	return nil
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		select {
		case <-d.signal:
			d.flush(d.ctx)
		case <-d.ctx.Done():
			// Final drain; delivery gets its own grace window because the
			// run context is already cancelled at this point.
			fctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			d.flush(fctx)
			cancel()
			return
		}
	}
}

// flush delivers everything buffered so far as one batched message.
func (d *Dispatcher) flush(ctx context.Context) {
	d.mu.Lock()
	if len(d.pending) == 0 {
		d.mu.Unlock()
		return
	}
	text := strings.Join(d.pending, "\n\n")
	d.pending = d.pending[:0]
	d.mu.Unlock()

	chunks := chunker.ChunkMarkdown(text, d.limit)
	if d.mode == chunker.ModeNewline {
		chunks = chunker.Chunk(text, d.limit, chunker.ModeNewline)
	}
	if len(chunks) == 0 {
		return
	}

	out := d.base
	out.Chunks = chunks
	if err := d.deliverWithRetry(ctx, out); err != nil {
		d.logger.Error("delivery.failed",
			"channel", out.Channel,
			"sessionKey", out.SessionKey,
			"chunks", len(chunks),
			"error", err)
		d.mu.Lock()
		d.errs = append(d.errs, protocol.WrapError(protocol.KindDelivery, protocol.CodeDeliveryFailed, "", err))
		d.mu.Unlock()
	}
}

// deliverWithRetry retries transient delivery failures with bounded
// exponential backoff before giving up.
func (d *Dispatcher) deliverWithRetry(ctx context.Context, out protocol.Deliver) error {
	backoff := 250 * time.Millisecond
	var err error
	for attempt := 0; attempt < deliveryRetries; attempt++ {
		if err = d.deliver(ctx, out); err == nil {
			return nil
		}
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return err
		}
	}
	return err
}
