package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/epiloop/epiloop/internal/chunker"
	"github.com/epiloop/epiloop/pkg/protocol"
)

type captureDeliverer struct {
	mu    sync.Mutex
	sent  []protocol.Deliver
	failN int
	block chan struct{}
}

func (c *captureDeliverer) deliver(ctx context.Context, d protocol.Deliver) error {
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failN > 0 {
		c.failN--
		return errors.New("transient send failure")
	}
	c.sent = append(c.sent, d)
	return nil
}

func (c *captureDeliverer) deliveries() []protocol.Deliver {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Deliver, len(c.sent))
	copy(out, c.sent)
	return out
}

func baseDeliver() protocol.Deliver {
	return protocol.Deliver{
		Channel:    "telegram",
		Peer:       protocol.Peer{Kind: "user", ID: "42"},
		SessionKey: "telegram:default:direct:42",
	}
}

func TestDispatcher_FlushesOnBoundary(t *testing.T) {
	cap := &captureDeliverer{}
	d := NewDispatcher(context.Background(), baseDeliver(), 4000, chunker.ModeLength, cap.deliver, nil)

	d.Push(Block{Text: "hello", Boundary: true})
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := cap.deliveries()
	if len(got) != 1 || len(got[0].Chunks) != 1 || got[0].Chunks[0] != "hello" {
		t.Fatalf("deliveries = %+v", got)
	}
	if got[0].SessionKey != "telegram:default:direct:42" {
		t.Errorf("session key not stamped: %+v", got[0])
	}
}

func TestDispatcher_CoalescesWhileDeliveryIsSlow(t *testing.T) {
	release := make(chan struct{})
	cap := &captureDeliverer{block: release}
	d := NewDispatcher(context.Background(), baseDeliver(), 4000, chunker.ModeLength, cap.deliver, nil)

	d.Push(Block{Text: "one", Boundary: true})
	// Give the loop a moment to enter the blocked delivery.
	time.Sleep(20 * time.Millisecond)
	d.Push(Block{Text: "two", Boundary: true})
	d.Push(Block{Text: "three", Boundary: true})
	close(release)

	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	got := cap.deliveries()
	if len(got) > 2 {
		t.Fatalf("expected coalesced deliveries, got %d: %+v", len(got), got)
	}
	all := ""
	for _, dv := range got {
		all += strings.Join(dv.Chunks, "\n") + "\n"
	}
	for _, want := range []string{"one", "two", "three"} {
		if !strings.Contains(all, want) {
			t.Errorf("output lost %q:\n%s", want, all)
		}
	}
}

func TestDispatcher_ToolCallFlushesPrecedingText(t *testing.T) {
	cap := &captureDeliverer{}
	d := NewDispatcher(context.Background(), baseDeliver(), 4000, chunker.ModeLength, cap.deliver, nil)

	d.Push(Block{Text: "checking the weather"})
	d.Push(Block{ToolCall: "weather.lookup"})
	time.Sleep(50 * time.Millisecond)

	got := cap.deliveries()
	if len(got) != 1 {
		t.Fatalf("tool call should flush buffered text, deliveries = %+v", got)
	}
	if got[0].Chunks[0] != "checking the weather" {
		t.Errorf("chunk = %q", got[0].Chunks[0])
	}
	d.Close()
}

func TestDispatcher_ChunksLongOutput(t *testing.T) {
	cap := &captureDeliverer{}
	d := NewDispatcher(context.Background(), baseDeliver(), 50, chunker.ModeLength, cap.deliver, nil)

	d.Push(Block{Text: strings.Repeat("word ", 40), Boundary: true})
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := cap.deliveries()
	if len(got) != 1 {
		t.Fatalf("deliveries = %d", len(got))
	}
	if len(got[0].Chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(got[0].Chunks))
	}
	for i, c := range got[0].Chunks {
		if len([]rune(c)) > 50 {
			t.Errorf("chunk %d over limit: %d", i, len([]rune(c)))
		}
	}
}

func TestDispatcher_RetriesTransientFailures(t *testing.T) {
	cap := &captureDeliverer{failN: 2}
	d := NewDispatcher(context.Background(), baseDeliver(), 4000, chunker.ModeLength, cap.deliver, nil)

	d.Push(Block{Text: "persistent", Boundary: true})
	if err := d.Close(); err != nil {
		t.Fatalf("Close should succeed after retries: %v", err)
	}
	if got := cap.deliveries(); len(got) != 1 {
		t.Fatalf("deliveries = %+v", got)
	}
}

func TestDispatcher_ReportsExhaustedRetries(t *testing.T) {
	cap := &captureDeliverer{failN: 10}
	d := NewDispatcher(context.Background(), baseDeliver(), 4000, chunker.ModeLength, cap.deliver, nil)

	d.Push(Block{Text: "doomed", Boundary: true})
	err := d.Close()
	if err == nil {
		t.Fatal("Close must surface the delivery failure")
	}
	var perr *protocol.Error
	if !errors.As(err, &perr) || perr.Code != protocol.CodeDeliveryFailed {
		t.Errorf("error = %v", err)
	}
}

func TestDispatcher_CloseFlushesUnboundedTail(t *testing.T) {
	cap := &captureDeliverer{}
	d := NewDispatcher(context.Background(), baseDeliver(), 4000, chunker.ModeLength, cap.deliver, nil)

	// No boundary ever arrives; Close still drains.
	d.Push(Block{Text: "tail without boundary"})
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	got := cap.deliveries()
	if len(got) != 1 || got[0].Chunks[0] != "tail without boundary" {
		t.Errorf("deliveries = %+v", got)
	}
}
