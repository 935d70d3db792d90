// Package nodes is the companion-node side of the node RPC surface: a
// command mux that serves node.invoke frames, plus payload helpers for
// media capture results.
package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/epiloop/epiloop/pkg/protocol"
)

// HandlerFunc serves one node command. The returned value is marshalled
// into the reply payload.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Node dispatches invoke frames to registered command handlers.
type Node struct {
	name   string
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// New creates a node runtime with no commands registered.
func New(name string, logger *slog.Logger) *Node {
	if logger == nil {
		logger = slog.Default()
	}
	return &Node{name: name, logger: logger, handlers: make(map[string]HandlerFunc)}
}

// Handle registers a command handler, replacing any previous one.
func (n *Node) Handle(command string, h HandlerFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[command] = h
}

// Commands lists the registered command names.
func (n *Node) Commands() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, 0, len(n.handlers))
	for c := range n.handlers {
		out = append(out, c)
	}
	return out
}

// Invoke serves one invoke frame, honoring its timeout. Structured errors
// keep their code on the wire; anything else becomes a generic node-rpc
// failure.
func (n *Node) Invoke(ctx context.Context, inv protocol.NodeInvoke) protocol.NodeReply {
	n.mu.RLock()
	h := n.handlers[inv.Command]
	n.mu.RUnlock()
	if h == nil {
		return errorReply(protocol.CodeNodeBackgroundUnavailable,
			fmt.Sprintf("node %s does not support %s", n.name, inv.Command))
	}

	if inv.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(inv.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	result, err := h(ctx, inv.Params)
	if err != nil {
		var perr *protocol.Error
		if errors.As(err, &perr) {
			return errorReply(perr.Code, perr.Message)
		}
		return errorReply("", err.Error())
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return errorReply("", "payload serialization failed")
	}
	return protocol.NodeReply{OK: true, Payload: payload}
}

func errorReply(code, reason string) protocol.NodeReply {
	return protocol.NodeReply{OK: false, Error: &protocol.ErrorPayload{Code: code, Reason: reason}}
}
