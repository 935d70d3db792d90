package gateway

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/epiloop/epiloop/pkg/protocol"
)

// Invoke timeout bounds. Video clips and screen recordings are capped at
// 60 seconds regardless of what the caller asks for.
const (
	defaultInvokeTimeout = 30 * time.Second
	maxInvokeTimeout     = 5 * time.Minute
	maxRecordingTimeout  = 60 * time.Second
)

// NodeInfo describes one connected companion node.
type NodeInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Remote    string    `json:"remote,omitempty"`
	Paired    bool      `json:"paired"`
	Connected time.Time `json:"connected"`
	Caps      []string  `json:"caps,omitempty"`
}

// nodeConn is the registry's handle on a node's connection.
type nodeConn struct {
	info NodeInfo
	send func(protocol.Frame) error
}

// pendingInvoke is one awaited reply, remembered with the node it was
// sent to so a disconnect can fail it.
type pendingInvoke struct {
	node string
	ch   chan protocol.NodeReply
}

// NodeRegistry tracks connected nodes and correlates invoke round trips.
type NodeRegistry struct {
	mu      sync.Mutex
	nodes   map[string]*nodeConn     // by node id
	pending map[string]pendingInvoke // by frame id
}

// NewNodeRegistry creates an empty registry.
func NewNodeRegistry() *NodeRegistry {
	return &NodeRegistry{
		nodes:   make(map[string]*nodeConn),
		pending: make(map[string]pendingInvoke),
	}
}

// Register adds a connected node. send must be safe for concurrent use.
func (r *NodeRegistry) Register(info NodeInfo, send func(protocol.Frame) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[info.ID] = &nodeConn{info: info, send: send}
}

// Unregister removes a node and fails its in-flight invokes.
func (r *NodeRegistry) Unregister(nodeID string) {
	r.mu.Lock()
	var orphaned []chan protocol.NodeReply
	delete(r.nodes, nodeID)
	for id, p := range r.pending {
		if p.node == nodeID {
			delete(r.pending, id)
			orphaned = append(orphaned, p.ch)
		}
	}
	r.mu.Unlock()
	for _, ch := range orphaned {
		ch <- protocol.NodeReply{OK: false, Error: &protocol.ErrorPayload{
			Code:   protocol.CodeNodeUnavailable,
			Reason: "node disconnected before replying",
		}}
	}
}

// List returns connected nodes sorted by name then id.
func (r *NodeRegistry) List() []NodeInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]NodeInfo, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n.info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// find matches a node by id, name or remote IP.
func (r *NodeRegistry) find(selector string) *nodeConn {
	if n, ok := r.nodes[selector]; ok {
		return n
	}
	sel := strings.ToLower(selector)
	for _, n := range r.nodes {
		if strings.ToLower(n.info.Name) == sel {
			return n
		}
		if host := n.info.Remote; host != "" {
			if i := strings.LastIndex(host, ":"); i > 0 {
				host = host[:i]
			}
			if host == selector {
				return n
			}
		}
	}
	return nil
}

// ClampInvokeTimeout bounds a caller-requested timeout for a command.
func ClampInvokeTimeout(command string, requested time.Duration) time.Duration {
	max := maxInvokeTimeout
	switch command {
	case protocol.NodeCameraClip, protocol.NodeScreenRecord:
		max = maxRecordingTimeout
	}
	if requested <= 0 {
		if defaultInvokeTimeout > max {
			return max
		}
		return defaultInvokeTimeout
	}
	if requested > max {
		return max
	}
	return requested
}

// Invoke forwards a command to one node and waits for the correlated reply.
// Timeouts produce a structured NODE_TIMEOUT error and the node is told to
// abort the invocation.
func (r *NodeRegistry) Invoke(ctx context.Context, inv protocol.NodeInvoke) (protocol.NodeReply, error) {
	r.mu.Lock()
	node := r.find(inv.Node)
	if node == nil {
		r.mu.Unlock()
		return protocol.NodeReply{}, protocol.NewError(protocol.KindNodeRPC, protocol.CodeNodeUnavailable,
			"no connected node matches "+inv.Node)
	}

	id := uuid.NewString()
	ch := make(chan protocol.NodeReply, 1)
	r.pending[id] = pendingInvoke{node: node.info.ID, ch: ch}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}()

	timeout := ClampInvokeTimeout(inv.Command, time.Duration(inv.TimeoutMs)*time.Millisecond)
	inv.TimeoutMs = int(timeout.Milliseconds())

	if err := node.send(protocol.NewFrame(protocol.TypeNodeInvoke, id, inv)); err != nil {
		return protocol.NodeReply{}, protocol.WrapError(protocol.KindNodeRPC, protocol.CodeNodeUnavailable,
			"node send failed", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		return reply, nil
	case <-timer.C:
		// Best-effort abort so the node stops recording/capturing.
		abort, _ := json.Marshal(map[string]string{"invocation": id})
		node.send(protocol.NewFrame(protocol.TypeNodeInvoke, uuid.NewString(), protocol.NodeInvoke{
			Node:    node.info.ID,
			Command: protocol.NodeAbort,
			Params:  abort,
		}))
		return protocol.NodeReply{}, protocol.NewError(protocol.KindNodeRPC, protocol.CodeNodeTimeout,
			inv.Command+" timed out after "+timeout.String())
	case <-ctx.Done():
		return protocol.NodeReply{}, ctx.Err()
	}
}

// Resolve delivers a node's reply to the waiting invoker. Unknown ids are
// dropped: the invoker already timed out.
func (r *NodeRegistry) Resolve(frameID string, reply protocol.NodeReply) {
	r.mu.Lock()
	p, ok := r.pending[frameID]
	if ok {
		delete(r.pending, frameID)
	}
	r.mu.Unlock()
	if ok {
		p.ch <- reply
	}
}
