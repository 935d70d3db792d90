package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/epiloop/epiloop/internal/chunker"
	"github.com/epiloop/epiloop/internal/directory"
	"github.com/epiloop/epiloop/internal/sessions"
	"github.com/epiloop/epiloop/pkg/protocol"
)

// MethodHandler serves one operator RPC method.
type MethodHandler func(ctx context.Context, c *Client, params json.RawMessage) (any, error)

// MethodRouter dispatches MethodCall frames to registered handlers.
// Subsystems (plugins, pairing, cron) register their methods at startup.
type MethodRouter struct {
	server *Server

	mu       sync.RWMutex
	handlers map[string]MethodHandler
}

// NewMethodRouter creates the router with the core gateway methods bound.
func NewMethodRouter(s *Server) *MethodRouter {
	r := &MethodRouter{
		server:   s,
		handlers: make(map[string]MethodHandler),
	}
	r.Register(protocol.MethodHealth, r.handleHealth)
	r.Register(protocol.MethodStatus, r.handleStatus)
	r.Register(protocol.MethodSessionsList, r.handleSessionsList)
	r.Register(protocol.MethodNodesList, r.handleNodesList)
	r.Register(protocol.MethodNodesInvoke, r.handleNodesInvoke)
	r.Register(protocol.MethodSend, r.handleSend)
	return r
}

// Register binds a handler to a method name, replacing any previous one.
func (r *MethodRouter) Register(name string, h MethodHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Handle serves one method frame and sends the correlated result.
func (r *MethodRouter) Handle(ctx context.Context, c *Client, frame protocol.Frame) {
	var call protocol.MethodCall
	if err := json.Unmarshal(frame.Data, &call); err != nil {
		r.reply(c, frame.ID, nil, protocol.NewError(protocol.KindConfig, "", "malformed method payload"))
		return
	}

	r.mu.RLock()
	h, ok := r.handlers[call.Method]
	r.mu.RUnlock()
	if !ok {
		r.reply(c, frame.ID, nil, protocol.NewError(protocol.KindConfig, "", "unknown method "+call.Method))
		return
	}

	res, err := h(ctx, c, call.Params)
	r.reply(c, frame.ID, res, err)
}

func (r *MethodRouter) reply(c *Client, id string, res any, err error) {
	out := protocol.MethodResult{OK: err == nil}
	if err != nil {
		payload := &protocol.ErrorPayload{Reason: err.Error()}
		var perr *protocol.Error
		if errors.As(err, &perr) {
			payload.Code = perr.Code
			payload.Reason = perr.Message
		}
		out.Error = payload
	} else if res != nil {
		data, merr := json.Marshal(res)
		if merr != nil {
			out.OK = false
			out.Error = &protocol.ErrorPayload{Reason: "result serialization failed"}
		} else {
			out.Result = data
		}
	}
	if serr := c.SendFrame(protocol.NewFrame(protocol.TypeResult, id, out)); serr != nil {
		r.server.logger.Debug("gateway.result_drop", "id", id, "error", serr)
	}
}

func (r *MethodRouter) handleHealth(ctx context.Context, c *Client, params json.RawMessage) (any, error) {
	return map[string]any{"status": "ok", "protocol": protocol.ProtocolVersion}, nil
}

func (r *MethodRouter) handleStatus(ctx context.Context, c *Client, params json.RawMessage) (any, error) {
	s := r.server
	return map[string]any{
		"displayName": s.cfg.Gateway.DisplayName,
		"port":        s.cfg.Gateway.Port,
		"protocol":    protocol.ProtocolVersion,
		"uptimeSec":   int(s.Uptime().Seconds()),
		"clients":     s.clientCounts(),
		"sessions":    len(s.table.List()),
	}, nil
}

func (r *MethodRouter) handleSessionsList(ctx context.Context, c *Client, params json.RawMessage) (any, error) {
	return map[string]any{"sessions": r.server.table.List()}, nil
}

func (r *MethodRouter) handleNodesList(ctx context.Context, c *Client, params json.RawMessage) (any, error) {
	return map[string]any{"nodes": r.server.nodes.List()}, nil
}

func (r *MethodRouter) handleNodesInvoke(ctx context.Context, c *Client, params json.RawMessage) (any, error) {
	var inv protocol.NodeInvoke
	if err := json.Unmarshal(params, &inv); err != nil {
		return nil, protocol.NewError(protocol.KindNodeRPC, "", "malformed invoke params")
	}
	reply, err := r.server.nodes.Invoke(ctx, inv)
	if err != nil {
		return nil, err
	}
	if !reply.OK && reply.Error != nil {
		return nil, protocol.NewError(protocol.KindNodeRPC, reply.Error.Code, reply.Error.Reason)
	}
	return reply.Payload, nil
}

// sendParams is the payload of the "send" method (message send ... in the CLI).
type sendParams struct {
	Channel   string `json:"channel"`
	Account   string `json:"account,omitempty"`
	Target    string `json:"target"`
	Kind      string `json:"kind,omitempty"`
	Message   string `json:"message"`
	Ambiguous string `json:"resolveAmbiguous,omitempty"`
}

// handleSend resolves the target and delivers a direct (non-agent) message.
func (r *MethodRouter) handleSend(ctx context.Context, c *Client, params json.RawMessage) (any, error) {
	var p sendParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.NewError(protocol.KindDelivery, "", "malformed send params")
	}
	if p.Channel == "" || p.Target == "" || p.Message == "" {
		return nil, protocol.NewError(protocol.KindDelivery, "", "channel, target and message are required")
	}

	s := r.server
	target := p.Target
	kind := p.Kind
	display := ""
	if s.directory != nil {
		res, err := s.directory.Resolve(ctx, directory.Request{
			Channel:   p.Channel,
			AccountID: p.Account,
			Input:     p.Target,
			Kind:      directory.Kind(p.Kind),
			Ambiguous: directory.AmbiguousPolicy(p.Ambiguous),
		})
		if err != nil {
			return nil, err
		}
		target = res.Target
		display = res.Display
		if res.Kind != "" {
			kind = string(res.Kind)
		}
	}
	if kind == "" {
		kind = "user"
	}

	limit := chunker.ResolveLimit(s.cfg, p.Channel, p.Account, 0)
	mode := chunker.ResolveMode(s.cfg, p.Channel)
	chunks := chunker.Chunk(p.Message, limit, mode)
	if len(chunks) == 0 {
		return nil, protocol.NewError(protocol.KindDelivery, "", "message is empty after chunking")
	}

	key := sessions.Derive(p.Channel, p.Account, sessions.PeerKind(kind), target, "")
	err := s.Deliver(ctx, protocol.Deliver{
		Channel:    p.Channel,
		Account:    p.Account,
		Peer:       protocol.Peer{Kind: kind, ID: target},
		SessionKey: string(key),
		Chunks:     chunks,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"target": target, "display": display, "chunks": len(chunks)}, nil
}
