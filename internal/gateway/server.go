package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/epiloop/epiloop/internal/config"
	"github.com/epiloop/epiloop/internal/directory"
	"github.com/epiloop/epiloop/internal/sessions"
	"github.com/epiloop/epiloop/pkg/protocol"
)

// PairingAuthority answers whether a device is paired for a role and files
// new pairing requests for operator approval.
type PairingAuthority interface {
	IsPaired(deviceID, role string) bool
	Request(device protocol.DeviceInfo, roles []string) (code string, err error)
}

// SenderGate screens inbound channel messages from unknown senders.
// Challenge returns the reply posted back to the originating chat.
type SenderGate interface {
	Allowed(channel, senderID string) bool
	Challenge(channel, senderID string) (string, error)
}

// Server is the gateway: one TCP listener multiplexing WebSocket clients,
// the health endpoint and optional HTTP surfaces, over TLS when configured.
type Server struct {
	cfg    *config.Config
	auth   ResolvedAuth
	table  *sessions.Table
	nodes  *NodeRegistry
	router *MethodRouter
	logger *slog.Logger

	pairing     PairingAuthority
	senderGate  SenderGate
	chatHandler http.Handler
	directory   *directory.Resolver
	// localDeliver hands a delivery to an in-process plugin channel.
	// Returns handled=false when no local channel serves it.
	localDeliver func(ctx context.Context, d protocol.Deliver) (handled bool, err error)
	// retract withdraws discovery advertisements; runs first on shutdown.
	retract func(context.Context)
	// tailnetAddr resolves the tailnet IPv4 for bind=tailnet.
	tailnetAddr func(context.Context) (string, error)

	upgrader    websocket.Upgrader
	rateLimiter *RateLimiter

	mu      sync.RWMutex
	clients map[string]*Client
	// plugins maps "<channel>" and "<channel>/<account>" to the serving
	// plugin connection.
	plugins map[string]*Client

	httpServer *http.Server
	mux        *http.ServeMux
	started    time.Time
}

// NewServer wires the gateway around a session table.
func NewServer(cfg *config.Config, table *sessions.Table, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	auth := ResolveGatewayAuth(cfg)
	if err := auth.AssertConfigured(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:         cfg,
		auth:        auth,
		table:       table,
		nodes:       NewNodeRegistry(),
		logger:      logger,
		rateLimiter: NewRateLimiter(cfg.Gateway.RateLimitRPM, 5),
		clients:     make(map[string]*Client),
		plugins:     make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Non-browser clients only; the CLI and plugins send no Origin.
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	s.router = NewMethodRouter(s)
	return s, nil
}

// Nodes exposes the node registry to method handlers and the CLI surface.
func (s *Server) Nodes() *NodeRegistry { return s.nodes }

// Router exposes the method router so subsystems can register handlers.
func (s *Server) Router() *MethodRouter { return s.router }

// SetPairing installs the pairing authority consulted on node connects.
func (s *Server) SetPairing(p PairingAuthority) { s.pairing = p }

// SetSenderGate installs the first-contact screen for inbound messages.
func (s *Server) SetSenderGate(g SenderGate) { s.senderGate = g }

// SetDirectory installs the target resolver used by the send method.
func (s *Server) SetDirectory(d *directory.Resolver) { s.directory = d }

// SetLocalDeliver installs the in-process channel bridge, consulted before
// any connected channel-plugin client.
func (s *Server) SetLocalDeliver(fn func(ctx context.Context, d protocol.Deliver) (bool, error)) {
	s.localDeliver = fn
}

// SetChatCompletions mounts the OpenAI-compatible endpoint.
func (s *Server) SetChatCompletions(h http.Handler) { s.chatHandler = h }

// SetRetract installs the discovery retraction hook run before shutdown.
func (s *Server) SetRetract(fn func(context.Context)) { s.retract = fn }

// SetTailnetAddr installs the tailnet IPv4 resolver for bind=tailnet.
func (s *Server) SetTailnetAddr(fn func(context.Context) (string, error)) { s.tailnetAddr = fn }

// BuildMux registers all HTTP routes once and caches the mux.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	if s.chatHandler != nil && s.cfg.Gateway.HTTP.ChatCompletions {
		mux.Handle("/v1/chat/completions", s.chatHandler)
	}
	s.mux = mux
	return mux
}

// bindHost picks the listen host for the configured bind mode.
func (s *Server) bindHost(ctx context.Context) (string, error) {
	switch s.cfg.Gateway.Bind {
	case config.BindAll:
		return "0.0.0.0", nil
	case config.BindTailnet:
		if s.tailnetAddr == nil {
			return "", protocol.NewError(protocol.KindConfig, "", "bind is \"tailnet\" but no tailnet is available")
		}
		return s.tailnetAddr(ctx)
	default:
		return "127.0.0.1", nil
	}
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()
	host, err := s.bindHost(ctx)
	if err != nil {
		return err
	}
	addr := fmt.Sprintf("%s:%d", host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	s.started = time.Now()

	tls := s.cfg.Gateway.TLS
	s.logger.Info("gateway.starting", "addr", addr, "tls", tls.Enabled, "authMode", s.auth.Mode)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		s.Shutdown(shutdownCtx)
	}()

	if tls.Enabled {
		err = s.httpServer.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
	} else {
		err = s.httpServer.ListenAndServe()
	}
	if err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// Shutdown retracts discovery, stops accepting, drains in-flight runs up to
// the deadline, then force-closes remaining connections.
func (s *Server) Shutdown(ctx context.Context) {
	if s.retract != nil {
		s.retract(ctx)
	}
	if s.httpServer != nil {
		s.httpServer.Shutdown(ctx)
	}
	if err := s.table.Shutdown(ctx); err != nil {
		s.logger.Warn("gateway.drain_incomplete", "error", err)
	}

	s.mu.Lock()
	remaining := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		remaining = append(remaining, c)
	}
	s.mu.Unlock()
	for _, c := range remaining {
		c.Close()
	}
	s.logger.Info("gateway.stopped")
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.rateLimiter.Allow(r.RemoteAddr) {
		s.logger.Warn("gateway.rate_limited", "remote", r.RemoteAddr)
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("gateway.upgrade_failed", "error", err)
		return
	}
	client := NewClient(conn, s, r)
	defer client.Close()
	client.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

// admit registers an authenticated client after the handshake.
func (s *Server) admit(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	if c.role == protocol.RoleChannelPlugin && c.channel != "" {
		s.plugins[c.channel] = c
		if c.account != "" {
			s.plugins[c.channel+"/"+c.account] = c
		}
	}
	s.mu.Unlock()

	if c.role == protocol.RoleNode && c.device != nil {
		s.nodes.Register(NodeInfo{
			ID:        c.device.ID,
			Name:      c.device.Name,
			Remote:    c.conn.RemoteAddr().String(),
			Paired:    c.paired,
			Connected: time.Now(),
		}, c.SendFrame)
	}
	s.logger.Info("gateway.client_connected", "id", c.id, "role", c.role, "method", c.authMethod)
}

func (s *Server) evict(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	if c.role == protocol.RoleChannelPlugin && c.channel != "" {
		if s.plugins[c.channel] == c {
			delete(s.plugins, c.channel)
		}
		if c.account != "" && s.plugins[c.channel+"/"+c.account] == c {
			delete(s.plugins, c.channel+"/"+c.account)
		}
	}
	s.mu.Unlock()

	if c.role == protocol.RoleNode && c.device != nil {
		s.nodes.Unregister(c.device.ID)
	}
	s.logger.Info("gateway.client_disconnected", "id", c.id, "role", c.role)
}

// nodePaired checks the device's pairing record; unpaired devices get a
// pending request filed and operators are notified.
func (s *Server) nodePaired(c *Client, device *protocol.DeviceInfo) bool {
	if device == nil || s.pairing == nil {
		return false
	}
	if s.pairing.IsPaired(device.ID, "node") {
		return true
	}
	code, err := s.pairing.Request(*device, []string{"node"})
	if err != nil {
		s.logger.Error("pairing.request_failed", "device", device.ID, "error", err)
		return false
	}
	s.logger.Info("pairing.requested", "device", device.ID, "code", code)
	s.broadcastToOperators(protocol.NewFrame(protocol.TypePairRequest, "", protocol.PairRequest{
		Device: *device,
		Roles:  []string{"node"},
		Code:   code,
	}))
	return false
}

// SubmitInbound keys an inbound event and queues it on its session.
// Unknown senders never reach a session: they get the pairing challenge
// posted back to the originating chat instead.
func (s *Server) SubmitInbound(ctx context.Context, in protocol.Inbound) error {
	if s.senderGate != nil && !s.senderGate.Allowed(in.Channel, in.Peer.ID) {
		reply, err := s.senderGate.Challenge(in.Channel, in.Peer.ID)
		if err != nil {
			return err
		}
		s.logger.Info("pairing.challenged", "channel", in.Channel, "sender", in.Peer.ID)
		return s.Deliver(ctx, protocol.Deliver{
			Channel: in.Channel,
			Account: in.Account,
			Peer:    in.Peer,
			Chunks:  []string{reply},
		})
	}
	key := sessions.Derive(in.Channel, in.Account, sessions.PeerKind(in.Peer.Kind), in.Peer.ID, in.Thread)
	return s.table.Submit(ctx, sessions.Envelope{Key: key, Inbound: in, Received: time.Now()})
}

// Deliver routes a chunked reply to the channel plugin serving the
// conversation and waits for its acknowledgement.
func (s *Server) Deliver(ctx context.Context, d protocol.Deliver) error {
	if s.localDeliver != nil {
		if handled, err := s.localDeliver(ctx, d); handled {
			return err
		}
	}
	s.mu.RLock()
	plugin := s.plugins[d.Channel+"/"+d.Account]
	if plugin == nil {
		plugin = s.plugins[d.Channel]
	}
	s.mu.RUnlock()
	if plugin == nil {
		return protocol.NewError(protocol.KindDelivery, protocol.CodeDeliveryFailed,
			"no connected plugin serves channel "+d.Channel)
	}

	reply, err := plugin.Request(ctx, protocol.NewFrame(protocol.TypeDeliver, "", d))
	if err != nil {
		return protocol.WrapError(protocol.KindDelivery, protocol.CodeDeliveryFailed, "deliver send failed", err)
	}
	var res protocol.MethodResult
	if err := json.Unmarshal(reply.Data, &res); err != nil {
		return protocol.WrapError(protocol.KindDelivery, protocol.CodeDeliveryFailed, "malformed deliver ack", err)
	}
	if !res.OK {
		msg := "delivery rejected by plugin"
		if res.Error != nil && res.Error.Reason != "" {
			msg = res.Error.Reason
		}
		return protocol.NewError(protocol.KindDelivery, protocol.CodeDeliveryFailed, msg)
	}
	return nil
}

// Broadcast fans an event frame out to subscribed operators. Heartbeat
// and indicator emitters publish through here.
func (s *Server) Broadcast(frame protocol.Frame) { s.broadcastToOperators(frame) }

// broadcastToOperators fans a frame out to every subscribed operator.
func (s *Server) broadcastToOperators(frame protocol.Frame) {
	// Events may carry a channel for subscription filtering.
	channel := ""
	var probe struct {
		Channel string `json:"channel"`
	}
	if json.Unmarshal(frame.Data, &probe) == nil {
		channel = probe.Channel
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		if c.role != protocol.RoleOperator {
			continue
		}
		if channel != "" && !c.subscribed(channel) {
			continue
		}
		if err := c.SendFrame(frame); err != nil {
			s.logger.Debug("gateway.broadcast_drop", "id", c.id, "error", err)
		}
	}
}

// WaitIdle polls the session until its run settles (idle, failed or
// ended), returning the settled state. A session that never existed is
// already settled.
func (s *Server) WaitIdle(ctx context.Context, key sessions.Key, timeout time.Duration) (string, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()

	for {
		sess, ok := s.table.Get(key)
		if !ok {
			return string(sessions.StateIdle), nil
		}
		switch st := sess.State(); st {
		case sessions.StateIdle, sessions.StateFailed, sessions.StateEnded:
			return string(st), nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", protocol.NewError(protocol.KindRunner, "", "session did not settle within the wait timeout")
		case <-tick.C:
		}
	}
}

// Uptime reports how long the listener has been up.
func (s *Server) Uptime() time.Duration {
	if s.started.IsZero() {
		return 0
	}
	return time.Since(s.started)
}

// clientCounts tallies connected clients by role for status output.
func (s *Server) clientCounts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, 3)
	for _, c := range s.clients {
		out[c.role]++
	}
	return out
}
