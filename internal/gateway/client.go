package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/epiloop/epiloop/pkg/protocol"
)

const (
	connectDeadline = 10 * time.Second
	writeDeadline   = 10 * time.Second
	pongWait        = 60 * time.Second
	pingInterval    = 30 * time.Second
	maxFrameBytes   = 8 << 20 // node snapshots and clips ride base64
	sendQueueSize   = 64
)

// Client is one authenticated WebSocket connection: operator, node or
// channel plugin.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	logger *slog.Logger
	// req is the upgrade request; the auth resolver inspects its remote
	// address and headers.
	req *http.Request

	// Set during the connect handshake.
	role       string
	authMethod string
	user       string
	paired     bool
	device     *protocol.DeviceInfo
	channel    string
	account    string

	send   chan protocol.Frame
	closed chan struct{}
	once   sync.Once

	mu    sync.Mutex
	await map[string]chan protocol.Frame
	subs  protocol.Subscription
}

// NewClient wraps an upgraded connection. Run performs the handshake.
func NewClient(conn *websocket.Conn, s *Server, req *http.Request) *Client {
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		server: s,
		req:    req,
		logger: s.logger,
		send:   make(chan protocol.Frame, sendQueueSize),
		closed: make(chan struct{}),
		await:  make(map[string]chan protocol.Frame),
	}
}

// Close tears the connection down once.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// SendFrame enqueues a frame for the write pump. Returns an error when the
// connection is gone or the queue stays full past the write deadline.
func (c *Client) SendFrame(f protocol.Frame) error {
	select {
	case c.send <- f:
		return nil
	case <-c.closed:
		return errors.New("connection closed")
	case <-time.After(writeDeadline):
		return errors.New("send queue full")
	}
}

// Request sends a frame and waits for the correlated reply (matched by
// frame ID). Used for deliveries that need an acknowledgement.
func (c *Client) Request(ctx context.Context, f protocol.Frame) (protocol.Frame, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	ch := make(chan protocol.Frame, 1)
	c.mu.Lock()
	c.await[f.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.await, f.ID)
		c.mu.Unlock()
	}()

	if err := c.SendFrame(f); err != nil {
		return protocol.Frame{}, err
	}
	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	case <-c.closed:
		return protocol.Frame{}, errors.New("connection closed")
	}
}

// resolveAwait hands a reply frame to a waiting Request, if any.
func (c *Client) resolveAwait(f protocol.Frame) bool {
	c.mu.Lock()
	ch, ok := c.await[f.ID]
	if ok {
		delete(c.await, f.ID)
	}
	c.mu.Unlock()
	if ok {
		ch <- f
	}
	return ok
}

// subscribed reports whether the client asked for events of this channel.
func (c *Client) subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subs.Channels) == 0 {
		return c.role == protocol.RoleOperator
	}
	for _, ch := range c.subs.Channels {
		if ch == channel || ch == "*" {
			return true
		}
	}
	return false
}

// Run performs the handshake and then pumps frames until the connection
// drops or the server shuts down.
func (c *Client) Run(ctx context.Context) {
	c.conn.SetReadLimit(maxFrameBytes)
	go c.writePump()

	if !c.handshake() {
		c.Close()
		return
	}
	c.server.admit(c)
	defer c.server.evict(c)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var frame protocol.Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("client.read_error", "id", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.dispatch(ctx, frame)
	}
}

// handshake reads and authorizes the mandatory first connect frame.
func (c *Client) handshake() bool {
	c.conn.SetReadDeadline(time.Now().Add(connectDeadline))

	var frame protocol.Frame
	if err := c.conn.ReadJSON(&frame); err != nil || frame.Type != protocol.TypeConnect {
		c.reject(frame.ID, protocol.CodeUnauthorized, "first frame must be connect")
		return false
	}
	var req protocol.ConnectRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		c.reject(frame.ID, protocol.CodeUnauthorized, "malformed connect payload")
		return false
	}
	if req.Protocol != 0 && req.Protocol != protocol.ProtocolVersion {
		c.reject(frame.ID, protocol.CodeUnauthorized, "unsupported protocol version")
		return false
	}
	switch req.Role {
	case protocol.RoleOperator, protocol.RoleNode, protocol.RoleChannelPlugin:
	default:
		c.reject(frame.ID, protocol.CodeUnauthorized, "unknown role")
		return false
	}

	decision := AuthorizeConnect(c.server.auth, req.Auth, c.req)
	if !decision.OK {
		c.logger.Warn("gateway.connect_rejected",
			"role", req.Role, "reason", decision.Reason, "remote", c.conn.RemoteAddr().String())
		c.reject(frame.ID, protocol.CodeUnauthorized, decision.Reason)
		return false
	}

	c.role = req.Role
	c.authMethod = decision.Method
	c.user = decision.User
	c.channel = req.Channel
	c.account = req.Account
	c.device = req.Device

	if req.Role == protocol.RoleNode {
		c.paired = c.server.nodePaired(c, req.Device)
	}

	ack := protocol.NewFrame(protocol.TypeConnected, frame.ID, protocol.Connected{
		Protocol: protocol.ProtocolVersion,
		Method:   decision.Method,
		User:     decision.User,
		Paired:   c.paired,
	})
	return c.SendFrame(ack) == nil
}

func (c *Client) reject(id, code, reason string) {
	frame := protocol.NewFrame(protocol.TypeError, id, protocol.ErrorPayload{Code: code, Reason: reason})
	data, _ := json.Marshal(frame)
	c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	c.conn.WriteMessage(websocket.TextMessage, data)
}

// dispatch routes one inbound frame by type and role.
func (c *Client) dispatch(ctx context.Context, frame protocol.Frame) {
	switch frame.Type {
	case protocol.TypeMethod:
		go c.server.router.Handle(ctx, c, frame)

	case protocol.TypeInbound:
		if c.role != protocol.RoleChannelPlugin {
			c.reject(frame.ID, protocol.CodeUnauthorized, "inbound frames require the channel-plugin role")
			return
		}
		var in protocol.Inbound
		if err := json.Unmarshal(frame.Data, &in); err != nil {
			c.reject(frame.ID, "", "malformed inbound payload")
			return
		}
		if err := c.server.SubmitInbound(ctx, in); err != nil {
			c.logger.Error("gateway.inbound_rejected", "channel", in.Channel, "error", err)
		}

	case protocol.TypeNodeReply:
		if c.role != protocol.RoleNode {
			return
		}
		var reply protocol.NodeReply
		if err := json.Unmarshal(frame.Data, &reply); err == nil {
			c.server.nodes.Resolve(frame.ID, reply)
		}

	case protocol.TypeNodeEvent:
		if c.role != protocol.RoleNode {
			return
		}
		c.server.broadcastToOperators(frame)

	case protocol.TypeEventHeartbeat, protocol.TypeEventIndicator:
		// Out-of-band events fan out to subscribed operators unordered.
		c.server.broadcastToOperators(frame)

	case protocol.TypeResult:
		if !c.resolveAwait(frame) {
			c.logger.Debug("client.orphan_result", "id", frame.ID)
		}

	case protocol.TypeSubscribe:
		var sub protocol.Subscription
		if err := json.Unmarshal(frame.Data, &sub); err == nil {
			c.mu.Lock()
			c.subs.Channels = append(c.subs.Channels, sub.Channels...)
			c.subs.Sessions = append(c.subs.Sessions, sub.Sessions...)
			c.mu.Unlock()
		}

	case protocol.TypeUnsubscribe:
		c.mu.Lock()
		c.subs = protocol.Subscription{}
		c.mu.Unlock()

	default:
		c.logger.Debug("client.unknown_frame", "type", frame.Type)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteJSON(frame); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}
