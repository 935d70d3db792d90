// Package protocol defines the wire format shared by the gateway and its
// clients: operators, companion nodes, and channel plugins all speak the same
// JSON frame envelope over a single WebSocket.
package protocol

import "encoding/json"

// ProtocolVersion is bumped on every incompatible frame change.
const ProtocolVersion = 3

// Frame types carried in the envelope "type" field.
const (
	TypeConnect     = "connect"
	TypeConnected   = "connected"
	TypeError       = "error"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"

	TypeInbound = "inbound"
	TypeDeliver = "deliver"

	TypeNodeInvoke = "node.invoke"
	TypeNodeReply  = "node.reply"
	TypeNodeEvent  = "node.event"

	TypeEventIndicator = "event.indicator"
	TypeEventHeartbeat = "event.heartbeat"

	TypePairRequest = "pair.request"
	TypePairApprove = "pair.approve"
	TypePairReject  = "pair.reject"

	TypeMethod = "method"
	TypeResult = "result"
)

// Client roles declared in the connect handshake.
const (
	RoleOperator      = "operator"
	RoleNode          = "node"
	RoleChannelPlugin = "channel-plugin"
)

// Frame is the envelope for every message on the wire. Data holds the
// type-specific payload; ID correlates requests with replies.
type Frame struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals payload into a Frame. Marshal errors are impossible for
// the payload structs in this package, so they are swallowed.
func NewFrame(typ, id string, payload any) Frame {
	data, _ := json.Marshal(payload)
	return Frame{Type: typ, ID: id, Data: data}
}

// ConnectRequest is sent by every client as its first frame.
type ConnectRequest struct {
	Role     string       `json:"role"`
	Protocol int          `json:"protocol,omitempty"`
	Auth     *AuthPayload `json:"auth,omitempty"`
	Device   *DeviceInfo  `json:"device,omitempty"`
	// Channel plugins announce which channel they serve.
	Channel string `json:"channel,omitempty"`
	Account string `json:"account,omitempty"`
}

// AuthPayload carries the client's credential material.
type AuthPayload struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

// DeviceInfo identifies a companion node for pairing.
type DeviceInfo struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Connected acknowledges a successful connect.
type Connected struct {
	Protocol int    `json:"protocol"`
	Method   string `json:"method"`         // auth method: none|token|password|tailscale|device-token
	User     string `json:"user,omitempty"` // tailscale login when method=tailscale
	Paired   bool   `json:"paired,omitempty"`
}

// ErrorPayload rejects a frame or a connect attempt.
type ErrorPayload struct {
	Code   string `json:"code"`
	Reason string `json:"reason,omitempty"`
}

// Subscription names channels or sessions a client wants events for.
type Subscription struct {
	Channels []string `json:"channels,omitempty"`
	Sessions []string `json:"sessions,omitempty"`
}

// Peer identifies the remote side of a conversation.
type Peer struct {
	Kind string `json:"kind"` // user|group|channel
	ID   string `json:"id"`
}

// Inbound is a normalized message forwarded by a channel plugin.
type Inbound struct {
	Channel     string       `json:"channel"`
	Account     string       `json:"account,omitempty"`
	Peer        Peer         `json:"peer"`
	Thread      string       `json:"thread,omitempty"`
	SenderID    string       `json:"senderId,omitempty"`
	SenderName  string       `json:"senderName,omitempty"`
	Body        string       `json:"body"`
	Attachments []Attachment `json:"attachments,omitempty"`
	MessageID   string       `json:"messageId,omitempty"`
}

// Attachment references inbound or outbound media. Payloads are base64.
type Attachment struct {
	ContentType string `json:"contentType,omitempty"`
	Data        string `json:"data,omitempty"` // base64
	URL         string `json:"url,omitempty"`
	Name        string `json:"name,omitempty"`
}

// Deliver carries a chunked reply from the hub to a channel plugin.
type Deliver struct {
	Channel     string       `json:"channel"`
	Account     string       `json:"account,omitempty"`
	Peer        Peer         `json:"peer"`
	Thread      string       `json:"thread,omitempty"`
	SessionKey  string       `json:"sessionKey"`
	Chunks      []string     `json:"chunks"`
	Attachments []Attachment `json:"attachments,omitempty"`
	// ReplyTo hints how the plugin should anchor the reply in a group:
	// "mention", "quote" or "none".
	ReplyTo   string `json:"replyTo,omitempty"`
	ReplyToID string `json:"replyToId,omitempty"`
	Indicator bool   `json:"indicator,omitempty"`
}

// NodeInvoke asks a specific node to run a peripheral command.
type NodeInvoke struct {
	// Node selector: any of id, name or IP.
	Node      string          `json:"node"`
	Command   string          `json:"command"` // e.g. canvas.snapshot, camera.snap
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMs int             `json:"timeoutMs,omitempty"`
}

// NodeReply answers a NodeInvoke, correlated by frame ID.
type NodeReply struct {
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorPayload   `json:"error,omitempty"`
}

// NodeEvent is an unsolicited event from a node (battery, location, ...).
type NodeEvent struct {
	Node    string          `json:"node"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Indicator is an out-of-band typing/processing signal.
type Indicator struct {
	Channel    string `json:"channel"`
	Account    string `json:"account,omitempty"`
	Peer       Peer   `json:"peer"`
	SessionKey string `json:"sessionKey,omitempty"`
	State      string `json:"state"` // typing|processing|idle
}

// Heartbeat is an out-of-band liveness event, never a user-visible reply.
type Heartbeat struct {
	Channel string `json:"channel,omitempty"`
	Account string `json:"account,omitempty"`
	Status  string `json:"status"` // ok|alert
	Detail  string `json:"detail,omitempty"`
}

// PairRequest asks the operator to approve a device.
type PairRequest struct {
	Device DeviceInfo `json:"device"`
	Roles  []string   `json:"roles,omitempty"`
	Code   string     `json:"code,omitempty"`
}

// PairDecision approves or rejects a pending pairing by code or device id.
type PairDecision struct {
	Code     string `json:"code,omitempty"`
	DeviceID string `json:"deviceId,omitempty"`
}

// MethodCall is an operator RPC (status, sessions.list, nodes.*, ...).
type MethodCall struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// MethodResult answers a MethodCall, correlated by frame ID.
type MethodResult struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorPayload   `json:"error,omitempty"`
}
