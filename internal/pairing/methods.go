package pairing

import (
	"context"
	"encoding/json"

	"github.com/epiloop/epiloop/internal/gateway"
	"github.com/epiloop/epiloop/pkg/protocol"
)

type approveParams struct {
	Channel string `json:"channel"`
	Code    string `json:"code"`
}

// RegisterMethods binds the pairing RPC methods onto the gateway router.
func RegisterMethods(r *gateway.MethodRouter, g *Gate) {
	r.Register(protocol.MethodPairingApprove, func(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, error) {
		var p approveParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, protocol.NewError(protocol.KindAuth, "", "malformed pairing params")
		}
		if p.Channel == "" || p.Code == "" {
			return nil, protocol.NewError(protocol.KindAuth, "", "channel and code are required")
		}
		sender, err := g.Approve(p.Channel, p.Code)
		if err != nil {
			return nil, err
		}
		return map[string]any{"channel": p.Channel, "sender": sender}, nil
	})
}
