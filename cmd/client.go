package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/epiloop/epiloop/internal/config"
	"github.com/epiloop/epiloop/pkg/protocol"
)

// operatorClient is the CLI side of the operator WebSocket surface.
type operatorClient struct {
	conn *websocket.Conn
}

// dialGateway connects and completes the operator handshake. cfg may be
// nil when the config failed to load; credentials then come from env only.
func dialGateway(ctx context.Context, cfg *config.Config) (*operatorClient, error) {
	port := 18789
	auth := &protocol.AuthPayload{}
	if cfg != nil {
		port = cfg.Gateway.Port
		auth.Token = cfg.Gateway.Auth.Token
		auth.Password = cfg.Gateway.Auth.Password
	}
	if v := os.Getenv("EPILOOP_GATEWAY_TOKEN"); v != "" {
		auth.Token = v
	}
	if v := os.Getenv("EPILOOP_GATEWAY_PASSWORD"); v != "" {
		auth.Password = v
	}

	url := fmt.Sprintf("ws://127.0.0.1:%d/ws", port)
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("gateway not reachable at %s: %w", url, err)
	}
	conn.SetReadLimit(16 << 20)

	c := &operatorClient{conn: conn}
	connect := protocol.NewFrame(protocol.TypeConnect, uuid.NewString(), protocol.ConnectRequest{
		Role:     protocol.RoleOperator,
		Protocol: protocol.ProtocolVersion,
		Auth:     auth,
	})
	if err := wsjson.Write(ctx, conn, connect); err != nil {
		c.Close()
		return nil, fmt.Errorf("send connect: %w", err)
	}

	var reply protocol.Frame
	if err := wsjson.Read(ctx, conn, &reply); err != nil {
		c.Close()
		return nil, fmt.Errorf("read connect reply: %w", err)
	}
	if reply.Type == protocol.TypeError {
		var ep protocol.ErrorPayload
		json.Unmarshal(reply.Data, &ep)
		c.Close()
		return nil, fmt.Errorf("connect rejected: %s", ep.Reason)
	}
	if reply.Type != protocol.TypeConnected {
		c.Close()
		return nil, fmt.Errorf("unexpected handshake frame %q", reply.Type)
	}
	return c, nil
}

// Call issues one method frame and decodes the correlated result into out.
// Unsolicited event frames arriving in between are skipped.
func (c *operatorClient) Call(ctx context.Context, method string, params, out any) error {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return err
		}
		raw = data
	}
	id := uuid.NewString()
	frame := protocol.NewFrame(protocol.TypeMethod, id, protocol.MethodCall{Method: method, Params: raw})
	if err := wsjson.Write(ctx, c.conn, frame); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	for {
		var reply protocol.Frame
		if err := wsjson.Read(ctx, c.conn, &reply); err != nil {
			return fmt.Errorf("read %s result: %w", method, err)
		}
		if reply.Type != protocol.TypeResult || reply.ID != id {
			continue
		}
		var res protocol.MethodResult
		if err := json.Unmarshal(reply.Data, &res); err != nil {
			return fmt.Errorf("malformed %s result: %w", method, err)
		}
		if !res.OK {
			if res.Error != nil {
				return fmt.Errorf("%s failed: %s", method, res.Error.Reason)
			}
			return fmt.Errorf("%s failed", method)
		}
		if out != nil && res.Result != nil {
			return json.Unmarshal(res.Result, out)
		}
		return nil
	}
}

func (c *operatorClient) Close() {
	c.conn.Close(websocket.StatusNormalClosure, "")
}

// callGateway is the one-shot helper diagnostic commands use: dial, call,
// close. Config load errors are tolerated; the dial falls back to env
// credentials and the default port so diagnostics still work with a broken
// config. Mutating commands load the config strictly and go through
// callGatewayWith instead.
func callGateway(method string, params, out any) error {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		cfg = nil
	}
	return callGatewayWith(cfg, method, params, out)
}

// callGatewayWith dials with an explicit config and issues one method call.
func callGatewayWith(cfg *config.Config, method string, params, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c, err := dialGateway(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.Call(ctx, method, params, out)
}

// printJSON renders v as indented JSON on stdout.
func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return
	}
	fmt.Println(string(data))
}
