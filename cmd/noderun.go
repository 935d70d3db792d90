package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/epiloop/epiloop/internal/nodes"
	"github.com/epiloop/epiloop/internal/store"
	"github.com/epiloop/epiloop/pkg/protocol"
)

func nodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run this machine as a companion node",
	}
	cmd.AddCommand(nodeRunCmd(), nodeInstallCmd(), nodeRestartCmd())
	return cmd
}

// nodeIdentity is the persisted device identity so the node keeps the
// same pairing across restarts.
type nodeIdentity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func loadNodeIdentity(stateDir string, name string) (nodeIdentity, error) {
	path := filepath.Join(stateDir, "node-identity.json")
	var ident nodeIdentity
	if err := store.LoadJSON(path, &ident); err != nil {
		return ident, err
	}
	changed := false
	if ident.ID == "" {
		ident.ID = uuid.NewString()
		changed = true
	}
	if name != "" && name != ident.Name {
		ident.Name = name
		changed = true
	}
	if ident.Name == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "node"
		}
		ident.Name = host
		changed = true
	}
	if changed {
		if err := store.SaveJSON(path, ident); err != nil {
			return ident, err
		}
	}
	return ident, nil
}

func nodeRunCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the gateway and serve node commands",
		Run: func(cmd *cobra.Command, args []string) {
			if err := runNode(name); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "node display name (default: hostname)")
	return cmd
}

func runNode(name string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	stateDir := resolveStateDir()
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return err
	}
	ident, err := loadNodeIdentity(stateDir, name)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		cfg = nil
	}

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
		return fmt.Errorf("gateway not reachable at %s: %w", url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(16 << 20)

	connect := protocol.NewFrame(protocol.TypeConnect, uuid.NewString(), protocol.ConnectRequest{
		Role:     protocol.RoleNode,
		Protocol: protocol.ProtocolVersion,
		Auth:     auth,
		Device:   &protocol.DeviceInfo{ID: ident.ID, Name: ident.Name},
	})
	if err := wsjson.Write(ctx, conn, connect); err != nil {
		return fmt.Errorf("send connect: %w", err)
	}

	var reply protocol.Frame
	if err := wsjson.Read(ctx, conn, &reply); err != nil {
		return fmt.Errorf("read connect reply: %w", err)
	}
	switch reply.Type {
	case protocol.TypeConnected:
		var c protocol.Connected
		json.Unmarshal(reply.Data, &c)
		if !c.Paired {
			fmt.Println("pairing pending: approve this node with `epiloop nodes pending` on the gateway host")
		}
	case protocol.TypeError:
		var ep protocol.ErrorPayload
		json.Unmarshal(reply.Data, &ep)
		return fmt.Errorf("connect rejected: %s", ep.Reason)
	default:
		return fmt.Errorf("unexpected handshake frame %q", reply.Type)
	}

	node := nodes.New(ident.Name, logger)
	allow, err := store.NewAllowlist(stateDir)
	if err != nil {
		return err
	}
	nodes.RegisterSystemRun(node, allow)
	logger.Info("node.connected", "id", ident.ID, "name", ident.Name, "commands", node.Commands())

	for {
		var frame protocol.Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("connection lost: %w", err)
		}
		if frame.Type != protocol.TypeNodeInvoke {
			continue
		}
		var inv protocol.NodeInvoke
		if err := json.Unmarshal(frame.Data, &inv); err != nil {
			logger.Warn("node.bad_invoke", "error", err)
			continue
		}
		logger.Debug("node.invoke", "command", inv.Command)
		result := node.Invoke(ctx, inv)
		out := protocol.NewFrame(protocol.TypeNodeReply, frame.ID, result)
		if err := wsjson.Write(ctx, conn, out); err != nil {
			return fmt.Errorf("send reply: %w", err)
		}
	}
}
