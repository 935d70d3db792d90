package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/epiloop/epiloop/internal/config"
	"github.com/epiloop/epiloop/internal/sessions"
	"github.com/epiloop/epiloop/pkg/protocol"
)

// startTestGateway runs the gateway on an httptest listener and returns the
// ws:// URL.
func startTestGateway(t *testing.T, cfg *config.Config, handler sessions.Handler) (*Server, string) {
	t.Helper()
	if handler == nil {
		handler = func(ctx context.Context, s *sessions.Session, env sessions.Envelope) error { return nil }
	}
	table := sessions.NewTable(8, handler, nil)
	srv, err := NewServer(cfg, table, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv.BuildMux())
	t.Cleanup(func() {
		ts.Close()
		table.Shutdown(context.Background())
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, url string, connect protocol.ConnectRequest) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := conn.WriteJSON(protocol.NewFrame(protocol.TypeConnect, "c1", connect)); err != nil {
		t.Fatalf("write connect: %v", err)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f protocol.Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func TestGateway_ConnectAndHealthMethod(t *testing.T) {
	_, url := startTestGateway(t, config.Default(), nil)
	conn := dial(t, url, protocol.ConnectRequest{Role: protocol.RoleOperator})

	ack := readFrame(t, conn)
	if ack.Type != protocol.TypeConnected {
		t.Fatalf("ack = %+v", ack)
	}
	var connected protocol.Connected
	json.Unmarshal(ack.Data, &connected)
	if connected.Method != "none" || connected.Protocol != protocol.ProtocolVersion {
		t.Errorf("connected = %+v", connected)
	}

	call, _ := json.Marshal(protocol.MethodCall{Method: protocol.MethodHealth})
	conn.WriteJSON(protocol.Frame{Type: protocol.TypeMethod, ID: "m1", Data: call})

	res := readFrame(t, conn)
	if res.Type != protocol.TypeResult || res.ID != "m1" {
		t.Fatalf("result = %+v", res)
	}
	var mr protocol.MethodResult
	json.Unmarshal(res.Data, &mr)
	if !mr.OK {
		t.Errorf("health failed: %+v", mr)
	}
}

func TestGateway_RejectsWrongToken(t *testing.T) {
	cfg := config.Default()
	cfg.Gateway.Auth.Mode = config.AuthModeToken
	cfg.Gateway.Auth.Token = "right"
	_, url := startTestGateway(t, cfg, nil)

	conn := dial(t, url, protocol.ConnectRequest{
		Role: protocol.RoleOperator,
		Auth: &protocol.AuthPayload{Token: "wrong"},
	})
	f := readFrame(t, conn)
	if f.Type != protocol.TypeError {
		t.Fatalf("frame = %+v", f)
	}
	var ep protocol.ErrorPayload
	json.Unmarshal(f.Data, &ep)
	if ep.Reason != ReasonTokenMismatch {
		t.Errorf("reason = %q", ep.Reason)
	}
}

func TestGateway_RejectsUnknownRole(t *testing.T) {
	_, url := startTestGateway(t, config.Default(), nil)
	conn := dial(t, url, protocol.ConnectRequest{Role: "intruder"})
	f := readFrame(t, conn)
	if f.Type != protocol.TypeError {
		t.Fatalf("frame = %+v", f)
	}
}

func TestGateway_InboundReachesSessionHandler(t *testing.T) {
	got := make(chan sessions.Envelope, 1)
	_, url := startTestGateway(t, config.Default(), func(ctx context.Context, s *sessions.Session, env sessions.Envelope) error {
		got <- env
		return nil
	})

	conn := dial(t, url, protocol.ConnectRequest{
		Role:    protocol.RoleChannelPlugin,
		Channel: "telegram",
		Account: "bot1",
	})
	readFrame(t, conn) // connected ack

	in := protocol.Inbound{
		Channel: "telegram",
		Account: "bot1",
		Peer:    protocol.Peer{Kind: "user", ID: "42"},
		Body:    "hello",
	}
	data, _ := json.Marshal(in)
	conn.WriteJSON(protocol.Frame{Type: protocol.TypeInbound, ID: "i1", Data: data})

	select {
	case env := <-got:
		want := sessions.Derive("telegram", "bot1", sessions.PeerDirect, "42", "")
		if env.Key != want {
			t.Errorf("key = %q, want %q", env.Key, want)
		}
		if env.Inbound.Body != "hello" {
			t.Errorf("body = %q", env.Inbound.Body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound never reached the session handler")
	}
}

func TestGateway_DeliverRoutesToPluginAndAwaitsAck(t *testing.T) {
	srv, url := startTestGateway(t, config.Default(), nil)

	conn := dial(t, url, protocol.ConnectRequest{
		Role:    protocol.RoleChannelPlugin,
		Channel: "telegram",
	})
	readFrame(t, conn)

	// Plugin side: ack every deliver frame.
	acked := make(chan protocol.Deliver, 1)
	go func() {
		for {
			var f protocol.Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			if f.Type != protocol.TypeDeliver {
				continue
			}
			var d protocol.Deliver
			json.Unmarshal(f.Data, &d)
			acked <- d
			conn.WriteJSON(protocol.NewFrame(protocol.TypeResult, f.ID, protocol.MethodResult{OK: true}))
		}
	}()

	// Wait for the plugin registration to land.
	deadline := time.Now().Add(2 * time.Second)
	for {
		srv.mu.RLock()
		_, ok := srv.plugins["telegram"]
		srv.mu.RUnlock()
		if ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("plugin never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := srv.Deliver(ctx, protocol.Deliver{
		Channel: "telegram",
		Peer:    protocol.Peer{Kind: "user", ID: "42"},
		Chunks:  []string{"hi"},
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	select {
	case d := <-acked:
		if d.Chunks[0] != "hi" {
			t.Errorf("delivered = %+v", d)
		}
	default:
		t.Error("plugin never saw the deliver frame")
	}
}

func TestGateway_DeliverWithoutPluginFails(t *testing.T) {
	srv, _ := startTestGateway(t, config.Default(), nil)
	err := srv.Deliver(context.Background(), protocol.Deliver{Channel: "nowhere", Chunks: []string{"x"}})
	var perr *protocol.Error
	if !asProtocolError(err, &perr) || perr.Code != protocol.CodeDeliveryFailed {
		t.Errorf("err = %v", err)
	}
}
