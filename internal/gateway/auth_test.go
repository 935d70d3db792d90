package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/epiloop/epiloop/internal/config"
	"github.com/epiloop/epiloop/pkg/protocol"
)

func request(remote, host string, headers map[string]string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "http://"+host+"/ws", nil)
	r.RemoteAddr = remote
	r.Host = host
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return r
}

func tailscaleHeaders(login string) map[string]string {
	return map[string]string{
		"Tailscale-User-Login": login,
		"X-Forwarded-For":      "100.101.102.103",
		"X-Forwarded-Proto":    "https",
		"X-Forwarded-Host":     "gw.tailnet.ts.net",
	}
}

func TestAuthorizeConnect_TokenMode(t *testing.T) {
	resolved := ResolvedAuth{Mode: config.AuthModeToken, Token: "s3cret"}
	r := request("203.0.113.7:50000", "gw.example.com", nil)

	tests := []struct {
		name   string
		auth   *protocol.AuthPayload
		wantOK bool
		reason string
	}{
		{"correct token", &protocol.AuthPayload{Token: "s3cret"}, true, ""},
		{"wrong token", &protocol.AuthPayload{Token: "nope"}, false, ReasonTokenMismatch},
		{"missing token", &protocol.AuthPayload{}, false, ReasonTokenMissing},
		{"nil payload", nil, false, ReasonTokenMissing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := AuthorizeConnect(resolved, tt.auth, r)
			if d.OK != tt.wantOK || d.Reason != tt.reason {
				t.Errorf("decision = %+v, want ok=%v reason=%q", d, tt.wantOK, tt.reason)
			}
			if tt.wantOK && d.Method != "token" {
				t.Errorf("method = %q", d.Method)
			}
		})
	}
}

func TestAuthorizeConnect_TokenModeWithoutConfiguredToken(t *testing.T) {
	resolved := ResolvedAuth{Mode: config.AuthModeToken}
	d := AuthorizeConnect(resolved, &protocol.AuthPayload{Token: "anything"}, request("203.0.113.7:1", "gw", nil))
	if d.OK || d.Reason != ReasonTokenMissingConfig {
		t.Errorf("decision = %+v", d)
	}
}

func TestAuthorizeConnect_PasswordMode(t *testing.T) {
	resolved := ResolvedAuth{Mode: config.AuthModePassword, Password: "hunter2"}
	r := request("203.0.113.7:1", "gw", nil)

	if d := AuthorizeConnect(resolved, &protocol.AuthPayload{Password: "hunter2"}, r); !d.OK || d.Method != "password" {
		t.Errorf("decision = %+v", d)
	}
	if d := AuthorizeConnect(resolved, &protocol.AuthPayload{Password: "wrong"}, r); d.OK || d.Reason != ReasonPasswordMismatch {
		t.Errorf("decision = %+v", d)
	}
	if d := AuthorizeConnect(resolved, nil, r); d.OK || d.Reason != ReasonPasswordMissing {
		t.Errorf("decision = %+v", d)
	}
}

func TestAuthorizeConnect_TailscaleProxy(t *testing.T) {
	resolved := ResolvedAuth{Mode: config.AuthModeNone, AllowTailscale: true}
	r := request("100.64.0.9:40000", "gw.tailnet.ts.net", tailscaleHeaders("alice@example.com"))

	d := AuthorizeConnect(resolved, nil, r)
	if !d.OK || d.Method != "tailscale" || d.User != "alice@example.com" {
		t.Errorf("decision = %+v", d)
	}
}

func TestAuthorizeConnect_TailscaleMissingPieces(t *testing.T) {
	resolved := ResolvedAuth{Mode: config.AuthModeNone, AllowTailscale: true}

	// Proxy headers present but no user header.
	h := tailscaleHeaders("")
	delete(h, "Tailscale-User-Login")
	d := AuthorizeConnect(resolved, nil, request("100.64.0.9:1", "gw.ts.net", h))
	if d.OK || d.Reason != ReasonTailscaleUserMissing {
		t.Errorf("decision = %+v", d)
	}

	// User header present but proxy triple incomplete.
	d = AuthorizeConnect(resolved, nil, request("100.64.0.9:1", "gw.ts.net", map[string]string{
		"Tailscale-User-Login": "alice@example.com",
		"X-Forwarded-For":      "100.64.0.9",
	}))
	if d.OK || d.Reason != ReasonTailscaleProxyMissing {
		t.Errorf("decision = %+v", d)
	}
}

func TestAuthorizeConnect_LocalDirectBypassesTailscale(t *testing.T) {
	// A loopback caller spoofing the user header must not become that user.
	resolved := ResolvedAuth{Mode: config.AuthModeNone, AllowTailscale: true}
	r := request("127.0.0.1:55555", "localhost:18789", nil)

	d := AuthorizeConnect(resolved, nil, r)
	if !d.OK || d.Method != "none" || d.User != "" {
		t.Errorf("decision = %+v", d)
	}
}

func TestAuthorizeConnect_LocalDirectStillNeedsToken(t *testing.T) {
	resolved := ResolvedAuth{Mode: config.AuthModeToken, Token: "s3cret"}
	r := request("127.0.0.1:55555", "localhost:18789", nil)

	d := AuthorizeConnect(resolved, nil, r)
	if d.OK || d.Reason != ReasonTokenMissing {
		t.Errorf("local-direct must not bypass token auth: %+v", d)
	}
}

func TestIsLocalDirect(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		host    string
		headers map[string]string
		want    bool
	}{
		{"loopback localhost", "127.0.0.1:1", "localhost:18789", nil, true},
		{"loopback v6", "[::1]:1", "127.0.0.1", nil, true},
		{"loopback ts.net host", "127.0.0.1:1", "gw.tailnet.ts.net", nil, true},
		{"remote addr not loopback", "192.168.1.5:1", "localhost", nil, false},
		{"foreign host header", "127.0.0.1:1", "evil.example.com", nil, false},
		{"forwarded header present", "127.0.0.1:1", "localhost", map[string]string{"X-Forwarded-For": "1.2.3.4"}, false},
		{"tailscale header present", "127.0.0.1:1", "localhost", map[string]string{"Tailscale-User-Login": "x@y"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isLocalDirect(request(tt.remote, tt.host, tt.headers)); got != tt.want {
				t.Errorf("isLocalDirect() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolveGatewayAuth_TailscaleDefault(t *testing.T) {
	cfg := config.Default()
	cfg.Gateway.Tailscale = config.TailscaleServe
	if !ResolveGatewayAuth(cfg).AllowTailscale {
		t.Error("serve mode should allow tailscale identity by default")
	}

	cfg.Gateway.Auth.Mode = config.AuthModePassword
	cfg.Gateway.Auth.Password = "x"
	if ResolveGatewayAuth(cfg).AllowTailscale {
		t.Error("password mode must not default to tailscale identity")
	}

	f := false
	cfg.Gateway.Auth.Mode = config.AuthModeNone
	cfg.Gateway.Auth.AllowTailscale = &f
	if ResolveGatewayAuth(cfg).AllowTailscale {
		t.Error("explicit override ignored")
	}
}

func TestAssertConfigured(t *testing.T) {
	if err := (ResolvedAuth{Mode: config.AuthModeToken}).AssertConfigured(); err == nil {
		t.Error("token mode without token must refuse to start")
	}
	if err := (ResolvedAuth{Mode: config.AuthModePassword}).AssertConfigured(); err == nil {
		t.Error("password mode without password must refuse to start")
	}
	if err := (ResolvedAuth{Mode: config.AuthModeToken, Token: "t"}).AssertConfigured(); err != nil {
		t.Errorf("configured token mode: %v", err)
	}
	if err := (ResolvedAuth{Mode: config.AuthModeNone}).AssertConfigured(); err != nil {
		t.Errorf("none mode: %v", err)
	}
}
