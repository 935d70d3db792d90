package gateway

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"github.com/epiloop/epiloop/internal/config"
	"github.com/epiloop/epiloop/pkg/protocol"
)

// ResolvedAuth is the effective auth policy for this gateway process,
// computed once from config at startup.
type ResolvedAuth struct {
	Mode     string
	Token    string
	Password string
	// AllowTailscale accepts identity-proxy headers. Defaults to true when
	// tailscale serve fronts the gateway and the mode is not password.
	AllowTailscale bool
}

// ResolveGatewayAuth computes the effective auth policy from config.
func ResolveGatewayAuth(cfg *config.Config) ResolvedAuth {
	g := cfg.Gateway
	mode := g.Auth.Mode
	if mode == "" {
		mode = config.AuthModeNone
	}
	allowTS := g.Tailscale == config.TailscaleServe && mode != config.AuthModePassword
	if g.Auth.AllowTailscale != nil {
		allowTS = *g.Auth.AllowTailscale
	}
	return ResolvedAuth{
		Mode:           mode,
		Token:          g.Auth.Token,
		Password:       g.Auth.Password,
		AllowTailscale: allowTS,
	}
}

// AssertConfigured refuses to start a gateway whose declared mode lacks its
// secret. Booting open when the operator asked for auth is never acceptable.
func (a ResolvedAuth) AssertConfigured() error {
	switch a.Mode {
	case config.AuthModeToken:
		if a.Token == "" {
			return protocol.NewError(protocol.KindConfig, "",
				"gateway.auth.mode is \"token\" but no token is configured; set gateway.auth.token or EPILOOP_GATEWAY_TOKEN")
		}
	case config.AuthModePassword:
		if a.Password == "" {
			return protocol.NewError(protocol.KindConfig, "",
				"gateway.auth.mode is \"password\" but no password is configured; set gateway.auth.password or EPILOOP_GATEWAY_PASSWORD")
		}
	}
	return nil
}

// Decision is the outcome of one connect authorization.
type Decision struct {
	OK     bool
	Method string // none|token|password|tailscale
	User   string // tailscale login when Method == "tailscale"
	Reason string // stable reason code on failure
}

// Failure reason codes. Stable: tests and operator tooling match on them.
const (
	ReasonTokenMissingConfig    = "token_missing_config"
	ReasonTokenMissing          = "token_missing"
	ReasonTokenMismatch         = "token_mismatch"
	ReasonPasswordMissingConfig = "password_missing_config"
	ReasonPasswordMissing       = "password_missing"
	ReasonPasswordMismatch      = "password_mismatch"
	ReasonTailscaleUserMissing  = "tailscale_user_missing"
	ReasonTailscaleProxyMissing = "tailscale_proxy_missing"
	ReasonUnauthorized          = "unauthorized"
)

// tailscaleUserHeader is set by the tailscale identity proxy.
const tailscaleUserHeader = "Tailscale-User-Login"

// AuthorizeConnect decides whether a connect attempt is admitted.
//
// Order matters: the local-direct test runs first so loopback connections
// never pick up a tailscale identity; then tailscale proxy headers; then
// the configured mode with constant-time secret comparison.
func AuthorizeConnect(resolved ResolvedAuth, connectAuth *protocol.AuthPayload, r *http.Request) Decision {
	localDirect := isLocalDirect(r)

	if resolved.AllowTailscale && !localDirect && r != nil {
		login := r.Header.Get(tailscaleUserHeader)
		proxied := hasProxySignature(r)
		if login != "" && proxied {
			return Decision{OK: true, Method: "tailscale", User: login}
		}
		// With no shared secret configured the proxy headers are the only
		// line of defense, so their absence is a specific failure.
		if resolved.Mode == config.AuthModeNone {
			if login == "" {
				return Decision{Reason: ReasonTailscaleUserMissing}
			}
			return Decision{Reason: ReasonTailscaleProxyMissing}
		}
	}

	switch resolved.Mode {
	case config.AuthModeNone:
		return Decision{OK: true, Method: "none"}

	case config.AuthModeToken:
		if resolved.Token == "" {
			return Decision{Reason: ReasonTokenMissingConfig}
		}
		if connectAuth == nil || connectAuth.Token == "" {
			return Decision{Reason: ReasonTokenMissing}
		}
		if subtle.ConstantTimeCompare([]byte(connectAuth.Token), []byte(resolved.Token)) != 1 {
			return Decision{Reason: ReasonTokenMismatch}
		}
		return Decision{OK: true, Method: "token"}

	case config.AuthModePassword:
		if resolved.Password == "" {
			return Decision{Reason: ReasonPasswordMissingConfig}
		}
		if connectAuth == nil || connectAuth.Password == "" {
			return Decision{Reason: ReasonPasswordMissing}
		}
		if subtle.ConstantTimeCompare([]byte(connectAuth.Password), []byte(resolved.Password)) != 1 {
			return Decision{Reason: ReasonPasswordMismatch}
		}
		return Decision{OK: true, Method: "password"}
	}

	return Decision{Reason: ReasonUnauthorized}
}

// isLocalDirect reports whether the request came straight from this machine:
// loopback remote, a local host header, and no forwarded headers at all.
func isLocalDirect(r *http.Request) bool {
	if r == nil {
		// No transport context at all (in-process caller).
		return true
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return false
	}

	reqHost := r.Host
	if h, _, err := net.SplitHostPort(reqHost); err == nil {
		reqHost = h
	}
	reqHost = strings.ToLower(strings.Trim(reqHost, "[]"))
	switch {
	case reqHost == "localhost", reqHost == "127.0.0.1", reqHost == "::1":
	case strings.HasSuffix(reqHost, ".ts.net"):
	default:
		return false
	}

	for _, h := range []string{"X-Forwarded-For", "X-Forwarded-Proto", "X-Forwarded-Host", tailscaleUserHeader} {
		if r.Header.Get(h) != "" {
			return false
		}
	}
	return true
}

// hasProxySignature requires the full forwarded-header triple so a bare
// spoofed user header is never enough.
func hasProxySignature(r *http.Request) bool {
	return r.Header.Get("X-Forwarded-For") != "" &&
		r.Header.Get("X-Forwarded-Proto") != "" &&
		r.Header.Get("X-Forwarded-Host") != ""
}
