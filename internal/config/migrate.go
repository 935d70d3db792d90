package config

import "fmt"

// MigrationChange records one path the loader rewrote while migrating a
// legacy config shape. No rename happens silently.
type MigrationChange struct {
	Path string `json:"path"`
	From string `json:"from"`
	To   string `json:"to"`
}

// Migrate rewrites legacy config shapes in place and reports every change.
// Migration is value-preserving and idempotent: running it over an already
// migrated document yields the same document and no changes.
func Migrate(raw map[string]any) (map[string]any, []MigrationChange) {
	var changes []MigrationChange

	gw, _ := raw["gateway"].(map[string]any)

	// Legacy flat gateway.token / gateway.password moved under gateway.auth.
	if gw != nil {
		auth, _ := gw["auth"].(map[string]any)
		ensureAuth := func() map[string]any {
			if auth == nil {
				auth = map[string]any{}
				gw["auth"] = auth
			}
			return auth
		}
		if tok, ok := gw["token"].(string); ok {
			a := ensureAuth()
			if _, exists := a["token"]; !exists {
				a["token"] = tok
				if _, exists := a["mode"]; !exists {
					a["mode"] = AuthModeToken
				}
			}
			delete(gw, "token")
			changes = append(changes, MigrationChange{Path: "gateway.token", From: "gateway.token", To: "gateway.auth.token"})
		}
		if pw, ok := gw["password"].(string); ok {
			a := ensureAuth()
			if _, exists := a["password"]; !exists {
				a["password"] = pw
				if _, exists := a["mode"]; !exists {
					a["mode"] = AuthModePassword
				}
			}
			delete(gw, "password")
			changes = append(changes, MigrationChange{Path: "gateway.password", From: "gateway.password", To: "gateway.auth.password"})
		}

		// Legacy bind value "localhost" renamed to "loopback".
		if bind, ok := gw["bind"].(string); ok && bind == "localhost" {
			gw["bind"] = BindLoopback
			changes = append(changes, MigrationChange{Path: "gateway.bind", From: "localhost", To: BindLoopback})
		}
	}

	// Legacy top-level port moved under gateway.
	if port, ok := raw["port"]; ok {
		if gw == nil {
			gw = map[string]any{}
			raw["gateway"] = gw
		}
		if _, exists := gw["port"]; !exists {
			gw["port"] = port
		}
		delete(raw, "port")
		changes = append(changes, MigrationChange{Path: "port", From: "port", To: "gateway.port"})
	}

	// Legacy discovery.wideArea boolean became an object.
	if disc, ok := raw["discovery"].(map[string]any); ok {
		if enabled, ok := disc["wideArea"].(bool); ok {
			disc["wideArea"] = map[string]any{"enabled": enabled}
			changes = append(changes, MigrationChange{
				Path: "discovery.wideArea",
				From: fmt.Sprintf("%v", enabled),
				To:   fmt.Sprintf("{enabled: %v}", enabled),
			})
		}
	}

	// Legacy agents.list as an array of {id, ...} became a map keyed by id.
	if agents, ok := raw["agents"].(map[string]any); ok {
		if list, ok := agents["list"].([]any); ok {
			m := map[string]any{}
			for i, entry := range list {
				spec, ok := entry.(map[string]any)
				if !ok {
					continue
				}
				id, _ := spec["id"].(string)
				if id == "" {
					id = fmt.Sprintf("agent-%d", i)
				}
				delete(spec, "id")
				m[id] = spec
			}
			agents["list"] = m
			changes = append(changes, MigrationChange{Path: "agents.list", From: "array", To: "map"})
		}
	}

	return raw, changes
}
