package config

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestMigrate_LegacyGatewayToken(t *testing.T) {
	raw := map[string]any{
		"gateway": map[string]any{"port": 18789.0, "token": "T"},
	}
	migrated, changes := Migrate(raw)

	gw := migrated["gateway"].(map[string]any)
	if _, exists := gw["token"]; exists {
		t.Error("legacy gateway.token not removed")
	}
	auth := gw["auth"].(map[string]any)
	if auth["token"] != "T" || auth["mode"] != AuthModeToken {
		t.Errorf("auth not populated: %+v", auth)
	}
	if len(changes) != 1 || changes[0].Path != "gateway.token" {
		t.Errorf("changes = %+v", changes)
	}
}

func TestMigrate_WideAreaBool(t *testing.T) {
	raw := map[string]any{
		"discovery": map[string]any{"wideArea": true},
	}
	migrated, changes := Migrate(raw)
	disc := migrated["discovery"].(map[string]any)
	wa, ok := disc["wideArea"].(map[string]any)
	if !ok || wa["enabled"] != true {
		t.Errorf("wideArea = %+v", disc["wideArea"])
	}
	if len(changes) != 1 {
		t.Errorf("changes = %+v", changes)
	}
}

func TestMigrate_AgentListArray(t *testing.T) {
	raw := map[string]any{
		"agents": map[string]any{
			"list": []any{
				map[string]any{"id": "ops", "model": "m1"},
				map[string]any{"id": "dev", "model": "m2"},
			},
		},
	}
	migrated, _ := Migrate(raw)
	list := migrated["agents"].(map[string]any)["list"].(map[string]any)
	if len(list) != 2 {
		t.Fatalf("list = %+v", list)
	}
	ops := list["ops"].(map[string]any)
	if ops["model"] != "m1" {
		t.Errorf("ops = %+v", ops)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	raw := map[string]any{
		"port": 19000.0,
		"gateway": map[string]any{
			"token": "T",
			"bind":  "localhost",
		},
		"discovery": map[string]any{"wideArea": true},
	}
	once, _ := Migrate(clone(t, raw))
	twice, changes := Migrate(clone(t, once))

	if !reflect.DeepEqual(once, twice) {
		t.Errorf("migrate not idempotent:\nonce:  %+v\ntwice: %+v", once, twice)
	}
	if len(changes) != 0 {
		t.Errorf("second migration reported changes: %+v", changes)
	}
}

func clone(t *testing.T, m map[string]any) map[string]any {
	t.Helper()
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestValidate_BadModes(t *testing.T) {
	cfg := Default()
	cfg.Gateway.Bind = "everywhere"
	cfg.Channels = ChannelsConfig{
		"telegram": {ChunkMode: "newline"},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestValidate_NewlineOnlyForBlueBubbles(t *testing.T) {
	cfg := Default()
	cfg.Channels = ChannelsConfig{"bluebubbles": {ChunkMode: "newline"}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("bluebubbles newline mode rejected: %v", err)
	}
}
