package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/epiloop/epiloop/internal/config"
	"github.com/epiloop/epiloop/pkg/protocol"
)

type fakeChannel struct{ name string }

func (f *fakeChannel) Name() string                                          { return f.name }
func (f *fakeChannel) Start(ctx context.Context) error                       { return nil }
func (f *fakeChannel) Stop(ctx context.Context) error                        { return nil }
func (f *fakeChannel) Deliver(ctx context.Context, d protocol.Deliver) error { return nil }

func enabledConfig(ids ...string) *config.Config {
	on := true
	cfg := &config.Config{}
	cfg.Plugins.Entries = make(map[string]config.PluginEntry)
	for _, id := range ids {
		cfg.Plugins.Entries[id] = config.PluginEntry{Enabled: &on}
	}
	return cfg
}

func TestRegistry_BundledDefaultDisabled(t *testing.T) {
	r := NewRegistry(nil)
	registered := false
	r.Add(Descriptor{ID: "telegram", Register: func(api *API) error {
		registered = true
		return nil
	}})

	// No entry at all, and an entry without enabled, both stay off.
	cfg := &config.Config{}
	cfg.Plugins.Entries = map[string]config.PluginEntry{"telegram": {}}
	r.Load(cfg, nil)
	if registered {
		t.Error("disabled plugin must not register")
	}

	r2 := NewRegistry(nil)
	r2.Add(Descriptor{ID: "telegram", Register: func(api *API) error {
		registered = true
		api.RegisterChannel(&fakeChannel{name: "telegram"})
		return nil
	}})
	r2.Load(enabledConfig("telegram"), nil)
	if !registered {
		t.Fatal("enabled plugin did not register")
	}
	if r2.Channel("telegram") == nil {
		t.Error("registered channel not retrievable")
	}
}

func TestRegistry_RegisterFailureDoesNotBlockOthers(t *testing.T) {
	r := NewRegistry(nil)
	r.Add(Descriptor{ID: "bad", Register: func(api *API) error {
		return errors.New("boom")
	}})
	loaded := false
	r.Add(Descriptor{ID: "good", Register: func(api *API) error {
		loaded = true
		return nil
	}})
	r.Load(enabledConfig("bad", "good"), nil)
	if !loaded {
		t.Error("failure in one plugin blocked the next")
	}

	for _, st := range r.List() {
		if st.ID == "bad" && st.Enabled {
			t.Error("failed plugin listed as enabled")
		}
		if st.ID == "good" && !st.Enabled {
			t.Error("loaded plugin listed as disabled")
		}
	}
}

func TestRegistry_ServiceLifecycle(t *testing.T) {
	r := NewRegistry(nil)
	var events []string
	r.Add(Descriptor{ID: "p", Register: func(api *API) error {
		api.RegisterService(Service{
			Name:  "a",
			Start: func(ctx context.Context) error { events = append(events, "start-a"); return nil },
			Stop:  func(ctx context.Context) error { events = append(events, "stop-a"); return nil },
		})
		api.RegisterService(Service{
			Name:  "broken",
			Start: func(ctx context.Context) error { return errors.New("no") },
			Stop:  func(ctx context.Context) error { events = append(events, "stop-broken"); return nil },
		})
		api.RegisterService(Service{
			Name:  "b",
			Start: func(ctx context.Context) error { events = append(events, "start-b"); return nil },
			Stop:  func(ctx context.Context) error { events = append(events, "stop-b"); return nil },
		})
		return nil
	}})
	r.Load(enabledConfig("p"), nil)

	ctx := context.Background()
	r.StartServices(ctx)
	r.StopServices(ctx)

	want := []string{"start-a", "start-b", "stop-b", "stop-a"}
	if len(events) != len(want) {
		t.Fatalf("events = %v", events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
}

func TestRegistry_IneligibleServiceListedNotStarted(t *testing.T) {
	r := NewRegistry(nil)
	started := false
	r.Add(Descriptor{ID: "p", Register: func(api *API) error {
		api.RegisterService(Service{
			Name:     "needs-tool",
			Requires: Requires{Bins: []string{"definitely-not-a-real-binary-epiloop"}},
			Start:    func(ctx context.Context) error { started = true; return nil },
		})
		return nil
	}})
	r.Load(enabledConfig("p"), nil)
	r.StartServices(context.Background())
	if started {
		t.Error("ineligible service was started")
	}

	list := r.List()
	if len(list) != 1 || len(list[0].Services) != 1 {
		t.Fatalf("list = %+v", list)
	}
	if len(list[0].Services[0].Missing) == 0 {
		t.Error("unmet requirement not surfaced")
	}
}

func TestRegistry_Hooks(t *testing.T) {
	r := NewRegistry(nil)
	var got any
	r.Add(Descriptor{ID: "p", Register: func(api *API) error {
		api.RegisterHook(Hook{
			Name:  "on-heartbeat",
			Event: "heartbeat",
			Fn:    func(ctx context.Context, payload any) { got = payload },
		})
		api.RegisterHook(Hook{
			Name:     "never",
			Event:    "heartbeat",
			Requires: Requires{Env: []string{"EPILOOP_NO_SUCH_ENV_VAR"}},
			Fn:       func(ctx context.Context, payload any) { t.Error("ineligible hook invoked") },
		})
		return nil
	}})
	r.Load(enabledConfig("p"), nil)

	r.FireHook(context.Background(), "heartbeat", 42)
	if got != 42 {
		t.Errorf("hook payload = %v", got)
	}
}

func TestRegistry_DuplicateID(t *testing.T) {
	r := NewRegistry(nil)
	d := Descriptor{ID: "x", Register: func(api *API) error { return nil }}
	if err := r.Add(d); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	if err := r.Add(d); err == nil {
		t.Error("duplicate id accepted")
	}
}

func TestRuntime_GetBeforeSet(t *testing.T) {
	type state struct{ n int }
	rt := NewRuntime[state]("telegram")
	if _, err := rt.Get(); err == nil {
		t.Fatal("Get before Set must fail")
	}
	rt.Set(&state{n: 7})
	v, err := rt.Get()
	if err != nil || v.n != 7 {
		t.Errorf("Get = %+v, %v", v, err)
	}
}

func TestAPI_ConfigBlobReachesPlugin(t *testing.T) {
	r := NewRegistry(nil)
	var token string
	r.Add(Descriptor{ID: "p", Register: func(api *API) error {
		var cfg struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(api.Config, &cfg); err != nil {
			return err
		}
		token = cfg.Token
		return nil
	}})
	on := true
	cfg := &config.Config{}
	cfg.Plugins.Entries = map[string]config.PluginEntry{
		"p": {Enabled: &on, Config: json.RawMessage(`{"token":"abc"}`)},
	}
	r.Load(cfg, nil)
	if token != "abc" {
		t.Errorf("token = %q", token)
	}
}

func TestRegistry_DockRoutesAndListing(t *testing.T) {
	r := NewRegistry(nil)
	handler := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Add(Descriptor{ID: "telegram", Register: func(api *API) error {
		api.RegisterDock(Dock{Channel: "telegram", Name: "status", Handler: handler})
		return nil
	}})
	r.Load(enabledConfig("telegram"), nil)

	routes := r.HTTPRoutes()
	h, ok := routes["/docks/telegram/status"]
	if !ok {
		t.Fatalf("dock route missing, have %v", routes)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/docks/telegram/status", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("dock handler status = %d", rec.Code)
	}

	var row *Status
	for _, st := range r.List() {
		if st.ID == "telegram" {
			row = &st
			break
		}
	}
	if row == nil || len(row.Docks) != 1 || row.Docks[0] != "telegram/status" {
		t.Errorf("dock not listed: %+v", row)
	}
}
