// Package plugins hosts the plugin registry and lifecycle. A plugin is a
// descriptor that, on register, contributes channels, HTTP handlers,
// services and hooks to the running gateway. Bundled plugins ship disabled
// and are switched on per entry in the config.
package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/epiloop/epiloop/internal/config"
	"github.com/epiloop/epiloop/internal/directory"
	"github.com/epiloop/epiloop/pkg/protocol"
)

// Descriptor declares a plugin to the host.
type Descriptor struct {
	ID           string
	Name         string
	Description  string
	ConfigSchema json.RawMessage
	// Register is called once when the plugin is enabled and loaded.
	Register func(api *API) error
}

// Channel is the messaging capability a plugin registers: it carries
// inbound platform events into the hub and delivers chunked replies out.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Deliver(ctx context.Context, d protocol.Deliver) error
}

// DirectoryChannel additionally contributes a target directory.
type DirectoryChannel interface {
	Channel
	DirectoryProvider() *directory.Provider
}

// Dock is a channel's auxiliary web surface.
type Dock struct {
	Channel string
	Name    string
	Handler http.Handler
}

// Requires lists preconditions for a service or hook. An entry with unmet
// requirements is surfaced in plugin listings but never invoked.
type Requires struct {
	Bins []string // executables that must be on PATH
	Env  []string // environment variables that must be non-empty
	OS   []string // permitted runtime.GOOS values; empty means any
}

// Unmet returns the unmet requirements, empty when eligible.
func (r Requires) Unmet() []string {
	var missing []string
	for _, b := range r.Bins {
		if _, err := exec.LookPath(b); err != nil {
			missing = append(missing, "bin:"+b)
		}
	}
	for _, e := range r.Env {
		if os.Getenv(e) == "" {
			missing = append(missing, "env:"+e)
		}
	}
	if len(r.OS) > 0 {
		ok := false
		for _, goos := range r.OS {
			if goos == runtime.GOOS {
				ok = true
			}
		}
		if !ok {
			missing = append(missing, "os:"+runtime.GOOS)
		}
	}
	return missing
}

// Service is a long-running worker owned by a plugin.
type Service struct {
	Name     string
	Requires Requires
	Start    func(ctx context.Context) error
	Stop     func(ctx context.Context) error
}

// Hook subscribes a plugin to a host event by name.
type Hook struct {
	Name     string
	Event    string
	Requires Requires
	Fn       func(ctx context.Context, payload any)
}

// InboundFunc carries a platform message into the session hub.
type InboundFunc func(ctx context.Context, in protocol.Inbound) error

// API is the host handle passed to Descriptor.Register.
type API struct {
	reg      *Registry
	pluginID string

	Logger  *slog.Logger
	Config  json.RawMessage
	Inbound InboundFunc
}

// RegisterChannel installs a messaging channel.
func (a *API) RegisterChannel(c Channel) { a.reg.addChannel(a.pluginID, c) }

// RegisterDock attaches an auxiliary web surface to a channel (login
// pages, status panels). It is served under /docks/<channel>/<name>.
func (a *API) RegisterDock(d Dock) { a.reg.addDock(a.pluginID, d) }

// RegisterHTTP mounts a handler on the gateway mux under pattern.
func (a *API) RegisterHTTP(pattern string, h http.Handler) {
	a.reg.addHTTP(a.pluginID, pattern, h)
}

// RegisterService installs a start/stop worker.
func (a *API) RegisterService(s Service) { a.reg.addService(a.pluginID, s) }

// RegisterHook subscribes to a host event.
func (a *API) RegisterHook(h Hook) { a.reg.addHook(a.pluginID, h) }

type serviceState struct {
	pluginID string
	svc      Service
	missing  []string
	started  bool
}

type hookState struct {
	pluginID string
	hook     Hook
	missing  []string
}

// stopTimeout bounds each service's Stop during shutdown.
const stopTimeout = 5 * time.Second

// Registry holds descriptors and everything loaded plugins registered.
type Registry struct {
	logger *slog.Logger

	mu          sync.Mutex
	order       []string
	descriptors map[string]Descriptor
	loaded      map[string]bool

	channels map[string]Channel
	http     map[string]http.Handler
	docks    []dockState
	services []*serviceState
	hooks    []hookState
}

type dockState struct {
	pluginID string
	dock     Dock
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:      logger,
		descriptors: make(map[string]Descriptor),
		loaded:      make(map[string]bool),
		channels:    make(map[string]Channel),
		http:        make(map[string]http.Handler),
	}
}

// Add declares a plugin. Duplicate ids are rejected.
func (r *Registry) Add(d Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.descriptors[d.ID]; dup {
		return fmt.Errorf("plugin %q already registered", d.ID)
	}
	r.descriptors[d.ID] = d
	r.order = append(r.order, d.ID)
	return nil
}

// Load registers every enabled plugin. Bundled plugins default to disabled:
// only entries with enabled:true load. A plugin whose Register fails is
// logged and skipped; the rest still load.
func (r *Registry) Load(cfg *config.Config, inbound InboundFunc) {
	r.mu.Lock()
	order := append([]string(nil), r.order...)
	r.mu.Unlock()

	for _, id := range order {
		r.mu.Lock()
		d := r.descriptors[id]
		r.mu.Unlock()

		entry := cfg.Plugins.Entries[id]
		if entry.Enabled == nil || !*entry.Enabled {
			r.logger.Debug("plugins.skipped", "plugin", id, "reason", "disabled")
			continue
		}

		api := &API{
			reg:      r,
			pluginID: id,
			Logger:   r.logger.With("plugin", id),
			Config:   entry.Config,
			Inbound:  inbound,
		}
		if err := d.Register(api); err != nil {
			r.logger.Error("plugins.register_failed", "plugin", id, "error", err)
			continue
		}
		r.mu.Lock()
		r.loaded[id] = true
		r.mu.Unlock()
		r.logger.Info("plugins.loaded", "plugin", id)
	}
}

func (r *Registry) addChannel(pluginID string, c Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[c.Name()] = c
}

func (r *Registry) addHTTP(pluginID, pattern string, h http.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.http[pattern] = h
}

func (r *Registry) addDock(pluginID string, d Dock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docks = append(r.docks, dockState{pluginID: pluginID, dock: d})
	r.http["/docks/"+d.Channel+"/"+d.Name] = d.Handler
}

func (r *Registry) addService(pluginID string, s Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services = append(r.services, &serviceState{
		pluginID: pluginID,
		svc:      s,
		missing:  s.Requires.Unmet(),
	})
}

func (r *Registry) addHook(pluginID string, h Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hookState{
		pluginID: pluginID,
		hook:     h,
		missing:  h.Requires.Unmet(),
	})
}

// Channel returns the registered channel by name, or nil.
func (r *Registry) Channel(name string) Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channels[name]
}

// Channels returns all registered channels.
func (r *Registry) Channels() []Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Channel, 0, len(r.channels))
	for _, c := range r.channels {
		out = append(out, c)
	}
	return out
}

// HTTPRoutes returns the plugin-mounted HTTP handlers by pattern.
func (r *Registry) HTTPRoutes() map[string]http.Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]http.Handler, len(r.http))
	for p, h := range r.http {
		out[p] = h
	}
	return out
}

// StartServices starts eligible services sequentially. A failed start is
// logged and does not stop the remaining services from starting.
func (r *Registry) StartServices(ctx context.Context) {
	r.mu.Lock()
	services := append([]*serviceState(nil), r.services...)
	r.mu.Unlock()

	for _, st := range services {
		if len(st.missing) > 0 {
			r.logger.Warn("plugins.service_ineligible",
				"plugin", st.pluginID, "service", st.svc.Name, "missing", st.missing)
			continue
		}
		if st.svc.Start == nil {
			continue
		}
		if err := st.svc.Start(ctx); err != nil {
			r.logger.Error("plugins.service_start_failed",
				"plugin", st.pluginID, "service", st.svc.Name, "error", err)
			continue
		}
		st.started = true
		r.logger.Info("plugins.service_started", "plugin", st.pluginID, "service", st.svc.Name)
	}
}

// StopServices stops started services in reverse startup order. Each stop
// is best-effort and bounded by stopTimeout.
func (r *Registry) StopServices(ctx context.Context) {
	r.mu.Lock()
	services := append([]*serviceState(nil), r.services...)
	r.mu.Unlock()

	for i := len(services) - 1; i >= 0; i-- {
		st := services[i]
		if !st.started || st.svc.Stop == nil {
			continue
		}
		stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
		if err := st.svc.Stop(stopCtx); err != nil {
			r.logger.Warn("plugins.service_stop_failed",
				"plugin", st.pluginID, "service", st.svc.Name, "error", err)
		}
		cancel()
		st.started = false
	}
}

// FireHook invokes every eligible hook subscribed to event.
func (r *Registry) FireHook(ctx context.Context, event string, payload any) {
	r.mu.Lock()
	hooks := append([]hookState(nil), r.hooks...)
	r.mu.Unlock()

	for _, h := range hooks {
		if h.hook.Event != event || len(h.missing) > 0 {
			continue
		}
		h.hook.Fn(ctx, payload)
	}
}

// ServiceStatus is one service row in plugin listings.
type ServiceStatus struct {
	Name    string   `json:"name"`
	Running bool     `json:"running"`
	Missing []string `json:"missing,omitempty"`
}

// Status is one plugin row in plugin listings.
type Status struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Enabled     bool            `json:"enabled"`
	Docks       []string        `json:"docks,omitempty"`
	Services    []ServiceStatus `json:"services,omitempty"`
	Hooks       []ServiceStatus `json:"hooks,omitempty"`
}

// List reports every declared plugin with its load and eligibility state.
func (r *Registry) List() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.order))
	for _, id := range r.order {
		d := r.descriptors[id]
		st := Status{
			ID:          d.ID,
			Name:        d.Name,
			Description: d.Description,
			Enabled:     r.loaded[id],
		}
		for _, d := range r.docks {
			if d.pluginID == id {
				st.Docks = append(st.Docks, d.dock.Channel+"/"+d.dock.Name)
			}
		}
		for _, s := range r.services {
			if s.pluginID == id {
				st.Services = append(st.Services, ServiceStatus{
					Name:    s.svc.Name,
					Running: s.started,
					Missing: s.missing,
				})
			}
		}
		for _, h := range r.hooks {
			if h.pluginID == id {
				st.Hooks = append(st.Hooks, ServiceStatus{
					Name:    h.hook.Name,
					Missing: h.missing,
				})
			}
		}
		out = append(out, st)
	}
	return out
}
