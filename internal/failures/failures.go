// Package failures is the process-wide sink for failures nothing else
// handled. Subsystems report here instead of installing their own
// catch-alls; registered handlers get a chance to consume each failure,
// and anything left over is logged and terminates the process.
package failures

import (
	"log/slog"
	"os"
	"sync"

	"github.com/epiloop/epiloop/pkg/protocol"
)

// Handler inspects a failure and reports whether it consumed it.
type Handler func(err error) (consumed bool)

// Registry fans unhandled failures out to registered handlers.
type Registry struct {
	logger *slog.Logger
	exit   func(code int)

	mu       sync.Mutex
	handlers []Handler
}

// NewRegistry creates a registry. exit defaults to os.Exit.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger, exit: os.Exit}
}

// Register adds a handler. Handlers run in registration order.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
}

// Report offers err to every handler. When none consumes it, the failure
// is logged with its taxonomy kind and the process exits with code 1.
func (r *Registry) Report(err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	handlers := append([]Handler(nil), r.handlers...)
	r.mu.Unlock()

	for _, h := range handlers {
		if h(err) {
			return
		}
	}

	kind := protocol.KindFatal
	code := ""
	if perr, ok := err.(*protocol.Error); ok {
		kind = perr.Kind
		code = perr.Code
	}
	r.logger.Error("failure.unhandled", "kind", kind, "code", code, "error", err)
	r.exit(1)
}

var (
	defaultMu  sync.Mutex
	defaultReg *Registry
)

// Default returns the process-wide registry, creating it on first use.
func Default() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultReg == nil {
		defaultReg = NewRegistry(nil)
	}
	return defaultReg
}

// Register adds a handler to the process-wide registry.
func Register(h Handler) { Default().Register(h) }

// Report sends err through the process-wide registry.
func Report(err error) { Default().Report(err) }
