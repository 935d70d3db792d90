package cron

import (
	"context"
	"log/slog"
	"time"

	"github.com/epiloop/epiloop/internal/config"
	"github.com/epiloop/epiloop/internal/visibility"
	"github.com/epiloop/epiloop/pkg/protocol"
)

// EmitFunc publishes one heartbeat event (broadcast to operators and,
// when visibility allows, delivered to channels).
type EmitFunc func(ctx context.Context, hb protocol.Heartbeat)

// Heartbeat periodically emits event.heartbeat for every enabled channel.
// Visibility decides per channel/account whether an "ok" beat is shown;
// alert beats pass unless explicitly disabled.
type Heartbeat struct {
	cfg    *config.Config
	emit   EmitFunc
	logger *slog.Logger

	every  time.Duration
	cancel context.CancelFunc
	done   chan struct{}

	// check produces the current status; nil means always ok.
	check func(ctx context.Context) (status, detail string)
}

// HeartbeatInterval reads agents.defaults.heartbeat.every; zero disables.
func HeartbeatInterval(cfg *config.Config) time.Duration {
	hb := cfg.Agents.Defaults.Heartbeat
	if hb == nil || hb.Every == "" {
		return 0
	}
	d, err := time.ParseDuration(hb.Every)
	if err != nil || d <= 0 {
		return 0
	}
	return d
}

// NewHeartbeat builds the heartbeat service. check may be nil.
func NewHeartbeat(cfg *config.Config, emit EmitFunc, check func(ctx context.Context) (string, string), logger *slog.Logger) *Heartbeat {
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeat{
		cfg:    cfg,
		emit:   emit,
		check:  check,
		logger: logger,
		every:  HeartbeatInterval(cfg),
	}
}

// Start begins beating; a zero interval leaves the service idle.
func (h *Heartbeat) Start(ctx context.Context) error {
	if h.every <= 0 {
		h.logger.Debug("heartbeat.disabled")
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.cancel = cancel
	h.done = make(chan struct{})

	go func() {
		defer close(h.done)
		ticker := time.NewTicker(h.every)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				h.beat(loopCtx)
			}
		}
	}()
	return nil
}

// Stop halts the beat loop.
func (h *Heartbeat) Stop(ctx context.Context) error {
	if h.cancel == nil {
		return nil
	}
	h.cancel()
	select {
	case <-h.done:
	case <-ctx.Done():
	}
	return nil
}

func (h *Heartbeat) beat(ctx context.Context) {
	status, detail := "ok", ""
	if h.check != nil {
		status, detail = h.check(ctx)
	}
	for channel := range h.cfg.Channels {
		if !Visible(h.cfg, channel, "", status) {
			continue
		}
		h.emit(ctx, protocol.Heartbeat{Channel: channel, Status: status, Detail: detail})
	}
	// Operators always see the gateway-level beat.
	h.emit(ctx, protocol.Heartbeat{Status: status, Detail: detail})
}

// Visible applies the heartbeat visibility policy to one beat.
func Visible(cfg *config.Config, channel, accountID, status string) bool {
	v := visibility.Resolve(cfg, channel, accountID)
	if status == "ok" {
		return v.ShowOK
	}
	return v.ShowAlerts
}
