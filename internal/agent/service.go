package agent

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/epiloop/epiloop/internal/chunker"
	"github.com/epiloop/epiloop/internal/config"
	"github.com/epiloop/epiloop/internal/sessions"
	"github.com/epiloop/epiloop/internal/visibility"
	"github.com/epiloop/epiloop/pkg/protocol"
)

// ActivityRecorder appends run records to the audit/activity log.
type ActivityRecorder interface {
	RecordRun(ctx context.Context, key sessions.Key, route Route, status Status, elapsed time.Duration)
}

// IndicatorFunc emits a typing/processing indicator event out-of-band.
type IndicatorFunc func(ctx context.Context, ind protocol.Indicator)

// Service executes inbound conversation events through the configured
// runner. It implements the session table's Handler contract: one call per
// envelope, serialized per session key.
type Service struct {
	cfg       *config.Config
	runner    Runner
	deliver   DeliverFunc
	indicator IndicatorFunc
	activity  ActivityRecorder
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewService wires the runner boundary. indicator and activity may be nil.
func NewService(cfg *config.Config, runner Runner, deliver DeliverFunc, indicator IndicatorFunc, activity ActivityRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:       cfg,
		runner:    runner,
		deliver:   deliver,
		indicator: indicator,
		activity:  activity,
		logger:    logger,
		tracer:    otel.Tracer("epiloop/agent"),
	}
}

// Handle runs one envelope to completion. A failed run returns the error
// so the session flips to failed; the next queued envelope still proceeds.
func (s *Service) Handle(ctx context.Context, sess *sessions.Session, env sessions.Envelope) error {
	in := env.Inbound
	kind := sessions.PeerKind(in.Peer.Kind)
	route := ResolveRoute(s.cfg, in.Channel, in.Account, kind, in.Peer.ID)

	ctx, span := s.tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("session.key", string(env.Key)),
		attribute.String("agent.id", route.AgentID),
		attribute.String("channel", in.Channel),
	))
	defer span.End()

	ceiling := s.runCeiling(route.AgentID)
	ctx, cancel := context.WithTimeout(ctx, ceiling)
	defer cancel()

	vis := visibility.Resolve(s.cfg, in.Channel, in.Account)
	if vis.UseIndicator && s.indicator != nil {
		s.indicator(ctx, protocol.Indicator{
			Channel: in.Channel,
			Account: in.Account,
			Peer:    in.Peer,
			State:   "typing",
		})
	}

	base := protocol.Deliver{
		Channel:    in.Channel,
		Account:    in.Account,
		Peer:       in.Peer,
		Thread:     in.Thread,
		SessionKey: string(env.Key),
		ReplyToID:  in.MessageID,
	}
	if kind == sessions.PeerGroup || kind == sessions.PeerChannel {
		base.ReplyTo = string(visibility.ResolveReplyTo(s.cfg, in.Channel, in.Peer.ID, in.Thread))
	}
	limit := chunker.ResolveLimit(s.cfg, in.Channel, in.Account, 0)
	mode := chunker.ResolveMode(s.cfg, in.Channel)
	tables := visibility.ResolveTableMode(s.cfg, in.Channel, in.Account)
	disp := NewDispatcher(ctx, base, limit, mode, s.deliver, s.logger)

	start := time.Now()
	status, runErr := s.runner.Run(ctx, Request{
		SessionKey:  env.Key,
		Prompt:      in.Body,
		Attachments: in.Attachments,
		Route:       route,
	}, func(b Block) {
		if b.ToolCall != "" {
			sess.SetState(sessions.StateAwaitingTool)
		} else {
			sess.SetState(sessions.StateStreaming)
		}
		if b.Text != "" {
			b.Text = visibility.RenderTables(b.Text, tables)
		}
		disp.Push(b)
	})

	deliverErr := disp.Close()
	elapsed := time.Since(start)

	if s.activity != nil {
		s.activity.RecordRun(ctx, env.Key, route, status, elapsed)
	}

	switch {
	case runErr != nil:
		span.SetStatus(codes.Error, runErr.Error())
		if ctx.Err() == context.DeadlineExceeded {
			return protocol.WrapError(protocol.KindRunner, protocol.CodeRunTimeout, "run exceeded ceiling", runErr)
		}
		return protocol.WrapError(protocol.KindRunner, "", "agent run failed", runErr)
	case deliverErr != nil:
		// The run itself succeeded; surface the delivery failure upstream.
		span.SetStatus(codes.Error, deliverErr.Error())
		return deliverErr
	}

	s.logger.Info("agent.run_completed",
		"sessionKey", env.Key,
		"agent", route.AgentID,
		"outcome", status.Outcome,
		"elapsedMs", elapsed.Milliseconds())
	return nil
}

// runCeiling parses the configured run ceiling, defaulting to two hours.
func (s *Service) runCeiling(agentID string) time.Duration {
	spec := s.cfg.ResolveAgent(agentID)
	if spec.RunCeiling == "" {
		return DefaultRunCeiling
	}
	d, err := time.ParseDuration(spec.RunCeiling)
	if err != nil || d <= 0 {
		return DefaultRunCeiling
	}
	return d
}
