package cron

import (
	"context"
	"encoding/json"

	"github.com/epiloop/epiloop/internal/gateway"
	"github.com/epiloop/epiloop/pkg/protocol"
)

// RegisterMethods binds cron.status onto the gateway router.
func RegisterMethods(r *gateway.MethodRouter, s *Scheduler) {
	r.Register(protocol.MethodCronStatus, func(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, error) {
		return s.Status(), nil
	})
}
