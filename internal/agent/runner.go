// Package agent is the boundary between the session hub and whatever
// executes agent runs. The hub hands a runner a prompt for a session key
// and receives a stream of output blocks back; everything about providers
// and models hides behind the Runner interface.
package agent

import (
	"context"
	"time"

	"github.com/epiloop/epiloop/internal/sessions"
	"github.com/epiloop/epiloop/pkg/protocol"
)

// DefaultRunCeiling caps one agent run when config does not say otherwise.
const DefaultRunCeiling = 2 * time.Hour

// Route names the agent (and its resolved provider/model) chosen for a run.
type Route struct {
	AgentID  string `json:"agentId"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

// Request is one unit of agent work for a session key.
type Request struct {
	SessionKey  sessions.Key
	Prompt      string
	Attachments []protocol.Attachment
	Route       Route
}

// Block is one natural output segment streamed by a runner. Boundary marks
// the end of a paragraph-sized unit the dispatcher may flush at. A block
// with ToolCall set is never mixed into a user-visible message.
type Block struct {
	Text     string
	Boundary bool
	ToolCall string
}

// Status is a run's terminal outcome.
type Status struct {
	Outcome      string `json:"outcome"` // completed|failed|cancelled
	Error        string `json:"error,omitempty"`
	InputTokens  int64  `json:"inputTokens,omitempty"`
	OutputTokens int64  `json:"outputTokens,omitempty"`
}

// Run outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Runner executes agent runs. Implementations stream blocks through emit
// in production order; emit is called from a single goroutine per run.
type Runner interface {
	Run(ctx context.Context, req Request, emit func(Block)) (Status, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, req Request, emit func(Block)) (Status, error)

func (f RunnerFunc) Run(ctx context.Context, req Request, emit func(Block)) (Status, error) {
	return f(ctx, req, emit)
}
