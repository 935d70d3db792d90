package protocol

// Event names broadcast to subscribed WebSocket clients.
const (
	EventHealth        = "health"
	EventShutdown      = "shutdown"
	EventPresence      = "presence"
	EventPairRequested = "pair.requested"
	EventPairResolved  = "pair.resolved"
)

// Run lifecycle event subtypes (in payload.type).
const (
	RunEventStarted   = "run.started"
	RunEventBlock     = "run.block"
	RunEventToolCall  = "run.tool_call"
	RunEventCompleted = "run.completed"
	RunEventFailed    = "run.failed"
)
