package protocol

// Operator RPC method names carried in MethodCall frames.
const (
	MethodHealth = "health"
	MethodStatus = "status"

	MethodSessionsList = "sessions.list"

	MethodSend = "send" // message send --channel ... --target ...

	MethodAgent     = "agent"      // one-shot agent run
	MethodAgentWait = "agent.wait" // wait for a run to settle

	MethodNodesList     = "nodes.list"
	MethodNodesPending  = "nodes.pending"
	MethodNodesApprove  = "nodes.approve"
	MethodNodesReject   = "nodes.reject"
	MethodNodesDescribe = "nodes.describe"
	MethodNodesRename   = "nodes.rename"
	MethodNodesInvoke   = "nodes.invoke"

	MethodChannelsList   = "channels.list"
	MethodChannelsStatus = "channels.status"
	MethodChannelsLogin  = "channels.login"
	MethodChannelsLogout = "channels.logout"

	MethodPluginsList    = "plugins.list"
	MethodPluginsEnable  = "plugins.enable"
	MethodPluginsDisable = "plugins.disable"

	MethodPairingApprove = "pairing.approve"

	MethodApprovalsAllowlistAdd    = "approvals.allowlist.add"
	MethodApprovalsAllowlistRemove = "approvals.allowlist.remove"
	MethodApprovalsAllowlistList   = "approvals.allowlist.list"

	MethodCronStatus = "cron.status"
)

// Node invoke commands understood by companion nodes, with per-command
// timeout ceilings enforced by the hub.
const (
	NodeCanvasSnapshot = "canvas.snapshot"
	NodeCanvasPresent  = "canvas.present"
	NodeCanvasNavigate = "canvas.navigate"
	NodeCanvasEval     = "canvas.eval"
	NodeCameraSnap     = "camera.snap"
	NodeCameraClip     = "camera.clip"
	NodeCameraList     = "camera.list"
	NodeScreenRecord   = "screen.record"
	NodeLocationGet    = "location.get"
	NodeSystemRun      = "system.run"
	NodeAbort          = "abort"
)
