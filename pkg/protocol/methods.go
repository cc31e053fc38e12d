package protocol

// RPC method name constants, grouped by subsystem.

// Chat and agent runs.
const (
	MethodChatSend   = "chat.send"
	MethodChatInject = "chat.inject"
	MethodChatAbort  = "chat.abort"
	MethodAgent      = "agent"
	MethodSend       = "send"
)

// Config.
const (
	MethodConfigGet = "config.get"
	MethodConfigSet = "config.set"
)

// Cron jobs.
const (
	MethodCronAdd    = "cron.add"
	MethodCronList   = "cron.list"
	MethodCronUpdate = "cron.update"
	MethodCronRemove = "cron.remove"
	MethodCronRun    = "cron.run"
	MethodCronStatus = "cron.status"
)

// Sessions.
const (
	MethodSessionsList    = "sessions.list"
	MethodSessionsHistory = "sessions.history"
	MethodSessionsSend    = "sessions.send"
	MethodSessionsPatch   = "sessions.patch"
	MethodSessionsReset   = "sessions.reset"
)

// Device nodes.
const (
	MethodNodeList     = "node.list"
	MethodNodeDescribe = "node.describe"
	MethodNodeInvoke   = "node.invoke"
	MethodNodeConnect  = "node.connect"
	MethodNodeResult   = "node.result"
)

// Pairing.
const (
	MethodPairingList    = "pairing.list"
	MethodPairingApprove = "pairing.approve"
	MethodPairingRevoke  = "pairing.revoke"
)

// Exec approvals.
const (
	MethodApprovalsList    = "exec.approval.list"
	MethodApprovalsResolve = "exec.approval.resolve"
)

// Voice wake.
const (
	MethodVoicewakeGet = "voicewake.get"
	MethodVoicewakeSet = "voicewake.set"
)

// Usage accounting.
const (
	MethodUsageSummary = "usage.summary"
)

// System.
const (
	MethodConnect = "connect"
	MethodHealth  = "health"
	MethodStatus  = "status"
)
