package protocol

// WebSocket event names pushed from server to client.
const (
	EventChat             = "chat"
	EventAgent            = "agent"
	EventHealth           = "health"
	EventShutdown         = "shutdown"
	EventExecStarted      = "exec.started"
	EventExecFinished     = "exec.finished"
	EventExecDenied       = "exec.denied"
	EventExecApprovalReq  = "exec.approval.requested"
	EventExecApprovalRes  = "exec.approval.resolved"
	EventCron             = "cron"
	EventSessionUpdated   = "session.updated"
	EventCompactionPhase  = "compaction.phase"
	EventVoicewakeChanged = "voicewake.changed"
	EventNodePairReq      = "node.pair.requested"
	EventNodePairRes      = "node.pair.resolved"
	EventNodeInvoke       = "node.invoke.requested"
	EventTyping           = "typing"
)

// Chat event subtypes (in payload.type).
const (
	ChatEventPartial = "partial"
	ChatEventBlock   = "block"
	ChatEventFinal   = "final"
	ChatEventTool    = "tool"
	ChatEventError   = "error"
)

// Cron event subtypes (in payload.type).
const (
	CronEventAdded    = "added"
	CronEventRemoved  = "removed"
	CronEventUpdated  = "updated"
	CronEventStarted  = "started"
	CronEventFinished = "finished"
)

// EventBufferSize is how many events each subscription retains for late
// joiners. Oldest events are dropped first.
const EventBufferSize = 200
