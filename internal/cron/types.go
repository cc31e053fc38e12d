// Package cron is the crash-safe job scheduler. Jobs live in a per-agent
// JSON store; all store mutations happen under the scheduler lock, and job
// bodies run outside it so list/status stay responsive during a run.
package cron

// Schedule kinds.
const (
	KindEvery = "every"
	KindCron  = "cron"
	KindAt    = "at"
)

// Session targets for a job's agent turn.
const (
	TargetMain     = "main"
	TargetIsolated = "isolated"
	TargetNamed    = "named"
)

// Delivery modes.
const (
	DeliverySilent   = "silent"
	DeliveryAnnounce = "announce"
	DeliveryDirect   = "direct"
)

// Schedule describes when a job fires.
type Schedule struct {
	Kind     string `json:"kind"`
	EveryMs  int64  `json:"everyMs,omitempty"`
	AnchorMs int64  `json:"anchorMs,omitempty"`
	Expr     string `json:"expr,omitempty"`
	TZ       string `json:"tz,omitempty"`
	AtMs     int64  `json:"atMs,omitempty"`
}

// Delivery describes where a job's output goes.
type Delivery struct {
	Mode    string `json:"mode"`
	Channel string `json:"channel,omitempty"`
	To      string `json:"to,omitempty"`
}

// JobState is the mutable run bookkeeping for a job.
type JobState struct {
	NextRunAtMs        *int64 `json:"nextRunAtMs,omitempty"`
	LastRunAtMs        *int64 `json:"lastRunAtMs,omitempty"`
	RunningAtMs        *int64 `json:"runningAtMs,omitempty"`
	LastError          string `json:"lastError,omitempty"`
	LastDeliveryStatus string `json:"lastDeliveryStatus,omitempty"`
	LastDurationMs     *int64 `json:"lastDurationMs,omitempty"`
}

// Job is one scheduled agent turn.
type Job struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Enabled       bool     `json:"enabled"`
	CreatedAtMs   int64    `json:"createdAtMs"`
	UpdatedAtMs   int64    `json:"updatedAtMs"`
	Schedule      Schedule `json:"schedule"`
	SessionTarget string   `json:"sessionTarget"`
	SessionKey    string   `json:"sessionKey,omitempty"` // for named targets
	Message       string   `json:"message"`
	Delivery      Delivery `json:"delivery"`
	State         JobState `json:"state"`
}

// File is the on-disk shape of cron/<agentId>.json.
type File struct {
	Version int   `json:"version"`
	Jobs    []Job `json:"jobs"`
}

// RunOutcome reports whether a run attempt actually executed.
type RunOutcome struct {
	Ran    bool   `json:"ran"`
	Reason string `json:"reason,omitempty"`
}
