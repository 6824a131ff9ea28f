package bus

// Worker event topics.
const (
	TopicWorkerRegistered = "worker.registered"
	TopicWorkerOffline    = "worker.offline"
)

// Session and progress event topics.
const (
	TopicSessionStateChanged = "session.state_changed"
	TopicProgressUpdated     = "progress.updated"
	TopicConfigReloaded      = "config.reloaded"
)

// WorkerEvent is published on worker registration and when the reaper marks
// one offline.
type WorkerEvent struct {
	WorkerID       string // Worker ID
	Name           string // Worker name
	Status         string // Worker status after the event
	ReclaimedTasks int    // Tasks returned to the queue (offline only)
}

// SessionEvent is published when a session's status changes.
type SessionEvent struct {
	SessionID string
	OldStatus string
	NewStatus string
}

// ProgressEvent is published after a terminal task transition commits its
// counter deltas. It carries no counters; subscribers read the progress row,
// which is the single source of truth.
type ProgressEvent struct {
	SessionID string
}
