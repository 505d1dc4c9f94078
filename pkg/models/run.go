package models

import "time"

// RunStatus is the lifecycle state of a dispatched run.
//
// Transitions out of pending/running are made by the external executor;
// this service only reads them back.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether the status is a final state.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// Run is one dispatched execution of an agent against a prompt.
type Run struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"owner_id"`
	AgentVersionID string    `json:"agent_version_id"`
	Prompt         string    `json:"prompt"`
	Status         RunStatus `json:"status"`
	Result         string    `json:"result,omitempty"`
	Error          string    `json:"error,omitempty"`
	HeartbeatAt    time.Time `json:"heartbeat_at,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// RunEvent is one entry in the executor's event log for a run.
// The most recent "result" event by sequence carries the durable output.
type RunEvent struct {
	RunID     string    `json:"run_id"`
	Seq       int64     `json:"seq"`
	Type      string    `json:"type"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// EventTypeResult marks the event carrying a run's durable output text.
const EventTypeResult = "result"
