package model

import "time"

// JobStatus captures the lifecycle of a job.
type JobStatus string

const (
	JobStatusPending          JobStatus = "pending"
	JobStatusRunning          JobStatus = "running"
	JobStatusCompleted        JobStatus = "completed"
	JobStatusCompletedNoItems JobStatus = "completed_no_items"
	JobStatusFailed           JobStatus = "failed"
	JobStatusAgentSkipped     JobStatus = "agent_skipped"
)

// Terminal reports whether the status is final. Terminal jobs are immutable.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusCompletedNoItems, JobStatusFailed, JobStatusAgentSkipped:
		return true
	}
	return false
}

// Success reports whether the status counts as a successful run for the
// flow's consecutive-failure tracking. agent_skipped is success-adjacent.
func (s JobStatus) Success() bool {
	switch s {
	case JobStatusCompleted, JobStatusCompletedNoItems, JobStatusAgentSkipped:
		return true
	}
	return false
}

// DirectSentinel marks ephemeral jobs that run a workflow without a
// persisted flow or pipeline behind it.
const DirectSentinel = "direct"

// Job is one execution attempt of one flow, processing exactly one item.
type Job struct {
	ID          string          `json:"id"`
	FlowID      string          `json:"flow_id"`
	PipelineID  string          `json:"pipeline_id"`
	Status      JobStatus       `json:"status"`
	Reason      string          `json:"reason,omitempty"`
	CurrentStep int             `json:"current_step"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Snapshot    *EngineSnapshot `json:"snapshot,omitempty"`
	Packet      DataPacket      `json:"packet"`
}

// CompoundStatus renders the legacy "status - reason" string for external
// consumers that still parse the combined format.
func (j *Job) CompoundStatus() string {
	if j == nil {
		return ""
	}
	if j.Reason == "" {
		return string(j.Status)
	}
	return string(j.Status) + " - " + j.Reason
}

// Direct reports whether the job is an ephemeral direct-execution run.
func (j *Job) Direct() bool {
	return j != nil && j.FlowID == DirectSentinel
}
