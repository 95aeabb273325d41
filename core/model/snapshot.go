package model

// EngineSnapshot is the frozen copy of flow and pipeline configuration
// captured when a job starts, plus the engine-parameter side channel.
// Config drift during long-running execution never touches an in-flight job.
//
// Snapshots are treated as immutable: steps return a SnapshotDelta and the
// job engine applies it through Merge, which produces a new snapshot with a
// bumped version.
type EngineSnapshot struct {
	Version      int       `json:"version"`
	Pipeline     *Pipeline `json:"pipeline"`
	Flow         *Flow     `json:"flow"`
	GlobalPrompt string    `json:"global_prompt,omitempty"`

	// Params holds engine parameters (source URLs, image paths) keyed by
	// name. They stay out of the data packet so the AI-visible payload is
	// content only.
	Params map[string]string `json:"params,omitempty"`

	// StatusOverride, when set by a tool mid-conversation, short-circuits
	// the job to the given terminal status after the current step.
	StatusOverride JobStatus `json:"status_override,omitempty"`
	OverrideReason string    `json:"override_reason,omitempty"`
}

// SnapshotDelta is the set of changes a step may request.
type SnapshotDelta struct {
	Params         map[string]string `json:"params,omitempty"`
	StatusOverride JobStatus         `json:"status_override,omitempty"`
	OverrideReason string            `json:"override_reason,omitempty"`
}

// Empty reports whether the delta changes nothing.
func (d *SnapshotDelta) Empty() bool {
	return d == nil || (len(d.Params) == 0 && d.StatusOverride == "" && d.OverrideReason == "")
}

// Merge returns a new snapshot with the delta applied and version bumped.
// The receiver is never mutated.
func (s *EngineSnapshot) Merge(delta *SnapshotDelta) *EngineSnapshot {
	if s == nil {
		return nil
	}
	next := *s
	next.Params = make(map[string]string, len(s.Params)+len(deltaParams(delta)))
	for k, v := range s.Params {
		next.Params[k] = v
	}
	if delta != nil {
		for k, v := range delta.Params {
			next.Params[k] = v
		}
		if delta.StatusOverride != "" {
			next.StatusOverride = delta.StatusOverride
		}
		if delta.OverrideReason != "" {
			next.OverrideReason = delta.OverrideReason
		}
	}
	next.Version = s.Version + 1
	return &next
}

func deltaParams(d *SnapshotDelta) map[string]string {
	if d == nil {
		return nil
	}
	return d.Params
}

// StepStatus is the terminal state of one step execution.
type StepStatus string

const (
	StepCompleted        StepStatus = "completed"
	StepCompletedNoItems StepStatus = "completed_no_items"
	StepFailed           StepStatus = "failed"
	StepAgentSkipped     StepStatus = "agent_skipped"
)

// StepResult is the outcome of executing one step against one job.
type StepResult struct {
	Status  StepStatus     `json:"status"`
	Reason  string         `json:"reason,omitempty"`
	Entry   *PacketEntry   `json:"entry,omitempty"`
	Delta   *SnapshotDelta `json:"delta,omitempty"`
	Warning string         `json:"warning,omitempty"`
}
