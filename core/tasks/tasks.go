// Package tasks implements the deferred-task service the engine schedules
// all work through: one-shot and recurring tasks persisted in Redis, claimed
// in batches by a runner, and dispatched as bus envelopes. Delivery is
// at-least-once; every consumer guards with status checks.
package tasks

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// Actions dispatched through the task service.
const (
	ActionFlowRun = "flow.run"
	ActionJobStep = "job.step"
)

// Task is one deferred unit of work.
type Task struct {
	ID       string            `json:"id"`
	Action   string            `json:"action"`
	Args     map[string]string `json:"args,omitempty"`
	RunAt    time.Time         `json:"run_at"`
	Interval time.Duration     `json:"interval,omitempty"` // >0 = recurring
}

// Recurring reports whether the task re-arms after each claim.
func (t *Task) Recurring() bool {
	return t != nil && t.Interval > 0
}

// Service is the deferred-task contract consumed by the engine and the
// scheduler adapter.
type Service interface {
	// ScheduleOnce registers a single future invocation of action.
	ScheduleOnce(ctx context.Context, action string, args map[string]string, at time.Time) error
	// ScheduleRecurring registers (or idempotently re-registers) a
	// recurring invocation at the given interval.
	ScheduleRecurring(ctx context.Context, action string, args map[string]string, interval time.Duration) error
	// Unschedule removes a pending task matching action+args.
	Unschedule(ctx context.Context, action string, args map[string]string) error
	// RunDue claims up to max tasks whose run time has passed. Claimed
	// one-shot tasks are removed; recurring tasks are re-armed.
	RunDue(ctx context.Context, now time.Time, max int) ([]Task, error)
}

// TaskID derives a stable identifier from action and args so repeated
// registration of the same schedule overwrites rather than duplicates.
func TaskID(action string, args map[string]string) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha1.New()
	h.Write([]byte(action))
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(args[k]))
	}
	return action + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

func marshalTask(t *Task) ([]byte, error) {
	return json.Marshal(t)
}

func unmarshalTask(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}
