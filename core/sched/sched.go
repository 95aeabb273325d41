// Package sched translates a flow's schedule config into deferred-task
// registrations and keeps them in sync with flow state across restarts.
package sched

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flowpress/flowpress/core/infra/bus"
	"github.com/flowpress/flowpress/core/infra/config"
	"github.com/flowpress/flowpress/core/infra/logging"
	"github.com/flowpress/flowpress/core/model"
	"github.com/flowpress/flowpress/core/store"
	"github.com/flowpress/flowpress/core/tasks"
)

// Scheduler syncs flow schedules with the deferred-task service. Named
// intervals become recurring tasks; cron schedules are one-shot tasks that
// re-arm after each fire.
type Scheduler struct {
	store     *store.Store
	tasks     tasks.Service
	intervals *config.IntervalConfig
}

// New wires a scheduler; nil intervals fall back to the defaults.
func New(s *store.Store, svc tasks.Service, intervals *config.IntervalConfig) *Scheduler {
	if intervals == nil {
		intervals = config.DefaultIntervals()
	}
	return &Scheduler{store: s, tasks: svc, intervals: intervals}
}

// Validate checks a schedule config without touching the task service.
// oneShot marks a run-at-timestamp request, which is a distinct mode from
// recurring schedules and validated separately.
func (s *Scheduler) Validate(sc *model.ScheduleConfig, oneShot bool, at time.Time) error {
	if oneShot {
		if !at.After(time.Now()) {
			return fmt.Errorf("scheduled run time must be in the future")
		}
		return nil
	}
	switch sc.Mode {
	case model.ScheduleManual:
		return nil
	case model.ScheduleInterval:
		if _, ok := s.intervals.Lookup(sc.Interval); !ok {
			return fmt.Errorf("unknown interval %q (known: %v)", sc.Interval, s.intervals.Names())
		}
		return nil
	case model.ScheduleCron:
		if _, err := cron.ParseStandard(sc.Cron); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", sc.Cron, err)
		}
		return nil
	}
	return fmt.Errorf("unknown schedule mode %q", sc.Mode)
}

// Apply registers (or removes) the task service entries for one flow.
// Registration is idempotent: the task id derives from action+args, so a
// re-apply overwrites rather than duplicates.
func (s *Scheduler) Apply(ctx context.Context, flow *model.Flow) error {
	if flow == nil {
		return fmt.Errorf("nil flow")
	}
	if err := s.Validate(&flow.Schedule, false, time.Time{}); err != nil {
		return err
	}
	args := map[string]string{"flow_id": flow.ID}
	switch flow.Schedule.Mode {
	case model.ScheduleManual:
		return s.tasks.Unschedule(ctx, tasks.ActionFlowRun, args)
	case model.ScheduleInterval:
		d, _ := s.intervals.Lookup(flow.Schedule.Interval)
		return s.tasks.ScheduleRecurring(ctx, tasks.ActionFlowRun, args, d)
	case model.ScheduleCron:
		next, err := s.NextCron(flow.Schedule.Cron, time.Now())
		if err != nil {
			return err
		}
		return s.tasks.ScheduleOnce(ctx, tasks.ActionFlowRun, args, next)
	}
	return fmt.Errorf("unknown schedule mode %q", flow.Schedule.Mode)
}

// Remove drops a flow's pending schedule entry.
func (s *Scheduler) Remove(ctx context.Context, flowID string) error {
	return s.tasks.Unschedule(ctx, tasks.ActionFlowRun, map[string]string{"flow_id": flowID})
}

// NextCron computes the next fire time of a cron expression after t.
func (s *Scheduler) NextCron(expr string, t time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched.Next(t), nil
}

// SyncAll re-registers every non-manual flow. Run at startup so a host
// restart does not silently stop recurring flows.
func (s *Scheduler) SyncAll(ctx context.Context) error {
	flows, err := s.store.ListFlows(ctx, 0)
	if err != nil {
		return fmt.Errorf("list flows: %w", err)
	}
	synced := 0
	for _, flow := range flows {
		if flow.Schedule.Mode == model.ScheduleManual {
			continue
		}
		if err := s.Apply(ctx, flow); err != nil {
			logging.Error("sched", "re-register failed", "flow_id", flow.ID, "error", err)
			continue
		}
		synced++
	}
	logging.Info("sched", "schedules synced", "flows", synced)
	return nil
}

// Subscribe re-arms cron flows after each fire. The engine consumes
// flow.run in its own queue group; this subscription uses a separate group
// so both see every fire.
func (s *Scheduler) Subscribe(ctx context.Context, b bus.Bus) error {
	return b.Subscribe(bus.SubjectFlowRun, "sched", func(env *bus.Envelope) {
		var task tasks.Task
		if err := env.Decode(&task); err != nil {
			return
		}
		flowID := task.Args["flow_id"]
		flow, err := s.store.GetFlow(ctx, flowID)
		if err != nil {
			return
		}
		if flow.Schedule.Mode != model.ScheduleCron {
			return
		}
		if err := s.Apply(ctx, flow); err != nil {
			logging.Error("sched", "cron re-arm failed", "flow_id", flowID, "error", err)
		}
	})
}
