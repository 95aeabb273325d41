package tasks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryService is an in-process Service used by tests and direct execution.
type MemoryService struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

// NewMemoryService returns an empty in-memory task service.
func NewMemoryService() *MemoryService {
	return &MemoryService{tasks: make(map[string]*Task)}
}

func (s *MemoryService) ScheduleOnce(_ context.Context, action string, args map[string]string, at time.Time) error {
	if action == "" {
		return fmt.Errorf("task action required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := TaskID(action, args)
	s.tasks[id] = &Task{ID: id, Action: action, Args: args, RunAt: at.UTC()}
	return nil
}

func (s *MemoryService) ScheduleRecurring(_ context.Context, action string, args map[string]string, interval time.Duration) error {
	if action == "" {
		return fmt.Errorf("task action required")
	}
	if interval <= 0 {
		return fmt.Errorf("recurring interval must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := TaskID(action, args)
	s.tasks[id] = &Task{ID: id, Action: action, Args: args, RunAt: time.Now().UTC().Add(interval), Interval: interval}
	return nil
}

func (s *MemoryService) Unschedule(_ context.Context, action string, args map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, TaskID(action, args))
	return nil
}

func (s *MemoryService) RunDue(_ context.Context, now time.Time, max int) ([]Task, error) {
	if max <= 0 {
		max = 25
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Task
	for _, t := range s.tasks {
		if !t.RunAt.After(now) {
			due = append(due, *t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RunAt.Before(due[j].RunAt) })
	if len(due) > max {
		due = due[:max]
	}
	for i := range due {
		if due[i].Recurring() {
			next := *s.tasks[due[i].ID]
			next.RunAt = now.UTC().Add(next.Interval)
			s.tasks[due[i].ID] = &next
		} else {
			delete(s.tasks, due[i].ID)
		}
	}
	return due, nil
}

// Pending returns the number of registered tasks, for test assertions.
func (s *MemoryService) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}
