package tasks

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/flowpress/flowpress/core/infra/bus"
)

func TestTaskIDStable(t *testing.T) {
	a := TaskID(ActionFlowRun, map[string]string{"flow_id": "f-1", "mode": "cron"})
	b := TaskID(ActionFlowRun, map[string]string{"mode": "cron", "flow_id": "f-1"})
	if a != b {
		t.Fatalf("arg order changed id: %s vs %s", a, b)
	}
	c := TaskID(ActionFlowRun, map[string]string{"flow_id": "f-2"})
	if a == c {
		t.Fatal("different args produced the same id")
	}
	if got := TaskID(ActionJobStep, nil); got[:len(ActionJobStep)+1] != ActionJobStep+":" {
		t.Fatalf("id not action-prefixed: %s", got)
	}
}

func newRedisService(t *testing.T) *RedisService {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisService(client)
}

func TestRedisScheduleClaimUnschedule(t *testing.T) {
	svc := newRedisService(t)
	ctx := context.Background()
	now := time.Now()

	args := map[string]string{"flow_id": "f-1"}
	if err := svc.ScheduleOnce(ctx, ActionFlowRun, args, now.Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := svc.ScheduleOnce(ctx, ActionFlowRun, map[string]string{"flow_id": "f-2"}, now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	due, err := svc.RunDue(ctx, now, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].Args["flow_id"] != "f-1" {
		t.Fatalf("due = %+v", due)
	}
	// One-shot removal: a second claim finds nothing.
	due, err = svc.RunDue(ctx, now, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Fatalf("one-shot claimed twice: %+v", due)
	}

	if err := svc.Unschedule(ctx, ActionFlowRun, map[string]string{"flow_id": "f-2"}); err != nil {
		t.Fatal(err)
	}
	due, err = svc.RunDue(ctx, now.Add(2*time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Fatalf("unscheduled task still claimed: %+v", due)
	}
}

func TestRedisRecurringRearm(t *testing.T) {
	svc := newRedisService(t)
	ctx := context.Background()

	args := map[string]string{"flow_id": "f-1"}
	if err := svc.ScheduleRecurring(ctx, ActionFlowRun, args, time.Minute); err != nil {
		t.Fatal(err)
	}
	// Re-registration with identical args overwrites instead of duplicating.
	if err := svc.ScheduleRecurring(ctx, ActionFlowRun, args, time.Minute); err != nil {
		t.Fatal(err)
	}

	later := time.Now().Add(2 * time.Minute)
	due, err := svc.RunDue(ctx, later, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 {
		t.Fatalf("due = %+v", due)
	}
	if !due[0].Recurring() {
		t.Fatal("interval lost on claim")
	}
	// Re-armed for the next interval.
	due, err = svc.RunDue(ctx, later.Add(2*time.Minute), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 {
		t.Fatalf("recurring task not re-armed: %+v", due)
	}
}

func TestRedisClaimAtMostOnce(t *testing.T) {
	svc := newRedisService(t)
	ctx := context.Background()

	if err := svc.ScheduleOnce(ctx, ActionJobStep, map[string]string{"job_id": "j-1"}, time.Now().Add(-time.Second)); err != nil {
		t.Fatal(err)
	}

	const workers = 8
	var wg sync.WaitGroup
	counts := make([]int, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			due, err := svc.RunDue(ctx, time.Now(), 10)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			counts[i] = len(due)
		}(i)
	}
	wg.Wait()

	total := 0
	for _, n := range counts {
		total += n
	}
	if total != 1 {
		t.Fatalf("task claimed %d times", total)
	}
}

type stubBus struct {
	mu        sync.Mutex
	published []struct {
		Subject string
		Env     *bus.Envelope
	}
}

func (b *stubBus) Publish(subject string, env *bus.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, struct {
		Subject string
		Env     *bus.Envelope
	}{subject, env})
	return nil
}

func (b *stubBus) Subscribe(string, string, func(*bus.Envelope)) error { return nil }
func (b *stubBus) Close()                                             {}

func TestRunnerDispatchesDueTasks(t *testing.T) {
	svc := NewMemoryService()
	ctx := context.Background()

	if err := svc.ScheduleOnce(ctx, ActionFlowRun, map[string]string{"flow_id": "f-1"}, time.Now().Add(-time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := svc.ScheduleOnce(ctx, ActionJobStep, map[string]string{"job_id": "j-1"}, time.Now().Add(-time.Second)); err != nil {
		t.Fatal(err)
	}

	b := &stubBus{}
	r := NewRunner(svc, b, nil, nil)
	r.Poll(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.published) != 2 {
		t.Fatalf("published %d envelopes", len(b.published))
	}
	subjects := map[string]bool{}
	for _, p := range b.published {
		subjects[p.Subject] = true
		var task Task
		if err := p.Env.Decode(&task); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if task.Action == "" {
			t.Fatal("payload missing action")
		}
	}
	if !subjects[bus.SubjectFlowRun] || !subjects[bus.SubjectJobStep] {
		t.Fatalf("subjects = %v", subjects)
	}
	if svc.Pending() != 0 {
		t.Fatalf("%d tasks left pending", svc.Pending())
	}
}
