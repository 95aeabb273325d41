package store

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/flowpress/flowpress/core/model"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	s := New(client)
	t.Cleanup(func() { _ = s.Close() })
	return s, srv
}

func testPipeline() *model.Pipeline {
	return &model.Pipeline{
		ID:   "p-1",
		Name: "news",
		Steps: map[string]*model.PipelineStep{
			"s-fetch":   {ID: "s-fetch", Kind: model.StepKindFetch, ExecutionOrder: 1},
			"s-ai":      {ID: "s-ai", Kind: model.StepKindAI, ExecutionOrder: 2},
			"s-publish": {ID: "s-publish", Kind: model.StepKindPublish, ExecutionOrder: 3},
		},
	}
}

func TestPipelineRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.SavePipeline(ctx, testPipeline()); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.GetPipeline(ctx, "p-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "news" || len(got.Steps) != 3 {
		t.Fatalf("got %+v", got)
	}
	if _, err := s.GetPipeline(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestFlowCascadeDelete(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	p := testPipeline()
	if err := s.SavePipeline(ctx, p); err != nil {
		t.Fatal(err)
	}
	f := model.InstantiateFlow("f-1", "daily", p)
	if err := s.SaveFlow(ctx, f); err != nil {
		t.Fatal(err)
	}
	fsID := model.FlowStepID("s-fetch", "f-1")
	dc := DedupContext{FlowID: "f-1", FlowStepID: fsID}
	if err := s.MarkProcessed(ctx, dc, "rss", "guid-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.QueueAdd(ctx, "f-1", fsID, "prompt"); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteFlow(ctx, "f-1"); err != nil {
		t.Fatalf("delete flow: %v", err)
	}
	if _, err := s.GetFlow(ctx, "f-1"); err != ErrNotFound {
		t.Fatalf("flow still present: %v", err)
	}
	has, err := s.HasProcessed(ctx, dc, "rss", "guid-1")
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Fatal("dedup ledger not cascaded")
	}
	items, err := s.QueueList(ctx, "f-1", fsID)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Fatalf("queue not cascaded: %v", items)
	}
}

func TestJobTerminalImmutable(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	j := &model.Job{ID: "j-1", FlowID: "f-1", PipelineID: "p-1", Status: model.JobStatusRunning}
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatal(err)
	}
	j.Status = model.JobStatusCompleted
	if err := s.UpdateJob(ctx, j); err != nil {
		t.Fatalf("running -> completed should succeed: %v", err)
	}
	j.Status = model.JobStatusFailed
	if err := s.UpdateJob(ctx, j); err != ErrTerminalJob {
		t.Fatalf("want ErrTerminalJob, got %v", err)
	}
}

func TestListStuckJobs(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	j := &model.Job{ID: "j-stuck", FlowID: "f-1", PipelineID: "p-1", Status: model.JobStatusRunning}
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatal(err)
	}
	// Not stuck yet.
	stuck, err := s.ListStuckJobs(ctx, time.Hour, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(stuck) != 0 {
		t.Fatalf("fresh job flagged stuck: %d", len(stuck))
	}
	// Backdate the running-index score past the timeout.
	if err := s.client.ZAdd(ctx, jobStatusIndexKey(model.JobStatusRunning), redis.Z{
		Score:  float64(time.Now().Add(-2 * time.Hour).Unix()),
		Member: "j-stuck",
	}).Err(); err != nil {
		t.Fatal(err)
	}
	stuck, err = s.ListStuckJobs(ctx, time.Hour, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(stuck) != 1 || stuck[0].ID != "j-stuck" {
		t.Fatalf("stuck = %v", stuck)
	}
}

func TestDedupIdempotence(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	dc := DedupContext{FlowID: "f-1", FlowStepID: "s-fetch_f-1"}

	has, err := s.HasProcessed(ctx, dc, "rss", "guid-9")
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Fatal("unseen identifier reported processed")
	}
	any, err := s.HasAnyHistory(ctx, dc.FlowStepID)
	if err != nil {
		t.Fatal(err)
	}
	if any {
		t.Fatal("history before first mark")
	}

	for i := 0; i < 2; i++ {
		if err := s.MarkProcessed(ctx, dc, "rss", "guid-9"); err != nil {
			t.Fatalf("mark %d: %v", i, err)
		}
	}
	has, err = s.HasProcessed(ctx, dc, "rss", "guid-9")
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Fatal("identifier not recorded")
	}
	any, err = s.HasAnyHistory(ctx, dc.FlowStepID)
	if err != nil {
		t.Fatal(err)
	}
	if !any {
		t.Fatal("history missing after mark")
	}
}

func TestQueueFIFOAndBounds(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, p := range []string{"a", "b", "c"} {
		if err := s.QueueAdd(ctx, "f-1", "", p); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.QueueMove(ctx, "f-1", "", 2, 0); err != nil {
		t.Fatalf("move: %v", err)
	}
	items, err := s.QueueList(ctx, "f-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if items[0] != "c" || items[1] != "a" || items[2] != "b" {
		t.Fatalf("after move: %v", items)
	}
	if err := s.QueueUpdate(ctx, "f-1", "", 1, "a2"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.QueueRemove(ctx, "f-1", "", 0); err != nil {
		t.Fatalf("remove: %v", err)
	}

	val, ok, err := s.QueuePop(ctx, "f-1", "")
	if err != nil || !ok || val != "a2" {
		t.Fatalf("pop = %q ok=%v err=%v", val, ok, err)
	}

	if err := s.QueueRemove(ctx, "f-1", "", 5); err != ErrIndexOutOfRange {
		t.Fatalf("want bounds error, got %v", err)
	}
	if err := s.QueueUpdate(ctx, "f-1", "", -1, "x"); err != ErrIndexOutOfRange {
		t.Fatalf("want bounds error, got %v", err)
	}
	if err := s.QueueMove(ctx, "f-1", "", 0, 3); err != ErrIndexOutOfRange {
		t.Fatalf("want bounds error, got %v", err)
	}
}

func TestQueuePopAtMostOnce(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.QueueAdd(ctx, "f-1", "step", "only"); err != nil {
		t.Fatal(err)
	}

	const workers = 8
	var wg sync.WaitGroup
	got := make([]bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok, err := s.QueuePop(ctx, "f-1", "step")
			if err != nil {
				t.Errorf("pop: %v", err)
				return
			}
			got[i] = ok
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, ok := range got {
		if ok {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one pop winner, got %d", winners)
	}
}
