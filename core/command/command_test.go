package command

import (
	"context"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/flowpress/flowpress/core/ai"
	"github.com/flowpress/flowpress/core/convo"
	"github.com/flowpress/flowpress/core/engine"
	"github.com/flowpress/flowpress/core/infra/bus"
	"github.com/flowpress/flowpress/core/infra/config"
	"github.com/flowpress/flowpress/core/model"
	"github.com/flowpress/flowpress/core/registry"
	"github.com/flowpress/flowpress/core/sched"
	"github.com/flowpress/flowpress/core/step"
	"github.com/flowpress/flowpress/core/store"
	"github.com/flowpress/flowpress/core/tasks"
	"github.com/flowpress/flowpress/core/tools"
)

type nopBus struct{}

func (nopBus) Publish(string, *bus.Envelope) error                 { return nil }
func (nopBus) Subscribe(string, string, func(*bus.Envelope)) error { return nil }
func (nopBus) Close()                                              {}

type feedHandler struct{ items []registry.Item }

func (h *feedHandler) Descriptor() *registry.Descriptor {
	return &registry.Descriptor{
		Slug:  "feed",
		Name:  "Feed",
		Kinds: []model.StepKind{model.StepKindFetch},
		Fields: map[string]registry.Field{
			"url":       {Type: registry.FieldString, Required: true},
			"max_items": {Type: registry.FieldInt, Default: 10},
		},
	}
}
func (h *feedHandler) Fetch(context.Context, map[string]any) ([]registry.Item, error) {
	return h.items, nil
}
func (h *feedHandler) Publish(context.Context, string, map[string]string, map[string]any) (*registry.Result, error) {
	return nil, registry.ErrUnsupported
}
func (h *feedHandler) Update(context.Context, string, map[string]string, map[string]any) (*registry.Result, error) {
	return nil, registry.ErrUnsupported
}

type fixture struct {
	svc   *Service
	store *store.Store
	tasks *tasks.MemoryService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	s := store.New(redis.NewClient(&redis.Options{Addr: srv.Addr()}))
	t.Cleanup(func() { _ = s.Close() })

	handlers := registry.New()
	if err := handlers.Register(&feedHandler{}); err != nil {
		t.Fatal(err)
	}
	providers := ai.NewProviders()
	if err := providers.Register(ai.NewStub()); err != nil {
		t.Fatal(err)
	}
	toolReg := tools.NewRegistry()
	if err := tools.RegisterBuiltins(toolReg, s, nil); err != nil {
		t.Fatal(err)
	}
	svcTasks := tasks.NewMemoryService()
	exec := step.New(s, handlers, convo.New(providers, toolReg, 8))
	eng := engine.New(s, exec, svcTasks, nopBus{}, nil, &config.Config{
		StuckJobTimeout:      30 * time.Minute,
		JobRetention:         30 * 24 * time.Hour,
		ProblemFlowThreshold: 3,
	})
	scheduler := sched.New(s, svcTasks, nil)

	return &fixture{
		svc:   New(s, eng, scheduler, handlers),
		store: s,
		tasks: svcTasks,
	}
}

func (fx *fixture) seedPipeline(t *testing.T) *model.Pipeline {
	t.Helper()
	p, err := fx.svc.CreatePipeline(context.Background(), &model.Pipeline{
		Name: "news",
		Steps: map[string]*model.PipelineStep{
			"s-fetch": {ID: "s-fetch", Kind: model.StepKindFetch, ExecutionOrder: 1},
			"s-ai":    {ID: "s-ai", Kind: model.StepKindAI, ExecutionOrder: 2},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func (fx *fixture) seedFlow(t *testing.T, p *model.Pipeline, name string) *model.Flow {
	t.Helper()
	f, err := fx.svc.CreateFlow(context.Background(), p.ID, name, model.ScheduleConfig{Mode: model.ScheduleManual})
	if err != nil {
		t.Fatal(err)
	}
	fs := f.StepFor("s-fetch")
	fs.HandlerSlug = "feed"
	fs.HandlerConfig = map[string]any{"url": "https://example.com/feed"}
	if err := fx.svc.UpdateFlow(context.Background(), f); err != nil {
		t.Fatal(err)
	}
	return f
}

func TestPipelineCRUDValidation(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if _, err := fx.svc.CreatePipeline(ctx, &model.Pipeline{}); !isType(err, ErrTypeValidation) {
		t.Fatalf("err = %v", err)
	}
	if _, err := fx.svc.CreatePipeline(ctx, &model.Pipeline{
		Name: "dup-order",
		Steps: map[string]*model.PipelineStep{
			"a": {ID: "a", Kind: model.StepKindFetch, ExecutionOrder: 1},
			"b": {ID: "b", Kind: model.StepKindAI, ExecutionOrder: 1},
		},
	}); !isType(err, ErrTypeValidation) {
		t.Fatalf("duplicate order err = %v", err)
	}
	if err := fx.svc.UpdatePipeline(ctx, &model.Pipeline{ID: "missing", Name: "x"}); !isType(err, ErrTypeNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestStepCascades(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	p := fx.seedPipeline(t)
	f := fx.seedFlow(t, p, "daily")

	// Adding a pipeline step cascades into the flow.
	if err := fx.svc.AddStep(ctx, p.ID, &model.PipelineStep{ID: "s-pub", Kind: model.StepKindPublish, ExecutionOrder: 3}); err != nil {
		t.Fatal(err)
	}
	got, err := fx.store.GetFlow(ctx, f.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.StepFor("s-pub") == nil {
		t.Fatal("flow step not cascaded on add")
	}

	// Deleting it cascades removal.
	if err := fx.svc.DeleteStep(ctx, p.ID, "s-pub"); err != nil {
		t.Fatal(err)
	}
	got, _ = fx.store.GetFlow(ctx, f.ID)
	if got.StepFor("s-pub") != nil {
		t.Fatal("flow step not removed on delete")
	}
}

func TestReorderSteps(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	p := fx.seedPipeline(t)

	if err := fx.svc.ReorderSteps(ctx, p.ID, map[string]int{"s-fetch": 2, "s-ai": 1}); err != nil {
		t.Fatal(err)
	}
	got, _ := fx.store.GetPipeline(ctx, p.ID)
	ordered := got.OrderedSteps()
	if ordered[0].ID != "s-ai" {
		t.Fatalf("order = %v", ordered)
	}
	// A collision rolls back.
	if err := fx.svc.ReorderSteps(ctx, p.ID, map[string]int{"s-fetch": 1}); !isType(err, ErrTypeValidation) {
		t.Fatalf("err = %v", err)
	}
	got, _ = fx.store.GetPipeline(ctx, p.ID)
	if got.Steps["s-fetch"].ExecutionOrder != 2 {
		t.Fatal("failed reorder mutated the pipeline")
	}
}

func TestFlowLifecycle(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	p := fx.seedPipeline(t)

	f, err := fx.svc.CreateFlow(ctx, p.ID, "hourly", model.ScheduleConfig{Mode: model.ScheduleInterval, Interval: "hourly"})
	if err != nil {
		t.Fatal(err)
	}
	if fx.tasks.Pending() != 1 {
		t.Fatalf("schedule not registered: %d", fx.tasks.Pending())
	}

	dup, err := fx.svc.DuplicateFlow(ctx, f.ID, "copy")
	if err != nil {
		t.Fatal(err)
	}
	if dup.Schedule.Mode != model.ScheduleManual {
		t.Fatalf("duplicate schedule = %+v", dup.Schedule)
	}
	if len(dup.Steps) != len(f.Steps) {
		t.Fatalf("duplicate steps = %d", len(dup.Steps))
	}
	for id := range dup.Steps {
		if !strings.HasSuffix(id, "_"+dup.ID) {
			t.Fatalf("step id %s not re-derived", id)
		}
	}

	if err := fx.svc.DeleteFlow(ctx, f.ID); err != nil {
		t.Fatal(err)
	}
	if fx.tasks.Pending() != 0 {
		t.Fatalf("schedule not removed: %d", fx.tasks.Pending())
	}
	if _, err := fx.store.GetFlow(ctx, f.ID); err != store.ErrNotFound {
		t.Fatalf("flow still present: %v", err)
	}

	// Bad schedules are validation errors.
	if _, err := fx.svc.CreateFlow(ctx, p.ID, "bad", model.ScheduleConfig{Mode: model.ScheduleInterval, Interval: "sometimes"}); !isType(err, ErrTypeValidation) {
		t.Fatalf("err = %v", err)
	}
}

func TestRunCommands(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	p := fx.seedPipeline(t)
	f := fx.seedFlow(t, p, "daily")

	if _, err := fx.svc.Run(ctx, "missing"); !isType(err, ErrTypeNotFound) {
		t.Fatalf("err = %v", err)
	}
	job, err := fx.svc.Run(ctx, f.ID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != model.JobStatusRunning {
		t.Fatalf("job = %+v", job)
	}

	if err := fx.svc.RunAt(ctx, f.ID, time.Now().Add(-time.Hour)); !isType(err, ErrTypeValidation) {
		t.Fatalf("past run err = %v", err)
	}
	if err := fx.svc.RunAt(ctx, f.ID, time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	if _, err := fx.svc.RunRepeated(ctx, f.ID, 99); !isType(err, ErrTypeValidation) {
		t.Fatalf("repeat cap err = %v", err)
	}
	ids, err := fx.svc.RunRepeated(ctx, f.ID, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 3 {
		t.Fatalf("ids = %v", ids)
	}
}

func TestQueueCommands(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	p := fx.seedPipeline(t)
	f := fx.seedFlow(t, p, "daily")

	if err := fx.svc.QueueAdd(ctx, f.ID, "", "  "); !isType(err, ErrTypeValidation) {
		t.Fatalf("blank prompt err = %v", err)
	}
	for _, prompt := range []string{"a", "b"} {
		if err := fx.svc.QueueAdd(ctx, f.ID, "", prompt); err != nil {
			t.Fatal(err)
		}
	}
	items, err := fx.svc.QueueList(ctx, f.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %v", items)
	}
	err = fx.svc.QueueRemove(ctx, f.ID, "", 9)
	if !isType(err, ErrTypeValidation) {
		t.Fatalf("bounds err = %v", err)
	}
	if ce, ok := err.(*Error); !ok || ce.Remediation == "" {
		t.Fatalf("bounds error missing remediation: %v", err)
	}
	if err := fx.svc.QueueClear(ctx, f.ID, ""); err != nil {
		t.Fatal(err)
	}
	items, _ = fx.svc.QueueList(ctx, f.ID, "")
	if len(items) != 0 {
		t.Fatalf("items after clear = %v", items)
	}
}

func TestConfigureSafetyGuard(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	p := fx.seedPipeline(t)
	f := fx.seedFlow(t, p, "daily")

	// pipeline_id alone: rejected, zero mutation.
	_, err := fx.svc.ConfigureSteps(ctx, &ConfigureRequest{
		PipelineID: p.ID,
		Config:     map[string]any{"max_items": 3},
	})
	if !isType(err, ErrTypeValidation) {
		t.Fatalf("err = %v", err)
	}
	ce := err.(*Error)
	if ce.Remediation == "" {
		t.Fatalf("guard error missing remediation: %+v", ce)
	}
	got, _ := fx.store.GetFlow(ctx, f.ID)
	if got.StepFor("s-fetch").HandlerConfig["max_items"] != nil {
		t.Fatal("guard did not prevent mutation")
	}

	// With the explicit opt-in it goes through.
	report, err := fx.svc.ConfigureSteps(ctx, &ConfigureRequest{
		PipelineID: p.ID,
		AllFlows:   true,
		Config:     map[string]any{"max_items": 3},
	})
	if err != nil {
		t.Fatal(err)
	}
	if report.Updated != 1 {
		t.Fatalf("report = %+v", report)
	}
	got, _ = fx.store.GetFlow(ctx, f.ID)
	if got.StepFor("s-fetch").HandlerConfig["max_items"] != 3 {
		t.Fatalf("config = %v", got.StepFor("s-fetch").HandlerConfig)
	}
}

func TestConfigureValidateOnly(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	p := fx.seedPipeline(t)
	f := fx.seedFlow(t, p, "daily")

	report, err := fx.svc.ConfigureSteps(ctx, &ConfigureRequest{
		FlowID:       f.ID,
		HandlerSlug:  "feed",
		Config:       map[string]any{"max_items": 5},
		ValidateOnly: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !report.ValidateOnly || report.Updated != 1 {
		t.Fatalf("report = %+v", report)
	}
	got, _ := fx.store.GetFlow(ctx, f.ID)
	if got.StepFor("s-fetch").HandlerConfig["max_items"] != nil {
		t.Fatal("validate_only mutated the flow")
	}
}

func TestConfigurePartialSuccess(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	p := fx.seedPipeline(t)
	good := fx.seedFlow(t, p, "good")

	// A second flow whose feed step has a bad existing config (missing
	// required url), so the patch fails validation for it.
	bad, err := fx.svc.CreateFlow(ctx, p.ID, "bad", model.ScheduleConfig{Mode: model.ScheduleManual})
	if err != nil {
		t.Fatal(err)
	}
	bad.StepFor("s-fetch").HandlerSlug = "feed"
	if err := fx.svc.UpdateFlow(ctx, bad); err != nil {
		t.Fatal(err)
	}

	report, err := fx.svc.ConfigureSteps(ctx, &ConfigureRequest{
		HandlerSlug: "feed",
		Config:      map[string]any{"max_items": 7},
	})
	if err != nil {
		t.Fatal(err)
	}
	if report.Updated != 1 || len(report.Failures) != 1 {
		t.Fatalf("report = %+v", report)
	}
	if report.Failures[0].FlowID != bad.ID {
		t.Fatalf("failures = %+v", report.Failures)
	}
	got, _ := fx.store.GetFlow(ctx, good.ID)
	if got.StepFor("s-fetch").HandlerConfig["max_items"] != 7 {
		t.Fatal("good flow not updated")
	}
}

func isType(err error, errType string) bool {
	ce, ok := err.(*Error)
	return ok && ce.Type == errType
}
