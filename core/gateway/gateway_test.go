package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/flowpress/flowpress/core/ai"
	"github.com/flowpress/flowpress/core/command"
	"github.com/flowpress/flowpress/core/convo"
	"github.com/flowpress/flowpress/core/engine"
	"github.com/flowpress/flowpress/core/events"
	"github.com/flowpress/flowpress/core/handlers"
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

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	st := store.New(redis.NewClient(&redis.Options{Addr: srv.Addr()}))
	t.Cleanup(func() { _ = st.Close() })

	handlerReg := registry.New()
	if err := handlers.RegisterBuiltins(handlerReg); err != nil {
		t.Fatal(err)
	}
	providers := ai.NewProviders()
	if err := providers.Register(ai.NewStub()); err != nil {
		t.Fatal(err)
	}
	toolReg := tools.NewRegistry()
	if err := tools.RegisterBuiltins(toolReg, st, nil); err != nil {
		t.Fatal(err)
	}
	svcTasks := tasks.NewMemoryService()
	exec := step.New(st, handlerReg, convo.New(providers, toolReg, 8))
	eng := engine.New(st, exec, svcTasks, nopBus{}, nil, &config.Config{
		StuckJobTimeout:      30 * time.Minute,
		JobRetention:         30 * 24 * time.Hour,
		ProblemFlowThreshold: 3,
	})

	gw := &server{
		store:     st,
		cmd:       command.New(st, eng, sched.New(st, svcTasks, nil), handlerReg),
		handlers:  handlerReg,
		intervals: config.DefaultIntervals(),
		hub:       events.NewHub(),
		started:   time.Now().UTC(),
	}
	ts := httptest.NewServer(gw.routes())
	t.Cleanup(ts.Close)
	return ts, st
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body == nil {
		buf.WriteString("{}")
	} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

func seedPipeline(t *testing.T, base string) *model.Pipeline {
	t.Helper()
	var p model.Pipeline
	code := doJSON(t, http.MethodPost, base+"/api/pipelines", &model.Pipeline{
		Name: "news",
		Steps: map[string]*model.PipelineStep{
			"s-fetch": {ID: "s-fetch", Kind: model.StepKindFetch, ExecutionOrder: 1},
			"s-ai":    {ID: "s-ai", Kind: model.StepKindAI, ExecutionOrder: 2},
		},
	}, &p)
	if code != http.StatusCreated {
		t.Fatalf("create pipeline: %d", code)
	}
	return &p
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)
	var body map[string]any
	if code := doJSON(t, http.MethodGet, ts.URL+"/health", nil, &body); code != http.StatusOK {
		t.Fatalf("health = %d", code)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestPipelineEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)
	p := seedPipeline(t, ts.URL)

	var got model.Pipeline
	if code := doJSON(t, http.MethodGet, ts.URL+"/api/pipelines/"+p.ID, nil, &got); code != http.StatusOK {
		t.Fatalf("get = %d", code)
	}
	if got.Name != "news" || len(got.Steps) != 2 {
		t.Fatalf("got = %+v", got)
	}

	var list []*model.Pipeline
	if code := doJSON(t, http.MethodGet, ts.URL+"/api/pipelines", nil, &list); code != http.StatusOK || len(list) != 1 {
		t.Fatalf("list = %d %v", code, list)
	}

	// Invalid pipelines surface the structured error contract.
	var errBody map[string]any
	code := doJSON(t, http.MethodPost, ts.URL+"/api/pipelines", &model.Pipeline{}, &errBody)
	if code != http.StatusBadRequest {
		t.Fatalf("code = %d", code)
	}
	if errBody["success"] != false || errBody["error_type"] != command.ErrTypeValidation {
		t.Fatalf("error body = %v", errBody)
	}
}

func TestNotFoundContract(t *testing.T) {
	ts, _ := newTestServer(t)
	var errBody map[string]any
	code := doJSON(t, http.MethodPost, ts.URL+"/api/flows/nope/run", nil, &errBody)
	if code != http.StatusNotFound {
		t.Fatalf("code = %d", code)
	}
	if errBody["error_type"] != command.ErrTypeNotFound || errBody["remediation"] == "" {
		t.Fatalf("error body = %v", errBody)
	}
}

func TestFlowAndQueueEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)
	p := seedPipeline(t, ts.URL)

	var f model.Flow
	code := doJSON(t, http.MethodPost, ts.URL+"/api/flows", map[string]any{
		"pipeline_id": p.ID,
		"name":        "daily",
		"schedule":    model.ScheduleConfig{Mode: model.ScheduleManual},
	}, &f)
	if code != http.StatusCreated {
		t.Fatalf("create flow = %d", code)
	}

	for _, prompt := range []string{"first", "second"} {
		code = doJSON(t, http.MethodPost, ts.URL+"/api/flows/"+f.ID+"/queue", map[string]any{"prompt": prompt}, nil)
		if code != http.StatusCreated {
			t.Fatalf("queue add = %d", code)
		}
	}
	var items []string
	if code = doJSON(t, http.MethodGet, ts.URL+"/api/flows/"+f.ID+"/queue", nil, &items); code != http.StatusOK || len(items) != 2 {
		t.Fatalf("queue list = %d %v", code, items)
	}

	var errBody map[string]any
	code = doJSON(t, http.MethodDelete, ts.URL+"/api/flows/"+f.ID+"/queue/9", nil, &errBody)
	if code != http.StatusBadRequest {
		t.Fatalf("out-of-range = %d", code)
	}
	if errBody["remediation"] == "" {
		t.Fatalf("error body = %v", errBody)
	}
}

func TestRunEndpoint(t *testing.T) {
	ts, st := newTestServer(t)
	p := seedPipeline(t, ts.URL)

	var f model.Flow
	doJSON(t, http.MethodPost, ts.URL+"/api/flows", map[string]any{
		"pipeline_id": p.ID,
		"name":        "daily",
		"schedule":    model.ScheduleConfig{Mode: model.ScheduleManual},
	}, &f)

	var job model.Job
	if code := doJSON(t, http.MethodPost, ts.URL+"/api/flows/"+f.ID+"/run", nil, &job); code != http.StatusCreated {
		t.Fatalf("run = %d", code)
	}
	if job.Status != model.JobStatusRunning {
		t.Fatalf("job = %+v", job)
	}
	stored, err := st.GetJob(context.Background(), job.ID)
	if err != nil || stored.FlowID != f.ID {
		t.Fatalf("stored job = %+v err = %v", stored, err)
	}

	var repeated map[string]any
	code := doJSON(t, http.MethodPost, ts.URL+"/api/flows/"+f.ID+"/run", map[string]any{"count": 3}, &repeated)
	if code != http.StatusCreated {
		t.Fatalf("repeated run = %d", code)
	}
	if ids, ok := repeated["job_ids"].([]any); !ok || len(ids) != 3 {
		t.Fatalf("repeated body = %v", repeated)
	}

	var jobs []*model.Job
	if code = doJSON(t, http.MethodGet, ts.URL+"/api/flows/"+f.ID+"/jobs", nil, &jobs); code != http.StatusOK || len(jobs) != 4 {
		t.Fatalf("jobs = %d %v", code, len(jobs))
	}
}

func TestConfigureGuardOverHTTP(t *testing.T) {
	ts, _ := newTestServer(t)
	p := seedPipeline(t, ts.URL)

	var errBody map[string]any
	code := doJSON(t, http.MethodPost, ts.URL+"/api/configure", map[string]any{
		"pipeline_id": p.ID,
		"config":      map[string]any{"max_items": 3},
	}, &errBody)
	if code != http.StatusBadRequest {
		t.Fatalf("code = %d", code)
	}
	if errBody["diagnostic"] == "" || errBody["remediation"] == "" {
		t.Fatalf("error body = %v", errBody)
	}
}

func TestHandlersEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	var descs []*registry.Descriptor
	if code := doJSON(t, http.MethodGet, ts.URL+"/api/handlers", nil, &descs); code != http.StatusOK {
		t.Fatalf("handlers = %d", code)
	}
	slugs := make(map[string]bool, len(descs))
	for _, d := range descs {
		slugs[d.Slug] = true
	}
	for _, want := range []string{"rss", "webpage", "wordpress"} {
		if !slugs[want] {
			t.Fatalf("missing handler %s in %v", want, slugs)
		}
	}
}
