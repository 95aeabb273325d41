// Package gateway exposes the command surface over HTTP: pipeline and
// flow management, runs, queue operations, bulk configuration, job
// inspection, and a websocket stream of job events.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/flowpress/flowpress/core/ai"
	"github.com/flowpress/flowpress/core/command"
	"github.com/flowpress/flowpress/core/convo"
	"github.com/flowpress/flowpress/core/engine"
	"github.com/flowpress/flowpress/core/events"
	"github.com/flowpress/flowpress/core/handlers"
	"github.com/flowpress/flowpress/core/infra/bus"
	"github.com/flowpress/flowpress/core/infra/config"
	"github.com/flowpress/flowpress/core/infra/logging"
	"github.com/flowpress/flowpress/core/infra/metrics"
	"github.com/flowpress/flowpress/core/infra/redisutil"
	"github.com/flowpress/flowpress/core/model"
	"github.com/flowpress/flowpress/core/registry"
	"github.com/flowpress/flowpress/core/sched"
	"github.com/flowpress/flowpress/core/step"
	"github.com/flowpress/flowpress/core/store"
	"github.com/flowpress/flowpress/core/tasks"
	"github.com/flowpress/flowpress/core/tools"
)

const (
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 3 * time.Second
	maxBodyBytes           = 1 << 20
)

type server struct {
	store     *store.Store
	cmd       *command.Service
	handlers  *registry.Registry
	intervals *config.IntervalConfig
	hub       *events.Hub
	started   time.Time
}

// Run starts the gateway process and blocks until SIGINT or SIGTERM.
func Run(cfg *config.Config) error {
	if cfg == nil {
		cfg = config.Load()
	}

	client, err := redisutil.NewClient(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	st := store.New(client)
	defer st.Close()

	natsBus, err := bus.NewNatsBus(cfg.NatsURL)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer natsBus.Close()

	handlerReg := registry.New()
	if err := handlers.RegisterBuiltins(handlerReg); err != nil {
		return fmt.Errorf("register handlers: %w", err)
	}

	providers := ai.NewProviders()
	if err := providers.Register(ai.NewOpenAI("openai", cfg.AIBaseURL, cfg.AIAPIKey, cfg.AIModel)); err != nil {
		return fmt.Errorf("register ai provider: %w", err)
	}
	toolReg := tools.NewRegistry()
	if err := tools.RegisterBuiltins(toolReg, st, nil); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	intervals, err := config.LoadIntervals(cfg.IntervalConfigPath)
	if err != nil {
		return fmt.Errorf("load intervals: %w", err)
	}

	// The gateway never executes steps itself: jobs it starts are picked
	// up by the engine process through the shared task queue.
	taskSvc := tasks.NewRedisService(client)
	prom := metrics.NewProm("flowpress_gateway")
	exec := step.New(st, handlerReg, convo.New(providers, toolReg, cfg.MaxTurns).WithMetrics(prom)).WithMetrics(prom)
	eng := engine.New(st, exec, taskSvc, natsBus, prom, cfg)
	scheduler := sched.New(st, taskSvc, intervals)

	srv := &server{
		store:     st,
		cmd:       command.New(st, eng, scheduler, handlerReg),
		handlers:  handlerReg,
		intervals: intervals,
		hub:       events.NewHub(),
		started:   time.Now().UTC(),
	}
	if err := srv.hub.Start(natsBus); err != nil {
		return fmt.Errorf("start event hub: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpSrv := &http.Server{
		Addr:         cfg.GatewayAddr,
		Handler:      srv.routes(),
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("gateway", "http server error", "error", err)
			stop()
		}
	}()
	logging.Info("gateway", "started", "addr", cfg.GatewayAddr)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	logging.Info("gateway", "stopped")
	return nil
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("GET /ws/events", s.hub)

	mux.HandleFunc("GET /api/handlers", s.handleListHandlers)
	mux.HandleFunc("GET /api/intervals", s.handleListIntervals)

	mux.HandleFunc("GET /api/pipelines", s.handleListPipelines)
	mux.HandleFunc("POST /api/pipelines", s.handleCreatePipeline)
	mux.HandleFunc("GET /api/pipelines/{id}", s.handleGetPipeline)
	mux.HandleFunc("PUT /api/pipelines/{id}", s.handleUpdatePipeline)
	mux.HandleFunc("DELETE /api/pipelines/{id}", s.handleDeletePipeline)
	mux.HandleFunc("POST /api/pipelines/{id}/steps", s.handleAddStep)
	mux.HandleFunc("PUT /api/pipelines/{id}/steps/{stepID}", s.handleUpdateStep)
	mux.HandleFunc("DELETE /api/pipelines/{id}/steps/{stepID}", s.handleDeleteStep)
	mux.HandleFunc("POST /api/pipelines/{id}/reorder", s.handleReorderSteps)

	mux.HandleFunc("GET /api/flows", s.handleListFlows)
	mux.HandleFunc("POST /api/flows", s.handleCreateFlow)
	mux.HandleFunc("GET /api/flows/{id}", s.handleGetFlow)
	mux.HandleFunc("PUT /api/flows/{id}", s.handleUpdateFlow)
	mux.HandleFunc("DELETE /api/flows/{id}", s.handleDeleteFlow)
	mux.HandleFunc("POST /api/flows/{id}/duplicate", s.handleDuplicateFlow)
	mux.HandleFunc("POST /api/flows/{id}/run", s.handleRunFlow)
	mux.HandleFunc("GET /api/flows/{id}/jobs", s.handleListJobs)

	mux.HandleFunc("GET /api/flows/{id}/queue", s.handleQueueList)
	mux.HandleFunc("POST /api/flows/{id}/queue", s.handleQueueAdd)
	mux.HandleFunc("DELETE /api/flows/{id}/queue", s.handleQueueClear)
	mux.HandleFunc("PUT /api/flows/{id}/queue/{index}", s.handleQueueUpdate)
	mux.HandleFunc("DELETE /api/flows/{id}/queue/{index}", s.handleQueueRemove)
	mux.HandleFunc("POST /api/flows/{id}/queue/move", s.handleQueueMove)

	mux.HandleFunc("POST /api/flows/{id}/dedup/reset", s.handleResetDedup)
	mux.HandleFunc("POST /api/pipelines/{id}/dedup/reset", s.handleResetDedupByPipeline)

	mux.HandleFunc("POST /api/run-direct", s.handleRunDirect)
	mux.HandleFunc("POST /api/configure", s.handleConfigure)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)

	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"uptime":     time.Since(s.started).Round(time.Second).String(),
		"ws_clients": s.hub.ClientCount(),
	})
}

func (s *server) handleListHandlers(w http.ResponseWriter, r *http.Request) {
	out := make([]*registry.Descriptor, 0)
	for _, slug := range s.handlers.Slugs() {
		h, err := s.handlers.Get(slug)
		if err != nil {
			continue
		}
		out = append(out, h.Descriptor())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleListIntervals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.intervals.Names())
}

func (s *server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	pipelines, err := s.store.ListPipelines(r.Context(), 0)
	if err != nil {
		writeErr(w, command.Wrap(err))
		return
	}
	writeJSON(w, http.StatusOK, pipelines)
}

func (s *server) handleCreatePipeline(w http.ResponseWriter, r *http.Request) {
	var p model.Pipeline
	if !decodeBody(w, r, &p) {
		return
	}
	created, err := s.cmd.CreatePipeline(r.Context(), &p)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetPipeline(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, command.Wrap(err))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *server) handleUpdatePipeline(w http.ResponseWriter, r *http.Request) {
	var p model.Pipeline
	if !decodeBody(w, r, &p) {
		return
	}
	p.ID = r.PathValue("id")
	if err := s.cmd.UpdatePipeline(r.Context(), &p); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w)
}

func (s *server) handleDeletePipeline(w http.ResponseWriter, r *http.Request) {
	if err := s.cmd.DeletePipeline(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w)
}

func (s *server) handleAddStep(w http.ResponseWriter, r *http.Request) {
	var ps model.PipelineStep
	if !decodeBody(w, r, &ps) {
		return
	}
	if err := s.cmd.AddStep(r.Context(), r.PathValue("id"), &ps); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &ps)
}

func (s *server) handleUpdateStep(w http.ResponseWriter, r *http.Request) {
	var ps model.PipelineStep
	if !decodeBody(w, r, &ps) {
		return
	}
	ps.ID = r.PathValue("stepID")
	if err := s.cmd.UpdateStep(r.Context(), r.PathValue("id"), &ps); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w)
}

func (s *server) handleDeleteStep(w http.ResponseWriter, r *http.Request) {
	if err := s.cmd.DeleteStep(r.Context(), r.PathValue("id"), r.PathValue("stepID")); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w)
}

func (s *server) handleReorderSteps(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Order map[string]int `json:"order"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.cmd.ReorderSteps(r.Context(), r.PathValue("id"), body.Order); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w)
}

func (s *server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	var (
		flows []*model.Flow
		err   error
	)
	if pid := r.URL.Query().Get("pipeline_id"); pid != "" {
		flows, err = s.store.ListFlowsByPipeline(r.Context(), pid, 0)
	} else {
		flows, err = s.store.ListFlows(r.Context(), 0)
	}
	if err != nil {
		writeErr(w, command.Wrap(err))
		return
	}
	writeJSON(w, http.StatusOK, flows)
}

func (s *server) handleCreateFlow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PipelineID string               `json:"pipeline_id"`
		Name       string               `json:"name"`
		Schedule   model.ScheduleConfig `json:"schedule"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	f, err := s.cmd.CreateFlow(r.Context(), body.PipelineID, body.Name, body.Schedule)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

func (s *server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	f, err := s.store.GetFlow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, command.Wrap(err))
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *server) handleUpdateFlow(w http.ResponseWriter, r *http.Request) {
	var f model.Flow
	if !decodeBody(w, r, &f) {
		return
	}
	f.ID = r.PathValue("id")
	if err := s.cmd.UpdateFlow(r.Context(), &f); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w)
}

func (s *server) handleDeleteFlow(w http.ResponseWriter, r *http.Request) {
	if err := s.cmd.DeleteFlow(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w)
}

func (s *server) handleDuplicateFlow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	dup, err := s.cmd.DuplicateFlow(r.Context(), r.PathValue("id"), body.Name)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dup)
}

// handleRunFlow triggers an immediate run, a deferred run when "at" is
// set, or N back-to-back runs when "count" is above one.
func (s *server) handleRunFlow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		At    *time.Time `json:"at,omitempty"`
		Count int        `json:"count,omitempty"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	flowID := r.PathValue("id")
	switch {
	case body.At != nil:
		if err := s.cmd.RunAt(r.Context(), flowID, *body.At); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "run_at": body.At})
	case body.Count > 1:
		ids, err := s.cmd.RunRepeated(r.Context(), flowID, body.Count)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"success": true, "job_ids": ids})
	default:
		job, err := s.cmd.Run(r.Context(), flowID)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, job)
	}
}

func (s *server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := int64(50)
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			limit = n
		}
	}
	jobs, err := s.store.ListJobsByFlow(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeErr(w, command.Wrap(err))
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, command.Wrap(err))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *server) handleQueueList(w http.ResponseWriter, r *http.Request) {
	items, err := s.cmd.QueueList(r.Context(), r.PathValue("id"), r.URL.Query().Get("step_id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *server) handleQueueAdd(w http.ResponseWriter, r *http.Request) {
	var body struct {
		StepID string `json:"step_id,omitempty"`
		Prompt string `json:"prompt"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.cmd.QueueAdd(r.Context(), r.PathValue("id"), body.StepID, body.Prompt); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true})
}

func (s *server) handleQueueClear(w http.ResponseWriter, r *http.Request) {
	if err := s.cmd.QueueClear(r.Context(), r.PathValue("id"), r.URL.Query().Get("step_id")); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w)
}

func (s *server) handleQueueUpdate(w http.ResponseWriter, r *http.Request) {
	index, ok := pathIndex(w, r)
	if !ok {
		return
	}
	var body struct {
		StepID string `json:"step_id,omitempty"`
		Prompt string `json:"prompt"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.cmd.QueueUpdate(r.Context(), r.PathValue("id"), body.StepID, index, body.Prompt); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w)
}

func (s *server) handleQueueRemove(w http.ResponseWriter, r *http.Request) {
	index, ok := pathIndex(w, r)
	if !ok {
		return
	}
	if err := s.cmd.QueueRemove(r.Context(), r.PathValue("id"), r.URL.Query().Get("step_id"), index); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w)
}

func (s *server) handleQueueMove(w http.ResponseWriter, r *http.Request) {
	var body struct {
		StepID string `json:"step_id,omitempty"`
		From   int    `json:"from"`
		To     int    `json:"to"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.cmd.QueueMove(r.Context(), r.PathValue("id"), body.StepID, body.From, body.To); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w)
}

func (s *server) handleResetDedup(w http.ResponseWriter, r *http.Request) {
	if err := s.cmd.ResetDedup(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w)
}

func (s *server) handleResetDedupByPipeline(w http.ResponseWriter, r *http.Request) {
	if err := s.cmd.ResetDedupByPipeline(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w)
}

func (s *server) handleRunDirect(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Pipeline *model.Pipeline `json:"pipeline"`
		Flow     *model.Flow     `json:"flow"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	job, err := s.cmd.RunDirect(r.Context(), body.Pipeline, body.Flow)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	var req command.ConfigureRequest
	if !decodeBody(w, r, &req) {
		return
	}
	report, err := s.cmd.ConfigureSteps(r.Context(), &req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func pathIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeErr(w, &command.Error{Type: command.ErrTypeValidation, Message: "index must be an integer"})
		return 0, false
	}
	return index, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeErr(w, &command.Error{Type: command.ErrTypeValidation, Message: "invalid json body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("gateway", "encode response failed", "error", err)
	}
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// writeErr renders the structured command error contract. Errors from
// other packages are wrapped first so the gateway never leaks a bare
// string without a type.
func writeErr(w http.ResponseWriter, err error) {
	ce, ok := command.Wrap(err).(*command.Error)
	if !ok {
		ce = &command.Error{Type: command.ErrTypeInternal, Message: err.Error()}
	}
	status := http.StatusInternalServerError
	switch ce.Type {
	case command.ErrTypeValidation:
		status = http.StatusBadRequest
	case command.ErrTypeNotFound:
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]any{
		"success":     false,
		"error":       ce.Message,
		"error_type":  ce.Type,
		"diagnostic":  ce.Diagnostic,
		"remediation": ce.Remediation,
	})
}
