// Package step executes exactly one pipeline step against one job context,
// delegating to a registered handler (fetch/publish/update) or to the
// conversation loop (AI step). Every outcome is a StepResult; failures are
// reported, never panicked.
package step

import (
	"context"
	"fmt"
	"strings"

	"github.com/flowpress/flowpress/core/convo"
	"github.com/flowpress/flowpress/core/infra/logging"
	"github.com/flowpress/flowpress/core/infra/metrics"
	"github.com/flowpress/flowpress/core/model"
	"github.com/flowpress/flowpress/core/registry"
	"github.com/flowpress/flowpress/core/store"
	"github.com/flowpress/flowpress/core/tools"
)

// Reasons recorded on completed_no_items results.
const (
	ReasonNoNewItems     = "no_new_items"
	ReasonFirstRunNoItem = "first_run_no_items"
)

// Context is everything one step execution sees: the job, its frozen
// snapshot, the accumulated packet, and the resolved step definitions.
type Context struct {
	Job      *model.Job
	Snapshot *model.EngineSnapshot
	Packet   model.DataPacket
	Step     *model.PipelineStep
	FlowStep *model.FlowStep
}

// Executor dispatches step kinds to their implementations.
type Executor struct {
	store    *store.Store
	handlers *registry.Registry
	loop     *convo.Loop
	metrics  metrics.Metrics
}

// New wires a step executor.
func New(s *store.Store, handlers *registry.Registry, loop *convo.Loop) *Executor {
	return &Executor{store: s, handlers: handlers, loop: loop, metrics: metrics.Noop{}}
}

// WithMetrics swaps in a metrics implementation.
func (e *Executor) WithMetrics(m metrics.Metrics) *Executor {
	if m != nil {
		e.metrics = m
	}
	return e
}

// Execute runs one step and returns its result. The snapshot is never
// mutated here; changes travel back in the result's delta.
func (e *Executor) Execute(ctx context.Context, sc *Context) *model.StepResult {
	if sc == nil || sc.Step == nil || sc.Snapshot == nil {
		return failed("incomplete step context", nil)
	}
	switch sc.Step.Kind {
	case model.StepKindFetch:
		return e.executeFetch(ctx, sc)
	case model.StepKindAI:
		return e.executeAI(ctx, sc)
	case model.StepKindPublish:
		return e.executeHandlerWrite(ctx, sc, false)
	case model.StepKindUpdate:
		return e.executeHandlerWrite(ctx, sc, true)
	case model.StepKindNotify:
		return e.executeNotify(ctx, sc)
	}
	return failed(fmt.Sprintf("unknown step kind %q", sc.Step.Kind), nil)
}

// executeFetch pulls items from the configured handler, gates them through
// the dedup ledger, and processes exactly one fresh item. Engine parameters
// go to the snapshot side channel; the packet gets content only.
func (e *Executor) executeFetch(ctx context.Context, sc *Context) *model.StepResult {
	handler, config, result := e.resolveHandler(sc)
	if result != nil {
		return result
	}

	items, err := handler.Fetch(ctx, config)
	if err != nil {
		return failed(fmt.Sprintf("fetch: %s", err), err)
	}

	dc := store.DedupContext{FlowID: sc.Snapshot.Flow.ID, FlowStepID: sc.FlowStep.ID}
	var fresh *registry.Item
	for i := range items {
		seen, err := e.store.HasProcessed(ctx, dc, items[i].SourceType, items[i].Identifier)
		if err != nil {
			return failed(fmt.Sprintf("dedup check: %s", err), err)
		}
		if !seen {
			fresh = &items[i]
			break
		}
	}
	if fresh == nil {
		reason := ReasonNoNewItems
		history, err := e.store.HasAnyHistory(ctx, sc.FlowStep.ID)
		if err != nil {
			return failed(fmt.Sprintf("dedup history: %s", err), err)
		}
		if !history {
			reason = ReasonFirstRunNoItem
		}
		return &model.StepResult{Status: model.StepCompletedNoItems, Reason: reason}
	}

	if err := e.store.MarkProcessed(ctx, dc, fresh.SourceType, fresh.Identifier); err != nil {
		return failed(fmt.Sprintf("dedup mark: %s", err), err)
	}

	meta := map[string]string{"identifier": fresh.Identifier, "source_type": fresh.SourceType}
	if fresh.Title != "" {
		meta["title"] = fresh.Title
	}
	for k, v := range fresh.Meta {
		meta[k] = v
	}
	delta := &model.SnapshotDelta{Params: map[string]string{}}
	for k, v := range fresh.Params {
		delta.Params[k] = v
	}
	if fresh.Title != "" {
		delta.Params["title"] = fresh.Title
	}
	return &model.StepResult{
		Status: model.StepCompleted,
		Entry: &model.PacketEntry{
			Kind:    model.StepKindFetch,
			Source:  sc.FlowStep.HandlerSlug,
			Content: fresh.Content,
			Meta:    meta,
		},
		Delta: delta,
	}
}

// executeAI runs the conversation loop. A step with no configured prompt
// pops one from its queue; an empty queue is fine, prompt is optional.
func (e *Executor) executeAI(ctx context.Context, sc *Context) *model.StepResult {
	prompt, err := e.resolvePrompt(ctx, sc)
	if err != nil {
		return failed(fmt.Sprintf("resolve prompt: %s", err), err)
	}

	settings := sc.Step.AI
	if settings == nil {
		settings = &model.AISettings{}
	}
	delta := &model.SnapshotDelta{}
	out, err := e.loop.Run(ctx, &convo.Input{
		Provider:      settings.Provider,
		Model:         settings.Model,
		GlobalPrompt:  sc.Snapshot.GlobalPrompt,
		StepPrompt:    settings.SystemPrompt,
		UserMessage:   prompt,
		Packet:        sc.Packet,
		DisabledTools: settings.DisabledTools,
		Invocation: &tools.Invocation{
			JobID:      sc.Job.ID,
			FlowID:     sc.Snapshot.Flow.ID,
			FlowStepID: sc.FlowStep.ID,
			Params:     sc.Snapshot.Params,
			Delta:      delta,
		},
	})
	if err != nil {
		return failed(fmt.Sprintf("conversation: %s", err), err)
	}

	if delta.StatusOverride == model.JobStatusAgentSkipped {
		return &model.StepResult{
			Status: model.StepAgentSkipped,
			Reason: delta.OverrideReason,
			Delta:  delta,
		}
	}

	result := &model.StepResult{Status: model.StepCompleted, Warning: out.Warning, Delta: delta}
	if out.Content != "" {
		result.Entry = &model.PacketEntry{
			Kind:    model.StepKindAI,
			Source:  firstNonEmpty(settings.Model, settings.Provider, "ai"),
			Content: out.Content,
		}
	}
	return result
}

// executeHandlerWrite covers publish and update steps: latest relevant
// payload plus engine params from the snapshot, handed to the handler.
func (e *Executor) executeHandlerWrite(ctx context.Context, sc *Context, update bool) *model.StepResult {
	handler, config, result := e.resolveHandler(sc)
	if result != nil {
		return result
	}

	entry := sc.Packet.LatestOfKind(model.StepKindAI)
	if entry == nil {
		entry = sc.Packet.Latest()
	}
	if entry == nil || entry.Content == "" {
		return failed("no payload available to publish", nil)
	}

	var res *registry.Result
	var err error
	if update {
		res, err = handler.Update(ctx, entry.Content, sc.Snapshot.Params, config)
	} else {
		res, err = handler.Publish(ctx, entry.Content, sc.Snapshot.Params, config)
	}
	if err != nil {
		return failed(fmt.Sprintf("%s: %s", sc.Step.Kind, err), err)
	}
	if !res.Success {
		reason := res.Error
		if res.ErrorType != "" {
			reason = res.ErrorType + ": " + res.Error
		}
		return &model.StepResult{Status: model.StepFailed, Reason: reason}
	}

	delta := &model.SnapshotDelta{Params: map[string]string{}}
	meta := map[string]string{}
	for k, v := range res.Data {
		s := fmt.Sprintf("%v", v)
		meta[k] = s
		if k == "post_id" || k == "link" {
			delta.Params[k] = s
		}
	}
	return &model.StepResult{
		Status: model.StepCompleted,
		Entry: &model.PacketEntry{
			Kind:    sc.Step.Kind,
			Source:  sc.FlowStep.HandlerSlug,
			Content: meta["link"],
			Meta:    meta,
		},
		Delta: delta,
	}
}

// executeNotify is the queueable ping step: it records its prompt (queued
// or configured) without calling any external service.
func (e *Executor) executeNotify(ctx context.Context, sc *Context) *model.StepResult {
	prompt, err := e.resolvePrompt(ctx, sc)
	if err != nil {
		return failed(fmt.Sprintf("resolve prompt: %s", err), err)
	}
	logging.Info("step", "notify", "job_id", sc.Job.ID, "flow_step_id", sc.FlowStep.ID, "prompt", prompt)
	return &model.StepResult{
		Status: model.StepCompleted,
		Entry: &model.PacketEntry{
			Kind:    model.StepKindNotify,
			Content: prompt,
		},
	}
}

// resolvePrompt returns the step's configured prompt, or pops one from the
// step queue (then the flow-level queue) when the configuration is empty
// and the step has opted into queue consumption. An empty queue yields an
// empty prompt, not an error.
func (e *Executor) resolvePrompt(ctx context.Context, sc *Context) (string, error) {
	if sc.FlowStep == nil {
		return "", nil
	}
	if msg := strings.TrimSpace(sc.FlowStep.UserMessage); msg != "" {
		return msg, nil
	}
	if !sc.Step.Kind.Queueable() || !sc.FlowStep.QueueEnabled {
		return "", nil
	}
	flowID := sc.Snapshot.Flow.ID
	prompt, ok, err := e.store.QueuePop(ctx, flowID, sc.FlowStep.ID)
	if err != nil {
		return "", err
	}
	if ok {
		e.metrics.IncQueuePops(flowID)
		return prompt, nil
	}
	prompt, ok, err = e.store.QueuePop(ctx, flowID, "")
	if ok {
		e.metrics.IncQueuePops(flowID)
	}
	return prompt, err
}

func (e *Executor) resolveHandler(sc *Context) (registry.Handler, map[string]any, *model.StepResult) {
	if sc.FlowStep == nil || sc.FlowStep.HandlerSlug == "" {
		return nil, nil, failed("no handler configured for step", nil)
	}
	handler, err := e.handlers.Get(sc.FlowStep.HandlerSlug)
	if err != nil {
		return nil, nil, failed(err.Error(), err)
	}
	config, err := registry.ResolveConfig(handler.Descriptor(), sc.FlowStep.HandlerConfig)
	if err != nil {
		return nil, nil, failed(fmt.Sprintf("handler config: %s", err), err)
	}
	return handler, config, nil
}

func failed(reason string, err error) *model.StepResult {
	if err != nil {
		logging.Error("step", "step failed", "reason", reason)
	}
	return &model.StepResult{Status: model.StepFailed, Reason: reason}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
