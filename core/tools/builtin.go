package tools

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/flowpress/flowpress/core/handlers"
	"github.com/flowpress/flowpress/core/model"
)

// QueueAdder is the slice of the store the queue_prompt tool needs.
type QueueAdder interface {
	QueueAdd(ctx context.Context, flowID, flowStepID, prompt string) error
}

// RegisterBuiltins registers the built-in tools.
func RegisterBuiltins(r *Registry, queue QueueAdder, client *http.Client) error {
	for _, t := range []Tool{
		&SkipItem{},
		&QueuePrompt{queue: queue},
		&FetchWebpage{client: client},
	} {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// SkipItem lets the model drop the current item: the job short-circuits to
// agent_skipped with the model's reason.
type SkipItem struct{}

func (t *SkipItem) Spec() *Spec {
	return &Spec{
		Name:        "skip_item",
		Description: "Skip the current item and end the job without publishing. Use when the content is a duplicate, off-topic, or otherwise not worth processing.",
		Params: map[string]Param{
			"reason": {Type: "string", Required: true, Description: "Why the item is being skipped."},
		},
	}
}

func (t *SkipItem) Execute(_ context.Context, inv *Invocation, args map[string]any) (*Result, error) {
	reason, _ := args["reason"].(string)
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("reason must be a non-empty string")
	}
	if inv.Delta == nil {
		return nil, fmt.Errorf("no snapshot delta in invocation")
	}
	inv.Delta.StatusOverride = model.JobStatusAgentSkipped
	inv.Delta.OverrideReason = reason
	return &Result{Success: true, Data: map[string]any{"status": string(model.JobStatusAgentSkipped)}}, nil
}

// QueuePrompt appends a prompt to the current flow step's queue for a later
// run to consume.
type QueuePrompt struct {
	queue QueueAdder
}

func (t *QueuePrompt) Spec() *Spec {
	return &Spec{
		Name:        "queue_prompt",
		Description: "Queue a prompt for a future run of this flow step.",
		Params: map[string]Param{
			"prompt": {Type: "string", Required: true, Description: "The prompt text to queue."},
		},
	}
}

func (t *QueuePrompt) Execute(ctx context.Context, inv *Invocation, args map[string]any) (*Result, error) {
	prompt, _ := args["prompt"].(string)
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, fmt.Errorf("prompt must be a non-empty string")
	}
	if t.queue == nil {
		return nil, fmt.Errorf("queue store not configured")
	}
	if err := t.queue.QueueAdd(ctx, inv.FlowID, inv.FlowStepID, prompt); err != nil {
		return nil, fmt.Errorf("queue prompt: %w", err)
	}
	return &Result{Success: true, Data: map[string]any{"queued": true}}, nil
}

// FetchWebpage fetches one URL mid-conversation. The url parameter is
// elided when the snapshot already carries a source_url.
type FetchWebpage struct {
	client *http.Client
}

func (t *FetchWebpage) Spec() *Spec {
	return &Spec{
		Name:        "fetch_webpage",
		Description: "Fetch a web page and return its readable text.",
		Params: map[string]Param{
			"url": {Type: "string", Required: true, EngineKey: "source_url", Description: "The page URL to fetch."},
		},
	}
}

func (t *FetchWebpage) Execute(ctx context.Context, _ *Invocation, args map[string]any) (*Result, error) {
	url, _ := args["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("url must be a non-empty string")
	}
	page, err := handlers.FetchPage(ctx, t.client, url, "")
	if err != nil {
		return nil, err
	}
	return &Result{Success: true, Data: map[string]any{
		"title":     page.Title,
		"text":      page.Text,
		"image_url": page.ImageURL,
	}}, nil
}
