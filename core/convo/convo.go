// Package convo drives the bounded multi-turn exchange between a job and an
// AI model: build request, send, execute any tool calls, append results,
// repeat until the model answers with content or the turn ceiling is hit.
package convo

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/flowpress/flowpress/core/ai"
	"github.com/flowpress/flowpress/core/infra/logging"
	"github.com/flowpress/flowpress/core/infra/metrics"
	"github.com/flowpress/flowpress/core/model"
	"github.com/flowpress/flowpress/core/tools"
)

// WarningTurnLimit is set on the output when the loop hits its turn ceiling
// with the model still asking for tools.
const WarningTurnLimit = "turn_limit_reached"

// historyLimit bounds how many packet entries feed the conversation.
const historyLimit = 10

// Input is one conversation to run.
type Input struct {
	Provider string
	Model    string

	// System prompt layers, concatenated in fixed priority order.
	GlobalPrompt string
	StepPrompt   string
	UserMessage  string

	Packet        model.DataPacket
	DisabledTools []string
	Invocation    *tools.Invocation
}

// Output is the conversation outcome. Content may be empty when a tool
// short-circuited the job or the turn limit was reached mid-exchange.
type Output struct {
	Content string
	Warning string
	Turns   int
}

// Loop runs conversations against a provider registry and tool registry.
type Loop struct {
	providers *ai.Providers
	tools     *tools.Registry
	maxTurns  int
	metrics   metrics.Metrics
}

// New builds a loop with the given turn ceiling.
func New(providers *ai.Providers, toolReg *tools.Registry, maxTurns int) *Loop {
	if maxTurns <= 0 {
		maxTurns = 8
	}
	return &Loop{providers: providers, tools: toolReg, maxTurns: maxTurns, metrics: metrics.Noop{}}
}

// WithMetrics swaps in a metrics implementation.
func (l *Loop) WithMetrics(m metrics.Metrics) *Loop {
	if m != nil {
		l.metrics = m
	}
	return l
}

// Run executes the conversation. The unit of work is one full turn: a
// request plus every tool execution it triggers; there is no mid-turn
// cancellation.
func (l *Loop) Run(ctx context.Context, in *Input) (*Output, error) {
	if in == nil || in.Invocation == nil || in.Invocation.Delta == nil {
		return nil, fmt.Errorf("conversation input requires an invocation with a delta")
	}
	provider, err := l.providers.Get(in.Provider)
	if err != nil {
		return nil, err
	}

	messages := buildMessages(in)
	specs := l.tools.Specs(in.DisabledTools, in.Invocation.Params)
	seen := make(map[string]bool)

	for turn := 1; turn <= l.maxTurns; turn++ {
		resp, err := provider.Complete(ctx, &ai.Request{
			Model:    in.Model,
			Messages: messages,
			Tools:    specs,
		})
		if err != nil {
			return nil, fmt.Errorf("turn %d: %w", turn, err)
		}
		l.metrics.IncConversationTurns(in.Model)
		if !resp.HasToolCalls() {
			return &Output{Content: resp.Content, Turns: turn}, nil
		}

		messages = append(messages, ai.Message{Role: ai.RoleAssistant, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			var res *tools.Result
			key := callKey(call)
			if seen[key] {
				// A repeated identical call is answered with a failed tool
				// result, not a user correction, to break retry loops.
				res = &tools.Result{
					ToolName: call.Name,
					Error:    "duplicate tool call: identical name and arguments already executed",
				}
			} else {
				seen[key] = true
				res = l.tools.Execute(ctx, in.Invocation, call)
			}
			outcome := "failed"
			if res.Success {
				outcome = "success"
			}
			l.metrics.IncToolCalls(call.Name, outcome)
			messages = append(messages, toolMessage(call, res))
		}

		if in.Invocation.Delta.StatusOverride != "" {
			return &Output{Turns: turn}, nil
		}
	}

	logging.Warn("convo", "turn limit reached", "job_id", in.Invocation.JobID, "turns", l.maxTurns)
	return &Output{Warning: WarningTurnLimit, Turns: l.maxTurns}, nil
}

func buildMessages(in *Input) []ai.Message {
	var system []string
	for _, layer := range []string{in.GlobalPrompt, in.StepPrompt, in.UserMessage} {
		if s := strings.TrimSpace(layer); s != "" {
			system = append(system, s)
		}
	}
	var messages []ai.Message
	if len(system) > 0 {
		messages = append(messages, ai.Message{Role: ai.RoleSystem, Content: strings.Join(system, "\n\n")})
	}
	// Packet entries are newest-first; the conversation wants oldest-first.
	packet := in.Packet
	if len(packet) > historyLimit {
		packet = packet[:historyLimit]
	}
	for i := len(packet) - 1; i >= 0; i-- {
		entry := packet[i]
		if entry.Content == "" {
			continue
		}
		messages = append(messages, ai.Message{Role: ai.RoleUser, Content: entry.Content})
	}
	return messages
}

func toolMessage(call ai.ToolCall, res *tools.Result) ai.Message {
	body, err := json.Marshal(res)
	if err != nil {
		body = []byte(fmt.Sprintf(`{"success":false,"error":"encode result: %s","tool_name":%q}`, err, call.Name))
	}
	return ai.Message{
		Role:       ai.RoleTool,
		Content:    string(body),
		ToolCallID: call.ID,
		Name:       call.Name,
	}
}

// callKey canonicalizes a call's name+args for duplicate detection.
func callKey(call ai.ToolCall) string {
	keys := make([]string, 0, len(call.Args))
	for k := range call.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(call.Name)
	for _, k := range keys {
		v, _ := json.Marshal(call.Args[k])
		b.WriteString("|")
		b.WriteString(k)
		b.WriteString("=")
		b.Write(v)
	}
	return b.String()
}
