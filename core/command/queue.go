package command

import (
	"context"
	"strings"
)

// QueueAdd appends a prompt to a flow (or flow-step) queue.
func (s *Service) QueueAdd(ctx context.Context, flowID, stepID, prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return validationErr("prompt required")
	}
	if _, err := s.store.GetFlow(ctx, flowID); err != nil {
		return s.flowErr(flowID, err)
	}
	if err := s.store.QueueAdd(ctx, flowID, stepID, prompt); err != nil {
		return internalErr(err)
	}
	return nil
}

// QueueList returns the queued prompts front-first.
func (s *Service) QueueList(ctx context.Context, flowID, stepID string) ([]string, error) {
	if _, err := s.store.GetFlow(ctx, flowID); err != nil {
		return nil, s.flowErr(flowID, err)
	}
	items, err := s.store.QueueList(ctx, flowID, stepID)
	if err != nil {
		return nil, internalErr(err)
	}
	return items, nil
}

// QueueClear drops every queued prompt.
func (s *Service) QueueClear(ctx context.Context, flowID, stepID string) error {
	if _, err := s.store.GetFlow(ctx, flowID); err != nil {
		return s.flowErr(flowID, err)
	}
	if err := s.store.QueueClear(ctx, flowID, stepID); err != nil {
		return internalErr(err)
	}
	return nil
}

// QueueRemove deletes the prompt at index; out-of-range indexes are a
// validation error, never a silent clamp.
func (s *Service) QueueRemove(ctx context.Context, flowID, stepID string, index int) error {
	if _, err := s.store.GetFlow(ctx, flowID); err != nil {
		return s.flowErr(flowID, err)
	}
	return Wrap(s.store.QueueRemove(ctx, flowID, stepID, index))
}

// QueueUpdate replaces the prompt at index.
func (s *Service) QueueUpdate(ctx context.Context, flowID, stepID string, index int, prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return validationErr("prompt required")
	}
	if _, err := s.store.GetFlow(ctx, flowID); err != nil {
		return s.flowErr(flowID, err)
	}
	return Wrap(s.store.QueueUpdate(ctx, flowID, stepID, index, prompt))
}

// QueueMove moves a prompt between positions.
func (s *Service) QueueMove(ctx context.Context, flowID, stepID string, from, to int) error {
	if _, err := s.store.GetFlow(ctx, flowID); err != nil {
		return s.flowErr(flowID, err)
	}
	return Wrap(s.store.QueueMove(ctx, flowID, stepID, from, to))
}
