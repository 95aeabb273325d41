package store

import (
	"context"
	"fmt"
	"time"
)

// DedupContext identifies the fetch scope a ledger entry belongs to.
type DedupContext struct {
	FlowID     string
	FlowStepID string
}

// HasProcessed reports whether an item identifier was already processed for
// the given flow step and source type.
func (s *Store) HasProcessed(ctx context.Context, dc DedupContext, sourceType, identifier string) (bool, error) {
	if dc.FlowStepID == "" || sourceType == "" || identifier == "" {
		return false, fmt.Errorf("flow step, source type, and identifier required")
	}
	return s.client.HExists(ctx, dedupKey(dc.FlowStepID, sourceType), identifier).Result()
}

// MarkProcessed records an item identifier in the ledger. Marking the same
// identifier twice is a no-op beyond refreshing the timestamp.
func (s *Store) MarkProcessed(ctx context.Context, dc DedupContext, sourceType, identifier string) error {
	if dc.FlowID == "" || dc.FlowStepID == "" || sourceType == "" || identifier == "" {
		return fmt.Errorf("flow, flow step, source type, and identifier required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, dedupKey(dc.FlowStepID, sourceType), identifier, now)
	pipe.SAdd(ctx, dedupStepIndexKey(dc.FlowStepID), sourceType)
	pipe.SAdd(ctx, dedupFlowIndexKey(dc.FlowID), dc.FlowStepID)
	_, err := pipe.Exec(ctx)
	return err
}

// HasAnyHistory reports whether the flow step has ever recorded a processed
// item, distinguishing "nothing new" from "never run".
func (s *Store) HasAnyHistory(ctx context.Context, flowStepID string) (bool, error) {
	if flowStepID == "" {
		return false, fmt.Errorf("flow step id required")
	}
	n, err := s.client.SCard(ctx, dedupStepIndexKey(flowStepID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ClearDedupByFlow removes every ledger entry recorded under a flow,
// intentionally allowing items to be reprocessed.
func (s *Store) ClearDedupByFlow(ctx context.Context, flowID string) error {
	if flowID == "" {
		return fmt.Errorf("flow id required")
	}
	stepIDs, err := s.client.SMembers(ctx, dedupFlowIndexKey(flowID)).Result()
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	for _, stepID := range stepIDs {
		sourceTypes, err := s.client.SMembers(ctx, dedupStepIndexKey(stepID)).Result()
		if err != nil {
			return err
		}
		for _, st := range sourceTypes {
			pipe.Del(ctx, dedupKey(stepID, st))
		}
		pipe.Del(ctx, dedupStepIndexKey(stepID))
	}
	pipe.Del(ctx, dedupFlowIndexKey(flowID))
	_, err = pipe.Exec(ctx)
	return err
}

// ClearDedupByPipeline clears the ledger for every flow of a pipeline.
func (s *Store) ClearDedupByPipeline(ctx context.Context, pipelineID string) error {
	flows, err := s.ListFlowsByPipeline(ctx, pipelineID, 0)
	if err != nil {
		return err
	}
	for _, f := range flows {
		if err := s.ClearDedupByFlow(ctx, f.ID); err != nil {
			return err
		}
	}
	return nil
}

func dedupKey(flowStepID, sourceType string) string {
	return "fp:dedup:" + flowStepID + ":" + sourceType
}

func dedupStepIndexKey(flowStepID string) string {
	return "fp:dedup:step:" + flowStepID
}

func dedupFlowIndexKey(flowID string) string {
	return "fp:dedup:flow:" + flowID
}
