package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowpress/flowpress/core/model"
)

// SaveFlow upserts a flow and updates the listing indexes.
func (s *Store) SaveFlow(ctx context.Context, f *model.Flow) error {
	if f == nil || f.ID == "" {
		return fmt.Errorf("flow id required")
	}
	if f.PipelineID == "" {
		return fmt.Errorf("flow %s: pipeline id required", f.ID)
	}
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now

	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal flow: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, flowKey(f.ID), payload, 0)
	pipe.ZAdd(ctx, flowIndexKey(), redis.Z{Score: float64(now.Unix()), Member: f.ID})
	pipe.ZAdd(ctx, flowPipelineIndexKey(f.PipelineID), redis.Z{Score: float64(now.Unix()), Member: f.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// GetFlow returns a flow by ID.
func (s *Store) GetFlow(ctx context.Context, id string) (*model.Flow, error) {
	if id == "" {
		return nil, fmt.Errorf("flow id required")
	}
	data, err := s.client.Get(ctx, flowKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var f model.Flow
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("unmarshal flow: %w", err)
	}
	return &f, nil
}

// DeleteFlow removes a flow and cascades its queues and dedup ledger
// entries. Job history is left in place for auditability.
func (s *Store) DeleteFlow(ctx context.Context, id string) error {
	f, err := s.GetFlow(ctx, id)
	if err != nil {
		return err
	}
	if err := s.ClearDedupByFlow(ctx, id); err != nil {
		return fmt.Errorf("clear dedup for flow %s: %w", id, err)
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, flowKey(id))
	pipe.ZRem(ctx, flowIndexKey(), id)
	pipe.ZRem(ctx, flowPipelineIndexKey(f.PipelineID), id)
	pipe.Del(ctx, queueKey(id, ""))
	for stepID := range f.Steps {
		pipe.Del(ctx, queueKey(id, stepID))
	}
	_, err = pipe.Exec(ctx)
	return err
}

// ListFlows returns recent flows, newest first.
func (s *Store) ListFlows(ctx context.Context, limit int64) ([]*model.Flow, error) {
	return s.listFlowsFrom(ctx, flowIndexKey(), limit)
}

// ListFlowsByPipeline returns the flows instantiated from a pipeline.
func (s *Store) ListFlowsByPipeline(ctx context.Context, pipelineID string, limit int64) ([]*model.Flow, error) {
	if pipelineID == "" {
		return nil, fmt.Errorf("pipeline id required")
	}
	return s.listFlowsFrom(ctx, flowPipelineIndexKey(pipelineID), limit)
}

func (s *Store) listFlowsFrom(ctx context.Context, index string, limit int64) ([]*model.Flow, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.client.ZRevRange(ctx, index, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*model.Flow, 0, len(ids))
	for _, id := range ids {
		f, err := s.GetFlow(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func flowKey(id string) string {
	return "fp:flow:" + id
}

func flowIndexKey() string {
	return "fp:flows"
}

func flowPipelineIndexKey(pipelineID string) string {
	return "fp:flows:pipeline:" + pipelineID
}
