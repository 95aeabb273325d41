package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowpress/flowpress/core/model"
)

// SavePipeline upserts a pipeline definition and updates the listing index.
func (s *Store) SavePipeline(ctx context.Context, p *model.Pipeline) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("pipeline id required")
	}
	if err := p.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pipeline: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, pipelineKey(p.ID), payload, 0)
	pipe.ZAdd(ctx, pipelineIndexKey(), redis.Z{Score: float64(now.Unix()), Member: p.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// GetPipeline returns a pipeline definition by ID.
func (s *Store) GetPipeline(ctx context.Context, id string) (*model.Pipeline, error) {
	if id == "" {
		return nil, fmt.Errorf("pipeline id required")
	}
	data, err := s.client.Get(ctx, pipelineKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var p model.Pipeline
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal pipeline: %w", err)
	}
	return &p, nil
}

// DeletePipeline removes a pipeline definition and its index entry.
// Dependent flows must be removed by the caller first.
func (s *Store) DeletePipeline(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("pipeline id required")
	}
	if _, err := s.GetPipeline(ctx, id); err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, pipelineKey(id))
	pipe.ZRem(ctx, pipelineIndexKey(), id)
	_, err := pipe.Exec(ctx)
	return err
}

// ListPipelines returns recent pipelines, newest first.
func (s *Store) ListPipelines(ctx context.Context, limit int64) ([]*model.Pipeline, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.client.ZRevRange(ctx, pipelineIndexKey(), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*model.Pipeline, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetPipeline(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func pipelineKey(id string) string {
	return "fp:pipeline:" + id
}

func pipelineIndexKey() string {
	return "fp:pipelines"
}
