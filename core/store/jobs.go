package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowpress/flowpress/core/model"
)

// CreateJob persists a new job and indexes it by flow and status.
func (s *Store) CreateJob(ctx context.Context, j *model.Job) error {
	if j == nil || j.ID == "" {
		return fmt.Errorf("job id required")
	}
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.Status == "" {
		j.Status = model.JobStatusPending
	}
	payload, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, jobKey(j.ID), payload, 0)
	pipe.ZAdd(ctx, jobFlowIndexKey(j.FlowID), redis.Z{Score: float64(now.Unix()), Member: j.ID})
	pipe.ZAdd(ctx, jobStatusIndexKey(j.Status), redis.Z{Score: float64(now.Unix()), Member: j.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (*model.Job, error) {
	if id == "" {
		return nil, fmt.Errorf("job id required")
	}
	data, err := s.client.Get(ctx, jobKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var j model.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &j, nil
}

// UpdateJob overwrites a job document and keeps status indexes in sync.
// A job whose persisted status is already terminal is immutable.
func (s *Store) UpdateJob(ctx context.Context, j *model.Job) error {
	if j == nil || j.ID == "" {
		return fmt.Errorf("job id required")
	}
	prev, err := s.GetJob(ctx, j.ID)
	if err != nil {
		return err
	}
	if prev.Status.Terminal() {
		return ErrTerminalJob
	}
	payload, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	now := time.Now().UTC()
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, jobKey(j.ID), payload, 0)
	if prev.Status != j.Status {
		pipe.ZRem(ctx, jobStatusIndexKey(prev.Status), j.ID)
		pipe.ZAdd(ctx, jobStatusIndexKey(j.Status), redis.Z{Score: float64(now.Unix()), Member: j.ID})
	}
	_, err = pipe.Exec(ctx)
	return err
}

// ListJobsByFlow returns recent jobs for a flow, newest first.
func (s *Store) ListJobsByFlow(ctx context.Context, flowID string, limit int64) ([]*model.Job, error) {
	if flowID == "" {
		return nil, fmt.Errorf("flow id required")
	}
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.client.ZRevRange(ctx, jobFlowIndexKey(flowID), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*model.Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.GetJob(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

// ListStuckJobs returns jobs that have been running longer than the timeout.
// The status-index score is the time the job entered the running state.
func (s *Store) ListStuckJobs(ctx context.Context, timeout time.Duration, limit int64) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 200
	}
	cutoff := time.Now().UTC().Add(-timeout).Unix()
	ids, err := s.client.ZRangeByScore(ctx, jobStatusIndexKey(model.JobStatusRunning), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", cutoff),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*model.Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.GetJob(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

// CleanupJobs removes data packets and snapshots from terminal jobs older
// than the retention window. The job row itself is kept as a history stub.
// Returns the number of jobs trimmed.
func (s *Store) CleanupJobs(ctx context.Context, retention time.Duration, limit int64) (int, error) {
	if limit <= 0 {
		limit = 500
	}
	cutoff := fmt.Sprintf("%d", time.Now().UTC().Add(-retention).Unix())
	trimmed := 0
	for _, status := range []model.JobStatus{
		model.JobStatusCompleted,
		model.JobStatusCompletedNoItems,
		model.JobStatusFailed,
		model.JobStatusAgentSkipped,
	} {
		ids, err := s.client.ZRangeByScore(ctx, jobStatusIndexKey(status), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   cutoff,
			Count: limit,
		}).Result()
		if err != nil {
			return trimmed, err
		}
		for _, id := range ids {
			j, err := s.GetJob(ctx, id)
			if err != nil {
				continue
			}
			if j.Packet == nil && j.Snapshot == nil {
				continue
			}
			j.Packet = nil
			j.Snapshot = nil
			payload, err := json.Marshal(j)
			if err != nil {
				continue
			}
			if err := s.client.Set(ctx, jobKey(id), payload, 0).Err(); err != nil {
				return trimmed, err
			}
			trimmed++
		}
	}
	return trimmed, nil
}

func jobKey(id string) string {
	return "fp:job:" + id
}

func jobFlowIndexKey(flowID string) string {
	return "fp:jobs:flow:" + flowID
}

func jobStatusIndexKey(status model.JobStatus) string {
	return "fp:jobs:status:" + string(status)
}
