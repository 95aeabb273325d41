package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// claimScript atomically removes due members from the ZSET so two runner
// batches can never claim the same task.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
end
return ids
`)

// RedisService persists deferred tasks in a due-time ZSET plus a JSON body
// per task.
type RedisService struct {
	client *redis.Client
}

// NewRedisService wraps an existing Redis client.
func NewRedisService(client *redis.Client) *RedisService {
	return &RedisService{client: client}
}

func (s *RedisService) ScheduleOnce(ctx context.Context, action string, args map[string]string, at time.Time) error {
	return s.schedule(ctx, &Task{
		ID:     TaskID(action, args),
		Action: action,
		Args:   args,
		RunAt:  at.UTC(),
	})
}

func (s *RedisService) ScheduleRecurring(ctx context.Context, action string, args map[string]string, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("recurring interval must be positive")
	}
	return s.schedule(ctx, &Task{
		ID:       TaskID(action, args),
		Action:   action,
		Args:     args,
		RunAt:    time.Now().UTC().Add(interval),
		Interval: interval,
	})
}

func (s *RedisService) schedule(ctx context.Context, t *Task) error {
	if t.Action == "" {
		return fmt.Errorf("task action required")
	}
	body, err := marshalTask(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, taskBodyKey(t.ID), body, 0)
	pipe.ZAdd(ctx, taskDueKey(), redis.Z{Score: float64(t.RunAt.Unix()), Member: t.ID})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisService) Unschedule(ctx context.Context, action string, args map[string]string) error {
	id := TaskID(action, args)
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, taskDueKey(), id)
	pipe.Del(ctx, taskBodyKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisService) RunDue(ctx context.Context, now time.Time, max int) ([]Task, error) {
	if max <= 0 {
		max = 25
	}
	raw, err := claimScript.Run(ctx, s.client,
		[]string{taskDueKey()},
		fmt.Sprintf("%d", now.UTC().Unix()), max,
	).StringSlice()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	out := make([]Task, 0, len(raw))
	for _, id := range raw {
		body, err := s.client.Get(ctx, taskBodyKey(id)).Bytes()
		if err != nil {
			continue
		}
		t, err := unmarshalTask(body)
		if err != nil {
			continue
		}
		if t.Recurring() {
			// Re-arm before dispatch so a crashed runner never loses
			// the schedule.
			next := now.UTC().Add(t.Interval)
			t.RunAt = next
			if rearmed, err := marshalTask(t); err == nil {
				pipe := s.client.TxPipeline()
				pipe.Set(ctx, taskBodyKey(id), rearmed, 0)
				pipe.ZAdd(ctx, taskDueKey(), redis.Z{Score: float64(next.Unix()), Member: id})
				_, _ = pipe.Exec(ctx)
			}
		} else {
			_ = s.client.Del(ctx, taskBodyKey(id)).Err()
		}
		out = append(out, *t)
	}
	return out, nil
}

func taskDueKey() string {
	return "fp:tasks:due"
}

func taskBodyKey(id string) string {
	return "fp:tasks:body:" + id
}
