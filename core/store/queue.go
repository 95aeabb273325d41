package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Prompt queues are Redis lists, one per flow step with a flow-level
// fallback list. Pop is a plain LPOP so two concurrent jobs can never
// observe the same entry; index operations run as Lua scripts that validate
// bounds server-side instead of clamping.

var removeScript = redis.NewScript(`
local len = redis.call('LLEN', KEYS[1])
local i = tonumber(ARGV[1])
if i < 0 or i >= len then return -1 end
redis.call('LSET', KEYS[1], i, '__fp_removed__')
redis.call('LREM', KEYS[1], 1, '__fp_removed__')
return len - 1
`)

var updateScript = redis.NewScript(`
local len = redis.call('LLEN', KEYS[1])
local i = tonumber(ARGV[1])
if i < 0 or i >= len then return -1 end
redis.call('LSET', KEYS[1], i, ARGV[2])
return len
`)

var moveScript = redis.NewScript(`
local len = redis.call('LLEN', KEYS[1])
local from = tonumber(ARGV[1])
local to = tonumber(ARGV[2])
if from < 0 or from >= len or to < 0 or to >= len then return -1 end
if from == to then return len end
local items = redis.call('LRANGE', KEYS[1], 0, -1)
local moved = table.remove(items, from + 1)
table.insert(items, to + 1, moved)
redis.call('DEL', KEYS[1])
for _, v in ipairs(items) do redis.call('RPUSH', KEYS[1], v) end
return len
`)

// QueueAdd appends a prompt to the queue for a flow step (stepID may be
// empty for the flow-level queue).
func (s *Store) QueueAdd(ctx context.Context, flowID, stepID, prompt string) error {
	if flowID == "" {
		return fmt.Errorf("flow id required")
	}
	if prompt == "" {
		return fmt.Errorf("prompt required")
	}
	return s.client.RPush(ctx, queueKey(flowID, stepID), prompt).Err()
}

// QueuePop removes and returns the front prompt. The second return is false
// when the queue is empty; an empty queue is not an error.
func (s *Store) QueuePop(ctx context.Context, flowID, stepID string) (string, bool, error) {
	if flowID == "" {
		return "", false, fmt.Errorf("flow id required")
	}
	val, err := s.client.LPop(ctx, queueKey(flowID, stepID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// QueueList returns the queue contents in order.
func (s *Store) QueueList(ctx context.Context, flowID, stepID string) ([]string, error) {
	if flowID == "" {
		return nil, fmt.Errorf("flow id required")
	}
	return s.client.LRange(ctx, queueKey(flowID, stepID), 0, -1).Result()
}

// QueueClear empties a queue.
func (s *Store) QueueClear(ctx context.Context, flowID, stepID string) error {
	if flowID == "" {
		return fmt.Errorf("flow id required")
	}
	return s.client.Del(ctx, queueKey(flowID, stepID)).Err()
}

// QueueRemove deletes the entry at index, failing on out-of-range.
func (s *Store) QueueRemove(ctx context.Context, flowID, stepID string, index int) error {
	return s.runIndexScript(ctx, removeScript, flowID, stepID, index)
}

// QueueUpdate replaces the entry at index, failing on out-of-range.
func (s *Store) QueueUpdate(ctx context.Context, flowID, stepID string, index int, prompt string) error {
	if prompt == "" {
		return fmt.Errorf("prompt required")
	}
	return s.runIndexScript(ctx, updateScript, flowID, stepID, index, prompt)
}

// QueueMove relocates the entry at from to position to, failing when either
// index is out of range.
func (s *Store) QueueMove(ctx context.Context, flowID, stepID string, from, to int) error {
	return s.runIndexScript(ctx, moveScript, flowID, stepID, from, to)
}

func (s *Store) runIndexScript(ctx context.Context, script *redis.Script, flowID, stepID string, args ...any) error {
	if flowID == "" {
		return fmt.Errorf("flow id required")
	}
	res, err := script.Run(ctx, s.client, []string{queueKey(flowID, stepID)}, args...).Int64()
	if err != nil {
		return err
	}
	if res < 0 {
		return ErrIndexOutOfRange
	}
	return nil
}

func queueKey(flowID, stepID string) string {
	if stepID == "" {
		return "fp:queue:" + flowID
	}
	return "fp:queue:" + flowID + ":" + stepID
}
