// Package store persists pipelines, flows, jobs, the dedup ledger, and the
// per-flow prompt queues in Redis. Documents are stored as JSON under typed
// keys with ZSET indexes for listings.
package store

import (
	"errors"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound is returned when a referenced document does not exist.
	ErrNotFound = errors.New("not found")
	// ErrIndexOutOfRange is returned by queue index operations instead of
	// silently clamping.
	ErrIndexOutOfRange = errors.New("index out of range")
	// ErrTerminalJob is returned when mutating a job in a terminal status.
	ErrTerminalJob = errors.New("job already terminal")
)

// Store is the Redis-backed persistence layer shared by the engine,
// scheduler, and command surface.
type Store struct {
	client *redis.Client
}

// New wraps an existing Redis client.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close closes the underlying Redis client.
func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
