package ai

import (
	"context"
	"fmt"
	"sync"
)

// Stub is a scripted provider for tests: each Complete call consumes the
// next queued response and records the request it saw.
type Stub struct {
	mu       sync.Mutex
	queue    []*Response
	Requests []*Request
}

// NewStub queues the given responses in order.
func NewStub(responses ...*Response) *Stub {
	return &Stub{queue: responses}
}

func (s *Stub) Name() string { return "stub" }

func (s *Stub) Complete(_ context.Context, req *Request) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Requests = append(s.Requests, req)
	if len(s.queue) == 0 {
		return nil, fmt.Errorf("stub provider exhausted after %d calls", len(s.Requests))
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	return next, nil
}
