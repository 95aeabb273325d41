package bus

import (
	"encoding/json"
	"errors"
	"time"
)

// Subjects used by the engine. Deferred tasks are dispatched on task.*
// subjects; job status transitions are broadcast on event.* subjects.
const (
	SubjectFlowRun   = "task.flow.run"
	SubjectJobStep   = "task.job.step"
	SubjectJobEvents = "event.job.status"
)

var (
	ErrNotConnected = errors.New("bus not connected")
	ErrEmptySubject = errors.New("empty subject")
	ErrNilEnvelope  = errors.New("nil envelope")
)

// Envelope is the JSON wire frame carried on every subject.
type Envelope struct {
	TraceID   string          `json:"trace_id,omitempty"`
	SenderID  string          `json:"sender_id"`
	CreatedAt time.Time       `json:"created_at"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope wraps a payload struct into an envelope.
func NewEnvelope(sender, kind string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		SenderID:  sender,
		CreatedAt: time.Now().UTC(),
		Kind:      kind,
		Payload:   data,
	}, nil
}

// Decode unmarshals the envelope payload into out.
func (e *Envelope) Decode(out any) error {
	if e == nil {
		return ErrNilEnvelope
	}
	return json.Unmarshal(e.Payload, out)
}

// Bus is the transport contract used by the engine, runner, and gateway.
type Bus interface {
	Publish(subject string, env *Envelope) error
	Subscribe(subject, queue string, handler func(*Envelope)) error
	Close()
}
