package model

import "time"

// PacketEntry is one step-produced payload in a job's data packet.
type PacketEntry struct {
	Kind      StepKind          `json:"kind"`
	Source    string            `json:"source,omitempty"` // handler slug, model id, or tool name
	Content   string            `json:"content"`
	Meta      map[string]string `json:"meta,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// DataPacket is the ordered sequence of step outputs for one job.
// Index 0 is always the newest entry.
type DataPacket []PacketEntry

// PushFront inserts an entry at the head of the packet.
func (p *DataPacket) PushFront(entry PacketEntry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	*p = append(DataPacket{entry}, *p...)
}

// Latest returns the newest entry, or nil for an empty packet.
func (p DataPacket) Latest() *PacketEntry {
	if len(p) == 0 {
		return nil
	}
	return &p[0]
}

// LatestOfKind returns the newest entry produced by a step of the given
// kind, or nil when none exists.
func (p DataPacket) LatestOfKind(kind StepKind) *PacketEntry {
	for i := range p {
		if p[i].Kind == kind {
			return &p[i]
		}
	}
	return nil
}
