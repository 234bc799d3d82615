// Package events publishes call outcome events to downstream consumers
// such as billing reconciliation and marketplace dashboards.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of event.
type Type string

const (
	// TypeSettled is emitted after a receipt has been recorded.
	TypeSettled Type = "call.settled"
	// TypeSettlementFailed is emitted when a valid result could not be paid for.
	TypeSettlementFailed Type = "call.settlement_failed"
	// TypeRejected is emitted for calls that ended without any payment.
	TypeRejected Type = "call.rejected"
)

// Event describes a call outcome.
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	IntentID   string    `json:"intent_id"`
	AgentID    string    `json:"agent_id"`
	State      string    `json:"state"`
	Code       string    `json:"code,omitempty"`
	Message    string    `json:"message,omitempty"`
	Signature  string    `json:"signature,omitempty"`
	ReceiptID  string    `json:"receipt_id,omitempty"`
	Asset      string    `json:"asset,omitempty"`
	Total      string    `json:"total,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// Normalize fills the ID and timestamp when missing.
func Normalize(evt Event) Event {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	return evt
}

// Encode serialises the event as JSON.
func Encode(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

// MemoryPublisher keeps events in memory and forwards them to subscribers.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
	subs   []chan Event
	buffer int
	closed bool
}

// NewMemoryPublisher creates an in-process publisher. buffer sizes each
// subscriber channel; events are dropped for subscribers that fall behind.
func NewMemoryPublisher(buffer int) *MemoryPublisher {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryPublisher{buffer: buffer}
}

// Publish records the event.
func (p *MemoryPublisher) Publish(ctx context.Context, evt Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	evt = Normalize(evt)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.events = append(p.events, evt)
	for _, ch := range p.subs {
		select {
		case ch <- evt:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel receiving events published from now on.
func (p *MemoryPublisher) Subscribe() <-chan Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan Event, p.buffer)
	if p.closed {
		close(ch)
		return ch
	}
	p.subs = append(p.subs, ch)
	return ch
}

// Events returns a copy of every event published so far.
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Close closes all subscriber channels.
func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for _, ch := range p.subs {
		close(ch)
	}
	p.subs = nil
	return nil
}

var (
	_ Publisher = NopPublisher{}
	_ Publisher = (*MemoryPublisher)(nil)
)
