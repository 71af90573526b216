// Package events is the live-update channel: every insert, update or delete
// on the thread and alert tables is published as an Event so UIs can sync
// without polling.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Table names carried on events
const (
	TableThreads = "incident_threads"
	TableAlerts  = "incident_alerts"
)

// Op is the kind of row change
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Event is one row change
type Event struct {
	Table   string          `json:"table"`
	Op      Op              `json:"op"`
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

// New builds an event with v marshalled as its payload
func New(table string, op Op, key string, v any, at time.Time) (Event, error) {
	e := Event{Table: table, Op: op, Key: key, At: at.UTC()}
	if v != nil {
		payload, err := json.Marshal(v)
		if err != nil {
			return e, fmt.Errorf("failed to marshal %s payload: %w", table, err)
		}
		e.Payload = payload
	}
	return e, nil
}

// Publisher delivers events
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Noop drops events
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }

// Multi publishes to every publisher and joins their errors
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// subscriberBuffer is the per-subscriber queue length. A subscriber that
// falls this far behind loses events rather than blocking publishers.
const subscriberBuffer = 64

// Broker fans events out to in-process subscribers (SSE clients)
type Broker struct {
	mu     sync.RWMutex
	subs   map[chan Event]struct{}
	closed bool
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a subscriber. Call cancel to unsubscribe.
func (b *Broker) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish delivers e to every subscriber without blocking
func (b *Broker) Publish(_ context.Context, e Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
	return nil
}

// Subscribers returns the number of active subscribers
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close disconnects every subscriber
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
