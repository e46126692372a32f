// Package events carries workflow and ingest notifications between the
// engine and streaming endpoints using CloudEvents 1.0 envelopes.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Workflow event types pushed over SSE.
const (
	TypeWorkflowStart  = "workflow.start"
	TypeWorkflowUpdate = "workflow.update"
	TypeWorkflowDone   = "workflow.done"
	TypeWorkflowError  = "workflow.error"
)

// Emitter publishes CloudEvents. Satisfied by *Bus.
type Emitter interface {
	Emit(eventType, source, subject, tenantID string, data map[string]interface{})
}

// CloudEvent is the CNCF CloudEvents 1.0 envelope used for every event the
// backend publishes.
type CloudEvent struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject,omitempty"`
	TenantID    string                 `json:"tenantid,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

// NewCloudEvent builds a 1.0 envelope with a fresh id.
func NewCloudEvent(eventType, source, subject string, data map[string]interface{}) *CloudEvent {
	return &CloudEvent{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      source,
		ID:          uuid.NewString(),
		Time:        time.Now().UTC(),
		Subject:     subject,
		Data:        data,
	}
}

// JSON serialises the envelope.
func (ce *CloudEvent) JSON() ([]byte, error) {
	return json.Marshal(ce)
}

// SSEFormat renders the event as a Server-Sent Events frame. The event name
// is the short form (start, update, done, error); the full CloudEvent type
// stays in the data payload.
func (ce *CloudEvent) SSEFormat() ([]byte, error) {
	data, err := json.Marshal(ce)
	if err != nil {
		return nil, err
	}
	name := ce.Type
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\nid: %s\n\n", name, data, ce.ID)), nil
}

// Bus is an in-process pub/sub fan-out. Streaming handlers subscribe by
// subject (one subject per workflow execution); sends never block, a slow
// subscriber loses events once its buffer fills.
type Bus struct {
	mu         sync.RWMutex
	bySubject  map[string][]chan *CloudEvent
	allSubs    []chan *CloudEvent
	bufferSize int
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{
		bySubject:  make(map[string][]chan *CloudEvent),
		bufferSize: 100,
	}
}

// Subscribe returns a channel receiving events for one subject, or every
// event when subject is empty.
func (b *Bus) Subscribe(subject string) chan *CloudEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *CloudEvent, b.bufferSize)
	if subject == "" {
		b.allSubs = append(b.allSubs, ch)
	} else {
		b.bySubject[subject] = append(b.bySubject[subject], ch)
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *CloudEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subject, subs := range b.bySubject {
		filtered := subs[:0]
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		if len(filtered) == 0 {
			delete(b.bySubject, subject)
		} else {
			b.bySubject[subject] = filtered
		}
	}

	filtered := b.allSubs[:0]
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered

	close(ch)
}

// Publish fans an event out to subject and wildcard subscribers.
func (b *Bus) Publish(event *CloudEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.bySubject[event.Subject] {
		select {
		case ch <- event:
		default:
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit builds and publishes an event in one call.
func (b *Bus) Emit(eventType, source, subject, tenantID string, data map[string]interface{}) {
	event := NewCloudEvent(eventType, source, subject, data)
	event.TenantID = tenantID
	b.Publish(event)
}

// SubscriberCount reports active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allSubs)
	for _, subs := range b.bySubject {
		count += len(subs)
	}
	return count
}
