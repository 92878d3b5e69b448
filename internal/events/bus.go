// Package events carries task mutation notifications from the workers to
// whatever is watching (HTTP clients, the CLI progress bar, Redis).
package events

import (
	"sync"
	"time"

	"github.com/jackzampolin/folio/internal/store"
)

// Type classifies task events.
type Type string

const (
	TaskUpdated         Type = "task:updated"
	TaskStatusChanged   Type = "task:status-changed"
	TaskProgressChanged Type = "task:progress-changed"
)

// Event is a sequenced snapshot of a task after a mutation.
type Event struct {
	Seq       int64       `json:"seq"`
	Type      Type        `json:"type"`
	TaskID    string      `json:"task_id"`
	Task      *store.Task `json:"task,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Emitter is the output port the pipeline reports task mutations to.
// Emit must not block.
type Emitter interface {
	Emit(Event)
}

// Discard drops every event.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(Event) {}

// Notify emits task:updated, then task:progress-changed and
// task:status-changed when those fields moved.
func Notify(e Emitter, task *store.Task, statusChanged, progressChanged bool) {
	if e == nil || task == nil {
		return
	}
	ts := time.Now().UTC()
	e.Emit(Event{Type: TaskUpdated, TaskID: task.ID, Task: task, Timestamp: ts})
	if progressChanged {
		e.Emit(Event{Type: TaskProgressChanged, TaskID: task.ID, Task: task, Timestamp: ts})
	}
	if statusChanged {
		e.Emit(Event{Type: TaskStatusChanged, TaskID: task.ID, Task: task, Timestamp: ts})
	}
}

// Bus keeps a bounded history of recent events and fans them out to subscribers.
type Bus struct {
	mu        sync.RWMutex
	nextSeq   int64
	maxEvents int
	events    []Event
	subs      map[int]chan Event
	nextSub   int
}

// NewBus creates a bus retaining up to maxEvents events.
func NewBus(maxEvents int) *Bus {
	if maxEvents <= 0 {
		maxEvents = 1000
	}
	return &Bus{
		maxEvents: maxEvents,
		events:    make([]Event, 0, maxEvents),
		subs:      make(map[int]chan Event),
	}
}

// Emit assigns a sequence number, records the event and delivers it to
// subscribers. Subscribers whose buffer is full miss the event.
func (b *Bus) Emit(event Event) {
	b.Publish(event)
}

// Publish is Emit returning the sequenced event.
func (b *Bus) Publish(event Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	event.Seq = b.nextSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.events = append(b.events, event)
	if len(b.events) > b.maxEvents {
		trim := len(b.events) - b.maxEvents
		b.events = append([]Event(nil), b.events[trim:]...)
	}

	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
	return event
}

// Since returns retained events with sequence strictly greater than seq.
func (b *Bus) Since(seq int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Event, 0, len(b.events))
	for _, event := range b.events {
		if event.Seq > seq {
			out = append(out, event)
		}
	}
	return out
}

// LastSeq returns the sequence number of the most recent event.
func (b *Bus) LastSeq() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nextSeq
}

// Subscribe returns a channel receiving every event published after the call.
// The cancel func unsubscribes and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
