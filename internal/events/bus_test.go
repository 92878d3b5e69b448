package events

import (
	"testing"
	"time"

	"github.com/jackzampolin/folio/internal/store"
)

func TestBus_PublishAssignsSequence(t *testing.T) {
	bus := NewBus(10)

	first := bus.Publish(Event{Type: TaskUpdated, TaskID: "a"})
	second := bus.Publish(Event{Type: TaskUpdated, TaskID: "b"})

	if first.Seq != 1 || second.Seq != 2 {
		t.Errorf("expected seqs 1,2 got %d,%d", first.Seq, second.Seq)
	}
	if first.Timestamp.IsZero() {
		t.Error("expected timestamp to be filled in")
	}
	if bus.LastSeq() != 2 {
		t.Errorf("expected last seq 2, got %d", bus.LastSeq())
	}
}

func TestBus_SinceAndTrim(t *testing.T) {
	bus := NewBus(3)
	for i := 0; i < 5; i++ {
		bus.Emit(Event{Type: TaskUpdated, TaskID: "a"})
	}

	all := bus.Since(0)
	if len(all) != 3 {
		t.Fatalf("expected 3 retained events, got %d", len(all))
	}
	if all[0].Seq != 3 {
		t.Errorf("expected oldest retained seq 3, got %d", all[0].Seq)
	}

	tail := bus.Since(4)
	if len(tail) != 1 || tail[0].Seq != 5 {
		t.Errorf("expected only seq 5, got %+v", tail)
	}
}

func TestBus_Subscribe(t *testing.T) {
	bus := NewBus(10)
	ch, cancel := bus.Subscribe(4)

	bus.Emit(Event{Type: TaskStatusChanged, TaskID: "a"})

	select {
	case ev := <-ch:
		if ev.TaskID != "a" || ev.Type != TaskStatusChanged {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}

	cancel()
	cancel() // safe to call twice
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}

	// Publishing after unsubscribe must not panic.
	bus.Emit(Event{Type: TaskUpdated, TaskID: "a"})
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(100)
	_, cancel := bus.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			bus.Emit(Event{Type: TaskUpdated, TaskID: "a"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a full subscriber")
	}
}

func TestNotify(t *testing.T) {
	bus := NewBus(10)
	task := &store.Task{ID: "a", Status: store.TaskProcessing, Progress: 50}

	Notify(bus, task, true, true)
	got := bus.Since(0)
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	want := []Type{TaskUpdated, TaskProgressChanged, TaskStatusChanged}
	for i, ev := range got {
		if ev.Type != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], ev.Type)
		}
		if ev.Task != task {
			t.Errorf("event %d: expected task snapshot", i)
		}
	}

	Notify(bus, task, false, false)
	if n := len(bus.Since(3)); n != 1 {
		t.Errorf("expected only task:updated, got %d events", n)
	}

	// nil emitter and nil task are ignored
	Notify(nil, task, true, true)
	Notify(bus, nil, true, true)
	Notify(Discard, task, true, true)
}
