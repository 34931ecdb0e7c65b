package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanOut(t *testing.T) {
	t.Parallel()
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	tasks, unsubTasks := b.Subscribe(4, "task.")
	defer unsubTasks()

	b.Publish(Event{Type: "task.finished", Data: "a"})
	b.Publish(Event{Type: "config.reloaded"})

	if got := (<-all).Type; got != "task.finished" {
		t.Fatalf("first event = %q", got)
	}
	if got := (<-all).Type; got != "config.reloaded" {
		t.Fatalf("second event = %q", got)
	}
	e := <-tasks
	if e.Type != "task.finished" || e.Time.IsZero() {
		t.Fatalf("unexpected filtered event: %+v", e)
	}
	select {
	case e := <-tasks:
		t.Fatalf("prefix filter leaked %q", e.Type)
	default:
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			b.Publish(Event{Type: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if d := b.(Dropper).Dropped(); d != 4 {
		t.Fatalf("Dropped = %d, want 4", d)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(Event{Type: "after"})
}
