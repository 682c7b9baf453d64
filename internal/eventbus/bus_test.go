package eventbus

import (
	"testing"
)

func TestPublishFiltersByType(t *testing.T) {
	t.Parallel()

	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	runs, unsubRuns := b.Subscribe(4, RunStarted, RunFinished)
	defer unsubRuns()

	b.Publish(Event{Type: RunPlanned, Data: "alice"})
	b.Publish(Event{Type: RunStarted, Data: "alice"})

	if got := len(all); got != 2 {
		t.Fatalf("all subscriber got %d events, want 2", got)
	}
	if got := len(runs); got != 1 {
		t.Fatalf("filtered subscriber got %d events, want 1", got)
	}
	e := <-runs
	if e.Type != RunStarted || e.Time.IsZero() {
		t.Fatalf("unexpected event %+v", e)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{Type: RunPlanned})
	b.Publish(Event{Type: RunPlanned})
	if b.Dropped() != 1 {
		t.Fatalf("Dropped = %d, want 1", b.Dropped())
	}

	unsub()
	unsub()
	b.Publish(Event{Type: RunPlanned})
	n := 0
	for range ch {
		n++
	}
	if n != 1 {
		t.Fatalf("drained %d events, want 1", n)
	}
}
