package eventbus

import (
	"strings"
	"testing"
)

func TestPublishSubscribeDelivers(t *testing.T) {
	b := New(0)
	ch := b.Subscribe(4, 0, nil)
	b.Publish(Event{Source: SourceSession, Kind: KindSessionOpened})

	select {
	case e := <-ch:
		if e.Kind != KindSessionOpened {
			t.Fatalf("got kind %q", e.Kind)
		}
		if e.ID != 1 {
			t.Fatalf("got id %d, want 1", e.ID)
		}
	default:
		t.Fatal("expected an event to be delivered")
	}
}

func TestSubscribeReplaysSinceLastEventID(t *testing.T) {
	b := New(10)
	b.Publish(Event{Kind: KindSessionOpened})
	b.Publish(Event{Kind: KindSessionClosed})
	b.Publish(Event{Kind: KindOperationCompleted})

	ch := b.Subscribe(10, 1, nil) // missed events 2 and 3
	var got []Kind
	for i := 0; i < 2; i++ {
		e := <-ch
		got = append(got, e.Kind)
	}
	if len(got) != 2 || got[0] != KindSessionClosed || got[1] != KindOperationCompleted {
		t.Fatalf("got %v", got)
	}
}

func TestSubscribeFilterDropsUnwantedKinds(t *testing.T) {
	b := New(10)
	ch := b.Subscribe(10, 0, []Kind{KindSystemAlert})
	b.Publish(Event{Kind: KindSessionOpened})
	b.Publish(Event{Kind: KindSystemAlert})

	e := <-ch
	if e.Kind != KindSystemAlert {
		t.Fatalf("got %q, want only system alerts to pass the filter", e.Kind)
	}
	select {
	case extra := <-ch:
		t.Fatalf("expected no further events, got %+v", extra)
	default:
	}
}

func TestRingBufferBoundedAtCapacity(t *testing.T) {
	b := New(2)
	b.Publish(Event{Kind: KindSessionOpened})
	b.Publish(Event{Kind: KindSessionClosed})
	b.Publish(Event{Kind: KindOperationCompleted})

	recent := b.Recent(10)
	if len(recent) != 2 {
		t.Fatalf("got %d retained events, want 2 (buffer capacity)", len(recent))
	}
	if recent[0].Kind != KindSessionClosed || recent[1].Kind != KindOperationCompleted {
		t.Fatalf("got %v, want the two most recent events", recent)
	}
}

func TestWriteSSEFraming(t *testing.T) {
	var buf strings.Builder
	if err := WriteSSE(&buf, Event{ID: 7, Kind: KindHealthChanged}); err != nil {
		t.Fatalf("WriteSSE: %v", err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "id: 7\n") {
		t.Fatalf("expected id line first, got %q", out)
	}
	if !strings.Contains(out, "event: health.changed\n") {
		t.Fatalf("expected event line, got %q", out)
	}
	if !strings.HasSuffix(out, "\n\n") {
		t.Fatalf("expected trailing blank line, got %q", out)
	}
}
