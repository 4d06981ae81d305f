package bus

import (
	"fmt"
	"testing"

	"github.com/wardenlabs/warden/pkg/models"
)

func TestHistoryRingBounded(t *testing.T) {
	b := New(10, nil)
	for i := 0; i < 25; i++ {
		b.Emit("tick", map[string]any{"i": i})
	}

	hist := b.History()
	if len(hist) != 10 {
		t.Fatalf("history length = %d, want 10", len(hist))
	}
	// Survivors are the most recent, in emission order.
	for idx, e := range hist {
		want := 15 + idx
		if got := e.Data["i"].(int); got != want {
			t.Errorf("hist[%d] = %d, want %d", idx, got, want)
		}
	}
}

func TestTimestampsNonDecreasing(t *testing.T) {
	b := New(50, nil)
	for i := 0; i < 50; i++ {
		b.Emit("tick", nil)
	}
	hist := b.History()
	for i := 1; i < len(hist); i++ {
		if hist[i].TS.Before(hist[i-1].TS) {
			t.Fatalf("timestamp regressed at %d", i)
		}
	}
}

func TestStreamSubscriberReceivesInOrder(t *testing.T) {
	b := New(0, nil)
	ch, cancel := b.SubscribeStream()
	defer cancel()

	for i := 0; i < 5; i++ {
		b.Emit("step", map[string]any{"i": i})
	}
	for i := 0; i < 5; i++ {
		e := <-ch
		if e.Data["i"].(int) != i {
			t.Fatalf("out of order delivery at %d: %v", i, e.Data)
		}
	}
}

func TestSlowStreamSubscriberDropped(t *testing.T) {
	b := New(0, nil)
	ch, cancel := b.SubscribeStream()
	defer cancel()

	// Never read: fill the buffer and one more to trigger eviction.
	for i := 0; i <= streamBuffer; i++ {
		b.Emit("flood", nil)
	}
	if got := b.Subscribers(); got != 0 {
		t.Fatalf("subscriber not evicted, count = %d", got)
	}

	// The channel was closed on eviction; drain to the close.
	n := 0
	for range ch {
		n++
	}
	if n != streamBuffer {
		t.Errorf("buffered deliveries = %d, want %d", n, streamBuffer)
	}
}

func TestSubscribeSyncByType(t *testing.T) {
	b := New(0, nil)
	var got []string
	b.SubscribeSync("task_received", func(e *models.Event) {
		got = append(got, fmt.Sprint(e.Data["task"]))
	})

	b.Emit("task_received", map[string]any{"task": "one"})
	b.Emit("other", map[string]any{"task": "ignored"})
	b.Emit("task_received", map[string]any{"task": "two"})

	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Fatalf("sync deliveries = %v", got)
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	b := New(0, nil)
	ch, cancel := b.SubscribeStream()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after cancel")
	}
	// Emitting after cancel must not panic.
	b.Emit("after", nil)
}
