package events

import (
	"encoding/json"
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	h := NewHub(8)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish("poll.completed", map[string]any{"job": "app"})

	select {
	case ev := <-ch:
		if ev.Type != "poll.completed" {
			t.Fatalf("type = %q", ev.Type)
		}
		var data map[string]any
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			t.Fatalf("payload not JSON: %v", err)
		}
		if data["job"] != "app" {
			t.Fatalf("data = %v", data)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestRecentKeepsOrderAndDropsOldest(t *testing.T) {
	h := NewHub(3)
	for _, typ := range []string{"a", "b", "c", "d"} {
		h.Publish(typ, nil)
	}

	recent := h.Recent()
	if len(recent) != 3 {
		t.Fatalf("len = %d, want 3", len(recent))
	}
	for i, want := range []string{"b", "c", "d"} {
		if recent[i].Type != want {
			t.Fatalf("recent[%d] = %q, want %q", i, recent[i].Type, want)
		}
	}
	if recent[0].ID >= recent[1].ID || recent[1].ID >= recent[2].ID {
		t.Fatalf("ids not increasing: %v", recent)
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	h := NewHub(4)
	_, cancel := h.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		// More events than the subscriber buffer holds; nobody reads.
		for i := 0; i < 200; i++ {
			h.Publish("tick", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	h := NewHub(4)
	ch, cancel := h.Subscribe()
	cancel()

	h.Publish("tick", nil)
	if _, open := <-ch; open {
		t.Fatal("channel should be closed after cancel")
	}
}
