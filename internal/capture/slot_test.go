package capture

import (
	"testing"
	"time"
)

func TestFrameSlotKeepsLatest(t *testing.T) {
	slot := NewFrameSlot(0)
	if _, ok := slot.Frame(); ok {
		t.Fatal("empty slot should report no frame")
	}

	slot.Publish(Frame{Data: []byte("a")})
	slot.Publish(Frame{Data: []byte("b")})

	frame, ok := slot.Frame()
	if !ok || string(frame.Data) != "b" {
		t.Fatalf("expected latest frame, got %q", frame.Data)
	}
	if stats := slot.Stats(); stats.Published != 2 || stats.Replaced != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	slot.Clear()
	if _, ok := slot.Frame(); ok {
		t.Fatal("cleared slot should report no frame")
	}
}

func TestFrameSlotExpiresStaleFrames(t *testing.T) {
	now := time.Now()
	slot := NewFrameSlot(time.Second)
	slot.now = func() time.Time { return now }

	slot.Publish(Frame{Data: []byte("a")})
	if _, ok := slot.Frame(); !ok {
		t.Fatal("fresh frame should be available")
	}

	now = now.Add(2 * time.Second)
	if _, ok := slot.Frame(); ok {
		t.Fatal("stale frame should be unavailable")
	}
}
