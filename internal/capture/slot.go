package capture

import (
	"sync"
	"sync/atomic"
	"time"
)

// FrameSlot keeps only the most recent frame pushed by the client.
// Unread frames are overwritten, not queued.
type FrameSlot struct {
	mu     sync.Mutex
	frame  *Frame
	maxAge time.Duration
	now    func() time.Time

	published atomic.Uint64
	replaced  atomic.Uint64
}

// SlotStats reports publish and replacement counters.
type SlotStats struct {
	Published uint64 `json:"published"`
	Replaced  uint64 `json:"replaced"`
}

// NewFrameSlot creates an empty slot. Frames older than maxAge are treated
// as unavailable; zero disables the age check.
func NewFrameSlot(maxAge time.Duration) *FrameSlot {
	return &FrameSlot{maxAge: maxAge, now: time.Now}
}

// Publish replaces the current frame.
func (s *FrameSlot) Publish(frame Frame) {
	if frame.ReceivedAt.IsZero() {
		frame.ReceivedAt = s.now()
	}
	s.mu.Lock()
	if s.frame != nil {
		s.replaced.Add(1)
	}
	s.frame = &frame
	s.mu.Unlock()
	s.published.Add(1)
}

// Frame returns the latest frame if it is fresh enough. The frame stays in
// the slot so the validator and a capture can both read it.
func (s *FrameSlot) Frame() (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frame == nil {
		return Frame{}, false
	}
	if s.maxAge > 0 && s.now().Sub(s.frame.ReceivedAt) > s.maxAge {
		return Frame{}, false
	}
	return *s.frame, true
}

// Clear drops the stored frame.
func (s *FrameSlot) Clear() {
	s.mu.Lock()
	s.frame = nil
	s.mu.Unlock()
}

// Stats returns a snapshot of the counters.
func (s *FrameSlot) Stats() SlotStats {
	return SlotStats{Published: s.published.Load(), Replaced: s.replaced.Load()}
}
