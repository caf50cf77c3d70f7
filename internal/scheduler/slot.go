package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nonomal/superbatchvideocompressor/internal/ffmpeg"
)

// EncoderSlot bounds the number of concurrent attempts against one physical
// encoder, independent of the scheduler's global concurrency cap.
type EncoderSlot struct {
	Encoder ffmpeg.Encoder
	Max     int64

	sem *semaphore.Weighted

	mu        sync.Mutex
	current   int
	completed int
	failed    int
}

// NewEncoderSlot constructs a slot with the given per-encoder concurrency
// ceiling.
func NewEncoderSlot(enc ffmpeg.Encoder, max int64) *EncoderSlot {
	return &EncoderSlot{Encoder: enc, Max: max, sem: semaphore.NewWeighted(max)}
}

// Acquire blocks until a slot is free, ctx is cancelled, or timeout elapses,
// whichever comes first. Returns false without acquiring on timeout or
// cancellation.
func (s *EncoderSlot) Acquire(ctx context.Context, timeout time.Duration) bool {
	acquireCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.sem.Acquire(acquireCtx, 1); err != nil {
		return false
	}
	s.mu.Lock()
	s.current++
	s.mu.Unlock()
	return true
}

// Release returns the slot and records whether the attempt succeeded.
func (s *EncoderSlot) Release(success bool) {
	s.mu.Lock()
	s.current--
	if success {
		s.completed++
	} else {
		s.failed++
	}
	s.mu.Unlock()
	s.sem.Release(1)
}

// Stats is a snapshot of one encoder slot's counters.
type Stats struct {
	Encoder   ffmpeg.Encoder
	Current   int
	Max       int64
	Completed int
	Failed    int
}

// Stats returns a point-in-time snapshot of the slot's counters.
func (s *EncoderSlot) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Encoder: s.Encoder, Current: s.current, Max: s.Max, Completed: s.completed, Failed: s.failed}
}
