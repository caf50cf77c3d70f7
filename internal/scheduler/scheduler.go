// Package scheduler walks a task through the (encoder, decode_mode) fallback
// matrix, owns the global concurrency permit, and bounds per-encoder
// concurrency via EncoderSlot.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nonomal/superbatchvideocompressor/internal/ffmpeg"
)

// slotAcquireTimeout bounds how long a task waits for a busy encoder slot
// before giving up on that attempt and moving to the next combination.
const slotAcquireTimeout = 10 * time.Second

// maxRetries caps the number of attempt-loop iterations per task as a
// guard against an unbounded loop; it is set well above the largest
// possible matrix (3 hardware encoders x 3 decode modes + 1 CPU x 2 decode
// modes = 11) to absorb slot-acquire timeouts and transient skips.
const maxRetries = 20

// EncoderConfig is one encoder's enabled/capacity configuration
// (encoders.<name>.{enabled,max_concurrent} in SPEC_FULL.md §6).
type EncoderConfig struct {
	Enabled      bool
	MaxConcurrent int64
}

// Config seeds the scheduler's encoder slots and global concurrency cap.
type Config struct {
	Encoders            map[ffmpeg.Encoder]EncoderConfig
	MaxTotalConcurrent  int64
}

// Scheduler is the matrix walker: the core component that owns both the
// global concurrency permit and every encoder's slot.
type Scheduler struct {
	totalSem *semaphore.Weighted
	maxTotal int64

	slots             map[ffmpeg.Encoder]*EncoderSlot
	hwPriority        []ffmpeg.Encoder // enabled hardware encoders, in priority order
	cpuFallbackOn     bool

	mu       sync.Mutex
	shutdown bool

	taskCounter int64
}

// New constructs a Scheduler from cfg. Returns an error if no encoder is
// enabled, mirroring the original's refusal to start with nothing to run.
func New(cfg Config) (*Scheduler, error) {
	if cfg.MaxTotalConcurrent <= 0 {
		cfg.MaxTotalConcurrent = 5
	}

	s := &Scheduler{
		totalSem: semaphore.NewWeighted(cfg.MaxTotalConcurrent),
		maxTotal: cfg.MaxTotalConcurrent,
		slots:    make(map[ffmpeg.Encoder]*EncoderSlot),
	}

	for _, enc := range ffmpeg.HWPriority {
		ec, ok := cfg.Encoders[enc]
		if !ok || !ec.Enabled {
			continue
		}
		max := ec.MaxConcurrent
		if max <= 0 {
			max = 2
		}
		s.slots[enc] = NewEncoderSlot(enc, max)
		s.hwPriority = append(s.hwPriority, enc)
	}

	if cpuCfg, ok := cfg.Encoders[ffmpeg.CPU]; ok && cpuCfg.Enabled {
		max := cpuCfg.MaxConcurrent
		if max <= 0 {
			max = 4
		}
		s.slots[ffmpeg.CPU] = NewEncoderSlot(ffmpeg.CPU, max)
		s.cpuFallbackOn = true
	}

	if len(s.hwPriority) == 0 && !s.cpuFallbackOn {
		return nil, fmt.Errorf("scheduler: at least one encoder must be enabled")
	}

	return s, nil
}

// Shutdown marks the scheduler as shutting down; in-flight tasks observe it
// on their next matrix-walk iteration and terminate with SkipReason
// "cancelled" rather than trying further combinations.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
}

func (s *Scheduler) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// Stats returns a snapshot of every configured encoder's slot counters.
func (s *Scheduler) Stats() []Stats {
	out := make([]Stats, 0, len(s.slots))
	for _, enc := range append(append([]ffmpeg.Encoder{}, s.hwPriority...), ffmpeg.CPU) {
		if slot, ok := s.slots[enc]; ok {
			out = append(out, slot.Stats())
		}
	}
	return out
}

// nextCombination implements the original's _get_next_combination: try the
// current task's remaining decode modes on every enabled hardware encoder in
// priority order, then fall through to CPU's two software-only modes.
func (s *Scheduler) nextCombination(tried map[AttemptKey]bool) (AttemptKey, bool) {
	for _, enc := range s.hwPriority {
		for _, dm := range hwDecodeModes {
			key := AttemptKey{Encoder: enc, DecodeMode: dm}
			if !tried[key] {
				return key, true
			}
		}
	}
	if s.cpuFallbackOn {
		for _, dm := range cpuDecodeModes {
			key := AttemptKey{Encoder: ffmpeg.CPU, DecodeMode: dm}
			if !tried[key] {
				return key, true
			}
		}
	}
	return AttemptKey{}, false
}

// ScheduleTask walks task through the fallback matrix: it acquires the
// global concurrency permit, then repeatedly selects the next untried
// (encoder, decode_mode) combination, acquires that encoder's slot, invokes
// attempt, and on failure marks the combination tried and continues. It
// returns as soon as one attempt succeeds, the matrix is exhausted, or
// shutdown/cancellation is observed.
func (s *Scheduler) ScheduleTask(ctx context.Context, task Task, attempt AttemptFunc) TaskResult {
	if s.isShutdown() {
		return TaskResult{Filepath: task.Filepath, Skipped: true, SkipReason: "cancelled", Error: "scheduler shutting down"}
	}

	if err := s.totalSem.Acquire(ctx, 1); err != nil {
		return TaskResult{Filepath: task.Filepath, Skipped: true, SkipReason: "cancelled", Error: "failed to acquire global concurrency permit: " + err.Error()}
	}
	defer s.totalSem.Release(1)

	tried := make(map[AttemptKey]bool)
	var errs []string
	var retryHistory []string

	for retry := 0; retry < maxRetries; retry++ {
		if s.isShutdown() || ctx.Err() != nil {
			return TaskResult{Filepath: task.Filepath, RetryHistory: retryHistory, Skipped: true, SkipReason: "cancelled", Error: "cancelled"}
		}

		key, ok := s.nextCombination(tried)
		if !ok {
			summary := lastErrors(errs, 3)
			return TaskResult{
				Filepath:     task.Filepath,
				RetryHistory: retryHistory,
				Skipped:      true,
				SkipReason:   "exhausted",
				Error:        fmt.Sprintf("all encoding methods failed: %s", summary),
			}
		}

		slot, ok := s.slots[key.Encoder]
		if !ok {
			tried[key] = true
			continue
		}

		if !slot.Acquire(ctx, slotAcquireTimeout) {
			tried[key] = true
			errs = append(errs, fmt.Sprintf("%s: slot acquire timed out", comboLabel(key)))
			continue
		}

		if s.isShutdown() || ctx.Err() != nil {
			slot.Release(false)
			return TaskResult{Filepath: task.Filepath, RetryHistory: retryHistory, Skipped: true, SkipReason: "cancelled", Error: "cancelled"}
		}

		result := attempt(ctx, task.Filepath, key)

		if result.Unavailable {
			// The Command Builder refused this combination outright; it is
			// not a failed child process and never enters the retry history.
			// The slot is released as a success, so it counts as completed.
			slot.Release(true)
			tried[key] = true
			continue
		}

		retryHistory = append(retryHistory, comboLabel(key))

		if result.Success {
			slot.Release(true)
			return TaskResult{
				Success:      true,
				Filepath:     task.Filepath,
				EncoderUsed:  key.Encoder,
				DecodeUsed:   key.DecodeMode,
				RetryHistory: retryHistory,
			}
		}

		slot.Release(false)
		tried[key] = true

		if ctx.Err() != nil {
			return TaskResult{Filepath: task.Filepath, RetryHistory: retryHistory, Skipped: true, SkipReason: "cancelled", Error: "cancelled"}
		}

		errMsg := result.Error
		if errMsg == "" {
			errMsg = "unknown error"
		}
		errs = append(errs, fmt.Sprintf("%s: %s", comboLabel(key), errMsg))
	}

	return TaskResult{Filepath: task.Filepath, RetryHistory: retryHistory, Skipped: true, SkipReason: "exhausted", Error: "exceeded maximum retry count"}
}

func comboLabel(key AttemptKey) string {
	return fmt.Sprintf("%s:%s", key.Encoder, key.DecodeMode)
}

func lastErrors(errs []string, n int) string {
	if len(errs) == 0 {
		return "unknown error"
	}
	if len(errs) <= n {
		return strings.Join(errs, "; ")
	}
	return strings.Join(errs[len(errs)-n:], "; ")
}

// nextTaskID is a process-wide counter used by callers that want stable,
// monotonically increasing task identifiers for log correlation.
var nextTaskID int64

// NextTaskID returns a fresh, monotonically increasing task id.
func NextTaskID() int {
	return int(atomic.AddInt64(&nextTaskID, 1))
}
