package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nonomal/superbatchvideocompressor/internal/ffmpeg"
)

func twoEncoderConfig() Config {
	return Config{
		Encoders: map[ffmpeg.Encoder]EncoderConfig{
			ffmpeg.NVENC: {Enabled: true, MaxConcurrent: 2},
			ffmpeg.CPU:   {Enabled: true, MaxConcurrent: 4},
		},
		MaxTotalConcurrent: 5,
	}
}

func TestNewRejectsNoEncodersEnabled(t *testing.T) {
	_, err := New(Config{})
	if err == nil {
		t.Fatal("expected error when no encoder is enabled")
	}
}

// S1 — happy path, hardware decode succeeds on the first attempt.
func TestScheduleTaskHappyPathHWDecode(t *testing.T) {
	s, err := New(twoEncoderConfig())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	attempt := func(ctx context.Context, filepath string, key AttemptKey) AttemptResult {
		if key.Encoder == ffmpeg.NVENC && key.DecodeMode == HWDecode {
			return AttemptResult{Success: true}
		}
		t.Fatalf("unexpected attempt %v", key)
		return AttemptResult{}
	}

	result := s.ScheduleTask(context.Background(), Task{Filepath: "in.mkv"}, attempt)
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.EncoderUsed != ffmpeg.NVENC || result.DecodeUsed != HWDecode {
		t.Errorf("expected NVENC/HW_DECODE, got %s/%s", result.EncoderUsed, result.DecodeUsed)
	}
	if len(result.RetryHistory) != 1 {
		t.Errorf("expected single-attempt history, got %v", result.RetryHistory)
	}
}

// S2 — HW decode rejected by the Command Builder (Unavailable), falls
// through to SW_DECODE_LIMITED on the same encoder without counting as a
// failure.
func TestScheduleTaskFallsThroughOnUnavailableHWDecode(t *testing.T) {
	s, err := New(twoEncoderConfig())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	var seen []AttemptKey
	attempt := func(ctx context.Context, filepath string, key AttemptKey) AttemptResult {
		seen = append(seen, key)
		if key.Encoder == ffmpeg.NVENC && key.DecodeMode == HWDecode {
			return AttemptResult{Unavailable: true}
		}
		if key.Encoder == ffmpeg.NVENC && key.DecodeMode == SWDecodeLimited {
			return AttemptResult{Success: true}
		}
		t.Fatalf("unexpected attempt %v", key)
		return AttemptResult{}
	}

	result := s.ScheduleTask(context.Background(), Task{Filepath: "in.wmv"}, attempt)
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if len(result.RetryHistory) != 1 {
		t.Errorf("unavailable attempt should not appear in retry history, got %v", result.RetryHistory)
	}
	if result.DecodeUsed != SWDecodeLimited {
		t.Errorf("expected SW_DECODE_LIMITED, got %s", result.DecodeUsed)
	}
	for _, k := range seen {
		if k.Encoder == ffmpeg.NVENC && k.DecodeMode == HWDecode {
			return // confirmed it was indeed tried and rejected, not skipped silently
		}
	}
	t.Error("expected NVENC:HW_DECODE to have been attempted and rejected")
}

// S4-equivalent: every attempt across the whole matrix fails, task ends
// skipped with reason "exhausted", and every combination appears at most
// once in the retry history.
func TestScheduleTaskExhaustsMatrix(t *testing.T) {
	s, err := New(twoEncoderConfig())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	attempt := func(ctx context.Context, filepath string, key AttemptKey) AttemptResult {
		return AttemptResult{Success: false, Error: "synthetic failure"}
	}

	result := s.ScheduleTask(context.Background(), Task{Filepath: "in.mkv"}, attempt)
	if result.Success {
		t.Fatal("expected failure")
	}
	if !result.Skipped || result.SkipReason != "exhausted" {
		t.Errorf("expected skipped/exhausted, got %+v", result)
	}

	seen := make(map[AttemptKey]int)
	for _, label := range result.RetryHistory {
		seen[parseLabel(t, label)]++
	}
	for key, count := range seen {
		if count != 1 {
			t.Errorf("combination %v attempted %d times, want exactly 1", key, count)
		}
	}
	// NVENC contributes 3 decode modes, CPU contributes 2.
	if len(result.RetryHistory) != 5 {
		t.Errorf("expected 5 total attempts (3 NVENC + 2 CPU), got %d: %v", len(result.RetryHistory), result.RetryHistory)
	}
}

func parseLabel(t *testing.T, label string) AttemptKey {
	t.Helper()
	for _, enc := range []ffmpeg.Encoder{ffmpeg.NVENC, ffmpeg.QSV, ffmpeg.VideoToolbox, ffmpeg.CPU} {
		prefix := string(enc) + ":"
		if len(label) > len(prefix) && label[:len(prefix)] == prefix {
			return AttemptKey{Encoder: enc, DecodeMode: DecodeMode(label[len(prefix):])}
		}
	}
	t.Fatalf("could not parse combo label %q", label)
	return AttemptKey{}
}

// S3 — cross-encoder fallback. NVENC exhausts every decode mode, the
// scheduler moves on to QSV and succeeds there; CPU is never touched.
func TestScheduleTaskCrossEncoderFallback(t *testing.T) {
	cfg := Config{
		Encoders: map[ffmpeg.Encoder]EncoderConfig{
			ffmpeg.NVENC: {Enabled: true, MaxConcurrent: 1},
			ffmpeg.QSV:   {Enabled: true, MaxConcurrent: 1},
			ffmpeg.CPU:   {Enabled: true, MaxConcurrent: 1},
		},
		MaxTotalConcurrent: 3,
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	attempt := func(ctx context.Context, filepath string, key AttemptKey) AttemptResult {
		if key.Encoder == ffmpeg.CPU {
			t.Fatal("CPU should never be tried once QSV succeeds")
		}
		if key.Encoder == ffmpeg.NVENC {
			return AttemptResult{Success: false, Error: "nvenc synthetic failure"}
		}
		return AttemptResult{Success: true} // first QSV attempt succeeds
	}

	result := s.ScheduleTask(context.Background(), Task{Filepath: "in.mkv"}, attempt)
	if !result.Success || result.EncoderUsed != ffmpeg.QSV {
		t.Fatalf("expected success on QSV, got %+v", result)
	}

	nvencAttempts := 0
	for _, label := range result.RetryHistory {
		if parseLabel(t, label).Encoder == ffmpeg.NVENC {
			nvencAttempts++
		}
	}
	if nvencAttempts != 3 {
		t.Errorf("expected all 3 NVENC decode modes tried before falling through, got %d", nvencAttempts)
	}
}

func TestScheduleTaskRespectsShutdown(t *testing.T) {
	s, err := New(twoEncoderConfig())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	s.Shutdown()

	attempt := func(ctx context.Context, filepath string, key AttemptKey) AttemptResult {
		t.Fatal("attempt should never run once shutdown")
		return AttemptResult{}
	}

	result := s.ScheduleTask(context.Background(), Task{Filepath: "in.mkv"}, attempt)
	if !result.Skipped || result.SkipReason != "cancelled" {
		t.Errorf("expected skipped/cancelled, got %+v", result)
	}
}

func TestScheduleTaskRespectsContextCancellation(t *testing.T) {
	s, err := New(twoEncoderConfig())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var calls int32
	attempt := func(ctx context.Context, filepath string, key AttemptKey) AttemptResult {
		atomic.AddInt32(&calls, 1)
		cancel() // cancel mid-flight, as a signal handler would
		return AttemptResult{Success: false, Error: "interrupted"}
	}

	result := s.ScheduleTask(ctx, Task{Filepath: "in.mkv"}, attempt)
	if !result.Skipped || result.SkipReason != "cancelled" {
		t.Errorf("expected skipped/cancelled after cancellation, got %+v", result)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected exactly one attempt before observing cancellation, got %d", calls)
	}
}

// Property: encoder slot counters never exceed their configured maximum
// under concurrent load.
func TestEncoderSlotNeverExceedsMax(t *testing.T) {
	slot := NewEncoderSlot(ffmpeg.NVENC, 2)

	var wg sync.WaitGroup
	var maxObserved int32
	var current int32

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !slot.Acquire(context.Background(), time.Second) {
				return
			}
			n := atomic.AddInt32(&current, 1)
			for {
				old := atomic.LoadInt32(&maxObserved)
				if n <= old || atomic.CompareAndSwapInt32(&maxObserved, old, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&current, -1)
			slot.Release(true)
		}()
	}
	wg.Wait()

	if maxObserved > 2 {
		t.Errorf("observed %d concurrent holders, want <= 2", maxObserved)
	}
	stats := slot.Stats()
	if stats.Current != 0 {
		t.Errorf("expected slot to drain to 0, got %d", stats.Current)
	}
	if stats.Completed != 20 {
		t.Errorf("expected 20 completed, got %d", stats.Completed)
	}
}

func TestGlobalConcurrencyCapHonored(t *testing.T) {
	cfg := Config{
		Encoders: map[ffmpeg.Encoder]EncoderConfig{
			ffmpeg.CPU: {Enabled: true, MaxConcurrent: 10},
		},
		MaxTotalConcurrent: 2,
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	var current int32
	var maxObserved int32
	var wg sync.WaitGroup

	attempt := func(ctx context.Context, filepath string, key AttemptKey) AttemptResult {
		n := atomic.AddInt32(&current, 1)
		for {
			old := atomic.LoadInt32(&maxObserved)
			if n <= old || atomic.CompareAndSwapInt32(&maxObserved, old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return AttemptResult{Success: true}
	}

	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.ScheduleTask(context.Background(), Task{Filepath: "f"}, attempt)
		}(i)
	}
	wg.Wait()

	if maxObserved > 2 {
		t.Errorf("observed %d concurrent tasks, want <= global cap of 2", maxObserved)
	}
}
