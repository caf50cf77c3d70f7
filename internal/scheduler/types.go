package scheduler

import (
	"context"

	"github.com/nonomal/superbatchvideocompressor/internal/command"
	"github.com/nonomal/superbatchvideocompressor/internal/ffmpeg"
)

// DecodeMode re-exports command.DecodeMode so scheduler callers don't need a
// second import for the attempt-key's decode half.
type DecodeMode = command.DecodeMode

const (
	HWDecode        = command.HWDecode
	SWDecodeLimited = command.SWDecodeLimited
	SWDecode        = command.SWDecode
)

// AttemptKey identifies one (encoder, decode_mode) try in a task's fallback
// matrix.
type AttemptKey = command.AttemptKey

// hwDecodeModes and cpuDecodeModes are the decode-mode sequences tried per
// encoder family, matching the original's "hw decode, then sw-limited, then
// sw" fallback order for hardware encoders and the software-only pair for
// CPU.
var (
	hwDecodeModes  = []DecodeMode{HWDecode, SWDecodeLimited, SWDecode}
	cpuDecodeModes = []DecodeMode{SWDecodeLimited, SWDecode}
)

// Task is one file's transcode request handed to the scheduler.
type Task struct {
	ID       int
	Filepath string
}

// TaskResult is the terminal outcome of scheduling one task.
type TaskResult struct {
	Success      bool
	Filepath     string
	EncoderUsed  ffmpeg.Encoder
	DecodeUsed   DecodeMode
	Error        string
	RetryHistory []string
	Skipped      bool
	SkipReason   string // "exhausted", "cancelled"
}

// AttemptFunc executes one (encoder, decode_mode) attempt against filepath
// and reports whether it succeeded. Supplied by the batch runner, which
// wires it to the Command Builder and Process Registry.
type AttemptFunc func(ctx context.Context, filepath string, attempt AttemptKey) AttemptResult

// AttemptResult is one attempt's outcome, as reported by AttemptFunc.
type AttemptResult struct {
	Success bool
	Error   string
	// Unavailable is true when the Command Builder refused to emit an argv
	// for this attempt (e.g. HW_DECODE excluded by the support table); the
	// matrix walker marks the combination tried and keeps it out of the
	// retry history and the error list. The encoder slot is released with
	// success=true, so the refusal counts as completed, not failed, in that
	// slot's Stats.
	Unavailable bool
}
