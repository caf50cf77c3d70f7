package reporter

import (
	"strings"

	"github.com/nonomal/superbatchvideocompressor/internal/logger"
)

// LogReporter emits the same events as structured log/slog records, for
// non-interactive runs (piped output, cron, a log file) where colour codes
// and a progress bar would just be noise.
type LogReporter struct{}

// NewLogReporter creates a log reporter writing through the package logger.
func NewLogReporter() *LogReporter {
	return &LogReporter{}
}

func (LogReporter) RunStarted(info RunStartInfo) {
	logger.Info("batch started",
		"run_id", info.RunID,
		"input", info.InputRoot,
		"output", info.OutputRoot,
		"total_files", info.TotalFiles,
	)
}

func (LogReporter) EncoderAvailability(avail map[string]bool) {
	for name, ok := range avail {
		logger.Info("encoder availability", "encoder", name, "available", ok)
	}
}

func (LogReporter) FileStarted(index, total int, path string) {
	logger.Info("file started", "index", index, "total", total, "path", path)
}

func (LogReporter) FileDone(event FileEvent) {
	args := []any{
		"input", event.Input,
		"output", event.Output,
		"encoder", event.Encoder,
		"decode_mode", event.DecodeMode,
		"elapsed", event.Elapsed.String(),
	}
	if len(event.RetryHistory) > 0 {
		args = append(args, "retry_path", strings.Join(event.RetryHistory, " -> "))
	}

	switch {
	case event.Success:
		args = append(args, "original_bytes", event.OriginalSizeBytes, "new_bytes", event.NewSizeBytes)
		logger.Info("file succeeded", args...)
	case event.Skipped:
		args = append(args, "reason", event.SkipReason)
		logger.Info("file skipped", args...)
	default:
		args = append(args, "error", event.Error)
		logger.Error("file failed", args...)
	}
}

func (LogReporter) RunComplete(summary RunSummary) {
	logger.Info("batch complete",
		"run_id", summary.RunID,
		"total", summary.Total,
		"succeeded", summary.Succeeded,
		"skipped_small", summary.SkippedSmall,
		"skipped_exists", summary.SkippedExists,
		"skipped_other", summary.SkippedOther,
		"failed", summary.Failed,
		"bytes_original", summary.BytesOriginal,
		"bytes_new", summary.BytesNew,
		"elapsed", summary.Elapsed.String(),
	)
	for encoder, usage := range summary.EncoderUsage {
		logger.Info("encoder usage", "encoder", encoder, "completed", usage.Completed, "failed", usage.Failed)
	}
}

func (LogReporter) Warning(message string) {
	logger.Warn(message)
}
