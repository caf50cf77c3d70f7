// Package reporter turns Batch Runner events into terminal or log output.
// The Reporter interface is the seam between internal/batch's scheduling
// loop and however the operator is watching it: a colour terminal, a log
// file, or (in tests) nothing at all.
package reporter

import "time"

// Reporter receives the events SPEC_FULL.md §4.7 says the Batch Runner
// surfaces: per-file progress with its retry path, and a final aggregate
// summary.
type Reporter interface {
	RunStarted(info RunStartInfo)
	EncoderAvailability(avail map[string]bool)
	FileStarted(index, total int, path string)
	FileDone(event FileEvent)
	RunComplete(summary RunSummary)
	Warning(message string)
}

// RunStartInfo describes the batch about to run.
type RunStartInfo struct {
	RunID      string
	InputRoot  string
	OutputRoot string
	TotalFiles int
}

// FileEvent is one file's outcome, reported as soon as it is known.
type FileEvent struct {
	Index, Total int
	Input        string
	Output       string
	Success      bool
	Skipped      bool
	SkipReason   string // "small", "exists", "exhausted", "cancelled"
	Error        string
	Encoder      string
	DecodeMode   string
	RetryHistory []string // every "encoder:decode_mode" combo attempted, in order, including the last one
	OriginalSizeBytes, NewSizeBytes int64
	Elapsed      time.Duration
}

// EncoderUsage is completed/failed attempt counts for one encoder.
type EncoderUsage struct {
	Completed, Failed int
}

// RunSummary is the aggregate printed once the batch finishes.
type RunSummary struct {
	RunID                                                    string
	Total, Succeeded, SkippedSmall, SkippedExists, SkippedOther, Failed int
	EncoderUsage                                             map[string]EncoderUsage
	Elapsed                                                  time.Duration
	BytesOriginal, BytesNew                                  int64
}

// NullReporter discards every event. Useful for tests and for library
// callers that don't want terminal or log output.
type NullReporter struct{}

func (NullReporter) RunStarted(RunStartInfo)             {}
func (NullReporter) EncoderAvailability(map[string]bool) {}
func (NullReporter) FileStarted(int, int, string)        {}
func (NullReporter) FileDone(FileEvent)                  {}
func (NullReporter) RunComplete(RunSummary)              {}
func (NullReporter) Warning(string)                      {}

// CompositeReporter fans every event out to each of its members, in order.
type CompositeReporter struct {
	reporters []Reporter
}

// NewCompositeReporter combines reporters into one, e.g. a terminal
// reporter for the operator plus a log reporter writing to a run log file.
func NewCompositeReporter(reporters ...Reporter) *CompositeReporter {
	return &CompositeReporter{reporters: reporters}
}

func (c *CompositeReporter) RunStarted(info RunStartInfo) {
	for _, r := range c.reporters {
		r.RunStarted(info)
	}
}

func (c *CompositeReporter) EncoderAvailability(avail map[string]bool) {
	for _, r := range c.reporters {
		r.EncoderAvailability(avail)
	}
}

func (c *CompositeReporter) FileStarted(index, total int, path string) {
	for _, r := range c.reporters {
		r.FileStarted(index, total, path)
	}
}

func (c *CompositeReporter) FileDone(event FileEvent) {
	for _, r := range c.reporters {
		r.FileDone(event)
	}
}

func (c *CompositeReporter) RunComplete(summary RunSummary) {
	for _, r := range c.reporters {
		r.RunComplete(summary)
	}
}

func (c *CompositeReporter) Warning(message string) {
	for _, r := range c.reporters {
		r.Warning(message)
	}
}
