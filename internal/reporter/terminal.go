package reporter

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
)

// TerminalReporter prints coloured, human-readable progress to stdout and a
// progress bar tracking completed-of-total files on stderr.
type TerminalReporter struct {
	mu      sync.Mutex
	bar     *progressbar.ProgressBar
	verbose bool

	cyan    *color.Color
	green   *color.Color
	yellow  *color.Color
	red     *color.Color
	dim     *color.Color
	bold    *color.Color
}

// NewTerminalReporter creates a terminal reporter. verbose additionally
// prints retry-history detail for every file, not just the winning combo.
func NewTerminalReporter(verbose bool) *TerminalReporter {
	return &TerminalReporter{
		verbose: verbose,
		cyan:    color.New(color.FgCyan, color.Bold),
		green:   color.New(color.FgGreen),
		yellow:  color.New(color.FgYellow, color.Bold),
		red:     color.New(color.FgRed, color.Bold),
		dim:     color.New(color.Faint),
		bold:    color.New(color.Bold),
	}
}

const labelWidth = 16

func (r *TerminalReporter) printLabel(label, value string) {
	padded := fmt.Sprintf("%-*s", labelWidth, label)
	fmt.Printf("  %s %s\n", r.bold.Sprint(padded), value)
}

func (r *TerminalReporter) RunStarted(info RunStartInfo) {
	fmt.Println()
	_, _ = r.cyan.Println("BATCH")
	r.printLabel("Run:", info.RunID)
	r.printLabel("Input:", info.InputRoot)
	r.printLabel("Output:", info.OutputRoot)
	r.printLabel("Files:", fmt.Sprintf("%d", info.TotalFiles))

	r.mu.Lock()
	defer r.mu.Unlock()
	r.bar = progressbar.NewOptions(info.TotalFiles,
		progressbar.OptionSetDescription(""),
		progressbar.OptionSetWidth(40),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionShowDescriptionAtLineEnd(),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

func (r *TerminalReporter) EncoderAvailability(avail map[string]bool) {
	fmt.Println()
	_, _ = r.cyan.Println("ENCODERS")
	for _, name := range []string{"nvenc", "qsv", "videotoolbox", "cpu"} {
		ok, known := avail[name]
		if !known {
			continue
		}
		status := r.green.Sprint("available")
		if !ok {
			status = r.dim.Sprint("unavailable")
		}
		r.printLabel(strings.ToUpper(name)+":", status)
	}
}

func (r *TerminalReporter) FileStarted(index, total int, path string) {
	fmt.Printf("\n%s %s\n", r.dim.Sprintf("[%d/%d]", index, total), path)
}

func (r *TerminalReporter) FileDone(event FileEvent) {
	r.mu.Lock()
	if r.bar != nil {
		_ = r.bar.Add(1)
	}
	r.mu.Unlock()

	switch {
	case event.Success:
		reduction := 0.0
		if event.OriginalSizeBytes > 0 {
			reduction = 100 * (1 - float64(event.NewSizeBytes)/float64(event.OriginalSizeBytes))
		}
		r.printLabel("Result:", fmt.Sprintf("%s %s (%s -> %s, %.1f%% smaller, %s)",
			r.green.Sprint("done"), event.Encoder,
			humanize.Bytes(uint64(event.OriginalSizeBytes)),
			humanize.Bytes(uint64(event.NewSizeBytes)),
			reduction, event.Elapsed.Round(100_000_000)))
	case event.Skipped:
		r.printLabel("Result:", fmt.Sprintf("%s (%s)", r.yellow.Sprint("skipped"), event.SkipReason))
	default:
		r.printLabel("Result:", fmt.Sprintf("%s %s", r.red.Sprint("failed"), event.Error))
	}

	if r.verbose && len(event.RetryHistory) > 0 {
		r.printLabel("Retry path:", strings.Join(event.RetryHistory, " -> "))
	}
}

func (r *TerminalReporter) RunComplete(summary RunSummary) {
	r.mu.Lock()
	if r.bar != nil {
		_ = r.bar.Finish()
		r.bar = nil
	}
	r.mu.Unlock()

	reduction := 0.0
	if summary.BytesOriginal > 0 {
		reduction = 100 * (1 - float64(summary.BytesNew)/float64(summary.BytesOriginal))
	}

	fmt.Println()
	_, _ = r.cyan.Println("SUMMARY")
	r.printLabel("Succeeded:", fmt.Sprintf("%d / %d", summary.Succeeded, summary.Total))
	r.printLabel("Skipped:", fmt.Sprintf("%d small, %d existing, %d other",
		summary.SkippedSmall, summary.SkippedExists, summary.SkippedOther))
	r.printLabel("Failed:", fmt.Sprintf("%d", summary.Failed))
	r.printLabel("Size:", fmt.Sprintf("%s -> %s (%.1f%% saved)",
		humanize.Bytes(uint64(summary.BytesOriginal)),
		humanize.Bytes(uint64(summary.BytesNew)), reduction))
	r.printLabel("Elapsed:", summary.Elapsed.Round(1_000_000_000).String())

	for _, name := range []string{"nvenc", "qsv", "videotoolbox", "cpu"} {
		usage, ok := summary.EncoderUsage[name]
		if !ok || (usage.Completed == 0 && usage.Failed == 0) {
			continue
		}
		r.printLabel(strings.ToUpper(name)+":", fmt.Sprintf("%d completed, %d failed", usage.Completed, usage.Failed))
	}
}

func (r *TerminalReporter) Warning(message string) {
	fmt.Println()
	_, _ = r.yellow.Printf("WARN: %s\n", message)
}
