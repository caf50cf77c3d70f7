// Package batch enumerates input files, seeds the Scheduler, and aggregates
// the resulting per-file outcomes into a run summary.
package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nonomal/superbatchvideocompressor/internal/command"
	"github.com/nonomal/superbatchvideocompressor/internal/config"
	"github.com/nonomal/superbatchvideocompressor/internal/ffmpeg"
	"github.com/nonomal/superbatchvideocompressor/internal/logger"
	"github.com/nonomal/superbatchvideocompressor/internal/planner"
	"github.com/nonomal/superbatchvideocompressor/internal/process"
	"github.com/nonomal/superbatchvideocompressor/internal/reporter"
	"github.com/nonomal/superbatchvideocompressor/internal/scheduler"
)

// ErrNoEncodersEnabled is returned by New when the probe (or the operator's
// configuration) leaves nothing for the scheduler to run attempts against.
var ErrNoEncodersEnabled = errors.New("batch: no encoder available to run attempts against")

// FileResult is one file's terminal outcome, enriched with the byte counts
// and timing the scheduler's TaskResult doesn't itself carry.
type FileResult struct {
	Input             string
	Output            string
	Success           bool
	Skipped           bool
	SkipReason        string // "small", "exists", "exhausted", "cancelled"
	Error             string
	Encoder           ffmpeg.Encoder
	DecodeMode        scheduler.DecodeMode
	Label             string
	RetryHistory      []string
	OriginalSizeBytes int64
	NewSizeBytes      int64
	Elapsed           time.Duration
}

// EncoderUsage tallies one encoder's completed/failed attempt counts across
// the run, for the summary's usage histogram.
type EncoderUsage struct {
	Completed int
	Failed    int
}

// Summary is the Batch Runner's terminal report for one Run.
type Summary struct {
	RunID          string
	Total          int
	Succeeded      int
	SkippedSmall   int
	SkippedExists  int
	SkippedOther   int
	Failed         int
	EncoderUsage   map[ffmpeg.Encoder]EncoderUsage
	Results        []FileResult
	Elapsed        time.Duration
	BytesOriginal  int64
	BytesNew       int64
}

// execFunc launches argv against ffmpegPath and returns captured stderr
// plus the child's exit error (nil on success). Overridable in tests so the
// attempt path can be exercised without invoking a real ffmpeg binary.
type execFunc func(ctx context.Context, ffmpegPath string, argv []string) (stderr string, err error)

// sourceProber is the subset of *ffmpeg.Prober the runner needs; satisfied
// directly by *ffmpeg.Prober in production and by a fake in tests, the same
// seam planner.StreamProber uses.
type sourceProber interface {
	Probe(ctx context.Context, path string) (*ffmpeg.ProbeResult, error)
	ProbeAudioSubtitles(ctx context.Context, path string) ([]ffmpeg.AudioTrack, []ffmpeg.SubtitleTrack, error)
}

// Runner owns one run's Scheduler, encoder availability, and metadata
// prober, and drives every discovered file through them.
type Runner struct {
	cfg   *config.Config
	sched *scheduler.Scheduler
	meta  sourceProber
	codec ffmpeg.Codec
	avail map[ffmpeg.Encoder]ffmpeg.Availability
	runID string
	exec  execFunc
	rep   reporter.Reporter
}

// SetReporter replaces the Runner's event reporter. Called after New with
// whatever reporter.New(verbose, withLog) chose for this invocation; a
// Runner built without ever calling this reports to reporter.NullReporter.
func (r *Runner) SetReporter(rep reporter.Reporter) {
	r.rep = rep
}

// reporter returns r.rep, defaulting to a no-op so callers (including the
// zero-value Runner literals batch's own tests build) never need a nil check.
func (r *Runner) reporter() reporter.Reporter {
	if r.rep == nil {
		return reporter.NullReporter{}
	}
	return r.rep
}

// New probes encoder availability, builds the Scheduler, and returns a
// Runner ready for Run. It returns ErrNoEncodersEnabled before submitting
// any task if the configuration and probe results leave no usable encoder —
// the §7 "Fatal" error kind.
func New(ctx context.Context, cfg *config.Config) (*Runner, error) {
	codec := parseCodec(cfg.Encoding.Codec)

	encProber := ffmpeg.NewEncoderProber(cfg.FFmpegPath)
	cpuFallback := cfg.Encoders.CPU.Enabled
	avail := ffmpeg.DetectAll(ctx, encProber, codec, cpuFallback)

	for enc, a := range avail {
		if !a.Available {
			logger.Warn("encoder unavailable", "encoder", string(enc), "reason", a.Reason)
		}
	}

	sched, err := scheduler.New(buildSchedulerConfig(cfg, avail))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoEncodersEnabled, err)
	}

	return &Runner{
		cfg:   cfg,
		sched: sched,
		meta:  ffmpeg.NewProber(cfg.FFprobePath),
		codec: codec,
		avail: avail,
		runID: uuid.NewString(),
		exec:  defaultExec,
		rep:   reporter.NullReporter{},
	}, nil
}

func parseCodec(s string) ffmpeg.Codec {
	switch strings.ToLower(s) {
	case "avc", "h264", "h.264":
		return ffmpeg.CodecAVC
	case "av1":
		return ffmpeg.CodecAV1
	default:
		return ffmpeg.CodecHEVC
	}
}

// buildSchedulerConfig seeds one EncoderConfig per encoder the operator
// enabled AND the probe found available; an encoder enabled in config but
// unavailable on this host is silently left out, matching §4.2's "disables
// the encoder, never raised later" failure semantics.
func buildSchedulerConfig(cfg *config.Config, avail map[ffmpeg.Encoder]ffmpeg.Availability) scheduler.Config {
	entries := map[ffmpeg.Encoder]config.EncoderEntry{
		ffmpeg.NVENC:        cfg.Encoders.NVENC,
		ffmpeg.QSV:          cfg.Encoders.QSV,
		ffmpeg.VideoToolbox: cfg.Encoders.VideoToolbox,
		ffmpeg.CPU:          cfg.Encoders.CPU,
	}

	out := scheduler.Config{
		Encoders:           make(map[ffmpeg.Encoder]scheduler.EncoderConfig, len(entries)),
		MaxTotalConcurrent: cfg.Scheduler.MaxTotalConcurrent,
	}
	for enc, entry := range entries {
		a, probed := avail[enc]
		enabled := entry.Enabled && (!probed || a.Available)
		out.Encoders[enc] = scheduler.EncoderConfig{Enabled: enabled, MaxConcurrent: entry.MaxConcurrent}
	}
	return out
}

// Run enumerates files under cfg.Paths.Input, sweeps orphaned temp files,
// hands every remaining file to a pool of MaxTotalConcurrent workers that
// each run one file through the Scheduler at a time, and returns the
// aggregated Summary.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	start := time.Now()

	removed, err := SweepOrphanTempFiles(r.cfg.Paths.Output)
	if err != nil {
		logger.Warn("orphan temp sweep failed", "error", err)
	} else if removed > 0 {
		logger.Info("removed orphaned temp files", "count", removed)
	}

	if _, ok := CheckDiskSpace(r.cfg.Paths.Output); !ok {
		logger.Warn("low disk space on output path", "path", r.cfg.Paths.Output)
		r.reporter().Warning(fmt.Sprintf("low disk space on output path: %s", r.cfg.Paths.Output))
	}

	files, err := DiscoverFiles(r.cfg.Paths.Input)
	if err != nil {
		return Summary{}, fmt.Errorf("batch: discover files: %w", err)
	}

	rep := r.reporter()
	rep.RunStarted(reporter.RunStartInfo{
		RunID:      r.runID,
		InputRoot:  r.cfg.Paths.Input,
		OutputRoot: r.cfg.Paths.Output,
		TotalFiles: len(files),
	})
	avail := make(map[string]bool, len(r.avail))
	for enc, a := range r.avail {
		avail[string(enc)] = a.Available
	}
	rep.EncoderAvailability(avail)

	total := len(files)
	results := make([]FileResult, total)
	poolSize := r.cfg.Scheduler.MaxTotalConcurrent
	if poolSize <= 0 {
		poolSize = 5
	}
	pool := make(chan struct{}, poolSize)
	var wg sync.WaitGroup
	for i, f := range files {
		wg.Add(1)
		go func(i int, input string) {
			defer wg.Done()
			pool <- struct{}{}
			defer func() { <-pool }()
			if !r.awaitScheduleWindow(ctx) {
				fr := FileResult{Input: input, Skipped: true, SkipReason: "cancelled", Error: "cancelled"}
				results[i] = fr
				rep.FileDone(toFileEvent(i+1, total, fr))
				return
			}
			rep.FileStarted(i+1, total, input)
			fr := r.runOne(ctx, input)
			results[i] = fr
			rep.FileDone(toFileEvent(i+1, total, fr))
		}(i, f)
	}
	wg.Wait()

	summary := summarize(r.runID, results, time.Since(start))
	rep.RunComplete(toRunSummary(summary))
	return summary, nil
}

// awaitScheduleWindow blocks a file's submission until the configured
// allowed-hours window admits new work, polling every 30s the way the
// teacher's worker loop re-checked isScheduleAllowed. Returns false if ctx
// is cancelled before the window opens.
func (r *Runner) awaitScheduleWindow(ctx context.Context) bool {
	for !isScheduleAllowed(r.cfg.Encoding.Schedule, time.Now) {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(30 * time.Second):
		}
	}
	return true
}

// isScheduleAllowed reports whether now() falls within cfg's allowed-hours
// window. A disabled schedule always allows. start > end describes an
// overnight window (e.g. 22 to 6).
func isScheduleAllowed(cfg config.ScheduleConfig, now func() time.Time) bool {
	if !cfg.Enabled {
		return true
	}
	hour := now().Hour()
	start, end := cfg.StartHour, cfg.EndHour
	if start > end {
		return hour >= start || hour < end
	}
	return hour >= start && hour < end
}

func toFileEvent(index, total int, fr FileResult) reporter.FileEvent {
	return reporter.FileEvent{
		Index:             index,
		Total:             total,
		Input:             fr.Input,
		Output:            fr.Output,
		Success:           fr.Success,
		Skipped:           fr.Skipped,
		SkipReason:        fr.SkipReason,
		Error:             fr.Error,
		Encoder:           string(fr.Encoder),
		DecodeMode:        string(fr.DecodeMode),
		RetryHistory:      fr.RetryHistory,
		OriginalSizeBytes: fr.OriginalSizeBytes,
		NewSizeBytes:      fr.NewSizeBytes,
		Elapsed:           fr.Elapsed,
	}
}

func toRunSummary(s Summary) reporter.RunSummary {
	usage := make(map[string]reporter.EncoderUsage, len(s.EncoderUsage))
	for enc, u := range s.EncoderUsage {
		usage[string(enc)] = reporter.EncoderUsage{Completed: u.Completed, Failed: u.Failed}
	}
	return reporter.RunSummary{
		RunID:         s.RunID,
		Total:         s.Total,
		Succeeded:     s.Succeeded,
		SkippedSmall:  s.SkippedSmall,
		SkippedExists: s.SkippedExists,
		SkippedOther:  s.SkippedOther,
		Failed:        s.Failed,
		EncoderUsage:  usage,
		Elapsed:       s.Elapsed,
		BytesOriginal: s.BytesOriginal,
		BytesNew:      s.BytesNew,
	}
}

// runOne resolves the file plan, applies the size/existence pre-skips,
// probes source metadata, plans the bitrate and stream policy, then hands
// the file to the Scheduler.
func (r *Runner) runOne(ctx context.Context, input string) FileResult {
	fp, err := ResolveFilePlan(input, r.cfg.Paths.Input, r.cfg.Paths.Output, r.cfg.Encoding.Container, r.cfg.Files.KeepStructure)
	if err != nil {
		return FileResult{Input: input, Success: false, Error: err.Error()}
	}

	info, statErr := os.Stat(input)
	originalSize := int64(0)
	if statErr == nil {
		originalSize = info.Size()
	}

	if r.cfg.Files.SkipExisting {
		if _, err := os.Stat(fp.OutputPath); err == nil {
			return FileResult{Input: input, Output: fp.OutputPath, Skipped: true, SkipReason: "exists", OriginalSizeBytes: originalSize}
		}
	}

	minBytes := int64(r.cfg.Files.MinSizeMB * 1024 * 1024)
	if originalSize > 0 && originalSize < minBytes {
		return FileResult{Input: input, Output: fp.OutputPath, Skipped: true, SkipReason: "small", OriginalSizeBytes: originalSize}
	}

	src, meta, err := r.probeSource(ctx, input)
	if err != nil {
		logger.Warn("metadata probe failed, using fallback defaults", "file", input, "error", err)
	}

	targetBps := planner.PlanBitrate(meta, r.bitrateConfig())

	plan, err := planner.PlanStreams(ctx, input, r.streamConfig(), r.meta)
	if err != nil {
		logger.Warn("stream probe failed, falling back to legacy stream policy", "file", input, "error", err)
	}

	state := &fileRunState{}
	attempt := r.makeAttempt(fp, src, targetBps, plan, state)

	task := scheduler.Task{ID: scheduler.NextTaskID(), Filepath: input}
	result := r.sched.ScheduleTask(ctx, task, attempt)

	fr := FileResult{
		Input:             input,
		Output:            fp.OutputPath,
		Success:           result.Success,
		Skipped:           result.Skipped,
		SkipReason:        result.SkipReason,
		Error:             result.Error,
		Encoder:           result.EncoderUsed,
		DecodeMode:        result.DecodeUsed,
		RetryHistory:      result.RetryHistory,
		OriginalSizeBytes: originalSize,
		NewSizeBytes:      state.newSize,
		Elapsed:           state.elapsed,
		Label:             state.label,
	}

	if result.Success && state.renameErr != nil {
		fr.Success = false
		fr.Error = fmt.Sprintf("rename failed: %v", state.renameErr)
	}

	return fr
}

func (r *Runner) probeSource(ctx context.Context, input string) (command.SourceInfo, planner.SourceMeta, error) {
	pr, err := r.meta.Probe(ctx, input)
	if err != nil {
		return command.SourceInfo{}, planner.SourceMeta{Readable: false}, err
	}
	src := command.SourceInfo{
		Codec:    pr.VideoCodec,
		Profile:  pr.Profile,
		BitDepth: pr.BitDepth,
		IsHDR:    pr.IsHDR,
	}
	meta := planner.SourceMeta{
		BitrateBps: pr.Bitrate,
		Width:      pr.Width,
		Height:     pr.Height,
		Readable:   true,
	}
	return src, meta, nil
}

func (r *Runner) bitrateConfig() planner.BitrateConfig {
	b := r.cfg.Encoding.Bitrate
	thresholds := make([]planner.BitrateThreshold, 0, len(b.MaxByResolution))
	for shortSide, maxBps := range b.MaxByResolution {
		thresholds = append(thresholds, planner.BitrateThreshold{ShortSide: shortSide, MaxBps: maxBps})
	}
	sort.Slice(thresholds, func(i, j int) bool { return thresholds[i].ShortSide < thresholds[j].ShortSide })

	return planner.BitrateConfig{
		Ratio:      b.Ratio,
		MinBps:     b.Min,
		ForcedBps:  b.Forced,
		Thresholds: thresholds,
	}
}

func (r *Runner) streamConfig() planner.StreamConfig {
	a := r.cfg.Encoding.Audio
	s := r.cfg.Encoding.Subtitles

	return planner.StreamConfig{
		Audio: planner.AudioConfig{
			Enabled:             a.Enabled,
			TracksKeep:          audioTrackMode(a.Tracks.Keep),
			PreferLanguage:      splitLanguages(a.Tracks.PreferLanguage),
			DropCommentary:      a.Tracks.DropCommentary,
			CopyPolicy:          audioCopyPolicy(a.CopyPolicy),
			CopyAllowCodecs:     a.CopyAllowCodecs,
			CopyMaxBitrateRatio: a.CopyMaxBitrateRatio,
			TargetCodec:         a.TargetCodec,
			TargetBitrate:       a.TargetBitrate,
			Channels:            channelsString(a.Channels),
			SampleRate:          sampleRateString(a.SampleRate),
		},
		Subtitles: planner.SubtitleConfig{
			Keep:      subtitleKeepMode(s.Keep),
			Languages: s.Languages,
			Container: r.cfg.Encoding.Container,
		},
	}
}

func (r *Runner) commandOptions() command.Options {
	fpsMax := 0
	if r.cfg.FPS.LimitOnSoftwareDecode {
		fpsMax = r.cfg.FPS.Max
	}
	return command.Options{
		Codec:            r.codec,
		FPSMax:           fpsMax,
		TonemapHDR:       r.cfg.Tonemap.Enabled,
		TonemapAlgorithm: r.cfg.Tonemap.Algorithm,
		CPUPreset:        r.cfg.Encoders.CPU.Preset,
	}
}

func audioTrackMode(s string) planner.AudioTrackMode {
	switch strings.ToLower(s) {
	case "all":
		return planner.TrackKeepAll
	case "language":
		return planner.TrackKeepLanguagePrefer
	default:
		return planner.TrackKeepFirst
	}
}

func audioCopyPolicy(s string) planner.AudioCopyPolicy {
	switch strings.ToLower(s) {
	case "never":
		return planner.CopyOff
	case "always":
		return planner.CopyAlways
	case "aac_only":
		return planner.CopyAACOnly
	case "smart":
		return planner.CopySmart
	default:
		return planner.CopyOff
	}
}

func subtitleKeepMode(s string) planner.SubtitleKeepMode {
	switch strings.ToLower(s) {
	case "copy":
		return planner.SubtitlesCopy
	case "soft":
		return planner.SubtitlesSoft
	default:
		return planner.SubtitlesNone
	}
}

func splitLanguages(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func channelsString(n int) string {
	switch n {
	case 1:
		return "mono"
	case 2:
		return "stereo"
	case 6:
		return "5.1"
	default:
		return "keep"
	}
}

func sampleRateString(n int) string {
	if n <= 0 {
		return "keep"
	}
	return fmt.Sprintf("%d", n)
}

// fileRunState carries the side-channel outcome data an AttemptFunc closure
// records for the winning attempt, since scheduler.AttemptResult's contract
// is deliberately narrow (success/error/unavailable only).
type fileRunState struct {
	label     string
	elapsed   time.Duration
	newSize   int64
	renameErr error
}

// makeAttempt returns the scheduler.AttemptFunc for one file: build the
// argv for the requested (encoder, decode_mode), launch it, and on success
// rename the temp output into place. A rename failure is recorded on state
// rather than returned as an attempt failure — the conversion itself
// succeeded, so the scheduler must not retry with a different encoder; the
// caller (runOne) turns it into a terminal failure after ScheduleTask
// returns, per §7's "Rename failure" error kind.
func (r *Runner) makeAttempt(fp FilePlan, src command.SourceInfo, targetBps int64, plan planner.StreamPlan, state *fileRunState) scheduler.AttemptFunc {
	return func(ctx context.Context, filepath string, key scheduler.AttemptKey) scheduler.AttemptResult {
		if r.cfg.Files.SkipExisting {
			if _, err := os.Stat(fp.OutputPath); err == nil {
				// Another task already produced this mapping; advisory only.
				return scheduler.AttemptResult{Success: true}
			}
		}

		argv, label, ok := command.Build(fp.InputPath, fp.TempPath, targetBps, src, key, plan, r.commandOptions())
		if !ok {
			return scheduler.AttemptResult{Unavailable: true}
		}

		attemptStart := time.Now()
		stderr, err := r.exec(ctx, r.cfg.FFmpegPath, argv)
		elapsed := time.Since(attemptStart)

		if err != nil {
			os.Remove(fp.TempPath)
			return scheduler.AttemptResult{Error: classifyChildFailure(stderr, err)}
		}

		if renameErr := os.Rename(fp.TempPath, fp.OutputPath); renameErr != nil {
			state.renameErr = renameErr
		} else if info, statErr := os.Stat(fp.OutputPath); statErr == nil {
			state.newSize = info.Size()
		}

		state.label = label
		state.elapsed = elapsed
		return scheduler.AttemptResult{Success: true}
	}
}

// childFailureFragments are the stderr substrings SPEC_FULL.md §6 names for
// classifying a failed child process, distinct from the Encoder Probe's own
// fragment table (internal/ffmpeg.knownFailureFragments) since a probe
// failure and an attempt failure are different error kinds (§7).
var childFailureFragments = []string{
	"no capable devices",
	"cannot load driver",
	"initialization failed",
	"impossible to convert between the formats",
	"no such filter",
	"unknown encoder",
}

// classifyChildFailure renders a bounded diagnostic from a failed attempt:
// a recognised fragment if one of §6's known substrings appears, otherwise
// up to the last 500 bytes of stderr.
func classifyChildFailure(stderr string, err error) string {
	lower := strings.ToLower(stderr)
	for _, frag := range childFailureFragments {
		if strings.Contains(lower, frag) {
			return frag
		}
	}
	trimmed := strings.TrimSpace(stderr)
	if len(trimmed) > 500 {
		trimmed = trimmed[len(trimmed)-500:]
	}
	if trimmed == "" {
		return err.Error()
	}
	return trimmed
}

// defaultExec runs ffmpeg through the process Registry so a signal handler
// can terminate it alongside every other in-flight child.
func defaultExec(ctx context.Context, ffmpegPath string, argv []string) (string, error) {
	cmd := exec.CommandContext(ctx, ffmpegPath, argv...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", err
	}

	handle := process.NewCmdHandle(cmd)
	if !process.Global.Register(handle) {
		_ = handle.Kill()
		return stderr.String(), errors.New("shutdown in progress")
	}
	<-handle.Done()
	process.Global.Unregister(handle)

	return stderr.String(), handle.ExitErr()
}

func summarize(runID string, results []FileResult, elapsed time.Duration) Summary {
	s := Summary{
		RunID:        runID,
		Total:        len(results),
		EncoderUsage: make(map[ffmpeg.Encoder]EncoderUsage),
		Results:      results,
		Elapsed:      elapsed,
	}

	for _, r := range results {
		s.BytesOriginal += r.OriginalSizeBytes
		s.BytesNew += r.NewSizeBytes

		switch {
		case r.Success:
			s.Succeeded++
			if r.Encoder != "" {
				u := s.EncoderUsage[r.Encoder]
				u.Completed++
				s.EncoderUsage[r.Encoder] = u
			}
		case r.Skipped && r.SkipReason == "small":
			s.SkippedSmall++
		case r.Skipped && r.SkipReason == "exists":
			s.SkippedExists++
		case r.Skipped:
			s.SkippedOther++
		default:
			s.Failed++
		}

		for i, label := range r.RetryHistory {
			if r.Success && i == len(r.RetryHistory)-1 {
				continue // the winning attempt is already counted as Completed above
			}
			enc := encoderFromComboLabel(label)
			if enc == "" {
				continue
			}
			u := s.EncoderUsage[enc]
			u.Failed++
			s.EncoderUsage[enc] = u
		}
	}

	return s
}

// encoderFromComboLabel recovers the encoder half of a "encoder:decode_mode"
// retry-history entry, as produced by the scheduler's internal comboLabel.
func encoderFromComboLabel(label string) ffmpeg.Encoder {
	for _, enc := range []ffmpeg.Encoder{ffmpeg.NVENC, ffmpeg.QSV, ffmpeg.VideoToolbox, ffmpeg.CPU} {
		if strings.HasPrefix(label, string(enc)+":") {
			return enc
		}
	}
	return ""
}
