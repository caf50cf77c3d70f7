package batch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nonomal/superbatchvideocompressor/internal/config"
	"github.com/nonomal/superbatchvideocompressor/internal/ffmpeg"
	"github.com/nonomal/superbatchvideocompressor/internal/scheduler"
)

func TestDiscoverFilesFindsVideosRecursively(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, filepath.Join(root, "a.mkv"), "x")
	mustWriteFile(t, filepath.Join(root, "sub", "b.mp4"), "x")
	mustWriteFile(t, filepath.Join(root, "notes.txt"), "x")

	files, err := DiscoverFiles(root)
	if err != nil {
		t.Fatalf("DiscoverFiles: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 video files, got %v", files)
	}
}

func TestResolveFilePlanKeepStructure(t *testing.T) {
	fp, err := ResolveFilePlan("/in/movies/one.mp4", "/in", "/out", "mkv", true)
	if err != nil {
		t.Fatalf("ResolveFilePlan: %v", err)
	}
	if fp.OutputPath != filepath.Join("/out", "movies", "one.mkv") {
		t.Errorf("unexpected output path: %s", fp.OutputPath)
	}
	if fp.TempPath != filepath.Join("/out", "movies", "tmp_one.mkv") {
		t.Errorf("unexpected temp path: %s", fp.TempPath)
	}
}

func TestResolveFilePlanFlattened(t *testing.T) {
	fp, err := ResolveFilePlan("/in/movies/sub/one.mp4", "/in", "/out", "mkv", false)
	if err != nil {
		t.Fatalf("ResolveFilePlan: %v", err)
	}
	if fp.OutputPath != filepath.Join("/out", "one.mkv") {
		t.Errorf("unexpected flattened output path: %s", fp.OutputPath)
	}
}

func TestSweepOrphanTempFilesRemovesOnlyTmpPrefixed(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, filepath.Join(root, "tmp_video.mkv"), "partial")
	mustWriteFile(t, filepath.Join(root, "video.mkv"), "final")
	mustWriteFile(t, filepath.Join(root, "nested", "tmp_other.mp4"), "partial")

	removed, err := SweepOrphanTempFiles(root)
	if err != nil {
		t.Fatalf("SweepOrphanTempFiles: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}
	if _, err := os.Stat(filepath.Join(root, "video.mkv")); err != nil {
		t.Error("final output file should survive the sweep")
	}
	if _, err := os.Stat(filepath.Join(root, "tmp_video.mkv")); !os.IsNotExist(err) {
		t.Error("orphaned temp file should have been removed")
	}
}

func TestSweepOrphanTempFilesMissingRootIsNotAnError(t *testing.T) {
	if _, err := SweepOrphanTempFiles("/nonexistent/does/not/exist"); err != nil {
		t.Errorf("missing output root should not be an error at startup: %v", err)
	}
}

// fakeProber lets runOne exercise the probe-dependent path without invoking
// a real ffprobe binary.
type fakeProber struct {
	result *ffmpeg.ProbeResult
	err    error
}

func (f *fakeProber) Probe(ctx context.Context, path string) (*ffmpeg.ProbeResult, error) {
	return f.result, f.err
}

func (f *fakeProber) ProbeAudioSubtitles(ctx context.Context, path string) ([]ffmpeg.AudioTrack, []ffmpeg.SubtitleTrack, error) {
	return nil, nil, nil
}

func testRunner(t *testing.T, inputRoot, outputRoot string, exec execFunc) *Runner {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Paths.Input = inputRoot
	cfg.Paths.Output = outputRoot
	cfg.Files.MinSizeMB = 0 // disable the size skip for these fixtures
	cfg.Encoders.NVENC.Enabled = false
	cfg.Encoders.QSV.Enabled = false
	cfg.Encoders.VideoToolbox.Enabled = false
	cfg.Encoders.CPU.Enabled = true
	cfg.Encoders.CPU.MaxConcurrent = 2
	cfg.Scheduler.MaxTotalConcurrent = 2

	sched, err := scheduler.New(scheduler.Config{
		Encoders:           map[ffmpeg.Encoder]scheduler.EncoderConfig{ffmpeg.CPU: {Enabled: true, MaxConcurrent: 2}},
		MaxTotalConcurrent: 2,
	})
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}

	return &Runner{
		cfg:   cfg,
		sched: sched,
		meta:  &fakeProber{result: &ffmpeg.ProbeResult{VideoCodec: "h264", Width: 1920, Height: 1080, Bitrate: 8_000_000}},
		codec: ffmpeg.CodecHEVC,
		avail: nil,
		runID: "test-run",
		exec:  exec,
	}
}

func TestRunOneSkipsExistingOutput(t *testing.T) {
	inputRoot := t.TempDir()
	outputRoot := t.TempDir()
	mustWriteFile(t, filepath.Join(inputRoot, "movie.mp4"), "source bytes")
	mustWriteFile(t, filepath.Join(outputRoot, "movie.mkv"), "already done")

	r := testRunner(t, inputRoot, outputRoot, func(ctx context.Context, ffmpegPath string, argv []string) (string, error) {
		t.Fatal("exec should never be invoked when the output already exists")
		return "", nil
	})

	result := r.runOne(context.Background(), filepath.Join(inputRoot, "movie.mp4"))
	if !result.Skipped || result.SkipReason != "exists" {
		t.Errorf("expected skipped/exists, got %+v", result)
	}
}

func TestRunOneSkipsSmallFiles(t *testing.T) {
	inputRoot := t.TempDir()
	outputRoot := t.TempDir()
	mustWriteFile(t, filepath.Join(inputRoot, "clip.mp4"), "tiny")

	r := testRunner(t, inputRoot, outputRoot, func(ctx context.Context, ffmpegPath string, argv []string) (string, error) {
		t.Fatal("exec should never be invoked for a too-small file")
		return "", nil
	})
	r.cfg.Files.MinSizeMB = 1 // 1 MB floor, well above the fixture's size

	result := r.runOne(context.Background(), filepath.Join(inputRoot, "clip.mp4"))
	if !result.Skipped || result.SkipReason != "small" {
		t.Errorf("expected skipped/small, got %+v", result)
	}
}

func TestRunOneHappyPathRenamesTempToFinal(t *testing.T) {
	inputRoot := t.TempDir()
	outputRoot := t.TempDir()
	mustWriteFile(t, filepath.Join(inputRoot, "movie.mp4"), "source bytes long enough")

	r := testRunner(t, inputRoot, outputRoot, func(ctx context.Context, ffmpegPath string, argv []string) (string, error) {
		tempPath := argv[len(argv)-1]
		if err := os.WriteFile(tempPath, []byte("encoded output"), 0644); err != nil {
			t.Fatalf("fake exec could not write temp output: %v", err)
		}
		return "", nil
	})

	result := r.runOne(context.Background(), filepath.Join(inputRoot, "movie.mp4"))
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.Encoder != ffmpeg.CPU {
		t.Errorf("expected CPU encoder, got %s", result.Encoder)
	}
	if _, err := os.Stat(result.Output); err != nil {
		t.Errorf("final output missing after rename: %v", err)
	}
	if _, err := os.Stat(filepath.Join(outputRoot, "tmp_movie.mkv")); !os.IsNotExist(err) {
		t.Error("temp file should not survive a successful rename")
	}
}

func TestRunOneEveryAttemptFailsSkipsExhausted(t *testing.T) {
	inputRoot := t.TempDir()
	outputRoot := t.TempDir()
	mustWriteFile(t, filepath.Join(inputRoot, "movie.mp4"), "source bytes long enough")

	r := testRunner(t, inputRoot, outputRoot, func(ctx context.Context, ffmpegPath string, argv []string) (string, error) {
		return "unknown encoder failure", errExecFailed
	})

	result := r.runOne(context.Background(), filepath.Join(inputRoot, "movie.mp4"))
	if !result.Skipped || result.SkipReason != "exhausted" {
		t.Errorf("expected skipped/exhausted, got %+v", result)
	}
}

func TestSummarizeAggregatesByBucket(t *testing.T) {
	results := []FileResult{
		{Success: true, Encoder: ffmpeg.CPU, OriginalSizeBytes: 100, NewSizeBytes: 40},
		{Skipped: true, SkipReason: "small"},
		{Skipped: true, SkipReason: "exists"},
		{Skipped: true, SkipReason: "exhausted"},
		{Success: false, Error: "boom"},
	}
	s := summarize("run-1", results, 5*time.Second)

	if s.Total != 5 || s.Succeeded != 1 || s.SkippedSmall != 1 || s.SkippedExists != 1 || s.SkippedOther != 1 || s.Failed != 1 {
		t.Errorf("unexpected bucket counts: %+v", s)
	}
	if s.EncoderUsage[ffmpeg.CPU].Completed != 1 {
		t.Errorf("expected 1 completed CPU attempt, got %+v", s.EncoderUsage[ffmpeg.CPU])
	}
	if s.BytesOriginal != 100 || s.BytesNew != 40 {
		t.Errorf("unexpected byte totals: original=%d new=%d", s.BytesOriginal, s.BytesNew)
	}
}

// TestSummarizeCrossEncoderHistogram mirrors the S3 scenario's expected
// encoder usage histogram: NVENC exhausted on both files, QSV completes
// both, CPU untouched.
func TestSummarizeCrossEncoderHistogram(t *testing.T) {
	nvencFailures := []string{
		"nvenc:hw_decode", "nvenc:sw_decode_limited", "nvenc:sw_decode",
	}
	results := []FileResult{
		{Success: true, Encoder: ffmpeg.NVENC, RetryHistory: append(append([]string{}, nvencFailures...), "qsv:hw_decode")},
		{Success: true, Encoder: ffmpeg.NVENC, RetryHistory: append(append([]string{}, nvencFailures...), "qsv:hw_decode")},
	}
	// Correct the winning encoder to QSV per the scenario (NVENC never wins).
	results[0].Encoder, results[1].Encoder = ffmpeg.QSV, ffmpeg.QSV

	s := summarize("run-s3", results, time.Second)
	if s.EncoderUsage[ffmpeg.NVENC].Failed != 6 || s.EncoderUsage[ffmpeg.NVENC].Completed != 0 {
		t.Errorf("expected NVENC 0 completed / 6 failed, got %+v", s.EncoderUsage[ffmpeg.NVENC])
	}
	if s.EncoderUsage[ffmpeg.QSV].Completed != 2 || s.EncoderUsage[ffmpeg.QSV].Failed != 0 {
		t.Errorf("expected QSV 2 completed / 0 failed, got %+v", s.EncoderUsage[ffmpeg.QSV])
	}
	if u, ok := s.EncoderUsage[ffmpeg.CPU]; ok && (u.Completed != 0 || u.Failed != 0) {
		t.Errorf("expected CPU untouched, got %+v", u)
	}
}

func TestIsScheduleAllowed(t *testing.T) {
	at := func(hour int) func() time.Time {
		return func() time.Time { return time.Date(2024, 1, 1, hour, 0, 0, 0, time.UTC) }
	}

	cases := []struct {
		name string
		cfg  config.ScheduleConfig
		now  func() time.Time
		want bool
	}{
		{"disabled always allows", config.ScheduleConfig{Enabled: false}, at(3), true},
		{"overnight window inside", config.ScheduleConfig{Enabled: true, StartHour: 22, EndHour: 6}, at(23), true},
		{"overnight window past midnight", config.ScheduleConfig{Enabled: true, StartHour: 22, EndHour: 6}, at(2), true},
		{"overnight window outside", config.ScheduleConfig{Enabled: true, StartHour: 22, EndHour: 6}, at(12), false},
		{"daytime window inside", config.ScheduleConfig{Enabled: true, StartHour: 9, EndHour: 17}, at(10), true},
		{"daytime window outside", config.ScheduleConfig{Enabled: true, StartHour: 9, EndHour: 17}, at(20), false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := isScheduleAllowed(c.cfg, c.now); got != c.want {
				t.Errorf("isScheduleAllowed() = %v, want %v", got, c.want)
			}
		})
	}
}

var errExecFailed = fakeExecError("simulated ffmpeg failure")

type fakeExecError string

func (e fakeExecError) Error() string { return string(e) }

func mustWriteFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
