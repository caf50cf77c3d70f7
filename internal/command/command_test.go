package command

import (
	"strings"
	"testing"

	"github.com/nonomal/superbatchvideocompressor/internal/ffmpeg"
	"github.com/nonomal/superbatchvideocompressor/internal/planner"
)

func TestBuildNVENCHardwareDecode(t *testing.T) {
	attempt := AttemptKey{Encoder: ffmpeg.NVENC, DecodeMode: HWDecode}
	src := SourceInfo{Codec: "h264", Profile: "High", BitDepth: 8}
	plan := planner.StreamPlan{SubtitleArgs: []string{"-sn"}}
	opts := Options{Codec: ffmpeg.CodecHEVC}

	argv, label, ok := Build("in.mkv", "tmp_in.mkv", 3_000_000, src, attempt, plan, opts)
	if !ok {
		t.Fatal("expected ok=true for plain H.264 8-bit on NVENC hw decode")
	}
	if !containsSeq(argv, "-hwaccel", "cuda") {
		t.Errorf("expected cuda hwaccel flags in argv, got %v", argv)
	}
	if !containsSeq(argv, "-c:v", "hevc_nvenc") {
		t.Errorf("expected hevc_nvenc encoder in argv, got %v", argv)
	}
	if argv[len(argv)-1] != "tmp_in.mkv" {
		t.Errorf("expected temp output path as last arg, got %v", argv)
	}
	if label != "NVENC (HEVC, hw-dec+hw-enc)" {
		t.Errorf("label = %q, want %q", label, "NVENC (HEVC, hw-dec+hw-enc)")
	}
}

func TestBuildRejectsHWDecodeForExcludedProfile(t *testing.T) {
	attempt := AttemptKey{Encoder: ffmpeg.QSV, DecodeMode: HWDecode}
	src := SourceInfo{Codec: "vc1"}
	plan := planner.StreamPlan{SubtitleArgs: []string{"-sn"}}
	opts := Options{Codec: ffmpeg.CodecHEVC}

	_, _, ok := Build("in.wmv", "tmp_in.wmv", 3_000_000, src, attempt, plan, opts)
	if ok {
		t.Fatal("expected ok=false for VC-1 on QSV hw decode (excluded by support table)")
	}
}

func TestBuildCPUIgnoresDecodeMode(t *testing.T) {
	attempt := AttemptKey{Encoder: ffmpeg.CPU, DecodeMode: HWDecode} // nonsensical but must be ignored, not rejected
	src := SourceInfo{Codec: "h264"}
	plan := planner.StreamPlan{SubtitleArgs: []string{"-sn"}}
	opts := Options{Codec: ffmpeg.CodecHEVC, CPUPreset: "medium"}

	argv, label, ok := Build("in.mkv", "tmp_in.mkv", 2_000_000, src, attempt, plan, opts)
	if !ok {
		t.Fatal("CPU attempts must never be rejected on decode-mode grounds")
	}
	if containsSeq(argv, "-hwaccel", "cuda") {
		t.Errorf("CPU attempt must not carry hwaccel flags, got %v", argv)
	}
	if !containsSeq(argv, "-preset", "medium") {
		t.Errorf("expected -preset medium in argv, got %v", argv)
	}
	if label != "CPU (software HEVC)" {
		t.Errorf("label = %q, want %q", label, "CPU (software HEVC)")
	}
}

func TestBuildSWDecodeLimitedAppliesFPSCap(t *testing.T) {
	attempt := AttemptKey{Encoder: ffmpeg.NVENC, DecodeMode: SWDecodeLimited}
	src := SourceInfo{Codec: "h264"}
	plan := planner.StreamPlan{SubtitleArgs: []string{"-sn"}}
	opts := Options{Codec: ffmpeg.CodecHEVC, FPSMax: 30}

	argv, _, ok := Build("in.mkv", "tmp_in.mkv", 3_000_000, src, attempt, plan, opts)
	if !ok {
		t.Fatal("unexpected rejection")
	}
	if !containsSeq(argv, "-vf", "fps=30") {
		t.Errorf("expected fps=30 filter, got %v", argv)
	}
}

func TestBuildTonemapAppliedForHDRSource(t *testing.T) {
	attempt := AttemptKey{Encoder: ffmpeg.NVENC, DecodeMode: SWDecode}
	src := SourceInfo{Codec: "hevc", IsHDR: true}
	plan := planner.StreamPlan{SubtitleArgs: []string{"-sn"}}
	opts := Options{Codec: ffmpeg.CodecHEVC, TonemapHDR: true}

	argv, _, ok := Build("in.mkv", "tmp_in.mkv", 3_000_000, src, attempt, plan, opts)
	if !ok {
		t.Fatal("unexpected rejection")
	}
	vf := findArgValue(argv, "-vf")
	if vf == "" || !strings.Contains(vf, "tonemap") {
		t.Errorf("expected tonemap filter in -vf, got %q", vf)
	}
}

func TestBuildStreamPlanMapArgsForwarded(t *testing.T) {
	attempt := AttemptKey{Encoder: ffmpeg.CPU, DecodeMode: SWDecode}
	src := SourceInfo{Codec: "h264"}
	plan := planner.StreamPlan{
		MapArgs:      []string{"-map", "0:v:0", "-map", "0:2"},
		AudioArgs:    []string{"-c:a:0", "copy"},
		SubtitleArgs: []string{"-sn"},
	}
	opts := Options{Codec: ffmpeg.CodecHEVC}

	argv, _, ok := Build("in.mkv", "tmp_in.mkv", 2_000_000, src, attempt, plan, opts)
	if !ok {
		t.Fatal("unexpected rejection")
	}
	if !containsSeq(argv, "-map", "0:v:0", "-map", "0:2") {
		t.Errorf("expected forwarded map args, got %v", argv)
	}
	if !containsSeq(argv, "-c:a:0", "copy") {
		t.Errorf("expected forwarded audio copy args, got %v", argv)
	}
}

func containsSeq(haystack []string, seq ...string) bool {
	if len(seq) == 0 || len(haystack) < len(seq) {
		return false
	}
	for i := 0; i <= len(haystack)-len(seq); i++ {
		match := true
		for j, s := range seq {
			if haystack[i+j] != s {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func findArgValue(argv []string, flag string) string {
	for i, a := range argv {
		if a == flag && i+1 < len(argv) {
			return argv[i+1]
		}
	}
	return ""
}
