// Package command builds the ffmpeg argv for one transcode attempt. It is a
// pure function of its inputs: no filesystem or process access, so it is
// tested with golden argv vectors.
package command

import (
	"fmt"
	"strconv"

	"github.com/nonomal/superbatchvideocompressor/internal/ffmpeg"
	"github.com/nonomal/superbatchvideocompressor/internal/planner"
)

// DecodeMode is the decode-side half of an attempt key.
type DecodeMode string

const (
	HWDecode        DecodeMode = "hw_decode"
	SWDecodeLimited DecodeMode = "sw_decode_limited"
	SWDecode        DecodeMode = "sw_decode"
)

// AttemptKey is the (encoder, decode_mode) pair the scheduler walks through.
type AttemptKey struct {
	Encoder    ffmpeg.Encoder
	DecodeMode DecodeMode
}

// SourceInfo is the subset of probed metadata the builder needs about the
// input file.
type SourceInfo struct {
	Codec    string
	Profile  string
	BitDepth int
	IsHDR    bool
}

// Options configures the parts of the build the operator can tune.
type Options struct {
	Codec            ffmpeg.Codec
	FPSMax           int  // 0 disables the cap
	TonemapHDR       bool
	TonemapAlgorithm string // e.g. "hable", default used if empty
	CPUPreset        string // e.g. "medium", CPU encoder only
}

// Build produces the argv and a short display label for one attempt.
// ok is false when attempt.DecodeMode is HWDecode and the source is excluded
// by the hardware-decode support table (§3); the scheduler must then treat
// this attempt key as unavailable and move on, never launching a process.
func Build(inputPath, tempOutputPath string, targetBitrateBps int64, src SourceInfo, attempt AttemptKey, plan planner.StreamPlan, opts Options) (argv []string, label string, ok bool) {
	if attempt.Encoder != ffmpeg.CPU && attempt.DecodeMode == HWDecode {
		if ffmpeg.RequiresSoftwareDecode(src.Codec, src.Profile, src.BitDepth, attempt.Encoder) {
			return nil, "", false
		}
	}

	var args []string
	args = append(args, "-y", "-hide_banner", "-loglevel", "error")

	args = append(args, decodeArgs(attempt)...)
	args = append(args, "-i", inputPath)
	args = append(args, streamMapArgs(plan)...)

	encoderName := ffmpeg.EncoderName(attempt.Encoder, opts.Codec)
	args = append(args, "-c:v", encoderName)
	args = append(args, bitrateArgs(attempt.Encoder, targetBitrateBps)...)

	if vf := videoFilters(attempt, src, opts); vf != "" {
		args = append(args, "-vf", vf)
	}

	if attempt.Encoder == ffmpeg.CPU && opts.CPUPreset != "" {
		args = append(args, "-preset", opts.CPUPreset)
	}

	args = append(args, plan.AudioArgs...)
	args = append(args, plan.SubtitleArgs...)

	args = append(args, tempOutputPath)

	return args, buildLabel(attempt, opts.Codec), true
}

// decodeArgs returns the hwaccel input flags for the requested decode mode.
// CPU ignores decode mode entirely: it is always a plain software decode.
func decodeArgs(attempt AttemptKey) []string {
	if attempt.Encoder == ffmpeg.CPU {
		return nil
	}
	switch attempt.DecodeMode {
	case HWDecode:
		return hwDecodeInitArgs(attempt.Encoder)
	case SWDecodeLimited, SWDecode:
		return nil
	default:
		return nil
	}
}

// hwDecodeInitArgs returns the per-family hardware-decode init flags.
func hwDecodeInitArgs(enc ffmpeg.Encoder) []string {
	switch enc {
	case ffmpeg.NVENC:
		return []string{"-hwaccel", "cuda", "-hwaccel_output_format", "cuda"}
	case ffmpeg.QSV:
		return []string{"-hwaccel", "qsv", "-hwaccel_output_format", "qsv"}
	case ffmpeg.VideoToolbox:
		return []string{"-hwaccel", "videotoolbox"}
	default:
		return nil
	}
}

func streamMapArgs(plan planner.StreamPlan) []string {
	if plan.MapArgs == nil {
		return nil
	}
	return plan.MapArgs
}

func bitrateArgs(enc ffmpeg.Encoder, targetBps int64) []string {
	kbps := targetBps / 1000
	b := strconv.FormatInt(kbps, 10) + "k"
	switch enc {
	case ffmpeg.NVENC:
		return []string{"-rc", "vbr", "-b:v", b, "-maxrate", b, "-bufsize", strconv.FormatInt(kbps*2, 10) + "k"}
	case ffmpeg.QSV:
		return []string{"-b:v", b, "-maxrate", b}
	case ffmpeg.VideoToolbox:
		return []string{"-b:v", b}
	default: // CPU
		return []string{"-b:v", b, "-maxrate", b, "-bufsize", strconv.FormatInt(kbps*2, 10) + "k"}
	}
}

// videoFilters composes an optional frame-rate cap with an optional HDR
// tonemap filter, comma-joined for a single -vf argument. Order matters:
// tonemap is applied before any frame-rate limiting.
func videoFilters(attempt AttemptKey, src SourceInfo, opts Options) string {
	var filters []string

	if src.IsHDR && opts.TonemapHDR {
		algo := opts.TonemapAlgorithm
		if algo == "" {
			algo = "hable"
		}
		filters = append(filters, "zscale=t=linear:npl=100", "format=gbrpf32le",
			fmt.Sprintf("tonemap=tonemap=%s:desat=0", algo), "zscale=t=bt709:m=bt709:r=tv", "format=yuv420p")
	}

	if opts.FPSMax > 0 && attempt.DecodeMode == SWDecodeLimited {
		filters = append(filters, fmt.Sprintf("fps=%d", opts.FPSMax))
	}

	joined := ""
	for i, f := range filters {
		if i > 0 {
			joined += ","
		}
		joined += f
	}
	return joined
}

// buildLabel renders the stable, human-readable display label used in
// result histories, e.g. "NVENC (HEVC, hw-dec+hw-enc)".
func buildLabel(attempt AttemptKey, codec ffmpeg.Codec) string {
	codecLabel := codecDisplayName(codec)
	if attempt.Encoder == ffmpeg.CPU {
		return fmt.Sprintf("CPU (software %s)", codecLabel)
	}

	var decodeLabel string
	switch attempt.DecodeMode {
	case HWDecode:
		decodeLabel = "hw-dec+hw-enc"
	case SWDecodeLimited:
		decodeLabel = "sw-dec (fps-capped)+hw-enc"
	case SWDecode:
		decodeLabel = "sw-dec+hw-enc"
	}
	return fmt.Sprintf("%s (%s, %s)", encoderDisplayName(attempt.Encoder), codecLabel, decodeLabel)
}

func codecDisplayName(c ffmpeg.Codec) string {
	switch c {
	case ffmpeg.CodecHEVC:
		return "HEVC"
	case ffmpeg.CodecAVC:
		return "AVC"
	case ffmpeg.CodecAV1:
		return "AV1"
	default:
		return string(c)
	}
}

func encoderDisplayName(e ffmpeg.Encoder) string {
	switch e {
	case ffmpeg.NVENC:
		return "NVENC"
	case ffmpeg.QSV:
		return "QSV"
	case ffmpeg.VideoToolbox:
		return "VideoToolbox"
	case ffmpeg.CPU:
		return "CPU"
	default:
		return string(e)
	}
}
