package ffmpeg

import (
	"context"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Encoder is the enumerated set of encoders the scheduler can target: three
// hardware backends plus the CPU software fallback.
type Encoder string

const (
	NVENC        Encoder = "nvenc"
	QSV          Encoder = "qsv"
	VideoToolbox Encoder = "videotoolbox"
	CPU          Encoder = "cpu"
)

// HWPriority is the default priority order hardware encoders are tried in.
// CPU is handled separately by the scheduler (see internal/scheduler).
var HWPriority = []Encoder{NVENC, VideoToolbox, QSV}

// Codec is the target video codec requested for the run.
type Codec string

const (
	CodecHEVC Codec = "hevc"
	CodecAVC  Codec = "avc"
	CodecAV1  Codec = "av1"
)

// encoderName maps (Encoder, Codec) to the ffmpeg encoder name used both for
// the `-encoders` listing check and the `-c:v` argument.
var encoderName = map[Encoder]map[Codec]string{
	NVENC:        {CodecHEVC: "hevc_nvenc", CodecAVC: "h264_nvenc", CodecAV1: "av1_nvenc"},
	QSV:          {CodecHEVC: "hevc_qsv", CodecAVC: "h264_qsv", CodecAV1: "av1_qsv"},
	VideoToolbox: {CodecHEVC: "hevc_videotoolbox", CodecAVC: "h264_videotoolbox", CodecAV1: "av1_videotoolbox"},
	CPU:          {CodecHEVC: "libx265", CodecAVC: "libx264", CodecAV1: "libsvtav1"},
}

// EncoderName returns the ffmpeg `-c:v` value for an (encoder, codec) pair.
func EncoderName(e Encoder, c Codec) string {
	if byCodec, ok := encoderName[e]; ok {
		if name, ok := byCodec[c]; ok {
			return name
		}
	}
	return ""
}

// Availability is the per-encoder result of the startup probe (SPEC_FULL.md
// §4.2). Reason is empty when Available is true.
type Availability struct {
	Encoder   Encoder
	Available bool
	Reason    string
}

// EncoderProber runs the startup hardware-encoder probe.
type EncoderProber struct {
	FFmpegPath string

	mu    sync.Mutex
	cache map[Encoder]Availability
}

// NewEncoderProber constructs an EncoderProber for the given ffmpeg binary path.
func NewEncoderProber(ffmpegPath string) *EncoderProber {
	return &EncoderProber{FFmpegPath: ffmpegPath, cache: make(map[Encoder]Availability)}
}

// Probe detects whether enc can actually initialise on this host for the
// given codec. Results are cached per (encoder) for the lifetime of the
// EncoderProber, since detection is expensive and the answer can't change mid-run.
//
// Probe-time trial transcodes use a 256x256 synthetic input; some encoders
// enforce higher minimum dimensions and may fail the probe while being
// perfectly usable on real content (see SPEC_FULL.md §9 design notes). This
// is a known, accepted limitation rather than a bug.
func (p *EncoderProber) Probe(ctx context.Context, enc Encoder, codec Codec) Availability {
	p.mu.Lock()
	if cached, ok := p.cache[enc]; ok {
		p.mu.Unlock()
		return cached
	}
	p.mu.Unlock()

	result := p.probeUncached(ctx, enc, codec)

	p.mu.Lock()
	p.cache[enc] = result
	p.mu.Unlock()
	return result
}

func (p *EncoderProber) probeUncached(ctx context.Context, enc Encoder, codec Codec) Availability {
	if enc == CPU {
		return p.probeSoftware(ctx, codec)
	}

	if enc == VideoToolbox && runtime.GOOS != "darwin" {
		return Availability{Encoder: enc, Available: false, Reason: "not supported on this platform"}
	}

	name := EncoderName(enc, codec)
	if name == "" {
		return Availability{Encoder: enc, Available: false, Reason: "no encoder mapping for codec"}
	}

	listCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(listCtx, p.FFmpegPath, "-encoders", "-hide_banner").Output()
	if err != nil {
		return Availability{Encoder: enc, Available: false, Reason: "ffmpeg -encoders failed: " + err.Error()}
	}
	if !strings.Contains(string(out), name) {
		return Availability{Encoder: enc, Available: false, Reason: "encoder not listed by ffmpeg"}
	}

	trialCtx, trialCancel := context.WithTimeout(ctx, 30*time.Second)
	defer trialCancel()
	stderr, err := runTrialEncode(trialCtx, p.FFmpegPath, name)
	if err == nil {
		return Availability{Encoder: enc, Available: true}
	}
	if trialCtx.Err() == context.DeadlineExceeded {
		return Availability{Encoder: enc, Available: false, Reason: "probe timed out"}
	}
	return Availability{Encoder: enc, Available: false, Reason: classifyProbeFailure(stderr)}
}

func (p *EncoderProber) probeSoftware(ctx context.Context, codec Codec) Availability {
	name := EncoderName(CPU, codec)
	listCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(listCtx, p.FFmpegPath, "-encoders", "-hide_banner").Output()
	if err != nil {
		return Availability{Encoder: CPU, Available: false, Reason: "ffmpeg -encoders failed: " + err.Error()}
	}
	if strings.Contains(string(out), name) {
		return Availability{Encoder: CPU, Available: true}
	}
	// Fall back to h264 software if the requested codec's library is missing;
	// libx264 ships with nearly every ffmpeg build.
	if strings.Contains(string(out), "libx264") {
		return Availability{Encoder: CPU, Available: true, Reason: "falling back to libx264"}
	}
	return Availability{Encoder: CPU, Available: false, Reason: "no software encoder available"}
}

// runTrialEncode runs a 256x256, 0.1s synthetic encode through the given
// ffmpeg encoder name and returns captured stderr for failure classification.
func runTrialEncode(ctx context.Context, ffmpegPath, encoderName string) (stderr string, err error) {
	args := []string{
		"-f", "lavfi",
		"-i", "color=c=black:s=256x256:d=0.1",
		"-frames:v", "1",
		"-c:v", encoderName,
		"-f", "null",
		"-",
	}
	cmd := exec.CommandContext(ctx, ffmpegPath, args...)
	var buf strings.Builder
	cmd.Stderr = &stderrWriter{b: &buf}
	runErr := cmd.Run()
	return buf.String(), runErr
}

// stderrWriter is a tiny io.Writer adapter so we don't need a bytes import
// just to accumulate command stderr into a strings.Builder.
type stderrWriter struct{ b *strings.Builder }

func (w *stderrWriter) Write(p []byte) (int, error) { return w.b.Write(p) }

// knownFailureFragments classifies probe stderr into actionable reasons,
// grounded on the stderr substrings the original encoder-availability check
// looked for per hardware family.
var knownFailureFragments = []struct {
	fragment string
	reason   string
}{
	{"no nvenc capable devices found", "no NVENC-capable device found"},
	{"cannot load nvcuda", "NVIDIA driver not loaded"},
	{"no qsv-capable device", "no QSV-capable device found"},
	{"cannot open", "device open failed"},
	{"initialization failed", "hardware initialisation failed"},
	{"failed to initialise", "hardware initialisation failed"},
}

func classifyProbeFailure(stderr string) string {
	lower := strings.ToLower(stderr)
	for _, f := range knownFailureFragments {
		if strings.Contains(lower, f.fragment) {
			return f.reason
		}
	}
	return "probe failed"
}

// DetectAll probes every hardware encoder plus CPU for the given codec and
// returns a map suitable for seeding the scheduler's encoder slots. Probe
// failures never abort this call; they are recorded as unavailable.
func DetectAll(ctx context.Context, p *EncoderProber, codec Codec, cpuFallbackEnabled bool) map[Encoder]Availability {
	results := make(map[Encoder]Availability, len(HWPriority)+1)
	for _, enc := range HWPriority {
		results[enc] = p.Probe(ctx, enc, codec)
	}
	if cpuFallbackEnabled {
		results[CPU] = p.Probe(ctx, CPU, codec)
	}
	return results
}

// GetFallbackEncoder returns the next encoder after current in priority
// order among those marked available, or CPU if current is the last
// available hardware encoder. Returns "" only when current is already CPU.
func GetFallbackEncoder(current Encoder, avail map[Encoder]Availability) Encoder {
	order := append(append([]Encoder{}, HWPriority...), CPU)
	idx := -1
	for i, e := range order {
		if e == current {
			idx = i
			break
		}
	}
	for i := idx + 1; i < len(order); i++ {
		if order[i] == CPU {
			return CPU
		}
		if a, ok := avail[order[i]]; ok && a.Available {
			return order[i]
		}
	}
	return ""
}

// RequiresSoftwareDecode reports whether hardware decode should not even be
// attempted for the given source codec/profile/bit-depth on enc, per
// SPEC_FULL.md §3's hardware-decode support table. Only the combinations
// listed below are excluded; any other codec/profile/encoder combination,
// including one this table does not know, is allowed to try HW_DECODE.
func RequiresSoftwareDecode(codec, profile string, bitDepth int, enc Encoder) bool {
	codec = strings.ToLower(codec)
	profile = strings.ToLower(profile)

	// 10-bit H.264 High 10 profile decodes on essentially no hardware decoder
	// except NVENC's Pascal+ generation; exclude it everywhere else.
	if codec == "h264" && bitDepth == 10 && strings.Contains(profile, "high 10") && enc != NVENC {
		return true
	}

	switch enc {
	case QSV:
		if codec == "vc1" || codec == "wmv3" {
			return true
		}
		if codec == "mpeg4" && !strings.Contains(profile, "simple") {
			return true
		}
	case NVENC:
		if codec == "vc1" || codec == "wmv3" {
			return true
		}
	}
	return false
}
