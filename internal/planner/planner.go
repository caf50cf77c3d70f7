// Package planner decides the target video bitrate and the audio/subtitle
// stream-mapping policy for a file, given its probed metadata.
package planner

import (
	"context"
	"strconv"
	"strings"

	"github.com/nonomal/superbatchvideocompressor/internal/ffmpeg"
)

// Default fallback metadata used when source metadata cannot be read.
const (
	defaultBitrateBps = 3_000_000
	defaultWidth      = 1920
	defaultHeight     = 1080
	defaultFrameRate  = 30.0
)

// BitrateThreshold maps a short-side pixel ceiling to a maximum bitrate.
// Thresholds must be supplied sorted ascending by ShortSide.
type BitrateThreshold struct {
	ShortSide int
	MaxBps    int64
}

// DefaultThresholds is the typical table named in SPEC_FULL.md §4.3.
var DefaultThresholds = []BitrateThreshold{
	{ShortSide: 720, MaxBps: 1_500_000},
	{ShortSide: 1080, MaxBps: 3_000_000},
	{ShortSide: 1440, MaxBps: 5_000_000},
	{ShortSide: 2160, MaxBps: 9_000_000},
}

// BitrateConfig holds the knobs the operator can set for the bitrate
// formula; zero values fall back to spec defaults.
type BitrateConfig struct {
	Ratio          float64 // default 0.5
	MinBps         int64   // default 500_000
	ForcedBps      int64   // if > 0, returned verbatim
	Thresholds     []BitrateThreshold
}

func (c BitrateConfig) ratio() float64 {
	if c.Ratio > 0 {
		return c.Ratio
	}
	return 0.5
}

func (c BitrateConfig) minBps() int64 {
	if c.MinBps > 0 {
		return c.MinBps
	}
	return 500_000
}

func (c BitrateConfig) thresholds() []BitrateThreshold {
	if len(c.Thresholds) > 0 {
		return c.Thresholds
	}
	return DefaultThresholds
}

// SourceMeta is the subset of probed metadata the bitrate formula needs.
// A zero value (unreadable metadata) is interpreted by PlanBitrate as the
// §4.3 fallback defaults.
type SourceMeta struct {
	BitrateBps int64
	Width      int
	Height     int
	Readable   bool
}

// PlanBitrate implements §4.3's bitrate algorithm:
// min(short_side_threshold_max, ratio*sourceBitrate) clamped below by MinBps,
// with the forced override and unreadable-metadata fallback handled first.
func PlanBitrate(meta SourceMeta, cfg BitrateConfig) int64 {
	if cfg.ForcedBps > 0 {
		return cfg.ForcedBps
	}

	m := meta
	if !m.Readable {
		m = SourceMeta{BitrateBps: defaultBitrateBps, Width: defaultWidth, Height: defaultHeight, Readable: true}
	}

	shortSide := m.Width
	if m.Height < shortSide {
		shortSide = m.Height
	}

	thresholds := cfg.thresholds()
	max := thresholds[len(thresholds)-1].MaxBps
	for _, t := range thresholds {
		if shortSide <= t.ShortSide {
			max = t.MaxBps
			break
		}
	}

	target := int64(cfg.ratio() * float64(m.BitrateBps))
	if target > max {
		target = max
	}
	if target < cfg.minBps() {
		target = cfg.minBps()
	}
	return target
}

// AudioTrackMode is the "tracks.keep" policy selector.
type AudioTrackMode string

const (
	TrackKeepFirst           AudioTrackMode = "first"
	TrackKeepAll             AudioTrackMode = "all"
	TrackKeepLanguagePrefer  AudioTrackMode = "language_prefer"
)

// AudioCopyPolicy is the "copy_policy" selector.
type AudioCopyPolicy string

const (
	CopyOff     AudioCopyPolicy = "off"
	CopyAlways  AudioCopyPolicy = "always"
	CopyAACOnly AudioCopyPolicy = "aac_only"
	CopySmart   AudioCopyPolicy = "smart"
)

// SubtitleKeepMode is the "subtitles.keep" selector.
type SubtitleKeepMode string

const (
	SubtitlesNone SubtitleKeepMode = "none"
	SubtitlesCopy SubtitleKeepMode = "copy"
	SubtitlesSoft SubtitleKeepMode = "soft" // transcode to mov_text
)

// AudioConfig is the configured audio stream-mapping policy
// (encoding.audio.* in SPEC_FULL.md §6).
type AudioConfig struct {
	Enabled             bool
	TracksKeep          AudioTrackMode
	PreferLanguage      []string
	DropCommentary      bool
	CopyPolicy          AudioCopyPolicy
	CopyAllowCodecs     []string
	CopyMaxBitrateRatio float64
	TargetCodec         string
	TargetBitrate       string // e.g. "128k", passed straight to -b:a
	Channels            string // "keep", "mono", "stereo", "5.1"
	SampleRate          string // "keep" or a numeric string
	AACBitstreamFilter  bool
}

// SubtitleConfig is the configured subtitle stream-mapping policy
// (encoding.subtitles.* in SPEC_FULL.md §6).
type SubtitleConfig struct {
	Keep      SubtitleKeepMode
	Languages []string
	// Container is the output container extension (e.g. "mkv"). Only
	// consulted in SubtitlesCopy mode, to downgrade a stream whose codec
	// the container can't carry to a mov_text transcode instead of
	// copy, per ffmpeg.IsMKVCompatible.
	Container string
}

// StreamConfig bundles the audio and subtitle policy for one run.
type StreamConfig struct {
	Audio     AudioConfig
	Subtitles SubtitleConfig
}

// DefaultStreamConfig matches the legacy two-flag behaviour: keep the first
// audio track, drop subtitles, never copy. Used to decide whether a probe is
// needed at all.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Audio: AudioConfig{
			Enabled:    true,
			TracksKeep: TrackKeepFirst,
			CopyPolicy: CopyOff,
			Channels:   "keep",
			SampleRate: "keep",
		},
		Subtitles: SubtitleConfig{Keep: SubtitlesNone},
	}
}

// needsProbe reports whether cfg deviates from the legacy defaults enough to
// require an extra ffprobe pass (§4.3's short-circuit).
func needsProbe(cfg StreamConfig) bool {
	a := cfg.Audio
	if a.CopyPolicy != "" && a.CopyPolicy != CopyOff {
		return true
	}
	if a.TracksKeep != "" && a.TracksKeep != TrackKeepFirst {
		return true
	}
	if a.DropCommentary {
		return true
	}
	if a.Channels != "" && a.Channels != "keep" {
		return true
	}
	if a.SampleRate != "" && a.SampleRate != "keep" {
		return true
	}
	if cfg.Subtitles.Keep != "" && cfg.Subtitles.Keep != SubtitlesNone {
		return true
	}
	return false
}

// StreamPlan is the result of the audio/subtitle policy engine: the -map
// entries plus per-stream codec arguments, ready for the Command Builder.
type StreamPlan struct {
	MapArgs          []string // nil means "no explicit map, use legacy -an/-sn flags"
	AudioArgs        []string
	SubtitleArgs     []string
	UsedAudioCopy    bool
	UsedSubtitleCopy bool
}

// StreamProber probes a file's audio and subtitle streams. Implemented by
// internal/ffmpeg for production use; a fake is substituted in tests.
type StreamProber interface {
	ProbeAudioSubtitles(ctx context.Context, path string) (audio []ffmpeg.AudioTrack, subs []ffmpeg.SubtitleTrack, err error)
}

// PlanStreams implements §4.3's stream-mapping policy: it short-circuits to
// the legacy -an/-sn behaviour when cfg is at its defaults, otherwise probes
// once and builds an explicit map/codec plan. A probe failure degrades to
// the legacy behaviour with the error returned for the caller to log, rather
// than failing the task.
func PlanStreams(ctx context.Context, path string, cfg StreamConfig, prober StreamProber) (StreamPlan, error) {
	if !needsProbe(cfg) {
		plan := StreamPlan{SubtitleArgs: []string{"-sn"}}
		if !cfg.Audio.Enabled {
			plan.AudioArgs = []string{"-an"}
		}
		return plan, nil
	}

	audioStreams, subStreams, err := prober.ProbeAudioSubtitles(ctx, path)
	if err != nil {
		return StreamPlan{SubtitleArgs: []string{"-sn"}}, err
	}

	plan := StreamPlan{MapArgs: []string{"-map", "0:v:0"}}

	if !cfg.Audio.Enabled {
		plan.AudioArgs = append(plan.AudioArgs, "-an")
	} else {
		selected := selectAudioStreams(audioStreams, cfg.Audio)
		targetBps := parseBitrateToBps(cfg.Audio.TargetBitrate)
		targetCodec := cfg.Audio.TargetCodec
		if targetCodec == "" {
			targetCodec = "aac"
		}

		for outIdx, s := range selected {
			plan.MapArgs = append(plan.MapArgs, "-map", "0:"+strconv.Itoa(s.Index))

			if decideAudioAction(s, cfg.Audio, targetBps) == "copy" {
				plan.AudioArgs = append(plan.AudioArgs, audioStreamFlag(outIdx), "copy")
				plan.UsedAudioCopy = true
				if cfg.Audio.AACBitstreamFilter && s.CodecName == "aac" {
					plan.AudioArgs = append(plan.AudioArgs, "-bsf:a:"+strconv.Itoa(outIdx), "aac_adtstoasc")
				}
				continue
			}

			plan.AudioArgs = append(plan.AudioArgs, audioStreamFlag(outIdx), targetCodec)
			if cfg.Audio.TargetBitrate != "" {
				plan.AudioArgs = append(plan.AudioArgs, "-b:a:"+strconv.Itoa(outIdx), cfg.Audio.TargetBitrate)
			}
			if cfg.Audio.Channels != "" && cfg.Audio.Channels != "keep" {
				if ch, ok := channelCounts[cfg.Audio.Channels]; ok {
					plan.AudioArgs = append(plan.AudioArgs, "-ac:a:"+strconv.Itoa(outIdx), strconv.Itoa(ch))
				}
			}
			if cfg.Audio.SampleRate != "" && cfg.Audio.SampleRate != "keep" {
				if _, err := strconv.Atoi(cfg.Audio.SampleRate); err == nil {
					plan.AudioArgs = append(plan.AudioArgs, "-ar:a:"+strconv.Itoa(outIdx), cfg.Audio.SampleRate)
				}
			}
		}
	}

	if cfg.Subtitles.Keep == "" || cfg.Subtitles.Keep == SubtitlesNone {
		plan.SubtitleArgs = append(plan.SubtitleArgs, "-sn")
	} else {
		selected := selectSubtitleStreams(subStreams, cfg.Subtitles)
		for outIdx, s := range selected {
			plan.MapArgs = append(plan.MapArgs, "-map", "0:"+strconv.Itoa(s.Index))
			if cfg.Subtitles.Keep == SubtitlesCopy && subtitleCanCopy(s, cfg.Subtitles.Container) {
				plan.SubtitleArgs = append(plan.SubtitleArgs, "-c:s:"+strconv.Itoa(outIdx), "copy")
				plan.UsedSubtitleCopy = true
			} else {
				plan.SubtitleArgs = append(plan.SubtitleArgs, "-c:s:"+strconv.Itoa(outIdx), "mov_text")
			}
		}
	}

	return plan, nil
}

func audioStreamFlag(outIdx int) string { return "-c:a:" + strconv.Itoa(outIdx) }

var channelCounts = map[string]int{"stereo": 2, "mono": 1, "5.1": 6}

func selectAudioStreams(streams []ffmpeg.AudioTrack, cfg AudioConfig) []ffmpeg.AudioTrack {
	candidates := streams
	if cfg.DropCommentary {
		filtered := make([]ffmpeg.AudioTrack, 0, len(streams))
		for _, s := range streams {
			if !s.IsCommentary {
				filtered = append(filtered, s)
			}
		}
		candidates = filtered
	}
	if len(candidates) == 0 {
		return nil
	}

	switch cfg.TracksKeep {
	case TrackKeepAll:
		return candidates
	case TrackKeepLanguagePrefer:
		for _, lang := range cfg.PreferLanguage {
			for _, s := range candidates {
				if languageMatches(s.Language, lang) {
					return []ffmpeg.AudioTrack{s}
				}
			}
		}
		for _, s := range candidates {
			if s.IsDefault {
				return []ffmpeg.AudioTrack{s}
			}
		}
		return []ffmpeg.AudioTrack{candidates[0]}
	default: // "first" or unset
		return []ffmpeg.AudioTrack{candidates[0]}
	}
}

// subtitleCanCopy reports whether s's codec can be muxed into container
// as-is. Non-mkv containers are assumed compatible with whatever the source
// already used, since only mkv muxing has a known incompatible-codec list
// in this tree (internal/ffmpeg.IsMKVCompatible).
func subtitleCanCopy(s ffmpeg.SubtitleTrack, container string) bool {
	if strings.ToLower(container) != "mkv" {
		return true
	}
	return ffmpeg.IsMKVCompatible(s.CodecName)
}

func selectSubtitleStreams(streams []ffmpeg.SubtitleTrack, cfg SubtitleConfig) []ffmpeg.SubtitleTrack {
	if len(streams) == 0 {
		return nil
	}
	if len(cfg.Languages) == 0 {
		return streams
	}
	var selected []ffmpeg.SubtitleTrack
	for _, s := range streams {
		if s.Language == "" {
			continue
		}
		for _, lang := range cfg.Languages {
			if languageMatches(s.Language, lang) {
				selected = append(selected, s)
				break
			}
		}
	}
	return selected
}

func decideAudioAction(s ffmpeg.AudioTrack, cfg AudioConfig, targetBps int64) string {
	switch cfg.CopyPolicy {
	case CopyAlways:
		if codecAllowed(s.CodecName, cfg.CopyAllowCodecs) {
			return "copy"
		}
		return "transcode"
	case CopyAACOnly:
		if strings.EqualFold(s.CodecName, "aac") && bitrateWithinRatio(s, cfg, targetBps) {
			return "copy"
		}
		return "transcode"
	case CopySmart:
		if codecAllowed(s.CodecName, cfg.CopyAllowCodecs) && bitrateWithinRatio(s, cfg, targetBps) {
			return "copy"
		}
		return "transcode"
	default: // off or unset
		return "transcode"
	}
}

func bitrateWithinRatio(s ffmpeg.AudioTrack, cfg AudioConfig, targetBps int64) bool {
	if targetBps == 0 || s.BitrateBps == 0 {
		return targetBps == 0
	}
	ratio := cfg.CopyMaxBitrateRatio
	if ratio <= 0 {
		ratio = 1.0
	}
	return float64(s.BitrateBps) <= float64(targetBps)*ratio
}

func codecAllowed(codec string, allow []string) bool {
	for _, c := range allow {
		if strings.EqualFold(c, codec) {
			return true
		}
	}
	return false
}

func languageMatches(streamLang, preferLang string) bool {
	if streamLang == "" {
		return false
	}
	sl, pl := strings.ToLower(streamLang), strings.ToLower(preferLang)
	return sl == pl || strings.HasPrefix(sl, pl)
}

// parseBitrateToBps parses strings like "128k", "1M", "192000" into bps.
// Returns 0 when the value is empty or unparseable.
func parseBitrateToBps(value string) int64 {
	s := strings.ToLower(strings.TrimSpace(value))
	if s == "" {
		return 0
	}
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "g"):
		mult, s = 1_000_000_000, strings.TrimSuffix(s, "g")
	case strings.HasSuffix(s, "m"):
		mult, s = 1_000_000, strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "k"):
		mult, s = 1_000, strings.TrimSuffix(s, "k")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int64(f * float64(mult))
}

