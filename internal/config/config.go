// Package config loads and validates the on-disk YAML configuration,
// filling zero-valued fields with defaults the same way the original
// transcoder's config package does.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Paths are the three required filesystem roots.
type Paths struct {
	Input  string `yaml:"input"`
	Output string `yaml:"output"`
	Log    string `yaml:"log"`
}

// BitrateConfig mirrors internal/planner.BitrateConfig's on-disk shape.
type BitrateConfig struct {
	Forced          int64           `yaml:"forced"`
	Ratio           float64         `yaml:"ratio"`
	Min             int64           `yaml:"min"`
	MaxByResolution map[int]int64   `yaml:"max_by_resolution"`
}

// AudioTracksConfig is the supplemental track-selection policy.
type AudioTracksConfig struct {
	Keep           string `yaml:"keep"`            // "first", "all", "language"
	PreferLanguage string `yaml:"prefer_language"`
	DropCommentary bool   `yaml:"drop_commentary"`
}

// AudioConfig is the encoding.audio.* surface.
type AudioConfig struct {
	Enabled             bool              `yaml:"enabled"`
	CopyPolicy          string            `yaml:"copy_policy"` // "never", "always", "smart", "aac_only"
	CopyAllowCodecs     []string          `yaml:"copy_allow_codecs"`
	CopyMaxBitrateRatio float64           `yaml:"copy_max_bitrate_ratio"`
	TargetCodec         string            `yaml:"target_codec"`
	TargetBitrate       string            `yaml:"target_bitrate"`
	Channels            int               `yaml:"channels"`
	SampleRate          int               `yaml:"sample_rate"`
	Tracks              AudioTracksConfig `yaml:"tracks"`
}

// SubtitleConfig is the encoding.subtitles.* surface. Keep selects how a
// subtitle stream that passes the Languages filter is carried: "none" drops
// subtitles entirely, "copy" carries the stream as-is, "soft" transcodes it
// to mov_text. An empty Languages list keeps every subtitle stream found.
type SubtitleConfig struct {
	Keep      string   `yaml:"keep"` // "none", "copy", "soft"
	Languages []string `yaml:"languages"`
}

// ScheduleConfig is the encoding.schedule.* allowed-hours window. When
// Enabled, the Batch Runner only starts new files while the current hour
// falls in [StartHour, EndHour); StartHour > EndHour describes an overnight
// window (e.g. 22 to 6).
type ScheduleConfig struct {
	Enabled   bool `yaml:"enabled"`
	StartHour int  `yaml:"start_hour"`
	EndHour   int  `yaml:"end_hour"`
}

// EncodingConfig groups the codec, bitrate and stream-mapping policy knobs.
type EncodingConfig struct {
	Codec     string         `yaml:"codec"`     // "hevc", "avc", "av1"
	Container string         `yaml:"container"` // output container extension, e.g. "mkv"
	Bitrate   BitrateConfig  `yaml:"bitrate"`
	Audio     AudioConfig    `yaml:"audio"`
	Subtitles SubtitleConfig `yaml:"subtitles"`
	Schedule  ScheduleConfig `yaml:"schedule"`
}

// FPSConfig is the fps.* surface.
type FPSConfig struct {
	Max                    int  `yaml:"max"`
	LimitOnSoftwareDecode  bool `yaml:"limit_on_software_decode"`
	LimitOnSoftwareEncode  bool `yaml:"limit_on_software_encode"`
}

// EncoderEntry is one encoders.<name>.* block.
type EncoderEntry struct {
	Enabled       bool   `yaml:"enabled"`
	MaxConcurrent int64  `yaml:"max_concurrent"`
	Preset        string `yaml:"preset"` // cpu only
}

// EncodersConfig is the encoders.* surface, one entry per encoder family.
type EncodersConfig struct {
	NVENC        EncoderEntry `yaml:"nvenc"`
	QSV          EncoderEntry `yaml:"qsv"`
	VideoToolbox EncoderEntry `yaml:"videotoolbox"`
	CPU          EncoderEntry `yaml:"cpu"`
}

// SchedulerConfig is the scheduler.* surface.
type SchedulerConfig struct {
	MaxTotalConcurrent int64 `yaml:"max_total_concurrent"`
}

// FilesConfig is the files.* behaviour-knob surface.
type FilesConfig struct {
	MinSizeMB      float64 `yaml:"min_size_mb"`
	KeepStructure  bool    `yaml:"keep_structure"`
	SkipExisting   bool    `yaml:"skip_existing"`
}

// LoggingConfig is the logging.* surface.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// TonemapConfig controls HDR-to-SDR conversion, carried over from the
// teacher's tonemap handling.
type TonemapConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Algorithm string `yaml:"algorithm"` // "hable", "bt2390", "reinhard", ...
}

// Config is the resolved configuration surface named in SPEC_FULL.md §6.
type Config struct {
	Paths     Paths           `yaml:"paths"`
	Encoding  EncodingConfig  `yaml:"encoding"`
	FPS       FPSConfig       `yaml:"fps"`
	Encoders  EncodersConfig  `yaml:"encoders"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Files     FilesConfig     `yaml:"files"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tonemap   TonemapConfig   `yaml:"tonemap"`

	FFmpegPath  string `yaml:"ffmpeg_path"`
	FFprobePath string `yaml:"ffprobe_path"`
}

// DefaultConfig returns a config with the defaults named throughout
// SPEC_FULL.md §4.3 and §6.
func DefaultConfig() *Config {
	return &Config{
		Paths: Paths{
			Input:  "/media/input",
			Output: "/media/output",
			Log:    "/media/logs",
		},
		Encoding: EncodingConfig{
			Codec:     "hevc",
			Container: "mkv",
			Bitrate: BitrateConfig{
				Forced: 0, // 0 means auto
				Ratio:  0.5,
				Min:    500_000,
				MaxByResolution: map[int]int64{
					720:  1_500_000,
					1080: 3_000_000,
					1440: 5_000_000,
					2160: 9_000_000,
				},
			},
			Audio: AudioConfig{
				Enabled:             true,
				CopyPolicy:          "never",
				CopyMaxBitrateRatio: 1.0,
				TargetCodec:         "aac",
				Tracks: AudioTracksConfig{
					Keep: "first",
				},
			},
			Subtitles: SubtitleConfig{
				Keep: "none",
			},
			Schedule: ScheduleConfig{
				Enabled:   false,
				StartHour: 22,
				EndHour:   6,
			},
		},
		FPS: FPSConfig{
			Max:                   30,
			LimitOnSoftwareDecode: true,
			LimitOnSoftwareEncode: false,
		},
		Encoders: EncodersConfig{
			NVENC:        EncoderEntry{Enabled: true, MaxConcurrent: 2},
			QSV:          EncoderEntry{Enabled: true, MaxConcurrent: 2},
			VideoToolbox: EncoderEntry{Enabled: true, MaxConcurrent: 1},
			CPU:          EncoderEntry{Enabled: true, MaxConcurrent: 2, Preset: "medium"},
		},
		Scheduler: SchedulerConfig{
			MaxTotalConcurrent: 5,
		},
		Files: FilesConfig{
			MinSizeMB:     50,
			KeepStructure: true,
			SkipExisting:  true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Tonemap: TonemapConfig{
			Enabled:   false,
			Algorithm: "hable",
		},
		FFmpegPath:  "ffmpeg",
		FFprobePath: "ffprobe",
	}
}

// Load reads config from a YAML file, applying defaults for missing values.
// A missing file is not an error: a fresh default config is written to path
// and returned, matching the teacher's "create on first run" behaviour.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if saveErr := cfg.Save(path); saveErr != nil {
				fmt.Printf("Warning: could not create config file: %v\n", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills zero-valued fields that YAML unmarshalling left empty,
// the same whitelist-and-fallback pattern the teacher's config uses for
// TonemapAlgorithm.
func (c *Config) applyDefaults() {
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.FFprobePath == "" {
		c.FFprobePath = "ffprobe"
	}
	if c.Encoding.Codec == "" {
		c.Encoding.Codec = "hevc"
	}
	if c.Encoding.Container == "" {
		c.Encoding.Container = "mkv"
	}
	if c.Encoding.Bitrate.Ratio <= 0 {
		c.Encoding.Bitrate.Ratio = 0.5
	}
	if c.Encoding.Bitrate.Min <= 0 {
		c.Encoding.Bitrate.Min = 500_000
	}
	if len(c.Encoding.Bitrate.MaxByResolution) == 0 {
		c.Encoding.Bitrate.MaxByResolution = map[int]int64{
			720:  1_500_000,
			1080: 3_000_000,
			1440: 5_000_000,
			2160: 9_000_000,
		}
	}
	if c.Encoding.Audio.Tracks.Keep == "" {
		c.Encoding.Audio.Tracks.Keep = "first"
	}
	if c.Encoding.Audio.CopyPolicy == "" {
		c.Encoding.Audio.CopyPolicy = "never"
	}
	if c.Encoding.Subtitles.Keep == "" {
		c.Encoding.Subtitles.Keep = "none"
	}
	if c.FPS.Max <= 0 {
		c.FPS.Max = 30
	}
	if c.Scheduler.MaxTotalConcurrent <= 0 {
		c.Scheduler.MaxTotalConcurrent = 5
	}
	if c.Files.MinSizeMB <= 0 {
		c.Files.MinSizeMB = 50
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	switch c.Tonemap.Algorithm {
	case "hable", "bt2390", "reinhard", "mobius", "clip", "linear", "gamma":
		// valid
	default:
		c.Tonemap.Algorithm = "hable"
	}
}

// Save writes the config to a YAML file, creating the parent directory if
// needed.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("config: mkdir %s: %w", dir, err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
