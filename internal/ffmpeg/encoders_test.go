package ffmpeg

import (
	"context"
	"testing"
)

func TestEncoderName(t *testing.T) {
	cases := []struct {
		enc  Encoder
		c    Codec
		want string
	}{
		{NVENC, CodecHEVC, "hevc_nvenc"},
		{QSV, CodecAVC, "h264_qsv"},
		{VideoToolbox, CodecAV1, "av1_videotoolbox"},
		{CPU, CodecHEVC, "libx265"},
		{Encoder("bogus"), CodecHEVC, ""},
	}
	for _, tc := range cases {
		if got := EncoderName(tc.enc, tc.c); got != tc.want {
			t.Errorf("EncoderName(%s, %s) = %q, want %q", tc.enc, tc.c, got, tc.want)
		}
	}
}

func TestClassifyProbeFailure(t *testing.T) {
	cases := []struct {
		stderr string
		want   string
	}{
		{"Error: No NVENC capable devices found", "no NVENC-capable device found"},
		{"cannot load nvcuda.dll", "NVIDIA driver not loaded"},
		{"Error: no qsv-capable device", "no QSV-capable device found"},
		{"some other ffmpeg noise", "probe failed"},
	}
	for _, tc := range cases {
		if got := classifyProbeFailure(tc.stderr); got != tc.want {
			t.Errorf("classifyProbeFailure(%q) = %q, want %q", tc.stderr, got, tc.want)
		}
	}
}

func TestProbeUnsupportedPlatformSkipsVideoToolbox(t *testing.T) {
	p := NewEncoderProber("ffmpeg")
	avail := p.Probe(context.Background(), VideoToolbox, CodecHEVC)
	if avail.Available {
		t.Skip("running on darwin, videotoolbox probe not skipped")
	}
	if avail.Reason == "" {
		t.Fatal("expected a reason when videotoolbox is unsupported")
	}
}

func TestProbeCachesResult(t *testing.T) {
	p := NewEncoderProber("/nonexistent/ffmpeg-binary-for-test")
	first := p.Probe(context.Background(), NVENC, CodecHEVC)
	second := p.Probe(context.Background(), NVENC, CodecHEVC)
	if first != second {
		t.Fatalf("expected cached probe result to be identical, got %+v vs %+v", first, second)
	}
}
