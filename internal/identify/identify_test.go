package identify

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"media-preview/internal/fetch"
	"media-preview/internal/preview"
)

func newSource(t *testing.T, name string, data []byte) fetch.Source {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
	f, err := fetch.NewLocal("test", dir).Open(name)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Failed to encode PNG: %v", err)
	}
	return buf.Bytes()
}

func TestIdentifyImage(t *testing.T) {
	src := newSource(t, "pic.png", encodePNG(t, 64, 48))

	desc, err := New(0).Identify(context.Background(), src)
	if err != nil {
		t.Fatalf("Identify failed: %v", err)
	}

	if desc.Container != "image/png" {
		t.Errorf("Expected image/png, got %s", desc.Container)
	}
	if !desc.IsImage() {
		t.Error("Expected image family")
	}
	if !desc.DimensionsKnown || desc.Width != 64 || desc.Height != 48 {
		t.Errorf("Expected known 64x48 dimensions, got %dx%d known=%v",
			desc.Width, desc.Height, desc.DimensionsKnown)
	}
	if desc.DurationKnown {
		t.Error("Expected unknown duration for an image")
	}
	if !desc.Seekable {
		t.Error("Expected seekable descriptor from a local source")
	}
}

func TestIdentifyJPEGSignature(t *testing.T) {
	// Minimal JPEG signature; not decodable, but sniffable.
	data := append([]byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10}, []byte("JFIF\x00")...)
	data = append(data, bytes.Repeat([]byte{0}, 64)...)
	src := newSource(t, "pic.jpg", data)

	desc, err := New(0).Identify(context.Background(), src)
	if err != nil {
		t.Fatalf("Identify failed: %v", err)
	}
	if desc.Container != "image/jpeg" {
		t.Errorf("Expected image/jpeg, got %s", desc.Container)
	}
	// Dimensions cannot be decoded from the stub; must be unknown, not an error.
	if desc.DimensionsKnown {
		t.Error("Expected unknown dimensions for undecodable stub")
	}
}

func TestIdentifyUnrecognized(t *testing.T) {
	src := newSource(t, "blob.bin", bytes.Repeat([]byte{0x00, 0x01, 0x02, 0x03}, 256))

	_, err := New(0).Identify(context.Background(), src)
	if err == nil {
		t.Fatal("Expected unrecognized format error")
	}
	if preview.KindOf(err) != preview.KindUnrecognizedFormat {
		t.Errorf("Expected unrecognized_format kind, got %s", preview.KindOf(err))
	}
}

func TestIdentifyEmptyFile(t *testing.T) {
	src := newSource(t, "empty.bin", nil)

	_, err := New(0).Identify(context.Background(), src)
	if preview.KindOf(err) != preview.KindUnrecognizedFormat {
		t.Errorf("Expected unrecognized_format for empty file, got %v", err)
	}
}

func TestIdentifyRespectsPrefixBudget(t *testing.T) {
	// A PNG with the signature inside the first 32 bytes still sniffs
	// correctly when the budget is tiny.
	src := newSource(t, "pic.png", encodePNG(t, 8, 8))

	desc, err := New(512).Identify(context.Background(), src)
	if err != nil {
		t.Fatalf("Identify failed: %v", err)
	}
	if desc.Container != "image/png" {
		t.Errorf("Expected image/png, got %s", desc.Container)
	}
}

func TestParseFrameRate(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"30/1", 30, true},
		{"30000/1001", 29.97002997002997, true},
		{"25", 25, true},
		{"0/0", 0, false},
		{"", 0, false},
		{"abc", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := parseFrameRate(tt.in)
			if ok != tt.ok {
				t.Fatalf("parseFrameRate(%q) ok = %v, want %v", tt.in, ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("parseFrameRate(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestApplyProbe(t *testing.T) {
	var result probeResult
	result.Format.FormatName = "matroska,webm"
	result.Format.Duration = "12.480000"
	result.Streams = []struct {
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		Duration     string `json:"duration"`
	}{
		{CodecType: "audio", CodecName: "aac"},
		{CodecType: "video", CodecName: "h264", Width: 1920, Height: 1080, AvgFrameRate: "24/1"},
	}

	desc := preview.MediaDescriptor{Container: "video/x-matroska"}
	applyProbe(&result, &desc)

	if desc.Codec != "h264" {
		t.Errorf("Expected video codec h264 to win, got %s", desc.Codec)
	}
	if !desc.DimensionsKnown || desc.Width != 1920 || desc.Height != 1080 {
		t.Errorf("Expected 1920x1080, got %dx%d", desc.Width, desc.Height)
	}
	if !desc.DurationKnown || desc.Duration != 12480*time.Millisecond {
		t.Errorf("Expected 12.48s duration, got %s", desc.Duration)
	}
	if desc.FrameRate != 24 {
		t.Errorf("Expected 24 fps, got %v", desc.FrameRate)
	}
}

func TestApplyProbeAmbiguousContainer(t *testing.T) {
	var result probeResult
	result.Format.FormatName = "mpegts"
	result.Streams = []struct {
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		Duration     string `json:"duration"`
	}{
		{CodecType: "video", CodecName: "h264", Width: 1280, Height: 720},
	}

	desc := preview.MediaDescriptor{Container: "application/octet-stream"}
	applyProbe(&result, &desc)

	if desc.Container != "video/mpegts" {
		t.Errorf("Expected container resolved to video/mpegts, got %s", desc.Container)
	}
	if desc.DurationKnown {
		t.Error("Expected duration to stay unknown for unindexed stream")
	}
}
