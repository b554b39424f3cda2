package identify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"media-preview/internal/fetch"
	"media-preview/internal/logging"
	"media-preview/internal/preview"

	"github.com/gabriel-vasile/mimetype"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

// Identifier classifies media files from a bounded byte prefix, without ever
// requiring the full file.
type Identifier struct {
	prefixLen int64
}

// New creates an Identifier that reads at most prefixLen leading bytes.
// Zero selects the default budget.
func New(prefixLen int64) *Identifier {
	if prefixLen <= 0 {
		prefixLen = fetch.DefaultPrefixLen
	}
	return &Identifier{prefixLen: prefixLen}
}

// Identify inspects the prefix of src and returns a MediaDescriptor.
// Container signature sniffing runs first; when the container is recognized
// as audio/video, the prefix is probed with ffprobe for duration, dimensions
// and codec. Fields that cannot be determined from the prefix are reported
// unknown rather than failing; only data that classifies as neither image,
// video nor audio fails with the unrecognized-format kind.
func (i *Identifier) Identify(ctx context.Context, src fetch.Source) (preview.MediaDescriptor, error) {
	prefix, err := fetch.ReadPrefix(ctx, src, i.prefixLen)
	if err != nil {
		return preview.MediaDescriptor{}, err
	}
	if len(prefix) == 0 {
		return preview.MediaDescriptor{}, preview.Errorf(preview.KindUnrecognizedFormat, "identify", "empty file")
	}

	mt := mimetype.Detect(prefix)
	container := mt.String()
	if idx := strings.IndexByte(container, ';'); idx >= 0 {
		container = container[:idx]
	}
	logging.Debug("identify: sniffed %s from %d-byte prefix", container, len(prefix))

	desc := preview.MediaDescriptor{
		Container: container,
		Seekable:  src.Seekable(),
	}

	switch {
	case strings.HasPrefix(container, "image/"):
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(prefix)); err == nil {
			desc.Width = cfg.Width
			desc.Height = cfg.Height
			desc.DimensionsKnown = true
		}
		return desc, nil

	case strings.HasPrefix(container, "video/"), strings.HasPrefix(container, "audio/"):
		probeInto(ctx, prefix, &desc)
		return desc, nil
	}

	// The signature was ambiguous; let ffprobe have a look at the prefix
	// before giving up. Some containers (MPEG-TS captures, raw streams)
	// sniff as application/octet-stream.
	probed := desc
	probeInto(ctx, prefix, &probed)
	if probed.Codec != "" || strings.HasPrefix(probed.Container, "video/") ||
		strings.HasPrefix(probed.Container, "audio/") {
		return probed, nil
	}

	return preview.MediaDescriptor{}, preview.Errorf(preview.KindUnrecognizedFormat,
		"identify", "unrecognized container %s", container)
}

// probeResult mirrors the ffprobe JSON output fields we consume.
type probeResult struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		Duration     string `json:"duration"`
	} `json:"streams"`
}

// probeInto runs ffprobe over the prefix bytes and fills in whatever it can
// determine. Probe failures leave the descriptor untouched: a prefix that
// sniffed as video is still video even when the probe cannot parse it.
func probeInto(ctx context.Context, prefix []byte, desc *preview.MediaDescriptor) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		"-",
	)
	cmd.Stdin = bytes.NewReader(prefix)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		logging.Debug("identify: ffprobe probe failed: %v", err)
		return
	}

	var result probeResult
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		logging.Debug("identify: ffprobe output unparsable: %v", err)
		return
	}

	applyProbe(&result, desc)
}

// applyProbe merges probe results into the descriptor.
func applyProbe(result *probeResult, desc *preview.MediaDescriptor) {
	if d, err := strconv.ParseFloat(result.Format.Duration, 64); err == nil && d > 0 {
		desc.Duration = time.Duration(d * float64(time.Second))
		desc.DurationKnown = true
	}

	for _, s := range result.Streams {
		switch s.CodecType {
		case "video":
			desc.Codec = s.CodecName
			if s.Width > 0 && s.Height > 0 {
				desc.Width = s.Width
				desc.Height = s.Height
				desc.DimensionsKnown = true
			}
			if fps, ok := parseFrameRate(s.AvgFrameRate); ok {
				desc.FrameRate = fps
			}
			if desc.Container == "application/octet-stream" && result.Format.FormatName != "" {
				desc.Container = "video/" + firstFormatName(result.Format.FormatName)
			}
			// Prefer the video stream; stop at the first one.
			return
		case "audio":
			if desc.Codec == "" {
				desc.Codec = s.CodecName
			}
			if desc.Container == "application/octet-stream" && result.Format.FormatName != "" {
				desc.Container = "audio/" + firstFormatName(result.Format.FormatName)
			}
			if !desc.DurationKnown {
				if d, err := strconv.ParseFloat(s.Duration, 64); err == nil && d > 0 {
					desc.Duration = time.Duration(d * float64(time.Second))
					desc.DurationKnown = true
				}
			}
		}
	}
}

// parseFrameRate parses ffprobe's "30000/1001" rational form.
func parseFrameRate(s string) (float64, bool) {
	num, den, found := strings.Cut(s, "/")
	if !found {
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil && f > 0
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 || n <= 0 {
		return 0, false
	}
	return n / d, true
}

// firstFormatName picks the first entry of ffprobe's comma-separated
// format_name list ("mov,mp4,m4a,3gp,3g2,mj2").
func firstFormatName(name string) string {
	if idx := strings.IndexByte(name, ','); idx >= 0 {
		return name[:idx]
	}
	return name
}

// String describes the identifier configuration, for startup logging.
func (i *Identifier) String() string {
	return fmt.Sprintf("identifier(prefix=%d)", i.prefixLen)
}
