package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"media-preview/internal/fetch"
	"media-preview/internal/logging"
	"media-preview/internal/memory"
	"media-preview/internal/metrics"
	"media-preview/internal/preview"

	"github.com/google/uuid"
)

// Defaults applied when a QualitySpec leaves fields unset.
const (
	DefaultThumbnailWidth  = 320
	DefaultThumbnailHeight = 180
	DefaultClipDuration    = 10 * time.Second
	DefaultProxyBitrate    = 2_000_000 // 2 Mbit/s

	// conservativeDecodeBudget bounds clip extraction when the source
	// duration is unknown.
	conservativeDecodeBudget = 30 * time.Second

	// thumbnailOffsetFraction is the fractional position of the extracted
	// frame when the duration is known.
	thumbnailOffsetFraction = 0.10
)

// Engine produces preview artifacts by decoding and re-encoding media
// through ffmpeg. Every invocation exclusively owns its codec process and
// releases it on every exit path, including cancellation and timeout.
type Engine struct {
	spoolDir string
	monitor  *memory.Monitor

	procMu sync.Mutex
	procs  map[string]*exec.Cmd
}

// New creates an Engine. Proxy output is spooled under spoolDir. The memory
// monitor is optional; when set, invocations under memory pressure fail fast
// with the resource-exhausted kind instead of deepening the pressure.
func New(spoolDir string, monitor *memory.Monitor) *Engine {
	return &Engine{
		spoolDir: spoolDir,
		monitor:  monitor,
		procs:    make(map[string]*exec.Cmd),
	}
}

// Produce decodes src according to the descriptor and re-encodes the preview
// the spec asks for. Only the data needed for the spec is decoded: a single
// frame for thumbnails, a bounded time window for clips, a sequential capped
// stream for proxies. Partial output is discarded on any failure.
func (e *Engine) Produce(ctx context.Context, src fetch.Source, desc preview.MediaDescriptor, spec preview.QualitySpec) (*preview.PreviewArtifact, error) {
	if err := spec.Validate(); err != nil {
		return nil, preview.E(preview.KindInternal, "engine.Produce", err)
	}

	if e.monitor != nil && e.monitor.IsPaused() {
		return nil, preview.Errorf(preview.KindResourceExhausted, "engine.Produce",
			"decode paused under memory pressure")
	}

	start := time.Now()
	metrics.EngineJobsInProgress.Inc()
	defer metrics.EngineJobsInProgress.Dec()

	var artifact *preview.PreviewArtifact
	var err error

	switch spec.Kind {
	case preview.KindThumbnail:
		if desc.IsImage() {
			artifact, err = e.imageThumbnail(ctx, src, desc, spec)
		} else {
			artifact, err = e.videoThumbnail(ctx, src, desc, spec)
		}
	case preview.KindClip:
		artifact, err = e.clip(ctx, src, desc, spec)
	case preview.KindProxy:
		artifact, err = e.proxy(ctx, src, desc, spec)
	default:
		err = preview.Errorf(preview.KindInternal, "engine.Produce", "unhandled kind %s", spec.Kind)
	}

	status := "ok"
	if err != nil {
		status = string(preview.KindOf(err))
	}
	metrics.EngineInvocationsTotal.WithLabelValues(string(spec.Kind), status).Inc()
	metrics.EngineInvocationDuration.WithLabelValues(string(spec.Kind)).Observe(time.Since(start).Seconds())

	return artifact, err
}

// videoThumbnail extracts one frame near a fixed fractional offset and
// scales it to fit the spec's max dimensions.
func (e *Engine) videoThumbnail(ctx context.Context, src fetch.Source, desc preview.MediaDescriptor, spec preview.QualitySpec) (*preview.PreviewArtifact, error) {
	maxW, maxH := thumbnailBounds(spec)

	args := []string{"-v", "error"}

	// Seek before -i so ffmpeg jumps to the nearest keyframe instead of
	// decoding everything up to the offset. Only possible on seekable
	// sources with a known duration.
	offset := thumbnailOffset(desc)
	path, havePath := localPath(src)
	if offset > 0 && havePath && desc.Seekable {
		args = append(args, "-ss", formatSeconds(offset))
	}

	if havePath {
		args = append(args, "-i", path)
	} else {
		args = append(args, "-i", "pipe:0")
	}

	args = append(args,
		"-frames:v", "1",
		"-vf", scaleFilter(maxW, maxH),
		"-f", "image2pipe",
		"-vcodec", "png",
		"-",
	)

	stdout, err := e.runFFmpeg(ctx, src, havePath, args)
	if err != nil {
		return nil, err
	}
	if stdout.Len() == 0 {
		return nil, preview.Errorf(preview.KindCorruptMedia, "engine.videoThumbnail",
			"no frame produced")
	}

	return encodeThumbnail(stdout, spec, src)
}

// clip decodes and re-encodes a bounded window from the start of the file.
func (e *Engine) clip(ctx context.Context, src fetch.Source, desc preview.MediaDescriptor, spec preview.QualitySpec) (*preview.PreviewArtifact, error) {
	window := clipWindow(desc, spec)

	args := []string{"-v", "error"}
	path, havePath := localPath(src)
	if havePath {
		args = append(args, "-i", path)
	} else {
		args = append(args, "-i", "pipe:0")
	}

	args = append(args, "-t", formatSeconds(window))

	if desc.IsAudio() {
		args = append(args,
			"-c:a", "aac",
			"-b:a", "128k",
			"-vn",
			"-f", "adts",
		)
	} else {
		args = append(args,
			"-c:v", "libx264",
			"-preset", "fast",
			"-crf", "23",
			"-c:a", "aac",
			"-b:a", "128k",
			"-vf", scaleFilter(clipBounds(spec)),
			"-movflags", "frag_keyframe+empty_moov+faststart",
			"-f", "mp4",
		)
		if spec.TargetBitrate > 0 {
			args = append(args, "-maxrate", strconv.Itoa(spec.TargetBitrate),
				"-bufsize", strconv.Itoa(2*spec.TargetBitrate))
		}
	}
	args = append(args, "-")

	stdout, err := e.runFFmpeg(ctx, src, havePath, args)
	if err != nil {
		return nil, err
	}
	if stdout.Len() == 0 {
		return nil, preview.Errorf(preview.KindCorruptMedia, "engine.clip", "empty clip output")
	}

	format := "mp4"
	if desc.IsAudio() {
		format = "aac"
	}
	if spec.Format != "" {
		format = spec.Format
	}

	identity := sourceIdentity(src)
	return &preview.PreviewArtifact{
		Data:        stdout.Bytes(),
		Format:      format,
		Duration:    window,
		Size:        int64(stdout.Len()),
		GeneratedAt: time.Now(),
		Source:      identity,
	}, nil
}

// proxy re-encodes the whole file sequentially, capped at the target
// bitrate, spooling to disk so the output is never fully resident in memory.
func (e *Engine) proxy(ctx context.Context, src fetch.Source, desc preview.MediaDescriptor, spec preview.QualitySpec) (*preview.PreviewArtifact, error) {
	bitrate := spec.TargetBitrate
	if bitrate <= 0 {
		bitrate = DefaultProxyBitrate
	}

	args := []string{"-v", "error"}
	path, havePath := localPath(src)
	if havePath {
		args = append(args, "-i", path)
	} else {
		args = append(args, "-i", "pipe:0")
	}

	args = append(args,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-maxrate", strconv.Itoa(bitrate),
		"-bufsize", strconv.Itoa(2*bitrate),
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "frag_keyframe+empty_moov+faststart",
		"-f", "mp4",
	)
	if w, h := clipBounds(spec); w > 0 || h > 0 {
		args = append(args, "-vf", scaleFilter(w, h))
	}
	args = append(args, "-")

	spool, err := os.CreateTemp(e.spoolDir, "proxy-*.mp4")
	if err != nil {
		return nil, preview.E(preview.KindResourceExhausted, "engine.proxy", err)
	}
	spoolPath := spool.Name()

	written, runErr := e.runFFmpegTo(ctx, src, havePath, args, spool)
	closeErr := spool.Close()

	if runErr != nil {
		// Never leave partial output behind.
		if err := os.Remove(spoolPath); err != nil {
			logging.Warn("Failed to remove partial proxy spool %s: %v", spoolPath, err)
		}
		return nil, runErr
	}
	if closeErr != nil {
		_ = os.Remove(spoolPath)
		return nil, preview.E(preview.KindResourceExhausted, "engine.proxy", closeErr)
	}
	if written == 0 {
		_ = os.Remove(spoolPath)
		return nil, preview.Errorf(preview.KindCorruptMedia, "engine.proxy", "empty proxy output")
	}

	format := "mp4"
	if spec.Format != "" {
		format = spec.Format
	}

	return &preview.PreviewArtifact{
		FilePath:    spoolPath,
		Format:      format,
		Duration:    desc.Duration,
		Size:        written,
		GeneratedAt: time.Now(),
		Source:      sourceIdentity(src),
	}, nil
}

// runFFmpeg executes ffmpeg with the given args and returns its stdout.
func (e *Engine) runFFmpeg(ctx context.Context, src fetch.Source, havePath bool, args []string) (*bytes.Buffer, error) {
	var stdout bytes.Buffer
	if _, err := e.runFFmpegTo(ctx, src, havePath, args, &stdout); err != nil {
		return nil, err
	}
	return &stdout, nil
}

// runFFmpegTo executes ffmpeg, streaming stdout into w. The process is
// registered for shutdown cleanup, fed from the fetch source when the input
// is a pipe, and always reaped before returning.
func (e *Engine) runFFmpegTo(ctx context.Context, src fetch.Source, havePath bool, args []string, w io.Writer) (int64, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return 0, preview.E(preview.KindUnsupportedCodec, "engine.ffmpeg", err)
	}

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)

	if !havePath {
		cmd.Stdin = fetch.NewReader(ctx, src, 256*1024)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, preview.E(preview.KindResourceExhausted, "engine.ffmpeg", err)
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return 0, preview.E(preview.KindResourceExhausted, "engine.ffmpeg", err)
	}

	id := uuid.NewString()
	e.procMu.Lock()
	e.procs[id] = cmd
	e.procMu.Unlock()
	defer func() {
		e.procMu.Lock()
		delete(e.procs, id)
		e.procMu.Unlock()
	}()

	written, copyErr := io.Copy(w, stdout)
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		// CommandContext already killed the process; classify by cause.
		if ctx.Err() == context.DeadlineExceeded {
			return written, preview.E(preview.KindTimeout, "engine.ffmpeg", ctx.Err())
		}
		return written, preview.E(preview.KindCancelled, "engine.ffmpeg", ctx.Err())
	}
	if copyErr != nil {
		return written, preview.E(preview.KindCorruptMedia, "engine.ffmpeg", copyErr)
	}
	if waitErr != nil {
		kind := classifyStderr(stderr.String())
		logging.Debug("ffmpeg failed (%s): %s", kind, firstLine(stderr.String()))
		return written, preview.Errorf(kind, "engine.ffmpeg", "%v: %s", waitErr, firstLine(stderr.String()))
	}

	return written, nil
}

// Cleanup kills every in-flight codec process. Called on shutdown.
func (e *Engine) Cleanup() {
	e.procMu.Lock()
	defer e.procMu.Unlock()

	for id, cmd := range e.procs {
		if cmd.Process != nil {
			logging.Info("Killing codec process %s", id)
			if err := cmd.Process.Kill(); err != nil {
				logging.Warn("Failed to kill codec process %s: %v", id, err)
			}
		}
	}
}

// classifyStderr maps ffmpeg diagnostics onto the pipeline error taxonomy.
// Anything that completed (not cancelled, not timed out) and does not match
// a resource or codec-availability pattern is a conclusive decode failure.
func classifyStderr(stderr string) preview.ErrorKind {
	lower := strings.ToLower(stderr)

	switch {
	case strings.Contains(lower, "cannot allocate memory"),
		strings.Contains(lower, "resource temporarily unavailable"),
		strings.Contains(lower, "device or resource busy"),
		strings.Contains(lower, "too many open files"):
		return preview.KindResourceExhausted

	case strings.Contains(lower, "decoder not found"),
		strings.Contains(lower, "no decoder"),
		strings.Contains(lower, "unknown decoder"),
		strings.Contains(lower, "encoder not found"),
		strings.Contains(lower, "unknown encoder"),
		strings.Contains(lower, "unsupported codec"),
		strings.Contains(lower, "codec not currently supported"):
		return preview.KindUnsupportedCodec

	default:
		return preview.KindCorruptMedia
	}
}

// thumbnailOffset picks the frame position: a fixed fraction into known
// durations (at least one second in), the first frame otherwise.
func thumbnailOffset(desc preview.MediaDescriptor) time.Duration {
	if !desc.DurationKnown || desc.Duration <= 0 {
		return 0
	}
	offset := time.Duration(float64(desc.Duration) * thumbnailOffsetFraction)
	if offset < time.Second {
		offset = time.Second
	}
	if offset >= desc.Duration {
		return 0
	}
	return offset
}

// clipWindow bounds the decode window for clip extraction. Unknown durations
// get a conservative budget instead of failing.
func clipWindow(desc preview.MediaDescriptor, spec preview.QualitySpec) time.Duration {
	max := spec.MaxDuration
	if max <= 0 {
		max = DefaultClipDuration
	}
	if desc.DurationKnown && desc.Duration > 0 && desc.Duration < max {
		return desc.Duration
	}
	if !desc.DurationKnown && max > conservativeDecodeBudget {
		return conservativeDecodeBudget
	}
	return max
}

func thumbnailBounds(spec preview.QualitySpec) (int, int) {
	w, h := spec.MaxWidth, spec.MaxHeight
	if w <= 0 && h <= 0 {
		return DefaultThumbnailWidth, DefaultThumbnailHeight
	}
	return w, h
}

func clipBounds(spec preview.QualitySpec) (int, int) {
	return spec.MaxWidth, spec.MaxHeight
}

// scaleFilter builds an ffmpeg scale filter that fits within the bounds
// while preserving aspect ratio, without ever upscaling. Even dimensions are
// forced for encoder compatibility.
func scaleFilter(maxW, maxH int) string {
	switch {
	case maxW > 0 && maxH > 0:
		return fmt.Sprintf("scale='min(%d,iw)':'min(%d,ih)':force_original_aspect_ratio=decrease:force_divisible_by=2", maxW, maxH)
	case maxW > 0:
		return fmt.Sprintf("scale='min(%d,iw)':-2", maxW)
	case maxH > 0:
		return fmt.Sprintf("scale=-2:'min(%d,ih)'", maxH)
	default:
		return "scale=iw:ih"
	}
}

// fitDimensions computes the output size for a source scaled to fit the
// bounds while preserving aspect ratio, never upscaling.
func fitDimensions(srcW, srcH, maxW, maxH int) (int, int) {
	if srcW <= 0 || srcH <= 0 {
		return srcW, srcH
	}
	if maxW <= 0 && maxH <= 0 {
		return srcW, srcH
	}

	scale := 1.0
	if maxW > 0 {
		if s := float64(maxW) / float64(srcW); s < scale {
			scale = s
		}
	}
	if maxH > 0 {
		if s := float64(maxH) / float64(srcH); s < scale {
			scale = s
		}
	}

	w := int(math.Round(float64(srcW) * scale))
	h := int(math.Round(float64(srcH) * scale))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return w, h
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

func localPath(src fetch.Source) (string, bool) {
	if p, ok := src.(fetch.Pather); ok {
		return p.LocalPath(), true
	}
	return "", false
}

func sourceIdentity(src fetch.Source) preview.FileIdentity {
	type identitied interface {
		Identity() preview.FileIdentity
	}
	if id, ok := src.(identitied); ok {
		return id.Identity()
	}
	return preview.FileIdentity{}
}
