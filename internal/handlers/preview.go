package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"media-preview/internal/logging"
	"media-preview/internal/preview"
	"media-preview/internal/streaming"

	"github.com/gorilla/mux"
)

// GetThumbnail serves a still-frame preview. Optional query parameters:
// width, height (bounding box, defaults from configuration), format
// (jpeg/png/webp; webp needs libvips and falls back to jpeg without it).
func (h *Handlers) GetThumbnail(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	host, path := vars["host"], vars["path"]

	width := queryInt(r, "width", h.opts.ThumbnailMaxWidth)
	if width > h.opts.ThumbnailMaxWidth {
		width = h.opts.ThumbnailMaxWidth
	}
	height := queryInt(r, "height", h.opts.ThumbnailMaxHeight)
	if height > h.opts.ThumbnailMaxHeight {
		height = h.opts.ThumbnailMaxHeight
	}

	spec := preview.QualitySpec{
		Kind:      preview.KindThumbnail,
		MaxWidth:  width,
		MaxHeight: height,
	}
	if f := r.URL.Query().Get("format"); f == "png" || f == "jpeg" || f == "webp" {
		spec.Format = f
	}

	artifact, err := h.svc.RequestPreview(r.Context(), host, path, spec)
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.serveArtifact(w, r, artifact)
}

// GetClip serves a short re-encoded excerpt. Optional query parameters:
// duration (seconds, capped at the configured max), width, height, bitrate.
func (h *Handlers) GetClip(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	host, path := vars["host"], vars["path"]

	duration := time.Duration(queryInt(r, "duration", int(h.opts.ClipMaxDuration.Seconds()))) * time.Second
	if duration > h.opts.ClipMaxDuration || duration <= 0 {
		duration = h.opts.ClipMaxDuration
	}

	spec := preview.QualitySpec{
		Kind:          preview.KindClip,
		MaxWidth:      queryInt(r, "width", 0),
		MaxHeight:     queryInt(r, "height", 0),
		MaxDuration:   duration,
		TargetBitrate: queryInt(r, "bitrate", 0),
	}

	artifact, err := h.svc.RequestPreview(r.Context(), host, path, spec)
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.serveArtifact(w, r, artifact)
}

// GetStream serves a bitrate-capped proxy rendition, delivered chunked with
// timeout protection so a stalled client cannot pin resources.
func (h *Handlers) GetStream(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	host, path := vars["host"], vars["path"]

	spec := preview.QualitySpec{
		Kind:          preview.KindProxy,
		MaxWidth:      queryInt(r, "width", 0),
		MaxHeight:     queryInt(r, "height", 0),
		TargetBitrate: queryInt(r, "bitrate", h.opts.ProxyBitrate),
	}

	artifact, err := h.svc.RequestPreview(r.Context(), host, path, spec)
	if err != nil {
		writeError(w, r, err)
		return
	}

	body, err := artifact.Open()
	if err != nil {
		writeError(w, r, preview.E(preview.KindInternal, "handlers.GetStream", err))
		return
	}
	defer func() {
		if err := body.Close(); err != nil {
			logging.Warn("Failed to close artifact reader: %v", err)
		}
	}()

	w.Header().Set("Content-Type", contentTypeFor(artifact.Format))

	if err := streaming.Stream(r.Context(), w, body, h.opts.Streaming); err != nil {
		if errors.Is(err, streaming.ErrClientGone) || errors.Is(err, streaming.ErrStreamCanceled) {
			logging.Debug("Stream abandoned by client: %s", r.URL.Path)
			return
		}
		logging.Warn("Stream delivery failed for %s: %v", r.URL.Path, err)
	}
}

// InvalidatePreviews drops all cached previews for a file, forcing
// re-production on the next request.
func (h *Handlers) InvalidatePreviews(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	host, path := vars["host"], vars["path"]

	removed, err := h.svc.Invalidate(r.Context(), host, path)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// serveArtifact writes an inline artifact with its content type and length.
func (h *Handlers) serveArtifact(w http.ResponseWriter, r *http.Request, artifact *preview.PreviewArtifact) {
	body, err := artifact.Open()
	if err != nil {
		writeError(w, r, preview.E(preview.KindInternal, "handlers.serveArtifact", err))
		return
	}
	defer func() {
		if err := body.Close(); err != nil {
			logging.Warn("Failed to close artifact reader: %v", err)
		}
	}()

	w.Header().Set("Content-Type", contentTypeFor(artifact.Format))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	if cost := artifact.ByteCost(); cost > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(cost, 10))
	}

	if _, err := io.Copy(w, body); err != nil {
		logging.Debug("Artifact write interrupted for %s: %v", r.URL.Path, err)
	}
}

func contentTypeFor(format string) string {
	switch format {
	case "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	case "mp4":
		return "video/mp4"
	case "aac":
		return "audio/aac"
	default:
		return "application/octet-stream"
	}
}
