package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"media-preview/internal/browse"
	"media-preview/internal/cache"
	"media-preview/internal/logging"
	"media-preview/internal/memory"
	"media-preview/internal/pipeline"
	"media-preview/internal/preview"
	"media-preview/internal/streaming"
)

// Options carries the request defaults and limits the handlers apply.
type Options struct {
	// ThumbnailMaxWidth and ThumbnailMaxHeight bound thumbnail output and
	// serve as defaults when the request does not specify a size.
	ThumbnailMaxWidth  int
	ThumbnailMaxHeight int

	// ClipMaxDuration bounds clip extraction windows.
	ClipMaxDuration time.Duration

	// ProxyBitrate is the target bitrate for proxy streams.
	ProxyBitrate int

	// Streaming configures timeout-protected delivery of proxy streams.
	Streaming streaming.Config
}

// Handlers serves the preview HTTP API.
type Handlers struct {
	svc     *pipeline.Service
	lister  *browse.Lister
	cache   *cache.Cache
	monitor *memory.Monitor
	opts    Options
}

// New creates the handler set.
func New(svc *pipeline.Service, lister *browse.Lister, c *cache.Cache, monitor *memory.Monitor, opts Options) *Handlers {
	return &Handlers{
		svc:     svc,
		lister:  lister,
		cache:   c,
		monitor: monitor,
		opts:    opts,
	}
}

// retryAfterSeconds is the hint sent with 503 responses.
const retryAfterSeconds = 5

// statusForKind maps the preview error taxonomy onto HTTP status codes.
func statusForKind(kind preview.ErrorKind) int {
	switch kind {
	case preview.KindOverloaded, preview.KindResourceExhausted:
		return http.StatusServiceUnavailable
	case preview.KindUnrecognizedFormat, preview.KindUnsupportedCodec:
		return http.StatusUnsupportedMediaType
	case preview.KindTruncated, preview.KindCorruptMedia:
		return http.StatusBadGateway
	case preview.KindTimeout, preview.KindFetchTimeout:
		return http.StatusGatewayTimeout
	case preview.KindHostUnreachable:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeError responds with the status for the error's kind. Cancelled
// requests get no response; the client is gone.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := preview.KindOf(err)

	if kind == preview.KindCancelled {
		logging.Debug("Client disconnected during %s %s", r.Method, r.URL.Path)
		return
	}

	status := statusForKind(kind)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	if status >= 500 {
		logging.Warn("%s %s failed (%s): %v", r.Method, r.URL.Path, kind, err)
	} else {
		logging.Debug("%s %s rejected (%s): %v", r.Method, r.URL.Path, kind, err)
	}

	writeJSON(w, status, map[string]string{
		"error": string(kind),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("Failed to encode JSON response: %v", err)
	}
}

// queryInt parses an integer query parameter, falling back to def when the
// parameter is absent or unparsable.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}
