package handlers

import (
	"net/http"
	"runtime"
)

// Build information, set via -ldflags at build time.
var (
	Version = "dev"
	Commit  = "unknown"
)

// VersionResponse contains build information.
type VersionResponse struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	GoVersion string `json:"goVersion"`
}

// GetVersion returns build information.
func (h *Handlers) GetVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, VersionResponse{
		Version:   Version,
		Commit:    Commit,
		GoVersion: runtime.Version(),
	})
}
