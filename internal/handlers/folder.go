package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
)

// GetFolder lists the folders and media files under a path.
func (h *Handlers) GetFolder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	host, path := vars["host"], vars["path"]

	listing, err := h.lister.List(host, path)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, listing)
}
