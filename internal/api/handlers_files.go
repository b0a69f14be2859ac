package api

import (
	"net/http"
	"strconv"

	"github.com/EmeraldPi/Dispatcharr/internal/httputil"
	"github.com/google/uuid"
)

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	libraryID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid library ID")
		return
	}

	missingOnly := r.URL.Query().Get("missing") == "true"

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	files, err := s.files.ListByLibrary(libraryID, missingOnly, limit)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list files")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, files)
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid file ID")
		return
	}

	file, err := s.files.GetByID(id)
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, "media file not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, file)
}
