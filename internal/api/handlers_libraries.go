package api

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/EmeraldPi/Dispatcharr/internal/httputil"
	"github.com/EmeraldPi/Dispatcharr/internal/models"
	"github.com/EmeraldPi/Dispatcharr/internal/repository"
	"github.com/google/uuid"
)

type libraryRequest struct {
	Name                string            `json:"name"`
	LibraryType         string            `json:"library_type"`
	AutoScanEnabled     *bool             `json:"auto_scan_enabled"`
	ScanIntervalMinutes *int              `json:"scan_interval_minutes"`
	Locations           []locationRequest `json:"locations"`
}

type locationRequest struct {
	Path      string `json:"path"`
	Recursive *bool  `json:"recursive"`
	IsPrimary bool   `json:"is_primary"`
}

func parseLibraryType(v string) (models.LibraryType, bool) {
	switch t := models.LibraryType(v); t {
	case models.LibraryTypeMovies, models.LibraryTypeShows, models.LibraryTypeMixed, models.LibraryTypeOther:
		return t, true
	}
	return "", false
}

func (s *Server) handleListLibraries(w http.ResponseWriter, r *http.Request) {
	libraries, err := s.libraries.List()
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list libraries")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, libraries)
}

func (s *Server) handleCreateLibrary(w http.ResponseWriter, r *http.Request) {
	var req libraryRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		httputil.WriteError(w, http.StatusBadRequest, "name is required")
		return
	}
	libType, ok := parseLibraryType(req.LibraryType)
	if !ok {
		httputil.WriteError(w, http.StatusBadRequest, "invalid library type")
		return
	}

	library := &models.Library{
		ID:                  uuid.New(),
		Name:                req.Name,
		LibraryType:         libType,
		ScanIntervalMinutes: s.config.ScanIntervalMinutes,
	}
	if req.AutoScanEnabled != nil {
		library.AutoScanEnabled = *req.AutoScanEnabled
	}
	if req.ScanIntervalMinutes != nil && *req.ScanIntervalMinutes > 0 {
		library.ScanIntervalMinutes = *req.ScanIntervalMinutes
	}

	if err := s.libraries.Create(library); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to create library")
		return
	}

	for _, loc := range req.Locations {
		if strings.TrimSpace(loc.Path) == "" {
			continue
		}
		location := &models.Location{
			ID:        uuid.New(),
			LibraryID: library.ID,
			Path:      loc.Path,
			Recursive: loc.Recursive == nil || *loc.Recursive,
			IsPrimary: loc.IsPrimary,
		}
		if err := s.libraries.AddLocation(location); err != nil {
			log.Printf("Failed to add location %q to library %q: %v", loc.Path, library.Name, err)
			continue
		}
		library.Locations = append(library.Locations, *location)
	}

	httputil.WriteJSON(w, http.StatusCreated, library)
}

func (s *Server) handleGetLibrary(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid library ID")
		return
	}

	library, err := s.libraries.GetByID(id)
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, "library not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, library)
}

func (s *Server) handleUpdateLibrary(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid library ID")
		return
	}

	library, err := s.libraries.GetByID(id)
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, "library not found")
		return
	}

	var req libraryRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if name := strings.TrimSpace(req.Name); name != "" {
		library.Name = name
	}
	if req.LibraryType != "" {
		libType, ok := parseLibraryType(req.LibraryType)
		if !ok {
			httputil.WriteError(w, http.StatusBadRequest, "invalid library type")
			return
		}
		library.LibraryType = libType
	}
	if req.AutoScanEnabled != nil {
		library.AutoScanEnabled = *req.AutoScanEnabled
	}
	if req.ScanIntervalMinutes != nil && *req.ScanIntervalMinutes > 0 {
		library.ScanIntervalMinutes = *req.ScanIntervalMinutes
	}

	if err := s.libraries.Update(library); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to update library")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, library)
}

func (s *Server) handleDeleteLibrary(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid library ID")
		return
	}

	if err := s.libraries.Delete(id); err != nil {
		httputil.WriteError(w, http.StatusNotFound, "library not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"message": "library deleted"})
}

func (s *Server) handleAddLocation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid library ID")
		return
	}

	library, err := s.libraries.GetByID(id)
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, "library not found")
		return
	}

	var req locationRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		httputil.WriteError(w, http.StatusBadRequest, "path is required")
		return
	}

	location := &models.Location{
		ID:        uuid.New(),
		LibraryID: library.ID,
		Path:      req.Path,
		Recursive: req.Recursive == nil || *req.Recursive,
		IsPrimary: req.IsPrimary,
	}
	if err := s.libraries.AddLocation(location); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			httputil.WriteError(w, http.StatusConflict, "location already exists")
			return
		}
		httputil.WriteError(w, http.StatusInternalServerError, "failed to add location")
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, location)
}

func (s *Server) handleDeleteLocation(w http.ResponseWriter, r *http.Request) {
	libraryID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid library ID")
		return
	}
	locationID, err := uuid.Parse(r.PathValue("locationId"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid location ID")
		return
	}

	if err := s.libraries.DeleteLocation(libraryID, locationID); err != nil {
		httputil.WriteError(w, http.StatusNotFound, "location not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"message": "location removed"})
}

type scanRequest struct {
	ForceFull bool `json:"force_full"`
}

// handleScanLibrary queues a scan for the library. The coordinator starts it
// immediately when the library is idle, otherwise it waits its turn.
func (s *Server) handleScanLibrary(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid library ID")
		return
	}

	library, err := s.libraries.GetByID(id)
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, "library not found")
		return
	}

	var req scanRequest
	if r.ContentLength > 0 {
		if err := httputil.ReadJSON(r, &req); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	requestedBy := s.getUserID(r)
	scan, err := s.coordinator.Enqueue(library.ID, &requestedBy, req.ForceFull, nil)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to queue scan")
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, scan)
}
