package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/EmeraldPi/Dispatcharr/internal/httputil"
	"github.com/EmeraldPi/Dispatcharr/internal/jobs"
	"github.com/EmeraldPi/Dispatcharr/internal/models"
	"github.com/google/uuid"
)

func parseScanStatus(v string) (models.ScanStatus, bool) {
	switch st := models.ScanStatus(v); st {
	case models.ScanStatusPending, models.ScanStatusRunning, models.ScanStatusCompleted,
		models.ScanStatusFailed, models.ScanStatusCancelled:
		return st, true
	}
	return "", false
}

func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	var libraryID *uuid.UUID
	if v := r.URL.Query().Get("library_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid library_id")
			return
		}
		libraryID = &id
	}

	var status *models.ScanStatus
	if v := r.URL.Query().Get("status"); v != "" {
		st, ok := parseScanStatus(v)
		if !ok {
			httputil.WriteError(w, http.StatusBadRequest, "invalid status")
			return
		}
		status = &st
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	scans, err := s.scans.List(libraryID, status, limit)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list scans")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, scans)
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid scan ID")
		return
	}

	scan, err := s.scans.GetByID(id)
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, "scan not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, scan)
}

// handleDeleteScan removes a scan that is still waiting in the queue.
func (s *Server) handleDeleteScan(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid scan ID")
		return
	}

	scan, err := s.scans.GetByID(id)
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, "scan not found")
		return
	}

	if err := s.coordinator.CancelPending(scan.ID); err != nil {
		if errors.Is(err, jobs.ErrInvalidTransition) {
			httputil.WriteError(w, http.StatusConflict, "only pending scans can be deleted")
			return
		}
		httputil.WriteError(w, http.StatusInternalServerError, "failed to delete scan")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"message": "scan deleted"})
}

type cancelScanRequest struct {
	Summary string `json:"summary"`
}

// handleCancelScan stops a scan that is currently running. The worker notices
// when it tries to finalize and discards its result.
func (s *Server) handleCancelScan(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid scan ID")
		return
	}

	scan, err := s.scans.GetByID(id)
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, "scan not found")
		return
	}

	var req cancelScanRequest
	if r.ContentLength > 0 {
		if err := httputil.ReadJSON(r, &req); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	if err := s.coordinator.CancelRunning(scan.ID, req.Summary); err != nil {
		if errors.Is(err, jobs.ErrInvalidTransition) {
			httputil.WriteError(w, http.StatusConflict, "only running scans can be cancelled")
			return
		}
		httputil.WriteError(w, http.StatusInternalServerError, "failed to cancel scan")
		return
	}

	scan, err = s.scans.GetByID(id)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to reload scan")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, scan)
}
