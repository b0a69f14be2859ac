package api

import (
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/EmeraldPi/Dispatcharr/internal/httputil"
	"github.com/EmeraldPi/Dispatcharr/internal/jobs"
	"github.com/EmeraldPi/Dispatcharr/internal/models"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

func parseItemType(v string) (models.ItemType, bool) {
	switch t := models.ItemType(v); t {
	case models.ItemTypeCollection, models.ItemTypeShow, models.ItemTypeSeason,
		models.ItemTypeEpisode, models.ItemTypeMovie, models.ItemTypeOther:
		return t, true
	}
	return "", false
}

func parseItemStatus(v string) (models.ItemStatus, bool) {
	switch st := models.ItemStatus(v); st {
	case models.ItemStatusPending, models.ItemStatusMatched, models.ItemStatusFailed:
		return st, true
	}
	return "", false
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	libraryID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid library ID")
		return
	}

	var itemType *models.ItemType
	if v := r.URL.Query().Get("item_type"); v != "" {
		t, ok := parseItemType(v)
		if !ok {
			httputil.WriteError(w, http.StatusBadRequest, "invalid item_type")
			return
		}
		itemType = &t
	}

	var status *models.ItemStatus
	if v := r.URL.Query().Get("status"); v != "" {
		st, ok := parseItemStatus(v)
		if !ok {
			httputil.WriteError(w, http.StatusBadRequest, "invalid status")
			return
		}
		status = &st
	}

	var parentID *uuid.UUID
	if v := r.URL.Query().Get("parent_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid parent_id")
			return
		}
		parentID = &id
	}

	items, err := s.items.ListByLibrary(libraryID, itemType, status, parentID)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list items")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, items)
}

func (s *Server) handleSearchItems(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		httputil.WriteError(w, http.StatusBadRequest, "q parameter required")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	results, err := s.items.Search(query, limit)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "search failed")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"total":   len(results),
	})
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid item ID")
		return
	}

	item, err := s.items.GetByID(id)
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, "media item not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, item)
}

// handleDeleteItem removes an item from the catalog. Child items cascade;
// linked files are unlinked and re-identified by the next scan.
func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid item ID")
		return
	}

	if err := s.items.Delete(id); err != nil {
		httputil.WriteError(w, http.StatusNotFound, "media item not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"message": "media item deleted"})
}

func (s *Server) handleListItemChildren(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid item ID")
		return
	}

	children, err := s.items.ListChildren(id)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list children")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, children)
}

func (s *Server) handleListItemFiles(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid item ID")
		return
	}

	files, err := s.files.ListByItem(id)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list files")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, files)
}

func (s *Server) handleListItemArtwork(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid item ID")
		return
	}

	assets, err := s.artwork.ListByItem(id)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list artwork")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, assets)
}

// handleRescanItem queues a scan pinned to one media item. The walker still
// sweeps the whole library but only this item's files are re-identified.
func (s *Server) handleRescanItem(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid item ID")
		return
	}

	item, err := s.items.GetByID(id)
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, "media item not found")
		return
	}

	requestedBy := s.getUserID(r)
	scan, err := s.coordinator.Enqueue(item.LibraryID, &requestedBy, false, &item.ID)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to queue rescan")
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, scan)
}

// handleRefreshMetadata queues a one-off enrichment pass for the item.
func (s *Server) handleRefreshMetadata(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid item ID")
		return
	}

	item, err := s.items.GetByID(id)
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, "media item not found")
		return
	}

	if !s.config.MetadataEnabled() {
		httputil.WriteError(w, http.StatusBadRequest, "metadata enrichment is not configured")
		return
	}

	taskID, err := s.queue.EnqueueUnique(jobs.TaskSyncMetadata, jobs.MetadataPayload{
		MediaItemID: item.ID.String(),
	}, "metadata:"+item.ID.String(), asynq.Timeout(5*time.Minute), asynq.Retention(time.Hour))
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to queue metadata sync")
		return
	}

	log.Printf("Metadata sync queued for %q: %s", item.Title, taskID)
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{
		"task_id": taskID,
		"message": "metadata sync queued",
	})
}
