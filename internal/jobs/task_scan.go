package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/EmeraldPi/Dispatcharr/internal/classify"
	"github.com/EmeraldPi/Dispatcharr/internal/config"
	"github.com/EmeraldPi/Dispatcharr/internal/models"
	"github.com/EmeraldPi/Dispatcharr/internal/repository"
	"github.com/EmeraldPi/Dispatcharr/internal/scanner"
)

// ScanHandler runs one library scan end to end: discovery, missing-file
// detection, per-file identification, probe fan-out, metadata fan-out, and
// the terminal status write. Whatever happens, the library queue advances.
type ScanHandler struct {
	coordinator *Coordinator
	libraries   *repository.LibraryRepository
	scans       *repository.ScanRepository
	items       *repository.ItemRepository
	files       *repository.FileRepository
	classifier  *classify.Classifier
	resolver    *scanner.Resolver
	queue       *Queue
	notifier    EventNotifier
	cfg         *config.Config
}

func NewScanHandler(coordinator *Coordinator, libraries *repository.LibraryRepository,
	scans *repository.ScanRepository, items *repository.ItemRepository,
	files *repository.FileRepository, queue *Queue, notifier EventNotifier,
	cfg *config.Config) *ScanHandler {
	return &ScanHandler{
		coordinator: coordinator,
		libraries:   libraries,
		scans:       scans,
		items:       items,
		files:       files,
		classifier:  classify.NewClassifier(nil),
		resolver:    scanner.NewResolver(items),
		queue:       queue,
		notifier:    notifier,
		cfg:         cfg,
	}
}

func (h *ScanHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p ScanPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}

	scanID, err := uuid.Parse(p.ScanID)
	if err != nil {
		return fmt.Errorf("bad scan id %q: %w", p.ScanID, asynq.SkipRetry)
	}

	scan, err := h.scans.GetByID(scanID)
	if err != nil {
		log.Printf("Job: scan %s not found, dropping task", p.ScanID)
		return fmt.Errorf("scan %s: %v: %w", p.ScanID, err, asynq.SkipRetry)
	}

	library, err := h.libraries.GetByID(scan.LibraryID)
	if err != nil {
		log.Printf("Job: library %s not found for scan %s, dropping task", scan.LibraryID, scan.ID)
		return fmt.Errorf("library %s: %v: %w", scan.LibraryID, err, asynq.SkipRetry)
	}

	taskID, _ := asynq.GetTaskID(ctx)
	started, err := h.scans.MarkRunning(scan.ID, taskID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	if !started {
		// Cancelled while queued; let the next request through.
		log.Printf("Job: scan %s is no longer startable, skipping", scan.ID)
		h.coordinator.Advance(library.ID)
		return nil
	}
	scan.Status = models.ScanStatusRunning

	log.Printf("Job: starting scan %s for library %q", scan.ID, library.Name)
	h.broadcast("scan:started", map[string]interface{}{
		"scan_id":      scan.ID.String(),
		"library_id":   library.ID.String(),
		"library_name": library.Name,
	})

	if err := h.runScan(scan, library); err != nil {
		log.Printf("Job: scan %s failed: %v", scan.ID, err)
		h.coordinator.Advance(library.ID)
		return fmt.Errorf("scan %s: %v: %w", scan.ID, err, asynq.SkipRetry)
	}

	h.coordinator.Advance(library.ID)
	return nil
}

func (h *ScanHandler) runScan(scan *models.LibraryScan, library *models.Library) error {
	var target *models.MediaItem
	walker := scanner.NewWalker(h.files, library, scan, nil)
	if scan.RescanItemID != nil {
		item, err := h.items.GetByID(*scan.RescanItemID)
		if err != nil || item.LibraryID != library.ID {
			walker.Logf("Target media item %s not found in library %s.", *scan.RescanItemID, library.ID)
		} else {
			target = item
			walker = scanner.NewWalker(h.files, library, scan, target)
		}
	}

	discovered, err := walker.Discover()
	if err != nil {
		return h.failScan(scan, library, walker, err)
	}
	if err := h.scans.UpdateProgress(scan); err != nil {
		return h.failScan(scan, library, walker, err)
	}
	h.broadcast("scan:discovered", map[string]interface{}{
		"scan_id":       scan.ID.String(),
		"library_id":    library.ID.String(),
		"files":         len(discovered),
		"new_files":     scan.NewFiles,
		"updated_files": scan.UpdatedFiles,
		"total":         len(discovered),
	})

	if _, err := walker.MarkMissing(); err != nil {
		return h.failScan(scan, library, walker, err)
	}

	matched := 0
	unmatched := 0
	processed := 0
	touched := make(map[uuid.UUID]*models.MediaItem)

	for _, df := range discovered {
		m, u, err := h.identifyFile(library, df, target, touched)
		if err != nil {
			return h.failScan(scan, library, walker, err)
		}
		matched += m
		unmatched += u

		processed++
		scan.ProcessedFiles = processed
		scan.MatchedItems = matched
		scan.UnmatchedItems = unmatched
		if err := h.scans.UpdateProgress(scan); err != nil {
			return h.failScan(scan, library, walker, err)
		}
		h.broadcast("scan:progress", map[string]interface{}{
			"scan_id":    scan.ID.String(),
			"library_id": library.ID.String(),
			"processed":  processed,
			"total":      len(discovered),
			"matched":    matched,
			"unmatched":  unmatched,
		})
	}

	h.enqueueMetadataSync(touched)

	summary := fmt.Sprintf("Processed %d files; new=%d, updated=%d, removed=%d, matched=%d, unmatched=%d",
		scan.TotalFiles, scan.NewFiles, scan.UpdatedFiles, scan.RemovedFiles, matched, unmatched)
	scan.Summary = summary
	scan.Log = walker.Log()

	finishedAt := time.Now().UTC()
	completed, err := h.scans.MarkCompleted(scan, finishedAt)
	if err != nil {
		return err
	}
	if !completed {
		// Administratively cancelled mid-run; the cancelled status sticks.
		log.Printf("Job: scan %s was cancelled during the run, result discarded", scan.ID)
		return nil
	}

	if err := h.libraries.UpdateScanTimes(library.ID, finishedAt, true); err != nil {
		log.Printf("Job: failed to stamp scan times for library %s: %v", library.ID, err)
	}

	log.Printf("Job: completed scan %s for library %q (%s)", scan.ID, library.Name, summary)
	h.broadcast("scan:completed", map[string]interface{}{
		"scan_id":       scan.ID.String(),
		"library_id":    library.ID.String(),
		"summary":       summary,
		"matched":       matched,
		"unmatched":     unmatched,
		"new_files":     scan.NewFiles,
		"updated_files": scan.UpdatedFiles,
		"removed_files": scan.RemovedFiles,
		"processed":     scan.TotalFiles,
		"total":         scan.TotalFiles,
	})
	return nil
}

// identifyFile classifies one discovered file, resolves its catalog item,
// links the file, flips item statuses, computes a missing checksum, and
// queues the technical probe. Returns the matched/unmatched increments.
func (h *ScanHandler) identifyFile(library *models.Library, df scanner.DiscoveredFile,
	target *models.MediaItem, touched map[uuid.UUID]*models.MediaItem) (int, int, error) {

	file := df.File
	classification := h.classifier.Classify(file.FileName)
	coerceDetectedType(library, &classification)

	item, err := h.resolver.Resolve(library, &classification, target)
	if err != nil {
		return 0, 0, fmt.Errorf("resolve %s: %w", file.FileName, err)
	}

	matched := 0
	unmatched := 0
	if item != nil {
		if file.MediaItemID == nil || *file.MediaItemID != item.ID {
			if err := h.files.SetMediaItem(file.ID, &item.ID); err != nil {
				return 0, 0, fmt.Errorf("link file %s: %w", file.ID, err)
			}
			file.MediaItemID = &item.ID
		}

		if classification.DetectedType == models.ItemTypeOther {
			if _, err := h.items.UpdateStatus(item.ID, models.ItemStatusFailed); err != nil {
				return 0, 0, err
			}
			item.Status = models.ItemStatusFailed
			unmatched = 1
		} else {
			if _, err := h.items.UpdateStatus(item.ID, models.ItemStatusMatched); err != nil {
				return 0, 0, err
			}
			item.Status = models.ItemStatusMatched
			if classification.DetectedType == models.ItemTypeEpisode && item.ParentID != nil {
				if err := h.touchParent(*item.ParentID, touched); err != nil {
					return 0, 0, err
				}
			}
			matched = 1
		}

		if _, seen := touched[item.ID]; !seen {
			touched[item.ID] = item
			h.broadcast("media:item", item)
		}
	} else {
		unmatched = 1
	}

	if file.Checksum == nil || *file.Checksum == "" {
		sum, err := scanner.Checksum(file.AbsolutePath)
		if err != nil {
			return 0, 0, fmt.Errorf("checksum %s: %w", file.AbsolutePath, err)
		}
		if sum != "" {
			if err := h.files.SetChecksum(file.ID, sum); err != nil {
				return 0, 0, err
			}
			file.Checksum = &sum
		}
	}

	if df.RequiresProbe {
		payload := ProbePayload{FileID: file.ID.String()}
		if _, err := h.queue.EnqueueUnique(TaskProbeFile, payload, "probe:"+file.ID.String(),
			asynq.Timeout(10*time.Minute), asynq.Retention(time.Hour)); err != nil {
			log.Printf("Job: failed to enqueue probe for %s: %v", file.FileName, err)
		}
	}

	return matched, unmatched, nil
}

// touchParent marks an episode's show matched and records it for the
// metadata fan-out.
func (h *ScanHandler) touchParent(parentID uuid.UUID, touched map[uuid.UUID]*models.MediaItem) error {
	if _, seen := touched[parentID]; seen {
		return nil
	}
	parent, err := h.items.GetByID(parentID)
	if err != nil {
		return nil
	}
	if _, err := h.items.UpdateStatus(parent.ID, models.ItemStatusMatched); err != nil {
		return err
	}
	parent.Status = models.ItemStatusMatched
	touched[parent.ID] = parent
	h.broadcast("media:item", parent)
	return nil
}

// enqueueMetadataSync queues enrichment for every touched item that has
// never synced or still lacks a poster.
func (h *ScanHandler) enqueueMetadataSync(touched map[uuid.UUID]*models.MediaItem) {
	if !h.cfg.MetadataEnabled() {
		return
	}
	for id, item := range touched {
		if !item.NeedsEnrichment() {
			continue
		}
		payload := MetadataPayload{MediaItemID: id.String()}
		if _, err := h.queue.EnqueueUnique(TaskSyncMetadata, payload, "metadata:"+id.String(),
			asynq.Timeout(5*time.Minute), asynq.Retention(time.Hour)); err != nil {
			log.Printf("Job: failed to enqueue metadata sync for %s: %v", id, err)
		}
	}
}

func (h *ScanHandler) failScan(scan *models.LibraryScan, library *models.Library,
	walker *scanner.Walker, cause error) error {

	scan.Log = walker.Log()
	if _, err := h.scans.MarkFailed(scan, cause.Error(), time.Now().UTC()); err != nil {
		log.Printf("Job: failed to mark scan %s failed: %v", scan.ID, err)
	}
	if err := h.libraries.UpdateScanTimes(library.ID, time.Now().UTC(), false); err != nil {
		log.Printf("Job: failed to stamp scan time for library %s: %v", library.ID, err)
	}
	h.broadcast("scan:failed", map[string]interface{}{
		"scan_id":    scan.ID.String(),
		"library_id": library.ID.String(),
		"message":    cause.Error(),
		"processed":  scan.ProcessedFiles,
		"total":      scan.TotalFiles,
	})
	return cause
}

func (h *ScanHandler) broadcast(event string, data interface{}) {
	if h.notifier != nil {
		h.notifier.Broadcast(event, data)
	}
}

// coerceDetectedType applies the library-level override: a movies library
// treats every file as a movie, a shows library upgrades stray movie guesses
// to shows. Mixed and other libraries keep the detected type.
func coerceDetectedType(library *models.Library, c *classify.Classification) {
	switch library.LibraryType {
	case models.LibraryTypeMovies:
		c.DetectedType = models.ItemTypeMovie
	case models.LibraryTypeShows:
		if c.DetectedType == models.ItemTypeMovie {
			c.DetectedType = models.ItemTypeShow
		}
	}
}
