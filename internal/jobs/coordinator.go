package jobs

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/EmeraldPi/Dispatcharr/internal/models"
	"github.com/EmeraldPi/Dispatcharr/internal/repository"
)

// ErrInvalidTransition is returned when a scan is asked to leave a state it
// is not in: deleting a scan that already started, or cancelling one that is
// not running.
var ErrInvalidTransition = errors.New("scan is not in a state that allows this transition")

// Coordinator owns the scan queue for every library: at most one scan of a
// library runs at a time, at most one pending scan is dispatched to the
// worker pool, and the oldest request wins. All decisions go through the
// claim query, which serializes per library across processes.
type Coordinator struct {
	scans     *repository.ScanRepository
	libraries *repository.LibraryRepository
	queue     *Queue
}

func NewCoordinator(scans *repository.ScanRepository, libraries *repository.LibraryRepository, queue *Queue) *Coordinator {
	return &Coordinator{scans: scans, libraries: libraries, queue: queue}
}

// Enqueue records a scan request and starts it immediately when the library
// queue is idle. The returned scan reflects the post-dispatch state.
func (c *Coordinator) Enqueue(libraryID uuid.UUID, requestedBy *uuid.UUID, forceFull bool, rescanItemID *uuid.UUID) (*models.LibraryScan, error) {
	library, err := c.libraries.GetByID(libraryID)
	if err != nil {
		return nil, err
	}

	scan := &models.LibraryScan{
		ID:           uuid.New(),
		LibraryID:    library.ID,
		Status:       models.ScanStatusPending,
		RequestedBy:  requestedBy,
		ForceFull:    forceFull,
		RescanItemID: rescanItemID,
	}
	if err := c.scans.Create(scan); err != nil {
		return nil, fmt.Errorf("create scan: %w", err)
	}
	log.Printf("Queue: scan %s queued for library %q", scan.ID, library.Name)

	c.Advance(library.ID)

	refreshed, err := c.scans.GetByID(scan.ID)
	if err != nil {
		return scan, nil
	}
	return refreshed, nil
}

// Advance dispatches the next pending scan of the library, if the queue
// allows one. Safe to call at any time; a no-op when a scan is running or
// already dispatched.
func (c *Coordinator) Advance(libraryID uuid.UUID) {
	claimed, err := c.scans.ClaimNextPending(libraryID, func(scan *models.LibraryScan) (string, error) {
		payload := ScanPayload{
			ScanID:    scan.ID.String(),
			LibraryID: scan.LibraryID.String(),
		}
		return c.queue.EnqueueUnique(TaskScanLibrary, payload, "scan:"+scan.ID.String(),
			asynq.Timeout(6*time.Hour), asynq.Retention(time.Hour))
	})
	if err != nil {
		log.Printf("Queue: failed to advance library %s: %v", libraryID, err)
		return
	}
	if claimed != nil {
		log.Printf("Queue: dispatched scan %s for library %s", claimed.ID, libraryID)
	}
}

// CancelPending removes a queued scan before it starts. Dispatched-but-idle
// scans are revoked from the broker first. A scan that already left the
// pending state cannot be deleted.
func (c *Coordinator) CancelPending(scanID uuid.UUID) error {
	scan, err := c.scans.GetByID(scanID)
	if err != nil {
		return err
	}
	if scan.Status != models.ScanStatusPending {
		return ErrInvalidTransition
	}

	if scan.TaskID != nil && *scan.TaskID != "" {
		c.queue.Revoke(*scan.TaskID)
	}

	deleted, err := c.scans.DeletePending(scanID)
	if err != nil {
		return err
	}
	if !deleted {
		// Raced with the worker picking it up.
		return ErrInvalidTransition
	}
	log.Printf("Queue: removed pending scan %s", scanID)

	c.Advance(scan.LibraryID)
	return nil
}

// CancelRunning marks a running scan cancelled with the operator's summary.
// The worker keeps going but its terminal status write no-ops, so cancelled
// sticks. The queue advances immediately so the next request is not held
// behind the doomed run.
func (c *Coordinator) CancelRunning(scanID uuid.UUID, summary string) error {
	scan, err := c.scans.GetByID(scanID)
	if err != nil {
		return err
	}
	if scan.Status != models.ScanStatusRunning {
		return ErrInvalidTransition
	}

	if summary == "" {
		summary = "Cancelled by operator"
	}
	cancelled, err := c.scans.CancelRunning(scanID, summary, time.Now().UTC())
	if err != nil {
		return err
	}
	if !cancelled {
		return ErrInvalidTransition
	}
	log.Printf("Queue: cancelled running scan %s", scanID)

	c.Advance(scan.LibraryID)
	return nil
}
