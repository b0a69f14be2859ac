package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/EmeraldPi/Dispatcharr/internal/models"
	"github.com/google/uuid"
)

type ScanRepository struct {
	db *sql.DB
}

func NewScanRepository(db *sql.DB) *ScanRepository {
	return &ScanRepository{db: db}
}

const libraryScanColumns = `id, library_id, status, task_id, requested_by, force_full,
	rescan_item_id, total_files, processed_files, new_files, updated_files, removed_files,
	matched_items, unmatched_items, summary, log, started_at, finished_at, created_at, updated_at`

func scanLibraryScan(row interface{ Scan(dest ...interface{}) error }) (*models.LibraryScan, error) {
	s := &models.LibraryScan{}
	err := row.Scan(
		&s.ID, &s.LibraryID, &s.Status, &s.TaskID, &s.RequestedBy, &s.ForceFull,
		&s.RescanItemID, &s.TotalFiles, &s.ProcessedFiles, &s.NewFiles, &s.UpdatedFiles,
		&s.RemovedFiles, &s.MatchedItems, &s.UnmatchedItems, &s.Summary, &s.Log,
		&s.StartedAt, &s.FinishedAt, &s.CreatedAt, &s.UpdatedAt,
	)
	return s, err
}

func (r *ScanRepository) Create(scan *models.LibraryScan) error {
	query := `
		INSERT INTO library_scans (id, library_id, status, requested_by, force_full, rescan_item_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`

	return r.db.QueryRow(query, scan.ID, scan.LibraryID, scan.Status,
		scan.RequestedBy, scan.ForceFull, scan.RescanItemID).
		Scan(&scan.CreatedAt, &scan.UpdatedAt)
}

func (r *ScanRepository) GetByID(id uuid.UUID) (*models.LibraryScan, error) {
	query := `SELECT ` + libraryScanColumns + ` FROM library_scans WHERE id = $1`
	scan, err := scanLibraryScan(r.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("scan not found")
	}
	if err != nil {
		return nil, err
	}
	return scan, nil
}

func (r *ScanRepository) List(libraryID *uuid.UUID, status *models.ScanStatus, limit int) ([]*models.LibraryScan, error) {
	query := `SELECT ` + libraryScanColumns + ` FROM library_scans`
	args := []interface{}{}
	n := 0
	if libraryID != nil {
		n++
		query += fmt.Sprintf(" WHERE library_id = $%d", n)
		args = append(args, *libraryID)
	}
	if status != nil {
		n++
		if n == 1 {
			query += fmt.Sprintf(" WHERE status = $%d", n)
		} else {
			query += fmt.Sprintf(" AND status = $%d", n)
		}
		args = append(args, *status)
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		n++
		query += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	scans := []*models.LibraryScan{}
	for rows.Next() {
		s, err := scanLibraryScan(rows)
		if err != nil {
			return nil, err
		}
		scans = append(scans, s)
	}
	return scans, rows.Err()
}

// HasActive reports whether the library has a pending or running scan.
func (r *ScanRepository) HasActive(libraryID uuid.UUID) (bool, error) {
	var count int
	err := r.db.QueryRow(
		`SELECT COUNT(1) FROM library_scans WHERE library_id = $1 AND status IN ('pending', 'running')`,
		libraryID,
	).Scan(&count)
	return count > 0, err
}

// ClaimNextPending picks the oldest pending scan without a task id and runs
// assign to dispatch it, recording the returned task id before committing.
// The per-library advisory lock serializes queue decisions across processes.
// Returns nil when a scan is already running, a pending scan is already
// dispatched, or the queue is empty.
func (r *ScanRepository) ClaimNextPending(libraryID uuid.UUID, assign func(*models.LibraryScan) (string, error)) (*models.LibraryScan, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`SELECT pg_advisory_xact_lock(hashtext('scan_queue:' || $1::text))`, libraryID); err != nil {
		return nil, fmt.Errorf("lock scan queue: %w", err)
	}

	var blocked int
	err = tx.QueryRow(
		`SELECT COUNT(1) FROM library_scans
		 WHERE library_id = $1
		   AND (status = 'running' OR (status = 'pending' AND task_id IS NOT NULL))`,
		libraryID,
	).Scan(&blocked)
	if err != nil {
		return nil, err
	}
	if blocked > 0 {
		return nil, nil
	}

	scan, err := scanLibraryScan(tx.QueryRow(
		`SELECT `+libraryScanColumns+` FROM library_scans
		 WHERE library_id = $1 AND status = 'pending' AND task_id IS NULL
		 ORDER BY created_at, id
		 LIMIT 1
		 FOR UPDATE`,
		libraryID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	taskID, err := assign(scan)
	if err != nil {
		return nil, fmt.Errorf("dispatch scan %s: %w", scan.ID, err)
	}
	if _, err := tx.Exec(
		`UPDATE library_scans SET task_id = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2`,
		taskID, scan.ID,
	); err != nil {
		return nil, err
	}
	scan.TaskID = &taskID

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return scan, nil
}

// MarkRunning claims the scan for execution. Returns false when the scan is
// no longer startable (cancelled or deleted from the queue meanwhile).
func (r *ScanRepository) MarkRunning(id uuid.UUID, taskID string, at time.Time) (bool, error) {
	query := `
		UPDATE library_scans
		SET status = 'running', started_at = $2, processed_files = 0,
		    task_id = CASE WHEN $3 = '' THEN task_id ELSE $3 END,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status IN ('pending', 'running')`

	result, err := r.db.Exec(query, id, at, taskID)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (r *ScanRepository) UpdateProgress(scan *models.LibraryScan) error {
	query := `
		UPDATE library_scans
		SET total_files = $2, processed_files = $3, new_files = $4, updated_files = $5,
		    removed_files = $6, matched_items = $7, unmatched_items = $8,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $1`

	_, err := r.db.Exec(query, scan.ID, scan.TotalFiles, scan.ProcessedFiles,
		scan.NewFiles, scan.UpdatedFiles, scan.RemovedFiles,
		scan.MatchedItems, scan.UnmatchedItems)
	return err
}

// MarkCompleted finalizes a running scan. Returns false when the scan left
// the running state some other way first (administrative cancel).
func (r *ScanRepository) MarkCompleted(scan *models.LibraryScan, at time.Time) (bool, error) {
	query := `
		UPDATE library_scans
		SET status = 'completed', total_files = $2, processed_files = $3, new_files = $4,
		    updated_files = $5, removed_files = $6, matched_items = $7, unmatched_items = $8,
		    summary = $9, log = $10, finished_at = $11, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = 'running'`

	result, err := r.db.Exec(query, scan.ID, scan.TotalFiles, scan.TotalFiles,
		scan.NewFiles, scan.UpdatedFiles, scan.RemovedFiles,
		scan.MatchedItems, scan.UnmatchedItems, scan.Summary, scan.Log, at)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (r *ScanRepository) MarkFailed(scan *models.LibraryScan, summary string, at time.Time) (bool, error) {
	query := `
		UPDATE library_scans
		SET status = 'failed', total_files = $2, processed_files = $3, new_files = $4,
		    updated_files = $5, removed_files = $6, matched_items = $7, unmatched_items = $8,
		    summary = $9, log = $10, finished_at = $11, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status IN ('pending', 'running')`

	result, err := r.db.Exec(query, scan.ID, scan.TotalFiles, scan.ProcessedFiles,
		scan.NewFiles, scan.UpdatedFiles, scan.RemovedFiles,
		scan.MatchedItems, scan.UnmatchedItems, summary, scan.Log, at)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// CancelRunning records an administrative abort of a scan that is already
// executing. The worker is not stopped; its terminal update will no-op.
func (r *ScanRepository) CancelRunning(id uuid.UUID, summary string, at time.Time) (bool, error) {
	query := `
		UPDATE library_scans
		SET status = 'cancelled', summary = $2, finished_at = $3, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = 'running'`

	result, err := r.db.Exec(query, id, summary, at)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// DeletePending removes a scan from the queue. Returns false when the scan
// already left the pending state.
func (r *ScanRepository) DeletePending(id uuid.UUID) (bool, error) {
	result, err := r.db.Exec(`DELETE FROM library_scans WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// PruneStale deletes completed and failed scans created before the threshold.
func (r *ScanRepository) PruneStale(threshold time.Time) (int64, error) {
	result, err := r.db.Exec(
		`DELETE FROM library_scans WHERE status IN ('completed', 'failed') AND created_at < $1`,
		threshold,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
