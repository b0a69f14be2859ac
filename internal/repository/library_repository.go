package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/EmeraldPi/Dispatcharr/internal/models"
	"github.com/google/uuid"
)

type LibraryRepository struct {
	db *sql.DB
}

func NewLibraryRepository(db *sql.DB) *LibraryRepository {
	return &LibraryRepository{db: db}
}

const libraryColumns = `id, name, library_type, auto_scan_enabled, scan_interval_minutes,
	last_scan_at, last_successful_scan_at, created_at, updated_at`

func scanLibrary(row interface{ Scan(dest ...interface{}) error }) (*models.Library, error) {
	lib := &models.Library{}
	err := row.Scan(
		&lib.ID, &lib.Name, &lib.LibraryType,
		&lib.AutoScanEnabled, &lib.ScanIntervalMinutes,
		&lib.LastScanAt, &lib.LastSuccessfulScanAt,
		&lib.CreatedAt, &lib.UpdatedAt,
	)
	return lib, err
}

func (r *LibraryRepository) Create(library *models.Library) error {
	query := `
		INSERT INTO libraries (id, name, library_type, auto_scan_enabled, scan_interval_minutes)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`

	return r.db.QueryRow(query, library.ID, library.Name, library.LibraryType,
		library.AutoScanEnabled, library.ScanIntervalMinutes).
		Scan(&library.CreatedAt, &library.UpdatedAt)
}

func (r *LibraryRepository) GetByID(id uuid.UUID) (*models.Library, error) {
	query := `SELECT ` + libraryColumns + ` FROM libraries WHERE id = $1`
	lib, err := scanLibrary(r.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("library not found")
	}
	if err != nil {
		return nil, err
	}

	lib.Locations, _ = r.GetLocations(id)
	return lib, nil
}

func (r *LibraryRepository) List() ([]*models.Library, error) {
	query := `SELECT ` + libraryColumns + ` FROM libraries ORDER BY created_at DESC`

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	libraries := []*models.Library{}
	for rows.Next() {
		lib, err := scanLibrary(rows)
		if err != nil {
			return nil, err
		}
		lib.Locations, _ = r.GetLocations(lib.ID)
		libraries = append(libraries, lib)
	}
	return libraries, rows.Err()
}

// ListDueForAutoScan returns auto-scan libraries that were never scanned or
// whose interval has elapsed, skipping any that already have a scan queued
// or running.
func (r *LibraryRepository) ListDueForAutoScan(now time.Time) ([]*models.Library, error) {
	query := `
		SELECT ` + libraryColumns + `
		FROM libraries l
		WHERE l.auto_scan_enabled = TRUE
		  AND (l.last_scan_at IS NULL
		       OR l.last_scan_at + make_interval(mins => l.scan_interval_minutes) <= $1)
		  AND NOT EXISTS (
		      SELECT 1 FROM library_scans s
		      WHERE s.library_id = l.id AND s.status IN ('pending', 'running')
		  )
		ORDER BY l.created_at`

	rows, err := r.db.Query(query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	libraries := []*models.Library{}
	for rows.Next() {
		lib, err := scanLibrary(rows)
		if err != nil {
			return nil, err
		}
		libraries = append(libraries, lib)
	}
	return libraries, rows.Err()
}

func (r *LibraryRepository) Update(library *models.Library) error {
	query := `
		UPDATE libraries
		SET name = $1, library_type = $2, auto_scan_enabled = $3,
		    scan_interval_minutes = $4, updated_at = CURRENT_TIMESTAMP
		WHERE id = $5`

	result, err := r.db.Exec(query, library.Name, library.LibraryType,
		library.AutoScanEnabled, library.ScanIntervalMinutes, library.ID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("library not found")
	}
	return nil
}

// UpdateScanTimes stamps last_scan_at, and last_successful_scan_at when the
// scan finished cleanly.
func (r *LibraryRepository) UpdateScanTimes(id uuid.UUID, at time.Time, successful bool) error {
	if successful {
		query := `UPDATE libraries SET last_scan_at = $1, last_successful_scan_at = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2`
		_, err := r.db.Exec(query, at, id)
		return err
	}
	query := `UPDATE libraries SET last_scan_at = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2`
	_, err := r.db.Exec(query, at, id)
	return err
}

func (r *LibraryRepository) Delete(id uuid.UUID) error {
	query := `DELETE FROM libraries WHERE id = $1`
	result, err := r.db.Exec(query, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("library not found")
	}
	return nil
}

// ──── Locations ────

func (r *LibraryRepository) GetLocations(libraryID uuid.UUID) ([]models.Location, error) {
	query := `SELECT id, library_id, path, recursive, is_primary, created_at
		FROM locations WHERE library_id = $1 ORDER BY created_at`
	rows, err := r.db.Query(query, libraryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locations []models.Location
	for rows.Next() {
		var loc models.Location
		if err := rows.Scan(&loc.ID, &loc.LibraryID, &loc.Path, &loc.Recursive, &loc.IsPrimary, &loc.CreatedAt); err != nil {
			return nil, err
		}
		locations = append(locations, loc)
	}
	return locations, rows.Err()
}

// AddLocation inserts a location, promoting it to primary when the library
// has none yet.
func (r *LibraryRepository) AddLocation(location *models.Location) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if !location.IsPrimary {
		var primaries int
		if err := tx.QueryRow(
			`SELECT COUNT(1) FROM locations WHERE library_id = $1 AND is_primary = TRUE`,
			location.LibraryID,
		).Scan(&primaries); err != nil {
			return err
		}
		location.IsPrimary = primaries == 0
	}

	err = tx.QueryRow(
		`INSERT INTO locations (id, library_id, path, recursive, is_primary)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at`,
		location.ID, location.LibraryID, location.Path, location.Recursive, location.IsPrimary,
	).Scan(&location.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("location already exists: %w", ErrDuplicate)
		}
		return err
	}

	return tx.Commit()
}

func (r *LibraryRepository) DeleteLocation(libraryID, locationID uuid.UUID) error {
	result, err := r.db.Exec(`DELETE FROM locations WHERE id = $1 AND library_id = $2`, locationID, libraryID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("location not found")
	}
	return nil
}
