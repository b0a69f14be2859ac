package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/EmeraldPi/Dispatcharr/internal/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

type FileRepository struct {
	db *sql.DB
}

func NewFileRepository(db *sql.DB) *FileRepository {
	return &FileRepository{db: db}
}

const mediaFileColumns = `id, library_id, media_item_id, location_id, absolute_path,
	relative_path, file_name, size_bytes, container, video_codec, audio_codec,
	width, height, frame_rate, bit_rate, duration_ms, audio_channels, has_subtitles,
	subtitle_languages, checksum, fingerprint, probe_data, last_modified, last_seen_at,
	missing_since, created_at, updated_at`

func scanMediaFile(row interface{ Scan(dest ...interface{}) error }) (*models.MediaFile, error) {
	f := &models.MediaFile{}
	err := row.Scan(
		&f.ID, &f.LibraryID, &f.MediaItemID, &f.LocationID, &f.AbsolutePath,
		&f.RelativePath, &f.FileName, &f.SizeBytes, &f.Container, &f.VideoCodec,
		&f.AudioCodec, &f.Width, &f.Height, &f.FrameRate, &f.BitRate, &f.DurationMS,
		&f.AudioChannels, &f.HasSubtitles, &f.SubtitleLanguages, &f.Checksum,
		&f.Fingerprint, &f.ProbeData, &f.LastModified, &f.LastSeenAt, &f.MissingSince,
		&f.CreatedAt, &f.UpdatedAt,
	)
	return f, err
}

// GetOrCreateByPath looks up the file record for (library, absolute path)
// under a row lock, inserting it from defaults when absent. A concurrent
// insert of the same path loses the unique constraint race and falls back to
// the lookup branch.
func (r *FileRepository) GetOrCreateByPath(libraryID uuid.UUID, absolutePath string, defaults *models.MediaFile) (*models.MediaFile, bool, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	lookup := `SELECT ` + mediaFileColumns + ` FROM media_files
		WHERE library_id = $1 AND absolute_path = $2
		FOR UPDATE`

	existing, err := scanMediaFile(tx.QueryRow(lookup, libraryID, absolutePath))
	if err == nil {
		return existing, false, tx.Commit()
	}
	if err != sql.ErrNoRows {
		return nil, false, err
	}

	insert := `
		INSERT INTO media_files (id, library_id, location_id, absolute_path, relative_path,
			file_name, size_bytes, last_modified, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (library_id, absolute_path) DO NOTHING
		RETURNING ` + mediaFileColumns

	created, err := scanMediaFile(tx.QueryRow(insert,
		uuid.New(), libraryID, defaults.LocationID, absolutePath, defaults.RelativePath,
		defaults.FileName, defaults.SizeBytes, defaults.LastModified, defaults.LastSeenAt))
	if err == nil {
		return created, true, tx.Commit()
	}
	if err != sql.ErrNoRows {
		return nil, false, err
	}

	// Lost the insert race; the committed row is visible now.
	existing, err = scanMediaFile(tx.QueryRow(lookup, libraryID, absolutePath))
	if err != nil {
		return nil, false, err
	}
	return existing, false, tx.Commit()
}

func (r *FileRepository) GetByID(id uuid.UUID) (*models.MediaFile, error) {
	query := `SELECT ` + mediaFileColumns + ` FROM media_files WHERE id = $1`
	f, err := scanMediaFile(r.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("media file not found")
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (r *FileRepository) ListByLibrary(libraryID uuid.UUID, missingOnly bool, limit int) ([]*models.MediaFile, error) {
	query := `SELECT ` + mediaFileColumns + ` FROM media_files WHERE library_id = $1`
	if missingOnly {
		query += ` AND missing_since IS NOT NULL`
	}
	query += ` ORDER BY absolute_path`
	args := []interface{}{libraryID}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	files := []*models.MediaFile{}
	for rows.Next() {
		f, err := scanMediaFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func (r *FileRepository) ListByItem(itemID uuid.UUID) ([]*models.MediaFile, error) {
	query := `SELECT ` + mediaFileColumns + ` FROM media_files WHERE media_item_id = $1 ORDER BY absolute_path`
	rows, err := r.db.Query(query, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	files := []*models.MediaFile{}
	for rows.Next() {
		f, err := scanMediaFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// UpdateDiscovery refreshes the walk-derived fields and clears missing_since.
func (r *FileRepository) UpdateDiscovery(file *models.MediaFile) error {
	query := `
		UPDATE media_files
		SET location_id = $2, relative_path = $3, file_name = $4, size_bytes = $5,
		    last_modified = $6, last_seen_at = $7, missing_since = NULL,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $1`

	_, err := r.db.Exec(query, file.ID, file.LocationID, file.RelativePath,
		file.FileName, file.SizeBytes, file.LastModified, file.LastSeenAt)
	return err
}

// MarkMissing stamps missing_since on every file of the library that was not
// seen in the walk. Already-missing files are re-stamped. Returns the count.
func (r *FileRepository) MarkMissing(libraryID uuid.UUID, seenPaths []string, at time.Time) (int64, error) {
	query := `
		UPDATE media_files
		SET missing_since = $2, updated_at = CURRENT_TIMESTAMP
		WHERE library_id = $1 AND absolute_path <> '' AND absolute_path <> ALL($3)`

	result, err := r.db.Exec(query, libraryID, at, pq.Array(seenPaths))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *FileRepository) SetMediaItem(fileID uuid.UUID, itemID *uuid.UUID) error {
	_, err := r.db.Exec(
		`UPDATE media_files SET media_item_id = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $1`,
		fileID, itemID,
	)
	return err
}

func (r *FileRepository) SetChecksum(fileID uuid.UUID, checksum string) error {
	_, err := r.db.Exec(
		`UPDATE media_files SET checksum = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $1`,
		fileID, checksum,
	)
	return err
}

func (r *FileRepository) SetFingerprint(fileID uuid.UUID, fp string) error {
	_, err := r.db.Exec(
		`UPDATE media_files SET fingerprint = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $1`,
		fileID, fp,
	)
	return err
}

// ApplyProbe persists the technical fields derived from a probe run plus the
// raw probe output.
func (r *FileRepository) ApplyProbe(file *models.MediaFile) error {
	query := `
		UPDATE media_files
		SET container = $2, video_codec = $3, audio_codec = $4, width = $5, height = $6,
		    frame_rate = $7, bit_rate = $8, duration_ms = $9, audio_channels = $10,
		    has_subtitles = $11, subtitle_languages = $12, probe_data = $13,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $1`

	_, err := r.db.Exec(query, file.ID, file.Container, file.VideoCodec, file.AudioCodec,
		file.Width, file.Height, file.FrameRate, file.BitRate, file.DurationMS,
		file.AudioChannels, file.HasSubtitles, file.SubtitleLanguages, file.ProbeData)
	return err
}
