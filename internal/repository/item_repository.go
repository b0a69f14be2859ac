package repository

import (
	"database/sql"
	"fmt"

	"github.com/EmeraldPi/Dispatcharr/internal/models"
	"github.com/google/uuid"
)

type ItemRepository struct {
	db *sql.DB
}

func NewItemRepository(db *sql.DB) *ItemRepository {
	return &ItemRepository{db: db}
}

const mediaItemColumns = `id, library_id, parent_id, item_type, status, title, sort_title,
	normalized_title, release_year, season_number, episode_number, runtime_minutes,
	synopsis, tagline, genres, cast_members, crew_members, tmdb_id, imdb_id,
	poster_url, backdrop_url, metadata_source, metadata_last_synced_at, raw_facts,
	created_at, updated_at`

func scanMediaItem(row interface{ Scan(dest ...interface{}) error }) (*models.MediaItem, error) {
	item := &models.MediaItem{}
	err := row.Scan(
		&item.ID, &item.LibraryID, &item.ParentID, &item.ItemType, &item.Status,
		&item.Title, &item.SortTitle, &item.NormalizedTitle,
		&item.ReleaseYear, &item.SeasonNumber, &item.EpisodeNumber, &item.RuntimeMinutes,
		&item.Synopsis, &item.Tagline, &item.Genres, &item.CastMembers, &item.CrewMembers,
		&item.TMDBID, &item.IMDBID, &item.PosterURL, &item.BackdropURL,
		&item.MetadataSource, &item.MetadataLastSyncedAt, &item.RawFacts,
		&item.CreatedAt, &item.UpdatedAt,
	)
	return item, err
}

// Create inserts a new item. A unique violation on one of the identity
// indexes comes back wrapped in ErrDuplicate so the caller can retry its
// lookup branch.
func (r *ItemRepository) Create(item *models.MediaItem) error {
	query := `
		INSERT INTO media_items (id, library_id, parent_id, item_type, status, title,
			sort_title, normalized_title, release_year, season_number, episode_number,
			raw_facts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(query, item.ID, item.LibraryID, item.ParentID, item.ItemType,
		item.Status, item.Title, item.SortTitle, item.NormalizedTitle,
		item.ReleaseYear, item.SeasonNumber, item.EpisodeNumber, item.RawFacts).
		Scan(&item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("media item already exists: %w", ErrDuplicate)
		}
		return err
	}
	return nil
}

func (r *ItemRepository) GetByID(id uuid.UUID) (*models.MediaItem, error) {
	query := `SELECT ` + mediaItemColumns + ` FROM media_items WHERE id = $1`
	item, err := scanMediaItem(r.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("media item not found")
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// ListByTypeAndTitle returns all items of a type in a library sharing a
// normalized title, oldest first.
func (r *ItemRepository) ListByTypeAndTitle(libraryID uuid.UUID, itemType models.ItemType, normalizedTitle string) ([]*models.MediaItem, error) {
	query := `SELECT ` + mediaItemColumns + ` FROM media_items
		WHERE library_id = $1 AND item_type = $2 AND normalized_title = $3
		ORDER BY created_at, id`

	rows, err := r.db.Query(query, libraryID, itemType, normalizedTitle)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []*models.MediaItem{}
	for rows.Next() {
		item, err := scanMediaItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// FindEpisode looks up an episode by its hierarchy key. Nil season/episode
// numbers match rows where the number is also null.
func (r *ItemRepository) FindEpisode(parentID uuid.UUID, season, episode *int) (*models.MediaItem, error) {
	query := `SELECT ` + mediaItemColumns + ` FROM media_items
		WHERE parent_id = $1 AND item_type = 'episode'
		  AND season_number IS NOT DISTINCT FROM $2
		  AND episode_number IS NOT DISTINCT FROM $3
		ORDER BY created_at, id
		LIMIT 1`

	item, err := scanMediaItem(r.db.QueryRow(query, parentID, season, episode))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (r *ItemRepository) ListByLibrary(libraryID uuid.UUID, itemType *models.ItemType, status *models.ItemStatus, parentID *uuid.UUID) ([]*models.MediaItem, error) {
	query := `SELECT ` + mediaItemColumns + ` FROM media_items WHERE library_id = $1`
	args := []interface{}{libraryID}
	if itemType != nil {
		args = append(args, *itemType)
		query += fmt.Sprintf(" AND item_type = $%d", len(args))
	}
	if status != nil {
		args = append(args, *status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if parentID != nil {
		args = append(args, *parentID)
		query += fmt.Sprintf(" AND parent_id = $%d", len(args))
	}
	query += " ORDER BY sort_title, created_at"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []*models.MediaItem{}
	for rows.Next() {
		item, err := scanMediaItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Search runs a full-text query over titles and synopses, best match first.
func (r *ItemRepository) Search(query string, limit int) ([]*models.MediaItem, error) {
	if limit <= 0 || limit > 100 {
		limit = 25
	}
	q := `SELECT ` + mediaItemColumns + ` FROM media_items
		WHERE search_vector @@ plainto_tsquery('english', $1)
		ORDER BY ts_rank(search_vector, plainto_tsquery('english', $1)) DESC, sort_title
		LIMIT $2`

	rows, err := r.db.Query(q, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []*models.MediaItem{}
	for rows.Next() {
		item, err := scanMediaItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *ItemRepository) ListChildren(parentID uuid.UUID) ([]*models.MediaItem, error) {
	query := `SELECT ` + mediaItemColumns + ` FROM media_items
		WHERE parent_id = $1
		ORDER BY season_number NULLS LAST, episode_number NULLS LAST, sort_title`

	rows, err := r.db.Query(query, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []*models.MediaItem{}
	for rows.Next() {
		item, err := scanMediaItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// UpdateStatus flips the item status. Returns true when the row actually
// changed.
func (r *ItemRepository) UpdateStatus(id uuid.UUID, status models.ItemStatus) (bool, error) {
	result, err := r.db.Exec(
		`UPDATE media_items SET status = $2, updated_at = CURRENT_TIMESTAMP
		 WHERE id = $1 AND status <> $2`,
		id, status,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (r *ItemRepository) UpdateReleaseYear(id uuid.UUID, year *int) error {
	_, err := r.db.Exec(
		`UPDATE media_items SET release_year = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $1`,
		id, year,
	)
	return err
}

// UpdateTitle rewrites the title and its derived fields.
func (r *ItemRepository) UpdateTitle(id uuid.UUID, title string) error {
	_, err := r.db.Exec(
		`UPDATE media_items
		 SET title = $2, sort_title = $3, normalized_title = $4, updated_at = CURRENT_TIMESTAMP
		 WHERE id = $1`,
		id, title, title, models.NormalizeTitle(title),
	)
	return err
}

// UpdateMetadata persists the enrichment fields after a provider sync. The
// provider may rename the item, so the derived title fields are rewritten
// too. A rename that collides with an existing identity reports ErrDuplicate.
func (r *ItemRepository) UpdateMetadata(item *models.MediaItem) error {
	query := `
		UPDATE media_items
		SET title = $2, sort_title = $3, normalized_title = $4,
		    synopsis = $5, tagline = $6, genres = $7, cast_members = $8, crew_members = $9,
		    runtime_minutes = $10, release_year = $11, tmdb_id = $12, imdb_id = $13,
		    poster_url = $14, backdrop_url = $15, metadata_source = $16,
		    metadata_last_synced_at = $17, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1`

	_, err := r.db.Exec(query, item.ID, item.Title, item.SortTitle,
		models.NormalizeTitle(item.Title), item.Synopsis, item.Tagline, item.Genres,
		item.CastMembers, item.CrewMembers, item.RuntimeMinutes, item.ReleaseYear,
		item.TMDBID, item.IMDBID, item.PosterURL, item.BackdropURL,
		item.MetadataSource, item.MetadataLastSyncedAt)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("metadata rename collides with existing item: %w", ErrDuplicate)
	}
	return err
}

func (r *ItemRepository) Delete(id uuid.UUID) error {
	result, err := r.db.Exec(`DELETE FROM media_items WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("media item not found")
	}
	return nil
}
