package repository

import (
	"database/sql"

	"github.com/EmeraldPi/Dispatcharr/internal/models"
	"github.com/google/uuid"
)

type ArtworkRepository struct {
	db *sql.DB
}

func NewArtworkRepository(db *sql.DB) *ArtworkRepository {
	return &ArtworkRepository{db: db}
}

// Upsert writes an artwork asset keyed by (item, type, language, source),
// replacing the URL when the key already exists.
func (r *ArtworkRepository) Upsert(asset *models.ArtworkAsset) error {
	query := `
		INSERT INTO artwork_assets (id, media_item_id, asset_type, language, source, url)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (media_item_id, asset_type, language, source)
		DO UPDATE SET url = EXCLUDED.url, updated_at = CURRENT_TIMESTAMP
		RETURNING id, created_at, updated_at`

	return r.db.QueryRow(query, asset.ID, asset.MediaItemID, asset.AssetType,
		asset.Language, asset.Source, asset.URL).
		Scan(&asset.ID, &asset.CreatedAt, &asset.UpdatedAt)
}

func (r *ArtworkRepository) ListByItem(itemID uuid.UUID) ([]models.ArtworkAsset, error) {
	query := `SELECT id, media_item_id, asset_type, language, source, url, created_at, updated_at
		FROM artwork_assets WHERE media_item_id = $1 ORDER BY asset_type, source`

	rows, err := r.db.Query(query, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []models.ArtworkAsset
	for rows.Next() {
		var a models.ArtworkAsset
		if err := rows.Scan(&a.ID, &a.MediaItemID, &a.AssetType, &a.Language,
			&a.Source, &a.URL, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}
