package metadata

import (
	"context"
	"errors"
	"log"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/EmeraldPi/Dispatcharr/internal/models"
	"github.com/EmeraldPi/Dispatcharr/internal/repository"
)

// ErrDisabled means no provider is configured, so enrichment is a no-op.
var ErrDisabled = errors.New("metadata enrichment disabled")

// Service fetches provider metadata for a catalog item and applies it,
// stamping the sync timestamp only when something actually changed so
// fruitless lookups stay eligible for a later retry.
type Service struct {
	provider Provider
	items    *repository.ItemRepository
	artwork  *repository.ArtworkRepository
}

func NewService(provider Provider, items *repository.ItemRepository, artwork *repository.ArtworkRepository) *Service {
	return &Service{provider: provider, items: items, artwork: artwork}
}

func (s *Service) SyncItem(ctx context.Context, itemID uuid.UUID) (*models.MediaItem, error) {
	if s.provider == nil {
		return nil, ErrDisabled
	}

	item, err := s.items.GetByID(itemID)
	if err != nil {
		return nil, err
	}

	result, err := s.provider.Lookup(ctx, item.ItemType, item.Title, item.ReleaseYear)
	if err != nil {
		return nil, err
	}

	if s.apply(item, result) {
		now := time.Now().UTC()
		source := result.Source
		item.MetadataSource = &source
		item.MetadataLastSyncedAt = &now
		if err := s.items.UpdateMetadata(item); err != nil {
			return nil, err
		}
	}

	s.storeArtwork(item, result)
	log.Printf("Metadata: synced %q from %s", item.Title, result.Source)
	return item, nil
}

// apply copies provider fields onto the item, reporting whether anything
// changed. Provider values never blank out existing data.
func (s *Service) apply(item *models.MediaItem, result *Result) bool {
	changed := false

	if result.ExternalID != "" && (item.TMDBID == nil || *item.TMDBID != result.ExternalID) {
		item.TMDBID = &result.ExternalID
		changed = true
	}
	if result.IMDBID != "" && (item.IMDBID == nil || *item.IMDBID != result.IMDBID) {
		item.IMDBID = &result.IMDBID
		changed = true
	}
	if result.Title != "" && result.Title != item.Title {
		item.Title = result.Title
		item.SortTitle = result.Title
		item.NormalizedTitle = models.NormalizeTitle(result.Title)
		changed = true
	}
	if result.Synopsis != "" && (item.Synopsis == nil || *item.Synopsis != result.Synopsis) {
		item.Synopsis = &result.Synopsis
		changed = true
	}
	if result.Tagline != "" && (item.Tagline == nil || *item.Tagline != result.Tagline) {
		item.Tagline = &result.Tagline
		changed = true
	}
	if result.ReleaseYear != nil && (item.ReleaseYear == nil || *item.ReleaseYear != *result.ReleaseYear) {
		item.ReleaseYear = result.ReleaseYear
		changed = true
	}
	if result.RuntimeMinutes != nil && (item.RuntimeMinutes == nil || *item.RuntimeMinutes != *result.RuntimeMinutes) {
		item.RuntimeMinutes = result.RuntimeMinutes
		changed = true
	}
	if len(result.Genres) > 0 && !slices.Equal([]string(item.Genres), result.Genres) {
		item.Genres = result.Genres
		changed = true
	}
	if len(result.Cast) > 0 && !slices.Equal([]string(item.CastMembers), result.Cast) {
		item.CastMembers = result.Cast
		changed = true
	}
	if len(result.Crew) > 0 && !slices.Equal([]string(item.CrewMembers), result.Crew) {
		item.CrewMembers = result.Crew
		changed = true
	}
	if result.PosterURL != "" && (item.PosterURL == nil || *item.PosterURL != result.PosterURL) {
		item.PosterURL = &result.PosterURL
		changed = true
	}
	if result.BackdropURL != "" && (item.BackdropURL == nil || *item.BackdropURL != result.BackdropURL) {
		item.BackdropURL = &result.BackdropURL
		changed = true
	}
	return changed
}

// storeArtwork mirrors the poster and backdrop into the artwork gallery.
// Failures are logged, never fatal.
func (s *Service) storeArtwork(item *models.MediaItem, result *Result) {
	if result.PosterURL != "" {
		asset := &models.ArtworkAsset{
			ID:          uuid.New(),
			MediaItemID: item.ID,
			AssetType:   models.AssetTypePoster,
			Source:      result.Source,
			URL:         result.PosterURL,
		}
		if err := s.artwork.Upsert(asset); err != nil {
			log.Printf("Metadata: failed to store poster for %s: %v", item.ID, err)
		}
	}
	if result.BackdropURL != "" {
		asset := &models.ArtworkAsset{
			ID:          uuid.New(),
			MediaItemID: item.ID,
			AssetType:   models.AssetTypeBackdrop,
			Source:      result.Source,
			URL:         result.BackdropURL,
		}
		if err := s.artwork.Upsert(asset); err != nil {
			log.Printf("Metadata: failed to store backdrop for %s: %v", item.ID, err)
		}
	}
}
