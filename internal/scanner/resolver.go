package scanner

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/EmeraldPi/Dispatcharr/internal/classify"
	"github.com/EmeraldPi/Dispatcharr/internal/models"
	"github.com/EmeraldPi/Dispatcharr/internal/repository"
	"github.com/google/uuid"
)

// ItemStore is the slice of the item repository the resolver needs.
type ItemStore interface {
	Create(item *models.MediaItem) error
	ListByTypeAndTitle(libraryID uuid.UUID, itemType models.ItemType, normalizedTitle string) ([]*models.MediaItem, error)
	FindEpisode(parentID uuid.UUID, season, episode *int) (*models.MediaItem, error)
	UpdateReleaseYear(id uuid.UUID, year *int) error
	UpdateTitle(id uuid.UUID, title string) error
}

// Resolver maps classifications onto catalog items, creating them on first
// sight. Concurrent scans racing on the same identity are resolved by the
// unique indexes: a duplicate insert retries the find branch.
type Resolver struct {
	items ItemStore
}

func NewResolver(items ItemStore) *Resolver {
	return &Resolver{items: items}
}

// Resolve finds or creates the media item a classified file belongs to.
// target short-circuits everything: a pinned rescan links to it no matter
// what the classifier thinks the file is.
func (r *Resolver) Resolve(library *models.Library, c *classify.Classification, target *models.MediaItem) (*models.MediaItem, error) {
	if target != nil {
		return target, nil
	}

	title := c.Title
	if title == "" {
		title = "Unknown"
	}

	switch c.DetectedType {
	case models.ItemTypeMovie:
		return r.resolveMovie(library, c, title)
	case models.ItemTypeShow:
		return r.resolveShow(library, c, title)
	case models.ItemTypeEpisode:
		return r.resolveEpisode(library, c, title)
	default:
		return r.resolveOther(library, c, title)
	}
}

// resolveMovie matches by normalized title and year. An exact year match
// wins; a year seen on disk backfills a candidate that never had one. A
// candidate carrying a different year is a different release and gets its
// own item.
func (r *Resolver) resolveMovie(library *models.Library, c *classify.Classification, title string) (*models.MediaItem, error) {
	normalized := models.NormalizeTitle(title)

	find := func() (*models.MediaItem, error) {
		candidates, err := r.items.ListByTypeAndTitle(library.ID, models.ItemTypeMovie, normalized)
		if err != nil {
			return nil, err
		}
		if c.Year == nil {
			if len(candidates) > 0 {
				return candidates[0], nil
			}
			return nil, nil
		}
		for _, candidate := range candidates {
			if candidate.ReleaseYear != nil && *candidate.ReleaseYear == *c.Year {
				return candidate, nil
			}
		}
		for _, candidate := range candidates {
			if candidate.ReleaseYear == nil {
				return candidate, nil
			}
		}
		return nil, nil
	}

	match, err := find()
	if err != nil {
		return nil, err
	}
	if match != nil {
		if c.Year != nil && match.ReleaseYear == nil {
			if err := r.items.UpdateReleaseYear(match.ID, c.Year); err != nil {
				return nil, err
			}
			match.ReleaseYear = c.Year
		}
		return match, nil
	}

	item := r.newItem(library, models.ItemTypeMovie, title, c)
	item.ReleaseYear = c.Year
	if err := r.items.Create(item); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return find()
		}
		return nil, err
	}
	return item, nil
}

func (r *Resolver) resolveShow(library *models.Library, c *classify.Classification, title string) (*models.MediaItem, error) {
	return r.findOrCreate(library, models.ItemTypeShow, title, c)
}

// resolveEpisode anchors the episode under its show, matching on the
// (show, season, episode) key rather than the episode title. A title parsed
// from the filename backfills an episode created without one.
func (r *Resolver) resolveEpisode(library *models.Library, c *classify.Classification, title string) (*models.MediaItem, error) {
	seriesTitle := c.Facts.SeriesTitle
	if seriesTitle == "" {
		seriesTitle = title
	}

	series, err := r.findOrCreate(library, models.ItemTypeShow, seriesTitle, c)
	if err != nil {
		return nil, err
	}

	episode, err := r.items.FindEpisode(series.ID, c.Season, c.Episode)
	if err != nil {
		return nil, err
	}
	if episode != nil {
		if c.EpisodeTitle != "" && episode.Title == "" {
			if err := r.items.UpdateTitle(episode.ID, c.EpisodeTitle); err != nil {
				return nil, err
			}
			episode.Title = c.EpisodeTitle
		}
		return episode, nil
	}

	episodeTitle := c.EpisodeTitle
	if episodeTitle == "" {
		if c.Season != nil && c.Episode != nil {
			episodeTitle = fmt.Sprintf("S%02dE%02d", *c.Season, *c.Episode)
		} else {
			episodeTitle = title
		}
	}

	item := r.newItem(library, models.ItemTypeEpisode, episodeTitle, c)
	item.ParentID = &series.ID
	item.ReleaseYear = c.Year
	item.SeasonNumber = c.Season
	item.EpisodeNumber = c.Episode
	if err := r.items.Create(item); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return r.items.FindEpisode(series.ID, c.Season, c.Episode)
		}
		return nil, err
	}
	return item, nil
}

func (r *Resolver) resolveOther(library *models.Library, c *classify.Classification, title string) (*models.MediaItem, error) {
	return r.findOrCreate(library, models.ItemTypeOther, title, c)
}

// findOrCreate returns the oldest item of the type sharing the normalized
// title, creating one when none exists.
func (r *Resolver) findOrCreate(library *models.Library, itemType models.ItemType, title string, c *classify.Classification) (*models.MediaItem, error) {
	normalized := models.NormalizeTitle(title)

	find := func() (*models.MediaItem, error) {
		candidates, err := r.items.ListByTypeAndTitle(library.ID, itemType, normalized)
		if err != nil {
			return nil, err
		}
		if len(candidates) > 0 {
			return candidates[0], nil
		}
		return nil, nil
	}

	match, err := find()
	if err != nil {
		return nil, err
	}
	if match != nil {
		return match, nil
	}

	item := r.newItem(library, itemType, title, c)
	if err := r.items.Create(item); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			match, err := find()
			if err != nil {
				return nil, err
			}
			if match != nil {
				return match, nil
			}
			return nil, fmt.Errorf("duplicate %s '%s' vanished during resolve", itemType, title)
		}
		return nil, err
	}
	return item, nil
}

func (r *Resolver) newItem(library *models.Library, itemType models.ItemType, title string, c *classify.Classification) *models.MediaItem {
	return &models.MediaItem{
		ID:              uuid.New(),
		LibraryID:       library.ID,
		ItemType:        itemType,
		Status:          models.ItemStatusPending,
		Title:           title,
		SortTitle:       title,
		NormalizedTitle: models.NormalizeTitle(title),
		RawFacts:        marshalFacts(c),
	}
}

func marshalFacts(c *classify.Classification) json.RawMessage {
	data, err := json.Marshal(c.Facts)
	if err != nil {
		return nil
	}
	return data
}
