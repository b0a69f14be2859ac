package scanner

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EmeraldPi/Dispatcharr/internal/classify"
	"github.com/EmeraldPi/Dispatcharr/internal/models"
	"github.com/EmeraldPi/Dispatcharr/internal/repository"
)

func intPtr(v int) *int { return &v }

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// fakeItemStore is an in-memory ItemStore. Setting createErr makes the next
// Create fail; conflictWinner is inserted at that moment to simulate the
// concurrent scan that won the identity race.
type fakeItemStore struct {
	items          []*models.MediaItem
	createErr      error
	conflictWinner *models.MediaItem
	creates        int
	yearUpdates    int
	titleUpdates   int
}

func (f *fakeItemStore) Create(item *models.MediaItem) error {
	f.creates++
	if f.createErr != nil {
		err := f.createErr
		f.createErr = nil
		if f.conflictWinner != nil {
			f.items = append(f.items, f.conflictWinner)
			f.conflictWinner = nil
		}
		return err
	}
	f.items = append(f.items, item)
	return nil
}

func (f *fakeItemStore) ListByTypeAndTitle(libraryID uuid.UUID, itemType models.ItemType, normalizedTitle string) ([]*models.MediaItem, error) {
	var out []*models.MediaItem
	for _, it := range f.items {
		if it.LibraryID == libraryID && it.ItemType == itemType && it.NormalizedTitle == normalizedTitle {
			out = append(out, it)
		}
	}
	return out, nil
}

func (f *fakeItemStore) FindEpisode(parentID uuid.UUID, season, episode *int) (*models.MediaItem, error) {
	for _, it := range f.items {
		if it.ItemType != models.ItemTypeEpisode || it.ParentID == nil || *it.ParentID != parentID {
			continue
		}
		if intPtrEqual(it.SeasonNumber, season) && intPtrEqual(it.EpisodeNumber, episode) {
			return it, nil
		}
	}
	return nil, nil
}

func (f *fakeItemStore) UpdateReleaseYear(id uuid.UUID, year *int) error {
	f.yearUpdates++
	for _, it := range f.items {
		if it.ID == id {
			it.ReleaseYear = year
		}
	}
	return nil
}

func (f *fakeItemStore) UpdateTitle(id uuid.UUID, title string) error {
	f.titleUpdates++
	for _, it := range f.items {
		if it.ID == id {
			it.Title = title
			it.SortTitle = title
			it.NormalizedTitle = models.NormalizeTitle(title)
		}
	}
	return nil
}

func testLibrary() *models.Library {
	return &models.Library{ID: uuid.New(), Name: "Test", LibraryType: models.LibraryTypeMixed}
}

func TestResolveCreatesMovieOnFirstSight(t *testing.T) {
	store := &fakeItemStore{}
	r := NewResolver(store)
	library := testLibrary()

	c := &classify.Classification{
		DetectedType: models.ItemTypeMovie,
		Title:        "The Matrix",
		Year:         intPtr(1999),
	}

	item, err := r.Resolve(library, c, nil)
	require.NoError(t, err)
	require.NotNil(t, item)

	assert.Equal(t, models.ItemTypeMovie, item.ItemType)
	assert.Equal(t, models.ItemStatusPending, item.Status)
	assert.Equal(t, "The Matrix", item.Title)
	assert.Equal(t, "the matrix", item.NormalizedTitle)
	assert.Equal(t, 1999, *item.ReleaseYear)
	assert.Equal(t, library.ID, item.LibraryID)
	assert.NotEmpty(t, item.RawFacts)
	assert.Len(t, store.items, 1)
}

func TestResolveReusesExistingMovie(t *testing.T) {
	store := &fakeItemStore{}
	r := NewResolver(store)
	library := testLibrary()

	c := &classify.Classification{
		DetectedType: models.ItemTypeMovie,
		Title:        "The Matrix",
		Year:         intPtr(1999),
	}

	first, err := r.Resolve(library, c, nil)
	require.NoError(t, err)
	second, err := r.Resolve(library, c, nil)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, store.items, 1)
	assert.Equal(t, 1, store.creates)
}

func TestResolvePrefersExactYearMatch(t *testing.T) {
	store := &fakeItemStore{}
	r := NewResolver(store)
	library := testLibrary()

	original := &classify.Classification{DetectedType: models.ItemTypeMovie, Title: "Dune", Year: intPtr(1984)}
	remake := &classify.Classification{DetectedType: models.ItemTypeMovie, Title: "Dune", Year: intPtr(2021)}

	first, err := r.Resolve(library, original, nil)
	require.NoError(t, err)
	second, err := r.Resolve(library, remake, nil)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
	assert.Len(t, store.items, 2)

	again, err := r.Resolve(library, remake, nil)
	require.NoError(t, err)
	assert.Equal(t, second.ID, again.ID)
}

func TestResolveBackfillsMovieYear(t *testing.T) {
	store := &fakeItemStore{}
	r := NewResolver(store)
	library := testLibrary()

	noYear := &classify.Classification{DetectedType: models.ItemTypeMovie, Title: "Alien"}
	withYear := &classify.Classification{DetectedType: models.ItemTypeMovie, Title: "Alien", Year: intPtr(1979)}

	created, err := r.Resolve(library, noYear, nil)
	require.NoError(t, err)
	require.Nil(t, created.ReleaseYear)

	matched, err := r.Resolve(library, withYear, nil)
	require.NoError(t, err)
	assert.Equal(t, created.ID, matched.ID)
	assert.Equal(t, 1979, *matched.ReleaseYear)
	assert.Equal(t, 1, store.yearUpdates)
}

func TestResolveMovieDuplicateRaceRetriesLookup(t *testing.T) {
	library := testLibrary()
	winner := &models.MediaItem{
		ID:              uuid.New(),
		LibraryID:       library.ID,
		ItemType:        models.ItemTypeMovie,
		Title:           "Heat",
		NormalizedTitle: "heat",
		ReleaseYear:     intPtr(1995),
	}
	store := &fakeItemStore{createErr: repository.ErrDuplicate, conflictWinner: winner}
	r := NewResolver(store)

	c := &classify.Classification{DetectedType: models.ItemTypeMovie, Title: "Heat", Year: intPtr(1995)}
	item, err := r.Resolve(library, c, nil)
	require.NoError(t, err)
	assert.Equal(t, winner.ID, item.ID)
	assert.Len(t, store.items, 1)
}

func TestResolveShowReused(t *testing.T) {
	store := &fakeItemStore{}
	r := NewResolver(store)
	library := testLibrary()

	c := &classify.Classification{DetectedType: models.ItemTypeShow, Title: "Severance"}

	first, err := r.Resolve(library, c, nil)
	require.NoError(t, err)
	second, err := r.Resolve(library, c, nil)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.ItemTypeShow, first.ItemType)
	assert.Len(t, store.items, 1)
}

func TestResolveEpisodeCreatesShowHierarchy(t *testing.T) {
	store := &fakeItemStore{}
	r := NewResolver(store)
	library := testLibrary()

	c := &classify.Classification{
		DetectedType: models.ItemTypeEpisode,
		Title:        "Breaking Bad",
		Season:       intPtr(1),
		Episode:      intPtr(2),
		EpisodeTitle: "Cat's in the Bag...",
		Facts:        classify.RawFacts{SeriesTitle: "Breaking Bad"},
	}

	episode, err := r.Resolve(library, c, nil)
	require.NoError(t, err)
	require.NotNil(t, episode)

	assert.Equal(t, models.ItemTypeEpisode, episode.ItemType)
	assert.Equal(t, "Cat's in the Bag...", episode.Title)
	assert.Equal(t, 1, *episode.SeasonNumber)
	assert.Equal(t, 2, *episode.EpisodeNumber)
	require.NotNil(t, episode.ParentID)

	shows, err := store.ListByTypeAndTitle(library.ID, models.ItemTypeShow, "breaking bad")
	require.NoError(t, err)
	require.Len(t, shows, 1)
	assert.Equal(t, shows[0].ID, *episode.ParentID)
	assert.Len(t, store.items, 2)
}

func TestResolveEpisodeReusedAcrossScans(t *testing.T) {
	store := &fakeItemStore{}
	r := NewResolver(store)
	library := testLibrary()

	c := &classify.Classification{
		DetectedType: models.ItemTypeEpisode,
		Title:        "Breaking Bad",
		Season:       intPtr(1),
		Episode:      intPtr(2),
		Facts:        classify.RawFacts{SeriesTitle: "Breaking Bad"},
	}

	first, err := r.Resolve(library, c, nil)
	require.NoError(t, err)
	second, err := r.Resolve(library, c, nil)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, store.items, 2)
}

func TestResolveEpisodeBackfillsTitle(t *testing.T) {
	library := testLibrary()
	show := &models.MediaItem{
		ID:              uuid.New(),
		LibraryID:       library.ID,
		ItemType:        models.ItemTypeShow,
		Title:           "Breaking Bad",
		NormalizedTitle: "breaking bad",
	}
	bare := &models.MediaItem{
		ID:            uuid.New(),
		LibraryID:     library.ID,
		ParentID:      &show.ID,
		ItemType:      models.ItemTypeEpisode,
		SeasonNumber:  intPtr(1),
		EpisodeNumber: intPtr(3),
	}
	store := &fakeItemStore{items: []*models.MediaItem{show, bare}}
	r := NewResolver(store)

	c := &classify.Classification{
		DetectedType: models.ItemTypeEpisode,
		Title:        "Breaking Bad",
		Season:       intPtr(1),
		Episode:      intPtr(3),
		EpisodeTitle: "...And the Bag's in the River",
		Facts:        classify.RawFacts{SeriesTitle: "Breaking Bad"},
	}

	episode, err := r.Resolve(library, c, nil)
	require.NoError(t, err)
	assert.Equal(t, bare.ID, episode.ID)
	assert.Equal(t, "...And the Bag's in the River", episode.Title)
	assert.Equal(t, 1, store.titleUpdates)
}

func TestResolveEpisodeDefaultsTitleToMarker(t *testing.T) {
	store := &fakeItemStore{}
	r := NewResolver(store)
	library := testLibrary()

	c := &classify.Classification{
		DetectedType: models.ItemTypeEpisode,
		Title:        "Lost",
		Season:       intPtr(4),
		Episode:      intPtr(8),
		Facts:        classify.RawFacts{SeriesTitle: "Lost"},
	}

	episode, err := r.Resolve(library, c, nil)
	require.NoError(t, err)
	assert.Equal(t, "S04E08", episode.Title)
}

func TestResolvePinnedTargetShortCircuits(t *testing.T) {
	store := &fakeItemStore{}
	r := NewResolver(store)
	library := testLibrary()

	target := &models.MediaItem{ID: uuid.New(), LibraryID: library.ID, ItemType: models.ItemTypeMovie}
	c := &classify.Classification{DetectedType: models.ItemTypeEpisode, Title: "Anything"}

	item, err := r.Resolve(library, c, target)
	require.NoError(t, err)
	assert.Same(t, target, item)
	assert.Empty(t, store.items)
	assert.Zero(t, store.creates)
}

func TestResolveEmptyTitleFallsBackToUnknown(t *testing.T) {
	store := &fakeItemStore{}
	r := NewResolver(store)
	library := testLibrary()

	c := &classify.Classification{DetectedType: models.ItemTypeOther}

	item, err := r.Resolve(library, c, nil)
	require.NoError(t, err)
	assert.Equal(t, "Unknown", item.Title)
	assert.Equal(t, models.ItemTypeOther, item.ItemType)
}
