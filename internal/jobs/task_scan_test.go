package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EmeraldPi/Dispatcharr/internal/classify"
	"github.com/EmeraldPi/Dispatcharr/internal/config"
	"github.com/EmeraldPi/Dispatcharr/internal/models"
	"github.com/EmeraldPi/Dispatcharr/internal/repository"
)

type recordedEvent struct {
	name string
	data interface{}
}

// recordingNotifier captures broadcasts in arrival order.
type recordingNotifier struct {
	events []recordedEvent
}

func (n *recordingNotifier) Broadcast(event string, data interface{}) {
	n.events = append(n.events, recordedEvent{name: event, data: data})
}

func (n *recordingNotifier) names() []string {
	names := make([]string, len(n.events))
	for i, e := range n.events {
		names[i] = e.name
	}
	return names
}

// newScanHandlerMock wires a scan handler against a mocked database. The
// queue points at a closed port, so probe enqueues fail and are only logged.
func newScanHandlerMock(t *testing.T) (*ScanHandler, sqlmock.Sqlmock, *recordingNotifier) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	scans := repository.NewScanRepository(db)
	libraries := repository.NewLibraryRepository(db)
	items := repository.NewItemRepository(db)
	files := repository.NewFileRepository(db)

	queue := NewQueue("127.0.0.1:1", 1)
	t.Cleanup(queue.Stop)

	notifier := &recordingNotifier{}
	coordinator := NewCoordinator(scans, libraries, queue)
	handler := NewScanHandler(coordinator, libraries, scans, items, files, queue, notifier, &config.Config{})
	return handler, mock, notifier
}

func newScanTask(t *testing.T, scanID, libraryID uuid.UUID) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(ScanPayload{ScanID: scanID.String(), LibraryID: libraryID.String()})
	require.NoError(t, err)
	return asynq.NewTask(TaskScanLibrary, payload)
}

func mixedLibraryRows(libraryID uuid.UUID, now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "name", "library_type", "auto_scan_enabled", "scan_interval_minutes",
		"last_scan_at", "last_successful_scan_at", "created_at", "updated_at",
	}).AddRow(libraryID.String(), "Archive", "mixed", false, 1440, nil, nil, now, now)
}

func locationRows(locationID, libraryID uuid.UUID, path string, now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "library_id", "path", "recursive", "is_primary", "created_at"}).
		AddRow(locationID.String(), libraryID.String(), path, true, true, now)
}

var mediaItemTestColumns = []string{
	"id", "library_id", "parent_id", "item_type", "status", "title", "sort_title",
	"normalized_title", "release_year", "season_number", "episode_number", "runtime_minutes",
	"synopsis", "tagline", "genres", "cast_members", "crew_members", "tmdb_id", "imdb_id",
	"poster_url", "backdrop_url", "metadata_source", "metadata_last_synced_at", "raw_facts",
	"created_at", "updated_at",
}

func emptyItemRows() *sqlmock.Rows {
	return sqlmock.NewRows(mediaItemTestColumns)
}

func showRows(showID, libraryID uuid.UUID, title string, now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(mediaItemTestColumns).AddRow(
		showID.String(), libraryID.String(), nil, "show", "pending", title, title,
		models.NormalizeTitle(title), nil, nil, nil, nil,
		nil, nil, nil, nil, nil, nil, nil, nil, nil, nil, nil, []byte(`{}`),
		now, now,
	)
}

func insertedFileRows(fileID, libraryID, locationID uuid.UUID, absolutePath string, size int64, now time.Time) *sqlmock.Rows {
	name := filepath.Base(absolutePath)
	return sqlmock.NewRows([]string{
		"id", "library_id", "media_item_id", "location_id", "absolute_path",
		"relative_path", "file_name", "size_bytes", "container", "video_codec", "audio_codec",
		"width", "height", "frame_rate", "bit_rate", "duration_ms", "audio_channels", "has_subtitles",
		"subtitle_languages", "checksum", "fingerprint", "probe_data", "last_modified", "last_seen_at",
		"missing_since", "created_at", "updated_at",
	}).AddRow(
		fileID.String(), libraryID.String(), nil, locationID.String(), absolutePath,
		name, name, size, nil, nil, nil,
		nil, nil, nil, nil, nil, nil, false,
		nil, nil, nil, []byte(`{}`), now, now,
		nil, now, now,
	)
}

// expectFileCreation covers the lookup-miss and insert of one on-disk file,
// followed by the discovery-field refresh.
func expectFileCreation(mock sqlmock.Sqlmock, fileID, libraryID, locationID uuid.UUID, absolutePath string, size int64, now time.Time) {
	name := filepath.Base(absolutePath)
	mock.ExpectBegin()
	mock.ExpectQuery("FROM media_files").
		WithArgs(libraryID, absolutePath).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("INSERT INTO media_files").
		WithArgs(sqlmock.AnyArg(), libraryID, locationID, absolutePath, name, name, size, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(insertedFileRows(fileID, libraryID, locationID, absolutePath, size, now))
	mock.ExpectCommit()
	mock.ExpectExec("SET location_id").
		WithArgs(fileID, locationID, name, name, size, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

// expectAdvanceDrained covers the claim attempt that finds the queue empty
// once the finished scan has left it.
func expectAdvanceDrained(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("status = 'pending' AND task_id IS NULL").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()
}

// TestScanCatalogsMovieAndEpisode runs a whole scan over a directory holding
// one movie release and one episode release, and checks the catalog writes,
// the counters, and the broadcast order.
func TestScanCatalogsMovieAndEpisode(t *testing.T) {
	handler, mock, notifier := newScanHandlerMock(t)

	dir := t.TempDir()
	moviePath := filepath.Join(dir, "Movie.Title.2020.mkv")
	episodePath := filepath.Join(dir, "Show.S01E01.mkv")
	movieBody := []byte("movie bits")
	episodeBody := []byte("episode bits")
	require.NoError(t, os.WriteFile(moviePath, movieBody, 0o600))
	require.NoError(t, os.WriteFile(episodePath, episodeBody, 0o600))

	// SHA1 of the fixture bodies written above.
	const movieChecksum = "bb9ab68b14a7893d5cb74607785004239d71ddcb"
	const episodeChecksum = "da737531a1563f40ce8169a507a891cb49e75b23"

	scanID := uuid.New()
	libraryID := uuid.New()
	locationID := uuid.New()
	movieFileID := uuid.New()
	episodeFileID := uuid.New()
	showID := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery("FROM library_scans WHERE id").
		WithArgs(scanID).
		WillReturnRows(scanRows(scanID, libraryID, "pending", now))
	mock.ExpectQuery("FROM libraries WHERE id").
		WithArgs(libraryID).
		WillReturnRows(mixedLibraryRows(libraryID, now))
	mock.ExpectQuery("FROM locations WHERE library_id").
		WithArgs(libraryID).
		WillReturnRows(locationRows(locationID, libraryID, dir, now))
	mock.ExpectExec("SET status = 'running'").
		WithArgs(scanID, sqlmock.AnyArg(), "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Discovery walks lexically: the movie file precedes the episode file.
	expectFileCreation(mock, movieFileID, libraryID, locationID, moviePath, int64(len(movieBody)), now)
	expectFileCreation(mock, episodeFileID, libraryID, locationID, episodePath, int64(len(episodeBody)), now)
	mock.ExpectExec("SET total_files").
		WithArgs(scanID, 2, 0, 2, 0, 0, 0, 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("SET missing_since").
		WithArgs(libraryID, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	// Movie.Title.2020.mkv resolves to a fresh movie item with its year.
	mock.ExpectQuery("FROM media_items WHERE library_id").
		WithArgs(libraryID, models.ItemTypeMovie, "movie title").
		WillReturnRows(emptyItemRows())
	mock.ExpectQuery("INSERT INTO media_items").
		WithArgs(sqlmock.AnyArg(), libraryID, nil, models.ItemTypeMovie, models.ItemStatusPending,
			"Movie Title", "Movie Title", "movie title", 2020, nil, nil, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectExec("SET media_item_id").
		WithArgs(movieFileID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE media_items SET status").
		WithArgs(sqlmock.AnyArg(), models.ItemStatusMatched).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("SET checksum").
		WithArgs(movieFileID, movieChecksum).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("SET total_files").
		WithArgs(scanID, 2, 1, 2, 0, 0, 1, 0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Show.S01E01.mkv creates the show, then the episode under it, and the
	// parent show is marked matched alongside the episode.
	mock.ExpectQuery("FROM media_items WHERE library_id").
		WithArgs(libraryID, models.ItemTypeShow, "show").
		WillReturnRows(emptyItemRows())
	mock.ExpectQuery("INSERT INTO media_items").
		WithArgs(sqlmock.AnyArg(), libraryID, nil, models.ItemTypeShow, models.ItemStatusPending,
			"Show", "Show", "show", nil, nil, nil, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectQuery("FROM media_items WHERE parent_id").
		WithArgs(sqlmock.AnyArg(), 1, 1).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("INSERT INTO media_items").
		WithArgs(sqlmock.AnyArg(), libraryID, sqlmock.AnyArg(), models.ItemTypeEpisode, models.ItemStatusPending,
			"S01E01", "S01E01", "s01e01", nil, 1, 1, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectExec("SET media_item_id").
		WithArgs(episodeFileID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE media_items SET status").
		WithArgs(sqlmock.AnyArg(), models.ItemStatusMatched).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM media_items WHERE id").
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(showRows(showID, libraryID, "Show", now))
	mock.ExpectExec("UPDATE media_items SET status").
		WithArgs(showID, models.ItemStatusMatched).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("SET checksum").
		WithArgs(episodeFileID, episodeChecksum).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("SET total_files").
		WithArgs(scanID, 2, 2, 2, 0, 0, 2, 0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec("SET status = 'completed'").
		WithArgs(scanID, 2, 2, 2, 0, 0, 2, 0,
			"Processed 2 files; new=2, updated=0, removed=0, matched=2, unmatched=0", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("last_successful_scan_at").
		WithArgs(sqlmock.AnyArg(), libraryID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectAdvanceDrained(mock)

	err := handler.ProcessTask(context.Background(), newScanTask(t, scanID, libraryID))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, []string{
		"scan:started", "scan:discovered",
		"media:item", "scan:progress",
		"media:item", "media:item", "scan:progress",
		"scan:completed",
	}, notifier.names())

	movie, ok := notifier.events[2].data.(*models.MediaItem)
	require.True(t, ok)
	assert.Equal(t, models.ItemTypeMovie, movie.ItemType)
	assert.Equal(t, "Movie Title", movie.Title)
	require.NotNil(t, movie.ReleaseYear)
	assert.Equal(t, 2020, *movie.ReleaseYear)
	assert.Equal(t, models.ItemStatusMatched, movie.Status)

	show, ok := notifier.events[4].data.(*models.MediaItem)
	require.True(t, ok)
	assert.Equal(t, models.ItemTypeShow, show.ItemType)
	assert.Equal(t, "Show", show.Title)
	assert.Equal(t, models.ItemStatusMatched, show.Status)

	episode, ok := notifier.events[5].data.(*models.MediaItem)
	require.True(t, ok)
	assert.Equal(t, models.ItemTypeEpisode, episode.ItemType)
	assert.Equal(t, "S01E01", episode.Title)
	require.NotNil(t, episode.SeasonNumber)
	assert.Equal(t, 1, *episode.SeasonNumber)
	require.NotNil(t, episode.EpisodeNumber)
	assert.Equal(t, 1, *episode.EpisodeNumber)
	assert.NotNil(t, episode.ParentID)

	completed, ok := notifier.events[7].data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 2, completed["new_files"])
	assert.Equal(t, 2, completed["matched"])
	assert.Equal(t, 0, completed["unmatched"])
	assert.Equal(t, 2, completed["processed"])
	assert.Equal(t, 2, completed["total"])
}

func TestScanFailureMarksScanAndAdvancesQueue(t *testing.T) {
	handler, mock, notifier := newScanHandlerMock(t)

	dir := t.TempDir()
	scanID := uuid.New()
	libraryID := uuid.New()
	locationID := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery("FROM library_scans WHERE id").
		WithArgs(scanID).
		WillReturnRows(scanRows(scanID, libraryID, "pending", now))
	mock.ExpectQuery("FROM libraries WHERE id").
		WithArgs(libraryID).
		WillReturnRows(mixedLibraryRows(libraryID, now))
	mock.ExpectQuery("FROM locations WHERE library_id").
		WithArgs(libraryID).
		WillReturnRows(locationRows(locationID, libraryID, dir, now))
	mock.ExpectExec("SET status = 'running'").
		WithArgs(scanID, sqlmock.AnyArg(), "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	// The first progress write dies; the scan fails but the queue advances.
	mock.ExpectExec("SET total_files").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectExec("SET status = 'failed'").
		WithArgs(scanID, 0, 0, 0, 0, 0, 0, 0, "connection reset", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE libraries SET last_scan_at").
		WithArgs(sqlmock.AnyArg(), libraryID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectAdvanceDrained(mock)

	err := handler.ProcessTask(context.Background(), newScanTask(t, scanID, libraryID))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, []string{"scan:started", "scan:failed"}, notifier.names())
	failure, ok := notifier.events[1].data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "connection reset", failure["message"])
}

// TestScanCountsExtrasAsUnmatched checks that a file classified as an extra
// is catalogued with a failed item and counted as unmatched, without failing
// the scan.
func TestScanCountsExtrasAsUnmatched(t *testing.T) {
	handler, mock, notifier := newScanHandlerMock(t)

	dir := t.TempDir()
	trailerPath := filepath.Join(dir, "Theatrical.Trailer.mkv")
	trailerBody := []byte("trailer bits")
	require.NoError(t, os.WriteFile(trailerPath, trailerBody, 0o600))
	const trailerChecksum = "876ee969fd3b73bda39e070519dbaabc8cdacb9f"

	scanID := uuid.New()
	libraryID := uuid.New()
	locationID := uuid.New()
	fileID := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery("FROM library_scans WHERE id").
		WithArgs(scanID).
		WillReturnRows(scanRows(scanID, libraryID, "pending", now))
	mock.ExpectQuery("FROM libraries WHERE id").
		WithArgs(libraryID).
		WillReturnRows(mixedLibraryRows(libraryID, now))
	mock.ExpectQuery("FROM locations WHERE library_id").
		WithArgs(libraryID).
		WillReturnRows(locationRows(locationID, libraryID, dir, now))
	mock.ExpectExec("SET status = 'running'").
		WithArgs(scanID, sqlmock.AnyArg(), "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	expectFileCreation(mock, fileID, libraryID, locationID, trailerPath, int64(len(trailerBody)), now)
	mock.ExpectExec("SET total_files").
		WithArgs(scanID, 1, 0, 1, 0, 0, 0, 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("SET missing_since").
		WithArgs(libraryID, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	mock.ExpectQuery("FROM media_items WHERE library_id").
		WithArgs(libraryID, models.ItemTypeOther, "theatrical trailer").
		WillReturnRows(emptyItemRows())
	mock.ExpectQuery("INSERT INTO media_items").
		WithArgs(sqlmock.AnyArg(), libraryID, nil, models.ItemTypeOther, models.ItemStatusPending,
			"Theatrical Trailer", "Theatrical Trailer", "theatrical trailer", nil, nil, nil, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectExec("SET media_item_id").
		WithArgs(fileID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE media_items SET status").
		WithArgs(sqlmock.AnyArg(), models.ItemStatusFailed).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("SET checksum").
		WithArgs(fileID, trailerChecksum).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("SET total_files").
		WithArgs(scanID, 1, 1, 1, 0, 0, 0, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec("SET status = 'completed'").
		WithArgs(scanID, 1, 1, 1, 0, 0, 0, 1,
			"Processed 1 files; new=1, updated=0, removed=0, matched=0, unmatched=1", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("last_successful_scan_at").
		WithArgs(sqlmock.AnyArg(), libraryID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectAdvanceDrained(mock)

	err := handler.ProcessTask(context.Background(), newScanTask(t, scanID, libraryID))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, []string{
		"scan:started", "scan:discovered", "media:item", "scan:progress", "scan:completed",
	}, notifier.names())

	extra, ok := notifier.events[2].data.(*models.MediaItem)
	require.True(t, ok)
	assert.Equal(t, models.ItemTypeOther, extra.ItemType)
	assert.Equal(t, models.ItemStatusFailed, extra.Status)

	completed, ok := notifier.events[4].data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 0, completed["matched"])
	assert.Equal(t, 1, completed["unmatched"])
}

func TestCoerceDetectedType(t *testing.T) {
	tests := []struct {
		name        string
		libraryType models.LibraryType
		detected    models.ItemType
		want        models.ItemType
	}{
		{name: "movies library forces movie", libraryType: models.LibraryTypeMovies, detected: models.ItemTypeEpisode, want: models.ItemTypeMovie},
		{name: "movies library keeps movie", libraryType: models.LibraryTypeMovies, detected: models.ItemTypeMovie, want: models.ItemTypeMovie},
		{name: "movies library forces other", libraryType: models.LibraryTypeMovies, detected: models.ItemTypeOther, want: models.ItemTypeMovie},
		{name: "shows library upgrades movie", libraryType: models.LibraryTypeShows, detected: models.ItemTypeMovie, want: models.ItemTypeShow},
		{name: "shows library keeps episode", libraryType: models.LibraryTypeShows, detected: models.ItemTypeEpisode, want: models.ItemTypeEpisode},
		{name: "shows library keeps other", libraryType: models.LibraryTypeShows, detected: models.ItemTypeOther, want: models.ItemTypeOther},
		{name: "mixed library keeps movie", libraryType: models.LibraryTypeMixed, detected: models.ItemTypeMovie, want: models.ItemTypeMovie},
		{name: "mixed library keeps episode", libraryType: models.LibraryTypeMixed, detected: models.ItemTypeEpisode, want: models.ItemTypeEpisode},
		{name: "other library keeps detected", libraryType: models.LibraryTypeOther, detected: models.ItemTypeOther, want: models.ItemTypeOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			library := &models.Library{LibraryType: tt.libraryType}
			c := &classify.Classification{DetectedType: tt.detected}
			coerceDetectedType(library, c)
			assert.Equal(t, tt.want, c.DetectedType)
		})
	}
}
