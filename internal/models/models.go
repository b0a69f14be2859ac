package models

import (
	"encoding/json"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ──────────────────── Enums ────────────────────

type UserRole string

const (
	RoleAdmin UserRole = "admin"
	RoleUser  UserRole = "user"
)

type LibraryType string

const (
	LibraryTypeMovies LibraryType = "movies"
	LibraryTypeShows  LibraryType = "shows"
	LibraryTypeMixed  LibraryType = "mixed"
	LibraryTypeOther  LibraryType = "other"
)

type ScanStatus string

const (
	ScanStatusPending   ScanStatus = "pending"
	ScanStatusRunning   ScanStatus = "running"
	ScanStatusCompleted ScanStatus = "completed"
	ScanStatusFailed    ScanStatus = "failed"
	ScanStatusCancelled ScanStatus = "cancelled"
)

// IsTerminal reports whether a scan in this status has left the queue for good.
func (s ScanStatus) IsTerminal() bool {
	return s == ScanStatusCompleted || s == ScanStatusFailed || s == ScanStatusCancelled
}

type ItemType string

const (
	ItemTypeCollection ItemType = "collection"
	ItemTypeShow       ItemType = "show"
	ItemTypeSeason     ItemType = "season"
	ItemTypeEpisode    ItemType = "episode"
	ItemTypeMovie      ItemType = "movie"
	ItemTypeOther      ItemType = "other"
)

type ItemStatus string

const (
	ItemStatusPending ItemStatus = "pending"
	ItemStatusMatched ItemStatus = "matched"
	ItemStatusFailed  ItemStatus = "failed"
)

type AssetType string

const (
	AssetTypePoster   AssetType = "poster"
	AssetTypeBackdrop AssetType = "backdrop"
)

// ──────────────────── User ────────────────────

type User struct {
	ID           uuid.UUID `json:"id" db:"id"`
	Username     string    `json:"username" db:"username"`
	PasswordHash string    `json:"-" db:"password_hash"`
	Role         UserRole  `json:"role" db:"role"`
	IsActive     bool      `json:"is_active" db:"is_active"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// ──────────────────── Library ────────────────────

type Library struct {
	ID                   uuid.UUID   `json:"id" db:"id"`
	Name                 string      `json:"name" db:"name"`
	LibraryType          LibraryType `json:"library_type" db:"library_type"`
	AutoScanEnabled      bool        `json:"auto_scan_enabled" db:"auto_scan_enabled"`
	ScanIntervalMinutes  int         `json:"scan_interval_minutes" db:"scan_interval_minutes"`
	LastScanAt           *time.Time  `json:"last_scan_at" db:"last_scan_at"`
	LastSuccessfulScanAt *time.Time  `json:"last_successful_scan_at" db:"last_successful_scan_at"`
	CreatedAt            time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time   `json:"updated_at" db:"updated_at"`
	// Aggregated (not in DB)
	Locations []Location `json:"locations,omitempty" db:"-"`
}

type Location struct {
	ID        uuid.UUID `json:"id" db:"id"`
	LibraryID uuid.UUID `json:"library_id" db:"library_id"`
	Path      string    `json:"path" db:"path"`
	Recursive bool      `json:"recursive" db:"recursive"`
	IsPrimary bool      `json:"is_primary" db:"is_primary"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ──────────────────── LibraryScan ────────────────────

type LibraryScan struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	LibraryID      uuid.UUID  `json:"library_id" db:"library_id"`
	Status         ScanStatus `json:"status" db:"status"`
	TaskID         *string    `json:"task_id,omitempty" db:"task_id"`
	RequestedBy    *uuid.UUID `json:"requested_by,omitempty" db:"requested_by"`
	ForceFull      bool       `json:"force_full" db:"force_full"`
	RescanItemID   *uuid.UUID `json:"rescan_item_id,omitempty" db:"rescan_item_id"`
	TotalFiles     int        `json:"total_files" db:"total_files"`
	ProcessedFiles int        `json:"processed_files" db:"processed_files"`
	NewFiles       int        `json:"new_files" db:"new_files"`
	UpdatedFiles   int        `json:"updated_files" db:"updated_files"`
	RemovedFiles   int        `json:"removed_files" db:"removed_files"`
	MatchedItems   int        `json:"matched_items" db:"matched_items"`
	UnmatchedItems int        `json:"unmatched_items" db:"unmatched_items"`
	Summary        string     `json:"summary" db:"summary"`
	Log            string     `json:"log" db:"log"`
	StartedAt      *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty" db:"finished_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// ──────────────────── MediaItem ────────────────────

type MediaItem struct {
	ID                   uuid.UUID       `json:"id" db:"id"`
	LibraryID            uuid.UUID       `json:"library_id" db:"library_id"`
	ParentID             *uuid.UUID      `json:"parent_id,omitempty" db:"parent_id"`
	ItemType             ItemType        `json:"item_type" db:"item_type"`
	Status               ItemStatus      `json:"status" db:"status"`
	Title                string          `json:"title" db:"title"`
	SortTitle            string          `json:"sort_title" db:"sort_title"`
	NormalizedTitle      string          `json:"normalized_title" db:"normalized_title"`
	ReleaseYear          *int            `json:"release_year,omitempty" db:"release_year"`
	SeasonNumber         *int            `json:"season_number,omitempty" db:"season_number"`
	EpisodeNumber        *int            `json:"episode_number,omitempty" db:"episode_number"`
	RuntimeMinutes       *int            `json:"runtime_minutes,omitempty" db:"runtime_minutes"`
	Synopsis             *string         `json:"synopsis,omitempty" db:"synopsis"`
	Tagline              *string         `json:"tagline,omitempty" db:"tagline"`
	Genres               pq.StringArray  `json:"genres,omitempty" db:"genres"`
	CastMembers          pq.StringArray  `json:"cast,omitempty" db:"cast_members"`
	CrewMembers          pq.StringArray  `json:"crew,omitempty" db:"crew_members"`
	TMDBID               *string         `json:"tmdb_id,omitempty" db:"tmdb_id"`
	IMDBID               *string         `json:"imdb_id,omitempty" db:"imdb_id"`
	PosterURL            *string         `json:"poster_url,omitempty" db:"poster_url"`
	BackdropURL          *string         `json:"backdrop_url,omitempty" db:"backdrop_url"`
	MetadataSource       *string         `json:"metadata_source,omitempty" db:"metadata_source"`
	MetadataLastSyncedAt *time.Time      `json:"metadata_last_synced_at,omitempty" db:"metadata_last_synced_at"`
	RawFacts             json.RawMessage `json:"raw_facts,omitempty" db:"raw_facts"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at" db:"updated_at"`
}

// NeedsEnrichment reports whether the item has never had a successful
// metadata sync or still lacks a poster.
func (m *MediaItem) NeedsEnrichment() bool {
	if m.MetadataLastSyncedAt == nil {
		return true
	}
	return m.PosterURL == nil || *m.PosterURL == ""
}

// ──────────────────── MediaFile ────────────────────

type MediaFile struct {
	ID                uuid.UUID       `json:"id" db:"id"`
	LibraryID         uuid.UUID       `json:"library_id" db:"library_id"`
	MediaItemID       *uuid.UUID      `json:"media_item_id,omitempty" db:"media_item_id"`
	LocationID        *uuid.UUID      `json:"location_id,omitempty" db:"location_id"`
	AbsolutePath      string          `json:"absolute_path" db:"absolute_path"`
	RelativePath      string          `json:"relative_path" db:"relative_path"`
	FileName          string          `json:"file_name" db:"file_name"`
	SizeBytes         int64           `json:"size_bytes" db:"size_bytes"`
	Container         *string         `json:"container,omitempty" db:"container"`
	VideoCodec        *string         `json:"video_codec,omitempty" db:"video_codec"`
	AudioCodec        *string         `json:"audio_codec,omitempty" db:"audio_codec"`
	Width             *int            `json:"width,omitempty" db:"width"`
	Height            *int            `json:"height,omitempty" db:"height"`
	FrameRate         *float64        `json:"frame_rate,omitempty" db:"frame_rate"`
	BitRate           *int64          `json:"bit_rate,omitempty" db:"bit_rate"`
	DurationMS        *int64          `json:"duration_ms,omitempty" db:"duration_ms"`
	AudioChannels     *int            `json:"audio_channels,omitempty" db:"audio_channels"`
	HasSubtitles      bool            `json:"has_subtitles" db:"has_subtitles"`
	SubtitleLanguages pq.StringArray  `json:"subtitle_languages,omitempty" db:"subtitle_languages"`
	Checksum          *string         `json:"checksum,omitempty" db:"checksum"`
	Fingerprint       *string         `json:"fingerprint,omitempty" db:"fingerprint"`
	ProbeData         json.RawMessage `json:"probe_data,omitempty" db:"probe_data"`
	LastModified      *time.Time      `json:"last_modified,omitempty" db:"last_modified"`
	LastSeenAt        *time.Time      `json:"last_seen_at,omitempty" db:"last_seen_at"`
	MissingSince      *time.Time      `json:"missing_since,omitempty" db:"missing_since"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// ──────────────────── ArtworkAsset ────────────────────

type ArtworkAsset struct {
	ID          uuid.UUID `json:"id" db:"id"`
	MediaItemID uuid.UUID `json:"media_item_id" db:"media_item_id"`
	AssetType   AssetType `json:"asset_type" db:"asset_type"`
	Language    string    `json:"language" db:"language"`
	Source      string    `json:"source" db:"source"`
	URL         string    `json:"url" db:"url"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// ──────────────────── Helpers ────────────────────

// NormalizeTitle reduces a title to its dedup key: lowercase with only
// letters, digits and spaces retained.
func NormalizeTitle(title string) string {
	lowered := strings.ToLower(title)
	normalized := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			return r
		}
		return -1
	}, lowered)
	return strings.TrimSpace(normalized)
}
