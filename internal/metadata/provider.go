package metadata

import (
	"context"
	"errors"

	"github.com/EmeraldPi/Dispatcharr/internal/models"
)

// ErrNoMatch means the provider found nothing for the title. Callers treat
// it as a clean miss, not a failure.
var ErrNoMatch = errors.New("no metadata match")

// Result is one provider answer, already mapped to catalog vocabulary.
type Result struct {
	Source         string   `json:"source"`
	ExternalID     string   `json:"external_id"`
	IMDBID         string   `json:"imdb_id,omitempty"`
	Title          string   `json:"title"`
	Synopsis       string   `json:"synopsis,omitempty"`
	Tagline        string   `json:"tagline,omitempty"`
	ReleaseYear    *int     `json:"release_year,omitempty"`
	RuntimeMinutes *int     `json:"runtime_minutes,omitempty"`
	Genres         []string `json:"genres,omitempty"`
	Cast           []string `json:"cast,omitempty"`
	Crew           []string `json:"crew,omitempty"`
	PosterURL      string   `json:"poster_url,omitempty"`
	BackdropURL    string   `json:"backdrop_url,omitempty"`
}

// Provider looks up descriptive metadata for a catalog item. Only movie and
// show lookups are meaningful; other kinds return ErrNoMatch.
type Provider interface {
	Name() string
	Lookup(ctx context.Context, kind models.ItemType, title string, year *int) (*Result, error)
}
