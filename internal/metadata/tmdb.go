package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/EmeraldPi/Dispatcharr/internal/models"
)

const tmdbImageBase = "https://image.tmdb.org/t/p/original"

type TMDBProvider struct {
	apiKey string
	client *http.Client
}

func NewTMDBProvider(apiKey string) *TMDBProvider {
	return &TMDBProvider{
		apiKey: apiKey,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *TMDBProvider) Name() string { return "tmdb" }

// Lookup searches TMDB for the title and fetches details plus credits for
// the best match. A year-restricted search that comes back empty is retried
// without the year.
func (p *TMDBProvider) Lookup(ctx context.Context, kind models.ItemType, title string, year *int) (*Result, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("TMDB API key not configured")
	}

	var searchType string
	switch kind {
	case models.ItemTypeMovie:
		searchType = "movie"
	case models.ItemTypeShow:
		searchType = "tv"
	default:
		return nil, ErrNoMatch
	}

	id, err := p.search(ctx, searchType, title, year)
	if err != nil {
		return nil, err
	}
	if id == 0 && year != nil && *year > 0 {
		id, err = p.search(ctx, searchType, title, nil)
		if err != nil {
			return nil, err
		}
	}
	if id == 0 {
		return nil, ErrNoMatch
	}

	return p.fetch(ctx, searchType, id)
}

func (p *TMDBProvider) search(ctx context.Context, searchType, title string, year *int) (int, error) {
	reqURL := fmt.Sprintf("https://api.themoviedb.org/3/search/%s?api_key=%s&query=%s",
		searchType, p.apiKey, url.QueryEscape(title))
	if year != nil && *year > 0 {
		if searchType == "tv" {
			reqURL += fmt.Sprintf("&first_air_date_year=%d", *year)
		} else {
			reqURL += fmt.Sprintf("&year=%d", *year)
		}
	}

	var result struct {
		Results []struct {
			ID int `json:"id"`
		} `json:"results"`
	}
	if err := p.getJSON(ctx, reqURL, &result); err != nil {
		return 0, err
	}
	if len(result.Results) == 0 {
		return 0, nil
	}
	return result.Results[0].ID, nil
}

func (p *TMDBProvider) fetch(ctx context.Context, searchType string, id int) (*Result, error) {
	var details struct {
		Title          string `json:"title"`
		Name           string `json:"name"`
		Overview       string `json:"overview"`
		Tagline        string `json:"tagline"`
		PosterPath     string `json:"poster_path"`
		BackdropPath   string `json:"backdrop_path"`
		ReleaseDate    string `json:"release_date"`
		FirstAirDate   string `json:"first_air_date"`
		IMDBID         string `json:"imdb_id"`
		Runtime        int    `json:"runtime"`
		EpisodeRunTime []int  `json:"episode_run_time"`
		Genres         []struct {
			Name string `json:"name"`
		} `json:"genres"`
	}
	detailsURL := fmt.Sprintf("https://api.themoviedb.org/3/%s/%d?api_key=%s", searchType, id, p.apiKey)
	if err := p.getJSON(ctx, detailsURL, &details); err != nil {
		return nil, err
	}

	var credits struct {
		Cast []struct {
			Name string `json:"name"`
		} `json:"cast"`
		Crew []struct {
			Name string `json:"name"`
			Job  string `json:"job"`
		} `json:"crew"`
	}
	creditsURL := fmt.Sprintf("https://api.themoviedb.org/3/%s/%d/credits?api_key=%s", searchType, id, p.apiKey)
	if err := p.getJSON(ctx, creditsURL, &credits); err != nil {
		return nil, err
	}

	result := &Result{
		Source:     "tmdb",
		ExternalID: fmt.Sprintf("%d", id),
		IMDBID:     details.IMDBID,
		Title:      details.Title,
		Synopsis:   details.Overview,
		Tagline:    details.Tagline,
	}
	if result.Title == "" {
		result.Title = details.Name
	}

	dateStr := details.ReleaseDate
	if dateStr == "" {
		dateStr = details.FirstAirDate
	}
	if len(dateStr) >= 4 {
		y := 0
		if _, err := fmt.Sscanf(dateStr[:4], "%d", &y); err == nil && y > 0 {
			result.ReleaseYear = &y
		}
	}

	if searchType == "movie" {
		if details.Runtime > 0 {
			runtime := details.Runtime
			result.RuntimeMinutes = &runtime
		}
	} else if len(details.EpisodeRunTime) > 0 && details.EpisodeRunTime[0] > 0 {
		runtime := details.EpisodeRunTime[0]
		result.RuntimeMinutes = &runtime
	}

	for _, g := range details.Genres {
		if g.Name != "" {
			result.Genres = append(result.Genres, g.Name)
		}
	}
	for i, c := range credits.Cast {
		if i >= 10 {
			break
		}
		if c.Name != "" {
			result.Cast = append(result.Cast, c.Name)
		}
	}
	for i, c := range credits.Crew {
		if i >= 15 {
			break
		}
		if c.Name != "" && c.Job != "" {
			result.Crew = append(result.Crew, fmt.Sprintf("%s (%s)", c.Name, c.Job))
		}
	}

	if details.PosterPath != "" {
		result.PosterURL = tmdbImageBase + details.PosterPath
	}
	if details.BackdropPath != "" {
		result.BackdropURL = tmdbImageBase + details.BackdropPath
	}
	return result, nil
}

func (p *TMDBProvider) getJSON(ctx context.Context, reqURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("TMDB returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
