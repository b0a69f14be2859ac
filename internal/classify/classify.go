package classify

import (
	"path/filepath"
	"strings"

	"github.com/EmeraldPi/Dispatcharr/internal/models"
)

// RawFacts carries everything the guesser reported, kept alongside the
// derived fields for later reprocessing.
type RawFacts struct {
	Type         string            `json:"type,omitempty"`
	Title        string            `json:"title,omitempty"`
	SeriesTitle  string            `json:"series_title,omitempty"`
	EpisodeTitle string            `json:"episode_title,omitempty"`
	Year         *int              `json:"year,omitempty"`
	Season       *int              `json:"season,omitempty"`
	Episode      *int              `json:"episode,omitempty"`
	Error        string            `json:"error,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// Classification is the structured guess for one filename.
type Classification struct {
	DetectedType models.ItemType
	Title        string
	Year         *int
	Season       *int
	Episode      *int
	EpisodeTitle string
	Facts        RawFacts
}

// Classifier turns filenames into classifications. It never fails: parser
// errors and unknown raw types degrade to an "other" classification with the
// filename stem as title.
type Classifier struct {
	guesser Guesser
}

func NewClassifier(guesser Guesser) *Classifier {
	if guesser == nil {
		guesser = NewDefaultGuesser()
	}
	return &Classifier{guesser: guesser}
}

func (c *Classifier) Classify(fileName string) Classification {
	stem := strings.TrimSuffix(filepath.Base(fileName), filepath.Ext(fileName))

	guess, err := c.guesser.Guess(fileName)
	if err != nil || guess == nil {
		facts := RawFacts{}
		if err != nil {
			facts.Error = err.Error()
		}
		return Classification{
			DetectedType: models.ItemTypeOther,
			Title:        stem,
			Facts:        facts,
		}
	}

	title := guess.Title
	if title == "" {
		title = stem
	}

	classification := Classification{
		DetectedType: MapRawType(guess.Type),
		Title:        title,
		Year:         guess.Year,
		Season:       guess.Season,
		Episode:      guess.Episode,
		EpisodeTitle: guess.EpisodeTitle,
		Facts: RawFacts{
			Type:         guess.Type,
			Title:        guess.Title,
			EpisodeTitle: guess.EpisodeTitle,
			Year:         guess.Year,
			Season:       guess.Season,
			Episode:      guess.Episode,
			Extra:        guess.Extra,
		},
	}

	if classification.DetectedType == models.ItemTypeEpisode {
		series := guess.SeriesTitle
		if series == "" {
			series = title
		}
		classification.Facts.SeriesTitle = series
	}

	return classification
}

// MapRawType translates the guesser vocabulary onto catalog item types.
// Anything unrecognized is "other".
func MapRawType(raw string) models.ItemType {
	switch strings.ToLower(raw) {
	case "movie":
		return models.ItemTypeMovie
	case "episode":
		return models.ItemTypeEpisode
	case "show", "series", "tv":
		return models.ItemTypeShow
	case "season":
		return models.ItemTypeSeason
	default:
		return models.ItemTypeOther
	}
}
