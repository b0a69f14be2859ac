package classify

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// RawGuess is the untranslated output of a filename heuristic. Type uses the
// guesser's own vocabulary; the Classifier maps it onto the catalog types.
type RawGuess struct {
	Type         string
	Title        string
	SeriesTitle  string
	EpisodeTitle string
	Year         *int
	Season       *int
	Episode      *int
	Extra        map[string]string
}

// Guesser is the pluggable filename-parsing capability the Classifier
// composes. Implementations may fail; the Classifier absorbs errors.
type Guesser interface {
	Guess(fileName string) (*RawGuess, error)
}

var tvPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(.+?)[.\s_-]+S(\d{1,2})[\s._-]*E(\d{1,3})`), // Show.S01E02
	regexp.MustCompile(`(?i)(.+?)[.\s_-]+(\d{1,2})x(\d{1,3})`),          // Show.1x02
	regexp.MustCompile(`(?i)^S(\d{1,2})[\s._-]*E(\d{1,3})`),             // S01E02 (bare)
}

var seasonPattern = regexp.MustCompile(`(?i)(.+?)[.\s_-]+Season[\s._-]*(\d{1,2})\s*$`)

var yearPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\((\d{4})\)`),           // Movie Title (2020)
	regexp.MustCompile(`\[(\d{4})\]`),           // Movie Title [2020]
	regexp.MustCompile(`[.\s_-](\d{4})[.\s_-]`), // Movie.Title.2020.1080p
	regexp.MustCompile(`[.\s_-](\d{4})$`),       // Movie.Title.2020
}

var (
	extraPattern      = regexp.MustCompile(`(?i)\b(sample|trailer)\b`)
	resolutionPattern = regexp.MustCompile(`(?i)\b(480p|576p|720p|1080p|2160p|4k)\b`)
	sourcePattern     = regexp.MustCompile(`(?i)\b(bluray|blu-ray|bdrip|brrip|dvdrip|webrip|web-dl|webdl|hdtv|hdrip|remux)\b`)

	bracketYearPattern = regexp.MustCompile(`[\(\[\{]\d{4}[\)\]\}]`)
	bracketJunkPattern = regexp.MustCompile(`\[.*?\]`)
	junkTokenPattern   = regexp.MustCompile(`(?i)\b(1080p|720p|480p|576p|2160p|4k|uhd|bluray|blu-ray|brrip|bdrip|dvdrip|webrip|web-dl|webdl|hdtv|hdrip|x264|x265|h264|h265|hevc|aac|ac3|dts|atmos|remux|proper|repack|extended|unrated|directors cut|dc)\b`)
	trailingSepPattern = regexp.MustCompile(`\s*-\s*$`)
	multiSpacePattern  = regexp.MustCompile(`\s+`)
)

// DefaultGuesser parses release-style filenames with token heuristics.
type DefaultGuesser struct{}

func NewDefaultGuesser() *DefaultGuesser {
	return &DefaultGuesser{}
}

func (g *DefaultGuesser) Guess(fileName string) (*RawGuess, error) {
	ext := filepath.Ext(fileName)
	stem := strings.TrimSuffix(filepath.Base(fileName), ext)

	guess := &RawGuess{Extra: map[string]string{}}
	if ext != "" {
		guess.Extra["container"] = strings.TrimPrefix(strings.ToLower(ext), ".")
	}
	if m := resolutionPattern.FindStringSubmatch(stem); m != nil {
		guess.Extra["resolution"] = strings.ToLower(m[1])
	}
	if m := sourcePattern.FindStringSubmatch(stem); m != nil {
		guess.Extra["source"] = strings.ToLower(m[1])
	}
	if year := extractYear(stem); year != nil {
		guess.Year = year
	}

	if extraPattern.MatchString(stem) {
		guess.Type = "extra"
		guess.Title = cleanTitle(stem)
		return guess, nil
	}

	for i, pattern := range tvPatterns {
		matches := pattern.FindStringSubmatchIndex(stem)
		if matches == nil {
			continue
		}
		guess.Type = "episode"
		if i == 2 {
			// Bare SxxEyy marker, no series prefix.
			season, _ := strconv.Atoi(stem[matches[2]:matches[3]])
			episode, _ := strconv.Atoi(stem[matches[4]:matches[5]])
			guess.Season = &season
			guess.Episode = &episode
			guess.EpisodeTitle = cleanTitle(stem[matches[1]:])
		} else {
			season, _ := strconv.Atoi(stem[matches[4]:matches[5]])
			episode, _ := strconv.Atoi(stem[matches[6]:matches[7]])
			guess.Season = &season
			guess.Episode = &episode
			series := cleanTitle(stem[matches[2]:matches[3]])
			guess.Title = series
			guess.SeriesTitle = series
			guess.EpisodeTitle = cleanTitle(stem[matches[1]:])
		}
		return guess, nil
	}

	if matches := seasonPattern.FindStringSubmatch(stem); matches != nil {
		season, _ := strconv.Atoi(matches[2])
		guess.Type = "season"
		guess.Title = cleanTitle(matches[1])
		guess.Season = &season
		return guess, nil
	}

	title := stem
	if guess.Year != nil {
		if idx := yearIndex(stem); idx > 0 {
			title = stem[:idx]
		}
		guess.Type = "movie"
	}
	guess.Title = cleanTitle(title)
	if guess.Type == "" && guess.Title != "" {
		// Plain named file with no markers reads as a movie.
		guess.Type = "movie"
	}
	return guess, nil
}

func extractYear(stem string) *int {
	for _, pattern := range yearPatterns {
		matches := pattern.FindStringSubmatch(stem)
		if len(matches) >= 2 {
			year, err := strconv.Atoi(matches[1])
			if err == nil && year >= 1900 && year <= 2100 {
				return &year
			}
		}
	}
	return nil
}

func yearIndex(stem string) int {
	for _, pattern := range yearPatterns {
		if loc := pattern.FindStringSubmatchIndex(stem); loc != nil {
			year, err := strconv.Atoi(stem[loc[2]:loc[3]])
			if err == nil && year >= 1900 && year <= 2100 {
				return loc[0]
			}
		}
	}
	return -1
}

// cleanTitle strips release junk from a filename fragment and returns a
// human-readable title.
func cleanTitle(fragment string) string {
	name := strings.ReplaceAll(fragment, ".", " ")
	name = strings.ReplaceAll(name, "_", " ")
	name = bracketYearPattern.ReplaceAllString(name, "")
	name = bracketJunkPattern.ReplaceAllString(name, "")
	name = junkTokenPattern.ReplaceAllString(name, "")
	name = trailingSepPattern.ReplaceAllString(name, "")
	name = multiSpacePattern.ReplaceAllString(name, " ")
	return strings.TrimSpace(name)
}
