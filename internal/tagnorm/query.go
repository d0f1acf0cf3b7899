package tagnorm

import (
	"regexp"
	"strings"

	"github.com/GrandMoff100/Songolo/internal/music"
)

// Noise suffixes that show up in user-pasted titles
var titleCleanupPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\s*[\(\[]official\s+(music\s+)?video[\)\]]`),
	regexp.MustCompile(`(?i)\s*[\(\[]official\s+audio[\)\]]`),
	regexp.MustCompile(`(?i)\s*[\(\[]official\s+lyric\s+video[\)\]]`),
	regexp.MustCompile(`(?i)\s*[\(\[]official\s+visualizer[\)\]]`),
	regexp.MustCompile(`(?i)\s*[\(\[]lyrics?[\)\]]`),
	regexp.MustCompile(`(?i)\s*[\(\[]visual(?:izer)?[\)\]]`),
	regexp.MustCompile(`(?i)\s*[\(\[]audio[\)\]]`),
	regexp.MustCompile(`(?i)\s*[\(\[]hd[\)\]]`),
	regexp.MustCompile(`(?i)\s*[\(\[]hq[\)\]]`),
	regexp.MustCompile(`(?i)\s*[\(\[]4k[\)\]]`),
	regexp.MustCompile(`(?i)\s*[\(\[]explicit[\)\]]`),
	regexp.MustCompile(`(?i)\s*[\(\[]clean[\)\]]`),
}

// Featuring credits move out of the title for cleaner provider searches
var featuringPattern = regexp.MustCompile(`(?i)\s*[\(\[]\s*(?:feat\.?|ft\.?|featuring)\s+([^\)\]]+)[\)\]]`)

// Pattern for "Artist - Title" input
var artistTitleSeparator = regexp.MustCompile(`^(.+?)\s*[-–—]\s*(.+)$`)

// CleanQuery turns raw user input into a search-ready TrackQuery:
// noise suffixes and featuring credits are stripped from the title, and
// an "Artist - Title" string is split when no artist was given.
func CleanQuery(title, artist string) music.TrackQuery {
	title = strings.TrimSpace(title)
	artist = strings.TrimSpace(artist)

	if title == "" {
		return music.TrackQuery{Title: title, Artist: artist}
	}

	for _, p := range titleCleanupPatterns {
		title = p.ReplaceAllString(title, "")
	}
	title = featuringPattern.ReplaceAllString(title, "")

	if artist == "" {
		if m := artistTitleSeparator.FindStringSubmatch(title); m != nil {
			artist = strings.TrimSpace(m[1])
			title = strings.TrimSpace(m[2])
		}
	}

	return music.TrackQuery{
		Title:  strings.TrimSpace(title),
		Artist: strings.TrimSpace(artist),
	}
}
