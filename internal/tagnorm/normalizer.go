// Package tagnorm produces the canonical tag set for a fetched audio
// blob. It merges metadata embedded in the audio container with the
// provider-reported candidate data, preferring embedded fields when
// they are present and well-formed, and writes the canonical set back
// into the container so the stored file is self-describing.
package tagnorm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.senan.xyz/taglib"

	"github.com/GrandMoff100/Songolo/internal/logger"
	"github.com/GrandMoff100/Songolo/internal/music"
	"github.com/GrandMoff100/Songolo/pkg/utils"
)

// LyricsSource optionally enriches normalized tags with lyrics.
type LyricsSource interface {
	Fetch(ctx context.Context, artist, title, album string) (string, error)
}

// Normalizer merges and rewrites tags. Tag access goes through taglib,
// which works on files, so each blob passes through a temp file that is
// removed before Normalize returns.
type Normalizer struct {
	lyrics LyricsSource // nil disables lyrics enrichment
	logger *logger.Logger
}

// New creates a Normalizer. lyrics may be nil.
func New(lyrics LyricsSource, log *logger.Logger) *Normalizer {
	return &Normalizer{lyrics: lyrics, logger: log}
}

// Normalize merges embedded and provider metadata into canonical Tags,
// writes them into the audio container and returns the new blob. The
// input blob is not retained. Returns music.ErrIncompleteMetadata when
// title, artist or duration cannot be determined from either source,
// and music.ErrUnsupportedFormat when the container cannot be parsed.
func (n *Normalizer) Normalize(ctx context.Context, blob music.RawBlob, candidate music.Candidate) (music.Tags, music.RawBlob, error) {
	if len(blob.Data) == 0 {
		return music.Tags{}, music.RawBlob{}, fmt.Errorf("empty audio blob for %s:%s", candidate.Provider, candidate.ExternalID)
	}

	dir, err := utils.CreateTempDir()
	if err != nil {
		return music.Tags{}, music.RawBlob{}, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer func() {
		if err := utils.Cleanup(dir); err != nil {
			n.logger.Warn("failed to remove scratch dir %s: %v", dir, err)
		}
	}()

	format := blob.Format
	if format == "" {
		format = "mp3"
	}
	path := filepath.Join(dir, "track."+format)
	if err := os.WriteFile(path, blob.Data, 0600); err != nil {
		return music.Tags{}, music.RawBlob{}, fmt.Errorf("failed to write scratch file: %w", err)
	}

	embedded, err := taglib.ReadTags(path)
	if err != nil {
		return music.Tags{}, music.RawBlob{}, fmt.Errorf("failed to parse %q container: %w", format, music.ErrUnsupportedFormat)
	}

	tags := merge(embedded, candidate)
	if props, err := taglib.ReadProperties(path); err == nil && props.Length > 0 {
		tags.Duration = props.Length
	}
	tags.Provenance = music.Provenance{
		Provider:   candidate.Provider,
		ExternalID: candidate.ExternalID,
		FetchedAt:  time.Now().UTC(),
	}

	if !tags.Complete() {
		return music.Tags{}, music.RawBlob{}, fmt.Errorf("track %s:%s missing title, artist or duration: %w",
			candidate.Provider, candidate.ExternalID, music.ErrIncompleteMetadata)
	}

	if n.lyrics != nil {
		text, err := n.lyrics.Fetch(ctx, tags.Artist, tags.Title, tags.Album)
		if err != nil {
			n.logger.Debug("lyrics lookup failed for %q by %q: %v", tags.Title, tags.Artist, err)
		} else {
			tags.Lyrics = text
		}
	}

	if err := writeTags(path, tags); err != nil {
		return music.Tags{}, music.RawBlob{}, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return music.Tags{}, music.RawBlob{}, fmt.Errorf("failed to read back tagged file: %w", err)
	}
	return tags, music.RawBlob{Data: data, Format: format}, nil
}

// merge builds Tags from embedded values with candidate fallbacks.
func merge(embedded map[string][]string, candidate music.Candidate) music.Tags {
	tags := music.Tags{
		Title:    prefer(firstTag(embedded, taglib.Title), candidate.Title),
		Artist:   prefer(firstTag(embedded, taglib.Artist), candidate.Artist),
		Album:    prefer(firstTag(embedded, taglib.Album), candidate.Album),
		Duration: candidate.Duration,
	}
	if raw := firstTag(embedded, taglib.TrackNumber); raw != "" {
		if num, err := strconv.Atoi(raw); err == nil && num > 0 {
			tags.TrackNumber = num
		}
	}
	return tags
}

// writeTags replaces the file's tag set with the canonical one. The
// provenance rides in the comment field so the stored file remains
// auditable outside the index.
func writeTags(path string, tags music.Tags) error {
	out := map[string][]string{
		taglib.Title:   {tags.Title},
		taglib.Artist:  {tags.Artist},
		taglib.Comment: {tags.Provenance.Provider + ":" + tags.Provenance.ExternalID},
	}
	if tags.Album != "" {
		out[taglib.Album] = []string{tags.Album}
	}
	if tags.TrackNumber > 0 {
		out[taglib.TrackNumber] = []string{strconv.Itoa(tags.TrackNumber)}
	}
	if tags.Lyrics != "" {
		out[taglib.Lyrics] = []string{tags.Lyrics}
	}

	if err := taglib.WriteTags(path, out, taglib.Clear); err != nil {
		return fmt.Errorf("failed to write tags: %w", err)
	}
	return nil
}

func prefer(embedded, fallback string) string {
	if embedded != "" {
		return embedded
	}
	return fallback
}

func firstTag(tags map[string][]string, key string) string {
	if vals, ok := tags[key]; ok && len(vals) > 0 {
		return vals[0]
	}
	return ""
}
