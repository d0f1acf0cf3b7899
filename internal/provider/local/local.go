// Package local implements the provider capability over a directory of
// audio files, covering manually uploaded tracks that no external
// source serves. Matching is filename-based; embedded tags are read
// later by the normalizer.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/GrandMoff100/Songolo/internal/music"
	"github.com/GrandMoff100/Songolo/pkg/utils"
)

// Provider serves candidates from a local directory.
type Provider struct {
	root string
}

// New creates a local provider rooted at dir.
func New(dir string) *Provider {
	return &Provider{root: dir}
}

func (p *Provider) Name() string { return "local" }

// Search walks the root directory and returns audio files whose names
// contain every folded query token.
func (p *Provider) Search(ctx context.Context, query music.TrackQuery) ([]music.Candidate, error) {
	if p.root == "" {
		return nil, nil
	}

	if name, id, ok := strings.Cut(query.ExternalID, ":"); ok {
		if name != "local" {
			return nil, nil
		}
		return p.lookup(id)
	}

	files, err := utils.FindAudioFiles(p.root)
	if err != nil {
		return nil, fmt.Errorf("failed to scan local source: %w", err)
	}

	tokens := strings.Fields(music.Fold(query.Title + " " + query.Artist))
	if len(tokens) == 0 {
		return nil, nil
	}

	var results []music.Candidate
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := music.Fold(strings.TrimSuffix(filepath.Base(file), filepath.Ext(file)))
		if !containsAll(name, tokens) {
			continue
		}
		results = append(results, p.candidate(file, query))
	}
	return results, nil
}

// Download reads the candidate file from disk.
func (p *Provider) Download(ctx context.Context, candidate music.Candidate) (music.RawBlob, error) {
	path := filepath.Join(p.root, filepath.FromSlash(candidate.ExternalID))
	data, err := os.ReadFile(path)
	if err != nil {
		// A vanished local file will not come back on retry.
		return music.RawBlob{}, &music.FetchError{Err: fmt.Errorf("failed to read %s: %w", path, err)}
	}
	return music.RawBlob{Data: data, Format: formatOf(path)}, nil
}

func (p *Provider) lookup(rel string) ([]music.Candidate, error) {
	path := filepath.Join(p.root, filepath.FromSlash(rel))
	if _, err := os.Stat(path); err != nil {
		return nil, nil
	}
	return []music.Candidate{p.candidate(path, music.TrackQuery{})}, nil
}

func (p *Provider) candidate(path string, query music.TrackQuery) music.Candidate {
	rel, err := filepath.Rel(p.root, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	title := query.Title
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return music.Candidate{
		Provider:   "local",
		ExternalID: filepath.ToSlash(rel),
		Title:      title,
		Artist:     query.Artist,
		// Local files rank below remote matches unless nothing else
		// turns up; embedded tags win during normalization anyway.
		Confidence: 0.5,
	}
}

func containsAll(name string, tokens []string) bool {
	for _, tok := range tokens {
		if !strings.Contains(name, tok) {
			return false
		}
	}
	return true
}

func formatOf(path string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
}
