// Package resolver turns a track query into a ranked list of candidates
// by asking every configured provider.
//
// The Provider interface is defined here, where it is consumed; the
// implementations live under internal/provider.
package resolver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/GrandMoff100/Songolo/internal/logger"
	"github.com/GrandMoff100/Songolo/internal/music"
)

// Provider is one external media source: it can search for candidates
// and download a chosen candidate's raw audio.
type Provider interface {
	Name() string
	Search(ctx context.Context, query music.TrackQuery) ([]music.Candidate, error)
	Download(ctx context.Context, candidate music.Candidate) (music.RawBlob, error)
}

// Resolver queries every configured provider and ranks the combined
// results. Providers are independent: one failing or returning nothing
// never fails the whole resolution. Nothing is cached between calls.
type Resolver struct {
	providers []Provider
	logger    *logger.Logger
}

// New creates a Resolver over the given providers.
func New(providers []Provider, log *logger.Logger) *Resolver {
	return &Resolver{providers: providers, logger: log}
}

// Provider returns the configured provider with the given name, or nil.
func (r *Resolver) Provider(name string) Provider {
	for _, p := range r.providers {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// Resolve returns candidates from all providers ordered by confidence.
// Returns music.ErrNoCandidates when every provider failed or came back
// empty.
func (r *Resolver) Resolve(ctx context.Context, query music.TrackQuery) ([]music.Candidate, error) {
	if query.IsZero() {
		return nil, fmt.Errorf("empty query: %w", music.ErrNoCandidates)
	}

	// A provider-scoped external ID pins resolution to that provider.
	if query.ExternalID != "" {
		if name, _, ok := strings.Cut(query.ExternalID, ":"); ok {
			if p := r.Provider(name); p != nil {
				return r.search(ctx, []Provider{p}, query)
			}
			return nil, fmt.Errorf("unknown provider %q in external ID: %w", name, music.ErrNoCandidates)
		}
	}

	return r.search(ctx, r.providers, query)
}

func (r *Resolver) search(ctx context.Context, providers []Provider, query music.TrackQuery) ([]music.Candidate, error) {
	var candidates []music.Candidate
	for _, p := range providers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		results, err := p.Search(ctx, query)
		if err != nil {
			r.logger.Debug("provider %s failed: %v", p.Name(), err)
			continue
		}
		r.logger.Debug("provider %s returned %d candidates", p.Name(), len(results))
		candidates = append(candidates, results...)
	}

	if len(candidates) == 0 {
		return nil, music.ErrNoCandidates
	}

	for i := range candidates {
		candidates[i].Confidence = rank(query, candidates[i])
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})
	return candidates, nil
}

// rank adjusts a candidate's provider-reported relevance with an exact
// title/artist match boost and a duration plausibility check, clamped
// to 0..1.
func rank(query music.TrackQuery, c music.Candidate) float64 {
	score := c.Confidence
	if score <= 0 {
		score = similarityScore(query, c)
	}

	if music.Fold(query.Title) != "" && music.Fold(query.Title) == music.Fold(c.Title) {
		score += 0.15
	}
	if music.Fold(query.Artist) != "" && music.Fold(query.Artist) == music.Fold(c.Artist) {
		score += 0.10
	}

	// Tracks shorter than 30s (previews of previews, jingles) or longer
	// than 20m (full sets, mixes) are implausible matches for a song.
	switch {
	case c.Duration == 0:
		score -= 0.05
	case c.Duration < 30*time.Second || c.Duration > 20*time.Minute:
		score -= 0.25
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// similarityScore estimates relevance for providers that report none,
// weighting title 60% and artist 40%.
func similarityScore(query music.TrackQuery, c music.Candidate) float64 {
	titleScore := similarity(music.Fold(query.Title), music.Fold(c.Title))
	if query.Artist == "" {
		return titleScore
	}
	artistScore := similarity(music.Fold(query.Artist), music.Fold(c.Artist))
	return titleScore*0.6 + artistScore*0.4
}

// similarity returns how similar two folded strings are (0.0-1.0) using
// compact equality and token overlap, handling cases like "theweeknd"
// vs "the weeknd".
func similarity(a, b string) float64 {
	if a == "" && b == "" {
		return 1.0
	}
	if a == "" || b == "" {
		return 0.0
	}

	if strings.ReplaceAll(a, " ", "") == strings.ReplaceAll(b, " ", "") {
		return 1.0
	}

	tokensA := strings.Fields(a)
	tokensB := strings.Fields(b)
	if len(tokensA) == 0 || len(tokensB) == 0 {
		return 0.0
	}

	setB := make(map[string]bool, len(tokensB))
	for _, tok := range tokensB {
		setB[tok] = true
	}

	matches := 0
	for _, tok := range tokensA {
		if setB[tok] {
			matches++
		}
	}

	maxLen := len(tokensA)
	if len(tokensB) > maxLen {
		maxLen = len(tokensB)
	}
	return float64(matches) / float64(maxLen)
}
