// Package ingest drives the full pipeline for one track: resolve the
// query to candidates, fetch audio, normalize tags, decide against the
// existing library, and hand the file to the commit coordinator under a
// fingerprint lease. Ingest never returns an error; every failure mode
// collapses into a rejected result with a readable reason.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/GrandMoff100/Songolo/internal/commit"
	"github.com/GrandMoff100/Songolo/internal/fetcher"
	"github.com/GrandMoff100/Songolo/internal/library"
	"github.com/GrandMoff100/Songolo/internal/logger"
	"github.com/GrandMoff100/Songolo/internal/music"
	"github.com/GrandMoff100/Songolo/internal/resolver"
)

// maxCandidateAttempts caps how many ranked candidates one ingestion
// will try before giving up.
const maxCandidateAttempts = 3

const leaseWaitDelay = 200 * time.Millisecond

// Options tune a single Ingest call.
type Options struct {
	// Overwrite replaces an existing track whose audio content differs.
	// Without it a differing fingerprint match is reported as duplicate.
	Overwrite bool
	// WaitForLease blocks until a concurrent ingestion of the same
	// track finishes instead of rejecting immediately.
	WaitForLease bool
	// Timeout bounds the whole ingestion. Zero means no extra deadline.
	Timeout time.Duration
}

// The pipeline stages the service composes, as the slices of their
// APIs it actually calls. *resolver.Resolver, *fetcher.Fetcher,
// *tagnorm.Normalizer and *commit.Coordinator satisfy them.
type (
	candidateResolver interface {
		Resolve(ctx context.Context, query music.TrackQuery) ([]music.Candidate, error)
		Provider(name string) resolver.Provider
	}
	blobFetcher interface {
		Fetch(ctx context.Context, source fetcher.Source, candidate music.Candidate) (music.RawBlob, error)
	}
	tagNormalizer interface {
		Normalize(ctx context.Context, blob music.RawBlob, candidate music.Candidate) (music.Tags, music.RawBlob, error)
	}
	finalizer interface {
		Finalize(ctx context.Context, req commit.Request) (string, error)
		Revert(ctx context.Context, commitID string, details commit.Details) (string, error)
	}
)

// Service wires the pipeline stages together.
type Service struct {
	resolver    candidateResolver
	fetcher     blobFetcher
	normalizer  tagNormalizer
	store       *library.Store
	coordinator finalizer
	logger      *logger.Logger
	slots       chan struct{}
}

// New creates the ingestion service. parallel bounds how many Ingest
// calls run concurrently; values below 1 are treated as 1.
func New(
	res candidateResolver,
	f blobFetcher,
	norm tagNormalizer,
	store *library.Store,
	coord finalizer,
	parallel int,
	log *logger.Logger,
) *Service {
	if parallel < 1 {
		parallel = 1
	}
	return &Service{
		resolver:    res,
		fetcher:     f,
		normalizer:  norm,
		store:       store,
		coordinator: coord,
		logger:      log,
		slots:       make(chan struct{}, parallel),
	}
}

// Ingest runs the pipeline for one query and reports the outcome.
func (s *Service) Ingest(ctx context.Context, query music.TrackQuery, opts Options) music.IngestResult {
	select {
	case s.slots <- struct{}{}:
		defer func() { <-s.slots }()
	case <-ctx.Done():
		return music.Rejected(music.RejectionReason(ctx.Err()))
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	candidates, err := s.resolver.Resolve(ctx, query)
	if err != nil {
		s.logger.Debug("resolution failed for %+v: %v", query, err)
		return music.Rejected(music.RejectionReason(err))
	}

	if len(candidates) > maxCandidateAttempts {
		candidates = candidates[:maxCandidateAttempts]
	}

	var lastErr error
	for _, candidate := range candidates {
		if ctx.Err() != nil {
			return music.Rejected(music.RejectionReason(ctx.Err()))
		}

		result, err := s.ingestCandidate(ctx, candidate, opts)
		if err == nil {
			return result
		}
		lastErr = err

		// A dead context or a failed commit will not improve with the
		// next candidate; everything else might.
		if ctx.Err() != nil || errors.Is(err, music.ErrCommitFailed) ||
			errors.Is(err, music.ErrAlreadyReserved) {
			break
		}
		s.logger.Debug("candidate %s:%s failed, trying next: %v",
			candidate.Provider, candidate.ExternalID, err)
	}

	if lastErr == nil {
		lastErr = music.ErrNoCandidates
	}
	return music.Rejected(music.RejectionReason(lastErr))
}

// ingestCandidate runs fetch through commit for one candidate. A nil
// error means the returned result is final (accepted or duplicate).
func (s *Service) ingestCandidate(ctx context.Context, candidate music.Candidate, opts Options) (music.IngestResult, error) {
	source := s.resolver.Provider(candidate.Provider)
	if source == nil {
		return music.IngestResult{}, fmt.Errorf("no provider registered for %q", candidate.Provider)
	}

	blob, err := s.fetcher.Fetch(ctx, source, candidate)
	if err != nil {
		return music.IngestResult{}, err
	}

	tags, normalized, err := s.normalizer.Normalize(ctx, blob, candidate)
	if err != nil {
		return music.IngestResult{}, err
	}

	fingerprint := music.FingerprintTags(tags)
	checksum := music.Checksum(normalized)

	existing, err := s.store.Lookup(ctx, fingerprint)
	if err != nil {
		return music.IngestResult{}, err
	}
	switch decide(existing, checksum, opts.Overwrite) {
	case decideDuplicate:
		s.logger.Debug("%s - %s already in library as %s", tags.Artist, tags.Title, fingerprint)
		return music.Duplicate(existing), nil
	case decideOverwrite:
		s.logger.Info("overwriting %s - %s (content changed)", tags.Artist, tags.Title)
	}

	token, err := s.reserve(ctx, fingerprint, opts.WaitForLease)
	if err != nil {
		return music.IngestResult{}, err
	}
	defer s.store.Release(token)

	// The library may have gained this fingerprint while we waited for
	// the lease; re-check under it.
	existing, err = s.store.Lookup(ctx, fingerprint)
	if err != nil {
		return music.IngestResult{}, err
	}
	entryKind := "import"
	switch decide(existing, checksum, opts.Overwrite) {
	case decideDuplicate:
		return music.Duplicate(existing), nil
	case decideOverwrite:
		entryKind = "overwrite"
	}

	relPath := library.TrackPath(tags, normalized.Format)
	if _, err := s.store.Write(token, relPath, normalized); err != nil {
		return music.IngestResult{}, err
	}

	// When an overwrite changes the file's format the old path is
	// deleted in the same commit.
	var removePaths []string
	if entryKind == "overwrite" && existing.Path != relPath {
		removePaths = append(removePaths, existing.Path)
	}

	commitID, err := s.coordinator.Finalize(ctx, commit.Request{
		Entry:       entryKind,
		Paths:       []string{relPath},
		RemovePaths: removePaths,
		Details: commit.Details{
			Title:       tags.Title,
			Artist:      tags.Artist,
			Album:       tags.Album,
			Fingerprint: fingerprint,
			Provider:    tags.Provenance.Provider,
			ExternalID:  tags.Provenance.ExternalID,
			Checksum:    checksum,
		},
	})
	if err != nil {
		return music.IngestResult{}, err
	}

	entry, err := s.store.Commit(ctx, token, commitID, tags, checksum)
	if err != nil {
		// The repository commit landed but the index row did not.
		// Release restores the file to its committed state, and the next
		// ingest of this track lands on the existing HEAD commit and
		// repairs the row.
		s.logger.Error("index update failed after commit %s: %v", commitID, err)
		return music.IngestResult{}, err
	}

	s.logger.Info("imported %s - %s (%s)", tags.Artist, tags.Title, commitID[:min(8, len(commitID))])
	return music.Accepted(entry), nil
}

// reserve takes the fingerprint lease, optionally waiting out a
// concurrent holder.
func (s *Service) reserve(ctx context.Context, fingerprint string, wait bool) (string, error) {
	for {
		token, err := s.store.Reserve(fingerprint)
		if err == nil {
			return token, nil
		}
		if !wait || !errors.Is(err, music.ErrAlreadyReserved) {
			return "", err
		}

		select {
		case <-time.After(leaseWaitDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

var fingerprintPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Query finds a library entry by fingerprint or by free-text search
// over title and artist. Returns music.ErrNotFound when nothing
// matches.
func (s *Service) Query(ctx context.Context, ref string) (*music.LibraryEntry, error) {
	if fingerprintPattern.MatchString(ref) {
		entry, err := s.store.Lookup(ctx, ref)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			return nil, fmt.Errorf("fingerprint %s: %w", ref, music.ErrNotFound)
		}
		return entry, nil
	}

	entries, err := s.store.Search(ctx, ref)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no entry matching %q: %w", ref, music.ErrNotFound)
	}
	return entries[0], nil
}

// List returns every entry in the library.
func (s *Service) List(ctx context.Context) ([]*music.LibraryEntry, error) {
	return s.store.List(ctx)
}

// Remove reverts the commit that introduced the entry matching ref and
// drops it from the index.
func (s *Service) Remove(ctx context.Context, ref string) (*music.LibraryEntry, error) {
	entry, err := s.Query(ctx, ref)
	if err != nil {
		return nil, err
	}

	if _, err := s.coordinator.Revert(ctx, entry.CommitID, commit.Details{
		Title:       entry.Tags.Title,
		Artist:      entry.Tags.Artist,
		Fingerprint: entry.Fingerprint,
	}); err != nil {
		return nil, err
	}

	if err := s.store.Delete(ctx, entry.Fingerprint); err != nil {
		return nil, err
	}
	return entry, nil
}
