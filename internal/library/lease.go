package library

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GrandMoff100/Songolo/internal/music"
	"github.com/GrandMoff100/Songolo/pkg/utils"
)

// DefaultLeaseTTL bounds how long a lease survives without being
// committed or released, so a crashed worker cannot block a
// fingerprint forever.
const DefaultLeaseTTL = 10 * time.Minute

type lease struct {
	token       string
	fingerprint string
	path        string // repository-relative, set by Write
	expiresAt   time.Time
}

// leaseTable tracks in-flight reservations, one per fingerprint.
type leaseTable struct {
	mu       sync.Mutex
	ttl      time.Duration
	byFinger map[string]*lease
	byToken  map[string]*lease
}

func newLeaseTable(ttl time.Duration) *leaseTable {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &leaseTable{
		ttl:      ttl,
		byFinger: make(map[string]*lease),
		byToken:  make(map[string]*lease),
	}
}

// purgeExpired drops leases past their TTL. Callers must hold mu.
// Returns the repository-relative paths of files the expired leases
// had written, so the caller can clean them up.
func (lt *leaseTable) purgeExpired(now time.Time) []string {
	var stale []string
	for fp, l := range lt.byFinger {
		if now.After(l.expiresAt) {
			if l.path != "" {
				stale = append(stale, l.path)
			}
			delete(lt.byFinger, fp)
			delete(lt.byToken, l.token)
		}
	}
	return stale
}

// Reserve takes the exclusive lease for a fingerprint and returns an
// opaque token. A second reservation while the first is live fails
// with ErrAlreadyReserved.
func (s *Store) Reserve(fingerprint string) (string, error) {
	s.leases.mu.Lock()
	defer s.leases.mu.Unlock()

	now := time.Now()
	for _, stale := range s.leases.purgeExpired(now) {
		s.discardWorkingFile(stale)
	}

	if _, held := s.leases.byFinger[fingerprint]; held {
		return "", fmt.Errorf("fingerprint %s: %w", fingerprint, music.ErrAlreadyReserved)
	}

	l := &lease{
		token:       uuid.NewString(),
		fingerprint: fingerprint,
		expiresAt:   now.Add(s.leases.ttl),
	}
	s.leases.byFinger[fingerprint] = l
	s.leases.byToken[l.token] = l
	return l.token, nil
}

// Reserved reports whether a live lease holds the fingerprint.
func (s *Store) Reserved(fingerprint string) bool {
	s.leases.mu.Lock()
	defer s.leases.mu.Unlock()
	s.leases.purgeExpired(time.Now())
	_, held := s.leases.byFinger[fingerprint]
	return held
}

// Write places the blob at relPath inside the repository working tree
// under the given lease. The write is atomic; a crash never leaves a
// truncated audio file behind.
func (s *Store) Write(token, relPath string, blob music.RawBlob) (string, error) {
	s.leases.mu.Lock()
	l, ok := s.leases.byToken[token]
	if ok && time.Now().After(l.expiresAt) {
		ok = false
	}
	if !ok {
		s.leases.mu.Unlock()
		return "", fmt.Errorf("write: no live lease for token %s", token)
	}
	l.path = relPath
	s.leases.mu.Unlock()

	abs := filepath.Join(s.rootDir, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return "", fmt.Errorf("failed to create track directory: %w", err)
	}
	if err := utils.WriteFileAtomic(abs, blob.Data, 0644); err != nil {
		return "", fmt.Errorf("failed to write track file: %w", err)
	}
	return abs, nil
}

// Commit upserts the index row for the lease's fingerprint and frees
// the lease, keeping the written file in place. It must only be called
// after the repository commit succeeded; commitID ties the row to it.
func (s *Store) Commit(ctx context.Context, token, commitID string, tags music.Tags, checksum string) (*music.LibraryEntry, error) {
	s.leases.mu.Lock()
	l, ok := s.leases.byToken[token]
	if !ok {
		s.leases.mu.Unlock()
		return nil, fmt.Errorf("commit: no lease for token %s", token)
	}
	if l.path == "" {
		s.leases.mu.Unlock()
		return nil, fmt.Errorf("commit: lease %s has no written file", token)
	}
	fingerprint, relPath := l.fingerprint, l.path
	s.leases.mu.Unlock()

	now := time.Now().UTC()
	entry := &music.LibraryEntry{
		Fingerprint: fingerprint,
		Path:        relPath,
		CommitID:    commitID,
		Checksum:    checksum,
		Tags:        tags,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := retryOnBusy(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx, `
            INSERT INTO library_entries (
                fingerprint, path, commit_id, checksum, title, artist, album,
                track_number, duration_seconds, provider, external_id,
                fetched_at, created_at, updated_at
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
            ON CONFLICT(fingerprint) DO UPDATE SET
                path = excluded.path,
                commit_id = excluded.commit_id,
                checksum = excluded.checksum,
                title = excluded.title,
                artist = excluded.artist,
                album = excluded.album,
                track_number = excluded.track_number,
                duration_seconds = excluded.duration_seconds,
                provider = excluded.provider,
                external_id = excluded.external_id,
                fetched_at = excluded.fetched_at,
                updated_at = excluded.updated_at`,
			fingerprint, relPath, commitID, checksum,
			tags.Title, tags.Artist, tags.Album, tags.TrackNumber,
			int64(tags.Duration/time.Second),
			tags.Provenance.Provider, tags.Provenance.ExternalID,
			tags.Provenance.FetchedAt.UTC().Format(time.RFC3339Nano),
			now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
		)
		return execErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert %s: %w", fingerprint, err)
	}

	s.leases.mu.Lock()
	delete(s.leases.byFinger, fingerprint)
	delete(s.leases.byToken, token)
	s.leases.mu.Unlock()

	if existing, lookupErr := s.Lookup(ctx, fingerprint); lookupErr == nil && existing != nil {
		entry.CreatedAt = existing.CreatedAt
	}
	return entry, nil
}

// Release frees a lease without committing and returns its written
// file to the pre-lease state: a path the repository tracks is restored
// to its committed content, a fresh one is deleted. Unknown tokens are
// a no-op so callers can defer Release unconditionally.
func (s *Store) Release(token string) {
	s.leases.mu.Lock()
	l, ok := s.leases.byToken[token]
	if ok {
		delete(s.leases.byFinger, l.fingerprint)
		delete(s.leases.byToken, token)
	}
	s.leases.mu.Unlock()

	if ok && l.path != "" {
		s.discardWorkingFile(l.path)
	}
}

// discardWorkingFile undoes an abandoned write. Paths tracked by the
// repository are checked out from the last commit, so an overwrite that
// never reached Finalize cannot destroy the committed file. Restore
// fails for untracked paths; those are plain deleted.
func (s *Store) discardWorkingFile(relPath string) {
	if s.restorer != nil {
		if err := s.restorer.Restore(context.Background(), relPath); err == nil {
			return
		}
	}

	abs := filepath.Join(s.rootDir, filepath.FromSlash(relPath))
	if err := os.Remove(abs); err != nil {
		if !os.IsNotExist(err) && s.logger != nil {
			s.logger.Warn("failed to remove uncommitted file %s: %v", relPath, err)
		}
		return
	}
	// Best effort: drop the artist directory when it became empty.
	_ = removeIfEmpty(filepath.Dir(abs), s.rootDir)
}

func removeIfEmpty(dir, stopAt string) error {
	if dir == stopAt || dir == "." || dir == string(filepath.Separator) {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 0 {
		return err
	}
	return os.Remove(dir)
}
