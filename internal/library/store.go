// Package library owns the authoritative fingerprint index and the
// files inside the versioned repository's working tree. Every write to
// either goes through the Reserve/Write/Commit/Release lease protocol,
// which is the pipeline's only synchronization point: one lease per
// fingerprint, index rows updated only after the repository commit
// succeeded, so index and repository never diverge.
package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/GrandMoff100/Songolo/internal/logger"
	"github.com/GrandMoff100/Songolo/internal/music"
	"github.com/GrandMoff100/Songolo/pkg/utils"
)

// Restorer brings working-tree paths back to their committed state.
// *gitrepo.Repo satisfies it; it fails for paths the repository does
// not track, which is how the store tells a fresh write from one that
// replaced a committed file.
type Restorer interface {
	Restore(ctx context.Context, paths ...string) error
}

// Store manages the library index backed by SQLite and the lease table
// guarding concurrent ingestion.
type Store struct {
	db       *sql.DB
	rootDir  string
	restorer Restorer
	logger   *logger.Logger

	leases *leaseTable
}

// Open connects to the index database at dbPath and binds the store to
// the repository working tree at rootDir. restorer undoes abandoned
// writes over committed files (nil falls back to plain deletion).
// leaseTTL bounds how long a crashed ingestion can hold a fingerprint.
func Open(dbPath, rootDir string, restorer Restorer, leaseTTL time.Duration, log *logger.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open index db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{
		db:       db,
		rootDir:  rootDir,
		restorer: restorer,
		logger:   log,
		leases:   newLeaseTable(leaseTTL),
	}
	if err := store.applySchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RootDir returns the repository working tree the store writes into.
func (s *Store) RootDir() string { return s.rootDir }

const schema = `
CREATE TABLE IF NOT EXISTS library_entries (
    fingerprint      TEXT PRIMARY KEY,
    path             TEXT NOT NULL,
    commit_id        TEXT NOT NULL,
    checksum         TEXT NOT NULL,
    title            TEXT NOT NULL,
    artist           TEXT NOT NULL,
    album            TEXT NOT NULL DEFAULT '',
    track_number     INTEGER NOT NULL DEFAULT 0,
    duration_seconds INTEGER NOT NULL,
    provider         TEXT NOT NULL,
    external_id      TEXT NOT NULL,
    fetched_at       TEXT NOT NULL,
    created_at       TEXT NOT NULL,
    updated_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_library_identity ON library_entries(title, artist);
`

func (s *Store) applySchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

const entryColumns = `fingerprint, path, commit_id, checksum, title, artist, album,
    track_number, duration_seconds, provider, external_id, fetched_at, created_at, updated_at`

// Lookup returns the entry for a fingerprint, or nil when absent.
func (s *Store) Lookup(ctx context.Context, fingerprint string) (*music.LibraryEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM library_entries WHERE fingerprint = ?`, fingerprint)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s: %w", fingerprint, err)
	}
	return entry, nil
}

// Search returns entries whose folded title or artist contains the
// folded query text, ordered by recency.
func (s *Store) Search(ctx context.Context, text string) ([]*music.LibraryEntry, error) {
	needle := "%" + music.Fold(text) + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM library_entries
         WHERE title LIKE ? OR artist LIKE ?
         ORDER BY updated_at DESC`, needle, needle)
	if err != nil {
		return nil, fmt.Errorf("failed to search index: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// List returns every entry in the library ordered by artist and title.
func (s *Store) List(ctx context.Context) ([]*music.LibraryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM library_entries ORDER BY artist, title`)
	if err != nil {
		return nil, fmt.Errorf("failed to list index: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Delete removes an entry from the index. Deleting an absent
// fingerprint is a no-op.
func (s *Store) Delete(ctx context.Context, fingerprint string) error {
	err := retryOnBusy(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx,
			`DELETE FROM library_entries WHERE fingerprint = ?`, fingerprint)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", fingerprint, err)
	}
	return nil
}

// Count returns the number of entries in the index.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM library_entries`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return count, nil
}

// TrackPath builds the repository-relative path a track is stored at:
// "Artist/Title.format", sanitized for the filesystem.
func TrackPath(tags music.Tags, format string) string {
	if format == "" {
		format = "mp3"
	}
	return filepath.ToSlash(filepath.Join(
		utils.SanitizePath(tags.Artist),
		utils.SanitizePath(tags.Title)+"."+format,
	))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*music.LibraryEntry, error) {
	var (
		entry           music.LibraryEntry
		durationSeconds int64
		fetchedAt       string
		createdAt       string
		updatedAt       string
	)
	err := row.Scan(
		&entry.Fingerprint,
		&entry.Path,
		&entry.CommitID,
		&entry.Checksum,
		&entry.Tags.Title,
		&entry.Tags.Artist,
		&entry.Tags.Album,
		&entry.Tags.TrackNumber,
		&durationSeconds,
		&entry.Tags.Provenance.Provider,
		&entry.Tags.Provenance.ExternalID,
		&fetchedAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	entry.Tags.Duration = time.Duration(durationSeconds) * time.Second
	entry.Tags.Provenance.FetchedAt = parseTime(fetchedAt)
	entry.CreatedAt = parseTime(createdAt)
	entry.UpdatedAt = parseTime(updatedAt)
	return &entry, nil
}

func scanEntries(rows *sql.Rows) ([]*music.LibraryEntry, error) {
	var entries []*music.LibraryEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entries: %w", err)
	}
	return entries, nil
}

func parseTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

// retryOnBusy retries an operation while SQLite reports contention.
func retryOnBusy(ctx context.Context, op func() error) error {
	const attempts = 5
	delay := 10 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = op()
		if lastErr == nil || !isBusy(lastErr) || attempt == attempts-1 {
			return lastErr
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return lastErr
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
