// Package music defines the data model shared by the ingestion pipeline:
// queries, candidates, audio blobs, canonical tags, library entries and
// ingest outcomes. Components exchange these values; none of them is
// persisted here (the library index owns persistence).
package music

import (
	"time"
)

// TrackQuery is a request to ingest a track, either as free text
// (title plus optional artist) or as a provider-scoped external ID.
type TrackQuery struct {
	Title      string
	Artist     string
	ExternalID string // "provider:id" form, e.g. "deezer:3135556"
}

// IsZero reports whether the query carries nothing to search for.
func (q TrackQuery) IsZero() bool {
	return q.Title == "" && q.Artist == "" && q.ExternalID == ""
}

// Candidate is a provider's proposed match for a query, not yet fetched.
type Candidate struct {
	Provider    string
	ExternalID  string
	Title       string
	Artist      string
	Album       string
	Duration    time.Duration
	Confidence  float64 // 0.0-1.0, provider relevance adjusted by ranking
	DownloadURL string
}

// RawBlob is an opaque audio payload plus its container format ("mp3",
// "m4a", ...). The fetcher owns it until the tag normalizer consumes it.
type RawBlob struct {
	Data   []byte
	Format string
}

// Provenance records which provider and identifier produced a track.
type Provenance struct {
	Provider   string    `json:"provider"`
	ExternalID string    `json:"external_id"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// Tags is the canonical metadata set written into every stored track.
// Title, Artist and Duration are required after normalization.
type Tags struct {
	Title       string        `json:"title"`
	Artist      string        `json:"artist"`
	Album       string        `json:"album,omitempty"`
	TrackNumber int           `json:"track_number,omitempty"`
	Duration    time.Duration `json:"duration"`
	Lyrics      string        `json:"-"`
	Provenance  Provenance    `json:"provenance"`
}

// Complete reports whether the identity fields required by the library
// are all present.
func (t Tags) Complete() bool {
	return t.Title != "" && t.Artist != "" && t.Duration > 0
}

// LibraryEntry is the authoritative index record for one logical track:
// fingerprint, the file path inside the versioned repository, and the
// commit that introduced (or last updated) it.
type LibraryEntry struct {
	Fingerprint string
	Path        string
	CommitID    string
	Checksum    string
	Tags        Tags
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IngestStatus classifies the outcome of an Ingest call.
type IngestStatus string

const (
	StatusAccepted  IngestStatus = "accepted"
	StatusDuplicate IngestStatus = "duplicate"
	StatusRejected  IngestStatus = "rejected"
)

// IngestResult is returned to the caller; it is never persisted.
// Accepted and Duplicate carry the relevant entry; Rejected carries the
// reason derived from the error taxonomy.
type IngestResult struct {
	Status IngestStatus
	Entry  *LibraryEntry
	Reason string
}

// Accepted builds an accepted result for a freshly committed entry.
func Accepted(entry *LibraryEntry) IngestResult {
	return IngestResult{Status: StatusAccepted, Entry: entry}
}

// Duplicate builds a duplicate result referencing the existing entry.
func Duplicate(existing *LibraryEntry) IngestResult {
	return IngestResult{Status: StatusDuplicate, Entry: existing}
}

// Rejected builds a rejected result with a caller-readable reason.
func Rejected(reason string) IngestResult {
	return IngestResult{Status: StatusRejected, Reason: reason}
}
