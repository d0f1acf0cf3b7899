package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/GrandMoff100/Songolo/internal/commit"
	"github.com/GrandMoff100/Songolo/internal/fetcher"
	"github.com/GrandMoff100/Songolo/internal/library"
	"github.com/GrandMoff100/Songolo/internal/logger"
	"github.com/GrandMoff100/Songolo/internal/music"
	"github.com/GrandMoff100/Songolo/internal/resolver"
)

// fakeStages bundles controllable stand-ins for every stage except the
// library store, which is always real.
type fakeStages struct {
	candidates  []music.Candidate
	resolveErr  error
	blobs       map[string][]byte // keyed by external ID
	fetchErr    error
	fetchDelay  time.Duration
	tags        music.Tags
	commitMu    sync.Mutex
	commitSeq   int
	finalizeErr error
	finalized   []commit.Request
	repo        *fakeWorkingTree // set by newTestService
}

// fakeWorkingTree stands in for the repository's Restore capability:
// it rewrites the committed bytes of paths a test marked as tracked
// and fails for everything else, like git does for unknown pathspecs.
type fakeWorkingTree struct {
	mu      sync.Mutex
	root    string
	tracked map[string][]byte
}

func (w *fakeWorkingTree) track(relPath string, data []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tracked[relPath] = data
}

func (w *fakeWorkingTree) Restore(ctx context.Context, paths ...string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range paths {
		data, ok := w.tracked[p]
		if !ok {
			return fmt.Errorf("pathspec %q did not match any tracked file", p)
		}
		abs := filepath.Join(w.root, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(abs, data, 0644); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeStages) Resolve(ctx context.Context, query music.TrackQuery) ([]music.Candidate, error) {
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	return f.candidates, nil
}

func (f *fakeStages) Provider(name string) resolver.Provider {
	return fakeSource{name: name}
}

type fakeSource struct{ name string }

func (s fakeSource) Name() string { return s.name }
func (s fakeSource) Search(ctx context.Context, query music.TrackQuery) ([]music.Candidate, error) {
	return nil, nil
}
func (s fakeSource) Download(ctx context.Context, c music.Candidate) (music.RawBlob, error) {
	return music.RawBlob{}, errors.New("not used; the fake fetcher bypasses sources")
}

func (f *fakeStages) Fetch(ctx context.Context, source fetcher.Source, candidate music.Candidate) (music.RawBlob, error) {
	if f.fetchDelay > 0 {
		select {
		case <-time.After(f.fetchDelay):
		case <-ctx.Done():
			return music.RawBlob{}, fmt.Errorf("fetch of %s aborted: %w", candidate.ExternalID, ctx.Err())
		}
	}
	if f.fetchErr != nil {
		return music.RawBlob{}, f.fetchErr
	}
	data, ok := f.blobs[candidate.ExternalID]
	if !ok {
		return music.RawBlob{}, &music.FetchError{Err: fmt.Errorf("no blob for %s", candidate.ExternalID)}
	}
	return music.RawBlob{Data: data, Format: "mp3"}, nil
}

func (f *fakeStages) Normalize(ctx context.Context, blob music.RawBlob, candidate music.Candidate) (music.Tags, music.RawBlob, error) {
	tags := f.tags
	if tags.Title == "" {
		tags = music.Tags{
			Title:    candidate.Title,
			Artist:   candidate.Artist,
			Duration: candidate.Duration,
		}
	}
	if !tags.Complete() {
		return music.Tags{}, music.RawBlob{}, music.ErrIncompleteMetadata
	}
	tags.Provenance = music.Provenance{
		Provider:   candidate.Provider,
		ExternalID: candidate.ExternalID,
		FetchedAt:  time.Now().UTC(),
	}
	return tags, blob, nil
}

func (f *fakeStages) Finalize(ctx context.Context, req commit.Request) (string, error) {
	f.commitMu.Lock()
	defer f.commitMu.Unlock()
	if f.finalizeErr != nil {
		return "", f.finalizeErr
	}
	f.commitSeq++
	f.finalized = append(f.finalized, req)
	return fmt.Sprintf("commit-%03d", f.commitSeq), nil
}

func (f *fakeStages) Revert(ctx context.Context, commitID string, details commit.Details) (string, error) {
	f.commitMu.Lock()
	defer f.commitMu.Unlock()
	f.commitSeq++
	return fmt.Sprintf("commit-%03d", f.commitSeq), nil
}

func defaultCandidate() music.Candidate {
	return music.Candidate{
		Provider:   "deezer",
		ExternalID: "3135556",
		Title:      "Song A",
		Artist:     "Artist X",
		Duration:   183 * time.Second,
	}
}

func newTestService(t *testing.T, stages *fakeStages) (*Service, *library.Store) {
	t.Helper()
	dir := t.TempDir()
	stages.repo = &fakeWorkingTree{
		root:    filepath.Join(dir, "songs"),
		tracked: map[string][]byte{},
	}
	store, err := library.Open(filepath.Join(dir, "library.db"), filepath.Join(dir, "songs"), stages.repo, time.Minute, logger.New(false))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	if err := os.MkdirAll(store.RootDir(), 0755); err != nil {
		t.Fatal(err)
	}

	if stages.blobs == nil {
		stages.blobs = map[string][]byte{"3135556": []byte("audio bytes v1")}
	}
	if stages.candidates == nil {
		stages.candidates = []music.Candidate{defaultCandidate()}
	}

	svc := New(stages, stages, stages, store, stages, 4, logger.New(false))
	return svc, store
}

func TestIngestAcceptsNewTrack(t *testing.T) {
	stages := &fakeStages{}
	svc, store := newTestService(t, stages)
	ctx := context.Background()

	result := svc.Ingest(ctx, music.TrackQuery{Title: "Song A", Artist: "Artist X"}, Options{})
	if result.Status != music.StatusAccepted {
		t.Fatalf("status = %s (%s), want accepted", result.Status, result.Reason)
	}
	if result.Entry == nil || result.Entry.CommitID != "commit-001" {
		t.Fatalf("entry = %+v", result.Entry)
	}

	// The file is in the working tree and the index knows it.
	abs := filepath.Join(store.RootDir(), filepath.FromSlash(result.Entry.Path))
	if _, err := os.Stat(abs); err != nil {
		t.Errorf("stored file missing: %v", err)
	}
	entry, err := store.Lookup(ctx, result.Entry.Fingerprint)
	if err != nil || entry == nil {
		t.Fatalf("lookup after ingest: %v, %v", entry, err)
	}

	// The lease was freed.
	if store.Reserved(result.Entry.Fingerprint) {
		t.Error("lease still held after accept")
	}
}

func TestIngestSameTrackIsDuplicate(t *testing.T) {
	stages := &fakeStages{}
	svc, _ := newTestService(t, stages)
	ctx := context.Background()
	query := music.TrackQuery{Title: "Song A", Artist: "Artist X"}

	first := svc.Ingest(ctx, query, Options{})
	if first.Status != music.StatusAccepted {
		t.Fatalf("first ingest: %s (%s)", first.Status, first.Reason)
	}

	second := svc.Ingest(ctx, query, Options{})
	if second.Status != music.StatusDuplicate {
		t.Fatalf("second ingest: %s (%s), want duplicate", second.Status, second.Reason)
	}
	if second.Entry.CommitID != first.Entry.CommitID {
		t.Error("duplicate must reference the existing commit, not create one")
	}
	if len(stages.finalized) != 1 {
		t.Errorf("finalize called %d times, want 1", len(stages.finalized))
	}
}

func TestIngestCrossProviderDuplicate(t *testing.T) {
	stages := &fakeStages{
		blobs: map[string][]byte{
			"3135556": []byte("audio bytes v1"),
			"900042":  []byte("audio bytes v1"), // same content, other provider
		},
	}
	svc, _ := newTestService(t, stages)
	ctx := context.Background()

	first := svc.Ingest(ctx, music.TrackQuery{Title: "Song A", Artist: "Artist X"}, Options{})
	if first.Status != music.StatusAccepted {
		t.Fatal(first.Reason)
	}

	itunes := defaultCandidate()
	itunes.Provider = "itunes"
	itunes.ExternalID = "900042"
	stages.candidates = []music.Candidate{itunes}

	second := svc.Ingest(ctx, music.TrackQuery{Title: "Song A", Artist: "Artist X"}, Options{})
	if second.Status != music.StatusDuplicate {
		t.Fatalf("same identity from another provider: %s, want duplicate", second.Status)
	}
}

func TestIngestChangedContentWithoutOverwrite(t *testing.T) {
	stages := &fakeStages{}
	svc, _ := newTestService(t, stages)
	ctx := context.Background()
	query := music.TrackQuery{Title: "Song A", Artist: "Artist X"}

	first := svc.Ingest(ctx, query, Options{})
	if first.Status != music.StatusAccepted {
		t.Fatal(first.Reason)
	}

	stages.blobs["3135556"] = []byte("audio bytes v2")
	second := svc.Ingest(ctx, query, Options{})
	if second.Status != music.StatusDuplicate {
		t.Fatalf("status = %s, want duplicate when overwrite not requested", second.Status)
	}
	if second.Entry.CommitID != first.Entry.CommitID {
		t.Error("existing entry must stay untouched without overwrite")
	}
}

func TestIngestOverwriteReplacesContent(t *testing.T) {
	stages := &fakeStages{}
	svc, store := newTestService(t, stages)
	ctx := context.Background()
	query := music.TrackQuery{Title: "Song A", Artist: "Artist X"}

	first := svc.Ingest(ctx, query, Options{})
	if first.Status != music.StatusAccepted {
		t.Fatal(first.Reason)
	}

	stages.blobs["3135556"] = []byte("audio bytes v2")
	second := svc.Ingest(ctx, query, Options{Overwrite: true})
	if second.Status != music.StatusAccepted {
		t.Fatalf("status = %s (%s), want accepted", second.Status, second.Reason)
	}
	if second.Entry.CommitID == first.Entry.CommitID {
		t.Error("overwrite must produce a new commit")
	}
	if second.Entry.Fingerprint != first.Entry.Fingerprint {
		t.Error("overwrite must keep the fingerprint")
	}

	data, err := os.ReadFile(filepath.Join(store.RootDir(), filepath.FromSlash(second.Entry.Path)))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "audio bytes v2" {
		t.Errorf("file content = %q", data)
	}

	last := stages.finalized[len(stages.finalized)-1]
	if last.Entry != "overwrite" {
		t.Errorf("entry kind = %q, want overwrite", last.Entry)
	}
}

func TestIngestNoCandidates(t *testing.T) {
	stages := &fakeStages{resolveErr: music.ErrNoCandidates}
	svc, _ := newTestService(t, stages)

	result := svc.Ingest(context.Background(), music.TrackQuery{Title: "Unknown"}, Options{})
	if result.Status != music.StatusRejected {
		t.Fatalf("status = %s", result.Status)
	}
	if result.Reason != music.RejectionReason(music.ErrNoCandidates) {
		t.Errorf("reason = %q", result.Reason)
	}
}

func TestIngestFetchTimeoutReleasesEverything(t *testing.T) {
	stages := &fakeStages{fetchDelay: time.Second}
	svc, store := newTestService(t, stages)

	result := svc.Ingest(context.Background(), music.TrackQuery{Title: "Song A", Artist: "Artist X"},
		Options{Timeout: 20 * time.Millisecond})
	if result.Status != music.StatusRejected {
		t.Fatalf("status = %s", result.Status)
	}
	if result.Reason != "timeout" {
		t.Errorf("reason = %q, want timeout", result.Reason)
	}

	// Nothing was committed, written, or left reserved.
	if len(stages.finalized) != 0 {
		t.Error("finalize must not run after a fetch timeout")
	}
	count, err := store.Count(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("index has %d entries after failed ingest", count)
	}
}

func TestIngestCommitFailureReleasesLease(t *testing.T) {
	stages := &fakeStages{finalizeErr: fmt.Errorf("repo broken: %w", music.ErrCommitFailed)}
	svc, store := newTestService(t, stages)
	ctx := context.Background()

	result := svc.Ingest(ctx, music.TrackQuery{Title: "Song A", Artist: "Artist X"}, Options{})
	if result.Status != music.StatusRejected {
		t.Fatalf("status = %s", result.Status)
	}
	if result.Reason != music.RejectionReason(music.ErrCommitFailed) {
		t.Errorf("reason = %q", result.Reason)
	}

	tags := music.Tags{Title: "Song A", Artist: "Artist X", Duration: 183 * time.Second}
	fp := music.FingerprintTags(tags)
	if store.Reserved(fp) {
		t.Error("lease still held after commit failure")
	}
	// The uncommitted file was cleaned out of the working tree.
	if _, err := os.Stat(filepath.Join(store.RootDir(), "Artist X", "Song A.mp3")); !os.IsNotExist(err) {
		t.Error("uncommitted file left in working tree")
	}
}

func TestIngestOverwriteCommitFailureKeepsExistingTrack(t *testing.T) {
	stages := &fakeStages{}
	svc, store := newTestService(t, stages)
	ctx := context.Background()
	query := music.TrackQuery{Title: "Song A", Artist: "Artist X"}

	first := svc.Ingest(ctx, query, Options{})
	if first.Status != music.StatusAccepted {
		t.Fatal(first.Reason)
	}
	stages.repo.track(first.Entry.Path, []byte("audio bytes v1"))

	// The replacement reaches the working tree before the commit, which
	// then fails for good.
	stages.blobs["3135556"] = []byte("audio bytes v2")
	stages.finalizeErr = fmt.Errorf("repo broken: %w", music.ErrCommitFailed)

	second := svc.Ingest(ctx, query, Options{Overwrite: true})
	if second.Status != music.StatusRejected {
		t.Fatalf("status = %s, want rejected", second.Status)
	}

	// The committed file carries its pre-overwrite content again and the
	// index entry still points at it.
	data, err := os.ReadFile(filepath.Join(store.RootDir(), filepath.FromSlash(first.Entry.Path)))
	if err != nil {
		t.Fatalf("committed file gone after rejected overwrite: %v", err)
	}
	if string(data) != "audio bytes v1" {
		t.Errorf("file content = %q, want the committed bytes", data)
	}

	entry, err := store.Lookup(ctx, first.Entry.Fingerprint)
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil {
		t.Fatal("index entry lost after rejected overwrite")
	}
	if entry.CommitID != first.Entry.CommitID || entry.Path != first.Entry.Path {
		t.Errorf("entry changed after rejected overwrite: %+v", entry)
	}
	if store.Reserved(first.Entry.Fingerprint) {
		t.Error("lease still held after commit failure")
	}
}

func TestIngestConcurrentSameTrack(t *testing.T) {
	stages := &fakeStages{}
	svc, _ := newTestService(t, stages)
	query := music.TrackQuery{Title: "Song A", Artist: "Artist X"}

	const n = 6
	results := make([]music.IngestResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = svc.Ingest(context.Background(), query, Options{WaitForLease: true})
		}(i)
	}
	wg.Wait()

	var accepted, duplicate int
	for _, r := range results {
		switch r.Status {
		case music.StatusAccepted:
			accepted++
		case music.StatusDuplicate:
			duplicate++
		default:
			t.Errorf("unexpected outcome: %s (%s)", r.Status, r.Reason)
		}
	}
	if accepted != 1 {
		t.Errorf("accepted = %d, want exactly 1", accepted)
	}
	if duplicate != n-1 {
		t.Errorf("duplicate = %d, want %d", duplicate, n-1)
	}
	if len(stages.finalized) != 1 {
		t.Errorf("finalize ran %d times, want 1", len(stages.finalized))
	}
}

func TestIngestConcurrentWithoutWaitRejects(t *testing.T) {
	stages := &fakeStages{fetchDelay: 50 * time.Millisecond}
	svc, _ := newTestService(t, stages)
	query := music.TrackQuery{Title: "Song A", Artist: "Artist X"}

	// Hold the lease directly to force the contention path.
	tags := music.Tags{Title: "Song A", Artist: "Artist X", Duration: 183 * time.Second}
	fp := music.FingerprintTags(tags)
	svcStore := svc.store
	token, err := svcStore.Reserve(fp)
	if err != nil {
		t.Fatal(err)
	}
	defer svcStore.Release(token)

	result := svc.Ingest(context.Background(), query, Options{})
	if result.Status != music.StatusRejected {
		t.Fatalf("status = %s, want rejected while lease is held", result.Status)
	}
	if result.Reason != music.RejectionReason(music.ErrAlreadyReserved) {
		t.Errorf("reason = %q", result.Reason)
	}
}

func TestIngestTriesNextCandidateOnPermanentFailure(t *testing.T) {
	broken := defaultCandidate()
	broken.ExternalID = "broken-id" // no blob registered: permanent failure
	working := defaultCandidate()

	stages := &fakeStages{candidates: []music.Candidate{broken, working}}
	svc, _ := newTestService(t, stages)

	result := svc.Ingest(context.Background(), music.TrackQuery{Title: "Song A", Artist: "Artist X"}, Options{})
	if result.Status != music.StatusAccepted {
		t.Fatalf("status = %s (%s), want accepted via fallback candidate", result.Status, result.Reason)
	}
	if result.Entry.Tags.Provenance.ExternalID != "3135556" {
		t.Errorf("provenance = %+v", result.Entry.Tags.Provenance)
	}
}

func TestIngestIncompleteMetadataRejected(t *testing.T) {
	c := defaultCandidate()
	c.Artist = "" // normalizer cannot complete the identity
	stages := &fakeStages{candidates: []music.Candidate{c}}
	svc, _ := newTestService(t, stages)

	result := svc.Ingest(context.Background(), music.TrackQuery{Title: "Song A"}, Options{})
	if result.Status != music.StatusRejected {
		t.Fatalf("status = %s", result.Status)
	}
	if result.Reason != music.RejectionReason(music.ErrIncompleteMetadata) {
		t.Errorf("reason = %q", result.Reason)
	}
}

func TestQueryAndRemove(t *testing.T) {
	stages := &fakeStages{}
	svc, store := newTestService(t, stages)
	ctx := context.Background()

	ingested := svc.Ingest(ctx, music.TrackQuery{Title: "Song A", Artist: "Artist X"}, Options{})
	if ingested.Status != music.StatusAccepted {
		t.Fatal(ingested.Reason)
	}

	byFingerprint, err := svc.Query(ctx, ingested.Entry.Fingerprint)
	if err != nil {
		t.Fatalf("query by fingerprint: %v", err)
	}
	if byFingerprint.Path != ingested.Entry.Path {
		t.Errorf("path = %q", byFingerprint.Path)
	}

	byText, err := svc.Query(ctx, "song a")
	if err != nil {
		t.Fatalf("query by text: %v", err)
	}
	if byText.Fingerprint != ingested.Entry.Fingerprint {
		t.Error("text query found a different entry")
	}

	if _, err := svc.Query(ctx, "nothing like this"); !errors.Is(err, music.ErrNotFound) {
		t.Errorf("query miss = %v, want ErrNotFound", err)
	}

	removed, err := svc.Remove(ctx, ingested.Entry.Fingerprint)
	if err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if removed.Fingerprint != ingested.Entry.Fingerprint {
		t.Error("removed a different entry")
	}
	if _, err := svc.Query(ctx, ingested.Entry.Fingerprint); !errors.Is(err, music.ErrNotFound) {
		t.Error("entry still queryable after remove")
	}

	count, _ := store.Count(ctx)
	if count != 0 {
		t.Errorf("index count = %d after remove", count)
	}
}

func TestDecide(t *testing.T) {
	existing := &music.LibraryEntry{Checksum: "same"}
	tests := []struct {
		name      string
		existing  *music.LibraryEntry
		checksum  string
		overwrite bool
		want      decision
	}{
		{"absent", nil, "any", false, decideNew},
		{"identical content", existing, "same", false, decideDuplicate},
		{"identical content with overwrite", existing, "same", true, decideDuplicate},
		{"changed content", existing, "other", false, decideDuplicate},
		{"changed content with overwrite", existing, "other", true, decideOverwrite},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := decide(tt.existing, tt.checksum, tt.overwrite); got != tt.want {
				t.Errorf("decide() = %v, want %v", got, tt.want)
			}
		})
	}
}
