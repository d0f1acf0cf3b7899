package gitrepo

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/GrandMoff100/Songolo/internal/logger"
)

func openTestRepo(t *testing.T) *Repo {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available, skipping gitrepo test")
	}

	repo, err := Open(context.Background(), t.TempDir(), logger.New(false))
	if err != nil {
		t.Fatalf("failed to open repo: %v", err)
	}
	return repo
}

func writeTracked(t *testing.T, repo *Repo, rel, content string) {
	t.Helper()
	path := filepath.Join(repo.Dir(), rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestOpenInitializesWithFirstCommit(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	head, err := repo.Head(ctx)
	if err != nil {
		t.Fatalf("no HEAD after init: %v", err)
	}
	if len(head) != 40 {
		t.Errorf("HEAD = %q, want a 40-char commit ID", head)
	}

	clean, err := repo.Status(ctx)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !clean {
		t.Error("fresh repository should be clean")
	}

	messages, err := repo.Log(ctx, 10)
	if err != nil {
		t.Fatalf("log failed: %v", err)
	}
	if len(messages) != 1 || !strings.HasPrefix(messages[0], "[Songolo] ") {
		t.Errorf("unexpected initial history: %v", messages)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	first, _ := repo.Head(ctx)
	again, err := Open(ctx, repo.Dir(), logger.New(false))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	head, _ := again.Head(ctx)
	if head != first {
		t.Error("reopening must not create new commits")
	}
}

func TestStageCommitCycle(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	writeTracked(t, repo, "Artist X/Song A.mp3", "audio bytes")

	if err := repo.Stage(ctx, "Artist X/Song A.mp3"); err != nil {
		t.Fatalf("stage failed: %v", err)
	}

	staged, err := repo.StagedPaths(ctx)
	if err != nil {
		t.Fatalf("staged paths failed: %v", err)
	}
	if len(staged) != 1 || staged[0] != "Artist X/Song A.mp3" {
		t.Errorf("staged = %v", staged)
	}

	commitID, err := repo.Commit(ctx, `[Songolo] {"entry":"import","details":{"title":"Song A"}}`)
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	clean, _ := repo.Status(ctx)
	if !clean {
		t.Error("repository dirty after commit")
	}

	diff, err := repo.Diff(ctx, commitID)
	if err != nil {
		t.Fatalf("diff failed: %v", err)
	}
	if !strings.Contains(diff, "Song A.mp3") {
		t.Errorf("diff does not mention the committed file:\n%s", diff)
	}
}

func TestUnstageRollsBack(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	writeTracked(t, repo, "track.mp3", "audio")
	if err := repo.Stage(ctx, "track.mp3"); err != nil {
		t.Fatal(err)
	}
	if err := repo.Unstage(ctx, "track.mp3"); err != nil {
		t.Fatalf("unstage failed: %v", err)
	}

	staged, err := repo.StagedPaths(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(staged) != 0 {
		t.Errorf("staged after rollback = %v", staged)
	}
}

func TestRevert(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	writeTracked(t, repo, "track.mp3", "audio")
	if err := repo.Stage(ctx, "track.mp3"); err != nil {
		t.Fatal(err)
	}
	commitID, err := repo.Commit(ctx, "[Songolo] add track")
	if err != nil {
		t.Fatal(err)
	}

	revertID, err := repo.Revert(ctx, commitID)
	if err != nil {
		t.Fatalf("revert failed: %v", err)
	}
	if revertID == commitID {
		t.Error("revert did not create a new commit")
	}
	if _, err := os.Stat(filepath.Join(repo.Dir(), "track.mp3")); !os.IsNotExist(err) {
		t.Error("reverted file still present")
	}
}

func TestRemoveStagesDeletion(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	writeTracked(t, repo, "track.mp3", "audio")
	if err := repo.Stage(ctx, "track.mp3"); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Commit(ctx, "[Songolo] add track"); err != nil {
		t.Fatal(err)
	}

	if err := repo.Remove(ctx, "track.mp3"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(repo.Dir(), "track.mp3")); !os.IsNotExist(err) {
		t.Error("removed file still in working tree")
	}
	staged, err := repo.StagedPaths(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(staged) != 1 || staged[0] != "track.mp3" {
		t.Errorf("staged deletions = %v", staged)
	}

	// Restore brings the file back and clears the staged deletion.
	if err := repo.Restore(ctx, "track.mp3"); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(repo.Dir(), "track.mp3")); err != nil {
		t.Errorf("restored file missing: %v", err)
	}
	clean, err := repo.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !clean {
		t.Error("repository dirty after restore")
	}
}

func TestRemoveMissingPathIsTolerated(t *testing.T) {
	repo := openTestRepo(t)

	if err := repo.Remove(context.Background(), "never-added.mp3"); err != nil {
		t.Errorf("remove of unknown path should be a no-op, got %v", err)
	}
}

func TestLockUnlock(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	if err := repo.Lock(ctx); err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	if err := repo.Unlock(); err != nil {
		t.Fatalf("unlock failed: %v", err)
	}
}
