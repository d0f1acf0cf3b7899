// Package gitrepo is the versioned-store capability: a thin wrapper
// around the git CLI that stages files, commits, inspects status and
// history, and reverts. The library's audio files live in this
// repository's working tree; all history-changing calls must happen
// under the repository lock (see Lock), which uses a file lock so
// separate processes sharing a library cannot interleave commits.
package gitrepo

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/GrandMoff100/Songolo/internal/logger"
)

// Fixed author for all storage commits, so history stays attributable
// to the tool rather than whatever identity the host git config has.
const (
	AuthorName  = "Songolo Storage"
	AuthorEmail = "songolo-storage@users.noreply.github.com"
)

const lockRetryDelay = 100 * time.Millisecond

// Repo wraps a git repository working tree.
type Repo struct {
	dir    string
	lock   *flock.Flock
	logger *logger.Logger
}

// Open opens the repository at dir, initializing it with a README
// first commit when it does not exist yet.
func Open(ctx context.Context, dir string, log *logger.Logger) (*Repo, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create repository directory: %w", err)
	}

	r := &Repo{
		dir:    dir,
		lock:   flock.New(filepath.Join(dir, ".git", "songolo.lock")),
		logger: log,
	}

	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		return r, nil
	}

	log.Debug("initializing storage repository at %s", dir)
	if _, err := r.git(ctx, "init", "--initial-branch", "master"); err != nil {
		// Older git lacks --initial-branch
		if _, err2 := r.git(ctx, "init"); err2 != nil {
			return nil, fmt.Errorf("failed to init repository: %w", err)
		}
	}

	readme := filepath.Join(dir, "README.md")
	content := fmt.Sprintf("# Songolo Storage\n\nThis is the storage directory for your Songolo instance.\nCreated `%s`\n",
		time.Now().Format(time.RFC3339))
	if err := os.WriteFile(readme, []byte(content), 0644); err != nil {
		return nil, fmt.Errorf("failed to write README: %w", err)
	}
	if err := r.Stage(ctx, "README.md"); err != nil {
		return nil, err
	}
	if _, err := r.Commit(ctx, `[Songolo] {"entry":"init","details":{}}`); err != nil {
		return nil, err
	}
	return r, nil
}

// Dir returns the working tree path.
func (r *Repo) Dir() string { return r.dir }

// Lock takes the cross-process repository lock, blocking until it is
// acquired or ctx is done. Callers must pair it with Unlock.
func (r *Repo) Lock(ctx context.Context) error {
	ok, err := r.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("failed to lock repository: %w", err)
	}
	if !ok {
		return fmt.Errorf("failed to lock repository at %s", r.dir)
	}
	return nil
}

// Unlock releases the cross-process repository lock.
func (r *Repo) Unlock() error {
	return r.lock.Unlock()
}

// Stage adds the given working-tree-relative paths to the index.
func (r *Repo) Stage(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"add", "--"}, paths...)
	if _, err := r.git(ctx, args...); err != nil {
		return fmt.Errorf("failed to stage %v: %w", paths, err)
	}
	return nil
}

// Remove deletes the given paths from the working tree and stages the
// deletions. Paths already gone from the tree are tolerated.
func (r *Repo) Remove(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"rm", "-q", "--ignore-unmatch", "--"}, paths...)
	if _, err := r.git(ctx, args...); err != nil {
		return fmt.Errorf("failed to remove %v: %w", paths, err)
	}
	return nil
}

// Restore brings the given paths back to their HEAD state in both the
// index and the working tree. Used to undo a staged removal.
func (r *Repo) Restore(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"checkout", "HEAD", "--"}, paths...)
	if _, err := r.git(ctx, args...); err != nil {
		return fmt.Errorf("failed to restore %v: %w", paths, err)
	}
	return nil
}

// Unstage removes the given paths from the index, leaving the working
// tree untouched. Used to roll back a failed commit batch.
func (r *Repo) Unstage(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"reset", "-q", "HEAD", "--"}, paths...)
	if _, err := r.git(ctx, args...); err != nil {
		return fmt.Errorf("failed to unstage %v: %w", paths, err)
	}
	return nil
}

// Commit records the index as a new commit and returns its ID.
func (r *Repo) Commit(ctx context.Context, message string) (string, error) {
	_, err := r.git(ctx,
		"-c", "user.name="+AuthorName,
		"-c", "user.email="+AuthorEmail,
		"commit", "-m", message,
		"--author", fmt.Sprintf("%s <%s>", AuthorName, AuthorEmail),
	)
	if err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return r.Head(ctx)
}

// Head returns the current HEAD commit ID.
func (r *Repo) Head(ctx context.Context) (string, error) {
	out, err := r.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// Status reports whether the working tree and index are clean.
func (r *Repo) Status(ctx context.Context) (bool, error) {
	out, err := r.git(ctx, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("failed to read status: %w", err)
	}
	return strings.TrimSpace(out) == "", nil
}

// StagedPaths lists the paths currently staged in the index.
func (r *Repo) StagedPaths(ctx context.Context) ([]string, error) {
	out, err := r.git(ctx, "diff", "--cached", "--name-only")
	if err != nil {
		return nil, fmt.Errorf("failed to list staged paths: %w", err)
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			paths = append(paths, line)
		}
	}
	return paths, nil
}

// Diff returns the change summary introduced by a commit.
func (r *Repo) Diff(ctx context.Context, commitID string) (string, error) {
	out, err := r.git(ctx, "show", "--stat", "--format=%H %s", commitID)
	if err != nil {
		return "", fmt.Errorf("failed to diff %s: %w", commitID, err)
	}
	return out, nil
}

// Revert creates a new commit undoing the given commit and returns the
// revert commit's ID.
func (r *Repo) Revert(ctx context.Context, commitID string) (string, error) {
	_, err := r.git(ctx,
		"-c", "user.name="+AuthorName,
		"-c", "user.email="+AuthorEmail,
		"revert", "--no-edit", commitID,
	)
	if err != nil {
		return "", fmt.Errorf("failed to revert %s: %w", commitID, err)
	}
	return r.Head(ctx)
}

// Log returns the messages of up to limit commits, newest first.
func (r *Repo) Log(ctx context.Context, limit int) ([]string, error) {
	out, err := r.git(ctx, "log", fmt.Sprintf("--max-count=%d", limit), "--format=%s")
	if err != nil {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}
	var messages []string
	for _, line := range strings.Split(out, "\n") {
		if line != "" {
			messages = append(messages, line)
		}
	}
	return messages, nil
}

func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("git %s: %w\nDetails: %s", strings.Join(args, " "), err, stderr.String())
	}
	return stdout.String(), nil
}
