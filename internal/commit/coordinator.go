// Package commit serializes all history-changing repository operations.
// Every accepted track, no matter which worker produced it, funnels
// through a single coordinator loop, so commits land one at a time in
// FIFO order and a half-staged batch can never observe another batch's
// files.
package commit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/GrandMoff100/Songolo/internal/logger"
	"github.com/GrandMoff100/Songolo/internal/music"
	"github.com/GrandMoff100/Songolo/internal/retry"
)

// messagePrefix marks every commit this tool writes, followed by a JSON
// document describing the change.
const messagePrefix = "[Songolo] "

// Repository is the slice of the versioned store the coordinator needs.
// *gitrepo.Repo satisfies it.
type Repository interface {
	Lock(ctx context.Context) error
	Unlock() error
	Stage(ctx context.Context, paths ...string) error
	Unstage(ctx context.Context, paths ...string) error
	Remove(ctx context.Context, paths ...string) error
	Restore(ctx context.Context, paths ...string) error
	StagedPaths(ctx context.Context) ([]string, error)
	Head(ctx context.Context) (string, error)
	Commit(ctx context.Context, message string) (string, error)
	Revert(ctx context.Context, commitID string) (string, error)
}

// Details is the structured payload embedded in a commit message.
type Details struct {
	Title       string `json:"title,omitempty"`
	Artist      string `json:"artist,omitempty"`
	Album       string `json:"album,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Provider    string `json:"provider,omitempty"`
	ExternalID  string `json:"external_id,omitempty"`
	Checksum    string `json:"checksum,omitempty"`
	Reverts     string `json:"reverts,omitempty"`
}

// Request describes one batch to finalize: the working-tree-relative
// paths to stage, paths to delete in the same commit (a superseded file
// when an overwrite changes format), and the entry kind recorded in the
// message ("import", "overwrite").
type Request struct {
	Entry       string
	Paths       []string
	RemovePaths []string
	Details     Details
}

type jobKind int

const (
	jobFinalize jobKind = iota
	jobRevert
)

type job struct {
	ctx  context.Context
	kind jobKind
	req  Request
	// revert target, for jobRevert
	commitID string
	done     chan jobResult
}

type jobResult struct {
	commitID string
	err      error
}

// Coordinator owns the repository write path. Start it once; Finalize
// and Revert block until their turn in the queue completes.
type Coordinator struct {
	repo    Repository
	retry   retry.Policy
	logger  *logger.Logger
	jobs    chan *job
	started sync.Once
}

// New creates a coordinator. A zero policy falls back to retry.Default.
func New(repo Repository, policy retry.Policy, log *logger.Logger) *Coordinator {
	if policy.Attempts == 0 {
		policy = retry.Default
	}
	return &Coordinator{
		repo:   repo,
		retry:  policy,
		logger: log,
		jobs:   make(chan *job),
	}
}

// Start launches the coordinator loop. It runs until ctx is cancelled;
// jobs submitted after that fail with the context error.
func (c *Coordinator) Start(ctx context.Context) {
	c.started.Do(func() {
		go c.loop(ctx)
	})
}

func (c *Coordinator) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-c.jobs:
			var res jobResult
			switch j.kind {
			case jobRevert:
				res.commitID, res.err = c.revert(j.ctx, j.commitID, j.req.Details)
			default:
				res.commitID, res.err = c.finalize(j.ctx, j.req)
			}
			j.done <- res
		}
	}
}

// Finalize stages the request's paths and commits them, returning the
// new commit ID. Requests are processed strictly in submission order,
// one at a time. On persistent failure the staged paths are rolled
// back and the error wraps music.ErrCommitFailed.
func (c *Coordinator) Finalize(ctx context.Context, req Request) (string, error) {
	return c.submit(&job{ctx: ctx, kind: jobFinalize, req: req, done: make(chan jobResult, 1)})
}

// Revert creates a commit undoing commitID, serialized with Finalize
// calls through the same queue.
func (c *Coordinator) Revert(ctx context.Context, commitID string, details Details) (string, error) {
	details.Reverts = commitID
	return c.submit(&job{
		ctx:      ctx,
		kind:     jobRevert,
		req:      Request{Details: details},
		commitID: commitID,
		done:     make(chan jobResult, 1),
	})
}

func (c *Coordinator) submit(j *job) (string, error) {
	select {
	case c.jobs <- j:
	case <-j.ctx.Done():
		return "", j.ctx.Err()
	}
	select {
	case res := <-j.done:
		return res.commitID, res.err
	case <-j.ctx.Done():
		// The loop may still land this commit after the caller gave up;
		// the buffered done channel lets it finish without blocking. A
		// landed-but-unreported commit only costs the caller's index
		// row, which the next ingest of the track recovers from HEAD.
		return "", j.ctx.Err()
	}
}

func (c *Coordinator) finalize(ctx context.Context, req Request) (string, error) {
	if len(req.Paths) == 0 {
		return "", fmt.Errorf("finalize: no paths to commit: %w", music.ErrCommitFailed)
	}

	if err := c.repo.Lock(ctx); err != nil {
		return "", fmt.Errorf("finalize: %v: %w", err, music.ErrCommitFailed)
	}
	defer c.repo.Unlock()

	if err := c.repo.Stage(ctx, req.Paths...); err != nil {
		return "", fmt.Errorf("finalize: %v: %w", err, music.ErrCommitFailed)
	}
	if err := c.repo.Remove(ctx, req.RemovePaths...); err != nil {
		c.rollback(ctx, req)
		return "", fmt.Errorf("finalize: %v: %w", err, music.ErrCommitFailed)
	}

	staged, err := c.repo.StagedPaths(ctx)
	if err != nil {
		c.rollback(ctx, req)
		return "", fmt.Errorf("finalize: %v: %w", err, music.ErrCommitFailed)
	}
	if len(staged) == 0 {
		// The batch already matches HEAD, so committing it would fail on
		// an empty diff. This happens when an earlier attempt's commit
		// landed but its caller never recorded it; the commit holding
		// the content is HEAD.
		head, headErr := c.repo.Head(ctx)
		if headErr != nil {
			return "", fmt.Errorf("finalize: %v: %w", headErr, music.ErrCommitFailed)
		}
		c.logger.Debug("batch %v already committed as %s", req.Paths, head)
		return head, nil
	}

	message := Message(req.Entry, req.Details)
	var commitID string
	err = c.retry.Do(ctx, func() error {
		id, commitErr := c.repo.Commit(ctx, message)
		if commitErr != nil {
			return commitErr
		}
		commitID = id
		return nil
	}, func(err error) bool {
		return ctx.Err() == nil
	})
	if err != nil {
		c.logger.Warn("commit failed, rolling back staged paths %v: %v", req.Paths, err)
		c.rollback(ctx, req)
		return "", fmt.Errorf("finalize: %v: %w", err, music.ErrCommitFailed)
	}

	c.logger.Debug("committed %v as %s", req.Paths, commitID)
	return commitID, nil
}

// rollback undoes a partially prepared batch: new paths are unstaged
// and removed paths restored from HEAD.
func (c *Coordinator) rollback(ctx context.Context, req Request) {
	if err := c.repo.Unstage(ctx, req.Paths...); err != nil {
		c.logger.Error("rollback failed for %v: %v", req.Paths, err)
	}
	if err := c.repo.Restore(ctx, req.RemovePaths...); err != nil {
		c.logger.Error("restore failed for %v: %v", req.RemovePaths, err)
	}
}

func (c *Coordinator) revert(ctx context.Context, commitID string, details Details) (string, error) {
	if err := c.repo.Lock(ctx); err != nil {
		return "", fmt.Errorf("revert: %v: %w", err, music.ErrCommitFailed)
	}
	defer c.repo.Unlock()

	id, err := c.repo.Revert(ctx, commitID)
	if err != nil {
		return "", fmt.Errorf("revert: %v: %w", err, music.ErrCommitFailed)
	}
	return id, nil
}

// Message builds the commit message for an entry kind and its details:
// the fixed prefix followed by a compact JSON document.
func Message(entry string, details Details) string {
	payload := struct {
		Entry   string  `json:"entry"`
		Details Details `json:"details"`
	}{Entry: entry, Details: details}

	encoded, err := json.Marshal(payload)
	if err != nil {
		// Details only holds strings; marshalling cannot fail in
		// practice, but keep the prefix contract if it somehow does.
		return messagePrefix + `{"entry":"` + entry + `","details":{}}`
	}
	return messagePrefix + string(encoded)
}
