// Package fetcher downloads a chosen candidate's raw audio from its
// provider, retrying transient failures with bounded backoff and
// enforcing the configured size cap and fetch timeout. The blob lives
// only in memory; no partial files ever touch disk.
package fetcher

import (
	"context"
	"fmt"
	"time"

	"github.com/GrandMoff100/Songolo/internal/logger"
	"github.com/GrandMoff100/Songolo/internal/music"
	"github.com/GrandMoff100/Songolo/internal/retry"
)

// Source is the download half of the provider capability, consumed here.
type Source interface {
	Name() string
	Download(ctx context.Context, candidate music.Candidate) (music.RawBlob, error)
}

// Fetcher downloads candidate audio with retry, size and time limits.
type Fetcher struct {
	MaxBytes int64
	Timeout  time.Duration
	Retry    retry.Policy
	logger   *logger.Logger
}

// New creates a Fetcher. Zero MaxBytes or Timeout disable the
// respective limit; a zero policy falls back to retry.Default.
func New(maxBytes int64, timeout time.Duration, policy retry.Policy, log *logger.Logger) *Fetcher {
	if policy.Attempts == 0 {
		policy = retry.Default
	}
	return &Fetcher{
		MaxBytes: maxBytes,
		Timeout:  timeout,
		Retry:    policy,
		logger:   log,
	}
}

// Fetch downloads the candidate's audio from source. Transient provider
// failures are retried per the policy and invisible to the caller
// unless retries exhaust; permanent failures return immediately.
func (f *Fetcher) Fetch(ctx context.Context, source Source, candidate music.Candidate) (music.RawBlob, error) {
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	var blob music.RawBlob
	err := f.Retry.Do(ctx, func() error {
		var downloadErr error
		blob, downloadErr = source.Download(ctx, candidate)
		if downloadErr != nil && music.IsTransient(downloadErr) {
			f.logger.Debug("transient download failure from %s for %s:%s: %v",
				source.Name(), candidate.Provider, candidate.ExternalID, downloadErr)
		}
		return downloadErr
	}, music.IsTransient)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return music.RawBlob{}, fmt.Errorf("fetch of %s:%s aborted: %w",
				candidate.Provider, candidate.ExternalID, ctxErr)
		}
		return music.RawBlob{}, fmt.Errorf("fetch of %s:%s failed: %w",
			candidate.Provider, candidate.ExternalID, err)
	}

	if len(blob.Data) == 0 {
		return music.RawBlob{}, &music.FetchError{Err: fmt.Errorf("provider %s returned an empty blob", source.Name())}
	}
	if f.MaxBytes > 0 && int64(len(blob.Data)) > f.MaxBytes {
		return music.RawBlob{}, fmt.Errorf("blob of %d bytes exceeds cap of %d: %w",
			len(blob.Data), f.MaxBytes, music.ErrFetchLimitExceeded)
	}
	return blob, nil
}
