package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/GrandMoff100/Songolo/internal/commit"
	"github.com/GrandMoff100/Songolo/internal/config"
	"github.com/GrandMoff100/Songolo/internal/fetcher"
	"github.com/GrandMoff100/Songolo/internal/gitrepo"
	"github.com/GrandMoff100/Songolo/internal/ingest"
	"github.com/GrandMoff100/Songolo/internal/library"
	"github.com/GrandMoff100/Songolo/internal/logger"
	"github.com/GrandMoff100/Songolo/internal/lyrics"
	"github.com/GrandMoff100/Songolo/internal/music"
	"github.com/GrandMoff100/Songolo/internal/progress"
	"github.com/GrandMoff100/Songolo/internal/provider/deezer"
	"github.com/GrandMoff100/Songolo/internal/provider/itunes"
	"github.com/GrandMoff100/Songolo/internal/provider/local"
	"github.com/GrandMoff100/Songolo/internal/resolver"
	"github.com/GrandMoff100/Songolo/internal/retry"
	"github.com/GrandMoff100/Songolo/internal/shutdown"
	"github.com/GrandMoff100/Songolo/internal/tagnorm"
	"github.com/GrandMoff100/Songolo/pkg/utils"
)

func main() {
	cfg, cmd, configPath, err := parseArgs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "[ERROR] %v\n", err)
		os.Exit(1)
	}

	sh := shutdown.New()
	sh.Listen()
	defer sh.Wait()

	log := logger.New(cfg.Verbose)
	defer log.Close()

	if !cfg.Verbose {
		logDir := config.GetDefaultLogPath()
		if err := os.MkdirAll(logDir, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] Failed to create log directory: %v\n", err)
		} else {
			logFile := filepath.Join(logDir, fmt.Sprintf("songolo_%s.log", time.Now().Format("2006-01-02_15-04-05")))
			if err := log.SetFileLog(logFile); err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] Failed to setup file logging: %v\n", err)
			} else {
				log.Debug("Logging to file: %s", logFile)
			}
		}
	}

	if cfg.Verbose && configPath != "" {
		log.Debug("Loaded configuration from: %s", configPath)
	}

	if err := cfg.Validate(); err != nil {
		log.Error("Configuration error: %v", err)
		os.Exit(1)
	}

	if err := run(sh, cfg, cmd, log); err != nil {
		log.Error("%v", err)
		os.Exit(1)
	}
}

func run(sh *shutdown.Handler, cfg config.Config, cmd command, log *logger.Logger) error {
	log.Debug("Checking dependencies...")
	if err := utils.CheckDependencies(); err != nil {
		return fmt.Errorf("dependency check failed: %w", err)
	}

	ctx := sh.Context()

	if err := os.MkdirAll(cfg.LibraryDir, 0755); err != nil {
		return fmt.Errorf("failed to create library directory: %w", err)
	}

	repo, err := gitrepo.Open(ctx, cfg.RepoDir(), log)
	if err != nil {
		return err
	}

	store, err := library.Open(cfg.IndexPath(), repo.Dir(), repo, cfg.LeaseTTL(), log)
	if err != nil {
		return err
	}
	sh.AddCleanup(func() {
		if err := store.Close(); err != nil {
			log.Warn("Error closing library index: %v", err)
		}
	})
	defer store.Close()

	policy := retry.Policy{
		Attempts:     cfg.RetryAttempts,
		InitialDelay: cfg.RetryBackoff(),
		MaxDelay:     retry.Default.MaxDelay,
		Jitter:       retry.Default.Jitter,
	}

	coordinator := commit.New(repo, policy, log)
	coordinator.Start(ctx)

	var lyricsSource tagnorm.LyricsSource
	if cfg.EmbedLyrics {
		lyricsSource = lyrics.NewClient()
	}

	svc := ingest.New(
		resolver.New(buildProviders(cfg), log),
		fetcher.New(cfg.MaxBlobBytes(), cfg.FetchTimeout(), policy, log),
		tagnorm.New(lyricsSource, log),
		store,
		coordinator,
		cfg.ParallelJobs,
		log,
	)

	switch {
	case cmd.list:
		return runList(ctx, svc, log)
	case cmd.query != "":
		return runQuery(ctx, svc, cmd.query, log)
	case cmd.remove != "":
		return runRemove(ctx, svc, cmd.remove, log)
	case cmd.history > 0:
		return runHistory(ctx, repo, cmd.history, log)
	}

	return runIngest(ctx, cfg, cmd, svc, log)
}

// buildProviders instantiates the configured media sources in the
// order listed, which is also the resolver's tie-break order.
func buildProviders(cfg config.Config) []resolver.Provider {
	var providers []resolver.Provider
	for _, name := range cfg.Providers {
		switch name {
		case "deezer":
			providers = append(providers, deezer.New())
		case "itunes":
			providers = append(providers, itunes.New())
		case "local":
			providers = append(providers, local.New(cfg.LocalSourceDir))
		}
	}
	return providers
}

func runIngest(ctx context.Context, cfg config.Config, cmd command, svc *ingest.Service, log *logger.Logger) error {
	queries := make([]music.TrackQuery, 0, len(cmd.queries))
	for _, raw := range cmd.queries {
		queries = append(queries, parseTrackRef(raw))
	}

	var bar *progress.Bar
	if !cfg.Verbose && len(queries) > 1 {
		bar = progress.New(len(queries))
		log.SetProgressBar(true)
	}

	opts := ingest.Options{
		Overwrite:    cmd.overwrite,
		WaitForLease: cmd.wait,
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[music.IngestStatus]int)
	)
	for _, query := range queries {
		wg.Add(1)
		go func(q music.TrackQuery) {
			defer wg.Done()
			result := svc.Ingest(ctx, q, opts)

			mu.Lock()
			results[result.Status]++
			mu.Unlock()

			switch result.Status {
			case music.StatusAccepted:
				log.Info("accepted  %s - %s", result.Entry.Tags.Artist, result.Entry.Tags.Title)
			case music.StatusDuplicate:
				log.Info("duplicate %s - %s (already stored)", result.Entry.Tags.Artist, result.Entry.Tags.Title)
			case music.StatusRejected:
				log.Warn("rejected  %q: %s", q.Title, result.Reason)
			}
			if bar != nil {
				bar.Increment()
			}
		}(query)
	}
	wg.Wait()

	if bar != nil {
		bar.Finish()
		log.SetProgressBar(false)
	}

	log.Info("=== %d accepted, %d duplicate, %d rejected ===",
		results[music.StatusAccepted], results[music.StatusDuplicate], results[music.StatusRejected])

	if results[music.StatusRejected] > 0 && results[music.StatusAccepted] == 0 && results[music.StatusDuplicate] == 0 {
		return fmt.Errorf("every track was rejected")
	}
	return nil
}

// parseTrackRef turns a CLI track argument into a query: "provider:id"
// becomes an external ID lookup, anything else is free text.
func parseTrackRef(raw string) music.TrackQuery {
	for _, prefix := range []string{"deezer:", "itunes:", "local:"} {
		if len(raw) > len(prefix) && raw[:len(prefix)] == prefix {
			return music.TrackQuery{ExternalID: raw}
		}
	}
	return tagnorm.CleanQuery(raw, "")
}

func runList(ctx context.Context, svc *ingest.Service, log *logger.Logger) error {
	entries, err := svc.List(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		log.Info("The library is empty.")
		return nil
	}
	for _, e := range entries {
		log.Info("%s  %s - %s  [%s]", e.Fingerprint[:12], e.Tags.Artist, e.Tags.Title, e.Path)
	}
	log.Info("=== %d tracks ===", len(entries))
	return nil
}

func runQuery(ctx context.Context, svc *ingest.Service, ref string, log *logger.Logger) error {
	entry, err := svc.Query(ctx, ref)
	if err != nil {
		return err
	}
	log.Info("Fingerprint: %s", entry.Fingerprint)
	log.Info("Track:       %s - %s", entry.Tags.Artist, entry.Tags.Title)
	if entry.Tags.Album != "" {
		log.Info("Album:       %s", entry.Tags.Album)
	}
	log.Info("Duration:    %s", entry.Tags.Duration)
	log.Info("Path:        %s", entry.Path)
	log.Info("Commit:      %s", entry.CommitID)
	log.Info("Source:      %s:%s", entry.Tags.Provenance.Provider, entry.Tags.Provenance.ExternalID)
	log.Info("Added:       %s", entry.CreatedAt.Format(time.RFC3339))
	return nil
}

func runRemove(ctx context.Context, svc *ingest.Service, ref string, log *logger.Logger) error {
	entry, err := svc.Remove(ctx, ref)
	if err != nil {
		return err
	}
	log.Info("Removed %s - %s (reverted %s)", entry.Tags.Artist, entry.Tags.Title, entry.CommitID[:12])
	return nil
}

func runHistory(ctx context.Context, repo *gitrepo.Repo, n int, log *logger.Logger) error {
	messages, err := repo.Log(ctx, n)
	if err != nil {
		return err
	}
	for _, m := range messages {
		log.Info("%s", m)
	}
	return nil
}
