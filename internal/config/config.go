package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains the program configuration
type Config struct {
	LibraryDir     string   `yaml:"library_dir"`
	Verbose        bool     `yaml:"verbose"`
	ParallelJobs   int      `yaml:"parallel_jobs"`
	Providers      []string `yaml:"providers"`
	LocalSourceDir string   `yaml:"local_source_dir"`

	FetchTimeoutSeconds int   `yaml:"fetch_timeout_seconds"`
	MaxBlobMB           int64 `yaml:"max_blob_mb"`
	RetryAttempts       int   `yaml:"retry_attempts"`
	RetryBackoffMillis  int   `yaml:"retry_backoff_millis"`

	LeaseTTLMinutes int  `yaml:"lease_ttl_minutes"`
	EmbedLyrics     bool `yaml:"embed_lyrics"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		LibraryDir:          filepath.Join(homeDir(), ".songolo"),
		Verbose:             false,
		ParallelJobs:        4,
		Providers:           []string{"deezer", "itunes"},
		FetchTimeoutSeconds: 60,
		MaxBlobMB:           64,
		RetryAttempts:       3,
		RetryBackoffMillis:  500,
		LeaseTTLMinutes:     10,
		EmbedLyrics:         true,
	}
}

// RepoDir returns the directory of the versioned storage repository.
func (c *Config) RepoDir() string {
	return filepath.Join(c.LibraryDir, "songs")
}

// IndexPath returns the path of the library index database.
func (c *Config) IndexPath() string {
	return filepath.Join(c.LibraryDir, "library.db")
}

// FetchTimeout returns the per-fetch deadline as a duration.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// MaxBlobBytes returns the blob size cap in bytes; 0 disables it.
func (c *Config) MaxBlobBytes() int64 {
	return c.MaxBlobMB * 1024 * 1024
}

// RetryBackoff returns the initial retry delay as a duration.
func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMillis) * time.Millisecond
}

// LeaseTTL returns the fingerprint lease lifetime as a duration.
func (c *Config) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLMinutes) * time.Minute
}

// LoadConfigFile loads configuration from a YAML file.
// If path is empty, searches standard locations. Returns defaults if no file found.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = FindConfigFile()
		if path == "" {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.LibraryDir = ExpandHome(cfg.LibraryDir)
	cfg.LocalSourceDir = ExpandHome(cfg.LocalSourceDir)

	return cfg, nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(homeDir(), path[2:])
	}
	return path
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() string {
	home := homeDir()
	locations := []string{
		"./songolo.yaml",
		"./songolo.yml",
		filepath.Join(home, ".config", "songolo", "config.yaml"),
		filepath.Join(home, ".config", "songolo", "config.yml"),
		filepath.Join(home, ".songolo.yaml"),
		filepath.Join(home, ".songolo.yml"),
	}

	for _, path := range locations {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// SaveConfigFile saves the current configuration to a YAML file
func SaveConfigFile(cfg Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetDefaultConfigPath returns the default config file path
func GetDefaultConfigPath() string {
	return filepath.Join(homeDir(), ".config", "songolo", "config.yaml")
}

// GetDefaultLogPath returns the default log directory path
func GetDefaultLogPath() string {
	return filepath.Join(homeDir(), ".local", "share", "songolo", "logs")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return os.Getenv("HOME")
	}
	return home
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.LibraryDir == "" {
		return fmt.Errorf("library_dir cannot be empty")
	}

	if c.ParallelJobs < 1 {
		return fmt.Errorf("parallel jobs must be at least 1, got %d", c.ParallelJobs)
	}
	if c.ParallelJobs > 10 {
		return fmt.Errorf("parallel jobs cannot exceed 10 (to avoid rate limiting), got %d", c.ParallelJobs)
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	validProviders := map[string]bool{"deezer": true, "itunes": true, "local": true}
	for _, p := range c.Providers {
		if !validProviders[p] {
			return fmt.Errorf("unknown provider %q, valid providers: deezer, itunes, local", p)
		}
	}
	if c.hasProvider("local") && c.LocalSourceDir == "" {
		return fmt.Errorf("local_source_dir is required when local is in providers")
	}

	if c.FetchTimeoutSeconds < 0 {
		return fmt.Errorf("fetch_timeout_seconds cannot be negative, got %d", c.FetchTimeoutSeconds)
	}
	if c.MaxBlobMB < 0 {
		return fmt.Errorf("max_blob_mb cannot be negative, got %d", c.MaxBlobMB)
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("retry attempts must be at least 1, got %d", c.RetryAttempts)
	}
	if c.LeaseTTLMinutes < 1 {
		return fmt.Errorf("lease_ttl_minutes must be at least 1, got %d", c.LeaseTTLMinutes)
	}

	return nil
}

func (c *Config) hasProvider(name string) bool {
	for _, p := range c.Providers {
		if p == name {
			return true
		}
	}
	return false
}
