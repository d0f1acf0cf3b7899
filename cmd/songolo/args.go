package main

import (
	"fmt"
	"os"

	"github.com/GrandMoff100/Songolo/internal/config"
)

// command is what the user asked the tool to do with the library.
type command struct {
	// queries to ingest, either "Artist - Title" text or "provider:id"
	queries []string

	list      bool
	query     string // fingerprint or free text to look up
	remove    string // fingerprint or free text to revert and drop
	history   int    // show the last N storage commits
	overwrite bool
	wait      bool
}

// parseArgs parses command-line arguments and loads configuration.
// Priority: CLI flags > config file > defaults
func parseArgs() (config.Config, command, string, error) {
	args := os.Args[1:]

	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			printUsage()
			os.Exit(0)
		}
		if arg == "--init-config" {
			return config.Config{}, command{}, "", initConfigFile()
		}
	}

	var configPath string
	for i := 0; i < len(args); i++ {
		if args[i] == "--config" || args[i] == "-c" {
			if i+1 >= len(args) {
				return config.Config{}, command{}, "", fmt.Errorf("--config requires a path argument")
			}
			configPath = args[i+1]
			break
		}
	}

	cfg, err := config.LoadConfigFile(configPath)
	if err != nil {
		return config.Config{}, command{}, "", fmt.Errorf("failed to load config: %w", err)
	}
	if configPath == "" {
		configPath = config.FindConfigFile()
	}

	var cmd command
	for i := 0; i < len(args); i++ {
		arg := args[i]

		switch arg {
		case "--verbose", "-v":
			cfg.Verbose = true

		case "--overwrite", "-o":
			cmd.overwrite = true

		case "--wait", "-w":
			cmd.wait = true

		case "--list", "-l":
			cmd.list = true

		case "--query", "-q":
			if i+1 >= len(args) {
				return config.Config{}, command{}, "", fmt.Errorf("--query requires a fingerprint or search text")
			}
			i++
			cmd.query = args[i]

		case "--remove":
			if i+1 >= len(args) {
				return config.Config{}, command{}, "", fmt.Errorf("--remove requires a fingerprint or search text")
			}
			i++
			cmd.remove = args[i]

		case "--history":
			if i+1 >= len(args) {
				return config.Config{}, command{}, "", fmt.Errorf("--history requires a number argument")
			}
			i++
			var n int
			if _, err := fmt.Sscanf(args[i], "%d", &n); err != nil || n < 1 {
				return config.Config{}, command{}, "", fmt.Errorf("invalid history count: %s", args[i])
			}
			cmd.history = n

		case "--parallel", "-p":
			if i+1 >= len(args) {
				return config.Config{}, command{}, "", fmt.Errorf("--parallel requires a number argument")
			}
			i++
			var jobs int
			if _, err := fmt.Sscanf(args[i], "%d", &jobs); err != nil {
				return config.Config{}, command{}, "", fmt.Errorf("invalid parallel jobs value: %s", args[i])
			}
			cfg.ParallelJobs = jobs

		case "--library":
			if i+1 >= len(args) {
				return config.Config{}, command{}, "", fmt.Errorf("--library requires a path argument")
			}
			i++
			cfg.LibraryDir = config.ExpandHome(args[i])

		case "--config", "-c":
			i++

		default:
			if len(arg) > 0 && arg[0] == '-' {
				return config.Config{}, command{}, "", fmt.Errorf("unknown flag: %s", arg)
			}
			cmd.queries = append(cmd.queries, arg)
		}
	}

	if len(cmd.queries) == 0 && !cmd.list && cmd.query == "" && cmd.remove == "" && cmd.history == 0 {
		return config.Config{}, command{}, "", fmt.Errorf("nothing to do: give a track to ingest or use --list/--query/--remove/--history")
	}

	return cfg, cmd, configPath, nil
}

// initConfigFile creates a new config file with default values
func initConfigFile() error {
	path := config.GetDefaultConfigPath()

	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config file already exists at: %s\n", path)
		fmt.Println("Delete it first if you want to recreate it.")
		os.Exit(0)
	}

	cfg := config.DefaultConfig()

	if err := config.SaveConfigFile(cfg, path); err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}

	fmt.Printf("Created default config file at: %s\n", path)
	fmt.Println("\nYou can now edit this file to customize your settings.")
	fmt.Println("Available options:")
	fmt.Println("  library_dir: where the versioned library lives (default: ~/.songolo)")
	fmt.Println("  providers: deezer, itunes, local")
	fmt.Println("  parallel_jobs: 1-10 (number of parallel ingests)")
	fmt.Println("  fetch_timeout_seconds / max_blob_mb: download limits")
	fmt.Println("  embed_lyrics: true/false")
	fmt.Println("  verbose: true/false (enable detailed logging)")

	os.Exit(0)
	return nil
}

// printUsage displays the help message
func printUsage() {
	fmt.Println("songolo - Ingest music into a git-versioned library")
	fmt.Println()
	fmt.Println("Usage: songolo [options] <track> [<track> ...]")
	fmt.Println()
	fmt.Println("Tracks:")
	fmt.Println("  \"Artist - Title\"           Free-text search across providers")
	fmt.Println("  provider:id                Exact track, e.g. deezer:3135556")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -v, --verbose              Show detailed output")
	fmt.Println("  -o, --overwrite            Replace a stored track whose audio changed")
	fmt.Println("  -w, --wait                 Wait for a concurrent ingest of the same track")
	fmt.Println("  -p, --parallel <n>         Number of parallel ingests (1-10, default: 4)")
	fmt.Println("      --library <path>       Library directory (default: ~/.songolo)")
	fmt.Println("  -c, --config <path>        Path to config file")
	fmt.Println("  -h, --help                 Show this help message")
	fmt.Println()
	fmt.Println("Library:")
	fmt.Println("  -l, --list                 List every stored track")
	fmt.Println("  -q, --query <ref>          Look up a track by fingerprint or text")
	fmt.Println("      --remove <ref>         Revert a track's commit and drop it")
	fmt.Println("      --history <n>          Show the last n storage commits")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  --init-config              Create a default config file")
	fmt.Println()
	fmt.Println("Config file locations (checked in order):")
	fmt.Println("  ./songolo.yaml")
	fmt.Println("  ~/.config/songolo/config.yaml")
	fmt.Println("  ~/.songolo.yaml")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Ingest a track by name")
	fmt.Println("  songolo \"Daft Punk - One More Time\"")
	fmt.Println()
	fmt.Println("  # Ingest an exact provider track")
	fmt.Println("  songolo deezer:3135556")
	fmt.Println()
	fmt.Println("  # Batch ingest with 8 parallel jobs")
	fmt.Println("  songolo -p 8 \"Queen - Under Pressure\" \"Queen - Bohemian Rhapsody\"")
	fmt.Println()
	fmt.Println("  # Inspect the library")
	fmt.Println("  songolo --list")
	fmt.Println("  songolo --query \"bohemian\"")
	fmt.Println("  songolo --history 10")
}
