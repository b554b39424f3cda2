package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"media-preview/internal/cache"
)

const (
	// Default timeout for cache operations
	defaultTimeout = 30 * time.Second
	// Default cache directory path
	defaultCacheDir = "/cache"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle interrupt signals for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nInterrupted, shutting down...")
		cancel()
	}()

	cacheDir := os.Getenv("CACHE_DIR")
	if cacheDir == "" {
		cacheDir = defaultCacheDir
	}
	cachePath := filepath.Join(cacheDir, "previews.db")

	// Zero budgets: the tool inspects and deletes, it never evicts.
	c, err := cache.New(ctx, cache.Config{Path: cachePath})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to open preview cache: %v\n", err)
		fmt.Fprintf(os.Stderr, "Make sure CACHE_DIR is set correctly (current: %s)\n", cacheDir)
		os.Exit(1)
	}
	defer func() {
		if err := c.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close cache: %v\n", err)
		}
	}()

	switch command {
	case "stats":
		if !showStats(ctx, c) {
			os.Exit(1)
		}
	case "invalidate":
		if len(os.Args) != 4 {
			fmt.Fprintln(os.Stderr, "Usage: cachectl invalidate <host> <path>")
			os.Exit(1)
		}
		if !invalidateFile(ctx, c, os.Args[2], os.Args[3]) {
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", sanitizeCommand(command))
		printUsage()
		os.Exit(1)
	}
}

// sanitizeCommand returns a safe representation of a command string for
// display. Allowlist approach, anything outside [a-zA-Z0-9_-] becomes '_'.
func sanitizeCommand(cmd string) string {
	var b strings.Builder
	b.Grow(len(cmd))
	for _, r := range cmd {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func printUsage() {
	fmt.Println("Preview Cache Management")
	fmt.Println("")
	fmt.Println("Usage: cachectl <command>")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  stats                     - Show cache entry and byte totals")
	fmt.Println("  invalidate <host> <path>  - Drop all cached previews for a file")
	fmt.Println("")
	fmt.Println("Environment:")
	fmt.Printf("  CACHE_DIR - Path to cache directory (default: %s)\n", defaultCacheDir)
}

func showStats(ctx context.Context, c *cache.Cache) bool {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	entries, bytes, err := c.Stats(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to read cache stats: %v\n", err)
		return false
	}

	fmt.Printf("Entries: %d\n", entries)
	fmt.Printf("Bytes:   %d (%s)\n", bytes, formatBytes(bytes))
	return true
}

func invalidateFile(ctx context.Context, c *cache.Cache, host, path string) bool {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	removed, err := c.InvalidateFile(ctx, host, path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to invalidate: %v\n", err)
		return false
	}

	fmt.Printf("Removed %d cached preview(s) for %s:%s\n", removed, host, path)
	return true
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
