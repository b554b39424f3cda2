package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"media-preview/internal/logging"
	"media-preview/internal/metrics"
	"media-preview/internal/preview"
)

// RetryConfig configures retry behavior for reads against networked mounts
// (NFS and friends), where stale file handles appear transiently.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig returns sensible defaults for NFS retry behavior.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
	}
}

// isStaleError checks if an error is an NFS stale file handle error
func isStaleError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.ESTALE
	}
	return false
}

// Local serves files from a rooted directory on the local filesystem,
// typically a network mount of the remote host. Paths are confined to the
// root; escaping references are rejected.
type Local struct {
	host  string
	root  string
	retry RetryConfig
}

// NewLocal creates a Local adapter for root. The host label goes into the
// FileIdentity of every file the adapter opens.
func NewLocal(host, root string) *Local {
	return &Local{host: host, root: root, retry: DefaultRetryConfig()}
}

// Resolve maps a request path to an absolute path under the root.
func (l *Local) Resolve(relPath string) (string, error) {
	cleaned := filepath.Clean("/" + relPath)
	abs := filepath.Join(l.root, cleaned)
	if abs != l.root && !strings.HasPrefix(abs, l.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes media root", relPath)
	}
	return abs, nil
}

// Open stats and opens a file under the root, returning a seekable Source
// together with the observed FileIdentity.
func (l *Local) Open(relPath string) (*LocalFile, error) {
	abs, err := l.Resolve(relPath)
	if err != nil {
		return nil, preview.E(preview.KindHostUnreachable, "fetch.Open", err)
	}

	info, err := l.statWithRetry(abs)
	if err != nil {
		return nil, preview.E(preview.KindHostUnreachable, "fetch.Open", err)
	}
	if info.IsDir() {
		return nil, preview.Errorf(preview.KindHostUnreachable, "fetch.Open", "%q is a directory", relPath)
	}

	f, err := l.openWithRetry(abs)
	if err != nil {
		return nil, preview.E(preview.KindHostUnreachable, "fetch.Open", err)
	}

	return &LocalFile{
		f:     f,
		path:  abs,
		size:  info.Size(),
		retry: l.retry,
		identity: preview.FileIdentity{
			Host:    l.host,
			Path:    relPath,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		},
	}, nil
}

// Stat returns the current FileIdentity for a path without opening it.
// The pipeline uses this to validate cache freshness.
func (l *Local) Stat(relPath string) (preview.FileIdentity, error) {
	abs, err := l.Resolve(relPath)
	if err != nil {
		return preview.FileIdentity{}, preview.E(preview.KindHostUnreachable, "fetch.Stat", err)
	}
	info, err := l.statWithRetry(abs)
	if err != nil {
		return preview.FileIdentity{}, preview.E(preview.KindHostUnreachable, "fetch.Stat", err)
	}
	return preview.FileIdentity{
		Host:    l.host,
		Path:    relPath,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, nil
}

func (l *Local) statWithRetry(path string) (os.FileInfo, error) {
	var lastErr error
	backoff := l.retry.InitialBackoff

	for attempt := 0; attempt <= l.retry.MaxRetries; attempt++ {
		info, err := os.Stat(path)
		if err == nil {
			if attempt > 0 {
				logging.Info("Stat succeeded on retry %d for %s", attempt, path)
			}
			return info, nil
		}
		lastErr = err

		// Only stale handles are worth retrying
		if !isStaleError(err) {
			return nil, err
		}

		if attempt < l.retry.MaxRetries {
			metrics.FetchRetryAttempts.Inc()
			logging.Debug("Stale file handle for %s, retrying in %v (attempt %d/%d)",
				path, backoff, attempt+1, l.retry.MaxRetries)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > l.retry.MaxBackoff {
				backoff = l.retry.MaxBackoff
			}
		}
	}

	logging.Warn("Stat failed after %d retries for %s: %v", l.retry.MaxRetries, path, lastErr)
	return nil, lastErr
}

func (l *Local) openWithRetry(path string) (*os.File, error) {
	var lastErr error
	backoff := l.retry.InitialBackoff

	for attempt := 0; attempt <= l.retry.MaxRetries; attempt++ {
		f, err := os.Open(path)
		if err == nil {
			return f, nil
		}
		lastErr = err

		if !isStaleError(err) {
			return nil, err
		}

		if attempt < l.retry.MaxRetries {
			metrics.FetchRetryAttempts.Inc()
			time.Sleep(backoff)
			backoff *= 2
			if backoff > l.retry.MaxBackoff {
				backoff = l.retry.MaxBackoff
			}
		}
	}

	return nil, lastErr
}

// LocalFile is an open file under a Local adapter's root. It is a seekable
// Source and also exposes its filesystem path for codec processes.
type LocalFile struct {
	f        *os.File
	path     string
	size     int64
	retry    RetryConfig
	identity preview.FileIdentity
}

// Identity returns the FileIdentity observed when the file was opened.
func (lf *LocalFile) Identity() preview.FileIdentity { return lf.identity }

// LocalPath returns the absolute filesystem path of the file.
func (lf *LocalFile) LocalPath() string { return lf.path }

// Size returns the file size observed at open time.
func (lf *LocalFile) Size() int64 { return lf.size }

// Seekable always reports true for local files.
func (lf *LocalFile) Seekable() bool { return true }

// ReadRange reads length bytes at offset. A read past the end of file is
// clipped to the file size; delivering fewer bytes than the clipped range
// reports a truncated error.
func (lf *LocalFile) ReadRange(ctx context.Context, offset int64, length int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, preview.E(preview.KindCancelled, "fetch.ReadRange", err)
	}
	if offset < 0 || length < 0 {
		return nil, preview.Errorf(preview.KindHostUnreachable, "fetch.ReadRange", "invalid range %d+%d", offset, length)
	}
	if offset >= lf.size {
		return nil, nil
	}
	if remain := lf.size - offset; int64(length) > remain {
		length = int(remain)
	}

	buf := make([]byte, length)
	n, err := lf.f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		metrics.FetchRangeReadsTotal.WithLabelValues("error").Inc()
		return nil, preview.E(preview.KindHostUnreachable, "fetch.ReadRange", err)
	}
	if n < length {
		// The file shrank under us, or the mount returned a partial read.
		metrics.FetchRangeReadsTotal.WithLabelValues("truncated").Inc()
		return buf[:n], Truncated("fetch.ReadRange", length, n)
	}
	metrics.FetchRangeReadsTotal.WithLabelValues("ok").Inc()
	metrics.FetchBytesRead.Add(float64(n))
	return buf, nil
}

// Close releases the underlying file handle.
func (lf *LocalFile) Close() error {
	return lf.f.Close()
}
