package fetch

import (
	"context"
	"io"

	"media-preview/internal/metrics"
	"media-preview/internal/preview"
)

// Source supplies byte ranges of a remote file. Implementations may be slow
// and may fail mid-stream; every call is fallible. The pipeline never assumes
// a Source can seek: when Seekable reports false, consumers restrict
// themselves to forward-only reads.
type Source interface {
	// ReadRange returns up to length bytes starting at offset. A short read
	// without an error is never returned; sources report truncation as an
	// error carrying the truncated kind.
	ReadRange(ctx context.Context, offset int64, length int) ([]byte, error)

	// Size returns the total size of the file in bytes.
	Size() int64

	// Seekable reports whether ReadRange supports arbitrary offsets. A
	// forward-only source only accepts offsets at the current position.
	Seekable() bool
}

// Pather is implemented by sources whose backing file is directly reachable
// on the local filesystem. The engine hands such paths straight to the codec
// process instead of streaming through a pipe.
type Pather interface {
	LocalPath() string
}

// DefaultPrefixLen is how much of a file the identifier may read when no
// explicit prefix budget is configured.
const DefaultPrefixLen = 2 << 20 // 2 MiB

// ReadPrefix reads up to max leading bytes from src. Reading stops cleanly at
// end of file; errors from the source are passed through.
func ReadPrefix(ctx context.Context, src Source, max int64) ([]byte, error) {
	if size := src.Size(); size >= 0 && size < max {
		max = size
	}
	if max <= 0 {
		return nil, nil
	}
	buf, err := src.ReadRange(ctx, 0, int(max))
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// reader adapts a Source to io.Reader for forward-only consumers.
type reader struct {
	ctx   context.Context
	src   Source
	off   int64
	chunk int
}

// NewReader returns a forward-only io.Reader over src starting at offset 0.
// Reads are issued in chunks of chunkSize (64 KiB when zero).
func NewReader(ctx context.Context, src Source, chunkSize int) io.Reader {
	if chunkSize <= 0 {
		chunkSize = 64 * 1024
	}
	return &reader{ctx: ctx, src: src, chunk: chunkSize}
}

func (r *reader) Read(p []byte) (int, error) {
	if size := r.src.Size(); size >= 0 && r.off >= size {
		return 0, io.EOF
	}
	n := len(p)
	if n > r.chunk {
		n = r.chunk
	}
	buf, err := r.src.ReadRange(r.ctx, r.off, n)
	if err != nil {
		metrics.FetchRangeReadsTotal.WithLabelValues("error").Inc()
		return 0, err
	}
	if len(buf) == 0 {
		return 0, io.EOF
	}
	metrics.FetchRangeReadsTotal.WithLabelValues("ok").Inc()
	metrics.FetchBytesRead.Add(float64(len(buf)))
	copied := copy(p, buf)
	r.off += int64(copied)
	return copied, nil
}

// Truncated builds the error a Source reports when it delivered fewer bytes
// than the range promised.
func Truncated(op string, want, got int) error {
	return preview.Errorf(preview.KindTruncated, op, "expected %d bytes, got %d", want, got)
}
