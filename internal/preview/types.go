package preview

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// Kind selects the shape of the requested preview.
type Kind string

const (
	// KindThumbnail is a single still frame scaled to fit the max dimensions.
	KindThumbnail Kind = "thumbnail"
	// KindClip is a short re-encoded excerpt bounded by max duration.
	KindClip Kind = "clip"
	// KindProxy is a re-encoded sequential stream capped at a target bitrate.
	KindProxy Kind = "proxy"
)

// Valid reports whether k is one of the recognized preview kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindThumbnail, KindClip, KindProxy:
		return true
	}
	return false
}

// FileIdentity identifies one version of a remote file. Two identities with
// equal (Host, Path, Size, ModTime) refer to the same content; ContentHash,
// when present, is authoritative and supersedes the tuple comparison.
// Identities are immutable once a request enters the pipeline.
type FileIdentity struct {
	Host        string    `json:"host"`
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	ModTime     time.Time `json:"modTime"`
	ContentHash string    `json:"contentHash,omitempty"`
}

// SameContent reports whether id and other refer to the same file content.
func (id FileIdentity) SameContent(other FileIdentity) bool {
	if id.Host != other.Host || id.Path != other.Path {
		return false
	}
	if id.ContentHash != "" && other.ContentHash != "" {
		return id.ContentHash == other.ContentHash
	}
	return id.Size == other.Size && id.ModTime.Equal(other.ModTime)
}

// canonical returns the stable string form used for key derivation. The
// content hash replaces size and mtime when present so that it supersedes
// the tuple.
func (id FileIdentity) canonical() string {
	var b strings.Builder
	b.WriteString(id.Host)
	b.WriteByte('|')
	b.WriteString(id.Path)
	b.WriteByte('|')
	if id.ContentHash != "" {
		b.WriteString("h:")
		b.WriteString(id.ContentHash)
	} else {
		b.WriteString(strconv.FormatInt(id.Size, 10))
		b.WriteByte('|')
		b.WriteString(strconv.FormatInt(id.ModTime.UnixNano(), 10))
	}
	return b.String()
}

// QualitySpec describes the desired preview output. Immutable value.
type QualitySpec struct {
	Kind        Kind          `json:"kind"`
	MaxWidth    int           `json:"maxWidth,omitempty"`
	MaxHeight   int           `json:"maxHeight,omitempty"`
	MaxDuration time.Duration `json:"maxDuration,omitempty"`
	// TargetBitrate is the output bitrate cap in bits per second.
	// Only meaningful for clip and proxy kinds.
	TargetBitrate int `json:"targetBitrate,omitempty"`
	// Format is the output format tag ("webp", "jpeg", "mp4").
	// Empty selects the kind's default.
	Format string `json:"format,omitempty"`
}

// Validate checks the spec for internally inconsistent values.
func (q QualitySpec) Validate() error {
	if !q.Kind.Valid() {
		return fmt.Errorf("invalid preview kind %q", q.Kind)
	}
	if q.MaxWidth < 0 || q.MaxHeight < 0 {
		return fmt.Errorf("negative max dimensions %dx%d", q.MaxWidth, q.MaxHeight)
	}
	if q.MaxDuration < 0 {
		return fmt.Errorf("negative max duration %s", q.MaxDuration)
	}
	if q.TargetBitrate < 0 {
		return fmt.Errorf("negative target bitrate %d", q.TargetBitrate)
	}
	return nil
}

func (q QualitySpec) canonical() string {
	return fmt.Sprintf("%s|%dx%d|%d|%d|%s",
		q.Kind, q.MaxWidth, q.MaxHeight, q.MaxDuration.Milliseconds(), q.TargetBitrate, q.Format)
}

// PreviewKey is the deterministic composite of a FileIdentity and a
// QualitySpec. It keys both the cache and the scheduler's in-flight job
// table; requests with equal keys are coalesced.
type PreviewKey string

// KeyFor derives the PreviewKey for an identity and quality spec.
func KeyFor(id FileIdentity, q QualitySpec) PreviewKey {
	sum := sha256.Sum256([]byte(id.canonical() + "||" + q.canonical()))
	return PreviewKey(hex.EncodeToString(sum[:]))
}

// MediaDescriptor holds what the identifier learned about a file from its
// byte prefix. Duration and dimensions may be unknown for streamed or
// unindexed containers; consumers fall back to conservative budgets.
// Descriptors are never persisted.
type MediaDescriptor struct {
	Container       string
	Codec           string
	Duration        time.Duration
	Width           int
	Height          int
	FrameRate       float64
	Seekable        bool
	DurationKnown   bool
	DimensionsKnown bool
}

// IsVideo reports whether the descriptor names a video container family.
func (d MediaDescriptor) IsVideo() bool {
	return strings.HasPrefix(d.Container, "video/")
}

// IsImage reports whether the descriptor names an image container family.
func (d MediaDescriptor) IsImage() bool {
	return strings.HasPrefix(d.Container, "image/")
}

// IsAudio reports whether the descriptor names an audio container family.
func (d MediaDescriptor) IsAudio() bool {
	return strings.HasPrefix(d.Container, "audio/")
}

// PreviewArtifact is a produced, display-ready preview. Small artifacts
// (thumbnails, clips) carry their payload in Data; proxy streams are spooled
// to FilePath so the whole output is never resident in memory.
//
// Once written to the cache the artifact is owned by the cache; callers get
// a read-only view valid until the key's next eviction.
type PreviewArtifact struct {
	Data        []byte        `json:"-"`
	FilePath    string        `json:"-"`
	Format      string        `json:"format"`
	Width       int           `json:"width,omitempty"`
	Height      int           `json:"height,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Size        int64         `json:"size"`
	GeneratedAt time.Time     `json:"generatedAt"`
	Source      FileIdentity  `json:"source"`

	// file holds the spool open after Detach so readers outlive the unlink.
	file *os.File
}

// ByteCost returns the artifact's resident cost for cache accounting.
func (a *PreviewArtifact) ByteCost() int64 {
	if a.file != nil || a.FilePath != "" {
		return a.Size
	}
	return int64(len(a.Data))
}

// Detach unlinks a file-backed artifact's spool while keeping the payload
// readable through an already-open handle. Called when the cache declines
// ownership of the spool: waiters still serve the bytes, and the disk space
// returns once the handle is collected. Must be called before the artifact
// is shared with waiters; no-op for byte-backed or already detached
// artifacts.
func (a *PreviewArtifact) Detach() error {
	if a.FilePath == "" || a.file != nil {
		return nil
	}
	f, err := os.Open(a.FilePath)
	if err != nil {
		return err
	}
	if err := os.Remove(a.FilePath); err != nil {
		f.Close()
		return err
	}
	a.file = f
	return nil
}

// Open returns a reader over the artifact payload. Concurrent readers get
// independent positions.
func (a *PreviewArtifact) Open() (io.ReadCloser, error) {
	if a.file != nil {
		return io.NopCloser(io.NewSectionReader(a.file, 0, a.Size)), nil
	}
	if a.FilePath != "" {
		return os.Open(a.FilePath)
	}
	return io.NopCloser(bytes.NewReader(a.Data)), nil
}
