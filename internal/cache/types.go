// Package cache implements the content-addressed audio artifact store.
// Artifacts are named by fingerprint digest, published atomically via
// temp-write-then-rename, and evicted LRU-first under a byte budget.
// A gob sidecar index persists metadata across restarts.
package cache

import (
	"errors"
	"time"

	"github.com/dgnsrekt/readaloud/internal/tts"
)

// Common errors for cache operations
var (
	// ErrNotFound is returned when a fingerprint is not indexed
	ErrNotFound = errors.New("fingerprint not in cache")

	// ErrCorrupted is returned when a stored artifact fails validation
	ErrCorrupted = errors.New("cache artifact corrupted")

	// ErrItemTooLarge is returned when an artifact exceeds the cache capacity
	ErrItemTooLarge = errors.New("artifact too large for cache")

	// ErrEmptyArtifact is returned when a publish candidate has no bytes
	ErrEmptyArtifact = errors.New("artifact is empty")

	// ErrPinned is returned when an operation would disturb an entry
	// with an active reader
	ErrPinned = errors.New("entry has active readers")
)

// Format identifies the on-disk encoding of an artifact.
type Format int

const (
	// FormatRaw is the engine-native encoding, stored as produced
	FormatRaw Format = iota

	// FormatZstd is a zstd-compressed artifact
	FormatZstd
)

// String returns the string representation of the format.
func (f Format) String() string {
	switch f {
	case FormatRaw:
		return "raw"
	case FormatZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// ext returns the artifact filename extension for the format.
func (f Format) ext() string {
	if f == FormatZstd {
		return ".zst"
	}
	return ".raw"
}

// Entry maps a fingerprint to its stored artifact and metadata.
// Entries are mutated on read (LastAccess, Hits) and on compression
// (Format, Path, Size); an indexed entry's artifact file always exists
// and is non-empty.
type Entry struct {
	Fingerprint  tts.Fingerprint
	Path         string // Absolute artifact path
	Format       Format
	Size         int64 // Bytes on disk
	OriginalSize int64 // Bytes before compression
	SampleRate   int
	Duration     time.Duration
	StoredAt     time.Time
	LastAccess   time.Time
	Hits         int64
}

// Metadata describes the audio being published into the cache.
type Metadata struct {
	SampleRate int
	Duration   time.Duration
}

// Stats holds cache performance counters.
type Stats struct {
	Capacity  int64 // Byte budget
	Size      int64 // Current bytes on disk
	ItemCount int64

	Hits        int64
	Misses      int64
	Evictions   int64
	Compactions int64 // Artifacts compressed in place

	HitRate    float64
	LastAccess time.Time
	LastEvict  time.Time
}

// Config holds cache configuration.
type Config struct {
	Dir              string // Base directory for artifacts and index
	Capacity         int64  // Byte budget (0 = default)
	CompressionLevel int    // Zstd level, 0 disables compression

	// CompressAfter is how long a raw artifact must sit unread before
	// the maintenance sweep compresses it.
	CompressAfter time.Duration

	// MaintenanceInterval is the sweep period. Zero disables the
	// background sweep; CompressOlderThan can still be called directly.
	MaintenanceInterval time.Duration
}

// DefaultConfig returns default cache configuration.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:                 dir,
		Capacity:            1 << 30, // 1GB
		CompressionLevel:    3,
		CompressAfter:       5 * time.Minute,
		MaintenanceInterval: time.Minute,
	}
}
