package cache

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"

	"github.com/dgnsrekt/readaloud/internal/tts"
)

const indexFile = "artifacts.index"

// Cache is the content-addressed audio store. All index mutations are
// serialized behind one mutex (single-writer discipline); artifact file
// I/O runs outside the lock up to the atomic publish step.
type Cache struct {
	dir      string
	capacity int64

	mu     sync.Mutex
	index  map[tts.Fingerprint]*Entry
	pins   map[tts.Fingerprint]int
	size   int64
	stats  Stats
	closed bool

	encoder *zstd.Encoder
	decoder *zstd.Decoder
	done    chan struct{}
}

// New opens (or creates) a cache rooted at cfg.Dir, loading any
// surviving index. Index entries whose artifact files have vanished
// are dropped on load.
func New(cfg Config) (*Cache, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("cache: empty base directory")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create base directory: %w", err)
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig(cfg.Dir).Capacity
	}

	c := &Cache{
		dir:      cfg.Dir,
		capacity: cfg.Capacity,
		index:    make(map[tts.Fingerprint]*Entry),
		pins:     make(map[tts.Fingerprint]int),
		stats:    Stats{Capacity: cfg.Capacity},
		done:     make(chan struct{}),
	}

	if cfg.CompressionLevel > 0 {
		var err error
		c.encoder, err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(cfg.CompressionLevel)))
		if err != nil {
			return nil, fmt.Errorf("cache: create zstd encoder: %w", err)
		}
		c.decoder, err = zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("cache: create zstd decoder: %w", err)
		}
	}

	if err := c.loadIndex(); err != nil {
		log.Warn("cache: index unreadable, starting empty", "error", err)
		c.index = make(map[tts.Fingerprint]*Entry)
	}
	c.reconcile()

	if c.encoder != nil && cfg.MaintenanceInterval > 0 {
		go c.maintain(cfg.MaintenanceInterval, cfg.CompressAfter)
	}

	log.Debug("cache opened",
		"dir", c.dir,
		"entries", len(c.index),
		"size", humanize.Bytes(uint64(c.size)),
		"capacity", humanize.Bytes(uint64(c.capacity)))
	return c, nil
}

// Lookup returns the entry for a fingerprint, or nil on a miss. The
// artifact's existence was verified at load/publish time; Lookup does
// not touch the disk.
func (c *Cache) Lookup(fp tts.Fingerprint) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.index[fp]
	if !ok {
		c.stats.Misses++
		return nil
	}
	c.stats.Hits++
	c.stats.LastAccess = time.Now()
	cp := *entry
	return &cp
}

// Contains reports whether a fingerprint is indexed without counting a
// hit or touching access metadata.
func (c *Cache) Contains(fp tts.Fingerprint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.index[fp]
	return ok
}

// Store publishes a synthesized artifact atomically: the adapter wrote
// tempPath, Store verifies it is complete, evicts to make room, and
// renames it into the addressed location before indexing. No reader
// ever observes a partial artifact. On any failure the temp file is
// discarded and the fingerprint stays uncached.
func (c *Cache) Store(fp tts.Fingerprint, tempPath string, meta Metadata) (*Entry, error) {
	fi, err := os.Stat(tempPath)
	if err != nil {
		return nil, tts.NewError(tts.CodeFileWrite, "stat temp artifact", err)
	}
	if fi.Size() == 0 {
		os.Remove(tempPath)
		return nil, tts.NewError(tts.CodeFileWrite, "verify temp artifact", ErrEmptyArtifact)
	}
	size := fi.Size()

	c.mu.Lock()
	defer c.mu.Unlock()

	if size > c.capacity {
		os.Remove(tempPath)
		return nil, tts.NewError(tts.CodeFileWrite, "artifact exceeds cache capacity", ErrItemTooLarge)
	}

	// Replacing an existing artifact frees its bytes first. With an
	// active reader the current file must stay put; content addressing
	// guarantees the incoming bytes are equivalent anyway.
	if old, ok := c.index[fp]; ok {
		if c.pins[fp] > 0 {
			os.Remove(tempPath)
			old.LastAccess = time.Now()
			cp := *old
			return &cp, nil
		}
		c.removeLocked(old)
	}
	if freed := c.evictLocked(c.size + size - c.capacity); freed < c.size+size-c.capacity {
		// Everything evictable is pinned; publish anyway and let the
		// next eviction pass settle the budget.
		log.Warn("cache over budget after eviction",
			"size", humanize.Bytes(uint64(c.size+size)),
			"capacity", humanize.Bytes(uint64(c.capacity)))
	}

	dest := c.artifactPath(fp, FormatRaw)
	if err := os.Rename(tempPath, dest); err != nil {
		os.Remove(tempPath)
		return nil, tts.NewError(tts.CodeFileWrite, "publish artifact", err)
	}

	now := time.Now()
	entry := &Entry{
		Fingerprint:  fp,
		Path:         dest,
		Format:       FormatRaw,
		Size:         size,
		OriginalSize: size,
		SampleRate:   meta.SampleRate,
		Duration:     meta.Duration,
		StoredAt:     now,
		LastAccess:   now,
	}
	c.index[fp] = entry
	c.size += size
	c.saveIndexLocked()

	log.Debug("cache store",
		"fingerprint", fp.Short(),
		"size", humanize.Bytes(uint64(size)),
		"duration", meta.Duration)
	cp := *entry
	return &cp, nil
}

// Touch updates last-access time and hit count without copying data.
// Called on every cache hit; feeds the eviction ranking.
func (c *Cache) Touch(fp tts.Fingerprint) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.index[fp]; ok {
		entry.LastAccess = time.Now()
		entry.Hits++
	}
}

// Pin marks a fingerprint as having an active reader. Pinned entries
// are never evicted or recompressed. Returns false on a miss.
func (c *Cache) Pin(fp tts.Fingerprint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.index[fp]; !ok {
		return false
	}
	c.pins[fp]++
	return true
}

// Unpin releases a reader obtained with Pin.
func (c *Cache) Unpin(fp tts.Fingerprint) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pins[fp] > 1 {
		c.pins[fp]--
	} else {
		delete(c.pins, fp)
	}
}

// ReadArtifact returns the decoded audio bytes for a fingerprint,
// decompressing if needed. A corrupted artifact is evicted immediately
// and reported as ErrCorrupted so the caller re-synthesizes.
func (c *Cache) ReadArtifact(fp tts.Fingerprint) ([]byte, error) {
	c.mu.Lock()
	entry, ok := c.index[fp]
	if !ok {
		c.stats.Misses++
		c.mu.Unlock()
		return nil, ErrNotFound
	}
	path := entry.Path
	format := entry.Format
	entry.LastAccess = time.Now()
	entry.Hits++
	c.stats.Hits++
	c.mu.Unlock()

	return c.readArtifactAt(fp, path, format)
}

// readArtifactAt reads an artifact from where it was last seen. If the
// file is gone, the entry may have been recompressed between the index
// read and the file read, so the current location is resolved once
// more before the entry is condemned. Compression is one-way (raw to
// zstd, never back), so a single re-resolve suffices.
func (c *Cache) readArtifactAt(fp tts.Fingerprint, path string, format Format) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		c.mu.Lock()
		entry, ok := c.index[fp]
		if !ok {
			c.mu.Unlock()
			return nil, ErrNotFound
		}
		moved := entry.Path != path
		path = entry.Path
		format = entry.Format
		c.mu.Unlock()

		if moved {
			data, err = os.ReadFile(path)
		}
		if err != nil || len(data) == 0 {
			c.dropCorrupt(fp)
			return nil, ErrCorrupted
		}
	}

	if format == FormatZstd {
		if c.decoder == nil {
			c.dropCorrupt(fp)
			return nil, ErrCorrupted
		}
		decoded, err := c.decoder.DecodeAll(data, nil)
		if err != nil {
			c.dropCorrupt(fp)
			return nil, ErrCorrupted
		}
		data = decoded
	}
	return data, nil
}

// TempFile creates a scratch file in the cache directory for an
// adapter to write into before Store publishes it. Same filesystem as
// the addressed location, so the publish rename stays atomic.
func (c *Cache) TempFile(fp tts.Fingerprint) (string, error) {
	f, err := os.CreateTemp(c.dir, fp.Short()+"-*.tmp")
	if err != nil {
		return "", tts.NewError(tts.CodeFileWrite, "create temp artifact", err)
	}
	name := f.Name()
	f.Close()
	return name, nil
}

// Size returns the current bytes on disk.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Size = c.size
	s.ItemCount = int64(len(c.index))
	if s.Hits+s.Misses > 0 {
		s.HitRate = float64(s.Hits) / float64(s.Hits+s.Misses)
	}
	return s
}

// Close stops the maintenance sweep and persists the index.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return c.saveIndexLocked()
}

// dropCorrupt removes a failed artifact so the fingerprint reads as a
// miss from now on.
func (c *Cache) dropCorrupt(fp tts.Fingerprint) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.index[fp]; ok {
		log.Warn("cache artifact corrupted, evicting", "fingerprint", fp.Short())
		c.removeLocked(entry)
		c.saveIndexLocked()
	}
}

// removeLocked deletes an entry and its artifact. Caller holds c.mu.
func (c *Cache) removeLocked(entry *Entry) {
	os.Remove(entry.Path)
	c.size -= entry.Size
	if c.size < 0 {
		c.size = 0
	}
	delete(c.index, entry.Fingerprint)
}

func (c *Cache) artifactPath(fp tts.Fingerprint, format Format) string {
	return filepath.Join(c.dir, fp.String()+format.ext())
}

// reconcile drops index entries whose artifacts are missing or empty
// and recomputes the byte total. Runs once at open, before the cache
// is shared.
func (c *Cache) reconcile() {
	c.size = 0
	for fp, entry := range c.index {
		fi, err := os.Stat(entry.Path)
		if err != nil || fi.Size() == 0 {
			delete(c.index, fp)
			continue
		}
		entry.Size = fi.Size()
		c.size += entry.Size
	}
	c.stats.Size = c.size
	c.stats.ItemCount = int64(len(c.index))
}

func (c *Cache) loadIndex() error {
	f, err := os.Open(filepath.Join(c.dir, indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	return gob.NewDecoder(f).Decode(&c.index)
}

// saveIndexLocked persists the index crash-atomically
// (write-temp-then-rename). Caller holds c.mu.
func (c *Cache) saveIndexLocked() error {
	path := filepath.Join(c.dir, indexFile)
	tempPath := path + ".tmp"

	f, err := os.Create(tempPath)
	if err != nil {
		return err
	}
	err = gob.NewEncoder(f).Encode(c.index)
	closeErr := f.Close()
	if err != nil {
		os.Remove(tempPath)
		return err
	}
	if closeErr != nil {
		os.Remove(tempPath)
		return closeErr
	}
	return os.Rename(tempPath, path)
}
