package cache

import (
	"bytes"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"

	"github.com/dgnsrekt/readaloud/internal/tts"
)

// Compress transforms a stored raw artifact into its zstd encoding in
// place. The compressed file is written to a temp path, verified by
// round-trip decode, renamed into the addressed location, and only
// then is the raw original deleted — the same atomicity contract as
// Store. Pinned entries are left alone.
func (c *Cache) Compress(fp tts.Fingerprint) error {
	if c.encoder == nil {
		return nil // compression disabled
	}

	c.mu.Lock()
	entry, ok := c.index[fp]
	if !ok {
		c.mu.Unlock()
		return ErrNotFound
	}
	if entry.Format != FormatRaw {
		c.mu.Unlock()
		return nil // already compressed
	}
	if c.pins[fp] > 0 {
		c.mu.Unlock()
		return ErrPinned
	}
	rawPath := entry.Path
	c.mu.Unlock()

	raw, err := os.ReadFile(rawPath)
	if err != nil {
		c.dropCorrupt(fp)
		return ErrCorrupted
	}

	encoded := c.encoder.EncodeAll(raw, nil)
	if len(encoded) >= len(raw) {
		// Not worth it (already-compressed audio codecs land here).
		return nil
	}

	// Verify before publishing.
	decoded, err := c.decoder.DecodeAll(encoded, nil)
	if err != nil || !bytes.Equal(decoded, raw) {
		return tts.NewError(tts.CodeFileWrite, "compressed artifact failed verification", err)
	}

	dest := c.artifactPath(fp, FormatZstd)
	tempPath := dest + ".tmp"
	if err := os.WriteFile(tempPath, encoded, 0o644); err != nil {
		os.Remove(tempPath)
		return tts.NewError(tts.CodeFileWrite, "write compressed artifact", err)
	}
	if err := os.Rename(tempPath, dest); err != nil {
		os.Remove(tempPath)
		return tts.NewError(tts.CodeFileWrite, "publish compressed artifact", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok = c.index[fp]
	if !ok || entry.Format != FormatRaw {
		// Entry changed while we worked; discard our copy.
		os.Remove(dest)
		return nil
	}

	c.size += int64(len(encoded)) - entry.Size
	entry.Path = dest
	entry.Format = FormatZstd
	entry.Size = int64(len(encoded))
	c.stats.Compactions++
	c.saveIndexLocked()

	// The raw original goes only after the compressed entry is indexed.
	os.Remove(rawPath)

	log.Debug("cache compress",
		"fingerprint", fp.Short(),
		"before", humanize.Bytes(uint64(entry.OriginalSize)),
		"after", humanize.Bytes(uint64(entry.Size)))
	return nil
}

// CompressOlderThan compresses every raw artifact whose last access is
// older than age. Used as a background maintenance sweep; returns the
// number of artifacts compacted.
func (c *Cache) CompressOlderThan(age time.Duration) int {
	if c.encoder == nil {
		return 0
	}

	c.mu.Lock()
	cutoff := time.Now().Add(-age)
	var stale []tts.Fingerprint
	for fp, entry := range c.index {
		if entry.Format == FormatRaw && entry.LastAccess.Before(cutoff) && c.pins[fp] == 0 {
			stale = append(stale, fp)
		}
	}
	c.mu.Unlock()

	compacted := 0
	for _, fp := range stale {
		if err := c.Compress(fp); err == nil {
			compacted++
		}
	}
	return compacted
}

// maintain runs the periodic compression sweep until Close.
func (c *Cache) maintain(interval, age time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if n := c.CompressOlderThan(age); n > 0 {
				log.Debug("cache maintenance", "compacted", n)
			}
		}
	}
}
