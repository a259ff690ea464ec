package cache_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dgnsrekt/readaloud/internal/cache"
	"github.com/dgnsrekt/readaloud/internal/tts"
)

func newTestCache(t *testing.T, capacity int64) *cache.Cache {
	t.Helper()
	cfg := cache.DefaultConfig(t.TempDir())
	if capacity > 0 {
		cfg.Capacity = capacity
	}
	c, err := cache.New(cfg)
	if err != nil {
		t.Fatalf("failed to open cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// writeTemp stages an artifact the way an adapter would before Store.
func writeTemp(t *testing.T, c *cache.Cache, fp tts.Fingerprint, data []byte) string {
	t.Helper()
	path, err := c.TempFile(fp)
	if err != nil {
		t.Fatalf("temp file: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write temp: %v", err)
	}
	return path
}

func store(t *testing.T, c *cache.Cache, fp tts.Fingerprint, data []byte) *cache.Entry {
	t.Helper()
	temp := writeTemp(t, c, fp, data)
	entry, err := c.Store(fp, temp, cache.Metadata{SampleRate: 22050, Duration: time.Second})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return entry
}

func fpFor(text string) tts.Fingerprint {
	return tts.NewFingerprint("test-voice", text, 1.0)
}

func TestStorePublishesAtomically(t *testing.T) {
	c := newTestCache(t, 0)
	fp := fpFor("hello")

	temp := writeTemp(t, c, fp, []byte("audio-bytes"))
	entry, err := c.Store(fp, temp, cache.Metadata{SampleRate: 22050, Duration: time.Second})
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	if _, err := os.Stat(temp); !os.IsNotExist(err) {
		t.Error("temp file should be gone after publish")
	}
	fi, err := os.Stat(entry.Path)
	if err != nil {
		t.Fatalf("published artifact missing: %v", err)
	}
	if fi.Size() == 0 {
		t.Error("published artifact is empty")
	}
	if !strings.Contains(filepath.Base(entry.Path), fp.String()) {
		t.Errorf("artifact not named by fingerprint: %s", entry.Path)
	}
}

func TestStoreRejectsEmptyArtifact(t *testing.T) {
	c := newTestCache(t, 0)
	fp := fpFor("empty")

	temp := writeTemp(t, c, fp, nil)
	if _, err := c.Store(fp, temp, cache.Metadata{}); err == nil {
		t.Fatal("expected error publishing empty artifact")
	}
	if c.Contains(fp) {
		t.Error("fingerprint must stay uncached after failed publish")
	}
	if _, err := os.Stat(temp); !os.IsNotExist(err) {
		t.Error("temp file should be cleaned up on failure")
	}
}

func TestLookupHitAndMiss(t *testing.T) {
	c := newTestCache(t, 0)
	fp := fpFor("present")

	if e := c.Lookup(fp); e != nil {
		t.Fatal("expected miss before store")
	}
	store(t, c, fp, []byte("data"))
	if e := c.Lookup(fp); e == nil {
		t.Fatal("expected hit after store")
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("stats hits=%d misses=%d, want 1/1", stats.Hits, stats.Misses)
	}
}

func TestReadArtifactRoundTrip(t *testing.T) {
	c := newTestCache(t, 0)
	fp := fpFor("roundtrip")
	payload := []byte("the quick brown fox")

	store(t, c, fp, payload)
	got, err := c.ReadArtifact(fp)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("artifact bytes mangled: %q", got)
	}
}

func TestCorruptArtifactEvictedOnRead(t *testing.T) {
	c := newTestCache(t, 0)
	fp := fpFor("corrupt")

	entry := store(t, c, fp, []byte("good bytes"))
	if err := os.Truncate(entry.Path, 0); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	if _, err := c.ReadArtifact(fp); !errors.Is(err, cache.ErrCorrupted) {
		t.Fatalf("expected ErrCorrupted, got %v", err)
	}
	if c.Contains(fp) {
		t.Error("corrupt entry should be evicted immediately")
	}
}

func TestEvictRemovesLeastRecentlyTouched(t *testing.T) {
	c := newTestCache(t, 0)

	old := fpFor("old")
	mid := fpFor("mid")
	fresh := fpFor("fresh")
	payload := make([]byte, 100)

	store(t, c, old, payload)
	time.Sleep(5 * time.Millisecond)
	store(t, c, mid, payload)
	time.Sleep(5 * time.Millisecond)
	store(t, c, fresh, payload)

	// Touch "old" so "mid" becomes the LRU entry.
	time.Sleep(5 * time.Millisecond)
	c.Touch(old)

	freed := c.Evict(100)
	if freed < 100 {
		t.Fatalf("freed %d bytes, want >= 100", freed)
	}
	if c.Contains(mid) {
		t.Error("mid was least recently touched and should be gone")
	}
	if !c.Contains(old) || !c.Contains(fresh) {
		t.Error("only the LRU entry should have been evicted")
	}
}

func TestEvictSkipsPinnedEntries(t *testing.T) {
	c := newTestCache(t, 0)
	pinned := fpFor("pinned")
	loose := fpFor("loose")

	store(t, c, pinned, make([]byte, 100))
	time.Sleep(5 * time.Millisecond)
	store(t, c, loose, make([]byte, 100))

	if !c.Pin(pinned) {
		t.Fatal("pin failed")
	}
	defer c.Unpin(pinned)

	// pinned is older, but must survive.
	c.Evict(100)
	if !c.Contains(pinned) {
		t.Error("pinned entry was evicted")
	}
	if c.Contains(loose) {
		t.Error("unpinned entry should have been evicted instead")
	}
}

func TestMaintenanceSweepCompressesIdleArtifacts(t *testing.T) {
	cfg := cache.DefaultConfig(t.TempDir())
	cfg.CompressAfter = 20 * time.Millisecond
	cfg.MaintenanceInterval = 10 * time.Millisecond
	c, err := cache.New(cfg)
	if err != nil {
		t.Fatalf("failed to open cache: %v", err)
	}
	defer c.Close()

	fp := fpFor("idle-artifact")
	payload := []byte(strings.Repeat("abcdefgh", 512))
	store(t, c, fp, payload)

	deadline := time.Now().Add(3 * time.Second)
	for {
		if entry := c.Lookup(fp); entry != nil && entry.Format == cache.FormatZstd {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("maintenance sweep never compressed the idle artifact")
		}
		time.Sleep(10 * time.Millisecond)
	}

	data, err := c.ReadArtifact(fp)
	if err != nil {
		t.Fatalf("read after sweep: %v", err)
	}
	if string(data) != string(payload) {
		t.Error("sweep-compressed artifact does not round-trip")
	}
}

func TestStoreKeepsPinnedArtifactOnReplace(t *testing.T) {
	c := newTestCache(t, 0)
	fp := fpFor("pinned-replace")

	first := store(t, c, fp, []byte("original-bytes"))
	if !c.Pin(fp) {
		t.Fatal("pin failed")
	}
	defer c.Unpin(fp)

	// Re-storing the same fingerprint must not disturb the file an
	// active reader holds.
	again := store(t, c, fp, []byte("original-bytes"))
	if again.Path != first.Path {
		t.Errorf("pinned re-store moved the artifact: %s -> %s", first.Path, again.Path)
	}
	if _, err := os.Stat(first.Path); err != nil {
		t.Errorf("pinned artifact removed during re-store: %v", err)
	}
	if data, err := c.ReadArtifact(fp); err != nil || string(data) != "original-bytes" {
		t.Errorf("pinned entry unreadable after re-store: %v", err)
	}
}

func TestCompressShrinksAndVerifies(t *testing.T) {
	c := newTestCache(t, 0)
	fp := fpFor("compressible")
	payload := []byte(strings.Repeat("0123456789", 1000))

	before := store(t, c, fp, payload)
	if err := c.Compress(fp); err != nil {
		t.Fatalf("compress: %v", err)
	}

	after := c.Lookup(fp)
	if after == nil {
		t.Fatal("entry vanished after compress")
	}
	if after.Format != cache.FormatZstd {
		t.Errorf("format = %s, want zstd", after.Format)
	}
	if after.Size >= before.Size {
		t.Errorf("size did not shrink: %d -> %d", before.Size, after.Size)
	}
	if _, err := os.Stat(before.Path); !os.IsNotExist(err) {
		t.Error("raw original should be deleted after verified swap")
	}

	got, err := c.ReadArtifact(fp)
	if err != nil {
		t.Fatalf("read after compress: %v", err)
	}
	if string(got) != string(payload) {
		t.Error("decompressed bytes differ from original")
	}
}

func TestCompressRefusesPinned(t *testing.T) {
	c := newTestCache(t, 0)
	fp := fpFor("busy")
	store(t, c, fp, []byte(strings.Repeat("x", 4096)))

	c.Pin(fp)
	defer c.Unpin(fp)

	if err := c.Compress(fp); !errors.Is(err, cache.ErrPinned) {
		t.Errorf("expected ErrPinned, got %v", err)
	}
}

func TestIndexSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := cache.DefaultConfig(dir)

	c, err := cache.New(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	fp := fpFor("durable")
	temp, err := c.TempFile(fp)
	if err != nil {
		t.Fatalf("temp: %v", err)
	}
	if err := os.WriteFile(temp, []byte("persisted"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := c.Store(fp, temp, cache.Metadata{SampleRate: 22050, Duration: 2 * time.Second}); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := cache.New(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	entry := reopened.Lookup(fp)
	if entry == nil {
		t.Fatal("entry lost across restart")
	}
	if entry.Duration != 2*time.Second || entry.SampleRate != 22050 {
		t.Errorf("metadata lost: %+v", entry)
	}
	data, err := reopened.ReadArtifact(fp)
	if err != nil || string(data) != "persisted" {
		t.Errorf("artifact unreadable after reopen: %v", err)
	}
}

func TestReopenDropsMissingArtifacts(t *testing.T) {
	dir := t.TempDir()
	cfg := cache.DefaultConfig(dir)

	c, err := cache.New(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	fp := fpFor("vanishing")
	temp, _ := c.TempFile(fp)
	os.WriteFile(temp, []byte("bytes"), 0o644)
	entry, err := c.Store(fp, temp, cache.Metadata{})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	c.Close()

	// Simulate external deletion between runs.
	os.Remove(entry.Path)

	reopened, err := cache.New(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if reopened.Contains(fp) {
		t.Error("entry with missing artifact should be dropped on load")
	}
}

func TestStoreEvictsToMakeRoom(t *testing.T) {
	c := newTestCache(t, 300)

	a := fpFor("a")
	b := fpFor("b")
	store(t, c, a, make([]byte, 150))
	time.Sleep(5 * time.Millisecond)
	store(t, c, b, make([]byte, 150))

	// Third artifact forces the oldest out.
	d := fpFor("d")
	store(t, c, d, make([]byte, 150))

	if c.Contains(a) {
		t.Error("oldest entry should be evicted to fit new artifact")
	}
	if !c.Contains(b) || !c.Contains(d) {
		t.Error("newer entries should survive")
	}
	if c.Size() > 300 {
		t.Errorf("cache over budget: %d bytes", c.Size())
	}
}
