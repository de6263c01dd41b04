package cache

import (
	"bytes"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ralt/resolvd/internal/metrics"
	"github.com/ralt/resolvd/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func openTestCache(t *testing.T, dir string, maxBytes int64, clock *fakeClock) *Cache {
	t.Helper()
	c, err := Open(Options{Dir: dir, MaxBytes: maxBytes, Clock: clock.Now})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return c
}

func descriptor(key string) models.PackageDescriptor {
	return models.PackageDescriptor{
		Key:     key,
		Name:    key,
		Version: "1.0.0",
		URL:     "https://github.com/u/r/" + key + ".jar",
	}
}

func payload(n int) []byte {
	return bytes.Repeat([]byte{'x'}, n)
}

func TestPutGetRoundTrip(t *testing.T) {
	clock := newFakeClock()
	c := openTestCache(t, t.TempDir(), 1000, clock)

	if !c.Put("a", []byte("hello"), descriptor("a")) {
		t.Fatalf("Put failed")
	}
	data, ok := c.Get("a")
	if !ok || string(data) != "hello" {
		t.Fatalf("Get = %q, %v", data, ok)
	}

	entry, ok := c.Entry("a")
	if !ok {
		t.Fatalf("entry missing")
	}
	if entry.Descriptor.FilePath != c.PathFor("a") || entry.Descriptor.FileSize != 5 {
		t.Errorf("descriptor not stamped with file info: %+v", entry.Descriptor)
	}
	if !entry.Descriptor.Valid() {
		t.Errorf("cached descriptor should be valid")
	}

	if _, ok := c.Get("missing"); ok {
		t.Errorf("expected miss")
	}
	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.HitRate != 0.5 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestGetUpdatesRecency(t *testing.T) {
	clock := newFakeClock()
	c := openTestCache(t, t.TempDir(), 1000, clock)
	c.Put("a", payload(10), descriptor("a"))

	before, _ := c.Entry("a")
	c.Get("a")
	after, _ := c.Entry("a")

	if !after.LastAccess.After(before.LastAccess) {
		t.Errorf("LastAccess did not increase: %v -> %v", before.LastAccess, after.LastAccess)
	}
	if after.AccessCount != before.AccessCount+1 {
		t.Errorf("AccessCount = %d, want %d", after.AccessCount, before.AccessCount+1)
	}
}

func TestLRUEviction(t *testing.T) {
	clock := newFakeClock()
	c := openTestCache(t, t.TempDir(), 300, clock)

	for _, k := range []string{"a", "b", "c"} {
		if !c.Put(k, payload(100), descriptor(k)) {
			t.Fatalf("Put %s failed", k)
		}
		clock.Advance(time.Minute)
	}

	// Touch "a" so "b" becomes the least recently used
	clock.Advance(time.Minute)
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("expected hit on a")
	}

	clock.Advance(time.Minute)
	if !c.Put("d", payload(100), descriptor("d")) {
		t.Fatalf("Put d failed")
	}

	if c.Contains("b") {
		t.Errorf("b should have been evicted")
	}
	for _, k := range []string{"a", "c", "d"} {
		if !c.Contains(k) {
			t.Errorf("%s should still be cached", k)
		}
	}
	if _, err := os.Stat(c.PathFor("b")); !os.IsNotExist(err) {
		t.Errorf("evicted file still on disk")
	}

	stats := c.Stats()
	if stats.Bytes > 300 {
		t.Errorf("size invariant violated: %d > 300", stats.Bytes)
	}
	if stats.Evictions != 1 {
		t.Errorf("Evictions = %d, want 1", stats.Evictions)
	}
}

func TestEnsureSpaceEvictsExactlyLeastRecent(t *testing.T) {
	clock := newFakeClock()
	c := openTestCache(t, t.TempDir(), 400, clock)

	for _, k := range []string{"a", "b", "c", "d"} {
		c.Put(k, payload(100), descriptor(k))
		clock.Advance(time.Second)
	}
	c.Get("a")

	victims := c.EnsureSpace(150)
	if len(victims) != 2 || victims[0] != "b" || victims[1] != "c" {
		t.Fatalf("victims = %v, want [b c]", victims)
	}
	if got := c.Stats().Bytes; got+150 > 400 {
		t.Errorf("not enough space freed: %d", got)
	}

	if v := c.EnsureSpace(0); len(v) != 0 {
		t.Errorf("no-op EnsureSpace evicted %v", v)
	}
}

func TestPutRejectsOversizedPayload(t *testing.T) {
	clock := newFakeClock()
	c := openTestCache(t, t.TempDir(), 50, clock)
	if c.Put("big", payload(51), descriptor("big")) {
		t.Fatalf("oversized payload should not be cached")
	}
	if c.Contains("big") {
		t.Errorf("oversized payload reported as cached")
	}
}

func TestGetSelfHealsMissingFile(t *testing.T) {
	clock := newFakeClock()
	c := openTestCache(t, t.TempDir(), 1000, clock)
	c.Put("a", payload(10), descriptor("a"))

	os.Remove(c.PathFor("a"))

	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected miss for missing file")
	}
	if _, ok := c.Entry("a"); ok {
		t.Errorf("stale entry was not pruned")
	}
	if c.Stats().Bytes != 0 {
		t.Errorf("size accounting not updated")
	}
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	clock := newFakeClock()
	c := openTestCache(t, t.TempDir(), 1000, clock)

	c.Put("old", payload(10), descriptor("old"))
	clock.Advance(6 * 24 * time.Hour)
	c.Put("fresh", payload(10), descriptor("fresh"))
	clock.Advance(2 * 24 * time.Hour)

	if n := c.Sweep(); n != 1 {
		t.Fatalf("Sweep removed %d entries, want 1", n)
	}
	if c.Contains("old") {
		t.Errorf("expired entry survived")
	}
	if !c.Contains("fresh") {
		t.Errorf("fresh entry removed")
	}
}

func TestIndexPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()
	c := openTestCache(t, dir, 1000, clock)
	c.Put("a", []byte("alpha"), descriptor("a"))
	c.Put("b", []byte("beta"), descriptor("b"))
	c.Get("a")
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Remove b's file behind the cache's back
	os.Remove(c.PathFor("b"))

	reopened := openTestCache(t, dir, 1000, clock)
	data, ok := reopened.Get("a")
	if !ok || string(data) != "alpha" {
		t.Fatalf("Get after reopen = %q, %v", data, ok)
	}
	entry, _ := reopened.Entry("a")
	if entry.AccessCount != 2 {
		t.Errorf("AccessCount = %d, want 2", entry.AccessCount)
	}
	if reopened.Contains("b") {
		t.Errorf("entry with missing file should be dropped on open")
	}
}

func TestCorruptIndexIsDiscarded(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(dir+"/"+indexFileName, []byte("{not json"), 0644)

	clock := newFakeClock()
	c := openTestCache(t, dir, 1000, clock)
	if c.Stats().Entries != 0 {
		t.Fatalf("expected empty cache")
	}
	if !c.Put("a", payload(5), descriptor("a")) {
		t.Fatalf("Put after corrupt index failed")
	}
}

func TestRemoveAndClear(t *testing.T) {
	clock := newFakeClock()
	c := openTestCache(t, t.TempDir(), 1000, clock)
	c.Put("a", payload(10), descriptor("a"))
	c.Put("b", payload(10), descriptor("b"))

	if !c.Remove("a") {
		t.Errorf("Remove existing returned false")
	}
	if c.Remove("a") {
		t.Errorf("Remove missing returned true")
	}
	if !c.Clear() {
		t.Errorf("Clear failed")
	}
	if c.Stats().Entries != 0 || c.Stats().Bytes != 0 {
		t.Errorf("cache not empty after Clear: %+v", c.Stats())
	}
}

func TestConcurrentAccess(t *testing.T) {
	clock := newFakeClock()
	c := openTestCache(t, t.TempDir(), 500, clock)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := string(rune('a' + i))
			for j := 0; j < 20; j++ {
				c.Put(key, payload(50+i), descriptor(key))
				c.Get(key)
			}
		}(i)
	}
	wg.Wait()

	if got := c.Stats().Bytes; got > 500 {
		t.Fatalf("size invariant violated under concurrency: %d", got)
	}
}

func TestGetDropsTamperedFile(t *testing.T) {
	clock := newFakeClock()
	c := openTestCache(t, t.TempDir(), 1000, clock)
	c.Put("a", []byte("alpha"), descriptor("a"))

	entry, _ := c.Entry("a")
	if entry.Descriptor.Checksum == "" {
		t.Fatalf("expected Put to record a checksum")
	}

	// Same size, different content
	if err := os.WriteFile(c.PathFor("a"), []byte("omega"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected miss for a file that no longer matches its checksum")
	}
	if _, ok := c.Entry("a"); ok {
		t.Errorf("tampered entry was not pruned")
	}
	if _, err := os.Stat(c.PathFor("a")); !os.IsNotExist(err) {
		t.Errorf("tampered file was not removed")
	}
}

func TestVerify(t *testing.T) {
	clock := newFakeClock()
	c := openTestCache(t, t.TempDir(), 1000, clock)
	c.Put("a", []byte("alpha"), descriptor("a"))
	c.Put("b", []byte("beta"), descriptor("b"))
	c.Put("c", []byte("gamma"), descriptor("c"))

	os.WriteFile(c.PathFor("b"), []byte("bet"), 0644)
	os.Remove(c.PathFor("c"))

	dropped := c.Verify()
	if len(dropped) != 2 || dropped[0] != "b" || dropped[1] != "c" {
		t.Fatalf("Verify dropped %v, want [b c]", dropped)
	}
	if data, ok := c.Get("a"); !ok || string(data) != "alpha" {
		t.Errorf("intact entry lost: %q, %v", data, ok)
	}
	if got := c.Stats().Bytes; got != 5 {
		t.Errorf("Bytes = %d, want 5", got)
	}
}

func TestRemoveFilesKeepsRewrittenKeys(t *testing.T) {
	clock := newFakeClock()
	c := openTestCache(t, t.TempDir(), 1000, clock)
	c.Put("a", payload(10), descriptor("a"))
	c.Put("b", payload(10), descriptor("b"))

	// a was evicted and put again before its old file was removed; b is
	// being written
	c.mu.Lock()
	c.pending["b"] = true
	c.mu.Unlock()
	c.removeFiles([]string{"a", "b"})
	c.mu.Lock()
	delete(c.pending, "b")
	c.mu.Unlock()

	for _, key := range []string{"a", "b"} {
		if _, err := os.Stat(c.PathFor(key)); err != nil {
			t.Errorf("file of %s was removed: %v", key, err)
		}
	}
	if _, ok := c.Get("a"); !ok {
		t.Errorf("expected a to stay cached")
	}
}

type bytesRecorder struct {
	metrics.Noop
	mu    sync.Mutex
	bytes int64
}

func (r *bytesRecorder) SetCacheBytes(n int64) {
	r.mu.Lock()
	r.bytes = n
	r.mu.Unlock()
}

func (r *bytesRecorder) last() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytes
}

func TestSweepUpdatesCacheBytesGauge(t *testing.T) {
	clock := newFakeClock()
	rec := &bytesRecorder{}
	c, err := Open(Options{Dir: t.TempDir(), MaxBytes: 1000, Clock: clock.Now, Metrics: rec})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	c.Put("old", payload(30), descriptor("old"))
	clock.Advance(8 * 24 * time.Hour)
	c.Put("fresh", payload(20), descriptor("fresh"))
	if got := rec.last(); got != 50 {
		t.Fatalf("gauge = %d before sweep, want 50", got)
	}

	if n := c.Sweep(); n != 1 {
		t.Fatalf("Sweep removed %d entries, want 1", n)
	}
	if got := rec.last(); got != 20 {
		t.Errorf("gauge = %d after sweep, want 20", got)
	}
}
