package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ralt/resolvd/internal/metrics"
	"github.com/ralt/resolvd/internal/models"
	"github.com/ralt/resolvd/internal/utils"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultMaxBytes bounds the total size of cached packages
	DefaultMaxBytes = 256 << 20
	// DefaultRetention is how long an unused entry survives the sweep
	DefaultRetention = 7 * 24 * time.Hour
	// DefaultSweepInterval is how often the expiry sweep runs
	DefaultSweepInterval = time.Hour

	indexFileName = "index.json"
	indexVersion  = 1
)

// Options configures a Cache
type Options struct {
	Dir           string
	MaxBytes      int64
	Retention     time.Duration
	SweepInterval time.Duration
	Metrics       metrics.Recorder
	// Clock overrides time.Now, for tests
	Clock func() time.Time
}

// indexFile is the on-disk JSON metadata index
type indexFile struct {
	Version   int                          `json:"version"`
	Entries   map[string]models.CacheEntry `json:"entries"`
	Hits      int64                        `json:"hits"`
	Misses    int64                        `json:"misses"`
	Evictions int64                        `json:"evictions"`
}

// Cache is a size-bounded, LRU-evicting disk store for package bytes.
// Entries are replaced whole on every mutation; the index is guarded by mu
// and file I/O happens outside the lock.
type Cache struct {
	dir       string
	indexPath string
	maxBytes  int64
	retention time.Duration
	interval  time.Duration
	metrics   metrics.Recorder
	clock     func() time.Time

	mu         sync.Mutex
	entries    map[string]models.CacheEntry
	pending    map[string]bool
	totalBytes int64
	hits       int64
	misses     int64
	evictions  int64
	dirty      bool

	persistMu sync.Mutex
	sweeper   *utils.PeriodicTask
}

// Open creates the cache directory if needed and loads the metadata index.
// A corrupt index is logged and discarded rather than failing startup.
func Open(opts Options) (*Cache, error) {
	if opts.Dir == "" {
		return nil, &models.PackageError{Type: models.ErrConfigInvalid, Err: fmt.Errorf("cache dir is required")}
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	if err := utils.EnsureDir(opts.Dir); err != nil {
		return nil, &models.PackageError{Type: models.ErrFileOp, Err: fmt.Errorf("failed to create cache dir: %w", err)}
	}

	c := &Cache{
		dir:       opts.Dir,
		indexPath: filepath.Join(opts.Dir, indexFileName),
		maxBytes:  opts.MaxBytes,
		retention: opts.Retention,
		interval:  opts.SweepInterval,
		metrics:   opts.Metrics,
		clock:     opts.Clock,
		entries:   make(map[string]models.CacheEntry),
		pending:   make(map[string]bool),
	}
	c.loadIndex()
	c.metrics.SetCacheBytes(c.totalBytes)
	return c, nil
}

func (c *Cache) loadIndex() {
	data, err := os.ReadFile(c.indexPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logrus.Warnf("Failed to read cache index %s: %v", c.indexPath, err)
		}
		return
	}

	var idx indexFile
	if err := json.Unmarshal(data, &idx); err != nil {
		logrus.Warnf("Discarding corrupt cache index %s: %v", c.indexPath, err)
		return
	}

	c.hits, c.misses, c.evictions = idx.Hits, idx.Misses, idx.Evictions
	for key, entry := range idx.Entries {
		if !utils.FileExists(c.pathFor(key)) {
			logrus.Debugf("Dropping cache entry %s: file missing", key)
			c.dirty = true
			continue
		}
		c.entries[key] = entry
		c.totalBytes += entry.FileSize
	}
}

func (c *Cache) pathFor(key string) string {
	return filepath.Join(c.dir, utils.CacheFileName(key))
}

// PathFor returns the file a key is stored under
func (c *Cache) PathFor(key string) string {
	return c.pathFor(key)
}

// now returns a timestamp strictly after prev so recency always advances
func (c *Cache) now(prev time.Time) time.Time {
	t := c.clock()
	if !t.After(prev) {
		t = prev.Add(time.Nanosecond)
	}
	return t
}

// Put stores package bytes under key. Space is made before the file is
// written. Failures are logged and reported as false.
func (c *Cache) Put(key string, data []byte, desc models.PackageDescriptor) bool {
	size := int64(len(data))
	if size == 0 {
		logrus.Warnf("Refusing to cache empty package %s", key)
		return false
	}
	if size > c.maxBytes {
		logrus.Warnf("Package %s (%d bytes) exceeds cache capacity %d", key, size, c.maxBytes)
		return false
	}

	path := c.pathFor(key)
	now := c.clock()
	sum := utils.ChecksumBytes(data)
	desc.Checksum = sum.SHA256
	entry := models.CacheEntry{
		Descriptor:  desc.WithFilePath(path),
		FileSize:    size,
		CreatedAt:   now,
		LastAccess:  now,
		AccessCount: 0,
	}
	entry.Descriptor.FileSize = size

	c.mu.Lock()
	if old, ok := c.entries[key]; ok {
		delete(c.entries, key)
		c.totalBytes -= old.FileSize
	}
	victims := c.ensureSpaceLocked(size)
	c.entries[key] = entry
	c.pending[key] = true
	c.totalBytes += size
	c.mu.Unlock()

	c.removeFiles(victims)

	if err := utils.WriteFileAtomic(path, data, 0644); err != nil {
		logrus.Warnf("Failed to write cache file for %s: %v", key, err)
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && cur.CreatedAt.Equal(now) {
			delete(c.entries, key)
			c.totalBytes -= size
		}
		delete(c.pending, key)
		c.mu.Unlock()
		return false
	}

	c.mu.Lock()
	delete(c.pending, key)
	c.dirty = true
	c.mu.Unlock()

	c.afterMutation()
	logrus.Debugf("Cached package %s (%d bytes)", key, size)
	return true
}

// Get returns the cached bytes and refreshes recency. An entry whose file
// vanished is pruned and reported as a miss.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	entry, ok := c.entries[key]
	if !ok || c.pending[key] {
		c.misses++
		c.dirty = true
		c.mu.Unlock()
		return nil, false
	}
	c.mu.Unlock()

	data, err := os.ReadFile(c.pathFor(key))
	if err == nil {
		err = checkEntry(entry, utils.ChecksumBytes(data))
	}
	if err != nil {
		logrus.Warnf("Cache entry %s is stale (%v), removing", key, err)
		c.dropStale(key, entry)
		c.mu.Lock()
		c.misses++
		c.dirty = true
		c.mu.Unlock()
		c.afterMutation()
		return nil, false
	}

	c.mu.Lock()
	if cur, ok := c.entries[key]; ok {
		cur.LastAccess = c.now(cur.LastAccess)
		cur.AccessCount++
		c.entries[key] = cur
	}
	c.hits++
	c.dirty = true
	c.mu.Unlock()

	return data, true
}

// checkEntry compares a digest of the cached file with what was stored.
// Entries written before checksums were recorded only have their size checked.
func checkEntry(entry models.CacheEntry, sum *utils.Checksum) error {
	if sum.Size != entry.FileSize {
		return fmt.Errorf("file is %d bytes, expected %d", sum.Size, entry.FileSize)
	}
	if want := entry.Descriptor.Checksum; want != "" && sum.SHA256 != want {
		return fmt.Errorf("checksum %s does not match %s", sum.SHA256, want)
	}
	return nil
}

// dropStale removes entry and its file unless key was written again since
// entry was read
func (c *Cache) dropStale(key string, entry models.CacheEntry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.entries[key]
	if !ok || c.pending[key] || !cur.CreatedAt.Equal(entry.CreatedAt) {
		return false
	}
	delete(c.entries, key)
	c.totalBytes -= cur.FileSize
	c.dirty = true
	if err := os.Remove(c.pathFor(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.Warnf("Failed to remove cache file for %s: %v", key, err)
	}
	return true
}

// Verify digests every cached file and drops the entries whose file is
// missing or does not match its recorded size and checksum. It returns the
// dropped keys.
func (c *Cache) Verify() []string {
	var dropped []string
	for key, entry := range c.Entries() {
		sum, err := utils.ChecksumFile(c.pathFor(key))
		if err == nil {
			err = checkEntry(entry, sum)
		}
		if err == nil {
			continue
		}
		logrus.Warnf("Cache entry %s failed verification: %v", key, err)
		if c.dropStale(key, entry) {
			dropped = append(dropped, key)
		}
	}
	if len(dropped) > 0 {
		c.afterMutation()
	}
	sort.Strings(dropped)
	return dropped
}

// Entry returns a copy of the metadata for key
func (c *Cache) Entry(key string) (models.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || c.pending[key] {
		return models.CacheEntry{}, false
	}
	return entry, true
}

// Entries returns a snapshot of all entries keyed by cache key
func (c *Cache) Entries() map[string]models.CacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]models.CacheEntry, len(c.entries))
	for k, v := range c.entries {
		if !c.pending[k] {
			out[k] = v
		}
	}
	return out
}

// Contains reports whether key is locally available
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	entry, ok := c.entries[key]
	pending := c.pending[key]
	c.mu.Unlock()
	if !ok || pending {
		return false
	}

	if utils.FileExists(c.pathFor(key)) {
		return true
	}

	if c.dropStale(key, entry) {
		c.afterMutation()
	}
	return false
}

// Remove deletes one entry and its file
func (c *Cache) Remove(key string) bool {
	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
		c.totalBytes -= entry.FileSize
		c.dirty = true
	}
	c.mu.Unlock()

	if !ok {
		return false
	}

	c.removeFiles([]string{key})
	c.afterMutation()
	return true
}

// Clear drops every entry. It returns false if any file could not be removed.
func (c *Cache) Clear() bool {
	c.mu.Lock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.entries = make(map[string]models.CacheEntry)
	c.pending = make(map[string]bool)
	c.totalBytes = 0
	c.dirty = true
	c.mu.Unlock()

	ok := c.removeFiles(keys)
	c.afterMutation()
	return ok
}

// Stats summarises the cache
func (c *Cache) Stats() models.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := models.CacheStats{
		Entries:   len(c.entries),
		Bytes:     c.totalBytes,
		MaxBytes:  c.maxBytes,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	if c.maxBytes > 0 {
		stats.UsagePercent = float64(c.totalBytes) / float64(c.maxBytes) * 100
	}
	return stats
}

// EnsureSpace evicts least-recently-accessed entries until required more
// bytes fit under the size limit. It returns the evicted keys.
func (c *Cache) EnsureSpace(required int64) []string {
	c.mu.Lock()
	victims := c.ensureSpaceLocked(required)
	c.mu.Unlock()

	if len(victims) > 0 {
		c.removeFiles(victims)
		c.afterMutation()
	}
	return victims
}

func (c *Cache) ensureSpaceLocked(required int64) []string {
	if c.totalBytes+required <= c.maxBytes {
		return nil
	}

	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		if !c.pending[k] {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := c.entries[keys[i]], c.entries[keys[j]]
		if !a.LastAccess.Equal(b.LastAccess) {
			return a.LastAccess.Before(b.LastAccess)
		}
		return keys[i] < keys[j]
	})

	var victims []string
	for _, k := range keys {
		if c.totalBytes+required <= c.maxBytes {
			break
		}
		c.totalBytes -= c.entries[k].FileSize
		delete(c.entries, k)
		victims = append(victims, k)
	}

	if len(victims) > 0 {
		c.evictions += int64(len(victims))
		c.dirty = true
		c.metrics.AddCacheEvictions(len(victims))
		logrus.Infof("Evicted %d cache entries to free space", len(victims))
	}
	return victims
}

// Sweep purges entries unused for longer than the retention window, then
// re-checks the size limit. It returns the number of removed entries.
func (c *Cache) Sweep() int {
	cutoff := c.clock().Add(-c.retention)

	c.mu.Lock()
	var expired []string
	for k, e := range c.entries {
		if !c.pending[k] && e.LastAccess.Before(cutoff) {
			expired = append(expired, k)
		}
	}
	for _, k := range expired {
		c.totalBytes -= c.entries[k].FileSize
		delete(c.entries, k)
	}
	if len(expired) > 0 {
		c.dirty = true
	}
	victims := c.ensureSpaceLocked(0)
	c.mu.Unlock()

	removed := append(expired, victims...)
	c.removeFiles(removed)
	if len(expired) > 0 {
		logrus.Infof("Cache sweep removed %d expired entries", len(expired))
	}
	c.afterMutation()
	return len(removed)
}

// Start runs the periodic sweep until ctx is done or Close is called
func (c *Cache) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sweeper != nil {
		return
	}
	c.sweeper = utils.StartPeriodic(ctx, c.interval, func(context.Context) {
		c.Sweep()
	})
}

// Close stops the sweep and flushes the index
func (c *Cache) Close() error {
	c.mu.Lock()
	sweeper := c.sweeper
	c.sweeper = nil
	c.mu.Unlock()

	sweeper.Stop()
	return c.Flush()
}

// Flush persists the index if it changed since the last write
func (c *Cache) Flush() error {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return nil
	}
	idx := indexFile{
		Version:   indexVersion,
		Entries:   make(map[string]models.CacheEntry, len(c.entries)),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	for k, v := range c.entries {
		if !c.pending[k] {
			idx.Entries[k] = v
		}
	}
	c.dirty = false
	c.mu.Unlock()

	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	if err := utils.WriteFileAtomic(c.indexPath, data, 0644); err != nil {
		logrus.Warnf("Failed to persist cache index: %v", err)
		c.mu.Lock()
		c.dirty = true
		c.mu.Unlock()
		return &models.PackageError{Type: models.ErrFileOp, Err: err}
	}
	return nil
}

func (c *Cache) afterMutation() {
	c.mu.Lock()
	total := c.totalBytes
	c.mu.Unlock()
	c.metrics.SetCacheBytes(total)
	c.Flush()
}

// removeFiles deletes the files of removed entries. A key that was put
// again in the meantime keeps its file.
func (c *Cache) removeFiles(keys []string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ok := true
	for _, k := range keys {
		if _, back := c.entries[k]; back || c.pending[k] {
			continue
		}
		if err := os.Remove(c.pathFor(k)); err != nil && !errors.Is(err, os.ErrNotExist) {
			logrus.Warnf("Failed to remove cache file for %s: %v", k, err)
			ok = false
		}
	}
	return ok
}
