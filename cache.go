package bamcache

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// NowFunc defines a function that returns the current time.
type NowFunc func() time.Time

// Default policy values.
const (
	DefaultFlushTime = 30 * time.Second
	DefaultMaxKBytes = 10485760
	DefaultMaxProbes = 64
)

// Cache is an on-disk cache of loaded assets. Each cached object lives in
// its own file under the root, named after a hash of the source path, and
// carries fingerprints of the files it was built from. An index of all
// records is shared by every process using the same root.
//
// Cache has no global instance. Construct one with Open or OpenConfig and
// pass it to whatever loads assets.
type Cache struct {
	mu sync.Mutex
	id string

	root     string
	active   bool
	readOnly bool

	fs        afero.Fs
	hashFunc  HashFunc
	nowFunc   NowFunc
	codec     *Codec
	log       logrus.FieldLogger
	compress  bool
	maxProbes int

	// namePattern matches the file names hashFunc produces.
	namePattern *regexp.Regexp

	maxKBytes int64
	flushTime time.Duration

	cacheModels             bool
	cacheTextures           bool
	cacheCompressedTextures bool
	cacheCompiledShaders    bool

	index            *Index
	indexStaleSince  time.Time
	indexPathname    string
	indexRefContents string
	indexAttempts    uint
	flushing         bool
}

// Option defines a function that configures a Cache.
type Option func(*Cache)

// Open creates a cache rooted at root, creating the directory if needed.
// An empty root yields an inactive cache whose Lookup always reports
// ErrNotCacheable.
func Open(root string, options ...Option) (*Cache, error) {
	cache := &Cache{
		id:            uuid.NewString(),
		active:        true,
		fs:            afero.NewOsFs(),
		hashFunc:      defaultHashFunc,
		nowFunc:       time.Now,
		log:           logrus.StandardLogger(),
		maxProbes:     DefaultMaxProbes,
		maxKBytes:     DefaultMaxKBytes,
		flushTime:     DefaultFlushTime,
		cacheModels:   true,
		cacheTextures: true,
		indexAttempts: 5,
		index:         newIndex(),
	}

	// Apply options
	for _, option := range options {
		option(cache)
	}

	if cache.hashFunc == nil {
		cache.hashFunc = defaultHashFunc
	}
	cache.namePattern = cacheFilePattern(cache.hashFunc().Size() * 2)

	if cache.codec == nil {
		cache.codec = NewCodec()
	}
	if cache.compress {
		if err := cache.codec.SetCompression(true); err != nil {
			return nil, err
		}
	}

	if root == "" {
		cache.active = false
		return cache, nil
	}
	if err := cache.SetRoot(root); err != nil {
		return nil, err
	}
	return cache, nil
}

// SetRoot changes the directory the cache lives in, creating it with its
// parents if it does not exist. The current index is flushed first and the
// index of the new root is read. An error means the root is unusable.
func (c *Cache) SetRoot(root string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.root != "" {
		if err := c.flushIndex(); err != nil {
			c.log.WithFields(logrus.Fields{"action": "flush_index", "path": c.root}).Warn(err)
		}
	}

	abs := absPath(root)
	if isDir, _ := afero.IsDir(c.fs, abs); !isDir {
		if err := c.fs.MkdirAll(abs, 0o755); err != nil {
			return fmt.Errorf("failed to create cache root %s: %w", abs, err)
		}
	}
	if isDir, err := afero.IsDir(c.fs, abs); err != nil || !isDir {
		return fmt.Errorf("cache root %s is not a directory", abs)
	}

	c.root = abs
	c.index = newIndex()
	c.indexStaleSince = time.Time{}
	c.indexPathname = ""
	c.indexRefContents = ""
	c.readIndex()
	c.checkCacheSize()
	return nil
}

// Root returns the absolute cache root, or "" if none is set.
func (c *Cache) Root() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.root
}

// SetActive enables or disables the cache. An inactive cache still answers
// Lookup, always with ErrNotCacheable.
func (c *Cache) SetActive(active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = active
}

// IsActive reports whether Lookup can return records.
func (c *Cache) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active && c.root != ""
}

// SetReadOnly controls whether Store and index flushes write to disk.
func (c *Cache) SetReadOnly(ro bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readOnly = ro
}

// IsReadOnly reports whether the cache refuses writes. A cache turns itself
// read-only after it fails to create a file under its root.
func (c *Cache) IsReadOnly() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readOnly
}

// FlushTime returns how long the index may stay dirty before it is written.
func (c *Cache) FlushTime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushTime
}

// MaxKBytes returns the soft size limit of the cache. 0 means unlimited.
func (c *Cache) MaxKBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxKBytes
}

// SetMaxKBytes changes the soft size limit and evicts old entries if the
// cache is already above it.
func (c *Cache) SetMaxKBytes(kb int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxKBytes = kb
	c.checkCacheSize()
}

// CacheModels reports whether loaders should cache models.
func (c *Cache) CacheModels() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cacheModels
}

// SetCacheModels sets whether loaders should cache models.
func (c *Cache) SetCacheModels(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheModels = on
}

// CacheTextures reports whether loaders should cache textures.
func (c *Cache) CacheTextures() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cacheTextures
}

// SetCacheTextures sets whether loaders should cache textures.
func (c *Cache) SetCacheTextures(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheTextures = on
}

// CacheCompressedTextures reports whether loaders should cache textures in
// their driver-compressed form.
func (c *Cache) CacheCompressedTextures() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cacheCompressedTextures
}

// SetCacheCompressedTextures sets whether loaders should cache
// driver-compressed textures.
func (c *Cache) SetCacheCompressedTextures(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheCompressedTextures = on
}

// CacheCompiledShaders reports whether loaders should cache compiled shaders.
func (c *Cache) CacheCompiledShaders() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cacheCompiledShaders
}

// SetCacheCompiledShaders sets whether loaders should cache compiled shaders.
func (c *Cache) SetCacheCompiledShaders(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheCompiledShaders = on
}

// Codec returns the codec used for cache files. Payload types must be
// registered with it before they can be stored or loaded.
func (c *Cache) Codec() *Codec {
	return c.codec
}

// Flush writes the index to disk if it has changed.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushIndex()
}

// Close flushes the index. The cache must not be used afterwards.
func (c *Cache) Close() error {
	return c.Flush()
}

// withinRoot reports whether path lies inside the cache root.
func (c *Cache) withinRoot(path string) bool {
	if c.root == "" {
		return false
	}
	rel, err := filepath.Rel(c.root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// emergencyReadOnly stops all further writes after a failed write to the
// cache directory.
func (c *Cache) emergencyReadOnly() {
	c.log.WithFields(logrus.Fields{"action": "read_only", "path": c.root}).
		Error("could not write to the cache, disabling future attempts")
	c.readOnly = true
}

// now returns the current time.
func (c *Cache) now() time.Time {
	return c.nowFunc()
}
