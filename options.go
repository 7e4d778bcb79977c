package bamcache

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// WithFs sets a custom filesystem for the cache.
// This is primarily useful for testing with in-memory filesystems.
//
// Example:
//
//	cache, err := bamcache.Open("/cache", bamcache.WithFs(afero.NewMemMapFs()))
func WithFs(fs afero.Fs) Option {
	return func(c *Cache) {
		c.fs = fs
	}
}

// WithHashFunc sets the hash used to name cache files. The default is MD5.
//
// Note: Changing the hash function orphans existing cache files; they are
// evicted over time like any other entry.
func WithHashFunc(hashFunc HashFunc) Option {
	return func(c *Cache) {
		c.hashFunc = hashFunc
	}
}

// WithNowFunc sets a custom time function for the cache.
// This is primarily useful for testing with deterministic timestamps.
func WithNowFunc(nowFunc NowFunc) Option {
	return func(c *Cache) {
		c.nowFunc = nowFunc
	}
}

// WithLogger sets the logger. The default is the logrus standard logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Cache) {
		c.log = log
	}
}

// WithCodec sets the codec used for cache files, typically one that already
// has the application's payload types registered.
func WithCodec(codec *Codec) Option {
	return func(c *Cache) {
		c.codec = codec
	}
}

// WithCompression compresses object bodies with zstd when storing.
func WithCompression() Option {
	return func(c *Cache) {
		c.compress = true
	}
}

// WithMaxProbes bounds how many collision slots Lookup tries per source.
func WithMaxProbes(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxProbes = n
		}
	}
}

// WithMaxKBytes sets the soft size limit. 0 disables eviction.
func WithMaxKBytes(kb int64) Option {
	return func(c *Cache) {
		c.maxKBytes = kb
	}
}

// WithFlushTime sets how long a changed index may stay unwritten.
func WithFlushTime(d time.Duration) Option {
	return func(c *Cache) {
		c.flushTime = d
	}
}

// WithIndexAttempts bounds how many times a flush retries after losing the
// race to another writer.
func WithIndexAttempts(n uint) Option {
	return func(c *Cache) {
		if n > 0 {
			c.indexAttempts = n
		}
	}
}

// WithReadOnly opens the cache in read-only mode.
func WithReadOnly() Option {
	return func(c *Cache) {
		c.readOnly = true
	}
}
