package bamcache

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// Clear removes every cache file, index file and the index reference from
// the root. Files that do not belong to the cache are left alone.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.root == "" {
		return ErrNoRoot
	}
	if c.readOnly {
		return ErrReadOnly
	}

	infos, err := afero.ReadDir(c.fs, c.root)
	if err != nil {
		return fmt.Errorf("failed to read cache root: %w", err)
	}
	for _, info := range infos {
		name := info.Name()
		if info.IsDir() {
			continue
		}
		if c.isCacheFile(info) || indexFilePattern.MatchString(name) ||
			name == indexRefName || strings.HasSuffix(name, tempFileSuffix) {
			if err := c.removeCacheFile(name); err != nil {
				return err
			}
		}
	}

	c.index = newIndex()
	c.indexStaleSince = time.Time{}
	c.indexPathname = ""
	c.indexRefContents = ""
	return nil
}

// Remove deletes the cache file of sourceFilename and drops it from the
// index. It returns false if the source was not indexed.
func (c *Cache) Remove(sourceFilename string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.root == "" {
		return false, ErrNoRoot
	}
	if c.readOnly {
		return false, ErrReadOnly
	}
	c.readIndex()

	rec, ok := c.index.lookup(absPath(sourceFilename))
	if !ok {
		return false, nil
	}
	if err := c.removeCacheFile(rec.cacheFilename); err != nil {
		return false, fmt.Errorf("failed to remove entry %s: %w", rec.sourcePathname, err)
	}
	c.removeFromIndex(rec.sourcePathname)
	return true, c.flushIndex()
}

// RebuildIndex discards the shared index and regenerates it from the cache
// files under the root. Damaged cache files and stale unreferenced index
// files are deleted; anything else is left alone.
func (c *Cache) RebuildIndex() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.root == "" {
		return ErrNoRoot
	}
	if c.readOnly {
		return ErrReadOnly
	}

	c.rebuildIndex()
	if !c.active {
		return fmt.Errorf("failed to rebuild index of %s", c.root)
	}
	if !c.indexStaleSince.IsZero() {
		return c.flushIndex()
	}
	return nil
}
