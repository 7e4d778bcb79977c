package bamcache

import (
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/afero"
)

// Stats represents cache statistics.
type Stats struct {
	Entries     int           // Total number of indexed records
	TotalSize   int64         // Total size of all cache files in bytes
	OldestEntry time.Duration // Age of the oldest record
	NewestEntry time.Duration // Age of the newest record
	Generation  uint64        // Generation of the shared index
}

// Entry describes one indexed record.
type Entry struct {
	Source         string
	CacheFilename  string
	RecordedTime   time.Time
	AccessTime     time.Time
	Size           int64
	DependentFiles []DependentFile
}

// Stats returns statistics about the cache. The index is re-read first so
// records stored by other processes are included.
func (c *Cache) Stats() (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.root == "" {
		return Stats{}, ErrNoRoot
	}
	c.readIndex()

	stats := Stats{
		Entries:    c.index.Len(),
		TotalSize:  c.index.CacheSize(),
		Generation: c.index.Generation(),
	}

	oldest, newest := c.index.oldestAndNewest()
	now := c.now()
	if !oldest.IsZero() {
		stats.OldestEntry = now.Sub(oldest)
	}
	if !newest.IsZero() {
		stats.NewestEntry = now.Sub(newest)
	}

	return stats, nil
}

// Entries returns all indexed records, sorted by source pathname.
func (c *Cache) Entries() ([]Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.root == "" {
		return nil, ErrNoRoot
	}
	c.readIndex()

	records := c.index.Records()
	entries := make([]Entry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, Entry{
			Source:         rec.sourcePathname,
			CacheFilename:  rec.cacheFilename,
			RecordedTime:   rec.recordedTime,
			AccessTime:     rec.accessTime,
			Size:           rec.recordSize,
			DependentFiles: rec.DependentFiles(),
		})
	}
	return entries, nil
}

// ListIndex writes a table of the indexed records to w.
func (c *Cache) ListIndex(w io.Writer) error {
	entries, err := c.Entries()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tSIZE\tRECORDED\tACCESSED\tSOURCE")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n",
			e.CacheFilename,
			e.Size,
			e.RecordedTime.UTC().Format(time.RFC3339),
			e.AccessTime.UTC().Format(time.RFC3339),
			e.Source,
		)
	}
	return tw.Flush()
}

// Prune removes records stored longer ago than the given duration, along
// with slots claimed before the cutoff that were never filled and index
// files the reference no longer names.
// Returns the number of records removed.
func (c *Cache) Prune(olderThan time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-olderThan)
	return c.pruneLocked(cutoff, func(rec *Record) bool {
		return rec.recordedTime.Before(cutoff)
	})
}

// PruneUnused removes records not looked up within the given duration.
// Returns the number of records removed.
func (c *Cache) PruneUnused(notAccessedSince time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-notAccessedSince)
	return c.pruneLocked(cutoff, func(rec *Record) bool {
		return rec.accessTime.Before(cutoff)
	})
}

func (c *Cache) pruneLocked(cutoff time.Time, expired func(*Record) bool) (int, error) {
	if c.root == "" {
		return 0, ErrNoRoot
	}
	if c.readOnly {
		return 0, ErrReadOnly
	}
	c.readIndex()

	count := 0
	for _, rec := range c.index.Records() {
		if !expired(rec) {
			continue
		}
		if err := c.removeCacheFile(rec.cacheFilename); err != nil {
			return count, fmt.Errorf("failed to remove entry %s: %w", rec.sourcePathname, err)
		}
		c.removeFromIndex(rec.sourcePathname)
		count++
	}

	if err := c.removeAbandonedClaims(cutoff); err != nil {
		return count, err
	}
	err := c.flushIndex()
	c.removeOrphanIndexes(minTime(cutoff, c.now().Add(-orphanIndexAge)))
	return count, err
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

// removeAbandonedClaims deletes empty cache files last touched before
// cutoff.
func (c *Cache) removeAbandonedClaims(cutoff time.Time) error {
	infos, err := afero.ReadDir(c.fs, c.root)
	if err != nil {
		return fmt.Errorf("failed to read cache root: %w", err)
	}
	for _, info := range infos {
		if info.IsDir() || info.Size() != 0 || !c.namePattern.MatchString(info.Name()) {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := c.removeCacheFile(info.Name()); err != nil {
				return err
			}
		}
	}
	return nil
}

// removeCacheFile deletes a file under the root, ignoring files that are
// already gone.
func (c *Cache) removeCacheFile(name string) error {
	path := filepath.Join(c.root, name)
	exists, err := afero.Exists(c.fs, path)
	if err != nil {
		return fmt.Errorf("failed to check cache file existence: %w", err)
	}
	if !exists {
		return nil
	}
	if err := c.fs.Remove(path); err != nil {
		return fmt.Errorf("failed to remove cache file: %w", err)
	}
	return nil
}
