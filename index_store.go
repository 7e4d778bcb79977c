package bamcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/gophersatwork/bamcache/internal/util"
)

const (
	indexRefName     = "index_name.txt"
	indexFilePrefix  = "index-"
	indexFileSuffix  = ".json"
	maxIndexRereads  = 16
	tempFileSuffix   = ".tmp"
	indexFileVersion = 1

	// orphanIndexAge is how old an unreferenced index file must be before
	// rebuildIndex deletes it. Younger ones may still be on their way in.
	orphanIndexAge = 10 * time.Minute
)

var indexFilePattern = regexp.MustCompile(`^index-[0-9a-f-]+\.json$`)

// cacheFilePattern matches <hash>[_<n>][.<ext>] where hash has exactly
// digits lowercase hex digits.
func cacheFilePattern(digits int) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf(`^[0-9a-f]{%d}(_[0-9]+)?(\.[^.]+)?$`, digits))
}

// isCacheFile reports whether info looks like a file this cache wrote or
// claimed: the name fits the hash width and the file is either an empty
// claim or starts with BamHeader.
func (c *Cache) isCacheFile(info fs.FileInfo) bool {
	if info.IsDir() || !c.namePattern.MatchString(info.Name()) {
		return false
	}
	return info.Size() == 0 || c.hasBamHeader(filepath.Join(c.root, info.Name()))
}

func (c *Cache) hasBamHeader(path string) bool {
	f, err := c.fs.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	head := make([]byte, len(BamHeader))
	if _, err := io.ReadFull(f, head); err != nil {
		return false
	}
	return string(head) == BamHeader
}

// removeOrphanIndexes deletes index files written before cutoff that the
// reference does not name.
func (c *Cache) removeOrphanIndexes(cutoff time.Time) {
	current := filepath.Base(c.indexPathname)
	if ref, err := c.readIndexRefContents(); err == nil {
		current = filepath.Base(strings.TrimSpace(ref))
	}

	infos, err := afero.ReadDir(c.fs, c.root)
	if err != nil {
		return
	}
	for _, info := range infos {
		name := info.Name()
		if info.IsDir() || name == current || !indexFilePattern.MatchString(name) {
			continue
		}
		if info.ModTime().Before(cutoff) {
			c.log.WithFields(logrus.Fields{"action": "remove_orphan_index", "path": name}).Debug("deleting unreferenced index file")
			_ = c.fs.Remove(filepath.Join(c.root, name))
		}
	}
}

// indexFile is the on-disk form of an Index.
type indexFile struct {
	Version    int          `json:"version"`
	Generation uint64       `json:"generation"`
	Writer     string       `json:"writer"`
	WrittenAt  time.Time    `json:"writtenAt"`
	Records    []indexEntry `json:"records"`
}

type indexEntry struct {
	SourcePathname string          `json:"source"`
	CacheFilename  string          `json:"cacheFilename"`
	RecordedTime   time.Time       `json:"recordedTime"`
	RecordSize     int64           `json:"recordSize"`
	AccessTime     time.Time       `json:"accessTime"`
	DependentFiles []DependentFile `json:"dependents,omitempty"`
}

func (c *Cache) indexRefPath() string {
	return filepath.Join(c.root, indexRefName)
}

// indexPathFromRef turns the contents of the reference file into the path
// of the index file it names.
func (c *Cache) indexPathFromRef(ref string) string {
	name := strings.TrimSpace(ref)
	if name == "" {
		return ""
	}
	return filepath.Join(c.root, filepath.Base(name))
}

// readIndexRefContents returns the raw contents of the reference file.
func (c *Cache) readIndexRefContents() (string, error) {
	data, err := afero.ReadFile(c.fs, c.indexRefPath())
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// readIndexRef refreshes indexRefContents and indexPathname from disk.
func (c *Cache) readIndexRef() error {
	ref, err := c.readIndexRefContents()
	if err != nil {
		c.indexRefContents = ""
		return err
	}
	c.indexRefContents = ref
	c.indexPathname = c.indexPathFromRef(ref)
	return nil
}

// swapIndexRef replaces the reference file with next, but only if it still
// holds expected. It returns whether the swap happened and, if not, what the
// reference holds now. The check and the rename are not atomic together, so
// the result is verified by reading the reference back.
func (c *Cache) swapIndexRef(expected, next string) (bool, string, error) {
	current, err := c.readIndexRefContents()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, "", fmt.Errorf("failed to read index reference: %w", err)
	}
	if current != expected {
		return false, current, nil
	}

	refPath := c.indexRefPath()
	tempPath := refPath + "." + uuid.NewString() + tempFileSuffix
	if err := afero.WriteFile(c.fs, tempPath, []byte(next), 0o644); err != nil {
		_ = c.fs.Remove(tempPath)
		return false, "", fmt.Errorf("failed to write index reference: %w", err)
	}
	if err := c.fs.Rename(tempPath, refPath); err != nil {
		_ = c.fs.Remove(tempPath)
		return false, "", fmt.Errorf("failed to replace index reference: %w", err)
	}

	after, err := c.readIndexRefContents()
	if err != nil {
		return false, "", fmt.Errorf("failed to verify index reference: %w", err)
	}
	if after != next {
		return false, after, nil
	}
	return true, next, nil
}

// writeIndexFile writes ix to path as JSON.
func (c *Cache) writeIndexFile(path string, ix *Index) error {
	file := indexFile{
		Version:    indexFileVersion,
		Generation: ix.generation,
		Writer:     c.id,
		WrittenAt:  c.now(),
		Records:    make([]indexEntry, 0, ix.Len()),
	}
	for _, rec := range ix.Records() {
		file.Records = append(file.Records, indexEntry{
			SourcePathname: rec.sourcePathname,
			CacheFilename:  rec.cacheFilename,
			RecordedTime:   rec.recordedTime,
			RecordSize:     rec.recordSize,
			AccessTime:     rec.accessTime,
			DependentFiles: rec.dependentFiles,
		})
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal index: %w", err)
	}
	if err := afero.WriteFile(c.fs, path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}
	return nil
}

// readIndexFile loads the index stored at path.
func (c *Cache) readIndexFile(path string) (*Index, error) {
	if path == "" {
		return nil, errors.New("no index file named")
	}
	data, err := afero.ReadFile(c.fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}

	var file indexFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal index: %w", err)
	}
	if file.Version != indexFileVersion {
		return nil, fmt.Errorf("unsupported index version %d", file.Version)
	}

	ix := newIndex()
	ix.generation = file.Generation
	for _, e := range file.Records {
		rec := newRecord(c.fs, e.SourcePathname, e.CacheFilename)
		rec.cachePathname = filepath.Join(c.root, e.CacheFilename)
		rec.recordedTime = time.Unix(e.RecordedTime.Unix(), 0)
		rec.recordSize = e.RecordSize
		rec.accessTime = e.AccessTime
		for _, dep := range e.DependentFiles {
			if dep.Pathname == rec.sourcePathname && !rec.hasDependent(dep.Pathname) {
				rec.sourceTimestamp = dep.Timestamp
			}
			rec.dependentFiles = append(rec.dependentFiles, dep)
		}
		ix.addRecord(rec)
	}
	return ix, nil
}

// readIndex reads the index named by the reference file and merges it into
// ours. Without a reference the index is rebuilt from the cache files.
func (c *Cache) readIndex() {
	if err := c.readIndexRef(); err != nil {
		c.rebuildIndex()
		return
	}

	for range maxIndexRereads {
		ix, err := c.readIndexFile(c.indexPathname)
		if err == nil {
			c.mergeIndex(ix)
			return
		}

		// Perhaps another writer replaced it in the meantime.
		old := c.indexPathname
		if err := c.readIndexRef(); err != nil {
			c.rebuildIndex()
			return
		}
		if old == c.indexPathname {
			c.log.WithFields(logrus.Fields{"action": "read_index", "path": old}).
				Debugf("discarding unreadable index: %v", err)
			if old != "" {
				_ = c.fs.Remove(old)
			}
			c.rebuildIndex()
			return
		}
	}
	c.rebuildIndex()
}

// mergeIndex folds ix, just read from disk, into the in-memory index. A
// clean in-memory index is replaced, keeping only the access times that
// are newer than what was written.
func (c *Cache) mergeIndex(ix *Index) {
	if c.indexStaleSince.IsZero() {
		for source, rec := range ix.records {
			if old, ok := c.index.records[source]; ok && old.sameHeader(rec) && old.accessTime.After(rec.accessTime) {
				rec.accessTime = old.accessTime
			}
		}
		c.index = ix
		return
	}
	c.index = mergeIndexes(c.index, ix, func(rec *Record) bool {
		exists, _ := afero.Exists(c.fs, filepath.Join(c.root, rec.cacheFilename))
		return exists
	})
}

// rebuildIndex regenerates the index by scanning the cache root.
func (c *Cache) rebuildIndex() {
	fields := logrus.Fields{"action": "rebuild_index", "path": c.root}

	infos, err := afero.ReadDir(c.fs, c.root)
	if err != nil {
		c.log.WithFields(fields).Errorf("unable to read directory, caching disabled: %v", err)
		c.active = false
		return
	}

	ix := newIndex()
	ix.generation = c.index.generation
	for _, info := range infos {
		name := info.Name()
		// Zero-length files are slots claimed by a lookup still loading.
		if info.IsDir() || info.Size() == 0 || !c.namePattern.MatchString(name) {
			continue
		}
		path := filepath.Join(c.root, name)
		rec, err := c.readRecordFile(path, "")
		if err != nil {
			if c.hasBamHeader(path) {
				c.log.WithFields(fields).Debugf("deleting invalid %s: %v", path, err)
				_ = c.fs.Remove(path)
			}
			continue
		}
		rec.cacheFilename = name
		rec.cachePathname = path
		rec.accessTime = rec.recordedTime

		if existing, dup := ix.lookup(rec.sourcePathname); dup {
			c.log.WithFields(fields).Infof("multiple cache files defining %s", rec.sourcePathname)
			loser := rec
			if rec.recordedTime.After(existing.recordedTime) {
				ix.removeRecord(existing.sourcePathname)
				ix.addRecord(rec)
				loser = existing
			}
			_ = c.fs.Remove(loser.cachePathname)
			continue
		}
		ix.addRecord(rec)
	}

	c.index = ix
	c.markIndexStale()
	c.checkCacheSize()
	if err := c.flushIndex(); err != nil {
		c.log.WithFields(fields).Warn(err)
	}
	if !c.readOnly {
		c.removeOrphanIndexes(c.now().Add(-orphanIndexAge))
	}
}

// flushIndex writes the index if it has changed since it was last written.
// When another process replaced the index first, its entries are merged in
// and the write is tried again.
func (c *Cache) flushIndex() error {
	if c.indexStaleSince.IsZero() || c.root == "" || c.flushing || c.readOnly {
		return nil
	}
	c.flushing = true
	defer func() { c.flushing = false }()

	ctx := context.Background()
	err := util.Retry(c.tryFlushIndex, util.IndexRetryOptions(ctx, c.indexAttempts, errIndexSuperseded)...)
	if err != nil {
		return fmt.Errorf("failed to flush index: %w", err)
	}
	c.checkCacheSize()
	return nil
}

// tryFlushIndex makes one attempt at publishing the in-memory index.
func (c *Cache) tryFlushIndex() error {
	if c.readOnly {
		return nil
	}

	name := indexFilePrefix + uuid.NewString() + indexFileSuffix
	path := filepath.Join(c.root, name)
	c.index.generation++

	if err := c.writeIndexFile(path, c.index); err != nil {
		_ = c.fs.Remove(path)
		c.emergencyReadOnly()
		return err
	}

	newRef := name + "\n"
	swapped, current, err := c.swapIndexRef(c.indexRefContents, newRef)
	if err != nil {
		_ = c.fs.Remove(path)
		return err
	}
	if swapped {
		if c.indexPathname != "" && c.indexPathname != path {
			_ = c.fs.Remove(c.indexPathname)
		}
		c.indexPathname = path
		c.indexRefContents = newRef
		c.indexStaleSince = time.Time{}
		return nil
	}

	// Another writer got there first; take in what they wrote.
	_ = c.fs.Remove(path)
	c.log.WithFields(logrus.Fields{"action": "flush_index", "path": c.indexPathFromRef(current)}).
		Debug("index replaced by another writer, merging")
	c.readIndex()
	return errIndexSuperseded
}

// considerFlushIndex flushes the index if it has been dirty for longer
// than the flush time.
func (c *Cache) considerFlushIndex() {
	if c.indexStaleSince.IsZero() {
		return
	}
	if c.now().Sub(c.indexStaleSince) > c.flushTime {
		if err := c.flushIndex(); err != nil {
			c.log.WithFields(logrus.Fields{"action": "flush_index", "path": c.root}).Warn(err)
		}
	}
}

func (c *Cache) markIndexStale() {
	if c.indexStaleSince.IsZero() {
		c.indexStaleSince = c.now()
	}
}

// addToIndex records a header-only copy of record in the index.
func (c *Cache) addToIndex(record *Record) {
	entry := record.headerCopy()
	entry.accessTime = c.now()
	if c.index.addRecord(entry) {
		c.markIndexStale()
		c.checkCacheSize()
	}
}

// removeFromIndex drops the index entry for source, if there is one.
func (c *Cache) removeFromIndex(source string) {
	if c.index.removeRecord(source) {
		c.markIndexStale()
	}
}

// checkCacheSize evicts the least recently used cache files until the
// cache fits in maxKBytes again.
func (c *Cache) checkCacheSize() {
	if c.maxKBytes <= 0 || c.index.cacheSize/1024 <= c.maxKBytes {
		return
	}

	for c.index.cacheSize/1024 > c.maxKBytes {
		rec := c.index.evictOldFile()
		if rec == nil {
			break
		}
		path := filepath.Join(c.root, rec.cacheFilename)
		c.log.WithFields(logrus.Fields{"action": "evict", "path": path}).
			Debugf("deleting to keep cache size below %dK", c.maxKBytes)
		if !c.readOnly {
			_ = c.fs.Remove(path)
		}
	}
	c.markIndexStale()
}
