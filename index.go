package bamcache

import (
	"sort"
	"time"
)

// Index is the in-memory copy of the shared manifest: one header-only
// record per cached source, plus the running total of their sizes.
//
// The index is only used to enumerate and evict records. Whether a record is
// still valid is always decided by its own dependent files.
type Index struct {
	generation uint64
	records    map[string]*Record
	cacheSize  int64
}

func newIndex() *Index {
	return &Index{records: make(map[string]*Record)}
}

// Len returns the number of records.
func (ix *Index) Len() int {
	return len(ix.records)
}

// Generation returns the generation of the index file this copy was last
// read from or written to.
func (ix *Index) Generation() uint64 {
	return ix.generation
}

// CacheSize returns the total size of all indexed cache files in bytes.
func (ix *Index) CacheSize() int64 {
	return ix.cacheSize
}

// Records returns the records sorted by source pathname.
func (ix *Index) Records() []*Record {
	out := make([]*Record, 0, len(ix.records))
	for _, rec := range ix.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].sourcePathname < out[j].sourcePathname
	})
	return out
}

// lookup returns the entry for source, if any.
func (ix *Index) lookup(source string) (*Record, bool) {
	rec, ok := ix.records[source]
	return rec, ok
}

// addRecord inserts or replaces the entry for rec's source. It returns true
// if the stored header changed; a record identical to the indexed one only
// refreshes the access time.
func (ix *Index) addRecord(rec *Record) bool {
	if existing, ok := ix.records[rec.sourcePathname]; ok {
		if existing.sameHeader(rec) {
			if rec.accessTime.After(existing.accessTime) {
				existing.accessTime = rec.accessTime
			}
			return false
		}
		ix.cacheSize -= existing.recordSize
	}
	ix.records[rec.sourcePathname] = rec
	ix.cacheSize += rec.recordSize
	return true
}

// removeRecord drops the entry for source. It returns true if there was one.
func (ix *Index) removeRecord(source string) bool {
	existing, ok := ix.records[source]
	if !ok {
		return false
	}
	ix.cacheSize -= existing.recordSize
	delete(ix.records, source)
	return true
}

// evictOldFile removes and returns the least recently accessed entry, or nil
// if the index is empty.
func (ix *Index) evictOldFile() *Record {
	var oldest *Record
	for _, rec := range ix.records {
		if oldest == nil || rec.accessTime.Before(oldest.accessTime) ||
			(rec.accessTime.Equal(oldest.accessTime) && rec.sourcePathname < oldest.sourcePathname) {
			oldest = rec
		}
	}
	if oldest == nil {
		return nil
	}
	ix.removeRecord(oldest.sourcePathname)
	return oldest
}

// mergeIndexes returns the union of ours and theirs. Only entries for which
// keep returns true survive. When both sides know a source with different
// headers, the one stored later wins; on a tie ours is kept.
func mergeIndexes(ours, theirs *Index, keep func(*Record) bool) *Index {
	merged := newIndex()
	merged.generation = max(ours.generation, theirs.generation)

	for source, a := range ours.records {
		b, ok := theirs.records[source]
		pick := a
		if ok && !a.sameHeader(b) && b.recordedTime.After(a.recordedTime) {
			pick = b
		}
		if ok && a.sameHeader(b) && b.accessTime.After(a.accessTime) {
			pick = a.headerCopy()
			pick.accessTime = b.accessTime
		}
		if keep(pick) {
			merged.addRecord(pick)
		}
	}
	for source, b := range theirs.records {
		if _, ok := ours.records[source]; ok {
			continue
		}
		if keep(b) {
			merged.addRecord(b)
		}
	}
	return merged
}

// oldestAndNewest returns the earliest and latest recorded times.
func (ix *Index) oldestAndNewest() (time.Time, time.Time) {
	var oldest, newest time.Time
	for _, rec := range ix.records {
		if oldest.IsZero() || rec.recordedTime.Before(oldest) {
			oldest = rec.recordedTime
		}
		if newest.IsZero() || rec.recordedTime.After(newest) {
			newest = rec.recordedTime
		}
	}
	return oldest, newest
}
