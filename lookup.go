package bamcache

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Lookup returns the cache record for sourceFilename, stored with the given
// extension (for example "bam" or "txo").
//
// If the record has data, the cached object is valid and can be used as is.
// Otherwise the caller loads the source itself, calls AddDependentFile for
// every file it read (including the source), attaches the result with
// SetData and hands the record to Store.
//
// ErrNotCacheable is returned when the cache is inactive or the source
// already lives inside the cache root.
func (c *Cache) Lookup(sourceFilename, extension string) (*Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.root == "" {
		return nil, ErrNotCacheable
	}

	sourcePathname := absPath(sourceFilename)
	if c.withinRoot(sourcePathname) {
		return nil, ErrNotCacheable
	}
	if !c.active {
		return nil, ErrNotCacheable
	}

	c.considerFlushIndex()

	stem := hashFilename(c.hashFunc(), sourcePathname)
	return c.findAndReadRecord(sourcePathname, stem, extension)
}

// probeFilename returns the cache file name tried on the given pass.
func probeFilename(stem, extension string, pass int) string {
	name := stem
	if pass != 0 {
		name += "_" + strconv.Itoa(pass)
	}
	if extension != "" {
		name += "." + extension
	}
	return name
}

// findAndReadRecord walks the collision slots for stem until it finds the
// record of sourcePathname or claims a free slot.
func (c *Cache) findAndReadRecord(sourcePathname, stem, extension string) (*Record, error) {
	for pass := 0; pass < c.maxProbes; pass++ {
		record, err := c.readRecord(sourcePathname, probeFilename(stem, extension, pass))
		if err != nil {
			return nil, err
		}
		if record != nil {
			if record.HasData() {
				c.addToIndex(record)
			}
			return record, nil
		}
	}
	return nil, fmt.Errorf("%w: %s after %d probes", ErrSlotsExhausted, sourcePathname, c.maxProbes)
}

// readRecord inspects one slot. It returns a fresh record if the slot was
// free, the stored record if the slot belongs to sourcePathname, and nil if
// the slot is taken by a claim, a foreign file or another source.
func (c *Cache) readRecord(sourcePathname, cacheFilename string) (*Record, error) {
	cachePathname := filepath.Join(c.root, cacheFilename)
	fields := logrus.Fields{"source": sourcePathname, "path": cachePathname}

	fresh := func() *Record {
		record := newRecord(c.fs, sourcePathname, cacheFilename)
		record.cachePathname = cachePathname
		return record
	}

	if c.readOnly {
		// Nothing may be created; an empty slot is simply reported free.
		if exists, _ := afero.Exists(c.fs, cachePathname); !exists {
			return fresh(), nil
		}
	} else {
		// Claim the slot before anyone else can.
		f, err := c.fs.OpenFile(cachePathname, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_ = f.Close()
			c.log.WithFields(fields).WithField("action", "claim").Debug("declaring new cache file")
			return fresh(), nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("failed to claim cache file %s: %w", cachePathname, err)
		}
	}

	c.log.WithFields(fields).WithField("action", "read").Debug("reading cache file")
	record, err := c.readRecordFile(cachePathname, sourcePathname)
	if err != nil {
		// An empty claim still being filled by another lookup, or a file
		// that is not ours. Either way the slot is taken.
		c.log.WithFields(fields).WithField("action", "skip").Debug(err)
		return nil, nil
	}

	if record.sourcePathname != sourcePathname {
		c.log.WithFields(fields).WithField("action", "collision").
			Debugf("cache file references %s", record.sourcePathname)
		return nil, nil
	}

	if !record.HasData() {
		// Stale or unreadable payload; the caller starts over.
		record.ClearDependentFiles()
	}
	record.cacheFilename = cacheFilename
	record.cachePathname = cachePathname
	return record, nil
}

// readRecordFile reads the record header of a cache file. When wantSource
// matches the stored source and every dependent file is unchanged, the
// payload that follows is read and attached as well.
func (c *Cache) readRecordFile(cachePathname, wantSource string) (*Record, error) {
	f, err := c.fs.Open(cachePathname)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache file: %w", err)
	}
	defer f.Close()

	reader := c.codec.NewReader(bufio.NewReader(f))
	head, err := reader.ReadHeader(len(BamHeader))
	if err != nil || head != BamHeader {
		return nil, fmt.Errorf("%w: %s", ErrNotCacheFile, cachePathname)
	}

	obj, err := reader.ReadObject()
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	record, ok := obj.(*Record)
	if !ok {
		if rel, ok := obj.(Releaser); ok {
			rel.Release()
		}
		return nil, fmt.Errorf("%w: contains a %T, not a record", ErrNotCacheFile, obj)
	}
	if err := reader.Resolve(); err != nil {
		return nil, fmt.Errorf("failed to resolve record: %w", err)
	}
	record.fs = c.fs

	if wantSource != "" && record.sourcePathname == wantSource && record.DependentsUnchanged() {
		c.readPayload(reader, record, cachePathname)
	}

	if info, err := f.Stat(); err == nil {
		record.recordSize = info.Size()
	}
	record.accessTime = c.now()
	return record, nil
}

// readPayload attaches the object following the record header. Failures
// leave the record without data.
func (c *Cache) readPayload(reader *ObjectReader, record *Record, cachePathname string) {
	fields := logrus.Fields{"action": "read_payload", "path": cachePathname}

	data, err := reader.ReadObject()
	if err != nil {
		c.log.WithFields(fields).Debug(err)
		return
	}
	if err := reader.Resolve(); err != nil {
		c.log.WithFields(fields).Debugf("unable to fully resolve cached object: %v", err)
		if rel, ok := data.(Releaser); ok {
			rel.Release()
		}
		return
	}
	record.SetData(data, Owned)
}
