package bamcache

import (
	"bufio"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Store writes record and its data to the record's cache file. The record
// must come from Lookup and must carry data.
//
// The file is written under a temporary name and renamed into place, so
// readers never see a partial file. A failed Store leaves the cache as it
// was; the caller simply loads the source again next time.
func (c *Cache) Store(record *Record) error {
	if record == nil || record.cachePathname == "" {
		return fmt.Errorf("%w: no cache pathname", ErrRecordIncomplete)
	}
	if !record.HasData() {
		return fmt.Errorf("%w: no data", ErrRecordIncomplete)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.readOnly {
		return ErrReadOnly
	}

	c.considerFlushIndex()

	if !c.withinRoot(record.cachePathname) {
		return fmt.Errorf("%w: %s not under %s", ErrOutsideRoot, record.cachePathname, c.root)
	}

	record.recordedTime = c.now()

	fields := logrus.Fields{"action": "store", "path": record.cachePathname, "source": record.sourcePathname}
	tempPathname := record.cachePathname + "." + uuid.NewString() + tempFileSuffix

	f, err := c.fs.Create(tempPathname)
	if err != nil {
		c.log.WithFields(fields).Errorf("could not write cache file: %v", err)
		_ = c.fs.Remove(tempPathname)
		c.emergencyReadOnly()
		return fmt.Errorf("failed to create cache file: %w", err)
	}

	size, err := c.writeRecordFile(f, record)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		c.log.WithFields(fields).Errorf("unable to write cache file: %v", err)
		_ = c.fs.Remove(tempPathname)
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	record.recordSize = size

	if err := c.fs.Rename(tempPathname, record.cachePathname); err != nil {
		// Some filesystems refuse to rename over an existing file.
		_ = c.fs.Remove(record.cachePathname)
		if err := c.fs.Rename(tempPathname, record.cachePathname); err != nil {
			c.log.WithFields(fields).Errorf("unable to rename %s: %v", tempPathname, err)
			_ = c.fs.Remove(tempPathname)
			return fmt.Errorf("failed to move cache file into place: %w", err)
		}
	}

	c.log.WithFields(fields).WithField("size", size).Debug("stored cache file")
	c.addToIndex(record)
	return nil
}

// writeRecordFile writes the magic header, the record and its data to w and
// returns the number of bytes written.
func (c *Cache) writeRecordFile(w io.Writer, record *Record) (int64, error) {
	cw := &countingWriter{w: w}
	bw := bufio.NewWriter(cw)
	writer := c.codec.NewWriter(bw)

	if err := writer.WriteHeader(BamHeader); err != nil {
		return 0, err
	}

	// Texture payloads carry their image; anything else only references
	// textures by path.
	if _, ok := record.data.(Texture); ok {
		writer.SetTextureMode(TextureRawData)
	} else {
		writer.SetTextureMode(TextureFullPath)
	}

	if err := writer.WriteObject(record); err != nil {
		return 0, fmt.Errorf("unable to write record: %w", err)
	}
	if err := writer.WriteObject(record.data); err != nil {
		return 0, fmt.Errorf("unable to write object data: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return 0, err
	}
	return cw.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}
