package bamcache

import (
	"fmt"
	"math"
	"time"
)

// MarshalDatagram writes the record header. The payload is not part of it;
// Store writes the payload as a separate object right after.
func (r *Record) MarshalDatagram(dg *Datagram, _ TextureMode) error {
	if len(r.dependentFiles) > math.MaxUint16 {
		return fmt.Errorf("record has %d dependent files, at most %d fit", len(r.dependentFiles), math.MaxUint16)
	}
	if err := dg.AddString(r.sourcePathname); err != nil {
		return err
	}
	if err := dg.AddString(r.cacheFilename); err != nil {
		return err
	}
	dg.AddUint32(uint32(r.recordedTime.Unix()))
	dg.AddUint64(uint64(r.recordSize))

	dg.AddUint16(uint16(len(r.dependentFiles)))
	for _, dep := range r.dependentFiles {
		if err := dg.AddString(dep.Pathname); err != nil {
			return err
		}
		dg.AddUint32(uint32(dep.Timestamp))
		dg.AddUint64(uint64(dep.Size))
	}
	return nil
}

// UnmarshalDatagram reads a header written by MarshalDatagram.
func (r *Record) UnmarshalDatagram(it *DatagramIterator, _ TextureMode) error {
	var err error
	if r.sourcePathname, err = it.GetString(); err != nil {
		return err
	}
	if r.cacheFilename, err = it.GetString(); err != nil {
		return err
	}
	recorded, err := it.GetUint32()
	if err != nil {
		return err
	}
	r.recordedTime = time.Unix(int64(recorded), 0)
	size, err := it.GetUint64()
	if err != nil {
		return err
	}
	r.recordSize = int64(size)

	count, err := it.GetUint16()
	if err != nil {
		return err
	}
	r.dependentFiles = make([]DependentFile, 0, count)
	r.sourceTimestamp = 0
	for i := 0; i < int(count); i++ {
		var dep DependentFile
		if dep.Pathname, err = it.GetString(); err != nil {
			return err
		}
		ts, err := it.GetUint32()
		if err != nil {
			return err
		}
		dep.Timestamp = int64(ts)
		sz, err := it.GetUint64()
		if err != nil {
			return err
		}
		dep.Size = int64(sz)

		if dep.Pathname == r.sourcePathname && !r.hasDependent(dep.Pathname) {
			r.sourceTimestamp = dep.Timestamp
		}
		r.dependentFiles = append(r.dependentFiles, dep)
	}
	return nil
}
