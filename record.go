package bamcache

import (
	"reflect"
	"slices"
	"time"

	"github.com/spf13/afero"
)

// Ownership says whether a Record is responsible for releasing its payload.
type Ownership uint8

const (
	// Owned payloads are released by the record when they are cleared or
	// replaced, or when the record itself is released.
	Owned Ownership = iota
	// Borrowed payloads belong to someone else and are never released by
	// the record.
	Borrowed
)

func (o Ownership) String() string {
	if o == Borrowed {
		return "borrowed"
	}
	return "owned"
}

// Releaser is implemented by payloads that hold resources beyond memory.
type Releaser interface {
	Release()
}

// Record describes one cached object: where it came from, where it lives
// in the cache, and the files it depends on. It optionally carries the
// object itself.
//
// Records are obtained from Cache.Lookup. A record without data must be
// filled by the caller (AddDependentFile for every file read, then SetData)
// and handed back to Cache.Store.
type Record struct {
	sourcePathname  string
	cacheFilename   string
	cachePathname   string
	recordedTime    time.Time
	recordSize      int64
	sourceTimestamp int64
	dependentFiles  []DependentFile

	// accessTime is only meaningful for index entries.
	accessTime time.Time

	data    any
	own     Ownership
	hasData bool

	fs afero.Fs
}

func newRecord(fs afero.Fs, sourcePathname, cacheFilename string) *Record {
	return &Record{
		sourcePathname: sourcePathname,
		cacheFilename:  cacheFilename,
		fs:             fs,
	}
}

func (r *Record) filesystem() afero.Fs {
	if r.fs == nil {
		return afero.NewOsFs()
	}
	return r.fs
}

// SourcePathname returns the absolute path of the cached source file.
func (r *Record) SourcePathname() string {
	return r.sourcePathname
}

// CacheFilename returns the cache file name relative to the root, including
// any collision suffix.
func (r *Record) CacheFilename() string {
	return r.cacheFilename
}

// CachePathname returns the full path of the cache file this record is
// bound to. It is empty for records that were not returned by Lookup.
func (r *Record) CachePathname() string {
	return r.cachePathname
}

// RecordedTime returns when the record was last stored.
func (r *Record) RecordedTime() time.Time {
	return r.recordedTime
}

// RecordSize returns the size of the cache file in bytes, as far as known.
func (r *Record) RecordSize() int64 {
	return r.recordSize
}

// SourceTimestamp returns the mtime recorded for the source file itself,
// or 0 if the source was never added as a dependent file.
func (r *Record) SourceTimestamp() int64 {
	return r.sourceTimestamp
}

// DependentFiles returns a copy of the recorded fingerprints in the order
// they were added.
func (r *Record) DependentFiles() []DependentFile {
	return slices.Clone(r.dependentFiles)
}

// AddDependentFile fingerprints pathname and appends it to the record.
// A missing file is recorded with a zero timestamp and size.
func (r *Record) AddDependentFile(pathname string) {
	abs := absPath(pathname)
	ts, size := statFingerprint(r.filesystem(), abs)
	if abs == r.sourcePathname && !r.hasDependent(abs) {
		r.sourceTimestamp = ts
	}
	r.dependentFiles = append(r.dependentFiles, DependentFile{
		Pathname:  abs,
		Timestamp: ts,
		Size:      size,
	})
}

func (r *Record) hasDependent(pathname string) bool {
	return slices.ContainsFunc(r.dependentFiles, func(d DependentFile) bool {
		return d.Pathname == pathname
	})
}

// DependentsUnchanged reports whether every dependent file still matches
// its fingerprint.
func (r *Record) DependentsUnchanged() bool {
	fs := r.filesystem()
	for _, dep := range r.dependentFiles {
		if !dep.unchanged(fs) {
			return false
		}
	}
	return true
}

// ClearDependentFiles forgets every recorded fingerprint.
func (r *Record) ClearDependentFiles() {
	r.dependentFiles = nil
	r.sourceTimestamp = 0
}

// HasData reports whether the record carries a payload.
func (r *Record) HasData() bool {
	return r.hasData
}

// Data returns the payload, or nil.
func (r *Record) Data() any {
	return r.data
}

// DataOwnership returns how the current payload is held.
func (r *Record) DataOwnership() Ownership {
	return r.own
}

// SetData attaches obj as the payload, releasing any owned payload it
// replaces. Setting nil is the same as ClearData.
func (r *Record) SetData(obj any, own Ownership) {
	if obj == nil {
		r.ClearData()
		return
	}
	if r.hasData && sameObject(r.data, obj) {
		r.own = own
		return
	}
	r.ClearData()
	r.data = obj
	r.own = own
	r.hasData = true
}

func sameObject(a, b any) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

// ClearData drops the payload, releasing it if the record owns it.
func (r *Record) ClearData() {
	if r.hasData && r.own == Owned {
		if rel, ok := r.data.(Releaser); ok {
			rel.Release()
		}
	}
	r.data = nil
	r.own = Owned
	r.hasData = false
}

// ExtractData removes the payload from the record without releasing it and
// hands it to the caller, along with how it was held.
func (r *Record) ExtractData() (any, Ownership) {
	obj, own := r.data, r.own
	r.data = nil
	r.own = Owned
	r.hasData = false
	return obj, own
}

// Release drops the payload. It is safe to call more than once.
func (r *Record) Release() {
	r.ClearData()
}

// headerCopy returns a copy of the record without its payload, suitable for
// keeping in the index.
func (r *Record) headerCopy() *Record {
	return &Record{
		sourcePathname:  r.sourcePathname,
		cacheFilename:   r.cacheFilename,
		cachePathname:   r.cachePathname,
		recordedTime:    r.recordedTime,
		recordSize:      r.recordSize,
		sourceTimestamp: r.sourceTimestamp,
		dependentFiles:  slices.Clone(r.dependentFiles),
		accessTime:      r.accessTime,
		fs:              r.fs,
	}
}

// sameHeader reports whether two records describe the same stored entry.
func (r *Record) sameHeader(o *Record) bool {
	return r.sourcePathname == o.sourcePathname &&
		r.cacheFilename == o.cacheFilename &&
		r.recordedTime.Unix() == o.recordedTime.Unix() &&
		slices.Equal(r.dependentFiles, o.dependentFiles)
}
