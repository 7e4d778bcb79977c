/*
Package bamcache provides an on-disk cache for loaded assets that is safe to share between processes.

Loading a model or texture from its source format is slow. The cache keeps the loaded object in a
binary cache file and hands it back on the next load, as long as none of the files it was built from
has changed.

# Overview

Every cached object lives in its own file under the cache root. The file is named after a hash of the
absolute source path, followed by an extension chosen by the caller:

	<root>/3f2a9c...e1.bam
	<root>/3f2a9c...e1_1.bam   (collision slot)
	<root>/index_name.txt      (names the current index file)
	<root>/index-<uuid>.json   (the shared index)

A cache file starts with BamHeader, followed by a Record (the source path, the time it was stored and
a fingerprint of every file the object depends on) and then the object itself.

# Consistency without locks

Several processes may use the same root at once. No OS file locks are taken:
  - A lookup claims a free slot by creating an empty file exclusively.
  - A store writes to a temporary file and renames it into place.
  - The index is written to a fresh file; the reference file is then swapped and read back. A writer
    that finds the reference changed under it merges the other index into its own and tries again.

Two processes loading the same source at the same time may both do the work. That is accepted.

# Basic Usage

Opening a cache:

	cache, err := bamcache.Open("/var/cache/models")
	if err != nil {
	    log.Fatalf("Failed to open cache: %v", err)
	}
	defer cache.Close()

Payload types must be registered with the codec, either as DatagramMarshaler implementations or as
plain structs, which are encoded with msgpack:

	cache.Codec().MustRegister("Model", &Model{})

Looking up a source:

	record, err := cache.Lookup("/assets/teapot.egg", "bam")
	if err != nil {
	    // ErrNotCacheable or ErrSlotsExhausted: load without the cache
	    return loadEgg("/assets/teapot.egg")
	}
	if record.HasData() {
	    model := record.Data().(*Model)
	    // use it
	}

Filling a miss:

	model := loadEgg("/assets/teapot.egg")
	record.AddDependentFile("/assets/teapot.egg")
	record.AddDependentFile("/assets/teapot.png")
	record.SetData(model, bamcache.Borrowed)
	if err := cache.Store(record); err != nil {
	    log.Printf("Warning: failed to cache %s: %v", record.SourcePathname(), err)
	}

# Configuration

OpenConfig opens a cache from a Config, usually read with LoadConfig from a file and from
BAMCACHE_* environment variables.

# Maintenance

Stats, Entries, ListIndex, Prune, PruneUnused, Remove, RebuildIndex and Clear operate on the whole
cache. The bamcache command in cmd/bamcache exposes them.
*/
package bamcache
