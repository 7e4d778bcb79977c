package bamcache

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

func TestStats(t *testing.T) {
	memFs := afero.NewMemMapFs()
	clock := newTestClock()
	cache := newTestCache(t, memFs, WithNowFunc(clock.Now))

	for _, src := range []string{"/assets/a.egg", "/assets/b.egg"} {
		writeSource(t, memFs, src, 100, 1000)
		storeModel(t, cache, src, src)
		clock.Advance(time.Hour)
	}

	stats, err := cache.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Entries != 2 {
		t.Errorf("Expected 2 entries, got %d", stats.Entries)
	}
	if stats.TotalSize == 0 {
		t.Error("Expected a non-zero total size")
	}
	if stats.OldestEntry != 2*time.Hour || stats.NewestEntry != time.Hour {
		t.Errorf("Unexpected ages: oldest %s, newest %s", stats.OldestEntry, stats.NewestEntry)
	}

	var buf bytes.Buffer
	if err := cache.ListIndex(&buf); err != nil {
		t.Fatalf("ListIndex failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"SOURCE", "/assets/a.egg", "/assets/b.egg"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected listing to contain %q:\n%s", want, out)
		}
	}
}

func TestPrune(t *testing.T) {
	memFs := afero.NewMemMapFs()
	clock := newTestClock()
	cache := newTestCache(t, memFs, WithNowFunc(clock.Now))

	writeSource(t, memFs, "/assets/old.egg", 100, 1000)
	old := storeModel(t, cache, "/assets/old.egg", "old")
	clock.Advance(2 * time.Hour)
	writeSource(t, memFs, "/assets/new.egg", 100, 1000)
	fresh := storeModel(t, cache, "/assets/new.egg", "new")

	removed, err := cache.Prune(time.Hour)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 entry removed, got %d", removed)
	}
	if exists, _ := afero.Exists(memFs, old.CachePathname()); exists {
		t.Error("Expected the old cache file to be removed")
	}
	if exists, _ := afero.Exists(memFs, fresh.CachePathname()); !exists {
		t.Error("Expected the new cache file to be kept")
	}
}

func TestPruneAbandonedClaims(t *testing.T) {
	memFs := afero.NewMemMapFs()
	cache := newTestCache(t, memFs)

	rec, err := cache.Lookup("/assets/never-stored.egg", "bam")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	stale := time.Now().Add(-48 * time.Hour)
	if err := memFs.Chtimes(rec.CachePathname(), stale, stale); err != nil {
		t.Fatalf("Failed to age claim: %v", err)
	}

	// fixedNowFunc lies in the past, so use a cutoff that still covers the claim.
	if _, err := cache.Prune(fixedNowFunc().Sub(stale.Add(time.Hour))); err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if exists, _ := afero.Exists(memFs, rec.CachePathname()); exists {
		t.Error("Expected the abandoned claim to be removed")
	}
}

func TestPruneUnused(t *testing.T) {
	memFs := afero.NewMemMapFs()
	clock := newTestClock()
	cache := newTestCache(t, memFs, WithNowFunc(clock.Now))

	for _, src := range []string{"/assets/a.egg", "/assets/b.egg"} {
		writeSource(t, memFs, src, 100, 1000)
		storeModel(t, cache, src, src)
	}
	clock.Advance(2 * time.Hour)
	if _, model := lookupModel(t, cache, "/assets/a.egg"); model == nil {
		t.Fatal("Expected a hit")
	}

	removed, err := cache.PruneUnused(time.Hour)
	if err != nil {
		t.Fatalf("PruneUnused failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("Expected 1 entry removed, got %d", removed)
	}
	entries, err := cache.Entries()
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Source != "/assets/a.egg" {
		t.Errorf("Expected only the recently used entry, got %+v", entries)
	}
}

func TestRemoveAndClear(t *testing.T) {
	memFs := afero.NewMemMapFs()
	cache := newTestCache(t, memFs)
	for _, src := range []string{"/assets/a.egg", "/assets/b.egg"} {
		writeSource(t, memFs, src, 100, 1000)
		storeModel(t, cache, src, src)
	}
	if err := afero.WriteFile(memFs, filepath.Join(testRoot, "README"), []byte("x"), 0o644); err != nil {
		t.Fatalf("Failed to write README: %v", err)
	}

	ok, err := cache.Remove("/assets/a.egg")
	if err != nil || !ok {
		t.Fatalf("Remove = %v, %v", ok, err)
	}
	if ok, _ := cache.Remove("/assets/a.egg"); ok {
		t.Error("Expected a second Remove to find nothing")
	}

	if err := cache.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	infos, err := afero.ReadDir(memFs, testRoot)
	if err != nil {
		t.Fatalf("Failed to read root: %v", err)
	}
	if len(infos) != 1 || infos[0].Name() != "README" {
		names := make([]string, 0, len(infos))
		for _, info := range infos {
			names = append(names, info.Name())
		}
		t.Errorf("Expected only README to remain, got %v", names)
	}

	// The cache keeps working after a clear.
	storeModel(t, cache, "/assets/b.egg", "b")
	if _, model := lookupModel(t, cache, "/assets/b.egg"); model == nil {
		t.Error("Expected a hit after storing again")
	}
}

func TestMaintenanceWithoutRoot(t *testing.T) {
	cache, err := Open("", WithFs(afero.NewMemMapFs()))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := cache.Stats(); !errors.Is(err, ErrNoRoot) {
		t.Errorf("Expected ErrNoRoot from Stats, got %v", err)
	}
	if _, err := cache.Prune(time.Hour); !errors.Is(err, ErrNoRoot) {
		t.Errorf("Expected ErrNoRoot from Prune, got %v", err)
	}
	if err := cache.Clear(); !errors.Is(err, ErrNoRoot) {
		t.Errorf("Expected ErrNoRoot from Clear, got %v", err)
	}
}

func TestConcurrentProcesses(t *testing.T) {
	memFs := afero.NewMemMapFs()
	const workers = 4
	const sources = 8

	for i := range sources {
		writeSource(t, memFs, fmt.Sprintf("/assets/%d.egg", i), 100+i, 1000)
	}

	caches := make([]*Cache, workers)
	for i := range caches {
		caches[i] = newTestCache(t, memFs)
	}

	var g errgroup.Group
	for _, cache := range caches {
		g.Go(func() error {
			for i := range sources {
				src := fmt.Sprintf("/assets/%d.egg", i)
				rec, err := cache.Lookup(src, "bam")
				if err != nil {
					return err
				}
				if rec.HasData() {
					if rec.Data().(*testModel).Name != src {
						return fmt.Errorf("wrong payload for %s", src)
					}
					continue
				}
				rec.AddDependentFile(src)
				rec.SetData(&testModel{Name: src}, Owned)
				if err := cache.Store(rec); err != nil {
					return err
				}
			}
			return cache.Flush()
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Worker failed: %v", err)
	}

	check := newTestCache(t, memFs)
	for i := range sources {
		src := fmt.Sprintf("/assets/%d.egg", i)
		if _, model := lookupModel(t, check, src); model == nil || model.Name != src {
			t.Errorf("Expected a hit for %s, got %+v", src, model)
		}
	}
	entries, err := check.Entries()
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != sources {
		t.Errorf("Expected %d indexed entries, got %d", sources, len(entries))
	}
}
