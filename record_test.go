package bamcache

import (
	"testing"
	"time"

	"github.com/spf13/afero"
)

func TestRecordOwnership(t *testing.T) {
	t.Run("owned payload is released once", func(t *testing.T) {
		rec := newRecord(afero.NewMemMapFs(), "/assets/a.png", "x.txo")
		tx := &testTexture{}
		rec.SetData(tx, Owned)

		rec.ClearData()
		rec.ClearData()
		rec.Release()
		if tx.released != 1 {
			t.Errorf("Expected 1 release, got %d", tx.released)
		}
		if rec.HasData() {
			t.Error("Expected no data after ClearData")
		}
	})

	t.Run("borrowed payload is never released", func(t *testing.T) {
		rec := newRecord(afero.NewMemMapFs(), "/assets/a.png", "x.txo")
		tx := &testTexture{}
		rec.SetData(tx, Borrowed)
		rec.SetData(&testTexture{}, Owned)
		rec.ClearData()
		if tx.released != 0 {
			t.Errorf("Expected no release, got %d", tx.released)
		}
	})

	t.Run("replacing an owned payload releases it", func(t *testing.T) {
		rec := newRecord(afero.NewMemMapFs(), "/assets/a.png", "x.txo")
		first := &testTexture{}
		rec.SetData(first, Owned)
		rec.SetData(&testTexture{}, Borrowed)
		if first.released != 1 {
			t.Errorf("Expected the replaced payload to be released once, got %d", first.released)
		}
		if rec.DataOwnership() != Borrowed {
			t.Errorf("Expected borrowed, got %s", rec.DataOwnership())
		}
	})

	t.Run("setting the same payload only changes ownership", func(t *testing.T) {
		rec := newRecord(afero.NewMemMapFs(), "/assets/a.png", "x.txo")
		tx := &testTexture{}
		rec.SetData(tx, Owned)
		rec.SetData(tx, Borrowed)
		if tx.released != 0 {
			t.Errorf("Expected no release, got %d", tx.released)
		}
		rec.ClearData()
		if tx.released != 0 {
			t.Errorf("Expected borrowed payload to survive ClearData, got %d releases", tx.released)
		}
	})

	t.Run("non-comparable payloads", func(t *testing.T) {
		rec := newRecord(afero.NewMemMapFs(), "/assets/a.png", "x.txo")
		rec.SetData([]int{1}, Owned)
		rec.SetData([]int{1}, Owned)
		if !rec.HasData() {
			t.Error("Expected data")
		}
	})

	t.Run("extract hands over without releasing", func(t *testing.T) {
		rec := newRecord(afero.NewMemMapFs(), "/assets/a.png", "x.txo")
		tx := &testTexture{}
		rec.SetData(tx, Owned)
		obj, own := rec.ExtractData()
		if obj != tx || own != Owned {
			t.Errorf("ExtractData = %v, %s", obj, own)
		}
		rec.Release()
		if tx.released != 0 {
			t.Errorf("Expected no release after extraction, got %d", tx.released)
		}
	})
}

func TestDependentFiles(t *testing.T) {
	memFs := afero.NewMemMapFs()
	src := "/assets/model.egg"
	if err := afero.WriteFile(memFs, src, make([]byte, 500), 0o644); err != nil {
		t.Fatalf("Failed to write source: %v", err)
	}
	mtime := time.Unix(1000, 0)
	if err := memFs.Chtimes(src, mtime, mtime); err != nil {
		t.Fatalf("Failed to set mtime: %v", err)
	}

	rec := newRecord(memFs, src, "x.bam")
	rec.AddDependentFile(src)
	rec.AddDependentFile("/assets/missing.png")

	deps := rec.DependentFiles()
	if len(deps) != 2 {
		t.Fatalf("Expected 2 dependents, got %d", len(deps))
	}
	if deps[0] != (DependentFile{Pathname: src, Timestamp: 1000, Size: 500}) {
		t.Errorf("Unexpected source fingerprint: %+v", deps[0])
	}
	if deps[1] != (DependentFile{Pathname: "/assets/missing.png"}) {
		t.Errorf("Unexpected missing-file fingerprint: %+v", deps[1])
	}
	if rec.SourceTimestamp() != 1000 {
		t.Errorf("Expected source timestamp 1000, got %d", rec.SourceTimestamp())
	}
	if !rec.DependentsUnchanged() {
		t.Fatal("Expected dependents to be unchanged")
	}

	t.Run("first source fingerprint wins", func(t *testing.T) {
		later := time.Unix(3000, 0)
		if err := memFs.Chtimes(src, later, later); err != nil {
			t.Fatalf("Failed to set mtime: %v", err)
		}
		rec.AddDependentFile(src)
		if rec.SourceTimestamp() != 1000 {
			t.Errorf("Expected source timestamp to stay 1000, got %d", rec.SourceTimestamp())
		}
		if err := memFs.Chtimes(src, mtime, mtime); err != nil {
			t.Fatalf("Failed to reset mtime: %v", err)
		}
		rec.dependentFiles = rec.dependentFiles[:2]
	})

	t.Run("appearing file invalidates", func(t *testing.T) {
		if err := afero.WriteFile(memFs, "/assets/missing.png", []byte("now here"), 0o644); err != nil {
			t.Fatalf("Failed to write file: %v", err)
		}
		defer memFs.Remove("/assets/missing.png")
		if rec.DependentsUnchanged() {
			t.Error("Expected a newly created dependent to invalidate the record")
		}
	})

	t.Run("disappearing file invalidates", func(t *testing.T) {
		if err := memFs.Remove(src); err != nil {
			t.Fatalf("Failed to remove source: %v", err)
		}
		if rec.DependentsUnchanged() {
			t.Error("Expected a removed dependent to invalidate the record")
		}
	})

	t.Run("clear", func(t *testing.T) {
		rec.ClearDependentFiles()
		if len(rec.DependentFiles()) != 0 || rec.SourceTimestamp() != 0 {
			t.Error("Expected no dependents after ClearDependentFiles")
		}
	})
}

func TestRecordDatagramRoundTrip(t *testing.T) {
	rec := newRecord(nil, "/assets/model.egg", "abc_1.bam")
	rec.recordedTime = time.Unix(1234, 0)
	rec.recordSize = 4096
	rec.dependentFiles = []DependentFile{
		{Pathname: "/assets/tex.png", Timestamp: 10, Size: 1},
		{Pathname: "/assets/model.egg", Timestamp: 1000, Size: 500},
	}

	var dg Datagram
	if err := rec.MarshalDatagram(&dg, TextureFullPath); err != nil {
		t.Fatalf("MarshalDatagram failed: %v", err)
	}
	var out Record
	if err := out.UnmarshalDatagram(NewDatagramIterator(dg.Bytes()), TextureFullPath); err != nil {
		t.Fatalf("UnmarshalDatagram failed: %v", err)
	}

	if !rec.sameHeader(&out) {
		t.Errorf("Header mismatch: %+v", out)
	}
	if out.recordSize != 4096 {
		t.Errorf("Expected size 4096, got %d", out.recordSize)
	}
	if out.SourceTimestamp() != 1000 {
		t.Errorf("Expected source timestamp 1000, got %d", out.SourceTimestamp())
	}
}
