package index

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lattice-db/eventdb/pkg/types"
)

func TestAddLookupRemove(t *testing.T) {
	ix := New("status")
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(ix.Add(types.VarcharKey("active"), types.IntKey(1)))
	must(ix.Add(types.VarcharKey("active"), types.IntKey(2)))
	must(ix.Add(types.VarcharKey("closed"), types.IntKey(3)))

	active := ix.Lookup(types.VarcharKey("active"))
	if len(active) != 2 {
		t.Fatalf("expected 2 active rows, got %d", len(active))
	}

	must(ix.Remove(types.VarcharKey("active"), types.IntKey(1)))
	active = ix.Lookup(types.VarcharKey("active"))
	if len(active) != 1 || active[0].Compare(types.IntKey(2)) != 0 {
		t.Fatalf("expected only pk 2 left active, got %v", active)
	}
}

func TestScanEqualPredicate(t *testing.T) {
	ix := New("status")
	ix.Add(types.VarcharKey("active"), types.IntKey(1))
	ix.Add(types.VarcharKey("pending"), types.IntKey(2))
	ix.Add(types.VarcharKey("active"), types.IntKey(3))

	var got []types.Comparable
	ix.Scan(EqualTo(types.VarcharKey("active")), func(value, pk types.Comparable) bool {
		got = append(got, pk)
		return true
	})
	if len(got) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(got))
	}
}

func TestScanRangePredicateStopsEarly(t *testing.T) {
	ix := New("age")
	for i := int64(0); i < 20; i++ {
		ix.Add(types.IntKey(i), types.IntKey(i))
	}

	var got []int64
	ix.Scan(LessThanVal(types.IntKey(5)), func(value, pk types.Comparable) bool {
		got = append(got, int64(pk.(types.IntKey)))
		return true
	})
	if len(got) != 5 {
		t.Fatalf("expected 5 matches under 5, got %v", got)
	}

	got = nil
	ix.Scan(BetweenVals(types.IntKey(10), types.IntKey(12)), func(value, pk types.Comparable) bool {
		got = append(got, int64(pk.(types.IntKey)))
		return true
	})
	if len(got) != 3 {
		t.Fatalf("expected 3 matches in [10,12], got %v", got)
	}
}

func TestAdvanceHighWater(t *testing.T) {
	ix := New("status")
	ix.Advance(5)
	ix.Advance(3)
	if ix.HighWater() != 5 {
		t.Fatalf("expected high water to stay at max(5,3)=5, got %d", ix.HighWater())
	}
	ix.Advance(9)
	if ix.HighWater() != 9 {
		t.Fatalf("expected high water 9, got %d", ix.HighWater())
	}
}

func TestSaveAndLoadFileRoundTrip(t *testing.T) {
	ix := New("status")
	ix.Add(types.VarcharKey("active"), types.IntKey(1))
	ix.Add(types.VarcharKey("active"), types.IntKey(2))
	ix.Add(types.VarcharKey("closed"), types.IntKey(3))
	ix.Advance(42)

	path := filepath.Join(t.TempDir(), "status.idx")
	if err := SaveFile(ix, path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := LoadFile("status", path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.HighWater() != 42 {
		t.Fatalf("expected high water 42, got %d", loaded.HighWater())
	}
	active := loaded.Lookup(types.VarcharKey("active"))
	if len(active) != 2 {
		t.Fatalf("expected 2 active entries after reload, got %d", len(active))
	}
}

func TestLoadFileMissingReturnsNotExist(t *testing.T) {
	_, err := LoadFile("status", filepath.Join(t.TempDir(), "missing.idx"))
	if !os.IsNotExist(err) {
		t.Fatalf("expected os.ErrNotExist, got %v", err)
	}
}
