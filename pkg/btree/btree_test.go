package btree

import (
	"testing"

	"github.com/lattice-db/eventdb/pkg/types"
)

func TestInsertAndGet(t *testing.T) {
	tr := New[int64](3)
	for i := int64(0); i < 100; i++ {
		if err := tr.Insert(types.IntKey(i), i*10); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	for i := int64(0); i < 100; i++ {
		v, ok := tr.Get(types.IntKey(i))
		if !ok || v != i*10 {
			t.Fatalf("get %d: got %d ok=%v", i, v, ok)
		}
	}
	if _, ok := tr.Get(types.IntKey(999)); ok {
		t.Fatal("expected miss for absent key")
	}
}

func TestUniqueTreeRejectsDuplicate(t *testing.T) {
	tr := NewUnique[int64](3)
	if err := tr.Insert(types.IntKey(1), 100); err != nil {
		t.Fatal(err)
	}
	if err := tr.Insert(types.IntKey(1), 200); err == nil {
		t.Fatal("expected duplicate key error")
	}
	v, _ := tr.Get(types.IntKey(1))
	if v != 100 {
		t.Fatalf("expected original value preserved, got %d", v)
	}
}

func TestNonUniqueTreeOverwrites(t *testing.T) {
	tr := New[int64](3)
	if err := tr.Insert(types.IntKey(1), 100); err != nil {
		t.Fatal(err)
	}
	if err := tr.Insert(types.IntKey(1), 200); err != nil {
		t.Fatal(err)
	}
	v, _ := tr.Get(types.IntKey(1))
	if v != 200 {
		t.Fatalf("expected overwritten value, got %d", v)
	}
}

func TestReplace(t *testing.T) {
	tr := NewUnique[int64](3)
	if err := tr.Replace(types.IntKey(5), 50); err != nil {
		t.Fatal(err)
	}
	if err := tr.Replace(types.IntKey(5), 60); err != nil {
		t.Fatal(err)
	}
	v, ok := tr.Get(types.IntKey(5))
	if !ok || v != 60 {
		t.Fatalf("expected 60, got %d ok=%v", v, ok)
	}
}

func TestUpsertAppendsToPostingList(t *testing.T) {
	tr := New[[]int64](3)
	add := func(key types.Comparable, pk int64) {
		err := tr.Upsert(key, func(old []int64, exists bool) ([]int64, error) {
			if !exists {
				return []int64{pk}, nil
			}
			return append(old, pk), nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	add(types.VarcharKey("active"), 1)
	add(types.VarcharKey("active"), 2)
	add(types.VarcharKey("active"), 3)

	list, ok := tr.Get(types.VarcharKey("active"))
	if !ok || len(list) != 3 {
		t.Fatalf("expected posting list of 3, got %v ok=%v", list, ok)
	}
}

func TestDelete(t *testing.T) {
	tr := New[int64](3)
	for i := int64(0); i < 50; i++ {
		if err := tr.Insert(types.IntKey(i), i); err != nil {
			t.Fatal(err)
		}
	}
	for i := int64(0); i < 50; i += 2 {
		if !tr.Delete(types.IntKey(i)) {
			t.Fatalf("expected delete of %d to report found", i)
		}
	}
	for i := int64(0); i < 50; i++ {
		v, ok := tr.Get(types.IntKey(i))
		if i%2 == 0 {
			if ok {
				t.Fatalf("expected %d deleted", i)
			}
		} else {
			if !ok || v != i {
				t.Fatalf("expected %d to survive deletion, got %d ok=%v", i, v, ok)
			}
		}
	}
	if tr.Delete(types.IntKey(999)) {
		t.Fatal("expected delete of absent key to report not found")
	}
}

func TestCursorAscendingOrder(t *testing.T) {
	tr := New[int64](3)
	want := []int64{5, 1, 9, 3, 7, 2, 8, 4, 6, 0}
	for _, i := range want {
		if err := tr.Insert(types.IntKey(i), i); err != nil {
			t.Fatal(err)
		}
	}

	c := tr.Cursor(nil)
	var got []int64
	for {
		k, v, ok := c.Next()
		if !ok {
			break
		}
		if k.(types.IntKey) != types.IntKey(v) {
			t.Fatalf("key/value mismatch: %v/%v", k, v)
		}
		got = append(got, v)
	}
	if len(got) != 10 {
		t.Fatalf("expected 10 entries, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1] >= got[i] {
			t.Fatalf("cursor not ascending at %d: %v", i, got)
		}
	}
}

func TestCursorStartsFromLowerBound(t *testing.T) {
	tr := New[int64](3)
	for i := int64(0); i < 20; i++ {
		if err := tr.Insert(types.IntKey(i), i); err != nil {
			t.Fatal(err)
		}
	}
	c := tr.Cursor(types.IntKey(15))
	k, v, ok := c.Next()
	if !ok || v != 15 {
		t.Fatalf("expected first entry >= 15, got %v/%v ok=%v", k, v, ok)
	}
}
