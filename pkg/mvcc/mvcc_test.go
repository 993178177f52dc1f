package mvcc

import (
	"testing"

	"github.com/lattice-db/eventdb/pkg/types"
)

func TestPutThenVisibleAfterCommitSeq(t *testing.T) {
	s := NewStore()
	key := types.IntKey(1)

	writer := s.Begin(1, 0, RepeatableRead)
	s.Put(key, "row-v1", 1, 5, writer)
	s.End(1)

	readerBefore := s.Begin(2, 3, RepeatableRead)
	if _, ok := s.Get(key, readerBefore); ok {
		t.Fatal("expected version created at seq 5 invisible to snapshot begun at 3")
	}

	readerAfter := s.Begin(3, 10, RepeatableRead)
	v, ok := s.Get(key, readerAfter)
	if !ok || v.Payload != "row-v1" {
		t.Fatalf("expected version visible to snapshot begun at 10, got %+v ok=%v", v, ok)
	}
}

func TestDeletedRowInvisibleAfterDeleteCommit(t *testing.T) {
	s := NewStore()
	key := types.IntKey(1)

	snap := s.Begin(1, 0, RepeatableRead)
	s.Put(key, "row", 1, 1, snap)
	if err := s.Delete(key, 1, 2, snap); err != nil {
		t.Fatal(err)
	}
	s.End(1)

	reader := s.Begin(2, 10, RepeatableRead)
	if _, ok := s.Get(key, reader); ok {
		t.Fatal("expected deleted row invisible to a later snapshot")
	}

	readerBeforeDelete := s.Begin(3, 1, RepeatableRead)
	v, ok := s.Get(key, readerBeforeDelete)
	if !ok || v.Payload != "row" {
		t.Fatal("expected row visible before its delete committed")
	}
}

func TestInFlightWriterInvisibleToOthers(t *testing.T) {
	s := NewStore()
	key := types.IntKey(1)

	writer := s.Begin(1, 0, RepeatableRead)
	// Simulate: write applied with commit seq assigned, but tx not yet
	// ended (still "active" per the in-flight set).
	s.Put(key, "uncommitted", 1, 1, writer)

	reader := s.Begin(2, 5, RepeatableRead)
	if _, ok := s.Get(key, reader); ok {
		t.Fatal("expected version from a still-active transaction to be invisible")
	}

	s.End(1)
	v, ok := s.Get(key, reader)
	if !ok || v.Payload != "uncommitted" {
		t.Fatal("expected version visible once its writer is no longer active")
	}
}

func TestReadUncommittedSeesLatestRegardlessOfCommitState(t *testing.T) {
	s := NewStore()
	key := types.IntKey(1)

	writer := s.Begin(1, 0, RepeatableRead)
	s.Put(key, "dirty", 1, 99, writer)

	dirtyReader := s.Begin(2, 0, ReadUncommitted)
	v, ok := s.Get(key, dirtyReader)
	if !ok || v.Payload != "dirty" {
		t.Fatal("expected read uncommitted to see the in-flight write")
	}
}

func TestSerializableDetectsWriteWriteConflict(t *testing.T) {
	s := NewStore()
	key := types.IntKey(1)

	a := s.Begin(1, 0, Serializable)
	b := s.Begin(2, 0, Serializable)

	s.Put(key, "from-a", 1, 1, a)
	s.End(1)

	s.Put(key, "from-b", 2, 2, b)

	if err := s.ValidateSerializable(b); err == nil {
		t.Fatal("expected write-write conflict between a and b on the same key")
	}
}

func TestSerializableDetectsReadWriteConflict(t *testing.T) {
	s := NewStore()
	key := types.IntKey(1)

	a := s.Begin(1, 0, Serializable)
	a.TrackRead(key)

	b := s.Begin(2, 0, Serializable)
	s.Put(key, "from-b", 2, 1, b)
	s.End(2)

	if err := s.ValidateSerializable(a); err == nil {
		t.Fatal("expected read-write conflict: a read a key b concurrently committed")
	}
}

func TestGCWatermarkTracksOldestActive(t *testing.T) {
	s := NewStore()
	if s.GCWatermark() == 0 {
		t.Fatal("expected max watermark with no active transactions")
	}
	s.Begin(1, 10, RepeatableRead)
	s.Begin(2, 5, RepeatableRead)
	if s.GCWatermark() != 5 {
		t.Fatalf("expected watermark 5, got %d", s.GCWatermark())
	}
	s.End(2)
	if s.GCWatermark() != 10 {
		t.Fatalf("expected watermark 10 after removing the older snapshot, got %d", s.GCWatermark())
	}
}

func TestGCRemovesOldTombstones(t *testing.T) {
	s := NewStore()
	key := types.IntKey(1)

	snap := s.Begin(1, 0, RepeatableRead)
	s.Put(key, "row", 1, 1, snap)
	s.Delete(key, 1, 2, snap)
	s.End(1)

	removed := s.GC(100)
	if removed != 1 {
		t.Fatalf("expected 1 chain removed, got %d", removed)
	}
	reader := s.Begin(2, 200, RepeatableRead)
	if _, ok := s.Get(key, reader); ok {
		t.Fatal("expected tombstoned row to stay absent after GC")
	}
}
