package snapshot

import (
	"testing"
	"time"

	"github.com/lattice-db/eventdb/pkg/document"
	"github.com/lattice-db/eventdb/pkg/types"
)

func TestCreateAndNearestAtOrBefore(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	mk := func(seq uint64, name string) *Snapshot {
		return &Snapshot{
			Sequence: seq,
			Rows: map[types.Comparable]document.Doc{
				types.IntKey(1): document.Doc{{Key: "name", Value: name}},
			},
		}
	}

	if err := store.Create(mk(10, "v10")); err != nil {
		t.Fatal(err)
	}
	if err := store.Create(mk(20, "v20")); err != nil {
		t.Fatal(err)
	}
	if err := store.Create(mk(30, "v30")); err != nil {
		t.Fatal(err)
	}

	snap, err := store.NearestAtOrBefore(25)
	if err != nil {
		t.Fatal(err)
	}
	if snap == nil || snap.Sequence != 20 {
		t.Fatalf("expected nearest snapshot at or before 25 to be 20, got %+v", snap)
	}

	snap, err = store.NearestAtOrBefore(5)
	if err != nil {
		t.Fatal(err)
	}
	if snap != nil {
		t.Fatalf("expected no snapshot before sequence 5, got %+v", snap)
	}
}

func TestListReturnsAscendingSequences(t *testing.T) {
	store, _ := Open(t.TempDir())
	for _, seq := range []uint64{50, 10, 30} {
		store.Create(&Snapshot{Sequence: seq, Rows: map[types.Comparable]document.Doc{}})
	}
	seqs, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(seqs) != 3 || seqs[0] != 10 || seqs[1] != 30 || seqs[2] != 50 {
		t.Fatalf("expected ascending [10 30 50], got %v", seqs)
	}
}

func TestPruneRemovesOlderSnapshots(t *testing.T) {
	store, _ := Open(t.TempDir())
	for _, seq := range []uint64{10, 20, 30} {
		store.Create(&Snapshot{Sequence: seq, Rows: map[types.Comparable]document.Doc{}})
	}
	if err := store.Prune(20); err != nil {
		t.Fatal(err)
	}
	seqs, _ := store.List()
	if len(seqs) != 2 || seqs[0] != 20 || seqs[1] != 30 {
		t.Fatalf("expected [20 30] to survive prune, got %v", seqs)
	}
}

func TestPolicyThresholdShrinksAsRateGrows(t *testing.T) {
	p := NewPolicy(DefaultPolicyConfig(), time.Unix(0, 0))
	low := p.Threshold(0)
	high := p.Threshold(10000)
	if !(low > high) {
		t.Fatalf("expected threshold to shrink as rate grows: low=%d high=%d", low, high)
	}
}

func TestPolicyShouldCreateOnEventCount(t *testing.T) {
	cfg := DefaultPolicyConfig()
	cfg.MinEventsBetween = 10
	cfg.MaxEventsBetween = 10
	now := time.Unix(0, 0)
	p := NewPolicy(cfg, now)

	if p.ShouldCreate(5, now, 0) {
		t.Fatal("expected no snapshot yet at 5 events")
	}
	if !p.ShouldCreate(10, now, 0) {
		t.Fatal("expected snapshot once threshold reached")
	}
}

func TestPolicyShouldCreateOnMaxInterval(t *testing.T) {
	cfg := DefaultPolicyConfig()
	cfg.MinEventsBetween = 1_000_000
	cfg.MaxEventsBetween = 1_000_000
	cfg.MinInterval = time.Second
	cfg.MaxInterval = time.Minute
	start := time.Unix(0, 0)
	p := NewPolicy(cfg, start)

	if p.ShouldCreate(1, start.Add(30*time.Second), 0) {
		t.Fatal("expected no snapshot before max interval elapses")
	}
	if !p.ShouldCreate(1, start.Add(2*time.Minute), 0) {
		t.Fatal("expected snapshot once max interval elapses")
	}
}
