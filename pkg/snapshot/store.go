// Package snapshot implements the per-table snapshot store: compressed
// materialised row maps keyed by sequence, used to bound the cost of
// historical and current-state queries without replaying the whole
// log. Grounded on the teacher's pkg/storage/checkpoint.go
// (CreateCheckpoint/LoadLatestCheckpoint/cleanOldCheckpoints), adapted
// from "checkpoint one B+Tree per (table, index, LSN)" to "checkpoint
// one full row map per (table, sequence)".
package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/lattice-db/eventdb/pkg/document"
	"github.com/lattice-db/eventdb/pkg/types"
	"github.com/lattice-db/eventdb/pkg/xerrors"
)

// Snapshot is a table's materialised row set as of Sequence.
type Snapshot struct {
	Sequence uint64
	Rows     map[types.Comparable]document.Doc
}

// Store manages a table's on-disk snapshots under dir, named
// snapshot_<sequence>.snap, each zstd-compressed.
type Store struct {
	dir string
	mu  sync.Mutex

	// keep the most recently loaded/created snapshot cached, since
	// table.materialise_at almost always starts from the latest one.
	cached *Snapshot
}

// Open prepares a snapshot store rooted at dir, creating it if absent.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &xerrors.IOError{Op: "mkdir", Path: dir, Err: err}
	}
	return &Store{dir: dir}, nil
}

func fileName(dir string, sequence uint64) string {
	return filepath.Join(dir, fmt.Sprintf("snapshot_%020d.snap", sequence))
}

type wireRow struct {
	KeyKind string `bson:"key_kind"`
	Key     []byte `bson:"key"`
	Doc     []byte `bson:"doc"`
}

type wireSnapshot struct {
	Sequence uint64    `bson:"sequence"`
	Rows     []wireRow `bson:"rows"`
}

// Create materialises snap and writes it to disk atomically
// (write-temp-then-rename, as in the teacher's CreateCheckpoint).
func (s *Store) Create(snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws := wireSnapshot{Sequence: snap.Sequence}
	for key, doc := range snap.Rows {
		keyBytes, err := bson.Marshal(bson.M{"v": key})
		if err != nil {
			return xerrors.Wrap(err, "marshal snapshot row key")
		}
		docBytes, err := document.Marshal(doc)
		if err != nil {
			return xerrors.Wrap(err, "marshal snapshot row document")
		}
		ws.Rows = append(ws.Rows, wireRow{KeyKind: key.Kind(), Key: keyBytes, Doc: docBytes})
	}

	raw, err := bson.Marshal(ws)
	if err != nil {
		return xerrors.Wrap(err, "marshal snapshot")
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return xerrors.Wrap(err, "create zstd encoder")
	}
	compressed := enc.EncodeAll(raw, nil)
	if err := enc.Close(); err != nil {
		return xerrors.Wrap(err, "close zstd encoder")
	}

	path := fileName(s.dir, snap.Sequence)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, compressed, 0644); err != nil {
		return &xerrors.IOError{Op: "write snapshot temp file", Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		return &xerrors.IOError{Op: "rename snapshot file", Path: path, Err: err}
	}

	s.cached = snap
	return nil
}

// NearestAtOrBefore returns the most recent snapshot with
// snap.Sequence <= sequence, or nil if none exists.
func (s *Store) NearestAtOrBefore(sequence uint64) (*Snapshot, error) {
	s.mu.Lock()
	if s.cached != nil && s.cached.Sequence <= sequence {
		cached := s.cached
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	seqs, err := s.List()
	if err != nil {
		return nil, err
	}
	var best int64 = -1
	for _, seq := range seqs {
		if seq <= sequence && int64(seq) > best {
			best = int64(seq)
		}
	}
	if best < 0 {
		return nil, nil
	}
	return s.load(uint64(best))
}

// List enumerates every available snapshot sequence, ascending.
func (s *Store) List() ([]uint64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, &xerrors.IOError{Op: "readdir", Path: s.dir, Err: err}
	}
	var seqs []uint64
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "snapshot_") || !strings.HasSuffix(e.Name(), ".snap") {
			continue
		}
		mid := strings.TrimSuffix(strings.TrimPrefix(e.Name(), "snapshot_"), ".snap")
		seq, err := strconv.ParseUint(mid, 10, 64)
		if err != nil {
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

func (s *Store) load(sequence uint64) (*Snapshot, error) {
	path := fileName(s.dir, sequence)
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, &xerrors.IOError{Op: "read snapshot", Path: path, Err: err}
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, xerrors.Wrap(err, "create zstd decoder")
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, xerrors.Wrap(err, "decompress snapshot %s", filepath.Base(path))
	}

	var ws wireSnapshot
	if err := bson.Unmarshal(raw, &ws); err != nil {
		return nil, xerrors.Wrap(err, "unmarshal snapshot %s", filepath.Base(path))
	}

	snap := &Snapshot{Sequence: ws.Sequence, Rows: make(map[types.Comparable]document.Doc, len(ws.Rows))}
	for _, row := range ws.Rows {
		key, err := decodeKey(row.KeyKind, row.Key)
		if err != nil {
			return nil, err
		}
		doc, err := document.Unmarshal(row.Doc)
		if err != nil {
			return nil, xerrors.Wrap(err, "unmarshal snapshot row document")
		}
		snap.Rows[key] = doc
	}

	s.mu.Lock()
	if s.cached == nil || snap.Sequence > s.cached.Sequence {
		s.cached = snap
	}
	s.mu.Unlock()
	return snap, nil
}

func decodeKey(kind string, raw []byte) (types.Comparable, error) {
	var wrapper struct {
		V bson.RawValue `bson:"v"`
	}
	if err := bson.Unmarshal(raw, &wrapper); err != nil {
		return nil, xerrors.Wrap(err, "unmarshal snapshot row key")
	}
	switch kind {
	case "int":
		var v int64
		if err := wrapper.V.Unmarshal(&v); err != nil {
			return nil, xerrors.Wrap(err, "decode int snapshot key")
		}
		return types.IntKey(v), nil
	case "varchar":
		var v string
		if err := wrapper.V.Unmarshal(&v); err != nil {
			return nil, xerrors.Wrap(err, "decode varchar snapshot key")
		}
		return types.VarcharKey(v), nil
	case "float":
		var v float64
		if err := wrapper.V.Unmarshal(&v); err != nil {
			return nil, xerrors.Wrap(err, "decode float snapshot key")
		}
		return types.FloatKey(v), nil
	case "bool":
		var v bool
		if err := wrapper.V.Unmarshal(&v); err != nil {
			return nil, xerrors.Wrap(err, "decode bool snapshot key")
		}
		return types.BoolKey(v), nil
	case "date":
		var v bson.DateTime
		if err := wrapper.V.Unmarshal(&v); err != nil {
			return nil, xerrors.Wrap(err, "decode date snapshot key")
		}
		return types.DateKey(v.Time()), nil
	default:
		return nil, fmt.Errorf("unknown comparable kind %q in snapshot file", kind)
	}
}

// Prune removes every snapshot older than keepFrom, analogous to the
// teacher's cleanOldCheckpoints but keeping every snapshot at or after
// keepFrom rather than only the single latest one, since historical
// queries may still need an older-but-not-oldest snapshot as their
// nearest_at_or_before base.
func (s *Store) Prune(keepFrom uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seqs, err := s.List()
	if err != nil {
		return err
	}
	for _, seq := range seqs {
		if seq < keepFrom {
			if err := os.Remove(fileName(s.dir, seq)); err != nil && !os.IsNotExist(err) {
				return &xerrors.IOError{Op: "remove snapshot", Path: fileName(s.dir, seq), Err: err}
			}
		}
	}
	return nil
}
