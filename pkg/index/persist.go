package index

import (
	"fmt"
	"os"
	"path/filepath"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/lattice-db/eventdb/pkg/types"
	"github.com/lattice-db/eventdb/pkg/xerrors"
)

// wireEntry is the on-disk shape of one Entry: Comparable values are
// tagged with their kind so LoadFile can reconstruct the concrete type.
type wireEntry struct {
	Kind        string   `bson:"kind"`
	Value       bson.Raw `bson:"value"`
	PrimaryKeys []wireKV `bson:"primary_keys"`
}

type wireKV struct {
	Kind  string   `bson:"kind"`
	Value bson.Raw `bson:"value"`
}

type wireFile struct {
	HighWater uint64      `bson:"high_water"`
	Entries   []wireEntry `bson:"entries"`
}

// SaveFile atomically writes ix to path (conventionally <column>.idx),
// the same write-temp-then-rename discipline the teacher's checkpoint
// manager uses for B+Tree checkpoints.
func SaveFile(ix *Index, path string) error {
	entries := ix.Entries()
	wf := wireFile{HighWater: ix.HighWater()}
	for _, e := range entries {
		we := wireEntry{Kind: e.Value.Kind()}
		v, err := bson.Marshal(bson.M{"v": e.Value})
		if err != nil {
			return xerrors.Wrap(err, "marshal index value")
		}
		we.Value = v
		for _, pk := range e.PrimaryKeys {
			pv, err := bson.Marshal(bson.M{"v": pk})
			if err != nil {
				return xerrors.Wrap(err, "marshal index primary key")
			}
			we.PrimaryKeys = append(we.PrimaryKeys, wireKV{Kind: pk.Kind(), Value: pv})
		}
		wf.Entries = append(wf.Entries, we)
	}

	data, err := bson.Marshal(wf)
	if err != nil {
		return xerrors.Wrap(err, "marshal index file")
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return &xerrors.IOError{Op: "write index temp file", Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		return &xerrors.IOError{Op: "rename index file", Path: path, Err: err}
	}
	return nil
}

// LoadFile reads a previously saved index file. Returns os.ErrNotExist
// (wrapped) if path does not exist, which callers treat as "rebuild
// from replay instead".
func LoadFile(column, path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var wf wireFile
	if err := bson.Unmarshal(data, &wf); err != nil {
		return nil, xerrors.Wrap(err, "unmarshal index file %s", filepath.Base(path))
	}

	ix := New(column)
	entries := make([]Entry, 0, len(wf.Entries))
	for _, we := range wf.Entries {
		value, err := decodeComparable(we.Kind, we.Value)
		if err != nil {
			return nil, err
		}
		pks := make([]types.Comparable, 0, len(we.PrimaryKeys))
		for _, pkv := range we.PrimaryKeys {
			pk, err := decodeComparable(pkv.Kind, pkv.Value)
			if err != nil {
				return nil, err
			}
			pks = append(pks, pk)
		}
		entries = append(entries, Entry{Value: value, PrimaryKeys: pks})
	}

	if err := ix.LoadEntries(entries, wf.HighWater); err != nil {
		return nil, err
	}
	return ix, nil
}

func decodeComparable(kind string, raw bson.Raw) (types.Comparable, error) {
	var wrapper struct {
		V bson.RawValue `bson:"v"`
	}
	if err := bson.Unmarshal(raw, &wrapper); err != nil {
		return nil, xerrors.Wrap(err, "unmarshal index entry value")
	}
	switch kind {
	case "int":
		var v int64
		if err := wrapper.V.Unmarshal(&v); err != nil {
			return nil, xerrors.Wrap(err, "decode int key")
		}
		return types.IntKey(v), nil
	case "varchar":
		var v string
		if err := wrapper.V.Unmarshal(&v); err != nil {
			return nil, xerrors.Wrap(err, "decode varchar key")
		}
		return types.VarcharKey(v), nil
	case "float":
		var v float64
		if err := wrapper.V.Unmarshal(&v); err != nil {
			return nil, xerrors.Wrap(err, "decode float key")
		}
		return types.FloatKey(v), nil
	case "bool":
		var v bool
		if err := wrapper.V.Unmarshal(&v); err != nil {
			return nil, xerrors.Wrap(err, "decode bool key")
		}
		return types.BoolKey(v), nil
	case "date":
		var v bson.DateTime
		if err := wrapper.V.Unmarshal(&v); err != nil {
			return nil, xerrors.Wrap(err, "decode date key")
		}
		return types.DateKey(v.Time()), nil
	default:
		return nil, fmt.Errorf("unknown comparable kind %q in index file", kind)
	}
}
