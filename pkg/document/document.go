// Package document implements the compact binary document format used
// for event payloads: a mapping of column name to scalar value,
// encoded with BSON and type-checked against a table's declared schema.
package document

import (
	"time"

	"github.com/lattice-db/eventdb/pkg/types"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// ColumnType names the declared type of a schema column.
type ColumnType int

const (
	ColumnInt ColumnType = iota
	ColumnVarchar
	ColumnBool
	ColumnFloat
	ColumnDate
)

func (c ColumnType) String() string {
	return [...]string{"INT", "VARCHAR", "BOOL", "FLOAT", "DATE"}[c]
}

// KindOf maps a ColumnType to the types.Comparable.Kind() string it
// produces, used by schema validation to cross-check a decoded value.
func (c ColumnType) KindOf() string {
	switch c {
	case ColumnInt:
		return "int"
	case ColumnVarchar:
		return "varchar"
	case ColumnBool:
		return "bool"
	case ColumnFloat:
		return "float"
	case ColumnDate:
		return "date"
	default:
		return "varchar"
	}
}

// Doc is the in-memory tagged-variant tree: an ordered field list
// backed directly by bson.D, preserving insertion order the way the
// on-disk encoding does.
type Doc bson.D

// Marshal encodes a Doc to its on-disk compact binary representation.
func Marshal(d Doc) ([]byte, error) {
	return bson.Marshal(bson.D(d))
}

// Unmarshal decodes a Doc from its on-disk compact binary representation.
func Unmarshal(data []byte) (Doc, error) {
	var out bson.D
	if err := bson.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return Doc(out), nil
}

// Get returns the value of a field and whether it was present.
func (d Doc) Get(field string) (any, bool) {
	for _, e := range d {
		if e.Key == field {
			return e.Value, true
		}
	}
	return nil, false
}

// Set returns a copy of d with field set to value, replacing any
// existing entry for that field and otherwise appending it.
func (d Doc) Set(field string, value any) Doc {
	out := make(Doc, 0, len(d)+1)
	replaced := false
	for _, e := range d {
		if e.Key == field {
			out = append(out, bson.E{Key: field, Value: value})
			replaced = true
			continue
		}
		out = append(out, e)
	}
	if !replaced {
		out = append(out, bson.E{Key: field, Value: value})
	}
	return out
}

// Without returns a copy of d with field removed.
func (d Doc) Without(field string) Doc {
	out := make(Doc, 0, len(d))
	for _, e := range d {
		if e.Key == field {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Project returns a copy of d containing only the named fields, in the
// order they were requested, used for column-subset query projection.
func Project(d Doc, columns []string) Doc {
	if columns == nil {
		return d
	}
	out := make(Doc, 0, len(columns))
	for _, col := range columns {
		if v, ok := d.Get(col); ok {
			out = append(out, bson.E{Key: col, Value: v})
		}
	}
	return out
}

// Comparable converts value to a types.Comparable, the representation
// used for primary keys and indexed column values.
func Comparable(value any) (types.Comparable, bool) {
	switch v := value.(type) {
	case int:
		return types.IntKey(v), true
	case int32:
		return types.IntKey(v), true
	case int64:
		return types.IntKey(v), true
	case string:
		return types.VarcharKey(v), true
	case bool:
		return types.BoolKey(v), true
	case float32:
		return types.FloatKey(v), true
	case float64:
		return types.FloatKey(v), true
	case time.Time:
		return types.DateKey(v), true
	case bson.DateTime:
		return types.DateKey(v.Time()), true
	default:
		return nil, false
	}
}

// FieldComparable looks up field in d and converts it to a Comparable.
func (d Doc) FieldComparable(field string) (types.Comparable, bool) {
	v, ok := d.Get(field)
	if !ok {
		return nil, false
	}
	return Comparable(v)
}
