// Package types defines the scalar key variant shared by primary keys
// and index values.
package types

import (
	"fmt"
	"time"
)

// Comparable is implemented by every scalar key type used as a primary
// key or an indexed column value.
type Comparable interface {
	Compare(other Comparable) int // -1 if <, 0 if ==, 1 if >
	Kind() string
}

// IntKey is a signed 64-bit integer key.
type IntKey int64

func (k IntKey) Compare(other Comparable) int {
	o := other.(IntKey)
	switch {
	case k < o:
		return -1
	case k > o:
		return 1
	default:
		return 0
	}
}
func (k IntKey) Kind() string   { return "int" }
func (k IntKey) String() string { return fmt.Sprintf("%d", int64(k)) }

// VarcharKey is a string key.
type VarcharKey string

func (k VarcharKey) Compare(other Comparable) int {
	o := other.(VarcharKey)
	switch {
	case k < o:
		return -1
	case k > o:
		return 1
	default:
		return 0
	}
}
func (k VarcharKey) Kind() string   { return "varchar" }
func (k VarcharKey) String() string { return string(k) }

// FloatKey is a float64 key.
type FloatKey float64

func (k FloatKey) Compare(other Comparable) int {
	o := other.(FloatKey)
	switch {
	case k < o:
		return -1
	case k > o:
		return 1
	default:
		return 0
	}
}
func (k FloatKey) Kind() string   { return "float" }
func (k FloatKey) String() string { return fmt.Sprintf("%g", float64(k)) }

// BoolKey is a boolean key; false sorts before true.
type BoolKey bool

func (k BoolKey) Compare(other Comparable) int {
	o := other.(BoolKey)
	if k == o {
		return 0
	}
	if !k && o {
		return -1
	}
	return 1
}
func (k BoolKey) Kind() string   { return "bool" }
func (k BoolKey) String() string { return fmt.Sprintf("%t", bool(k)) }

// DateKey is a timestamp key, compared to nanosecond precision.
type DateKey time.Time

func (k DateKey) Compare(other Comparable) int {
	o := time.Time(other.(DateKey))
	t := time.Time(k)
	switch {
	case t.Before(o):
		return -1
	case t.After(o):
		return 1
	default:
		return 0
	}
}
func (k DateKey) Kind() string   { return "date" }
func (k DateKey) String() string { return time.Time(k).Format(time.RFC3339Nano) }

// CompareBytes orders two Comparable keys, tolerating differing
// dynamic types by falling back to kind-name order (used only when a
// caller has already violated a single-typed-column invariant, which
// schema validation in pkg/document is meant to prevent).
func CompareBytes(a, b Comparable) int {
	if a.Kind() != b.Kind() {
		if a.Kind() < b.Kind() {
			return -1
		}
		return 1
	}
	return a.Compare(b)
}
