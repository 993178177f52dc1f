package document

import (
	"github.com/lattice-db/eventdb/pkg/xerrors"
)

// Column declares one field of a table's schema.
type Column struct {
	Name       string
	Type       ColumnType
	PrimaryKey bool
	NotNull    bool
	Unique     bool
}

// Schema is a table's declared column list. Exactly one column must be
// PrimaryKey.
type Schema struct {
	Table   string
	Columns []Column
}

// PrimaryKeyColumn returns the schema's sole primary-key column.
func (s Schema) PrimaryKeyColumn() (Column, bool) {
	for _, c := range s.Columns {
		if c.PrimaryKey {
			return c, true
		}
	}
	return Column{}, false
}

// Validate checks that the schema declares exactly one primary key.
func (s Schema) Validate() error {
	count := 0
	for _, c := range s.Columns {
		if c.PrimaryKey {
			count++
		}
	}
	if count == 0 {
		return &xerrors.SchemaViolationError{Table: s.Table, Reason: "no primary key column declared"}
	}
	if count > 1 {
		return &xerrors.SchemaViolationError{Table: s.Table, Reason: "more than one primary key column declared"}
	}
	return nil
}

// CheckRow validates doc against the schema's NOT NULL and column-type
// constraints. It does not check UNIQUE; UNIQUE columns are only
// indexed by the table, and no write is rejected for a repeated value.
func (s Schema) CheckRow(doc Doc) error {
	for _, col := range s.Columns {
		val, present := doc.Get(col.Name)
		if !present || val == nil {
			if col.NotNull || col.PrimaryKey {
				return &xerrors.SchemaViolationError{Table: s.Table, Column: col.Name, Reason: "value is required"}
			}
			continue
		}
		cmp, ok := Comparable(val)
		if !ok {
			return &xerrors.SchemaViolationError{Table: s.Table, Column: col.Name, Reason: "unsupported value type"}
		}
		if cmp.Kind() != col.Type.KindOf() {
			return &xerrors.SchemaViolationError{
				Table: s.Table, Column: col.Name,
				Reason: "value kind " + cmp.Kind() + " does not match declared type " + col.Type.String(),
			}
		}
	}
	return nil
}

// UniqueColumns returns the names of every column carrying a UNIQUE
// constraint (the primary key is unique by definition and is not
// repeated here).
func (s Schema) UniqueColumns() []string {
	var cols []string
	for _, c := range s.Columns {
		if c.Unique && !c.PrimaryKey {
			cols = append(cols, c.Name)
		}
	}
	return cols
}
