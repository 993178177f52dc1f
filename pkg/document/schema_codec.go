package document

import (
	"os"

	"github.com/lattice-db/eventdb/pkg/xerrors"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// SaveSchema persists schema to path using the same BSON encoding rows
// themselves use, the "schema" file spec.md's data-directory layout
// names under each table's directory.
func SaveSchema(schema Schema, path string) error {
	data, err := bson.Marshal(schema)
	if err != nil {
		return xerrors.Wrap(err, "marshal schema")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return &xerrors.IOError{Op: "write schema", Path: path, Err: err}
	}
	return nil
}

// LoadSchema reads a schema file previously written by SaveSchema.
func LoadSchema(path string) (Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Schema{}, &xerrors.IOError{Op: "read schema", Path: path, Err: err}
	}
	var schema Schema
	if err := bson.Unmarshal(data, &schema); err != nil {
		return Schema{}, xerrors.Wrap(err, "unmarshal schema")
	}
	return schema, nil
}
