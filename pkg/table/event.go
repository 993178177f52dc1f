package table

import (
	"github.com/lattice-db/eventdb/pkg/document"
	"github.com/lattice-db/eventdb/pkg/frame"
	"github.com/lattice-db/eventdb/pkg/types"
	"github.com/lattice-db/eventdb/pkg/xerrors"
)

// Event is the in-memory form of one atomic, immutable record: an
// Insert carries the full row, a Patch carries only the changed
// fields (plus the primary key, so the engine can find the row to
// patch), and a SoftDelete carries only the primary key.
type Event struct {
	Sequence    uint64
	TimestampMs int64
	Kind        frame.Kind
	Payload     document.Doc
}

// PrimaryKey extracts the event's primary key using the table's
// declared primary-key column.
func (e Event) PrimaryKey(pkColumn string) (types.Comparable, error) {
	pk, ok := e.Payload.FieldComparable(pkColumn)
	if !ok {
		return nil, &xerrors.SchemaViolationError{Column: pkColumn, Reason: "event payload missing primary key field"}
	}
	return pk, nil
}

// encodeFrame turns an Event into its on-disk frame.Frame.
func encodeFrame(e Event) (frame.Frame, error) {
	payload, err := document.Marshal(e.Payload)
	if err != nil {
		return frame.Frame{}, xerrors.Wrap(err, "marshal event payload")
	}
	return frame.Frame{
		Sequence:    e.Sequence,
		TimestampMs: e.TimestampMs,
		Kind:        e.Kind,
		Payload:     payload,
	}, nil
}

// decodeFrame reconstructs an Event from a frame read off a segment.
func decodeFrame(f frame.Frame) (Event, error) {
	doc, err := document.Unmarshal(f.Payload)
	if err != nil {
		return Event{}, xerrors.Wrap(err, "unmarshal event payload")
	}
	return Event{
		Sequence:    f.Sequence,
		TimestampMs: f.TimestampMs,
		Kind:        f.Kind,
		Payload:     doc,
	}, nil
}
