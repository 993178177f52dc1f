// Package xerrors defines the engine's error taxonomy: one exported
// type per kind named in the engine's error handling design, plus
// helpers for wrapping errors that cross package boundaries.
package xerrors

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// CorruptFrameError signals a frame failed its CRC or length check.
// Recoverable by truncating the segment at the frame's offset.
type CorruptFrameError struct {
	Segment string
	Offset  int64
	Reason  string
}

func (e *CorruptFrameError) Error() string {
	return fmt.Sprintf("corrupt frame in %s at offset %d: %s", e.Segment, e.Offset, e.Reason)
}

// CorruptWALError signals a WAL record failed its CRC check.
// Recoverable by treating the record and everything after it as end-of-log.
type CorruptWALError struct {
	Path   string
	Offset int64
	Reason string
}

func (e *CorruptWALError) Error() string {
	return fmt.Sprintf("corrupt wal record in %s at offset %d: %s", e.Path, e.Offset, e.Reason)
}

// IOError wraps an underlying filesystem failure.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("io error during %s on %s: %v", e.Op, e.Path, e.Err)
}
func (e *IOError) Unwrap() error { return e.Err }

// SchemaViolationError signals a write conflicts with the declared schema
// or a constraint (NOT NULL, column type, primary key declaration).
type SchemaViolationError struct {
	Table  string
	Column string
	Reason string
}

func (e *SchemaViolationError) Error() string {
	return fmt.Sprintf("schema violation on %s.%s: %s", e.Table, e.Column, e.Reason)
}

// DuplicateKeyError signals an Insert against a primary key that already
// has a live version.
type DuplicateKeyError struct {
	Table string
	Key   string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate key %q in table %q", e.Key, e.Table)
}

// TxConflictError signals a commit-time conflict under Serializable
// isolation (read-write or write-write).
type TxConflictError struct {
	TxID   string
	Key    string
	Reason string
}

func (e *TxConflictError) Error() string {
	return fmt.Sprintf("transaction %s conflict on key %q: %s", e.TxID, e.Key, e.Reason)
}

// TxAbortedError signals a transaction was aborted: timeout, deadlock
// victim selection, or an explicit rollback.
type TxAbortedError struct {
	TxID   string
	Reason string
}

func (e *TxAbortedError) Error() string {
	return fmt.Sprintf("transaction %s aborted: %s", e.TxID, e.Reason)
}

// CancelledError signals a long-running operation observed a cancelled
// context at a cooperative check point.
type CancelledError struct {
	Op string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("%s cancelled", e.Op)
}

// ResourceExhaustedError signals a hard operator-configured bound was hit.
type ResourceExhaustedError struct {
	Resource string
	Limit    int64
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("resource exhausted: %s exceeds limit %d", e.Resource, e.Limit)
}

// NotFoundError signals a referenced table, transaction, index, or
// snapshot does not exist.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

// LockedError signals another process holds the data-directory lock.
type LockedError struct {
	Path string
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("%s is locked by another process", e.Path)
}

// Wrap attaches cross-package context to err without discarding its
// type, so callers can still errors.As/errors.Is through it.
func Wrap(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}

// Is reports whether err, or any error it wraps, matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain matching target's type.
func As(err error, target any) bool { return errors.As(err, target) }
