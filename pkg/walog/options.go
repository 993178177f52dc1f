package walog

import "time"

// SyncPolicy controls when non-commit records are flushed to disk.
// Commit records always fsync regardless of this policy (§4.3 point 2
// is non-negotiable); SyncPolicy only tunes durability latency for the
// Write/Begin records that precede a commit.
type SyncPolicy int

const (
	SyncEveryWrite SyncPolicy = iota
	SyncInterval
	SyncBatch
)

// DefaultMaxSegmentSize bounds a single WAL segment file before the
// writer seals it and opens the next one (spec.md §3's "WAL segment:
// appended to until its size threshold" lifecycle point).
const DefaultMaxSegmentSize int64 = 64 << 20

// Options configures a Writer. Constructed with functional options,
// the pattern the teacher's own wal/options.go and Jekaa's
// mvcc/options.go both use.
type Options struct {
	BufferSize           int
	SyncPolicy           SyncPolicy
	SyncIntervalDuration time.Duration
	SyncBatchBytes       int64
	MaxSegmentSize       int64
}

// DefaultOptions returns the engine's default WAL tuning.
func DefaultOptions() Options {
	return Options{
		BufferSize:           64 * 1024,
		SyncPolicy:           SyncInterval,
		SyncIntervalDuration: 200 * time.Millisecond,
		SyncBatchBytes:       1 << 20,
		MaxSegmentSize:       DefaultMaxSegmentSize,
	}
}

// Option mutates an Options value.
type Option func(*Options)

func WithBufferSize(n int) Option           { return func(o *Options) { o.BufferSize = n } }
func WithSyncPolicy(p SyncPolicy) Option    { return func(o *Options) { o.SyncPolicy = p } }
func WithSyncInterval(d time.Duration) Option {
	return func(o *Options) { o.SyncPolicy = SyncInterval; o.SyncIntervalDuration = d }
}
func WithSyncBatchBytes(n int64) Option {
	return func(o *Options) { o.SyncPolicy = SyncBatch; o.SyncBatchBytes = n }
}
func WithMaxSegmentSize(n int64) Option { return func(o *Options) { o.MaxSegmentSize = n } }
