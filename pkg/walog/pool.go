package walog

import "sync"

// recordPool reuses WAL records and their payload buffers on the hot
// write/replay path, the same shape as the teacher's
// wal/pool.go.
var (
	recordPool = sync.Pool{
		New: func() any { return &Record{Payload: make([]byte, 0, 4096)} },
	}
)

// AcquireRecord obtains a pooled Record.
func AcquireRecord() *Record { return recordPool.Get().(*Record) }

// ReleaseRecord returns a Record to the pool after zeroing its header
// and resetting (not discarding) its payload capacity.
func ReleaseRecord(r *Record) {
	r.Header = Header{}
	r.Payload = r.Payload[:0]
	recordPool.Put(r)
}
