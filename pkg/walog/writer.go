package walog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/lattice-db/eventdb/pkg/xerrors"
)

// Writer owns the active WAL file and the background sync policy for
// non-commit records. Grounded on the teacher's pkg/wal/writer.go,
// with one correction: Commit always forces an immediate fsync,
// independent of the configured SyncPolicy, because §4.3 point 2 of
// the durability contract is not subject to operator tuning.
type Writer struct {
	mu      sync.Mutex
	dir     string
	file    *os.File
	bw      *bufio.Writer
	opts    Options
	segID   uint64
	written int64

	batchBytes int64
	done       chan struct{}
	ticker     *time.Ticker
	closed     bool
}

func walSegmentName(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("wal.%010d.log", id))
}

// NewWriter opens (creating if necessary) the WAL directory and starts
// appending to the highest-numbered existing segment, or segment 1 if
// the directory is empty.
func NewWriter(dir string, opts Options) (*Writer, error) {
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = DefaultMaxSegmentSize
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &xerrors.IOError{Op: "mkdir", Path: dir, Err: err}
	}

	id, err := latestSegmentID(dir)
	if err != nil {
		return nil, err
	}
	path := walSegmentName(dir, id)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, &xerrors.IOError{Op: "open wal segment", Path: path, Err: err}
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &xerrors.IOError{Op: "stat wal segment", Path: path, Err: err}
	}

	w := &Writer{
		dir:     dir,
		file:    f,
		bw:      bufio.NewWriterSize(f, opts.BufferSize),
		opts:    opts,
		segID:   id,
		written: info.Size(),
		done:    make(chan struct{}),
	}

	if opts.SyncPolicy == SyncInterval {
		w.ticker = time.NewTicker(opts.SyncIntervalDuration)
		go w.backgroundSync()
	}

	return w, nil
}

func latestSegmentID(dir string) (uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, &xerrors.IOError{Op: "readdir", Path: dir, Err: err}
	}
	var ids []uint64
	for _, e := range entries {
		var id uint64
		if _, err := fmt.Sscanf(e.Name(), "wal.%010d.log", &id); err == nil {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return 1, nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids[len(ids)-1], nil
}

// Append writes rec to the active segment, applying the configured
// sync policy; Commit records always fsync before returning,
// regardless of policy.
func (w *Writer) Append(rec *Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := rec.WriteTo(w.bw)
	if err != nil {
		return &xerrors.IOError{Op: "wal append", Path: w.file.Name(), Err: err}
	}
	w.batchBytes += n
	w.written += n

	if rec.Header.Kind == KindCommit {
		return w.syncLocked()
	}

	switch w.opts.SyncPolicy {
	case SyncEveryWrite:
		return w.syncLocked()
	case SyncBatch:
		if w.batchBytes >= w.opts.SyncBatchBytes {
			return w.syncLocked()
		}
	}
	return nil
}

// Sync forces any buffered records to disk.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

func (w *Writer) syncLocked() error {
	if err := w.bw.Flush(); err != nil {
		return &xerrors.IOError{Op: "wal flush", Path: w.file.Name(), Err: err}
	}
	if err := w.file.Sync(); err != nil {
		return &xerrors.IOError{Op: "wal fsync", Path: w.file.Name(), Err: err}
	}
	w.batchBytes = 0
	return nil
}

// SegmentID returns the id of the currently active segment, so a
// caller pruning sealed segments knows which one to leave alone.
func (w *Writer) SegmentID() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.segID
}

// RotateIfNeeded seals the current segment and opens a new one once
// the writer's configured MaxSegmentSize is reached, the same
// size-triggered rotation the engine's frame segments use. Called
// after every commit and from RecordCheckpoint, so the active segment
// never grows unbounded during normal operation.
func (w *Writer) RotateIfNeeded() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.opts.MaxSegmentSize <= 0 || w.written < w.opts.MaxSegmentSize {
		return nil
	}
	if err := w.syncLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return &xerrors.IOError{Op: "close wal segment", Path: w.file.Name(), Err: err}
	}
	w.segID++
	path := walSegmentName(w.dir, w.segID)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return &xerrors.IOError{Op: "open wal segment", Path: path, Err: err}
	}
	w.file = f
	w.bw = bufio.NewWriterSize(f, w.opts.BufferSize)
	w.written = 0
	return nil
}

// Close flushes, fsyncs, and closes the active segment file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.ticker != nil {
		w.ticker.Stop()
		close(w.done)
	}
	if err := w.syncLocked(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

func (w *Writer) backgroundSync() {
	for {
		select {
		case <-w.ticker.C:
			w.Sync()
		case <-w.done:
			return
		}
	}
}
