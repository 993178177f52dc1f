package walog

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/lattice-db/eventdb/pkg/xerrors"
)

var errNotWalSegmentName = errors.New("not a wal segment file name")

// Reader reads WAL records sequentially from one segment file. A
// corrupt record (bad magic, oversize payload, checksum mismatch) is
// reported as end-of-log per §4.3: the caller stops replaying, it does
// not skip ahead.
type Reader struct {
	file   *os.File
	path   string
	offset int64
}

// NewReader opens path for sequential reading.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &xerrors.IOError{Op: "open wal segment", Path: path, Err: err}
	}
	return &Reader{file: f, path: path}, nil
}

// ReadRecord reads the next record, or io.EOF when the file is
// exhausted cleanly between records.
func (r *Reader) ReadRecord() (*Record, error) {
	var hdr [HeaderSize]byte
	n, err := io.ReadFull(r.file, hdr[:])
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil || n != HeaderSize {
		return nil, &xerrors.CorruptWALError{Path: r.path, Offset: r.offset, Reason: "truncated header"}
	}

	rec := AcquireRecord()
	rec.Header.decode(hdr[:])

	if rec.Header.Magic != Magic {
		ReleaseRecord(rec)
		return nil, &xerrors.CorruptWALError{Path: r.path, Offset: r.offset, Reason: "bad magic"}
	}
	if rec.Header.PayloadLen > MaxPayload {
		ReleaseRecord(rec)
		return nil, &xerrors.CorruptWALError{Path: r.path, Offset: r.offset, Reason: "payload length out of bounds"}
	}

	if rec.Header.PayloadLen == 0 {
		rec.Payload = rec.Payload[:0]
	} else {
		if uint32(cap(rec.Payload)) < rec.Header.PayloadLen {
			rec.Payload = make([]byte, rec.Header.PayloadLen)
		} else {
			rec.Payload = rec.Payload[:rec.Header.PayloadLen]
		}
		if _, err := io.ReadFull(r.file, rec.Payload); err != nil {
			ReleaseRecord(rec)
			return nil, &xerrors.CorruptWALError{Path: r.path, Offset: r.offset, Reason: "truncated payload"}
		}
		if !validChecksum(rec.Payload, rec.Header.CRC32) {
			ReleaseRecord(rec)
			return nil, &xerrors.CorruptWALError{Path: r.path, Offset: r.offset, Reason: "crc mismatch"}
		}
	}

	r.offset += int64(HeaderSize) + int64(rec.Header.PayloadLen)
	return rec, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error { return r.file.Close() }

// SegmentPaths returns every wal.NNNNNNNNNN.log file in dir, oldest first.
func SegmentPaths(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &xerrors.IOError{Op: "readdir", Path: dir, Err: err}
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var id uint64
		if err := parseWalSegmentName(e.Name(), &id); err == nil {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// HighestSequence returns the highest LSN among the Write records in
// the WAL segment at path - Begin/Commit/Abort/Checkpoint are bare
// markers with no payload a table replay would ever need, so they are
// excluded; counting them would make a segment's reported high-water
// always outrun the table's own, since a transaction's Commit record
// always carries a larger LSN than the write it closes out, and no
// segment would ever look safe to prune. Stops at the first corrupt or
// truncated record the way ReadAll does - a crash can leave a partial
// tail record, which simply never counts.
func HighestSequence(path string) (uint64, error) {
	r, err := NewReader(path)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	var highest uint64
	for {
		rec, err := r.ReadRecord()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		if rec.Header.Kind == KindWrite && rec.Header.LSN > highest {
			highest = rec.Header.LSN
		}
		ReleaseRecord(rec)
	}
	return highest, nil
}

// PruneSealedSegments removes every sealed WAL segment in dir - every
// segment other than activeSegID, the one the writer is still
// appending to - whose highest LSN is at or below safeSequence: the
// point up to which every table's own segment log has already durably
// captured the corresponding writes. Returns how many files it
// removed, so a caller can log it.
func PruneSealedSegments(dir string, activeSegID, safeSequence uint64) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, &xerrors.IOError{Op: "readdir", Path: dir, Err: err}
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var id uint64
		if err := parseWalSegmentName(e.Name(), &id); err != nil {
			continue
		}
		if id >= activeSegID {
			continue
		}
		path := filepath.Join(dir, e.Name())
		highest, err := HighestSequence(path)
		if err != nil {
			return removed, err
		}
		if highest > safeSequence {
			continue
		}
		if err := os.Remove(path); err != nil {
			return removed, &xerrors.IOError{Op: "remove wal segment", Path: path, Err: err}
		}
		removed++
	}
	return removed, nil
}

func parseWalSegmentName(name string, id *uint64) error {
	const prefix, suffix = "wal.", ".log"
	if len(name) <= len(prefix)+len(suffix) {
		return errNotWalSegmentName
	}
	if name[:len(prefix)] != prefix || name[len(name)-len(suffix):] != suffix {
		return errNotWalSegmentName
	}
	mid := name[len(prefix) : len(name)-len(suffix)]
	var v uint64
	for _, c := range mid {
		if c < '0' || c > '9' {
			return errNotWalSegmentName
		}
		v = v*10 + uint64(c-'0')
	}
	*id = v
	return nil
}
