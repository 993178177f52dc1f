// Package segment manages the append-only files of frames a table's
// events live in. A segment is headerless: the frame stream itself is
// self-describing, and segment identity lives entirely in the
// filename (a zero-padded monotonically increasing integer).
package segment

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/lattice-db/eventdb/pkg/frame"
	"github.com/lattice-db/eventdb/pkg/xerrors"
	"github.com/rs/zerolog/log"
)

// DefaultMaxSize is the size threshold at which an active segment
// seals and a new one opens.
const DefaultMaxSize int64 = 64 << 20

// Segment is one file of consecutive frames: active (still accepting
// appends) or sealed (immutable).
type Segment struct {
	ID     uint64
	path   string
	file   *os.File
	mu     sync.Mutex
	size   int64
	sealed bool
}

func fileName(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%010d.seg", id))
}

// Create opens a brand new active segment file.
func Create(dir string, id uint64) (*Segment, error) {
	path := fileName(dir, id)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, &xerrors.IOError{Op: "create segment", Path: path, Err: err}
	}
	return &Segment{ID: id, path: path, file: f}, nil
}

// Open opens an existing segment file, validating every frame from the
// start and truncating at the first corrupt or incomplete frame (crash
// recovery per §4.2). It returns the recovered segment and the
// sequence of the last valid frame it found (0 if the segment is
// empty).
func Open(path string, id uint64) (seg *Segment, lastSequence uint64, err error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, 0, &xerrors.IOError{Op: "open segment", Path: path, Err: err}
	}

	var offset int64
	for {
		before := offset
		fr, derr := frame.Decode(f)
		if derr == io.EOF {
			break
		}
		if derr != nil {
			log.Warn().Str("segment", path).Int64("offset", before).Msg("corrupt or truncated frame, truncating segment tail")
			if terr := f.Truncate(before); terr != nil {
				f.Close()
				return nil, 0, &xerrors.IOError{Op: "truncate segment", Path: path, Err: terr}
			}
			if _, serr := f.Seek(before, io.SeekStart); serr != nil {
				f.Close()
				return nil, 0, &xerrors.IOError{Op: "seek segment", Path: path, Err: serr}
			}
			offset = before
			break
		}
		offset = before + int64(frame.Size(len(fr.Payload)))
		lastSequence = fr.Sequence
	}

	return &Segment{ID: id, path: path, file: f, size: offset}, lastSequence, nil
}

// Append writes one frame at the end of the segment and returns its
// byte offset. It never fsyncs on its own: durability before a seal
// boundary is the WAL's responsibility (§4.3).
func (s *Segment) Append(f frame.Frame) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed {
		return 0, &xerrors.IOError{Op: "append", Path: s.path, Err: fmt.Errorf("segment is sealed")}
	}

	enc := frame.Encode(f)
	offset := s.size
	if _, err := s.file.WriteAt(enc, offset); err != nil {
		return 0, &xerrors.IOError{Op: "append", Path: s.path, Err: err}
	}
	s.size += int64(len(enc))
	return offset, nil
}

// Seal marks the segment read-only and fsyncs it, the one point at
// which a segment itself issues an fsync (§4.2).
func (s *Segment) Seal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		return &xerrors.IOError{Op: "seal", Path: s.path, Err: err}
	}
	s.sealed = true
	return nil
}

// Size returns the current byte size of the segment.
func (s *Segment) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Sealed reports whether the segment has been sealed.
func (s *Segment) Sealed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealed
}

// Path returns the segment's file path.
func (s *Segment) Path() string { return s.path }

// Close closes the underlying file.
func (s *Segment) Close() error { return s.file.Close() }

// ReadAll returns every frame in on-disk (sequence) order. It is used
// for full-table replay and vacuum rewrites.
func (s *Segment) ReadAll() ([]frame.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, &xerrors.IOError{Op: "seek", Path: s.path, Err: err}
	}
	var out []frame.Frame
	for {
		fr, err := frame.Decode(s.file)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, xerrors.Wrap(err, "reading segment %s", s.path)
		}
		out = append(out, fr)
	}
	return out, nil
}

// Manager owns the ordered set of segments for one table: the active
// segment that accepts appends, and the sealed segments preceding it.
// Rotation (sealing the active segment and opening the next once a
// size threshold is reached) is adapted from the teacher's
// HeapManager, stripped of its in-place mutation and per-segment
// header.
type Manager struct {
	dir      string
	maxSize  int64
	mu       sync.RWMutex
	segments []*Segment // ordered oldest -> newest; last is active
}

// OpenManager scans dir for existing `NNNNNNNNNN.seg` files, recovers
// each (truncating any corrupt tail it finds, per Segment.Open), and
// opens a fresh first segment if none exist. Only the last (most
// recent) segment may legitimately have a truncated tail; if an
// earlier, already-sealed segment is found corrupt this is treated as
// fatal for the table, per spec.md §9's mid-segment-corruption policy.
func OpenManager(dir string, maxSize int64) (*Manager, uint64, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, 0, &xerrors.IOError{Op: "mkdir", Path: dir, Err: err}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, 0, &xerrors.IOError{Op: "readdir", Path: dir, Err: err}
	}
	var ids []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var id uint64
		if _, err := fmt.Sscanf(e.Name(), "%010d.seg", &id); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	m := &Manager{dir: dir, maxSize: maxSize}
	var highWater uint64

	for i, id := range ids {
		isLast := i == len(ids)-1
		info, statErr := os.Stat(fileName(dir, id))
		seg, lastSeq, err := Open(fileName(dir, id), id)
		if err != nil {
			return nil, 0, err
		}
		if !isLast {
			// A sealed segment whose recovered size is smaller than its
			// size before Open was corrupt mid-stream, since only the
			// final segment is expected to have an incompletely-written
			// tail.
			if statErr == nil && info.Size() != seg.Size() {
				return nil, 0, &xerrors.CorruptFrameError{
					Segment: seg.Path(), Offset: seg.Size(),
					Reason: "mid-history segment truncated on recovery; refusing to open table",
				}
			}
			seg.sealed = true
		}
		if lastSeq > highWater {
			highWater = lastSeq
		}
		m.segments = append(m.segments, seg)
	}

	if len(m.segments) == 0 {
		seg, err := Create(dir, 1)
		if err != nil {
			return nil, 0, err
		}
		m.segments = append(m.segments, seg)
	}

	return m, highWater, nil
}

// MaxSize returns the size threshold at which an active segment seals.
func (m *Manager) MaxSize() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxSize
}

// Active returns the current appendable segment.
func (m *Manager) Active() *Segment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.segments[len(m.segments)-1]
}

// Append writes f to the active segment, rotating to a new segment
// first if the active one has reached the size threshold.
func (m *Manager) Append(f frame.Frame) (int64, error) {
	m.mu.Lock()
	active := m.segments[len(m.segments)-1]
	if active.Size() >= m.maxSize {
		if err := active.Seal(); err != nil {
			m.mu.Unlock()
			return 0, err
		}
		next, err := Create(m.dir, active.ID+1)
		if err != nil {
			m.mu.Unlock()
			return 0, err
		}
		m.segments = append(m.segments, next)
		active = next
	}
	m.mu.Unlock()

	return active.Append(f)
}

// All returns every segment, oldest first.
func (m *Manager) All() []*Segment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Segment, len(m.segments))
	copy(out, m.segments)
	return out
}

// ReadAllFrames replays every frame across every segment in sequence
// order, used for full and delta replay.
func (m *Manager) ReadAllFrames() ([]frame.Frame, error) {
	var out []frame.Frame
	for _, seg := range m.All() {
		frames, err := seg.ReadAll()
		if err != nil {
			return nil, err
		}
		out = append(out, frames...)
	}
	return out, nil
}

// Close closes every segment file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, seg := range m.segments {
		if err := seg.Close(); err != nil {
			return err
		}
	}
	return nil
}

// Rewrite atomically replaces every segment file in dir with a fresh
// sequence built from frames, the only legal deletion of durable
// history (spec.md §3 invariant 4, VACUUM). The new segments are
// written under a temporary subdirectory and fsynced before any
// existing segment file is removed, so a crash mid-rewrite leaves the
// original, untouched segments in place on the next open.
func Rewrite(dir string, frames []frame.Frame, maxSize int64) ([]*Segment, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	tmpDir, err := os.MkdirTemp(dir, "vacuum-")
	if err != nil {
		return nil, &xerrors.IOError{Op: "mkdir vacuum tmp", Path: dir, Err: err}
	}
	defer os.RemoveAll(tmpDir)

	var built []*Segment
	id := uint64(1)
	active, err := Create(tmpDir, id)
	if err != nil {
		return nil, err
	}
	built = append(built, active)
	for _, f := range frames {
		if active.Size() >= maxSize {
			if err := active.Seal(); err != nil {
				return nil, err
			}
			id++
			active, err = Create(tmpDir, id)
			if err != nil {
				return nil, err
			}
			built = append(built, active)
		}
		if _, err := active.Append(f); err != nil {
			return nil, err
		}
	}
	for _, seg := range built {
		if err := seg.file.Sync(); err != nil {
			return nil, &xerrors.IOError{Op: "fsync vacuum segment", Path: seg.path, Err: err}
		}
	}

	existing, err := os.ReadDir(dir)
	if err != nil {
		return nil, &xerrors.IOError{Op: "readdir", Path: dir, Err: err}
	}
	for _, e := range existing {
		if e.IsDir() {
			continue
		}
		var oldID uint64
		if _, err := fmt.Sscanf(e.Name(), "%010d.seg", &oldID); err == nil {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				return nil, &xerrors.IOError{Op: "remove old segment", Path: e.Name(), Err: err}
			}
		}
	}

	final := make([]*Segment, 0, len(built))
	for i, seg := range built {
		newID := uint64(i + 1)
		newPath := fileName(dir, newID)
		if err := seg.file.Close(); err != nil {
			return nil, &xerrors.IOError{Op: "close vacuum segment", Path: seg.path, Err: err}
		}
		if err := os.Rename(seg.path, newPath); err != nil {
			return nil, &xerrors.IOError{Op: "rename vacuum segment", Path: newPath, Err: err}
		}
		f, err := os.OpenFile(newPath, os.O_RDWR, 0644)
		if err != nil {
			return nil, &xerrors.IOError{Op: "reopen vacuum segment", Path: newPath, Err: err}
		}
		final = append(final, &Segment{ID: newID, path: newPath, file: f, size: seg.size, sealed: i != len(built)-1})
	}
	return final, nil
}

// ReplaceAll atomically swaps the manager's segment list for a new set
// written by a vacuum rewrite. Called only by the table engine while
// holding its writer lock.
func (m *Manager) ReplaceAll(newSegments []*Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, seg := range m.segments {
		if err := seg.Close(); err != nil {
			log.Warn().Err(err).Str("segment", seg.Path()).Msg("failed to close old segment during vacuum swap")
		}
	}
	m.segments = newSegments
	return nil
}
