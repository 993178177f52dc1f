// Package frame implements the on-disk encoding of a single Event:
// the fixed-width header the engine's segments are built from.
//
//	offset  size  field
//	0       4     length  (total frame length, little-endian u32)
//	4       4     crc32   (IEEE, over bytes 8..length)
//	8       8     sequence (little-endian u64)
//	16      8     timestamp_ms (little-endian i64)
//	24      1     kind (0=Insert, 1=Patch, 2=SoftDelete)
//	25      ...   payload (compact binary document)
package frame

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/lattice-db/eventdb/pkg/xerrors"
)

// Kind identifies the variant of Event a frame carries.
type Kind uint8

const (
	Insert Kind = iota
	Patch
	SoftDelete
)

func (k Kind) String() string {
	switch k {
	case Insert:
		return "Insert"
	case Patch:
		return "Patch"
	case SoftDelete:
		return "SoftDelete"
	default:
		return "Unknown"
	}
}

const (
	// HeaderSize is the fixed portion of a frame before the payload.
	HeaderSize = 25
	// MaxFrameSize is the hard resource bound on a single frame,
	// enforced before allocating a read buffer.
	MaxFrameSize = 64 << 20
)

// Frame is the decoded form of one on-disk Event record.
type Frame struct {
	Sequence    uint64
	TimestampMs int64
	Kind        Kind
	Payload     []byte
}

var crcTable = crc32.IEEETable

// Encode serialises f into its on-disk byte representation.
func Encode(f Frame) []byte {
	total := HeaderSize + len(f.Payload)
	buf := make([]byte, total)

	binary.LittleEndian.PutUint64(buf[8:16], f.Sequence)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(f.TimestampMs))
	buf[24] = byte(f.Kind)
	copy(buf[HeaderSize:], f.Payload)

	crc := crc32.Checksum(buf[8:total], crcTable)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	binary.LittleEndian.PutUint32(buf[4:8], crc)

	return buf
}

// Decode reads exactly one frame from r. It returns io.EOF when r is
// exhausted before any bytes of a new frame are read, and a
// *xerrors.CorruptFrameError for a length or checksum violation partway
// through a frame (the caller is expected to truncate the segment at
// the frame's starting offset on that error).
func Decode(r io.Reader) (Frame, error) {
	var lenCrcBuf [8]byte
	if _, err := io.ReadFull(r, lenCrcBuf[:]); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, &xerrors.CorruptFrameError{Reason: "truncated length/crc header"}
	}

	length := binary.LittleEndian.Uint32(lenCrcBuf[0:4])
	crc := binary.LittleEndian.Uint32(lenCrcBuf[4:8])

	if length == 0 || length > MaxFrameSize {
		return Frame{}, &xerrors.CorruptFrameError{Reason: "length out of bounds"}
	}
	if int(length) < HeaderSize {
		return Frame{}, &xerrors.CorruptFrameError{Reason: "length smaller than header"}
	}

	rest := make([]byte, length-8)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Frame{}, &xerrors.CorruptFrameError{Reason: "truncated frame body"}
	}

	if got := crc32.Checksum(rest, crcTable); got != crc {
		return Frame{}, &xerrors.CorruptFrameError{Reason: "crc mismatch"}
	}

	f := Frame{
		Sequence:    binary.LittleEndian.Uint64(rest[0:8]),
		TimestampMs: int64(binary.LittleEndian.Uint64(rest[8:16])),
		Kind:        Kind(rest[16]),
		Payload:     append([]byte(nil), rest[HeaderSize-8:]...),
	}
	return f, nil
}

// Size returns the total on-disk size of a frame carrying the given
// payload length.
func Size(payloadLen int) int { return HeaderSize + payloadLen }
