// Package model defines core data structures for redoflow.
package model

import (
	"fmt"
	"math"
)

// Scn is a System Change Number: the monotonically-increasing commit
// timestamp produced by the source database. Zero is a valid value meaning
// "not yet observed".
type Scn uint64

const (
	// ScnNone is the "no value" sentinel.
	ScnNone Scn = math.MaxUint64

	// ScnMax is the highest representable SCN. Used as a drain-everything
	// watermark during shutdown.
	ScnMax Scn = math.MaxUint64 - 1
)

// Valid reports whether the SCN carries a value.
func (s Scn) Valid() bool { return s != ScnNone }

func (s Scn) String() string {
	if s == ScnNone {
		return "<none>"
	}
	return fmt.Sprintf("0x%016x", uint64(s))
}

// Seq is a redo log sequence number.
type Seq uint32

// SeqNone is the "no value" sentinel. Zero is a valid sequence.
const SeqNone Seq = math.MaxUint32

// Valid reports whether the sequence carries a value.
func (s Seq) Valid() bool { return s != SeqNone }

func (s Seq) String() string {
	if s == SeqNone {
		return "<none>"
	}
	return fmt.Sprintf("%d", uint32(s))
}

// ThreadID identifies a redo-log producer in the source database.
// Zero means "unknown" and doubles as the archive reader's thread.
type ThreadID uint16

// FileOffset is a position inside a redo log file, expressed as a block
// count plus the file's block size. Ordering is by byte offset.
type FileOffset struct {
	Blocks    uint64
	BlockSize uint32
}

// ZeroOffset is the beginning of a file.
var ZeroOffset = FileOffset{}

// NewFileOffset builds an offset from a block count and block size.
func NewFileOffset(blocks uint64, blockSize uint32) FileOffset {
	return FileOffset{Blocks: blocks, BlockSize: blockSize}
}

// Bytes returns the byte offset.
func (o FileOffset) Bytes() uint64 { return o.Blocks * uint64(o.BlockSize) }

// Less orders offsets by byte position.
func (o FileOffset) Less(other FileOffset) bool { return o.Bytes() < other.Bytes() }

// IsZero reports whether the offset is the beginning of the file.
func (o FileOffset) IsZero() bool { return o.Bytes() == 0 }

func (o FileOffset) String() string {
	return fmt.Sprintf("%d:%d", o.Blocks, o.BlockSize)
}

// RedoLog is one registered redo log member: a (thread, group, path) row.
// Immutable after registration. Multiple members of a group share
// (thread, group) and differ only by path.
type RedoLog struct {
	Thread ThreadID
	Group  int
	Path   string
}

// Less orders redo logs lexicographically by (thread, group, path).
func (r RedoLog) Less(other RedoLog) bool {
	if r.Thread != other.Thread {
		return r.Thread < other.Thread
	}
	if r.Group != other.Group {
		return r.Group < other.Group
	}
	return r.Path < other.Path
}

// DbIncarnation describes one incarnation of the source database.
// Immutable once loaded.
type DbIncarnation struct {
	Incarnation      uint32
	PriorIncarnation uint32
	Resetlogs        uint32
	ResetlogsScn     Scn
}

func (i *DbIncarnation) String() string {
	return fmt.Sprintf("incarnation %d (prior %d, resetlogs %d, scn %s)",
		i.Incarnation, i.PriorIncarnation, i.Resetlogs, i.ResetlogsScn)
}

// ThreadCheckpoint is the per-thread replication position persisted by the
// metadata layer. (Sequence, FileOffset) identify the next byte to read;
// LastLwnScn is the highest SCN whose LWN boundary has been observed.
type ThreadCheckpoint struct {
	Sequence   Seq
	FileOffset FileOffset
	LastLwnScn Scn
}
