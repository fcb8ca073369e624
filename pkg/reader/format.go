// Redo file wire format.
//
// A redo file is a sequence of fixed-size blocks. Block 0 is the file
// header; every later block carries a block header followed by records.
// Change-vector payloads are opaque to this engine.
package reader

import (
	"encoding/binary"
	"fmt"

	"github.com/redoflow/redoflow/internal/model"
)

const (
	// Magic identifies a redo file.
	Magic = "REDO"

	// FormatVersion is the wire format revision.
	FormatVersion = 1

	// DefaultBlockSize is the block size used by writers in this tree.
	DefaultBlockSize = 512

	// FileHeaderSize is the fixed portion of block 0.
	FileHeaderSize = 44

	// BlockHeaderSize prefixes every data block.
	BlockHeaderSize = 24

	// RecordSize is the fixed size of one record.
	RecordSize = 24
)

// Record types.
const (
	RecordCommit   = 1
	RecordRollback = 2
	RecordShutdown = 3
)

// FileHeader is block 0 of a redo file.
type FileHeader struct {
	Version   uint16
	Thread    model.ThreadID
	BlockSize uint32
	Sequence  model.Seq
	NumBlocks uint64
	FirstScn  model.Scn
	NextScn   model.Scn
	Resetlogs uint32
}

// EncodeFileHeader serializes a file header into a full block.
func EncodeFileHeader(h FileHeader) []byte {
	bs := h.BlockSize
	if bs == 0 {
		bs = DefaultBlockSize
	}
	buf := make([]byte, bs)
	copy(buf[0:4], Magic)
	binary.LittleEndian.PutUint16(buf[4:6], h.Version)
	binary.LittleEndian.PutUint16(buf[6:8], uint16(h.Thread))
	binary.LittleEndian.PutUint32(buf[8:12], bs)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(h.Sequence))
	binary.LittleEndian.PutUint64(buf[16:24], h.NumBlocks)
	binary.LittleEndian.PutUint64(buf[24:32], uint64(h.FirstScn))
	binary.LittleEndian.PutUint64(buf[32:40], uint64(h.NextScn))
	binary.LittleEndian.PutUint32(buf[40:44], h.Resetlogs)
	return buf
}

// DecodeFileHeader parses block 0.
func DecodeFileHeader(buf []byte) (FileHeader, error) {
	if len(buf) < FileHeaderSize {
		return FileHeader{}, fmt.Errorf("short file header: %d bytes", len(buf))
	}
	if string(buf[0:4]) != Magic {
		return FileHeader{}, fmt.Errorf("bad magic %q", buf[0:4])
	}
	h := FileHeader{
		Version:   binary.LittleEndian.Uint16(buf[4:6]),
		Thread:    model.ThreadID(binary.LittleEndian.Uint16(buf[6:8])),
		BlockSize: binary.LittleEndian.Uint32(buf[8:12]),
		Sequence:  model.Seq(binary.LittleEndian.Uint32(buf[12:16])),
		NumBlocks: binary.LittleEndian.Uint64(buf[16:24]),
		FirstScn:  model.Scn(binary.LittleEndian.Uint64(buf[24:32])),
		NextScn:   model.Scn(binary.LittleEndian.Uint64(buf[32:40])),
		Resetlogs: binary.LittleEndian.Uint32(buf[40:44]),
	}
	if h.Version != FormatVersion {
		return FileHeader{}, fmt.Errorf("unsupported format version %d", h.Version)
	}
	if h.BlockSize < FileHeaderSize || h.BlockSize%512 != 0 {
		return FileHeader{}, fmt.Errorf("bad block size %d", h.BlockSize)
	}
	return h, nil
}

// BlockHeader prefixes every data block.
type BlockHeader struct {
	Sequence model.Seq
	BlockNo  uint32
	LwnScn   model.Scn
	RecCount uint16
}

// EncodeBlock serializes a block header plus records into a full block.
func EncodeBlock(h BlockHeader, records []Record, blockSize uint32) []byte {
	buf := make([]byte, blockSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Sequence))
	binary.LittleEndian.PutUint32(buf[4:8], h.BlockNo)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.LwnScn))
	binary.LittleEndian.PutUint16(buf[16:18], uint16(len(records)))
	off := BlockHeaderSize
	for _, r := range records {
		r.encode(buf[off : off+RecordSize])
		off += RecordSize
	}
	return buf
}

// DecodeBlockHeader parses a data block's header.
func DecodeBlockHeader(buf []byte) (BlockHeader, error) {
	if len(buf) < BlockHeaderSize {
		return BlockHeader{}, fmt.Errorf("short block header: %d bytes", len(buf))
	}
	return BlockHeader{
		Sequence: model.Seq(binary.LittleEndian.Uint32(buf[0:4])),
		BlockNo:  binary.LittleEndian.Uint32(buf[4:8]),
		LwnScn:   model.Scn(binary.LittleEndian.Uint64(buf[8:16])),
		RecCount: binary.LittleEndian.Uint16(buf[16:18]),
	}, nil
}

// Record is one entry inside a data block. Only transaction boundary
// records are modeled; change vectors are out of scope.
type Record struct {
	Type      uint8
	Xid       uint64
	CommitScn model.Scn
}

func (r Record) encode(buf []byte) {
	buf[0] = r.Type
	binary.LittleEndian.PutUint64(buf[4:12], r.Xid)
	binary.LittleEndian.PutUint64(buf[12:20], uint64(r.CommitScn))
}

// DecodeRecord parses one record.
func DecodeRecord(buf []byte) (Record, error) {
	if len(buf) < RecordSize {
		return Record{}, fmt.Errorf("short record: %d bytes", len(buf))
	}
	return Record{
		Type:      buf[0],
		Xid:       binary.LittleEndian.Uint64(buf[4:12]),
		CommitScn: model.Scn(binary.LittleEndian.Uint64(buf[12:20])),
	}, nil
}

// MaxRecordsPerBlock is how many records fit in one block.
func MaxRecordsPerBlock(blockSize uint32) int {
	return int(blockSize-BlockHeaderSize) / RecordSize
}
