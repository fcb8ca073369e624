// Package parser turns one redo log file into committed transactions. Each
// Parser is a single-owner job: it lives in exactly one archive queue or in
// the online set, and is dropped the moment its owner pops it.
package parser

import (
	"go.uber.org/zap"

	"github.com/redoflow/redoflow/internal/model"
	"github.com/redoflow/redoflow/pkg/builder"
	"github.com/redoflow/redoflow/pkg/log"
	"github.com/redoflow/redoflow/pkg/metadata"
	"github.com/redoflow/redoflow/pkg/reader"
	"github.com/redoflow/redoflow/pkg/txbuf"
)

// Code is a parse result.
type Code int

const (
	// OK means progress was made and the log is still open.
	OK Code = iota

	// Finished means the log switched: every written block was consumed
	// and the file's next SCN is known.
	Finished

	// Stopped means a soft shutdown interrupted the parse.
	Stopped

	// Overwritten means the online log was recycled under us.
	Overwritten

	// Yield means the parser caught up and yieldOnWait is set.
	Yield

	// Failed means the file is unreadable or structurally broken.
	Failed
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case Finished:
		return "FINISHED"
	case Stopped:
		return "STOPPED"
	case Overwritten:
		return "OVERWRITTEN"
	case Yield:
		return "YIELD"
	case Failed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// readBatchBlocks is how many blocks one reader call fetches.
const readBatchBlocks = 64

// Deps are the collaborators every parser shares.
type Deps struct {
	Logger   *log.Logger
	Metadata *metadata.Metadata
	Buffer   *txbuf.Buffer
	Builder  builder.Builder

	// Stop reports a soft shutdown.
	Stop func() bool

	// Wait parks briefly when a non-yielding parser catches up with an
	// open log. Shutdown-aware.
	Wait func()

	// OnEmit runs after every immediately-flushed transaction (the
	// non-deferred path); the controller counts stop predicates there.
	OnEmit func(ct txbuf.Committed)
}

// Parser parses one redo log file.
type Parser struct {
	deps Deps

	Path     string
	Group    int
	Thread   model.ThreadID
	Sequence model.Seq
	FirstScn model.Scn
	NextScn  model.Scn

	// Reader is assigned by the owner before Parse.
	Reader reader.Reader

	// YieldOnWait makes Parse return Yield instead of waiting when it
	// catches up with an open log.
	YieldOnWait bool

	// ParseResuming marks a continuation after a log switch reseat.
	ParseResuming bool

	lwnScn model.Scn
}

// New builds a parser job for one file.
func New(deps Deps, group int, path string) *Parser {
	return &Parser{
		deps:     deps,
		Path:     path,
		Group:    group,
		FirstScn: model.ScnNone,
		NextScn:  model.ScnNone,
		Sequence: model.SeqNone,
		lwnScn:   model.ScnNone,
	}
}

// LwnScn returns the highest fully-observed LWN boundary SCN.
func (p *Parser) LwnScn() model.Scn { return p.lwnScn }

// Parse consumes blocks from the current file offset until the log
// switches, the data runs out, or shutdown interrupts. The active slot in
// metadata tracks the position; it is owned by the calling goroutine.
func (p *Parser) Parse() Code {
	if p.Reader == nil {
		return Failed
	}

	md := p.deps.Metadata
	blockSize := p.Reader.BlockSize()

	// Refresh identity from the bound file.
	if seq := p.Reader.Sequence(); seq.Valid() {
		if p.Sequence.Valid() && seq != p.Sequence && p.Group != 0 {
			return Overwritten
		}
		p.Sequence = seq
	}
	if t := p.Reader.Thread(); t != 0 {
		p.Thread = t
	}
	if first := p.Reader.FirstScn(); first.Valid() {
		p.FirstScn = first
	}
	p.NextScn = p.Reader.NextScn()

	blockNo := md.FileOffset.Blocks
	if blockNo == 0 {
		blockNo = 1 // block 0 is the file header
	}

	waited := false

	for {
		if p.deps.Stop() {
			md.FileOffset = model.NewFileOffset(blockNo, blockSize)
			return Stopped
		}

		numBlocks := p.Reader.NumBlocks()
		if blockNo >= numBlocks {
			// Caught up with everything written so far.
			p.NextScn = p.Reader.NextScn()
			md.FileOffset = model.NewFileOffset(blockNo, blockSize)
			if p.NextScn.Valid() {
				return Finished
			}
			if p.YieldOnWait {
				return Yield
			}
			if waited {
				return OK
			}
			p.deps.Wait()
			waited = true
			if !p.Reader.UpdateRedoLog() {
				return OK
			}
			continue
		}

		data, err := p.Reader.ReadBlocks(blockNo, readBatchBlocks)
		if err != nil {
			p.deps.Logger.Warning(0, "redo block read failed",
				zap.String("file", p.Path), zap.Error(err))
			return Failed
		}
		if len(data) == 0 {
			continue
		}

		for off := 0; off+int(blockSize) <= len(data); off += int(blockSize) {
			block := data[off : off+int(blockSize)]
			code := p.parseBlock(block, blockNo)
			if code != OK {
				md.FileOffset = model.NewFileOffset(blockNo, blockSize)
				return code
			}
			blockNo++
			md.FileOffset = model.NewFileOffset(blockNo, blockSize)
		}
	}
}

// parseBlock consumes one data block: LWN tracking plus boundary records.
func (p *Parser) parseBlock(block []byte, blockNo uint64) Code {
	bh, err := reader.DecodeBlockHeader(block)
	if err != nil {
		p.deps.Logger.Warning(0, "malformed redo block",
			zap.String("file", p.Path), zap.Uint64("block", blockNo), zap.Error(err))
		return Failed
	}

	if p.Sequence.Valid() && bh.Sequence != p.Sequence {
		// The file was recycled to a new sequence while we were reading.
		return Overwritten
	}

	recOff := reader.BlockHeaderSize
	for i := 0; i < int(bh.RecCount); i++ {
		rec, err := reader.DecodeRecord(block[recOff : recOff+reader.RecordSize])
		if err != nil {
			return Failed
		}
		recOff += reader.RecordSize

		switch rec.Type {
		case reader.RecordCommit, reader.RecordRollback, reader.RecordShutdown:
			ct := txbuf.Committed{
				Transaction: &txbuf.Transaction{
					Xid:       rec.Xid,
					CommitScn: rec.CommitScn,
					Rollback:  rec.Type == reader.RecordRollback,
					Shutdown:  rec.Type == reader.RecordShutdown,
				},
				LwnScn:    bh.LwnScn,
				CommitScn: rec.CommitScn,
				Rollback:  rec.Type == reader.RecordRollback,
				Shutdown:  rec.Type == reader.RecordShutdown,
			}

			if p.deps.Buffer.Deferring() {
				p.deps.Buffer.Enqueue(ct)
			} else {
				if err := ct.Transaction.Flush(p.deps.Builder, ct.LwnScn); err != nil {
					p.deps.Logger.Warning(0, "builder flush failed", zap.Error(err))
					return Failed
				}
				if p.deps.OnEmit != nil {
					p.deps.OnEmit(ct)
				}
				ct.Transaction.Purge()
			}
		default:
			// Change vectors and other record types are outside this
			// engine's scope.
		}
	}

	// The block is fully consumed: its LWN boundary is observed.
	if bh.LwnScn.Valid() {
		p.lwnScn = bh.LwnScn
	}
	return OK
}
