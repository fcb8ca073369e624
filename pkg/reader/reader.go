// Package reader provides block readers for redo log files. One reader owns
// the descriptor and block buffer for one redo group; group 0 is the shared
// archive reader reused across all archived files.
package reader

import (
	"github.com/redoflow/redoflow/internal/model"
	"github.com/redoflow/redoflow/pkg/log"
)

// Reader is the capability set the replicator consumes.
type Reader interface {
	// CheckRedoLog opens/validates the current fileName. False means the
	// file is absent or not a redo log.
	CheckRedoLog() bool

	// UpdateRedoLog re-reads the file header, refreshing sequence, SCN
	// range and the written-block count. False means the refresh failed.
	UpdateRedoLog() bool

	// WakeUp nudges the reader's worker out of its wait.
	WakeUp()

	// Finished reports that the worker has exited.
	Finished() bool

	// Group identifies the redo group; 0 is the archive reader.
	Group() int

	Thread() model.ThreadID
	Sequence() model.Seq
	FirstScn() model.Scn
	NextScn() model.Scn
	NumBlocks() uint64
	BlockSize() uint32

	// FileName is the path currently bound to this reader.
	FileName() string
	SetFileName(path string)

	// Paths are the group's member paths, raw (pre-mapping).
	Paths() []string
	SetPaths(paths []string)

	// ReadBlocks returns `count` blocks starting at startBlock. Short reads
	// return what is available.
	ReadBlocks(startBlock uint64, count int) ([]byte, error)

	// ShowHint logs the raw vs mapped path for operator diagnosis.
	ShowHint(lg *log.Logger, raw, mapped string)

	// Start spawns the worker; Stop asks it to exit; Join waits for it.
	Start()
	Stop()
	Join()
}

// Factory constructs a reader for a group. The pool uses it so tests can
// inject fakes.
type Factory func(group int) Reader
