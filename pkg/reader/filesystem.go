package reader

import (
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/redoflow/redoflow/internal/model"
	"github.com/redoflow/redoflow/internal/pool"
	"github.com/redoflow/redoflow/pkg/log"
)

// Filesystem reads redo blocks from local files. One instance per redo
// group; the controller reuses the group-0 instance for every archive.
type Filesystem struct {
	mu   sync.Mutex
	cond *sync.Cond

	group    int
	logger   *log.Logger
	checksum bool
	buffers  *pool.BufferPool

	fileName string
	paths    []string
	file     *os.File
	header   FileHeader
	valid    bool
	readBuf  *pool.ByteBuffer

	stopping bool
	finished bool
	done     chan struct{}
}

// NewFilesystem builds a filesystem reader for a group. checksum mirrors
// the database's DB_BLOCK_CHECKSUM setting.
func NewFilesystem(group int, checksum bool, buffers *pool.BufferPool, logger *log.Logger) *Filesystem {
	r := &Filesystem{
		group:    group,
		logger:   logger,
		checksum: checksum,
		buffers:  buffers,
		done:     make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Start spawns the worker goroutine.
func (r *Filesystem) Start() {
	go r.run()
}

// run is the worker loop. The worker exists to own blocking waits: it parks
// on the condvar until woken, and marks itself finished once stopped.
func (r *Filesystem) run() {
	if r.logger.IsTrace(log.TraceThreads) {
		r.logger.Trace(log.TraceThreads, "reader start", zap.Int("group", r.group))
	}

	r.mu.Lock()
	for !r.stopping {
		r.cond.Wait()
	}
	r.finished = true
	r.mu.Unlock()
	close(r.done)

	if r.logger.IsTrace(log.TraceThreads) {
		r.logger.Trace(log.TraceThreads, "reader stop", zap.Int("group", r.group))
	}
}

// Stop asks the worker to exit.
func (r *Filesystem) Stop() {
	r.mu.Lock()
	r.stopping = true
	r.mu.Unlock()
	r.cond.Broadcast()
}

// Join waits for the worker, then releases the descriptor.
func (r *Filesystem) Join() {
	<-r.done
	r.mu.Lock()
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	if r.readBuf != nil {
		r.buffers.Put(r.readBuf)
		r.readBuf = nil
	}
	r.mu.Unlock()
}

// WakeUp nudges the worker.
func (r *Filesystem) WakeUp() {
	r.cond.Broadcast()
}

// Finished reports whether the worker exited.
func (r *Filesystem) Finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

// CheckRedoLog opens fileName and validates its header.
func (r *Filesystem) CheckRedoLog() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	r.valid = false

	fi, err := os.Stat(r.fileName)
	if err != nil || fi.IsDir() {
		return false
	}

	f, err := os.Open(r.fileName)
	if err != nil {
		return false
	}

	buf := make([]byte, FileHeaderSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		f.Close()
		return false
	}
	header, err := DecodeFileHeader(buf)
	if err != nil {
		f.Close()
		if r.logger.IsTrace(log.TraceFile) {
			r.logger.Trace(log.TraceFile, "not a redo log",
				zap.String("file", r.fileName), zap.Error(err))
		}
		return false
	}

	r.file = f
	r.header = header
	r.valid = true
	return true
}

// UpdateRedoLog re-reads the header, picking up growth and log switches.
func (r *Filesystem) UpdateRedoLog() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return false
	}

	buf := make([]byte, FileHeaderSize)
	if _, err := r.file.ReadAt(buf, 0); err != nil {
		return false
	}
	header, err := DecodeFileHeader(buf)
	if err != nil {
		return false
	}
	r.header = header
	r.valid = true
	return true
}

// ReadBlocks reads up to count blocks starting at startBlock. The returned
// slice aliases the reader's pooled buffer and is valid until the next
// ReadBlocks call.
func (r *Filesystem) ReadBlocks(startBlock uint64, count int) ([]byte, error) {
	r.mu.Lock()
	file := r.file
	blockSize := r.header.BlockSize
	numBlocks := r.header.NumBlocks
	if r.readBuf == nil {
		r.readBuf = r.buffers.Get()
	}
	buf := r.readBuf
	r.mu.Unlock()

	if file == nil {
		return nil, os.ErrClosed
	}
	if startBlock >= numBlocks {
		return nil, nil
	}
	if avail := numBlocks - startBlock; uint64(count) > avail {
		count = int(avail)
	}

	size := count * int(blockSize)
	buf.Grow(size)
	data := buf.Data[:size]

	n, err := file.ReadAt(data, int64(startBlock)*int64(blockSize))
	if err != nil && err != io.EOF {
		return nil, err
	}
	// Trim to whole blocks.
	n -= n % int(blockSize)
	return data[:n], nil
}

// Group returns the redo group id.
func (r *Filesystem) Group() int { return r.group }

// Thread returns the redo thread of the bound file.
func (r *Filesystem) Thread() model.ThreadID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.header.Thread
}

// Sequence returns the bound file's sequence.
func (r *Filesystem) Sequence() model.Seq {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.valid {
		return model.SeqNone
	}
	return r.header.Sequence
}

// FirstScn returns the bound file's first SCN.
func (r *Filesystem) FirstScn() model.Scn {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.valid {
		return model.ScnNone
	}
	return r.header.FirstScn
}

// NextScn returns the bound file's next SCN, ScnNone while it is open.
func (r *Filesystem) NextScn() model.Scn {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.valid {
		return model.ScnNone
	}
	return r.header.NextScn
}

// NumBlocks returns the written-block count including the header block.
func (r *Filesystem) NumBlocks() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.header.NumBlocks
}

// BlockSize returns the file's block size.
func (r *Filesystem) BlockSize() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.header.BlockSize == 0 {
		return DefaultBlockSize
	}
	return r.header.BlockSize
}

// FileName returns the currently bound path.
func (r *Filesystem) FileName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fileName
}

// SetFileName binds a path.
func (r *Filesystem) SetFileName(path string) {
	r.mu.Lock()
	r.fileName = path
	r.mu.Unlock()
}

// Paths returns the group's member paths.
func (r *Filesystem) Paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paths
}

// SetPaths replaces the group's member paths.
func (r *Filesystem) SetPaths(paths []string) {
	r.mu.Lock()
	r.paths = paths
	r.mu.Unlock()
}

// ShowHint logs the raw vs mapped path for operator diagnosis.
func (r *Filesystem) ShowHint(lg *log.Logger, raw, mapped string) {
	lg.Hint("check online redo log member", zap.Int("group", r.group),
		zap.String("path", raw), zap.String("mapped", mapped))
}
