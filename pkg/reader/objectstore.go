package reader

import (
	"context"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/redoflow/redoflow/internal/model"
	"github.com/redoflow/redoflow/pkg/log"
	"github.com/redoflow/redoflow/pkg/storage/object"
)

// ObjectStore reads archived redo logs out of an object store. Archives are
// immutable, so the whole object is fetched once per bind.
type ObjectStore struct {
	mu   sync.Mutex
	cond *sync.Cond

	group  int
	store  object.Storage
	logger *log.Logger

	fileName string
	paths    []string
	data     []byte
	header   FileHeader
	valid    bool

	stopping bool
	finished bool
	done     chan struct{}
}

// NewObjectStore builds an object-store reader for a group.
func NewObjectStore(group int, store object.Storage, logger *log.Logger) *ObjectStore {
	r := &ObjectStore{
		group:  group,
		store:  store,
		logger: logger,
		done:   make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Start spawns the worker goroutine.
func (r *ObjectStore) Start() {
	go func() {
		r.mu.Lock()
		for !r.stopping {
			r.cond.Wait()
		}
		r.finished = true
		r.mu.Unlock()
		close(r.done)
	}()
}

// Stop asks the worker to exit.
func (r *ObjectStore) Stop() {
	r.mu.Lock()
	r.stopping = true
	r.mu.Unlock()
	r.cond.Broadcast()
}

// Join waits for the worker and drops the cached object.
func (r *ObjectStore) Join() {
	<-r.done
	r.mu.Lock()
	r.data = nil
	r.mu.Unlock()
}

// WakeUp nudges the worker.
func (r *ObjectStore) WakeUp() {
	r.cond.Broadcast()
}

// Finished reports whether the worker exited.
func (r *ObjectStore) Finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

// CheckRedoLog fetches the object and validates its header.
func (r *ObjectStore) CheckRedoLog() bool {
	r.mu.Lock()
	key := r.fileName
	r.valid = false
	r.data = nil
	r.mu.Unlock()

	rc, _, err := r.store.Open(context.Background(), key)
	if err != nil {
		return false
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return false
	}
	header, err := DecodeFileHeader(data)
	if err != nil {
		if r.logger.IsTrace(log.TraceFile) {
			r.logger.Trace(log.TraceFile, "not a redo log",
				zap.String("object", key), zap.Error(err))
		}
		return false
	}

	r.mu.Lock()
	r.data = data
	r.header = header
	r.valid = true
	r.mu.Unlock()
	return true
}

// UpdateRedoLog re-decodes the cached header. Archives never grow, so no
// refetch is needed.
func (r *ObjectStore) UpdateRedoLog() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.valid
}

// ReadBlocks slices blocks out of the cached object.
func (r *ObjectStore) ReadBlocks(startBlock uint64, count int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.valid {
		return nil, os.ErrClosed
	}
	blockSize := uint64(r.header.BlockSize)
	start := startBlock * blockSize
	if start >= uint64(len(r.data)) {
		return nil, nil
	}
	end := start + uint64(count)*blockSize
	if end > uint64(len(r.data)) {
		end = uint64(len(r.data))
	}
	end -= (end - start) % blockSize
	return r.data[start:end], nil
}

// Group returns the redo group id.
func (r *ObjectStore) Group() int { return r.group }

// Thread returns the bound object's redo thread.
func (r *ObjectStore) Thread() model.ThreadID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.header.Thread
}

// Sequence returns the bound object's sequence.
func (r *ObjectStore) Sequence() model.Seq {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.valid {
		return model.SeqNone
	}
	return r.header.Sequence
}

// FirstScn returns the bound object's first SCN.
func (r *ObjectStore) FirstScn() model.Scn {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.valid {
		return model.ScnNone
	}
	return r.header.FirstScn
}

// NextScn returns the bound object's next SCN.
func (r *ObjectStore) NextScn() model.Scn {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.valid {
		return model.ScnNone
	}
	return r.header.NextScn
}

// NumBlocks returns the written-block count.
func (r *ObjectStore) NumBlocks() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.header.NumBlocks
}

// BlockSize returns the object's block size.
func (r *ObjectStore) BlockSize() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.header.BlockSize == 0 {
		return DefaultBlockSize
	}
	return r.header.BlockSize
}

// FileName returns the bound object key.
func (r *ObjectStore) FileName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fileName
}

// SetFileName binds an object key.
func (r *ObjectStore) SetFileName(path string) {
	r.mu.Lock()
	r.fileName = path
	r.mu.Unlock()
}

// Paths returns the member paths.
func (r *ObjectStore) Paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paths
}

// SetPaths replaces the member paths.
func (r *ObjectStore) SetPaths(paths []string) {
	r.mu.Lock()
	r.paths = paths
	r.mu.Unlock()
}

// ShowHint logs the raw vs mapped key for operator diagnosis.
func (r *ObjectStore) ShowHint(lg *log.Logger, raw, mapped string) {
	lg.Hint("check archived redo log object", zap.Int("group", r.group),
		zap.String("path", raw), zap.String("mapped", mapped))
}
