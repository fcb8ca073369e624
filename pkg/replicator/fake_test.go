package replicator

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/redoflow/redoflow/internal/model"
	"github.com/redoflow/redoflow/internal/pool"
	"github.com/redoflow/redoflow/pkg/builder"
	"github.com/redoflow/redoflow/pkg/log"
	"github.com/redoflow/redoflow/pkg/metadata"
	"github.com/redoflow/redoflow/pkg/reader"
	"github.com/redoflow/redoflow/pkg/txbuf"
)

// memReader is an in-memory reader.Reader for driving the ingestion paths
// without touching the filesystem.
type memReader struct {
	mu sync.Mutex

	group    int
	thread   model.ThreadID
	sequence model.Seq
	firstScn model.Scn
	nextScn  model.Scn

	// blocks[0] stands in for the header block and is never read.
	blocks [][]byte

	fileName string
	paths    []string
	accept   map[string]bool // nil accepts everything

	// onUpdate mutates state on UpdateRedoLog, simulating log switches.
	onUpdate func(r *memReader)

	stopped  bool
	finished bool
}

func newMemReader(group int, thread model.ThreadID, seq model.Seq) *memReader {
	return &memReader{
		group:    group,
		thread:   thread,
		sequence: seq,
		firstScn: model.ScnNone,
		nextScn:  model.ScnNone,
		blocks:   [][]byte{make([]byte, reader.DefaultBlockSize)},
	}
}

// appendBlock adds one data block of boundary records under a single LWN.
func (m *memReader) appendBlock(lwn model.Scn, recs []reader.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bh := reader.BlockHeader{
		Sequence: m.sequence,
		BlockNo:  uint32(len(m.blocks)),
		LwnScn:   lwn,
	}
	m.blocks = append(m.blocks, reader.EncodeBlock(bh, recs, reader.DefaultBlockSize))
}

// appendRawBlock adds a pre-encoded block (used for corruption cases).
func (m *memReader) appendRawBlock(block []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks = append(m.blocks, block)
}

func (m *memReader) CheckRedoLog() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.accept == nil {
		return true
	}
	return m.accept[m.fileName]
}

func (m *memReader) UpdateRedoLog() bool {
	m.mu.Lock()
	hook := m.onUpdate
	m.mu.Unlock()
	if hook != nil {
		hook(m)
	}
	return true
}

func (m *memReader) WakeUp() {}

func (m *memReader) Finished() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finished
}

func (m *memReader) Group() int { return m.group }

func (m *memReader) Thread() model.ThreadID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.thread
}

func (m *memReader) Sequence() model.Seq {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sequence
}

func (m *memReader) FirstScn() model.Scn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.firstScn
}

func (m *memReader) NextScn() model.Scn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextScn
}

func (m *memReader) NumBlocks() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint64(len(m.blocks))
}

func (m *memReader) BlockSize() uint32 { return reader.DefaultBlockSize }

func (m *memReader) FileName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fileName
}

func (m *memReader) SetFileName(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fileName = path
}

func (m *memReader) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paths
}

func (m *memReader) SetPaths(paths []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paths = paths
}

func (m *memReader) ReadBlocks(startBlock uint64, count int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if startBlock >= uint64(len(m.blocks)) {
		return nil, nil
	}
	end := startBlock + uint64(count)
	if end > uint64(len(m.blocks)) {
		end = uint64(len(m.blocks))
	}
	var out []byte
	for _, b := range m.blocks[startBlock:end] {
		out = append(out, b...)
	}
	return out, nil
}

func (m *memReader) ShowHint(lg *log.Logger, raw, mapped string) {}

func (m *memReader) Start() {}

func (m *memReader) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	m.finished = true
}

func (m *memReader) Join() {}

const time1ms = time.Millisecond

func poolForTest() *pool.BufferPool {
	return pool.NewBufferPool(pool.DefaultBlockBufferSize)
}

// testEnv bundles the collaborators most replicator tests need.
type testEnv struct {
	ctx     *Ctx
	md      *metadata.Metadata
	tb      *txbuf.Buffer
	out     *bytes.Buffer
	builder *builder.JSON
	readers map[int]*memReader
	repl    *Replicator
}

// newTestEnv wires a replicator over memReaders. The factory hands out the
// pre-registered reader for each group, creating fresh ones on demand.
func newTestEnv(t *testing.T, archGet ArchiveGetter) *testEnv {
	t.Helper()

	env := &testEnv{
		ctx:     NewCtx(log.NewNop()),
		tb:      txbuf.New(),
		out:     &bytes.Buffer{},
		readers: make(map[int]*memReader),
	}
	env.ctx.RedoReadSleep = time1ms
	env.ctx.ArchReadSleep = time1ms
	env.builder = builder.NewJSON(env.out)
	env.md = metadata.New("TESTDB", nil, log.NewNop())

	factory := func(group int) reader.Reader {
		if r, ok := env.readers[group]; ok {
			return r
		}
		r := newMemReader(group, 0, model.SeqNone)
		env.readers[group] = r
		return r
	}

	if archGet == nil {
		archGet = ListGetter{}
	}
	env.repl = New(env.ctx, archGet, env.builder, env.md, env.tb, "TESTDB", factory)
	return env
}

// fsFactory builds real filesystem readers for integration-style tests.
func fsFactory(t *testing.T) reader.Factory {
	t.Helper()
	buffers := poolForTest()
	return func(group int) reader.Reader {
		return reader.NewFilesystem(group, true, buffers, log.NewNop())
	}
}

// writeRedoFile creates one redo file on disk.
func writeRedoFile(t *testing.T, path string, h reader.FileHeader, blocks []testBlock) {
	t.Helper()

	h.Version = reader.FormatVersion
	h.BlockSize = reader.DefaultBlockSize
	h.NumBlocks = uint64(1 + len(blocks))

	var buf bytes.Buffer
	buf.Write(reader.EncodeFileHeader(h))
	for i, b := range blocks {
		bh := reader.BlockHeader{
			Sequence: h.Sequence,
			BlockNo:  uint32(i + 1),
			LwnScn:   b.lwn,
		}
		buf.Write(reader.EncodeBlock(bh, b.recs, reader.DefaultBlockSize))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write redo file: %v", err)
	}
}

type testBlock struct {
	lwn  model.Scn
	recs []reader.Record
}

// commits builds n ascending commit records starting at scn.
func commits(startXid uint64, startScn model.Scn, n int) []reader.Record {
	recs := make([]reader.Record, n)
	for i := range recs {
		recs[i] = reader.Record{
			Type:      reader.RecordCommit,
			Xid:       startXid + uint64(i),
			CommitScn: startScn + model.Scn(i),
		}
	}
	return recs
}
