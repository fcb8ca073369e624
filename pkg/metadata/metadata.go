// Package metadata holds the authoritative replication state: database
// catalog facts, the status machine driven by the writer, per-thread
// checkpoint positions, and the incarnation list. Its methods mutate state
// under the checkpoint mutex; the parsing goroutine also writes the
// active-slot fields (Sequence, FileOffset) directly. Persistence goes
// through a checkpoint.Backend.
package metadata

import (
	"context"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/redoflow/redoflow/internal/model"
	"github.com/redoflow/redoflow/pkg/checkpoint"
	"github.com/redoflow/redoflow/pkg/log"
)

// Status is the replication state machine driven by the writer rendezvous.
type Status int

const (
	// StatusReady means the engine is idle, waiting for a start command.
	StatusReady Status = iota

	// StatusStart means a start command arrived and boot should run.
	StatusStart

	// StatusReplicate means boot succeeded and the main loop is active.
	StatusReplicate
)

// Metadata is the shared replication state.
type Metadata struct {
	mu   sync.Mutex
	cond *sync.Cond

	Database string

	status Status

	// Active slot: the position the parser currently reads. In
	// multi-thread mode the ingestor swaps per-thread checkpoints through
	// this slot around every parse call.
	Sequence   model.Seq
	FileOffset model.FileOffset
	FirstScn   model.Scn
	NextScn    model.Scn

	// Start position requested by the operator.
	StartScn      model.Scn
	StartSequence model.Seq
	StartTime     string
	StartTimeRel  int64

	Resetlogs      uint32
	FirstDataScn   model.Scn
	FirstSchemaScn model.Scn
	SchemaScn      model.Scn

	LogArchiveFormat   string
	DbRecoveryFileDest string
	DbBlockChecksum    string
	DbTimezone         int

	// RedoLogs is the catalog of online redo log members, sorted by
	// (thread, group, path).
	RedoLogs []model.RedoLog

	DbIncarnations       []*model.DbIncarnation
	DbIncarnationCurrent *model.DbIncarnation

	threadStates map[model.ThreadID]*model.ThreadCheckpoint

	checkpointsAllowed bool
	backend            checkpoint.Backend
	session            string
	logger             *log.Logger
}

// New builds an empty metadata store persisting through backend. A nil
// backend disables persistence (used by tests).
func New(database string, backend checkpoint.Backend, logger *log.Logger) *Metadata {
	m := &Metadata{
		Database:       database,
		Sequence:       model.SeqNone,
		FirstScn:       model.ScnNone,
		NextScn:        model.ScnNone,
		StartScn:       model.ScnNone,
		StartSequence:  model.SeqNone,
		FirstDataScn:   model.ScnNone,
		FirstSchemaScn: model.ScnNone,
		SchemaScn:      model.ScnNone,
		threadStates:   make(map[model.ThreadID]*model.ThreadCheckpoint),
		backend:        backend,
		logger:         logger,
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Lock acquires the checkpoint mutex. The incarnation tracker takes it
// explicitly around its scan.
func (m *Metadata) Lock() { m.mu.Lock() }

// Unlock releases the checkpoint mutex.
func (m *Metadata) Unlock() { m.mu.Unlock() }

// Status returns the current state.
func (m *Metadata) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// RequestStart is called from the writer side: it moves READY -> START and
// wakes the parser thread.
func (m *Metadata) RequestStart() {
	m.mu.Lock()
	if m.status == StatusReady {
		m.status = StatusStart
	}
	m.mu.Unlock()
	m.cond.Broadcast()
}

// SetStatusReady parks the engine back into the waiting state after a
// failed boot.
func (m *Metadata) SetStatusReady() {
	m.mu.Lock()
	m.status = StatusReady
	m.mu.Unlock()
	m.cond.Broadcast()
}

// SetStatusReplicate marks boot as complete.
func (m *Metadata) SetStatusReplicate() {
	m.mu.Lock()
	m.status = StatusReplicate
	m.mu.Unlock()
	m.cond.Broadcast()
}

// WaitForWriter blocks while the engine is READY, until the writer requests
// a start or stop() turns true.
func (m *Metadata) WaitForWriter(stop func() bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.status == StatusReady && !stop() {
		m.cond.Wait()
	}
}

// WakeUp unblocks any rendezvous waiter.
func (m *Metadata) WakeUp() {
	m.cond.Broadcast()
}

func (m *Metadata) ensureThreadLocked(thread model.ThreadID) *model.ThreadCheckpoint {
	ts, ok := m.threadStates[thread]
	if !ok {
		ts = &model.ThreadCheckpoint{
			Sequence:   m.Sequence,
			FileOffset: m.FileOffset,
			LastLwnScn: model.ScnNone,
		}
		m.threadStates[thread] = ts
	}
	return ts
}

// GetSequence returns the expected sequence for a thread, falling back to
// the active slot for threads never seen before.
func (m *Metadata) GetSequence(thread model.ThreadID) model.Seq {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts, ok := m.threadStates[thread]; ok {
		return ts.Sequence
	}
	return m.Sequence
}

// GetFileOffset returns the file offset for a thread.
func (m *Metadata) GetFileOffset(thread model.ThreadID) model.FileOffset {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts, ok := m.threadStates[thread]; ok {
		return ts.FileOffset
	}
	return m.FileOffset
}

// ThreadState returns a copy of a thread's checkpoint and whether it exists.
func (m *Metadata) ThreadState(thread model.ThreadID) (model.ThreadCheckpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts, ok := m.threadStates[thread]; ok {
		return *ts, true
	}
	return model.ThreadCheckpoint{}, false
}

// SetThreadState stores a thread's checkpoint verbatim.
func (m *Metadata) SetThreadState(thread model.ThreadID, ts model.ThreadCheckpoint) {
	m.mu.Lock()
	cp := ts
	m.threadStates[thread] = &cp
	m.mu.Unlock()
	m.persist()
}

// Threads lists the known thread ids.
func (m *Metadata) Threads() []model.ThreadID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.ThreadID, 0, len(m.threadStates))
	for t := range m.threadStates {
		out = append(out, t)
	}
	return out
}

// SetSeqFileOffset positions the active slot.
func (m *Metadata) SetSeqFileOffset(seq model.Seq, off model.FileOffset) {
	m.mu.Lock()
	m.Sequence = seq
	m.FileOffset = off
	m.mu.Unlock()
	m.persist()
}

// SetThreadSeqFileOffset positions one thread, creating its state if new,
// and mirrors the active slot.
func (m *Metadata) SetThreadSeqFileOffset(thread model.ThreadID, seq model.Seq, off model.FileOffset) {
	m.mu.Lock()
	ts := m.ensureThreadLocked(thread)
	ts.Sequence = seq
	ts.FileOffset = off
	m.Sequence = seq
	m.FileOffset = off
	m.mu.Unlock()
	m.persist()
}

// SetNextSequence advances a thread by exactly one sequence and rewinds its
// offset to the start of the next file.
func (m *Metadata) SetNextSequence(thread model.ThreadID) {
	m.mu.Lock()
	ts := m.ensureThreadLocked(thread)
	ts.Sequence++
	ts.FileOffset = model.ZeroOffset
	m.Sequence = ts.Sequence
	m.FileOffset = model.ZeroOffset
	m.mu.Unlock()
	m.persist()
}

// SetFirstNextScn records the SCN range of the file just parsed for a thread.
func (m *Metadata) SetFirstNextScn(thread model.ThreadID, first, next model.Scn) {
	m.mu.Lock()
	m.FirstScn = first
	m.NextScn = next
	if first.Valid() && !m.FirstDataScn.Valid() {
		m.FirstDataScn = first
	}
	_ = thread
	m.mu.Unlock()
}

// SetLastLwnScn records the highest observed LWN boundary for a thread.
func (m *Metadata) SetLastLwnScn(thread model.ThreadID, scn model.Scn) {
	m.mu.Lock()
	ts := m.ensureThreadLocked(thread)
	ts.LastLwnScn = scn
	m.mu.Unlock()
}

// SetResetlogsLocked records the new resetlogs identifier. The caller
// already holds the checkpoint mutex (incarnation tracker path), so this
// variant does not lock.
func (m *Metadata) SetResetlogsLocked(resetlogs uint32) {
	m.Resetlogs = resetlogs
}

// ZeroThreadPositionsLocked rewinds every thread and the active slot to
// sequence zero at offset zero. Caller holds the checkpoint mutex.
func (m *Metadata) ZeroThreadPositionsLocked() {
	m.Sequence = 0
	m.FileOffset = model.ZeroOffset
	for _, ts := range m.threadStates {
		ts.Sequence = 0
		ts.FileOffset = model.ZeroOffset
	}
}

// AllowCheckpoints opens the persistence gate. Until called, state changes
// stay in memory only.
func (m *Metadata) AllowCheckpoints() {
	m.mu.Lock()
	m.checkpointsAllowed = true
	m.mu.Unlock()
	m.persist()
}

// IsNewData reports whether a transaction at (scn, lwnIdx) is beyond the
// already-confirmed position, i.e. not a replay from the checkpoint.
func (m *Metadata) IsNewData(scn model.Scn, lwnIdx uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = lwnIdx
	if !m.FirstDataScn.Valid() {
		return true
	}
	return scn >= m.FirstDataScn
}

// ReadCheckpoints restores persisted state from the backend.
func (m *Metadata) ReadCheckpoints(ctx context.Context) error {
	if m.backend == nil {
		return nil
	}

	st, err := m.backend.Load(ctx, m.Database)
	if err != nil {
		if err == os.ErrNotExist {
			m.logger.Info(0, "no checkpoint found, starting fresh",
				zap.String("database", m.Database))
			return nil
		}
		return err
	}

	m.mu.Lock()
	m.session = st.SessionID
	if st.Resetlogs != 0 {
		m.Resetlogs = st.Resetlogs
	}
	for _, tp := range st.Threads {
		ts := &model.ThreadCheckpoint{
			Sequence:   model.Seq(tp.Sequence),
			FileOffset: model.NewFileOffset(tp.Blocks, tp.BlockSize),
			LastLwnScn: model.ScnNone,
		}
		if tp.HasLwnScn {
			ts.LastLwnScn = model.Scn(tp.LastLwnScn)
		}
		m.threadStates[model.ThreadID(tp.Thread)] = ts

		// The thread with the lowest sequence seeds the active slot.
		if !m.Sequence.Valid() || ts.Sequence < m.Sequence {
			m.Sequence = ts.Sequence
			m.FileOffset = ts.FileOffset
		}
	}
	m.mu.Unlock()

	m.logger.Info(0, "checkpoint restored",
		zap.String("database", m.Database),
		zap.Int("threads", len(st.Threads)))
	return nil
}

// persist snapshots state to the backend. Failures are logged, not fatal:
// replication continues from memory and retries on the next change.
func (m *Metadata) persist() {
	m.mu.Lock()
	if !m.checkpointsAllowed || m.backend == nil {
		m.mu.Unlock()
		return
	}

	st := &checkpoint.State{
		Database:  m.Database,
		SessionID: m.session,
		Resetlogs: m.Resetlogs,
	}
	for thread, ts := range m.threadStates {
		tp := checkpoint.ThreadPosition{
			Thread:    uint16(thread),
			Sequence:  uint32(ts.Sequence),
			Blocks:    ts.FileOffset.Blocks,
			BlockSize: ts.FileOffset.BlockSize,
		}
		if ts.LastLwnScn.Valid() {
			tp.LastLwnScn = uint64(ts.LastLwnScn)
			tp.HasLwnScn = true
		}
		st.Threads = append(st.Threads, tp)
	}
	backend := m.backend
	m.mu.Unlock()

	if st.SessionID == "" {
		fresh := checkpoint.NewState(m.Database)
		st.SessionID = fresh.SessionID
		m.mu.Lock()
		m.session = st.SessionID
		m.mu.Unlock()
	}

	if err := backend.Save(context.Background(), st); err != nil {
		m.logger.Warning(0, "checkpoint save failed", zap.Error(err))
	}
}
