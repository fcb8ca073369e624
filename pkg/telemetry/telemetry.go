// Package telemetry provides observability for the replication engine:
// atomic counters for the emission path plus OTLP trace export.
package telemetry

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// Metric names for the replication counters.
const (
	MetricTransactionsCommitOut   = "redoflow.transactions.commit.out"
	MetricTransactionsRollbackOut = "redoflow.transactions.rollback.out"
	MetricLogSwitches             = "redoflow.redo.log_switches"
	MetricArchivesProcessed       = "redoflow.redo.archives_processed"
	MetricPendingTransactions     = "redoflow.redo.pending_transactions"
)

// Metrics counts replication events. All methods are safe for concurrent use.
type Metrics struct {
	runID string

	commitOut         atomic.Int64
	rollbackOut       atomic.Int64
	logSwitches       atomic.Int64
	archivesProcessed atomic.Int64
}

// NewMetrics builds a counter set stamped with a fresh run id.
func NewMetrics() *Metrics {
	return &Metrics{runID: uuid.NewString()}
}

// RunID identifies this replication run.
func (m *Metrics) RunID() string { return m.runID }

// EmitTransactionsCommitOut counts emitted commits.
func (m *Metrics) EmitTransactionsCommitOut(n int64) {
	m.commitOut.Add(n)
}

// EmitTransactionsRollbackOut counts emitted rollbacks.
func (m *Metrics) EmitTransactionsRollbackOut(n int64) {
	m.rollbackOut.Add(n)
}

// EmitLogSwitch counts observed log switches.
func (m *Metrics) EmitLogSwitch() {
	m.logSwitches.Add(1)
}

// EmitArchiveProcessed counts fully parsed archives.
func (m *Metrics) EmitArchiveProcessed() {
	m.archivesProcessed.Add(1)
}

// Snapshot is a point-in-time view of the counters.
type Snapshot struct {
	CommitOut         int64
	RollbackOut       int64
	LogSwitches       int64
	ArchivesProcessed int64
}

// Snapshot reads all counters.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		CommitOut:         m.commitOut.Load(),
		RollbackOut:       m.rollbackOut.Load(),
		LogSwitches:       m.logSwitches.Load(),
		ArchivesProcessed: m.archivesProcessed.Load(),
	}
}
