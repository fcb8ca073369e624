// Package replicator implements the change-data-capture orchestrator: it
// drives archived and online redo log ingestion across N redo threads and
// emits committed transactions to the builder in SCN order.
package replicator

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/redoflow/redoflow/pkg/log"
	"github.com/redoflow/redoflow/pkg/runtime"
	"github.com/redoflow/redoflow/pkg/telemetry"
)

// Ctx is the engine's runtime context: logger, counters, timing constants
// and the cooperative shutdown switch shared by every component.
type Ctx struct {
	Logger  *log.Logger
	Metrics *telemetry.Metrics
	Memory  *runtime.MemoryManager

	RefreshInterval time.Duration
	RedoReadSleep   time.Duration
	ArchReadSleep   time.Duration
	ArchReadTries   int

	Schemaless      bool
	ArchOnly        bool
	BootFailsafe    bool
	DisableBlockSum bool

	// StopLogSwitches / StopTransactions are debug stop predicates; any
	// goroutine may decrement, only the controller acts on zero-crossings.
	StopLogSwitches  atomic.Int64
	StopTransactions atomic.Int64

	// ArchNudge, when non-nil, lets the archive watcher cut the archive
	// poll sleep short.
	ArchNudge <-chan struct{}

	softShutdown       atomic.Bool
	replicatorFinished atomic.Bool
	stopCh             chan struct{}
	stopOnce           sync.Once
}

// NewCtx builds a context with the given collaborators.
func NewCtx(logger *log.Logger) *Ctx {
	return &Ctx{
		Logger:          logger,
		Metrics:         telemetry.NewMetrics(),
		Memory:          runtime.NewMemoryManager(),
		RefreshInterval: 10 * time.Second,
		RedoReadSleep:   50 * time.Millisecond,
		ArchReadSleep:   5 * time.Second,
		ArchReadTries:   3,
		stopCh:          make(chan struct{}),
	}
}

// SoftShutdown reports whether a soft stop was requested.
func (c *Ctx) SoftShutdown() bool {
	return c.softShutdown.Load()
}

// StopSoft requests a cooperative shutdown. Loops observe it at their next
// iteration; sleeps are cut short through stopCh.
func (c *Ctx) StopSoft() {
	c.softShutdown.Store(true)
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// StopHard escalates: same switch, but the caller must still drain
// deferred transactions before returning.
func (c *Ctx) StopHard() {
	c.StopSoft()
}

// Done exposes the shutdown channel for select-based waits.
func (c *Ctx) Done() <-chan struct{} {
	return c.stopCh
}

// Sleep waits for d, returning early on shutdown.
func (c *Ctx) Sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-c.stopCh:
	}
}

// SleepArchive waits for d, returning early on shutdown or an archive
// watcher nudge.
func (c *Ctx) SleepArchive(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	if c.ArchNudge == nil {
		select {
		case <-t.C:
		case <-c.stopCh:
		}
		return
	}
	select {
	case <-t.C:
	case <-c.stopCh:
	case <-c.ArchNudge:
	}
}

// CountLogSwitch decrements the log-switch stop predicate, requesting a
// soft stop at the zero-crossing.
func (c *Ctx) CountLogSwitch() {
	if c.StopLogSwitches.Load() <= 0 {
		return
	}
	if c.StopLogSwitches.Add(-1) == 0 {
		c.Logger.Info(0, "shutdown initiated by number of log switches")
		c.StopSoft()
	}
}

// CountTransaction decrements the transaction stop predicate, requesting a
// soft stop at the zero-crossing.
func (c *Ctx) CountTransaction() {
	if c.StopTransactions.Load() <= 0 {
		return
	}
	if c.StopTransactions.Add(-1) == 0 {
		c.Logger.Info(0, "shutdown started - exhausted number of transactions")
		c.StopSoft()
	}
}

// SetReplicatorFinished marks the engine as done.
func (c *Ctx) SetReplicatorFinished() {
	c.replicatorFinished.Store(true)
}

// ReplicatorFinished reports whether the engine exited.
func (c *Ctx) ReplicatorFinished() bool {
	return c.replicatorFinished.Load()
}
