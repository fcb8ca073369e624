package replicator

import (
	"sort"

	"go.uber.org/zap"

	"github.com/redoflow/redoflow/internal/model"
	"github.com/redoflow/redoflow/pkg/errors"
	"github.com/redoflow/redoflow/pkg/log"
	"github.com/redoflow/redoflow/pkg/parser"
)

// MaxPendingTransactions bounds the deferred-commit queue before the
// leading thread is throttled. Each deferred transaction pins memory that
// cannot be freed until emission; letting the queue grow without bound
// would exhaust the transaction buffer under thread skew.
const MaxPendingTransactions = 500

// onlineThreadState tracks one redo thread during multi-thread ingestion.
type onlineThreadState struct {
	activeParser *parser.Parser
	lastLwnScn   model.Scn
	finished     bool
	yielded      bool
}

// updateScnWatermark recomputes the emission watermark: the minimum LWN
// position across threads. A live thread that has not yet observed any LWN
// boundary forces the watermark to none — nothing is safe to emit.
func (r *Replicator) updateScnWatermark() {
	minScn := model.ScnNone

	for _, state := range r.onlineThreadStates {
		if state.activeParser == nil {
			continue
		}

		if state.finished {
			threadBound := state.activeParser.NextScn
			if !threadBound.Valid() {
				threadBound = state.lastLwnScn
			}
			if threadBound.Valid() {
				if !minScn.Valid() || threadBound < minScn {
					minScn = threadBound
				}
			}
			continue
		}

		if !state.lastLwnScn.Valid() {
			r.scnWatermark = model.ScnNone
			return
		}

		if !minScn.Valid() || state.lastLwnScn < minScn {
			minScn = state.lastLwnScn
		}
	}

	r.scnWatermark = minScn
}

// emitWatermarkedTransactions drains every deferred commit below the
// watermark, in ascending LWN SCN order, into the builder.
func (r *Replicator) emitWatermarkedTransactions() {
	if !r.scnWatermark.Valid() {
		return
	}

	pending := r.txBuffer.DrainPendingBelow(r.scnWatermark)

	for _, ct := range pending {
		if err := ct.Transaction.Flush(r.builder, ct.LwnScn); err != nil {
			r.ctx.Logger.Warning(0, "builder flush failed", zap.Error(err))
		}

		if ct.Rollback {
			r.ctx.Metrics.EmitTransactionsRollbackOut(1)
		} else {
			r.ctx.Metrics.EmitTransactionsCommitOut(1)
		}

		if r.metadata.IsNewData(ct.LwnScn, r.builder.LwnIdx()) {
			r.ctx.CountTransaction()

			if ct.Shutdown {
				r.ctx.Logger.Info(0, "shutdown started - initiated by debug transaction",
					zap.String("scn", ct.CommitScn.String()))
				r.ctx.StopSoft()
			}
		}

		ct.Transaction.Purge()
	}
}

// processOnlineMulti is the RAC path: per-thread round-robin with
// yield-based cooperation, a cross-thread SCN watermark, deferred-commit
// emission and back-pressure against the leading thread.
func (r *Replicator) processOnlineMulti(threadCount int) (bool, error) {
	r.ctx.Logger.Info(0, "RAC mode: using round-robin parsing with SCN watermark",
		zap.Int("threads", threadCount))
	r.txBuffer.SetDefer(true)

	// Pick each thread's starting parser: the member holding the expected
	// sequence, lowest known firstScn on ties.
	r.onlineThreadStates = make(map[model.ThreadID]*onlineThreadState)
	for _, onlineRedo := range r.onlineRedoSet {
		thread := onlineRedo.Reader.Thread()
		threadSeq := r.metadata.GetSequence(thread)

		if onlineRedo.Reader.Sequence() == threadSeq &&
			(onlineRedo.Reader.NumBlocks() == 0 ||
				r.metadata.GetFileOffset(thread).Less(
					model.NewFileOffset(onlineRedo.Reader.NumBlocks(), onlineRedo.Reader.BlockSize()))) {
			onlineRedo.YieldOnWait = true
			state, ok := r.onlineThreadStates[thread]
			if !ok {
				state = &onlineThreadState{lastLwnScn: model.ScnNone}
				r.onlineThreadStates[thread] = state
			}
			if state.activeParser == nil ||
				(onlineRedo.FirstScn.Valid() &&
					(!state.activeParser.FirstScn.Valid() || onlineRedo.FirstScn < state.activeParser.FirstScn)) {
				state.activeParser = onlineRedo
			}
		}
	}

	if len(r.onlineThreadStates) == 0 {
		r.txBuffer.SetDefer(false)
		return false, nil
	}

	logsProcessed := true

	for !r.ctx.SoftShutdown() {
		allYielded := true

		// Run the laggard first: new data from the thread with the lowest
		// LWN position lifts the watermark before the leader produces
		// more deferred commits.
		threadOrder := make([]model.ThreadID, 0, len(r.onlineThreadStates))
		for thread, state := range r.onlineThreadStates {
			if state.activeParser != nil {
				threadOrder = append(threadOrder, thread)
			}
		}
		sort.Slice(threadOrder, func(i, j int) bool {
			sa := r.onlineThreadStates[threadOrder[i]]
			sb := r.onlineThreadStates[threadOrder[j]]
			if !sa.lastLwnScn.Valid() && sb.lastLwnScn.Valid() {
				return true
			}
			if sa.lastLwnScn.Valid() && !sb.lastLwnScn.Valid() {
				return false
			}
			if !sa.lastLwnScn.Valid() && !sb.lastLwnScn.Valid() {
				return threadOrder[i] < threadOrder[j]
			}
			if sa.lastLwnScn != sb.lastLwnScn {
				return sa.lastLwnScn < sb.lastLwnScn
			}
			return threadOrder[i] < threadOrder[j]
		})

		for _, thread := range threadOrder {
			state := r.onlineThreadStates[thread]

			if r.ctx.SoftShutdown() {
				break
			}

			// Throttle a thread that is ahead of the watermark while the
			// pending queue is large.
			if r.scnWatermark.Valid() && state.lastLwnScn.Valid() &&
				state.lastLwnScn > r.scnWatermark &&
				r.txBuffer.PendingSize() > MaxPendingTransactions {
				state.yielded = true
				continue
			}

			state.yielded = false

			if state.finished {
				r.metadata.SetNextSequence(thread)

				// Refresh only this thread's readers: updateRedoLog
				// resets the read window, so touching another thread's
				// reader would corrupt its in-flight parse.
				for _, onlineRedo := range r.onlineRedoSet {
					if onlineRedo.Reader.Thread() == thread {
						if onlineRedo.Reader.UpdateRedoLog() {
							onlineRedo.Sequence = onlineRedo.Reader.Sequence()
							onlineRedo.Thread = onlineRedo.Reader.Thread()
							onlineRedo.FirstScn = onlineRedo.Reader.FirstScn()
							onlineRedo.NextScn = onlineRedo.Reader.NextScn()
						}
					}
				}

				state.activeParser = nil
				state.finished = false
				for _, onlineRedo := range r.onlineRedoSet {
					if onlineRedo.Reader.Thread() == thread &&
						onlineRedo.Reader.Sequence() == r.metadata.GetSequence(thread) {
						onlineRedo.YieldOnWait = true
						onlineRedo.ParseResuming = false
						state.activeParser = onlineRedo
						break
					}
				}
				if state.activeParser == nil {
					r.ctx.Logger.Info(0, "RAC: no parser found for thread after log switch",
						zap.Uint16("thread", uint16(thread)),
						zap.String("seq", r.metadata.GetSequence(thread).String()))
					continue
				}

				ts, _ := r.metadata.ThreadState(thread)
				ts.FileOffset = model.ZeroOffset
				ts.Sequence = r.metadata.GetSequence(thread)
				r.metadata.SetThreadState(thread, ts)
				r.ctx.Logger.Info(0, "RAC: thread switched to next sequence",
					zap.Uint16("thread", uint16(thread)),
					zap.String("seq", r.metadata.GetSequence(thread).String()))
			}

			// Context switch: the parser reads position through the
			// metadata active slot.
			ts, _ := r.metadata.ThreadState(thread)
			r.metadata.FileOffset = ts.FileOffset
			r.metadata.Sequence = ts.Sequence

			ret := state.activeParser.Parse()

			ts.FileOffset = r.metadata.FileOffset
			ts.Sequence = r.metadata.Sequence
			if lwn := state.activeParser.LwnScn(); lwn.Valid() {
				state.lastLwnScn = lwn
				ts.LastLwnScn = lwn
			}
			r.metadata.SetThreadState(thread, ts)
			r.metadata.SetFirstNextScn(thread, state.activeParser.FirstScn, state.activeParser.NextScn)

			switch ret {
			case parser.Yield:
				state.yielded = true

			case parser.Finished:
				state.finished = true
				r.ctx.Metrics.EmitLogSwitch()
				r.ctx.CountLogSwitch()

			case parser.Overwritten:
				r.ctx.Logger.Info(0, "online redo log overwritten, falling back to archives",
					zap.Uint16("thread", uint16(thread)))
				r.txBuffer.SetDefer(false)
				r.scnWatermark = model.ScnMax
				r.emitWatermarkedTransactions()
				return logsProcessed, nil

			case parser.Stopped, parser.OK:

			default:
				r.txBuffer.SetDefer(false)
				return logsProcessed, errors.Newf(errors.KindRuntime, errors.CodeOnlineReadCode,
					"read online redo log (thread %d), code: %d", thread, int(ret))
			}

			if !state.yielded {
				allYielded = false
			}

			// The watermark feeds the throttle, so recompute after every
			// thread's parse.
			r.updateScnWatermark()
		}

		// Emit only after the full cycle: emitting inside the per-thread
		// loop would interleave commits out of SCN order.
		r.emitWatermarkedTransactions()

		if r.ctx.Logger.IsTrace(log.TraceRedo) {
			r.ctx.Logger.Trace(log.TraceRedo, "RAC cycle",
				zap.String("watermark", r.scnWatermark.String()),
				zap.Int("pending", r.txBuffer.PendingSize()),
				zap.Bool("all_yielded", allYielded))
		}

		if r.ctx.SoftShutdown() {
			break
		}

		if allYielded {
			r.ctx.Sleep(r.ctx.RedoReadSleep)
		}
	}

	// Shutdown: flush everything still pending.
	r.txBuffer.SetDefer(false)
	r.scnWatermark = model.ScnMax
	r.emitWatermarkedTransactions()

	return logsProcessed, nil
}
