package replicator

import (
	"go.uber.org/zap"

	"github.com/redoflow/redoflow/internal/model"
	"github.com/redoflow/redoflow/pkg/errors"
	"github.com/redoflow/redoflow/pkg/log"
	"github.com/redoflow/redoflow/pkg/parser"
)

// pickNextArchiveThread selects the thread whose queue head should parse
// next. Only heads sitting exactly at their thread's expected sequence are
// candidates (lower heads were pruned, higher ones are gaps). Among
// candidates the lowest known firstScn wins, ties by thread id; when every
// candidate's firstScn is unknown the lowest sequence wins instead.
//
// bestSeq is authoritative only on the all-unknown branch; the mixed
// branch updates it for symmetry, so callers must not read it back.
func (r *Replicator) pickNextArchiveThread() model.ThreadID {
	bestThread := model.ThreadID(0)
	bestScn := model.ScnNone
	bestSeq := model.SeqNone

	for thread, queue := range r.archiveQueues {
		if queue.empty() {
			continue
		}

		p := queue.top()
		threadSeq := r.metadata.GetSequence(thread)

		// Skip already-processed archives (pruned in the main loop).
		if threadSeq != 0 && threadSeq.Valid() && p.Sequence < threadSeq {
			continue
		}

		// Skip threads with gaps (archive sequence ahead of expected).
		if threadSeq != 0 && threadSeq.Valid() && p.Sequence > threadSeq {
			continue
		}

		if bestThread == 0 {
			bestThread = thread
			bestScn = p.FirstScn
			bestSeq = p.Sequence
		} else if p.FirstScn.Valid() && bestScn.Valid() {
			if p.FirstScn < bestScn || (p.FirstScn == bestScn && thread < bestThread) {
				bestThread = thread
				bestScn = p.FirstScn
				bestSeq = p.Sequence
			}
		} else if p.FirstScn.Valid() {
			// This candidate has a known SCN, the current best doesn't.
			bestThread = thread
			bestScn = p.FirstScn
			bestSeq = p.Sequence
		} else if !bestScn.Valid() {
			// Both SCNs unknown: fall back to lowest sequence.
			if p.Sequence < bestSeq || (p.Sequence == bestSeq && thread < bestThread) {
				bestThread = thread
				bestSeq = p.Sequence
			}
		}
	}

	return bestThread
}

// processArchivedRedoLogs is the archive phase: discover, prune, then
// interleave per-thread queue heads in approximate global SCN order.
func (r *Replicator) processArchivedRedoLogs() (bool, error) {
	logsProcessed := false

	for !r.ctx.SoftShutdown() {
		if r.ctx.Logger.IsTrace(log.TraceRedo) {
			r.ctx.Logger.Trace(log.TraceRedo, "checking archived redo logs",
				zap.String("seq", r.metadata.Sequence.String()))
		}
		if err := r.updateResetlogs(); err != nil {
			return logsProcessed, err
		}
		if err := r.archGet.GetLog(r); err != nil {
			return logsProcessed, err
		}

		allEmpty := true
		for _, queue := range r.archiveQueues {
			if !queue.empty() {
				allEmpty = false
				break
			}
		}

		if allEmpty {
			if r.ctx.ArchOnly {
				if r.ctx.Logger.IsTrace(log.TraceArchiveList) {
					r.ctx.Logger.Trace(log.TraceArchiveList, "archived redo log missing, sleeping",
						zap.String("seq", r.metadata.Sequence.String()))
				}
				r.ctx.SleepArchive(r.ctx.ArchReadSleep)
				continue
			}
			break
		}

		anyProcessed := false

		// Prune stale queue heads before picking.
		for thread, queue := range r.archiveQueues {
			threadSeq := r.metadata.GetSequence(thread)
			for !queue.empty() {
				p := queue.top()
				if threadSeq != 0 && threadSeq.Valid() && p.Sequence < threadSeq {
					queue.pop()
				} else {
					break
				}
			}
		}

		// Interleaved processing: one archive at a time from the thread
		// with the lowest SCN range.
		for !r.ctx.SoftShutdown() {
			bestThread := r.pickNextArchiveThread()
			if bestThread == 0 {
				if r.ctx.ArchOnly {
					for thread, queue := range r.archiveQueues {
						if queue.empty() {
							continue
						}
						threadSeq := r.metadata.GetSequence(thread)
						if threadSeq != 0 && threadSeq.Valid() && queue.top().Sequence > threadSeq {
							r.ctx.Logger.Warning(errors.CodeArchiveGap,
								"couldn't find archive log for thread",
								zap.Uint16("thread", uint16(thread)),
								zap.String("seq", threadSeq.String()),
								zap.String("found", queue.top().Sequence.String()),
								zap.Duration("sleeping", r.ctx.ArchReadSleep))
						}
					}
				}
				break
			}

			queue := r.archiveQueues[bestThread]
			p := queue.top()
			threadSeq := r.metadata.GetSequence(bestThread)

			if r.ctx.Logger.IsTrace(log.TraceRedo) {
				r.ctx.Logger.Trace(log.TraceRedo, "archive selected",
					zap.String("path", p.Path),
					zap.Uint16("thread", uint16(bestThread)),
					zap.String("seq", p.Sequence.String()),
					zap.String("scn", p.FirstScn.String()))
			}

			// First file for a thread with no position yet.
			if threadSeq == 0 || !threadSeq.Valid() {
				r.metadata.SetThreadSeqFileOffset(bestThread, p.Sequence, model.ZeroOffset)
				threadSeq = p.Sequence
			}

			anyProcessed = true
			logsProcessed = true
			p.Reader = r.archReader

			r.archReader.SetFileName(p.Path)
			retry := r.ctx.ArchReadTries

			for {
				if r.archReader.CheckRedoLog() && r.archReader.UpdateRedoLog() {
					break
				}
				retry--
				if retry <= 0 {
					return logsProcessed, errors.Newf(errors.KindRuntime, errors.CodeArchiveOpenRetries,
						"file: %s - failed to open after %d tries", p.Path, r.ctx.ArchReadTries)
				}
				r.ctx.Logger.Info(0, "archived redo log is not ready for read, sleeping",
					zap.String("path", p.Path),
					zap.Duration("sleep", r.ctx.ArchReadSleep))
				r.ctx.Sleep(r.ctx.ArchReadSleep)
			}

			ret := p.Parse()
			r.metadata.SetFirstNextScn(bestThread, p.FirstScn, p.NextScn)

			if r.ctx.SoftShutdown() {
				break
			}

			if ret != parser.Finished {
				if ret == parser.Stopped {
					queue.pop()
					break
				}
				return logsProcessed, errors.Newf(errors.KindRuntime, errors.CodeArchiveParseCode,
					"archive log processing returned: %s, code: %d", ret, int(ret))
			}

			r.metadata.SetNextSequence(bestThread)
			queue.pop()
			r.ctx.Metrics.EmitArchiveProcessed()
			r.ctx.CountLogSwitch()
		}

		if !anyProcessed {
			break
		}
	}

	return logsProcessed, nil
}
