package replicator

import (
	"time"

	"go.uber.org/zap"

	"github.com/redoflow/redoflow/internal/model"
	"github.com/redoflow/redoflow/pkg/errors"
	"github.com/redoflow/redoflow/pkg/log"
	"github.com/redoflow/redoflow/pkg/parser"
)

// processOnlineRedoLogs runs the online phase, dispatching to the
// single-instance or multi-thread path depending on how many redo threads
// the online set spans.
func (r *Replicator) processOnlineRedoLogs() (bool, error) {
	if r.ctx.Logger.IsTrace(log.TraceRedo) {
		r.ctx.Logger.Trace(log.TraceRedo, "checking online redo logs",
			zap.String("seq", r.metadata.Sequence.String()))
	}
	if err := r.updateResetlogs(); err != nil {
		return false, err
	}
	if err := r.updateOnlineLogs(); err != nil {
		return false, err
	}

	threads := make(map[model.ThreadID]struct{})
	for _, p := range r.onlineRedoSet {
		threads[p.Reader.Thread()] = struct{}{}
	}

	if len(threads) <= 1 {
		return r.processOnlineSingle()
	}
	return r.processOnlineMulti(len(threads))
}

// processOnlineSingle is the single-instance path: find the group holding
// the current sequence, parse it until log switch, repeat.
func (r *Replicator) processOnlineSingle() (bool, error) {
	logsProcessed := false

	for !r.ctx.SoftShutdown() {
		var chosen *parser.Parser
		if r.ctx.Logger.IsTrace(log.TraceRedo) {
			r.ctx.Logger.Trace(log.TraceRedo, "searching online redo log",
				zap.String("seq", r.metadata.Sequence.String()))
		}

		// higher is deliberately sticky across refreshes within one
		// search: once any reader reported a sequence beyond the expected
		// one we stop sleeping, even if a later refresh no longer shows
		// it. A sequence jumping backwards after an overwrite can
		// therefore skip the sleep; that quirk is part of the contract.
		higher := false
		beginTime := time.Now()

		for !r.ctx.SoftShutdown() {
			for _, onlineRedo := range r.onlineRedoSet {
				thread := onlineRedo.Reader.Thread()
				threadSeq := r.metadata.GetSequence(thread)

				if onlineRedo.Reader.Sequence().Valid() && onlineRedo.Reader.Sequence() > threadSeq {
					higher = true
				}

				if onlineRedo.Reader.Sequence() == threadSeq &&
					(onlineRedo.Reader.NumBlocks() == 0 ||
						r.metadata.GetFileOffset(thread).Less(
							model.NewFileOffset(onlineRedo.Reader.NumBlocks(), onlineRedo.Reader.BlockSize()))) {
					if chosen == nil ||
						(onlineRedo.FirstScn.Valid() && (!chosen.FirstScn.Valid() || onlineRedo.FirstScn < chosen.FirstScn)) {
						chosen = onlineRedo
					}
				}

				if r.ctx.Logger.IsTrace(log.TraceRedo) {
					r.ctx.Logger.Trace(log.TraceRedo, "online candidate",
						zap.String("path", onlineRedo.Path),
						zap.Uint16("thread", uint16(thread)),
						zap.String("seq", onlineRedo.Sequence.String()),
						zap.String("scn", onlineRedo.FirstScn.String()),
						zap.Uint64("blocks", onlineRedo.Reader.NumBlocks()))
				}
			}

			if chosen == nil && !higher {
				r.ctx.Sleep(r.ctx.RedoReadSleep)
			} else {
				break
			}

			if r.ctx.SoftShutdown() {
				break
			}

			if time.Since(beginTime) > r.ctx.RefreshInterval {
				if r.ctx.Logger.IsTrace(log.TraceRedo) {
					r.ctx.Logger.Trace(log.TraceRedo, "refresh interval reached, checking online redo logs again")
				}
				if err := r.updateOnlineRedoLogData(); err != nil {
					return logsProcessed, err
				}
				if err := r.updateOnlineLogs(); err != nil {
					return logsProcessed, err
				}
				r.goStandby()
				break
			}

			if err := r.updateOnlineLogs(); err != nil {
				return logsProcessed, err
			}
		}

		if chosen == nil {
			break
		}
		if r.ctx.SoftShutdown() {
			break
		}
		logsProcessed = true

		parserThread := chosen.Thread
		ret := chosen.Parse()
		r.metadata.SetFirstNextScn(parserThread, chosen.FirstScn, chosen.NextScn)

		if r.ctx.SoftShutdown() {
			break
		}

		switch ret {
		case parser.Finished:
			r.metadata.SetNextSequence(parserThread)
			r.ctx.Metrics.EmitLogSwitch()

		case parser.Stopped, parser.OK:
			if r.ctx.Logger.IsTrace(log.TraceRedo) {
				r.ctx.Logger.Trace(log.TraceRedo, "updating redo log files",
					zap.String("code", ret.String()),
					zap.String("sequence", r.metadata.Sequence.String()),
					zap.String("first_scn", r.metadata.FirstScn.String()),
					zap.String("next_scn", r.metadata.NextScn.String()))
			}
			if err := r.updateOnlineRedoLogData(); err != nil {
				return logsProcessed, err
			}
			if err := r.updateOnlineLogs(); err != nil {
				return logsProcessed, err
			}

		case parser.Overwritten:
			r.ctx.Logger.Info(0, "online redo log has been overwritten, continuing reading from archived redo log")
			return logsProcessed, nil

		default:
			if chosen.Group == 0 {
				return logsProcessed, errors.Newf(errors.KindRuntime, errors.CodeArchivedReadCode,
					"read archived redo log, code: %d", int(ret))
			}
			return logsProcessed, errors.Newf(errors.KindRuntime, errors.CodeOnlineReadCode,
				"read online redo log, code: %d", int(ret))
		}

		if ret == parser.Finished {
			r.ctx.CountLogSwitch()
		}
	}

	return logsProcessed, nil
}
