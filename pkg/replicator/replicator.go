package replicator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/redoflow/redoflow/internal/model"
	"github.com/redoflow/redoflow/pkg/builder"
	"github.com/redoflow/redoflow/pkg/errors"
	"github.com/redoflow/redoflow/pkg/log"
	"github.com/redoflow/redoflow/pkg/metadata"
	"github.com/redoflow/redoflow/pkg/parser"
	"github.com/redoflow/redoflow/pkg/reader"
	"github.com/redoflow/redoflow/pkg/txbuf"
)

// Replicator drives redo ingestion for one source database: it alternates
// between the archived and online phases, keeps the per-thread archive
// queues, and owns every reader through its pool.
type Replicator struct {
	ctx      *Ctx
	builder  builder.Builder
	metadata *metadata.Metadata
	txBuffer *txbuf.Buffer
	database string

	archGet       ArchiveGetter
	pathMapper    *PathMapper
	redoLogsBatch []string

	readerFactory reader.Factory
	readers       map[int]reader.Reader
	archReader    reader.Reader

	archiveQueues      map[model.ThreadID]*parserQueue
	onlineRedoSet      []*parser.Parser
	onlineThreadStates map[model.ThreadID]*onlineThreadState
	scnWatermark       model.Scn

	lastCheckedDay string
}

// New wires a replicator. archGet selects the archive discovery strategy;
// factory builds readers (tests inject fakes through it).
func New(ctx *Ctx, archGet ArchiveGetter, b builder.Builder, md *metadata.Metadata,
	tb *txbuf.Buffer, database string, factory reader.Factory) *Replicator {
	return &Replicator{
		ctx:                ctx,
		builder:            b,
		metadata:           md,
		txBuffer:           tb,
		database:           database,
		archGet:            archGet,
		pathMapper:         NewPathMapper(ctx.Logger),
		readerFactory:      factory,
		readers:            make(map[int]reader.Reader),
		archiveQueues:      make(map[model.ThreadID]*parserQueue),
		onlineThreadStates: make(map[model.ThreadID]*onlineThreadState),
		scnWatermark:       model.ScnNone,
	}
}

// PathMapper exposes the mapper for configuration-time registration.
func (r *Replicator) PathMapper() *PathMapper { return r.pathMapper }

// AddPathMapping registers one prefix rewrite.
func (r *Replicator) AddPathMapping(source, target string) {
	r.pathMapper.Add(source, target)
}

// AddRedoLogsBatch registers one explicit archive path for batch discovery.
func (r *Replicator) AddRedoLogsBatch(path string) {
	r.redoLogsBatch = append(r.redoLogsBatch, path)
}

// parserDeps builds the collaborator set shared by every parser job.
func (r *Replicator) parserDeps() parser.Deps {
	return parser.Deps{
		Logger:   r.ctx.Logger,
		Metadata: r.metadata,
		Buffer:   r.txBuffer,
		Builder:  r.builder,
		Stop:     r.ctx.SoftShutdown,
		Wait:     func() { r.ctx.Sleep(r.ctx.RedoReadSleep) },
		OnEmit: func(ct txbuf.Committed) {
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
		},
	}
}

// readerCreate returns the reader for a group, constructing and spawning
// it on first use. Idempotent by group.
func (r *Replicator) readerCreate(group int) reader.Reader {
	if rd, ok := r.readers[group]; ok {
		return rd
	}
	rd := r.readerFactory(group)
	r.readers[group] = rd
	rd.Start()
	return rd
}

// readerDropAll tears every reader down: wake until all report finished,
// then join and release. All-or-nothing from the controller's view.
func (r *Replicator) readerDropAll() {
	for _, rd := range r.readers {
		rd.Stop()
	}
	for {
		wakingUp := false
		for _, rd := range r.readers {
			if !rd.Finished() {
				rd.WakeUp()
				wakingUp = true
			}
		}
		if !wakingUp {
			break
		}
		time.Sleep(time.Millisecond)
	}

	for group, rd := range r.readers {
		rd.Join()
		delete(r.readers, group)
	}
	r.archReader = nil
}

// cleanArchList destroys every queued archive parser.
func (r *Replicator) cleanArchList() {
	for thread, queue := range r.archiveQueues {
		for !queue.empty() {
			queue.pop()
		}
		delete(r.archiveQueues, thread)
	}
}

// loadDatabaseMetadata prepares the shared archive reader.
func (r *Replicator) loadDatabaseMetadata() {
	r.archReader = r.readerCreate(0)
}

// positionReader seeds the starting position when no confirmed data exists.
func (r *Replicator) positionReader() {
	if r.metadata.StartSequence.Valid() {
		r.metadata.SetSeqFileOffset(r.metadata.StartSequence, model.ZeroOffset)
	} else {
		r.metadata.SetSeqFileOffset(0, model.ZeroOffset)
	}
}

// createSchema handles the no-schema boot path: schemaless mode allows
// checkpoints, anything else is fatal.
func (r *Replicator) createSchema() error {
	if r.ctx.Schemaless {
		r.metadata.AllowCheckpoints()
		return nil
	}
	return errors.New(errors.KindRuntime, errors.CodeSchemaMissing, "schema file missing")
}

// updateOnlineRedoLogData coalesces the redo log catalog into one reader
// per group, then reconciles each group's member paths.
func (r *Replicator) updateOnlineRedoLogData() error {
	logs := make([]model.RedoLog, len(r.metadata.RedoLogs))
	copy(logs, r.metadata.RedoLogs)
	sort.Slice(logs, func(i, j int) bool { return logs[i].Less(logs[j]) })

	lastGroup := 0
	var onlineReader reader.Reader
	for _, rl := range logs {
		if rl.Group != lastGroup || onlineReader == nil {
			onlineReader = r.readerCreate(rl.Group)
			onlineReader.SetPaths(nil)
			lastGroup = rl.Group
		}
		onlineReader.SetPaths(append(onlineReader.Paths(), rl.Path))
	}

	return r.checkOnlineRedoLogs()
}

// checkOnlineRedoLogs rebuilds the online parser set: for each group the
// first mapped member path accepted by checkRedoLog becomes the reader's
// file.
func (r *Replicator) checkOnlineRedoLogs() error {
	r.onlineRedoSet = nil

	groups := make([]int, 0, len(r.readers))
	for g := range r.readers {
		groups = append(groups, g)
	}
	sort.Ints(groups)

	for _, g := range groups {
		rd := r.readers[g]
		if rd.Group() == 0 {
			continue
		}

		foundPath := false
		for _, path := range rd.Paths() {
			mapped := r.pathMapper.Apply(path)
			rd.SetFileName(mapped)
			if rd.CheckRedoLog() {
				foundPath = true
				p := parser.New(r.parserDeps(), rd.Group(), mapped)
				p.Reader = rd
				r.ctx.Logger.Info(0, "online redo log", zap.String("path", mapped))
				r.onlineRedoSet = append(r.onlineRedoSet, p)
				break
			}
		}

		if !foundPath {
			for _, path := range rd.Paths() {
				rd.ShowHint(r.ctx.Logger, path, r.pathMapper.Apply(path))
			}
			return errors.Newf(errors.KindRuntime, errors.CodeNoOnlineMember,
				"can't read any member of group %d", rd.Group())
		}
	}
	return nil
}

// updateOnlineLogs refreshes every online reader and copies its header
// state back into its parser.
func (r *Replicator) updateOnlineLogs() error {
	for _, p := range r.onlineRedoSet {
		if !p.Reader.UpdateRedoLog() {
			return errors.Newf(errors.KindRuntime, errors.CodeOnlineUpdate,
				"updating of online redo logs failed for %s", p.Path)
		}
		p.Sequence = p.Reader.Sequence()
		p.Thread = p.Reader.Thread()
		p.FirstScn = p.Reader.FirstScn()
		p.NextScn = p.Reader.NextScn()
	}
	return nil
}

// goStandby hosts mode-specific hooks after a refresh-interval
// re-materialization. The offline engine has none.
func (r *Replicator) goStandby() {}

// continueWithOnline decides whether the controller proceeds to the online
// phase after an archive pass.
func (r *Replicator) continueWithOnline() bool { return true }

// modeName names this engine variant in the start banner.
func (r *Replicator) modeName() string { return "offline" }

// printStartMsg emits the replication start banner.
func (r *Replicator) printStartMsg() {
	md := r.metadata

	starting := "NOW"
	switch {
	case md.StartTime != "":
		starting = "time: " + md.StartTime
	case md.StartTimeRel > 0:
		starting = fmt.Sprintf("time-rel: %d", md.StartTimeRel)
	case md.StartScn.Valid():
		starting = "scn: " + md.StartScn.String()
	}

	fields := []zap.Field{
		zap.String("database", r.database),
		zap.String("mode", r.modeName()),
		zap.String("from", starting),
	}
	if md.StartSequence.Valid() {
		fields = append(fields, zap.String("seq", md.StartSequence.String()))
	}
	r.ctx.Logger.Info(0, "replicator is starting", fields...)
}

// boot runs the startup checks once a start command arrives. Boot-kind
// errors are retryable under bootFailsafe.
func (r *Replicator) boot() error {
	md := r.metadata

	r.printStartMsg()
	if md.Resetlogs != 0 {
		r.ctx.Logger.Info(0, "current resetlogs", zap.Uint32("resetlogs", md.Resetlogs))
	}
	if md.FirstDataScn.Valid() {
		r.ctx.Logger.Info(0, "first data SCN", zap.String("scn", md.FirstDataScn.String()))
	}
	if md.FirstSchemaScn.Valid() {
		r.ctx.Logger.Info(0, "first schema SCN", zap.String("scn", md.FirstSchemaScn.String()))
	}

	if !md.FirstDataScn.Valid() || !md.Sequence.Valid() {
		r.positionReader()
	}

	if !md.SchemaScn.Valid() {
		if err := r.createSchema(); err != nil {
			return err
		}
	} else {
		md.AllowCheckpoints()
	}

	if !md.Sequence.Valid() {
		return errors.New(errors.KindBoot, errors.CodeUnknownStartSeq, "starting sequence is unknown")
	}

	if !md.FirstDataScn.Valid() {
		r.ctx.Logger.Info(0, "last confirmed scn: <none>",
			zap.String("sequence", md.Sequence.String()),
			zap.String("offset", md.FileOffset.String()))
	} else {
		r.ctx.Logger.Info(0, "last confirmed scn",
			zap.String("scn", md.FirstDataScn.String()),
			zap.String("sequence", md.Sequence.String()),
			zap.String("offset", md.FileOffset.String()))
	}

	if (md.DbBlockChecksum == "OFF" || md.DbBlockChecksum == "FALSE") && !r.ctx.DisableBlockSum {
		r.ctx.Logger.Hint("set DB_BLOCK_CHECKSUM = TYPICAL on the database or disable " +
			"the block-sum check in the reader configuration")
	}

	return nil
}

// Run is the controller: writer rendezvous, boot, then the replication
// loop alternating archive and online phases until shutdown.
func (r *Replicator) Run() {
	if r.ctx.Logger.IsTrace(log.TraceThreads) {
		r.ctx.Logger.Trace(log.TraceThreads, "replicator start")
	}

	err := r.run()
	if err != nil {
		code := errors.CodeOf(err)
		switch errors.KindOf(err) {
		case errors.KindMemory:
			r.ctx.Logger.Error(errors.CodeOutOfMemory, "memory allocation failed", zap.Error(err))
		default:
			r.ctx.Logger.Error(code, err.Error())
		}
		r.ctx.StopHard()
	}

	// Shutdown path, fatal or not: drain deferred state before leaving.
	if r.txBuffer.Deferring() {
		r.txBuffer.SetDefer(false)
		r.scnWatermark = model.ScnMax
		r.emitWatermarkedTransactions()
	}

	r.ctx.Logger.Info(0, "replicator is shutting down", zap.String("database", r.database))
	r.txBuffer.Purge()
	r.readerDropAll()
	r.cleanArchList()

	r.ctx.SetReplicatorFinished()
	r.ctx.Memory.PrintUsageHWM(r.ctx.Logger)

	if r.ctx.Logger.IsTrace(log.TraceThreads) {
		r.ctx.Logger.Trace(log.TraceThreads, "replicator stop")
	}
}

func (r *Replicator) run() error {
	md := r.metadata

	md.WaitForWriter(r.ctx.SoftShutdown)

	r.loadDatabaseMetadata()
	if err := md.ReadCheckpoints(context.Background()); err != nil {
		return errors.Wrap(err, errors.KindRuntime, 0, "reading checkpoints failed")
	}
	if !r.ctx.ArchOnly {
		if err := r.updateOnlineRedoLogData(); err != nil {
			return err
		}
	}
	r.ctx.Logger.Info(0, "timezone info",
		zap.Int("db_timezone_sec", md.DbTimezone))

	// Boot loop: retryable under bootFailsafe.
	for md.Status() != metadata.StatusReplicate {
		if r.ctx.SoftShutdown() {
			return nil
		}
		md.WaitForWriter(r.ctx.SoftShutdown)

		if md.Status() == metadata.StatusReady {
			continue
		}
		if r.ctx.SoftShutdown() {
			return nil
		}

		if err := r.boot(); err != nil {
			if errors.IsBoot(err) {
				if !r.ctx.BootFailsafe {
					return errors.Wrap(err, errors.KindRuntime, errors.CodeOf(err), "boot failed")
				}
				r.ctx.Logger.Error(errors.CodeOf(err), err.Error())
				r.ctx.Logger.Info(0, "replication startup failed, waiting for further commands")
				md.SetStatusReady()
				continue
			}
			return err
		}

		r.ctx.Logger.Info(0, "resume writer")
		md.SetStatusReplicate()
	}

	// Main loop.
	for !r.ctx.SoftShutdown() {
		logsProcessed := false

		archProcessed, err := r.processArchivedRedoLogs()
		if err != nil {
			return err
		}
		logsProcessed = logsProcessed || archProcessed
		if r.ctx.SoftShutdown() {
			break
		}

		if !r.continueWithOnline() {
			break
		}
		if r.ctx.SoftShutdown() {
			break
		}

		if !r.ctx.ArchOnly {
			onlineProcessed, err := r.processOnlineRedoLogs()
			if err != nil {
				return err
			}
			logsProcessed = logsProcessed || onlineProcessed
		}
		if r.ctx.SoftShutdown() {
			break
		}

		if !logsProcessed {
			r.ctx.Logger.Info(0, "no redo logs to process, waiting for new redo logs")
			r.ctx.Sleep(r.ctx.RefreshInterval)
		}
	}

	return nil
}
