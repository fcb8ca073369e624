package replicator

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/redoflow/redoflow/internal/model"
	"github.com/redoflow/redoflow/pkg/errors"
	"github.com/redoflow/redoflow/pkg/log"
	"github.com/redoflow/redoflow/pkg/parser"
	"github.com/redoflow/redoflow/pkg/storage/object"
)

// ArchiveGetter enumerates archived redo logs and pushes parser jobs into
// the per-thread queues. Exactly one strategy is bound at construction.
type ArchiveGetter interface {
	GetLog(r *Replicator) error
}

// enqueueArchive filters one discovered file and queues it: sequence 0 and
// already-processed sequences are dropped.
func (r *Replicator) enqueueArchive(st SeqThread, path string) bool {
	if st.Sequence == 0 {
		return false
	}

	threadSeq := r.metadata.GetSequence(st.Thread)
	if threadSeq.Valid() && st.Sequence < threadSeq {
		return false
	}

	p := parser.New(r.parserDeps(), 0, path)
	p.Sequence = st.Sequence
	p.Thread = st.Thread

	queue, ok := r.archiveQueues[st.Thread]
	if !ok {
		queue = newParserQueue()
		r.archiveQueues[st.Thread] = queue
	}
	queue.push(p)
	return true
}

// PathGetter scans <recovery_file_dest>/<database>/archivelog, a tree of
// day subdirectories holding archived logs.
type PathGetter struct{}

// GetLog implements the directory-scan strategy.
func (PathGetter) GetLog(r *Replicator) error {
	md := r.metadata
	lg := r.ctx.Logger

	if md.LogArchiveFormat == "" {
		return errors.New(errors.KindRuntime, errors.CodeMissingArchiveLoc,
			"missing location of archived redo logs for offline mode")
	}

	mappedPath := r.pathMapper.Apply(md.DbRecoveryFileDest + "/" + r.database + "/archivelog")
	if lg.IsTrace(log.TraceArchiveList) {
		lg.Trace(log.TraceArchiveList, "checking path", zap.String("path", mappedPath))
	}

	entries, err := os.ReadDir(mappedPath)
	if err != nil {
		return errors.Newf(errors.KindRuntime, errors.CodeDirUnreadable,
			"directory: %s - can't read", mappedPath)
	}

	newLastCheckedDay := ""
	for _, ent := range entries {
		dayPath := filepath.Join(mappedPath, ent.Name())

		fi, err := os.Stat(dayPath)
		if err != nil {
			lg.Warning(errors.CodeStatFailed, "file - get metadata failed",
				zap.String("path", dayPath), zap.Error(err))
			continue
		}
		if !fi.IsDir() {
			continue
		}

		// Skip days already fully scanned; the boundary day is re-scanned
		// to pick up late arrivals.
		if r.lastCheckedDay != "" && ent.Name() < r.lastCheckedDay {
			continue
		}

		if lg.IsTrace(log.TraceArchiveList) {
			lg.Trace(log.TraceArchiveList, "checking path", zap.String("path", dayPath))
		}

		files, err := os.ReadDir(dayPath)
		if err != nil {
			return errors.Newf(errors.KindRuntime, errors.CodeDirUnreadable,
				"directory: %s - can't read", dayPath)
		}

		for _, f := range files {
			if f.IsDir() {
				continue
			}
			fileName := filepath.Join(dayPath, f.Name())
			if lg.IsTrace(log.TraceArchiveList) {
				lg.Trace(log.TraceArchiveList, "checking path", zap.String("path", fileName))
			}

			st := SequenceFromFileName(lg, md.LogArchiveFormat, f.Name())
			if lg.IsTrace(log.TraceArchiveList) {
				lg.Trace(log.TraceArchiveList, "found seq", zap.String("seq", st.Sequence.String()))
			}
			r.enqueueArchive(st, fileName)
		}

		if newLastCheckedDay == "" || newLastCheckedDay < ent.Name() {
			newLastCheckedDay = ent.Name()
		}
	}

	if newLastCheckedDay != "" && (r.lastCheckedDay == "" || r.lastCheckedDay < newLastCheckedDay) {
		if lg.IsTrace(log.TraceArchiveList) {
			lg.Trace(log.TraceArchiveList, "updating last checked day",
				zap.String("day", newLastCheckedDay))
		}
		r.lastCheckedDay = newLastCheckedDay
	}

	return nil
}

// ListGetter iterates a pre-registered batch of archive paths. Entries may
// be single files, directories (immediate children are scanned), or
// s3://bucket/key objects listed through Store.
type ListGetter struct {
	// Store serves s3:// batch entries; nil disables them.
	Store object.Storage
}

// GetLog implements the explicit-batch strategy.
func (g ListGetter) GetLog(r *Replicator) error {
	md := r.metadata
	lg := r.ctx.Logger

	sequenceStart := model.SeqNone
	track := func(seq model.Seq) {
		if !sequenceStart.Valid() || sequenceStart > seq {
			sequenceStart = seq
		}
	}

	for _, mappedPath := range r.redoLogsBatch {
		if lg.IsTrace(log.TraceArchiveList) {
			lg.Trace(log.TraceArchiveList, "checking path", zap.String("path", mappedPath))
		}

		if strings.HasPrefix(mappedPath, "s3://") {
			if g.Store == nil {
				lg.Warning(errors.CodeStatFailed, "s3 batch entry with no object store configured",
					zap.String("path", mappedPath))
				continue
			}
			if err := g.listObjects(r, mappedPath, track); err != nil {
				return err
			}
			continue
		}

		fi, err := os.Stat(mappedPath)
		if err != nil {
			lg.Warning(errors.CodeStatFailed, "file - get metadata failed",
				zap.String("path", mappedPath), zap.Error(err))
			continue
		}

		if !fi.IsDir() {
			st := SequenceFromFileName(lg, md.LogArchiveFormat, filepath.Base(mappedPath))
			if lg.IsTrace(log.TraceArchiveList) {
				lg.Trace(log.TraceArchiveList, "found seq", zap.String("seq", st.Sequence.String()))
			}
			if r.enqueueArchive(st, mappedPath) {
				track(st.Sequence)
			}
			continue
		}

		files, err := os.ReadDir(mappedPath)
		if err != nil {
			return errors.Newf(errors.KindRuntime, errors.CodeDirUnreadable,
				"directory: %s - can't read", mappedPath)
		}
		for _, f := range files {
			fileName := filepath.Join(mappedPath, f.Name())
			if lg.IsTrace(log.TraceArchiveList) {
				lg.Trace(log.TraceArchiveList, "checking path", zap.String("path", fileName))
			}
			st := SequenceFromFileName(lg, md.LogArchiveFormat, f.Name())
			if r.enqueueArchive(st, fileName) {
				track(st.Sequence)
			}
		}
	}

	// The first batch seeds an unset position with the lowest sequence
	// discovered.
	if sequenceStart.Valid() && md.Sequence == 0 {
		md.SetSeqFileOffset(sequenceStart, model.ZeroOffset)
	}
	r.redoLogsBatch = nil
	return nil
}

// listObjects expands one s3://bucket/prefix entry.
func (g ListGetter) listObjects(r *Replicator, uri string, track func(model.Seq)) error {
	lg := r.ctx.Logger
	trimmed := strings.TrimPrefix(uri, "s3://")
	slash := strings.IndexByte(trimmed, '/')
	prefix := ""
	if slash >= 0 {
		prefix = trimmed[slash+1:]
	}

	infos, err := g.Store.List(context.Background(), prefix)
	if err != nil {
		return errors.Wrap(err, errors.KindRuntime, errors.CodeDirUnreadable,
			"object prefix: "+uri+" - can't list")
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	for _, info := range infos {
		name := info.Path
		if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
			name = name[idx+1:]
		}
		st := SequenceFromFileName(lg, r.metadata.LogArchiveFormat, name)
		if r.enqueueArchive(st, info.Path) {
			track(st.Sequence)
		}
	}
	return nil
}
