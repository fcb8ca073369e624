package replicator

import (
	"bufio"
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/redoflow/redoflow/internal/model"
	"github.com/redoflow/redoflow/pkg/builder"
	"github.com/redoflow/redoflow/pkg/errors"
	"github.com/redoflow/redoflow/pkg/log"
	"github.com/redoflow/redoflow/pkg/metadata"
	"github.com/redoflow/redoflow/pkg/parser"
	"github.com/redoflow/redoflow/pkg/reader"
	"github.com/redoflow/redoflow/pkg/txbuf"
)

// pushArchive queues a stub archive parser job.
func pushArchive(r *Replicator, thread model.ThreadID, seq model.Seq, scn model.Scn, path string) {
	p := parser.New(r.parserDeps(), 0, path)
	p.Sequence = seq
	p.Thread = thread
	p.FirstScn = scn

	q, ok := r.archiveQueues[thread]
	if !ok {
		q = newParserQueue()
		r.archiveQueues[thread] = q
	}
	q.push(p)
}

func TestParserQueueOrdering(t *testing.T) {
	env := newTestEnv(t, nil)

	pushArchive(env.repl, 1, 5, model.ScnNone, "e")
	pushArchive(env.repl, 1, 3, model.ScnNone, "a")
	pushArchive(env.repl, 1, 3, model.ScnNone, "b")
	pushArchive(env.repl, 1, 4, model.ScnNone, "c")

	q := env.repl.archiveQueues[1]
	var got []string
	for !q.empty() {
		got = append(got, q.pop().Path)
	}
	want := []string{"a", "b", "c", "e"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pop order %v, want %v", got, want)
		}
	}
}

func TestPickNextArchiveThreadBySCN(t *testing.T) {
	env := newTestEnv(t, nil)
	md := env.md
	md.SetThreadSeqFileOffset(1, 10, model.ZeroOffset)
	md.SetThreadSeqFileOffset(2, 7, model.ZeroOffset)

	pushArchive(env.repl, 1, 10, 500, "t1_s10")
	pushArchive(env.repl, 2, 7, 300, "t2_s7")

	// T2 holds the lower SCN.
	if got := env.repl.pickNextArchiveThread(); got != 2 {
		t.Fatalf("pick = %d, want 2", got)
	}

	// After T2's head completes, its next head starts at SCN 700;
	// T1 at 500 now wins.
	env.repl.archiveQueues[2].pop()
	md.SetNextSequence(2)
	pushArchive(env.repl, 2, 8, 700, "t2_s8")

	if got := env.repl.pickNextArchiveThread(); got != 1 {
		t.Fatalf("pick after re-evaluate = %d, want 1", got)
	}
}

func TestPickNextArchiveThreadUnknownSCN(t *testing.T) {
	env := newTestEnv(t, nil)
	env.md.SetThreadSeqFileOffset(1, 5, model.ZeroOffset)
	env.md.SetThreadSeqFileOffset(2, 3, model.ZeroOffset)

	// All SCNs unknown: lowest sequence wins.
	pushArchive(env.repl, 1, 5, model.ScnNone, "a")
	pushArchive(env.repl, 2, 3, model.ScnNone, "b")
	if got := env.repl.pickNextArchiveThread(); got != 2 {
		t.Fatalf("pick = %d, want 2 (lowest sequence)", got)
	}

	// A known SCN outranks any unknown one.
	env.md.SetThreadSeqFileOffset(3, 9, model.ZeroOffset)
	pushArchive(env.repl, 3, 9, 10_000, "c")
	if got := env.repl.pickNextArchiveThread(); got != 3 {
		t.Fatalf("pick = %d, want 3 (known SCN)", got)
	}
}

func TestPickNextArchiveThreadSkipsGap(t *testing.T) {
	env := newTestEnv(t, nil)
	env.md.SetThreadSeqFileOffset(1, 10, model.ZeroOffset)

	// Head is ahead of the expected sequence: a gap, not a candidate.
	pushArchive(env.repl, 1, 11, 500, "gap")
	if got := env.repl.pickNextArchiveThread(); got != 0 {
		t.Fatalf("pick = %d, want 0 (gap must be skipped)", got)
	}
}

// Single-thread archive replay: three consecutive archives parse to
// FINISHED and the thread sequence lands one past the last file.
func TestArchiveReplaySingleThread(t *testing.T) {
	dir := t.TempDir()

	scns := []struct {
		seq   model.Seq
		first model.Scn
		next  model.Scn
	}{
		{42, 1000, 1200},
		{43, 1200, 1400},
		{44, 1400, 1600},
	}
	for _, s := range scns {
		writeRedoFile(t,
			filepath.Join(dir, "1_"+s.seq.String()+"_1.arc"),
			reader.FileHeader{Thread: 1, Sequence: s.seq, FirstScn: s.first, NextScn: s.next},
			[]testBlock{
				{lwn: s.first, recs: commits(uint64(s.seq)*100, s.first+10, 3)},
			})
	}

	ctx := NewCtx(log.NewNop())
	ctx.ArchReadSleep = time1ms
	md := metadata.New("TESTDB", nil, log.NewNop())
	md.LogArchiveFormat = "%t_%s_%r.arc"
	md.SetSeqFileOffset(42, model.ZeroOffset)

	out := &bytes.Buffer{}
	b := builder.NewJSON(out)
	repl := New(ctx, ListGetter{}, b, md, txbuf.New(), "TESTDB", fsFactory(t))
	repl.AddRedoLogsBatch(dir)
	repl.loadDatabaseMetadata()
	defer repl.readerDropAll()

	processed, err := repl.processArchivedRedoLogs()
	if err != nil {
		t.Fatalf("processArchivedRedoLogs: %v", err)
	}
	if !processed {
		t.Fatal("expected logs to be processed")
	}
	if got := md.GetSequence(1); got != 45 {
		t.Fatalf("sequence[1] = %v, want 45", got)
	}
	if got := b.Emitted(); got != 9 {
		t.Fatalf("emitted = %d, want 9", got)
	}

	// Commit SCNs must be non-decreasing.
	var last uint64
	sc := bufio.NewScanner(bytes.NewReader(out.Bytes()))
	for sc.Scan() {
		var rec struct {
			CommitScn uint64 `json:"commit_scn"`
		}
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("bad output line: %v", err)
		}
		if rec.CommitScn < last {
			t.Fatalf("commit scn went backwards: %d after %d", rec.CommitScn, last)
		}
		last = rec.CommitScn
	}
}

// Two-thread interleave: files parse in global SCN order across threads.
func TestArchiveReplayTwoThreadInterleave(t *testing.T) {
	dir := t.TempDir()

	writeRedoFile(t, filepath.Join(dir, "2_7_1.arc"),
		reader.FileHeader{Thread: 2, Sequence: 7, FirstScn: 300, NextScn: 700},
		[]testBlock{{lwn: 300, recs: commits(200, 310, 2)}})
	writeRedoFile(t, filepath.Join(dir, "1_10_1.arc"),
		reader.FileHeader{Thread: 1, Sequence: 10, FirstScn: 500, NextScn: 900},
		[]testBlock{{lwn: 500, recs: commits(100, 510, 2)}})
	writeRedoFile(t, filepath.Join(dir, "2_8_1.arc"),
		reader.FileHeader{Thread: 2, Sequence: 8, FirstScn: 700, NextScn: 1100},
		[]testBlock{{lwn: 700, recs: commits(300, 710, 2)}})

	ctx := NewCtx(log.NewNop())
	ctx.ArchReadSleep = time1ms
	md := metadata.New("TESTDB", nil, log.NewNop())
	md.LogArchiveFormat = "%t_%s_%r.arc"
	md.SetThreadSeqFileOffset(1, 10, model.ZeroOffset)
	md.SetThreadSeqFileOffset(2, 7, model.ZeroOffset)

	out := &bytes.Buffer{}
	b := builder.NewJSON(out)
	repl := New(ctx, ListGetter{}, b, md, txbuf.New(), "TESTDB", fsFactory(t))
	repl.AddRedoLogsBatch(dir)
	repl.loadDatabaseMetadata()
	defer repl.readerDropAll()

	if _, err := repl.processArchivedRedoLogs(); err != nil {
		t.Fatalf("processArchivedRedoLogs: %v", err)
	}

	if got := md.GetSequence(1); got != 11 {
		t.Fatalf("sequence[1] = %v, want 11", got)
	}
	if got := md.GetSequence(2); got != 9 {
		t.Fatalf("sequence[2] = %v, want 9", got)
	}
	if got := b.Emitted(); got != 6 {
		t.Fatalf("emitted = %d, want 6", got)
	}
}

// Gap in archive-only mode: the stuck thread is skipped and warning 60027
// is emitted.
func TestArchiveGapWarning(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	lg := log.NewWithZap(zap.New(core), 0)

	ctx := NewCtx(lg)
	ctx.ArchOnly = true
	ctx.ArchReadSleep = time1ms
	md := metadata.New("TESTDB", nil, lg)
	md.LogArchiveFormat = "%t_%s_%r.arc"
	md.SetThreadSeqFileOffset(1, 10, model.ZeroOffset)

	out := &bytes.Buffer{}
	repl := New(ctx, ListGetter{}, builder.NewJSON(out), md, txbuf.New(), "TESTDB",
		fsFactory(t))
	repl.loadDatabaseMetadata()
	defer repl.readerDropAll()

	pushArchive(repl, 1, 11, 500, "missing_seq_10")

	processed, err := repl.processArchivedRedoLogs()
	if err != nil {
		t.Fatalf("processArchivedRedoLogs: %v", err)
	}
	if processed {
		t.Fatal("nothing should have been processed across a gap")
	}

	found := false
	for _, entry := range logs.All() {
		for _, f := range entry.Context {
			if f.Key == "code" && f.Integer == int64(errors.CodeArchiveGap) {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("expected warning %d, got %v", errors.CodeArchiveGap, logs.All())
	}
}
