package replicator

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/redoflow/redoflow/internal/model"
	rferrors "github.com/redoflow/redoflow/pkg/errors"
	"github.com/redoflow/redoflow/pkg/reader"
)

func qlen(q *parserQueue) int {
	if q == nil {
		return 0
	}
	return q.len()
}

func touchArchive(t *testing.T, path string) {
	t.Helper()
	writeRedoFile(t, path, reader.FileHeader{Thread: 1, Sequence: 1, FirstScn: 1, NextScn: 2}, nil)
}

func TestPathDiscoveryScansDayDirectories(t *testing.T) {
	env := newTestEnv(t, PathGetter{})
	md := env.md

	root := t.TempDir()
	md.DbRecoveryFileDest = root
	md.LogArchiveFormat = "%t_%s_%r.arc"
	archDir := filepath.Join(root, "TESTDB", "archivelog")

	touchArchive(t, filepath.Join(archDir, "2026_08_05", "1_41_1.arc"))
	touchArchive(t, filepath.Join(archDir, "2026_08_05", "1_42_1.arc"))
	touchArchive(t, filepath.Join(archDir, "2026_08_06", "1_43_1.arc"))
	touchArchive(t, filepath.Join(archDir, "2026_08_06", "2_7_1.arc"))
	// Unparseable names are dropped with a warning, not fatal.
	touchArchive(t, filepath.Join(archDir, "2026_08_06", "garbage.tmp"))

	md.SetThreadSeqFileOffset(1, 42, model.ZeroOffset)

	if err := env.repl.archGet.GetLog(env.repl); err != nil {
		t.Fatalf("GetLog: %v", err)
	}

	// Thread 1: sequence 41 filtered (already processed), 42 and 43 queued.
	q1 := env.repl.archiveQueues[1]
	if qlen(q1) != 2 {
		t.Fatalf("thread 1 queue length = %v, want 2", qlen(q1))
	}
	if top := q1.top(); top.Sequence != 42 {
		t.Fatalf("thread 1 head sequence = %v, want 42", top.Sequence)
	}

	// Thread 2 gets its own queue.
	q2 := env.repl.archiveQueues[2]
	if qlen(q2) != 1 || q2.top().Sequence != 7 {
		t.Fatalf("thread 2 queue missing sequence 7")
	}

	if env.repl.lastCheckedDay != "2026_08_06" {
		t.Fatalf("lastCheckedDay = %q, want 2026_08_06", env.repl.lastCheckedDay)
	}
}

func TestPathDiscoverySkipsEarlierDays(t *testing.T) {
	env := newTestEnv(t, PathGetter{})
	md := env.md

	root := t.TempDir()
	md.DbRecoveryFileDest = root
	md.LogArchiveFormat = "%t_%s_%r.arc"
	archDir := filepath.Join(root, "TESTDB", "archivelog")

	touchArchive(t, filepath.Join(archDir, "2026_08_05", "1_42_1.arc"))
	touchArchive(t, filepath.Join(archDir, "2026_08_06", "1_43_1.arc"))

	md.SetThreadSeqFileOffset(1, 42, model.ZeroOffset)
	env.repl.lastCheckedDay = "2026_08_06"

	if err := env.repl.archGet.GetLog(env.repl); err != nil {
		t.Fatalf("GetLog: %v", err)
	}

	// Only the boundary day is re-scanned; 2026_08_05 is skipped.
	q1 := env.repl.archiveQueues[1]
	if qlen(q1) != 1 || q1.top().Sequence != 43 {
		t.Fatalf("expected only sequence 43 from the boundary day")
	}
}

func TestPathDiscoveryMissingFormatFatal(t *testing.T) {
	env := newTestEnv(t, PathGetter{})
	env.md.LogArchiveFormat = ""

	err := env.repl.archGet.GetLog(env.repl)
	var re *rferrors.ReplicationError
	if !errors.As(err, &re) || re.Code != rferrors.CodeMissingArchiveLoc {
		t.Fatalf("error = %v, want code %d", err, rferrors.CodeMissingArchiveLoc)
	}
}

func TestPathDiscoveryUnreadableRootFatal(t *testing.T) {
	env := newTestEnv(t, PathGetter{})
	env.md.LogArchiveFormat = "%t_%s_%r.arc"
	env.md.DbRecoveryFileDest = filepath.Join(t.TempDir(), "nonexistent")

	err := env.repl.archGet.GetLog(env.repl)
	var re *rferrors.ReplicationError
	if !errors.As(err, &re) || re.Code != rferrors.CodeDirUnreadable {
		t.Fatalf("error = %v, want code %d", err, rferrors.CodeDirUnreadable)
	}
}

func TestListDiscoverySeedsSequenceFromFirstBatch(t *testing.T) {
	env := newTestEnv(t, ListGetter{})
	md := env.md
	md.LogArchiveFormat = "%t_%s_%r.arc"
	md.SetSeqFileOffset(0, model.ZeroOffset) // unset position

	dir := t.TempDir()
	touchArchive(t, filepath.Join(dir, "1_12_1.arc"))
	touchArchive(t, filepath.Join(dir, "1_11_1.arc"))
	single := filepath.Join(t.TempDir(), "1_15_1.arc")
	touchArchive(t, single)

	env.repl.AddRedoLogsBatch(dir)
	env.repl.AddRedoLogsBatch(single)

	if err := env.repl.archGet.GetLog(env.repl); err != nil {
		t.Fatalf("GetLog: %v", err)
	}

	if md.Sequence != 11 {
		t.Fatalf("seeded sequence = %v, want 11 (minimum discovered)", md.Sequence)
	}
	if q := env.repl.archiveQueues[1]; qlen(q) != 3 {
		t.Fatalf("queue length = %v, want 3", qlen(q))
	}

	// The batch is consumed: a second tick discovers nothing new.
	if err := env.repl.archGet.GetLog(env.repl); err != nil {
		t.Fatalf("second GetLog: %v", err)
	}
	if q := env.repl.archiveQueues[1]; qlen(q) != 3 {
		t.Fatalf("batch was not consumed, queue length = %v", qlen(q))
	}
}

func TestListDiscoveryStatFailureIsWarning(t *testing.T) {
	env := newTestEnv(t, ListGetter{})
	env.md.LogArchiveFormat = "%t_%s_%r.arc"
	env.repl.AddRedoLogsBatch(filepath.Join(t.TempDir(), "missing.arc"))

	if err := env.repl.archGet.GetLog(env.repl); err != nil {
		t.Fatalf("missing batch entry must not be fatal, got %v", err)
	}
}

func TestDiscoveryDropsUnparseableAndStale(t *testing.T) {
	env := newTestEnv(t, nil)
	env.md.LogArchiveFormat = "%t_%s_%r.arc"
	env.md.SetThreadSeqFileOffset(1, 10, model.ZeroOffset)

	if env.repl.enqueueArchive(SeqThread{Sequence: 0, Thread: 0}, "bad") {
		t.Error("sequence 0 must be dropped")
	}
	if env.repl.enqueueArchive(SeqThread{Sequence: 9, Thread: 1}, "stale") {
		t.Error("stale sequence must be dropped")
	}
	if !env.repl.enqueueArchive(SeqThread{Sequence: 10, Thread: 1}, "current") {
		t.Error("current sequence must be queued")
	}
}
