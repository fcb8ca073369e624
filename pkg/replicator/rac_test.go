package replicator

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/redoflow/redoflow/internal/model"
	"github.com/redoflow/redoflow/pkg/parser"
	"github.com/redoflow/redoflow/pkg/reader"
)

func TestUpdateScnWatermark(t *testing.T) {
	env := newTestEnv(t, nil)
	r := env.repl

	p1 := parser.New(r.parserDeps(), 1, "a")
	p2 := parser.New(r.parserDeps(), 2, "b")

	tests := []struct {
		name   string
		states map[model.ThreadID]*onlineThreadState
		want   model.Scn
	}{
		{
			name: "live thread without lwn forces none",
			states: map[model.ThreadID]*onlineThreadState{
				1: {activeParser: p1, lastLwnScn: 5000},
				2: {activeParser: p2, lastLwnScn: model.ScnNone},
			},
			want: model.ScnNone,
		},
		{
			name: "minimum across live threads",
			states: map[model.ThreadID]*onlineThreadState{
				1: {activeParser: p1, lastLwnScn: 5000},
				2: {activeParser: p2, lastLwnScn: 3000},
			},
			want: 3000,
		},
		{
			name: "finished thread contributes nextScn",
			states: map[model.ThreadID]*onlineThreadState{
				1: {activeParser: p1, lastLwnScn: 5000},
				2: {activeParser: withNextScn(p2, 7000), lastLwnScn: 4000, finished: true},
			},
			want: 5000,
		},
		{
			name: "finished thread without nextScn falls back to lastLwn",
			states: map[model.ThreadID]*onlineThreadState{
				1: {activeParser: p1, lastLwnScn: 5000},
				2: {activeParser: withNextScn(p2, model.ScnNone), lastLwnScn: 2000, finished: true},
			},
			want: 2000,
		},
		{
			name: "threads without parser are ignored",
			states: map[model.ThreadID]*onlineThreadState{
				1: {activeParser: p1, lastLwnScn: 5000},
				2: {activeParser: nil, lastLwnScn: model.ScnNone},
			},
			want: 5000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r.onlineThreadStates = tt.states
			r.scnWatermark = model.ScnNone
			r.updateScnWatermark()
			if r.scnWatermark != tt.want {
				t.Errorf("watermark = %v, want %v", r.scnWatermark, tt.want)
			}
		})
	}
}

func withNextScn(p *parser.Parser, scn model.Scn) *parser.Parser {
	cp := *p
	cp.NextScn = scn
	return &cp
}

// racEnv builds a two-thread online environment over memReaders.
func racEnv(t *testing.T) (*testEnv, *memReader, *memReader) {
	t.Helper()
	env := newTestEnv(t, nil)

	r1 := newMemReader(1, 1, 10)
	r2 := newMemReader(2, 2, 7)
	env.readers[1] = r1
	env.readers[2] = r2

	env.md.RedoLogs = []model.RedoLog{
		{Thread: 1, Group: 1, Path: "/redo/t1_g1.log"},
		{Thread: 2, Group: 2, Path: "/redo/t2_g2.log"},
	}
	env.md.SetThreadSeqFileOffset(1, 10, model.ZeroOffset)
	env.md.SetThreadSeqFileOffset(2, 7, model.ZeroOffset)

	if err := env.repl.updateOnlineRedoLogData(); err != nil {
		t.Fatalf("updateOnlineRedoLogData: %v", err)
	}
	return env, r1, r2
}

// Online overwrite mid-parse: the watermark is forced to max, pending
// transactions drain in order, and control returns for archive fallback.
func TestRACOverwriteDrainsPending(t *testing.T) {
	env, r1, r2 := racEnv(t)

	// Thread 1: an open log with two deferred commits under LWN 1000.
	r1.appendBlock(1000, commits(1, 900, 2))

	// Thread 2: its block was recycled to a different sequence.
	bad := reader.EncodeBlock(reader.BlockHeader{Sequence: 99, BlockNo: 1, LwnScn: 500},
		nil, reader.DefaultBlockSize)
	r2.appendRawBlock(bad)

	processed, err := env.repl.processOnlineRedoLogs()
	if err != nil {
		t.Fatalf("processOnlineRedoLogs: %v", err)
	}
	if !processed {
		t.Fatal("expected processing")
	}

	if env.tb.Deferring() {
		t.Fatal("deferral must be disabled after overwrite fallback")
	}
	if got := env.tb.PendingSize(); got != 0 {
		t.Fatalf("pending = %d, want 0 after drain", got)
	}
	if got := env.builder.Emitted(); got != 2 {
		t.Fatalf("emitted = %d, want 2", got)
	}
	assertAscendingLwn(t, env.out)
}

// RAC back-pressure: the leading thread is throttled once the pending
// queue exceeds the cap, and the watermark stays at the laggard.
func TestRACBackPressure(t *testing.T) {
	env, r1, r2 := racEnv(t)

	// Thread 1 sprints to LWN 10000 with 600 deferred commits.
	for i := 0; i < 30; i++ {
		r1.appendBlock(10000, commits(uint64(1000+i*20), 9000+model.Scn(i*20), 20))
	}
	// Thread 2 lags: two commits at LWN 4000, then stalls at 5000.
	r2.appendBlock(4000, commits(1, 3900, 2))
	r2.appendBlock(5000, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = env.repl.processOnlineRedoLogs()
	}()

	// The first cycle must emit only thread 2's LWN-4000 commits; thread
	// 1's 600 stay pending behind the 5000 watermark.
	deadline := time.After(5 * time.Second)
	for env.builder.Emitted() < 2 || env.tb.PendingSize() < 600 {
		select {
		case <-deadline:
			t.Fatalf("timeout: emitted=%d pending=%d", env.builder.Emitted(), env.tb.PendingSize())
		case <-time.After(time.Millisecond):
		}
	}

	// Give the loop a few more cycles: nothing above the watermark may leak.
	time.Sleep(20 * time.Millisecond)
	if got := env.builder.Emitted(); got != 2 {
		t.Fatalf("emitted = %d during throttling, want 2", got)
	}
	if got := env.tb.PendingSize(); got != 600 {
		t.Fatalf("pending = %d, want 600", got)
	}

	env.ctx.StopSoft()
	<-done

	if wm := env.repl.scnWatermark; wm != model.ScnMax {
		t.Fatalf("watermark = %v, want max after shutdown drain", wm)
	}

	// Shutdown drained everything in ascending LWN order.
	if got := env.builder.Emitted(); got != 602 {
		t.Fatalf("emitted = %d after drain, want 602", got)
	}
	if got := env.tb.PendingSize(); got != 0 {
		t.Fatalf("pending = %d after drain, want 0", got)
	}
	assertAscendingLwn(t, env.out)
}

// assertAscendingLwn checks the emitted stream for non-decreasing LWN SCNs.
func assertAscendingLwn(t *testing.T, out *bytes.Buffer) {
	t.Helper()
	var last uint64
	sc := bufio.NewScanner(bytes.NewReader(out.Bytes()))
	for sc.Scan() {
		var rec struct {
			LwnScn uint64 `json:"lwn_scn"`
		}
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("bad output line: %v", err)
		}
		if rec.LwnScn < last {
			t.Fatalf("lwn scn went backwards: %d after %d", rec.LwnScn, last)
		}
		last = rec.LwnScn
	}
}
