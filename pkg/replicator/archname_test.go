package replicator

import (
	"fmt"
	"testing"

	"github.com/redoflow/redoflow/internal/model"
	"github.com/redoflow/redoflow/pkg/log"
)

func TestSequenceFromFileName(t *testing.T) {
	tests := []struct {
		name     string
		format   string
		file     string
		sequence model.Seq
		thread   model.ThreadID
	}{
		{
			name:     "thread and sequence",
			format:   "%t_%s_%r.arc",
			file:     "1_42_1.arc",
			sequence: 42,
			thread:   1,
		},
		{
			name:     "zero filled variants",
			format:   "%T_%S_%r.arc",
			file:     "0002_00042_123.arc",
			sequence: 42,
			thread:   2,
		},
		{
			name:     "oracle omf style with hash",
			format:   "o1_mf_%t_%s_%h_.arc",
			file:     "o1_mf_1_317_d3axxy9f_.arc",
			sequence: 317,
			thread:   1,
		},
		{
			name:     "thread defaults to 1 without %t",
			format:   "arch_%s.log",
			file:     "arch_99.log",
			sequence: 99,
			thread:   1,
		},
		{
			name:     "activation and dbid captures are discarded",
			format:   "%a_%d_%s.arc",
			file:     "555_777_13.arc",
			sequence: 13,
			thread:   1,
		},
		{
			name:     "literal mismatch fails",
			format:   "%t_%s.arc",
			file:     "1_42.log",
			sequence: 0,
			thread:   0,
		},
		{
			name:     "empty digit capture fails",
			format:   "%t_%s.arc",
			file:     "1_x.arc",
			sequence: 0,
			thread:   0,
		},
		{
			name:     "trailing format left over fails",
			format:   "%t_%s_extra.arc",
			file:     "1_42",
			sequence: 0,
			thread:   0,
		},
		{
			name:     "trailing filename left over fails",
			format:   "%t_%s",
			file:     "1_42.arc",
			sequence: 0,
			thread:   0,
		},
		{
			name:     "percent at end of format fails",
			format:   "%t_%",
			file:     "1_42",
			sequence: 0,
			thread:   0,
		},
		{
			name:     "empty hash capture fails",
			format:   "%s_%h.arc",
			file:     "42_.arc",
			sequence: 0,
			thread:   0,
		},
	}

	lg := log.NewNop()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SequenceFromFileName(lg, tt.format, tt.file)
			if got.Sequence != tt.sequence || got.Thread != tt.thread {
				t.Errorf("got (%v, %v), want (%v, %v)",
					got.Sequence, got.Thread, tt.sequence, tt.thread)
			}
		})
	}
}

// Every filename generated from the template must round-trip to the same
// (sequence, thread).
func TestSequenceFromFileNameRoundTrip(t *testing.T) {
	lg := log.NewNop()
	format := "%t_%s_%r.arc"

	for thread := 1; thread <= 4; thread++ {
		for seq := 1; seq <= 50; seq += 7 {
			file := fmt.Sprintf("%d_%d_1.arc", thread, seq)
			got := SequenceFromFileName(lg, format, file)
			if got.Sequence != model.Seq(seq) || got.Thread != model.ThreadID(thread) {
				t.Fatalf("round-trip %q: got (%v, %v), want (%d, %d)",
					file, got.Sequence, got.Thread, seq, thread)
			}
		}
	}
}
