package replicator

import (
	"strings"
	"testing"

	"github.com/redoflow/redoflow/pkg/log"
)

func TestPathMapperApply(t *testing.T) {
	m := NewPathMapper(log.NewNop())
	m.Add("/opt/oracle", "/mnt/redo")
	m.Add("/opt", "/data")

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"first registered wins", "/opt/oracle/redo01.log", "/mnt/redo/redo01.log"},
		{"second pair when first misses", "/opt/fra/arch1.arc", "/data/fra/arch1.arc"},
		{"no match is a no-op", "/u01/redo01.log", "/u01/redo01.log"},
		{"exact prefix only", "/opt", "/data"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.Apply(tt.in); got != tt.want {
				t.Errorf("Apply(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestPathMapperSingleSubstitution(t *testing.T) {
	m := NewPathMapper(log.NewNop())
	m.Add("/a", "/a/a")

	got := m.Apply("/a/file")
	if got != "/a/a/file" {
		t.Fatalf("Apply = %q, want %q", got, "/a/a/file")
	}
}

// Applying the mapper twice equals applying it once when no target is
// itself a source prefix.
func TestPathMapperIdempotent(t *testing.T) {
	m := NewPathMapper(log.NewNop())
	m.Add("/opt/oracle", "/mnt/redo")

	once := m.Apply("/opt/oracle/redo01.log")
	twice := m.Apply(once)
	if once != twice {
		t.Fatalf("not idempotent: %q vs %q", once, twice)
	}
}

func TestPathMapperLengthCap(t *testing.T) {
	m := NewPathMapper(log.NewNop())
	m.Add("/x", strings.Repeat("y", MaxPathLength))

	in := "/x/file"
	if got := m.Apply(in); got != in {
		t.Fatalf("oversized mapping must be a no-op, got %d bytes", len(got))
	}
}
