package checkpoint

import (
	"context"
	"os"
	"testing"
)

func TestFileBackendRoundTrip(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	defer backend.Close()

	st := NewState("ORCL")
	st.Resetlogs = 42
	st.Threads = []ThreadPosition{
		{Thread: 2, Sequence: 7, Blocks: 3, BlockSize: 512, LastLwnScn: 5000, HasLwnScn: true},
		{Thread: 1, Sequence: 42, Blocks: 9, BlockSize: 512},
	}

	if err := backend.Save(context.Background(), st); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := backend.Load(context.Background(), "ORCL")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Resetlogs != 42 {
		t.Errorf("resetlogs = %d, want 42", got.Resetlogs)
	}
	if got.SessionID != st.SessionID {
		t.Errorf("session id not preserved")
	}
	if len(got.Threads) != 2 {
		t.Fatalf("threads = %d, want 2", len(got.Threads))
	}
	// Save sorts by thread id.
	if got.Threads[0].Thread != 1 || got.Threads[1].Thread != 2 {
		t.Errorf("threads not sorted: %+v", got.Threads)
	}
	if !got.Threads[1].HasLwnScn || got.Threads[1].LastLwnScn != 5000 {
		t.Errorf("lwn scn lost: %+v", got.Threads[1])
	}
}

func TestFileBackendMissing(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}

	_, err = backend.Load(context.Background(), "NOPE")
	if err != os.ErrNotExist {
		t.Fatalf("err = %v, want os.ErrNotExist", err)
	}
}

func TestFileBackendOverwrite(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}

	st := NewState("ORCL")
	st.Resetlogs = 1
	if err := backend.Save(context.Background(), st); err != nil {
		t.Fatalf("Save: %v", err)
	}
	st.Resetlogs = 2
	if err := backend.Save(context.Background(), st); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	got, err := backend.Load(context.Background(), "ORCL")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Resetlogs != 2 {
		t.Errorf("resetlogs = %d, want latest save", got.Resetlogs)
	}
}
