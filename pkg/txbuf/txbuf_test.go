package txbuf

import (
	"testing"

	"github.com/redoflow/redoflow/internal/model"
)

func ct(xid uint64, lwn model.Scn) Committed {
	return Committed{
		Transaction: &Transaction{Xid: xid, CommitScn: lwn},
		LwnScn:      lwn,
		CommitScn:   lwn,
	}
}

func TestDrainPendingBelowOrder(t *testing.T) {
	b := New()
	b.SetDefer(true)

	b.Enqueue(ct(1, 500))
	b.Enqueue(ct(2, 100))
	b.Enqueue(ct(3, 300))
	b.Enqueue(ct(4, 100)) // same LWN, later insertion

	got := b.DrainPendingBelow(400)
	wantXids := []uint64{2, 4, 3}
	if len(got) != len(wantXids) {
		t.Fatalf("drained %d, want %d", len(got), len(wantXids))
	}
	for i, w := range wantXids {
		if got[i].Transaction.Xid != w {
			t.Errorf("drain[%d].Xid = %d, want %d", i, got[i].Transaction.Xid, w)
		}
	}

	// 500 stays: the bound is strict.
	if b.PendingSize() != 1 {
		t.Fatalf("pending = %d, want 1", b.PendingSize())
	}
}

func TestDrainPendingBelowStrictBound(t *testing.T) {
	b := New()
	b.Enqueue(ct(1, 400))

	if got := b.DrainPendingBelow(400); len(got) != 0 {
		t.Fatalf("transaction at the watermark must not be emitted, drained %d", len(got))
	}
	if got := b.DrainPendingBelow(401); len(got) != 1 {
		t.Fatalf("transaction below the watermark must drain, drained %d", len(got))
	}
}

func TestDrainEverythingWithMaxWatermark(t *testing.T) {
	b := New()
	for i := 0; i < 10; i++ {
		b.Enqueue(ct(uint64(i), model.Scn(i*100)))
	}

	got := b.DrainPendingBelow(model.ScnMax)
	if len(got) != 10 {
		t.Fatalf("drained %d, want 10", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].LwnScn < got[i-1].LwnScn {
			t.Fatal("drain order must be ascending by LwnScn")
		}
	}
}

func TestPurge(t *testing.T) {
	b := New()
	b.Enqueue(ct(1, 100))
	b.Enqueue(ct(2, 200))

	b.Purge()
	if b.PendingSize() != 0 {
		t.Fatalf("pending = %d after purge, want 0", b.PendingSize())
	}
}
