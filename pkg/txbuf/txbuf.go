// Package txbuf holds committed transactions between the parser and the
// builder. In multi-thread mode commits are deferred here and drained in
// ascending LWN SCN order once the cross-thread watermark allows them.
package txbuf

import (
	"container/heap"
	"sync"

	"github.com/redoflow/redoflow/internal/model"
	"github.com/redoflow/redoflow/pkg/builder"
)

// Transaction is one committed source transaction.
type Transaction struct {
	Xid       uint64
	CommitScn model.Scn
	Rollback  bool

	// Shutdown marks a debug transaction that requests a soft stop.
	Shutdown bool

	purged bool
}

// Flush hands the transaction to the builder.
func (t *Transaction) Flush(b builder.Builder, lwnScn model.Scn) error {
	return b.ProcessCommit(t.Xid, t.CommitScn, lwnScn, t.Rollback)
}

// Purge releases the transaction's buffers.
func (t *Transaction) Purge() {
	t.purged = true
}

// Committed is one deferred commit awaiting emission.
type Committed struct {
	Transaction *Transaction
	LwnScn      model.Scn
	CommitScn   model.Scn
	Rollback    bool
	Shutdown    bool

	order uint64
}

type committedHeap []Committed

func (h committedHeap) Len() int { return len(h) }
func (h committedHeap) Less(i, j int) bool {
	if h[i].LwnScn != h[j].LwnScn {
		return h[i].LwnScn < h[j].LwnScn
	}
	return h[i].order < h[j].order
}
func (h committedHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *committedHeap) Push(x any)        { *h = append(*h, x.(Committed)) }
func (h *committedHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Buffer is the transaction staging area.
type Buffer struct {
	mu        sync.Mutex
	deferring bool
	pending   committedHeap
	nextOrd   uint64
}

// New builds an empty buffer.
func New() *Buffer {
	return &Buffer{}
}

// SetDefer switches commit deferral on or off.
func (b *Buffer) SetDefer(on bool) {
	b.mu.Lock()
	b.deferring = on
	b.mu.Unlock()
}

// Deferring reports whether commits are being deferred.
func (b *Buffer) Deferring() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deferring
}

// Enqueue stages a committed transaction for watermark-gated emission.
func (b *Buffer) Enqueue(ct Committed) {
	b.mu.Lock()
	ct.order = b.nextOrd
	b.nextOrd++
	heap.Push(&b.pending, ct)
	b.mu.Unlock()
}

// PendingSize returns how many commits are staged.
func (b *Buffer) PendingSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// DrainPendingBelow removes and returns every staged commit whose LwnScn is
// strictly below the watermark, in ascending (LwnScn, insertion) order.
func (b *Buffer) DrainPendingBelow(watermark model.Scn) []Committed {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Committed
	for len(b.pending) > 0 && b.pending[0].LwnScn < watermark {
		out = append(out, heap.Pop(&b.pending).(Committed))
	}
	return out
}

// Purge discards everything staged.
func (b *Buffer) Purge() {
	b.mu.Lock()
	for _, ct := range b.pending {
		ct.Transaction.Purge()
	}
	b.pending = nil
	b.mu.Unlock()
}
