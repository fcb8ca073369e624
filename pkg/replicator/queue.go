package replicator

import (
	"container/heap"

	"github.com/redoflow/redoflow/pkg/parser"
)

// parserQueue is a min-heap of parser jobs keyed by sequence ascending,
// ties broken by insertion order. One queue exists per redo thread seen
// during discovery; popping transfers ownership to the caller.
type parserQueue struct {
	items parserHeap
	next  uint64
}

type parserItem struct {
	p     *parser.Parser
	order uint64
}

type parserHeap []parserItem

func (h parserHeap) Len() int { return len(h) }
func (h parserHeap) Less(i, j int) bool {
	if h[i].p.Sequence != h[j].p.Sequence {
		return h[i].p.Sequence < h[j].p.Sequence
	}
	return h[i].order < h[j].order
}
func (h parserHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *parserHeap) Push(x any)   { *h = append(*h, x.(parserItem)) }
func (h *parserHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

func newParserQueue() *parserQueue {
	return &parserQueue{}
}

func (q *parserQueue) push(p *parser.Parser) {
	heap.Push(&q.items, parserItem{p: p, order: q.next})
	q.next++
}

func (q *parserQueue) top() *parser.Parser {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0].p
}

func (q *parserQueue) pop() *parser.Parser {
	if len(q.items) == 0 {
		return nil
	}
	return heap.Pop(&q.items).(parserItem).p
}

func (q *parserQueue) empty() bool {
	return len(q.items) == 0
}

func (q *parserQueue) len() int {
	return len(q.items)
}
