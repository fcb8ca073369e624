// Package builder defines the output boundary: committed transactions are
// handed to a Builder which serializes them for the writer.
package builder

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/redoflow/redoflow/internal/model"
)

// Builder serializes committed transactions in the order it receives them.
type Builder interface {
	// ProcessCommit emits one transaction boundary.
	ProcessCommit(xid uint64, commitScn, lwnScn model.Scn, rollback bool) error

	// LwnIdx is the index of the last LWN the builder confirmed.
	LwnIdx() uint64
}

// JSON writes one JSON line per transaction. It is the demo/test sink.
type JSON struct {
	mu      sync.Mutex
	w       io.Writer
	lwnIdx  uint64
	emitted uint64
	lastScn model.Scn
}

// NewJSON builds a JSON-lines builder over w.
func NewJSON(w io.Writer) *JSON {
	return &JSON{w: w, lastScn: model.ScnNone}
}

type jsonRecord struct {
	Xid       uint64 `json:"xid"`
	CommitScn uint64 `json:"commit_scn"`
	LwnScn    uint64 `json:"lwn_scn"`
	Rollback  bool   `json:"rollback,omitempty"`
}

// ProcessCommit writes the transaction boundary as one line.
func (b *JSON) ProcessCommit(xid uint64, commitScn, lwnScn model.Scn, rollback bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := jsonRecord{
		Xid:       xid,
		CommitScn: uint64(commitScn),
		LwnScn:    uint64(lwnScn),
		Rollback:  rollback,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := b.w.Write(append(data, '\n')); err != nil {
		return err
	}

	b.emitted++
	b.lwnIdx++
	b.lastScn = commitScn
	return nil
}

// LwnIdx returns the confirmation index.
func (b *JSON) LwnIdx() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lwnIdx
}

// Emitted returns how many transactions were written.
func (b *JSON) Emitted() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.emitted
}

// LastCommitScn returns the commit SCN of the last emitted transaction.
func (b *JSON) LastCommitScn() model.Scn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastScn
}
