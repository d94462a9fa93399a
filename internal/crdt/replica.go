package crdt

import (
	"errors"
	"fmt"
)

// Replica is a Doc that also produces local edits. Rooms never edit; clients
// (and tests standing in for them) do.
type Replica struct {
	id  string
	doc *Doc
}

// NewReplica edits doc as replica id. Passing a nil doc starts empty.
func NewReplica(id string, doc *Doc) (*Replica, error) {
	if id == "" {
		return nil, errors.New("replica id must not be empty")
	}
	if doc == nil {
		doc = New()
	}
	return &Replica{id: id, doc: doc}, nil
}

func (r *Replica) ID() string { return r.id }
func (r *Replica) Doc() *Doc  { return r.doc }

func (r *Replica) nextID() ID {
	r.doc.clock++
	return ID{Replica: r.id, Seq: r.doc.clock}
}

// Insert places text at visible position pos and returns the delta describing
// the change.
func (r *Replica) Insert(pos int, text string) ([]byte, error) {
	if pos < 0 || pos > r.doc.Len() {
		return nil, fmt.Errorf("insert position %d out of range [0,%d]", pos, r.doc.Len())
	}
	if text == "" {
		return nil, errors.New("nothing to insert")
	}
	var ref ID
	if pos > 0 {
		ref = r.doc.visibleAt(pos - 1).id
	}
	ops := make([]Op, 0, len(text))
	for _, ch := range text {
		op := Op{Kind: OpInsert, ID: r.nextID(), Ref: ref, Value: string(ch)}
		r.doc.apply(op)
		ops = append(ops, op)
		ref = op.ID
	}
	return EncodeOps(ops), nil
}

// Delete removes n visible characters starting at pos.
func (r *Replica) Delete(pos, n int) ([]byte, error) {
	if pos < 0 || n <= 0 || pos+n > r.doc.Len() {
		return nil, fmt.Errorf("delete range [%d,%d) out of range [0,%d)", pos, pos+n, r.doc.Len())
	}
	targets := make([]ID, 0, n)
	for i := pos; i < pos+n; i++ {
		targets = append(targets, r.doc.visibleAt(i).id)
	}
	ops := make([]Op, 0, n)
	for _, target := range targets {
		op := Op{Kind: OpDelete, ID: r.nextID(), Ref: target}
		r.doc.apply(op)
		ops = append(ops, op)
	}
	return EncodeOps(ops), nil
}

// Merge applies a remote delta to the replica's document.
func (r *Replica) Merge(delta []byte) (int, error) { return r.doc.Merge(delta) }
