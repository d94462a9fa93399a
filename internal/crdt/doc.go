// Package crdt implements the replicated text document used by rooms.
//
// A document is an ordered sequence of characters. Each character is an
// element created by an insert op that names the element to its left; deletes
// only tombstone elements. Concurrent inserts after the same element are
// ordered by descending ID, so every replica that has seen the same set of
// ops holds the same sequence regardless of the order the ops arrived in.
package crdt

import (
	"encoding/json"
	"fmt"
	"strings"
)

const snapshotFormat = 1

type element struct {
	id      ID
	ref     ID
	value   string
	deleted bool
}

// Doc is a single replica of the document state. Doc is not safe for
// concurrent use; rooms serialize access.
type Doc struct {
	elems   []*element
	byID    map[ID]*element
	deletes map[ID]Op
	clock   uint64
	version StateVector
}

// New returns an empty document.
func New() *Doc {
	return &Doc{
		byID:    make(map[ID]*element),
		deletes: make(map[ID]Op),
		version: make(StateVector),
	}
}

type snapshotElem struct {
	ID      ID     `json:"id"`
	Ref     ID     `json:"ref"`
	Value   string `json:"v"`
	Deleted bool   `json:"d,omitempty"`
}

type snapshot struct {
	Format  int            `json:"format"`
	Elems   []snapshotElem `json:"elems"`
	Deletes []Op           `json:"dels,omitempty"`
}

// Load rebuilds a document from Snapshot output.
func Load(raw []byte) (*Doc, error) {
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Format != snapshotFormat {
		return nil, fmt.Errorf("unsupported snapshot format %d", snap.Format)
	}

	d := New()
	d.elems = make([]*element, 0, len(snap.Elems))
	for _, se := range snap.Elems {
		if _, dup := d.byID[se.ID]; dup || se.ID.IsZero() {
			return nil, fmt.Errorf("snapshot element %s is invalid or duplicated", se.ID)
		}
		el := &element{id: se.ID, ref: se.Ref, value: se.Value, deleted: se.Deleted}
		d.elems = append(d.elems, el)
		d.byID[el.id] = el
		d.observe(el.id)
	}
	for _, op := range snap.Deletes {
		if _, ok := d.byID[op.Ref]; !ok {
			return nil, fmt.Errorf("snapshot delete %s targets unknown element %s", op.ID, op.Ref)
		}
		d.deletes[op.ID] = op
		d.observe(op.ID)
	}
	return d, nil
}

// Snapshot encodes the full state. Documents holding the same ops encode to
// identical bytes.
func (d *Doc) Snapshot() []byte {
	snap := snapshot{Format: snapshotFormat, Elems: make([]snapshotElem, 0, len(d.elems))}
	for _, el := range d.elems {
		snap.Elems = append(snap.Elems, snapshotElem{ID: el.id, Ref: el.ref, Value: el.value, Deleted: el.deleted})
	}
	if len(d.deletes) > 0 {
		snap.Deletes = make([]Op, 0, len(d.deletes))
		for _, op := range d.deletes {
			snap.Deletes = append(snap.Deletes, op)
		}
		sortOps(snap.Deletes)
	}
	buf, err := json.Marshal(snap)
	if err != nil {
		panic(err)
	}
	return buf
}

// Merge applies a remote delta. Either every op is applied or none is: the
// whole delta is validated against the current state first. Ops already
// present are skipped; the returned count covers new ops only.
func (d *Doc) Merge(raw []byte) (int, error) {
	ops, err := DecodeDelta(raw)
	if err != nil {
		return 0, err
	}
	if err := d.check(ops); err != nil {
		return 0, err
	}

	applied := 0
	for _, op := range ops {
		if d.knows(op) {
			continue
		}
		d.apply(op)
		applied++
	}
	return applied, nil
}

// check verifies that every reference resolves to an element that exists
// already or is inserted earlier in the same delta.
func (d *Doc) check(ops []Op) error {
	inserted := make(map[ID]struct{})
	for _, op := range ops {
		if _, isDelete := d.deletes[op.ID]; isDelete && op.Kind == OpInsert {
			return fmt.Errorf("%w: insert %s reuses a delete id", ErrMalformedDelta, op.ID)
		}
		if _, isElem := d.byID[op.ID]; isElem && op.Kind == OpDelete {
			return fmt.Errorf("%w: delete %s reuses an insert id", ErrMalformedDelta, op.ID)
		}
		known := op.Ref.IsZero() && op.Kind == OpInsert
		if !known {
			_, known = d.byID[op.Ref]
		}
		if !known {
			_, known = inserted[op.Ref]
		}
		if !known {
			return fmt.Errorf("%w: %s references %s", ErrUnknownDependency, op.ID, op.Ref)
		}
		if op.Kind == OpInsert {
			inserted[op.ID] = struct{}{}
		}
	}
	return nil
}

func (d *Doc) knows(op Op) bool {
	if op.Kind == OpInsert {
		_, ok := d.byID[op.ID]
		return ok
	}
	_, ok := d.deletes[op.ID]
	return ok
}

func (d *Doc) apply(op Op) {
	d.observe(op.ID)
	switch op.Kind {
	case OpInsert:
		d.integrate(&element{id: op.ID, ref: op.Ref, value: op.Value})
	case OpDelete:
		d.deletes[op.ID] = op
		d.byID[op.Ref].deleted = true
	}
}

// integrate places el right of its reference, skipping over elements with a
// greater id: those were inserted concurrently at the same spot (or descend
// from such inserts) and win the tie-break.
func (d *Doc) integrate(el *element) {
	pos := 0
	if !el.ref.IsZero() {
		pos = d.indexOf(el.ref) + 1
	}
	for pos < len(d.elems) && el.id.Less(d.elems[pos].id) {
		pos++
	}
	d.elems = append(d.elems, nil)
	copy(d.elems[pos+1:], d.elems[pos:])
	d.elems[pos] = el
	d.byID[el.id] = el
}

func (d *Doc) indexOf(id ID) int {
	for i, el := range d.elems {
		if el.id == id {
			return i
		}
	}
	return -1
}

func (d *Doc) observe(id ID) {
	if id.Seq > d.clock {
		d.clock = id.Seq
	}
	d.version.observe(id)
}

// Version returns a copy of the state vector.
func (d *Doc) Version() StateVector {
	out := make(StateVector, len(d.version))
	for k, v := range d.version {
		out[k] = v
	}
	return out
}

// DeltaSince encodes the ops not covered by since, or nil when there are none.
// Inserts come first in causal order so the result merges cleanly.
func (d *Doc) DeltaSince(since StateVector) []byte {
	var inserts, deletes []Op
	for _, el := range d.elems {
		if !since.covers(el.id) {
			inserts = append(inserts, Op{Kind: OpInsert, ID: el.id, Ref: el.ref, Value: el.value})
		}
	}
	for _, op := range d.deletes {
		if !since.covers(op.ID) {
			deletes = append(deletes, op)
		}
	}
	if len(inserts) == 0 && len(deletes) == 0 {
		return nil
	}
	sortOps(inserts)
	sortOps(deletes)
	return EncodeOps(append(inserts, deletes...))
}

// Text returns the visible characters.
func (d *Doc) Text() string {
	var b strings.Builder
	for _, el := range d.elems {
		if !el.deleted {
			b.WriteString(el.value)
		}
	}
	return b.String()
}

// Len is the number of visible characters.
func (d *Doc) Len() int {
	n := 0
	for _, el := range d.elems {
		if !el.deleted {
			n++
		}
	}
	return n
}

// visibleAt returns the element at visible position pos.
func (d *Doc) visibleAt(pos int) *element {
	i := 0
	for _, el := range d.elems {
		if el.deleted {
			continue
		}
		if i == pos {
			return el
		}
		i++
	}
	return nil
}
