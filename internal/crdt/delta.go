package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"unicode/utf8"
)

var (
	// ErrMalformedDelta is returned for deltas that cannot be decoded or contain invalid ops.
	ErrMalformedDelta = errors.New("malformed delta")

	// ErrUnknownDependency is returned when a delta references an element this
	// document has never seen, e.g. after a restart without history.
	ErrUnknownDependency = errors.New("delta references unknown state")
)

// ID identifies one op. Seq is a Lamport counter; Replica breaks ties.
// The zero ID stands for the head of the document.
type ID struct {
	Replica string `json:"r"`
	Seq     uint64 `json:"s"`
}

func (a ID) IsZero() bool { return a.Seq == 0 && a.Replica == "" }

func (a ID) Less(b ID) bool {
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.Replica < b.Replica
}

func (a ID) String() string { return fmt.Sprintf("%s@%d", a.Replica, a.Seq) }

type OpKind string

const (
	OpInsert OpKind = "i"
	OpDelete OpKind = "d"
)

// Op is a single insert or delete. For inserts Ref is the element to the left
// of the new one; for deletes Ref is the element being removed.
type Op struct {
	Kind  OpKind `json:"k"`
	ID    ID     `json:"id"`
	Ref   ID     `json:"ref"`
	Value string `json:"v,omitempty"`
}

func (op Op) validate() error {
	if op.ID.Replica == "" || op.ID.Seq == 0 {
		return fmt.Errorf("%w: op without id", ErrMalformedDelta)
	}
	switch op.Kind {
	case OpInsert:
		if utf8.RuneCountInString(op.Value) != 1 {
			return fmt.Errorf("%w: insert %s must carry exactly one character", ErrMalformedDelta, op.ID)
		}
		if !op.Ref.IsZero() && !op.Ref.Less(op.ID) {
			return fmt.Errorf("%w: insert %s precedes its reference %s", ErrMalformedDelta, op.ID, op.Ref)
		}
	case OpDelete:
		if op.Ref.IsZero() {
			return fmt.Errorf("%w: delete %s without target", ErrMalformedDelta, op.ID)
		}
	default:
		return fmt.Errorf("%w: unknown op kind %q", ErrMalformedDelta, op.Kind)
	}
	return nil
}

type wireDelta struct {
	Ops []Op `json:"ops"`
}

// EncodeOps renders ops as a delta.
func EncodeOps(ops []Op) []byte {
	buf, err := json.Marshal(wireDelta{Ops: ops})
	if err != nil {
		// Op holds only strings and integers.
		panic(err)
	}
	return buf
}

// DecodeDelta parses and validates a delta without applying it.
func DecodeDelta(raw []byte) ([]Op, error) {
	var d wireDelta
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDelta, err)
	}
	if len(d.Ops) == 0 {
		return nil, fmt.Errorf("%w: no ops", ErrMalformedDelta)
	}
	for _, op := range d.Ops {
		if err := op.validate(); err != nil {
			return nil, err
		}
	}
	return d.Ops, nil
}

// StateVector maps a replica to the highest op sequence seen from it.
type StateVector map[string]uint64

func (sv StateVector) covers(id ID) bool { return id.Seq <= sv[id.Replica] }

func (sv StateVector) observe(id ID) {
	if id.Seq > sv[id.Replica] {
		sv[id.Replica] = id.Seq
	}
}

func sortOps(ops []Op) {
	sort.Slice(ops, func(i, j int) bool { return ops[i].ID.Less(ops[j].ID) })
}
