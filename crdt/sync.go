package crdt

import (
	"encoding/json"
	"fmt"
)

// OpKind discriminates the operation log entries.
type OpKind int

const (
	// OpInsert adds one character after its origin.
	OpInsert OpKind = iota
	// OpDelete tombstones one character.
	OpDelete
)

// Op is one replicated operation in the update wire format.
type Op struct {
	Kind   OpKind `json:"kind"`
	ID     ID     `json:"id"`
	Origin ID     `json:"origin,omitempty"`
	Ch     rune   `json:"ch,omitempty"`
	Target ID     `json:"target,omitempty"`
}

// update is the wire envelope for an op batch.
type update struct {
	Ops []Op `json:"ops"`
}

// stateVector is the wire form of per-site watermarks.
type stateVector struct {
	Clocks map[string]uint64 `json:"clocks"`
}

// EncodeStateVector serializes the per-site watermark of integrated ops.
func (txn *Txn) EncodeStateVector() []byte {
	clocks := make(map[string]uint64, len(txn.t.sv))
	for site, clock := range txn.t.sv {
		clocks[site] = clock
	}
	buf, _ := json.Marshal(stateVector{Clocks: clocks})
	return buf
}

// EncodeDiff serializes every op the remote state vector has not seen,
// in local application order (which respects causality).
func (txn *Txn) EncodeDiff(remoteSV []byte) ([]byte, error) {
	var sv stateVector
	if len(remoteSV) > 0 {
		if err := json.Unmarshal(remoteSV, &sv); err != nil {
			return nil, fmt.Errorf("bad state vector: %w", err)
		}
	}
	var out update
	for _, op := range txn.t.log {
		if op.ID.Clock > sv.Clocks[op.ID.Site] {
			out.Ops = append(out.Ops, op)
		}
	}
	return json.Marshal(out)
}

// EncodeFullState serializes the entire op log.
func (txn *Txn) EncodeFullState() []byte {
	buf, _ := json.Marshal(update{Ops: txn.t.log})
	return buf
}

// ApplyUpdate integrates a remote update batch. Ops whose dependencies
// are missing stay queued until a later update supplies them. Returns
// the number of ops newly integrated.
func (txn *Txn) ApplyUpdate(data []byte) (int, error) {
	if !txn.write {
		return 0, fmt.Errorf("apply_update requires a write transaction")
	}
	var u update
	if err := json.Unmarshal(data, &u); err != nil {
		return 0, fmt.Errorf("bad update: %w", err)
	}
	t := txn.t
	before := len(t.log)
	for _, op := range u.Ops {
		if !t.integrate(op) {
			t.pending = append(t.pending, op)
		}
	}
	t.drainPending()
	return len(t.log) - before, nil
}
