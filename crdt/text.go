// Package crdt holds the shared text of one file and merges concurrent
// character-level edits from any number of clients. It is a replicated
// growable array: every character carries a (site, lamport) id and a left
// origin; concurrent siblings order by descending id, which makes merges
// deterministic on every replica. Tombstones keep deleted characters
// addressable for late-arriving operations and sticky indices.
package crdt

import (
	"strings"
	"sync"
)

// ID identifies one inserted character: the site that created it and the
// lamport clock value at creation. The zero ID is the document origin.
type ID struct {
	Site  string `json:"site"`
	Clock uint64 `json:"clock"`
}

// IsZero reports whether the id is the document origin.
func (id ID) IsZero() bool { return id.Site == "" && id.Clock == 0 }

// greater orders concurrent ids: higher clock wins, site breaks ties.
func greater(a, b ID) bool {
	if a.Clock != b.Clock {
		return a.Clock > b.Clock
	}
	return a.Site > b.Site
}

// item is one character cell. Deleted cells remain as tombstones.
type item struct {
	id      ID
	origin  ID
	ch      rune
	deleted bool
}

// Text is the shared text of one file.
type Text struct {
	mu    sync.RWMutex
	site  string
	clock uint64
	items []item
	index map[ID]int
	// log holds every integrated op in application order, for sync.
	log []Op
	// sv tracks the highest clock integrated per site. Updates flow
	// through the server session (star topology), so each site's ops
	// arrive in causal order and a max watermark is sufficient.
	sv map[string]uint64
	// seen dedupes ops that arrive through more than one exchange.
	seen map[ID]bool
	// pending ops wait for their causal dependencies.
	pending []Op
}

// NewText creates an empty text owned by the given site.
func NewText(site string) *Text {
	return &Text{
		site:  site,
		index: map[ID]int{},
		sv:    map[string]uint64{},
		seen:  map[ID]bool{},
	}
}

// NewTextWithContent creates a text seeded with initial content.
func NewTextWithContent(site, content string) *Text {
	t := NewText(site)
	txn := t.TransactWrite()
	txn.Insert(0, content)
	txn.End()
	return t
}

// Site returns the local site id.
func (t *Text) Site() string { return t.site }

// Txn is a transaction over the text. Offsets are stable for its
// duration. End releases the lock; every acquire path must end the
// transaction on all exits.
type Txn struct {
	t     *Text
	write bool
	done  bool
}

// TransactRead opens a read transaction.
func (t *Text) TransactRead() *Txn {
	t.mu.RLock()
	return &Txn{t: t}
}

// TransactWrite opens a write transaction.
func (t *Text) TransactWrite() *Txn {
	t.mu.Lock()
	return &Txn{t: t, write: true}
}

// End closes the transaction.
func (txn *Txn) End() {
	if txn.done {
		return
	}
	txn.done = true
	if txn.write {
		txn.t.mu.Unlock()
	} else {
		txn.t.mu.RUnlock()
	}
}

// String returns the visible text.
func (txn *Txn) String() string {
	var sb strings.Builder
	for _, it := range txn.t.items {
		if !it.deleted {
			sb.WriteRune(it.ch)
		}
	}
	return sb.String()
}

// Len returns the visible length in bytes.
func (txn *Txn) Len() int {
	n := 0
	for _, it := range txn.t.items {
		if !it.deleted {
			n += runeLen(it.ch)
		}
	}
	return n
}

func runeLen(r rune) int {
	switch {
	case r < 0x80:
		return 1
	case r < 0x800:
		return 2
	case r < 0x10000:
		return 3
	}
	return 4
}

// itemAtByte returns the index of the visible item containing the byte
// offset, or len(items) when the offset is at the end.
func (t *Text) itemAtByte(offset int) int {
	byteAt := 0
	for i, it := range t.items {
		if it.deleted {
			continue
		}
		if byteAt >= offset {
			return i
		}
		byteAt += runeLen(it.ch)
	}
	return len(t.items)
}

// Insert inserts text at a visible byte offset.
func (txn *Txn) Insert(offset int, text string) {
	t := txn.t
	// The left origin is the visible character before the offset.
	originIdx := -1
	byteAt := 0
	for i, it := range t.items {
		if it.deleted {
			continue
		}
		if byteAt >= offset {
			break
		}
		byteAt += runeLen(it.ch)
		originIdx = i
	}
	origin := ID{}
	if originIdx >= 0 {
		origin = t.items[originIdx].id
	}
	for _, r := range text {
		t.clock++
		op := Op{
			Kind:   OpInsert,
			ID:     ID{Site: t.site, Clock: t.clock},
			Origin: origin,
			Ch:     r,
		}
		t.integrate(op)
		origin = op.ID
	}
}

// Delete removes length visible bytes starting at offset.
func (txn *Txn) Delete(offset, length int) {
	t := txn.t
	byteAt := 0
	for i := range t.items {
		if t.items[i].deleted {
			continue
		}
		w := runeLen(t.items[i].ch)
		if byteAt >= offset+length {
			break
		}
		if byteAt >= offset {
			t.clock++
			t.integrate(Op{
				Kind:   OpDelete,
				ID:     ID{Site: t.site, Clock: t.clock},
				Target: t.items[i].id,
			})
		}
		byteAt += w
	}
}

// integrate applies one op to the local state. The caller holds the
// write lock. Ops whose dependencies are missing are queued.
func (t *Text) integrate(op Op) bool {
	if t.seen[op.ID] {
		return true
	}
	switch op.Kind {
	case OpInsert:
		originIdx := -1
		if !op.Origin.IsZero() {
			idx, ok := t.index[op.Origin]
			if !ok {
				return false
			}
			originIdx = idx
		}
		pos := originIdx + 1
		for pos < len(t.items) {
			c := t.items[pos]
			co := -1
			if !c.origin.IsZero() {
				co = t.index[c.origin]
			}
			if co > originIdx {
				pos++ // inside a subtree we already passed
				continue
			}
			if co == originIdx && greater(c.id, op.ID) {
				pos++
				continue
			}
			break
		}
		t.items = append(t.items, item{})
		copy(t.items[pos+1:], t.items[pos:])
		t.items[pos] = item{id: op.ID, origin: op.Origin, ch: op.Ch}
		for i := pos; i < len(t.items); i++ {
			t.index[t.items[i].id] = i
		}
	case OpDelete:
		idx, ok := t.index[op.Target]
		if !ok {
			return false
		}
		t.items[idx].deleted = true
	}

	t.seen[op.ID] = true
	if op.ID.Clock > t.sv[op.ID.Site] {
		t.sv[op.ID.Site] = op.ID.Clock
	}
	if op.ID.Clock > t.clock {
		t.clock = op.ID.Clock
	}
	t.log = append(t.log, op)
	return true
}

// drainPending retries queued ops until none makes progress.
func (t *Text) drainPending() {
	for {
		progressed := false
		remaining := t.pending[:0]
		for _, op := range t.pending {
			if t.integrate(op) {
				progressed = true
			} else {
				remaining = append(remaining, op)
			}
		}
		t.pending = remaining
		if !progressed || len(t.pending) == 0 {
			return
		}
	}
}
