package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func content(t *Text) string {
	txn := t.TransactRead()
	defer txn.End()
	return txn.String()
}

// sync ships every op the other side has not seen, both directions.
func syncTexts(t *testing.T, a, b *Text) {
	t.Helper()
	atxn := a.TransactRead()
	asv := atxn.EncodeStateVector()
	atxn.End()

	btxn := b.TransactRead()
	bsv := btxn.EncodeStateVector()
	btxn.End()

	atxn = a.TransactRead()
	diffForB, err := atxn.EncodeDiff(bsv)
	atxn.End()
	require.NoError(t, err)

	btxn = b.TransactRead()
	diffForA, err := btxn.EncodeDiff(asv)
	btxn.End()
	require.NoError(t, err)

	wtxn := b.TransactWrite()
	_, err = wtxn.ApplyUpdate(diffForB)
	wtxn.End()
	require.NoError(t, err)

	wtxn = a.TransactWrite()
	_, err = wtxn.ApplyUpdate(diffForA)
	wtxn.End()
	require.NoError(t, err)
}

func TestInsertDelete(t *testing.T) {
	text := NewText("a")
	txn := text.TransactWrite()
	txn.Insert(0, "hello world")
	txn.Delete(5, 6)
	got := txn.String()
	txn.End()
	assert.Equal(t, "hello", got)
}

func TestInsertMiddleUTF8(t *testing.T) {
	text := NewTextWithContent("a", "héllo")
	txn := text.TransactWrite()
	txn.Insert(3, "y") // after the two-byte é
	got := txn.String()
	n := txn.Len()
	txn.End()
	assert.Equal(t, "héyllo", got)
	assert.Equal(t, len("héyllo"), n)
}

func TestConcurrentInsertsConverge(t *testing.T) {
	a := NewTextWithContent("a", "base")
	b := NewText("b")
	syncTexts(t, a, b)
	require.Equal(t, "base", content(b))

	atxn := a.TransactWrite()
	atxn.Insert(0, "A")
	atxn.End()

	btxn := b.TransactWrite()
	btxn.Insert(0, "B")
	btxn.End()

	syncTexts(t, a, b)
	assert.Equal(t, content(a), content(b), "replicas must converge")
	assert.Contains(t, content(a), "A")
	assert.Contains(t, content(a), "B")
	assert.Contains(t, content(a), "base")
}

func TestConcurrentInsertDeleteConverge(t *testing.T) {
	a := NewTextWithContent("a", "color: red;")
	b := NewText("b")
	syncTexts(t, a, b)

	atxn := a.TransactWrite()
	atxn.Delete(7, 3) // remove "red"
	atxn.Insert(7, "blue")
	atxn.End()

	btxn := b.TransactWrite()
	btxn.Insert(0, "x")
	btxn.End()

	syncTexts(t, a, b)
	assert.Equal(t, content(a), content(b))
	assert.Equal(t, "xcolor: blue;", content(a))
}

func TestConvergenceIsOrderIndependent(t *testing.T) {
	// Three replicas edit concurrently; all pairs converge to the same
	// text whatever the sync order.
	a := NewTextWithContent("a", "abc")
	b := NewText("b")
	c := NewText("c")
	syncTexts(t, a, b)
	syncTexts(t, a, c)

	txn := a.TransactWrite()
	txn.Insert(1, "1")
	txn.End()
	txn = b.TransactWrite()
	txn.Insert(1, "2")
	txn.End()
	txn = c.TransactWrite()
	txn.Insert(3, "3")
	txn.End()

	syncTexts(t, a, b)
	syncTexts(t, b, c)
	syncTexts(t, a, c)
	syncTexts(t, a, b)

	assert.Equal(t, content(a), content(b))
	assert.Equal(t, content(b), content(c))
}

func TestApplyUpdateIdempotent(t *testing.T) {
	a := NewTextWithContent("a", "hi")
	txn := a.TransactRead()
	full := txn.EncodeFullState()
	txn.End()

	b := NewText("b")
	for i := 0; i < 3; i++ {
		wtxn := b.TransactWrite()
		_, err := wtxn.ApplyUpdate(full)
		wtxn.End()
		require.NoError(t, err)
	}
	assert.Equal(t, "hi", content(b))
}

func TestStickyStartBiasRight(t *testing.T) {
	text := NewTextWithContent("a", "component A {}")
	txn := text.TransactWrite()
	si := txn.StickyIndex(10, BiasRight) // at "A"
	txn.Insert(0, "x")
	off, ok := txn.ResolveSticky(si)
	txn.End()
	require.True(t, ok)
	assert.Equal(t, 11, off, "start must stick to the span even when text is inserted before it")
}

func TestStickyEndBiasLeft(t *testing.T) {
	text := NewTextWithContent("a", "abc")
	txn := text.TransactWrite()
	si := txn.StickyIndex(3, BiasLeft) // end of "abc"
	txn.Insert(3, "zzz")               // insert just after the end
	off, ok := txn.ResolveSticky(si)
	txn.End()
	require.True(t, ok)
	assert.Equal(t, 3, off, "end must stick left of a trailing insertion")
}

func TestStickySurvivesInnerEdit(t *testing.T) {
	text := NewTextWithContent("a", "aaabbbccc")
	txn := text.TransactWrite()
	start := txn.StickyIndex(3, BiasRight)
	end := txn.StickyIndex(6, BiasLeft)
	txn.Delete(0, 2) // shrink the prefix
	s, ok1 := txn.ResolveSticky(start)
	e, ok2 := txn.ResolveSticky(end)
	txn.End()
	require.True(t, ok1)
	require.True(t, ok2)
	assert.Equal(t, 1, s)
	assert.Equal(t, 4, e)
}

func TestStickyCollapsesWhenSpanDeleted(t *testing.T) {
	text := NewTextWithContent("a", "aaabbbccc")
	txn := text.TransactWrite()
	start := txn.StickyIndex(3, BiasRight)
	end := txn.StickyIndex(6, BiasLeft)
	txn.Delete(3, 3) // delete "bbb" entirely
	s, ok1 := txn.ResolveSticky(start)
	e, ok2 := txn.ResolveSticky(end)
	deleted := txn.IsDeleted(start)
	txn.End()
	require.True(t, ok1)
	require.True(t, ok2)
	assert.True(t, deleted)
	assert.Equal(t, s, e, "a fully deleted span collapses to a single position")
}

func TestStickyUnknownID(t *testing.T) {
	text := NewTextWithContent("a", "abc")
	txn := text.TransactRead()
	_, ok := txn.ResolveSticky(StickyIndex{Item: ID{Site: "ghost", Clock: 99}})
	txn.End()
	assert.False(t, ok)
}

func TestDiffOnlyShipsNewOps(t *testing.T) {
	a := NewTextWithContent("a", "one")
	b := NewText("b")
	syncTexts(t, a, b)

	txn := a.TransactWrite()
	txn.Insert(3, " two")
	txn.End()

	btxn := b.TransactRead()
	bsv := btxn.EncodeStateVector()
	btxn.End()

	atxn := a.TransactRead()
	diff, err := atxn.EncodeDiff(bsv)
	atxn.End()
	require.NoError(t, err)

	wtxn := b.TransactWrite()
	applied, err := wtxn.ApplyUpdate(diff)
	wtxn.End()
	require.NoError(t, err)
	assert.Equal(t, 4, applied, "only the four new characters ship")
	assert.Equal(t, "one two", content(b))
}
