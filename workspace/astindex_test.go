package workspace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperclip-ui/workspace/crdt"
	"github.com/paperclip-ui/workspace/parser"
)

func buildIndex(t *testing.T, source string) (*crdt.Text, *parser.Document, *ASTIndex) {
	t.Helper()
	text := crdt.NewTextWithContent("server", source)
	doc, diags, err := parser.Parse("/entry.pc", source, parser.DefaultOptions())
	require.NoError(t, err)
	require.Empty(t, diags)

	txn := text.TransactRead()
	ix := NewASTIndex(doc, txn)
	txn.End()
	return text, doc, ix
}

const indexSource = `public component Card {
	render div root {
		style {
			color: red;
		}
		style variant hover {
			color: blue;
		}
		text "hello"
	}
}
`

func TestResolveTracksSpans(t *testing.T) {
	text, doc, ix := buildIndex(t, indexSource)
	root := doc.Component("Card").Render

	txn := text.TransactRead()
	span, ok := ix.Resolve(root.SourceID(), txn)
	txn.End()
	require.True(t, ok)
	assert.Equal(t, root.Pos(), span, "before any edit the index mirrors the parse spans")
}

// Sticky recovery: after edits before the node, the resolved span equals
// the parse-time offsets shifted by the inserted byte count.
func TestResolveAfterPrefixInsert(t *testing.T) {
	text, doc, ix := buildIndex(t, indexSource)
	root := doc.Component("Card").Render
	orig := root.Pos()

	txn := text.TransactWrite()
	txn.Insert(0, "// banner\n")
	span, ok := ix.Resolve(root.SourceID(), txn)
	txn.End()

	require.True(t, ok)
	assert.Equal(t, orig.Start+10, span.Start)
	assert.Equal(t, orig.End+10, span.End)
}

func TestResolveAfterInnerEdit(t *testing.T) {
	text, doc, ix := buildIndex(t, indexSource)
	root := doc.Component("Card").Render
	orig := root.Pos()

	// Grow the text inside the element: start fixed, end shifts.
	txn := text.TransactWrite()
	txn.Insert(orig.End-2, "title: \"x\"\n")
	span, ok := ix.Resolve(root.SourceID(), txn)
	txn.End()

	require.True(t, ok)
	assert.Equal(t, orig.Start, span.Start)
	assert.Equal(t, orig.End+11, span.End)
}

func TestResolveDeletedNodeReturnsNone(t *testing.T) {
	text, doc, ix := buildIndex(t, indexSource)
	root := doc.Component("Card").Render
	orig := root.Pos()

	txn := text.TransactWrite()
	txn.Delete(orig.Start, orig.Len())
	_, ok := ix.Resolve(root.SourceID(), txn)
	txn.End()
	assert.False(t, ok, "a fully deleted span resolves to none")
}

func TestStyleBlockLookup(t *testing.T) {
	text, doc, ix := buildIndex(t, indexSource)
	root := doc.Component("Card").Render

	sb, ok := ix.StyleBlock(root.SourceID(), nil)
	require.True(t, ok)
	txn := text.TransactRead()
	content, live := sb.content.Resolve(txn)
	snapshot := txn.String()
	txn.End()
	require.True(t, live)
	assert.Contains(t, snapshot[content.Start:content.End], "color: red;")

	_, ok = ix.StyleBlock(root.SourceID(), []string{"hover"})
	assert.True(t, ok)
	_, ok = ix.StyleBlock(root.SourceID(), []string{"mobile"})
	assert.False(t, ok, "missing variant block reports absence so the translator inserts one")
}

func TestSourceIDForNodeSemanticMapping(t *testing.T) {
	_, doc, ix := buildIndex(t, indexSource)
	root := doc.Component("Card").Render

	// The semantic segment carries the element's short source hash.
	semantic := "root/Card/div@" + root.SourceID()[:8]
	id, ok, inRepeat := ix.SourceIDForNode(semantic)
	require.True(t, ok)
	assert.False(t, inRepeat)
	assert.Equal(t, root.SourceID(), id)

	// Raw source ids pass through.
	id, ok, _ = ix.SourceIDForNode(root.SourceID())
	require.True(t, ok)
	assert.Equal(t, root.SourceID(), id)

	_, ok, _ = ix.SourceIDForNode("root/Card/div@00000000")
	assert.False(t, ok)
}

func TestComponentLookup(t *testing.T) {
	_, _, ix := buildIndex(t, indexSource)
	ce, ok := ix.Component("Card")
	require.True(t, ok)
	assert.Nil(t, ce.frame, "no @frame annotation recorded")
	assert.NotEmpty(t, ce.renderID)

	_, ok = ix.Component("Ghost")
	assert.False(t, ok)
}
