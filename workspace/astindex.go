package workspace

import (
	"strings"

	"github.com/paperclip-ui/workspace/crdt"
	"github.com/paperclip-ui/workspace/evaluator"
	"github.com/paperclip-ui/workspace/parser"
)

// SpanPair anchors an AST span into the live text: the start sticks
// right (stays at the start of the node when text is inserted before it),
// the end sticks left.
type SpanPair struct {
	Start  crdt.StickyIndex
	End    crdt.StickyIndex
	Length int
}

// Resolve reads the pair's current offsets. A non-empty span whose
// anchors have collapsed (the underlying characters were deleted) reports
// false.
func (sp SpanPair) Resolve(txn *crdt.Txn) (parser.Span, bool) {
	start, ok := txn.ResolveSticky(sp.Start)
	if !ok {
		return parser.Span{}, false
	}
	end, ok := txn.ResolveSticky(sp.End)
	if !ok {
		return parser.Span{}, false
	}
	if end < start {
		return parser.Span{}, false
	}
	if sp.Length > 0 && end == start {
		return parser.Span{}, false
	}
	return parser.Span{Start: start, End: end}, true
}

type styleBlockEntry struct {
	span    SpanPair
	content SpanPair
}

type elementEntry struct {
	sourceID string
	tag      string
	hasBody  bool
	span     SpanPair
	// innerEnd sits just before the closing brace; valid when hasBody.
	innerEnd crdt.StickyIndex
	// children holds the source ids of child elements and text nodes in
	// document order, for index-addressed insertion.
	children []string
	// styleBlocks is keyed by canonical variant key ("" for base).
	styleBlocks map[string]styleBlockEntry
}

type componentEntry struct {
	name     string
	sourceID string
	span     SpanPair
	// frame covers the @frame doc comment, when present.
	frame *SpanPair
	// declStart sits at the start of the declaration itself (after any
	// doc comment), where a new annotation comment is inserted.
	declStart crdt.StickyIndex
	renderID  string
}

type textEntry struct {
	sourceID  string
	valueSpan SpanPair
	// literal is false for `text { expression }` nodes, whose content
	// cannot be edited as plain text.
	literal bool
}

// ASTIndex maps AST node identity to live positions in the CRDT text. It
// is rebuilt from scratch after every successful parse; the sticky
// anchors carry lookups across concurrent edits.
type ASTIndex struct {
	spans      map[string]SpanPair
	elements   map[string]*elementEntry
	texts      map[string]*textEntry
	components map[string]*componentEntry
	// byHash maps the short hash used in semantic id segments back to
	// the full source id.
	byHash map[string]string
	// parents maps a node's source id to its parent element's source id.
	parents map[string]string
}

// NewASTIndex builds the index for a freshly parsed document. The
// transaction must view the same text snapshot the document was parsed
// from.
func NewASTIndex(doc *parser.Document, txn *crdt.Txn) *ASTIndex {
	ix := &ASTIndex{
		spans:      map[string]SpanPair{},
		elements:   map[string]*elementEntry{},
		texts:      map[string]*textEntry{},
		components: map[string]*componentEntry{},
		byHash:     map[string]string{},
		parents:    map[string]string{},
	}

	pair := func(span parser.Span) SpanPair {
		return SpanPair{
			Start:  txn.StickyIndex(span.Start, crdt.BiasRight),
			End:    txn.StickyIndex(span.End, crdt.BiasLeft),
			Length: span.Len(),
		}
	}

	var walkElement func(el *parser.Element, parentID string)
	walkElement = func(el *parser.Element, parentID string) {
		id := el.SourceID()
		ix.spans[id] = pair(el.Pos())
		ix.byHash[hashOf(id)] = id
		ix.parents[id] = parentID

		entry := &elementEntry{
			sourceID:    id,
			tag:         el.Tag,
			hasBody:     el.HasBody,
			span:        pair(el.Pos()),
			styleBlocks: map[string]styleBlockEntry{},
		}
		if el.HasBody {
			entry.innerEnd = txn.StickyIndex(el.Pos().End-1, crdt.BiasLeft)
		}
		for _, sb := range el.StyleBlocks {
			key := evaluator.VariantKey(sb.Variants)
			ix.spans[sb.SourceID()] = pair(sb.Pos())
			entry.styleBlocks[key] = styleBlockEntry{
				span:    pair(sb.Pos()),
				content: pair(sb.ContentSpan),
			}
		}
		for _, child := range el.Children {
			switch c := child.(type) {
			case *parser.Element:
				entry.children = append(entry.children, c.SourceID())
				walkElement(c, id)
			case *parser.TextNode:
				entry.children = append(entry.children, c.SourceID())
				ix.spans[c.SourceID()] = pair(c.Pos())
				ix.byHash[hashOf(c.SourceID())] = c.SourceID()
				ix.parents[c.SourceID()] = id
				vs := c.ValueSpan
				literal := vs.Len() > 0
				if !literal {
					vs = c.Pos()
				}
				ix.texts[c.SourceID()] = &textEntry{sourceID: c.SourceID(), valueSpan: pair(vs), literal: literal}
			default:
				ix.spans[child.SourceID()] = pair(child.Pos())
			}
		}
		ix.elements[id] = entry
	}

	for _, comp := range doc.Components {
		ce := &componentEntry{
			name:     comp.Name,
			sourceID: comp.SourceID(),
			span:     pair(comp.Pos()),
		}
		declStart := comp.Pos().Start
		if comp.Annotations != nil {
			fp := pair(comp.Annotations.Span)
			if comp.Annotations.Frame != nil {
				ce.frame = &fp
			}
			declStart = comp.Annotations.Span.End
			// The declaration resumes right after the comment's closing
			// "*/"; the newline that follows is not skipped.
		}
		ce.declStart = txn.StickyIndex(declStart, crdt.BiasRight)
		ix.spans[comp.SourceID()] = pair(comp.Pos())
		if comp.Render != nil {
			ce.renderID = comp.Render.SourceID()
			walkElement(comp.Render, comp.SourceID())
		}
		ix.components[comp.Name] = ce
	}
	return ix
}

func hashOf(sourceID string) string {
	if len(sourceID) >= 8 {
		return sourceID[:8]
	}
	return sourceID
}

// Resolve returns the current span of a source id, or false when the
// node's characters are gone from the text.
func (ix *ASTIndex) Resolve(sourceID string, txn *crdt.Txn) (parser.Span, bool) {
	sp, ok := ix.spans[sourceID]
	if !ok {
		return parser.Span{}, false
	}
	return sp.Resolve(txn)
}

// SourceIDForNode maps a mutation target to a source id. Accepts raw
// source ids and semantic ids (whose element segments carry the source
// hash). The second result reports whether the node sits inside a repeat
// instance.
func (ix *ASTIndex) SourceIDForNode(nodeID string) (string, bool, bool) {
	inRepeat := false
	if strings.Contains(nodeID, "/") {
		segments := strings.Split(nodeID, "/")
		for _, seg := range segments {
			if strings.HasPrefix(seg, "[") && strings.Contains(seg, ":") {
				inRepeat = true
			}
		}
		last := segments[len(segments)-1]
		at := strings.LastIndexByte(last, '@')
		if at < 0 {
			return "", false, inRepeat
		}
		id, ok := ix.byHash[last[at+1:]]
		return id, ok, inRepeat
	}
	if _, ok := ix.spans[nodeID]; ok {
		return nodeID, true, false
	}
	if id, ok := ix.byHash[nodeID]; ok {
		return id, true, false
	}
	return "", false, false
}

// Element returns the element entry for a source id.
func (ix *ASTIndex) Element(sourceID string) (*elementEntry, bool) {
	e, ok := ix.elements[sourceID]
	return e, ok
}

// Text returns the text entry for a source id.
func (ix *ASTIndex) Text(sourceID string) (*textEntry, bool) {
	e, ok := ix.texts[sourceID]
	return e, ok
}

// Component returns the component entry by name.
func (ix *ASTIndex) Component(name string) (*componentEntry, bool) {
	c, ok := ix.components[name]
	return c, ok
}

// StyleBlock returns the style block of an element for a variant set,
// and whether such a block exists at all, so the mutation translator
// knows whether to edit in place or insert a new block.
func (ix *ASTIndex) StyleBlock(elementID string, variants []string) (styleBlockEntry, bool) {
	el, ok := ix.elements[elementID]
	if !ok {
		return styleBlockEntry{}, false
	}
	sb, ok := el.styleBlocks[evaluator.VariantKey(variants)]
	return sb, ok
}

// Parent returns the parent element's source id.
func (ix *ASTIndex) Parent(sourceID string) (string, bool) {
	p, ok := ix.parents[sourceID]
	return p, ok
}
