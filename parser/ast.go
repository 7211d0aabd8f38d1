package parser

import (
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Span is a half-open byte range [Start, End) into the source snapshot that
// produced the AST. Spans are stale the instant the text changes; live
// positions come from the AST index, not from spans.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (s Span) Len() int { return s.End - s.Start }

func (s Span) String() string {
	return strconv.Itoa(s.Start) + ".." + strconv.Itoa(s.End)
}

// Severity classifies a diagnostic.
type Severity int

const (
	SeverityError Severity = iota
	SeverityWarning
)

// Diagnostic is a recoverable problem attached to a parse or evaluation.
type Diagnostic struct {
	Severity Severity `json:"severity"`
	Span     Span     `json:"span"`
	Message  string   `json:"message"`
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s: %s", d.Span, d.Message)
}

// Node is implemented by every AST node.
type Node interface {
	Pos() Span
	SourceID() string
	setID(id string)
	children() []Node
}

// base carries the span and source id shared by all nodes.
type base struct {
	Span Span   `json:"span"`
	ID   string `json:"source_id"`
}

func (b *base) Pos() Span        { return b.Span }
func (b *base) SourceID() string { return b.ID }
func (b *base) setID(id string)  { b.ID = id }

// Document is the root of a parsed .pc file.
type Document struct {
	base
	Path       string
	Imports    []*Import
	Atoms      []*TokenDecl
	Styles     []*StyleDecl
	Components []*ComponentDecl
	// Body preserves declaration order across all kinds.
	Body []Node
}

func (d *Document) children() []Node { return d.Body }

// Component returns the named component declaration, if present.
func (d *Document) Component(name string) *ComponentDecl {
	for _, c := range d.Components {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Style returns the named style declaration, if present.
func (d *Document) Style(name string) *StyleDecl {
	for _, s := range d.Styles {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Atom returns the named design token declaration, if present.
func (d *Document) Atom(name string) *TokenDecl {
	for _, t := range d.Atoms {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// Import declares a dependency on another .pc file under a namespace.
type Import struct {
	base
	Path      string
	Namespace string
}

func (n *Import) children() []Node { return nil }

// TokenDecl is a design token: a named CSS literal.
type TokenDecl struct {
	base
	Public bool
	Name   string
	Value  string
}

func (n *TokenDecl) children() []Node { return nil }

// StyleDecl is a named, optionally extendable declaration list.
type StyleDecl struct {
	base
	Public       bool
	Name         string
	Extends      []string
	Declarations []*StyleDeclaration
}

func (n *StyleDecl) children() []Node { return nil }

// StyleDeclaration is one `property: value;` pair.
type StyleDeclaration struct {
	base
	Property string
	Value    string
}

func (n *StyleDeclaration) children() []Node { return nil }

// ComponentDecl declares a component with optional variants and a render root.
type ComponentDecl struct {
	base
	Public      bool
	Name        string
	Annotations *Annotations
	Variants    []*VariantDecl
	Render      *Element
}

func (n *ComponentDecl) children() []Node {
	if n.Render == nil {
		return nil
	}
	return []Node{n.Render}
}

// VariantDecl declares a named variant with optional trigger selectors.
type VariantDecl struct {
	base
	Name     string
	Triggers []string
}

func (n *VariantDecl) children() []Node { return nil }

// Element is a rendered tag, a nested element, or a component instantiation
// (resolved by name at evaluation time). Classes come from the `.class`
// shorthand; Label is the optional trailing identifier used for addressing.
type Element struct {
	base
	Namespace   string
	Tag         string
	Classes     []string
	Label       string
	Args        []*Argument
	Attributes  []*Attribute
	StyleBlocks []*StyleBlock
	Children    []Node
	// HasBody records whether the element was written with braces.
	HasBody bool
}

func (n *Element) children() []Node {
	out := make([]Node, 0, len(n.Children)+len(n.StyleBlocks))
	for _, sb := range n.StyleBlocks {
		out = append(out, sb)
	}
	out = append(out, n.Children...)
	return out
}

// Attribute returns the value expression of a named attribute, if present.
func (n *Element) Attribute(name string) (Expr, bool) {
	for _, a := range n.Attributes {
		if a.Name == name {
			return a.Value, true
		}
	}
	return nil, false
}

// Argument is one `name=expr` binding on a component instantiation.
type Argument struct {
	base
	Name  string
	Value Expr
}

func (n *Argument) children() []Node { return nil }

// Attribute is one `name: value` pair inside an element body.
type Attribute struct {
	base
	Name  string
	Value Expr
}

func (n *Attribute) children() []Node { return nil }

// StyleBlock is a `style { ... }` or `style variant a + b { ... }` block
// inside an element. ContentSpan covers the region between the braces,
// which is where inline-style mutations insert declarations.
type StyleBlock struct {
	base
	Variants     []string
	Declarations []*StyleDeclaration
	ContentSpan  Span
}

func (n *StyleBlock) children() []Node { return nil }

// TextNode is `text "literal"` or `text { expression }`.
type TextNode struct {
	base
	Value string
	Expr  Expr
	// ValueSpan covers the literal including quotes, for UpdateText.
	ValueSpan Span
}

func (n *TextNode) children() []Node { return nil }

// SlotNode is a named insertion point inside a component render tree.
type SlotNode struct {
	base
	Name     string
	Fallback []Node
}

func (n *SlotNode) children() []Node { return n.Fallback }

// InsertNode supplies children for a named slot of the enclosing instance.
type InsertNode struct {
	base
	Name     string
	Children []Node
}

func (n *InsertNode) children() []Node { return n.Children }

// IfNode gates a subtree on an expression.
type IfNode struct {
	base
	Cond Expr
	Then []Node
	Else []Node
}

func (n *IfNode) children() []Node {
	out := append([]Node{}, n.Then...)
	return append(out, n.Else...)
}

// RepeatNode renders its body once per element of the iterable.
type RepeatNode struct {
	base
	Var      string
	Iterable Expr
	Body     []Node
	Empty    []Node
}

func (n *RepeatNode) children() []Node {
	out := append([]Node{}, n.Body...)
	return append(out, n.Empty...)
}

// ErrorNode stands in for an unparseable region; the span covers the
// skipped source.
type ErrorNode struct {
	base
	Message string
}

func (n *ErrorNode) children() []Node { return nil }

// Walk visits every node of the tree in document order.
func Walk(n Node, visit func(Node) bool) {
	if n == nil || !visit(n) {
		return
	}
	for _, c := range n.children() {
		Walk(c, visit)
	}
}

// assignSourceIDs gives every node a deterministic id derived from the file
// seed and the node's structural path. The walk order is the parse order,
// never map iteration, so identical sources yield identical ids.
func assignSourceIDs(doc *Document, seed uint64) {
	var walk func(n Node, path string)
	walk = func(n Node, path string) {
		h := xxhash.New()
		var buf [8]byte
		putUint64(buf[:], seed)
		_, _ = h.Write(buf[:])
		_, _ = h.Write([]byte(path))
		n.setID(fmt.Sprintf("%016x", h.Sum64()))
		for i, c := range n.children() {
			walk(c, path+"/"+strconv.Itoa(i))
		}
	}
	walk(doc, "")
	// Nested records that are not part of children() still need ids for
	// the AST index: variants, attributes, declarations, annotations.
	Walk(doc, func(n Node) bool {
		switch t := n.(type) {
		case *ComponentDecl:
			for i, v := range t.Variants {
				v.setID(subID(t.SourceID(), "variant", i))
			}
			if t.Annotations != nil && t.Annotations.Frame != nil {
				t.Annotations.Frame.setID(subID(t.SourceID(), "frame", 0))
			}
		case *Element:
			for i, a := range t.Attributes {
				a.setID(subID(t.SourceID(), "attr", i))
			}
			for i, a := range t.Args {
				a.setID(subID(t.SourceID(), "arg", i))
			}
		case *StyleBlock:
			for i, d := range t.Declarations {
				d.setID(subID(t.SourceID(), "decl", i))
			}
		case *StyleDecl:
			for i, d := range t.Declarations {
				d.setID(subID(t.SourceID(), "decl", i))
			}
		}
		return true
	})
}

func subID(parent, kind string, i int) string {
	h := xxhash.New()
	_, _ = h.Write([]byte(parent))
	_, _ = h.Write([]byte(kind))
	_, _ = h.Write([]byte(strconv.Itoa(i)))
	return fmt.Sprintf("%016x", h.Sum64())
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// FileSeed derives the deterministic id-generator seed for a file path.
func FileSeed(path string) uint64 {
	return xxhash.Sum64String(path)
}
