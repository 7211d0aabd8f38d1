package workspace

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/paperclip-ui/workspace/crdt"
	"github.com/paperclip-ui/workspace/parser"
)

// MutationKind names the closed set of semantic mutations.
type MutationKind string

const (
	MutationSetFrameBounds MutationKind = "set_frame_bounds"
	MutationSetInlineStyle MutationKind = "set_inline_style"
	MutationUpdateText     MutationKind = "update_text"
	MutationMoveElement    MutationKind = "move_element"
	MutationInsertElement  MutationKind = "insert_element"
	MutationRemoveNode     MutationKind = "remove_node"
)

// Mutation is the wire form of one semantic mutation. Params are decoded
// per kind.
type Mutation struct {
	MutationID string                 `json:"mutation_id"`
	Kind       MutationKind           `json:"kind"`
	Params     map[string]interface{} `json:"params"`
}

// SetFrameBounds replaces or inserts the @frame annotation of a component.
type SetFrameBounds struct {
	FrameID string `mapstructure:"frame_id"`
	X       int    `mapstructure:"x"`
	Y       int    `mapstructure:"y"`
	Width   int    `mapstructure:"width"`
	Height  int    `mapstructure:"height"`
}

// SetInlineStyle sets, replaces, or removes one declaration inside the
// style block identified by (node, variants). An empty value removes.
type SetInlineStyle struct {
	NodeID   string   `mapstructure:"node_id"`
	Property string   `mapstructure:"property"`
	Value    string   `mapstructure:"value"`
	Variants []string `mapstructure:"variants"`
}

// UpdateText replaces the content of a literal text node.
type UpdateText struct {
	NodeID  string `mapstructure:"node_id"`
	Content string `mapstructure:"content"`
}

// MoveElement cuts an element's source and reinserts it under a parent.
type MoveElement struct {
	NodeID      string `mapstructure:"node_id"`
	NewParentID string `mapstructure:"new_parent_id"`
	Index       int    `mapstructure:"index"`
}

// InsertElement inserts serialized element source into a parent's body.
type InsertElement struct {
	ParentID      string `mapstructure:"parent_id"`
	Index         int    `mapstructure:"index"`
	ElementSource string `mapstructure:"element_source"`
}

// RemoveNode deletes an element's span including trailing whitespace.
type RemoveNode struct {
	NodeID string `mapstructure:"node_id"`
}

// MutationStatus is the outcome class of one mutation.
type MutationStatus string

const (
	// StatusAcknowledged means the mutation applied as proposed.
	StatusAcknowledged MutationStatus = "acknowledged"
	// StatusRebased means the server applied the intent differently.
	StatusRebased MutationStatus = "rebased"
	// StatusNoop means the target no longer exists; nothing changed.
	StatusNoop MutationStatus = "noop"
	// StatusRejected means the input was invalid; nothing changed.
	StatusRejected MutationStatus = "rejected"
)

// MutationResult is returned to the submitting client.
type MutationResult struct {
	MutationID string         `json:"mutation_id"`
	Status     MutationStatus `json:"status"`
	NewVersion uint64         `json:"new_version,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

var cssPropertyRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// validCSSValue rejects values that would break out of a declaration:
// braces, or a semicolon that is not escaped.
func validCSSValue(v string) bool {
	if strings.ContainsAny(v, "{}") {
		return false
	}
	for i := 0; i < len(v); i++ {
		if v[i] == ';' && (i == 0 || v[i-1] != '\\') {
			return false
		}
	}
	return true
}

// translator applies one semantic mutation as a text edit inside an open
// CRDT write transaction, using the AST index of the last good parse.
type translator struct {
	ix  *ASTIndex
	txn *crdt.Txn
}

type outcome struct {
	status MutationStatus
	reason string
}

func applied() outcome               { return outcome{status: StatusAcknowledged} }
func rebased(reason string) outcome  { return outcome{status: StatusRebased, reason: reason} }
func noop(reason string) outcome     { return outcome{status: StatusNoop, reason: reason} }
func rejected(reason string) outcome { return outcome{status: StatusRejected, reason: reason} }

func (o outcome) mutated() bool {
	return o.status == StatusAcknowledged || o.status == StatusRebased
}

// apply decodes and applies one mutation. The caller owns the write
// transaction and runs the post-write pipeline when mutated() reports a
// change.
func (tr *translator) apply(m Mutation) outcome {
	decode := func(target interface{}) error {
		// JSON numbers arrive as float64; weak typing folds them into
		// the int fields.
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           target,
			WeaklyTypedInput: true,
		})
		if err != nil {
			return err
		}
		return dec.Decode(m.Params)
	}

	switch m.Kind {
	case MutationSetFrameBounds:
		var p SetFrameBounds
		if err := decode(&p); err != nil {
			return rejected(err.Error())
		}
		return tr.setFrameBounds(p)
	case MutationSetInlineStyle:
		var p SetInlineStyle
		if err := decode(&p); err != nil {
			return rejected(err.Error())
		}
		return tr.setInlineStyle(p)
	case MutationUpdateText:
		var p UpdateText
		if err := decode(&p); err != nil {
			return rejected(err.Error())
		}
		return tr.updateText(p)
	case MutationMoveElement:
		var p MoveElement
		if err := decode(&p); err != nil {
			return rejected(err.Error())
		}
		return tr.moveElement(p)
	case MutationInsertElement:
		var p InsertElement
		if err := decode(&p); err != nil {
			return rejected(err.Error())
		}
		return tr.insertElement(p)
	case MutationRemoveNode:
		var p RemoveNode
		if err := decode(&p); err != nil {
			return rejected(err.Error())
		}
		return tr.removeNode(p)
	}
	return rejected(fmt.Sprintf("unknown mutation kind %q", m.Kind))
}

// resolveElement maps a node id to an element entry, enforcing the
// repeat-template restriction.
func (tr *translator) resolveElement(nodeID string) (*elementEntry, outcome) {
	sourceID, ok, inRepeat := tr.ix.SourceIDForNode(nodeID)
	if inRepeat {
		return nil, rejected("node is inside a repeat instance; target the template")
	}
	if !ok {
		return nil, noop("node deleted")
	}
	el, ok := tr.ix.Element(sourceID)
	if !ok {
		return nil, noop("node deleted")
	}
	if _, live := el.span.Resolve(tr.txn); !live {
		return nil, noop("node deleted")
	}
	return el, outcome{}
}

func (tr *translator) setFrameBounds(p SetFrameBounds) outcome {
	comp, ok := tr.ix.Component(p.FrameID)
	if !ok {
		return noop("node deleted")
	}
	annotation := parser.FormatFrame(p.X, p.Y, p.Width, p.Height)
	if comp.frame != nil {
		span, live := comp.frame.Resolve(tr.txn)
		if !live {
			return noop("node deleted")
		}
		tr.txn.Delete(span.Start, span.Len())
		tr.txn.Insert(span.Start, annotation)
		return applied()
	}
	at, live := tr.txn.ResolveSticky(comp.declStart)
	if !live {
		return noop("node deleted")
	}
	tr.txn.Insert(at, annotation+"\n")
	return applied()
}

func (tr *translator) setInlineStyle(p SetInlineStyle) outcome {
	if !cssPropertyRe.MatchString(p.Property) {
		return rejected(fmt.Sprintf("invalid CSS property %q", p.Property))
	}
	if !validCSSValue(p.Value) {
		return rejected(fmt.Sprintf("invalid CSS value %q", p.Value))
	}
	el, out := tr.resolveElement(p.NodeID)
	if el == nil {
		return out
	}

	sb, exists := tr.ix.StyleBlock(el.sourceID, p.Variants)
	if exists {
		content, live := sb.content.Resolve(tr.txn)
		if live {
			return tr.editStyleBlock(content, p)
		}
		// The block's characters are gone; fall through and create one.
	}
	if p.Value == "" {
		return noop("no declaration to remove")
	}
	return tr.createStyleBlock(el, p)
}

// declRe matches one `property: value ;?` inside style block content.
func declRe(property string) *regexp.Regexp {
	return regexp.MustCompile(`(?m)` + regexp.QuoteMeta(property) + `\s*:\s*[^;\n}]*;?`)
}

func (tr *translator) editStyleBlock(content parser.Span, p SetInlineStyle) outcome {
	text := tr.txn.String()
	if content.End > len(text) {
		return noop("node deleted")
	}
	body := text[content.Start:content.End]
	re := declRe(p.Property)
	loc := re.FindStringIndex(body)

	if p.Value == "" {
		if loc == nil {
			return noop("no declaration to remove")
		}
		// Take the trailing newline and indentation with the declaration.
		start, end := loc[0], loc[1]
		for start > 0 && (body[start-1] == ' ' || body[start-1] == '\t') {
			start--
		}
		if start > 0 && body[start-1] == '\n' {
			start--
		}
		tr.txn.Delete(content.Start+start, end-start)
		return applied()
	}

	decl := p.Property + ": " + p.Value + ";"
	if loc != nil {
		tr.txn.Delete(content.Start+loc[0], loc[1]-loc[0])
		tr.txn.Insert(content.Start+loc[0], decl)
		return applied()
	}
	// Append before the closing brace, keeping the block's layout.
	insertAt := content.End
	insertion := "\n  " + decl + "\n"
	if trimmed := strings.TrimRight(body, " \t"); strings.HasSuffix(trimmed, "\n") {
		insertAt = content.Start + len(trimmed)
		insertion = "  " + decl + "\n"
	}
	tr.txn.Insert(insertAt, insertion)
	return applied()
}

// createStyleBlock writes a new style block in pretty form at the end of
// the element body, creating the body when the element had none.
func (tr *translator) createStyleBlock(el *elementEntry, p SetInlineStyle) outcome {
	variantHead := ""
	if len(p.Variants) > 0 {
		variantHead = " variant " + strings.Join(p.Variants, " + ")
	}
	block := "style" + variantHead + " {\n  " + p.Property + ": " + p.Value + ";\n}"

	if el.hasBody {
		at, live := tr.txn.ResolveSticky(el.innerEnd)
		if !live {
			return noop("node deleted")
		}
		tr.txn.Insert(at, "\n"+indentLines(block, "  ")+"\n")
		return applied()
	}
	span, live := el.span.Resolve(tr.txn)
	if !live {
		return noop("node deleted")
	}
	tr.txn.Insert(span.End, " {\n"+indentLines(block, "  ")+"\n}")
	return applied()
}

func indentLines(s, indent string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if line != "" {
			lines[i] = indent + line
		}
	}
	return strings.Join(lines, "\n")
}

func (tr *translator) updateText(p UpdateText) outcome {
	sourceID, ok, inRepeat := tr.ix.SourceIDForNode(p.NodeID)
	if inRepeat {
		return rejected("node is inside a repeat instance; target the template")
	}
	if !ok {
		return noop("node deleted")
	}
	entry, ok := tr.ix.Text(sourceID)
	if !ok {
		return noop("node deleted")
	}
	if !entry.literal {
		return rejected("text node holds an expression, not a literal")
	}
	span, live := entry.valueSpan.Resolve(tr.txn)
	if !live {
		return noop("node deleted")
	}
	tr.txn.Delete(span.Start, span.Len())
	tr.txn.Insert(span.Start, strconv.Quote(p.Content))
	return applied()
}

func (tr *translator) moveElement(p MoveElement) outcome {
	el, out := tr.resolveElement(p.NodeID)
	if el == nil {
		return out
	}
	parent, out := tr.resolveElement(p.NewParentID)
	if parent == nil {
		return out
	}
	if el.sourceID == parent.sourceID {
		return rejected("cannot move an element into itself")
	}
	for cur := parent.sourceID; ; {
		up, ok := tr.ix.Parent(cur)
		if !ok || up == "" {
			break
		}
		if up == el.sourceID {
			return rejected("cannot move an element into its own subtree")
		}
		cur = up
	}
	if !parent.hasBody {
		return rejected("target element has no body")
	}

	span, live := el.span.Resolve(tr.txn)
	if !live {
		return noop("node deleted")
	}
	source := tr.txn.String()[span.Start:span.End]

	target, clamped := tr.childInsertionSticky(parent, p.Index, el.sourceID)
	if target == nil {
		return noop("node deleted")
	}

	tr.txn.Delete(span.Start, span.Len())
	at, ok := tr.txn.ResolveSticky(*target)
	if !ok {
		return noop("node deleted")
	}
	tr.txn.Insert(at, "\n"+source+"\n")
	if clamped {
		return rebased("index clamped to child count")
	}
	return applied()
}

// childInsertionSticky anchors the insertion point for index-addressed
// child placement before any text is cut, so the position survives the
// cut. The moved element itself is left out of the parent's child list
// when the move stays within one parent.
func (tr *translator) childInsertionSticky(parent *elementEntry, index int, excludeID string) (*crdt.StickyIndex, bool) {
	var children []string
	for _, id := range parent.children {
		if id != excludeID {
			children = append(children, id)
		}
	}
	clamped := false
	if index < 0 {
		index = 0
		clamped = true
	}
	if index > len(children) {
		index = len(children)
		clamped = true
	}
	if index < len(children) {
		sp, ok := tr.ix.spans[children[index]]
		if !ok {
			return nil, clamped
		}
		si := sp.Start
		return &si, clamped
	}
	si := parent.innerEnd
	return &si, clamped
}

func (tr *translator) insertElement(p InsertElement) outcome {
	if strings.TrimSpace(p.ElementSource) == "" {
		return rejected("empty element source")
	}
	// The fragment must parse as a well-formed element on its own.
	probe := "component __Probe {\nrender " + p.ElementSource + "\n}\n"
	if doc, diags, err := parser.Parse("/probe.pc", probe, parser.DefaultOptions()); err != nil || len(diags) > 0 || len(doc.Components) != 1 || doc.Components[0].Render == nil {
		return rejected("element source does not parse")
	}

	parent, out := tr.resolveElement(p.ParentID)
	if parent == nil {
		return out
	}
	if !parent.hasBody {
		span, live := parent.span.Resolve(tr.txn)
		if !live {
			return noop("node deleted")
		}
		tr.txn.Insert(span.End, " {\n"+indentLines(p.ElementSource, "  ")+"\n}")
		return rebased("created element body")
	}

	target, clamped := tr.childInsertionSticky(parent, p.Index, "")
	if target == nil {
		return noop("node deleted")
	}
	at, ok := tr.txn.ResolveSticky(*target)
	if !ok {
		return noop("node deleted")
	}
	tr.txn.Insert(at, "\n"+p.ElementSource+"\n")
	if clamped {
		return rebased("index clamped to child count")
	}
	return applied()
}

func (tr *translator) removeNode(p RemoveNode) outcome {
	sourceID, ok, inRepeat := tr.ix.SourceIDForNode(p.NodeID)
	if inRepeat {
		return rejected("node is inside a repeat instance; target the template")
	}
	if !ok {
		return noop("node deleted")
	}
	sp, ok := tr.ix.spans[sourceID]
	if !ok {
		return noop("node deleted")
	}
	span, live := sp.Resolve(tr.txn)
	if !live {
		return noop("node deleted")
	}

	// Extend over trailing whitespace up to the next sibling or closing
	// brace so no blank hole is left behind.
	text := tr.txn.String()
	end := span.End
	for end < len(text) {
		c := text[end]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			end++
			continue
		}
		break
	}
	tr.txn.Delete(span.Start, end-span.Start)
	return applied()
}
