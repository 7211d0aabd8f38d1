package evaluator

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/paperclip-ui/workspace/parser"
	"github.com/paperclip-ui/workspace/vdoc"
)

// Resolver supplies parsed imports. The bundle implements it; tests may
// substitute an in-memory map.
type Resolver interface {
	// Resolve canonicalizes an import path relative to the importing file.
	Resolve(importPath, fromPath string) (string, error)
	// GetDocument returns the parsed document for a canonical path.
	GetDocument(path string) (*parser.Document, error)
}

// ErrorKind classifies structural evaluation failures. Leaf-level
// problems never surface here; they become Error nodes and diagnostics.
type ErrorKind int

const (
	ErrUnresolvedComponent ErrorKind = iota
	ErrUnresolvedSlot
	ErrRecursiveComponent
	ErrDepthLimit
	ErrNodeLimit
	ErrImport
	ErrDuplicateID
	ErrDuplicateKey
)

func (k ErrorKind) String() string {
	switch k {
	case ErrUnresolvedComponent:
		return "UnresolvedComponent"
	case ErrUnresolvedSlot:
		return "UnresolvedSlot"
	case ErrRecursiveComponent:
		return "RecursiveComponent"
	case ErrDepthLimit:
		return "DepthLimit"
	case ErrNodeLimit:
		return "NodeLimit"
	case ErrImport:
		return "Import"
	case ErrDuplicateID:
		return "DuplicateID"
	case ErrDuplicateKey:
		return "DuplicateKey"
	}
	return "Unknown"
}

// Error is a structural evaluation failure. The enclosing frame's subtree
// is dropped; no node carrying the failing component's segment is emitted.
type Error struct {
	Kind      ErrorKind
	Message   string
	Span      parser.Span
	Component string
	CallStack []string
}

func (e *Error) Error() string {
	if len(e.CallStack) > 0 {
		return fmt.Sprintf("%s: %s (call stack: %s)", e.Kind, e.Message, strings.Join(e.CallStack, " -> "))
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// VariantSet is the set of active variant names.
type VariantSet map[string]bool

// NewVariantSet builds a set from names.
func NewVariantSet(names ...string) VariantSet {
	vs := make(VariantSet, len(names))
	for _, n := range names {
		vs[n] = true
	}
	return vs
}

// ContainsAll reports whether every name is active.
func (vs VariantSet) ContainsAll(names []string) bool {
	for _, n := range names {
		if !vs[n] {
			return false
		}
	}
	return true
}

// Options bound the work of one evaluation.
type Options struct {
	// MaxDepth caps component instantiation depth.
	MaxDepth int
	// MaxNodes caps the output tree size.
	MaxNodes int
	// Strict upgrades duplicate repeat keys to structural errors.
	Strict bool
	// ActiveVariants selects which variant style rules contribute.
	ActiveVariants VariantSet
	// LiveComponents maps externally registered component names to the
	// tag they render as ("" means div). A reference that resolves here
	// becomes an opaque element instead of an unresolved-component
	// failure; fetching and rendering stay external.
	LiveComponents map[string]string
}

// DefaultOptions returns the documented limits.
func DefaultOptions() Options {
	return Options{
		MaxDepth: 50,
		MaxNodes: 10000,
	}
}

type stackEntry struct {
	name     string
	boundary bool
}

type evaluator struct {
	res       Resolver
	opts      Options
	diags     []parser.Diagnostic
	stack     []stackEntry
	nodeCount int
	rules     []vdoc.CSSRule
	ruleIndex map[string]int
	firstErr  *Error
}

// slotBinding carries insert content together with the scope it was
// written in; slot content is lexically scoped to the caller.
type slotBinding struct {
	nodes []parser.Node
	sc    *scope
	doc   *parser.Document
	span  parser.Span
}

// Evaluate produces the virtual document for one .pc file. Each component
// declaration renders as one frame under a synthetic root element. A
// structural failure drops the failing frame and is returned as the
// error; the remaining frames are still present in the returned document.
func Evaluate(doc *parser.Document, res Resolver, data Value, opts Options) (*vdoc.Document, []parser.Diagnostic, error) {
	if opts.MaxDepth <= 0 {
		opts = DefaultOptions()
	}
	ev := &evaluator{res: res, opts: opts, ruleIndex: map[string]int{}}

	root := &vdoc.VNode{Kind: vdoc.KindElement, Tag: "root", SemanticID: "root"}
	ev.nodeCount++

	ev.emitNamedStyles(doc)

	for _, comp := range doc.Components {
		frame, err := ev.evalFrame(doc, comp, data)
		if err != nil {
			ev.recordErr(err)
			continue
		}
		if frame != nil {
			root.Children = append(root.Children, frame)
		}
	}

	out := &vdoc.Document{Root: root, Rules: ev.rules}
	if err := ev.verifyUniqueIDs(out); err != nil {
		ev.recordErr(err)
	}
	if ev.firstErr != nil {
		return out, ev.diags, ev.firstErr
	}
	return out, ev.diags, nil
}

func (ev *evaluator) recordErr(err *Error) {
	if ev.firstErr == nil {
		ev.firstErr = err
	}
	ev.diags = append(ev.diags, parser.Diagnostic{
		Severity: parser.SeverityError,
		Span:     err.Span,
		Message:  err.Error(),
	})
}

func (ev *evaluator) leafDiag(span parser.Span, msg string) {
	ev.diags = append(ev.diags, parser.Diagnostic{
		Severity: parser.SeverityError,
		Span:     span,
		Message:  msg,
	})
}

func (ev *evaluator) errorNode(path string, srcID string, span parser.Span, msg string) *vdoc.VNode {
	ev.nodeCount++
	return &vdoc.VNode{
		Kind:       vdoc.KindError,
		Message:    msg,
		SpanStart:  span.Start,
		SpanEnd:    span.End,
		SemanticID: path + "/err@" + shortHash(srcID),
	}
}

func (ev *evaluator) evalFrame(doc *parser.Document, comp *parser.ComponentDecl, data Value) (*vdoc.VNode, *Error) {
	sc := frameScope(data)
	node, err := ev.instantiate(doc, comp, sc, nil, "root", "")
	if err != nil || node == nil {
		return nil, err
	}
	if comp.Annotations != nil && comp.Annotations.Frame != nil {
		f := comp.Annotations.Frame
		if node.Attributes == nil {
			node.Attributes = map[string]string{}
		}
		node.Attributes["data-frame-x"] = strconv.Itoa(f.X)
		node.Attributes["data-frame-y"] = strconv.Itoa(f.Y)
		node.Attributes["data-frame-width"] = strconv.Itoa(f.Width)
		node.Attributes["data-frame-height"] = strconv.Itoa(f.Height)
	}
	return node, nil
}

// instantiate evaluates one component instance and returns its root node.
// The semantic segment for the instance is the component name, keyed when
// the instance sits inside a repeat item.
func (ev *evaluator) instantiate(defDoc *parser.Document, comp *parser.ComponentDecl, sc *scope, slots map[string]slotBinding, parentPath, key string) (*vdoc.VNode, *Error) {
	qualified := defDoc.Path + "#" + comp.Name

	// Recursion check is scoped to the segment of the stack above the
	// nearest repeat-template boundary: recursion that descends through a
	// repeat over bound data terminates with the data.
	var callStack []string
	for _, e := range ev.stack {
		if !e.boundary {
			callStack = append(callStack, componentShort(e.name))
		}
	}
	for i := len(ev.stack) - 1; i >= 0; i-- {
		if ev.stack[i].boundary {
			break
		}
		if ev.stack[i].name == qualified {
			return nil, &Error{
				Kind:      ErrRecursiveComponent,
				Message:   fmt.Sprintf("component %s instantiates itself without a data-bounded repeat", comp.Name),
				Span:      comp.Pos(),
				Component: comp.Name,
				CallStack: append(callStack, comp.Name),
			}
		}
	}

	depth := 0
	for _, e := range ev.stack {
		if !e.boundary {
			depth++
		}
	}
	if depth >= ev.opts.MaxDepth {
		return nil, &Error{
			Kind:      ErrDepthLimit,
			Message:   fmt.Sprintf("component depth exceeds %d", ev.opts.MaxDepth),
			Span:      comp.Pos(),
			Component: comp.Name,
			CallStack: append(callStack, comp.Name),
		}
	}

	if comp.Render == nil {
		ev.leafDiag(comp.Pos(), fmt.Sprintf("component %s has no render", comp.Name))
		return nil, nil
	}

	if err := ev.checkSlots(comp, slots); err != nil {
		return nil, err
	}

	seg := comp.Name
	if key != "" {
		seg += "[" + key + "]"
	}
	path := parentPath + "/" + seg

	ev.stack = append(ev.stack, stackEntry{name: qualified})
	defer func() { ev.stack = ev.stack[:len(ev.stack)-1] }()

	nodes, err := ev.evalNode(defDoc, comp.Render, sc, slots, path)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, nil
	}
	root := nodes[0]
	if key != "" && root.Key == "" {
		root.Key = key
	}
	return root, nil
}

// checkSlots validates that every insert on the instance names a slot the
// component actually declares.
func (ev *evaluator) checkSlots(comp *parser.ComponentDecl, slots map[string]slotBinding) *Error {
	if len(slots) == 0 {
		return nil
	}
	declared := map[string]bool{}
	parser.Walk(comp.Render, func(n parser.Node) bool {
		if s, ok := n.(*parser.SlotNode); ok {
			declared[s.Name] = true
		}
		return true
	})
	names := make([]string, 0, len(slots))
	for name := range slots {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !declared[name] {
			return &Error{
				Kind:      ErrUnresolvedSlot,
				Message:   fmt.Sprintf("component %s has no slot %q", comp.Name, name),
				Span:      slots[name].span,
				Component: comp.Name,
			}
		}
	}
	return nil
}

// evalNode evaluates one AST node into zero or more virtual nodes.
// Structural failures propagate as errors; leaf failures produce Error
// nodes in place.
func (ev *evaluator) evalNode(doc *parser.Document, n parser.Node, sc *scope, slots map[string]slotBinding, path string) ([]*vdoc.VNode, *Error) {
	if ev.nodeCount > ev.opts.MaxNodes {
		return nil, &Error{
			Kind:    ErrNodeLimit,
			Message: fmt.Sprintf("virtual document exceeds %d nodes", ev.opts.MaxNodes),
			Span:    n.Pos(),
		}
	}

	switch t := n.(type) {
	case *parser.Element:
		return ev.evalElement(doc, t, sc, slots, path)
	case *parser.TextNode:
		return ev.evalText(t, sc, path), nil
	case *parser.SlotNode:
		return ev.evalSlot(doc, t, sc, slots, path)
	case *parser.IfNode:
		cond, xerr := evalExpr(t.Cond, sc)
		if xerr != nil {
			ev.leafDiag(xerr.Span, xerr.Message)
			return []*vdoc.VNode{ev.errorNode(path, t.SourceID(), xerr.Span, xerr.Message)}, nil
		}
		branch := t.Else
		if truthy(cond) {
			branch = t.Then
		}
		return ev.evalNodes(doc, branch, sc, slots, path)
	case *parser.RepeatNode:
		return ev.evalRepeat(doc, t, sc, slots, path)
	case *parser.InsertNode:
		ev.leafDiag(t.Pos(), fmt.Sprintf("insert %q outside a component instance", t.Name))
		return nil, nil
	case *parser.ErrorNode:
		return []*vdoc.VNode{ev.errorNode(path, t.SourceID(), t.Pos(), t.Message)}, nil
	}
	return nil, nil
}

func (ev *evaluator) evalNodes(doc *parser.Document, list []parser.Node, sc *scope, slots map[string]slotBinding, path string) ([]*vdoc.VNode, *Error) {
	var out []*vdoc.VNode
	for _, n := range list {
		nodes, err := ev.evalNode(doc, n, sc, slots, path)
		if err != nil {
			return nil, err
		}
		out = append(out, nodes...)
	}
	return out, nil
}

func (ev *evaluator) evalText(t *parser.TextNode, sc *scope, path string) []*vdoc.VNode {
	id := path + "/text@" + shortHash(t.SourceID())
	if t.Expr != nil {
		v, xerr := evalExpr(t.Expr, sc)
		if xerr != nil {
			ev.leafDiag(xerr.Span, xerr.Message)
			return []*vdoc.VNode{ev.errorNode(path, t.SourceID(), xerr.Span, xerr.Message)}
		}
		ev.nodeCount++
		return []*vdoc.VNode{{Kind: vdoc.KindText, Text: stringify(v), SemanticID: id}}
	}
	ev.nodeCount++
	return []*vdoc.VNode{{Kind: vdoc.KindText, Text: t.Value, SemanticID: id}}
}

func (ev *evaluator) evalSlot(doc *parser.Document, t *parser.SlotNode, sc *scope, slots map[string]slotBinding, path string) ([]*vdoc.VNode, *Error) {
	slotPath := path + "/::" + t.Name
	if binding, ok := slots[t.Name]; ok {
		// Insert content evaluates in the caller's scope and document.
		return ev.evalNodes(binding.doc, binding.nodes, binding.sc, nil, slotPath)
	}
	return ev.evalNodes(doc, t.Fallback, sc, slots, slotPath)
}

func (ev *evaluator) evalRepeat(doc *parser.Document, t *parser.RepeatNode, sc *scope, slots map[string]slotBinding, path string) ([]*vdoc.VNode, *Error) {
	iterable, xerr := evalExpr(t.Iterable, sc)
	if xerr != nil {
		ev.leafDiag(xerr.Span, xerr.Message)
		return []*vdoc.VNode{ev.errorNode(path, t.SourceID(), xerr.Span, xerr.Message)}, nil
	}
	items, ok := iterable.([]interface{})
	if !ok {
		msg := fmt.Sprintf("repeat needs an array, got %s", typeName(iterable))
		ev.leafDiag(t.Iterable.ExprPos(), msg)
		return []*vdoc.VNode{ev.errorNode(path, t.SourceID(), t.Iterable.ExprPos(), msg)}, nil
	}
	if len(items) == 0 {
		return ev.evalNodes(doc, t.Empty, sc, slots, path)
	}

	repHash := shortHash(t.SourceID())
	seen := map[string]int{}
	var out []*vdoc.VNode
	for _, item := range items {
		itemScope := sc.child(t.Var, item)

		key, kerr := ev.itemKey(t, item, itemScope)
		if kerr != nil {
			ev.leafDiag(kerr.Span, kerr.Message)
			out = append(out, ev.errorNode(path, t.SourceID(), kerr.Span, kerr.Message))
			continue
		}
		if n := seen[key]; n > 0 {
			if ev.opts.Strict {
				return nil, &Error{
					Kind:    ErrDuplicateKey,
					Message: fmt.Sprintf("duplicate repeat key %q", key),
					Span:    t.Pos(),
				}
			}
			ev.diags = append(ev.diags, parser.Diagnostic{
				Severity: parser.SeverityWarning,
				Span:     t.Pos(),
				Message:  fmt.Sprintf("duplicate repeat key %q", key),
			})
			seen[key] = n + 1
			key = key + "#" + strconv.Itoa(n+1)
		} else {
			seen[key] = 1
		}

		itemPath := path + "/[" + repHash + ":" + key + "]"

		// The repeat template boundary scopes the recursion check.
		ev.stack = append(ev.stack, stackEntry{boundary: true})
		nodes, err := ev.evalNodes(doc, t.Body, itemScope, slots, itemPath)
		ev.stack = ev.stack[:len(ev.stack)-1]
		if err != nil {
			return nil, err
		}
		for _, node := range nodes {
			if node.Key == "" {
				node.Key = key
			}
		}
		out = append(out, nodes...)
	}
	return out, nil
}

// itemKey resolves the key for one repeat item: the template's explicit
// `key` binding when present, otherwise a stable hash of the item value.
func (ev *evaluator) itemKey(t *parser.RepeatNode, item Value, itemScope *scope) (string, *exprError) {
	if expr := repeatKeyExpr(t); expr != nil {
		v, err := evalExpr(expr, itemScope)
		if err != nil {
			return "", err
		}
		return stringify(v), nil
	}
	return contentKey(item), nil
}

// repeatKeyExpr finds the explicit key binding on the repeat template:
// a `key` argument or attribute on the first element of the body.
func repeatKeyExpr(t *parser.RepeatNode) parser.Expr {
	for _, n := range t.Body {
		el, ok := n.(*parser.Element)
		if !ok {
			continue
		}
		for _, a := range el.Args {
			if a.Name == "key" {
				return a.Value
			}
		}
		if v, ok := el.Attribute("key"); ok {
			return v
		}
		return nil
	}
	return nil
}

func componentShort(qualified string) string {
	if i := strings.LastIndexByte(qualified, '#'); i >= 0 {
		return qualified[i+1:]
	}
	return qualified
}

func (ev *evaluator) verifyUniqueIDs(doc *vdoc.Document) *Error {
	seen := map[string]bool{}
	var dup string
	var walk func(n *vdoc.VNode)
	walk = func(n *vdoc.VNode) {
		if n == nil || dup != "" {
			return
		}
		if seen[n.SemanticID] {
			dup = n.SemanticID
			return
		}
		seen[n.SemanticID] = true
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(doc.Root)
	if dup != "" {
		return &Error{
			Kind:    ErrDuplicateID,
			Message: fmt.Sprintf("semantic id %q assigned twice", dup),
		}
	}
	return nil
}
