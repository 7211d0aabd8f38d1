package evaluator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/paperclip-ui/workspace/parser"
	"github.com/paperclip-ui/workspace/vdoc"
)

func (ev *evaluator) evalElement(doc *parser.Document, el *parser.Element, sc *scope, slots map[string]slotBinding, path string) ([]*vdoc.VNode, *Error) {
	comp, targetDoc, err := ev.resolveComponent(doc, el)
	if err != nil {
		// A bare capitalized name the file does not declare may be a
		// registered live component: render it opaquely.
		if err.Kind == ErrUnresolvedComponent && el.Namespace == "" {
			if tag, ok := ev.opts.LiveComponents[el.Tag]; ok {
				return ev.evalLiveElement(doc, el, tag, sc, slots, path)
			}
		}
		return nil, err
	}
	if comp != nil {
		return ev.evalInstance(doc, targetDoc, comp, el, sc, path)
	}
	return ev.evalPlainElement(doc, el, sc, slots, path)
}

// evalLiveElement renders an externally registered component as an
// opaque element: its arguments become typed props, its children render
// inside, and data-live-component carries the registry name.
func (ev *evaluator) evalLiveElement(doc *parser.Document, el *parser.Element, tag string, sc *scope, slots map[string]slotBinding, path string) ([]*vdoc.VNode, *Error) {
	if tag == "" {
		tag = "div"
	}
	elemHash := shortHash(el.SourceID())
	node := &vdoc.VNode{
		Kind:       vdoc.KindElement,
		Tag:        tag,
		Attributes: map[string]string{"data-live-component": el.Tag},
		SemanticID: path + "/" + el.Tag + "@" + elemHash,
	}
	ev.nodeCount++

	for _, a := range el.Args {
		v, xerr := evalExpr(a.Value, sc)
		if xerr != nil {
			ev.leafDiag(xerr.Span, xerr.Message)
			continue
		}
		if a.Name == "key" {
			node.Key = stringify(v)
			continue
		}
		node.Attributes[a.Name] = stringify(v)
	}

	children, err := ev.evalNodes(doc, el.Children, sc, slots, node.SemanticID)
	if err != nil {
		return nil, err
	}
	node.Children = children
	return []*vdoc.VNode{node}, nil
}

// resolveComponent decides whether an element is a component instantiation.
// A namespaced head always is; a bare capitalized head must name a local
// component. Failures here are structural.
func (ev *evaluator) resolveComponent(doc *parser.Document, el *parser.Element) (*parser.ComponentDecl, *parser.Document, *Error) {
	if el.Namespace != "" {
		imp := findImport(doc, el.Namespace)
		if imp == nil {
			return nil, nil, &Error{
				Kind:    ErrUnresolvedComponent,
				Message: fmt.Sprintf("unknown import namespace %q", el.Namespace),
				Span:    el.Pos(),
			}
		}
		canonical, err := ev.res.Resolve(imp.Path, doc.Path)
		if err != nil {
			return nil, nil, &Error{Kind: ErrImport, Message: err.Error(), Span: imp.Pos()}
		}
		target, err := ev.res.GetDocument(canonical)
		if err != nil {
			return nil, nil, &Error{Kind: ErrImport, Message: err.Error(), Span: imp.Pos()}
		}
		comp := target.Component(el.Tag)
		if comp == nil || !comp.Public {
			return nil, nil, &Error{
				Kind:    ErrUnresolvedComponent,
				Message: fmt.Sprintf("%s has no public component %s", imp.Path, el.Tag),
				Span:    el.Pos(),
			}
		}
		return comp, target, nil
	}
	if isCapitalized(el.Tag) {
		comp := doc.Component(el.Tag)
		if comp == nil {
			return nil, nil, &Error{
				Kind:    ErrUnresolvedComponent,
				Message: fmt.Sprintf("unknown component %s", el.Tag),
				Span:    el.Pos(),
			}
		}
		return comp, doc, nil
	}
	return nil, nil, nil
}

func findImport(doc *parser.Document, ns string) *parser.Import {
	for _, imp := range doc.Imports {
		if imp.Namespace == ns {
			return imp
		}
	}
	return nil
}

func isCapitalized(s string) bool {
	return len(s) > 0 && s[0] >= 'A' && s[0] <= 'Z'
}

// evalInstance evaluates a component instantiation: arguments bind in the
// caller's scope, the body evaluates in an isolated scope holding only
// those bindings, and child content becomes slot bindings evaluated
// lazily in the caller's scope.
func (ev *evaluator) evalInstance(callerDoc, defDoc *parser.Document, comp *parser.ComponentDecl, el *parser.Element, sc *scope, path string) ([]*vdoc.VNode, *Error) {
	bodyScope := &scope{}
	key := ""
	for _, arg := range el.Args {
		v, xerr := evalExpr(arg.Value, sc)
		if xerr != nil {
			ev.leafDiag(xerr.Span, xerr.Message)
			return []*vdoc.VNode{ev.errorNode(path, el.SourceID(), xerr.Span, xerr.Message)}, nil
		}
		if arg.Name == "key" {
			key = stringify(v)
			continue
		}
		bodyScope = bodyScope.child(arg.Name, v)
	}

	slots := map[string]slotBinding{}
	var defaultChildren []parser.Node
	for _, child := range el.Children {
		if ins, ok := child.(*parser.InsertNode); ok {
			slots[ins.Name] = slotBinding{nodes: ins.Children, sc: sc, doc: callerDoc, span: ins.Pos()}
			continue
		}
		defaultChildren = append(defaultChildren, child)
	}
	if len(defaultChildren) > 0 {
		slots["children"] = slotBinding{nodes: defaultChildren, sc: sc, doc: callerDoc, span: el.Pos()}
	}

	node, err := ev.instantiate(defDoc, comp, bodyScope, slots, path, key)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, nil
	}
	return []*vdoc.VNode{node}, nil
}

func (ev *evaluator) evalPlainElement(doc *parser.Document, el *parser.Element, sc *scope, slots map[string]slotBinding, path string) ([]*vdoc.VNode, *Error) {
	elemHash := shortHash(el.SourceID())
	node := &vdoc.VNode{
		Kind:       vdoc.KindElement,
		Tag:        el.Tag,
		SemanticID: path + "/" + el.Tag + "@" + elemHash,
	}
	ev.nodeCount++

	classes := append([]string(nil), el.Classes...)
	if len(el.StyleBlocks) > 0 {
		classes = append(classes, "_"+elemHash)
	}
	if len(classes) > 0 {
		node.Attributes = map[string]string{"class": strings.Join(classes, " ")}
	}

	setAttr := func(name string, value parser.Expr) {
		if name == "key" {
			if v, xerr := evalExpr(value, sc); xerr == nil {
				node.Key = stringify(v)
			} else {
				ev.leafDiag(xerr.Span, xerr.Message)
			}
			return
		}
		v, xerr := evalExpr(value, sc)
		if xerr != nil {
			ev.leafDiag(xerr.Span, xerr.Message)
			return
		}
		if node.Attributes == nil {
			node.Attributes = map[string]string{}
		}
		node.Attributes[name] = stringify(v)
	}
	for _, a := range el.Attributes {
		setAttr(a.Name, a.Value)
	}
	// Arguments on a plain element are attribute sugar.
	for _, a := range el.Args {
		setAttr(a.Name, a.Value)
	}

	ev.applyStyles(doc, el, node, elemHash)

	children, err := ev.evalNodes(doc, el.Children, sc, slots, node.SemanticID)
	if err != nil {
		return nil, err
	}
	node.Children = children
	return []*vdoc.VNode{node}, nil
}

// applyStyles resolves the element's style blocks into the node's
// effective declaration list and the document rule set. Base blocks rank
// below variant blocks; only blocks whose whole variant set is active
// contribute. Ties break by declaration order.
func (ev *evaluator) applyStyles(doc *parser.Document, el *parser.Element, node *vdoc.VNode, elemHash string) {
	if len(el.StyleBlocks) == 0 {
		return
	}
	selector := "._" + elemHash

	type ranked struct {
		block    *parser.StyleBlock
		priority int
	}
	var blocks []ranked
	for _, sb := range el.StyleBlocks {
		if len(sb.Variants) == 0 {
			blocks = append(blocks, ranked{sb, 0})
		}
	}
	for _, sb := range el.StyleBlocks {
		if len(sb.Variants) > 0 && ev.opts.ActiveVariants.ContainsAll(sb.Variants) {
			blocks = append(blocks, ranked{sb, 1})
		}
	}

	for _, rb := range blocks {
		variants := append([]string(nil), rb.block.Variants...)
		sort.Strings(variants)
		var decls []vdoc.Declaration
		for _, d := range rb.block.Declarations {
			decls = append(decls, vdoc.Declaration{
				Property: d.Property,
				Value:    ev.substituteTokens(doc, d.Value, d.Pos()),
			})
		}
		ev.addRule(vdoc.CSSRule{Selector: selector, Variants: variants, Declarations: decls})
		node.Styles = mergeDecls(node.Styles, decls)
	}
}

// mergeDecls folds decls into base: a repeated property updates the value
// in place, a new property appends. Order stays deterministic.
func mergeDecls(base []vdoc.Declaration, decls []vdoc.Declaration) []vdoc.Declaration {
	for _, d := range decls {
		replaced := false
		for i := range base {
			if base[i].Property == d.Property {
				base[i].Value = d.Value
				replaced = true
				break
			}
		}
		if !replaced {
			base = append(base, d)
		}
	}
	return base
}

// addRule appends a rule, merging into an existing rule with the same
// identity so the rule list stays identity-unique for the differ.
func (ev *evaluator) addRule(rule vdoc.CSSRule) {
	id := rule.Identity()
	if idx, ok := ev.ruleIndex[id]; ok {
		ev.rules[idx].Declarations = mergeDecls(ev.rules[idx].Declarations, rule.Declarations)
		return
	}
	ev.ruleIndex[id] = len(ev.rules)
	ev.rules = append(ev.rules, rule)
}
