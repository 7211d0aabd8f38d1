package vdoc

import "strings"

// pathOf derives the semantic patch path for a node. Semantic ids are
// slash-joined segment lists, so the id itself is the path.
func pathOf(n *VNode) PatchPath {
	return PatchPath(strings.Split(n.SemanticID, "/"))
}

// Diff produces an ordered patch list such that applying it to a
// structural clone of old yields new. It never fails: any tree it cannot
// pair cleanly degrades to a single Initialize carrying the new document.
func Diff(old, new *Document) []Patch {
	if new == nil {
		return nil
	}
	if old == nil || old.Root == nil || new.Root == nil ||
		old.Root.SemanticID != new.Root.SemanticID ||
		old.Root.Kind != new.Root.Kind || old.Root.Tag != new.Root.Tag {
		return []Patch{{Type: PatchInitialize, Document: new.Clone()}}
	}

	d := &differ{}
	d.diffNode(old.Root, new.Root)
	d.diffRules(old.Rules, new.Rules)
	return d.patches
}

type differ struct {
	patches []Patch
}

func (d *differ) emit(p Patch) { d.patches = append(d.patches, p) }

// compatible reports whether two nodes can be diffed in place rather than
// replaced wholesale.
func compatible(o, n *VNode) bool {
	return o.Kind == n.Kind && o.Tag == n.Tag
}

func (d *differ) diffNode(o, n *VNode) {
	path := pathOf(n)
	switch n.Kind {
	case KindText:
		if o.Text != n.Text {
			d.emit(Patch{Type: PatchSetText, Path: path, Text: n.Text})
		}
	case KindError:
		if o.Message != n.Message {
			d.emit(Patch{Type: PatchSetText, Path: path, Text: n.Message})
		}
	case KindElement:
		d.diffAttributes(o, n, path)
		d.diffStyles(o, n, path)
		d.diffChildren(o, n, path)
	}
}

func (d *differ) diffAttributes(o, n *VNode, path PatchPath) {
	for _, name := range n.AttributeNames() {
		nv := n.Attributes[name]
		if ov, ok := o.Attributes[name]; !ok || ov != nv {
			d.emit(Patch{Type: PatchSetAttribute, Path: path, Key: name, Value: nv})
		}
	}
	for _, name := range o.AttributeNames() {
		if _, ok := n.Attributes[name]; !ok {
			d.emit(Patch{Type: PatchSetAttribute, Path: path, Key: name, Removed: true})
		}
	}
}

func (d *differ) diffStyles(o, n *VNode, path PatchPath) {
	d.diffDecls(o.Styles, n.Styles, path)
}

// diffDecls diffs two ordered declaration lists. When only values change,
// in-place sets preserve order; when the property sequence itself changes,
// the old list is cleared and rebuilt so the applied order matches exactly
// (declaration order carries cascade meaning).
func (d *differ) diffDecls(old, new []Declaration, path PatchPath) {
	sameSequence := len(old) == len(new)
	if sameSequence {
		for i := range old {
			if old[i].Property != new[i].Property {
				sameSequence = false
				break
			}
		}
	}
	if sameSequence {
		for i := range new {
			if old[i].Value != new[i].Value {
				d.emit(Patch{Type: PatchSetStyle, Path: path, Key: new[i].Property, Value: new[i].Value})
			}
		}
		return
	}
	for _, s := range old {
		d.emit(Patch{Type: PatchSetStyle, Path: path, Key: s.Property, Removed: true})
	}
	for _, s := range new {
		d.emit(Patch{Type: PatchSetStyle, Path: path, Key: s.Property, Value: s.Value})
	}
}

// diffChildren pairs children by semantic id and produces a minimum-edit
// sequence of removes, moves, and inserts; paired children are recursed
// into at their new position.
func (d *differ) diffChildren(o, n *VNode, parentPath PatchPath) {
	oldByID := make(map[string]*VNode, len(o.Children))
	for _, c := range o.Children {
		oldByID[c.SemanticID] = c
	}
	newByID := make(map[string]bool, len(n.Children))
	for _, c := range n.Children {
		newByID[c.SemanticID] = true
	}

	// Working copy of the old child order, with removals applied first.
	var working []*VNode
	for _, c := range o.Children {
		if newByID[c.SemanticID] {
			working = append(working, c)
			continue
		}
		d.emit(Patch{Type: PatchRemoveChild, Path: parentPath, ChildID: c.SemanticID})
	}

	indexOf := func(id string) int {
		for i, c := range working {
			if c.SemanticID == id {
				return i
			}
		}
		return -1
	}

	for i, nc := range n.Children {
		oc, exists := oldByID[nc.SemanticID]
		if exists && !compatible(oc, nc) {
			// Same identity, different shape: replace in place.
			j := indexOf(nc.SemanticID)
			d.emit(Patch{Type: PatchRemoveChild, Path: parentPath, ChildID: nc.SemanticID})
			working = append(working[:j], working[j+1:]...)
			exists = false
		}
		if !exists {
			d.emit(Patch{Type: PatchInsertChild, Path: parentPath, Index: i, Node: nc.Clone()})
			working = append(working, nil)
			copy(working[i+1:], working[i:])
			working[i] = nc
			continue
		}
		if j := indexOf(nc.SemanticID); j != i {
			d.emit(Patch{Type: PatchMoveChild, Path: parentPath, ChildID: nc.SemanticID, FromIndex: j, ToIndex: i})
			moved := working[j]
			working = append(working[:j], working[j+1:]...)
			working = append(working, nil)
			copy(working[i+1:], working[i:])
			working[i] = moved
		}
		d.diffNode(oc, nc)
	}
}

// diffRules diffs the CSS rule lists with the same identity-first
// strategy; identity is selector plus variant set.
func (d *differ) diffRules(old, new []CSSRule) {
	cssPath := PatchPath{cssPathSegment}

	oldByID := make(map[string]*CSSRule, len(old))
	for i := range old {
		oldByID[old[i].Identity()] = &old[i]
	}
	newIDs := make(map[string]bool, len(new))
	for i := range new {
		newIDs[new[i].Identity()] = true
	}

	var working []string
	for i := range old {
		id := old[i].Identity()
		if newIDs[id] {
			working = append(working, id)
			continue
		}
		d.emit(Patch{Type: PatchRemoveChild, Path: cssPath, ChildID: id})
	}

	indexOf := func(id string) int {
		for i, w := range working {
			if w == id {
				return i
			}
		}
		return -1
	}

	for i := range new {
		nr := &new[i]
		id := nr.Identity()
		or, exists := oldByID[id]
		if !exists {
			cp := *nr
			cp.Variants = append([]string(nil), nr.Variants...)
			cp.Declarations = append([]Declaration(nil), nr.Declarations...)
			d.emit(Patch{Type: PatchInsertChild, Path: cssPath, Index: i, Rule: &cp})
			working = append(working, "")
			copy(working[i+1:], working[i:])
			working[i] = id
			continue
		}
		if j := indexOf(id); j != i {
			d.emit(Patch{Type: PatchMoveChild, Path: cssPath, ChildID: id, FromIndex: j, ToIndex: i})
			working = append(working[:j], working[j+1:]...)
			working = append(working, "")
			copy(working[i+1:], working[i:])
			working[i] = id
		}
		d.diffRuleDecls(or, nr, append(cssPath, id))
	}
}

func (d *differ) diffRuleDecls(o, n *CSSRule, path PatchPath) {
	d.diffDecls(o.Declarations, n.Declarations, path)
}
