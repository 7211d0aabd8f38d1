package vdoc

import (
	"fmt"
	"strings"
)

// Apply replays a patch list onto a document, returning the patched
// document. It is the reference consumer of the patch vocabulary and is
// used to verify patch soundness; clients apply the same semantics to
// their cached DOM.
func Apply(doc *Document, patches []Patch) (*Document, error) {
	out := doc.Clone()
	for i, p := range patches {
		var err error
		out, err = applyOne(out, p)
		if err != nil {
			return nil, fmt.Errorf("patch %d (%s): %w", i, p.Type, err)
		}
	}
	return out, nil
}

func applyOne(doc *Document, p Patch) (*Document, error) {
	if p.Type == PatchInitialize {
		return p.Document.Clone(), nil
	}
	if doc == nil {
		return nil, fmt.Errorf("no document")
	}
	if len(p.Path) > 0 && p.Path[0] == cssPathSegment {
		return doc, applyCSS(doc, p)
	}

	target := doc.Find(p.Path.String())
	if target == nil {
		return nil, fmt.Errorf("no node at %s", p.Path)
	}

	switch p.Type {
	case PatchSetAttribute:
		if p.Removed {
			delete(target.Attributes, p.Key)
			return doc, nil
		}
		if target.Attributes == nil {
			target.Attributes = map[string]string{}
		}
		target.Attributes[p.Key] = p.Value
	case PatchSetStyle:
		applyDecl(&target.Styles, p)
	case PatchSetText:
		if target.Kind == KindError {
			target.Message = p.Text
		} else {
			target.Text = p.Text
		}
	case PatchInsertChild:
		if p.Node == nil {
			return nil, fmt.Errorf("insert_child without node")
		}
		if p.Index < 0 || p.Index > len(target.Children) {
			return nil, fmt.Errorf("insert index %d out of range", p.Index)
		}
		target.Children = append(target.Children, nil)
		copy(target.Children[p.Index+1:], target.Children[p.Index:])
		target.Children[p.Index] = p.Node.Clone()
	case PatchRemoveChild:
		idx := -1
		for i, c := range target.Children {
			if c.SemanticID == p.ChildID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("no child %s", p.ChildID)
		}
		target.Children = append(target.Children[:idx], target.Children[idx+1:]...)
	case PatchMoveChild:
		if p.FromIndex < 0 || p.FromIndex >= len(target.Children) {
			return nil, fmt.Errorf("move from %d out of range", p.FromIndex)
		}
		moved := target.Children[p.FromIndex]
		if moved.SemanticID != p.ChildID {
			return nil, fmt.Errorf("move targets %s but index %d holds %s", p.ChildID, p.FromIndex, moved.SemanticID)
		}
		target.Children = append(target.Children[:p.FromIndex], target.Children[p.FromIndex+1:]...)
		if p.ToIndex < 0 || p.ToIndex > len(target.Children) {
			return nil, fmt.Errorf("move to %d out of range", p.ToIndex)
		}
		target.Children = append(target.Children, nil)
		copy(target.Children[p.ToIndex+1:], target.Children[p.ToIndex:])
		target.Children[p.ToIndex] = moved
	default:
		return nil, fmt.Errorf("unknown patch type %d", p.Type)
	}
	return doc, nil
}

func applyCSS(doc *Document, p Patch) error {
	// Path [#css] targets the rule list; [#css, identity] targets one rule.
	if len(p.Path) == 1 {
		switch p.Type {
		case PatchInsertChild:
			if p.Rule == nil {
				return fmt.Errorf("insert_child on css without rule")
			}
			if p.Index < 0 || p.Index > len(doc.Rules) {
				return fmt.Errorf("rule insert index %d out of range", p.Index)
			}
			doc.Rules = append(doc.Rules, CSSRule{})
			copy(doc.Rules[p.Index+1:], doc.Rules[p.Index:])
			doc.Rules[p.Index] = *p.Rule
			return nil
		case PatchRemoveChild:
			for i := range doc.Rules {
				if doc.Rules[i].Identity() == p.ChildID {
					doc.Rules = append(doc.Rules[:i], doc.Rules[i+1:]...)
					return nil
				}
			}
			return fmt.Errorf("no rule %s", p.ChildID)
		case PatchMoveChild:
			if p.FromIndex < 0 || p.FromIndex >= len(doc.Rules) {
				return fmt.Errorf("rule move from %d out of range", p.FromIndex)
			}
			moved := doc.Rules[p.FromIndex]
			if moved.Identity() != p.ChildID {
				return fmt.Errorf("rule move targets %s but index %d holds %s", p.ChildID, p.FromIndex, moved.Identity())
			}
			doc.Rules = append(doc.Rules[:p.FromIndex], doc.Rules[p.FromIndex+1:]...)
			if p.ToIndex < 0 || p.ToIndex > len(doc.Rules) {
				return fmt.Errorf("rule move to %d out of range", p.ToIndex)
			}
			doc.Rules = append(doc.Rules, CSSRule{})
			copy(doc.Rules[p.ToIndex+1:], doc.Rules[p.ToIndex:])
			doc.Rules[p.ToIndex] = moved
			return nil
		}
		return fmt.Errorf("unsupported css patch %s", p.Type)
	}

	identity := strings.Join(p.Path[1:], "/")
	for i := range doc.Rules {
		if doc.Rules[i].Identity() == identity {
			if p.Type != PatchSetStyle {
				return fmt.Errorf("unsupported rule patch %s", p.Type)
			}
			applyDecl(&doc.Rules[i].Declarations, p)
			return nil
		}
	}
	return fmt.Errorf("no rule %s", identity)
}

func applyDecl(decls *[]Declaration, p Patch) {
	for i, s := range *decls {
		if s.Property == p.Key {
			if p.Removed {
				*decls = append((*decls)[:i], (*decls)[i+1:]...)
			} else {
				(*decls)[i].Value = p.Value
			}
			return
		}
	}
	if !p.Removed {
		*decls = append(*decls, Declaration{Property: p.Key, Value: p.Value})
	}
}
