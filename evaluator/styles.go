package evaluator

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/paperclip-ui/workspace/parser"
	"github.com/paperclip-ui/workspace/vdoc"
)

// tokenRefRe matches `$name` and `$ns.name` references inside CSS values.
var tokenRefRe = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_-]*)(?:\.([A-Za-z_][A-Za-z0-9_-]*))?`)

// substituteTokens replaces design-token references in a CSS value. A
// failed lookup is a leaf diagnostic; the reference text is kept so the
// preview still shows something.
func (ev *evaluator) substituteTokens(doc *parser.Document, value string, span parser.Span) string {
	return tokenRefRe.ReplaceAllStringFunc(value, func(ref string) string {
		m := tokenRefRe.FindStringSubmatch(ref)
		first, second := m[1], m[2]
		if second == "" {
			atom := doc.Atom(first)
			if atom == nil {
				ev.leafDiag(span, fmt.Sprintf("unknown token %q", first))
				return ref
			}
			return atom.Value
		}
		imp := findImport(doc, first)
		if imp == nil {
			ev.leafDiag(span, fmt.Sprintf("unknown import namespace %q", first))
			return ref
		}
		canonical, err := ev.res.Resolve(imp.Path, doc.Path)
		if err != nil {
			ev.leafDiag(span, err.Error())
			return ref
		}
		target, err := ev.res.GetDocument(canonical)
		if err != nil {
			ev.leafDiag(span, err.Error())
			return ref
		}
		atom := target.Atom(second)
		if atom == nil || !atom.Public {
			ev.leafDiag(span, fmt.Sprintf("%s has no public token %q", imp.Path, second))
			return ref
		}
		return ev.substituteTokens(target, atom.Value, span)
	})
}

// emitNamedStyles compiles every named style declaration into a class
// rule, with extends chains flattened into the declaration list.
func (ev *evaluator) emitNamedStyles(doc *parser.Document) {
	for _, style := range doc.Styles {
		decls := ev.flattenStyle(doc, style, map[string]bool{})
		ev.addRule(vdoc.CSSRule{Selector: "." + style.Name, Declarations: decls})
	}
}

// flattenStyle resolves a named style's extends chain into one flat list;
// own declarations override inherited ones.
func (ev *evaluator) flattenStyle(doc *parser.Document, style *parser.StyleDecl, visiting map[string]bool) []vdoc.Declaration {
	if visiting[style.Name] {
		ev.leafDiag(style.Pos(), fmt.Sprintf("style %s extends itself", style.Name))
		return nil
	}
	visiting[style.Name] = true
	defer delete(visiting, style.Name)

	var out []vdoc.Declaration
	for _, parent := range style.Extends {
		parentStyle := doc.Style(parent)
		if parentStyle == nil {
			ev.leafDiag(style.Pos(), fmt.Sprintf("style %s extends unknown style %q", style.Name, parent))
			continue
		}
		out = mergeDecls(out, ev.flattenStyle(doc, parentStyle, visiting))
	}
	for _, d := range style.Declarations {
		out = mergeDecls(out, []vdoc.Declaration{{
			Property: d.Property,
			Value:    ev.substituteTokens(doc, d.Value, d.Pos()),
		}})
	}
	return out
}

// VariantKey renders a variant name list in canonical sorted `a+b` form,
// shared with the AST index and mutation translator.
func VariantKey(variants []string) string {
	if len(variants) == 0 {
		return ""
	}
	sorted := append([]string(nil), variants...)
	sort.Strings(sorted)
	return strings.Join(sorted, "+")
}
