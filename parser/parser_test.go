package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cardSource = `/** @frame(x: 0, y: 0, width: 320, height: 480) */
public component Card {
	variant hover trigger { ":hover" }
	render div.card root {
		title: "Card"
		style {
			color: red;
			padding: 8px;
		}
		style variant hover {
			color: blue;
		}
		text "hello"
		slot children
	}
}
`

func TestParseComponent(t *testing.T) {
	doc, diags, err := Parse("/entry.pc", cardSource, DefaultOptions())
	require.NoError(t, err)
	assert.Empty(t, diags)

	require.Len(t, doc.Components, 1)
	comp := doc.Components[0]
	assert.Equal(t, "Card", comp.Name)
	assert.True(t, comp.Public)

	require.NotNil(t, comp.Annotations)
	require.NotNil(t, comp.Annotations.Frame)
	assert.Equal(t, 320, comp.Annotations.Frame.Width)
	assert.Equal(t, 480, comp.Annotations.Frame.Height)

	require.Len(t, comp.Variants, 1)
	assert.Equal(t, "hover", comp.Variants[0].Name)
	assert.Equal(t, []string{":hover"}, comp.Variants[0].Triggers)

	root := comp.Render
	require.NotNil(t, root)
	assert.Equal(t, "div", root.Tag)
	assert.Equal(t, []string{"card"}, root.Classes)
	assert.Equal(t, "root", root.Label)

	require.Len(t, root.Attributes, 1)
	assert.Equal(t, "title", root.Attributes[0].Name)

	require.Len(t, root.StyleBlocks, 2)
	assert.Empty(t, root.StyleBlocks[0].Variants)
	require.Len(t, root.StyleBlocks[0].Declarations, 2)
	assert.Equal(t, "color", root.StyleBlocks[0].Declarations[0].Property)
	assert.Equal(t, "red", root.StyleBlocks[0].Declarations[0].Value)
	assert.Equal(t, []string{"hover"}, root.StyleBlocks[1].Variants)

	require.Len(t, root.Children, 2)
	text, ok := root.Children[0].(*TextNode)
	require.True(t, ok)
	assert.Equal(t, "hello", text.Value)
	slot, ok := root.Children[1].(*SlotNode)
	require.True(t, ok)
	assert.Equal(t, "children", slot.Name)
}

func TestParseSpans(t *testing.T) {
	doc, _, err := Parse("/entry.pc", cardSource, DefaultOptions())
	require.NoError(t, err)

	comp := doc.Components[0]
	// The component span starts at its doc comment.
	assert.Equal(t, 0, comp.Pos().Start)
	assert.Equal(t, "}", cardSource[comp.Pos().End-1:comp.Pos().End])

	sb := comp.Render.StyleBlocks[0]
	content := cardSource[sb.ContentSpan.Start:sb.ContentSpan.End]
	assert.Contains(t, content, "color: red;")
	assert.NotContains(t, content, "{")
}

func TestParseImportsTokensStyles(t *testing.T) {
	src := `import "./theme.pc" as theme
public token primary #336699
token spacing 8px
public style heading extends base, emphasis {
	font-weight: bold;
}
`
	doc, diags, err := Parse("/a.pc", src, DefaultOptions())
	require.NoError(t, err)
	assert.Empty(t, diags)

	require.Len(t, doc.Imports, 1)
	assert.Equal(t, "./theme.pc", doc.Imports[0].Path)
	assert.Equal(t, "theme", doc.Imports[0].Namespace)

	require.Len(t, doc.Atoms, 2)
	assert.Equal(t, "#336699", doc.Atoms[0].Value)
	assert.True(t, doc.Atoms[0].Public)
	assert.Equal(t, "8px", doc.Atoms[1].Value)

	require.Len(t, doc.Styles, 1)
	assert.Equal(t, []string{"base", "emphasis"}, doc.Styles[0].Extends)
	require.Len(t, doc.Styles[0].Declarations, 1)
	assert.Equal(t, "bold", doc.Styles[0].Declarations[0].Value)
}

func TestParseControlFlow(t *testing.T) {
	src := `component List {
	render ul {
		repeat item in items {
			li (key=item.id) {
				text { item.label }
			}
		} empty {
			text "nothing"
		}
		if count > 0 {
			text { count }
		} else {
			text "empty"
		}
	}
}
`
	doc, diags, err := Parse("/list.pc", src, DefaultOptions())
	require.NoError(t, err)
	assert.Empty(t, diags)

	root := doc.Components[0].Render
	require.Len(t, root.Children, 2)

	rep, ok := root.Children[0].(*RepeatNode)
	require.True(t, ok)
	assert.Equal(t, "item", rep.Var)
	require.Len(t, rep.Body, 1)
	li := rep.Body[0].(*Element)
	require.Len(t, li.Args, 1)
	assert.Equal(t, "key", li.Args[0].Name)
	require.Len(t, rep.Empty, 1)

	cond, ok := root.Children[1].(*IfNode)
	require.True(t, ok)
	bin, ok := cond.Cond.(*Binary)
	require.True(t, ok)
	assert.Equal(t, ">", bin.Op)
	require.Len(t, cond.Else, 1)
}

func TestParseNamespacedInstance(t *testing.T) {
	src := `import "./x.pc" as ui
component App {
	render div {
		ui.Button(label="ok")
		div.button {}
	}
}
`
	doc, _, err := Parse("/app.pc", src, DefaultOptions())
	require.NoError(t, err)

	root := doc.Components[0].Render
	require.Len(t, root.Children, 2)
	inst := root.Children[0].(*Element)
	assert.Equal(t, "ui", inst.Namespace)
	assert.Equal(t, "Button", inst.Tag)
	plain := root.Children[1].(*Element)
	assert.Equal(t, "div", plain.Tag)
	assert.Equal(t, []string{"button"}, plain.Classes)
}

func TestParseRecovery(t *testing.T) {
	src := `component Good {
	render div {}
}
$$$ garbage here
component AlsoGood {
	render span {}
}
`
	doc, diags, err := Parse("/r.pc", src, DefaultOptions())
	require.NoError(t, err)
	assert.NotEmpty(t, diags)
	assert.Len(t, doc.Components, 2)

	hasError := false
	for _, n := range doc.Body {
		if _, ok := n.(*ErrorNode); ok {
			hasError = true
		}
	}
	assert.True(t, hasError, "expected an error node covering the garbage")
}

func TestSourceIDsDeterministic(t *testing.T) {
	a, _, err := Parse("/entry.pc", cardSource, DefaultOptions())
	require.NoError(t, err)
	b, _, err := Parse("/entry.pc", cardSource, DefaultOptions())
	require.NoError(t, err)

	var ids []string
	Walk(a, func(n Node) bool {
		ids = append(ids, n.SourceID())
		return true
	})
	i := 0
	Walk(b, func(n Node) bool {
		require.Less(t, i, len(ids))
		assert.Equal(t, ids[i], n.SourceID())
		i++
		return true
	})

	// A different file path yields different ids.
	c, _, err := Parse("/other.pc", cardSource, DefaultOptions())
	require.NoError(t, err)
	assert.NotEqual(t, a.Components[0].SourceID(), c.Components[0].SourceID())
}

func TestSourceIDsUnique(t *testing.T) {
	doc, _, err := Parse("/entry.pc", cardSource, DefaultOptions())
	require.NoError(t, err)
	seen := map[string]bool{}
	Walk(doc, func(n Node) bool {
		id := n.SourceID()
		assert.NotEmpty(t, id)
		assert.False(t, seen[id], "duplicate source id %s", id)
		seen[id] = true
		return true
	})
}

func TestSizeLimit(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxSourceSize = 64
	_, _, err := Parse("/big.pc", strings.Repeat("x", 100), opts)
	require.Error(t, err)
	perr, ok := err.(*ParseError)
	require.True(t, ok)
	assert.Equal(t, ErrSizeLimit, perr.Kind)
}

func TestDepthLimit(t *testing.T) {
	depth := 60
	var sb strings.Builder
	sb.WriteString("component Deep {\n render ")
	for i := 0; i < depth; i++ {
		sb.WriteString("div { ")
	}
	for i := 0; i < depth; i++ {
		sb.WriteString("} ")
	}
	sb.WriteString("\n}")

	_, _, err := Parse("/deep.pc", sb.String(), DefaultOptions())
	require.Error(t, err)
	perr, ok := err.(*ParseError)
	require.True(t, ok)
	assert.Equal(t, ErrDepthLimit, perr.Kind)
}

func TestUnterminatedString(t *testing.T) {
	src := `component A { render div { text "oops } }`
	_, diags, err := Parse("/u.pc", src, DefaultOptions())
	require.NoError(t, err)
	found := false
	for _, d := range diags {
		if strings.Contains(d.Message, "unterminated string") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestDatasourceAnnotation(t *testing.T) {
	src := `/** @datasource users @endpoint https://api.example.com/users @type rest */
component UserList {
	render div {}
}
`
	doc, _, err := Parse("/d.pc", src, DefaultOptions())
	require.NoError(t, err)
	ann := doc.Components[0].Annotations
	require.NotNil(t, ann)
	require.NotNil(t, ann.Datasource)
	assert.Equal(t, "users", ann.Datasource.Name)
	assert.Equal(t, "https://api.example.com/users", ann.Datasource.Endpoint)
	assert.Equal(t, "rest", ann.Datasource.Type)
}

func TestTextExpression(t *testing.T) {
	src := `component T {
	render span {
		text { user.name + " (" + user.role + ")" }
	}
}
`
	doc, diags, err := Parse("/t.pc", src, DefaultOptions())
	require.NoError(t, err)
	assert.Empty(t, diags)
	tn := doc.Components[0].Render.Children[0].(*TextNode)
	require.NotNil(t, tn.Expr)
	_, ok := tn.Expr.(*Binary)
	assert.True(t, ok)
}
