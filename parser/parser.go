package parser

import (
	"fmt"
	"time"
)

// ParseErrorKind classifies fatal parse failures.
type ParseErrorKind int

const (
	ErrUnexpectedToken ParseErrorKind = iota
	ErrUnterminatedString
	ErrSizeLimit
	ErrTimeout
	ErrDepthLimit
)

func (k ParseErrorKind) String() string {
	switch k {
	case ErrUnexpectedToken:
		return "UnexpectedToken"
	case ErrUnterminatedString:
		return "UnterminatedString"
	case ErrSizeLimit:
		return "SizeLimit"
	case ErrTimeout:
		return "Timeout"
	case ErrDepthLimit:
		return "DepthLimit"
	}
	return "Unknown"
}

// ParseError is a fatal parse failure. Recoverable problems are reported
// as Diagnostics on a successful parse instead.
type ParseError struct {
	Kind    ParseErrorKind
	Span    Span
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error (%s) at %s: %s", e.Kind, e.Span, e.Message)
}

// Options bound the work a single parse may do.
type Options struct {
	// MaxSourceSize rejects oversized buffers before scanning.
	MaxSourceSize int
	// Timeout is the wall-clock budget for one parse.
	Timeout time.Duration
	// MaxDepth caps block nesting.
	MaxDepth int
}

// DefaultOptions returns the documented limits.
func DefaultOptions() Options {
	return Options{
		MaxSourceSize: 10 * 1024 * 1024,
		Timeout:       5 * time.Second,
		MaxDepth:      50,
	}
}

// Parser is a recursive-descent parser for .pc sources with recovery at
// statement and block boundaries.
type Parser struct {
	lx       *lexer
	cur      token
	diags    []Diagnostic
	depth    int
	opts     Options
	deadline time.Time
	ticks    int
	fatal    *ParseError
}

// Parse parses one .pc source buffer. The returned diagnostics may be
// non-empty on success; the error is non-nil only for fatal failures.
func Parse(path, source string, opts Options) (*Document, []Diagnostic, error) {
	if opts.MaxSourceSize <= 0 {
		opts = DefaultOptions()
	}
	if len(source) > opts.MaxSourceSize {
		return nil, nil, &ParseError{
			Kind:    ErrSizeLimit,
			Span:    Span{0, 0},
			Message: fmt.Sprintf("source is %d bytes, limit is %d", len(source), opts.MaxSourceSize),
		}
	}

	p := &Parser{opts: opts}
	if opts.Timeout > 0 {
		p.deadline = time.Now().Add(opts.Timeout)
	}
	p.lx = newLexer(source, p.checkBudget)
	p.bump()

	doc := p.parseDocument(path, len(source))
	if p.fatal != nil {
		return nil, nil, p.fatal
	}
	p.diags = append(p.diags, p.lx.diags...)
	assignSourceIDs(doc, FileSeed(path))
	return doc, p.diags, nil
}

func (p *Parser) checkBudget() error {
	p.ticks++
	if p.ticks%256 == 0 && !p.deadline.IsZero() && time.Now().After(p.deadline) {
		return fmt.Errorf("parse deadline exceeded")
	}
	return nil
}

func (p *Parser) bump() {
	p.cur = p.lx.next()
	if p.cur.kind == tokError && p.cur.text == "parse deadline exceeded" {
		p.setFatal(ErrTimeout, p.cur.span, "parse deadline exceeded")
	}
}

func (p *Parser) setFatal(kind ParseErrorKind, span Span, msg string) {
	if p.fatal == nil {
		p.fatal = &ParseError{Kind: kind, Span: span, Message: msg}
	}
	p.cur = token{kind: tokEOF, span: span}
}

func (p *Parser) errorHere(format string, args ...interface{}) {
	p.diags = append(p.diags, Diagnostic{
		Severity: SeverityError,
		Span:     p.cur.span,
		Message:  fmt.Sprintf(format, args...),
	})
}

func (p *Parser) expect(kind tokenKind) token {
	tok := p.cur
	if tok.kind != kind {
		p.errorHere("expected %s, found %s", kind, tok.kind)
		return token{kind: kind, span: Span{tok.span.Start, tok.span.Start}}
	}
	p.bump()
	return tok
}

func (p *Parser) atKeyword(kw string) bool {
	return p.cur.kind == tokIdent && p.cur.text == kw
}

func (p *Parser) enterBlock() bool {
	p.depth++
	if p.depth > p.opts.MaxDepth {
		p.setFatal(ErrDepthLimit, p.cur.span,
			fmt.Sprintf("block nesting exceeds %d levels", p.opts.MaxDepth))
		return false
	}
	return true
}

func (p *Parser) leaveBlock() { p.depth-- }

// rescanCSSValue rewinds the lexer to the current token and re-scans the
// region as one raw CSS literal.
func (p *Parser) rescanCSSValue(stopAtNewline bool) token {
	return p.rescanCSSValueFrom(p.cur.span.Start, stopAtNewline)
}

// rescanCSSValueFrom rewinds the lexer to pos and scans a raw value from
// there; pos must lie at or before the current token.
func (p *Parser) rescanCSSValueFrom(pos int, stopAtNewline bool) token {
	// The lookahead token was lexed as ordinary syntax; characters such as
	// '#' or '$' are valid inside a CSS value, so drop what it reported.
	kept := p.lx.diags[:0]
	for _, d := range p.lx.diags {
		if d.Span.Start < pos {
			kept = append(kept, d)
		}
	}
	p.lx.diags = kept
	p.lx.pos = pos
	tok := p.lx.scanCSSValue(stopAtNewline)
	p.bump()
	return tok
}

// recoverBlock skips to the end of the current block (balanced '}') or the
// next ';' at this nesting level, and returns the skipped span.
func (p *Parser) recoverBlock(start int) Span {
	depth := 0
	for p.cur.kind != tokEOF {
		switch p.cur.kind {
		case tokLBrace:
			depth++
		case tokRBrace:
			if depth == 0 {
				return Span{start, p.cur.span.Start}
			}
			depth--
		case tokSemi:
			if depth == 0 {
				end := p.cur.span.End
				p.bump()
				return Span{start, end}
			}
		}
		p.bump()
	}
	return Span{start, p.cur.span.End}
}

// recoverTopLevel skips to the next plausible declaration start: a
// top-level keyword or doc comment outside any braces.
func (p *Parser) recoverTopLevel(start int) Span {
	depth := 0
	for p.cur.kind != tokEOF {
		switch p.cur.kind {
		case tokLBrace:
			depth++
		case tokRBrace:
			if depth > 0 {
				depth--
			}
		case tokDocComment:
			if depth == 0 {
				return Span{start, p.cur.span.Start}
			}
		case tokIdent:
			if depth == 0 {
				switch p.cur.text {
				case "import", "public", "token", "style", "component":
					return Span{start, p.cur.span.Start}
				}
			}
		}
		p.bump()
	}
	return Span{start, p.cur.span.End}
}

func (p *Parser) parseDocument(path string, size int) *Document {
	doc := &Document{Path: path}
	doc.Span = Span{0, size}

	var pending *Annotations
	for p.cur.kind != tokEOF && p.fatal == nil {
		switch {
		case p.cur.kind == tokDocComment:
			pending = parseAnnotations(p.cur)
			p.bump()
		case p.atKeyword("import"):
			doc.addNode(p.parseImport())
			pending = nil
		case p.atKeyword("public"), p.atKeyword("token"), p.atKeyword("style"), p.atKeyword("component"):
			declStart := p.cur.span.Start
			public := false
			if p.atKeyword("public") {
				public = true
				p.bump()
			}
			var node Node
			switch {
			case p.atKeyword("token"):
				node = p.parseTokenDecl(public)
			case p.atKeyword("style"):
				node = p.parseStyleDecl(public)
			case p.atKeyword("component"):
				node = p.parseComponent(public, pending)
			default:
				p.errorHere("expected token, style, or component after public")
				span := p.recoverBlock(p.cur.span.Start)
				node = &ErrorNode{base: base{Span: span}, Message: "unparseable declaration"}
			}
			// Declaration spans reach back over the public keyword (and
			// any doc comment, which parseComponent already covers).
			widenStart(node, declStart)
			doc.addNode(node)
			pending = nil
		default:
			p.errorHere("unexpected %s at top level", p.cur.kind)
			start := p.cur.span.Start
			p.bump()
			span := p.recoverTopLevel(start)
			doc.addNode(&ErrorNode{base: base{Span: span}, Message: "unparseable declaration"})
			pending = nil
		}
	}
	return doc
}

func widenStart(n Node, start int) {
	switch t := n.(type) {
	case *TokenDecl:
		if start < t.Span.Start {
			t.Span.Start = start
		}
	case *StyleDecl:
		if start < t.Span.Start {
			t.Span.Start = start
		}
	case *ComponentDecl:
		if start < t.Span.Start {
			t.Span.Start = start
		}
	}
}

func (d *Document) addNode(n Node) {
	if n == nil {
		return
	}
	d.Body = append(d.Body, n)
	switch t := n.(type) {
	case *Import:
		d.Imports = append(d.Imports, t)
	case *TokenDecl:
		d.Atoms = append(d.Atoms, t)
	case *StyleDecl:
		d.Styles = append(d.Styles, t)
	case *ComponentDecl:
		d.Components = append(d.Components, t)
	}
}

// import "./x.pc" as ns
func (p *Parser) parseImport() *Import {
	start := p.cur.span.Start
	p.bump()
	imp := &Import{}
	pathTok := p.expect(tokString)
	imp.Path = pathTok.text
	if p.atKeyword("as") {
		p.bump()
		nsTok := p.expect(tokIdent)
		imp.Namespace = nsTok.text
	} else {
		p.errorHere("import requires 'as namespace'")
	}
	imp.Span = Span{start, p.cur.span.Start}
	return imp
}

// public? token name value
func (p *Parser) parseTokenDecl(public bool) *TokenDecl {
	start := p.cur.span.Start
	p.bump()
	decl := &TokenDecl{Public: public}
	nameTok := p.expect(tokIdent)
	decl.Name = nameTok.text
	valueTok := p.rescanCSSValueFrom(nameTok.span.End, true)
	decl.Value = valueTok.text
	if decl.Value == "" {
		p.errorHere("token %s has no value", decl.Name)
	}
	decl.Span = Span{start, valueTok.span.End}
	return decl
}

// public? style name (extends a, b)? { decl* }
func (p *Parser) parseStyleDecl(public bool) *StyleDecl {
	start := p.cur.span.Start
	p.bump()
	decl := &StyleDecl{Public: public}
	nameTok := p.expect(tokIdent)
	decl.Name = nameTok.text
	if p.atKeyword("extends") {
		p.bump()
		for p.cur.kind == tokIdent {
			decl.Extends = append(decl.Extends, p.cur.text)
			p.bump()
			if p.cur.kind != tokComma {
				break
			}
			p.bump()
		}
	}
	if !p.enterBlock() {
		return decl
	}
	defer p.leaveBlock()
	p.expect(tokLBrace)
	decl.Declarations = p.parseDeclarationList()
	end := p.expect(tokRBrace)
	decl.Span = Span{start, end.span.End}
	return decl
}

// parseDeclarationList parses `property: value;` pairs until '}'.
func (p *Parser) parseDeclarationList() []*StyleDeclaration {
	var out []*StyleDeclaration
	for p.cur.kind != tokRBrace && p.cur.kind != tokEOF {
		if p.cur.kind != tokIdent {
			p.errorHere("expected CSS property, found %s", p.cur.kind)
			p.recoverBlock(p.cur.span.Start)
			return out
		}
		propTok := p.cur
		p.bump()
		p.expect(tokColon)
		valueTok := p.rescanCSSValue(false)
		d := &StyleDeclaration{Property: propTok.text, Value: valueTok.text}
		end := valueTok.span.End
		if p.cur.kind == tokSemi {
			end = p.cur.span.End
			p.bump()
		}
		d.Span = Span{propTok.span.Start, end}
		out = append(out, d)
	}
	return out
}

// public? component Name { variant* render element }
func (p *Parser) parseComponent(public bool, ann *Annotations) *ComponentDecl {
	start := p.cur.span.Start
	if ann != nil {
		start = ann.Span.Start
	}
	p.bump()
	comp := &ComponentDecl{Public: public, Annotations: ann}
	nameTok := p.expect(tokIdent)
	comp.Name = nameTok.text
	if !p.enterBlock() {
		return comp
	}
	defer p.leaveBlock()
	p.expect(tokLBrace)
	for p.cur.kind != tokRBrace && p.cur.kind != tokEOF && p.fatal == nil {
		switch {
		case p.atKeyword("variant"):
			comp.Variants = append(comp.Variants, p.parseVariant())
		case p.atKeyword("render"):
			p.bump()
			comp.Render = p.parseElement()
		default:
			p.errorHere("expected variant or render in component %s, found %s", comp.Name, p.cur.kind)
			p.recoverBlock(p.cur.span.Start)
		}
	}
	end := p.expect(tokRBrace)
	comp.Span = Span{start, end.span.End}
	if comp.Render == nil {
		p.diags = append(p.diags, Diagnostic{
			Severity: SeverityError,
			Span:     comp.Span,
			Message:  fmt.Sprintf("component %s has no render", comp.Name),
		})
	}
	return comp
}

// variant name (trigger { "selector" ... })?
func (p *Parser) parseVariant() *VariantDecl {
	start := p.cur.span.Start
	p.bump()
	v := &VariantDecl{}
	nameTok := p.expect(tokIdent)
	v.Name = nameTok.text
	end := nameTok.span.End
	if p.atKeyword("trigger") {
		p.bump()
		p.expect(tokLBrace)
		for p.cur.kind == tokString {
			v.Triggers = append(v.Triggers, p.cur.text)
			p.bump()
			if p.cur.kind == tokComma {
				p.bump()
			}
		}
		endTok := p.expect(tokRBrace)
		end = endTok.span.End
	}
	v.Span = Span{start, end}
	return v
}

// parseElement parses `tag(.class)* (label)? (args)? ({ body })?`.
// A dotted head whose second segment begins uppercase is a namespaced
// component reference (`ns.Card`); otherwise dots introduce classes.
func (p *Parser) parseElement() *Element {
	start := p.cur.span.Start
	el := &Element{}
	tagTok := p.expect(tokIdent)
	el.Tag = tagTok.text
	end := tagTok.span.End

	for p.cur.kind == tokDot {
		p.bump()
		segTok := p.expect(tokIdent)
		if el.Namespace == "" && len(el.Classes) == 0 && isUpper(segTok.text) {
			el.Namespace = el.Tag
			el.Tag = segTok.text
		} else {
			el.Classes = append(el.Classes, segTok.text)
		}
		end = segTok.span.End
	}
	if p.cur.kind == tokIdent && !p.isBodyKeyword(p.cur.text) {
		el.Label = p.cur.text
		end = p.cur.span.End
		p.bump()
	}
	if p.cur.kind == tokLParen {
		p.bump()
		for p.cur.kind != tokRParen && p.cur.kind != tokEOF {
			arg := &Argument{}
			argStart := p.cur.span.Start
			nameTok := p.expect(tokIdent)
			arg.Name = nameTok.text
			p.expect(tokEq)
			arg.Value = p.parseExpr()
			arg.Span = Span{argStart, arg.Value.ExprPos().End}
			el.Args = append(el.Args, arg)
			if p.cur.kind == tokComma {
				p.bump()
			}
		}
		endTok := p.expect(tokRParen)
		end = endTok.span.End
	}
	if p.cur.kind == tokLBrace {
		if !p.enterBlock() {
			return el
		}
		el.HasBody = true
		p.bump()
		p.parseElementBody(el)
		endTok := p.expect(tokRBrace)
		end = endTok.span.End
		p.leaveBlock()
	}
	el.Span = Span{start, end}
	return el
}

func isUpper(s string) bool {
	return len(s) > 0 && s[0] >= 'A' && s[0] <= 'Z'
}

func (p *Parser) isBodyKeyword(s string) bool {
	switch s {
	case "style", "text", "slot", "insert", "if", "repeat", "else", "empty":
		return true
	}
	return false
}

func (p *Parser) parseElementBody(el *Element) {
	for p.cur.kind != tokRBrace && p.cur.kind != tokEOF && p.fatal == nil {
		switch {
		case p.cur.kind == tokDocComment:
			p.bump()
		case p.atKeyword("style"):
			el.StyleBlocks = append(el.StyleBlocks, p.parseStyleBlock())
		case p.atKeyword("text"):
			el.Children = append(el.Children, p.parseText())
		case p.atKeyword("slot"):
			el.Children = append(el.Children, p.parseSlot())
		case p.atKeyword("insert"):
			el.Children = append(el.Children, p.parseInsert())
		case p.atKeyword("if"):
			el.Children = append(el.Children, p.parseIf())
		case p.atKeyword("repeat"):
			el.Children = append(el.Children, p.parseRepeat())
		case p.cur.kind == tokIdent && p.peekIsAttribute():
			el.Attributes = append(el.Attributes, p.parseAttribute())
		case p.cur.kind == tokIdent:
			el.Children = append(el.Children, p.parseElement())
		default:
			p.errorHere("unexpected %s in element body", p.cur.kind)
			start := p.cur.span.Start
			p.bump()
			span := p.recoverBlock(start)
			el.Children = append(el.Children, &ErrorNode{base: base{Span: span}, Message: "unparseable element content"})
		}
	}
}

// peekIsAttribute reports whether the current identifier is the start of a
// `name: value` attribute rather than a child element. The lexer is
// rewound afterwards so this is a pure lookahead.
func (p *Parser) peekIsAttribute() bool {
	savedPos := p.lx.pos
	savedDiags := len(p.lx.diags)
	next := p.lx.next()
	p.lx.pos = savedPos
	p.lx.diags = p.lx.diags[:savedDiags]
	return next.kind == tokColon
}

// name: expr
func (p *Parser) parseAttribute() *Attribute {
	attr := &Attribute{}
	nameTok := p.expect(tokIdent)
	attr.Name = nameTok.text
	p.expect(tokColon)
	attr.Value = p.parseExpr()
	attr.Span = Span{nameTok.span.Start, attr.Value.ExprPos().End}
	return attr
}

// style (variant a + b)? { decl* }
func (p *Parser) parseStyleBlock() *StyleBlock {
	start := p.cur.span.Start
	p.bump()
	sb := &StyleBlock{}
	if p.atKeyword("variant") {
		p.bump()
		for p.cur.kind == tokIdent {
			sb.Variants = append(sb.Variants, p.cur.text)
			p.bump()
			if p.cur.kind != tokPlus {
				break
			}
			p.bump()
		}
	}
	lb := p.expect(tokLBrace)
	sb.Declarations = p.parseDeclarationList()
	rb := p.expect(tokRBrace)
	sb.Span = Span{start, rb.span.End}
	sb.ContentSpan = Span{lb.span.End, rb.span.Start}
	return sb
}

// text "literal" | text { expression }
func (p *Parser) parseText() Node {
	start := p.cur.span.Start
	p.bump()
	tn := &TextNode{}
	switch p.cur.kind {
	case tokString:
		tn.Value = p.cur.text
		tn.ValueSpan = p.cur.span
		tn.Span = Span{start, p.cur.span.End}
		p.bump()
	case tokLBrace:
		p.bump()
		tn.Expr = p.parseExpr()
		end := p.expect(tokRBrace)
		tn.Span = Span{start, end.span.End}
	default:
		p.errorHere("text requires a string literal or { expression }")
		tn.Span = Span{start, p.cur.span.End}
	}
	return tn
}

// slot name ({ fallback })?
func (p *Parser) parseSlot() Node {
	start := p.cur.span.Start
	p.bump()
	sn := &SlotNode{}
	nameTok := p.expect(tokIdent)
	sn.Name = nameTok.text
	end := nameTok.span.End
	if p.cur.kind == tokLBrace {
		if p.enterBlock() {
			p.bump()
			sn.Fallback = p.parseChildList()
			endTok := p.expect(tokRBrace)
			end = endTok.span.End
			p.leaveBlock()
		}
	}
	sn.Span = Span{start, end}
	return sn
}

// insert name { children }
func (p *Parser) parseInsert() Node {
	start := p.cur.span.Start
	p.bump()
	in := &InsertNode{}
	nameTok := p.expect(tokIdent)
	in.Name = nameTok.text
	end := nameTok.span.End
	if p.cur.kind == tokLBrace {
		if p.enterBlock() {
			p.bump()
			in.Children = p.parseChildList()
			endTok := p.expect(tokRBrace)
			end = endTok.span.End
			p.leaveBlock()
		}
	}
	in.Span = Span{start, end}
	return in
}

// if expr { then } (else { else })? — `else if` nests another IfNode.
func (p *Parser) parseIf() Node {
	start := p.cur.span.Start
	p.bump()
	n := &IfNode{}
	n.Cond = p.parseExpr()
	end := n.Cond.ExprPos().End
	if p.enterBlock() {
		p.expect(tokLBrace)
		n.Then = p.parseChildList()
		endTok := p.expect(tokRBrace)
		end = endTok.span.End
		p.leaveBlock()
	}
	if p.atKeyword("else") {
		p.bump()
		if p.atKeyword("if") {
			nested := p.parseIf()
			n.Else = []Node{nested}
			end = nested.Pos().End
		} else if p.enterBlock() {
			p.expect(tokLBrace)
			n.Else = p.parseChildList()
			endTok := p.expect(tokRBrace)
			end = endTok.span.End
			p.leaveBlock()
		}
	}
	n.Span = Span{start, end}
	return n
}

// repeat var in expr { body } (empty { ... })?
func (p *Parser) parseRepeat() Node {
	start := p.cur.span.Start
	p.bump()
	n := &RepeatNode{}
	varTok := p.expect(tokIdent)
	n.Var = varTok.text
	if p.atKeyword("in") {
		p.bump()
	} else {
		p.errorHere("expected 'in' after repeat variable")
	}
	n.Iterable = p.parseExpr()
	end := n.Iterable.ExprPos().End
	if p.enterBlock() {
		p.expect(tokLBrace)
		n.Body = p.parseChildList()
		endTok := p.expect(tokRBrace)
		end = endTok.span.End
		p.leaveBlock()
	}
	if p.atKeyword("empty") {
		p.bump()
		if p.enterBlock() {
			p.expect(tokLBrace)
			n.Empty = p.parseChildList()
			endTok := p.expect(tokRBrace)
			end = endTok.span.End
			p.leaveBlock()
		}
	}
	n.Span = Span{start, end}
	return n
}

// parseChildList parses element children until '}'.
func (p *Parser) parseChildList() []Node {
	holder := &Element{}
	p.parseElementBody(holder)
	for _, sb := range holder.StyleBlocks {
		p.diags = append(p.diags, Diagnostic{
			Severity: SeverityWarning,
			Span:     sb.Span,
			Message:  "style block ignored outside an element",
		})
	}
	return holder.Children
}
