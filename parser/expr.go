package parser

import "strconv"

// Expr is the closed expression sub-language: literals, identifiers, member
// access, calls, arithmetic, comparison, logic, concatenation, ternary.
// There are no statements, assignments, or definitions.
type Expr interface {
	ExprPos() Span
}

// StringLit is a quoted string literal.
type StringLit struct {
	Span  Span
	Value string
}

// NumberLit is a decimal number literal.
type NumberLit struct {
	Span  Span
	Value float64
	Raw   string
}

// BoolLit is `true` or `false`.
type BoolLit struct {
	Span  Span
	Value bool
}

// Ident references a bound name.
type Ident struct {
	Span Span
	Name string
}

// Member is `target.field`.
type Member struct {
	Span   Span
	Target Expr
	Field  string
}

// Call is `callee(args...)`; callees are restricted to pure builtins at
// evaluation time.
type Call struct {
	Span   Span
	Callee Expr
	Args   []Expr
}

// Unary is `!x` or `-x`.
type Unary struct {
	Span    Span
	Op      string
	Operand Expr
}

// Binary is an infix operation.
type Binary struct {
	Span  Span
	Op    string
	Left  Expr
	Right Expr
}

// Ternary is `cond ? a : b`.
type Ternary struct {
	Span Span
	Cond Expr
	Then Expr
	Else Expr
}

func (e *StringLit) ExprPos() Span { return e.Span }
func (e *NumberLit) ExprPos() Span { return e.Span }
func (e *BoolLit) ExprPos() Span   { return e.Span }
func (e *Ident) ExprPos() Span     { return e.Span }
func (e *Member) ExprPos() Span    { return e.Span }
func (e *Call) ExprPos() Span      { return e.Span }
func (e *Unary) ExprPos() Span     { return e.Span }
func (e *Binary) ExprPos() Span    { return e.Span }
func (e *Ternary) ExprPos() Span   { return e.Span }

// binding powers, lowest first
const (
	precTernary = iota + 1
	precOr
	precAnd
	precEquality
	precCompare
	precAdd
	precMul
	precUnary
)

func binaryPrec(k tokenKind) (int, string) {
	switch k {
	case tokPipePipe:
		return precOr, "||"
	case tokAmpAmp:
		return precAnd, "&&"
	case tokEqEq:
		return precEquality, "=="
	case tokNotEq:
		return precEquality, "!="
	case tokLt:
		return precCompare, "<"
	case tokLtEq:
		return precCompare, "<="
	case tokGt:
		return precCompare, ">"
	case tokGtEq:
		return precCompare, ">="
	case tokPlus:
		return precAdd, "+"
	case tokMinus:
		return precAdd, "-"
	case tokStar:
		return precMul, "*"
	case tokSlash:
		return precMul, "/"
	case tokPercent:
		return precMul, "%"
	}
	return 0, ""
}

// parseExpr parses a full expression at the lowest precedence.
func (p *Parser) parseExpr() Expr {
	return p.parseTernary()
}

func (p *Parser) parseTernary() Expr {
	cond := p.parseBinary(precOr)
	if p.cur.kind != tokQuestion {
		return cond
	}
	p.bump()
	then := p.parseTernary()
	p.expect(tokColon)
	els := p.parseTernary()
	return &Ternary{Span: Span{cond.ExprPos().Start, els.ExprPos().End}, Cond: cond, Then: then, Else: els}
}

func (p *Parser) parseBinary(minPrec int) Expr {
	left := p.parseUnary()
	for {
		prec, op := binaryPrec(p.cur.kind)
		if prec == 0 || prec < minPrec {
			return left
		}
		p.bump()
		right := p.parseBinary(prec + 1)
		left = &Binary{
			Span:  Span{left.ExprPos().Start, right.ExprPos().End},
			Op:    op,
			Left:  left,
			Right: right,
		}
	}
}

func (p *Parser) parseUnary() Expr {
	switch p.cur.kind {
	case tokBang:
		tok := p.cur
		p.bump()
		operand := p.parseUnary()
		return &Unary{Span: Span{tok.span.Start, operand.ExprPos().End}, Op: "!", Operand: operand}
	case tokMinus:
		tok := p.cur
		p.bump()
		operand := p.parseUnary()
		return &Unary{Span: Span{tok.span.Start, operand.ExprPos().End}, Op: "-", Operand: operand}
	}
	return p.parsePostfix()
}

func (p *Parser) parsePostfix() Expr {
	expr := p.parsePrimary()
	for {
		switch p.cur.kind {
		case tokDot:
			p.bump()
			if p.cur.kind != tokIdent {
				p.errorHere("expected field name after '.'")
				return expr
			}
			expr = &Member{
				Span:   Span{expr.ExprPos().Start, p.cur.span.End},
				Target: expr,
				Field:  p.cur.text,
			}
			p.bump()
		case tokLParen:
			p.bump()
			call := &Call{Span: Span{expr.ExprPos().Start, p.cur.span.End}, Callee: expr}
			for p.cur.kind != tokRParen && p.cur.kind != tokEOF {
				call.Args = append(call.Args, p.parseExpr())
				if p.cur.kind == tokComma {
					p.bump()
				}
			}
			end := p.cur.span.End
			p.expect(tokRParen)
			call.Span.End = end
			expr = call
		default:
			return expr
		}
	}
}

func (p *Parser) parsePrimary() Expr {
	tok := p.cur
	switch tok.kind {
	case tokString:
		p.bump()
		return &StringLit{Span: tok.span, Value: tok.text}
	case tokNumber:
		p.bump()
		v, _ := strconv.ParseFloat(tok.text, 64)
		return &NumberLit{Span: tok.span, Value: v, Raw: tok.text}
	case tokIdent:
		p.bump()
		switch tok.text {
		case "true":
			return &BoolLit{Span: tok.span, Value: true}
		case "false":
			return &BoolLit{Span: tok.span, Value: false}
		}
		return &Ident{Span: tok.span, Name: tok.text}
	case tokLParen:
		p.bump()
		inner := p.parseExpr()
		p.expect(tokRParen)
		return inner
	}
	p.errorHere("expected expression, found %s", tok.kind)
	p.bump()
	return &StringLit{Span: tok.span, Value: ""}
}
