package rules

import (
	"strconv"
	"strings"
)

// Parse compiles condition text into an expression tree.
//
// Grammar, lowest precedence first:
//
//	expr   = orExpr
//	orExpr = andExpr { OR andExpr }
//	andExpr = unary { AND unary }
//	unary  = NOT unary | cmp
//	cmp    = term [ op term ]        op: = == != < <= > >=
//	term   = "(" expr ")" | literal | fact-name
//
// Keywords are case-insensitive. Strings use single or double quotes.
func Parse(condition string) (Expr, error) {
	p := &parser{input: condition}
	p.next()
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, &ParseError{Pos: p.tok.pos, Msg: "unexpected " + p.tok.describe()}
	}
	return expr, nil
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp     // comparison operator
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) describe() string {
	if t.kind == tokEOF {
		return "end of input"
	}
	return strconv.Quote(t.text)
}

type parser struct {
	input string
	pos   int
	tok   token
}

func (p *parser) next() {
	for p.pos < len(p.input) && isSpace(p.input[p.pos]) {
		p.pos++
	}
	start := p.pos
	if p.pos >= len(p.input) {
		p.tok = token{kind: tokEOF, pos: start}
		return
	}

	c := p.input[p.pos]
	switch {
	case c == '(':
		p.pos++
		p.tok = token{kind: tokLParen, text: "(", pos: start}
	case c == ')':
		p.pos++
		p.tok = token{kind: tokRParen, text: ")", pos: start}
	case c == '=' || c == '!' || c == '<' || c == '>':
		p.pos++
		if p.pos < len(p.input) && p.input[p.pos] == '=' {
			p.pos++
		}
		p.tok = token{kind: tokOp, text: p.input[start:p.pos], pos: start}
	case c == '\'' || c == '"':
		p.pos++
		for p.pos < len(p.input) && p.input[p.pos] != c {
			p.pos++
		}
		if p.pos >= len(p.input) {
			p.tok = token{kind: tokEOF, text: "unterminated string", pos: start}
			return
		}
		p.tok = token{kind: tokString, text: p.input[start+1 : p.pos], pos: start}
		p.pos++
	case c >= '0' && c <= '9' || c == '-':
		p.pos++
		for p.pos < len(p.input) && (isDigit(p.input[p.pos]) || p.input[p.pos] == '.') {
			p.pos++
		}
		p.tok = token{kind: tokNumber, text: p.input[start:p.pos], pos: start}
	case isIdentStart(c):
		p.pos++
		for p.pos < len(p.input) && isIdentPart(p.input[p.pos]) {
			p.pos++
		}
		p.tok = token{kind: tokIdent, text: p.input[start:p.pos], pos: start}
	default:
		p.tok = token{kind: tokOp, text: string(c), pos: start}
		p.pos++
	}
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("or") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = logical{op: "or", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("and") {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = logical{op: "and", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Expr, error) {
	if p.isKeyword("not") {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return negation{inner: inner}, nil
	}
	return p.parseCmp()
}

func (p *parser) parseCmp() (Expr, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokOp {
		return left, nil
	}
	op := p.tok.text
	switch op {
	case "=", "==", "!=", "<", "<=", ">", ">=":
	default:
		return nil, &ParseError{Pos: p.tok.pos, Msg: "unknown operator " + strconv.Quote(op)}
	}
	p.next()
	right, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	return comparison{op: op, left: left, right: right}, nil
}

func (p *parser) parseTerm() (Expr, error) {
	switch p.tok.kind {
	case tokLParen:
		p.next()
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, &ParseError{Pos: p.tok.pos, Msg: "expected ), got " + p.tok.describe()}
		}
		p.next()
		return expr, nil
	case tokNumber:
		text := p.tok.text
		pos := p.tok.pos
		p.next()
		if strings.Contains(text, ".") {
			f, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, &ParseError{Pos: pos, Msg: "bad number " + strconv.Quote(text)}
			}
			return literal{v: f}, nil
		}
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, &ParseError{Pos: pos, Msg: "bad number " + strconv.Quote(text)}
		}
		return literal{v: n}, nil
	case tokString:
		s := p.tok.text
		p.next()
		return literal{v: s}, nil
	case tokIdent:
		name := p.tok.text
		pos := p.tok.pos
		switch strings.ToLower(name) {
		case "true":
			p.next()
			return literal{v: true}, nil
		case "false":
			p.next()
			return literal{v: false}, nil
		case "and", "or", "not":
			return nil, &ParseError{Pos: pos, Msg: "unexpected keyword " + strconv.Quote(name)}
		}
		p.next()
		return factRef{name: name}, nil
	default:
		return nil, &ParseError{Pos: p.tok.pos, Msg: "unexpected " + p.tok.describe()}
	}
}

func (p *parser) isKeyword(kw string) bool {
	return p.tok.kind == tokIdent && strings.EqualFold(p.tok.text, kw)
}

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\n' || c == '\r' }
func isDigit(c byte) bool { return c >= '0' && c <= '9' }
func isIdentStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}
func isIdentPart(c byte) bool { return isIdentStart(c) || isDigit(c) }
