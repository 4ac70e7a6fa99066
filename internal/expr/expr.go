// Package expr implements the restricted arithmetic formula language
// used by rulepack calculations: numeric literals, named identifiers,
// the four arithmetic operators, unary minus and parentheses. Formulas
// are parsed once at compile time into an AST and evaluated directly;
// there is no dynamic code execution path.
package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind tags an AST node.
type Kind int

const (
	KindNumber Kind = iota
	KindIdent
	KindUnary
	KindBinary
)

// Node is one node of a parsed formula.
type Node struct {
	Kind Kind

	// KindNumber
	Value float64

	// KindIdent. Identifiers are dot-separated paths, resolved by the
	// caller against calculated values, thresholds and context data.
	Name string

	// KindUnary ("-") and KindBinary ("+", "-", "*", "/")
	Op    string
	Left  *Node // unary operand lives in Left
	Right *Node
}

// Parse parses a formula into an AST. The grammar is deliberately
// closed: no function calls, no control flow.
//
//	expr   = term { ("+" | "-") term }
//	term   = factor { ("*" | "/") factor }
//	factor = "-" factor | number | ident | "(" expr ")"
func Parse(formula string) (*Node, error) {
	toks, err := lex(formula)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	node, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if !p.eof() {
		return nil, fmt.Errorf("unexpected %q at position %d", p.peek().text, p.peek().pos)
	}
	return node, nil
}

// Idents returns every identifier the formula reads, in first-use order
// without duplicates. Used at compile time to check formulas against
// their declared dependency lists.
func Idents(n *Node) []string {
	var out []string
	seen := make(map[string]bool)
	var walk func(*Node)
	walk = func(n *Node) {
		if n == nil {
			return
		}
		if n.Kind == KindIdent && !seen[n.Name] {
			seen[n.Name] = true
			out = append(out, n.Name)
		}
		walk(n.Left)
		walk(n.Right)
	}
	walk(n)
	return out
}

// NormalizeIdents lower-cases every identifier name in the tree, in
// place. Identifiers are field paths and field paths are
// case-insensitive at the document surface, so the compiler folds them
// to the canonical lower-case form before matching dependencies or
// rendering canonical text.
func NormalizeIdents(n *Node) {
	if n == nil {
		return
	}
	if n.Kind == KindIdent {
		n.Name = strings.ToLower(n.Name)
	}
	NormalizeIdents(n.Left)
	NormalizeIdents(n.Right)
}

// String renders the AST back to normalized formula text.
func (n *Node) String() string {
	return render(n, nil)
}

// Substitute renders the formula with identifiers replaced by their
// resolved values, producing the post-substitution text recorded in
// explanations. Identifiers the resolver cannot supply render as-is.
func Substitute(n *Node, resolve func(name string) (float64, bool)) string {
	return render(n, resolve)
}

func render(n *Node, resolve func(string) (float64, bool)) string {
	switch n.Kind {
	case KindNumber:
		return formatNumber(n.Value)
	case KindIdent:
		if resolve != nil {
			if v, ok := resolve(n.Name); ok {
				return formatNumber(v)
			}
		}
		return n.Name
	case KindUnary:
		return "-" + renderOperand(n.Left, resolve)
	case KindBinary:
		return renderOperand(n.Left, resolve) + " " + n.Op + " " + renderOperand(n.Right, resolve)
	}
	return ""
}

// renderOperand parenthesizes nested binary expressions so the rendered
// text reads unambiguously regardless of precedence.
func renderOperand(n *Node, resolve func(string) (float64, bool)) string {
	s := render(n, resolve)
	if n.Kind == KindBinary {
		return "(" + s + ")"
	}
	return s
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokIdent
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func lex(input string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(input) {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == '+' || c == '-' || c == '*' || c == '/':
			toks = append(toks, token{tokOp, string(c), i})
			i++
		case c >= '0' && c <= '9':
			start := i
			for i < len(input) && (input[i] >= '0' && input[i] <= '9' || input[i] == '.') {
				i++
			}
			text := input[start:i]
			if strings.Count(text, ".") > 1 {
				return nil, fmt.Errorf("malformed number %q at position %d", text, start)
			}
			toks = append(toks, token{tokNumber, text, start})
		case isIdentStart(c):
			start := i
			for i < len(input) && isIdentPart(input[i]) {
				i++
			}
			toks = append(toks, token{tokIdent, input[start:i], start})
		default:
			return nil, fmt.Errorf("unexpected character %q at position %d", c, i)
		}
	}
	return toks, nil
}

func isIdentStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9' || c == '.'
}

type parser struct {
	toks []token
	i    int
}

func (p *parser) eof() bool { return p.i >= len(p.toks) }

func (p *parser) peek() token {
	if p.eof() {
		return token{pos: -1}
	}
	return p.toks[p.i]
}

func (p *parser) next() token {
	t := p.peek()
	p.i++
	return t
}

func (p *parser) parseExpr() (*Node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for !p.eof() && p.peek().kind == tokOp && (p.peek().text == "+" || p.peek().text == "-") {
		op := p.next().text
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = &Node{Kind: KindBinary, Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseTerm() (*Node, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for !p.eof() && p.peek().kind == tokOp && (p.peek().text == "*" || p.peek().text == "/") {
		op := p.next().text
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		left = &Node{Kind: KindBinary, Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseFactor() (*Node, error) {
	if p.eof() {
		return nil, fmt.Errorf("unexpected end of formula")
	}
	t := p.next()
	switch t.kind {
	case tokOp:
		if t.text != "-" {
			return nil, fmt.Errorf("unexpected operator %q at position %d", t.text, t.pos)
		}
		operand, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		return &Node{Kind: KindUnary, Op: "-", Left: operand}, nil
	case tokNumber:
		v, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed number %q at position %d", t.text, t.pos)
		}
		return &Node{Kind: KindNumber, Value: v}, nil
	case tokIdent:
		return &Node{Kind: KindIdent, Name: t.text}, nil
	case tokLParen:
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.eof() || p.peek().kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis for group at position %d", t.pos)
		}
		p.next()
		return inner, nil
	default:
		return nil, fmt.Errorf("unexpected %q at position %d", t.text, t.pos)
	}
}
