// Package expression implements a small boolean/arithmetic expression evaluator
// used by meta rules. An expression combines named atoms with && || !, comparisons
// and basic arithmetic. Atom values are supplied at evaluation time by a resolver
// callback, truthiness is perl-style: any non-zero value is true.
package expression

import (
	"fmt"
	"strconv"
	"strings"
)

// Expr is a compiled expression. Immutable and safe for concurrent evaluation.
type Expr struct {
	text  string
	root  node
	atoms []string
}

// Resolver returns the value of a named atom for the message being evaluated.
type Resolver func(name string) float64

// Parse compiles the expression text. Returns an error for empty input,
// unbalanced parentheses, dangling operators or unexpected characters.
func Parse(text string) (*Expr, error) {
	toks, err := tokenize(text)
	if err != nil {
		return nil, fmt.Errorf("tokenize %q: %w", text, err)
	}
	if len(toks) == 0 {
		return nil, fmt.Errorf("empty expression")
	}

	p := &parser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", text, err)
	}
	if p.pos != len(p.toks) {
		return nil, fmt.Errorf("parse %q: unexpected token %q", text, p.toks[p.pos].val)
	}

	res := &Expr{text: text, root: root}
	seen := map[string]struct{}{}
	collectAtoms(root, seen, &res.atoms)
	return res, nil
}

// Atoms returns the referenced atom names in first-seen order, unique.
func (e *Expr) Atoms() []string { return e.atoms }

// String returns the original expression text.
func (e *Expr) String() string { return e.text }

// Eval evaluates the expression with the given resolver. Boolean results are
// reported as 1/0, AND and OR short-circuit left to right.
func (e *Expr) Eval(resolve Resolver) float64 {
	return evalNode(e.root, resolve)
}

type node interface{}

type numNode float64

type atomNode string

type unaryNode struct {
	op  string // "!" or "-"
	arg node
}

type binNode struct {
	op       string
	lhs, rhs node
}

func collectAtoms(n node, seen map[string]struct{}, out *[]string) {
	switch v := n.(type) {
	case atomNode:
		if _, ok := seen[string(v)]; !ok {
			seen[string(v)] = struct{}{}
			*out = append(*out, string(v))
		}
	case unaryNode:
		collectAtoms(v.arg, seen, out)
	case binNode:
		collectAtoms(v.lhs, seen, out)
		collectAtoms(v.rhs, seen, out)
	}
}

func truthy(v float64) bool { return v != 0 }

func boolVal(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func evalNode(n node, resolve Resolver) float64 {
	switch v := n.(type) {
	case numNode:
		return float64(v)
	case atomNode:
		return resolve(string(v))
	case unaryNode:
		if v.op == "!" {
			return boolVal(!truthy(evalNode(v.arg, resolve)))
		}
		return -evalNode(v.arg, resolve)
	case binNode:
		switch v.op {
		case "&&":
			if !truthy(evalNode(v.lhs, resolve)) {
				return 0
			}
			return boolVal(truthy(evalNode(v.rhs, resolve)))
		case "||":
			if truthy(evalNode(v.lhs, resolve)) {
				return 1
			}
			return boolVal(truthy(evalNode(v.rhs, resolve)))
		}
		l, r := evalNode(v.lhs, resolve), evalNode(v.rhs, resolve)
		switch v.op {
		case ">":
			return boolVal(l > r)
		case ">=":
			return boolVal(l >= r)
		case "<":
			return boolVal(l < r)
		case "<=":
			return boolVal(l <= r)
		case "==":
			return boolVal(l == r)
		case "!=":
			return boolVal(l != r)
		case "+":
			return l + r
		case "-":
			return l - r
		case "*":
			return l * r
		case "/":
			if r == 0 {
				return 0
			}
			return l / r
		}
	}
	return 0
}

type tokenKind int

const (
	tkNumber tokenKind = iota
	tkIdent
	tkLParen
	tkRParen
	tkOp
)

type token struct {
	kind tokenKind
	val  string
	num  float64
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// tokenize splits the input into tokens. Identifiers are maximal runs stopping
// at space, parenthesis, comparison and boolean-operator characters.
func tokenize(s string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '(':
			toks = append(toks, token{kind: tkLParen, val: "("})
			i++
		case c == ')':
			toks = append(toks, token{kind: tkRParen, val: ")"})
			i++
		case isIdentStart(c):
			j := i + 1
			for j < len(s) && isIdentChar(s[j]) {
				j++
			}
			toks = append(toks, token{kind: tkIdent, val: s[i:j]})
			i = j
		case c >= '0' && c <= '9' || c == '.':
			j := i + 1
			for j < len(s) && (s[j] >= '0' && s[j] <= '9' || s[j] == '.') {
				j++
			}
			num, err := strconv.ParseFloat(s[i:j], 64)
			if err != nil {
				return nil, fmt.Errorf("bad number %q: %w", s[i:j], err)
			}
			toks = append(toks, token{kind: tkNumber, val: s[i:j], num: num})
			i = j
		default:
			// multi-char operators first
			if two := twoCharOp(s, i); two != "" {
				toks = append(toks, token{kind: tkOp, val: two})
				i += 2
				continue
			}
			if strings.ContainsRune("!<>+-*/", rune(c)) {
				toks = append(toks, token{kind: tkOp, val: string(c)})
				i++
				continue
			}
			return nil, fmt.Errorf("unexpected character %q at %d", c, i)
		}
	}
	return toks, nil
}

func twoCharOp(s string, i int) string {
	if i+1 >= len(s) {
		return ""
	}
	switch s[i : i+2] {
	case "&&", "||", "==", "!=", ">=", "<=":
		return s[i : i+2]
	}
	return ""
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	return p.toks[p.pos], true
}

func (p *parser) acceptOp(ops ...string) (string, bool) {
	t, ok := p.peek()
	if !ok || t.kind != tkOp {
		return "", false
	}
	for _, op := range ops {
		if t.val == op {
			p.pos++
			return op, true
		}
	}
	return "", false
}

func (p *parser) parseOr() (node, error) {
	lhs, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.acceptOp("||"); !ok {
			return lhs, nil
		}
		rhs, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		lhs = binNode{op: "||", lhs: lhs, rhs: rhs}
	}
}

func (p *parser) parseAnd() (node, error) {
	lhs, err := p.parseCmp()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.acceptOp("&&"); !ok {
			return lhs, nil
		}
		rhs, err := p.parseCmp()
		if err != nil {
			return nil, err
		}
		lhs = binNode{op: "&&", lhs: lhs, rhs: rhs}
	}
}

func (p *parser) parseCmp() (node, error) {
	lhs, err := p.parseAdd()
	if err != nil {
		return nil, err
	}
	op, ok := p.acceptOp("==", "!=", ">=", "<=", ">", "<")
	if !ok {
		return lhs, nil
	}
	rhs, err := p.parseAdd()
	if err != nil {
		return nil, err
	}
	return binNode{op: op, lhs: lhs, rhs: rhs}, nil
}

func (p *parser) parseAdd() (node, error) {
	lhs, err := p.parseMul()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("+", "-")
		if !ok {
			return lhs, nil
		}
		rhs, err := p.parseMul()
		if err != nil {
			return nil, err
		}
		lhs = binNode{op: op, lhs: lhs, rhs: rhs}
	}
}

func (p *parser) parseMul() (node, error) {
	lhs, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("*", "/")
		if !ok {
			return lhs, nil
		}
		rhs, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		lhs = binNode{op: op, lhs: lhs, rhs: rhs}
	}
}

func (p *parser) parseUnary() (node, error) {
	if op, ok := p.acceptOp("!", "-"); ok {
		arg, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: op, arg: arg}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t, ok := p.peek()
	if !ok {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	switch t.kind {
	case tkNumber:
		p.pos++
		return numNode(t.num), nil
	case tkIdent:
		p.pos++
		return atomNode(t.val), nil
	case tkLParen:
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		t, ok = p.peek()
		if !ok || t.kind != tkRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return inner, nil
	}
	return nil, fmt.Errorf("unexpected token %q", t.val)
}
