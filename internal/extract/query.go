package extract

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

// Selector is a compiled CSS selector list. It supports the subset the
// extractor produces and consumes:
//   - tag, *, #id, .class
//   - [attr], [attr=val], [attr="val"]
//   - :not(compound), :nth-of-type(k)
//   - descendant and child (>) combinators, comma lists
type Selector struct {
	raw  string
	list []complexSel
}

type complexSel struct {
	parts []compound
	// combs[i] joins parts[i] and parts[i+1]: ' ' or '>'.
	combs []byte
}

type compound struct {
	tag     string
	id      string
	classes []string
	attrs   []attrSel
	nots    []compound
	nth     int
}

type attrSel struct {
	key    string
	val    string
	hasVal bool
}

// Compile parses sel.
func Compile(sel string) (*Selector, error) {
	p := &selParser{s: sel}
	var list []complexSel
	for {
		c, err := p.complex()
		if err != nil {
			return nil, fmt.Errorf("invalid selector %q: %w", sel, err)
		}
		list = append(list, c)
		p.skipSpace()
		if p.eof() {
			break
		}
		if p.peek() != ',' {
			return nil, fmt.Errorf("invalid selector %q: unexpected %q at %d", sel, p.peek(), p.i)
		}
		p.i++
	}
	return &Selector{raw: sel, list: list}, nil
}

// String returns the source text.
func (s *Selector) String() string { return s.raw }

// Match reports whether element n matches any selector in the list.
func (s *Selector) Match(n *html.Node) bool {
	if n == nil || n.Type != html.ElementNode {
		return false
	}
	for i := range s.list {
		if matchComplex(n, &s.list[i], len(s.list[i].parts)-1) {
			return true
		}
	}
	return false
}

// QueryAll returns the descendants of root matching sel, in document order.
func QueryAll(root *html.Node, sel string) ([]*html.Node, error) {
	s, err := Compile(sel)
	if err != nil {
		return nil, err
	}
	var out []*html.Node
	walkDescendants(root, func(n *html.Node) bool {
		if s.Match(n) {
			out = append(out, n)
		}
		return true
	})
	return out, nil
}

// Query returns the first descendant of root matching sel, or nil.
func Query(root *html.Node, sel string) (*html.Node, error) {
	s, err := Compile(sel)
	if err != nil {
		return nil, err
	}
	var found *html.Node
	walkDescendants(root, func(n *html.Node) bool {
		if s.Match(n) {
			found = n
			return false
		}
		return true
	})
	return found, nil
}

// walkDescendants visits element descendants of root depth-first until fn
// returns false.
func walkDescendants(root *html.Node, fn func(*html.Node) bool) {
	var walk func(*html.Node) bool
	walk = func(n *html.Node) bool {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && !fn(c) {
				return false
			}
			if !walk(c) {
				return false
			}
		}
		return true
	}
	walk(root)
}

func matchComplex(n *html.Node, c *complexSel, i int) bool {
	if !matchCompound(n, &c.parts[i]) {
		return false
	}
	if i == 0 {
		return true
	}
	switch c.combs[i-1] {
	case '>':
		p := n.Parent
		return p != nil && p.Type == html.ElementNode && matchComplex(p, c, i-1)
	default:
		for p := n.Parent; p != nil; p = p.Parent {
			if p.Type == html.ElementNode && matchComplex(p, c, i-1) {
				return true
			}
		}
		return false
	}
}

func matchCompound(n *html.Node, c *compound) bool {
	if c.tag != "" && c.tag != "*" && n.Data != c.tag {
		return false
	}
	if c.id != "" && Attr(n, "id") != c.id {
		return false
	}
	for _, cls := range c.classes {
		if !hasClass(n, cls) {
			return false
		}
	}
	for _, a := range c.attrs {
		v, ok := lookupAttr(n, a.key)
		if !ok || (a.hasVal && v != a.val) {
			return false
		}
	}
	for i := range c.nots {
		if matchCompound(n, &c.nots[i]) {
			return false
		}
	}
	if c.nth > 0 && nthOfType(n) != c.nth {
		return false
	}
	return true
}

func nthOfType(n *html.Node) int {
	k := 1
	for s := n.PrevSibling; s != nil; s = s.PrevSibling {
		if s.Type == html.ElementNode && s.Data == n.Data {
			k++
		}
	}
	return k
}

func hasClass(n *html.Node, cls string) bool {
	for _, c := range strings.Fields(Attr(n, "class")) {
		if c == cls {
			return true
		}
	}
	return false
}

// Attr returns the value of attribute key on n, or "".
func Attr(n *html.Node, key string) string {
	v, _ := lookupAttr(n, key)
	return v
}

// HasAttr reports whether n carries attribute key.
func HasAttr(n *html.Node, key string) bool {
	_, ok := lookupAttr(n, key)
	return ok
}

func lookupAttr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

type selParser struct {
	s string
	i int
}

func (p *selParser) eof() bool  { return p.i >= len(p.s) }
func (p *selParser) peek() byte { return p.s[p.i] }

func (p *selParser) skipSpace() bool {
	start := p.i
	for !p.eof() && isSpace(p.peek()) {
		p.i++
	}
	return p.i > start
}

func (p *selParser) complex() (complexSel, error) {
	var c complexSel
	p.skipSpace()
	first, err := p.compound()
	if err != nil {
		return c, err
	}
	c.parts = append(c.parts, first)
	for {
		spaced := p.skipSpace()
		if p.eof() || p.peek() == ',' {
			return c, nil
		}
		comb := byte(' ')
		if p.peek() == '>' {
			comb = '>'
			p.i++
			p.skipSpace()
		} else if !spaced {
			return c, fmt.Errorf("unexpected %q at %d", p.peek(), p.i)
		}
		next, err := p.compound()
		if err != nil {
			return c, err
		}
		c.parts = append(c.parts, next)
		c.combs = append(c.combs, comb)
	}
}

func (p *selParser) compound() (compound, error) {
	var c compound
	start := p.i
	if !p.eof() && p.peek() == '*' {
		c.tag = "*"
		p.i++
	} else if !p.eof() && isIdentStart(p.peek()) {
		tag, err := p.ident()
		if err != nil {
			return c, err
		}
		c.tag = strings.ToLower(tag)
	}

	for !p.eof() {
		switch p.peek() {
		case '#':
			p.i++
			id, err := p.ident()
			if err != nil {
				return c, err
			}
			c.id = id
		case '.':
			p.i++
			cls, err := p.ident()
			if err != nil {
				return c, err
			}
			c.classes = append(c.classes, cls)
		case '[':
			p.i++
			a, err := p.attr()
			if err != nil {
				return c, err
			}
			c.attrs = append(c.attrs, a)
		case ':':
			p.i++
			if err := p.pseudo(&c); err != nil {
				return c, err
			}
		default:
			if p.i == start {
				return c, fmt.Errorf("expected selector at %d", p.i)
			}
			return c, nil
		}
	}
	if p.i == start {
		return c, fmt.Errorf("empty selector")
	}
	return c, nil
}

func (p *selParser) attr() (attrSel, error) {
	var a attrSel
	p.skipSpace()
	key, err := p.ident()
	if err != nil {
		return a, err
	}
	a.key = strings.ToLower(key)
	p.skipSpace()
	if p.eof() {
		return a, fmt.Errorf("unterminated attribute selector")
	}
	if p.peek() == '=' {
		p.i++
		p.skipSpace()
		if p.eof() {
			return a, fmt.Errorf("unterminated attribute selector")
		}
		a.hasVal = true
		if q := p.peek(); q == '"' || q == '\'' {
			a.val, err = p.quoted(q)
		} else {
			a.val, err = p.ident()
		}
		if err != nil {
			return a, err
		}
		p.skipSpace()
	}
	if p.eof() || p.peek() != ']' {
		return a, fmt.Errorf("expected ] at %d", p.i)
	}
	p.i++
	return a, nil
}

func (p *selParser) pseudo(c *compound) error {
	name, err := p.ident()
	if err != nil {
		return err
	}
	if p.eof() || p.peek() != '(' {
		return fmt.Errorf("unsupported pseudo-class :%s", name)
	}
	p.i++
	p.skipSpace()
	switch strings.ToLower(name) {
	case "not":
		inner, err := p.compound()
		if err != nil {
			return err
		}
		c.nots = append(c.nots, inner)
	case "nth-of-type":
		start := p.i
		for !p.eof() && p.peek() >= '0' && p.peek() <= '9' {
			p.i++
		}
		k, err := strconv.Atoi(p.s[start:p.i])
		if err != nil || k <= 0 {
			return fmt.Errorf("unsupported :nth-of-type argument at %d", start)
		}
		c.nth = k
	default:
		return fmt.Errorf("unsupported pseudo-class :%s", name)
	}
	p.skipSpace()
	if p.eof() || p.peek() != ')' {
		return fmt.Errorf("expected ) at %d", p.i)
	}
	p.i++
	return nil
}

func (p *selParser) ident() (string, error) {
	var b strings.Builder
	for !p.eof() {
		ch := p.peek()
		if ch == '\\' {
			r, err := p.escape()
			if err != nil {
				return "", err
			}
			b.WriteRune(r)
			continue
		}
		if !isIdentChar(ch) {
			break
		}
		r, size := utf8.DecodeRuneInString(p.s[p.i:])
		b.WriteRune(r)
		p.i += size
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("expected identifier at %d", p.i)
	}
	return b.String(), nil
}

func (p *selParser) quoted(q byte) (string, error) {
	p.i++
	var b strings.Builder
	for !p.eof() {
		ch := p.peek()
		switch ch {
		case q:
			p.i++
			return b.String(), nil
		case '\\':
			r, err := p.escape()
			if err != nil {
				return "", err
			}
			b.WriteRune(r)
		default:
			r, size := utf8.DecodeRuneInString(p.s[p.i:])
			b.WriteRune(r)
			p.i += size
		}
	}
	return "", fmt.Errorf("unterminated string")
}

// escape consumes a backslash escape: up to six hex digits plus one optional
// whitespace, or a single literal character.
func (p *selParser) escape() (rune, error) {
	p.i++
	if p.eof() {
		return 0, fmt.Errorf("dangling escape")
	}
	start := p.i
	for p.i < len(p.s) && p.i-start < 6 && isHex(p.s[p.i]) {
		p.i++
	}
	if p.i > start {
		v, _ := strconv.ParseUint(p.s[start:p.i], 16, 32)
		if !p.eof() && isSpace(p.peek()) {
			p.i++
		}
		if v == 0 || v > utf8.MaxRune {
			return utf8.RuneError, nil
		}
		return rune(v), nil
	}
	r, size := utf8.DecodeRuneInString(p.s[p.i:])
	p.i += size
	return r, nil
}

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' }

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func isIdentStart(c byte) bool {
	return c == '\\' || c == '_' || c == '-' || c >= 0x80 || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
