package extract

import (
	"math"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// Box is an element's bounding rectangle in CSS pixels.
type Box struct {
	Left, Top, Width, Height float64
}

// Layout assigns a bounding box to the index-th visible candidate. A box with
// zero width or height hides the element, as getBoundingClientRect would.
type Layout func(index int, n *html.Node) Box

// SyntheticLayout stacks candidates in one column of 100x40 boxes, so the
// i-th visible candidate is centred at (100, 20+40i).
func SyntheticLayout(index int, _ *html.Node) Box {
	return Box{Left: 50, Top: float64(40 * index), Width: 100, Height: 40}
}

// ScanHTML runs the extraction over a parsed document with SyntheticLayout.
// An unknown or invalid scope yields an empty result.
func ScanHTML(doc *html.Node, scope string, maxElements int) Result {
	res, err := Scan(doc, scope, maxElements, SyntheticLayout)
	if err != nil {
		return Result{}
	}
	return res
}

// Scan is ScanHTML with a caller-provided layout. It fails only when scope is
// not a valid selector.
func Scan(doc *html.Node, scope string, maxElements int, layout Layout) (Result, error) {
	if scope == "" {
		scope = "body"
	}
	if maxElements <= 0 {
		maxElements = DefaultMax
	}
	if layout == nil {
		layout = SyntheticLayout
	}

	res := Result{Elements: []Element{}}
	scopeEl, err := Query(doc, scope)
	if err != nil {
		return res, err
	}
	if scopeEl == nil {
		return res, nil
	}

	candidates, err := QueryAll(scopeEl, Interactive)
	if err != nil {
		return res, err
	}

	var visible []*html.Node
	var boxes []Box
	for _, n := range candidates {
		if len(visible) >= maxElements {
			break
		}
		if Attr(n, "aria-hidden") == "true" || HiddenByMarkup(n) ||
			(n.Data == "input" && strings.EqualFold(Attr(n, "type"), "hidden")) {
			continue
		}
		b := layout(len(visible), n)
		if b.Width > 0 && b.Height > 0 {
			visible = append(visible, n)
			boxes = append(boxes, b)
		}
	}

	seen := make(map[string]int)
	for i, n := range visible {
		el := describe(n, seen)
		el.X = roundHalfUp(boxes[i].Left + boxes[i].Width/2)
		el.Y = roundHalfUp(boxes[i].Top + boxes[i].Height/2)
		res.Hash = NextHash(res.Hash, el.Selector, el.Name)
		res.Elements = append(res.Elements, el)
	}
	return res, nil
}

// describe derives selector, role, name and attributes for one element.
// seen counts fallback selectors for :nth-of-type disambiguation.
func describe(n *html.Node, seen map[string]int) Element {
	tag := strings.ToLower(n.Data)
	typ := Attr(n, "type")

	var selector string
	switch {
	case Attr(n, "id") != "":
		selector = "#" + CSSEscape(Attr(n, "id"))
	case Attr(n, "data-testid") != "":
		selector = `[data-testid="` + CSSEscape(Attr(n, "data-testid")) + `"]`
	case Attr(n, "name") != "" && (tag == "input" || tag == "select" || tag == "textarea"):
		selector = tag + `[name="` + CSSEscape(Attr(n, "name")) + `"]`
	default:
		selector = tag
		if typ != "" {
			selector = tag + `[type="` + typ + `"]`
		}
		seen[selector]++
		if k := seen[selector]; k > 1 {
			selector += ":nth-of-type(" + strconv.Itoa(k) + ")"
		}
	}

	attrs := make(map[string]string)
	if typ != "" {
		attrs["type"] = typ
	}
	if v := Attr(n, "href"); v != "" {
		attrs["href"] = v
	}
	if v := Attr(n, "placeholder"); v != "" {
		attrs["placeholder"] = v
	}
	for _, flag := range []string{"disabled", "checked", "required"} {
		if HasAttr(n, flag) {
			attrs[flag] = "true"
		}
	}

	role := Attr(n, "role")
	if role == "" {
		role = ImplicitRole(tag, typ)
	}

	return Element{
		Selector:   selector,
		Role:       role,
		Name:       accessibleName(n),
		Tag:        tag,
		Attributes: attrs,
	}
}

func accessibleName(n *html.Node) string {
	for _, key := range []string{"aria-label", "title", "placeholder"} {
		if v := Attr(n, key); v != "" {
			return CollapseSpace(v)
		}
	}
	return NormalizeName(TextContent(n))
}

// TextContent concatenates every text node under n, like Node.textContent.
func TextContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
		for k := c.FirstChild; k != nil; k = k.NextSibling {
			walk(k)
		}
	}
	walk(n)
	return b.String()
}

// HiddenByMarkup approximates a zero-size box from markup alone: the hidden
// attribute or an inline display:none / visibility:hidden on n or an ancestor.
func HiddenByMarkup(n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p.Type != html.ElementNode {
			continue
		}
		if HasAttr(p, "hidden") {
			return true
		}
		style := strings.ReplaceAll(strings.ToLower(Attr(p, "style")), " ", "")
		if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
			return true
		}
	}
	return false
}

func roundHalfUp(v float64) int {
	return int(math.Floor(v + 0.5))
}
