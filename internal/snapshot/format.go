package snapshot

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"ubrowser-mcp-server/internal/refs"
)

// Format selects a snapshot encoding.
type Format string

const (
	FormatCompact Format = "compact"
	FormatFull    Format = "full"
	FormatMinimal Format = "minimal"
	FormatDiff    Format = "diff"
)

// ParseFormat validates a wire value. Empty means compact.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "":
		return FormatCompact, nil
	case FormatCompact, FormatFull, FormatMinimal, FormatDiff:
		return Format(s), nil
	}
	return "", fmt.Errorf("format must be compact, full, minimal or diff, got %q", s)
}

var tagAbbrev = map[string]string{
	"a":        "a",
	"button":   "btn",
	"input":    "inp",
	"select":   "sel",
	"textarea": "ta",
}

var typeAbbrev = map[string]string{
	"text":     "t",
	"email":    "e",
	"password": "pw",
	"checkbox": "cb",
	"radio":    "rd",
	"submit":   "sub",
	"button":   "btn",
	"number":   "n",
	"search":   "s",
	"tel":      "tel",
	"url":      "u",
	"date":     "d",
	"file":     "f",
	"reset":    "rst",
	"hidden":   "h",
}

// impliedRoles lists the role each tag carries without a role attribute.
var impliedRoles = map[string]string{
	"button":   "button",
	"a":        "link",
	"input":    "textbox",
	"select":   "combobox",
	"textarea": "textbox",
	"img":      "img",
	"nav":      "navigation",
	"main":     "main",
	"header":   "banner",
	"footer":   "contentinfo",
}

// fullAttrs are printed by the full format, in this order.
var fullAttrs = []string{"type", "href", "placeholder", "disabled", "checked", "required"}

// Compact renders a header line and one token per element.
func Compact(elements []refs.Ref, pageURL, title string) string {
	var b strings.Builder
	b.WriteString(title)
	b.WriteString(" (")
	b.WriteString(pageURL)
	b.WriteString(")")
	for _, el := range elements {
		b.WriteByte('\n')
		b.WriteString(Token(el))
	}
	return b.String()
}

// Token encodes one element as
// {tag}#{id}[@{type}][~"{placeholder}"][/{path}]["{text}"][!d][!c][!r].
func Token(el refs.Ref) string {
	var b strings.Builder
	if abbr, ok := tagAbbrev[el.Tag]; ok {
		b.WriteString(abbr)
	} else {
		b.WriteString(el.Tag)
	}
	b.WriteByte('#')
	b.WriteString(el.ID)

	attrs := el.Attributes
	if typ := attrs["type"]; typ != "" {
		b.WriteByte('@')
		if abbr, ok := typeAbbrev[strings.ToLower(typ)]; ok {
			b.WriteString(abbr)
		} else {
			b.WriteString(typ)
		}
	}
	placeholder := attrs["placeholder"]
	if placeholder != "" {
		b.WriteString(`~"`)
		b.WriteString(quoteSafe(truncate(placeholder, 20)))
		b.WriteByte('"')
	}
	if href := attrs["href"]; href != "" {
		b.WriteString(hrefPath(href))
	}
	if el.Name != "" && el.Name != placeholder {
		b.WriteByte('"')
		b.WriteString(quoteSafe(truncate(el.Name, 30)))
		b.WriteByte('"')
	}
	if attrs["disabled"] == "true" {
		b.WriteString("!d")
	}
	if attrs["checked"] == "true" {
		b.WriteString("!c")
	}
	if attrs["required"] == "true" {
		b.WriteString("!r")
	}
	return b.String()
}

// hrefPath reduces an href to "/" plus its path, query and fragment.
func hrefPath(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return "/" + strings.TrimPrefix(href, "/")
	}
	if u.Opaque != "" {
		return "/" + u.Scheme + ":" + u.Opaque
	}
	rest := u.EscapedPath()
	if u.RawQuery != "" {
		rest += "?" + u.RawQuery
	}
	if u.Fragment != "" {
		rest += "#" + u.EscapedFragment()
	}
	return "/" + strings.TrimPrefix(rest, "/")
}

// Full renders the verbose HTML-like encoding.
func Full(elements []refs.Ref, pageURL, title string) string {
	lines := make([]string, 0, len(elements)+1)
	lines = append(lines, "Page: "+title+"\nURL: "+pageURL+"\n---")
	for _, el := range elements {
		lines = append(lines, FullLine(el))
	}
	return strings.Join(lines, "\n")
}

// FullLine renders one element as an HTML-like tag.
func FullLine(el refs.Ref) string {
	attrs := []string{`id="` + el.ID + `"`}
	if el.Role != "" && impliedRoles[el.Tag] != el.Role {
		attrs = append(attrs, `role="`+el.Role+`"`)
	}
	for _, key := range fullAttrs {
		if v := el.Attributes[key]; v != "" {
			attrs = append(attrs, key+`="`+v+`"`)
		}
	}
	attrStr := strings.Join(attrs, " ")
	content := ""
	if el.Name != "" {
		content = escapeHTML(truncate(el.Name, 50))
	}

	switch {
	case el.Tag == "input" || el.Tag == "img" || el.Tag == "br" || el.Tag == "hr":
		return "<" + el.Tag + " " + attrStr + ">"
	case content == "" && (el.Tag == "div" || el.Tag == "span"):
		return "<" + el.Tag + " " + attrStr + "/>"
	}
	return "<" + el.Tag + " " + attrStr + ">" + content + "</" + el.Tag + ">"
}

// Minimal renders element counts only.
func Minimal(elements []refs.Ref, title string) string {
	var buttons, links, inputs int
	for _, el := range elements {
		switch el.Role {
		case "button":
			buttons++
		case "link":
			links++
		case "textbox", "combobox", "checkbox", "radio":
			inputs++
		}
	}
	return "Page: " + title + "\nElements: " + strconv.Itoa(len(elements)) +
		" (" + strconv.Itoa(buttons) + " buttons, " + strconv.Itoa(links) + " links, " + strconv.Itoa(inputs) + " inputs)"
}

// RenderDiff renders a diff as +/-/~/= sections.
func RenderDiff(d Diff) string {
	var lines []string
	if len(d.Added) > 0 {
		lines = append(lines, fmt.Sprintf("+ Added %d elements:", len(d.Added)))
		for _, el := range d.Added {
			lines = append(lines, FullLine(el))
		}
	}
	if len(d.Removed) > 0 {
		lines = append(lines, "- Removed: "+strings.Join(d.Removed, ", "))
	}
	if len(d.Modified) > 0 {
		lines = append(lines, fmt.Sprintf("~ Modified %d elements:", len(d.Modified)))
		for _, m := range d.Modified {
			lines = append(lines, "  "+m.ID+": "+m.Changes)
		}
	}
	if d.Unchanged > 0 {
		lines = append(lines, fmt.Sprintf("= %d elements unchanged", d.Unchanged))
	}
	return strings.Join(lines, "\n")
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-3]) + "..."
}

func quoteSafe(s string) string {
	return strings.ReplaceAll(s, `"`, `'`)
}

var htmlEscaper = strings.NewReplacer(`&`, "&amp;", `<`, "&lt;", `>`, "&gt;", `"`, "&quot;")

func escapeHTML(s string) string {
	return htmlEscaper.Replace(s)
}
