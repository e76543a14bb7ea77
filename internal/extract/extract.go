// Package extract derives the interactive surface of a page: a selector,
// role, accessible name and a handful of attributes per element.
//
// The in-page half is a data-only JavaScript payload; the same derivation is
// implemented over golang.org/x/net/html by ScanHTML so it can be exercised
// without a browser.
package extract

import (
	_ "embed"
	"strings"
	"unicode/utf8"
)

// DefaultMax caps an extraction when the caller does not say otherwise.
const DefaultMax = 100

// Interactive is the candidate query shared by the payload and ScanHTML.
const Interactive = `a[href],button,input,select,textarea,[role="button"],[role="link"],[role="textbox"],[role="checkbox"],[role="radio"],[role="combobox"],[role="tab"],[role="menuitem"],[onclick],[tabindex]:not([tabindex="-1"])`

// Payload installs window.__ubrowserExtract and the mutation observer.
// It is idempotent: evaluating it twice leaves one observer and one counter.
//
//go:embed extract.js
var Payload string

// Snippets evaluated by the host layer. Each is a function expression so it
// can go through the same Evaluate path as Payload.
const (
	// ProbeJS reports whether the payload is installed in the current document.
	ProbeJS = `function () { return typeof window.__ubrowserExtract === 'function'; }`

	// InvokeJS runs an extraction. It throws when the payload is missing so the
	// caller can tell a stale document apart from an empty one.
	InvokeJS = `function (scope, max) {
  if (typeof window.__ubrowserExtract !== 'function') {
    throw new Error('ubrowser: extractor not installed');
  }
  return window.__ubrowserExtract(scope, max);
}`

	// CounterJS reads the mutation counter, or -1 when the payload is missing
	// so a swapped document never matches a cached count.
	CounterJS = `function () {
  if (typeof window.__ubrowserExtract !== 'function') return -1;
  return window.__ubrowserMutationCount || 0;
}`

	// ViewportJS reads the layout viewport size.
	ViewportJS = `function () { return { width: window.innerWidth, height: window.innerHeight }; }`
)

// Element is one extracted interactive element. X and Y are the rounded centre
// of its bounding box and never leave the host process.
type Element struct {
	Selector   string            `json:"selector"`
	Role       string            `json:"role"`
	Name       string            `json:"name"`
	Tag        string            `json:"tag"`
	Attributes map[string]string `json:"attributes"`
	X          int               `json:"x"`
	Y          int               `json:"y"`
}

// Result is the payload's return value.
type Result struct {
	Elements []Element `json:"elements"`
	Hash     int32     `json:"hash"`
}

// ImplicitRole maps a tag and its type attribute to the ARIA role the browser
// would infer. Unknown tags map to "".
func ImplicitRole(tag, typ string) string {
	switch tag {
	case "a":
		return "link"
	case "button":
		return "button"
	case "select":
		return "combobox"
	case "textarea":
		return "textbox"
	case "input":
		switch typ {
		case "checkbox":
			return "checkbox"
		case "radio":
			return "radio"
		case "submit", "button", "reset":
			return "button"
		}
		return "textbox"
	}
	return ""
}

// CollapseSpace trims s and collapses whitespace runs to one space. Names
// taken from aria-label, title or placeholder get only this.
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeName collapses whitespace runs and truncates to 50 characters. It
// applies to names derived from text content.
func NormalizeName(s string) string {
	s = CollapseSpace(s)
	if utf8.RuneCountInString(s) > 50 {
		r := []rune(s)
		s = string(r[:47]) + "..."
	}
	return s
}

// NextHash folds one element into the rolling change-detection hash.
func NextHash(hash int32, selector, name string) int32 {
	return (hash << 5) - hash + int32(utf8.RuneCountInString(selector)) + int32(utf8.RuneCountInString(name))
}

// CSSEscape follows the CSSOM CSS.escape algorithm.
func CSSEscape(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		switch {
		case r == 0:
			b.WriteRune('�')
		case (r >= 0x1 && r <= 0x1f) || r == 0x7f:
			writeHexEscape(&b, r)
		case i == 0 && r >= '0' && r <= '9':
			writeHexEscape(&b, r)
		case i == 1 && r >= '0' && r <= '9' && runes[0] == '-':
			writeHexEscape(&b, r)
		case i == 0 && r == '-' && len(runes) == 1:
			b.WriteString(`\-`)
		case r >= 0x80 || r == '-' || r == '_' ||
			(r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			b.WriteRune(r)
		default:
			b.WriteByte('\\')
			b.WriteRune(r)
		}
	}
	return b.String()
}

func writeHexEscape(b *strings.Builder, r rune) {
	const hexdigits = "0123456789abcdef"
	b.WriteByte('\\')
	var buf [8]byte
	n := len(buf)
	v := uint32(r)
	for {
		n--
		buf[n] = hexdigits[v&0xf]
		v >>= 4
		if v == 0 {
			break
		}
	}
	b.Write(buf[n:])
	b.WriteByte(' ')
}
