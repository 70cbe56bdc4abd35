// browser/static/style.go
package static

import (
	"strconv"
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/pagepulse/internal/visibility"
)

// declarations parses a style attribute into lowercase property names mapped to
// values. A later declaration wins unless an earlier one was marked !important.
func declarations(styleAttr string) map[string]string {
	decls := make(map[string]string)
	important := make(map[string]bool)
	for _, part := range strings.Split(styleAttr, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			continue
		}
		prop := strings.ToLower(strings.TrimSpace(kv[0]))
		val := strings.TrimSpace(kv[1])
		imp := false
		if strings.HasSuffix(strings.ToLower(val), "!important") {
			imp = true
			val = strings.TrimSpace(val[:len(val)-len("!important")])
		}
		if important[prop] && !imp {
			continue
		}
		decls[prop] = val
		important[prop] = imp
	}
	return decls
}

func inlineStyle(n *html.Node) map[string]string {
	return declarations(htmlquery.SelectAttr(n, "style"))
}

// pixels reads a px (or unitless) length. Anything else counts as zero.
func pixels(v string) float64 {
	v = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(v), "px"))
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}

func hasAttr(n *html.Node, name string) bool {
	for _, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, name) {
			return true
		}
	}
	return false
}

// computedStyle approximates the computed visibility of n from inline styles.
// visibility inherits; display:none and the hidden attribute on an ancestor
// remove the whole subtree, so they surface as display "none".
func computedStyle(n *html.Node) visibility.Style {
	own := inlineStyle(n)
	st := visibility.Style{
		Hidden:  hasAttr(n, "hidden"),
		Opacity: own["opacity"],
		Display: own["display"],
	}

	st.Visibility = own["visibility"]
	for p := n.Parent; p != nil && p.Type == html.ElementNode; p = p.Parent {
		ps := inlineStyle(p)
		if st.Visibility == "" || st.Visibility == "inherit" {
			st.Visibility = ps["visibility"]
		}
		if ps["display"] == "none" || hasAttr(p, "hidden") {
			st.Display = "none"
		}
	}
	if st.Visibility == "inherit" {
		st.Visibility = ""
	}
	return st
}

// boundingRect places n using its inline top/left/width/height, which are taken
// as document coordinates, and shifts by the scroll offset.
func boundingRect(n *html.Node, scrollY float64) visibility.Rect {
	s := inlineStyle(n)
	return visibility.Rect{
		Top:    pixels(s["top"]) - scrollY,
		Left:   pixels(s["left"]),
		Width:  pixels(s["width"]),
		Height: pixels(s["height"]),
	}
}
