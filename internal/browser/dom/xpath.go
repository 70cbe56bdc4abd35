// browser/dom/xpath.go
package dom

import (
	"fmt"
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// NodeHandle builds an XPath that selects exactly node within its document.
// Ids anchor the path when present so handles survive edits above the anchor.
func NodeHandle(node *html.Node) string {
	if node == nil {
		return ""
	}

	var path []string
	for n := node; n != nil && n.Type != html.DocumentNode; n = n.Parent {
		if n.Type != html.ElementNode || n.Data == "" {
			continue
		}
		tag := strings.ToLower(n.Data)

		if id := htmlquery.SelectAttr(n, "id"); id != "" && idIsUnique(n, id) {
			path = append(path, "//*[@id="+xpathLiteral(id)+"]")
			break
		}

		// XPath positions are 1-based and count same-tag siblings only.
		pos := 1
		for prev := n.PrevSibling; prev != nil; prev = prev.PrevSibling {
			if prev.Type == html.ElementNode && strings.ToLower(prev.Data) == tag {
				pos++
			}
		}
		path = append(path, fmt.Sprintf("%s[%d]", tag, pos))
	}

	if len(path) == 0 {
		return "/"
	}

	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	xp := strings.Join(path, "/")
	if !strings.HasPrefix(xp, "//") {
		xp = "/" + xp
	}
	return xp
}

// ResolveHandle returns the node a handle from NodeHandle points to, or nil.
func ResolveHandle(doc *html.Node, handle string) *html.Node {
	if doc == nil || handle == "" {
		return nil
	}
	n, err := htmlquery.Query(doc, handle)
	if err != nil {
		return nil
	}
	return n
}

// idIsUnique reports whether no other element in node's document shares id.
// Duplicate ids are common in real markup and would make the anchor ambiguous.
func idIsUnique(node *html.Node, id string) bool {
	root := node
	for root.Parent != nil {
		root = root.Parent
	}
	found := 0
	var walk func(*html.Node) bool
	walk = func(n *html.Node) bool {
		if n.Type == html.ElementNode && htmlquery.SelectAttr(n, "id") == id {
			found++
			if found > 1 {
				return false
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if !walk(c) {
				return false
			}
		}
		return true
	}
	walk(root)
	return found == 1
}

// xpathLiteral quotes s for use inside an XPath 1.0 expression.
func xpathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, "'")
	quoted := make([]string, 0, 2*len(parts))
	for i, p := range parts {
		if i > 0 {
			quoted = append(quoted, `"'"`)
		}
		quoted = append(quoted, "'"+p+"'")
	}
	return "concat(" + strings.Join(quoted, ", ") + ")"
}
