// Package static implements the dom.Page capability over a parsed HTML document.
// Nothing is rendered: geometry and style come from inline style attributes, and
// events are raised explicitly with Dispatch and ScrollTo. It backs offline
// replays and tests.
package static

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/andybalholm/cascadia"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/pagepulse/api/schemas"
	"github.com/xkilldash9x/pagepulse/internal/browser/dom"
	"github.com/xkilldash9x/pagepulse/internal/properties"
	"github.com/xkilldash9x/pagepulse/internal/visibility"
)

// DefaultViewportHeight is the window height used when none is configured.
const DefaultViewportHeight = 800

type listener struct {
	id      int
	handler dom.Handler
	opts    dom.ListenerOptions
}

// Document is a static page. It is safe for concurrent use; handlers run on the
// goroutine that raised the event, with no internal lock held.
type Document struct {
	mu       sync.Mutex
	root     *html.Node
	viewport dom.Viewport
	location dom.Location
	nextID   int
	window   map[string][]listener
	nodes    map[*html.Node]map[string][]listener
}

// Option configures a Document.
type Option func(*Document)

// WithViewport sets the initial viewport. A zero DocumentHeight is replaced by
// the inline height of <body>.
func WithViewport(v dom.Viewport) Option {
	return func(d *Document) { d.viewport = v }
}

// WithLocation sets the page location.
func WithLocation(loc dom.Location) Option {
	return func(d *Document) { d.location = loc }
}

// Parse reads an HTML document.
func Parse(r io.Reader, opts ...Option) (*Document, error) {
	root, err := htmlquery.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse html document: %w", err)
	}
	d := &Document{
		root:     root,
		viewport: dom.Viewport{Height: DefaultViewportHeight},
		location: dom.Location{Href: "about:blank", Origin: "null", Pathname: "blank"},
		window:   make(map[string][]listener),
		nodes:    make(map[*html.Node]map[string][]listener),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.viewport.DocumentHeight == 0 {
		if body := htmlquery.FindOne(root, "//body"); body != nil {
			d.viewport.DocumentHeight = pixels(inlineStyle(body)["height"])
		}
	}
	return d, nil
}

// ParseString is Parse over a string.
func ParseString(doc string, opts ...Option) (*Document, error) {
	return Parse(strings.NewReader(doc), opts...)
}

// QuerySelectorAll accepts CSS selectors, and XPath expressions when the selector
// starts with "/", "(" or "xpath:".
func (d *Document) QuerySelectorAll(ctx context.Context, selector string) ([]dom.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nodes, err := d.match(selector)
	if err != nil {
		return nil, err
	}
	out := make([]dom.Element, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, &element{doc: d, node: n})
	}
	return out, nil
}

func (d *Document) match(selector string) ([]*html.Node, error) {
	sel := strings.TrimSpace(selector)
	if expr, ok := xpathExpr(sel); ok {
		nodes, err := htmlquery.QueryAll(d.root, expr)
		if err != nil {
			return nil, fmt.Errorf("invalid xpath selector %q: %w", selector, err)
		}
		elems := nodes[:0]
		for _, n := range nodes {
			if n.Type == html.ElementNode {
				elems = append(elems, n)
			}
		}
		return elems, nil
	}
	compiled, err := cascadia.Compile(sel)
	if err != nil {
		return nil, fmt.Errorf("invalid css selector %q: %w", selector, err)
	}
	return compiled.MatchAll(d.root), nil
}

func xpathExpr(sel string) (string, bool) {
	if rest, ok := strings.CutPrefix(sel, "xpath:"); ok {
		return strings.TrimSpace(rest), true
	}
	if strings.HasPrefix(sel, "/") || strings.HasPrefix(sel, "(") {
		return sel, true
	}
	return "", false
}

// Viewport returns the current scroll position and sizes.
func (d *Document) Viewport(ctx context.Context) (dom.Viewport, error) {
	if err := ctx.Err(); err != nil {
		return dom.Viewport{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.viewport, nil
}

// Location returns the configured page location.
func (d *Document) Location(ctx context.Context) (dom.Location, error) {
	if err := ctx.Err(); err != nil {
		return dom.Location{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.location, nil
}

// AddEventListener registers a window-level listener.
func (d *Document) AddEventListener(ctx context.Context, eventType string, h dom.Handler, opts dom.ListenerOptions) (dom.Unbind, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.window[eventType] = append(d.window[eventType], listener{id: id, handler: h, opts: opts})
	return d.unbinder(func() {
		d.window[eventType] = without(d.window[eventType], id)
	}), nil
}

func (d *Document) addNodeListener(n *html.Node, eventType string, h dom.Handler, opts dom.ListenerOptions) dom.Unbind {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	byType := d.nodes[n]
	if byType == nil {
		byType = make(map[string][]listener)
		d.nodes[n] = byType
	}
	byType[eventType] = append(byType[eventType], listener{id: id, handler: h, opts: opts})
	return d.unbinder(func() {
		byType[eventType] = without(byType[eventType], id)
	})
}

func (d *Document) unbinder(remove func()) dom.Unbind {
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			remove()
		})
	}
}

func without(ls []listener, id int) []listener {
	out := ls[:0:0]
	for _, l := range ls {
		if l.id != id {
			out = append(out, l)
		}
	}
	return out
}

// Dispatch raises eventType on every element matching selector, in document order.
// It returns the number of elements matched.
func (d *Document) Dispatch(ctx context.Context, selector, eventType string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	nodes, err := d.match(selector)
	if err != nil {
		return 0, err
	}
	for _, n := range nodes {
		d.mu.Lock()
		ls := append([]listener(nil), d.nodes[n][eventType]...)
		d.mu.Unlock()

		target := &element{doc: d, node: n}
		for _, l := range ls {
			l.handler(&dom.Event{Type: eventType, CurrentTarget: target})
		}
	}
	return len(nodes), nil
}

// DispatchWindow raises eventType on the window listeners.
func (d *Document) DispatchWindow(eventType string) {
	d.mu.Lock()
	ls := append([]listener(nil), d.window[eventType]...)
	d.mu.Unlock()
	for _, l := range ls {
		l.handler(&dom.Event{Type: eventType})
	}
}

// ScrollTo moves the viewport to y and raises a window scroll event.
func (d *Document) ScrollTo(y float64) {
	d.mu.Lock()
	d.viewport.ScrollY = y
	d.mu.Unlock()
	d.DispatchWindow(schemas.DOMEventScroll)
}

// SetViewport replaces the viewport without raising events.
func (d *Document) SetViewport(v dom.Viewport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.viewport = v
}

// SetLocation replaces the page location.
func (d *Document) SetLocation(loc dom.Location) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.location = loc
}

// WindowListeners reports the options of the window listeners for eventType.
func (d *Document) WindowListeners(eventType string) []dom.ListenerOptions {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]dom.ListenerOptions, 0, len(d.window[eventType]))
	for _, l := range d.window[eventType] {
		out = append(out, l.opts)
	}
	return out
}

// ListenerCount reports how many listeners for eventType are bound to elements
// matching selector.
func (d *Document) ListenerCount(selector, eventType string) (int, error) {
	nodes, err := d.match(selector)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	total := 0
	for _, n := range nodes {
		total += len(d.nodes[n][eventType])
	}
	return total, nil
}

type element struct {
	doc  *Document
	node *html.Node
}

func (e *element) Handle() string { return dom.NodeHandle(e.node) }

func (e *element) Dataset(ctx context.Context) (properties.Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ds := properties.Dataset{}
	for _, a := range e.node.Attr {
		if a.Namespace != "" {
			continue
		}
		if name, ok := strings.CutPrefix(strings.ToLower(a.Key), "data-"); ok {
			ds[DatasetKey(name)] = properties.String(a.Val)
		}
	}
	return ds, nil
}

func (e *element) BoundingRect(ctx context.Context) (visibility.Rect, error) {
	if err := ctx.Err(); err != nil {
		return visibility.Rect{}, err
	}
	e.doc.mu.Lock()
	scrollY := e.doc.viewport.ScrollY
	e.doc.mu.Unlock()
	return boundingRect(e.node, scrollY), nil
}

func (e *element) ComputedStyle(ctx context.Context) (visibility.Style, error) {
	if err := ctx.Err(); err != nil {
		return visibility.Style{}, err
	}
	return computedStyle(e.node), nil
}

func (e *element) AddEventListener(ctx context.Context, eventType string, h dom.Handler, opts dom.ListenerOptions) (dom.Unbind, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.doc.addNodeListener(e.node, eventType, h, opts), nil
}

// DatasetKey converts the part of an attribute name after "data-" into its
// dataset property name: each "-" followed by a lowercase ASCII letter is
// dropped and the letter upper-cased.
func DatasetKey(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '-' && i+1 < len(name) && name[i+1] >= 'a' && name[i+1] <= 'z' {
			b.WriteByte(name[i+1] - 'a' + 'A')
			i++
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
