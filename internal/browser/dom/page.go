// browser/dom/page.go
package dom

import (
	"context"

	"github.com/xkilldash9x/pagepulse/internal/properties"
	"github.com/xkilldash9x/pagepulse/internal/visibility"
)

// Viewport describes the window scroll position and the document size, in CSS pixels.
type Viewport struct {
	// ScrollY is window.pageYOffset.
	ScrollY float64
	// Height is window.innerHeight.
	Height float64
	// DocumentHeight is document.body.clientHeight.
	DocumentHeight float64
}

// Location is the part of window.location used for default event properties,
// plus document.referrer.
type Location struct {
	Href     string
	Origin   string
	Pathname string
	Referrer string
}

// ListenerOptions mirrors the addEventListener options the tracker relies on.
type ListenerOptions struct {
	Capture bool
	Passive bool
}

// Event is a DOM event as delivered to a Handler.
// CurrentTarget is nil for window-level events.
type Event struct {
	Type          string
	CurrentTarget Element
}

// Handler receives DOM events. Backends call handlers one at a time, in the order
// the events occurred.
type Handler func(ev *Event)

// Unbind removes a previously registered listener. Calling it twice is harmless.
type Unbind func()

// Element is a handle to a node in the host document.
type Element interface {
	// Handle identifies the node for the lifetime of the document.
	Handle() string
	// Dataset returns the camel-cased data-* attributes. A nil Dataset means the
	// node exposes no attribute map.
	Dataset(ctx context.Context) (properties.Dataset, error)
	// BoundingRect returns the border box relative to the viewport origin.
	BoundingRect(ctx context.Context) (visibility.Rect, error)
	// ComputedStyle returns the visibility-relevant part of the computed style.
	ComputedStyle(ctx context.Context) (visibility.Style, error)
	// AddEventListener subscribes h to eventType on this node.
	AddEventListener(ctx context.Context, eventType string, h Handler, opts ListenerOptions) (Unbind, error)
}

// Page is the document and window capability the tracker consumes.
type Page interface {
	// QuerySelectorAll returns the nodes matching selector in document order.
	QuerySelectorAll(ctx context.Context, selector string) ([]Element, error)
	Viewport(ctx context.Context) (Viewport, error)
	Location(ctx context.Context) (Location, error)
	// AddEventListener subscribes h to a window-level event such as scroll.
	AddEventListener(ctx context.Context, eventType string, h Handler, opts ListenerOptions) (Unbind, error)
}
