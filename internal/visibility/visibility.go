// Package visibility decides whether an element can be seen and whether it sits inside the viewport.
package visibility

import (
	"strconv"
	"strings"
)

// DefaultMinVisiblePx is how much of an element must overlap the viewport in partial mode.
const DefaultMinVisiblePx = 24

// opacityThreshold is the opacity at or below which an element counts as transparent.
const opacityThreshold = 0.05

// Style is the subset of an element's computed style relevant to visibility.
type Style struct {
	// Hidden is true when the element carries the hidden attribute.
	Hidden     bool
	Visibility string
	// Opacity is the raw computed value. Empty means unset.
	Opacity string
	Display string
}

// Rect is an element's bounding rectangle relative to the viewport origin.
type Rect struct {
	Top    float64
	Left   float64
	Width  float64
	Height float64
}

// Bottom is Top plus Height.
func (r Rect) Bottom() float64 { return r.Top + r.Height }

// IsVisible reports whether style leaves the element perceivable.
func IsVisible(style Style) bool {
	if style.Hidden {
		return false
	}
	switch strings.TrimSpace(style.Visibility) {
	case "hidden", "collapsed":
		return false
	}
	if strings.TrimSpace(style.Display) == "none" {
		return false
	}
	if opacity, err := strconv.ParseFloat(strings.TrimSpace(style.Opacity), 64); err == nil && opacity <= opacityThreshold {
		return false
	}
	return true
}

// IsInView reports whether r lies inside the viewport window.
//
// In full mode the element's top must be non-negative and its bottom must not pass
// viewportTop+viewportHeight. In partial mode at least minVisiblePx of the element
// must overlap the window from either edge. Neither mode clamps its inputs.
func IsInView(r Rect, viewportTop, viewportHeight float64, partial bool, minVisiblePx float64) bool {
	viewportBottom := viewportTop + viewportHeight
	if partial {
		return r.Top+minVisiblePx <= viewportBottom && r.Bottom()-minVisiblePx >= viewportTop
	}
	return r.Top >= 0 && r.Bottom() <= viewportBottom
}

// ScrollPercent is how far down the document the bottom of the viewport reaches, in percent.
// The result is not clamped and can exceed 100 when heights disagree.
func ScrollPercent(viewportTop, viewportHeight, documentHeight float64) float64 {
	if documentHeight == 0 {
		return 0
	}
	return (viewportTop + viewportHeight) / documentHeight * 100
}
