package tracker

import (
	"regexp"
	"time"

	"github.com/xkilldash9x/pagepulse/api/schemas"
	"github.com/xkilldash9x/pagepulse/internal/scroll"
	"github.com/xkilldash9x/pagepulse/internal/visibility"
)

// Default option values.
const (
	DefaultOnClickSelector  = ".js-track-click"
	DefaultOnHoverSelector  = ".js-track-hover"
	DefaultOnViewedSelector = ".js-track-viewed"
	DefaultScrollTimeout    = 100 * time.Millisecond
)

// DefaultEventProperties toggles the page properties merged into every event.
// A nil toggle takes the default, which is on.
type DefaultEventProperties struct {
	Origin   *bool
	PagePath *bool
}

// Options configures a Tracker. Zero values mean "use the default", except that a
// non-nil empty ScrollSteps or ExcludedProperties slice disables the feature.
type Options struct {
	InstanceName string
	UserID       string
	// EventPrefix is prepended to every event name, separated by a space.
	EventPrefix string
	// FixedEventProperties are merged into every event after the caller's properties.
	FixedEventProperties      schemas.Properties
	UseDefaultEventProperties DefaultEventProperties

	OnClickSelector  string
	OnHoverSelector  string
	OnViewedSelector string

	// ScrollSteps are the scroll-depth milestones in percent, in any order.
	ScrollSteps []float64
	// ScrollTimeout is the quiet period after the last scroll before the scroll map
	// and viewed elements are checked. Nil takes DefaultScrollTimeout; zero checks
	// on the next timer tick. Negative values are treated as zero.
	ScrollTimeout *time.Duration
	// ExcludedProperties drop every dataset key they match.
	ExcludedProperties []*regexp.Regexp

	// ViewedPartially counts an element as viewed once MinVisibleHeight pixels of it
	// are inside the viewport, instead of requiring it to fit entirely.
	ViewedPartially  bool
	MinVisibleHeight float64

	IncludeReferrer *bool
	IncludeUtm      *bool
}

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }

// Duration returns a pointer to d.
func Duration(d time.Duration) *time.Duration { return &d }

// DefaultOptions returns a freshly built set of defaults.
func DefaultOptions() Options {
	return Options{
		UseDefaultEventProperties: DefaultEventProperties{
			Origin:   Bool(true),
			PagePath: Bool(true),
		},
		OnClickSelector:    DefaultOnClickSelector,
		OnHoverSelector:    DefaultOnHoverSelector,
		OnViewedSelector:   DefaultOnViewedSelector,
		ScrollSteps:        scroll.DefaultSteps(),
		ScrollTimeout:      Duration(DefaultScrollTimeout),
		ExcludedProperties: []*regexp.Regexp{regexp.MustCompile(`v-.*`)},
		MinVisibleHeight:   visibility.DefaultMinVisiblePx,
		IncludeReferrer:    Bool(true),
		IncludeUtm:         Bool(true),
	}
}

// ResolveOptions fills every unset field of o from DefaultOptions. Set fields,
// including each key of UseDefaultEventProperties, are kept as given.
func ResolveOptions(o Options) Options {
	d := DefaultOptions()
	r := o

	if r.UseDefaultEventProperties.Origin == nil {
		r.UseDefaultEventProperties.Origin = d.UseDefaultEventProperties.Origin
	}
	if r.UseDefaultEventProperties.PagePath == nil {
		r.UseDefaultEventProperties.PagePath = d.UseDefaultEventProperties.PagePath
	}
	if r.OnClickSelector == "" {
		r.OnClickSelector = d.OnClickSelector
	}
	if r.OnHoverSelector == "" {
		r.OnHoverSelector = d.OnHoverSelector
	}
	if r.OnViewedSelector == "" {
		r.OnViewedSelector = d.OnViewedSelector
	}
	if r.ScrollSteps == nil {
		r.ScrollSteps = d.ScrollSteps
	} else {
		r.ScrollSteps = append([]float64{}, r.ScrollSteps...)
	}
	switch {
	case r.ScrollTimeout == nil:
		r.ScrollTimeout = d.ScrollTimeout
	case *r.ScrollTimeout < 0:
		r.ScrollTimeout = Duration(0)
	default:
		r.ScrollTimeout = Duration(*r.ScrollTimeout)
	}
	if r.ExcludedProperties == nil {
		r.ExcludedProperties = d.ExcludedProperties
	}
	if r.MinVisibleHeight <= 0 {
		r.MinVisibleHeight = d.MinVisibleHeight
	}
	if r.IncludeReferrer == nil {
		r.IncludeReferrer = d.IncludeReferrer
	}
	if r.IncludeUtm == nil {
		r.IncludeUtm = d.IncludeUtm
	}
	if o.FixedEventProperties != nil {
		r.FixedEventProperties = make(schemas.Properties, len(o.FixedEventProperties))
		for k, v := range o.FixedEventProperties {
			r.FixedEventProperties[k] = v
		}
	}
	return r
}
