package schemas

import (
	"time"
)

// -- Analytics Event Schemas --

// Properties is the property bag attached to an analytics event.
// A nil value stands for an undefined property: the key was declared but carries no value.
type Properties map[string]any

// Event is a named event waiting to be logged. It is immutable once queued.
type Event struct {
	Name       string     `json:"name"`
	Properties Properties `json:"properties"`
}

// Delivery is an Event enriched with session metadata, as handed to delivery writers.
type Delivery struct {
	InsertID     string     `json:"insert_id"`
	EventType    string     `json:"event_type"`
	UserID       string     `json:"user_id,omitempty"`
	DeviceID     string     `json:"device_id"`
	SessionID    int64      `json:"session_id"`
	InstanceName string     `json:"instance_name,omitempty"`
	Time         time.Time  `json:"-"`
	TimeMillis   int64      `json:"time"`
	Properties   Properties `json:"event_properties,omitempty"`
	// UserProperties carries session attribution such as referrer and utm_* values.
	UserProperties Properties `json:"user_properties,omitempty"`
}

// Batch is a group of deliveries written together. APIKey authenticates the
// batch with remote endpoints and is ignored by local stores.
type Batch struct {
	APIKey string     `json:"api_key"`
	Events []Delivery `json:"events"`
}

// PerformanceMetrics holds page-load timings, rounded to whole milliseconds.
// Nil fields have not been collected yet.
type PerformanceMetrics struct {
	FirstPaint           *float64 `json:"firstPaint"`
	FirstContentfulPaint *float64 `json:"firstContentfulPaint"`
	TimeToInteractive    *float64 `json:"timeToInteractive"`
	TimeToFirstByte      *float64 `json:"timeToFirstByte"`
}

// Complete reports whether every metric has been collected.
func (m PerformanceMetrics) Complete() bool {
	return m.FirstPaint != nil &&
		m.FirstContentfulPaint != nil &&
		m.TimeToInteractive != nil &&
		m.TimeToFirstByte != nil
}

// AsProperties flattens the metrics into an event property bag.
func (m PerformanceMetrics) AsProperties() Properties {
	props := Properties{}
	put := func(key string, v *float64) {
		if v == nil {
			props[key] = nil
			return
		}
		props[key] = *v
	}
	put("firstPaint", m.FirstPaint)
	put("firstContentfulPaint", m.FirstContentfulPaint)
	put("timeToInteractive", m.TimeToInteractive)
	put("timeToFirstByte", m.TimeToFirstByte)
	return props
}

// Tracker event names.
const (
	EventPageView           = "Viewed ${pageName} page"
	EventElementClick       = "Click on element"
	EventElementHover       = "Hover on element"
	EventElementView        = "Viewed element"
	EventPageScroll         = "Page scroll"
	EventPerformanceMetrics = "Performance metrics"
)

// DOM event types the tracker subscribes to.
const (
	DOMEventClick      = "click"
	DOMEventScroll     = "scroll"
	DOMEventMouseEnter = "mouseenter"
)
