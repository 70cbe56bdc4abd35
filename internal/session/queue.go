// Package session buffers analytics events until the remote session is ready.
package session

import (
	"fmt"

	"github.com/xkilldash9x/pagepulse/api/schemas"
)

// Queue holds events logged before the analytics session became ready.
// Events live only in memory and are lost if the page goes away first.
// Queue is not safe for concurrent use; the owner serializes access.
type Queue struct {
	ready   bool
	flushed bool
	events  []schemas.Event
}

// Enqueue appends e unconditionally.
func (q *Queue) Enqueue(e schemas.Event) {
	q.events = append(q.events, e)
}

// IsReady reports whether the session has been marked ready.
func (q *Queue) IsReady() bool { return q.ready }

// MarkReady records that the session can accept events directly.
func (q *Queue) MarkReady() { q.ready = true }

// Len returns the number of buffered events.
func (q *Queue) Len() int { return len(q.events) }

// Flush hands every buffered event to emit in insertion order and empties the buffer.
// Only the first call delivers anything. Delivery stops at the first emit error,
// which is returned; the remaining events are dropped, not retried.
func (q *Queue) Flush(emit func(schemas.Event) error) error {
	if q.flushed {
		return nil
	}
	q.flushed = true

	events := q.events
	q.events = nil

	for i, e := range events {
		if err := emit(e); err != nil {
			return fmt.Errorf("flush stopped at event %d of %d (%q): %w", i+1, len(events), e.Name, err)
		}
	}
	return nil
}
