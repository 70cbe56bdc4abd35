// Package scroll tracks scroll-depth milestones for a single page view.
package scroll

import (
	"sort"
)

// DefaultSteps are the milestones used when none are configured.
func DefaultSteps() []float64 {
	return []float64{100, 75, 50, 25, 10}
}

// Tracker keeps the high-water mark of the page scroll percentage.
// It is not safe for concurrent use; the owner serializes access.
type Tracker struct {
	steps            []float64
	maxPercentViewed float64
}

// New returns a tracker for steps, in any order. The slice is copied.
func New(steps []float64) *Tracker {
	return &Tracker{steps: append([]float64(nil), steps...)}
}

// Sample records the current scroll percentage. It returns the highest milestone
// crossed since the last one fired, or false if none was crossed. A jump over
// several milestones fires only the largest of them.
func (t *Tracker) Sample(current float64) (float64, bool) {
	if current <= t.maxPercentViewed {
		return 0, false
	}

	for _, step := range t.descendingSteps() {
		if step > t.maxPercentViewed && step <= current {
			t.maxPercentViewed = step
			return step, true
		}
	}
	return 0, false
}

// Restart resets the high-water mark for a fresh page view.
func (t *Tracker) Restart() {
	t.maxPercentViewed = 0
}

// MaxPercentViewed returns the last milestone fired, or 0.
func (t *Tracker) MaxPercentViewed() float64 {
	return t.maxPercentViewed
}

func (t *Tracker) descendingSteps() []float64 {
	sorted := append([]float64(nil), t.steps...)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))
	return sorted
}
