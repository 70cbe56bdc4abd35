package visibility

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsVisible(t *testing.T) {
	tests := []struct {
		name  string
		style Style
		want  bool
	}{
		{"plain element", Style{}, true},
		{"hidden attribute", Style{Hidden: true}, false},
		{"visibility hidden", Style{Visibility: "hidden"}, false},
		{"visibility collapsed", Style{Visibility: "collapsed"}, false},
		{"opacity zero", Style{Opacity: "0"}, false},
		{"opacity at threshold", Style{Opacity: "0.05"}, false},
		{"opacity above threshold", Style{Opacity: "0.06"}, true},
		{"opacity unparsable", Style{Opacity: "inherit"}, true},
		{"display none", Style{Display: "none"}, false},
		{"display block", Style{Display: "block", Visibility: "visible", Opacity: "1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsVisible(tt.style))
		})
	}
}

func TestIsInView(t *testing.T) {
	const viewportHeight = 800

	t.Run("full mode", func(t *testing.T) {
		assert.True(t, IsInView(Rect{Top: 0, Height: 100}, 0, viewportHeight, false, DefaultMinVisiblePx))
		assert.False(t, IsInView(Rect{Top: -10, Height: 100}, 0, viewportHeight, false, DefaultMinVisiblePx))
		assert.True(t, IsInView(Rect{Top: 700, Height: 100}, 0, viewportHeight, false, DefaultMinVisiblePx))
		assert.False(t, IsInView(Rect{Top: 701, Height: 100}, 0, viewportHeight, false, DefaultMinVisiblePx))
	})

	t.Run("partial mode", func(t *testing.T) {
		assert.True(t, IsInView(Rect{Top: 785, Height: 100}, 0, viewportHeight, true, 10))
		assert.False(t, IsInView(Rect{Top: 795, Height: 100}, 0, viewportHeight, true, 10))
		assert.True(t, IsInView(Rect{Top: -80, Height: 100}, 0, viewportHeight, true, 10))
		assert.False(t, IsInView(Rect{Top: -95, Height: 100}, 0, viewportHeight, true, 10))
	})

	t.Run("zero height element is not clamped", func(t *testing.T) {
		assert.False(t, IsInView(Rect{Top: 10}, 0, viewportHeight, true, DefaultMinVisiblePx))
		assert.True(t, IsInView(Rect{Top: 100}, 0, viewportHeight, true, DefaultMinVisiblePx))
		assert.True(t, IsInView(Rect{Top: 10}, 0, viewportHeight, false, DefaultMinVisiblePx))
	})
}

func TestScrollPercent(t *testing.T) {
	assert.InDelta(t, 50.0, ScrollPercent(200, 800, 2000), 1e-9)
	assert.InDelta(t, 100.0, ScrollPercent(1200, 800, 2000), 1e-9)
	assert.InDelta(t, 110.0, ScrollPercent(1400, 800, 2000), 1e-9, "not clamped")
	assert.Equal(t, 0.0, ScrollPercent(0, 800, 0))
}
