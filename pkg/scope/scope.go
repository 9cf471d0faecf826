package scope

import (
	"sync"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/widget"
)

// TraceWidget is a custom Fyne widget that displays the live current
// trace together with min/max/average readouts.
type TraceWidget struct {
	widget.BaseWidget

	// Data (protected by mu)
	mu      sync.RWMutex
	samples []float64 // current trace in mA, oldest first
	minMA   float64
	maxMA   float64
	avgMA   float64

	// Display buffer (reused for downsampling)
	display []float64

	// Auto-scaling
	yMin, yMax float32

	// Display settings
	maxDisplayPoints int
}

// New creates a new TraceWidget instance.
func New() *TraceWidget {
	w := &TraceWidget{
		samples:          make([]float64, 0),
		display:          make([]float64, 0, 1000),
		maxDisplayPoints: 1000, // Limit points for efficient rendering
	}
	w.ExtendBaseWidget(w)
	// Trigger initial refresh to display empty trace
	w.Refresh()
	return w
}

// UpdateData updates the widget with new measurement data.
// This should be called from the measurement callback using fyne.Do().
func (w *TraceWidget) UpdateData(samplesMA []float64, minMA, maxMA, avgMA float64) {
	w.mu.Lock()

	// Downsample for display (reuse buffer)
	w.display = Downsample(w.display, samplesMA, w.maxDisplayPoints)

	w.samples = samplesMA
	w.minMA = minMA
	w.maxMA = maxMA
	w.avgMA = avgMA

	w.updateAutoScale()

	w.mu.Unlock()

	// Refresh the widget (must be outside lock to avoid potential deadlock)
	w.Refresh()
}

// updateAutoScale recomputes the Y axis bounds from the display buffer.
// Caller must hold the write lock.
func (w *TraceWidget) updateAutoScale() {
	if len(w.display) == 0 {
		w.yMin, w.yMax = 0, 1
		return
	}

	lo, hi := w.display[0], w.display[0]
	for _, v := range w.display[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}

	w.yMin = float32(lo)
	w.yMax = float32(hi)
	if w.yMax-w.yMin < 1e-6 {
		// Flat trace, pad the range so the line sits mid-plot.
		w.yMin -= 0.5
		w.yMax += 0.5
	}
}

// CreateRenderer creates the renderer for this widget.
func (w *TraceWidget) CreateRenderer() fyne.WidgetRenderer {
	return newTraceRenderer(w)
}
