package scope

import (
	"image/color"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/canvas"
	"github.com/chewxy/math32"
)

// traceRenderer renders the trace widget.
type traceRenderer struct {
	scope *TraceWidget

	// Background
	grid *canvas.Rectangle

	// Grid lines
	gridLines []*canvas.Line
	gridTexts []*canvas.Text

	// Stats caption
	statsLabel *canvas.Text

	// Objects list for Fyne
	objects []fyne.CanvasObject

	// Track last size to detect changes
	lastSize fyne.Size
}

func newTraceRenderer(w *TraceWidget) *traceRenderer {
	grid := canvas.NewRectangle(color.RGBA{R: 10, G: 10, B: 10, A: 255})
	return &traceRenderer{
		scope:   w,
		grid:    grid,
		objects: []fyne.CanvasObject{grid},
	}
}

// MinSize returns the minimum size of the widget.
func (r *traceRenderer) MinSize() fyne.Size {
	return fyne.NewSize(400, 300)
}

// Layout arranges the widget components.
func (r *traceRenderer) Layout(size fyne.Size) {
	// Background fills entire widget
	r.grid.Resize(size)

	if r.lastSize.Width != size.Width || r.lastSize.Height != size.Height {
		r.lastSize = size
		// Size changed, trigger widget refresh to redraw with new dimensions
		r.scope.BaseWidget.Refresh()
	}
}

// Refresh updates the widget display.
func (r *traceRenderer) Refresh() {
	r.scope.mu.RLock()
	display := r.scope.display
	minMA := r.scope.minMA
	maxMA := r.scope.maxMA
	avgMA := r.scope.avgMA
	yMin := r.scope.yMin
	yMax := r.scope.yMax
	r.scope.mu.RUnlock()

	size := r.scope.Size()
	if size.Width == 0 || size.Height == 0 {
		return
	}

	// Clear old objects (but keep grid)
	r.objects = []fyne.CanvasObject{r.grid}
	r.gridLines = r.gridLines[:0]
	r.gridTexts = r.gridTexts[:0]
	r.statsLabel = nil

	// Calculate margins
	marginLeft := float32(70.0)
	marginRight := float32(20.0)
	marginTop := float32(30.0)
	marginBottom := float32(20.0)

	plotWidth := size.Width - marginLeft - marginRight
	plotHeight := size.Height - marginTop - marginBottom
	plotX := marginLeft
	plotY := marginTop

	r.drawGrid(plotX, plotY, plotWidth, plotHeight, yMin, yMax)

	if len(display) > 1 {
		r.drawTrace(plotX, plotY, plotWidth, plotHeight, display, yMin, yMax)
	}

	r.drawStats(plotX, plotY, minMA, maxMA, avgMA)
}

// drawGrid draws the oscilloscope-style grid with current labels.
func (r *traceRenderer) drawGrid(plotX, plotY, plotWidth, plotHeight, yMin, yMax float32) {
	// Horizontal grid lines (current)
	numHLines := 8
	for i := 0; i <= numHLines; i++ {
		y := plotY + float32(i)*plotHeight/float32(numHLines)
		line := canvas.NewLine(color.RGBA{R: 40, G: 40, B: 40, A: 255})
		line.Position1 = fyne.NewPos(plotX, y)
		line.Position2 = fyne.NewPos(plotX+plotWidth, y)
		line.StrokeWidth = 1
		r.gridLines = append(r.gridLines, line)
		r.objects = append(r.objects, line)

		// Y-axis label
		value := yMax - float32(i)*(yMax-yMin)/float32(numHLines)
		text := canvas.NewText(formatMilliamps(value), color.RGBA{R: 150, G: 150, B: 150, A: 255})
		text.TextSize = 10
		text.Alignment = fyne.TextAlignTrailing
		text.Move(fyne.NewPos(plotX-5, y-6))
		r.gridTexts = append(r.gridTexts, text)
		r.objects = append(r.objects, text)
	}

	// Vertical grid lines (sample position)
	numVLines := 10
	for i := 0; i <= numVLines; i++ {
		x := plotX + float32(i)*plotWidth/float32(numVLines)
		line := canvas.NewLine(color.RGBA{R: 40, G: 40, B: 40, A: 255})
		line.Position1 = fyne.NewPos(x, plotY)
		line.Position2 = fyne.NewPos(x, plotY+plotHeight)
		line.StrokeWidth = 1
		r.gridLines = append(r.gridLines, line)
		r.objects = append(r.objects, line)
	}
}

// drawTrace draws the current trace (orange).
func (r *traceRenderer) drawTrace(plotX, plotY, plotWidth, plotHeight float32, display []float64, yMin, yMax float32) {
	if len(display) < 2 {
		return
	}

	span := yMax - yMin
	points := make([]fyne.Position, 0, len(display))
	for i, v := range display {
		x := plotX + float32(i)/float32(len(display)-1)*plotWidth
		y := plotY + plotHeight - (float32(v)-yMin)/span*plotHeight
		// Clamp into the plot in case a spike exceeds the last autoscale.
		y = math32.Max(plotY, math32.Min(plotY+plotHeight, y))
		points = append(points, fyne.NewPos(x, y))
	}

	// Draw connected line segments
	for i := 0; i < len(points)-1; i++ {
		line := canvas.NewLine(color.RGBA{R: 255, G: 165, B: 0, A: 255}) // Orange
		line.Position1 = points[i]
		line.Position2 = points[i+1]
		line.StrokeWidth = 1.5
		r.objects = append(r.objects, line)
	}
}

// drawStats draws the min/max/average caption above the plot.
func (r *traceRenderer) drawStats(plotX, plotY float32, minMA, maxMA, avgMA float64) {
	caption := "min " + formatMilliamps(float32(minMA)) +
		"  max " + formatMilliamps(float32(maxMA)) +
		"  avg " + formatMilliamps(float32(avgMA))
	text := canvas.NewText(caption, color.RGBA{R: 200, G: 200, B: 200, A: 255})
	text.TextSize = 12
	text.Alignment = fyne.TextAlignLeading
	text.Move(fyne.NewPos(plotX, plotY-22))
	r.statsLabel = text
	r.objects = append(r.objects, text)
}

// Objects returns all canvas objects for rendering.
func (r *traceRenderer) Objects() []fyne.CanvasObject {
	return r.objects
}

// Destroy cleans up resources.
func (r *traceRenderer) Destroy() {
	// Cleanup handled by Fyne
}

// formatMilliamps renders a current value with a unit that keeps the
// mantissa readable (µA below 1 mA, mA up to 1 A, A above).
func formatMilliamps(v float32) string {
	abs := math32.Abs(v)
	switch {
	case abs < 0.001:
		return "0 µA"
	case abs < 1:
		return formatFloat(v*1000, 1) + " µA"
	case abs < 1000:
		return formatFloat(v, 3) + " mA"
	default:
		return formatFloat(v/1000, 3) + " A"
	}
}

func formatFloat(v float32, decimals int) string {
	str := ""
	if v < 0 {
		str = "-"
		v = -v
	}
	intPart := int64(v)
	str += formatInt(intPart)
	if decimals > 0 {
		frac := v - float32(intPart)
		fracStr := formatInt(int64(math32.Round(frac * math32.Pow(10, float32(decimals)))))
		// Pad with zeros
		for len(fracStr) < decimals {
			fracStr = "0" + fracStr
		}
		str += "." + fracStr
	}
	return str
}

func formatInt(v int64) string {
	if v == 0 {
		return "0"
	}
	str := ""
	neg := v < 0
	if neg {
		v = -v
	}
	for v > 0 {
		str = string(rune('0'+v%10)) + str
		v /= 10
	}
	if neg {
		str = "-" + str
	}
	return str
}
