package main

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
)

var ErrNoChartData = errors.New("no data to chart")

const (
	chartWidth  = 1024
	chartHeight = 480
)

// pointStyle renders points only, no connecting line.
func pointStyle(col drawing.Color) chart.Style {
	return chart.Style{
		StrokeWidth: chart.Disabled,
		DotWidth:    3,
		DotColor:    col,
	}
}

func limitStyle(col drawing.Color) chart.Style {
	return chart.Style{
		StrokeColor:     col,
		StrokeWidth:     1.5,
		StrokeDashArray: []float64{6, 4},
	}
}

func ratingColor(v, target float64) drawing.Color {
	switch {
	case v >= 1.67:
		return chart.ColorGreen
	case v >= target:
		return chart.ColorBlue
	default:
		return chart.ColorRed
	}
}

// barRange keeps the value axis valid when every bar is zero or negative.
func barRange(values []float64) *chart.ContinuousRange {
	lo, hi := 0.0, 1.0
	for _, v := range values {
		hi = math.Max(hi, v*1.1)
		lo = math.Min(lo, v*1.1)
	}
	return &chart.ContinuousRange{Min: lo, Max: hi}
}

func renderBars(title, axis string, bars []chart.Value, rng *chart.ContinuousRange) ([]byte, error) {
	if len(bars) == 0 {
		return nil, ErrNoChartData
	}
	bc := chart.BarChart{
		Title:      title,
		Background: chart.Style{Padding: chart.Box{Top: 40, Left: 16, Right: 12, Bottom: 16}},
		Width:      chartWidth,
		Height:     chartHeight,
		BarWidth:   barWidth(len(bars)),
		YAxis:      chart.YAxis{Name: axis, Range: rng},
		Bars:       bars,
	}
	var buf bytes.Buffer
	if err := bc.Render(chart.PNG, &buf); err != nil {
		return nil, fmt.Errorf("render %s: %w", title, err)
	}
	return buf.Bytes(), nil
}

func barWidth(n int) int {
	w := (chartWidth - 80) / (n * 2)
	if w < 4 {
		return 4
	}
	if w > 60 {
		return 60
	}
	return w
}

func RenderCPKChart(d *CPKData) ([]byte, error) {
	if d == nil || len(d.Points) == 0 {
		return nil, ErrNoChartData
	}
	bars := make([]chart.Value, 0, len(d.Points))
	vals := make([]float64, 0, len(d.Points))
	for _, p := range d.Points {
		col := ratingColor(p.Value, d.Summary.Target)
		bars = append(bars, chart.Value{
			Label: p.Name,
			Value: p.Value,
			Style: chart.Style{FillColor: col, StrokeColor: col},
		})
		vals = append(vals, p.Value)
	}
	return renderBars(fmt.Sprintf("CPK %s", d.Project), "CPK", bars, barRange(vals))
}

func RenderFPYChart(d *FPYData) ([]byte, error) {
	if d == nil || len(d.Stages) == 0 {
		return nil, ErrNoChartData
	}
	bars := make([]chart.Value, 0, len(d.Stages))
	for _, st := range d.Stages {
		bars = append(bars, chart.Value{Label: st.StageName, Value: st.YieldPercent})
	}
	return renderBars(fmt.Sprintf("First pass yield %s", d.Project), "%", bars, &chart.ContinuousRange{Min: 0, Max: 100})
}

func RenderParetoChart(d *ParetoData) ([]byte, error) {
	if d == nil || len(d.Defects) == 0 {
		return nil, ErrNoChartData
	}
	bars := make([]chart.Value, 0, len(d.Defects))
	vals := make([]float64, 0, len(d.Defects))
	for _, p := range d.Defects {
		bars = append(bars, chart.Value{Label: p.Name, Value: float64(p.Count)})
		vals = append(vals, float64(p.Count))
	}
	return renderBars(fmt.Sprintf("Defect Pareto %s", d.Project), "count", bars, barRange(vals))
}

// RenderScatterChart plots samples by index with the two limits as dashed lines.
func RenderScatterChart(d *ScatterData) ([]byte, error) {
	if d == nil || len(d.Values) == 0 {
		return nil, ErrNoChartData
	}
	xs := make([]float64, len(d.Values))
	for i := range xs {
		xs[i] = float64(i + 1)
	}
	ys := d.Values
	// a single sample has no x range; give it a neighbour
	if len(xs) == 1 {
		xs = []float64{1, 2}
		ys = []float64{ys[0], ys[0]}
	}
	first, last := xs[0], xs[len(xs)-1]

	lo, hi := math.Min(d.LowerLimit, d.UpperLimit), math.Max(d.LowerLimit, d.UpperLimit)
	for _, v := range ys {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	pad := (hi - lo) * 0.05
	if pad == 0 {
		pad = 1
	}

	ch := chart.Chart{
		Title:      fmt.Sprintf("%s %s", d.Project, d.Parameter),
		Background: chart.Style{Padding: chart.Box{Top: 40, Left: 16, Right: 12, Bottom: 16}},
		Width:      chartWidth,
		Height:     chartHeight,
		XAxis:      chart.XAxis{Name: "sample"},
		YAxis:      chart.YAxis{Name: d.Parameter, Range: &chart.ContinuousRange{Min: lo - pad, Max: hi + pad}},
		Series: []chart.Series{
			chart.ContinuousSeries{Name: "Samples", XValues: xs, YValues: ys, Style: pointStyle(chart.ColorBlue)},
			chart.ContinuousSeries{Name: "LSL", XValues: []float64{first, last}, YValues: []float64{d.LowerLimit, d.LowerLimit}, Style: limitStyle(chart.ColorRed)},
			chart.ContinuousSeries{Name: "USL", XValues: []float64{first, last}, YValues: []float64{d.UpperLimit, d.UpperLimit}, Style: limitStyle(chart.ColorRed)},
		},
	}
	ch.Elements = []chart.Renderable{chart.Legend(&ch)}

	var buf bytes.Buffer
	if err := ch.Render(chart.PNG, &buf); err != nil {
		return nil, fmt.Errorf("render scatter: %w", err)
	}
	return buf.Bytes(), nil
}
