// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package margaid plots the metrics of a training run as SVG files, one per metric type,
// using the Margaid library (https://github.com/erkkah/margaid/).
//
// Example: to have the metrics sink also write the plots under the run directory:
//
//	sink.WithPlotter(margaid.New(1024, 400).WithDir(filepath.Join(logDir, margaid.DefaultDirName)))
package margaid

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	mg "github.com/erkkah/margaid"
	"github.com/gomlx/vdenoise/pkg/support/fsutil"
	"github.com/gomlx/vdenoise/ui/plots"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// DefaultDirName is the subdirectory of a run directory where the plots are written.
const DefaultDirName = "plots"

// minPointsToPlot is the minimum number of points of a metric type to draw its plot.
const minPointsToPlot = 2

// Plots holds many plots for different metrics. They are organized per "metric type", where
// the metric type is a unit/quantity unique name. It's assumed that series of the same "metric type"
// can share the same Y-Axis and hence the same plot.
type Plots struct {
	// Image dimensions.
	Width, Height int

	// Plot per metric type.
	PerMetricType map[string]*Plot

	// Default projection of the graph on X, Y axis.
	xProjection, yProjection mg.Projection

	// dir where Done writes the plots. Only used if not empty.
	dir string
}

var _ plots.Plotter = (*Plots)(nil)

// Plot holds the series of one metric type.
type Plot struct {
	MetricType string

	// PerName holds one series per metric name.
	PerName map[string]*mg.Series

	allPoints                *mg.Series
	xProjection, yProjection mg.Projection
}

// New creates new Margaid plots structure.
//
// It starts empty and can have the points added with Plots.AddPoint, or be attached
// as a plotter to a plots.Sink.
func New(width, height int) *Plots {
	return &Plots{
		Width:         width,
		Height:        height,
		PerMetricType: make(map[string]*Plot),
		xProjection:   mg.Lin,
		yProjection:   mg.Lin,
	}
}

// WithDir sets the directory where Done writes one SVG file per metric type.
func (ps *Plots) WithDir(dir string) *Plots {
	ps.dir = dir
	return ps
}

// LogScaleX sets Plots to use a log scale on the X-axis.
// If not set, it uses linear scale.
func (ps *Plots) LogScaleX() *Plots {
	ps.xProjection = mg.Log
	return ps
}

// LogScaleY sets Plots to use a log scale on the Y-axis.
// If not set, it uses linear scale.
func (ps *Plots) LogScaleY() *Plots {
	ps.yProjection = mg.Log
	return ps
}

// AddPoint implements plots.Plotter. Invalid points (NaN or infinite) are ignored.
// Metrics with the same type share the same plot and y-axis.
func (ps *Plots) AddPoint(point plots.Point) {
	if !point.IsValid() {
		return
	}
	p, found := ps.PerMetricType[point.MetricType]
	if !found {
		p = &Plot{
			MetricType:  point.MetricType,
			PerName:     make(map[string]*mg.Series),
			xProjection: ps.xProjection,
			yProjection: ps.yProjection,
		}
		ps.PerMetricType[point.MetricType] = p
	}
	p.AddPoint(point.MetricName, point.Step, point.Value)
}

// AddPoints adds all the given points.
func (ps *Plots) AddPoints(points []plots.Point) {
	for _, point := range points {
		ps.AddPoint(point)
	}
}

// MetricTypes returns the metric types with enough points to be plotted, sorted.
func (ps *Plots) MetricTypes() []string {
	metricTypes := maps.Keys(ps.PerMetricType)
	metricTypes = slices.DeleteFunc(metricTypes, func(metricType string) bool {
		return ps.PerMetricType[metricType].NumPoints() < minPointsToPlot
	})
	slices.Sort(metricTypes)
	return metricTypes
}

// FileName returns the SVG file name used for the metric type.
func FileName(metricType string) string {
	return strings.ReplaceAll(strings.ToLower(metricType), " ", "_") + ".svg"
}

// Done implements plots.Plotter: it writes the plots to the directory configured with WithDir.
// It's a no-op if no directory was configured.
func (ps *Plots) Done() error {
	if ps.dir == "" {
		return nil
	}
	paths, err := ps.WriteFiles(ps.dir)
	if err != nil {
		return err
	}
	klog.V(1).Infof("Wrote %d plots to %q", len(paths), ps.dir)
	return nil
}

// WriteFiles writes one SVG file per metric type to dir, and returns their paths.
func (ps *Plots) WriteFiles(dir string) (paths []string, err error) {
	dir, err = fsutil.EnsureDir(dir)
	if err != nil {
		return nil, err
	}
	for _, metricType := range ps.MetricTypes() {
		filePath := filepath.Join(dir, FileName(metricType))
		var buf bytes.Buffer
		if err = ps.PerMetricType[metricType].Render(&buf, ps.Width, ps.Height); err != nil {
			return nil, err
		}
		if err = os.WriteFile(filePath, buf.Bytes(), 0664); err != nil {
			return nil, errors.Wrapf(err, "failed to write plot to %q", filePath)
		}
		paths = append(paths, filePath)
	}
	return paths, nil
}

// AddPoint adds a point for the given metric. The `step` is the x-axis, and `value` is the y-axis.
func (p *Plot) AddPoint(metricName string, step, value float64) {
	s, found := p.PerName[metricName]
	if !found {
		s = mg.NewSeries(mg.Titled(metricName))
		p.PerName[metricName] = s
	}
	mgValue := mg.MakeValue(step, value)
	s.Add(mgValue)

	if p.allPoints == nil {
		p.allPoints = mg.NewSeries()
	}
	p.allPoints.Add(mgValue)
}

// NumPoints returns the number of points in all series of the plot.
func (p *Plot) NumPoints() int {
	if p.allPoints == nil {
		return 0
	}
	return p.allPoints.Size()
}

// Render all series for the metric type associated with Plot as an SVG image.
func (p *Plot) Render(w io.Writer, width, height int) error {
	if len(p.PerName) == 0 {
		return errors.Errorf("no points to plot for %q", p.MetricType)
	}
	names := maps.Keys(p.PerName)
	slices.Sort(names)
	allSeries := make([]*mg.Series, 0, len(names))
	for _, name := range names {
		allSeries = append(allSeries, p.PerName[name])
	}
	diagram := mg.New(width, height,
		mg.WithAutorange(mg.XAxis, allSeries...),
		mg.WithProjection(mg.XAxis, p.xProjection),
		mg.WithAutorange(mg.YAxis, allSeries...),
		mg.WithProjection(mg.YAxis, p.yProjection),
		mg.WithInset(70),
		mg.WithPadding(2),
		mg.WithColorScheme(90),
		mg.WithBackgroundColor("#f8f8f8"),
	)
	for _, s := range allSeries {
		diagram.Line(s, mg.UsingAxes(mg.XAxis, mg.YAxis), mg.UsingMarker("square"), mg.UsingStrokeWidth(2))
	}
	diagram.Axis(p.allPoints, mg.XAxis, diagram.ValueTicker('f', 0, 10), false, "Steps")
	diagram.Axis(p.allPoints, mg.YAxis, diagram.ValueTicker('f', 3, 10), true, p.MetricType)
	diagram.Frame()
	if p.MetricType != "" {
		diagram.Title(fmt.Sprintf("%s metrics", p.MetricType))
	}
	if len(names) > 1 || names[0] != "" {
		diagram.Legend(mg.BottomLeft)
	}
	if err := diagram.Render(w); err != nil {
		return errors.Wrapf(err, "failed to render plot for %q", p.MetricType)
	}
	return nil
}
