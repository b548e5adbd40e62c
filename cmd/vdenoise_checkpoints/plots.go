// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/vdenoise/pkg/support/fsutil"
	"github.com/gomlx/vdenoise/pkg/support/sets"
	"github.com/gomlx/vdenoise/pkg/support/xslices"
	"github.com/gomlx/vdenoise/ui/margaid"
	"github.com/gomlx/vdenoise/ui/plotly"
	"github.com/gomlx/vdenoise/ui/plots"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

var (
	flagPlot = flag.Bool("plot", false,
		fmt.Sprintf("Plots the metrics collected in file %q to an interactive HTML page. "+
			"You can control which metrics to plot with -metrics_names and -metrics_types", plots.MetricsFileName))
	flagPNG = flag.Bool("png", false, "Plots the metrics to one PNG file per metric type, in -plots_dir.")
	flagSVG = flag.Bool("svg", false, "Plots the metrics to one SVG file per metric type, in -plots_dir.")

	flagPlotsDir = flag.String("plots_dir", "",
		"Directory where plots are written. If empty, a new temporary directory is created.")
	flagLogScale = flag.Bool("log_scale", false, "Use log scale on both axes of the plots.")
)

// PlotsHTMLFileName is the name of the interactive plots page written in the plots directory.
const PlotsHTMLFileName = "metrics.html"

// createModelNamesToIndex numbers the models by sorted name, starting from 1.
func createModelNamesToIndex(modelNames []string) map[string]int {
	modelNamesToIndex := make(map[string]int, len(modelNames))
	for _, name := range modelNames {
		modelNamesToIndex[name] = 0
	}
	for idx, name := range xslices.SortedKeys(modelNamesToIndex) {
		modelNamesToIndex[name] = idx + 1
	}
	return modelNamesToIndex
}

// plotPoints returns the selected points of all models. With more than one model, metric names
// are prefixed by the model number, so each model gets its own line.
func plotPoints(modelNames []string, points [][]plots.Point, filter *MetricsFilter) []plots.Point {
	modelNamesToIndex := createModelNamesToIndex(modelNames)
	var selected []plots.Point
	for modelIdx, modelPoints := range points {
		modelNum := modelNamesToIndex[modelNames[modelIdx]]
		for _, pt := range modelPoints {
			if !filter.Match(pt) || !pt.IsValid() {
				continue
			}
			if len(modelNames) > 1 {
				pt.MetricName = fmt.Sprintf("#%d %s", modelNum, pt.Short)
			}
			selected = append(selected, pt)
		}
	}
	return selected
}

// BuildPlots of the models' metrics points, in the formats selected by the flags.
func BuildPlots(modelNames []string, points [][]plots.Point, filter *MetricsFilter) {
	selected := plotPoints(modelNames, points, filter)
	if len(selected) == 0 {
		fmt.Println("No metrics to plot.")
		return
	}
	dir := *flagPlotsDir
	if dir == "" {
		dir = must.M1(os.MkdirTemp("", "vdenoise-plots-*"))
	} else {
		dir = must.M1(fsutil.EnsureDir(dir))
	}

	var written []string
	if *flagPlot {
		pc := plotly.New()
		if *flagLogScale {
			pc.LogScale()
		}
		pc.AddPoints(selected)
		htmlPath := filepath.Join(dir, PlotsHTMLFileName)
		must.M(pc.WriteHTMLFile(htmlPath))
		written = append(written, htmlPath)
	}
	if *flagSVG {
		svgPlots := margaid.New(1024, 400)
		if *flagLogScale {
			svgPlots.LogScaleX().LogScaleY()
		}
		svgPlots.AddPoints(selected)
		written = append(written, must.M1(svgPlots.WriteFiles(dir))...)
	}
	if *flagPNG {
		written = append(written, must.M1(WritePNGPlots(dir, selected, *flagLogScale))...)
	}
	fmt.Printf("\nPlots written to:\n")
	for _, path := range written {
		fmt.Printf("\t%s\n", path)
	}
	fmt.Println()
}

// plotLineInfo contains the information for a single line in a plot.
type plotLineInfo struct {
	name string
	xys  plotter.XYs
}

// createPlotLines for the given metric type, one per metric name, sorted by name. The points of
// each line are sorted by step.
func createPlotLines(metricType string, points []plots.Point) []*plotLineInfo {
	perName := make(map[string]*plotLineInfo)
	for _, pt := range points {
		if pt.MetricType != metricType {
			continue
		}
		line, found := perName[pt.MetricName]
		if !found {
			line = &plotLineInfo{name: pt.MetricName}
			perName[pt.MetricName] = line
		}
		line.xys = append(line.xys, plotter.XY{X: pt.Step, Y: pt.Value})
	}
	lines := make([]*plotLineInfo, 0, len(perName))
	for _, name := range xslices.SortedKeys(perName) {
		line := perName[name]
		slices.SortStableFunc(line.xys, func(a, b plotter.XY) int {
			switch {
			case a.X < b.X:
				return -1
			case a.X > b.X:
				return 1
			}
			return 0
		})
		lines = append(lines, line)
	}
	return lines
}

// PNGFileName returns the name of the PNG file plotting the given metric type.
func PNGFileName(metricType string) string {
	return strings.ReplaceAll(strings.ToLower(metricType), " ", "_") + ".png"
}

// WritePNGPlots writes one PNG file per metric type to dir, using gonum/plot, and returns the
// paths written.
func WritePNGPlots(dir string, points []plots.Point, logScale bool) ([]string, error) {
	if logScale {
		// Log scales panic on non-positive values.
		points = slices.DeleteFunc(slices.Clone(points), func(pt plots.Point) bool { return pt.Step <= 0 || pt.Value <= 0 })
	}
	metricTypes := sets.Make[string]()
	for _, pt := range points {
		metricTypes.Insert(pt.MetricType)
	}
	var paths []string
	for _, metricType := range sets.Sorted(metricTypes) {
		p := plot.New()
		p.Title.Text = metricType
		p.X.Label.Text = "Global Step"
		p.Y.Label.Text = metricType
		if logScale {
			p.X.Scale, p.X.Tick.Marker = plot.LogScale{}, plot.LogTicks{}
			p.Y.Scale, p.Y.Tick.Marker = plot.LogScale{}, plot.LogTicks{}
		}
		p.Add(plotter.NewGrid())
		for ii, lineInfo := range createPlotLines(metricType, points) {
			line, err := plotter.NewLine(lineInfo.xys)
			if err != nil {
				return paths, errors.Wrapf(err, "failed to plot %q", lineInfo.name)
			}
			line.Color = plotutil.Color(ii)
			line.Dashes = plotutil.Dashes(ii)
			p.Add(line)
			p.Legend.Add(lineInfo.name, line)
		}
		filePath := filepath.Join(dir, PNGFileName(metricType))
		if err := p.Save(12*vg.Inch, 5*vg.Inch, filePath); err != nil {
			return paths, errors.Wrapf(err, "failed to save plot %q", filePath)
		}
		paths = append(paths, filePath)
	}
	return paths, nil
}
