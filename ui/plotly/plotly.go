// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package plotly plots the metrics of training runs as an HTML page, with one interactive
// Plotly (https://plotly.com/javascript/) figure per metric type, using the go-plotly library.
//
// Example: plot the metrics stream of a run to an HTML file:
//
//	pc := plotly.New().WithFile("plots.html")
//	pc.AddPoints(must.M1(plots.LoadRunPoints(runDir)))
//	must.M(pc.Done())
package plotly

import (
	"encoding/base64"
	"encoding/json"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"slices"

	grob "github.com/MetalBlueberry/go-plotly/generated/v2.34.0/graph_objects"
	ptypes "github.com/MetalBlueberry/go-plotly/pkg/types"
	"github.com/gomlx/vdenoise/pkg/support/fsutil"
	"github.com/gomlx/vdenoise/ui/plots"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// PlotlySrc is the URL of the Plotly javascript library loaded by the generated HTML.
var PlotlySrc = "https://cdn.plot.ly/plotly-2.34.0.min.js"

// PlotConfig holds the Plotly figures being built, one per metric type.
type PlotConfig struct {
	// figs maintained dynamically.
	figs []*grob.Fig

	// metricsNamesToTrace maps (per figure) metric names to their trace index.
	metricsNamesToTrace []map[string]int

	// metricsTypesToFig maps metric types to their figure index.
	metricsTypesToFig map[string]int

	logScale bool

	// filePath where Done writes the HTML page. Only used if not empty.
	filePath string
}

var _ plots.Plotter = (*PlotConfig)(nil)

// New creates a PlotConfig with no points.
func New() *PlotConfig {
	return &PlotConfig{
		metricsTypesToFig: make(map[string]int),
	}
}

// WithFile sets the HTML file written by Done.
func (pc *PlotConfig) WithFile(filePath string) *PlotConfig {
	pc.filePath = filePath
	return pc
}

// LogScale uses log scales on both axes, for the figures created afterward.
func (pc *PlotConfig) LogScale() *PlotConfig {
	pc.logScale = true
	return pc
}

func (pc *PlotConfig) newFig(metricType string) *grob.Fig {
	xType, yType := grob.LayoutXaxisTypeLinear, grob.LayoutYaxisTypeLinear
	if pc.logScale {
		xType, yType = grob.LayoutXaxisTypeLog, grob.LayoutYaxisTypeLog
	}
	return &grob.Fig{
		Layout: &grob.Layout{
			Title: &grob.LayoutTitle{
				Text: ptypes.S(metricType),
			},
			Xaxis: &grob.LayoutXaxis{
				Showgrid: ptypes.B(true),
				Type:     xType,
			},
			Yaxis: &grob.LayoutYaxis{
				Showgrid: ptypes.B(true),
				Type:     yType,
			},
			Legend: &grob.LayoutLegend{},
		},
	}
}

// AddPoint implements plots.Plotter. Invalid points (NaN or infinite) are ignored.
// Points are grouped in one figure per metric type, and one trace per metric name.
func (pc *PlotConfig) AddPoint(pt plots.Point) {
	if !pt.IsValid() {
		return
	}
	figIdx, found := pc.metricsTypesToFig[pt.MetricType]
	if !found {
		pc.figs = append(pc.figs, pc.newFig(pt.MetricType))
		pc.metricsNamesToTrace = append(pc.metricsNamesToTrace, make(map[string]int))
		figIdx = len(pc.figs) - 1
		pc.metricsTypesToFig[pt.MetricType] = figIdx
	}
	fig := pc.figs[figIdx]
	metricNameToTrace := pc.metricsNamesToTrace[figIdx]

	traceIdx, found := metricNameToTrace[pt.MetricName]
	if !found {
		traceIdx = len(fig.Data)
		metricNameToTrace[pt.MetricName] = traceIdx
		fig.Data = append(fig.Data, &grob.Scatter{
			Name: ptypes.S(pt.MetricName),
			Line: &grob.ScatterLine{
				Shape: grob.ScatterLineShapeLinear,
			},
			Mode: "lines+markers",
			X:    ptypes.DataArray([]float64{}),
			Y:    ptypes.DataArray([]float64{}),
		})
	}
	trace := fig.Data[traceIdx].(*grob.Scatter)
	xs := trace.X.Value().([]float64)
	trace.X = ptypes.DataArray(append(xs, pt.Step))
	ys := trace.Y.Value().([]float64)
	trace.Y = ptypes.DataArray(append(ys, pt.Value))
}

// AddPoints adds all the given points.
func (pc *PlotConfig) AddPoints(points []plots.Point) {
	for _, pt := range points {
		pc.AddPoint(pt)
	}
}

// NumFigures returns the number of figures, one per metric type.
func (pc *PlotConfig) NumFigures() int {
	return len(pc.figs)
}

// Done implements plots.Plotter: it writes the HTML page to the file configured with WithFile.
// It's a no-op if no file was configured.
func (pc *PlotConfig) Done() error {
	if pc.filePath == "" {
		return nil
	}
	return pc.WriteHTMLFile(pc.filePath)
}

// WriteHTMLFile writes the HTML page with all figures to fileName, creating its directory if needed.
func (pc *PlotConfig) WriteHTMLFile(fileName string) error {
	if _, err := fsutil.EnsureDir(filepath.Dir(fileName)); err != nil {
		return err
	}
	f, err := os.Create(fileName)
	if err != nil {
		return errors.Wrapf(err, "failed to create file %q", fileName)
	}
	if err = pc.WriteHTML(f); err != nil {
		_ = f.Close()
		return err
	}
	return errors.Wrapf(f.Close(), "failed to close %q", fileName)
}

// WriteHTML renders all figures, sorted by metric type, to an HTML page.
func (pc *PlotConfig) WriteHTML(w io.Writer) error {
	metricTypes := maps.Keys(pc.metricsTypesToFig)
	slices.Sort(metricTypes)
	figuresAsJSON := make([][]byte, 0, len(metricTypes))
	for _, metricType := range metricTypes {
		figAsJSON, err := json.Marshal(pc.figs[pc.metricsTypesToFig[metricType]])
		if err != nil {
			return errors.Wrapf(err, "failed to marshal plotly figure for metric type %q", metricType)
		}
		figuresAsJSON = append(figuresAsJSON, figAsJSON)
	}
	return WritePlotlyAsHTML(w, figuresAsJSON...)
}

var (
	singleFileHTML = `<!DOCTYPE html>
<html>
	<head>
		<meta charset="utf-8">
		<script src="{{ .CDN }}"></script>
	</head>
	<body>
{{- range $i, $f := .Figures }}
		<div id="plot{{ $i }}"></div>
		{{ if not (eq $i (lastIdx $.Figures)) }}
		<hr style="border-color: gray;">
		{{ end }}
{{- end }}
	<script>
{{- range $i, $f := .Figures }}
		data = JSON.parse(atob('{{ $f }}'))
		Plotly.newPlot('plot{{ $i }}', data);
{{- end }}
	</script>
	</body>
</html>`
	singleFileHTMLTmpl = template.Must(template.New("plotly").Funcs(template.FuncMap{
		"lastIdx": func(a []string) int { return len(a) - 1 },
	}).Parse(singleFileHTML))
)

// WritePlotlyAsHTML renders the Plotly figures (given as JSON) to an HTML page that can be
// served or saved to a file.
func WritePlotlyAsHTML(w io.Writer, figuresAsJSON ...[]byte) error {
	figures := make([]string, 0, len(figuresAsJSON))
	for _, fig := range figuresAsJSON {
		figures = append(figures, base64.StdEncoding.EncodeToString(fig))
	}
	data := &struct {
		CDN     string
		Figures []string
	}{
		CDN:     PlotlySrc,
		Figures: figures,
	}
	if err := singleFileHTMLTmpl.Execute(w, data); err != nil {
		return errors.Wrap(err, "failed to render plotly")
	}
	return nil
}
