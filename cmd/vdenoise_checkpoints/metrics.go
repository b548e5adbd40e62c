// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"cmp"
	"flag"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/vdenoise/pkg/ml/train/metrics"
	"github.com/gomlx/vdenoise/pkg/support/sets"
	"github.com/gomlx/vdenoise/pkg/support/xslices"
	"github.com/gomlx/vdenoise/ui/plots"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

var (
	flagMetrics = flag.Bool("metrics", false,
		fmt.Sprintf("Lists the metrics collected in file %q", plots.MetricsFileName))
	flagMetricsLabels = flag.Bool("metrics_labels", false,
		fmt.Sprintf("Lists the metrics labels (short names) with their full description from file %q", plots.MetricsFileName))
	flagMetricsNames = flag.String("metrics_names", "", "Regular expression that if matches the name or short name, the metric is included.")
	flagMetricsTypes = flag.String("metrics_types", "", "Comma-separate list of metric types to include in metrics reports and plots.")
)

// ModelNameAndMetric holds information on the model name and one of its metric.
type ModelNameAndMetric struct{ ModelName, MetricName, MetricType string }

// MetricsFilter selects the metrics to report. A nil filter (or one with no criteria)
// selects all metrics.
type MetricsFilter struct {
	Names *regexp.Regexp
	Types sets.Set[string]
}

// NewMetricsFilter creates a filter from a regular expression of names and a comma-separated
// list of types, any of which may be empty.
func NewMetricsFilter(namesRegexp, types string) (*MetricsFilter, error) {
	f := &MetricsFilter{}
	if namesRegexp != "" {
		var err error
		f.Names, err = regexp.Compile(namesRegexp)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to compile metrics names matcher %q", namesRegexp)
		}
	}
	if types != "" {
		f.Types = sets.Make(strings.Split(types, ",")...)
	}
	return f, nil
}

// Match returns whether the point is selected by the filter.
func (f *MetricsFilter) Match(point plots.Point) bool {
	if f == nil || (f.Names == nil && f.Types == nil) {
		return true
	}
	if f.Names != nil && (f.Names.MatchString(point.MetricName) || f.Names.MatchString(point.Short)) {
		return true
	}
	return f.Types != nil && f.Types.Has(point.MetricType)
}

// normalizePoints sorts the points of a run by step and, when a resumed run measured the same
// metric again at the same step, keeps only the latest measurement.
func normalizePoints(points []plots.Point) []plots.Point {
	type stepAndMetric struct {
		step  float64
		short string
	}
	latest := make(map[stepAndMetric]int, len(points))
	for ii, point := range points {
		latest[stepAndMetric{point.Step, point.Short}] = ii
	}
	normalized := make([]plots.Point, 0, len(latest))
	for ii, point := range points {
		if latest[stepAndMetric{point.Step, point.Short}] == ii {
			normalized = append(normalized, point)
		}
	}
	slices.SortStableFunc(normalized, func(a, b plots.Point) int { return cmp.Compare(a.Step, b.Step) })
	return normalized
}

// metricsOrder maps each selected metric (of each model) to its column in the metrics table,
// starting from 1. Columns are sorted by metric name, then model name.
func metricsOrder(modelNames []string, points [][]plots.Point, filter *MetricsFilter) map[ModelNameAndMetric]int {
	metricsUsed := sets.Make[ModelNameAndMetric]()
	for modelIdx, pointsPerModel := range points {
		for _, point := range pointsPerModel {
			if filter.Match(point) {
				metricsUsed.Insert(ModelNameAndMetric{modelNames[modelIdx], point.Short, point.MetricType})
			}
		}
	}
	metricsInOrder := maps.Keys(metricsUsed)
	slices.SortFunc(metricsInOrder, func(a, b ModelNameAndMetric) int {
		if c := strings.Compare(a.MetricName, b.MetricName); c != 0 {
			return c
		}
		return strings.Compare(a.ModelName, b.ModelName)
	})
	order := make(map[ModelNameAndMetric]int, len(metricsInOrder))
	for idx, nameMetric := range metricsInOrder {
		order[nameMetric] = idx + 1
	}
	return order
}

func metricsReports(runDirs, modelNames []string) {
	points := make([][]plots.Point, len(runDirs))
	foundSomething := false
	for ii, runDir := range runDirs {
		runPoints, err := plots.LoadRunPoints(runDir)
		if err != nil {
			klog.Errorf("Run %q: %v", runDir, err)
			continue
		}
		points[ii] = normalizePoints(runPoints)
		if len(points[ii]) > 0 {
			foundSomething = true
		}
	}
	if !foundSomething {
		klog.Errorf("No metrics found in file %q in paths %v", plots.MetricsFileName, runDirs)
		return
	}

	filter, err := NewMetricsFilter(*flagMetricsNames, *flagMetricsTypes)
	if err != nil {
		klog.Fatalf("Invalid -metrics_names: %v", err)
	}
	order := metricsOrder(modelNames, points, filter)

	if *flagMetricsLabels {
		shortToName := make(map[string]string)
		for _, pointsPerModel := range points {
			for _, point := range pointsPerModel {
				shortToName[point.Short] = point.MetricName
			}
		}
		ReportMetricsLabels(shortToName)
	}
	if *flagMetrics {
		ReportMetrics(modelNames, order, points)
	}
	if *flagPlot || *flagPNG || *flagSVG {
		BuildPlots(modelNames, points, filter)
	}
}

// ReportMetricsLabels list all metrics short and long names.
func ReportMetricsLabels(shortToName map[string]string) {
	fmt.Println(titleStyle.Render("Metrics Labels"))
	table := newTable(true, nil, lipgloss.Center, lipgloss.Left)
	table.Headers("Short", "MetricName")
	for _, short := range xslices.SortedKeys(shortToName) {
		table.Row(short, shortToName[short])
	}
	fmt.Println(table.Render())
}

// metricsRows returns the header and the rows of the metrics table: one row per global step
// where any of the models has a selected metric.
func metricsRows(names []string, order map[ModelNameAndMetric]int, points [][]plots.Point) (header []string, rows [][]string) {
	numCheckpoints := len(names)
	header = make([]string, 2+len(order))
	header[0], header[1] = "Global Step", "Epoch"
	for nameMetric, idx := range order {
		if numCheckpoints == 1 {
			header[idx+1] = nameMetric.MetricName
		} else {
			header[idx+1] = fmt.Sprintf("%s: %s", nameMetric.ModelName, nameMetric.MetricName)
		}
	}

	// Merge the points of all models, one global step at a time.
	pointsIndices := make([]int, numCheckpoints)
	nextGlobalStep := func() int64 {
		globalStep := int64(-1)
		for modelIdx, pointsPerModel := range points {
			if pointsIndices[modelIdx] < len(pointsPerModel) {
				step := int64(pointsPerModel[pointsIndices[modelIdx]].Step)
				if globalStep == -1 || step < globalStep {
					globalStep = step
				}
			}
		}
		return globalStep
	}
	for currentGlobalStep := nextGlobalStep(); currentGlobalStep != -1; currentGlobalStep = nextGlobalStep() {
		row := make([]string, 2+len(order))
		row[0] = humanize.Comma(currentGlobalStep)
		hasValues := false
		for modelIdx, pointsPerModel := range points {
			nameMetric := ModelNameAndMetric{ModelName: names[modelIdx]}
			for ; pointsIndices[modelIdx] < len(pointsPerModel); pointsIndices[modelIdx]++ {
				point := pointsPerModel[pointsIndices[modelIdx]]
				if int64(point.Step) != currentGlobalStep {
					break
				}
				nameMetric.MetricName, nameMetric.MetricType = point.Short, point.MetricType
				colIdx, found := order[nameMetric]
				if !found {
					continue
				}
				row[1] = fmt.Sprintf("%d", point.Epoch+1)
				desc := metrics.Descriptor{Name: point.MetricName, ShortName: point.Short, Type: point.MetricType}
				row[colIdx+1] = desc.PrettyPrint(point.Value)
				hasValues = true
			}
		}
		if hasValues {
			rows = append(rows, row)
		}
	}
	return
}

// ReportMetrics of the models, side by side.
func ReportMetrics(names []string, order map[ModelNameAndMetric]int, points [][]plots.Point) {
	fmt.Println(titleStyle.Render("Metrics Table"))
	table := newTable(true, nil, lipgloss.Right)
	header, rows := metricsRows(names, order, points)
	table.Headers(header...)
	for _, row := range rows {
		table.Row(row...)
	}
	fmt.Println(table.Render())
}
