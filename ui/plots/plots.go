// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package plots defines the metrics stream of a training run, common to the different plot
// libraries, and a train.MetricsSink that writes it along with sample images.
package plots

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/vdenoise/pkg/ml/train/metrics"
	"github.com/gomlx/vdenoise/pkg/support/fsutil"
	"github.com/gomlx/vdenoise/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MetricsFileName is the file name within a run directory where the metrics stream is appended,
// one JSON encoded Point per line.
const MetricsFileName = "metrics.jsonl"

// Point represents one measurement of a metric. It is used to save/load the metrics stream.
type Point struct {
	// MetricName of this point.
	MetricName string

	// Short name
	Short string

	// MetricType is "loss", "PSNR" or "learning rate".
	// It's used in plotting to aggregate similar metric types in the same plot.
	MetricType string

	// Epoch (0-based) during which the metric was measured.
	Epoch int

	// Step is the global step this metric was measured.
	// It is an int value, stored as a float64.
	Step float64

	// Value is the metric captured.
	Value float64

	// RunID of the run that produced the point.
	RunID string `json:",omitempty"`
}

// NewPoint creates the Point for the given metric value.
func NewPoint(desc metrics.Descriptor, value float64, epoch, step int) Point {
	return Point{
		MetricName: desc.Name,
		Short:      desc.ShortName,
		MetricType: desc.Type,
		Epoch:      epoch,
		Step:       float64(step),
		Value:      value,
	}
}

// IsValid returns whether the point can be stored and plotted: NaN and infinite values are not.
func (p Point) IsValid() bool {
	return !(math.IsNaN(p.Value) || math.IsInf(p.Value, 0) || math.IsNaN(p.Step) || math.IsInf(p.Step, 0))
}

// Plotter is a generic plotter API, implemented by [margaid.Plots] and [plotly.PlotConfig].
type Plotter interface {
	// AddPoint to be drawn. One metric at a time.
	AddPoint(point Point)

	// Done is called when no more points are coming, and the plotter should write its output.
	Done() error
}

// LoadRunPoints loads all the points of the metrics stream [MetricsFileName] in a run directory.
func LoadRunPoints(runDir string) ([]Point, error) {
	runDir, err := fsutil.ReplaceTildeInDir(runDir)
	if err != nil {
		return nil, err
	}
	return LoadPoints(filepath.Join(runDir, MetricsFileName))
}

// LoadPoints parses all plot points saved in the given file.
func LoadPoints(filePath string) ([]Point, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read metrics file %q", filePath)
	}
	defer func() { _ = f.Close() }()

	dec := json.NewDecoder(f)
	var points []Point
	for {
		var point Point
		err := dec.Decode(&point)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "error while decoding metrics file %q", filePath)
		}
		points = append(points, point)
	}
	return points, nil
}

// CreatePointsWriter starts a goroutine that appends the points sent to pointWriter to filePath.
// After pointWriter is closed, errReport receives the first error found (or nil) and is closed.
// Points sent after an error are discarded, so senders never block.
func CreatePointsWriter(filePath string) (pointWriter chan<- Point, errReport <-chan error) {
	points := make(chan Point, 100)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
		if err != nil {
			err = errors.Wrapf(err, "failed to open metrics file %q for append", filePath)
			klog.Errorf("%v", err)
			for range points {
			}
			errs <- err
			return
		}
		enc := json.NewEncoder(f)
		for point := range points {
			if err != nil {
				continue
			}
			if err = enc.Encode(point); err != nil {
				err = errors.Wrapf(err, "failed to append point %s@%g to %q", point.Short, point.Step, filePath)
				klog.Errorf("%v", err)
			}
		}
		if closeErr := f.Close(); err == nil && closeErr != nil {
			err = errors.Wrapf(closeErr, "failed to close metrics file %q", filePath)
		}
		errs <- err
	}()
	return points, errs
}

// Points indexes a collection of Point by their global step.
type Points map[float64][]Point

// NewPoints indexes rawPoints by step. The order of the points of each step is kept.
//
// See LoadPoints and LoadRunPoints to read rawPoints from a file.
func NewPoints(rawPoints []Point) Points {
	points := make(Points)
	for _, p := range rawPoints {
		points[p.Step] = append(points[p.Step], p)
	}
	return points
}

// Steps returns the steps with points, in increasing order.
func (points Points) Steps() []float64 {
	return xslices.SortedKeys(points)
}

// Filter keeps only the points for which keep returns true. Steps left without points are removed.
func (points Points) Filter(keep func(p Point) bool) {
	for step, stepPoints := range points {
		kept := slices.DeleteFunc(stepPoints, func(p Point) bool { return !keep(p) })
		if len(kept) == 0 {
			delete(points, step)
		} else {
			points[step] = kept
		}
	}
}

// MetricsNames returns the names of the metrics in the collection, sorted by their type and
// then by their name.
func (points Points) MetricsNames() []string {
	nameToType := make(map[string]string)
	for _, stepPoints := range points {
		for _, p := range stepPoints {
			nameToType[p.MetricName] = p.MetricType
		}
	}
	names := xslices.SortedKeys(nameToType)
	slices.SortStableFunc(names, func(a, b string) int { return strings.Compare(nameToType[a], nameToType[b]) })
	return names
}

// TableForMetrics renders a table with one row per step: the columns are the epoch (1-based),
// the step and the values of the given metrics. With no metric names, all metrics are included.
func (points Points) TableForMetrics(metricNames ...string) string {
	if len(metricNames) == 0 {
		metricNames = points.MetricsNames()
	}
	cellStyle := lipgloss.NewStyle().Padding(0, 1).Align(lipgloss.Right)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(append([]string{"Epoch", "Step"}, metricNames...)...)
	for _, step := range points.Steps() {
		row := make([]string, 2+len(metricNames))
		row[1] = fmt.Sprintf("%.0f", step)
		for _, p := range points[step] {
			row[0] = fmt.Sprintf("%d", p.Epoch+1)
			if col := slices.Index(metricNames, p.MetricName); col >= 0 {
				row[col+2] = metrics.ByName(p.MetricName).PrettyPrint(p.Value)
			}
		}
		table.Row(row...)
	}
	return table.String()
}

// String implements fmt.Stringer, with a table of all metrics.
func (points Points) String() string {
	return points.TableForMetrics()
}
