// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gomlx/vdenoise/pkg/core/tensors"
	"github.com/gomlx/vdenoise/pkg/core/tensors/image"
	"github.com/gomlx/vdenoise/pkg/ml/train"
	"github.com/gomlx/vdenoise/pkg/ml/train/metrics"
	"github.com/gomlx/vdenoise/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ImagesDirName is the subdirectory of the run directory where sample images are saved.
const ImagesDirName = "images"

// Sink implements train.MetricsSink: scalars are appended to the metrics stream ([MetricsFileName])
// by a background goroutine, images are saved as PNG files, and attached plotters receive every
// valid point and write their plots when the Sink is closed.
type Sink struct {
	dir, runID string

	pointWriter chan<- Point
	errReport   <-chan error
	plotters    []Plotter
	closed      bool
}

var _ train.MetricsSink = (*Sink)(nil)

// NewSink creates the run directory if needed and starts appending to its metrics stream.
// runID is stored in every point, and can be left empty.
func NewSink(dir, runID string) (*Sink, error) {
	dir, err := fsutil.EnsureDir(dir)
	if err != nil {
		return nil, errors.WithMessagef(err, "plots.NewSink(%q)", dir)
	}
	s := &Sink{dir: dir, runID: runID}
	s.pointWriter, s.errReport = CreatePointsWriter(filepath.Join(dir, MetricsFileName))
	return s, nil
}

// Dir returns the directory where the Sink writes.
func (s *Sink) Dir() string {
	return s.dir
}

// WithPlotter attaches a plotter that receives all points.
func (s *Sink) WithPlotter(plotter Plotter) *Sink {
	s.plotters = append(s.plotters, plotter)
	return s
}

// Preload feeds the attached plotters with the points already in the metrics stream of an
// earlier execution of the same run, for epochs before beforeEpoch. Epochs from beforeEpoch on
// will be trained again, and their points reported again. Points of other runs are ignored.
//
// It is a no-op if there is no metrics stream yet.
func (s *Sink) Preload(beforeEpoch int) error {
	filePath := filepath.Join(s.dir, MetricsFileName)
	exists, err := fsutil.FileExists(filePath)
	if err != nil || !exists {
		return err
	}
	points, err := LoadPoints(filePath)
	if err != nil {
		return err
	}
	var count int
	for _, point := range points {
		if point.Epoch >= beforeEpoch || !point.IsValid() || (point.RunID != "" && point.RunID != s.runID) {
			continue
		}
		for _, plotter := range s.plotters {
			plotter.AddPoint(point)
		}
		count++
	}
	klog.V(1).Infof("Preloaded %d metric points from %q", count, filePath)
	return nil
}

// AddScalar implements train.MetricsSink. Non-finite values are not recorded.
func (s *Sink) AddScalar(metric metrics.Descriptor, value float64, epoch, step int) error {
	if s.closed {
		return errors.Errorf("plots.Sink(%q).AddScalar(%q) called after Close", s.dir, metric.Name)
	}
	point := NewPoint(metric, value, epoch, step)
	point.RunID = s.runID
	if !point.IsValid() {
		klog.V(1).Infof("Not recording %s=%v at step %d: not a finite value", metric.ShortName, value, step)
		return nil
	}
	s.pointWriter <- point
	for _, plotter := range s.plotters {
		plotter.AddPoint(point)
	}
	return nil
}

// ImagePath returns the file path where the image of the given tag, epoch and step is saved.
func (s *Sink) ImagePath(tag string, epoch, step int) string {
	tagDir := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(tag)), " ", "_")
	return filepath.Join(s.dir, ImagesDirName, tagDir, fmt.Sprintf("epoch-%d-step-%d.png", epoch, step))
}

// AddImage implements train.MetricsSink.
func (s *Sink) AddImage(tag string, img *tensors.Tensor, epoch, step int) error {
	if s.closed {
		return errors.Errorf("plots.Sink(%q).AddImage(%q) called after Close", s.dir, tag)
	}
	if err := image.Save(img, 1.0, s.ImagePath(tag, epoch, step)); err != nil {
		return errors.WithMessagef(err, "plots.Sink.AddImage(%q)", tag)
	}
	return nil
}

// Close flushes the metrics stream and has the plotters write their output.
// It returns the first error found, including one from writing the metrics stream.
func (s *Sink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.pointWriter)
	firstErr := <-s.errReport
	for _, plotter := range s.plotters {
		if err := plotter.Done(); err != nil {
			klog.Errorf("Failed to write plots: %+v", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
