// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"path/filepath"

	"github.com/gomlx/vdenoise/pkg/config"
	"github.com/gomlx/vdenoise/pkg/core/tensors"
	"github.com/gomlx/vdenoise/pkg/core/tensors/image"
	"github.com/gomlx/vdenoise/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Sequence is a whole video sequence loaded in memory.
type Sequence struct {
	Name string

	// Frames shaped `[numFrames, channels, height, width]`, with values in [0, 1].
	Frames *tensors.Tensor
}

// NumFrames in the sequence.
func (s *Sequence) NumFrames() int { return s.Frames.Dim(0) }

// LoadSequence reads the frames in dir, in file name order, up to maxFrames (0 for no limit).
// Values are normalized to [0, 1].
func LoadSequence(dir string, maxFrames int) (*Sequence, error) {
	paths, err := fsutil.ListFrames(dir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, errors.Errorf("no frames found in %q", dir)
	}
	if maxFrames > 0 && len(paths) > maxFrames {
		paths = paths[:maxFrames]
	}
	var frames *tensors.Tensor
	for ii, path := range paths {
		frame, err := image.LoadFrame(path)
		if err != nil {
			return nil, err
		}
		if frames == nil {
			frames = tensors.Make(len(paths), frame.Dim(0), frame.Dim(1), frame.Dim(2))
		}
		target := frames.Slice(ii)
		if !target.SameShape(frame) {
			return nil, errors.Errorf("frame %q has shape %s, but previous frames in the sequence have shape %s",
				path, frame, target)
		}
		for jj, v := range frame.Data() {
			target.Data()[jj] = v / config.PixelRange
		}
	}
	return &Sequence{Name: filepath.Base(dir), Frames: frames}, nil
}

// LoadSequences reads every sequence (subdirectory) of dir, see LoadSequence.
// Subdirectories without frames are skipped with a warning.
func LoadSequences(dir string, maxFrames int) ([]*Sequence, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	subdirs, err := fsutil.ListSubdirs(dir)
	if err != nil {
		return nil, err
	}
	var sequences []*Sequence
	for _, subdir := range subdirs {
		frames, err := fsutil.ListFrames(subdir)
		if err != nil {
			return nil, err
		}
		if len(frames) == 0 {
			klog.Warningf("Skipping sequence %q: no frames", subdir)
			continue
		}
		seq, err := LoadSequence(subdir, maxFrames)
		if err != nil {
			return nil, err
		}
		sequences = append(sequences, seq)
	}
	if len(sequences) == 0 {
		return nil, errors.Errorf("no sequences found in %q", dir)
	}
	klog.V(1).Infof("Loaded %d sequences from %q", len(sequences), dir)
	return sequences, nil
}
