// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"fmt"
	"io"
	"math/rand"
	"path/filepath"
	"sync"

	"github.com/gomlx/vdenoise/pkg/core/tensors"
	"github.com/gomlx/vdenoise/pkg/core/tensors/image"
	"github.com/gomlx/vdenoise/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultTempStride is the spacing between the possible first frames of a temporal crop.
const DefaultTempStride = 3

// Options configures a PairedDataset.
type Options struct {
	BatchSize int

	// PatchSize is the side of the square spatial crops.
	PatchSize int

	// TempPatchSize is the number of consecutive frames in each example.
	TempPatchSize int

	// TempStride is the spacing of the temporal crop starts. Defaults to DefaultTempStride.
	TempStride int

	// NumBatches per epoch.
	NumBatches int

	// Seed of the random crops. Batch i of epoch e is always the same for the same seed,
	// regardless of the order in which batches are yielded.
	Seed int64
}

type sequenceFiles struct {
	name          string
	original      []string
	noisy         []string
	height, width int
}

// PairedDataset yields batches of random crops of clean sequences, along with the crops
// at the same position of the corresponding (same name) noisy sequences.
//
// Yield is safe for concurrent use, so it can be wrapped with Parallel.
type PairedDataset struct {
	name      string
	opts      Options
	sequences []*sequenceFiles

	mu          sync.Mutex
	epoch, next int
}

var _ Source = (*PairedDataset)(nil)

// NewPairedDataset scans the sequences (subdirectories) of originalDir and, if noisyDir is
// not empty, pairs each one with the noisy sequence of the same name.
// Sequences shorter than TempPatchSize frames are skipped.
func NewPairedDataset(originalDir, noisyDir string, opts Options) (*PairedDataset, error) {
	if opts.BatchSize <= 0 || opts.PatchSize <= 0 || opts.TempPatchSize <= 0 || opts.NumBatches <= 0 {
		return nil, errors.Errorf("invalid dataset options %+v: sizes must be > 0", opts)
	}
	if opts.TempStride <= 0 {
		opts.TempStride = DefaultTempStride
	}
	originalDir, err := fsutil.ReplaceTildeInDir(originalDir)
	if err != nil {
		return nil, err
	}
	subdirs, err := fsutil.ListSubdirs(originalDir)
	if err != nil {
		return nil, err
	}
	ds := &PairedDataset{name: filepath.Base(originalDir), opts: opts}
	if noisyDir != "" {
		if noisyDir, err = fsutil.ReplaceTildeInDir(noisyDir); err != nil {
			return nil, err
		}
	}
	for _, subdir := range subdirs {
		seq := &sequenceFiles{name: filepath.Base(subdir)}
		if seq.original, err = fsutil.ListFrames(subdir); err != nil {
			return nil, err
		}
		if noisyDir != "" {
			noisySubdir := filepath.Join(noisyDir, seq.name)
			if !fsutil.IsDir(noisySubdir) {
				return nil, errors.Errorf("sequence %q has no noisy counterpart in %q", seq.name, noisyDir)
			}
			if seq.noisy, err = fsutil.ListFrames(noisySubdir); err != nil {
				return nil, err
			}
			numFrames := min(len(seq.original), len(seq.noisy))
			if len(seq.original) != len(seq.noisy) {
				klog.Warningf("Sequence %q has %d original and %d noisy frames, using the first %d",
					seq.name, len(seq.original), len(seq.noisy), numFrames)
			}
			seq.original, seq.noisy = seq.original[:numFrames], seq.noisy[:numFrames]
		}
		if len(seq.original) < opts.TempPatchSize {
			klog.Warningf("Skipping sequence %q: %d frames, less than the temporal patch size %d",
				seq.name, len(seq.original), opts.TempPatchSize)
			continue
		}
		first, err := image.LoadFrame(seq.original[0])
		if err != nil {
			return nil, err
		}
		seq.height, seq.width = first.Dim(1), first.Dim(2)
		if seq.height < opts.PatchSize || seq.width < opts.PatchSize {
			klog.Warningf("Skipping sequence %q: frames of %dx%d are smaller than the patch size %d",
				seq.name, seq.width, seq.height, opts.PatchSize)
			continue
		}
		ds.sequences = append(ds.sequences, seq)
	}
	if len(ds.sequences) == 0 {
		return nil, errors.Errorf("no usable training sequences found in %q", originalDir)
	}
	klog.V(1).Infof("Training dataset %q: %d sequences", ds.name, len(ds.sequences))
	return ds, nil
}

// Name implements Source.
func (ds *PairedDataset) Name() string { return ds.name }

// NumSequences returns the number of usable sequences.
func (ds *PairedDataset) NumSequences() int { return len(ds.sequences) }

// HasNoisy returns whether batches include noisy crops.
func (ds *PairedDataset) HasNoisy() bool { return len(ds.sequences[0].noisy) > 0 }

// Reset implements Source: it starts the next epoch.
func (ds *PairedDataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.epoch++
	ds.next = 0
}

// SetEpoch sets the epoch of the batches yielded next, and restarts it from its first batch.
// Use it when resuming training at a later epoch, before wrapping the dataset with CustomParallel.
func (ds *PairedDataset) SetEpoch(epoch int) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.epoch = epoch
	ds.next = 0
}

// Yield implements Source. It returns io.EOF after Options.NumBatches batches, until Reset is called.
func (ds *PairedDataset) Yield() (*Batch, error) {
	ds.mu.Lock()
	if ds.next >= ds.opts.NumBatches {
		ds.mu.Unlock()
		return nil, io.EOF
	}
	epoch, batchIdx := ds.epoch, ds.next
	ds.next++
	ds.mu.Unlock()

	rng := rand.New(rand.NewSource(ds.opts.Seed ^ int64(epoch)<<32 ^ int64(batchIdx)*0x9E3779B9))
	return ds.makeBatch(rng)
}

func (ds *PairedDataset) makeBatch(rng *rand.Rand) (*Batch, error) {
	opts := ds.opts
	batch := &Batch{
		Original: tensors.Make(opts.BatchSize, opts.TempPatchSize, image.NumChannels, opts.PatchSize, opts.PatchSize),
	}
	withNoisy := ds.HasNoisy()
	if withNoisy {
		batch.Noisy = tensors.Make(batch.Original.Shape()...)
	}
	for ii := range opts.BatchSize {
		seq := ds.sequences[rng.Intn(len(ds.sequences))]
		numStarts := (len(seq.original)-opts.TempPatchSize)/opts.TempStride + 1
		start := rng.Intn(numStarts) * opts.TempStride
		y := rng.Intn(seq.height - opts.PatchSize + 1)
		x := rng.Intn(seq.width - opts.PatchSize + 1)
		for t := range opts.TempPatchSize {
			if err := cropFrame(seq.original[start+t], y, x, opts.PatchSize, batch.Original.Slice(ii).Slice(t)); err != nil {
				return nil, err
			}
			if withNoisy {
				if err := cropFrame(seq.noisy[start+t], y, x, opts.PatchSize, batch.Noisy.Slice(ii).Slice(t)); err != nil {
					return nil, err
				}
			}
		}
	}
	return batch, nil
}

// cropFrame loads the frame in path and copies the size x size square at (y, x) into
// target, shaped `[channels, size, size]`.
func cropFrame(path string, y, x, size int, target *tensors.Tensor) error {
	frame, err := image.LoadFrame(path)
	if err != nil {
		return err
	}
	height, width := frame.Dim(1), frame.Dim(2)
	if y+size > height || x+size > width {
		return errors.Errorf("frame %q of %dx%d is too small for a crop of %d at (y=%d, x=%d)", path, width, height, size, y, x)
	}
	src, dst := frame.Data(), target.Data()
	for c := range image.NumChannels {
		for row := range size {
			srcPos := c*height*width + (y+row)*width + x
			dstPos := c*size*size + row*size
			copy(dst[dstPos:dstPos+size], src[srcPos:srcPos+size])
		}
	}
	return nil
}

// String implements fmt.Stringer.
func (ds *PairedDataset) String() string {
	return fmt.Sprintf("PairedDataset(%q, %d sequences, %d batches of %d x %d frames of %dx%d)", ds.name,
		len(ds.sequences), ds.opts.NumBatches, ds.opts.BatchSize, ds.opts.TempPatchSize, ds.opts.PatchSize, ds.opts.PatchSize)
}
