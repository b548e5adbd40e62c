// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"io"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ParallelDataset is a wrapper around a Source that parallelizes calls to Yield.
// See details in CustomParallel.
type ParallelDataset struct {
	Source Source

	name string

	// parallelism is the number of goroutines started generating batches.
	parallelism int

	// extraBufferSize is the size of the buffer of pre-generated batches.
	extraBufferSize int

	impl *parallelDatasetImpl
}

var _ Source = (*ParallelDataset)(nil)

type yieldUnit struct {
	batch *Batch
}

// parallelDatasetImpl separates the running state of ParallelDataset from its configuration.
type parallelDatasetImpl struct {
	source      Source
	parallelism int

	err   error
	muErr sync.Mutex

	buffer                                chan yieldUnit
	epochFinished, stopEpoch, stopDataset chan struct{}
}

// CustomParallel builds a ParallelDataset around any thread-safe Source, like PairedDataset,
// that can be further configured (see Parallelism and Buffer). One has to call Start before
// actually using it, and Done when exiting to avoid leaking goroutines.
//
// The order of the yields is not preserved: batches are yielded as soon as they are ready.
func CustomParallel(source Source) *ParallelDataset {
	pd := &ParallelDataset{
		name:   source.Name(),
		Source: source,
	}
	pd.Parallelism(0)
	return pd
}

// Parallelism is the number of goroutines to start, each calling `Yield()` in parallel.
// If set to 0 (the default) it uses the number of cores in the system plus 1.
//
// This must be called before Start. It returns the updated ParallelDataset, so calls can be cascaded.
func (pd *ParallelDataset) Parallelism(n int) *ParallelDataset {
	if pd.impl != nil {
		klog.Errorf("ParallelDataset invalid configuration change after Start has been called.")
		return pd
	}
	if n <= 0 {
		n = runtime.NumCPU() + 1
	}
	pd.parallelism = n
	return pd
}

// Buffer reserved in the channel that collects the parallel yields.
//
// This must be called before Start. It returns the updated ParallelDataset, so calls can be cascaded.
func (pd *ParallelDataset) Buffer(n int) *ParallelDataset {
	if pd.impl != nil {
		klog.Errorf("ParallelDataset invalid configuration change after Start has been called.")
		return pd
	}
	pd.extraBufferSize = n
	return pd
}

// Start the generating goroutines. After Start its configuration can no longer be changed.
func (pd *ParallelDataset) Start() *ParallelDataset {
	if pd.impl != nil {
		klog.Errorf("ParallelDataset.Start called more than once!?")
		return pd
	}
	pd.impl = &parallelDatasetImpl{
		source:      pd.Source,
		parallelism: pd.parallelism,
		buffer:      make(chan yieldUnit, pd.extraBufferSize),
		stopDataset: make(chan struct{}),
	}
	pd.impl.startGoRoutines()
	return pd
}

func (impl *parallelDatasetImpl) startGoRoutines() {
	impl.epochFinished = make(chan struct{})
	impl.stopEpoch = make(chan struct{})
	stopEpoch := impl.stopEpoch
	var wg sync.WaitGroup
	for range impl.parallelism {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stopEpoch:
					return
				case <-impl.stopDataset:
					return
				default:
					// Move forward and generate the next batch.
				}
				batch, err := impl.source.Yield()
				if err == io.EOF {
					return
				}
				if err != nil {
					// Fatal error, stop everything.
					impl.muErr.Lock()
					if impl.err == nil {
						klog.Errorf("ParallelDataset: %+v", err)
						impl.err = err
						close(impl.stopDataset)
					}
					impl.muErr.Unlock()
					return
				}
				select {
				case <-stopEpoch:
					return
				case <-impl.stopDataset:
					return
				case impl.buffer <- yieldUnit{batch: batch}:
					// Batch generated and buffered, move to the next.
				}
			}
		}()
	}

	// Controller: closes epochFinished once all generators exit.
	epochFinished := impl.epochFinished
	go func() {
		wg.Wait()
		close(epochFinished)
	}()
}

// Name implements Source.
func (pd *ParallelDataset) Name() string {
	return pd.name
}

// Done stops the generating goroutines and waits for them to finish.
func (pd *ParallelDataset) Done() {
	impl := pd.impl
	if impl == nil {
		return
	}
	pd.impl = nil
	impl.muErr.Lock()
	select {
	case <-impl.stopDataset:
	default:
		close(impl.stopDataset)
	}
	impl.muErr.Unlock()
	<-impl.epochFinished
}

// Reset implements Source: it stops the current generation, discards buffered batches, resets
// the underlying Source and starts generating again.
func (pd *ParallelDataset) Reset() {
	impl := pd.impl
	if impl == nil {
		klog.Warningf("ParallelDataset.Reset was called before Start or after Done")
		return
	}
	close(impl.stopEpoch)
drain:
	for {
		select {
		case <-impl.epochFinished:
			break drain
		case <-impl.buffer:
			// Discard remaining entries.
		}
	}
	for len(impl.buffer) > 0 {
		<-impl.buffer
	}
	select {
	case <-impl.stopDataset:
		// A failure happened, Yield will report it.
		return
	default:
	}
	impl.source.Reset()
	impl.startGoRoutines()
}

// Yield implements Source.
func (pd *ParallelDataset) Yield() (*Batch, error) {
	impl := pd.impl
	if impl == nil {
		return nil, errors.Errorf("ParallelDataset.Yield was called before Start or after Done")
	}
	var unit yieldUnit
	select {
	case <-impl.stopDataset:
		impl.muErr.Lock()
		err := impl.err
		impl.muErr.Unlock()
		if err == nil {
			err = errors.New("ParallelDataset was stopped")
		}
		return nil, errors.WithMessagef(err, "ParallelDataset(%q)", pd.name)
	case unit = <-impl.buffer:
	case <-impl.epochFinished:
		// No more batches being produced until Reset, but the buffer still needs exhausting.
		select {
		case unit = <-impl.buffer:
		default:
			return nil, io.EOF
		}
	}
	return unit.batch, nil
}
