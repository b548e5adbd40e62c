// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"
	"slices"
	"time"
)

type everyNSteps struct {
	n  int
	fn OnStepFn
}

func (eN *everyNSteps) onStep(loop *Loop, result *StepResult) error {
	if loop.State.Step%eN.n != 0 {
		return nil
	}
	return eN.fn(loop, result)
}

// EveryNSteps registers a OnStep hook on the loop that is called whenever the global step
// (loop.State.Step, counted from the start of the run) is a multiple of n, including step 0.
//
// Since it uses the global step, the cadence is preserved across resumed runs.
// If n <= 0 the hook is never called.
func EveryNSteps(loop *Loop, n int, name string, priority Priority, fn OnStepFn) {
	if n <= 0 {
		return
	}
	eN := &everyNSteps{n: n, fn: fn}
	fullName := fmt.Sprintf("EveryNSteps(%d): %s", n, name)
	loop.OnStep(fullName, priority, eN.onStep)
}

// AtSteps registers a OnStep hook on the loop that is called only at the given global steps.
func AtSteps(loop *Loop, steps []int, name string, priority Priority, fn OnStepFn) {
	if len(steps) == 0 {
		return
	}
	steps = slices.Clone(steps)
	slices.Sort(steps)
	fullName := fmt.Sprintf("AtSteps(%v): %s", steps, name)
	loop.OnStep(fullName, priority, func(loop *Loop, result *StepResult) error {
		if _, found := slices.BinarySearch(steps, loop.State.Step); !found {
			return nil
		}
		return fn(loop, result)
	})
}

type periodicCallback struct {
	last    time.Time
	period  time.Duration
	started bool
	fn      OnStepFn
}

func (p *periodicCallback) onStep(loop *Loop, result *StepResult) error {
	if !p.started {
		// Start the clock.
		p.started = true
		p.last = time.Now()
		return nil
	}
	elapsed := time.Since(p.last)
	if elapsed < p.period {
		return nil
	}

	err := p.fn(loop, result)
	p.last = time.Now()
	return err
}

// PeriodicCallback registers an `OnStep` hook on the loop that is called every period of time.
// The period counts after the execution of `OnStep`: this discounts the time to run `OnStep` (in case it is expensive)
// and it discounts cases where the execution is paused. By other hand, OnStep is not executed exactly at every `period`
// time.
//
// If callOnEnd is set, it will also call at the end of the loop, with the last step result.
func PeriodicCallback(loop *Loop, period time.Duration, callOnEnd bool, name string, priority Priority, fn OnStepFn) {
	p := &periodicCallback{
		period: period,
		fn:     fn,
	}
	fullName := fmt.Sprintf("PeriodicCallback(%s): %s", period, name)
	loop.OnStep(fullName, priority, p.onStep)
	if callOnEnd {
		loop.OnEnd(fullName, priority, func(loop *Loop) error {
			if loop.LastResult == nil {
				return nil
			}
			return p.fn(loop, loop.LastResult)
		})
	}
}
