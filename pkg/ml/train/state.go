// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"
	"time"
)

// TrainingState is the progress of a training run. It is owned by the Loop and persisted
// in checkpoints, so a resumed run continues exactly where it stopped.
type TrainingState struct {
	// Epoch currently (or last) being run.
	Epoch int `json:"epoch"`

	// Step is the global step: the number of optimization steps taken so far in the run,
	// including the ones before a resume.
	Step int `json:"step"`

	// NoOrthog suspends the orthogonalization of the filters.
	NoOrthog bool `json:"no_orthog"`

	// StartEpoch is one past the last epoch completed and checkpointed: where a resumed run starts.
	StartEpoch int `json:"start_epoch"`
}

// NewTrainingState returns the state of a fresh run.
func NewTrainingState(noOrthog bool) TrainingState {
	return TrainingState{NoOrthog: noOrthog}
}

// String implements fmt.Stringer.
func (s TrainingState) String() string {
	return fmt.Sprintf("TrainingState{epoch=%d, step=%d, start_epoch=%d, no_orthog=%v}",
		s.Epoch, s.Step, s.StartEpoch, s.NoOrthog)
}

// Phase of the Loop state machine.
type Phase int

const (
	// Initializing is the phase before the first epoch starts, while the OnStart hooks run.
	Initializing Phase = iota

	// RunningEpoch is set when an epoch starts, before its first minibatch.
	RunningEpoch

	// RunningMinibatch is the phase of the training steps of an epoch.
	RunningMinibatch

	// Validating is the phase of the validation pass at the end of an epoch.
	Validating

	// Checkpointed is set once the epoch is validated and its checkpoint saved.
	Checkpointed

	// Finished is set after the last epoch, before the OnEnd hooks run.
	Finished
)

var phaseNames = []string{"Initializing", "RunningEpoch", "RunningMinibatch", "Validating", "Checkpointed", "Finished"}

// String implements fmt.Stringer.
func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// FormatElapsed formats a duration as "HH:MM:SS".
func FormatElapsed(d time.Duration) string {
	seconds := int(d.Round(time.Second).Seconds())
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, (seconds/60)%60, seconds%60)
}
