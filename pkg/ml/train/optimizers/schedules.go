// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"fmt"

	"github.com/pkg/errors"
)

// MilestoneSchedule is a step-decay learning rate schedule: the base rate is divided by 10
// at the first milestone epoch and by 100 from the second one on.
//
// It also signals the epochs where the rate drops, so the caller can suspend the
// orthogonalization of the filters for that epoch.
type MilestoneSchedule struct {
	base       float64
	milestones [2]int
}

// NewMilestoneSchedule validates the milestones (milestones[0] < milestones[1] < epochs) and
// the base rate (> 0) and returns the schedule.
func NewMilestoneSchedule(base float64, milestones []int, epochs int) (*MilestoneSchedule, error) {
	if base <= 0 {
		return nil, errors.Errorf("base learning rate must be > 0, got %g", base)
	}
	if len(milestones) != 2 {
		return nil, errors.Errorf("MilestoneSchedule requires exactly 2 milestones, got %v", milestones)
	}
	if !(0 <= milestones[0] && milestones[0] < milestones[1] && milestones[1] < epochs) {
		return nil, errors.Errorf("milestones must satisfy 0 <= milestones[0] < milestones[1] < epochs, got %v and epochs=%d",
			milestones, epochs)
	}
	return &MilestoneSchedule{base: base, milestones: [2]int{milestones[0], milestones[1]}}, nil
}

// Rate returns the learning rate for the epoch, and whether the epoch is exactly one of the
// milestones (where the rate just dropped).
func (s *MilestoneSchedule) Rate(epoch int) (rate float64, resetOrthog bool) {
	switch {
	case epoch < s.milestones[0]:
		rate = s.base
	case epoch < s.milestones[1]:
		rate = s.base / 10
	default:
		rate = s.base / 100
	}
	resetOrthog = epoch == s.milestones[0] || epoch == s.milestones[1]
	return
}

// String implements fmt.Stringer.
func (s *MilestoneSchedule) String() string {
	return fmt.Sprintf("MilestoneSchedule(base=%g, milestones=%v)", s.base, s.milestones)
}
