// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/vdenoise/pkg/ml/checkpoints"
	"github.com/gomlx/vdenoise/pkg/ml/train/optimizers"
	"github.com/gomlx/vdenoise/pkg/ml/variables"
)

// summaryRows returns the rows of the summary table: the first column is the label, followed
// by one column per checkpoint.
func summaryRows(ckpts []*checkpoints.Checkpoint, names []string) [][]string {
	newRow := func(label string) []string {
		row := make([]string, len(ckpts)+1)
		row[0] = label
		return row
	}
	rows := [][]string{append([]string{"checkpoint"}, names...)}
	runID, savedAt, dtype := newRow("run id"), newRow("saved at"), newRow("dtype")
	epoch, startEpoch, globalStep := newRow("epoch"), newRow("start epoch"), newRow("global step")
	noOrthog, learningRate := newRow("no orthogonalization"), newRow("learning rate")
	numVars, numParams, numState, numBytes := newRow("# variables"), newRow("# parameters"), newRow("# optimizer values"), newRow("# bytes")
	for ii, ckpt := range ckpts {
		col := ii + 1
		runID[col] = ckpt.RunID
		savedAt[col] = ckpt.SavedAt.Format(time.DateTime)
		dtype[col] = string(ckpt.DType)
		epoch[col] = fmt.Sprintf("%d", ckpt.State.Epoch)
		startEpoch[col] = fmt.Sprintf("%d", ckpt.State.StartEpoch)
		globalStep[col] = humanize.Comma(int64(ckpt.State.Step))
		noOrthog[col] = fmt.Sprintf("%v", ckpt.State.NoOrthog)
		learningRate[col] = nextLearningRate(ckpt)

		numVars[col] = humanize.Comma(int64(len(ckpt.Variables)))
		numParams[col] = humanize.Comma(int64(ckpt.NumParameters(variables.ConvFilter, variables.Bias)))
		numState[col] = humanize.Comma(int64(ckpt.NumParameters(variables.OptimizerState)))
		numBytes[col] = humanize.Bytes(uint64(ckpt.NumParameters() * ckpt.DType.BytesPerValue()))
	}
	return append(rows, runID, savedAt, dtype, epoch, startEpoch, globalStep, noOrthog, learningRate,
		numVars, numParams, numState, numBytes)
}

// nextLearningRate is the learning rate of the epoch a resumed run would start with, or an
// empty string if it can't be determined.
func nextLearningRate(ckpt *checkpoints.Checkpoint) string {
	cfg, err := ckpt.RunConfig()
	if err != nil {
		return ""
	}
	schedule, err := optimizers.NewMilestoneSchedule(cfg.LR, cfg.Milestone, cfg.Epochs)
	if err != nil {
		return ""
	}
	rate, _ := schedule.Rate(min(ckpt.State.StartEpoch, cfg.Epochs-1))
	return fmt.Sprintf("%.2g", rate)
}

// Summary prints the training state and sizes of the checkpoints.
func Summary(ckpts []*checkpoints.Checkpoint, names []string) {
	fmt.Println(titleStyle.Render("Summary"))
	table := newTable(false, nil, lipgloss.Right, lipgloss.Left)
	for _, row := range summaryRows(ckpts, names) {
		table.Row(row...)
	}
	fmt.Println(table.Render())
}
