// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/vdenoise/pkg/ml/checkpoints"
	"github.com/gomlx/vdenoise/pkg/ml/variables"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

var (
	flagVars           = flag.Bool("vars", false, "Lists the variables of the checkpoint, with statistics of their values.")
	flagResetOptimizer = flag.Bool("reset_optimizer", false,
		"Zeros the optimizer state (Adam moments and step counter) of the latest checkpoint of each run, "+
			"and saves it. Training resumed from it starts the moving averages anew.")
	flagPerturbVars = flag.Float64("perturb", 0,
		"Perturbs trainable variables of the latest checkpoint of each run by <x>: it multiplies the weights by "+
			"1.0+(RandomUniform(-1, 1)*x), and saves it. Consider also -reset_optimizer.")
	flagPerturbSeed = flag.Int64("perturb_seed", 42, "Random seed used by -perturb.")
)

// VariableStats of the values of a variable.
type VariableStats struct {
	// MAV is the mean absolute value, RMS the root-mean-square and MaxAV the maximum absolute value.
	MAV, RMS, MaxAV float64
}

// ComputeStats of the given values.
func ComputeStats(values []float32) VariableStats {
	if len(values) == 0 {
		return VariableStats{}
	}
	x := make([]float64, len(values))
	for ii, v := range values {
		x[ii] = float64(v)
	}
	n := float64(len(x))
	return VariableStats{
		MAV:   floats.Norm(x, 1) / n,
		RMS:   floats.Norm(x, 2) / math.Sqrt(n),
		MaxAV: floats.Norm(x, math.Inf(1)),
	}
}

// variablesRows returns one row per variable of the checkpoint, sorted by kind and name.
func variablesRows(ckpt *checkpoints.Checkpoint) [][]string {
	bytesPerValue := ckpt.DType.BytesPerValue()
	rows := make([][]string, 0, len(ckpt.Variables))
	for _, info := range ckpt.Variables {
		value, found := ckpt.Value(info.Name)
		if !found {
			rows = append(rows, []string{info.Kind.String(), info.Name, "<missing>", "", "", "", "", ""})
			continue
		}
		var mav, rms, maxAV string
		if value.Size() == 1 {
			mav = fmt.Sprintf("%8v", value.Data()[0])
		} else {
			stats := ComputeStats(value.Data())
			mav = fmt.Sprintf("%.3g", stats.MAV)
			rms = fmt.Sprintf("%.3g", stats.RMS)
			maxAV = fmt.Sprintf("%.3g", stats.MaxAV)
		}
		rows = append(rows, []string{
			info.Kind.String(), info.Name, fmt.Sprintf("%v", info.Dimensions),
			humanize.Comma(int64(value.Size())),
			humanize.Bytes(uint64(value.Size() * bytesPerValue)),
			mav, rms, maxAV,
		})
	}
	slices.SortFunc(rows, func(a, b []string) int {
		if cmp := strings.Compare(a[0], b[0]); cmp != 0 {
			return cmp
		}
		return strings.Compare(a[1], b[1])
	})
	return rows
}

// ListVariables of a checkpoint, with their shape and MAV (mean absolute value), RMS
// (root-mean-square) and MaxAV (max absolute value) values.
func ListVariables(ckpt *checkpoints.Checkpoint, name string) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Variables of %q", name)))
	table := newTable(true, nil)
	table.Headers("Kind", "Name", "Shape", "Size", "Bytes", "Scalar/MAV", "RMS", "MaxAV")
	for _, row := range variablesRows(ckpt) {
		table.Row(row...)
	}
	fmt.Println(table.Render())
	if *flagGlossary {
		fmt.Printf("  %s:\n", sectionStyle.Render("Glossary"))
		fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("Scalar/MAV"), italicStyle.Render("If variable is a scalar then the value itself, else the Mean Absolute Value"))
		fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("RMS"), italicStyle.Render("Root Mean Square"))
		fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("MaxAV"), italicStyle.Render("Max Absolute Value"))
	}
}

// stateVariables implements checkpoints.StateVariables for the optimizer variables read from
// a checkpoint.
type stateVariables []*variables.Variable

func (s stateVariables) StateVariables() []*variables.Variable { return s }

// editableCheckpoint is the latest checkpoint of a run, loaded into variables that can be
// modified and saved back.
type editableCheckpoint struct {
	handler   *checkpoints.Handler
	ckpt      *checkpoints.Checkpoint
	modelVars []*variables.Variable
	stateVars stateVariables
}

func loadEditable(runDir string) (*editableCheckpoint, error) {
	ckpt, err := checkpoints.Load(filepath.Join(runDir, checkpoints.LatestFileName))
	if err != nil {
		return nil, err
	}
	cfg, err := ckpt.RunConfig()
	if err != nil {
		return nil, errors.WithMessagef(err, "run %q", runDir)
	}
	// No history copies: the edited checkpoint only replaces the latest one and the export.
	handler, err := checkpoints.Build(runDir).
		SaveEveryEpochs(0).
		Float16Export(cfg.ExportFloat16).
		RunConfig(cfg).
		Done()
	if err != nil {
		return nil, err
	}
	e := &editableCheckpoint{handler: handler, ckpt: ckpt}
	for _, info := range ckpt.Variables {
		v := variables.New(info.Name, info.Kind, info.Dimensions...)
		if v.Trainable() {
			e.modelVars = append(e.modelVars, v)
		} else {
			e.stateVars = append(e.stateVars, v)
		}
	}
	if err = handler.Attach(e.modelVars, e.stateVars); err != nil {
		return nil, err
	}
	if err = handler.Restore(ckpt); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *editableCheckpoint) save() error {
	return e.handler.Save(e.ckpt.State, e.ckpt.Epoch)
}

// ResetOptimizer zeros the optimizer state of the latest checkpoint of the run.
func ResetOptimizer(runDir string) error {
	e, err := loadEditable(runDir)
	if err != nil {
		return err
	}
	for _, v := range e.stateVars {
		v.Value.Fill(0)
	}
	if err = e.save(); err != nil {
		return err
	}
	fmt.Printf("%d optimizer variables of %q reset, new checkpoint saved.\n", len(e.stateVars), runDir)
	return nil
}

// PerturbVars multiplies each trainable value of the latest checkpoint of the run by a
// random factor in [1-x, 1+x].
func PerturbVars(runDir string, x float64, seed int64) error {
	e, err := loadEditable(runDir)
	if err != nil {
		return err
	}
	rng := rand.New(rand.NewSource(seed))
	for _, v := range e.modelVars {
		values := v.Value.Data()
		for ii := range values {
			perturbation := 1.0 + (2*rng.Float64()-1)*x
			values[ii] = float32(float64(values[ii]) * perturbation)
		}
	}
	if err = e.save(); err != nil {
		return err
	}
	fmt.Printf("%d variables of %q updated, new checkpoint saved.\n", len(e.modelVars), runDir)
	return nil
}
