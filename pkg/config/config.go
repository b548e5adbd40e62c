// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds RunConfig, the immutable snapshot of the hyperparameters of a
// training run.
//
// A RunConfig is built once at process start: Default values, then optionally a YAML file
// (LoadYAML), then command-line flags and finally "k=v;..." overrides (ParseSettings).
// It is validated once with RunConfig.Validate and treated as read-only afterward.
package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/vdenoise/pkg/support/fsutil"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// PixelRange is the maximum raw pixel value. Noise levels are configured in this scale.
const PixelRange = 255.0

// NoiseMode selects what the model receives as noisy input during training.
type NoiseMode int

const (
	// PreNoisedPair uses the recorded noisy sequence, paired by name with the clean one.
	PreNoisedPair NoiseMode = iota

	// SyntheticNoise adds Gaussian noise with the drawn standard deviation to the clean sequence.
	SyntheticNoise
)

var noiseModeNames = []string{"prenoised", "synthetic"}

// String implements fmt.Stringer and flag.Value.
func (m NoiseMode) String() string {
	if int(m) >= 0 && int(m) < len(noiseModeNames) {
		return noiseModeNames[m]
	}
	return fmt.Sprintf("NoiseMode(%d)", int(m))
}

// Set implements flag.Value.
func (m *NoiseMode) Set(value string) error {
	idx := slices.Index(noiseModeNames, strings.ToLower(strings.TrimSpace(value)))
	if idx < 0 {
		return errors.Errorf("unknown noise mode %q, valid values are %q", value, noiseModeNames)
	}
	*m = NoiseMode(idx)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (m NoiseMode) MarshalYAML() (any, error) {
	return m.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (m *NoiseMode) UnmarshalYAML(node *yaml.Node) error {
	var name string
	if err := node.Decode(&name); err != nil {
		return err
	}
	return m.Set(name)
}

// RunConfig is the full set of hyperparameters of a training run.
//
// Noise levels (NoiseIval, ValNoiseL) are given in the 0-255 pixel scale; use NoiseInterval
// and ValNoise to get them normalized to [0, 1].
type RunConfig struct {
	BatchSize        int       `yaml:"batch_size"`
	Epochs           int       `yaml:"epochs"`
	ResumeTraining   bool      `yaml:"resume_training"`
	Milestone        []int     `yaml:"milestone"`
	LR               float64   `yaml:"lr"`
	NoOrthog         bool      `yaml:"no_orthog"`
	SaveEvery        int       `yaml:"save_every"`
	SaveEveryEpochs  int       `yaml:"save_every_epochs"`
	NoiseIval        []float64 `yaml:"noise_ival"`
	ValNoiseL        float64   `yaml:"val_noiseL"`
	PatchSize        int       `yaml:"patch_size"`
	TempPatchSize    int       `yaml:"temp_patch_size"`
	MaxNumberPatches int       `yaml:"max_number_patches"`

	LogDir              string `yaml:"log_dir"`
	TrainsetDirOriginal string `yaml:"trainset_dir_original"`
	TrainsetDirNoisy    string `yaml:"trainset_dir_noisy"`
	ValsetDir           string `yaml:"valset_dir"`

	NoiseMode NoiseMode `yaml:"noise_mode"`
	Seed      int64     `yaml:"seed"`

	// Workers is the number of goroutines used to prefetch batches and to run examples
	// of a batch in parallel. 0 means the number of CPUs.
	Workers int `yaml:"workers"`

	// Filters is the number of feature channels of the hidden convolutions.
	Filters int `yaml:"filters"`

	// MaxValFrames limits the number of frames read per validation sequence. 0 means no limit.
	MaxValFrames int `yaml:"max_val_frames"`

	// DumpSteps lists global steps at which the inputs and outputs of the batch are written
	// as images to DumpDir, for debugging.
	DumpSteps []int  `yaml:"dump_steps"`
	DumpDir   string `yaml:"dump_dir"`

	// ExportFloat16 stores the model-only export in half-precision.
	ExportFloat16 bool `yaml:"export_float16"`

	// Progress shows a progress bar in the terminal.
	Progress bool `yaml:"progress"`
}

// Default returns the default configuration.
func Default() *RunConfig {
	return &RunConfig{
		BatchSize:        64,
		Epochs:           80,
		Milestone:        []int{50, 60},
		LR:               1e-3,
		SaveEvery:        10,
		SaveEveryEpochs:  5,
		NoiseIval:        []float64{5, 55},
		ValNoiseL:        25,
		PatchSize:        96,
		TempPatchSize:    5,
		MaxNumberPatches: 256000,
		LogDir:           "logs",
		NoiseMode:        PreNoisedPair,
		Seed:             42,
		Filters:          32,
		MaxValFrames:     15,
		DumpDir:          "dump",
		Progress:         true,
	}
}

// Clone returns a deep copy of the configuration.
func (c *RunConfig) Clone() *RunConfig {
	c2 := *c
	c2.Milestone = slices.Clone(c.Milestone)
	c2.NoiseIval = slices.Clone(c.NoiseIval)
	c2.DumpSteps = slices.Clone(c.DumpSteps)
	return &c2
}

// NoiseInterval returns the training noise standard deviation interval, normalized to [0, 1].
func (c *RunConfig) NoiseInterval() (lo, hi float64) {
	return c.NoiseIval[0] / PixelRange, c.NoiseIval[1] / PixelRange
}

// ValNoise returns the validation noise standard deviation, normalized to [0, 1].
func (c *RunConfig) ValNoise() float64 {
	return c.ValNoiseL / PixelRange
}

// CentralFrame returns the index of the frame being denoised within a temporal patch.
func (c *RunConfig) CentralFrame() int {
	return c.TempPatchSize / 2
}

// StepsPerEpoch returns the number of batches in one training epoch.
func (c *RunConfig) StepsPerEpoch() int {
	return c.MaxNumberPatches / c.BatchSize
}

// Validate checks the consistency of the configuration, including the existence of the
// dataset directories. It returns the first problem found.
func (c *RunConfig) Validate() error {
	if err := c.ValidateHyperparameters(); err != nil {
		return err
	}
	dirs := [][2]string{
		{"trainset_dir_original", c.TrainsetDirOriginal},
		{"valset_dir", c.ValsetDir},
	}
	if c.NoiseMode == PreNoisedPair {
		dirs = append(dirs, [2]string{"trainset_dir_noisy", c.TrainsetDirNoisy})
	}
	for _, pair := range dirs {
		name, dir := pair[0], pair[1]
		if dir == "" {
			return errors.Errorf("%s must be set", name)
		}
		expanded, err := fsutil.ReplaceTildeInDir(dir)
		if err != nil {
			return errors.WithMessagef(err, "invalid %s", name)
		}
		if !fsutil.IsDir(expanded) {
			return errors.Errorf("%s=%q is not an existing directory", name, dir)
		}
	}
	return nil
}

// ValidateHyperparameters checks the numeric settings only, without touching the filesystem.
func (c *RunConfig) ValidateHyperparameters() error {
	positive := []struct {
		name  string
		value int
	}{
		{"batch_size", c.BatchSize},
		{"epochs", c.Epochs},
		{"save_every", c.SaveEvery},
		{"save_every_epochs", c.SaveEveryEpochs},
		{"patch_size", c.PatchSize},
		{"temp_patch_size", c.TempPatchSize},
		{"filters", c.Filters},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return errors.Errorf("%s must be > 0, got %d", p.name, p.value)
		}
	}
	if len(c.Milestone) != 2 {
		return errors.Errorf("milestone requires exactly 2 values, got %v", c.Milestone)
	}
	if !(c.Milestone[0] < c.Milestone[1] && c.Milestone[1] < c.Epochs) {
		return errors.Errorf("milestones must satisfy milestone[0] < milestone[1] < epochs, got milestone=%v and epochs=%d",
			c.Milestone, c.Epochs)
	}
	if c.Milestone[0] < 0 {
		return errors.Errorf("milestones must be >= 0, got %v", c.Milestone)
	}
	if c.LR <= 0 {
		return errors.Errorf("lr must be > 0, got %g", c.LR)
	}
	if len(c.NoiseIval) != 2 {
		return errors.Errorf("noise_ival requires exactly 2 values, got %v", c.NoiseIval)
	}
	if c.NoiseIval[0] < 0 || c.NoiseIval[0] > c.NoiseIval[1] {
		return errors.Errorf("noise_ival must satisfy 0 <= lo <= hi, got %v", c.NoiseIval)
	}
	if c.ValNoiseL < 0 {
		return errors.Errorf("val_noiseL must be >= 0, got %g", c.ValNoiseL)
	}
	if c.TempPatchSize%2 != 1 {
		return errors.Errorf("temp_patch_size must be odd, so there is a central frame, got %d", c.TempPatchSize)
	}
	if c.MaxNumberPatches < c.BatchSize {
		return errors.Errorf("max_number_patches (%d) must be >= batch_size (%d)", c.MaxNumberPatches, c.BatchSize)
	}
	if c.Workers < 0 || c.MaxValFrames < 0 {
		return errors.Errorf("workers and max_val_frames must be >= 0, got %d and %d", c.Workers, c.MaxValFrames)
	}
	if c.MaxValFrames > 0 && c.MaxValFrames < c.TempPatchSize {
		return errors.Errorf("max_val_frames (%d) must be 0 or >= temp_patch_size (%d)", c.MaxValFrames, c.TempPatchSize)
	}
	for _, s := range c.DumpSteps {
		if s < 0 {
			return errors.Errorf("dump_steps must be >= 0, got %v", c.DumpSteps)
		}
	}
	return nil
}

// String returns the configuration in YAML format.
func (c *RunConfig) String() string {
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("RunConfig(<failed to marshal: %v>)", err)
	}
	return string(out)
}
