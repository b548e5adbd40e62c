// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints implements checkpoint management: saving and loading of the model, the
// optimizer state and the training state.
//
// The main object is the Handler, that should be created by calling Build, followed by the
// various options setting and finally calling Config.Done. Then Attach the variables to save.
//
// A run directory holds a single latest checkpoint, `ckpt.bin`, overwritten at every save. Every
// few epochs (see Config.SaveEveryEpochs) a copy `ckpt_e<epoch>.bin` is kept. A model-only export,
// `net.bin`, is also rewritten at every save.
//
// Example:
//
//	checkpoint, err := checkpoints.Build(cfg.LogDir).RunConfig(cfg).SaveEveryEpochs(cfg.SaveEveryEpochs).Done()
//	if err != nil { … }
//	if err = checkpoint.Attach(model.Variables(), optimizer); err != nil { … }
//	state, err := checkpoint.Resume(cfg.ResumeTraining, cfg.NoOrthog)
//	if err != nil { … }
//	loop.Checkpointer = checkpoint
//	err = loop.Run(source, state)
//
// Each file is one line of JSON metadata (see Checkpoint), followed by the raw little-endian
// values of the variables.
package checkpoints

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gomlx/vdenoise/pkg/config"
	"github.com/gomlx/vdenoise/pkg/ml/train"
	"github.com/gomlx/vdenoise/pkg/ml/variables"
	"github.com/gomlx/vdenoise/pkg/support/fsutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// LatestFileName is the name of the latest checkpoint in the run directory.
	LatestFileName = "ckpt.bin"

	// ExportFileName is the name of the model-only export in the run directory.
	ExportFileName = "net.bin"
)

// HistoryFileName returns the name of the copy kept after the given (1-based) number of epochs.
func HistoryFileName(epochsDone int) string {
	return fmt.Sprintf("ckpt_e%d.bin", epochsDone)
}

// StateVariables is implemented by optimizers whose state is saved along with the model.
type StateVariables interface {
	StateVariables() []*variables.Variable
}

// Config for the checkpoints Handler to be created. This is created with Build() and
// configured with the various methods. Once finished, call Done() and it will output
// a checkpoints.Handler.
type Config struct {
	err error

	dir             string
	saveEveryEpochs int
	float16Export   bool
	runConfig       *config.RunConfig
}

// Build a configuration for building a checkpoints.Handler saving to dir. After configuring the
// Config object returned, call `Done` to get the configured checkpoints.Handler.
func Build(dir string) *Config {
	c := &Config{saveEveryEpochs: 5}
	c.dir, c.err = fsutil.ReplaceTildeInDir(dir)
	return c
}

// SaveEveryEpochs sets how often a copy of the checkpoint is kept: after every n epochs.
// If n <= 0 no copies are kept. The default is 5.
func (c *Config) SaveEveryEpochs(n int) *Config {
	c.saveEveryEpochs = n
	return c
}

// Float16Export stores the model-only export (net.bin) in half-precision. The checkpoints
// themselves are always saved in full precision.
func (c *Config) Float16Export(enabled bool) *Config {
	c.float16Export = enabled
	return c
}

// RunConfig sets the configuration stored along with the checkpoints.
func (c *Config) RunConfig(cfg *config.RunConfig) *Config {
	c.runConfig = cfg
	return c
}

// Done creates a Handler with the current configuration, creating the directory if it doesn't
// exist. It returns an error if the configuration is invalid.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.dir == "" {
		return nil, errors.Errorf("directory for checkpoints not configured or empty")
	}
	dir, err := fsutil.EnsureDir(c.dir)
	if err != nil {
		return nil, err
	}
	c.dir = dir
	h := &Handler{config: c, runID: uuid.NewString()}
	if c.runConfig != nil {
		h.configYAML = c.runConfig.String()
	}
	return h, nil
}

// Handler saves and loads checkpoints of the variables it is attached to. It implements
// train.Checkpointer.
//
// It is created and configured using Build(), followed by options setting and then calling
// Config.Done().
type Handler struct {
	config     *Config
	runID      string
	configYAML string

	modelVars, stateVars []*variables.Variable
}

// String implements fmt.Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q)", h.config.dir)
}

// Dir returns the directory the Handler is configured to.
//
// It returns "" (empty) if the Handler is `nil`.
func (h *Handler) Dir() string {
	if h == nil {
		return ""
	}
	return h.config.dir
}

// RunID identifies the training run. A resumed run keeps the RunID of the checkpoint it restored.
func (h *Handler) RunID() string {
	return h.runID
}

// LatestPath returns the path to the latest checkpoint.
func (h *Handler) LatestPath() string {
	return filepath.Join(h.config.dir, LatestFileName)
}

// Attach the model variables and the optimizer state to the Handler: these are the variables
// saved and restored. Names must be unique.
func (h *Handler) Attach(modelVars []*variables.Variable, optimizer StateVariables) error {
	h.modelVars = modelVars
	h.stateVars = nil
	if optimizer != nil {
		h.stateVars = optimizer.StateVariables()
	}
	_, err := variables.ByName(h.allVars())
	return errors.WithMessagef(err, "%s.Attach()", h)
}

func (h *Handler) allVars() []*variables.Variable {
	all := make([]*variables.Variable, 0, len(h.modelVars)+len(h.stateVars))
	all = append(all, h.modelVars...)
	return append(all, h.stateVars...)
}

// Save the training state and the attached variables. It implements train.Checkpointer.
//
// The latest checkpoint is replaced atomically: a failure leaves the previous one intact.
// When `(epoch+1)` is a multiple of SaveEveryEpochs a copy is also kept, and the model-only
// export is rewritten.
func (h *Handler) Save(state train.TrainingState, epoch int) error {
	if h.modelVars == nil {
		return errors.Errorf("%s not attached to any variables yet, see Handler.Attach", h)
	}
	ckpt := Checkpoint{
		State:   state,
		Epoch:   epoch,
		RunID:   h.runID,
		SavedAt: time.Now(),
		Config:  h.configYAML,
		DType:   Float32,
	}
	all := h.allVars()
	if err := writeFile(h.LatestPath(), ckpt, all); err != nil {
		return errors.WithMessagef(err, "%s.Save()", h)
	}
	epochsDone := epoch + 1
	if n := h.config.saveEveryEpochs; n > 0 && epochsDone%n == 0 {
		historyPath := filepath.Join(h.config.dir, HistoryFileName(epochsDone))
		if err := writeFile(historyPath, ckpt, all); err != nil {
			return errors.WithMessagef(err, "%s.Save()", h)
		}
	}

	export := ckpt
	export.Config = ""
	if h.config.float16Export {
		export.DType = Float16
	}
	if err := writeFile(filepath.Join(h.config.dir, ExportFileName), export, h.modelVars); err != nil {
		return errors.WithMessagef(err, "%s.Save() model export", h)
	}
	klog.V(1).Infof("Saved checkpoint for epoch %d, %s", epoch, state)
	return nil
}

// Load the latest checkpoint. found is false, with no error, if there is no checkpoint saved.
func (h *Handler) Load() (ckpt *Checkpoint, found bool, err error) {
	filePath := h.LatestPath()
	if _, err = os.Stat(filePath); err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errors.Wrapf(err, "%s.Load()", h)
	}
	ckpt, err = Load(filePath)
	if err != nil {
		return nil, false, err
	}
	return ckpt, true, nil
}

// Restore copies the values of the checkpoint into the attached variables, matched by name.
// It fails, before changing anything, if an attached variable is missing from the checkpoint
// or has a different shape.
func (h *Handler) Restore(ckpt *Checkpoint) error {
	all := h.allVars()
	for _, v := range all {
		value, found := ckpt.Value(v.Name)
		if !found {
			return errors.Errorf("%s.Restore(): variable %q not found in checkpoint", h, v.Name)
		}
		if !value.SameShape(v.Value) {
			return errors.Errorf("%s.Restore(): variable %q has shape %s, but checkpoint has shape %s",
				h, v.Name, v.Value, value)
		}
	}
	for _, v := range all {
		value, _ := ckpt.Value(v.Name)
		if err := v.Value.CopyFrom(value); err != nil {
			return errors.WithMessagef(err, "%s.Restore(%q)", h, v.Name)
		}
	}
	if ckpt.RunID != "" {
		h.runID = ckpt.RunID
	}
	return nil
}

// Resume returns the training state to start the run from.
//
// If resume is true and a checkpoint exists, its values are restored into the attached variables
// and its state is returned. Otherwise, it returns the state of a fresh run: if resume is true
// but there is no checkpoint, only a warning is logged.
func (h *Handler) Resume(resume, noOrthog bool) (train.TrainingState, error) {
	fresh := train.NewTrainingState(noOrthog)
	if !resume {
		return fresh, nil
	}
	ckpt, found, err := h.Load()
	if err != nil {
		return fresh, err
	}
	if !found {
		klog.Warningf("Resume requested, but no checkpoint found in %q: starting a new run", h.config.dir)
		return fresh, nil
	}
	if err = h.Restore(ckpt); err != nil {
		return fresh, err
	}
	klog.Infof("Resuming run %s from %q: %s", h.runID, h.LatestPath(), ckpt.State)
	return ckpt.State, nil
}
