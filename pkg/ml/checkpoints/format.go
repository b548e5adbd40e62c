// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gomlx/vdenoise/pkg/config"
	"github.com/gomlx/vdenoise/pkg/core/tensors"
	"github.com/gomlx/vdenoise/pkg/ml/train"
	"github.com/gomlx/vdenoise/pkg/ml/variables"
	"github.com/pkg/errors"
)

// DType of the values stored in a checkpoint file.
type DType string

const (
	Float32 DType = "float32"
	Float16 DType = "float16"
)

// BytesPerValue returns the storage size of one value, or 0 if dtype is unknown.
func (dtype DType) BytesPerValue() int {
	switch dtype {
	case Float32:
		return 4
	case Float16:
		return 2
	}
	return 0
}

// VariableInfo describes a variable stored in a checkpoint file.
type VariableInfo struct {
	Name       string         `json:"name"`
	Kind       variables.Kind `json:"kind"`
	Dimensions []int          `json:"dimensions"`

	// Pos, Length in bytes in the payload, which starts right after the metadata line.
	Pos    int `json:"pos"`
	Length int `json:"length"`
}

// Checkpoint is the content of a checkpoint file: the training state, the configuration
// of the run and the values of the variables.
type Checkpoint struct {
	State   train.TrainingState `json:"state"`
	Epoch   int                 `json:"epoch"`
	RunID   string              `json:"run_id"`
	SavedAt time.Time           `json:"saved_at"`

	// Config is the YAML configuration of the run that saved the checkpoint. It is empty for
	// model-only exports.
	Config string `json:"config,omitempty"`

	DType     DType          `json:"dtype"`
	Variables []VariableInfo `json:"variables"`

	values map[string]*tensors.Tensor
}

// Value returns the value of the named variable.
func (ckpt *Checkpoint) Value(name string) (value *tensors.Tensor, found bool) {
	value, found = ckpt.values[name]
	return
}

// RunConfig parses the configuration stored in the checkpoint.
func (ckpt *Checkpoint) RunConfig() (*config.RunConfig, error) {
	if ckpt.Config == "" {
		return nil, errors.New("checkpoint has no configuration stored")
	}
	return config.FromYAML([]byte(ckpt.Config))
}

// NumParameters returns the number of values of the variables of the given kinds, or of all
// variables if no kind is given.
func (ckpt *Checkpoint) NumParameters(kinds ...variables.Kind) int {
	var n int
	for _, info := range ckpt.Variables {
		if len(kinds) > 0 && !containsKind(kinds, info.Kind) {
			continue
		}
		n += ckpt.values[info.Name].Size()
	}
	return n
}

func containsKind(kinds []variables.Kind, kind variables.Kind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Load reads a checkpoint file, as written by Handler.Save.
func Load(filePath string) (*Checkpoint, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open checkpoint %q", filePath)
	}
	defer func() { _ = f.Close() }()
	ckpt, err := decode(bufio.NewReader(f))
	if err != nil {
		return nil, errors.WithMessagef(err, "checkpoint %q", filePath)
	}
	return ckpt, nil
}

// decode reads the metadata line and then the payload of each variable.
func decode(r *bufio.Reader) (*Checkpoint, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, errors.Wrap(err, "failed to read metadata")
	}
	ckpt := &Checkpoint{}
	if err = json.Unmarshal(line, ckpt); err != nil {
		return nil, errors.Wrap(err, "failed to decode metadata")
	}
	bytesPerValue := ckpt.DType.BytesPerValue()
	if bytesPerValue == 0 {
		return nil, errors.Errorf("unsupported dtype %q", ckpt.DType)
	}
	ckpt.values = make(map[string]*tensors.Tensor, len(ckpt.Variables))
	pos := 0
	for _, info := range ckpt.Variables {
		value := tensors.Make(info.Dimensions...)
		if info.Pos != pos || info.Length != bytesPerValue*value.Size() {
			return nil, errors.Errorf("variable %q has invalid position/length (%d, %d) for shape %v, expected (%d, %d)",
				info.Name, info.Pos, info.Length, info.Dimensions, pos, bytesPerValue*value.Size())
		}
		raw := make([]byte, info.Length)
		if _, err = io.ReadFull(r, raw); err != nil {
			return nil, errors.Wrapf(err, "failed to read variable %q at position %d", info.Name, info.Pos)
		}
		if ckpt.DType == Float16 {
			err = value.SetFloat16Bytes(raw)
		} else {
			err = value.SetBytes(raw)
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "variable %q", info.Name)
		}
		if _, duplicate := ckpt.values[info.Name]; duplicate {
			return nil, errors.Errorf("variable %q stored more than once", info.Name)
		}
		ckpt.values[info.Name] = value
		pos += info.Length
	}
	return ckpt, nil
}

// writeFile atomically writes the checkpoint metadata and the values of vars, laid out by name,
// to filePath: it writes to a temporary file in the same directory and then renames it.
func writeFile(filePath string, ckpt Checkpoint, vars []*variables.Variable) (err error) {
	bytesPerValue := ckpt.DType.BytesPerValue()
	if bytesPerValue == 0 {
		return errors.Errorf("unsupported dtype %q", ckpt.DType)
	}
	vars = variables.Sorted(vars)
	ckpt.Variables = make([]VariableInfo, 0, len(vars))
	pos := 0
	for _, v := range vars {
		length := bytesPerValue * v.Value.Size()
		ckpt.Variables = append(ckpt.Variables, VariableInfo{
			Name:       v.Name,
			Kind:       v.Kind,
			Dimensions: v.Value.Shape(),
			Pos:        pos,
			Length:     length,
		})
		pos += length
	}
	metadata, err := json.Marshal(&ckpt)
	if err != nil {
		return errors.Wrap(err, "failed to encode checkpoint metadata")
	}

	f, err := os.CreateTemp(filepath.Dir(filePath), "."+filepath.Base(filePath)+".*.tmp")
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary file for %q", filePath)
	}
	tmpPath := f.Name()
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmpPath)
		}
	}()
	w := bufio.NewWriter(f)
	if _, err = w.Write(append(metadata, '\n')); err != nil {
		return errors.Wrapf(err, "failed to write %q", tmpPath)
	}
	for _, v := range vars {
		var raw []byte
		if ckpt.DType == Float16 {
			raw = v.Value.Float16Bytes()
		} else {
			raw = v.Value.Bytes()
		}
		if _, err = w.Write(raw); err != nil {
			return errors.Wrapf(err, "failed to write variable %q to %q", v.Name, tmpPath)
		}
	}
	if err = w.Flush(); err != nil {
		return errors.Wrapf(err, "failed to flush %q", tmpPath)
	}
	if err = f.Sync(); err != nil {
		return errors.Wrapf(err, "failed to sync %q", tmpPath)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %q", tmpPath)
	}
	if err = os.Rename(tmpPath, filePath); err != nil {
		return errors.Wrapf(err, "failed to rename %q to %q", tmpPath, filePath)
	}
	return nil
}
