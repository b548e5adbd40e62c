package checkpoints

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/vdenoise/pkg/config"
	"github.com/gomlx/vdenoise/pkg/ml/train"
	"github.com/gomlx/vdenoise/pkg/ml/variables"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOptimizer struct {
	state []*variables.Variable
}

func (o *fakeOptimizer) StateVariables() []*variables.Variable { return o.state }

func makeVars(seed float32) ([]*variables.Variable, *fakeOptimizer) {
	w := variables.New("conv1/weights", variables.ConvFilter, 2, 3, 3, 3)
	b := variables.New("conv1/biases", variables.Bias, 2)
	m := variables.New("adam/m/conv1/weights", variables.OptimizerState, 2, 3, 3, 3)
	steps := variables.New("adam/num_steps", variables.OptimizerState)
	for ii := range w.Value.Data() {
		w.Value.Data()[ii] = seed * float32(math.Sin(float64(ii)))
		m.Value.Data()[ii] = seed / float32(ii+1)
	}
	b.Value.Data()[0], b.Value.Data()[1] = seed, float32(math.Pi)
	steps.Value.Data()[0] = 17
	return []*variables.Variable{w, b}, &fakeOptimizer{state: []*variables.Variable{m, steps}}
}

func TestSaveAndRestore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	cfg := config.Default()
	cfg.LR = 3e-4
	h, err := Build(dir).RunConfig(cfg).SaveEveryEpochs(2).Done()
	require.NoError(t, err)
	modelVars, optimizer := makeVars(1.5)
	require.NoError(t, h.Attach(modelVars, optimizer))

	_, found, err := h.Load()
	require.NoError(t, err)
	assert.False(t, found)

	state := train.TrainingState{Epoch: 3, Step: 1234, StartEpoch: 4, NoOrthog: true}
	require.NoError(t, h.Save(state, 3))
	assert.FileExists(t, filepath.Join(dir, LatestFileName))
	assert.FileExists(t, filepath.Join(dir, HistoryFileName(4)))
	assert.FileExists(t, filepath.Join(dir, ExportFileName))
	assert.NoFileExists(t, filepath.Join(dir, HistoryFileName(3)))

	// New handler, different values: restore must bring back the saved ones bit-exactly.
	h2, err := Build(dir).Done()
	require.NoError(t, err)
	otherModelVars, otherOptimizer := makeVars(-7)
	require.NoError(t, h2.Attach(otherModelVars, otherOptimizer))
	ckpt, found, err := h2.Load()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, state, ckpt.State)
	assert.Equal(t, 3, ckpt.Epoch)
	assert.Equal(t, h.RunID(), ckpt.RunID)
	require.NoError(t, h2.Restore(ckpt))
	for ii, v := range modelVars {
		assert.Equal(t, v.Value.Data(), otherModelVars[ii].Value.Data(), v.Name)
	}
	for ii, v := range optimizer.state {
		assert.Equal(t, v.Value.Data(), otherOptimizer.state[ii].Value.Data(), v.Name)
	}
	assert.Equal(t, h.RunID(), h2.RunID())

	restoredCfg, err := ckpt.RunConfig()
	require.NoError(t, err)
	assert.Equal(t, 3e-4, restoredCfg.LR)
	assert.Equal(t, 2*27+2, ckpt.NumParameters(variables.ConvFilter, variables.Bias))
	assert.Equal(t, 2*27+2+2*27+1, ckpt.NumParameters())
}

func TestSaveOverwrites(t *testing.T) {
	dir := t.TempDir()
	h, err := Build(dir).SaveEveryEpochs(0).Done()
	require.NoError(t, err)
	modelVars, optimizer := makeVars(1)
	require.NoError(t, h.Attach(modelVars, optimizer))
	require.NoError(t, h.Save(train.TrainingState{Step: 10, StartEpoch: 0}, 0))
	require.NoError(t, h.Save(train.TrainingState{Step: 10, StartEpoch: 1}, 0))

	ckpt, err := Load(h.LatestPath())
	require.NoError(t, err)
	assert.Equal(t, 1, ckpt.State.StartEpoch)

	// Only the latest and the export: no temporary files or history copies left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	assert.ElementsMatch(t, []string{LatestFileName, ExportFileName}, names)
}

func TestFloat16Export(t *testing.T) {
	dir := t.TempDir()
	h, err := Build(dir).Float16Export(true).Done()
	require.NoError(t, err)
	modelVars, optimizer := makeVars(0.5)
	require.NoError(t, h.Attach(modelVars, optimizer))
	require.NoError(t, h.Save(train.TrainingState{}, 0))

	export, err := Load(filepath.Join(dir, ExportFileName))
	require.NoError(t, err)
	assert.Equal(t, Float16, export.DType)
	assert.Len(t, export.Variables, 2, "only model variables are exported")
	bias, found := export.Value("conv1/biases")
	require.True(t, found)
	assert.Equal(t, float32(0.5), bias.Data()[0])
	assert.InDelta(t, math.Pi, bias.Data()[1], 2e-3)
	_, err = export.RunConfig()
	require.Error(t, err)
}

func TestRestoreMismatch(t *testing.T) {
	dir := t.TempDir()
	h, err := Build(dir).Done()
	require.NoError(t, err)
	modelVars, optimizer := makeVars(1)
	require.NoError(t, h.Attach(modelVars, optimizer))
	require.NoError(t, h.Save(train.TrainingState{}, 0))
	ckpt, _, err := h.Load()
	require.NoError(t, err)

	// Different shape.
	other := []*variables.Variable{
		variables.New("conv1/weights", variables.ConvFilter, 4, 3, 3, 3),
		variables.New("conv1/biases", variables.Bias, 2),
	}
	require.NoError(t, h.Attach(other, nil))
	require.Error(t, h.Restore(ckpt))
	assert.Equal(t, float32(0), other[1].Value.Data()[0], "nothing changed on failure")

	// Missing variable.
	missing := []*variables.Variable{variables.New("conv2/weights", variables.ConvFilter, 2, 3, 3, 3)}
	require.NoError(t, h.Attach(missing, nil))
	require.Error(t, h.Restore(ckpt))

	// Duplicate names.
	require.Error(t, h.Attach([]*variables.Variable{modelVars[0], modelVars[0]}, nil))
}

func TestResume(t *testing.T) {
	dir := t.TempDir()
	h, err := Build(dir).Done()
	require.NoError(t, err)
	modelVars, optimizer := makeVars(2)
	require.NoError(t, h.Attach(modelVars, optimizer))

	// Nothing saved yet: fresh state, even if resume is requested.
	state, err := h.Resume(true, true)
	require.NoError(t, err)
	assert.Equal(t, train.NewTrainingState(true), state)

	saved := train.TrainingState{Epoch: 1, Step: 50, StartEpoch: 2}
	require.NoError(t, h.Save(saved, 1))
	state, err = h.Resume(false, false)
	require.NoError(t, err)
	assert.Equal(t, train.NewTrainingState(false), state)
	state, err = h.Resume(true, false)
	require.NoError(t, err)
	assert.Equal(t, saved, state)
}

func TestSaveRequiresAttach(t *testing.T) {
	h, err := Build(t.TempDir()).Done()
	require.NoError(t, err)
	require.Error(t, h.Save(train.TrainingState{}, 0))
}

func TestLoadCorrupted(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), LatestFileName)
	require.NoError(t, os.WriteFile(filePath, []byte("{\"dtype\":\"float32\",\"variables\":[{\"name\":\"x\",\"kind\":\"Bias\",\"dimensions\":[4],\"pos\":0,\"length\":16}]}\n\x00\x00"), 0660))
	_, err := Load(filePath)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filePath, []byte("{\"dtype\":\"int8\"}\n"), 0660))
	_, err = Load(filePath)
	require.Error(t, err)
}
