package train

import (
	"math"
	"testing"
	"time"

	"github.com/gomlx/vdenoise/pkg/config"
	"github.com/gomlx/vdenoise/pkg/ml/data"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nan() float64 { return math.NaN() }

func TestTrainStepNoiseModes(t *testing.T) {
	cfg := testConfig(1, 1, 10)
	model := newFakeModel()
	optimizer := &fakeOptimizer{vars: model.Variables(), rate: 1e-3}

	// Pre-noised pairs: the input is the normalized noisy crop.
	trainer := NewTrainer(model, optimizer, cfg)
	result, err := trainer.TrainStep(mustYield(t, newFakeSource(1)))
	require.NoError(t, err)
	assert.Equal(t, []int{testBatchSize, testFrames * testChannels, testSize, testSize}, result.Input.Shape())
	assert.Equal(t, result.Clean.Shape(), result.Input.Shape())
	assert.NotEqual(t, result.Clean.Data(), result.Input.Data())
	assert.Equal(t, []int{testBatchSize, testChannels, testSize, testSize}, result.GroundTruth.Shape())
	assert.Len(t, result.NoiseStd, testBatchSize)
	lo, hi := cfg.NoiseInterval()
	for _, std := range result.NoiseStd {
		assert.GreaterOrEqual(t, float64(std), lo-1e-6)
		assert.LessOrEqual(t, float64(std), hi+1e-6)
	}
	assert.Equal(t, 1, optimizer.numSteps)

	source := newFakeSource(1)
	source.noisy = false
	_, err = trainer.TrainStep(mustYield(t, source))
	require.Error(t, err)

	// Synthetic noise: works without noisy sequences.
	cfg.NoiseMode = config.SyntheticNoise
	trainer = NewTrainer(model, optimizer, cfg)
	source = newFakeSource(1)
	source.noisy = false
	result, err = trainer.TrainStep(mustYield(t, source))
	require.NoError(t, err)
	assert.NotEqual(t, result.Clean.Data(), result.Input.Data())
	assert.False(t, math.IsNaN(result.Loss))
}

func TestTrainStepLoss(t *testing.T) {
	cfg := testConfig(1, 1, 10)
	model := newFakeModel()
	optimizer := &fakeOptimizer{vars: model.Variables(), rate: 0}
	trainer := NewTrainer(model, optimizer, cfg)
	result, err := trainer.TrainStep(mustYield(t, newFakeSource(1)))
	require.NoError(t, err)

	var sse float64
	for ii, v := range result.Output.Data() {
		d := float64(v - result.GroundTruth.Data()[ii])
		sse += d * d
	}
	assert.InDelta(t, sse/(2*testBatchSize), result.Loss, 1e-4)
}

func TestTrainerSetEpoch(t *testing.T) {
	cfg := testConfig(3, 1, 10)
	cfg.NoiseMode = config.SyntheticNoise
	newTrainer := func() *Trainer {
		model := newFakeModel()
		return NewTrainer(model, &fakeOptimizer{vars: model.Variables()}, cfg)
	}
	trainStep := func(trainer *Trainer) *StepResult {
		source := newFakeSource(1)
		source.noisy = false
		result, err := trainer.TrainStep(mustYield(t, source))
		require.NoError(t, err)
		return result
	}

	// Trainer that ran epochs 0 and 1 before epoch 2.
	continued := newTrainer()
	epoch0 := trainStep(continued)
	continued.SetEpoch(1)
	trainStep(continued)
	continued.SetEpoch(2)
	want := trainStep(continued)

	// Trainer of a run resumed at epoch 2.
	resumed := newTrainer()
	resumed.SetEpoch(2)
	got := trainStep(resumed)
	assert.Equal(t, want.NoiseStd, got.NoiseStd)
	assert.Equal(t, want.Transform, got.Transform)
	assert.Equal(t, want.Input.Data(), got.Input.Data())
	assert.NotEqual(t, epoch0.NoiseStd, got.NoiseStd)

	// Back to epoch 0 draws the same values again.
	resumed.SetEpoch(0)
	assert.Equal(t, epoch0.NoiseStd, trainStep(resumed).NoiseStd)
}

func TestFormatElapsed(t *testing.T) {
	assert.Equal(t, "00:00:00", FormatElapsed(0))
	assert.Equal(t, "01:01:01", FormatElapsed(3661*time.Second))
	assert.Equal(t, "00:00:02", FormatElapsed(1600*time.Millisecond))
	assert.Equal(t, "100:00:00", FormatElapsed(100*time.Hour))
}

func TestPhaseAndStateStrings(t *testing.T) {
	assert.Equal(t, "RunningMinibatch", RunningMinibatch.String())
	assert.Equal(t, "Phase(17)", Phase(17).String())
	state := TrainingState{Epoch: 3, Step: 120, StartEpoch: 3}
	assert.Equal(t, "TrainingState{epoch=3, step=120, start_epoch=3, no_orthog=false}", state.String())
}

func mustYield(t *testing.T, source *fakeSource) *data.Batch {
	batch, err := source.Yield()
	require.NoError(t, err)
	return batch
}
