package train

import (
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/gomlx/vdenoise/pkg/config"
	"github.com/gomlx/vdenoise/pkg/core/tensors"
	"github.com/gomlx/vdenoise/pkg/ml/data"
	"github.com/gomlx/vdenoise/pkg/ml/train/metrics"
	"github.com/gomlx/vdenoise/pkg/ml/variables"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testBatchSize = 2
	testFrames    = 3
	testChannels  = 3
	testSize      = 4
)

// fakeModel outputs the central frame of its input plus a learned bias.
type fakeModel struct {
	filter, bias *variables.Variable
	training     bool
	nanOutput    bool
}

func newFakeModel() *fakeModel {
	m := &fakeModel{
		filter: variables.New("conv/weights", variables.ConvFilter, 1, 2, 1, 1),
		bias:   variables.New("conv/biases", variables.Bias, 1),
	}
	copy(m.filter.Value.Data(), []float32{3, 4})
	return m
}

func (m *fakeModel) Forward(input, noiseMap *tensors.Tensor) (*tensors.Tensor, error) {
	central := testFrames / 2
	out := input.Narrow(1, central*testChannels, testChannels)
	b := m.bias.Value.Data()[0]
	for ii := range out.Data() {
		out.Data()[ii] += b
		if m.nanOutput {
			out.Data()[ii] = float32(nan())
		}
	}
	return out, nil
}

func (m *fakeModel) Backward(gradOutput *tensors.Tensor) error {
	var sum float32
	for _, g := range gradOutput.Data() {
		sum += g
	}
	m.bias.Grad.Data()[0] += sum
	return nil
}

func (m *fakeModel) SetTraining(training bool) { m.training = training }

func (m *fakeModel) Variables() []*variables.Variable { return []*variables.Variable{m.filter, m.bias} }

// fakeOptimizer is plain gradient descent.
type fakeOptimizer struct {
	vars     []*variables.Variable
	rate     float64
	numSteps int
}

func (o *fakeOptimizer) ZeroGradients() {
	for _, v := range o.vars {
		v.ZeroGrad()
	}
}

func (o *fakeOptimizer) Step() error {
	o.numSteps++
	for _, v := range o.vars {
		for ii, g := range v.Grad.Data() {
			v.Value.Data()[ii] -= float32(o.rate) * g
		}
	}
	return nil
}

func (o *fakeOptimizer) SetLearningRate(rate float64) { o.rate = rate }

func (o *fakeOptimizer) LearningRate() float64 { return o.rate }

func (o *fakeOptimizer) StateVariables() []*variables.Variable { return nil }

// fakeSource yields numBatches random batches per epoch.
type fakeSource struct {
	numBatches, yielded, resets int
	noisy                       bool
	rng                         *rand.Rand
}

func newFakeSource(numBatches int) *fakeSource {
	return &fakeSource{numBatches: numBatches, noisy: true, rng: rand.New(rand.NewSource(7))}
}

func (s *fakeSource) Name() string { return "fake" }

func (s *fakeSource) Reset() {
	s.resets++
	s.yielded = 0
}

func (s *fakeSource) Yield() (*data.Batch, error) {
	if s.yielded >= s.numBatches {
		return nil, io.EOF
	}
	s.yielded++
	dims := []int{testBatchSize, testFrames, testChannels, testSize, testSize}
	batch := &data.Batch{Original: tensors.Make(dims...)}
	for ii := range batch.Original.Data() {
		batch.Original.Data()[ii] = float32(s.rng.Intn(256))
	}
	if s.noisy {
		batch.Noisy = batch.Original.Clone()
		for ii := range batch.Noisy.Data() {
			batch.Noisy.Data()[ii] += float32(s.rng.NormFloat64() * 10)
		}
	}
	return batch, nil
}

type scheduleFn func(epoch int) (float64, bool)

func (fn scheduleFn) Rate(epoch int) (float64, bool) { return fn(epoch) }

func constantSchedule(rate float64) Schedule {
	return scheduleFn(func(int) (float64, bool) { return rate, false })
}

type savedState struct {
	State TrainingState
	Epoch int
	Phase Phase
}

type fakeCheckpointer struct {
	loop  *Loop
	saves []savedState
}

func (c *fakeCheckpointer) Save(state TrainingState, epoch int) error {
	c.saves = append(c.saves, savedState{State: state, Epoch: epoch, Phase: c.loop.Phase()})
	return nil
}

type fakeValidator struct {
	loop          *Loop
	calls         []int
	phases        []Phase
	err           error
	panicMessage  string
	lastTrainSeen bool
}

func (v *fakeValidator) Validate(epoch, step int, learningRate float64, lastTrain *StepResult) error {
	v.calls = append(v.calls, epoch)
	v.phases = append(v.phases, v.loop.Phase())
	v.lastTrainSeen = lastTrain != nil
	if v.panicMessage != "" {
		panic(errors.New(v.panicMessage))
	}
	return v.err
}

type scalarPoint struct {
	Metric string
	Step   int
}

type fakeSink struct {
	scalars []scalarPoint
	closed  bool
}

func (s *fakeSink) AddScalar(metric metrics.Descriptor, value float64, epoch, step int) error {
	s.scalars = append(s.scalars, scalarPoint{Metric: metric.ShortName, Step: step})
	return nil
}

func (s *fakeSink) AddImage(tag string, img *tensors.Tensor, epoch, step int) error { return nil }

func (s *fakeSink) Close() error {
	s.closed = true
	return nil
}

func testConfig(epochs, stepsPerEpoch, saveEvery int) *config.RunConfig {
	cfg := config.Default()
	cfg.Epochs = epochs
	cfg.BatchSize = testBatchSize
	cfg.TempPatchSize = testFrames
	cfg.PatchSize = testSize
	cfg.MaxNumberPatches = stepsPerEpoch * testBatchSize
	cfg.SaveEvery = saveEvery
	return cfg
}

func newTestLoop(cfg *config.RunConfig, schedule Schedule) (*Loop, *fakeModel, *fakeOptimizer) {
	model := newFakeModel()
	optimizer := &fakeOptimizer{vars: model.Variables()}
	loop := NewLoop(NewTrainer(model, optimizer, cfg), schedule, cfg)
	return loop, model, optimizer
}

func TestLoopStepCadence(t *testing.T) {
	cfg := testConfig(5, 5, 10)
	loop, model, optimizer := newTestLoop(cfg, constantSchedule(1e-3))
	sink := &fakeSink{}
	loop.Sink = sink
	var calledAt []int
	EveryNSteps(loop, 10, "record", 0, func(loop *Loop, result *StepResult) error {
		calledAt = append(calledAt, loop.State.Step)
		return nil
	})
	source := newFakeSource(5)
	require.NoError(t, loop.Run(source, NewTrainingState(false)))

	assert.Equal(t, []int{0, 10, 20}, calledAt)
	assert.Equal(t, 25, loop.State.Step)
	assert.Equal(t, 25, optimizer.numSteps)
	assert.Equal(t, 5, source.resets)
	assert.Equal(t, Finished, loop.Phase())
	assert.True(t, sink.closed)
	assert.False(t, model.training)

	// Loss and PSNR reported at the same global steps.
	assert.Equal(t, []scalarPoint{
		{"loss", 0}, {"psnr_train", 0},
		{"loss", 10}, {"psnr_train", 10},
		{"loss", 20}, {"psnr_train", 20},
	}, sink.scalars)

	// Filter was orthogonalized: [3, 4] -> [0.6, 0.8].
	assert.InDeltaSlice(t, []float32{0.6, 0.8}, model.filter.Value.Data(), 1e-5)
}

func TestLoopOrthogonalizationSuspended(t *testing.T) {
	cfg := testConfig(2, 3, 1)
	cfg.NoOrthog = true
	loop, model, _ := newTestLoop(cfg, constantSchedule(1e-3))
	require.NoError(t, loop.Run(newFakeSource(3), NewTrainingState(cfg.NoOrthog)))
	assert.Equal(t, []float32{3, 4}, model.filter.Value.Data())
}

func TestLoopMilestoneResetsOrthogonalization(t *testing.T) {
	cfg := testConfig(3, 2, 1)
	schedule := scheduleFn(func(epoch int) (float64, bool) {
		return 1e-3, epoch == 1
	})
	loop, _, optimizer := newTestLoop(cfg, schedule)
	noOrthogPerEpoch := make(map[int]bool)
	var rates []float64
	loop.OnStep("record", 0, func(loop *Loop, _ *StepResult) error {
		noOrthogPerEpoch[loop.State.Epoch] = loop.State.NoOrthog
		rates = append(rates, optimizer.LearningRate())
		return nil
	})
	require.NoError(t, loop.Run(newFakeSource(2), NewTrainingState(false)))
	assert.Equal(t, map[int]bool{0: false, 1: true, 2: false}, noOrthogPerEpoch)
	assert.Len(t, rates, 6)
}

func TestLoopEndOfEpoch(t *testing.T) {
	cfg := testConfig(2, 2, 10)
	loop, _, _ := newTestLoop(cfg, constantSchedule(1e-3))
	checkpointer := &fakeCheckpointer{loop: loop}
	validator := &fakeValidator{loop: loop, err: errors.New("validation set is gone")}
	loop.Checkpointer = checkpointer
	loop.Validator = validator
	var stepPhases []Phase
	loop.OnStep("phase", 0, func(loop *Loop, _ *StepResult) error {
		stepPhases = append(stepPhases, loop.Phase())
		return nil
	})
	var epochEndPhases []Phase
	loop.OnEpochEnd("phase", 0, func(loop *Loop, epoch int) error {
		epochEndPhases = append(epochEndPhases, loop.Phase())
		return nil
	})

	// Validation errors don't interrupt training.
	require.NoError(t, loop.Run(newFakeSource(2), NewTrainingState(false)))
	assert.Equal(t, []int{0, 1}, validator.calls)
	assert.Equal(t, []Phase{Validating, Validating}, validator.phases)
	assert.True(t, validator.lastTrainSeen)
	assert.Equal(t, []Phase{RunningMinibatch, RunningMinibatch, RunningMinibatch, RunningMinibatch}, stepPhases)
	assert.Equal(t, []Phase{Checkpointed, Checkpointed}, epochEndPhases)

	// Two saves per epoch: before validation, and after advancing StartEpoch.
	require.Len(t, checkpointer.saves, 4)
	assert.Equal(t, 0, checkpointer.saves[0].State.StartEpoch)
	assert.Equal(t, 1, checkpointer.saves[1].State.StartEpoch)
	assert.Equal(t, 1, checkpointer.saves[2].State.StartEpoch)
	assert.Equal(t, 2, checkpointer.saves[3].State.StartEpoch)
	for ii, saved := range checkpointer.saves {
		assert.Equal(t, ii/2, saved.Epoch)
		assert.Equal(t, 2*(ii/2+1), saved.State.Step)
	}
}

func TestLoopValidationPanicIsIsolated(t *testing.T) {
	cfg := testConfig(2, 1, 10)
	loop, _, _ := newTestLoop(cfg, constantSchedule(1e-3))
	validator := &fakeValidator{loop: loop, panicMessage: "boom"}
	loop.Validator = validator
	require.NoError(t, loop.Run(newFakeSource(1), NewTrainingState(false)))
	assert.Equal(t, []int{0, 1}, validator.calls)
}

func TestLoopResume(t *testing.T) {
	// Uninterrupted run.
	cfg := testConfig(4, 3, 2)
	loop, _, _ := newTestLoop(cfg, constantSchedule(1e-3))
	wantDraws := make(map[int][][]float32)
	loop.OnStep("draws", 0, func(loop *Loop, result *StepResult) error {
		wantDraws[loop.State.Epoch] = append(wantDraws[loop.State.Epoch], result.NoiseStd)
		return nil
	})
	require.NoError(t, loop.Run(newFakeSource(3), NewTrainingState(false)))
	want := loop.State

	// Run 2 epochs, then resume from the last checkpoint up to 4.
	cfg = testConfig(2, 3, 2)
	loop, _, _ = newTestLoop(cfg, constantSchedule(1e-3))
	checkpointer := &fakeCheckpointer{loop: loop}
	loop.Checkpointer = checkpointer
	require.NoError(t, loop.Run(newFakeSource(3), NewTrainingState(false)))
	saved := checkpointer.saves[len(checkpointer.saves)-1].State
	assert.Equal(t, 2, saved.StartEpoch)
	assert.Equal(t, 6, saved.Step)

	cfg = testConfig(4, 3, 2)
	loop, _, _ = newTestLoop(cfg, constantSchedule(1e-3))
	var epochs []int
	var steps []int
	draws := make(map[int][][]float32)
	loop.OnStep("record", 0, func(loop *Loop, result *StepResult) error {
		epochs = append(epochs, loop.State.Epoch)
		steps = append(steps, loop.State.Step)
		draws[loop.State.Epoch] = append(draws[loop.State.Epoch], result.NoiseStd)
		return nil
	})
	require.NoError(t, loop.Run(newFakeSource(3), saved))
	assert.Equal(t, want, loop.State)
	// Noise levels of the resumed epochs are those of the uninterrupted run, not a replay of epoch 0.
	assert.Equal(t, wantDraws[2], draws[2])
	assert.Equal(t, wantDraws[3], draws[3])
	assert.NotEqual(t, wantDraws[0], draws[2])
	assert.Equal(t, []int{2, 2, 2, 3, 3, 3}, epochs)
	assert.Equal(t, []int{6, 7, 8, 9, 10, 11}, steps)
	assert.Equal(t, 12, loop.TotalSteps())
}

func TestLoopNothingToTrain(t *testing.T) {
	cfg := testConfig(2, 3, 2)
	loop, _, optimizer := newTestLoop(cfg, constantSchedule(1e-3))
	state := TrainingState{Epoch: 1, Step: 6, StartEpoch: 2}
	require.NoError(t, loop.Run(newFakeSource(3), state))
	assert.Equal(t, 0, optimizer.numSteps)
	assert.Equal(t, Finished, loop.Phase())
}

func TestLoopNonFiniteLoss(t *testing.T) {
	cfg := testConfig(2, 3, 2)
	loop, model, optimizer := newTestLoop(cfg, constantSchedule(1e-3))
	checkpointer := &fakeCheckpointer{loop: loop}
	loop.Checkpointer = checkpointer
	model.nanOutput = true
	err := loop.Run(newFakeSource(3), NewTrainingState(false))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNonFiniteLoss)
	assert.Equal(t, 0, optimizer.numSteps)
	assert.Empty(t, checkpointer.saves)
	assert.Equal(t, 0, loop.State.Step)
}

func TestLoopHookErrors(t *testing.T) {
	cfg := testConfig(2, 3, 2)
	loop, _, _ := newTestLoop(cfg, constantSchedule(1e-3))
	sink := &fakeSink{}
	loop.Sink = sink
	loop.OnStep("failing", 0, func(loop *Loop, _ *StepResult) error {
		if loop.State.Step == 4 {
			return errors.New("disk full")
		}
		return nil
	})
	err := loop.Run(newFakeSource(3), NewTrainingState(false))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `OnStep(hook "failing")`)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 4, loop.State.Step)
	assert.True(t, sink.closed, "sink is closed even on errors")
}

func TestHookPriorities(t *testing.T) {
	cfg := testConfig(1, 1, 10)
	loop, _, _ := newTestLoop(cfg, constantSchedule(1e-3))
	var order []string
	record := func(name string) OnStepFn {
		return func(*Loop, *StepResult) error {
			order = append(order, name)
			return nil
		}
	}
	loop.OnStep("b", 10, record("b"))
	loop.OnStep("a", -10, record("a"))
	loop.OnStep("c", 10, record("c"))
	var ended bool
	loop.OnEnd("end", 0, func(*Loop) error {
		ended = true
		return nil
	})
	require.NoError(t, loop.Run(newFakeSource(1), NewTrainingState(false)))
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.True(t, ended)
}

func TestAtSteps(t *testing.T) {
	cfg := testConfig(2, 4, 10)
	loop, _, _ := newTestLoop(cfg, constantSchedule(1e-3))
	var calledAt []int
	AtSteps(loop, []int{6, 1, 100}, "dump", 0, func(loop *Loop, _ *StepResult) error {
		calledAt = append(calledAt, loop.State.Step)
		return nil
	})
	require.NoError(t, loop.Run(newFakeSource(4), NewTrainingState(false)))
	assert.Equal(t, []int{1, 6}, calledAt)
}

func TestPeriodicCallbackOnEnd(t *testing.T) {
	cfg := testConfig(1, 2, 10)
	loop, _, _ := newTestLoop(cfg, constantSchedule(1e-3))
	var calls int
	PeriodicCallback(loop, time.Hour, true, "report", 0, func(*Loop, *StepResult) error {
		calls++
		return nil
	})
	require.NoError(t, loop.Run(newFakeSource(2), NewTrainingState(false)))
	assert.Equal(t, 1, calls, "only the call at the end")
}

func TestMedianTrainStepDuration(t *testing.T) {
	cfg := testConfig(1, 3, 10)
	loop, _, _ := newTestLoop(cfg, constantSchedule(1e-3))
	assert.Equal(t, time.Millisecond, loop.MedianTrainStepDuration())
	require.NoError(t, loop.Run(newFakeSource(3), NewTrainingState(false)))
	assert.Greater(t, loop.MedianTrainStepDuration(), time.Duration(0))
}
