package commandline

import (
	"bytes"
	"io"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/gomlx/vdenoise/pkg/config"
	"github.com/gomlx/vdenoise/pkg/core/tensors"
	"github.com/gomlx/vdenoise/pkg/ml/data"
	"github.com/gomlx/vdenoise/pkg/ml/train"
	"github.com/gomlx/vdenoise/pkg/ml/train/optimizers"
	"github.com/gomlx/vdenoise/pkg/models/dvdnet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// randomSource yields numBatches random batches per epoch.
type randomSource struct {
	numBatches, yielded int
	rng                 *rand.Rand
}

func (s *randomSource) Name() string { return "random" }
func (s *randomSource) Reset()       { s.yielded = 0 }

func (s *randomSource) Yield() (*data.Batch, error) {
	if s.yielded >= s.numBatches {
		return nil, io.EOF
	}
	s.yielded++
	original := tensors.Make(2, 3, 3, 4, 4)
	noisy := tensors.Make(2, 3, 3, 4, 4)
	for ii := range original.Data() {
		original.Data()[ii] = float32(s.rng.Intn(256))
		noisy.Data()[ii] = min(255, original.Data()[ii]+float32(s.rng.Intn(20)))
	}
	return &data.Batch{Original: original, Noisy: noisy}, nil
}

type constantSchedule float64

func (s constantSchedule) Rate(int) (float64, bool) { return float64(s), false }

func TestProgressBar(t *testing.T) {
	cfg := config.Default()
	cfg.Epochs = 2
	cfg.BatchSize = 2
	cfg.PatchSize = 4
	cfg.TempPatchSize = 3
	cfg.MaxNumberPatches = 3 * cfg.BatchSize

	model, err := dvdnet.New(dvdnet.Config{NumFrames: 3, Channels: 3, Filters: 4, Seed: 1})
	require.NoError(t, err)
	optimizer, err := optimizers.Adam().LearningRate(cfg.LR).Done(model.Variables())
	require.NoError(t, err)
	loop := train.NewLoop(train.NewTrainer(model, optimizer, cfg), constantSchedule(cfg.LR), cfg)

	savedPeriod := RefreshPeriod
	RefreshPeriod = 0
	defer func() { RefreshPeriod = savedPeriod }()
	var out bytes.Buffer
	attachProgressBar(loop, &out, func() (name, value string) { return "Source", "random" })

	source := &randomSource{numBatches: 3, rng: rand.New(rand.NewSource(1))}
	require.NoError(t, loop.Run(source, train.NewTrainingState(false)))

	output := out.String()
	assert.Contains(t, output, "Global Step")
	assert.Contains(t, output, "6 of 6")
	assert.Contains(t, output, "2 of 2 (batch 3 of 3)")
	assert.Contains(t, output, "Median train step duration")
	assert.Contains(t, output, "Source")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.23s", FormatDuration(1234567890*time.Nanosecond))
	assert.Equal(t, "250.00ms", FormatDuration(250*time.Millisecond))
	assert.Equal(t, "0.00s", FormatDuration(0))
	assert.Equal(t, "1.50µs", FormatDuration(1500*time.Nanosecond))
	assert.Equal(t, "1m31s", FormatDuration(90*time.Second+700*time.Millisecond))
}

func TestConfigTable(t *testing.T) {
	cfg := config.Default()
	table, err := ConfigTable(cfg)
	require.NoError(t, err)
	assert.Contains(t, table, "batch_size")
	assert.Contains(t, table, "[50 60]")
	assert.Less(t, strings.Index(table, "batch_size"), strings.Index(table, "epochs"), "keys are sorted")

	var buf bytes.Buffer
	require.NoError(t, ReportConfig(&buf, cfg))
	assert.True(t, strings.HasPrefix(buf.String(), "Run configuration:"))
}
