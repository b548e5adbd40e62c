package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/vdenoise/pkg/config"
	"github.com/gomlx/vdenoise/pkg/core/tensors"
	"github.com/gomlx/vdenoise/pkg/core/tensors/image"
	"github.com/gomlx/vdenoise/pkg/ml/checkpoints"
	"github.com/gomlx/vdenoise/ui/framedump"
	"github.com/gomlx/vdenoise/ui/margaid"
	"github.com/gomlx/vdenoise/ui/plots"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeSequence writes numFrames random frames of size x size pixels to dir/name.
func writeSequence(t *testing.T, dir, name string, numFrames, size int, rng *rand.Rand) {
	for frame := range numFrames {
		img := tensors.Make(image.NumChannels, size, size)
		for ii := range img.Data() {
			img.Data()[ii] = float32(rng.Intn(256))
		}
		require.NoError(t, image.Save(img, 255, filepath.Join(dir, name, fmt.Sprintf("frame-%03d.png", frame))))
	}
}

func testConfig(t *testing.T) *config.RunConfig {
	root := t.TempDir()
	rng := rand.New(rand.NewSource(7))
	cfg := config.Default()
	cfg.TrainsetDirOriginal = filepath.Join(root, "train", "original")
	cfg.TrainsetDirNoisy = filepath.Join(root, "train", "noisy")
	cfg.ValsetDir = filepath.Join(root, "val")
	cfg.LogDir = filepath.Join(root, "logs")
	cfg.DumpDir = filepath.Join(root, "dump")
	writeSequence(t, cfg.TrainsetDirOriginal, "seq", 5, 8, rng)
	writeSequence(t, cfg.TrainsetDirNoisy, "seq", 5, 8, rng)
	writeSequence(t, cfg.ValsetDir, "val-seq", 4, 8, rng)

	cfg.Epochs = 3
	cfg.Milestone = []int{1, 2}
	cfg.BatchSize = 2
	cfg.MaxNumberPatches = 4
	cfg.PatchSize = 4
	cfg.TempPatchSize = 3
	cfg.Filters = 4
	cfg.SaveEvery = 1
	cfg.SaveEveryEpochs = 2
	cfg.Workers = 2
	cfg.MaxValFrames = 0
	cfg.DumpSteps = []int{1}
	cfg.Progress = false
	return cfg
}

func TestTrain(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, Train(cfg))

	for _, name := range []string{
		checkpoints.LatestFileName,
		checkpoints.ExportFileName,
		checkpoints.HistoryFileName(2),
		plots.MetricsFileName,
		"validation/epoch-0.csv",
		"validation/epoch-2.csv",
		filepath.Join(margaid.DefaultDirName, margaid.FileName("PSNR")),
		filepath.Join(margaid.DefaultDirName, margaid.FileName("loss")),
		filepath.Join(margaid.DefaultDirName, PlotlyFileName),
	} {
		_, err := os.Stat(filepath.Join(cfg.LogDir, name))
		assert.NoError(t, err, "missing %s", name)
	}
	_, err := os.Stat(framedump.StepDir(cfg.DumpDir, 1))
	assert.NoError(t, err, "frames of step 1 not dumped")

	ckpt, err := checkpoints.Load(filepath.Join(cfg.LogDir, checkpoints.LatestFileName))
	require.NoError(t, err)
	assert.Equal(t, 6, ckpt.State.Step)
	assert.Equal(t, 3, ckpt.State.StartEpoch)
	runID := ckpt.RunID

	// Resume for one more epoch: the run keeps its id, and its step count.
	cfg.Epochs = 4
	cfg.ResumeTraining = true
	require.NoError(t, Train(cfg))
	ckpt, err = checkpoints.Load(filepath.Join(cfg.LogDir, checkpoints.LatestFileName))
	require.NoError(t, err)
	assert.Equal(t, 8, ckpt.State.Step)
	assert.Equal(t, 4, ckpt.State.StartEpoch)
	assert.Equal(t, runID, ckpt.RunID)

	points, err := plots.LoadRunPoints(cfg.LogDir)
	require.NoError(t, err)
	var valPoints int
	for _, point := range points {
		assert.Equal(t, runID, point.RunID)
		if point.Short == "psnr_val" {
			valPoints++
		}
	}
	assert.Equal(t, 4, valPoints, "one validation PSNR per epoch")

	history, err := validationHistory(cfg.LogDir, runID)
	require.NoError(t, err)
	assert.Contains(t, history, "PSNR on validation data")
	assert.Contains(t, history, " dB")
	assert.NotContains(t, history, "PSNR on training data")
}

func TestTrainInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.ValsetDir = filepath.Join(cfg.ValsetDir, "missing")
	require.Error(t, Train(cfg))
	cfg = testConfig(t)
	cfg.Milestone = []int{2, 1}
	require.Error(t, Train(cfg))
}

func TestResolveConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("batch_size: 8\nepochs: 20\nmilestone: [5, 10]\nlr: 0.01\n"), 0o644))

	newFlags := func(args ...string) (*flag.FlagSet, *config.RunConfig) {
		fs := flag.NewFlagSet("test", flag.ContinueOnError)
		cfg := config.Default()
		bindConfigFlags(fs, cfg)
		require.NoError(t, fs.Parse(args))
		return fs, cfg
	}

	// Flags only.
	fs, flagsCfg := newFlags("--batch_size=16", "--milestone=3,4", "--noise_mode=synthetic")
	cfg, err := resolveConfig(fs, flagsCfg, "", "")
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.BatchSize)
	assert.Equal(t, []int{3, 4}, cfg.Milestone)
	assert.Equal(t, config.SyntheticNoise, cfg.NoiseMode)

	// Explicit flags take precedence over the file, which takes precedence over the defaults.
	fs, flagsCfg = newFlags("--epochs=30", "--milestone=7,8", "--dump_steps=100")
	cfg, err = resolveConfig(fs, flagsCfg, configPath, "")
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.BatchSize)
	assert.Equal(t, 30, cfg.Epochs)
	assert.Equal(t, []int{7, 8}, cfg.Milestone)
	assert.Equal(t, []int{100}, cfg.DumpSteps)
	assert.Equal(t, 0.01, cfg.LR)
	assert.Equal(t, config.Default().PatchSize, cfg.PatchSize)

	// And --set takes precedence over everything.
	fs, flagsCfg = newFlags("--epochs=30")
	cfg, err = resolveConfig(fs, flagsCfg, configPath, "epochs=40;lr=0.5")
	require.NoError(t, err)
	assert.Equal(t, 40, cfg.Epochs)
	assert.Equal(t, 0.5, cfg.LR)

	fs, flagsCfg = newFlags()
	_, err = resolveConfig(fs, flagsCfg, filepath.Join(t.TempDir(), "missing.yaml"), "")
	require.Error(t, err)
	_, err = resolveConfig(fs, flagsCfg, "", "no_such_key=1")
	require.Error(t, err)
}
