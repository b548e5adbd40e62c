package data

import (
	"fmt"
	"io"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/gomlx/vdenoise/pkg/core/tensors"
	"github.com/gomlx/vdenoise/pkg/core/tensors/image"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeSequence writes numFrames frames of size x size, where frame f has all values equal
// to base+f (plus the channel index).
func writeSequence(t *testing.T, dir string, numFrames, size int, base float32) {
	for f := range numFrames {
		frame := tensors.Make(image.NumChannels, size, size)
		for c := range image.NumChannels {
			frame.Slice(c).Fill(base + float32(f) + float32(c))
		}
		require.NoError(t, image.Save(frame, 255, filepath.Join(dir, fmt.Sprintf("%05d.png", f))))
	}
}

func TestTransforms(t *testing.T) {
	// 1 example, 1 channel, 2x2: [[1, 2], [3, 4]].
	makeX := func() *tensors.Tensor { return tensors.MustFromData([]float32{1, 2, 3, 4}, 1, 1, 2, 2) }
	want := map[Transform][]float32{
		Identity:     {1, 2, 3, 4},
		FlipUD:       {3, 4, 1, 2},
		Rot90:        {2, 4, 1, 3},
		Rot90FlipUD:  {1, 3, 2, 4},
		Rot180:       {4, 3, 2, 1},
		Rot180FlipUD: {2, 1, 4, 3},
		Rot270:       {3, 1, 4, 2},
		Rot270FlipUD: {4, 2, 3, 1},
	}
	for transform, expected := range want {
		x := makeX()
		require.NoError(t, transform.Apply(x, nil))
		assert.Equal(t, expected, x.Data(), "transform %s", transform)
	}

	x := makeX()
	require.NoError(t, AddConstant.Apply(x, []float32{0.5}))
	assert.Equal(t, []float32{1.5, 2.5, 3.5, 4.5}, x.Data())
	require.Error(t, AddConstant.Apply(x, nil))
	require.Error(t, Rot90.Apply(tensors.Make(1, 1, 2, 3), nil))
}

func TestRandomTransformCoversAll(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	counts := make(map[Transform]int)
	for range 10_000 {
		counts[RandomTransform(rng)]++
	}
	assert.Len(t, counts, int(numTransforms))
	assert.Greater(t, counts[Identity], counts[Rot90], "identity has higher weight")
}

func TestNormalizeAugment(t *testing.T) {
	// Batch of 2 examples, 3 frames, 3 channels, 4x4, with distinct values.
	batch := &Batch{Original: tensors.Make(2, 3, 3, 4, 4)}
	for ii := range batch.Original.Data() {
		batch.Original.Data()[ii] = float32(ii % 251)
	}
	batch.Noisy = batch.Original.Clone()
	rng := rand.New(rand.NewSource(7))
	for range 20 {
		sample, err := NormalizeAugment(batch, 1, rng)
		require.NoError(t, err)
		assert.Equal(t, []int{2, 9, 4, 4}, sample.Clean.Shape())
		assert.Equal(t, []int{2, 3, 4, 4}, sample.GroundTruth.Shape())
		// Same transform applied to both.
		assert.Equal(t, sample.Clean.Data(), sample.Noisy.Data(), "transform %s", sample.Transform)
		assert.Equal(t, sample.Clean.Narrow(1, 3, 3).Data(), sample.GroundTruth.Data())
		if sample.Transform == Identity {
			assert.InDelta(t, 5.0/255.0, sample.Clean.Data()[5], 1e-6)
		}
	}
	assert.Equal(t, float32(5), batch.Original.Data()[5], "input batch must not be modified")

	_, err := NormalizeAugment(batch, 3, rng)
	require.Error(t, err)
}

func TestNoise(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	stds := DrawNoiseStd(100, 0.1, 0.2, rng)
	for _, s := range stds {
		assert.GreaterOrEqual(t, s, float32(0.1))
		assert.Less(t, s, float32(0.2))
	}
	noiseMap := NoiseMap([]float32{0.1, 0.3}, 2, 3)
	assert.Equal(t, []int{2, 1, 2, 3}, noiseMap.Shape())
	assert.Equal(t, float32(0.3), noiseMap.Data()[11])

	x := tensors.Make(2, 1000)
	noisy, err := AddGaussianNoise(x, []float32{0, 1}, rng)
	require.NoError(t, err)
	assert.Equal(t, make([]float32, 1000), noisy.Slice(0).Data(), "zero std adds no noise")
	var sumSq float64
	for _, v := range noisy.Slice(1).Data() {
		sumSq += float64(v * v)
	}
	assert.InDelta(t, 1.0, sumSq/1000, 0.2)
	_, err = AddGaussianNoise(x, []float32{1}, rng)
	require.Error(t, err)
}

func TestPairedDataset(t *testing.T) {
	root := t.TempDir()
	originalDir, noisyDir := filepath.Join(root, "original"), filepath.Join(root, "noisy")
	writeSequence(t, filepath.Join(originalDir, "seq_a"), 7, 8, 10)
	writeSequence(t, filepath.Join(noisyDir, "seq_a"), 7, 8, 100)
	// Too short: skipped.
	writeSequence(t, filepath.Join(originalDir, "seq_b"), 2, 8, 10)
	writeSequence(t, filepath.Join(noisyDir, "seq_b"), 2, 8, 100)

	opts := Options{BatchSize: 2, PatchSize: 4, TempPatchSize: 3, NumBatches: 3, Seed: 11}
	ds, err := NewPairedDataset(originalDir, noisyDir, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, ds.NumSequences())
	assert.True(t, ds.HasNoisy())

	var firstEpoch []*Batch
	for {
		batch, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.NoError(t, batch.Check())
		assert.Equal(t, []int{2, 3, 3, 4, 4}, batch.Original.Shape())
		for ii := range batch.Size() {
			// Frames are consecutive, starting on the temporal stride grid, and noisy is paired.
			start := batch.Original.Slice(ii).Slice(0).Data()[0] - 10
			assert.Contains(t, []float32{0, 3}, start)
			for f := range 3 {
				assert.Equal(t, 10+start+float32(f), batch.Original.Slice(ii).Slice(f).Data()[0])
				assert.Equal(t, 100+start+float32(f), batch.Noisy.Slice(ii).Slice(f).Data()[0])
			}
		}
		firstEpoch = append(firstEpoch, batch)
	}
	assert.Len(t, firstEpoch, 3)
	_, err = ds.Yield()
	assert.Equal(t, io.EOF, err)

	// Same seed gives the same batches.
	ds2, err := NewPairedDataset(originalDir, noisyDir, opts)
	require.NoError(t, err)
	batch, err := ds2.Yield()
	require.NoError(t, err)
	assert.Equal(t, firstEpoch[0].Original.Data(), batch.Original.Data())

	// Epochs 1 and 2 of the uninterrupted dataset.
	var epoch2 []*Batch
	for epoch := 1; epoch <= 2; epoch++ {
		ds.Reset()
		for range opts.NumBatches {
			batch, err := ds.Yield()
			require.NoError(t, err)
			if epoch == 2 {
				epoch2 = append(epoch2, batch)
			}
		}
	}

	// A dataset resumed at epoch 2 yields the same batches.
	resumed, err := NewPairedDataset(originalDir, noisyDir, opts)
	require.NoError(t, err)
	resumed.SetEpoch(2)
	for ii := range opts.NumBatches {
		batch, err := resumed.Yield()
		require.NoError(t, err)
		assert.Equal(t, epoch2[ii].Original.Data(), batch.Original.Data(), "batch %d", ii)
		assert.Equal(t, epoch2[ii].Noisy.Data(), batch.Noisy.Data(), "batch %d", ii)
	}
	_, err = resumed.Yield()
	assert.Equal(t, io.EOF, err)

	// Missing noisy counterpart.
	writeSequence(t, filepath.Join(originalDir, "seq_c"), 4, 8, 10)
	_, err = NewPairedDataset(originalDir, noisyDir, opts)
	require.Error(t, err)

	// Without noisy sequences.
	ds3, err := NewPairedDataset(originalDir, "", opts)
	require.NoError(t, err)
	assert.False(t, ds3.HasNoisy())
	batch, err = ds3.Yield()
	require.NoError(t, err)
	assert.Nil(t, batch.Noisy)
}

func TestParallel(t *testing.T) {
	root := t.TempDir()
	writeSequence(t, filepath.Join(root, "seq"), 5, 6, 0)
	ds, err := NewPairedDataset(root, "", Options{BatchSize: 1, PatchSize: 6, TempPatchSize: 5, NumBatches: 7})
	require.NoError(t, err)
	pds := CustomParallel(ds).Parallelism(3).Buffer(2).Start()
	defer pds.Done()
	assert.Equal(t, ds.Name(), pds.Name())
	for epoch := range 3 {
		count := 0
		for {
			_, err := pds.Yield()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			count++
		}
		assert.Equal(t, 7, count, "epoch %d", epoch)
		pds.Reset()
	}
}

func TestLoadSequences(t *testing.T) {
	root := t.TempDir()
	writeSequence(t, filepath.Join(root, "b"), 6, 4, 51)
	writeSequence(t, filepath.Join(root, "a"), 3, 4, 0)
	sequences, err := LoadSequences(root, 5)
	require.NoError(t, err)
	require.Len(t, sequences, 2)
	assert.Equal(t, "a", sequences[0].Name)
	assert.Equal(t, 3, sequences[0].NumFrames())
	assert.Equal(t, 5, sequences[1].NumFrames())
	assert.InDelta(t, 52.0/255.0, sequences[1].Frames.Slice(1).Data()[0], 1e-6)

	_, err = LoadSequences(t.TempDir(), 0)
	require.Error(t, err)
}
