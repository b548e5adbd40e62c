package metrics

import (
	"math"
	"testing"

	"github.com/gomlx/vdenoise/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPSNR(t *testing.T) {
	x := tensors.MustFromData([]float32{0.1, 0.2, 0.3, 0.4}, 2, 2)
	psnr, err := PSNR(x, x.Clone(), 1.0)
	require.NoError(t, err)
	assert.True(t, math.IsInf(psnr, 1))

	// Uniform error of 0.1 everywhere: MSE = 0.01 -> PSNR = 20 dB.
	y := tensors.MustFromData([]float32{0.2, 0.3, 0.4, 0.5}, 2, 2)
	psnr, err = PSNR(x, y, 1.0)
	require.NoError(t, err)
	assert.InDelta(t, 20.0, psnr, 1e-4)
	assert.False(t, math.IsNaN(psnr))
	assert.GreaterOrEqual(t, psnr, 0.0)

	// The maximum possible error still gives a non-negative PSNR.
	psnr, err = PSNR(tensors.Full(0, 4), tensors.Full(1, 4), 1.0)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, psnr, 1e-9)

	_, err = PSNR(x, tensors.Make(4), 1.0)
	require.Error(t, err)
}

func TestBatchPSNR(t *testing.T) {
	gt := tensors.Make(2, 4)
	out := tensors.MustFromData([]float32{0.1, 0.1, 0.1, 0.1, 0.01, 0.01, 0.01, 0.01}, 2, 4)
	psnr, err := BatchPSNR(out, gt, 1.0)
	require.NoError(t, err)
	assert.InDelta(t, (20.0+40.0)/2, psnr, 1e-3)

	out.Slice(1).Fill(0)
	psnr, err = BatchPSNR(out, gt, 1.0)
	require.NoError(t, err)
	assert.True(t, math.IsInf(psnr, 1))

	_, err = BatchPSNR(tensors.Make(4), tensors.Make(4), 1.0)
	require.Error(t, err)
}

func TestRunningMean(t *testing.T) {
	var m RunningMean
	assert.True(t, math.IsNaN(m.Mean()))
	for _, v := range []float64{1, 2, 3, 4} {
		m.Add(v)
	}
	assert.Equal(t, 4, m.Count())
	assert.InDelta(t, 2.5, m.Mean(), 1e-12)
	assert.InDelta(t, math.Sqrt(5.0/3.0), m.StdDev(), 1e-12)
}

func TestStreamingMedian(t *testing.T) {
	m := NewStreamingMedian(1000)
	assert.Equal(t, 0.0, m.Median())
	for ii := range 101 {
		m.Add(float64(ii))
	}
	assert.Equal(t, 50.0, m.Median())

	small := NewStreamingMedian(100)
	for ii := range 10_000 {
		small.Add(float64(ii % 100))
	}
	assert.Equal(t, 10_000, small.Count())
	assert.InDelta(t, 50, small.Median(), 20)
}

func TestDescriptors(t *testing.T) {
	assert.Equal(t, TrainPSNR, ByName("PSNR on training data"))
	assert.Equal(t, "custom", ByName("custom").ShortName)
	assert.Equal(t, "+Inf dB", ValidationPSNR.PrettyPrint(math.Inf(1)))
	assert.Equal(t, "31.25 dB", ValidationPSNR.PrettyPrint(31.25))
	assert.Equal(t, "0.0010", Loss.PrettyPrint(0.001))
}
