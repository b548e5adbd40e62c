package framedump

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/vdenoise/pkg/core/tensors"
	"github.com/gomlx/vdenoise/pkg/ml/train"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDump(t *testing.T) {
	const numExamples, numFrames, channels, size = 2, 3, 3, 4
	clean := tensors.Full(0.5, numExamples, numFrames*channels, size, size)
	noisy := tensors.Full(0.6, numExamples, numFrames*channels, size, size)
	groundTruth := tensors.Full(0.5, numExamples, channels, size, size)
	output := tensors.Full(0.5, numExamples, channels, size, size)
	output.Slice(1).Fill(0.6)
	result := &train.StepResult{Input: noisy, Clean: clean, Output: output, GroundTruth: groundTruth}

	dir := t.TempDir()
	require.NoError(t, Dump(dir, 20, 1, result))
	for _, name := range []string{
		"example-0/frame-0-original.png",
		"example-0/frame-2-noisy.png",
		"example-1/frame-1-original.png",
		"example-1/frame-1-denoised-psnr-20.00.png",
		"example-0/frame-1-denoised-psnr-+Inf.png",
	} {
		_, err := os.Stat(filepath.Join(StepDir(dir, 20), name))
		assert.NoError(t, err, "missing %s", name)
	}
	denoised, err := filepath.Glob(filepath.Join(StepDir(dir, 20), "*", "*-denoised-*"))
	require.NoError(t, err)
	assert.Len(t, denoised, 2, "only the central frame is denoised")
}
