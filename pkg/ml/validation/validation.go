// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package validation evaluates the denoiser on whole validation sequences at the end of each
// epoch, and reports the mean PSNR, the learning rate and a few sample images.
package validation

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/vdenoise/pkg/config"
	"github.com/gomlx/vdenoise/pkg/core/tensors"
	"github.com/gomlx/vdenoise/pkg/ml/data"
	"github.com/gomlx/vdenoise/pkg/ml/train"
	"github.com/gomlx/vdenoise/pkg/ml/train/metrics"
	"github.com/gomlx/vdenoise/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Image tags reported to the metrics sink.
const (
	CleanImageTag         = "Clean validation image"
	NoisyImageTag         = "Noisy validation image"
	ReconstructedImageTag = "Reconstructed validation image"
	TrainingPatchTag      = "Training patch"
)

// DefaultFramesPerForward is the default number of frames denoised in each call to the model.
const DefaultFramesPerForward = 4

// Validator implements train.Validator: it adds Gaussian noise to each validation sequence,
// denoises every frame with a sliding temporal window and measures the PSNR against the
// clean frames.
//
// The noise is drawn from a generator reseeded at every validation, so all epochs are
// evaluated on the same noisy sequences.
type Validator struct {
	Model     train.Model
	Sequences []*data.Sequence
	Sink      train.MetricsSink

	// NoiseStd is the standard deviation of the noise added, normalized to [0, 1].
	NoiseStd float64

	// NumFrames in the temporal window given to the model. Must be odd.
	NumFrames int

	// FramesPerForward is the number of frames denoised in each call to the model.
	FramesPerForward int

	// ReportDir, if not empty, is where a CSV report with the PSNR of each sequence is written
	// after each validation, named `epoch-<epoch>.csv`.
	ReportDir string

	Seed int64
}

// New creates a Validator configured from cfg. Reports are written under `<log_dir>/validation`.
func New(model train.Model, sequences []*data.Sequence, sink train.MetricsSink, cfg *config.RunConfig) *Validator {
	return &Validator{
		Model:            model,
		Sequences:        sequences,
		Sink:             sink,
		NoiseStd:         cfg.ValNoise(),
		NumFrames:        cfg.TempPatchSize,
		FramesPerForward: DefaultFramesPerForward,
		ReportDir:        filepath.Join(cfg.LogDir, "validation"),
		Seed:             cfg.Seed,
	}
}

// SequenceResult is the outcome of the validation of one sequence.
type SequenceResult struct {
	Name      string
	NumFrames int
	PSNR      float64

	// Noisy and Denoised frames, shaped `[numFrames, channels, height, width]`.
	Noisy, Denoised *tensors.Tensor
}

// Validate implements train.Validator. The model is left in inference mode.
func (v *Validator) Validate(epoch, step int, learningRate float64, lastTrain *train.StepResult) error {
	if len(v.Sequences) == 0 {
		return errors.New("no validation sequences")
	}
	v.Model.SetTraining(false)
	rng := rand.New(rand.NewSource(v.Seed))
	results := make([]*SequenceResult, 0, len(v.Sequences))
	var mean metrics.RunningMean
	for _, seq := range v.Sequences {
		result, err := v.validateSequence(seq, rng)
		if err != nil {
			return errors.WithMessagef(err, "validation of sequence %q", seq.Name)
		}
		results = append(results, result)
		mean.Add(result.PSNR)
		klog.V(1).Infof("Validation epoch %d, sequence %q: PSNR %s", epoch+1, seq.Name,
			metrics.ValidationPSNR.PrettyPrint(result.PSNR))
	}
	psnr := mean.Mean()
	klog.Infof("[epoch %d] PSNR_val: %.4f", epoch+1, psnr)
	klog.V(1).Infof("[epoch %d] PSNR_val standard deviation over %d sequences: %.4f", epoch+1, mean.Count(), mean.StdDev())

	if v.ReportDir != "" {
		if err := v.writeReport(epoch, results); err != nil {
			klog.Errorf("Failed to write validation report: %+v", err)
		}
	}
	if v.Sink == nil {
		return nil
	}
	if err := v.Sink.AddScalar(metrics.ValidationPSNR, psnr, epoch, step); err != nil {
		return err
	}
	if err := v.Sink.AddScalar(metrics.LearningRate, learningRate, epoch, step); err != nil {
		return err
	}
	return v.reportImages(epoch, step, results[0], lastTrain)
}

// validateSequence adds noise to the sequence and denoises all its frames.
func (v *Validator) validateSequence(seq *data.Sequence, rng *rand.Rand) (*SequenceResult, error) {
	clean := seq.Frames
	numFrames, channels, height, width := clean.Dim(0), clean.Dim(1), clean.Dim(2), clean.Dim(3)
	noisy := clean.Clone()
	for ii := range noisy.Data() {
		noisy.Data()[ii] += float32(rng.NormFloat64() * v.NoiseStd)
	}

	framesPerForward := max(v.FramesPerForward, 1)
	denoised := tensors.Make(numFrames, channels, height, width)
	for start := 0; start < numFrames; start += framesPerForward {
		count := min(framesPerForward, numFrames-start)
		input := tensors.Make(count, v.NumFrames*channels, height, width)
		for ii := range count {
			if err := Window(noisy, start+ii, v.NumFrames, input.Slice(ii)); err != nil {
				return nil, err
			}
		}
		noiseMap := tensors.Full(float32(v.NoiseStd), count, 1, height, width)
		output, err := v.Model.Forward(input, noiseMap)
		if err != nil {
			return nil, err
		}
		if output.Size() != count*channels*height*width {
			return nil, errors.Errorf("model output %s, expected [%d %d %d %d]", output, count, channels, height, width)
		}
		copy(denoised.Data()[start*channels*height*width:], output.Clamped(0, 1).Data())
	}
	psnr, err := metrics.BatchPSNR(denoised, clean, 1.0)
	if err != nil {
		return nil, err
	}
	return &SequenceResult{Name: seq.Name, NumFrames: numFrames, PSNR: psnr, Noisy: noisy, Denoised: denoised}, nil
}

// MirrorIndex maps a frame index that may fall outside [0, numFrames) back into the sequence
// by reflecting it at the edges, without repeating the edge frame: -1 maps to 1 and
// numFrames maps to numFrames-2.
func MirrorIndex(index, numFrames int) int {
	if numFrames <= 1 {
		return 0
	}
	period := 2 * (numFrames - 1)
	index %= period
	if index < 0 {
		index += period
	}
	if index >= numFrames {
		index = period - index
	}
	return index
}

// Window fills target, shaped `[windowSize*channels, height, width]`, with the windowSize frames
// of sequence (shaped `[numFrames, channels, height, width]`) centered on frame center, using
// MirrorIndex at the edges of the sequence.
func Window(sequence *tensors.Tensor, center, windowSize int, target *tensors.Tensor) error {
	if windowSize%2 != 1 {
		return errors.Errorf("window size must be odd, got %d", windowSize)
	}
	numFrames := sequence.Dim(0)
	frameSize := sequence.Size() / numFrames
	if target.Size() != windowSize*frameSize {
		return errors.Errorf("window target %s doesn't fit %d frames of sequence %s", target, windowSize, sequence)
	}
	half := windowSize / 2
	for ii := range windowSize {
		frame := sequence.Slice(MirrorIndex(center-half+ii, numFrames))
		copy(target.Data()[ii*frameSize:], frame.Data())
	}
	return nil
}

// reportImages sends the central frame of the first sequence (clean, noisy and denoised), and the
// central clean frame of the first example of the last training batch.
func (v *Validator) reportImages(epoch, step int, first *SequenceResult, lastTrain *train.StepResult) error {
	central := first.NumFrames / 2
	images := []struct {
		tag   string
		frame *tensors.Tensor
	}{
		{CleanImageTag, v.Sequences[0].Frames.Slice(central)},
		{NoisyImageTag, first.Noisy.Slice(central).Clamped(0, 1)},
		{ReconstructedImageTag, first.Denoised.Slice(central)},
	}
	for _, img := range images {
		if err := v.Sink.AddImage(img.tag, img.frame, epoch, step); err != nil {
			return err
		}
	}
	if lastTrain != nil && lastTrain.GroundTruth != nil {
		return v.Sink.AddImage(TrainingPatchTag, lastTrain.GroundTruth.Slice(0), epoch, step)
	}
	return nil
}

// writeReport writes the per-sequence results as a CSV file.
func (v *Validator) writeReport(epoch int, results []*SequenceResult) error {
	dir, err := fsutil.EnsureDir(v.ReportDir)
	if err != nil {
		return err
	}
	names := make([]string, len(results))
	frames := make([]int, len(results))
	psnrs := make([]float64, len(results))
	for ii, result := range results {
		names[ii], frames[ii], psnrs[ii] = result.Name, result.NumFrames, result.PSNR
	}
	df := dataframe.New(
		series.New(names, series.String, "sequence"),
		series.New(frames, series.Int, "frames"),
		series.New(psnrs, series.Float, "psnr"),
	)
	if df.Err != nil {
		return errors.Wrap(df.Err, "failed to build validation report")
	}
	filePath := filepath.Join(dir, fmt.Sprintf("epoch-%d.csv", epoch))
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	if err = df.WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", filePath)
}
