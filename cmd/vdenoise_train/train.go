// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/vdenoise/pkg/config"
	"github.com/gomlx/vdenoise/pkg/core/tensors/image"
	"github.com/gomlx/vdenoise/pkg/ml/checkpoints"
	"github.com/gomlx/vdenoise/pkg/ml/data"
	"github.com/gomlx/vdenoise/pkg/ml/train"
	"github.com/gomlx/vdenoise/pkg/ml/train/metrics"
	"github.com/gomlx/vdenoise/pkg/ml/train/optimizers"
	"github.com/gomlx/vdenoise/pkg/ml/validation"
	"github.com/gomlx/vdenoise/pkg/ml/variables"
	"github.com/gomlx/vdenoise/pkg/models/dvdnet"
	"github.com/gomlx/vdenoise/ui/commandline"
	"github.com/gomlx/vdenoise/ui/framedump"
	"github.com/gomlx/vdenoise/ui/margaid"
	"github.com/gomlx/vdenoise/ui/plotly"
	"github.com/gomlx/vdenoise/ui/plots"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// PlotWidth and PlotHeight of the SVG plots written to the run directory.
	PlotWidth, PlotHeight = 1024, 400

	// PlotlyFileName is the interactive plot of the metrics, in the plots subdirectory.
	PlotlyFileName = "metrics.html"

	// BatchesBuffer is the number of training batches prepared ahead of time.
	BatchesBuffer = 4
)

// Train runs (or resumes) the training described by cfg until its last epoch.
func Train(cfg *config.RunConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Datasets.
	noisyDir := ""
	if cfg.NoiseMode == config.PreNoisedPair {
		noisyDir = cfg.TrainsetDirNoisy
	}
	trainDS, err := data.NewPairedDataset(cfg.TrainsetDirOriginal, noisyDir, data.Options{
		BatchSize:     cfg.BatchSize,
		PatchSize:     cfg.PatchSize,
		TempPatchSize: cfg.TempPatchSize,
		NumBatches:    cfg.StepsPerEpoch(),
		Seed:          cfg.Seed,
	})
	if err != nil {
		return errors.WithMessage(err, "training dataset")
	}
	valSequences, err := data.LoadSequences(cfg.ValsetDir, cfg.MaxValFrames)
	if err != nil {
		return errors.WithMessage(err, "validation dataset")
	}

	// Model, optimizer and learning rate schedule.
	model, err := dvdnet.New(dvdnet.Config{
		NumFrames:   cfg.TempPatchSize,
		Channels:    image.NumChannels,
		Filters:     cfg.Filters,
		Seed:        cfg.Seed,
		Parallelism: cfg.Workers,
	})
	if err != nil {
		return err
	}
	klog.Infof("Model %s: %s parameters (%s)", model,
		humanize.Comma(int64(variables.NumParameters(model.Variables()))),
		humanize.Bytes(uint64(variables.Memory(model.Variables()))))
	optimizer, err := optimizers.Adam().LearningRate(cfg.LR).Done(model.Variables())
	if err != nil {
		return err
	}
	schedule, err := optimizers.NewMilestoneSchedule(cfg.LR, cfg.Milestone, cfg.Epochs)
	if err != nil {
		return err
	}

	// Checkpoints: resume from the latest one if requested.
	checkpoint, err := checkpoints.Build(cfg.LogDir).
		SaveEveryEpochs(cfg.SaveEveryEpochs).
		Float16Export(cfg.ExportFloat16).
		RunConfig(cfg).
		Done()
	if err != nil {
		return err
	}
	if err = checkpoint.Attach(model.Variables(), optimizer); err != nil {
		return err
	}
	state, err := checkpoint.Resume(cfg.ResumeTraining, cfg.NoOrthog)
	if err != nil {
		return err
	}
	trainDS.SetEpoch(state.StartEpoch)
	trainSource := data.CustomParallel(trainDS).Parallelism(cfg.Workers).Buffer(BatchesBuffer).Start()
	defer trainSource.Done()

	// Metrics: appended to the run directory, and plotted at the end.
	sink, err := plots.NewSink(checkpoint.Dir(), checkpoint.RunID())
	if err != nil {
		return err
	}
	plotsDir := filepath.Join(checkpoint.Dir(), margaid.DefaultDirName)
	sink.WithPlotter(margaid.New(PlotWidth, PlotHeight).WithDir(plotsDir)).
		WithPlotter(plotly.New().WithFile(filepath.Join(plotsDir, PlotlyFileName)))
	if err = sink.Preload(state.StartEpoch); err != nil {
		klog.Warningf("Failed to load previous metrics of run %s, plots will be incomplete: %+v", checkpoint.RunID(), err)
	}

	loop := train.NewLoop(train.NewTrainer(model, optimizer, cfg), schedule, cfg)
	loop.Checkpointer = checkpoint
	loop.Validator = validation.New(model, valSequences, sink, cfg)
	loop.Sink = sink
	if cfg.Progress {
		commandline.AttachProgressBar(loop, func() (name, value string) { return "Run", checkpoint.RunID() })
	}
	framedump.Attach(loop, framedump.Config{Steps: cfg.DumpSteps, Dir: cfg.DumpDir})
	if err = loop.Run(trainSource, state); err != nil {
		return err
	}

	history, err := validationHistory(checkpoint.Dir(), checkpoint.RunID())
	if err != nil {
		klog.Warningf("Failed to read the metrics of run %s: %+v", checkpoint.RunID(), err)
		return nil
	}
	klog.Infof("Validation history of run %s:\n%s", checkpoint.RunID(), history)
	return nil
}

// validationHistory returns a table with the validation PSNR and the learning rate of every epoch
// of the run, including those of earlier executions of the same run.
func validationHistory(runDir, runID string) (string, error) {
	rawPoints, err := plots.LoadRunPoints(runDir)
	if err != nil {
		return "", err
	}
	points := plots.NewPoints(rawPoints)
	points.Filter(func(p plots.Point) bool {
		return p.RunID == runID && (p.Short == metrics.ValidationPSNR.ShortName || p.Short == metrics.LearningRate.ShortName)
	})
	return points.TableForMetrics(metrics.ValidationPSNR.Name, metrics.LearningRate.Name), nil
}
