// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"

	"github.com/gomlx/vdenoise/pkg/config"
	"github.com/pkg/errors"
)

var (
	flagConfig = flag.String("config", "",
		"YAML file with the run configuration. Flags set explicitly take precedence over it.")
	flagSettings = flag.String("set", "",
		"Settings applied after everything else, in the format \"key1=value1;key2=value2\": keys are the names "+
			"of the configuration flags, lists are separated by \",\". An entry \"file:<path>\" reads the "+
			"settings from a file, one per line.")
)

// bindConfigFlags defines in fs one flag per setting of cfg, using the current values as defaults.
func bindConfigFlags(fs *flag.FlagSet, cfg *config.RunConfig) {
	fs.IntVar(&cfg.BatchSize, "batch_size", cfg.BatchSize, "Training batch size.")
	fs.IntVar(&cfg.Epochs, "epochs", cfg.Epochs, "Number of total training epochs.")
	fs.BoolVar(&cfg.ResumeTraining, "resume_training", cfg.ResumeTraining,
		"Resume training from the checkpoint in --log_dir, if there is one.")
	fs.Var(config.IntList{Values: &cfg.Milestone}, "milestone",
		"The 2 epochs (comma-separated) when the learning rate is divided by 10.")
	fs.Float64Var(&cfg.LR, "lr", cfg.LR, "Initial learning rate.")
	fs.BoolVar(&cfg.NoOrthog, "no_orthog", cfg.NoOrthog, "Don't perform orthogonalization as regularization.")
	fs.IntVar(&cfg.SaveEvery, "save_every", cfg.SaveEvery,
		"Number of training steps between the report of the training metrics and the orthogonalization of the filters.")
	fs.IntVar(&cfg.SaveEveryEpochs, "save_every_epochs", cfg.SaveEveryEpochs,
		"Number of training epochs between checkpoints kept in the history (ckpt_e<epoch>.bin).")
	fs.Var(config.FloatList{Values: &cfg.NoiseIval}, "noise_ival",
		"Noise training interval \"lo,hi\", in the [0, 255] scale.")
	fs.Float64Var(&cfg.ValNoiseL, "val_noiseL", cfg.ValNoiseL, "Noise level used on validation set, in the [0, 255] scale.")
	fs.IntVar(&cfg.PatchSize, "patch_size", cfg.PatchSize, "Side of the square spatial patches used in training.")
	fs.IntVar(&cfg.TempPatchSize, "temp_patch_size", cfg.TempPatchSize,
		"Number of consecutive frames of the temporal patches. It must be odd.")
	fs.IntVar(&cfg.MaxNumberPatches, "max_number_patches", cfg.MaxNumberPatches,
		"Number of patches (examples) per training epoch.")
	fs.StringVar(&cfg.LogDir, "log_dir", cfg.LogDir, "Path of the run directory: checkpoints, metrics, plots and images.")
	fs.StringVar(&cfg.TrainsetDirOriginal, "trainset_dir_original", cfg.TrainsetDirOriginal,
		"Path of the clean training sequences: one subdirectory of frames per sequence.")
	fs.StringVar(&cfg.TrainsetDirNoisy, "trainset_dir_noisy", cfg.TrainsetDirNoisy,
		"Path of the noisy training sequences, with the same names as the clean ones.")
	fs.StringVar(&cfg.ValsetDir, "valset_dir", cfg.ValsetDir, "Path of the validation sequences.")
	fs.Var(&cfg.NoiseMode, "noise_mode", "Training input: \"prenoised\" (recorded noisy sequences) "+
		"or \"synthetic\" (clean sequences plus gaussian noise).")
	fs.Int64Var(&cfg.Seed, "seed", cfg.Seed, "Random seed: for the model initialization, the crops and the noise.")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers,
		"Number of goroutines preparing batches and running the model. 0 uses the number of cores.")
	fs.IntVar(&cfg.Filters, "filters", cfg.Filters, "Number of filters of the hidden convolutions.")
	fs.IntVar(&cfg.MaxValFrames, "max_val_frames", cfg.MaxValFrames,
		"Maximum number of frames loaded from each validation sequence. 0 loads all.")
	fs.Var(config.IntList{Values: &cfg.DumpSteps}, "dump_steps",
		"Global steps (comma-separated) at which the frames of the training batch are saved to --dump_dir.")
	fs.StringVar(&cfg.DumpDir, "dump_dir", cfg.DumpDir, "Directory where the frames selected by --dump_steps are saved.")
	fs.BoolVar(&cfg.ExportFloat16, "export_float16", cfg.ExportFloat16,
		"Export the model only file (net.bin) in half precision (float16).")
	fs.BoolVar(&cfg.Progress, "progress", cfg.Progress, "Display a progress bar.")
}

// resolveConfig returns the run configuration given the flags in fs, already parsed into flagsCfg.
//
// In order of precedence: the settings given by --set, the flags set explicitly, the --config
// file and the defaults.
func resolveConfig(fs *flag.FlagSet, flagsCfg *config.RunConfig, configPath, settings string) (*config.RunConfig, error) {
	cfg := flagsCfg
	if configPath != "" {
		cfg = config.Default()
		if err := cfg.LoadYAML(configPath); err != nil {
			return nil, err
		}
		// Re-apply the flags set explicitly on top of the configuration file.
		fileFlags := flag.NewFlagSet("config", flag.ContinueOnError)
		bindConfigFlags(fileFlags, cfg)
		var err error
		fs.Visit(func(f *flag.Flag) {
			if err != nil || fileFlags.Lookup(f.Name) == nil {
				return
			}
			err = errors.Wrapf(fileFlags.Set(f.Name, f.Value.String()), "flag --%s", f.Name)
		})
		if err != nil {
			return nil, err
		}
	}
	if settings != "" {
		if _, err := cfg.ParseSettings(settings); err != nil {
			return nil, errors.WithMessage(err, "invalid --set")
		}
	}
	return cfg, nil
}
