// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// vdenoise_train trains a FastDVDnet-style video denoiser on pairs of clean and noisy frame
// sequences, validating it on clean sequences with synthetic noise at the end of every epoch.
//
// All files of a run are written to --log_dir: checkpoints (ckpt.bin, ckpt_e<epoch>.bin),
// the model export (net.bin), the metrics stream (metrics.jsonl), the validation reports,
// images and plots. Use --resume_training to continue from the checkpoint in --log_dir.
//
// Settings can also be given in a YAML file (--config), with the same names as the flags,
// and overridden with --set. Run with -help for the list.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/vdenoise/pkg/config"
	"github.com/gomlx/vdenoise/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

func main() {
	flagsCfg := config.Default()
	bindConfigFlags(flag.CommandLine, flagsCfg)
	klog.InitFlags(nil)
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags]\n\nFlags:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	defer klog.Flush()

	cfg, err := resolveConfig(flag.CommandLine, flagsCfg, *flagConfig, *flagSettings)
	if err != nil {
		klog.Fatalf("Invalid configuration: %+v", err)
	}
	if cfg.Progress {
		must.M(commandline.ReportConfig(os.Stdout, cfg))
	} else {
		klog.Infof("Run configuration:\n%s", cfg)
	}
	if err = Train(cfg); err != nil {
		klog.Fatalf("Training failed: %+v", err)
	}
}
