// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// vdenoise_checkpoints inspects (and optionally modifies) the checkpoints and the metrics of
// one or more training runs.
//
// Usage:
//
//	vdenoise_checkpoints [flags] <run_dir> [<run_dir> ...]
//
// With more than one run directory the reports are side by side, and each run is labeled by
// the parts of its path that differ from the others.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gomlx/vdenoise/pkg/ml/checkpoints"
	"github.com/gomlx/vdenoise/pkg/support/xslices"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagFile = flag.String("file", checkpoints.LatestFileName,
		"Checkpoint file inspected in each run directory, e.g.: \"net.bin\" or \"ckpt_e10.bin\".")
	flagSummary  = flag.Bool("summary", false, "Display a summary of the training state and the model sizes.")
	flagParams   = flag.Bool("params", false, "Lists the run configuration. Settings that differ across runs are highlighted.")
	flagGlossary = flag.Bool("glossary", true, "Explains the columns of the reports.")
)

func main() {
	klog.InitFlags(nil)
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <run_dir> [<run_dir> ...]\n\nFlags:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	defer klog.Flush()

	runDirs := flag.Args()
	if len(runDirs) == 0 {
		klog.Errorf("Missing run directory to read from. See 'vdenoise_checkpoints -help'")
		os.Exit(1)
	}
	names := MinimalUniquePaths(runDirs...)

	// Modifications first, so the reports show their results.
	for _, runDir := range runDirs {
		if *flagResetOptimizer {
			must.M(ResetOptimizer(runDir))
		}
		if *flagPerturbVars != 0 {
			must.M(PerturbVars(runDir, *flagPerturbVars, *flagPerturbSeed))
		}
	}

	if *flagSummary || *flagParams || *flagVars {
		ckpts := xslices.Map(runDirs, func(runDir string) *checkpoints.Checkpoint {
			return must.M1(checkpoints.Load(filepath.Join(runDir, *flagFile)))
		})
		if *flagSummary {
			Summary(ckpts, names)
		}
		if *flagParams {
			Params(ckpts, names)
		}
		if *flagVars {
			for ii, ckpt := range ckpts {
				ListVariables(ckpt, names[ii])
			}
		}
	}

	if *flagMetrics || *flagMetricsLabels || *flagPlot || *flagPNG || *flagSVG {
		metricsReports(runDirs, names)
	}
}
