// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/gomlx/vdenoise/pkg/ml/checkpoints"
	"github.com/gomlx/vdenoise/pkg/support/sets"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// configSettings returns the settings of the run configuration stored in the checkpoint,
// formatted as strings and keyed by their names.
func configSettings(ckpt *checkpoints.Checkpoint) (map[string]string, error) {
	if ckpt.Config == "" {
		return nil, errors.New("no run configuration stored in checkpoint")
	}
	var settings map[string]any
	if err := yaml.Unmarshal([]byte(ckpt.Config), &settings); err != nil {
		return nil, errors.Wrap(err, "failed to parse run configuration")
	}
	formatted := make(map[string]string, len(settings))
	for key, value := range settings {
		formatted[key] = fmt.Sprintf("%v", value)
	}
	return formatted, nil
}

// paramsRows returns one row per setting found in any of the checkpoints, sorted by name,
// and whether the values differ across checkpoints.
func paramsRows(ckpts []*checkpoints.Checkpoint) (rows [][]string, differ []bool) {
	perCheckpoint := make([]map[string]string, len(ckpts))
	keys := sets.Make[string]()
	for ii, ckpt := range ckpts {
		settings, err := configSettings(ckpt)
		if err != nil {
			klog.Warningf("Checkpoint #%d: %v", ii, err)
			continue
		}
		perCheckpoint[ii] = settings
		for key := range settings {
			keys.Insert(key)
		}
	}
	for _, key := range sets.Sorted(keys) {
		row := make([]string, len(ckpts)+1)
		row[0] = key
		for ii, settings := range perCheckpoint {
			row[ii+1] = settings[key]
		}
		rows = append(rows, row)
		differ = append(differ, len(sets.Make(row[1:]...)) > 1)
	}
	return
}

// Params prints the run configurations of the checkpoints, with the settings that differ
// highlighted.
func Params(ckpts []*checkpoints.Checkpoint, names []string) {
	fmt.Println(titleStyle.Render("Run Configuration"))
	rows, differ := paramsRows(ckpts)
	table := newTable(true, func(row int) bool { return row >= 0 && differ[row] })
	if len(ckpts) == 1 {
		table.Headers("Name", "Value")
	} else {
		table.Headers(append([]string{"Name"}, names...)...)
	}
	table.Rows(rows...)
	fmt.Println(table.Render())
}
