// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line.
package commandline

import (
	"fmt"
	"io"
	"slices"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/vdenoise/pkg/config"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"gopkg.in/yaml.v3"
)

// ConfigTable returns a table with the settings of the run configuration, sorted by key.
func ConfigTable(cfg *config.RunConfig) (string, error) {
	contents, err := yaml.Marshal(cfg)
	if err != nil {
		return "", errors.Wrap(err, "failed to serialize run configuration")
	}
	var settings map[string]any
	if err = yaml.Unmarshal(contents, &settings); err != nil {
		return "", errors.Wrap(err, "failed to parse serialized run configuration")
	}
	keys := maps.Keys(settings)
	slices.Sort(keys)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	for _, key := range keys {
		table.Row(key, fmt.Sprintf("%v", settings[key]))
	}
	return table.String(), nil
}

// ReportConfig prints the settings of the run configuration to w.
func ReportConfig(w io.Writer, cfg *config.RunConfig) error {
	table, err := ConfigTable(cfg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "Run configuration:\n%s\n", table)
	return errors.Wrap(err, "failed to report run configuration")
}
