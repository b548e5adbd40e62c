// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/vdenoise/pkg/support/xslices"
)

// MinimalUniquePaths returns, for each run directory, the shortest label built from the path
// components that differ from the other paths.
//
// If only one component differs, that is the label. If more than one differs, the label is
// the first and the last differing components joined by "...". If none differs (or there is
// only one path), the base name is used.
func MinimalUniquePaths(paths ...string) []string {
	split := make([][]string, len(paths))
	for ii, path := range paths {
		split[ii] = strings.Split(filepath.Clean(path), string(filepath.Separator))
	}
	labels := make([]string, len(paths))
	for ii, parts := range split {
		var diffs []int
		for jj, other := range split {
			if ii == jj {
				continue
			}
			for k := range min(len(parts), len(other)) {
				if parts[k] != other[k] && !slices.Contains(diffs, k) {
					diffs = append(diffs, k)
				}
			}
		}
		slices.Sort(diffs)
		switch len(diffs) {
		case 0:
			labels[ii] = xslices.Last(parts)
		case 1:
			labels[ii] = parts[diffs[0]]
		default:
			labels[ii] = parts[diffs[0]] + "..." + parts[xslices.Last(diffs)]
		}
	}
	return labels
}
