// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/gomlx/vdenoise/pkg/support/fsutil"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// LoadYAML overlays the settings in the YAML file on top of c. Keys not present in the
// file keep their current values, unknown keys are an error.
func (c *RunConfig) LoadYAML(filePath string) error {
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return err
	}
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to read configuration from %q", filePath)
	}
	return errors.WithMessagef(c.overlay(contents), "configuration file %q", filePath)
}

// FromYAML parses a configuration in YAML format, as generated by RunConfig.String, on top of
// the Default values.
func FromYAML(contents []byte) (*RunConfig, error) {
	c := Default()
	if err := c.overlay(contents); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *RunConfig) overlay(contents []byte) error {
	decoder := yaml.NewDecoder(bytes.NewReader(contents))
	decoder.KnownFields(true)
	err := decoder.Decode(c)
	if errors.Is(err, io.EOF) {
		// Empty document.
		return nil
	}
	return errors.Wrap(err, "failed to parse YAML")
}

// ParseSettings from settings -- typically the contents of the --set flag.
// The settings are a list separated by ";": e.g.: "lr=1e-4;milestone=30,40;no_orthog=true".
// Keys are the YAML names of the RunConfig fields, list values are separated by ",",
// and integers may use "_" as a digit separator (1_000_000).
//
// An entry like "file:settings.txt" reads the settings from a file, with new-lines working
// as ";" and lines starting with "#" being comments.
//
// It returns the list of keys set, in order.
func (c *RunConfig) ParseSettings(settings string) (keysSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		keysSet, err = c.parseSetting(strings.TrimSpace(setting), keysSet)
		if err != nil {
			return
		}
	}
	return
}

func (c *RunConfig) parseSetting(setting string, keysSet []string) ([]string, error) {
	if setting == "" {
		return keysSet, nil
	}
	if strings.HasPrefix(setting, "file:") {
		filePath, err := fsutil.ReplaceTildeInDir(strings.TrimPrefix(setting, "file:"))
		if err != nil {
			return keysSet, err
		}
		contents, err := os.ReadFile(filePath)
		if err != nil {
			return keysSet, errors.Wrapf(err, "failed to read settings from file %q", filePath)
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, s := range strings.Split(line, ";") {
				keysSet, err = c.parseSetting(strings.TrimSpace(s), keysSet)
				if err != nil {
					return keysSet, err
				}
			}
		}
		return keysSet, nil
	}

	key, value, found := strings.Cut(setting, "=")
	if !found || strings.Contains(value, "=") {
		return keysSet, errors.Errorf("can't parse setting %q: each setting requires the format \"<key>=<value>\"", setting)
	}
	key, value = strings.TrimSpace(key), strings.TrimSpace(value)
	if strings.Contains(value, ",") && !strings.HasPrefix(value, "[") {
		value = "[" + value + "]"
	}
	value = stripDigitSeparators(value)
	doc := key + ": " + value + "\n"
	if err := c.overlay([]byte(doc)); err != nil {
		return keysSet, errors.WithMessagef(err, "failed to set %q", setting)
	}
	return append(keysSet, key), nil
}

// stripDigitSeparators removes "_" from values that are numbers (or lists of numbers) once
// the separators are removed, leaving anything else untouched.
func stripDigitSeparators(value string) string {
	if !strings.Contains(value, "_") {
		return value
	}
	stripped := strings.ReplaceAll(value, "_", "")
	for _, part := range strings.Split(strings.Trim(stripped, "[]"), ",") {
		if _, err := strconv.ParseFloat(strings.TrimSpace(part), 64); err != nil {
			return value
		}
	}
	return stripped
}

// IntList is a flag.Value for a comma-separated list of integers, e.g.: "--milestone=50,60".
type IntList struct {
	Values *[]int
}

// String implements flag.Value.
func (l IntList) String() string {
	if l.Values == nil {
		return ""
	}
	parts := make([]string, len(*l.Values))
	for ii, v := range *l.Values {
		parts[ii] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

// Set implements flag.Value.
func (l IntList) Set(value string) error {
	var values []int
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.Atoi(strings.ReplaceAll(part, "_", ""))
		if err != nil {
			return errors.Wrapf(err, "invalid integer %q in list %q", part, value)
		}
		values = append(values, v)
	}
	*l.Values = values
	return nil
}

// FloatList is a flag.Value for a comma-separated list of numbers, e.g.: "--noise_ival=5,55".
type FloatList struct {
	Values *[]float64
}

// String implements flag.Value.
func (l FloatList) String() string {
	if l.Values == nil {
		return ""
	}
	parts := make([]string, len(*l.Values))
	for ii, v := range *l.Values {
		parts[ii] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}

// Set implements flag.Value.
func (l FloatList) Set(value string) error {
	var values []float64
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return errors.Wrapf(err, "invalid number %q in list %q", part, value)
		}
		values = append(values, v)
	}
	*l.Values = values
	return nil
}
