/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads the small set of tunables the protocol otherwise
// treats as constants (the retransmission timer, initial window size
// and capacity), so an operator can override them without a rebuild.
// CLI flags that are explicitly set always win over the file, the way
// sptp/client.ReadConfig's values are layered under flag overrides in
// cmd/sptp's prepareConfig.
package config

import (
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// Config holds the sender/receiver tunables. Defaults() gives the
// protocol's values; ReadFile only overrides fields present in the file,
// and a zero value written there is used as is.
type Config struct {
	// RetransmitTimeout is the sender's constant retransmission timer T.
	RetransmitTimeout time.Duration `yaml:"retransmit_timeout"`
	// InitialWindowSize is the sender's starting window size.
	InitialWindowSize int `yaml:"initial_window_size"`
	// WindowCapacity is the sender/receiver's maximum window size.
	WindowCapacity int `yaml:"window_capacity"`
	// MetricsPort, if nonzero, exposes stats on this port.
	MetricsPort int `yaml:"metrics_port"`
	// MetricsFormat selects "json" or "prometheus".
	MetricsFormat string `yaml:"metrics_format"`
}

// Defaults returns the protocol's constants from spec, as a starting
// point for ReadFile and for flag defaults.
func Defaults() Config {
	return Config{
		RetransmitTimeout: 4_500_000 * time.Microsecond,
		InitialWindowSize: 1,
		WindowCapacity:    31,
		MetricsFormat:     "json",
	}
}

// ReadFile loads overrides from a YAML file on top of Defaults().
func ReadFile(path string) (*Config, error) {
	c := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
