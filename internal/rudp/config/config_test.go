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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	d := Defaults()
	require.Equal(t, 4_500_000*time.Microsecond, d.RetransmitTimeout)
	require.Equal(t, 1, d.InitialWindowSize)
	require.Equal(t, 31, d.WindowCapacity)
	require.Equal(t, "json", d.MetricsFormat)
}

func TestReadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rudp.yaml")
	require.NoError(t, os.WriteFile(path, []byte("window_capacity: 8\nmetrics_format: prometheus\n"), 0o644))

	c, err := ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, 8, c.WindowCapacity)
	require.Equal(t, "prometheus", c.MetricsFormat)
	// Fields absent from the file keep their default value.
	require.Equal(t, 1, c.InitialWindowSize)
	require.Equal(t, 4_500_000*time.Microsecond, c.RetransmitTimeout)
}

func TestReadFileMissing(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
