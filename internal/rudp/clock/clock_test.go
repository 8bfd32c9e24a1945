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

package clock

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFirstCallReturnsZero(t *testing.T) {
	c := NewMonotonic()
	require.Equal(t, uint32(0), c.Now())
}

func TestStrictlyMonotonic(t *testing.T) {
	c := NewMonotonic()
	prev := c.Now()
	for i := 0; i < 1000; i++ {
		cur := c.Now()
		require.Greater(t, cur, prev)
		prev = cur
	}
}
