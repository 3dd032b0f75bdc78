// Copyright 2025 Tessera Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraphName(t *testing.T) {
	t.Run("uuid project", func(t *testing.T) {
		name, err := GraphName("550e8400-e29b-41d4-a716-446655440000")
		require.NoError(t, err)
		assert.Equal(t, "graph_550e8400e29b41d4a716446655440000", name)
		assert.LessOrEqual(t, len(name), 63)
	})

	t.Run("case folded", func(t *testing.T) {
		lower, err := GraphName("550e8400-e29b-41d4-a716-446655440000")
		require.NoError(t, err)
		upper, err := GraphName("550E8400-E29B-41D4-A716-446655440000")
		require.NoError(t, err)
		assert.Equal(t, lower, upper)
	})

	t.Run("deterministic", func(t *testing.T) {
		a, err := GraphName("550e8400-e29b-41d4-a716-446655440000")
		require.NoError(t, err)
		b, err := GraphName("550e8400-e29b-41d4-a716-446655440000")
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("rejects non-uuid input", func(t *testing.T) {
		for _, id := range []string{"", "not-a-uuid", "550e8400", "550e8400-e29b-41d4-a716-44665544zzzz"} {
			_, err := GraphName(id)
			assert.Error(t, err, "project id %q", id)
		}
	})
}

func TestFifoAppend(t *testing.T) {
	t.Run("appends and dedupes", func(t *testing.T) {
		out := fifoAppend([]string{"a", "b"}, []string{"b", "c", ""}, 50)
		assert.Equal(t, []string{"a", "b", "c"}, out)
	})

	t.Run("trims oldest beyond cap", func(t *testing.T) {
		out := fifoAppend([]string{"a", "b", "c"}, []string{"d", "e"}, 3)
		assert.Equal(t, []string{"c", "d", "e"}, out)
	})
}

func TestMergeDescription(t *testing.T) {
	s := &Store{separator: " | "}

	assert.Equal(t, "new", s.mergeDescription("", "new"))
	assert.Equal(t, "old", s.mergeDescription("old", ""))
	assert.Equal(t, "old | new", s.mergeDescription("old", "new"))

	// Incoming already contained in the existing text is not repeated.
	assert.Equal(t, "a computer scientist", s.mergeDescription("a computer scientist", "computer"))
}
