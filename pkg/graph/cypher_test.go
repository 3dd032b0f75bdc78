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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuoteString(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		assert.Equal(t, `'Alan Turing'`, quoteString("Alan Turing"))
	})

	t.Run("quotes and backslashes", func(t *testing.T) {
		assert.Equal(t, `'O\'Brien'`, quoteString("O'Brien"))
		assert.Equal(t, `'a\\b'`, quoteString(`a\b`))
		assert.Equal(t, `'say \"hi\"'`, quoteString(`say "hi"`))
	})

	t.Run("control characters", func(t *testing.T) {
		assert.Equal(t, `'a\nb\tc\rd'`, quoteString("a\nb\tc\rd"))
	})

	t.Run("dollar signs never survive raw", func(t *testing.T) {
		quoted := quoteString("price is $cq$ 100")
		assert.NotContains(t, quoted, "$")
		assert.Equal(t, `'price is \u0024cq\u0024 100'`, quoted)
	})
}

func TestQuoteList(t *testing.T) {
	assert.Equal(t, "[]", quoteList(nil))
	assert.Equal(t, `['a', 'b\'c']`, quoteList([]string{"a", "b'c"}))
}

func TestWrapCypher(t *testing.T) {
	t.Run("columns", func(t *testing.T) {
		sql := wrapCypher("graph_00000000000000000000000000000000", "MATCH (e) RETURN e.name, e.type", 2)
		assert.Equal(t,
			"SELECT * FROM cypher('graph_00000000000000000000000000000000', $cq$MATCH (e) RETURN e.name, e.type$cq$) AS (c0 agtype, c1 agtype)",
			sql)
	})

	t.Run("write statements still need one column", func(t *testing.T) {
		sql := wrapCypher("graph_00000000000000000000000000000000", "MERGE (e:Entity {name: 'x'})", 0)
		assert.True(t, strings.HasSuffix(sql, "AS (c0 agtype)"))
	})
}

func TestAgtypeDecoding(t *testing.T) {
	t.Run("vertex", func(t *testing.T) {
		v, err := agtypeValue{raw: `{"id": 1, "label": "Entity", "properties": {"name": "Turing", "weight": 2.5, "source_chunk_ids": ["c1", "c2"]}}::vertex`}.Vertex()
		require.NoError(t, err)
		assert.Equal(t, "Entity", v.Label)
		assert.Equal(t, "Turing", propString(v.Properties, "name"))
		assert.Equal(t, 2.5, propFloat(v.Properties, "weight"))
		assert.Equal(t, []string{"c1", "c2"}, propStrings(v.Properties, "source_chunk_ids"))
	})

	t.Run("edge", func(t *testing.T) {
		e, err := agtypeValue{raw: `{"id": 3, "label": "RELATED_TO", "start_id": 1, "end_id": 2, "properties": {}}::edge`}.Edge()
		require.NoError(t, err)
		assert.Equal(t, "RELATED_TO", e.Label)
		assert.Equal(t, int64(1), e.StartID)
	})

	t.Run("scalar", func(t *testing.T) {
		n, err := agtypeValue{raw: "42"}.Int()
		require.NoError(t, err)
		assert.Equal(t, 42, n)

		s, err := agtypeValue{raw: `"hello"`}.String()
		require.NoError(t, err)
		assert.Equal(t, "hello", s)
	})

	t.Run("missing properties tolerated", func(t *testing.T) {
		props := map[string]any{}
		assert.Equal(t, "", propString(props, "name"))
		assert.Equal(t, 0.0, propFloat(props, "weight"))
		assert.Nil(t, propStrings(props, "ids"))
	})
}
