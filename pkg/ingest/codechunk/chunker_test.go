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

package codechunk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectBoundaries(t *testing.T) {
	lines := []string{
		"import os",
		"",
		"@app.route(\"/\")",
		"def index():",
		"    return render()",
		"",
		"class Handler:",
		"    def serve(self):",
		"        pass",
	}
	boundaries := DetectBoundaries(lines)
	require.Len(t, boundaries, 5)

	assert.Equal(t, Boundary{Line: 0, Type: BoundaryImport}, boundaries[0])
	assert.Equal(t, Boundary{Line: 2, Type: BoundaryDecorator}, boundaries[1])
	assert.Equal(t, Boundary{Line: 3, Type: BoundaryFunction, Name: "index"}, boundaries[2])
	assert.Equal(t, Boundary{Line: 6, Type: BoundaryClass, Name: "Handler"}, boundaries[3])
	assert.Equal(t, Boundary{Line: 7, Type: BoundaryFunction, Name: "serve", Indent: 4}, boundaries[4])
}

func TestDetectBoundariesGo(t *testing.T) {
	lines := []string{
		"type Server struct {",
		"func (s *Server) Run(ctx context.Context) error {",
		"func NewServer(cfg Config) *Server {",
	}
	boundaries := DetectBoundaries(lines)
	require.Len(t, boundaries, 3)
	assert.Equal(t, BoundaryClass, boundaries[0].Type)
	assert.Equal(t, "Server", boundaries[0].Name)
	assert.Equal(t, "Run", boundaries[1].Name)
	assert.Equal(t, "NewServer", boundaries[2].Name)
}

func TestImportHeadEnd(t *testing.T) {
	t.Run("grouped go imports", func(t *testing.T) {
		lines := strings.Split("package main\n\nimport (\n\t\"fmt\"\n\t\"os\"\n)\n\nfunc main() {}", "\n")
		assert.Equal(t, 7, importHeadEnd(lines))
	})

	t.Run("no imports", func(t *testing.T) {
		assert.Equal(t, 0, importHeadEnd([]string{"func main() {}"}))
	})
}

func TestChunk(t *testing.T) {
	t.Run("empty input", func(t *testing.T) {
		assert.Nil(t, New(0, 0, 0).Chunk("  \n ", "python"))
	})

	t.Run("small file is one chunk", func(t *testing.T) {
		content := "def hello():\n    return 1"
		chunks := New(1200, 100, 4).Chunk(content, "python")
		require.Len(t, chunks, 1)
		assert.Equal(t, content, chunks[0].Content)
		assert.Equal(t, 1, chunks[0].StartLine)
		assert.Equal(t, 2, chunks[0].EndLine)
		assert.Equal(t, "python", chunks[0].Language)
	})

	t.Run("class scope carried onto chunks", func(t *testing.T) {
		content := strings.Join([]string{
			"class Foo:",
			"    def bar(self):",
			"        x = 1",
			"        return x",
			"",
			"    def baz(self):",
			"        y = 2",
			"        return y",
		}, "\n")

		chunks := New(10, 0, 4).Chunk(content, "python")
		require.Len(t, chunks, 3)
		for _, ch := range chunks {
			assert.Equal(t, "Foo", ch.ScopeName)
			assert.Equal(t, ScopeClass, ch.ScopeType)
		}
		assert.Equal(t, 1, chunks[0].StartLine)
		assert.Equal(t, 3, chunks[0].EndLine)
		assert.Equal(t, 4, chunks[1].StartLine)
		assert.Equal(t, 6, chunks[1].EndLine)
		assert.Equal(t, 7, chunks[2].StartLine)
		assert.Equal(t, 8, chunks[2].EndLine)
	})

	t.Run("import head stays whole", func(t *testing.T) {
		content := strings.Join([]string{
			"import os",
			"import sys",
			"import json",
			"import collections",
			"",
			"def main():",
			"    pass",
		}, "\n")

		chunks := New(10, 0, 4).Chunk(content, "python")
		require.Len(t, chunks, 2)
		assert.Equal(t, "imports", chunks[0].ChunkType)
		assert.Equal(t, ScopeModule, chunks[0].ScopeType)
		assert.Equal(t, 5, chunks[0].EndLine)
		assert.Equal(t, "code", chunks[1].ChunkType)
		assert.Equal(t, "main", chunks[1].ScopeName)
		assert.Equal(t, ScopeFunction, chunks[1].ScopeType)
	})

	t.Run("decorators never end a chunk", func(t *testing.T) {
		var b strings.Builder
		for i := 0; i < 40; i++ {
			b.WriteString("@decorated\ndef handler():\n    value = compute_something_interesting()\n    return value\n\n")
		}

		chunks := New(20, 5, 4).Chunk(b.String(), "python")
		require.Greater(t, len(chunks), 1)
		for _, ch := range chunks[:len(chunks)-1] {
			lines := strings.Split(ch.Content, "\n")
			assert.False(t, strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "@"),
				"chunk ending at line %d strands a decorator", ch.EndLine)
		}
	})

	t.Run("line ranges match content", func(t *testing.T) {
		var b strings.Builder
		for i := 0; i < 30; i++ {
			b.WriteString("x = 1;\ny = 2;\nz = x + y;\n")
		}
		chunks := New(15, 0, 4).Chunk(b.String(), "python")
		require.Greater(t, len(chunks), 1)
		for _, ch := range chunks {
			assert.LessOrEqual(t, ch.StartLine, ch.EndLine)
			assert.Len(t, strings.Split(ch.Content, "\n"), ch.EndLine-ch.StartLine+1)
		}
	})
}
