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
)

// ScopeType classifies the declaration containing a chunk.
type ScopeType string

const (
	ScopeClass    ScopeType = "CLASS"
	ScopeFunction ScopeType = "FUNCTION"
	ScopeModule   ScopeType = "MODULE"
	ScopeFile     ScopeType = "FILE"
)

// Chunk is an emitted code chunk with its line range and containing scope.
type Chunk struct {
	Content   string
	StartLine int // 1-based, inclusive
	EndLine   int // 1-based, inclusive
	ScopeName string
	ScopeType ScopeType
	ChunkType string // "code" or "imports"
	Language  string
}

// Chunker splits source files into boundary-respecting chunks.
type Chunker struct {
	maxTokens     int
	overlapTokens int
	charsPerToken int
}

// New builds a chunker. Zero or negative parameters fall back to defaults
// of 1200 max tokens, 100 overlap tokens and 4 chars per token.
func New(maxTokens, overlapTokens, charsPerToken int) *Chunker {
	if maxTokens <= 0 {
		maxTokens = 1200
	}
	if overlapTokens < 0 || overlapTokens >= maxTokens {
		overlapTokens = 100
	}
	if charsPerToken <= 0 {
		charsPerToken = 4
	}
	return &Chunker{maxTokens: maxTokens, overlapTokens: overlapTokens, charsPerToken: charsPerToken}
}

// scope is the declaration context carried onto chunks.
type scope struct {
	name   string
	typ    ScopeType
	indent int
}

// Chunk splits source content into chunks. Lines accumulate greedily up to
// the character budget; cuts prefer declaration boundaries and statement
// ends, imports stay contiguous at file head, and decorators stay glued to
// the declaration that follows.
func (c *Chunker) Chunk(content, language string) []Chunk {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	lines := strings.Split(content, "\n")
	boundaries := DetectBoundaries(lines)

	// Index boundaries by line for scope tracking during the sweep.
	byLine := make(map[int]Boundary, len(boundaries))
	for _, b := range boundaries {
		byLine[b.Line] = b
	}

	budget := c.maxTokens * c.charsPerToken
	overlapBudget := c.overlapTokens * c.charsPerToken

	importHead := importHeadEnd(lines)

	var chunks []Chunk
	current := scope{typ: ScopeFile}
	chunkScope := current

	var buf []string
	bufSize := 0
	start := 0
	pendingDecorators := 0 // trailing decorator lines in buf awaiting their declaration

	emit := func(end int) {
		// Never strand decorators at the tail of a chunk; they belong
		// with the declaration on the next line.
		held := pendingDecorators
		body := buf
		if held > 0 && held < len(body) {
			body = body[:len(body)-held]
			end -= held
		}
		text := strings.Join(body, "\n")
		if strings.TrimSpace(text) == "" {
			return
		}

		chunkType := "code"
		if end <= importHead && importHead > 0 {
			chunkType = "imports"
		}
		chunks = append(chunks, Chunk{
			Content:   text,
			StartLine: start + 1,
			EndLine:   end,
			ScopeName: chunkScope.name,
			ScopeType: chunkScope.typ,
			ChunkType: chunkType,
			Language:  language,
		})
	}

	flushAt := func(i int) {
		held := pendingDecorators
		emit(i)

		// Back-overlap: re-seed with tail lines worth overlapTokens, plus
		// any held decorator lines.
		var tail []string
		tailSize := 0
		upper := len(buf) - held
		for j := upper - 1; j >= 0; j-- {
			lineLen := len(buf[j]) + 1
			if tailSize+lineLen > overlapBudget {
				break
			}
			tail = append([]string{buf[j]}, tail...)
			tailSize += lineLen
		}
		if held > 0 {
			tail = append(tail, buf[upper:]...)
			for _, d := range buf[upper:] {
				tailSize += len(d) + 1
			}
		}
		buf = tail
		bufSize = tailSize
		start = i - len(buf)
		chunkScope = current
	}

	for i, line := range lines {
		b, isBoundary := byLine[i]
		if isBoundary {
			switch b.Type {
			case BoundaryClass:
				current = scope{name: b.Name, typ: ScopeClass, indent: b.Indent}
			case BoundaryFunction:
				// A top-level function replaces a class scope; a nested one
				// keeps the class as context only when more indented.
				if current.typ != ScopeClass || b.Indent <= current.indent {
					current = scope{name: b.Name, typ: ScopeFunction, indent: b.Indent}
				}
			case BoundaryImport:
				if i < importHead && current.typ == ScopeFile {
					current = scope{typ: ScopeModule}
				}
			}
		}

		lineLen := len(line) + 1
		overflow := bufSize+lineLen > budget && bufSize > 0

		// Keep the head import block in one piece.
		if overflow && i < importHead {
			overflow = false
		}
		// Prefer cutting at a declaration boundary or a statement end; if
		// neither, hold on a little until one shows up (hard cut at 120% of
		// budget so pathological one-liners still terminate).
		if overflow && !isBoundary && i > 0 && !statementEndPattern.MatchString(lines[i-1]) {
			if bufSize+lineLen <= budget*6/5 {
				overflow = false
			}
		}

		if overflow {
			flushAt(i)
		}

		if len(buf) == 0 {
			start = i
			chunkScope = current
		}
		buf = append(buf, line)
		bufSize += lineLen

		if isBoundary && b.Type == BoundaryDecorator {
			pendingDecorators++
		} else {
			pendingDecorators = 0
		}

		// Past the import head the module scope ends.
		if i == importHead-1 && current.typ == ScopeModule {
			current = scope{typ: ScopeFile}
		}
	}

	pendingDecorators = 0
	if bufSize > overlapBudget || len(chunks) == 0 {
		emit(len(lines))
	}

	return chunks
}

// importHeadEnd returns the line just past the contiguous import block at the
// file head, or 0 when the file does not start with imports. Blank lines,
// comments and a package/module declaration inside the block do not break it.
func importHeadEnd(lines []string) int {
	end := 0
	seen := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "#") && !strings.HasPrefix(trimmed, "#include") {
			if seen {
				end = i + 1
			}
			continue
		}
		if importPattern.MatchString(line) || (seen && (trimmed == ")" || strings.HasPrefix(line, "\t") || strings.HasPrefix(line, " "))) {
			seen = true
			end = i + 1
			continue
		}
		break
	}
	if !seen {
		return 0
	}
	return end
}
