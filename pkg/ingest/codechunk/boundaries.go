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

// Package codechunk splits source code into chunks that respect declaration
// boundaries. Boundaries are found with language-agnostic regex families
// rather than per-language parsers; chunks carry line ranges and the
// containing scope so retrieval can cite exact locations.
package codechunk

import (
	"regexp"
	"strings"
)

// BoundaryType classifies a detected declaration boundary.
type BoundaryType string

const (
	BoundaryClass     BoundaryType = "class"
	BoundaryFunction  BoundaryType = "function"
	BoundaryImport    BoundaryType = "import"
	BoundaryDecorator BoundaryType = "decorator"
)

// Boundary is a detected declaration start.
type Boundary struct {
	// Line is the 0-based line index.
	Line int

	// Type is the boundary family.
	Type BoundaryType

	// Name is the declared identifier, empty for imports and decorators.
	Name string

	// Indent is the leading-whitespace width, used to tell nested
	// declarations from top-level ones.
	Indent int
}

// classPatterns matches class-like declarations: class, struct, interface,
// enum, trait across the common languages.
var classPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\s*(?:export\s+)?(?:public\s+|private\s+|protected\s+|internal\s+|abstract\s+|final\s+|sealed\s+|data\s+|static\s+)*(?:class|struct|interface|enum|trait|object|record)\s+([A-Za-z_]\w*)`),
	regexp.MustCompile(`^\s*type\s+([A-Za-z_]\w*)\s+(?:struct|interface)\b`), // Go
	regexp.MustCompile(`^\s*(?:pub\s+)?(?:struct|enum|trait|impl)\s+([A-Za-z_]\w*)`), // Rust
}

// functionPatterns matches function and method declarations.
var functionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\s*func\s+(?:\([^)]*\)\s*)?([A-Za-z_]\w*)\s*\(`),                       // Go
	regexp.MustCompile(`^\s*(?:async\s+)?def\s+([A-Za-z_]\w*)\s*\(`),                           // Python
	regexp.MustCompile(`^\s*(?:export\s+)?(?:async\s+)?function\s*\*?\s*([A-Za-z_]\w*)\s*\(`),  // JS/TS
	regexp.MustCompile(`^\s*(?:pub\s+)?(?:async\s+)?fn\s+([A-Za-z_]\w*)`),                      // Rust
	regexp.MustCompile(`^\s*(?:override\s+)?fun\s+([A-Za-z_]\w*)\s*\(`),                        // Kotlin
	regexp.MustCompile(`^\s*(?:public|private|protected|static|final|synchronized|abstract|native|virtual|override|async)[\w\s<>\[\],?]*\s+([A-Za-z_]\w*)\s*\([^;]*$`), // Java/C#
	regexp.MustCompile(`^\s*(?:public\s+|private\s+|protected\s+|static\s+)*function\s+([A-Za-z_]\w*)\s*\(`), // PHP
}

// importPattern matches import-like statements kept contiguous at file head.
var importPattern = regexp.MustCompile(`^\s*(?:import\b|from\s+\S+\s+import\b|#include\b|using\s+[\w.]+\s*;|require\s*\(|use\s+[\w:\\]+\s*;|package\s+[\w.]+)`)

// decoratorPattern matches decorators and annotations glued to the
// declaration that follows.
var decoratorPattern = regexp.MustCompile(`^\s*(?:@[A-Za-z_][\w.]*|#\[[A-Za-z_]\w*)`)

// statementEndPattern detects a line that terminates a statement, a safe
// place to cut when a chunk overflows.
var statementEndPattern = regexp.MustCompile(`(?:[;}]|^\s*$|\bend\b)\s*$`)

// indentWidth returns the leading-whitespace width of a line, tabs counted
// as 4.
func indentWidth(line string) int {
	width := 0
	for _, r := range line {
		switch r {
		case ' ':
			width++
		case '\t':
			width += 4
		default:
			return width
		}
	}
	return width
}

// DetectBoundaries scans lines and returns the ordered boundary list.
func DetectBoundaries(lines []string) []Boundary {
	var boundaries []Boundary

	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}

		if decoratorPattern.MatchString(line) {
			boundaries = append(boundaries, Boundary{Line: i, Type: BoundaryDecorator, Indent: indentWidth(line)})
			continue
		}

		if importPattern.MatchString(line) {
			boundaries = append(boundaries, Boundary{Line: i, Type: BoundaryImport, Indent: indentWidth(line)})
			continue
		}

		matched := false
		for _, p := range classPatterns {
			if m := p.FindStringSubmatch(line); m != nil {
				boundaries = append(boundaries, Boundary{Line: i, Type: BoundaryClass, Name: m[1], Indent: indentWidth(line)})
				matched = true
				break
			}
		}
		if matched {
			continue
		}

		for _, p := range functionPatterns {
			if m := p.FindStringSubmatch(line); m != nil {
				boundaries = append(boundaries, Boundary{Line: i, Type: BoundaryFunction, Name: m[1], Indent: indentWidth(line)})
				break
			}
		}
	}

	return boundaries
}
