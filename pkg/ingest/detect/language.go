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

package detect

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tessera-ai/tessera"
)

// Method records how a language was determined.
type Method string

const (
	MethodExtension Method = "extension"
	MethodContent   Method = "content"
	MethodHeuristic Method = "heuristic"
)

// Detection is the result of language detection.
type Detection struct {
	Language   string
	Method     Method
	Confidence float64
}

// extensionLanguages maps file extensions to languages.
var extensionLanguages = map[string]string{
	".go":    "go",
	".py":    "python",
	".js":    "javascript",
	".jsx":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".java":  "java",
	".kt":    "kotlin",
	".rb":    "ruby",
	".rs":    "rust",
	".c":     "c",
	".h":     "c",
	".cpp":   "cpp",
	".cc":    "cpp",
	".hpp":   "cpp",
	".cs":    "csharp",
	".php":   "php",
	".swift": "swift",
	".scala": "scala",
	".sh":    "shell",
	".bash":  "shell",
	".sql":   "sql",
	".html":  "html",
	".css":   "css",
	".yaml":  "yaml",
	".yml":   "yaml",
	".json":  "json",
	".xml":   "xml",
	".md":    "markdown",
}

// contentPatterns validate (or detect) a language from source text.
var contentPatterns = map[string]*regexp.Regexp{
	"go":         regexp.MustCompile(`(?m)^\s*(package\s+\w+|func\s+\w+|import\s+\()`),
	"python":     regexp.MustCompile(`(?m)^\s*(def\s+\w+\s*\(|class\s+\w+|import\s+\w+|from\s+\w+\s+import)`),
	"javascript": regexp.MustCompile(`(?m)(function\s+\w+\s*\(|const\s+\w+\s*=|=>\s*\{|module\.exports)`),
	"typescript": regexp.MustCompile(`(?m)(interface\s+\w+|type\s+\w+\s*=|:\s*(string|number|boolean)\b|function\s+\w+\s*\()`),
	"java":       regexp.MustCompile(`(?m)(public\s+(class|interface|enum)\s+\w+|package\s+[\w.]+;|import\s+[\w.]+;)`),
	"kotlin":     regexp.MustCompile(`(?m)(fun\s+\w+\s*\(|val\s+\w+|var\s+\w+\s*[:=]|class\s+\w+)`),
	"ruby":       regexp.MustCompile(`(?m)^\s*(def\s+\w+|class\s+\w+|module\s+\w+|require\s+)`),
	"rust":       regexp.MustCompile(`(?m)(fn\s+\w+\s*\(|let\s+mut\s+|impl\s+\w+|use\s+\w+::)`),
	"c":          regexp.MustCompile(`(?m)(#include\s*<|int\s+main\s*\(|typedef\s+struct)`),
	"cpp":        regexp.MustCompile(`(?m)(#include\s*<|std::|template\s*<|namespace\s+\w+)`),
	"csharp":     regexp.MustCompile(`(?m)(using\s+System|namespace\s+\w+|public\s+class\s+\w+)`),
	"php":        regexp.MustCompile(`(?m)(<\?php|function\s+\w+\s*\(|\$\w+\s*=)`),
	"swift":      regexp.MustCompile(`(?m)(func\s+\w+\s*\(|var\s+\w+\s*:|let\s+\w+\s*=|import\s+Foundation)`),
	"scala":      regexp.MustCompile(`(?m)(object\s+\w+|def\s+\w+\s*\(|val\s+\w+\s*[:=]|trait\s+\w+)`),
	"shell":      regexp.MustCompile(`(?m)(^#!/bin/(ba)?sh|^\s*if\s+\[\[|\becho\s+)`),
	"sql":        regexp.MustCompile(`(?im)^\s*(SELECT|INSERT|UPDATE|DELETE|CREATE\s+TABLE)\b`),
}

// contentScanOrder fixes the scan order for extension-less detection so
// results are deterministic. More distinctive syntaxes come first.
var contentScanOrder = []string{
	"go", "rust", "java", "kotlin", "csharp", "swift", "scala", "php",
	"python", "ruby", "typescript", "javascript", "cpp", "c", "shell", "sql",
}

// DetectLanguage identifies the language of a source file.
//
// An extension match yields confidence 0.85, raised to 0.95 when the
// language's content regex also matches and lowered to 0.75 when it does
// not. Without an extension match, the first content regex hit yields 0.65.
// Otherwise the result is unknown with confidence 0.
//
// Binary content fails with BINARY_FILE_REJECTED.
func DetectLanguage(name, content string) (Detection, error) {
	if IsBinary(name, []byte(content)) {
		return Detection{}, tessera.NewError(tessera.KindBinaryFileRejected,
			"binary content cannot be language-detected: "+filepath.Base(name))
	}

	ext := strings.ToLower(filepath.Ext(name))
	if lang, ok := extensionLanguages[ext]; ok {
		if pattern, ok := contentPatterns[lang]; ok {
			if pattern.MatchString(content) {
				return Detection{Language: lang, Method: MethodExtension, Confidence: 0.95}, nil
			}
			return Detection{Language: lang, Method: MethodExtension, Confidence: 0.75}, nil
		}
		return Detection{Language: lang, Method: MethodExtension, Confidence: 0.85}, nil
	}

	for _, lang := range contentScanOrder {
		if contentPatterns[lang].MatchString(content) {
			return Detection{Language: lang, Method: MethodContent, Confidence: 0.65}, nil
		}
	}

	return Detection{Language: "unknown", Method: MethodHeuristic, Confidence: 0.0}, nil
}

// IsCode reports whether the detection identifies source code (as opposed to
// prose or markup) with reasonable confidence.
func (d Detection) IsCode() bool {
	switch d.Language {
	case "unknown", "markdown", "html", "json", "yaml", "xml", "css", "":
		return false
	}
	return d.Confidence >= 0.65
}
