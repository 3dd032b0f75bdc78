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

package extract

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tessera-ai/tessera"
)

// Entity is one tentatively extracted entity.
type Entity struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Relation is one tentatively extracted relation.
type Relation struct {
	Source      string  `json:"source"`
	Target      string  `json:"target"`
	Keywords    string  `json:"keywords"`
	Description string  `json:"description"`
	Weight      float64 `json:"weight"`
}

// Result is one parsed extraction pass.
type Result struct {
	Entities  []Entity   `json:"entities"`
	Relations []Relation `json:"relations"`
}

// Empty reports whether the pass found nothing. Gleaning stops early on an
// empty pass.
func (r *Result) Empty() bool {
	return len(r.Entities) == 0 && len(r.Relations) == 0
}

// codeBlockRe strips markdown code fences from LLM output.
var codeBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// extractJSON finds the JSON object in an LLM response, tolerating markdown
// fences and prose before or after the object.
func extractJSON(raw string) (string, error) {
	if m := codeBlockRe.FindStringSubmatch(raw); len(m) > 1 {
		raw = m[1]
	}
	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, "{") {
		return raw, nil
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1], nil
	}
	return "", tessera.NewError(tessera.KindLLMParseError, "no JSON object found in response")
}

// ParseResult parses a raw LLM extraction response. Names are trimmed and
// deduplicated case-insensitively within the pass; relations referencing
// entities absent from the pass are kept (they may resolve against earlier
// passes), self-loops are dropped.
func ParseResult(raw string) (*Result, error) {
	jsonStr, err := extractJSON(raw)
	if err != nil {
		return nil, err
	}

	var parsed Result
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return nil, tessera.WrapError(tessera.KindLLMParseError, "malformed extraction JSON", err)
	}

	out := &Result{}
	seen := make(map[string]bool)
	for _, e := range parsed.Entities {
		e.Name = strings.TrimSpace(e.Name)
		if e.Name == "" {
			continue
		}
		key := strings.ToLower(e.Name)
		if seen[key] {
			continue
		}
		seen[key] = true
		e.Type = strings.TrimSpace(e.Type)
		e.Description = strings.TrimSpace(e.Description)
		out.Entities = append(out.Entities, e)
	}

	for _, r := range parsed.Relations {
		r.Source = strings.TrimSpace(r.Source)
		r.Target = strings.TrimSpace(r.Target)
		if r.Source == "" || r.Target == "" {
			continue
		}
		if strings.EqualFold(r.Source, r.Target) {
			continue
		}
		r.Keywords = strings.TrimSpace(r.Keywords)
		r.Description = strings.TrimSpace(r.Description)
		if r.Weight <= 0 {
			r.Weight = 1.0
		}
		out.Relations = append(out.Relations, r)
	}

	return out, nil
}
