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
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// quoteString renders s as a single-quoted Cypher string literal. Dollar
// signs become unicode escapes so content can never terminate the SQL
// dollar-quoting the Cypher text travels inside.
func quoteString(s string) string {
	var sb strings.Builder
	sb.Grow(len(s) + 2)
	sb.WriteByte('\'')
	for _, r := range s {
		switch r {
		case '\\':
			sb.WriteString(`\\`)
		case '\'':
			sb.WriteString(`\'`)
		case '"':
			sb.WriteString(`\"`)
		case '$':
			// A raw dollar could form the tag that closes the SQL
			// dollar-quoting; the unicode escape keeps it out of the text.
			sb.WriteString(`\u0024`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\t':
			sb.WriteString(`\t`)
		default:
			sb.WriteRune(r)
		}
	}
	sb.WriteByte('\'')
	return sb.String()
}

// quoteList renders values as a Cypher list literal of strings.
func quoteList(values []string) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = quoteString(v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// wrapCypher builds the SQL statement that executes cypherText inside the
// named graph. columns is the AS-clause column list, one agtype per
// returned expression.
func wrapCypher(graphName, cypherText string, columns int) string {
	cols := make([]string, columns)
	for i := range cols {
		cols[i] = fmt.Sprintf("c%d agtype", i)
	}
	if columns == 0 {
		cols = []string{"c0 agtype"}
	}
	return fmt.Sprintf("SELECT * FROM cypher(%s, $cq$%s$cq$) AS (%s)",
		quoteIdent(graphName), cypherText, strings.Join(cols, ", "))
}

// quoteIdent renders a graph name as a SQL string literal. Names are
// validated against namePattern before reaching here.
func quoteIdent(name string) string {
	return "'" + name + "'"
}

// agtypeValue is one decoded agtype column.
type agtypeValue struct {
	raw string
}

// vertex is the decoded shape of an agtype ::vertex value.
type vertex struct {
	ID         int64          `json:"id"`
	Label      string         `json:"label"`
	Properties map[string]any `json:"properties"`
}

// edge is the decoded shape of an agtype ::edge value.
type edge struct {
	ID         int64          `json:"id"`
	Label      string         `json:"label"`
	StartID    int64          `json:"start_id"`
	EndID      int64          `json:"end_id"`
	Properties map[string]any `json:"properties"`
}

// stripAnnotation removes the trailing ::vertex / ::edge / ::path type
// annotation from an agtype text value.
func stripAnnotation(s string) string {
	if i := strings.LastIndex(s, "::"); i >= 0 {
		suffix := s[i+2:]
		switch suffix {
		case "vertex", "edge", "path", "numeric":
			return s[:i]
		}
	}
	return s
}

// Vertex decodes the value as a graph vertex.
func (v agtypeValue) Vertex() (vertex, error) {
	var out vertex
	if err := json.Unmarshal([]byte(stripAnnotation(v.raw)), &out); err != nil {
		return vertex{}, fmt.Errorf("failed to decode vertex: %w", err)
	}
	return out, nil
}

// Edge decodes the value as a graph edge.
func (v agtypeValue) Edge() (edge, error) {
	var out edge
	if err := json.Unmarshal([]byte(stripAnnotation(v.raw)), &out); err != nil {
		return edge{}, fmt.Errorf("failed to decode edge: %w", err)
	}
	return out, nil
}

// Int decodes the value as an integer.
func (v agtypeValue) Int() (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(stripAnnotation(v.raw)))
	if err != nil {
		return 0, fmt.Errorf("failed to decode integer: %w", err)
	}
	return n, nil
}

// String decodes the value as a string.
func (v agtypeValue) String() (string, error) {
	var s string
	if err := json.Unmarshal([]byte(stripAnnotation(v.raw)), &s); err != nil {
		return "", fmt.Errorf("failed to decode string: %w", err)
	}
	return s, nil
}

// propString reads a string property, tolerating absence.
func propString(props map[string]any, key string) string {
	if v, ok := props[key].(string); ok {
		return v
	}
	return ""
}

// propFloat reads a numeric property, tolerating absence.
func propFloat(props map[string]any, key string) float64 {
	switch v := props[key].(type) {
	case float64:
		return v
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

// propStrings reads a string-list property, tolerating absence.
func propStrings(props map[string]any, key string) []string {
	list, ok := props[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
