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

// Package graph manages per-project Apache AGE graph namespaces and the
// entity/relation store inside them. Every project owns exactly one physical
// graph; all Cypher is templated and escaped here, never by callers.
package graph

import (
	"fmt"
	"regexp"
	"strings"
)

// namePattern is the physical graph name shape required by the engine.
var namePattern = regexp.MustCompile(`^graph_[0-9a-f]{32}$`)

// GraphName derives the physical namespace for a project id: "graph_"
// followed by the id's 32 hex chars with separators removed. The result fits
// the engine's 63-char identifier limit.
func GraphName(projectID string) (string, error) {
	hex := strings.ToLower(strings.ReplaceAll(projectID, "-", ""))
	name := "graph_" + hex
	if !namePattern.MatchString(name) {
		return "", fmt.Errorf("project id %q does not yield a valid graph name", projectID)
	}
	return name, nil
}
