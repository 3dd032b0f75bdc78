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
	"strings"
	"sync"
)

// AccumulatedEntity is a document-level entity with its ordered description
// list and provenance, ready for summarization and graph upsert.
type AccumulatedEntity struct {
	Name            string
	Type            string
	Descriptions    []string
	SourceChunkIDs  []string
	SourceFilePaths []string
}

// AccumulatedRelation is the relation analogue.
type AccumulatedRelation struct {
	Source          string
	Target          string
	Keywords        string
	Descriptions    []string
	Weight          float64
	SourceChunkIDs  []string
	SourceFilePaths []string
}

type relationKey struct {
	source, target, keywords string
}

// Accumulator merges per-chunk extraction results into document-level
// entity and relation sets. Safe for concurrent Add calls from parallel
// chunk workers; iteration order is first-seen order.
type Accumulator struct {
	mu sync.Mutex

	entities    map[string]*AccumulatedEntity
	entityOrder []string

	relations     map[relationKey]*AccumulatedRelation
	relationOrder []relationKey
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		entities:  make(map[string]*AccumulatedEntity),
		relations: make(map[relationKey]*AccumulatedRelation),
	}
}

// Add merges one chunk's result. Entity identity is case-insensitive on
// name (first-seen casing wins); relations keep only endpoints present in
// the accumulated entity set.
func (a *Accumulator) Add(chunkID, filePath string, result *Result) {
	if result == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, e := range result.Entities {
		key := strings.ToLower(e.Name)
		acc, ok := a.entities[key]
		if !ok {
			acc = &AccumulatedEntity{Name: e.Name, Type: e.Type}
			a.entities[key] = acc
			a.entityOrder = append(a.entityOrder, key)
		}
		if acc.Type == "" {
			acc.Type = e.Type
		}
		if e.Description != "" {
			acc.Descriptions = append(acc.Descriptions, e.Description)
		}
		acc.SourceChunkIDs = appendUnique(acc.SourceChunkIDs, chunkID)
		acc.SourceFilePaths = appendUnique(acc.SourceFilePaths, filePath)
	}

	for _, r := range result.Relations {
		srcKey := strings.ToLower(r.Source)
		tgtKey := strings.ToLower(r.Target)
		src, srcOK := a.entities[srcKey]
		tgt, tgtOK := a.entities[tgtKey]
		if !srcOK || !tgtOK {
			continue
		}

		key := relationKey{source: srcKey, target: tgtKey, keywords: r.Keywords}
		acc, ok := a.relations[key]
		if !ok {
			acc = &AccumulatedRelation{
				Source:   src.Name,
				Target:   tgt.Name,
				Keywords: r.Keywords,
			}
			a.relations[key] = acc
			a.relationOrder = append(a.relationOrder, key)
		}
		if r.Description != "" {
			acc.Descriptions = append(acc.Descriptions, r.Description)
		}
		acc.Weight += r.Weight
		acc.SourceChunkIDs = appendUnique(acc.SourceChunkIDs, chunkID)
		acc.SourceFilePaths = appendUnique(acc.SourceFilePaths, filePath)
	}
}

// Entities returns the accumulated entities in first-seen order.
func (a *Accumulator) Entities() []*AccumulatedEntity {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*AccumulatedEntity, 0, len(a.entityOrder))
	for _, key := range a.entityOrder {
		out = append(out, a.entities[key])
	}
	return out
}

// Relations returns the accumulated relations in first-seen order.
func (a *Accumulator) Relations() []*AccumulatedRelation {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*AccumulatedRelation, 0, len(a.relationOrder))
	for _, key := range a.relationOrder {
		out = append(out, a.relations[key])
	}
	return out
}

func appendUnique(list []string, v string) []string {
	if v == "" {
		return list
	}
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
