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

// Entity is a named vertex in a project's graph. Identity is (project,
// name); the same name in two projects is two independent entities.
type Entity struct {
	Name            string   `json:"name"`
	Type            string   `json:"type"`
	Description     string   `json:"description"`
	SourceChunkIDs  []string `json:"source_chunk_ids"`
	SourceFilePaths []string `json:"source_file_paths"`
}

// Relation is a directed edge between two entities, unique by
// (project, source, target, keywords).
type Relation struct {
	Source          string   `json:"source"`
	Target          string   `json:"target"`
	Keywords        string   `json:"keywords"`
	Description     string   `json:"description"`
	Weight          float64  `json:"weight"`
	SourceChunkIDs  []string `json:"source_chunk_ids"`
	SourceFilePaths []string `json:"source_file_paths"`
}

// RelationKey identifies one relation for targeted deletes.
type RelationKey struct {
	Source   string
	Target   string
	Keywords string
}

// Key returns the relation's identity key.
func (r *Relation) Key() RelationKey {
	return RelationKey{Source: r.Source, Target: r.Target, Keywords: r.Keywords}
}

// Stats are per-project graph counts.
type Stats struct {
	Entities  int `json:"entities"`
	Relations int `json:"relations"`
}

func decodeEntity(v vertex) *Entity {
	return &Entity{
		Name:            propString(v.Properties, "name"),
		Type:            propString(v.Properties, "type"),
		Description:     propString(v.Properties, "description"),
		SourceChunkIDs:  propStrings(v.Properties, "source_chunk_ids"),
		SourceFilePaths: propStrings(v.Properties, "source_file_paths"),
	}
}

func decodeRelation(source, target string, e edge) *Relation {
	return &Relation{
		Source:          source,
		Target:          target,
		Keywords:        propString(e.Properties, "keywords"),
		Description:     propString(e.Properties, "description"),
		Weight:          propFloat(e.Properties, "weight"),
		SourceChunkIDs:  propStrings(e.Properties, "source_chunk_ids"),
		SourceFilePaths: propStrings(e.Properties, "source_file_paths"),
	}
}
