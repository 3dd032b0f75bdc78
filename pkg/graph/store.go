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
	"context"
	"fmt"
	"strings"

	"github.com/tessera-ai/tessera"
	"github.com/tessera-ai/tessera/pkg/config"
)

// Store is the per-project entity/relation store. All operations are gated
// on namespace existence and fail with GRAPH_NOT_FOUND otherwise.
type Store struct {
	mgr          *Manager
	batchSize    int
	maxSourceIDs int
	separator    string
}

// NewStore builds the graph store over a namespace manager.
func NewStore(mgr *Manager, graphCfg config.GraphConfig, entityCfg config.EntityConfig, separator string) *Store {
	return &Store{
		mgr:          mgr,
		batchSize:    graphCfg.BatchSize,
		maxSourceIDs: entityCfg.MaxSourceIDs,
		separator:    separator,
	}
}

// Manager exposes the underlying namespace manager.
func (s *Store) Manager() *Manager {
	return s.mgr
}

// fifoAppend appends add to existing, dropping duplicates, and trims from
// the head when the cap is exceeded. Oldest provenance is lost first.
func fifoAppend(existing, add []string, cap int) []string {
	seen := make(map[string]bool, len(existing)+len(add))
	out := make([]string, 0, len(existing)+len(add))
	for _, v := range existing {
		if v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	for _, v := range add {
		if v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	if len(out) > cap {
		out = out[len(out)-cap:]
	}
	return out
}

// mergeDescription concatenates the incoming description onto the existing
// one unless already contained.
func (s *Store) mergeDescription(existing, incoming string) string {
	existing = strings.TrimSpace(existing)
	incoming = strings.TrimSpace(incoming)
	switch {
	case existing == "":
		return incoming
	case incoming == "" || strings.Contains(existing, incoming):
		return existing
	}
	return existing + s.separator + incoming
}

// UpsertEntity merges one entity into G(P) by name. On match the incoming
// description is concatenated and the source lists are FIFO-appended; the
// merged property set is computed client-side, then written in one SET.
func (s *Store) UpsertEntity(ctx context.Context, projectID string, e *Entity) error {
	if strings.TrimSpace(e.Name) == "" {
		return tessera.NewProjectError(tessera.KindStorageFatal, projectID, "entity has no name")
	}

	existing, err := s.GetEntity(ctx, projectID, e.Name)
	if err != nil {
		return err
	}

	merged := *e
	if existing != nil {
		merged.Description = s.mergeDescription(existing.Description, e.Description)
		merged.SourceChunkIDs = fifoAppend(existing.SourceChunkIDs, e.SourceChunkIDs, s.maxSourceIDs)
		merged.SourceFilePaths = fifoAppend(existing.SourceFilePaths, e.SourceFilePaths, s.maxSourceIDs)
		if merged.Type == "" {
			merged.Type = existing.Type
		}
	} else {
		merged.SourceChunkIDs = fifoAppend(nil, e.SourceChunkIDs, s.maxSourceIDs)
		merged.SourceFilePaths = fifoAppend(nil, e.SourceFilePaths, s.maxSourceIDs)
	}

	cypherText := fmt.Sprintf(
		`MERGE (e:Entity {name: %s})
		 SET e.type = %s, e.description = %s, e.source_chunk_ids = %s, e.source_file_paths = %s`,
		quoteString(merged.Name), quoteString(merged.Type), quoteString(merged.Description),
		quoteList(merged.SourceChunkIDs), quoteList(merged.SourceFilePaths))

	_, err = s.mgr.Route(ctx, projectID, cypherText, 0)
	return err
}

// UpsertEntities merges a batch, preserving per-entity MERGE semantics.
func (s *Store) UpsertEntities(ctx context.Context, projectID string, entities []*Entity) error {
	for _, e := range entities {
		if err := s.UpsertEntity(ctx, projectID, e); err != nil {
			return err
		}
	}
	return nil
}

// GetEntity returns one entity by name, or nil when absent.
func (s *Store) GetEntity(ctx context.Context, projectID, name string) (*Entity, error) {
	rows, err := s.mgr.Route(ctx, projectID,
		fmt.Sprintf(`MATCH (e:Entity {name: %s}) RETURN e`, quoteString(name)), 1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	v, err := rows[0][0].Vertex()
	if err != nil {
		return nil, tessera.WrapError(tessera.KindStorageFatal, "malformed entity vertex", err)
	}
	return decodeEntity(v), nil
}

// GetEntitiesBatch returns the named entities keyed by name. Missing names
// are absent from the result map. Lookups run in IN-clause batches.
func (s *Store) GetEntitiesBatch(ctx context.Context, projectID string, names []string) (map[string]*Entity, error) {
	result := make(map[string]*Entity, len(names))

	for start := 0; start < len(names); start += s.batchSize {
		end := start + s.batchSize
		if end > len(names) {
			end = len(names)
		}

		rows, err := s.mgr.Route(ctx, projectID,
			fmt.Sprintf(`MATCH (e:Entity) WHERE e.name IN %s RETURN e`, quoteList(names[start:end])), 1)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			v, err := row[0].Vertex()
			if err != nil {
				return nil, tessera.WrapError(tessera.KindStorageFatal, "malformed entity vertex", err)
			}
			e := decodeEntity(v)
			result[e.Name] = e
		}
	}
	return result, nil
}

// GetAllEntities returns every entity of G(P), ordered by name.
func (s *Store) GetAllEntities(ctx context.Context, projectID string) ([]*Entity, error) {
	rows, err := s.mgr.Route(ctx, projectID,
		`MATCH (e:Entity) RETURN e ORDER BY e.name`, 1)
	if err != nil {
		return nil, err
	}
	entities := make([]*Entity, 0, len(rows))
	for _, row := range rows {
		v, err := row[0].Vertex()
		if err != nil {
			return nil, tessera.WrapError(tessera.KindStorageFatal, "malformed entity vertex", err)
		}
		entities = append(entities, decodeEntity(v))
	}
	return entities, nil
}

// GetEntitiesPage returns a name-ordered page for export and rebuild.
func (s *Store) GetEntitiesPage(ctx context.Context, projectID string, offset, limit int) ([]*Entity, error) {
	rows, err := s.mgr.Route(ctx, projectID,
		fmt.Sprintf(`MATCH (e:Entity) RETURN e ORDER BY e.name SKIP %d LIMIT %d`, offset, limit), 1)
	if err != nil {
		return nil, err
	}
	entities := make([]*Entity, 0, len(rows))
	for _, row := range rows {
		v, err := row[0].Vertex()
		if err != nil {
			return nil, tessera.WrapError(tessera.KindStorageFatal, "malformed entity vertex", err)
		}
		entities = append(entities, decodeEntity(v))
	}
	return entities, nil
}

// GetNodeDegreesBatch returns incident-edge counts keyed by entity name.
// Names that do not exist are absent from the result.
func (s *Store) GetNodeDegreesBatch(ctx context.Context, projectID string, names []string) (map[string]int, error) {
	degrees := make(map[string]int, len(names))

	for start := 0; start < len(names); start += s.batchSize {
		end := start + s.batchSize
		if end > len(names) {
			end = len(names)
		}

		rows, err := s.mgr.Route(ctx, projectID, fmt.Sprintf(
			`MATCH (e:Entity) WHERE e.name IN %s
			 OPTIONAL MATCH (e)-[r:RELATED_TO]-()
			 RETURN e.name, count(r)`, quoteList(names[start:end])), 2)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			name, err := row[0].String()
			if err != nil {
				return nil, tessera.WrapError(tessera.KindStorageFatal, "malformed degree row", err)
			}
			degree, err := row[1].Int()
			if err != nil {
				return nil, tessera.WrapError(tessera.KindStorageFatal, "malformed degree row", err)
			}
			degrees[name] = degree
		}
	}
	return degrees, nil
}

// GetEntitiesBySourceChunks returns the names of entities whose provenance
// includes any of the given chunk ids.
func (s *Store) GetEntitiesBySourceChunks(ctx context.Context, projectID string, chunkIDs []string) ([]string, error) {
	found := make(map[string]bool)
	var names []string

	for start := 0; start < len(chunkIDs); start += s.batchSize {
		end := start + s.batchSize
		if end > len(chunkIDs) {
			end = len(chunkIDs)
		}

		conds := make([]string, 0, end-start)
		for _, id := range chunkIDs[start:end] {
			conds = append(conds, fmt.Sprintf("%s IN e.source_chunk_ids", quoteString(id)))
		}

		rows, err := s.mgr.Route(ctx, projectID, fmt.Sprintf(
			`MATCH (e:Entity) WHERE %s RETURN e.name ORDER BY e.name`,
			strings.Join(conds, " OR ")), 1)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			name, err := row[0].String()
			if err != nil {
				return nil, tessera.WrapError(tessera.KindStorageFatal, "malformed entity name", err)
			}
			if !found[name] {
				found[name] = true
				names = append(names, name)
			}
		}
	}
	return names, nil
}

// DeleteEntities removes the named entities and their incident edges.
func (s *Store) DeleteEntities(ctx context.Context, projectID string, names []string) error {
	for start := 0; start < len(names); start += s.batchSize {
		end := start + s.batchSize
		if end > len(names) {
			end = len(names)
		}
		_, err := s.mgr.Route(ctx, projectID, fmt.Sprintf(
			`MATCH (e:Entity) WHERE e.name IN %s DETACH DELETE e`, quoteList(names[start:end])), 0)
		if err != nil {
			return err
		}
	}
	return nil
}

// UpdateEntityDescription rewrites an entity's description and provenance.
// Used by the rebuild path after document deletion.
func (s *Store) UpdateEntityDescription(ctx context.Context, projectID, name, description string, sourceChunkIDs []string) error {
	_, err := s.mgr.Route(ctx, projectID, fmt.Sprintf(
		`MATCH (e:Entity {name: %s})
		 SET e.description = %s, e.source_chunk_ids = %s`,
		quoteString(name), quoteString(description), quoteList(sourceChunkIDs)), 0)
	return err
}

// ReplaceEntity rewrites every property of an existing entity. Unlike
// UpsertEntity nothing is merged; the caller has already computed the final
// property set. Used by the entity-merge path.
func (s *Store) ReplaceEntity(ctx context.Context, projectID string, e *Entity) error {
	_, err := s.mgr.Route(ctx, projectID, fmt.Sprintf(
		`MATCH (e:Entity {name: %s})
		 SET e.type = %s, e.description = %s, e.source_chunk_ids = %s, e.source_file_paths = %s`,
		quoteString(e.Name), quoteString(e.Type), quoteString(e.Description),
		quoteList(fifoAppend(nil, e.SourceChunkIDs, s.maxSourceIDs)),
		quoteList(fifoAppend(nil, e.SourceFilePaths, s.maxSourceIDs))), 0)
	return err
}

// GetStats returns entity and relation counts for G(P).
func (s *Store) GetStats(ctx context.Context, projectID string) (*Stats, error) {
	rows, err := s.mgr.Route(ctx, projectID, `MATCH (e:Entity) RETURN count(e)`, 1)
	if err != nil {
		return nil, err
	}
	stats := &Stats{}
	if len(rows) > 0 {
		if stats.Entities, err = rows[0][0].Int(); err != nil {
			return nil, tessera.WrapError(tessera.KindStorageFatal, "malformed entity count", err)
		}
	}

	rows, err = s.mgr.Route(ctx, projectID, `MATCH ()-[r:RELATED_TO]->() RETURN count(r)`, 1)
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		if stats.Relations, err = rows[0][0].Int(); err != nil {
			return nil, tessera.WrapError(tessera.KindStorageFatal, "malformed relation count", err)
		}
	}
	return stats, nil
}
