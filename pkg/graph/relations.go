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
)

// UpsertRelation merges one directed edge by (source, target, keywords).
// Self-loops are refused, as are endpoints not present in G(P). On match
// descriptions concatenate, weights add, and source lists FIFO-append.
func (s *Store) UpsertRelation(ctx context.Context, projectID string, r *Relation) error {
	if r.Source == r.Target {
		return tessera.NewProjectError(tessera.KindSelfLoopRelation, projectID,
			fmt.Sprintf("relation %q -> %q is a self-loop", r.Source, r.Target))
	}

	endpoints, err := s.GetEntitiesBatch(ctx, projectID, []string{r.Source, r.Target})
	if err != nil {
		return err
	}
	for _, name := range []string{r.Source, r.Target} {
		if endpoints[name] == nil {
			return tessera.NewProjectError(tessera.KindStorageFatal, projectID,
				fmt.Sprintf("relation endpoint %q does not exist", name))
		}
	}

	existing, err := s.GetRelation(ctx, projectID, r.Key())
	if err != nil {
		return err
	}

	merged := *r
	if existing != nil {
		merged.Description = s.mergeDescription(existing.Description, r.Description)
		merged.Weight = existing.Weight + r.Weight
		merged.SourceChunkIDs = fifoAppend(existing.SourceChunkIDs, r.SourceChunkIDs, s.maxSourceIDs)
		merged.SourceFilePaths = fifoAppend(existing.SourceFilePaths, r.SourceFilePaths, s.maxSourceIDs)
	} else {
		merged.SourceChunkIDs = fifoAppend(nil, r.SourceChunkIDs, s.maxSourceIDs)
		merged.SourceFilePaths = fifoAppend(nil, r.SourceFilePaths, s.maxSourceIDs)
	}

	cypherText := fmt.Sprintf(
		`MATCH (src:Entity {name: %s}), (tgt:Entity {name: %s})
		 MERGE (src)-[r:RELATED_TO {keywords: %s}]->(tgt)
		 SET r.description = %s, r.weight = %f, r.source_chunk_ids = %s, r.source_file_paths = %s`,
		quoteString(merged.Source), quoteString(merged.Target), quoteString(merged.Keywords),
		quoteString(merged.Description), merged.Weight,
		quoteList(merged.SourceChunkIDs), quoteList(merged.SourceFilePaths))

	_, err = s.mgr.Route(ctx, projectID, cypherText, 0)
	return err
}

// UpsertRelations merges a batch, preserving per-relation MERGE semantics.
func (s *Store) UpsertRelations(ctx context.Context, projectID string, relations []*Relation) error {
	for _, r := range relations {
		if err := s.UpsertRelation(ctx, projectID, r); err != nil {
			return err
		}
	}
	return nil
}

// GetRelation returns one relation by key, or nil when absent.
func (s *Store) GetRelation(ctx context.Context, projectID string, key RelationKey) (*Relation, error) {
	rows, err := s.mgr.Route(ctx, projectID, fmt.Sprintf(
		`MATCH (src:Entity {name: %s})-[r:RELATED_TO {keywords: %s}]->(tgt:Entity {name: %s})
		 RETURN src.name, r, tgt.name`,
		quoteString(key.Source), quoteString(key.Keywords), quoteString(key.Target)), 3)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return decodeRelationRow(rows[0])
}

// GetRelationsForEntity returns every relation incident to the named
// entity, in either direction.
func (s *Store) GetRelationsForEntity(ctx context.Context, projectID, name string) ([]*Relation, error) {
	rows, err := s.mgr.Route(ctx, projectID, fmt.Sprintf(
		`MATCH (src:Entity)-[r:RELATED_TO]->(tgt:Entity)
		 WHERE src.name = %s OR tgt.name = %s
		 RETURN src.name, r, tgt.name ORDER BY src.name, tgt.name`,
		quoteString(name), quoteString(name)), 3)
	if err != nil {
		return nil, err
	}
	return decodeRelationRows(rows)
}

// GetAllRelations returns every relation of G(P).
func (s *Store) GetAllRelations(ctx context.Context, projectID string) ([]*Relation, error) {
	rows, err := s.mgr.Route(ctx, projectID,
		`MATCH (src:Entity)-[r:RELATED_TO]->(tgt:Entity)
		 RETURN src.name, r, tgt.name ORDER BY src.name, tgt.name`, 3)
	if err != nil {
		return nil, err
	}
	return decodeRelationRows(rows)
}

// GetRelationsPage returns an ordered page for export.
func (s *Store) GetRelationsPage(ctx context.Context, projectID string, offset, limit int) ([]*Relation, error) {
	rows, err := s.mgr.Route(ctx, projectID, fmt.Sprintf(
		`MATCH (src:Entity)-[r:RELATED_TO]->(tgt:Entity)
		 RETURN src.name, r, tgt.name ORDER BY src.name, tgt.name SKIP %d LIMIT %d`,
		offset, limit), 3)
	if err != nil {
		return nil, err
	}
	return decodeRelationRows(rows)
}

// GetRelationsBySourceChunks returns relations whose provenance includes any
// of the given chunk ids.
func (s *Store) GetRelationsBySourceChunks(ctx context.Context, projectID string, chunkIDs []string) ([]*Relation, error) {
	seen := make(map[RelationKey]bool)
	var relations []*Relation

	for start := 0; start < len(chunkIDs); start += s.batchSize {
		end := start + s.batchSize
		if end > len(chunkIDs) {
			end = len(chunkIDs)
		}

		conds := make([]string, 0, end-start)
		for _, id := range chunkIDs[start:end] {
			conds = append(conds, fmt.Sprintf("%s IN r.source_chunk_ids", quoteString(id)))
		}

		rows, err := s.mgr.Route(ctx, projectID, fmt.Sprintf(
			`MATCH (src:Entity)-[r:RELATED_TO]->(tgt:Entity)
			 WHERE %s
			 RETURN src.name, r, tgt.name ORDER BY src.name, tgt.name`,
			strings.Join(conds, " OR ")), 3)
		if err != nil {
			return nil, err
		}
		decoded, err := decodeRelationRows(rows)
		if err != nil {
			return nil, err
		}
		for _, r := range decoded {
			if !seen[r.Key()] {
				seen[r.Key()] = true
				relations = append(relations, r)
			}
		}
	}
	return relations, nil
}

// DeleteRelations removes the keyed relations.
func (s *Store) DeleteRelations(ctx context.Context, projectID string, keys []RelationKey) error {
	for _, key := range keys {
		_, err := s.mgr.Route(ctx, projectID, fmt.Sprintf(
			`MATCH (src:Entity {name: %s})-[r:RELATED_TO {keywords: %s}]->(tgt:Entity {name: %s})
			 DELETE r`,
			quoteString(key.Source), quoteString(key.Keywords), quoteString(key.Target)), 0)
		if err != nil {
			return err
		}
	}
	return nil
}

func decodeRelationRow(row []agtypeValue) (*Relation, error) {
	source, err := row[0].String()
	if err != nil {
		return nil, tessera.WrapError(tessera.KindStorageFatal, "malformed relation row", err)
	}
	e, err := row[1].Edge()
	if err != nil {
		return nil, tessera.WrapError(tessera.KindStorageFatal, "malformed relation edge", err)
	}
	target, err := row[2].String()
	if err != nil {
		return nil, tessera.WrapError(tessera.KindStorageFatal, "malformed relation row", err)
	}
	return decodeRelation(source, target, e), nil
}

func decodeRelationRows(rows [][]agtypeValue) ([]*Relation, error) {
	relations := make([]*Relation, 0, len(rows))
	for _, row := range rows {
		r, err := decodeRelationRow(row)
		if err != nil {
			return nil, err
		}
		relations = append(relations, r)
	}
	return relations, nil
}
