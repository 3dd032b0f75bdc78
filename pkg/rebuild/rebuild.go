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

// Package rebuild deletes documents and repairs the knowledge that other
// documents still support. Entities and relations sourced only from the
// deleted document are removed; shared ones are rebuilt from the extraction
// cache, so deletion never issues a new extraction call. Only summarization
// may touch the LLM.
package rebuild

import (
	"context"
	"fmt"
	"strings"

	"github.com/tessera-ai/tessera"
	"github.com/tessera-ai/tessera/pkg/extract"
	"github.com/tessera-ai/tessera/pkg/graph"
	"github.com/tessera-ai/tessera/pkg/logger"
	"github.com/tessera-ai/tessera/pkg/store"
	"github.com/tessera-ai/tessera/pkg/usage"
)

// relationalStore is the document/chunk/cache surface the service uses.
type relationalStore interface {
	GetDocument(ctx context.Context, projectID, documentID string) (*store.Document, error)
	GetChunksByDocument(ctx context.Context, projectID, documentID string) ([]*store.Chunk, error)
	GetCacheByChunks(ctx context.Context, projectID string, types []store.CacheType, chunkIDs []string) ([]*store.CacheEntry, error)
	DetachChunks(ctx context.Context, projectID string, chunkIDs []string) error
	DeleteChunksByDocument(ctx context.Context, projectID, documentID string) ([]string, error)
	DeleteDocument(ctx context.Context, projectID, documentID string) error
}

// graphStore is the graph surface the service uses.
type graphStore interface {
	GetEntitiesBySourceChunks(ctx context.Context, projectID string, chunkIDs []string) ([]string, error)
	GetRelationsBySourceChunks(ctx context.Context, projectID string, chunkIDs []string) ([]*graph.Relation, error)
	GetEntitiesBatch(ctx context.Context, projectID string, names []string) (map[string]*graph.Entity, error)
	DeleteEntities(ctx context.Context, projectID string, names []string) error
	DeleteRelations(ctx context.Context, projectID string, keys []graph.RelationKey) error
	UpdateEntityDescription(ctx context.Context, projectID, name, description string, sourceChunkIDs []string) error
	UpsertRelation(ctx context.Context, projectID string, r *graph.Relation) error
}

// vectorStore is the embedding surface the service uses.
type vectorStore interface {
	DeleteByDocument(ctx context.Context, projectID, documentID string) error
	DeleteEntityEmbeddings(ctx context.Context, projectID string, names []string) error
}

// summarizer condenses recovered descriptions.
type summarizer interface {
	Concatenate(descriptions []string) string
	Summarize(ctx context.Context, projectID, name string, descriptions []string, tracker *usage.Tracker) (string, error)
}

// Result reports what one deletion did.
type Result struct {
	EntitiesDeleted  []string `json:"entities_deleted"`
	EntitiesRebuilt  []string `json:"entities_rebuilt"`
	RelationsDeleted int      `json:"relations_deleted"`
	RelationsRebuilt int      `json:"relations_rebuilt"`
	ChunksDeleted    int      `json:"chunks_deleted"`
	Errors           []string `json:"errors,omitempty"`
}

// Service deletes documents and rebuilds shared knowledge.
type Service struct {
	store      relationalStore
	graph      graphStore
	vectors    vectorStore
	summarizer summarizer
}

// NewService wires the deletion service.
func NewService(st relationalStore, g graphStore, v vectorStore, sm summarizer) *Service {
	return &Service{store: st, graph: g, vectors: v, summarizer: sm}
}

// DeleteDocument removes a document, its chunks and embeddings. Entities and
// relations whose only provenance was this document are deleted; the rest
// are rebuilt from cached extractions of their surviving chunks. With
// skipRebuild every affected entity and relation is deleted outright.
//
// The graph and vector engines cannot join the relational transaction, so
// work is ordered to stay recoverable: graph repair first, then vectors,
// then the relational delete as one transaction. A crash mid-way leaves the
// document NOT fully deleted and the operation can be re-run.
func (s *Service) DeleteDocument(ctx context.Context, projectID, documentID string, skipRebuild bool, tracker *usage.Tracker) (*Result, error) {
	if projectID == "" {
		return nil, tessera.NewError(tessera.KindMissingProjectID, "delete executed without project id")
	}

	doc, err := s.store.GetDocument(ctx, projectID, documentID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, tessera.NewProjectError(tessera.KindStorageFatal, projectID,
			fmt.Sprintf("document %s not found", documentID))
	}

	chunks, err := s.store.GetChunksByDocument(ctx, projectID, documentID)
	if err != nil {
		return nil, err
	}
	deleted := make(map[string]bool, len(chunks))
	chunkIDs := make([]string, 0, len(chunks))
	for _, c := range chunks {
		deleted[c.ID] = true
		chunkIDs = append(chunkIDs, c.ID)
	}

	result := &Result{}

	entityNames, err := s.graph.GetEntitiesBySourceChunks(ctx, projectID, chunkIDs)
	if err != nil {
		return nil, err
	}
	affectedRelations, err := s.graph.GetRelationsBySourceChunks(ctx, projectID, chunkIDs)
	if err != nil {
		return nil, err
	}

	entities, err := s.graph.GetEntitiesBatch(ctx, projectID, entityNames)
	if err != nil {
		return nil, err
	}

	deletedEntities := make(map[string]bool)
	for _, name := range entityNames {
		entity, ok := entities[name]
		if !ok {
			continue
		}
		remaining := subtract(entity.SourceChunkIDs, deleted)
		if skipRebuild || len(remaining) == 0 {
			deletedEntities[entity.Name] = true
			result.EntitiesDeleted = append(result.EntitiesDeleted, entity.Name)
			continue
		}
		if err := s.rebuildEntity(ctx, projectID, entity, remaining, tracker); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("entity %s: %v", entity.Name, err))
			continue
		}
		result.EntitiesRebuilt = append(result.EntitiesRebuilt, entity.Name)
	}

	var relationsToDelete []graph.RelationKey
	for _, r := range affectedRelations {
		if deletedEntities[r.Source] || deletedEntities[r.Target] {
			relationsToDelete = append(relationsToDelete, r.Key())
			result.RelationsDeleted++
			continue
		}
		remaining := subtract(r.SourceChunkIDs, deleted)
		if skipRebuild || len(remaining) == 0 {
			relationsToDelete = append(relationsToDelete, r.Key())
			result.RelationsDeleted++
			continue
		}
		if err := s.rebuildRelation(ctx, projectID, r, remaining); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("relation %s->%s: %v", r.Source, r.Target, err))
			continue
		}
		result.RelationsRebuilt++
	}

	if len(relationsToDelete) > 0 {
		if err := s.graph.DeleteRelations(ctx, projectID, relationsToDelete); err != nil {
			return nil, err
		}
	}
	if len(result.EntitiesDeleted) > 0 {
		if err := s.graph.DeleteEntities(ctx, projectID, result.EntitiesDeleted); err != nil {
			return nil, err
		}
		if err := s.vectors.DeleteEntityEmbeddings(ctx, projectID, result.EntitiesDeleted); err != nil {
			return nil, err
		}
	}

	if err := s.vectors.DeleteByDocument(ctx, projectID, documentID); err != nil {
		return nil, err
	}

	// Cache entries survive the chunk delete with chunk_id nulled; the
	// relational delete runs last so a retry sees the document intact.
	if err := s.deleteRelational(ctx, projectID, documentID, chunkIDs, result); err != nil {
		return nil, err
	}

	logger.GetLogger().Info("document deleted",
		"project_id", projectID,
		"document_id", documentID,
		"chunks_deleted", result.ChunksDeleted,
		"entities_deleted", len(result.EntitiesDeleted),
		"entities_rebuilt", len(result.EntitiesRebuilt),
		"relations_deleted", result.RelationsDeleted,
		"relations_rebuilt", result.RelationsRebuilt)
	return result, nil
}

func (s *Service) deleteRelational(ctx context.Context, projectID, documentID string, chunkIDs []string, result *Result) error {
	if err := s.store.DetachChunks(ctx, projectID, chunkIDs); err != nil {
		return err
	}
	deletedIDs, err := s.store.DeleteChunksByDocument(ctx, projectID, documentID)
	if err != nil {
		return err
	}
	result.ChunksDeleted = len(deletedIDs)
	return s.store.DeleteDocument(ctx, projectID, documentID)
}

// rebuildEntity reassembles an entity's description from the cached
// extractions of its surviving chunks. No new extraction call is made.
func (s *Service) rebuildEntity(ctx context.Context, projectID string, entity *graph.Entity, remaining []string, tracker *usage.Tracker) error {
	descriptions, _, err := s.replayCache(ctx, projectID, remaining, func(r *extract.Result) ([]string, float64) {
		var out []string
		for _, e := range r.Entities {
			if strings.EqualFold(e.Name, entity.Name) && e.Description != "" {
				out = append(out, e.Description)
			}
		}
		return out, 0
	})
	if err != nil {
		return err
	}

	description := entity.Description
	if len(descriptions) > 0 {
		description, err = s.summarizer.Summarize(ctx, projectID, entity.Name, descriptions, tracker)
		if err != nil {
			return err
		}
	}
	return s.graph.UpdateEntityDescription(ctx, projectID, entity.Name, description, remaining)
}

// rebuildRelation recomputes a relation from cache and rewrites it with only
// the surviving provenance. Relations never summarize; descriptions are
// concatenated.
func (s *Service) rebuildRelation(ctx context.Context, projectID string, r *graph.Relation, remaining []string) error {
	descriptions, weight, err := s.replayCache(ctx, projectID, remaining, func(res *extract.Result) ([]string, float64) {
		var out []string
		var w float64
		for _, cached := range res.Relations {
			if strings.EqualFold(cached.Source, r.Source) &&
				strings.EqualFold(cached.Target, r.Target) &&
				strings.EqualFold(cached.Keywords, r.Keywords) {
				if cached.Description != "" {
					out = append(out, cached.Description)
				}
				w += cached.Weight
			}
		}
		return out, w
	})
	if err != nil {
		return err
	}

	rebuilt := &graph.Relation{
		Source:         r.Source,
		Target:         r.Target,
		Keywords:       r.Keywords,
		Description:    r.Description,
		Weight:         r.Weight,
		SourceChunkIDs: remaining,
	}
	if len(descriptions) > 0 {
		rebuilt.Description = s.summarizer.Concatenate(descriptions)
	}
	if weight > 0 {
		rebuilt.Weight = weight
	}

	// Rewrite by delete and re-upsert; a plain upsert would merge with the
	// stale description instead of replacing it.
	if err := s.graph.DeleteRelations(ctx, projectID, []graph.RelationKey{r.Key()}); err != nil {
		return err
	}
	return s.graph.UpsertRelation(ctx, projectID, rebuilt)
}

// replayCache loads ENTITY_EXTRACTION and GLEANING cache rows for the given
// chunks and feeds each parsed result through collect. Unparseable rows are
// skipped; they contributed nothing at ingestion time either.
func (s *Service) replayCache(ctx context.Context, projectID string, chunkIDs []string, collect func(*extract.Result) ([]string, float64)) ([]string, float64, error) {
	entries, err := s.store.GetCacheByChunks(ctx, projectID,
		[]store.CacheType{store.CacheEntityExtraction, store.CacheGleaning}, chunkIDs)
	if err != nil {
		return nil, 0, err
	}

	var descriptions []string
	var weight float64
	for _, entry := range entries {
		parsed, err := extract.ParseResult(entry.Result)
		if err != nil {
			logger.GetLogger().Debug("skipping unparseable cache entry",
				"project_id", projectID, "cache_id", entry.ID, "error", err)
			continue
		}
		ds, w := collect(parsed)
		descriptions = append(descriptions, ds...)
		weight += w
	}
	return dedupe(descriptions), weight, nil
}

func subtract(ids []string, removed map[string]bool) []string {
	var out []string
	for _, id := range ids {
		if !removed[id] {
			out = append(out, id)
		}
	}
	return out
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	var out []string
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
