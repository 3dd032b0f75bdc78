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

package rebuild

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessera-ai/tessera"
	"github.com/tessera-ai/tessera/pkg/graph"
	"github.com/tessera-ai/tessera/pkg/store"
	"github.com/tessera-ai/tessera/pkg/usage"
)

const testProjectID = "550e8400-e29b-41d4-a716-446655440000"

type fakeStore struct {
	document *store.Document
	chunks   []*store.Chunk
	cache    []*store.CacheEntry

	detached        []string
	deletedChunks   []string
	deletedDocument string
}

func (s *fakeStore) GetDocument(ctx context.Context, projectID, documentID string) (*store.Document, error) {
	if s.document != nil && s.document.ID == documentID {
		return s.document, nil
	}
	return nil, nil
}

func (s *fakeStore) GetChunksByDocument(ctx context.Context, projectID, documentID string) ([]*store.Chunk, error) {
	return s.chunks, nil
}

func (s *fakeStore) GetCacheByChunks(ctx context.Context, projectID string, types []store.CacheType, chunkIDs []string) ([]*store.CacheEntry, error) {
	wanted := make(map[string]bool, len(chunkIDs))
	for _, id := range chunkIDs {
		wanted[id] = true
	}
	var out []*store.CacheEntry
	for _, e := range s.cache {
		if wanted[e.ChunkID] {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeStore) DetachChunks(ctx context.Context, projectID string, chunkIDs []string) error {
	s.detached = append(s.detached, chunkIDs...)
	return nil
}

func (s *fakeStore) DeleteChunksByDocument(ctx context.Context, projectID, documentID string) ([]string, error) {
	var ids []string
	for _, c := range s.chunks {
		ids = append(ids, c.ID)
	}
	s.deletedChunks = ids
	return ids, nil
}

func (s *fakeStore) DeleteDocument(ctx context.Context, projectID, documentID string) error {
	s.deletedDocument = documentID
	return nil
}

type fakeGraphStore struct {
	entityNames []string
	relations   []*graph.Relation
	entities    map[string]*graph.Entity

	deletedEntities  []string
	deletedRelations []graph.RelationKey
	updatedEntities  map[string]string
	upserted         []*graph.Relation
}

func (g *fakeGraphStore) GetEntitiesBySourceChunks(ctx context.Context, projectID string, chunkIDs []string) ([]string, error) {
	return g.entityNames, nil
}

func (g *fakeGraphStore) GetRelationsBySourceChunks(ctx context.Context, projectID string, chunkIDs []string) ([]*graph.Relation, error) {
	return g.relations, nil
}

func (g *fakeGraphStore) GetEntitiesBatch(ctx context.Context, projectID string, names []string) (map[string]*graph.Entity, error) {
	out := make(map[string]*graph.Entity)
	for _, name := range names {
		if e, ok := g.entities[name]; ok {
			out[name] = e
		}
	}
	return out, nil
}

func (g *fakeGraphStore) DeleteEntities(ctx context.Context, projectID string, names []string) error {
	g.deletedEntities = append(g.deletedEntities, names...)
	return nil
}

func (g *fakeGraphStore) DeleteRelations(ctx context.Context, projectID string, keys []graph.RelationKey) error {
	g.deletedRelations = append(g.deletedRelations, keys...)
	return nil
}

func (g *fakeGraphStore) UpdateEntityDescription(ctx context.Context, projectID, name, description string, sourceChunkIDs []string) error {
	if g.updatedEntities == nil {
		g.updatedEntities = make(map[string]string)
	}
	g.updatedEntities[name] = description
	return nil
}

func (g *fakeGraphStore) UpsertRelation(ctx context.Context, projectID string, r *graph.Relation) error {
	g.upserted = append(g.upserted, r)
	return nil
}

type fakeVectorStore struct {
	deletedDocuments []string
	deletedEntities  []string
}

func (v *fakeVectorStore) DeleteByDocument(ctx context.Context, projectID, documentID string) error {
	v.deletedDocuments = append(v.deletedDocuments, documentID)
	return nil
}

func (v *fakeVectorStore) DeleteEntityEmbeddings(ctx context.Context, projectID string, names []string) error {
	v.deletedEntities = append(v.deletedEntities, names...)
	return nil
}

type fakeSummarizer struct {
	calls int
}

func (s *fakeSummarizer) Concatenate(descriptions []string) string {
	return strings.Join(descriptions, " | ")
}

func (s *fakeSummarizer) Summarize(ctx context.Context, projectID, name string, descriptions []string, tracker *usage.Tracker) (string, error) {
	s.calls++
	return "summary of " + name, nil
}

func TestDeleteDocumentValidation(t *testing.T) {
	svc := NewService(&fakeStore{}, &fakeGraphStore{}, &fakeVectorStore{}, &fakeSummarizer{})

	_, err := svc.DeleteDocument(context.Background(), "", "d1", false, usage.NewTracker())
	require.Error(t, err)
	assert.True(t, tessera.IsKind(err, tessera.KindMissingProjectID))

	_, err = svc.DeleteDocument(context.Background(), testProjectID, "missing", false, usage.NewTracker())
	require.Error(t, err)
	assert.True(t, tessera.IsKind(err, tessera.KindStorageFatal))
}

func TestDeleteDocumentSoleSource(t *testing.T) {
	st := &fakeStore{
		document: &store.Document{ID: "d1", ProjectID: testProjectID},
		chunks:   []*store.Chunk{{ID: "c1"}, {ID: "c2"}},
	}
	gs := &fakeGraphStore{
		entityNames: []string{"Turing"},
		entities: map[string]*graph.Entity{
			"Turing": {Name: "Turing", SourceChunkIDs: []string{"c1", "c2"}},
		},
		relations: []*graph.Relation{
			{Source: "Turing", Target: "Enigma", Keywords: "broke", SourceChunkIDs: []string{"c1"}},
		},
	}
	vs := &fakeVectorStore{}
	sm := &fakeSummarizer{}

	result, err := NewService(st, gs, vs, sm).DeleteDocument(context.Background(), testProjectID, "d1", false, usage.NewTracker())
	require.NoError(t, err)

	assert.Equal(t, []string{"Turing"}, result.EntitiesDeleted)
	assert.Empty(t, result.EntitiesRebuilt)
	assert.Equal(t, 1, result.RelationsDeleted)
	assert.Equal(t, 2, result.ChunksDeleted)
	assert.Empty(t, result.Errors)

	assert.Equal(t, []string{"Turing"}, gs.deletedEntities)
	assert.Equal(t, []string{"Turing"}, vs.deletedEntities)
	assert.Equal(t, []string{"d1"}, vs.deletedDocuments)
	assert.Equal(t, []string{"c1", "c2"}, st.detached)
	assert.Equal(t, "d1", st.deletedDocument)
	assert.Zero(t, sm.calls, "nothing to rebuild means no LLM work")
}

func TestDeleteDocumentSharedKnowledgeRebuilds(t *testing.T) {
	st := &fakeStore{
		document: &store.Document{ID: "d1", ProjectID: testProjectID},
		chunks:   []*store.Chunk{{ID: "c1"}},
		cache: []*store.CacheEntry{
			{
				ID:      "cache-1",
				ChunkID: "c2",
				Type:    store.CacheEntityExtraction,
				Result: `{"entities": [{"name": "Turing", "description": "from the surviving document"}],
					"relations": [{"source": "Turing", "target": "Enigma", "keywords": "broke",
						"description": "still broke it", "weight": 2}]}`,
			},
		},
	}
	gs := &fakeGraphStore{
		entityNames: []string{"Turing"},
		entities: map[string]*graph.Entity{
			"Turing": {Name: "Turing", Description: "stale merged description", SourceChunkIDs: []string{"c1", "c2"}},
		},
		relations: []*graph.Relation{
			{Source: "Turing", Target: "Enigma", Keywords: "broke", Description: "stale", Weight: 5, SourceChunkIDs: []string{"c1", "c2"}},
		},
	}
	sm := &fakeSummarizer{}

	result, err := NewService(st, gs, &fakeVectorStore{}, sm).DeleteDocument(context.Background(), testProjectID, "d1", false, usage.NewTracker())
	require.NoError(t, err)

	assert.Empty(t, result.EntitiesDeleted)
	assert.Equal(t, []string{"Turing"}, result.EntitiesRebuilt)
	assert.Zero(t, result.RelationsDeleted)
	assert.Equal(t, 1, result.RelationsRebuilt)
	assert.Empty(t, result.Errors)

	// Entity description rebuilt from cache only.
	assert.Equal(t, 1, sm.calls)
	assert.Equal(t, "summary of Turing", gs.updatedEntities["Turing"])

	// Relation rewritten via delete plus upsert with recovered values.
	require.Len(t, gs.deletedRelations, 1)
	require.Len(t, gs.upserted, 1)
	rebuilt := gs.upserted[0]
	assert.Equal(t, "still broke it", rebuilt.Description)
	assert.Equal(t, 2.0, rebuilt.Weight)
	assert.Equal(t, []string{"c2"}, rebuilt.SourceChunkIDs)

	assert.Empty(t, gs.deletedEntities)
}

func TestDeleteDocumentSkipRebuild(t *testing.T) {
	st := &fakeStore{
		document: &store.Document{ID: "d1", ProjectID: testProjectID},
		chunks:   []*store.Chunk{{ID: "c1"}},
	}
	gs := &fakeGraphStore{
		entityNames: []string{"Turing"},
		entities: map[string]*graph.Entity{
			"Turing": {Name: "Turing", SourceChunkIDs: []string{"c1", "c2"}},
		},
		relations: []*graph.Relation{
			{Source: "Turing", Target: "Enigma", Keywords: "broke", SourceChunkIDs: []string{"c1", "c2"}},
		},
	}
	sm := &fakeSummarizer{}

	result, err := NewService(st, gs, &fakeVectorStore{}, sm).DeleteDocument(context.Background(), testProjectID, "d1", true, usage.NewTracker())
	require.NoError(t, err)

	assert.Equal(t, []string{"Turing"}, result.EntitiesDeleted)
	assert.Equal(t, 1, result.RelationsDeleted)
	assert.Empty(t, result.EntitiesRebuilt)
	assert.Zero(t, sm.calls)
}

func TestDeleteDocumentEndpointCascade(t *testing.T) {
	// A relation whose endpoint entity is deleted goes with it, even when the
	// relation itself has surviving provenance.
	st := &fakeStore{
		document: &store.Document{ID: "d1", ProjectID: testProjectID},
		chunks:   []*store.Chunk{{ID: "c1"}},
	}
	gs := &fakeGraphStore{
		entityNames: []string{"Turing"},
		entities: map[string]*graph.Entity{
			"Turing": {Name: "Turing", SourceChunkIDs: []string{"c1"}},
		},
		relations: []*graph.Relation{
			{Source: "Turing", Target: "Enigma", Keywords: "broke", SourceChunkIDs: []string{"c1", "c9"}},
		},
	}

	result, err := NewService(st, gs, &fakeVectorStore{}, &fakeSummarizer{}).DeleteDocument(context.Background(), testProjectID, "d1", false, usage.NewTracker())
	require.NoError(t, err)

	assert.Equal(t, []string{"Turing"}, result.EntitiesDeleted)
	assert.Equal(t, 1, result.RelationsDeleted)
	assert.Zero(t, result.RelationsRebuilt)
}
