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

package merge

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessera-ai/tessera"
	"github.com/tessera-ai/tessera/pkg/graph"
	"github.com/tessera-ai/tessera/pkg/usage"
)

const testProjectID = "550e8400-e29b-41d4-a716-446655440000"

type fakeGraph struct {
	entities  map[string]*graph.Entity
	relations map[string][]*graph.Relation

	replaced *graph.Entity
	created  *graph.Entity
	upserted []*graph.Relation
	deleted  []string
}

func (g *fakeGraph) GetEntity(ctx context.Context, projectID, name string) (*graph.Entity, error) {
	return g.entities[name], nil
}

func (g *fakeGraph) GetEntitiesBatch(ctx context.Context, projectID string, names []string) (map[string]*graph.Entity, error) {
	out := make(map[string]*graph.Entity)
	for _, name := range names {
		if e, ok := g.entities[name]; ok {
			out[name] = e
		}
	}
	return out, nil
}

func (g *fakeGraph) GetRelationsForEntity(ctx context.Context, projectID, name string) ([]*graph.Relation, error) {
	return g.relations[name], nil
}

func (g *fakeGraph) GetRelation(ctx context.Context, projectID string, key graph.RelationKey) (*graph.Relation, error) {
	for _, rs := range g.relations {
		for _, r := range rs {
			if r.Key() == key {
				return r, nil
			}
		}
	}
	return nil, nil
}

func (g *fakeGraph) UpsertEntity(ctx context.Context, projectID string, e *graph.Entity) error {
	g.created = e
	return nil
}

func (g *fakeGraph) ReplaceEntity(ctx context.Context, projectID string, e *graph.Entity) error {
	g.replaced = e
	return nil
}

func (g *fakeGraph) UpsertRelation(ctx context.Context, projectID string, r *graph.Relation) error {
	g.upserted = append(g.upserted, r)
	return nil
}

func (g *fakeGraph) DeleteEntities(ctx context.Context, projectID string, names []string) error {
	g.deleted = append(g.deleted, names...)
	return nil
}

type fakeVectors struct {
	deleted []string
}

func (v *fakeVectors) DeleteEntityEmbeddings(ctx context.Context, projectID string, names []string) error {
	v.deleted = append(v.deleted, names...)
	return nil
}

type fakeSummarizer struct {
	summarized int
}

func (s *fakeSummarizer) Concatenate(descriptions []string) string {
	return strings.Join(descriptions, " | ")
}

func (s *fakeSummarizer) Summarize(ctx context.Context, projectID, name string, descriptions []string, tracker *usage.Tracker) (string, error) {
	s.summarized++
	return "summary of " + name, nil
}

func TestParseStrategy(t *testing.T) {
	for _, s := range []string{"CONCATENATE", "LLM_SUMMARIZE"} {
		strategy, err := ParseStrategy(s)
		require.NoError(t, err)
		assert.Equal(t, Strategy(s), strategy)
	}
	_, err := ParseStrategy("concatenate")
	assert.Error(t, err)
}

func TestMergeEntitiesValidation(t *testing.T) {
	svc := NewService(&fakeGraph{entities: map[string]*graph.Entity{}}, &fakeVectors{}, &fakeSummarizer{})

	t.Run("missing project id", func(t *testing.T) {
		_, err := svc.MergeEntities(context.Background(), "", []string{"A"}, "B", StrategyConcatenate, nil, usage.NewTracker())
		require.Error(t, err)
		assert.True(t, tessera.IsKind(err, tessera.KindMissingProjectID))
	})

	t.Run("empty target", func(t *testing.T) {
		_, err := svc.MergeEntities(context.Background(), testProjectID, []string{"A"}, "  ", StrategyConcatenate, nil, usage.NewTracker())
		require.Error(t, err)
		assert.True(t, tessera.IsKind(err, tessera.KindStorageFatal))
	})

	t.Run("merge into only itself is circular", func(t *testing.T) {
		_, err := svc.MergeEntities(context.Background(), testProjectID, []string{"B", "B"}, "B", StrategyConcatenate, nil, usage.NewTracker())
		require.Error(t, err)
		assert.True(t, tessera.IsKind(err, tessera.KindCircularMerge))
	})

	t.Run("missing source", func(t *testing.T) {
		_, err := svc.MergeEntities(context.Background(), testProjectID, []string{"Ghost"}, "B", StrategyConcatenate, nil, usage.NewTracker())
		require.Error(t, err)
		assert.True(t, tessera.IsKind(err, tessera.KindStorageFatal))
	})
}

func TestMergeEntities(t *testing.T) {
	newGraph := func() *fakeGraph {
		return &fakeGraph{
			entities: map[string]*graph.Entity{
				"Apple": {Name: "Apple", Type: "org", Description: "a company", SourceChunkIDs: []string{"c1"}},
				"AAPL":  {Name: "AAPL", Type: "ticker", Description: "a stock symbol", SourceChunkIDs: []string{"c2"}},
			},
			relations: map[string][]*graph.Relation{
				"AAPL": {
					{Source: "AAPL", Target: "Nasdaq", Keywords: "listed on", Weight: 1, SourceChunkIDs: []string{"c2"}},
				},
			},
		}
	}

	t.Run("redirects edges and deletes sources", func(t *testing.T) {
		gs := newGraph()
		vs := &fakeVectors{}
		svc := NewService(gs, vs, &fakeSummarizer{})

		result, err := svc.MergeEntities(context.Background(), testProjectID, []string{"AAPL"}, "Apple", StrategyConcatenate, nil, usage.NewTracker())
		require.NoError(t, err)

		assert.Equal(t, "Apple", result.Target)
		assert.Equal(t, 1, result.RelationsRedirected)
		assert.Zero(t, result.RelationsDeduped)
		assert.Equal(t, 1, result.SourceEntitiesDeleted)

		require.NotNil(t, gs.replaced, "existing target is replaced, not merged")
		assert.Equal(t, "a company | a stock symbol", gs.replaced.Description)
		assert.Equal(t, "org", gs.replaced.Type)
		assert.Equal(t, []string{"c1", "c2"}, gs.replaced.SourceChunkIDs)

		require.Len(t, gs.upserted, 1)
		assert.Equal(t, "Apple", gs.upserted[0].Source)
		assert.Equal(t, "Nasdaq", gs.upserted[0].Target)

		assert.Equal(t, []string{"AAPL"}, gs.deleted)
		assert.Equal(t, []string{"AAPL"}, vs.deleted)
	})

	t.Run("absent target is created", func(t *testing.T) {
		gs := newGraph()
		svc := NewService(gs, &fakeVectors{}, &fakeSummarizer{})

		_, err := svc.MergeEntities(context.Background(), testProjectID, []string{"AAPL"}, "Apple Inc.", StrategyConcatenate, nil, usage.NewTracker())
		require.NoError(t, err)
		require.NotNil(t, gs.created)
		assert.Nil(t, gs.replaced)
		assert.Equal(t, "Apple Inc.", gs.created.Name)
		assert.Equal(t, "ticker", gs.created.Type, "type falls back to the first source")
	})

	t.Run("target named as a source is dropped, not circular", func(t *testing.T) {
		gs := newGraph()
		svc := NewService(gs, &fakeVectors{}, &fakeSummarizer{})

		result, err := svc.MergeEntities(context.Background(), testProjectID, []string{"Apple", "AAPL"}, "Apple", StrategyConcatenate, nil, usage.NewTracker())
		require.NoError(t, err)
		assert.Equal(t, 1, result.SourceEntitiesDeleted)
		assert.Equal(t, []string{"AAPL"}, gs.deleted)
	})

	t.Run("edges between merged entities are dropped as self-loops", func(t *testing.T) {
		gs := newGraph()
		gs.entities["iPhone maker"] = &graph.Entity{Name: "iPhone maker", Type: "org"}
		gs.relations["iPhone maker"] = []*graph.Relation{
			{Source: "AAPL", Target: "iPhone maker", Keywords: "same company", Weight: 1},
		}
		svc := NewService(gs, &fakeVectors{}, &fakeSummarizer{})

		result, err := svc.MergeEntities(context.Background(), testProjectID, []string{"AAPL", "iPhone maker"}, "Apple", StrategyConcatenate, nil, usage.NewTracker())
		require.NoError(t, err)

		assert.Equal(t, 1, result.RelationsRedirected, "only the Nasdaq edge survives")
		for _, r := range gs.upserted {
			assert.NotEqual(t, r.Source, r.Target)
		}
	})

	t.Run("duplicate landing triple counts as dedupe", func(t *testing.T) {
		gs := newGraph()
		gs.relations["Apple"] = []*graph.Relation{
			{Source: "Apple", Target: "Nasdaq", Keywords: "listed on", Weight: 2, SourceChunkIDs: []string{"c1"}},
		}
		svc := NewService(gs, &fakeVectors{}, &fakeSummarizer{})

		result, err := svc.MergeEntities(context.Background(), testProjectID, []string{"AAPL"}, "Apple", StrategyConcatenate, nil, usage.NewTracker())
		require.NoError(t, err)
		assert.Zero(t, result.RelationsRedirected)
		assert.Equal(t, 1, result.RelationsDeduped)
	})

	t.Run("overrides win", func(t *testing.T) {
		gs := newGraph()
		svc := NewService(gs, &fakeVectors{}, &fakeSummarizer{})

		_, err := svc.MergeEntities(context.Background(), testProjectID, []string{"AAPL"}, "Apple", StrategyConcatenate,
			&Overrides{Type: "company", Description: "the curated description"}, usage.NewTracker())
		require.NoError(t, err)
		require.NotNil(t, gs.replaced)
		assert.Equal(t, "company", gs.replaced.Type)
		assert.True(t, strings.HasPrefix(gs.replaced.Description, "the curated description"))
	})

	t.Run("LLM_SUMMARIZE uses the summarizer", func(t *testing.T) {
		gs := newGraph()
		sm := &fakeSummarizer{}
		svc := NewService(gs, &fakeVectors{}, sm)

		_, err := svc.MergeEntities(context.Background(), testProjectID, []string{"AAPL"}, "Apple", StrategyLLMSummarize, nil, usage.NewTracker())
		require.NoError(t, err)
		assert.Equal(t, 1, sm.summarized)
		assert.Equal(t, "summary of Apple", gs.replaced.Description)
	})
}
