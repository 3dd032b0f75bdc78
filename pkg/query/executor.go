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

package query

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tessera-ai/tessera"
	"github.com/tessera-ai/tessera/pkg/config"
	"github.com/tessera-ai/tessera/pkg/graph"
	"github.com/tessera-ai/tessera/pkg/keywords"
	"github.com/tessera-ai/tessera/pkg/llm"
	"github.com/tessera-ai/tessera/pkg/logger"
	"github.com/tessera-ai/tessera/pkg/rerank"
	"github.com/tessera-ai/tessera/pkg/store"
	"github.com/tessera-ai/tessera/pkg/tokenizer"
	"github.com/tessera-ai/tessera/pkg/usage"
	"github.com/tessera-ai/tessera/pkg/vector"
)

// topRelationsPerEntity bounds incident relations pulled per entity.
const topRelationsPerEntity = 10

// graphReader is the graph surface the executors need.
type graphReader interface {
	GetEntitiesBatch(ctx context.Context, projectID string, names []string) (map[string]*graph.Entity, error)
	GetRelationsForEntity(ctx context.Context, projectID, name string) ([]*graph.Relation, error)
	GetEntitiesBySourceChunks(ctx context.Context, projectID string, chunkIDs []string) ([]string, error)
}

// vectorReader is the vector surface the executors need.
type vectorReader interface {
	Query(ctx context.Context, projectID string, embedding []float32, topK int, kind vector.Kind) ([]vector.Result, error)
}

// keywordExtractor feeds LOW/HIGH keyword bias into the graph modes.
type keywordExtractor interface {
	Extract(ctx context.Context, projectID, query string, tracker *usage.Tracker) keywords.Keywords
}

// reranker reorders chunk candidates; identity on fallback.
type reranker interface {
	Rerank(ctx context.Context, query string, items []rerank.Item, topK int) ([]rerank.Ranked, bool)
}

// chunkReader resolves entity provenance chunk ids to stored content.
type chunkReader interface {
	GetChunksByIDs(ctx context.Context, projectID string, ids []string) ([]*store.Chunk, error)
}

// Executor runs queries. Stateless across requests; safe for concurrent
// use.
type Executor struct {
	graph    graphReader
	vectors  vectorReader
	chunks   chunkReader
	embedder llm.Embedder
	provider llm.Provider
	keywords keywordExtractor
	reranker reranker
	counter  *tokenizer.Counter
	cfg      config.QueryConfig
}

// NewExecutor wires the query pipeline.
func NewExecutor(g graphReader, v vectorReader, c chunkReader, emb llm.Embedder, provider llm.Provider, kw keywordExtractor, rr reranker, counter *tokenizer.Counter, cfg config.QueryConfig) *Executor {
	return &Executor{
		graph:    g,
		vectors:  v,
		chunks:   c,
		embedder: emb,
		provider: provider,
		keywords: kw,
		reranker: rr,
		counter:  counter,
		cfg:      cfg,
	}
}

// retrieval is the mode-independent intermediate shape: entity and relation
// source streams plus ranked chunk candidates.
type retrieval struct {
	entitySources   []ContextSource
	relationSources []ContextSource
	chunks          []ContextItem
}

// Query executes one request end to end. On hard timeout before synthesis
// the assembled context is returned with a CANCELLED error.
func (e *Executor) Query(ctx context.Context, req *Request, tracker *usage.Tracker) (*Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.TimeoutSeconds)*time.Second)
	defer cancel()

	var kw keywords.Keywords
	if req.Mode != ModeNaive {
		kw = e.keywords.Extract(ctx, req.ProjectID, req.Query, tracker)
	}

	embedding, embUsage, err := e.embedder.Embed(ctx, []string{req.Query})
	if err != nil {
		return nil, err
	}
	tracker.Add(usage.OpEmbedding, e.embedder.Model(), embUsage.InputTokens, 0)

	ret, err := e.retrieve(ctx, req, embedding[0], kw, tracker)
	if err != nil {
		return nil, err
	}

	if req.EnableRerank && len(ret.chunks) > 0 {
		ret.chunks = e.rerankChunks(ctx, req.Query, ret.chunks)
	}

	contextText, sources := e.assemble(ret)

	if ctx.Err() != nil {
		return &Response{Context: contextText, Sources: sources, Partial: true},
			tessera.WrapError(tessera.KindCancelled, "query timeout before synthesis", ctx.Err())
	}

	answer, err := e.synthesize(ctx, req.Query, contextText, sources, tracker)
	if err != nil {
		if tessera.IsKind(err, tessera.KindCancelled) || ctx.Err() != nil {
			return &Response{Context: contextText, Sources: sources, Partial: true},
				tessera.WrapError(tessera.KindCancelled, "query timeout during synthesis", err)
		}
		return nil, err
	}

	return &Response{Answer: answer, Sources: sources}, nil
}

func (e *Executor) retrieve(ctx context.Context, req *Request, embedding []float32, kw keywords.Keywords, tracker *usage.Tracker) (*retrieval, error) {
	switch req.Mode {
	case ModeLocal:
		return e.retrieveLocal(ctx, req.ProjectID, embedding, kw)
	case ModeGlobal:
		return e.retrieveGlobal(ctx, req.ProjectID, embedding, kw)
	case ModeHybrid:
		local, err := e.retrieveLocal(ctx, req.ProjectID, embedding, kw)
		if err != nil {
			return nil, err
		}
		global, err := e.retrieveGlobal(ctx, req.ProjectID, embedding, kw)
		if err != nil {
			return nil, err
		}
		return &retrieval{
			entitySources:   append(local.entitySources, global.entitySources...),
			relationSources: append(local.relationSources, global.relationSources...),
			chunks:          dedupeChunks(append(local.chunks, global.chunks...)),
		}, nil
	case ModeMix:
		return e.retrieveMix(ctx, req.ProjectID, embedding, kw)
	case ModeNaive:
		return e.retrieveNaive(ctx, req.ProjectID, embedding)
	}
	return nil, fmt.Errorf("unknown query mode %q", req.Mode)
}

// retrieveLocal is entity-centric: entity embeddings drive retrieval, with
// LOW_LEVEL keywords adding candidates by exact name.
func (e *Executor) retrieveLocal(ctx context.Context, projectID string, embedding []float32, kw keywords.Keywords) (*retrieval, error) {
	hits, err := e.vectors.Query(ctx, projectID, embedding, e.cfg.TopK, vector.KindEntities)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(hits)+len(kw.LowLevel))
	for _, h := range hits {
		if h.EntityName != "" {
			names = append(names, h.EntityName)
		}
	}
	names = append(names, kw.LowLevel...)

	entities, err := e.graph.GetEntitiesBatch(ctx, projectID, names)
	if err != nil {
		return nil, err
	}

	var entityItems []ContextItem
	var relationItems []ContextItem
	var chunkIDs []string
	seenRelations := make(map[graph.RelationKey]bool)

	for _, name := range names {
		entity, ok := entities[name]
		if !ok {
			continue
		}
		delete(entities, name) // each entity contributes once
		entityItems = append(entityItems, entityItem(entity))
		chunkIDs = append(chunkIDs, entity.SourceChunkIDs...)

		relations, err := e.graph.GetRelationsForEntity(ctx, projectID, entity.Name)
		if err != nil {
			return nil, err
		}
		sort.SliceStable(relations, func(i, j int) bool { return relations[i].Weight > relations[j].Weight })
		for i, r := range relations {
			if i >= topRelationsPerEntity {
				break
			}
			if seenRelations[r.Key()] {
				continue
			}
			seenRelations[r.Key()] = true
			relationItems = append(relationItems, relationItem(r))
		}
	}

	chunks, err := e.chunkItemsByID(ctx, projectID, chunkIDs)
	if err != nil {
		return nil, err
	}

	return &retrieval{
		entitySources:   []ContextSource{{Name: "local-entities", Items: entityItems}},
		relationSources: []ContextSource{{Name: "local-relations", Items: relationItems}},
		chunks:          chunks,
	}, nil
}

// retrieveGlobal is relation-centric: chunk hits expand to the entities they
// mention, then to relations ranked by HIGH_LEVEL keyword bias and weight.
func (e *Executor) retrieveGlobal(ctx context.Context, projectID string, embedding []float32, kw keywords.Keywords) (*retrieval, error) {
	hits, err := e.vectors.Query(ctx, projectID, embedding, e.cfg.TopK, vector.KindChunks)
	if err != nil {
		return nil, err
	}

	chunkItems := chunkItemsFromHits(hits)
	hitIDs := make([]string, 0, len(hits))
	for _, h := range hits {
		hitIDs = append(hitIDs, h.ID)
	}

	names, err := e.graph.GetEntitiesBySourceChunks(ctx, projectID, hitIDs)
	if err != nil {
		return nil, err
	}

	entities, err := e.graph.GetEntitiesBatch(ctx, projectID, names)
	if err != nil {
		return nil, err
	}

	type biased struct {
		relation *graph.Relation
		bias     int
	}
	var candidates []biased
	seen := make(map[graph.RelationKey]bool)
	var entityItems []ContextItem

	for _, name := range names {
		entity, ok := entities[name]
		if !ok {
			continue
		}
		entityItems = append(entityItems, entityItem(entity))

		relations, err := e.graph.GetRelationsForEntity(ctx, projectID, name)
		if err != nil {
			return nil, err
		}
		for _, r := range relations {
			if seen[r.Key()] {
				continue
			}
			seen[r.Key()] = true
			candidates = append(candidates, biased{relation: r, bias: keywordBias(r, kw.HighLevel)})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].bias != candidates[j].bias {
			return candidates[i].bias > candidates[j].bias
		}
		return candidates[i].relation.Weight > candidates[j].relation.Weight
	})

	relationItems := make([]ContextItem, 0, len(candidates))
	for _, c := range candidates {
		relationItems = append(relationItems, relationItem(c.relation))
	}

	return &retrieval{
		entitySources:   []ContextSource{{Name: "global-entities", Items: entityItems}},
		relationSources: []ContextSource{{Name: "global-relations", Items: relationItems}},
		chunks:          chunkItems,
	}, nil
}

// retrieveMix combines vector chunk search with one-hop expansion from
// entities named by LOW_LEVEL keywords.
func (e *Executor) retrieveMix(ctx context.Context, projectID string, embedding []float32, kw keywords.Keywords) (*retrieval, error) {
	hits, err := e.vectors.Query(ctx, projectID, embedding, e.cfg.TopK, vector.KindChunks)
	if err != nil {
		return nil, err
	}
	chunkItems := chunkItemsFromHits(hits)

	entities, err := e.graph.GetEntitiesBatch(ctx, projectID, kw.LowLevel)
	if err != nil {
		return nil, err
	}

	var entityItems []ContextItem
	var relationItems []ContextItem
	seen := make(map[graph.RelationKey]bool)

	for _, name := range kw.LowLevel {
		entity, ok := entities[name]
		if !ok {
			continue
		}
		entityItems = append(entityItems, entityItem(entity))

		relations, err := e.graph.GetRelationsForEntity(ctx, projectID, name)
		if err != nil {
			return nil, err
		}
		sort.SliceStable(relations, func(i, j int) bool { return relations[i].Weight > relations[j].Weight })
		for i, r := range relations {
			if i >= topRelationsPerEntity {
				break
			}
			if seen[r.Key()] {
				continue
			}
			seen[r.Key()] = true
			relationItems = append(relationItems, relationItem(r))
		}
	}

	return &retrieval{
		entitySources:   []ContextSource{{Name: "mix-entities", Items: entityItems}},
		relationSources: []ContextSource{{Name: "mix-relations", Items: relationItems}},
		chunks:          chunkItems,
	}, nil
}

// retrieveNaive is vector-only over chunks.
func (e *Executor) retrieveNaive(ctx context.Context, projectID string, embedding []float32) (*retrieval, error) {
	hits, err := e.vectors.Query(ctx, projectID, embedding, e.cfg.TopK, vector.KindChunks)
	if err != nil {
		return nil, err
	}
	return &retrieval{chunks: chunkItemsFromHits(hits)}, nil
}

// rerankChunks reorders chunk candidates through the adapter; identity on
// any fallback.
func (e *Executor) rerankChunks(ctx context.Context, query string, chunks []ContextItem) []ContextItem {
	items := make([]rerank.Item, len(chunks))
	for i, c := range chunks {
		items[i] = rerank.Item{ID: c.Label, Content: c.Content}
	}

	ranked, ok := e.reranker.Rerank(ctx, query, items, len(items))
	if !ok {
		logger.GetLogger().Debug("reranker fallback, keeping retrieval order")
		if len(ranked) < len(chunks) {
			return chunks[:len(ranked)]
		}
		return chunks
	}

	byLabel := make(map[string]ContextItem, len(chunks))
	for _, c := range chunks {
		byLabel[c.Label] = c
	}
	out := make([]ContextItem, 0, len(ranked))
	for _, r := range ranked {
		c, ok := byLabel[r.ID]
		if !ok {
			continue
		}
		if c.Chunk != nil {
			chunk := *c.Chunk
			chunk.RelevanceScore = r.Score
			c.Chunk = &chunk
		}
		out = append(out, c)
	}
	return out
}

// assemble applies the entity/relation/chunk budget split with donation of
// unused budget to the next source class, then renders the final context.
func (e *Executor) assemble(ret *retrieval) (string, []SourceChunk) {
	budget := e.cfg.Context.MaxTokens
	entityBudget := int(float64(budget) * e.cfg.Context.EntityRatio)
	relationBudget := int(float64(budget) * e.cfg.Context.RelationRatio)
	chunkBudget := budget - entityBudget - relationBudget

	entityMerge := Merge(e.counter, ret.entitySources, entityBudget)
	relationBudget += entityBudget - entityMerge.TokensUsed
	relationMerge := Merge(e.counter, ret.relationSources, relationBudget)
	chunkBudget += relationBudget - relationMerge.TokensUsed
	chunkMerge := Merge(e.counter, []ContextSource{{Name: "chunks", Items: ret.chunks}}, chunkBudget)

	var sb strings.Builder
	if entityMerge.Text != "" {
		sb.WriteString("-----Entities-----\n")
		sb.WriteString(entityMerge.Text)
		sb.WriteString("\n")
	}
	if relationMerge.Text != "" {
		sb.WriteString("-----Relations-----\n")
		sb.WriteString(relationMerge.Text)
		sb.WriteString("\n")
	}
	if chunkMerge.Text != "" {
		sb.WriteString("-----Sources-----\n")
		sb.WriteString(chunkMerge.Text)
		sb.WriteString("\n")
	}

	var sources []SourceChunk
	for _, item := range chunkMerge.Included {
		if item.Chunk != nil {
			sources = append(sources, *item.Chunk)
		}
	}
	return sb.String(), sources
}

// chunkItemsByID loads entity provenance chunks from relational storage;
// LOCAL mode has no vector hit to take the content from.
func (e *Executor) chunkItemsByID(ctx context.Context, projectID string, chunkIDs []string) ([]ContextItem, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}
	// Provenance ids can repeat across entities.
	seen := make(map[string]bool, len(chunkIDs))
	unique := make([]string, 0, len(chunkIDs))
	for _, id := range chunkIDs {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}

	chunks, err := e.chunks.GetChunksByIDs(ctx, projectID, unique)
	if err != nil {
		return nil, err
	}

	items := make([]ContextItem, 0, len(chunks))
	for _, c := range chunks {
		label := ""
		if c.Code != nil {
			label = c.Code.ScopeName
		}
		items = append(items, ContextItem{
			Content: c.Content,
			Label:   c.ID,
			Chunk: &SourceChunk{
				ChunkID:     c.ID,
				DocumentID:  c.DocumentID,
				Content:     c.Content,
				ChunkIndex:  c.OrderIndex,
				SourceLabel: label,
			},
		})
	}
	return items, nil
}

func entityItem(entity *graph.Entity) ContextItem {
	return ContextItem{
		Content: fmt.Sprintf("%s (%s): %s", entity.Name, entity.Type, entity.Description),
		Label:   entity.Name,
	}
}

func relationItem(r *graph.Relation) ContextItem {
	return ContextItem{
		Content: fmt.Sprintf("%s -> %s [%s]: %s", r.Source, r.Target, r.Keywords, r.Description),
		Label:   fmt.Sprintf("%s->%s", r.Source, r.Target),
	}
}

func chunkItemsFromHits(hits []vector.Result) []ContextItem {
	items := make([]ContextItem, 0, len(hits))
	for _, h := range hits {
		label := h.ID
		fileName, _ := h.Metadata["file_name"].(string)
		chunkIndex := 0
		if n, ok := h.Metadata["chunk_index"].(int64); ok {
			chunkIndex = int(n)
		}
		items = append(items, ContextItem{
			Content: h.Content,
			Label:   label,
			Chunk: &SourceChunk{
				ChunkID:        h.ID,
				DocumentID:     h.DocumentID,
				Content:        h.Content,
				ChunkIndex:     chunkIndex,
				SourceLabel:    fileName,
				RelevanceScore: h.Score,
			},
		})
	}
	return items
}

func dedupeChunks(items []ContextItem) []ContextItem {
	seen := make(map[string]bool, len(items))
	out := make([]ContextItem, 0, len(items))
	for _, item := range items {
		if seen[item.Label] {
			continue
		}
		seen[item.Label] = true
		out = append(out, item)
	}
	return out
}

func keywordBias(r *graph.Relation, highLevel []string) int {
	bias := 0
	haystack := strings.ToLower(r.Keywords + " " + r.Description)
	for _, kw := range highLevel {
		if strings.Contains(haystack, strings.ToLower(kw)) {
			bias++
		}
	}
	return bias
}
