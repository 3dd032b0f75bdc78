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

package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tessera-ai/tessera/pkg/config"
	"github.com/tessera-ai/tessera/pkg/extract"
	"github.com/tessera-ai/tessera/pkg/graph"
	"github.com/tessera-ai/tessera/pkg/ingest/codechunk"
	"github.com/tessera-ai/tessera/pkg/ingest/detect"
	"github.com/tessera-ai/tessera/pkg/llm"
	"github.com/tessera-ai/tessera/pkg/logger"
	"github.com/tessera-ai/tessera/pkg/store"
	"github.com/tessera-ai/tessera/pkg/summarize"
	"github.com/tessera-ai/tessera/pkg/tokenizer"
	"github.com/tessera-ai/tessera/pkg/usage"
	"github.com/tessera-ai/tessera/pkg/vector"
)

// docStore is the relational surface the processor uses.
type docStore interface {
	ClaimNotProcessed(ctx context.Context, claimerID string, limit int, staleAfter time.Duration) ([]*store.Document, error)
	ListClaimed(ctx context.Context, claimerID string, limit int) ([]*store.Document, error)
	SetStatus(ctx context.Context, documentID string, from, to store.DocumentStatus) error
	InsertChunks(ctx context.Context, chunks []*store.Chunk) error
	DeleteChunksByDocument(ctx context.Context, projectID, documentID string) ([]string, error)
	AppendCacheIDs(ctx context.Context, chunkID string, cacheIDs []string) error
}

// graphWriter is the graph surface the processor uses.
type graphWriter interface {
	UpsertEntities(ctx context.Context, projectID string, entities []*graph.Entity) error
	UpsertRelations(ctx context.Context, projectID string, relations []*graph.Relation) error
}

// graphManager creates the per-project namespace on demand.
type graphManager interface {
	EnsureGraph(ctx context.Context, projectID string) error
}

// vectorWriter is the vector surface the processor uses.
type vectorWriter interface {
	HasVectorsForDocument(ctx context.Context, projectID, documentID string) (bool, error)
	UpsertChunks(ctx context.Context, projectID string, chunks []vector.ChunkVector) error
	UpsertEntities(ctx context.Context, projectID string, entities []vector.EntityVector) error
}

// chunkExtractor runs extraction plus gleaning for one chunk.
type chunkExtractor interface {
	ExtractChunk(ctx context.Context, projectID, chunkID, content string, tracker *usage.Tracker) (*extract.ChunkExtraction, error)
}

// descriptionSummarizer condenses accumulated descriptions.
type descriptionSummarizer interface {
	Concatenate(descriptions []string) string
	Summarize(ctx context.Context, projectID, name string, descriptions []string, tracker *usage.Tracker) (string, error)
}

var _ descriptionSummarizer = (*summarize.Summarizer)(nil)

// Processor runs the ingestion pipeline for one claimed document.
type Processor struct {
	store      docStore
	graphs     graphManager
	graph      graphWriter
	vectors    vectorWriter
	extractor  chunkExtractor
	summarizer descriptionSummarizer
	embedder   llm.Embedder
	counter    *tokenizer.Counter
	code       *codechunk.Chunker
	chunkCfg   config.ChunkingConfig
	extractCfg config.ExtractionConfig
}

// NewProcessor wires the ingestion pipeline.
func NewProcessor(st docStore, gm graphManager, gw graphWriter, vw vectorWriter, ex chunkExtractor, sm descriptionSummarizer, emb llm.Embedder, counter *tokenizer.Counter, chunkCfg config.ChunkingConfig, extractCfg config.ExtractionConfig) *Processor {
	return &Processor{
		store:      st,
		graphs:     gm,
		graph:      gw,
		vectors:    vw,
		extractor:  ex,
		summarizer: sm,
		embedder:   emb,
		counter:    counter,
		code:       codechunk.New(chunkCfg.MaxTokens, chunkCfg.OverlapTokens, chunkCfg.CharsPerToken),
		chunkCfg:   chunkCfg,
		extractCfg: extractCfg,
	}
}

// Process ingests one PROCESSING document end to end. On success the status
// moves to PROCESSED; on any failure it reverts to NOT_PROCESSED so the
// marker claims it again.
func (p *Processor) Process(ctx context.Context, doc *store.Document, tracker *usage.Tracker) error {
	log := logger.GetLogger().With("project_id", doc.ProjectID, "document_id", doc.ID)

	err := p.process(ctx, doc, tracker)
	if err == nil {
		if err := p.store.SetStatus(ctx, doc.ID, store.StatusProcessing, store.StatusProcessed); err != nil {
			return err
		}
		log.Info("document processed")
		return nil
	}

	log.Warn("document processing failed, scheduling retry", "error", err)
	if revertErr := p.store.SetStatus(ctx, doc.ID, store.StatusProcessing, store.StatusNotProcessed); revertErr != nil {
		log.Error("failed to revert document status", "error", revertErr)
	}
	return err
}

func (p *Processor) process(ctx context.Context, doc *store.Document, tracker *usage.Tracker) error {
	// Chunk vectors are the last write of the pipeline, so their presence
	// means a prior attempt finished everything and crashed before the
	// status flip. Detect and finish cheaply.
	done, err := p.vectors.HasVectorsForDocument(ctx, doc.ProjectID, doc.ID)
	if err != nil {
		return err
	}
	if done {
		logger.GetLogger().Info("document already ingested, completing recovery",
			"project_id", doc.ProjectID, "document_id", doc.ID)
		return nil
	}

	if err := p.graphs.EnsureGraph(ctx, doc.ProjectID); err != nil {
		return err
	}

	chunks := p.chunkDocument(doc)
	if len(chunks) == 0 {
		return nil
	}

	// A failed attempt leaves its chunk rows behind; clear them first so
	// the document's order indexes stay one contiguous 0..N-1 sequence.
	if _, err := p.store.DeleteChunksByDocument(ctx, doc.ProjectID, doc.ID); err != nil {
		return err
	}
	if err := p.store.InsertChunks(ctx, chunks); err != nil {
		return err
	}

	acc, err := p.extractChunks(ctx, doc, chunks, tracker)
	if err != nil {
		return err
	}

	entities, err := p.summarizeEntities(ctx, doc.ProjectID, acc, tracker)
	if err != nil {
		return err
	}
	if err := p.graph.UpsertEntities(ctx, doc.ProjectID, entities); err != nil {
		return err
	}

	relations := buildRelations(acc, p.summarizer)
	if err := p.graph.UpsertRelations(ctx, doc.ProjectID, relations); err != nil {
		return err
	}

	if err := p.embedEntities(ctx, doc.ProjectID, entities, tracker); err != nil {
		return err
	}

	return p.embedChunks(ctx, doc, chunks, tracker)
}

// chunkDocument splits the document content, code-aware when the document is
// code or a file that detects as code.
func (p *Processor) chunkDocument(doc *store.Document) []*store.Chunk {
	detection, _ := detect.DetectLanguage(doc.FileName, doc.Content)
	isCode := doc.Type == store.DocumentCode || (doc.Type == store.DocumentFile && detection.IsCode())

	var chunks []*store.Chunk
	if isCode {
		for i, c := range p.code.Chunk(doc.Content, detection.Language) {
			chunks = append(chunks, &store.Chunk{
				ID:         uuid.Must(uuid.NewV7()).String(),
				DocumentID: doc.ID,
				ProjectID:  doc.ProjectID,
				Content:    c.Content,
				OrderIndex: i,
				Tokens:     p.counter.Count(c.Content),
				Code: &store.CodeMeta{
					Language:  c.Language,
					StartLine: c.StartLine,
					EndLine:   c.EndLine,
					ScopeName: c.ScopeName,
					ScopeType: string(c.ScopeType),
					ChunkType: c.ChunkType,
				},
			})
		}
		return chunks
	}

	for _, piece := range p.counter.Chunk(doc.Content, p.chunkCfg.MaxTokens, p.chunkCfg.OverlapTokens) {
		chunks = append(chunks, &store.Chunk{
			ID:         uuid.Must(uuid.NewV7()).String(),
			DocumentID: doc.ID,
			ProjectID:  doc.ProjectID,
			Content:    piece.Content,
			OrderIndex: piece.Index,
			Tokens:     piece.Tokens,
		})
	}
	return chunks
}

func (p *Processor) embedChunks(ctx context.Context, doc *store.Document, chunks []*store.Chunk, tracker *usage.Tracker) error {
	inputs := make([]string, len(chunks))
	for i, c := range chunks {
		inputs[i] = c.Content
	}
	embeddings, tokens, err := p.embedder.Embed(ctx, inputs)
	if err != nil {
		return err
	}
	tracker.Add(usage.OpEmbedding, p.embedder.Model(), tokens.InputTokens, 0)

	vectors := make([]vector.ChunkVector, len(chunks))
	for i, c := range chunks {
		vectors[i] = vector.ChunkVector{
			ChunkID:    c.ID,
			DocumentID: doc.ID,
			Content:    c.Content,
			Embedding:  embeddings[i],
			Metadata: map[string]any{
				"file_name":   doc.FileName,
				"chunk_index": c.OrderIndex,
			},
		}
	}
	return p.vectors.UpsertChunks(ctx, doc.ProjectID, vectors)
}

// extractChunks runs extraction over chunks in order-index order with
// bounded parallelism, accumulating document-level entities and relations.
func (p *Processor) extractChunks(ctx context.Context, doc *store.Document, chunks []*store.Chunk, tracker *usage.Tracker) (*extract.Accumulator, error) {
	acc := extract.NewAccumulator()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.extractCfg.Concurrency)
	results := make([]*extract.ChunkExtraction, len(chunks))

	for i, chunk := range chunks {
		g.Go(func() error {
			out, err := p.extractor.ExtractChunk(gctx, doc.ProjectID, chunk.ID, chunk.Content, tracker)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", chunk.OrderIndex, err)
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Accumulate in order-index order so first-seen casing is stable.
	for i, chunk := range chunks {
		out := results[i]
		if out == nil || out.ParseFailed {
			continue
		}
		acc.Add(chunk.ID, doc.FileName, out.Result)
		if len(out.CacheIDs) > 0 {
			if err := p.store.AppendCacheIDs(ctx, chunk.ID, out.CacheIDs); err != nil {
				return nil, err
			}
		}
	}
	return acc, nil
}

func (p *Processor) summarizeEntities(ctx context.Context, projectID string, acc *extract.Accumulator, tracker *usage.Tracker) ([]*graph.Entity, error) {
	accumulated := acc.Entities()
	entities := make([]*graph.Entity, 0, len(accumulated))
	for _, ae := range accumulated {
		description, err := p.summarizer.Summarize(ctx, projectID, ae.Name, ae.Descriptions, tracker)
		if err != nil {
			return nil, err
		}
		entities = append(entities, &graph.Entity{
			Name:            ae.Name,
			Type:            ae.Type,
			Description:     description,
			SourceChunkIDs:  ae.SourceChunkIDs,
			SourceFilePaths: ae.SourceFilePaths,
		})
	}
	return entities, nil
}

// buildRelations converts accumulated relations; relation descriptions are
// concatenated, never summarized.
func buildRelations(acc *extract.Accumulator, sm descriptionSummarizer) []*graph.Relation {
	accumulated := acc.Relations()
	relations := make([]*graph.Relation, 0, len(accumulated))
	for _, ar := range accumulated {
		relations = append(relations, &graph.Relation{
			Source:          ar.Source,
			Target:          ar.Target,
			Keywords:        ar.Keywords,
			Description:     sm.Concatenate(ar.Descriptions),
			Weight:          ar.Weight,
			SourceChunkIDs:  ar.SourceChunkIDs,
			SourceFilePaths: ar.SourceFilePaths,
		})
	}
	return relations
}

func (p *Processor) embedEntities(ctx context.Context, projectID string, entities []*graph.Entity, tracker *usage.Tracker) error {
	if len(entities) == 0 {
		return nil
	}
	inputs := make([]string, len(entities))
	for i, e := range entities {
		inputs[i] = e.Name + ": " + e.Description
	}
	embeddings, tokens, err := p.embedder.Embed(ctx, inputs)
	if err != nil {
		return err
	}
	tracker.Add(usage.OpEmbedding, p.embedder.Model(), tokens.InputTokens, 0)

	vectors := make([]vector.EntityVector, len(entities))
	for i, e := range entities {
		vectors[i] = vector.EntityVector{
			Name:      e.Name,
			Content:   inputs[i],
			Embedding: embeddings[i],
		}
	}
	return p.vectors.UpsertEntities(ctx, projectID, vectors)
}
