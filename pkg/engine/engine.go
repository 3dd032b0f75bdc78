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

// Package engine assembles the full pipeline behind one facade: document
// submission, ingestion scheduling, querying, deletion with rebuild, entity
// merging, export and stats. Callers outside this module talk to the Engine
// only.
package engine

import (
	"context"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/tessera-ai/tessera"
	"github.com/tessera-ai/tessera/pkg/config"
	"github.com/tessera-ai/tessera/pkg/extract"
	"github.com/tessera-ai/tessera/pkg/graph"
	"github.com/tessera-ai/tessera/pkg/ingest/detect"
	"github.com/tessera-ai/tessera/pkg/keywords"
	"github.com/tessera-ai/tessera/pkg/llm"
	"github.com/tessera-ai/tessera/pkg/logger"
	"github.com/tessera-ai/tessera/pkg/merge"
	"github.com/tessera-ai/tessera/pkg/query"
	"github.com/tessera-ai/tessera/pkg/rebuild"
	"github.com/tessera-ai/tessera/pkg/rerank"
	"github.com/tessera-ai/tessera/pkg/scheduler"
	"github.com/tessera-ai/tessera/pkg/store"
	"github.com/tessera-ai/tessera/pkg/summarize"
	"github.com/tessera-ai/tessera/pkg/tokenizer"
	"github.com/tessera-ai/tessera/pkg/usage"
	"github.com/tessera-ai/tessera/pkg/vector"
)

// binaryProbeSize is how much of the content feeds the binary sniff.
const binaryProbeSize = 512

// Engine is the assembled system.
type Engine struct {
	cfg *config.Config

	store    *store.Store
	graphMgr *graph.Manager
	graph    *graph.Store
	vectors  *vector.Store

	provider llm.Provider
	embedder llm.Embedder
	counter  *tokenizer.Counter

	executor  *query.Executor
	rebuilder *rebuild.Service
	merger    *merge.Service
	scheduler *scheduler.Scheduler
}

// New builds the engine from configuration. The caller owns Close.
func New(ctx context.Context, cfg *config.Config) (*Engine, error) {
	st, err := store.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	graphDSN := cfg.Graph.DSN
	if graphDSN == "" && cfg.Storage.Backend == "postgres" {
		graphDSN = cfg.Storage.DSN
	}
	if graphDSN == "" {
		st.Close()
		return nil, tessera.NewError(tessera.KindStorageFatal, "graph dsn is required")
	}
	graphMgr, err := graph.OpenManager(ctx, graphDSN)
	if err != nil {
		st.Close()
		return nil, err
	}

	vectors, err := vector.New(ctx, cfg.Vector, cfg.Embedder.Dimension)
	if err != nil {
		st.Close()
		graphMgr.Close()
		return nil, err
	}

	counter, err := tokenizer.NewCounter(cfg.LLM.Model)
	if err != nil {
		st.Close()
		graphMgr.Close()
		vectors.Close()
		return nil, err
	}

	provider := llm.NewOpenAIProvider(cfg.LLM)
	embedder := llm.NewOpenAIEmbedder(cfg.Embedder)

	summarizer := summarize.New(provider, counter, st, cfg.Description)
	graphStore := graph.NewStore(graphMgr, cfg.Graph, cfg.Entity, cfg.Description.Separator)

	e := &Engine{
		cfg:       cfg,
		store:     st,
		graphMgr:  graphMgr,
		graph:     graphStore,
		vectors:   vectors,
		provider:  provider,
		embedder:  embedder,
		counter:   counter,
		rebuilder: rebuild.NewService(st, graphStore, vectors, summarizer),
		merger:    merge.NewService(graphStore, vectors, summarizer),
	}

	e.executor = query.NewExecutor(
		graphStore, vectors, st, embedder, provider,
		keywords.New(provider, st, cfg.Query.Keyword),
		rerank.New(cfg.Rerank),
		counter, cfg.Query)

	extractor := extract.New(provider, st, cfg.Extraction)
	processor := scheduler.NewProcessor(st, graphMgr, graphStore, vectors,
		extractor, summarizer, embedder, counter, cfg.Chunking, cfg.Extraction)
	e.scheduler = scheduler.New(st, processor, cfg.Schedule)

	return e, nil
}

// Start launches background ingestion.
func (e *Engine) Start(ctx context.Context) {
	e.scheduler.Start(ctx)
}

// Close stops ingestion and releases every connection.
func (e *Engine) Close() {
	e.scheduler.Stop()
	if err := e.vectors.Close(); err != nil {
		logger.GetLogger().Warn("failed to close vector store", "error", err)
	}
	if err := e.graphMgr.Close(); err != nil {
		logger.GetLogger().Warn("failed to close graph manager", "error", err)
	}
	if err := e.store.Close(); err != nil {
		logger.GetLogger().Warn("failed to close store", "error", err)
	}
}

// SubmitInput describes one document to ingest.
type SubmitInput struct {
	ProjectID string
	Type      store.DocumentType
	FileName  string
	Content   string
	Metadata  string
}

// SubmitDocument validates and persists a document for ingestion. Binary
// content and invalid UTF-8 are rejected before anything is persisted.
func (e *Engine) SubmitDocument(ctx context.Context, in *SubmitInput) (*store.Document, error) {
	if in.ProjectID == "" {
		return nil, tessera.NewError(tessera.KindMissingProjectID, "document submitted without project id")
	}

	probe := in.Content
	if len(probe) > binaryProbeSize {
		probe = probe[:binaryProbeSize]
	}
	if detect.IsBinary(in.FileName, []byte(probe)) {
		return nil, tessera.NewProjectError(tessera.KindBinaryFileRejected, in.ProjectID,
			"binary content cannot be ingested: "+in.FileName)
	}
	if !utf8.ValidString(in.Content) {
		return nil, tessera.NewProjectError(tessera.KindEncodingError, in.ProjectID,
			"content is not valid UTF-8: "+in.FileName)
	}

	doc := &store.Document{
		ID:        uuid.Must(uuid.NewV7()).String(),
		ProjectID: in.ProjectID,
		Type:      in.Type,
		FileName:  in.FileName,
		Content:   in.Content,
		Metadata:  in.Metadata,
	}
	if err := e.store.CreateDocument(ctx, doc); err != nil {
		return nil, err
	}
	logger.GetLogger().Info("document submitted",
		"project_id", in.ProjectID, "document_id", doc.ID, "file_name", in.FileName)
	return doc, nil
}

// DocumentStatus returns the current status of a document.
func (e *Engine) DocumentStatus(ctx context.Context, projectID, documentID string) (*store.Document, error) {
	return e.store.GetDocument(ctx, projectID, documentID)
}

// Query answers one request and returns token-usage counters alongside.
func (e *Engine) Query(ctx context.Context, req *query.Request) (*query.Response, usage.Summary, error) {
	tracker := usage.NewTracker()
	resp, err := e.executor.Query(ctx, req, tracker)
	return resp, tracker.Summarize(), err
}

// DeleteDocument removes a document, rebuilding shared knowledge from cache
// unless skipRebuild is set.
func (e *Engine) DeleteDocument(ctx context.Context, projectID, documentID string, skipRebuild bool) (*rebuild.Result, usage.Summary, error) {
	tracker := usage.NewTracker()
	result, err := e.rebuilder.DeleteDocument(ctx, projectID, documentID, skipRebuild, tracker)
	return result, tracker.Summarize(), err
}

// MergeEntities consolidates sources into target.
func (e *Engine) MergeEntities(ctx context.Context, projectID string, sources []string, target string, strategy merge.Strategy, overrides *merge.Overrides) (*merge.Result, usage.Summary, error) {
	tracker := usage.NewTracker()
	result, err := e.merger.MergeEntities(ctx, projectID, sources, target, strategy, overrides, tracker)
	return result, tracker.Summarize(), err
}

// ExportBatch is one page of the graph export stream.
type ExportBatch struct {
	Entities  []*graph.Entity   `json:"entities,omitempty"`
	Relations []*graph.Relation `json:"relations,omitempty"`
}

// Export streams the project graph in pages of batchSize, entities first.
// The sink is called once per non-empty page; returning an error aborts the
// stream.
func (e *Engine) Export(ctx context.Context, projectID string, batchSize int, sink func(ExportBatch) error) error {
	if projectID == "" {
		return tessera.NewError(tessera.KindMissingProjectID, "export executed without project id")
	}
	if batchSize <= 0 {
		batchSize = e.cfg.Graph.BatchSize
	}

	for offset := 0; ; offset += batchSize {
		entities, err := e.graph.GetEntitiesPage(ctx, projectID, offset, batchSize)
		if err != nil {
			return err
		}
		if len(entities) == 0 {
			break
		}
		if err := sink(ExportBatch{Entities: entities}); err != nil {
			return err
		}
		if len(entities) < batchSize {
			break
		}
	}

	for offset := 0; ; offset += batchSize {
		relations, err := e.graph.GetRelationsPage(ctx, projectID, offset, batchSize)
		if err != nil {
			return err
		}
		if len(relations) == 0 {
			break
		}
		if err := sink(ExportBatch{Relations: relations}); err != nil {
			return err
		}
		if len(relations) < batchSize {
			break
		}
	}
	return nil
}

// ProjectStats aggregates graph and document counters for one project.
type ProjectStats struct {
	Entities  int                          `json:"entities"`
	Relations int                          `json:"relations"`
	Documents map[store.DocumentStatus]int `json:"documents"`
}

// Stats returns observability counters for a project.
func (e *Engine) Stats(ctx context.Context, projectID string) (*ProjectStats, error) {
	graphStats, err := e.graph.GetStats(ctx, projectID)
	if err != nil {
		return nil, err
	}
	counts, err := e.store.CountDocuments(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return &ProjectStats{
		Entities:  graphStats.Entities,
		Relations: graphStats.Relations,
		Documents: counts,
	}, nil
}

// DeleteProject drops the project graph and every row the project owns:
// vectors, extraction caches, chunks and documents.
func (e *Engine) DeleteProject(ctx context.Context, projectID string) error {
	if projectID == "" {
		return tessera.NewError(tessera.KindMissingProjectID, "project delete without project id")
	}
	if err := e.graphMgr.DropGraph(ctx, projectID); err != nil {
		return err
	}
	if err := e.vectors.DeleteByProject(ctx, projectID); err != nil {
		return err
	}
	if err := e.store.DeleteCacheByProject(ctx, projectID); err != nil {
		return err
	}
	if err := e.store.DeleteProjectRows(ctx, projectID); err != nil {
		return err
	}
	logger.GetLogger().Info("project deleted", "project_id", projectID)
	return nil
}
