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
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessera-ai/tessera/pkg/config"
	"github.com/tessera-ai/tessera/pkg/extract"
	"github.com/tessera-ai/tessera/pkg/graph"
	"github.com/tessera-ai/tessera/pkg/llm"
	"github.com/tessera-ai/tessera/pkg/store"
	"github.com/tessera-ai/tessera/pkg/tokenizer"
	"github.com/tessera-ai/tessera/pkg/usage"
	"github.com/tessera-ai/tessera/pkg/vector"
)

const testProjectID = "550e8400-e29b-41d4-a716-446655440000"

type statusChange struct {
	from, to store.DocumentStatus
}

type fakeDocStore struct {
	chunks       []*store.Chunk
	statuses     map[string][]statusChange
	cacheAppends map[string][]string

	processing []*store.Document
	claims     int
}

func newFakeDocStore() *fakeDocStore {
	return &fakeDocStore{
		statuses:     make(map[string][]statusChange),
		cacheAppends: make(map[string][]string),
	}
}

func (s *fakeDocStore) ClaimNotProcessed(ctx context.Context, claimerID string, limit int, staleAfter time.Duration) ([]*store.Document, error) {
	s.claims++
	return nil, nil
}

func (s *fakeDocStore) ListClaimed(ctx context.Context, claimerID string, limit int) ([]*store.Document, error) {
	return s.processing, nil
}

func (s *fakeDocStore) SetStatus(ctx context.Context, documentID string, from, to store.DocumentStatus) error {
	s.statuses[documentID] = append(s.statuses[documentID], statusChange{from: from, to: to})
	return nil
}

func (s *fakeDocStore) InsertChunks(ctx context.Context, chunks []*store.Chunk) error {
	s.chunks = append(s.chunks, chunks...)
	return nil
}

func (s *fakeDocStore) DeleteChunksByDocument(ctx context.Context, projectID, documentID string) ([]string, error) {
	var kept []*store.Chunk
	var deleted []string
	for _, c := range s.chunks {
		if c.DocumentID == documentID {
			deleted = append(deleted, c.ID)
			continue
		}
		kept = append(kept, c)
	}
	s.chunks = kept
	return deleted, nil
}

func (s *fakeDocStore) AppendCacheIDs(ctx context.Context, chunkID string, cacheIDs []string) error {
	s.cacheAppends[chunkID] = append(s.cacheAppends[chunkID], cacheIDs...)
	return nil
}

type fakeGraphManager struct{ ensured []string }

func (m *fakeGraphManager) EnsureGraph(ctx context.Context, projectID string) error {
	m.ensured = append(m.ensured, projectID)
	return nil
}

type fakeGraphWriter struct {
	entities  []*graph.Entity
	relations []*graph.Relation
}

func (w *fakeGraphWriter) UpsertEntities(ctx context.Context, projectID string, entities []*graph.Entity) error {
	w.entities = append(w.entities, entities...)
	return nil
}

func (w *fakeGraphWriter) UpsertRelations(ctx context.Context, projectID string, relations []*graph.Relation) error {
	w.relations = append(w.relations, relations...)
	return nil
}

type fakeVectorWriter struct {
	hasVectors bool
	chunks     []vector.ChunkVector
	entities   []vector.EntityVector
}

func (w *fakeVectorWriter) HasVectorsForDocument(ctx context.Context, projectID, documentID string) (bool, error) {
	return w.hasVectors || len(w.chunks) > 0, nil
}

func (w *fakeVectorWriter) UpsertChunks(ctx context.Context, projectID string, chunks []vector.ChunkVector) error {
	w.chunks = append(w.chunks, chunks...)
	return nil
}

func (w *fakeVectorWriter) UpsertEntities(ctx context.Context, projectID string, entities []vector.EntityVector) error {
	w.entities = append(w.entities, entities...)
	return nil
}

type fakeExtractor struct {
	result   *extract.Result
	err      error
	failures int // fail this many calls, then succeed
	calls    int
}

func (x *fakeExtractor) ExtractChunk(ctx context.Context, projectID, chunkID, content string, tracker *usage.Tracker) (*extract.ChunkExtraction, error) {
	x.calls++
	if x.err != nil {
		return nil, x.err
	}
	if x.failures > 0 {
		x.failures--
		return nil, errors.New("provider hiccup")
	}
	return &extract.ChunkExtraction{Result: x.result, CacheIDs: []string{"cache-" + chunkID}}, nil
}

type fakeSummarizer struct{}

func (s *fakeSummarizer) Concatenate(descriptions []string) string {
	return strings.Join(descriptions, " | ")
}

func (s *fakeSummarizer) Summarize(ctx context.Context, projectID, name string, descriptions []string, tracker *usage.Tracker) (string, error) {
	return strings.Join(descriptions, " | "), nil
}

type fakeEmbedder struct{ calls int }

func (e *fakeEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, llm.Usage, error) {
	e.calls++
	out := make([][]float32, len(inputs))
	for i := range inputs {
		out[i] = []float32{0.5}
	}
	return out, llm.Usage{InputTokens: len(inputs)}, nil
}

func (e *fakeEmbedder) Dimension() int { return 1 }
func (e *fakeEmbedder) Model() string  { return "fake-embedder" }

type processorFixture struct {
	store     *fakeDocStore
	graphs    *fakeGraphManager
	graph     *fakeGraphWriter
	vectors   *fakeVectorWriter
	extractor *fakeExtractor
	processor *Processor
}

func newProcessorFixture(t *testing.T) *processorFixture {
	t.Helper()
	counter, err := tokenizer.NewCounter("gpt-4o-mini")
	require.NoError(t, err)

	chunkCfg := config.ChunkingConfig{}
	chunkCfg.SetDefaults()
	extractCfg := config.ExtractionConfig{}
	extractCfg.SetDefaults()

	f := &processorFixture{
		store:   newFakeDocStore(),
		graphs:  &fakeGraphManager{},
		graph:   &fakeGraphWriter{},
		vectors: &fakeVectorWriter{},
		extractor: &fakeExtractor{result: &extract.Result{
			Entities:  []extract.Entity{{Name: "Turing", Type: "person", Description: "a mathematician"}},
			Relations: []extract.Relation{{Source: "Turing", Target: "Turing machine", Keywords: "invented", Weight: 1}},
		}},
	}
	// The relation target must also be accumulated for the edge to survive.
	f.extractor.result.Entities = append(f.extractor.result.Entities,
		extract.Entity{Name: "Turing machine", Type: "concept", Description: "a model of computation"})

	f.processor = NewProcessor(f.store, f.graphs, f.graph, f.vectors, f.extractor, &fakeSummarizer{},
		&fakeEmbedder{}, counter, chunkCfg, extractCfg)
	return f
}

func textDocument() *store.Document {
	return &store.Document{
		ID:        "d1",
		ProjectID: testProjectID,
		Type:      store.DocumentText,
		FileName:  "notes.txt",
		Content:   "Alan Turing invented the Turing machine. It is a model of computation.",
		Status:    store.StatusProcessing,
	}
}

func TestProcessSuccess(t *testing.T) {
	f := newProcessorFixture(t)
	doc := textDocument()

	err := f.processor.Process(context.Background(), doc, usage.NewTracker())
	require.NoError(t, err)

	require.Len(t, f.store.statuses["d1"], 1)
	assert.Equal(t, statusChange{from: store.StatusProcessing, to: store.StatusProcessed}, f.store.statuses["d1"][0])

	assert.Equal(t, []string{testProjectID}, f.graphs.ensured)
	require.NotEmpty(t, f.store.chunks)
	assert.Len(t, f.vectors.chunks, len(f.store.chunks))
	assert.Equal(t, "notes.txt", f.vectors.chunks[0].Metadata["file_name"])

	require.Len(t, f.graph.entities, 2)
	assert.Equal(t, "Turing", f.graph.entities[0].Name)
	require.Len(t, f.graph.relations, 1)
	assert.Equal(t, "invented", f.graph.relations[0].Keywords)

	require.Len(t, f.vectors.entities, 2)
	assert.Equal(t, "Turing: a mathematician", f.vectors.entities[0].Content)

	// Cache provenance is appended per chunk.
	for _, c := range f.store.chunks {
		assert.Equal(t, []string{"cache-" + c.ID}, f.store.cacheAppends[c.ID])
	}
}

func TestProcessFailureRevertsStatus(t *testing.T) {
	f := newProcessorFixture(t)
	f.extractor.err = errors.New("provider down")
	doc := textDocument()

	err := f.processor.Process(context.Background(), doc, usage.NewTracker())
	require.Error(t, err)

	require.Len(t, f.store.statuses["d1"], 1)
	assert.Equal(t, statusChange{from: store.StatusProcessing, to: store.StatusNotProcessed}, f.store.statuses["d1"][0])
	assert.Empty(t, f.graph.entities)
}

func TestProcessRetryKeepsChunksContiguous(t *testing.T) {
	f := newProcessorFixture(t)
	f.extractor.failures = 1
	doc := textDocument()

	require.Error(t, f.processor.Process(context.Background(), doc, usage.NewTracker()))
	rowsAfterFailure := len(f.store.chunks)
	require.NotEmpty(t, f.store.chunks, "the failed attempt inserted rows before extraction ran")

	// The marker re-leases the document and the processor runs again.
	doc.Status = store.StatusProcessing
	require.NoError(t, f.processor.Process(context.Background(), doc, usage.NewTracker()))

	assert.Len(t, f.store.chunks, rowsAfterFailure, "retry replaces chunk rows instead of stacking them")
	perIndex := make(map[int]int)
	for _, c := range f.store.chunks {
		perIndex[c.OrderIndex]++
	}
	for i := 0; i < len(f.store.chunks); i++ {
		assert.Equal(t, 1, perIndex[i], "order index %d must appear exactly once", i)
	}
	assert.Equal(t, store.StatusProcessed, f.store.statuses["d1"][1].to)
}

func TestProcessRetryAfterExtractionFailureRedoesExtraction(t *testing.T) {
	f := newProcessorFixture(t)
	f.extractor.failures = 1
	doc := textDocument()

	require.Error(t, f.processor.Process(context.Background(), doc, usage.NewTracker()))
	assert.Empty(t, f.vectors.chunks, "chunk vectors must not exist before extraction succeeds")
	assert.Equal(t, store.StatusNotProcessed, f.store.statuses["d1"][0].to)

	doc.Status = store.StatusProcessing
	require.NoError(t, f.processor.Process(context.Background(), doc, usage.NewTracker()))

	assert.Equal(t, 2, f.extractor.calls, "the retry reruns the failed extraction instead of short-circuiting")
	require.NotEmpty(t, f.graph.entities)
	require.NotEmpty(t, f.vectors.chunks)
	assert.Equal(t, store.StatusProcessed, f.store.statuses["d1"][1].to)
}

func TestProcessRecoversIngestedDocument(t *testing.T) {
	f := newProcessorFixture(t)
	f.vectors.hasVectors = true
	doc := textDocument()

	err := f.processor.Process(context.Background(), doc, usage.NewTracker())
	require.NoError(t, err)

	// Straight to PROCESSED with no rework.
	require.Len(t, f.store.statuses["d1"], 1)
	assert.Equal(t, store.StatusProcessed, f.store.statuses["d1"][0].to)
	assert.Zero(t, f.extractor.calls)
	assert.Empty(t, f.store.chunks)
}

func TestProcessCodeDocumentKeepsScopeMetadata(t *testing.T) {
	f := newProcessorFixture(t)
	doc := &store.Document{
		ID:        "d2",
		ProjectID: testProjectID,
		Type:      store.DocumentCode,
		FileName:  "main.go",
		Content:   "package main\n\nfunc main() {\n\tprintln(\"hi\")\n}\n",
		Status:    store.StatusProcessing,
	}

	err := f.processor.Process(context.Background(), doc, usage.NewTracker())
	require.NoError(t, err)

	require.NotEmpty(t, f.store.chunks)
	require.NotNil(t, f.store.chunks[0].Code)
	assert.Equal(t, "go", f.store.chunks[0].Code.Language)
}

func TestProcessEmptyDocumentIsANoOp(t *testing.T) {
	f := newProcessorFixture(t)
	doc := textDocument()
	doc.Content = "   "

	err := f.processor.Process(context.Background(), doc, usage.NewTracker())
	require.NoError(t, err)
	assert.Equal(t, store.StatusProcessed, f.store.statuses["d1"][0].to)
	assert.Empty(t, f.store.chunks)
	assert.Zero(t, f.extractor.calls)
}
