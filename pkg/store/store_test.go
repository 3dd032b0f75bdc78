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

package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessera-ai/tessera"
	"github.com/tessera-ai/tessera/pkg/config"
)

const testProjectID = "550e8400-e29b-41d4-a716-446655440000"

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), config.StorageConfig{Backend: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newDocument(id string) *Document {
	return &Document{
		ID:        id,
		ProjectID: testProjectID,
		Type:      DocumentText,
		FileName:  "notes.txt",
		Content:   "some content",
		Metadata:  "{}",
	}
}

func TestDocumentLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	t.Run("create forces NOT_PROCESSED", func(t *testing.T) {
		doc := newDocument("d1")
		doc.Status = StatusProcessed
		require.NoError(t, s.CreateDocument(ctx, doc))

		got, err := s.GetDocument(ctx, testProjectID, "d1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, StatusNotProcessed, got.Status)
		assert.Equal(t, "notes.txt", got.FileName)
	})

	t.Run("missing document is nil, nil", func(t *testing.T) {
		got, err := s.GetDocument(ctx, testProjectID, "nope")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("wrong project does not see it", func(t *testing.T) {
		got, err := s.GetDocument(ctx, "650e8400-e29b-41d4-a716-446655440000", "d1")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("create without project id", func(t *testing.T) {
		err := s.CreateDocument(ctx, &Document{ID: "d2"})
		require.Error(t, err)
		assert.True(t, tessera.IsKind(err, tessera.KindMissingProjectID))
	})
}

func TestSetStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateDocument(ctx, newDocument("d1")))

	t.Run("illegal transition is rejected up front", func(t *testing.T) {
		err := s.SetStatus(ctx, "d1", StatusNotProcessed, StatusProcessed)
		require.Error(t, err)
		assert.True(t, tessera.IsKind(err, tessera.KindStorageFatal))
	})

	t.Run("happy path walks the state machine", func(t *testing.T) {
		require.NoError(t, s.SetStatus(ctx, "d1", StatusNotProcessed, StatusProcessing))
		require.NoError(t, s.SetStatus(ctx, "d1", StatusProcessing, StatusProcessed))

		got, err := s.GetDocument(ctx, testProjectID, "d1")
		require.NoError(t, err)
		assert.Equal(t, StatusProcessed, got.Status)
	})

	t.Run("stale from-status is a conflict", func(t *testing.T) {
		err := s.SetStatus(ctx, "d1", StatusProcessing, StatusProcessed)
		require.Error(t, err)
	})
}

func TestClaimNotProcessed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateDocument(ctx, newDocument(fmt.Sprintf("d%d", i))))
	}

	claimed, err := s.ClaimNotProcessed(ctx, "worker-a", 2, time.Hour)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	for _, d := range claimed {
		assert.Equal(t, StatusProcessing, d.Status)
		assert.Equal(t, "worker-a", d.ClaimedBy)
	}

	rest, err := s.ClaimNotProcessed(ctx, "worker-b", 10, time.Hour)
	require.NoError(t, err)
	assert.Len(t, rest, 1)

	none, err := s.ClaimNotProcessed(ctx, "worker-a", 10, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, none, "live leases are not reclaimable")

	processing, err := s.ListDocumentsByStatus(ctx, StatusProcessing, 10)
	require.NoError(t, err)
	assert.Len(t, processing, 3)

	t.Run("claims are scoped to their owner", func(t *testing.T) {
		mine, err := s.ListClaimed(ctx, "worker-a", 10)
		require.NoError(t, err)
		assert.Len(t, mine, 2)

		theirs, err := s.ListClaimed(ctx, "worker-b", 10)
		require.NoError(t, err)
		assert.Len(t, theirs, 1)
	})

	t.Run("finishing a document releases the lease", func(t *testing.T) {
		require.NoError(t, s.SetStatus(ctx, claimed[0].ID, StatusProcessing, StatusProcessed))

		mine, err := s.ListClaimed(ctx, "worker-a", 10)
		require.NoError(t, err)
		assert.Len(t, mine, 1)
	})

	t.Run("stale leases are reclaimed", func(t *testing.T) {
		// Age the remaining worker-a claim past its lifetime, as if the
		// instance crashed mid-pipeline.
		stale := time.Now().UTC().Add(-2 * time.Hour)
		_, err := s.db.ExecContext(ctx, s.rebind(
			`UPDATE documents SET updated_at = ? WHERE claimed_by = ?`), stale, "worker-a")
		require.NoError(t, err)

		reclaimed, err := s.ClaimNotProcessed(ctx, "worker-b", 10, time.Hour)
		require.NoError(t, err)
		require.Len(t, reclaimed, 1)
		assert.Equal(t, "worker-b", reclaimed[0].ClaimedBy)
		assert.Equal(t, StatusProcessing, reclaimed[0].Status)
	})
}

func TestChunks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateDocument(ctx, newDocument("d1")))

	chunks := []*Chunk{
		{ID: "c0", DocumentID: "d1", ProjectID: testProjectID, Content: "first", OrderIndex: 0, Tokens: 2},
		{
			ID: "c1", DocumentID: "d1", ProjectID: testProjectID, Content: "func main() {}", OrderIndex: 1, Tokens: 5,
			Code: &CodeMeta{Language: "go", StartLine: 3, EndLine: 5, ScopeName: "main", ScopeType: "FUNCTION", ChunkType: "code"},
		},
	}

	t.Run("order indexes must be consecutive", func(t *testing.T) {
		err := s.InsertChunks(ctx, []*Chunk{{ID: "x", OrderIndex: 1}})
		require.Error(t, err)
	})

	t.Run("roundtrip with code metadata", func(t *testing.T) {
		require.NoError(t, s.InsertChunks(ctx, chunks))

		got, err := s.GetChunksByDocument(ctx, testProjectID, "d1")
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "first", got[0].Content)
		assert.Nil(t, got[0].Code)
		require.NotNil(t, got[1].Code)
		assert.Equal(t, "go", got[1].Code.Language)
		assert.Equal(t, "main", got[1].Code.ScopeName)
	})

	t.Run("get by ids", func(t *testing.T) {
		got, err := s.GetChunksByIDs(ctx, testProjectID, []string{"c1", "missing"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "c1", got[0].ID)

		got, err = s.GetChunksByIDs(ctx, testProjectID, nil)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("append cache ids accumulates", func(t *testing.T) {
		require.NoError(t, s.AppendCacheIDs(ctx, "c0", []string{"cache-1"}))
		require.NoError(t, s.AppendCacheIDs(ctx, "c0", []string{"cache-2"}))
		require.NoError(t, s.AppendCacheIDs(ctx, "c0", nil))

		got, err := s.GetChunksByIDs(ctx, testProjectID, []string{"c0"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, []string{"cache-1", "cache-2"}, got[0].CacheIDs)
	})

	t.Run("delete by document returns ids", func(t *testing.T) {
		ids, err := s.DeleteChunksByDocument(ctx, testProjectID, "d1")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"c0", "c1"}, ids)

		got, err := s.GetChunksByDocument(ctx, testProjectID, "d1")
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestCache(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	entry := &CacheEntry{
		ID:          "e1",
		ProjectID:   testProjectID,
		Type:        CacheEntityExtraction,
		ChunkID:     "c1",
		ContentHash: "hash-1",
		Result:      `{"entities": [], "relations": []}`,
		TokensUsed:  42,
	}

	t.Run("put and get", func(t *testing.T) {
		stored, err := s.PutCache(ctx, entry)
		require.NoError(t, err)
		assert.Equal(t, "e1", stored.ID)

		got, err := s.GetCache(ctx, testProjectID, CacheEntityExtraction, "hash-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, 42, got.TokensUsed)
	})

	t.Run("conflicting put keeps the first row", func(t *testing.T) {
		dup := *entry
		dup.ID = "e2"
		dup.Result = "different"
		stored, err := s.PutCache(ctx, &dup)
		require.NoError(t, err)
		assert.Equal(t, "e1", stored.ID, "existing entry wins")
	})

	t.Run("miss is nil, nil", func(t *testing.T) {
		got, err := s.GetCache(ctx, testProjectID, CacheEntityExtraction, "no-such-hash")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("get by chunks filters on type", func(t *testing.T) {
		_, err := s.PutCache(ctx, &CacheEntry{
			ID: "e3", ProjectID: testProjectID, Type: CacheGleaning,
			ChunkID: "c1", ContentHash: "hash-2", Result: "{}",
		})
		require.NoError(t, err)
		_, err = s.PutCache(ctx, &CacheEntry{
			ID: "e4", ProjectID: testProjectID, Type: CacheSummarization,
			ChunkID: "c1", ContentHash: "hash-3", Result: "{}",
		})
		require.NoError(t, err)

		entries, err := s.GetCacheByChunks(ctx, testProjectID,
			[]CacheType{CacheEntityExtraction, CacheGleaning}, []string{"c1"})
		require.NoError(t, err)
		require.Len(t, entries, 2)
	})

	t.Run("detach keeps rows, clears chunk id", func(t *testing.T) {
		require.NoError(t, s.DetachChunks(ctx, testProjectID, []string{"c1"}))

		entries, err := s.GetCacheByChunks(ctx, testProjectID,
			[]CacheType{CacheEntityExtraction, CacheGleaning}, []string{"c1"})
		require.NoError(t, err)
		assert.Empty(t, entries, "detached entries no longer resolve by chunk")

		got, err := s.GetCache(ctx, testProjectID, CacheEntityExtraction, "hash-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Empty(t, got.ChunkID)
	})

	t.Run("delete by project", func(t *testing.T) {
		require.NoError(t, s.DeleteCacheByProject(ctx, testProjectID))
		got, err := s.GetCache(ctx, testProjectID, CacheEntityExtraction, "hash-1")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestRebindCacheChunk(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	stored, err := s.PutCache(ctx, &CacheEntry{
		ID: "e1", ProjectID: testProjectID, Type: CacheEntityExtraction,
		ChunkID: "chunk-old", ContentHash: "h", Result: "{}",
	})
	require.NoError(t, err)

	require.NoError(t, s.RebindCacheChunk(ctx, stored.ID, "chunk-new"))

	entries, err := s.GetCacheByChunks(ctx, testProjectID,
		[]CacheType{CacheEntityExtraction}, []string{"chunk-new"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "chunk-new", entries[0].ChunkID)

	entries, err = s.GetCacheByChunks(ctx, testProjectID,
		[]CacheType{CacheEntityExtraction}, []string{"chunk-old"})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWithTx(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	t.Run("commit persists", func(t *testing.T) {
		err := s.WithTx(ctx, func(tx *Tx) error {
			return tx.CreateDocument(ctx, newDocument("d1"))
		})
		require.NoError(t, err)

		got, err := s.GetDocument(ctx, testProjectID, "d1")
		require.NoError(t, err)
		assert.NotNil(t, got)
	})

	t.Run("error rolls back", func(t *testing.T) {
		boom := errors.New("boom")
		err := s.WithTx(ctx, func(tx *Tx) error {
			if err := tx.CreateDocument(ctx, newDocument("d2")); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		got, err := s.GetDocument(ctx, testProjectID, "d2")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestCountDocumentsAndProjectDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateDocument(ctx, newDocument("d1")))
	require.NoError(t, s.CreateDocument(ctx, newDocument("d2")))
	require.NoError(t, s.SetStatus(ctx, "d2", StatusNotProcessed, StatusProcessing))
	require.NoError(t, s.InsertChunks(ctx, []*Chunk{
		{ID: "c0", DocumentID: "d1", ProjectID: testProjectID, Content: "x", OrderIndex: 0, Tokens: 1},
	}))

	counts, err := s.CountDocuments(ctx, testProjectID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StatusNotProcessed])
	assert.Equal(t, 1, counts[StatusProcessing])

	require.NoError(t, s.DeleteProjectRows(ctx, testProjectID))

	counts, err = s.CountDocuments(ctx, testProjectID)
	require.NoError(t, err)
	assert.Empty(t, counts)

	chunks, err := s.GetChunksByDocument(ctx, testProjectID, "d1")
	require.NoError(t, err)
	assert.Empty(t, chunks)
}
