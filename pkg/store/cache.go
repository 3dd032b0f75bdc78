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
	"database/sql"
	"time"
)

// PutCache stores one raw LLM output. The (project, type, hash) unique
// constraint makes concurrent inserts idempotent; on conflict the existing
// row wins and its entry is returned.
func (o ops) PutCache(ctx context.Context, e *CacheEntry) (*CacheEntry, error) {
	e.CreatedAt = time.Now().UTC()

	var chunkID any
	if e.ChunkID != "" {
		chunkID = e.ChunkID
	}

	insert := `INSERT INTO extraction_cache (id, project_id, cache_type, chunk_id, content_hash, result, tokens_used, created_at)
	 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if o.backend == "postgres" {
		insert += ` ON CONFLICT (project_id, cache_type, content_hash) DO NOTHING`
	} else {
		insert = `INSERT OR IGNORE` + insert[len(`INSERT`):]
	}

	_, err := o.q.ExecContext(ctx, o.rebind(insert),
		e.ID, e.ProjectID, string(e.Type), chunkID, e.ContentHash, e.Result, e.TokensUsed, e.CreatedAt)
	if err != nil {
		return nil, classify("insert cache entry", err)
	}

	stored, err := o.GetCache(ctx, e.ProjectID, e.Type, e.ContentHash)
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// GetCache returns the entry for (project, type, hash), or nil, nil on miss.
func (o ops) GetCache(ctx context.Context, projectID string, typ CacheType, contentHash string) (*CacheEntry, error) {
	row := o.q.QueryRowContext(ctx, o.rebind(
		`SELECT id, project_id, cache_type, chunk_id, content_hash, result, tokens_used, created_at
		 FROM extraction_cache WHERE project_id = ? AND cache_type = ? AND content_hash = ?`),
		projectID, string(typ), contentHash)

	e, err := scanCacheEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get cache entry", err)
	}
	return e, nil
}

// GetCacheByChunks returns extraction and gleaning entries attached to the
// given chunks. The rebuild path reads these instead of re-calling the LLM.
func (o ops) GetCacheByChunks(ctx context.Context, projectID string, types []CacheType, chunkIDs []string) ([]*CacheEntry, error) {
	if len(chunkIDs) == 0 || len(types) == 0 {
		return nil, nil
	}

	typeNames := make([]string, len(types))
	for i, t := range types {
		typeNames[i] = string(t)
	}
	args := append([]any{projectID}, anyArgs(typeNames)...)
	args = append(args, anyArgs(chunkIDs)...)

	rows, err := o.q.QueryContext(ctx, o.rebind(
		`SELECT id, project_id, cache_type, chunk_id, content_hash, result, tokens_used, created_at
		 FROM extraction_cache
		 WHERE project_id = ? AND cache_type IN (`+inPlaceholders(len(types))+`)
		   AND chunk_id IN (`+inPlaceholders(len(chunkIDs))+`)
		 ORDER BY created_at, id`),
		args...)
	if err != nil {
		return nil, classify("get cache by chunks", err)
	}
	defer rows.Close()

	var entries []*CacheEntry
	for rows.Next() {
		e, err := scanCacheEntry(rows)
		if err != nil {
			return nil, classify("scan cache entry", err)
		}
		entries = append(entries, e)
	}
	return entries, classify("get cache by chunks", rows.Err())
}

// DetachChunks nulls chunk_id on entries for deleted chunks. The entries
// themselves survive so later rebuilds can still replay extractions.
func (o ops) DetachChunks(ctx context.Context, projectID string, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	args := append([]any{projectID}, anyArgs(chunkIDs)...)
	_, err := o.q.ExecContext(ctx, o.rebind(
		`UPDATE extraction_cache SET chunk_id = NULL
		 WHERE project_id = ? AND chunk_id IN (`+inPlaceholders(len(chunkIDs))+`)`),
		args...)
	return classify("detach cache chunks", err)
}

// RebindCacheChunk points a cache entry at a new chunk. Used when a cache
// hit serves a chunk whose predecessor was deleted on a retry, so rebuild
// lookups by chunk id keep finding the entry.
func (o ops) RebindCacheChunk(ctx context.Context, cacheID, chunkID string) error {
	_, err := o.q.ExecContext(ctx, o.rebind(
		`UPDATE extraction_cache SET chunk_id = ? WHERE id = ?`),
		chunkID, cacheID)
	return classify("rebind cache chunk", err)
}

// DeleteCacheByProject removes all cache rows of a project.
func (o ops) DeleteCacheByProject(ctx context.Context, projectID string) error {
	_, err := o.q.ExecContext(ctx, o.rebind(
		`DELETE FROM extraction_cache WHERE project_id = ?`), projectID)
	return classify("delete project cache", err)
}

func scanCacheEntry(row scanner) (*CacheEntry, error) {
	var e CacheEntry
	var typ string
	var chunkID *string
	if err := row.Scan(&e.ID, &e.ProjectID, &typ, &chunkID, &e.ContentHash, &e.Result, &e.TokensUsed, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Type = CacheType(typ)
	if chunkID != nil {
		e.ChunkID = *chunkID
	}
	return &e, nil
}
