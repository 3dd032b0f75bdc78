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
	"encoding/json"

	"github.com/tessera-ai/tessera"
)

// InsertChunks persists a document's chunks. Order indexes must form a
// consecutive 0..N-1 sequence.
func (o ops) InsertChunks(ctx context.Context, chunks []*Chunk) error {
	for i, c := range chunks {
		if c.OrderIndex != i {
			return tessera.NewError(tessera.KindStorageFatal,
				"chunk order indexes are not a consecutive 0..N-1 sequence")
		}
	}

	for _, c := range chunks {
		var codeMeta any
		if c.Code != nil {
			encoded, err := json.Marshal(c.Code)
			if err != nil {
				return tessera.WrapError(tessera.KindStorageFatal, "failed to encode code metadata", err)
			}
			codeMeta = string(encoded)
		}
		cacheIDs, err := json.Marshal(c.CacheIDs)
		if err != nil {
			return tessera.WrapError(tessera.KindStorageFatal, "failed to encode cache ids", err)
		}

		_, err = o.q.ExecContext(ctx, o.rebind(
			`INSERT INTO chunks (id, document_id, project_id, content, order_index, tokens, code_meta, cache_ids)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			c.ID, c.DocumentID, c.ProjectID, c.Content, c.OrderIndex, c.Tokens, codeMeta, string(cacheIDs))
		if err != nil {
			return classify("insert chunk", err)
		}
	}
	return nil
}

// GetChunksByDocument returns a document's chunks in order.
func (o ops) GetChunksByDocument(ctx context.Context, projectID, documentID string) ([]*Chunk, error) {
	rows, err := o.q.QueryContext(ctx, o.rebind(
		`SELECT id, document_id, project_id, content, order_index, tokens, code_meta, cache_ids
		 FROM chunks WHERE document_id = ? AND project_id = ? ORDER BY order_index`),
		documentID, projectID)
	if err != nil {
		return nil, classify("get chunks", err)
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, classify("scan chunk", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, classify("get chunks", rows.Err())
}

// GetChunksByIDs returns the named chunks, in id order.
func (o ops) GetChunksByIDs(ctx context.Context, projectID string, ids []string) ([]*Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := append([]any{projectID}, anyArgs(ids)...)
	rows, err := o.q.QueryContext(ctx, o.rebind(
		`SELECT id, document_id, project_id, content, order_index, tokens, code_meta, cache_ids
		 FROM chunks WHERE project_id = ? AND id IN (`+inPlaceholders(len(ids))+`) ORDER BY id`),
		args...)
	if err != nil {
		return nil, classify("get chunks by id", err)
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, classify("scan chunk", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, classify("get chunks by id", rows.Err())
}

// AppendCacheIDs records extraction-cache entries against a chunk.
func (o ops) AppendCacheIDs(ctx context.Context, chunkID string, cacheIDs []string) error {
	if len(cacheIDs) == 0 {
		return nil
	}

	row := o.q.QueryRowContext(ctx, o.rebind(`SELECT cache_ids FROM chunks WHERE id = ?`), chunkID)
	var raw string
	if err := row.Scan(&raw); err != nil {
		return classify("load chunk cache ids", err)
	}
	var existing []string
	if err := json.Unmarshal([]byte(raw), &existing); err != nil {
		return tessera.WrapError(tessera.KindStorageFatal, "corrupt cache_ids column", err)
	}

	merged, err := json.Marshal(append(existing, cacheIDs...))
	if err != nil {
		return tessera.WrapError(tessera.KindStorageFatal, "failed to encode cache ids", err)
	}
	_, err = o.q.ExecContext(ctx, o.rebind(`UPDATE chunks SET cache_ids = ? WHERE id = ?`),
		string(merged), chunkID)
	return classify("update chunk cache ids", err)
}

// DeleteChunksByDocument removes all of a document's chunks and returns the
// deleted ids.
func (o ops) DeleteChunksByDocument(ctx context.Context, projectID, documentID string) ([]string, error) {
	rows, err := o.q.QueryContext(ctx, o.rebind(
		`SELECT id FROM chunks WHERE document_id = ? AND project_id = ?`),
		documentID, projectID)
	if err != nil {
		return nil, classify("list chunks for delete", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, classify("scan chunk id", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify("list chunks for delete", err)
	}

	_, err = o.q.ExecContext(ctx, o.rebind(
		`DELETE FROM chunks WHERE document_id = ? AND project_id = ?`),
		documentID, projectID)
	if err != nil {
		return nil, classify("delete chunks", err)
	}
	return ids, nil
}

func scanChunk(row scanner) (*Chunk, error) {
	var c Chunk
	var codeMeta *string
	var cacheIDs string
	if err := row.Scan(&c.ID, &c.DocumentID, &c.ProjectID, &c.Content, &c.OrderIndex, &c.Tokens, &codeMeta, &cacheIDs); err != nil {
		return nil, err
	}
	if codeMeta != nil && *codeMeta != "" {
		c.Code = &CodeMeta{}
		if err := json.Unmarshal([]byte(*codeMeta), c.Code); err != nil {
			return nil, err
		}
	}
	if err := json.Unmarshal([]byte(cacheIDs), &c.CacheIDs); err != nil {
		return nil, err
	}
	return &c, nil
}
