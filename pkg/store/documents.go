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
	"fmt"
	"time"

	"github.com/tessera-ai/tessera"
)

// CreateDocument persists a new document in NOT_PROCESSED state.
func (o ops) CreateDocument(ctx context.Context, d *Document) error {
	if d.ProjectID == "" {
		return tessera.NewError(tessera.KindMissingProjectID, "document has no project id")
	}
	now := time.Now().UTC()
	d.Status = StatusNotProcessed
	d.CreatedAt = now
	d.UpdatedAt = now

	_, err := o.q.ExecContext(ctx, o.rebind(
		`INSERT INTO documents (id, project_id, type, status, claimed_by, file_name, content, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, '', ?, ?, ?, ?, ?)`),
		d.ID, d.ProjectID, string(d.Type), string(d.Status), d.FileName, d.Content, d.Metadata, d.CreatedAt, d.UpdatedAt)
	return classify("insert document", err)
}

// GetDocument loads one document. Returns nil, nil when absent.
func (o ops) GetDocument(ctx context.Context, projectID, documentID string) (*Document, error) {
	row := o.q.QueryRowContext(ctx, o.rebind(
		`SELECT `+documentColumns+` FROM documents WHERE id = ? AND project_id = ?`),
		documentID, projectID)

	d, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get document", err)
	}
	return d, nil
}

// ListDocumentsByStatus returns documents in the given state, oldest first.
func (o ops) ListDocumentsByStatus(ctx context.Context, status DocumentStatus, limit int) ([]*Document, error) {
	return o.listDocuments(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE status = ? ORDER BY created_at LIMIT ?`,
		string(status), limit)
}

// ListClaimed returns the PROCESSING documents leased to one scheduler
// instance, oldest first. Documents claimed by other instances are never
// returned, so two schedulers cannot process the same document.
func (o ops) ListClaimed(ctx context.Context, claimerID string, limit int) ([]*Document, error) {
	return o.listDocuments(ctx,
		`SELECT `+documentColumns+` FROM documents
		 WHERE status = ? AND claimed_by = ? ORDER BY created_at LIMIT ?`,
		string(StatusProcessing), claimerID, limit)
}

func (o ops) listDocuments(ctx context.Context, query string, args ...any) ([]*Document, error) {
	rows, err := o.q.QueryContext(ctx, o.rebind(query), args...)
	if err != nil {
		return nil, classify("list documents", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, classify("scan document", err)
		}
		docs = append(docs, d)
	}
	return docs, classify("list documents", rows.Err())
}

// SetStatus moves a document through the ingestion state machine, enforcing
// the allowed transitions.
func (o ops) SetStatus(ctx context.Context, documentID string, from, to DocumentStatus) error {
	if !validTransition(from, to) {
		return tessera.NewError(tessera.KindStorageFatal,
			fmt.Sprintf("invalid status transition %s -> %s", from, to))
	}

	// Any transition out of PROCESSING releases the lease; transitions into
	// PROCESSING through SetStatus are unowned (the claim path sets the owner).
	res, err := o.q.ExecContext(ctx, o.rebind(
		`UPDATE documents SET status = ?, claimed_by = '', updated_at = ? WHERE id = ? AND status = ?`),
		string(to), time.Now().UTC(), documentID, string(from))
	if err != nil {
		return classify("update document status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("update document status", err)
	}
	if n == 0 {
		return tessera.NewError(tessera.KindStorageFatal,
			fmt.Sprintf("document %s not in status %s", documentID, from))
	}
	return nil
}

// ClaimNotProcessed leases up to limit documents to claimerID, oldest first,
// moving them to PROCESSING so concurrent markers never claim the same
// document twice. PROCESSING documents whose lease has gone stale (updated_at
// older than staleAfter, the claimer crashed without reverting) are
// re-leased the same way. On postgres the selection uses FOR UPDATE SKIP
// LOCKED; on sqlite the single-writer lock serializes claimers.
func (s *Store) ClaimNotProcessed(ctx context.Context, claimerID string, limit int, staleAfter time.Duration) ([]*Document, error) {
	var claimed []*Document

	err := s.WithTx(ctx, func(tx *Tx) error {
		cutoff := time.Now().UTC().Add(-staleAfter)
		sel := `SELECT id FROM documents
		        WHERE status = ? OR (status = ? AND updated_at < ?)
		        ORDER BY created_at LIMIT ?`
		if s.backend == "postgres" {
			sel += ` FOR UPDATE SKIP LOCKED`
		}

		rows, err := tx.q.QueryContext(ctx, tx.rebind(sel),
			string(StatusNotProcessed), string(StatusProcessing), cutoff, limit)
		if err != nil {
			return classify("select claimable documents", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return classify("scan claimable document", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return classify("select claimable documents", err)
		}
		if len(ids) == 0 {
			return nil
		}

		args := append([]any{string(StatusProcessing), claimerID, time.Now().UTC()}, anyArgs(ids)...)
		_, err = tx.q.ExecContext(ctx, tx.rebind(
			`UPDATE documents SET status = ?, claimed_by = ?, updated_at = ? WHERE id IN (`+inPlaceholders(len(ids))+`)`),
			args...)
		if err != nil {
			return classify("claim documents", err)
		}

		docRows, err := tx.q.QueryContext(ctx, tx.rebind(
			`SELECT `+documentColumns+` FROM documents WHERE id IN (`+inPlaceholders(len(ids))+`) ORDER BY created_at`),
			anyArgs(ids)...)
		if err != nil {
			return classify("load claimed documents", err)
		}
		defer docRows.Close()
		for docRows.Next() {
			d, err := scanDocument(docRows)
			if err != nil {
				return classify("scan claimed document", err)
			}
			claimed = append(claimed, d)
		}
		return classify("load claimed documents", docRows.Err())
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// DeleteDocument removes the document row. Chunk and cache cleanup is the
// caller's responsibility (the rebuild service runs it in one transaction).
func (o ops) DeleteDocument(ctx context.Context, projectID, documentID string) error {
	_, err := o.q.ExecContext(ctx, o.rebind(
		`DELETE FROM documents WHERE id = ? AND project_id = ?`),
		documentID, projectID)
	return classify("delete document", err)
}

// DeleteProjectRows removes every chunk and document of a project. Cache
// rows are handled separately by DeleteCacheByProject.
func (o ops) DeleteProjectRows(ctx context.Context, projectID string) error {
	if _, err := o.q.ExecContext(ctx, o.rebind(
		`DELETE FROM chunks WHERE project_id = ?`), projectID); err != nil {
		return classify("delete project chunks", err)
	}
	_, err := o.q.ExecContext(ctx, o.rebind(
		`DELETE FROM documents WHERE project_id = ?`), projectID)
	return classify("delete project documents", err)
}

// CountDocuments returns per-status counts for a project.
func (o ops) CountDocuments(ctx context.Context, projectID string) (map[DocumentStatus]int, error) {
	rows, err := o.q.QueryContext(ctx, o.rebind(
		`SELECT status, COUNT(*) FROM documents WHERE project_id = ? GROUP BY status`),
		projectID)
	if err != nil {
		return nil, classify("count documents", err)
	}
	defer rows.Close()

	counts := make(map[DocumentStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, classify("scan document count", err)
		}
		counts[DocumentStatus(status)] = n
	}
	return counts, classify("count documents", rows.Err())
}

const documentColumns = `id, project_id, type, status, claimed_by, file_name, content, metadata, created_at, updated_at`

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*Document, error) {
	var d Document
	var typ, status string
	if err := row.Scan(&d.ID, &d.ProjectID, &typ, &status, &d.ClaimedBy, &d.FileName, &d.Content, &d.Metadata, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Type = DocumentType(typ)
	d.Status = DocumentStatus(status)
	return &d, nil
}
