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
	"errors"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tessera-ai/tessera"
	"github.com/tessera-ai/tessera/pkg/config"
	"github.com/tessera-ai/tessera/pkg/logger"
)

// querier is satisfied by both *sql.DB and *sql.Tx so every operation works
// inside and outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ops carries the backend dialect and the handle all operations run on.
type ops struct {
	q       querier
	backend string
}

// Store is the relational store. Safe for concurrent use.
type Store struct {
	ops
	db *sql.DB
}

// Tx is a Store view bound to one transaction.
type Tx struct {
	ops
	tx *sql.Tx
}

// Open connects to the configured backend and prepares the schema.
func Open(ctx context.Context, cfg config.StorageConfig) (*Store, error) {
	driver := "postgres"
	if cfg.Backend == "sqlite" {
		driver = "sqlite3"
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, tessera.WrapError(tessera.KindStorageFatal, "failed to open database", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	if cfg.Backend == "sqlite" {
		// sqlite serializes writers; more connections just contend.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, tessera.WrapError(tessera.KindStorageTransient, "database unreachable", err)
	}

	s := &Store{ops: ops{q: db, backend: cfg.Backend}, db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.GetLogger().Debug("relational store ready", "backend", cfg.Backend)
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a transaction, committing on nil and rolling back
// on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin transaction", err)
	}

	t := &Tx{ops: ops{q: tx, backend: s.backend}, tx: tx}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(t); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify("commit transaction", err)
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		id          TEXT PRIMARY KEY,
		project_id  TEXT NOT NULL,
		type        TEXT NOT NULL,
		status      TEXT NOT NULL,
		claimed_by  TEXT NOT NULL DEFAULT '',
		file_name   TEXT NOT NULL DEFAULT '',
		content     TEXT NOT NULL DEFAULT '',
		metadata    TEXT NOT NULL DEFAULT '{}',
		created_at  TIMESTAMP NOT NULL,
		updated_at  TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_documents_status ON documents (status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_documents_project ON documents (project_id)`,
	`CREATE TABLE IF NOT EXISTS chunks (
		id          TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		project_id  TEXT NOT NULL,
		content     TEXT NOT NULL,
		order_index INTEGER NOT NULL,
		tokens      INTEGER NOT NULL,
		code_meta   TEXT,
		cache_ids   TEXT NOT NULL DEFAULT '[]'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks (document_id, order_index)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_project ON chunks (project_id)`,
	`CREATE TABLE IF NOT EXISTS extraction_cache (
		id           TEXT PRIMARY KEY,
		project_id   TEXT NOT NULL,
		cache_type   TEXT NOT NULL,
		chunk_id     TEXT,
		content_hash TEXT NOT NULL,
		result       TEXT NOT NULL,
		tokens_used  INTEGER NOT NULL DEFAULT 0,
		created_at   TIMESTAMP NOT NULL,
		UNIQUE (project_id, cache_type, content_hash)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cache_chunk ON extraction_cache (chunk_id)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return tessera.WrapError(tessera.KindStorageFatal, "schema migration failed", err)
		}
	}
	return nil
}

// rebind rewrites ?-placeholders to the backend's syntax. Queries in this
// package are written with ? and rebound for postgres.
func (o ops) rebind(query string) string {
	if o.backend != "postgres" {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// classify maps driver errors onto the engine's storage error kinds.
// Connection-level failures are transient; constraint and syntax violations
// are fatal.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return tessera.WrapError(tessera.KindCancelled, op+" cancelled", err)
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return tessera.WrapError(tessera.KindStorageTransient, op+" failed", err)
	}

	msg := strings.ToLower(err.Error())
	for _, transient := range []string{"connection", "timeout", "deadlock", "too many clients", "database is locked"} {
		if strings.Contains(msg, transient) {
			return tessera.WrapError(tessera.KindStorageTransient, op+" failed", err)
		}
	}
	return tessera.WrapError(tessera.KindStorageFatal, op+" failed", err)
}

// inPlaceholders returns "?, ?, ..." for n arguments.
func inPlaceholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

// anyArgs widens a string slice for ExecContext/QueryContext.
func anyArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
