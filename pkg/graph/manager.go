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

package graph

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"

	_ "github.com/lib/pq"

	"github.com/tessera-ai/tessera"
	"github.com/tessera-ai/tessera/pkg/logger"
)

// Manager owns graph namespace lifecycle on an Apache AGE instance and
// routes Cypher into the right namespace.
type Manager struct {
	db *sql.DB

	// known caches confirmed-existing graph names so per-operation
	// existence checks stay off the hot path. Entries are only ever added
	// on confirmation and removed on drop.
	mu    sync.RWMutex
	known map[string]bool
}

// NewManager wraps an open AGE connection pool.
func NewManager(db *sql.DB) *Manager {
	return &Manager{db: db, known: make(map[string]bool)}
}

// OpenManager connects to the AGE instance at dsn.
func OpenManager(ctx context.Context, dsn string) (*Manager, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, tessera.WrapError(tessera.KindStorageFatal, "failed to open graph connection", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, tessera.WrapError(tessera.KindStorageTransient, "graph engine unreachable", err)
	}
	return NewManager(db), nil
}

// Close releases the connection pool.
func (m *Manager) Close() error {
	return m.db.Close()
}

// session runs fn on a single pooled connection with the AGE extension
// loaded. Cypher calls must stay on one connection because LOAD and
// search_path are session state.
func (m *Manager) session(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return classifyGraphErr("acquire graph session", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `LOAD 'age'`); err != nil {
		return classifyGraphErr("load age extension", err)
	}
	if _, err := conn.ExecContext(ctx, `SET search_path = ag_catalog, "$user", public`); err != nil {
		return classifyGraphErr("set search path", err)
	}
	return fn(conn)
}

// EnsureGraph creates G(P) if absent. Idempotent: the engine errors on
// duplicate creation, so existence is checked first under the same session.
func (m *Manager) EnsureGraph(ctx context.Context, projectID string) error {
	name, err := GraphName(projectID)
	if err != nil {
		return tessera.WrapError(tessera.KindStorageFatal, "invalid project id", err)
	}

	m.mu.RLock()
	exists := m.known[name]
	m.mu.RUnlock()
	if exists {
		return nil
	}

	err = m.session(ctx, func(conn *sql.Conn) error {
		var count int
		if err := conn.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM ag_catalog.ag_graph WHERE name = $1`, name).Scan(&count); err != nil {
			return classifyGraphErr("check graph existence", err)
		}
		if count > 0 {
			return nil
		}
		if _, err := conn.ExecContext(ctx, `SELECT create_graph($1)`, name); err != nil {
			// A concurrent creator may have won the race.
			if strings.Contains(strings.ToLower(err.Error()), "already exists") {
				return nil
			}
			return classifyGraphErr("create graph", err)
		}
		logger.GetLogger().Info("graph namespace created", "graph", name)
		return nil
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.known[name] = true
	m.mu.Unlock()
	return nil
}

// DropGraph cascade-deletes G(P) with all vertices and edges. Succeeds when
// the graph is already absent.
func (m *Manager) DropGraph(ctx context.Context, projectID string) error {
	name, err := GraphName(projectID)
	if err != nil {
		return tessera.WrapError(tessera.KindStorageFatal, "invalid project id", err)
	}

	err = m.session(ctx, func(conn *sql.Conn) error {
		var count int
		if err := conn.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM ag_catalog.ag_graph WHERE name = $1`, name).Scan(&count); err != nil {
			return classifyGraphErr("check graph existence", err)
		}
		if count == 0 {
			return nil
		}
		if _, err := conn.ExecContext(ctx, `SELECT drop_graph($1, true)`, name); err != nil {
			return classifyGraphErr("drop graph", err)
		}
		logger.GetLogger().Info("graph namespace dropped", "graph", name)
		return nil
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.known, name)
	m.mu.Unlock()
	return nil
}

// GraphExists reports whether G(P) exists.
func (m *Manager) GraphExists(ctx context.Context, projectID string) (bool, error) {
	name, err := GraphName(projectID)
	if err != nil {
		return false, tessera.WrapError(tessera.KindStorageFatal, "invalid project id", err)
	}

	m.mu.RLock()
	cached := m.known[name]
	m.mu.RUnlock()
	if cached {
		return true, nil
	}

	var count int
	err = m.session(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM ag_catalog.ag_graph WHERE name = $1`, name).Scan(&count)
	})
	if err != nil {
		return false, classifyGraphErr("check graph existence", err)
	}
	if count > 0 {
		m.mu.Lock()
		m.known[name] = true
		m.mu.Unlock()
	}
	return count > 0, nil
}

// requireGraph resolves the graph name for P and fails with GRAPH_NOT_FOUND
// when the namespace does not exist. Every entity/relation operation goes
// through this gate.
func (m *Manager) requireGraph(ctx context.Context, projectID string) (string, error) {
	exists, err := m.GraphExists(ctx, projectID)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", tessera.NewProjectError(tessera.KindGraphNotFound, projectID,
			"graph namespace does not exist; create the project graph first")
	}
	return GraphName(projectID)
}

// Route executes a Cypher fragment inside G(P) and returns the raw agtype
// rows. columns is the number of RETURN expressions (0 for write-only
// statements).
func (m *Manager) Route(ctx context.Context, projectID, cypherText string, columns int) ([][]agtypeValue, error) {
	name, err := m.requireGraph(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return m.execute(ctx, name, cypherText, columns)
}

// execute runs wrapped Cypher against a known-existing graph.
func (m *Manager) execute(ctx context.Context, graphName, cypherText string, columns int) ([][]agtypeValue, error) {
	var results [][]agtypeValue

	err := m.session(ctx, func(conn *sql.Conn) error {
		query := wrapCypher(graphName, cypherText, columns)
		rows, err := conn.QueryContext(ctx, query)
		if err != nil {
			return classifyGraphErr("execute cypher", err)
		}
		defer rows.Close()

		width := columns
		if width == 0 {
			width = 1
		}
		for rows.Next() {
			raw := make([]sql.NullString, width)
			dest := make([]any, width)
			for i := range raw {
				dest[i] = &raw[i]
			}
			if err := rows.Scan(dest...); err != nil {
				return classifyGraphErr("scan cypher result", err)
			}
			row := make([]agtypeValue, width)
			for i, ns := range raw {
				row[i] = agtypeValue{raw: ns.String}
			}
			results = append(results, row)
		}
		return classifyGraphErr("execute cypher", rows.Err())
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// classifyGraphErr maps engine errors onto the storage error kinds.
func classifyGraphErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return tessera.WrapError(tessera.KindCancelled, op+" cancelled", err)
	}
	msg := strings.ToLower(err.Error())
	for _, transient := range []string{"connection", "timeout", "deadlock", "too many clients"} {
		if strings.Contains(msg, transient) {
			return tessera.WrapError(tessera.KindStorageTransient, op+" failed", err)
		}
	}
	return tessera.WrapError(tessera.KindStorageFatal, op+" failed", err)
}
