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

// Package query runs the five retrieval modes over the graph and vector
// stores, assembles a token-budgeted context, optionally reranks, and
// synthesizes the final cited answer.
package query

import (
	"fmt"

	"github.com/tessera-ai/tessera"
)

// Mode selects the retrieval strategy.
type Mode string

const (
	// ModeLocal is entity-centric: entity embeddings drive retrieval.
	ModeLocal Mode = "LOCAL"

	// ModeGlobal is relation-centric: chunk hits expand to relations.
	ModeGlobal Mode = "GLOBAL"

	// ModeHybrid interleaves LOCAL and GLOBAL sources.
	ModeHybrid Mode = "HYBRID"

	// ModeMix combines vector chunk search with keyword-seeded one-hop
	// graph expansion.
	ModeMix Mode = "MIX"

	// ModeNaive is vector-only over chunks, no graph access.
	ModeNaive Mode = "NAIVE"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeLocal, ModeGlobal, ModeHybrid, ModeMix, ModeNaive:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown query mode %q", s)
}

// Request is one query invocation.
type Request struct {
	ProjectID    string
	Query        string
	Mode         Mode
	EnableRerank bool
}

// Validate fails fast on a missing project id.
func (r *Request) Validate() error {
	if r.ProjectID == "" {
		return tessera.NewError(tessera.KindMissingProjectID, "query executed without project id")
	}
	if r.Query == "" {
		return tessera.NewProjectError(tessera.KindInvalidRequest, r.ProjectID, "empty query")
	}
	return nil
}

// SourceChunk is one cited source record returned to the caller.
type SourceChunk struct {
	ChunkID        string  `json:"chunk_id,omitempty"`
	DocumentID     string  `json:"document_id,omitempty"`
	Content        string  `json:"content"`
	ChunkIndex     int     `json:"chunk_index,omitempty"`
	SourceLabel    string  `json:"source_label"`
	RelevanceScore float64 `json:"relevance_score,omitempty"`
}

// Response is the query result. When the hard timeout trips before
// synthesis, Partial is set, Answer is empty and Context carries what was
// assembled.
type Response struct {
	Answer  string        `json:"answer"`
	Sources []SourceChunk `json:"sources"`
	Context string        `json:"context,omitempty"`
	Partial bool          `json:"partial,omitempty"`
}
