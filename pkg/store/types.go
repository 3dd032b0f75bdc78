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

// Package store is the relational layer: documents, chunks and the
// extraction cache. It runs on postgres or sqlite, selected once at process
// start; all callers go through the same Store regardless of backend.
package store

import (
	"time"
)

// DocumentType classifies the ingested source.
type DocumentType string

const (
	DocumentFile    DocumentType = "FILE"
	DocumentText    DocumentType = "TEXT"
	DocumentWebsite DocumentType = "WEBSITE"
	DocumentCode    DocumentType = "CODE"
)

// DocumentStatus is the ingestion state machine. Transitions are strictly
// NOT_PROCESSED → PROCESSING → PROCESSED, with PROCESSING → NOT_PROCESSED
// only on retry after failure.
type DocumentStatus string

const (
	StatusNotProcessed DocumentStatus = "NOT_PROCESSED"
	StatusProcessing   DocumentStatus = "PROCESSING"
	StatusProcessed    DocumentStatus = "PROCESSED"
)

// validTransition reports whether from → to is an allowed status move.
func validTransition(from, to DocumentStatus) bool {
	switch from {
	case StatusNotProcessed:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusProcessed || to == StatusNotProcessed
	case StatusProcessed:
		return false
	}
	return false
}

// Document is an ingested source owned by a project.
type Document struct {
	ID        string
	ProjectID string
	Type      DocumentType
	Status    DocumentStatus
	ClaimedBy string // scheduler instance holding the lease, empty outside PROCESSING
	FileName  string
	Content   string
	Metadata  string // opaque JSON
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CodeMeta is the optional code-chunk metadata.
type CodeMeta struct {
	Language  string `json:"language,omitempty"`
	StartLine int    `json:"start_line,omitempty"`
	EndLine   int    `json:"end_line,omitempty"`
	ScopeName string `json:"scope_name,omitempty"`
	ScopeType string `json:"scope_type,omitempty"`
	ChunkType string `json:"chunk_type,omitempty"`
}

// Chunk is an ordered segment of a document. Chunks of one document form a
// consecutive 0..N-1 sequence under OrderIndex.
type Chunk struct {
	ID         string
	DocumentID string
	ProjectID  string
	Content    string
	OrderIndex int
	Tokens     int
	Code       *CodeMeta
	CacheIDs   []string
}

// CacheType classifies persisted LLM outputs.
type CacheType string

const (
	CacheEntityExtraction  CacheType = "ENTITY_EXTRACTION"
	CacheGleaning          CacheType = "GLEANING"
	CacheSummarization     CacheType = "SUMMARIZATION"
	CacheKeywordExtraction CacheType = "KEYWORD_EXTRACTION"
)

// CacheEntry is one persisted raw LLM output, keyed by content hash so the
// same prompt never pays for a second call. ChunkID goes null when its chunk
// is deleted; the entry survives for rebuild.
type CacheEntry struct {
	ID          string
	ProjectID   string
	Type        CacheType
	ChunkID     string // empty when detached
	ContentHash string
	Result      string
	TokensUsed  int
	CreatedAt   time.Time
}
