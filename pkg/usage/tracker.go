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

// Package usage tracks LLM token consumption per request. A Tracker is
// created at request ingress and passed down explicitly; it is safe for
// concurrent use by the extraction and query workers.
package usage

import (
	"sync"
	"time"
)

// OpType classifies the operation that consumed tokens.
type OpType string

const (
	OpExtraction OpType = "extraction"
	OpGleaning   OpType = "gleaning"
	OpSummary    OpType = "summary"
	OpKeywords   OpType = "keywords"
	OpSynthesis  OpType = "synthesis"
	OpEmbedding  OpType = "embedding"
	OpRerank     OpType = "rerank"
	OpMerge      OpType = "merge"
)

// Record is one LLM call's token accounting.
type Record struct {
	Op           OpType    `json:"op"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Timestamp    time.Time `json:"timestamp"`
}

// OpTotals aggregates tokens for one operation type.
type OpTotals struct {
	Calls        int `json:"calls"`
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Summary is the request-level aggregate returned to callers.
type Summary struct {
	TotalCalls        int                 `json:"total_calls"`
	TotalInputTokens  int                 `json:"total_input_tokens"`
	TotalOutputTokens int                 `json:"total_output_tokens"`
	ByOp              map[OpType]OpTotals `json:"by_op"`
}

// Tracker is a request-scoped, append-only token log.
type Tracker struct {
	mu      sync.Mutex
	records []Record
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Add appends one record. Nil trackers are tolerated so call sites outside
// a request scope need no guard.
func (t *Tracker) Add(op OpType, model string, inputTokens, outputTokens int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.records = append(t.records, Record{
		Op:           op,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Timestamp:    time.Now(),
	})
}

// Records returns a copy of the log in append order.
func (t *Tracker) Records() []Record {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Record, len(t.records))
	copy(out, t.records)
	return out
}

// Summarize aggregates the log into totals and a per-op breakdown.
func (t *Tracker) Summarize() Summary {
	s := Summary{ByOp: make(map[OpType]OpTotals)}
	if t == nil {
		return s
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range t.records {
		s.TotalCalls++
		s.TotalInputTokens += r.InputTokens
		s.TotalOutputTokens += r.OutputTokens

		op := s.ByOp[r.Op]
		op.Calls++
		op.InputTokens += r.InputTokens
		op.OutputTokens += r.OutputTokens
		s.ByOp[r.Op] = op
	}
	return s
}
