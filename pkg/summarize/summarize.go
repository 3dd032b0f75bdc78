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

// Package summarize collapses accumulated entity descriptions. Below the
// thresholds it joins with a separator; above them it runs a cached
// map-reduce over the LLM.
package summarize

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/tessera-ai/tessera/pkg/config"
	"github.com/tessera-ai/tessera/pkg/llm"
	"github.com/tessera-ai/tessera/pkg/logger"
	"github.com/tessera-ai/tessera/pkg/store"
	"github.com/tessera-ai/tessera/pkg/tokenizer"
	"github.com/tessera-ai/tessera/pkg/usage"
)

const summaryPrompt = `Summarize the following descriptions of "%s" into one
coherent, comprehensive description. Resolve contradictions, merge
duplicates, and keep all distinct facts. Write in third person and include
the entity name so the description stands alone.

DESCRIPTIONS:
%s

SUMMARY:`

// cacheWriter is the slice of the extraction cache the summarizer uses.
type cacheWriter interface {
	GetCache(ctx context.Context, projectID string, typ store.CacheType, contentHash string) (*store.CacheEntry, error)
	PutCache(ctx context.Context, e *store.CacheEntry) (*store.CacheEntry, error)
}

// Summarizer reduces description lists to a single description.
type Summarizer struct {
	provider llm.Provider
	counter  *tokenizer.Counter
	cache    cacheWriter
	cfg      config.DescriptionConfig
}

// New builds a summarizer.
func New(provider llm.Provider, counter *tokenizer.Counter, cache cacheWriter, cfg config.DescriptionConfig) *Summarizer {
	return &Summarizer{provider: provider, counter: counter, cache: cache, cfg: cfg}
}

// NeedsSummarization reports whether the list crosses either threshold:
// description count or total token size.
func (s *Summarizer) NeedsSummarization(descriptions []string) bool {
	if len(descriptions) >= s.cfg.ForceSummaryCount {
		return true
	}
	total := 0
	for _, d := range descriptions {
		total += s.counter.Count(d)
	}
	return total >= s.cfg.SummaryContextSize
}

// Concatenate joins descriptions with the configured separator, dropping
// empties and duplicates. No LLM involved.
func (s *Summarizer) Concatenate(descriptions []string) string {
	seen := make(map[string]bool, len(descriptions))
	var kept []string
	for _, d := range descriptions {
		d = strings.TrimSpace(d)
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		kept = append(kept, d)
	}
	return strings.Join(kept, s.cfg.Separator)
}

// Summarize produces the final description for name. Below thresholds it is
// a separator join; above them a map-reduce summarization, cached by
// content hash so identical description sets never pay twice.
func (s *Summarizer) Summarize(ctx context.Context, projectID, name string, descriptions []string, tracker *usage.Tracker) (string, error) {
	joined := s.Concatenate(descriptions)
	if !s.NeedsSummarization(descriptions) {
		return joined, nil
	}

	hash := hashSummary(name, joined)
	if hit, err := s.cache.GetCache(ctx, projectID, store.CacheSummarization, hash); err != nil {
		return "", err
	} else if hit != nil {
		return hit.Result, nil
	}

	summary, err := s.mapReduce(ctx, name, descriptions, tracker)
	if err != nil {
		return "", err
	}

	if _, err := s.cache.PutCache(ctx, &store.CacheEntry{
		ID:          uuid.Must(uuid.NewV7()).String(),
		ProjectID:   projectID,
		Type:        store.CacheSummarization,
		ContentHash: hash,
		Result:      summary,
	}); err != nil {
		return "", err
	}
	return summary, nil
}

// mapReduce partitions descriptions into token-bounded batches, summarizes
// each, then recursively reduces the batch summaries. Bounded by
// max_map_iterations; a result still over budget is truncated with a
// warning.
func (s *Summarizer) mapReduce(ctx context.Context, name string, descriptions []string, tracker *usage.Tracker) (string, error) {
	current := descriptions

	for iteration := 0; iteration < s.cfg.MaxMapIterations; iteration++ {
		batches := s.partition(current)
		summaries := make([]string, 0, len(batches))
		for _, batch := range batches {
			summary, err := s.summarizeBatch(ctx, name, batch, tracker)
			if err != nil {
				return "", err
			}
			summaries = append(summaries, summary)
		}

		if len(summaries) == 1 && s.counter.Count(summaries[0]) <= s.cfg.SummaryMaxTokens {
			return summaries[0], nil
		}
		current = summaries
	}

	result := s.Concatenate(current)
	if s.counter.Count(result) > s.cfg.SummaryMaxTokens {
		logger.GetLogger().Warn("description summary still over budget after max iterations, truncating",
			"entity", name, "iterations", s.cfg.MaxMapIterations)
		result = s.truncate(result, s.cfg.SummaryMaxTokens)
	}
	return result, nil
}

// partition groups descriptions into batches whose token totals stay at or
// under summary_max_tokens. An oversized single description forms its own
// batch.
func (s *Summarizer) partition(descriptions []string) [][]string {
	var batches [][]string
	var current []string
	currentTokens := 0

	for _, d := range descriptions {
		tokens := s.counter.Count(d)
		if currentTokens+tokens > s.cfg.SummaryMaxTokens && len(current) > 0 {
			batches = append(batches, current)
			current = nil
			currentTokens = 0
		}
		current = append(current, d)
		currentTokens += tokens
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

func (s *Summarizer) summarizeBatch(ctx context.Context, name string, batch []string, tracker *usage.Tracker) (string, error) {
	prompt := fmt.Sprintf(summaryPrompt, name, strings.Join(batch, "\n- "))
	text, tokens, err := s.provider.Generate(ctx, prompt, s.cfg.SummaryMaxTokens)
	if err != nil {
		return "", err
	}
	tracker.Add(usage.OpSummary, s.provider.Model(), tokens.InputTokens, tokens.OutputTokens)
	return strings.TrimSpace(text), nil
}

// truncate cuts text to at most maxTokens at a whitespace boundary.
func (s *Summarizer) truncate(text string, maxTokens int) string {
	words := strings.Fields(text)
	lo, hi := 0, len(words)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if s.counter.Count(strings.Join(words[:mid], " ")) <= maxTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return strings.Join(words[:lo], " ")
}

func hashSummary(name, joined string) string {
	h := sha256.Sum256([]byte(name + "\x00" + joined))
	return hex.EncodeToString(h[:])
}
