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

// Package keywords extracts high-level and low-level query keywords for the
// graph-backed query modes. Results are cached twice: an in-process TTL map
// for the hot path and the persistent extraction cache across restarts.
package keywords

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tessera-ai/tessera"
	"github.com/tessera-ai/tessera/pkg/config"
	"github.com/tessera-ai/tessera/pkg/llm"
	"github.com/tessera-ai/tessera/pkg/logger"
	"github.com/tessera-ai/tessera/pkg/store"
	"github.com/tessera-ai/tessera/pkg/usage"
)

const keywordPrompt = `Extract search keywords from the user query below.

Return exactly two lines:
HIGH_LEVEL: comma-separated abstract concepts, themes and relationships
LOW_LEVEL: comma-separated concrete named entities, people, places, products

Query: %s`

// Keywords is the two-level extraction result.
type Keywords struct {
	HighLevel []string `json:"high_level"`
	LowLevel  []string `json:"low_level"`
}

// cacheWriter is the persistent cache surface the extractor uses.
type cacheWriter interface {
	GetCache(ctx context.Context, projectID string, typ store.CacheType, contentHash string) (*store.CacheEntry, error)
	PutCache(ctx context.Context, e *store.CacheEntry) (*store.CacheEntry, error)
}

type cachedResult struct {
	keywords Keywords
	expires  time.Time
}

// Extractor extracts keywords with an LLM, caching by query hash.
type Extractor struct {
	provider llm.Provider
	cache    cacheWriter
	ttl      time.Duration

	mu  sync.Mutex
	mem map[string]cachedResult
}

// New builds a keyword extractor.
func New(provider llm.Provider, cache cacheWriter, cfg config.KeywordConfig) *Extractor {
	return &Extractor{
		provider: provider,
		cache:    cache,
		ttl:      time.Duration(cfg.CacheTTL) * time.Second,
		mem:      make(map[string]cachedResult),
	}
}

// Extract returns the keywords for a query. On any LLM or parse failure the
// whole query falls back to a single low-level keyword, so queries never
// fail on keyword extraction.
func (x *Extractor) Extract(ctx context.Context, projectID, query string, tracker *usage.Tracker) Keywords {
	hash := queryHash(query)
	now := time.Now()

	x.mu.Lock()
	if hit, ok := x.mem[hash]; ok && now.Before(hit.expires) {
		x.mu.Unlock()
		return hit.keywords
	}
	x.mu.Unlock()

	if kw, ok := x.fromPersistentCache(ctx, projectID, hash); ok {
		x.remember(hash, kw)
		return kw
	}

	raw, tokens, err := x.provider.Generate(ctx, fmt.Sprintf(keywordPrompt, query), 0)
	if err != nil {
		logger.GetLogger().Warn("keyword extraction failed, falling back to raw query", "error", err)
		return fallback(query)
	}
	tracker.Add(usage.OpKeywords, x.provider.Model(), tokens.InputTokens, tokens.OutputTokens)

	kw, err := Parse(raw)
	if err != nil {
		logger.GetLogger().Warn("keyword parse failed, falling back to raw query", "error", err)
		return fallback(query)
	}

	x.persist(ctx, projectID, hash, kw)
	x.remember(hash, kw)
	return kw
}

// Parse reads the HIGH_LEVEL / LOW_LEVEL line pair, tolerating whitespace,
// casing and trailing punctuation.
func Parse(raw string) (Keywords, error) {
	var kw Keywords
	found := false

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "HIGH_LEVEL"):
			kw.HighLevel = splitKeywords(line)
			found = true
		case strings.HasPrefix(upper, "LOW_LEVEL"):
			kw.LowLevel = splitKeywords(line)
			found = true
		}
	}

	if !found {
		return Keywords{}, tessera.NewError(tessera.KindLLMParseError,
			"response contains neither HIGH_LEVEL nor LOW_LEVEL line")
	}
	return kw, nil
}

// splitKeywords strips the line label and splits on commas.
func splitKeywords(line string) []string {
	if i := strings.Index(line, ":"); i >= 0 {
		line = line[i+1:]
	}
	var out []string
	for _, part := range strings.Split(line, ",") {
		part = strings.Trim(strings.TrimSpace(part), ".;:!?\"'")
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func fallback(query string) Keywords {
	return Keywords{LowLevel: []string{strings.TrimSpace(query)}}
}

func (x *Extractor) remember(hash string, kw Keywords) {
	x.mu.Lock()
	x.mem[hash] = cachedResult{keywords: kw, expires: time.Now().Add(x.ttl)}
	// Opportunistically drop expired entries so the map stays bounded.
	now := time.Now()
	for k, v := range x.mem {
		if now.After(v.expires) {
			delete(x.mem, k)
		}
	}
	x.mu.Unlock()
}

func (x *Extractor) fromPersistentCache(ctx context.Context, projectID, hash string) (Keywords, bool) {
	hit, err := x.cache.GetCache(ctx, projectID, store.CacheKeywordExtraction, hash)
	if err != nil || hit == nil {
		return Keywords{}, false
	}
	// Persistent entries older than the TTL are stale.
	if time.Since(hit.CreatedAt) > x.ttl {
		return Keywords{}, false
	}
	var kw Keywords
	if err := json.Unmarshal([]byte(hit.Result), &kw); err != nil {
		return Keywords{}, false
	}
	return kw, true
}

func (x *Extractor) persist(ctx context.Context, projectID, hash string, kw Keywords) {
	encoded, err := json.Marshal(kw)
	if err != nil {
		return
	}
	// Best-effort: a failed cache write must not fail the query.
	if _, err := x.cache.PutCache(ctx, &store.CacheEntry{
		ID:          uuid.Must(uuid.NewV7()).String(),
		ProjectID:   projectID,
		Type:        store.CacheKeywordExtraction,
		ContentHash: hash,
		Result:      string(encoded),
	}); err != nil {
		logger.GetLogger().Debug("keyword cache write failed", "error", err)
	}
}

func queryHash(query string) string {
	h := sha256.Sum256([]byte(query))
	return hex.EncodeToString(h[:])
}
