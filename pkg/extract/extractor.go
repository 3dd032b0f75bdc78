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

// Package extract turns chunks into tentative entity/relation sets through
// cached LLM calls with gleaning follow-up passes. Raw LLM output is
// persisted before parsing, so a later rebuild can replay extraction without
// spending tokens.
package extract

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/tessera-ai/tessera"
	"github.com/tessera-ai/tessera/pkg/config"
	"github.com/tessera-ai/tessera/pkg/llm"
	"github.com/tessera-ai/tessera/pkg/logger"
	"github.com/tessera-ai/tessera/pkg/store"
	"github.com/tessera-ai/tessera/pkg/usage"
)

// cacheWriter is the extraction-cache surface the extractor needs.
type cacheWriter interface {
	GetCache(ctx context.Context, projectID string, typ store.CacheType, contentHash string) (*store.CacheEntry, error)
	PutCache(ctx context.Context, e *store.CacheEntry) (*store.CacheEntry, error)
	RebindCacheChunk(ctx context.Context, cacheID, chunkID string) error
}

// Extractor runs the extraction + gleaning loop for chunks.
type Extractor struct {
	provider llm.Provider
	cache    cacheWriter
	cfg      config.ExtractionConfig
}

// New builds an extractor.
func New(provider llm.Provider, cache cacheWriter, cfg config.ExtractionConfig) *Extractor {
	return &Extractor{provider: provider, cache: cache, cfg: cfg}
}

// ChunkExtraction is the outcome for one chunk: the parsed result plus the
// cache entries that backed it.
type ChunkExtraction struct {
	Result   *Result
	CacheIDs []string

	// ParseFailed is set when the raw output could not be parsed. The raw
	// is cached regardless and the chunk contributes no entities.
	ParseFailed bool
}

// hashKey derives the cache key for a prompt over content.
func hashKey(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// callCached returns the raw LLM response for the prompt, reusing the cache
// entry for (project, type, hash) when present.
func (x *Extractor) callCached(ctx context.Context, projectID, chunkID string, typ store.CacheType, op usage.OpType, hash, prompt string, tracker *usage.Tracker) (string, string, error) {
	if hit, err := x.cache.GetCache(ctx, projectID, typ, hash); err != nil {
		return "", "", err
	} else if hit != nil {
		// A retried document gets fresh chunk ids; move the entry over so
		// chunk-scoped rebuild lookups still find it.
		if hit.ChunkID != chunkID {
			if err := x.cache.RebindCacheChunk(ctx, hit.ID, chunkID); err != nil {
				return "", "", err
			}
		}
		return hit.Result, hit.ID, nil
	}

	raw, tokens, err := x.provider.Generate(ctx, prompt, 0)
	if err != nil {
		return "", "", err
	}
	tracker.Add(op, x.provider.Model(), tokens.InputTokens, tokens.OutputTokens)

	entry, err := x.cache.PutCache(ctx, &store.CacheEntry{
		ID:          uuid.Must(uuid.NewV7()).String(),
		ProjectID:   projectID,
		Type:        typ,
		ChunkID:     chunkID,
		ContentHash: hash,
		Result:      raw,
		TokensUsed:  tokens.InputTokens + tokens.OutputTokens,
	})
	if err != nil {
		return "", "", err
	}
	return entry.Result, entry.ID, nil
}

// ExtractChunk runs the initial extraction plus up to max_passes gleaning
// passes for one chunk. A pass that parses to an empty set stops gleaning
// early. Parse failures are tolerated: the raw stays cached and the chunk
// contributes nothing.
func (x *Extractor) ExtractChunk(ctx context.Context, projectID, chunkID, content string, tracker *usage.Tracker) (*ChunkExtraction, error) {
	out := &ChunkExtraction{Result: &Result{}}
	log := logger.GetLogger()

	hash := hashKey(promptVersion, "extract", content)
	raw, cacheID, err := x.callCached(ctx, projectID, chunkID, store.CacheEntityExtraction,
		usage.OpExtraction, hash, fmt.Sprintf(extractionPrompt, content), tracker)
	if err != nil {
		return nil, err
	}
	out.CacheIDs = append(out.CacheIDs, cacheID)

	result, err := ParseResult(raw)
	if err != nil {
		if !tessera.IsKind(err, tessera.KindLLMParseError) {
			return nil, err
		}
		log.Warn("extraction output unparseable, chunk contributes no entities",
			"chunk_id", chunkID, "error", err)
		out.ParseFailed = true
		return out, nil
	}
	out.Result = result

	for pass := 1; pass <= x.cfg.Gleaning.MaxPasses; pass++ {
		found, err := json.Marshal(out.Result)
		if err != nil {
			return nil, fmt.Errorf("failed to encode gleaning context: %w", err)
		}

		gleanHash := hashKey(promptVersion, "glean", fmt.Sprint(pass), content)
		raw, cacheID, err := x.callCached(ctx, projectID, chunkID, store.CacheGleaning,
			usage.OpGleaning, gleanHash, fmt.Sprintf(gleaningPrompt, string(found), content), tracker)
		if err != nil {
			return nil, err
		}
		out.CacheIDs = append(out.CacheIDs, cacheID)

		gleaned, err := ParseResult(raw)
		if err != nil {
			if !tessera.IsKind(err, tessera.KindLLMParseError) {
				return nil, err
			}
			log.Warn("gleaning output unparseable, stopping passes",
				"chunk_id", chunkID, "pass", pass, "error", err)
			break
		}
		if gleaned.Empty() {
			break
		}
		out.Result.Entities = append(out.Result.Entities, gleaned.Entities...)
		out.Result.Relations = append(out.Result.Relations, gleaned.Relations...)
	}

	return out, nil
}
