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

// Package rerank reorders retrieved passages through an external reranking
// provider. The provider is strictly best-effort: any timeout, server error
// or open circuit falls back to the original retrieval order.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/tessera-ai/tessera/pkg/config"
	"github.com/tessera-ai/tessera/pkg/httpclient"
	"github.com/tessera-ai/tessera/pkg/logger"
)

// Item is one passage eligible for reranking.
type Item struct {
	ID      string
	Content string
}

// Ranked is one reranked passage with its rank movement.
type Ranked struct {
	Item
	Score   float64
	OldRank int
	NewRank int
}

// Adapter wraps the provider behind a process-wide circuit breaker.
type Adapter struct {
	cfg        config.RerankConfig
	httpClient *httpclient.Client
	breaker    *gobreaker.CircuitBreaker
	fallbacks  atomic.Int64
}

// New builds the adapter. With provider "none" or Enabled=false every call
// returns the identity mapping without touching the network.
func New(cfg config.RerankConfig) *Adapter {
	a := &Adapter{
		cfg: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.FallbackTimeout()}),
			httpclient.WithMaxRetries(0),
		),
	}
	a.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "reranker:" + cfg.Provider,
		MaxRequests: 1,
		Timeout:     time.Duration(cfg.CooldownSeconds) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.GetLogger().Warn("reranker circuit state change",
				"provider", name, "from", from.String(), "to", to.String())
		},
	})
	return a
}

// Enabled reports whether a real provider is configured.
func (a *Adapter) Enabled() bool {
	return a.cfg.Enabled && a.cfg.Provider != "none"
}

// Fallbacks returns the count of identity fallbacks served since start.
func (a *Adapter) Fallbacks() int64 {
	return a.fallbacks.Load()
}

// Rerank reorders items for the query and truncates to topK. The second
// return is true when the provider answered; false means identity fallback.
func (a *Adapter) Rerank(ctx context.Context, query string, items []Item, topK int) ([]Ranked, bool) {
	if topK <= 0 || topK > len(items) {
		topK = len(items)
	}

	if !a.Enabled() {
		return identity(items, topK), false
	}

	callCtx, cancel := context.WithTimeout(ctx, a.cfg.FallbackTimeout())
	defer cancel()

	result, err := a.breaker.Execute(func() (any, error) {
		return a.call(callCtx, query, items, topK)
	})
	if err != nil {
		a.fallbacks.Add(1)
		logger.GetLogger().Warn("reranker unavailable, serving original order", "error", err)
		return identity(items, topK), false
	}

	scored := result.([]scoredIndex)

	// Provider order wins; scores below min_score are dropped.
	ranked := make([]Ranked, 0, len(scored))
	for newRank, s := range scored {
		if s.Score < a.cfg.MinScore {
			continue
		}
		if s.Index < 0 || s.Index >= len(items) {
			continue
		}
		ranked = append(ranked, Ranked{
			Item:    items[s.Index],
			Score:   s.Score,
			OldRank: s.Index,
			NewRank: newRank,
		})
	}
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}
	return ranked, true
}

// identity returns the first topK items in their original order.
func identity(items []Item, topK int) []Ranked {
	ranked := make([]Ranked, 0, topK)
	for i := 0; i < topK; i++ {
		ranked = append(ranked, Ranked{Item: items[i], OldRank: i, NewRank: i})
	}
	return ranked
}

type scoredIndex struct {
	Index int     `json:"index"`
	Score float64 `json:"relevance_score"`
}

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type rerankResponse struct {
	Results []scoredIndex `json:"results"`
}

// call sends one provider request and returns results ordered by descending
// score.
func (a *Adapter) call(ctx context.Context, query string, items []Item, topK int) ([]scoredIndex, error) {
	documents := make([]string, len(items))
	for i, item := range items {
		documents[i] = item.Content
	}

	body, err := json.Marshal(rerankRequest{
		Model:     a.cfg.Model,
		Query:     query,
		Documents: documents,
		TopN:      topK,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rerank request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create rerank request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read rerank response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reranker returned status %d", resp.StatusCode)
	}

	var parsed rerankResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode rerank response: %w", err)
	}

	sort.SliceStable(parsed.Results, func(i, j int) bool {
		return parsed.Results[i].Score > parsed.Results[j].Score
	})
	return parsed.Results, nil
}
