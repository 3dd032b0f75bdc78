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

package rerank

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessera-ai/tessera/pkg/config"
)

func testItems() []Item {
	return []Item{
		{ID: "a", Content: "passage a"},
		{ID: "b", Content: "passage b"},
		{ID: "c", Content: "passage c"},
	}
}

func rerankConfig(baseURL string) config.RerankConfig {
	cfg := config.RerankConfig{
		Enabled:  true,
		Provider: "http",
		BaseURL:  baseURL,
	}
	cfg.SetDefaults()
	return cfg
}

func TestRerankDisabled(t *testing.T) {
	cfg := config.RerankConfig{}
	cfg.SetDefaults()
	a := New(cfg)

	assert.False(t, a.Enabled())

	ranked, ok := a.Rerank(context.Background(), "q", testItems(), 0)
	assert.False(t, ok)
	require.Len(t, ranked, 3)
	assert.Equal(t, "a", ranked[0].ID)
	assert.Equal(t, "b", ranked[1].ID)
	assert.Equal(t, int64(0), a.Fallbacks(), "identity-by-config is not a fallback")
}

func TestRerankProvider(t *testing.T) {
	t.Run("provider order wins", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req rerankRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "q", req.Query)
			assert.Len(t, req.Documents, 3)

			json.NewEncoder(w).Encode(rerankResponse{Results: []scoredIndex{
				{Index: 2, Score: 0.95},
				{Index: 0, Score: 0.6},
				{Index: 1, Score: 0.3},
			}})
		}))
		defer srv.Close()

		a := New(rerankConfig(srv.URL))
		ranked, ok := a.Rerank(context.Background(), "q", testItems(), 0)
		require.True(t, ok)
		require.Len(t, ranked, 3)
		assert.Equal(t, "c", ranked[0].ID)
		assert.Equal(t, 0.95, ranked[0].Score)
		assert.Equal(t, 2, ranked[0].OldRank)
		assert.Equal(t, 0, ranked[0].NewRank)
		assert.Equal(t, "a", ranked[1].ID)
	})

	t.Run("scores below min_score are dropped", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(rerankResponse{Results: []scoredIndex{
				{Index: 0, Score: 0.8},
				{Index: 1, Score: 0.05},
				{Index: 2, Score: 0.02},
			}})
		}))
		defer srv.Close()

		a := New(rerankConfig(srv.URL))
		ranked, ok := a.Rerank(context.Background(), "q", testItems(), 0)
		require.True(t, ok)
		require.Len(t, ranked, 1)
		assert.Equal(t, "a", ranked[0].ID)
	})

	t.Run("topK truncates", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(rerankResponse{Results: []scoredIndex{
				{Index: 0, Score: 0.9},
				{Index: 1, Score: 0.8},
				{Index: 2, Score: 0.7},
			}})
		}))
		defer srv.Close()

		a := New(rerankConfig(srv.URL))
		ranked, ok := a.Rerank(context.Background(), "q", testItems(), 2)
		require.True(t, ok)
		assert.Len(t, ranked, 2)
	})
}

func TestRerankFallback(t *testing.T) {
	t.Run("server error serves original order", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		a := New(rerankConfig(srv.URL))
		ranked, ok := a.Rerank(context.Background(), "q", testItems(), 0)
		assert.False(t, ok)
		require.Len(t, ranked, 3)
		assert.Equal(t, "a", ranked[0].ID)
		assert.Equal(t, int64(1), a.Fallbacks())
	})

	t.Run("circuit opens after consecutive failures", func(t *testing.T) {
		calls := 0
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		cfg := rerankConfig(srv.URL)
		cfg.FailureThreshold = 2
		a := New(cfg)

		for i := 0; i < 5; i++ {
			_, ok := a.Rerank(context.Background(), "q", testItems(), 0)
			assert.False(t, ok)
		}
		// Once the breaker opens the provider stops being called.
		assert.Equal(t, 2, calls)
		assert.Equal(t, int64(5), a.Fallbacks())
	})
}
