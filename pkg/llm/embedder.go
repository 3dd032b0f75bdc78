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

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tessera-ai/tessera"
	"github.com/tessera-ai/tessera/pkg/config"
	"github.com/tessera-ai/tessera/pkg/httpclient"
)

// OpenAIEmbedder speaks the OpenAI embeddings API.
type OpenAIEmbedder struct {
	cfg        config.EmbedderConfig
	httpClient *httpclient.Client
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
	Error *apiError `json:"error,omitempty"`
}

// NewOpenAIEmbedder builds an embedder from configuration.
func NewOpenAIEmbedder(cfg config.EmbedderConfig) *OpenAIEmbedder {
	httpClient := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		}),
		httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
	)

	return &OpenAIEmbedder{cfg: cfg, httpClient: httpClient}
}

// Embed returns one vector per input, in input order. Inputs are sent in
// batches of the configured size.
func (e *OpenAIEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, Usage, error) {
	if len(inputs) == 0 {
		return nil, Usage{}, nil
	}

	results := make([][]float32, 0, len(inputs))
	var usage Usage

	for i := 0; i < len(inputs); i += e.cfg.BatchSize {
		end := i + e.cfg.BatchSize
		if end > len(inputs) {
			end = len(inputs)
		}

		vectors, batchUsage, err := e.embedBatch(ctx, inputs[i:end])
		if err != nil {
			return nil, usage, err
		}
		results = append(results, vectors...)
		usage.InputTokens += batchUsage.InputTokens
	}

	return results, usage, nil
}

func (e *OpenAIEmbedder) embedBatch(ctx context.Context, batch []string) ([][]float32, Usage, error) {
	body, err := json.Marshal(embedRequest{Model: e.cfg.Model, Input: batch})
	if err != nil {
		return nil, Usage{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, Usage{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, Usage{}, classifyTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Usage{}, tessera.WrapError(tessera.KindLLMTransient, "failed to read response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, Usage{}, classifyStatusError(resp.StatusCode, respBody)
	}

	var response embedResponse
	if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, Usage{}, tessera.WrapError(tessera.KindLLMParseError, "failed to decode response", err)
	}
	if response.Error != nil {
		return nil, Usage{}, tessera.NewError(tessera.KindLLMFatal, "provider error: "+response.Error.Message)
	}
	if len(response.Data) != len(batch) {
		return nil, Usage{}, tessera.NewError(tessera.KindLLMParseError,
			fmt.Sprintf("expected %d embeddings, got %d", len(batch), len(response.Data)))
	}

	// The API may return out of order; restore input order by index.
	vectors := make([][]float32, len(batch))
	for _, item := range response.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, Usage{}, tessera.NewError(tessera.KindLLMParseError,
				fmt.Sprintf("embedding index %d out of range", item.Index))
		}
		vectors[item.Index] = item.Embedding
	}

	return vectors, Usage{InputTokens: response.Usage.PromptTokens}, nil
}

// Dimension returns the configured vector width.
func (e *OpenAIEmbedder) Dimension() int {
	return e.cfg.Dimension
}

// Model returns the configured model name.
func (e *OpenAIEmbedder) Model() string {
	return e.cfg.Model
}
