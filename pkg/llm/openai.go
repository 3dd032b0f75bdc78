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
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tessera-ai/tessera"
	"github.com/tessera-ai/tessera/pkg/config"
	"github.com/tessera-ai/tessera/pkg/httpclient"
)

// OpenAIProvider speaks the OpenAI chat-completions API.
type OpenAIProvider struct {
	cfg        config.LLMConfig
	httpClient *httpclient.Client
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// NewOpenAIProvider builds a provider from configuration. The underlying
// client retries transient failures with OpenAI rate-limit header awareness.
func NewOpenAIProvider(cfg config.LLMConfig) *OpenAIProvider {
	httpClient := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		}),
		httpclient.WithMaxRetries(cfg.MaxRetries),
		httpclient.WithBaseDelay(time.Duration(cfg.RetryDelay)*time.Second),
		httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
	)

	return &OpenAIProvider{cfg: cfg, httpClient: httpClient}
}

// Generate produces a completion for prompt.
func (p *OpenAIProvider) Generate(ctx context.Context, prompt string, maxTokens int) (string, Usage, error) {
	if maxTokens <= 0 {
		maxTokens = p.cfg.MaxTokens
	}
	request := chatRequest{
		Model:       p.cfg.Model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens:   &maxTokens,
		Temperature: 0,
	}

	body, err := json.Marshal(request)
	if err != nil {
		return "", Usage{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", Usage{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", Usage{}, classifyTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", Usage{}, tessera.WrapError(tessera.KindLLMTransient, "failed to read response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", Usage{}, classifyStatusError(resp.StatusCode, respBody)
	}

	var response chatResponse
	if err := json.Unmarshal(respBody, &response); err != nil {
		return "", Usage{}, tessera.WrapError(tessera.KindLLMParseError, "failed to decode response", err)
	}
	if response.Error != nil {
		return "", Usage{}, tessera.NewError(tessera.KindLLMFatal, "provider error: "+response.Error.Message)
	}
	if len(response.Choices) == 0 {
		return "", Usage{}, tessera.NewError(tessera.KindLLMParseError, "no response choices returned")
	}

	usage := Usage{
		InputTokens:  response.Usage.PromptTokens,
		OutputTokens: response.Usage.CompletionTokens,
	}
	return response.Choices[0].Message.Content, usage, nil
}

// Model returns the configured model name.
func (p *OpenAIProvider) Model() string {
	return p.cfg.Model
}

// classifyTransportError maps transport failures onto the engine's error
// kinds: cancellation, retry exhaustion, and everything else as transient.
func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return tessera.WrapError(tessera.KindCancelled, "provider call cancelled", err)
	}
	var retryable *httpclient.RetryableError
	if errors.As(err, &retryable) {
		return tessera.WrapError(tessera.KindLLMTransient,
			fmt.Sprintf("provider unavailable after retries (status %d)", retryable.StatusCode), err)
	}
	return tessera.WrapError(tessera.KindLLMTransient, "provider request failed", err)
}

// classifyStatusError maps non-200 statuses: 4xx (except 408/429) are fatal,
// the rest transient.
func classifyStatusError(status int, body []byte) error {
	var errResp struct {
		Error apiError `json:"error"`
	}
	msg := fmt.Sprintf("provider returned status %d", status)
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		msg = fmt.Sprintf("provider returned status %d: %s", status, errResp.Error.Message)
	}

	if status >= 400 && status < 500 && status != http.StatusTooManyRequests && status != http.StatusRequestTimeout {
		return tessera.NewError(tessera.KindLLMFatal, msg)
	}
	return tessera.NewError(tessera.KindLLMTransient, msg)
}
