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

// Package llm provides the generation and embedding clients the engine
// depends on. Both speak the OpenAI-compatible wire format, which covers
// OpenAI itself plus the self-hosted gateways that mimic it.
package llm

import "context"

// Usage is token accounting reported by the provider per call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Provider generates text.
type Provider interface {
	// Generate produces a completion for prompt. maxTokens <= 0 uses the
	// provider's configured limit.
	Generate(ctx context.Context, prompt string, maxTokens int) (string, Usage, error)

	// Model returns the configured model name.
	Model() string
}

// Embedder converts text into vectors.
type Embedder interface {
	// Embed returns one vector per input, in input order.
	Embed(ctx context.Context, inputs []string) ([][]float32, Usage, error)

	// Dimension returns the vector width this embedder produces.
	Dimension() int

	// Model returns the configured model name.
	Model() string
}
