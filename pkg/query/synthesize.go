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

package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/tessera-ai/tessera/pkg/usage"
)

const synthesisPrompt = `You are answering a question using only the context below.

Cite sources inline with numeric markers like [1] or [2] that refer to the
numbered SOURCES list. Use only information from the context. If the context
does not contain the answer, say so.

---CONTEXT---
%s

---SOURCES---
%s

---QUESTION---
%s

Answer:`

// synthesize generates the final cited answer. Citation numbers map to the
// 1-based positions of the sources slice, which is returned to the caller in
// the same order.
func (e *Executor) synthesize(ctx context.Context, query, contextText string, sources []SourceChunk, tracker *usage.Tracker) (string, error) {
	var listing strings.Builder
	for i, s := range sources {
		label := s.SourceLabel
		if label == "" {
			label = s.DocumentID
		}
		fmt.Fprintf(&listing, "[%d] %s\n", i+1, label)
	}
	if listing.Len() == 0 {
		listing.WriteString("(none)\n")
	}

	prompt := fmt.Sprintf(synthesisPrompt, contextText, listing.String(), query)

	answer, tokens, err := e.provider.Generate(ctx, prompt, 0)
	if err != nil {
		return "", err
	}
	tracker.Add(usage.OpSynthesis, e.provider.Model(), tokens.InputTokens, tokens.OutputTokens)

	return strings.TrimSpace(answer), nil
}
