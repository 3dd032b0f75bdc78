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
	"strings"

	"github.com/tessera-ai/tessera/pkg/tokenizer"
)

// ContextItem is one candidate piece of context.
type ContextItem struct {
	// Content is the text that enters the prompt.
	Content string

	// Label names the item for citation mapping (entity name, relation
	// key, or chunk id).
	Label string

	// Chunk carries the originating source chunk when the item is
	// chunk-backed; nil for entity and relation items.
	Chunk *SourceChunk
}

// ContextSource is an ordered item stream feeding the merger.
type ContextSource struct {
	Name  string
	Items []ContextItem
}

// MergeResult is the budgeted merge outcome.
type MergeResult struct {
	Text       string
	Included   []ContextItem
	TokensUsed int
	Truncated  int
}

// Merge round-robins across sources until the token budget is exhausted or
// every source is empty. An item that would overflow is skipped, not
// truncated, and the remaining budget is tried on the next source. Order
// within a single source is preserved.
func Merge(counter *tokenizer.Counter, sources []ContextSource, maxTokens int) MergeResult {
	result := MergeResult{}
	if maxTokens <= 0 {
		for _, src := range sources {
			result.Truncated += len(src.Items)
		}
		return result
	}

	cursors := make([]int, len(sources))
	var parts []string

	for {
		progressed := false
		for i := range sources {
			if cursors[i] >= len(sources[i].Items) {
				continue
			}
			item := sources[i].Items[cursors[i]]
			cursors[i]++
			progressed = true

			cost := counter.Count(item.Content)
			if result.TokensUsed+cost > maxTokens {
				result.Truncated++
				continue
			}
			result.TokensUsed += cost
			result.Included = append(result.Included, item)
			parts = append(parts, item.Content)
		}
		if !progressed {
			break
		}
	}

	result.Text = strings.Join(parts, "\n")
	return result
}
