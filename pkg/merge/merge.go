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

// Package merge consolidates a set of entities into one target: edges are
// redirected to the target, duplicate edges are merged, self-loops dropped,
// and the source vertices plus their embeddings removed.
package merge

import (
	"context"
	"fmt"
	"strings"

	"github.com/tessera-ai/tessera"
	"github.com/tessera-ai/tessera/pkg/graph"
	"github.com/tessera-ai/tessera/pkg/logger"
	"github.com/tessera-ai/tessera/pkg/usage"
)

// Strategy selects how the merged description is produced.
type Strategy string

const (
	// StrategyConcatenate joins descriptions without an LLM call.
	StrategyConcatenate Strategy = "CONCATENATE"

	// StrategyLLMSummarize condenses descriptions through the summarizer,
	// cached like any other summarization.
	StrategyLLMSummarize Strategy = "LLM_SUMMARIZE"
)

// ParseStrategy validates a strategy string.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyConcatenate, StrategyLLMSummarize:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown merge strategy %q", s)
}

// Overrides optionally replaces target properties after the merge.
type Overrides struct {
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
}

// Result reports what one merge did.
type Result struct {
	Target                string `json:"target"`
	RelationsRedirected   int    `json:"relations_redirected"`
	SourceEntitiesDeleted int    `json:"source_entities_deleted"`
	RelationsDeduped      int    `json:"relations_deduped"`
}

// graphStore is the graph surface the service uses.
type graphStore interface {
	GetEntity(ctx context.Context, projectID, name string) (*graph.Entity, error)
	GetEntitiesBatch(ctx context.Context, projectID string, names []string) (map[string]*graph.Entity, error)
	GetRelationsForEntity(ctx context.Context, projectID, name string) ([]*graph.Relation, error)
	GetRelation(ctx context.Context, projectID string, key graph.RelationKey) (*graph.Relation, error)
	UpsertEntity(ctx context.Context, projectID string, e *graph.Entity) error
	ReplaceEntity(ctx context.Context, projectID string, e *graph.Entity) error
	UpsertRelation(ctx context.Context, projectID string, r *graph.Relation) error
	DeleteEntities(ctx context.Context, projectID string, names []string) error
}

// vectorStore removes embeddings of merged-away entities.
type vectorStore interface {
	DeleteEntityEmbeddings(ctx context.Context, projectID string, names []string) error
}

// summarizer produces the merged description.
type summarizer interface {
	Concatenate(descriptions []string) string
	Summarize(ctx context.Context, projectID, name string, descriptions []string, tracker *usage.Tracker) (string, error)
}

// Service merges entities within one project graph.
type Service struct {
	graph      graphStore
	vectors    vectorStore
	summarizer summarizer
}

// NewService wires the merge service.
func NewService(g graphStore, v vectorStore, sm summarizer) *Service {
	return &Service{graph: g, vectors: v, summarizer: sm}
}

// MergeEntities merges sources into target. Every source must exist; the
// target is created if absent. A source naming the target itself is dropped
// from the set, and merging an entity into only itself is refused as a
// circular merge.
func (s *Service) MergeEntities(ctx context.Context, projectID string, sources []string, target string, strategy Strategy, overrides *Overrides, tracker *usage.Tracker) (*Result, error) {
	if projectID == "" {
		return nil, tessera.NewError(tessera.KindMissingProjectID, "merge executed without project id")
	}
	if strings.TrimSpace(target) == "" {
		return nil, tessera.NewProjectError(tessera.KindStorageFatal, projectID, "merge target has no name")
	}

	sources = dedupeNames(sources)
	kept := sources[:0]
	for _, name := range sources {
		if name != target {
			kept = append(kept, name)
		}
	}
	sources = kept
	if len(sources) == 0 {
		return nil, tessera.NewProjectError(tessera.KindCircularMerge, projectID,
			fmt.Sprintf("cannot merge %q into itself", target))
	}

	sourceEntities, err := s.graph.GetEntitiesBatch(ctx, projectID, sources)
	if err != nil {
		return nil, err
	}
	for _, name := range sources {
		if _, ok := sourceEntities[name]; !ok {
			return nil, tessera.NewProjectError(tessera.KindStorageFatal, projectID,
				fmt.Sprintf("merge source %q not found", name))
		}
	}

	targetEntity, err := s.graph.GetEntity(ctx, projectID, target)
	if err != nil {
		return nil, err
	}

	merged, err := s.composeTarget(ctx, projectID, sources, sourceEntities, target, targetEntity, strategy, overrides, tracker)
	if err != nil {
		return nil, err
	}

	// The target must exist before edges can point at it.
	if targetEntity == nil {
		if err := s.graph.UpsertEntity(ctx, projectID, merged); err != nil {
			return nil, err
		}
	} else if err := s.graph.ReplaceEntity(ctx, projectID, merged); err != nil {
		return nil, err
	}

	result := &Result{Target: target}
	if err := s.redirectEdges(ctx, projectID, sources, target, result); err != nil {
		return nil, err
	}

	// DETACH DELETE drops the original edges along with the vertices.
	if err := s.graph.DeleteEntities(ctx, projectID, sources); err != nil {
		return nil, err
	}
	if err := s.vectors.DeleteEntityEmbeddings(ctx, projectID, sources); err != nil {
		return nil, err
	}
	result.SourceEntitiesDeleted = len(sources)

	logger.GetLogger().Info("entities merged",
		"project_id", projectID,
		"target", target,
		"sources", len(sources),
		"relations_redirected", result.RelationsRedirected,
		"relations_deduped", result.RelationsDeduped)
	return result, nil
}

// composeTarget computes the final property set of the target entity.
func (s *Service) composeTarget(ctx context.Context, projectID string, sources []string, sourceEntities map[string]*graph.Entity, target string, targetEntity *graph.Entity, strategy Strategy, overrides *Overrides, tracker *usage.Tracker) (*graph.Entity, error) {
	merged := &graph.Entity{Name: target}

	var descriptions []string
	if overrides != nil && overrides.Description != "" {
		descriptions = append(descriptions, overrides.Description)
	}
	if targetEntity != nil {
		merged.Type = targetEntity.Type
		merged.SourceChunkIDs = targetEntity.SourceChunkIDs
		merged.SourceFilePaths = targetEntity.SourceFilePaths
		if targetEntity.Description != "" {
			descriptions = append(descriptions, targetEntity.Description)
		}
	}
	for _, name := range sources {
		src := sourceEntities[name]
		if merged.Type == "" {
			merged.Type = src.Type
		}
		if src.Description != "" {
			descriptions = append(descriptions, src.Description)
		}
		merged.SourceChunkIDs = append(merged.SourceChunkIDs, src.SourceChunkIDs...)
		merged.SourceFilePaths = append(merged.SourceFilePaths, src.SourceFilePaths...)
	}
	if overrides != nil && overrides.Type != "" {
		merged.Type = overrides.Type
	}

	switch strategy {
	case StrategyLLMSummarize:
		description, err := s.summarizer.Summarize(ctx, projectID, target, descriptions, tracker)
		if err != nil {
			return nil, err
		}
		merged.Description = description
	default:
		merged.Description = s.summarizer.Concatenate(descriptions)
	}
	return merged, nil
}

// redirectEdges rewrites every edge incident to a source so it points at the
// target instead. Edges between two merged entities collapse to self-loops
// and are dropped; an edge that lands on an existing (target, x, keywords)
// triple merges into it.
func (s *Service) redirectEdges(ctx context.Context, projectID string, sources []string, target string, result *Result) error {
	sourceSet := make(map[string]bool, len(sources))
	for _, name := range sources {
		sourceSet[name] = true
	}

	seen := make(map[graph.RelationKey]bool)
	for _, name := range sources {
		relations, err := s.graph.GetRelationsForEntity(ctx, projectID, name)
		if err != nil {
			return err
		}
		for _, r := range relations {
			if seen[r.Key()] {
				continue
			}
			seen[r.Key()] = true

			redirected := *r
			if sourceSet[redirected.Source] {
				redirected.Source = target
			}
			if sourceSet[redirected.Target] {
				redirected.Target = target
			}
			if redirected.Source == redirected.Target {
				continue
			}

			existing, err := s.graph.GetRelation(ctx, projectID, redirected.Key())
			if err != nil {
				return err
			}
			// UpsertRelation merges descriptions, weights and sources when
			// the triple already exists.
			if err := s.graph.UpsertRelation(ctx, projectID, &redirected); err != nil {
				return err
			}
			if existing != nil {
				result.RelationsDeduped++
			} else {
				result.RelationsRedirected++
			}
		}
	}
	return nil
}

func dedupeNames(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n != "" && !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}
