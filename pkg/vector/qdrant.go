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

// Package vector is the Qdrant-backed vector index. All points live in one
// collection; project isolation is enforced by a mandatory project_id
// payload filter on every read and delete.
package vector

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/tessera-ai/tessera"
	"github.com/tessera-ai/tessera/pkg/config"
)

// Kind selects which point population a query touches.
type Kind string

const (
	KindChunks   Kind = "chunks"
	KindEntities Kind = "entities"
	KindBoth     Kind = "both"
)

// payload kind values stored on each point.
const (
	payloadKindChunk  = "chunk"
	payloadKindEntity = "entity"
)

// entityIDSpace namespaces deterministic entity point ids so re-upserting an
// entity embedding overwrites the previous point.
var entityIDSpace = uuid.MustParse("8e7c2a14-5f14-4b7e-9c37-2d9be14b6a01")

// ChunkVector is one chunk embedding to index.
type ChunkVector struct {
	ChunkID    string
	DocumentID string
	Content    string
	Embedding  []float32
	Metadata   map[string]any
}

// EntityVector is one entity-summary embedding to index.
type EntityVector struct {
	Name      string
	Content   string
	Embedding []float32
}

// Result is one ranked hit. Distance ascends; Score is 1-distance clamped
// to [0,1] for callers mixing vector and graph results.
type Result struct {
	ID         string
	Kind       string
	DocumentID string
	EntityName string
	Content    string
	Distance   float64
	Score      float64
	Metadata   map[string]any
}

// Store is the vector index client. Safe for concurrent use.
type Store struct {
	client     *qdrant.Client
	collection string
	dimension  int
}

// New connects to Qdrant and ensures the collection exists.
func New(ctx context.Context, cfg config.VectorConfig, dimension int) (*Store, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.EnableTLS,
	})
	if err != nil {
		return nil, tessera.WrapError(tessera.KindStorageFatal, "failed to create qdrant client", err)
	}

	s := &Store{client: client, collection: cfg.Collection, dimension: dimension}
	if err := s.ensureCollection(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return tessera.WrapError(tessera.KindStorageTransient, "failed to check collection", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return tessera.WrapError(tessera.KindStorageFatal, "failed to create collection", err)
	}
	return nil
}

// Close releases the client connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// entityPointID derives the stable point id for an entity embedding.
func entityPointID(projectID, name string) string {
	return uuid.NewSHA1(entityIDSpace, []byte(projectID+"\x00"+name)).String()
}

// UpsertChunks indexes chunk embeddings. Point ids are the chunk ids, so
// re-ingestion overwrites in place.
func (s *Store) UpsertChunks(ctx context.Context, projectID string, chunks []ChunkVector) error {
	if projectID == "" {
		return tessera.NewError(tessera.KindMissingProjectID, "vector upsert without project id")
	}
	if len(chunks) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for _, c := range chunks {
		payload := map[string]any{
			"project_id":  projectID,
			"kind":        payloadKindChunk,
			"document_id": c.DocumentID,
			"content":     c.Content,
		}
		for k, v := range c.Metadata {
			payload[k] = v
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(c.ChunkID),
			Vectors: qdrant.NewVectors(c.Embedding...),
			Payload: qdrant.NewValueMap(payload),
		})
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points:         points,
	})
	if err != nil {
		return tessera.WrapError(tessera.KindStorageTransient, "failed to upsert chunk vectors", err)
	}
	return nil
}

// UpsertEntities indexes entity-summary embeddings for LOCAL retrieval.
func (s *Store) UpsertEntities(ctx context.Context, projectID string, entities []EntityVector) error {
	if projectID == "" {
		return tessera.NewError(tessera.KindMissingProjectID, "vector upsert without project id")
	}
	if len(entities) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, 0, len(entities))
	for _, e := range entities {
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(entityPointID(projectID, e.Name)),
			Vectors: qdrant.NewVectors(e.Embedding...),
			Payload: qdrant.NewValueMap(map[string]any{
				"project_id":  projectID,
				"kind":        payloadKindEntity,
				"entity_name": e.Name,
				"content":     e.Content,
			}),
		})
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points:         points,
	})
	if err != nil {
		return tessera.WrapError(tessera.KindStorageTransient, "failed to upsert entity vectors", err)
	}
	return nil
}

// Query runs nearest-neighbor search over the project's slice. Results rank
// by ascending distance with ties broken by point id.
func (s *Store) Query(ctx context.Context, projectID string, embedding []float32, topK int, kind Kind) ([]Result, error) {
	if projectID == "" {
		return nil, tessera.NewError(tessera.KindMissingProjectID, "vector query without project id")
	}

	must := []*qdrant.Condition{
		qdrant.NewMatch("project_id", projectID),
	}
	switch kind {
	case KindChunks:
		must = append(must, qdrant.NewMatch("kind", payloadKindChunk))
	case KindEntities:
		must = append(must, qdrant.NewMatch("kind", payloadKindEntity))
	case KindBoth:
	default:
		return nil, tessera.NewError(tessera.KindStorageFatal, fmt.Sprintf("unknown query kind %q", kind))
	}

	hits, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(embedding...),
		Limit:          qdrant.PtrOf(uint64(topK)),
		Filter:         &qdrant.Filter{Must: must},
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, tessera.WrapError(tessera.KindStorageTransient, "vector query failed", err)
	}

	results := make([]Result, 0, len(hits))
	for _, point := range hits {
		results = append(results, convertPoint(point))
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].ID < results[j].ID
	})
	return results, nil
}

// HasVectorsForDocument reports whether any chunk vectors exist for the
// document. The scheduler uses this as its crash-recovery pre-check.
func (s *Store) HasVectorsForDocument(ctx context.Context, projectID, documentID string) (bool, error) {
	count, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.collection,
		Filter: &qdrant.Filter{Must: []*qdrant.Condition{
			qdrant.NewMatch("project_id", projectID),
			qdrant.NewMatch("document_id", documentID),
		}},
	})
	if err != nil {
		return false, tessera.WrapError(tessera.KindStorageTransient, "vector count failed", err)
	}
	return count > 0, nil
}

// DeleteByDocument removes all chunk vectors of a document.
func (s *Store) DeleteByDocument(ctx context.Context, projectID, documentID string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{Must: []*qdrant.Condition{
			qdrant.NewMatch("project_id", projectID),
			qdrant.NewMatch("document_id", documentID),
		}}),
	})
	if err != nil {
		return tessera.WrapError(tessera.KindStorageTransient, "failed to delete document vectors", err)
	}
	return nil
}

// DeleteChunkEmbeddings removes the given chunk points. Chunk ids are
// globally unique, so no project filter is needed.
func (s *Store) DeleteChunkEmbeddings(ctx context.Context, projectID string, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	ids := make([]*qdrant.PointId, len(chunkIDs))
	for i, id := range chunkIDs {
		ids[i] = qdrant.NewID(id)
	}
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points:         qdrant.NewPointsSelector(ids...),
	})
	if err != nil {
		return tessera.WrapError(tessera.KindStorageTransient, "failed to delete chunk vectors", err)
	}
	return nil
}

// DeleteEntityEmbeddings removes entity-summary points by name.
func (s *Store) DeleteEntityEmbeddings(ctx context.Context, projectID string, names []string) error {
	if len(names) == 0 {
		return nil
	}
	ids := make([]*qdrant.PointId, len(names))
	for i, name := range names {
		ids[i] = qdrant.NewID(entityPointID(projectID, name))
	}
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points:         qdrant.NewPointsSelector(ids...),
	})
	if err != nil {
		return tessera.WrapError(tessera.KindStorageTransient, "failed to delete entity vectors", err)
	}
	return nil
}

// DeleteByProject removes every point of a project.
func (s *Store) DeleteByProject(ctx context.Context, projectID string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{Must: []*qdrant.Condition{
			qdrant.NewMatch("project_id", projectID),
		}}),
	})
	if err != nil {
		return tessera.WrapError(tessera.KindStorageTransient, "failed to delete project vectors", err)
	}
	return nil
}

func convertPoint(point *qdrant.ScoredPoint) Result {
	r := Result{Metadata: make(map[string]any)}

	if point.Id != nil {
		switch id := point.Id.PointIdOptions.(type) {
		case *qdrant.PointId_Uuid:
			r.ID = id.Uuid
		case *qdrant.PointId_Num:
			r.ID = fmt.Sprintf("%d", id.Num)
		}
	}

	for key, value := range point.Payload {
		switch v := value.Kind.(type) {
		case *qdrant.Value_StringValue:
			r.Metadata[key] = v.StringValue
		case *qdrant.Value_IntegerValue:
			r.Metadata[key] = v.IntegerValue
		case *qdrant.Value_DoubleValue:
			r.Metadata[key] = v.DoubleValue
		case *qdrant.Value_BoolValue:
			r.Metadata[key] = v.BoolValue
		default:
			r.Metadata[key] = value
		}
	}

	if s, ok := r.Metadata["kind"].(string); ok {
		r.Kind = s
	}
	if s, ok := r.Metadata["document_id"].(string); ok {
		r.DocumentID = s
	}
	if s, ok := r.Metadata["entity_name"].(string); ok {
		r.EntityName = s
	}
	if s, ok := r.Metadata["content"].(string); ok {
		r.Content = s
	}

	// Cosine similarity comes back as score; convert to distance and a
	// clamped relevance score.
	r.Distance = 1 - float64(point.Score)
	r.Score = float64(point.Score)
	if r.Score < 0 {
		r.Score = 0
	}
	if r.Score > 1 {
		r.Score = 1
	}
	return r
}
