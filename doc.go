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

// Package tessera is a multi-tenant GraphRAG engine.
//
// Per tenant ("project") it ingests text and source-code documents, extracts
// an entity/relation knowledge graph with an external LLM, co-indexes content
// in a vector store, and answers natural-language queries by retrieving and
// synthesizing evidence from both stores.
//
// The top-level entry point is pkg/engine, which wires the ingestion
// scheduler, the query executors, and the deletion/merge services from a
// single configuration.
package tessera
