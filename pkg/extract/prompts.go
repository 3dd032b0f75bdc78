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

package extract

// promptVersion is folded into every cache key so prompt changes invalidate
// stale cache entries instead of replaying them.
const promptVersion = "v1"

// extractionPrompt asks for entities and relations in one JSON object.
const extractionPrompt = `You are a knowledge-graph extraction engine.
Given the following text, extract all entities and the relations between them.

Return a JSON object with exactly two keys:
  "entities"  : array of {"name": string, "type": string, "description": string}
  "relations" : array of {"source": string, "target": string, "keywords": string, "description": string, "weight": number}

Rules:
- Entity types: person, organization, location, event, concept, technology, term.
- Relation source and target must be entity names from the "entities" array.
- Keywords is a short comma-separated phrase naming the relation.
- Weight is a float between 0.0 and 1.0 indicating confidence.
- Only include entities and relations clearly supported by the text.
- If there are none, return empty arrays.
- Do NOT include any text outside the JSON object.

TEXT:
%s`

// gleaningPrompt runs after an extraction pass to recover what was missed.
const gleaningPrompt = `You are a knowledge-graph extraction engine performing a second pass.
The following text was already processed and produced the entities and
relations listed below. Identify ONLY entities and relations that were
MISSED — implicit actors, organizations funding or owning things, locations,
and relations connecting them. Do not repeat anything already found.

Return a JSON object with exactly two keys:
  "entities"  : array of {"name": string, "type": string, "description": string}
  "relations" : array of {"source": string, "target": string, "keywords": string, "description": string, "weight": number}

If nothing was missed, return empty arrays.
Do NOT include any text outside the JSON object.

ALREADY FOUND:
%s

TEXT:
%s`
