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

package tessera

import (
	"errors"
	"fmt"
)

// Kind classifies an error into a machine-readable category. Callers switch
// on the kind; the message is for humans only.
type Kind string

const (
	// KindBinaryFileRejected means a binary upload was rejected at ingress.
	// The document is never persisted.
	KindBinaryFileRejected Kind = "BINARY_FILE_REJECTED"

	// KindEncodingError means text decoding failed after fallback.
	KindEncodingError Kind = "ENCODING_ERROR"

	// KindGraphNotFound means an operation referenced a project whose graph
	// namespace does not exist. The caller must create the graph first.
	KindGraphNotFound Kind = "GRAPH_NOT_FOUND"

	// KindMissingProjectID means a query executor was invoked without a
	// project id.
	KindMissingProjectID Kind = "MISSING_PROJECT_ID"

	// KindInvalidRequest means a request failed validation before any
	// storage or LLM work started.
	KindInvalidRequest Kind = "INVALID_REQUEST"

	// KindLLMTransient is a retryable LLM failure (timeout, 5xx, rate limit).
	KindLLMTransient Kind = "LLM_TRANSIENT"

	// KindLLMFatal is a transient LLM failure that exhausted its retries.
	KindLLMFatal Kind = "LLM_FATAL"

	// KindLLMParseError means an LLM response could not be parsed into
	// entities or keywords.
	KindLLMParseError Kind = "LLM_PARSE_ERROR"

	// KindStorageTransient is a retryable storage failure.
	KindStorageTransient Kind = "STORAGE_TRANSIENT"

	// KindStorageFatal is a storage failure that exhausted its retries, or a
	// schema violation that retrying cannot fix.
	KindStorageFatal Kind = "STORAGE_FATAL"

	// KindCircularMerge means a merge target appeared in its own source set.
	KindCircularMerge Kind = "CIRCULAR_MERGE"

	// KindSelfLoopRelation means a relation had identical endpoints.
	KindSelfLoopRelation Kind = "SELF_LOOP_RELATION"

	// KindCancelled means a query timeout tripped before synthesis; the
	// partial context is returned alongside.
	KindCancelled Kind = "CANCELLED"
)

// Error is the error type surfaced across package boundaries. Every surfaced
// error carries a machine-readable kind and, where relevant, the project id.
// Messages never include content from other projects.
type Error struct {
	Kind      Kind
	Message   string
	ProjectID string
	Err       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.ProjectID != "" {
		msg += fmt.Sprintf(" (project: %s)", e.ProjectID)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an Error of the given kind.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// NewProjectError creates an Error scoped to a project.
func NewProjectError(kind Kind, projectID, message string) *Error {
	return &Error{Kind: kind, Message: message, ProjectID: projectID}
}

// WrapError wraps err with a kind and message.
func WrapError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// IsKind reports whether err (or anything it wraps) is a tessera Error of the
// given kind.
func IsKind(err error, kind Kind) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

// KindOf returns the kind of err, or the empty string when err is not a
// tessera Error.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}
