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

// Package config defines the Tessera configuration model.
//
// Every section follows the same convention: a struct with yaml tags, a
// SetDefaults method applying zero-value defaults, and a Validate method
// checking invariants. The whole tree is loaded once at process start; no
// component re-reads configuration at request time.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration.
type Config struct {
	Logger      LoggerConfig      `yaml:"logger,omitempty"`
	Storage     StorageConfig     `yaml:"storage,omitempty"`
	Graph       GraphConfig       `yaml:"graph,omitempty"`
	Vector      VectorConfig      `yaml:"vector,omitempty"`
	LLM         LLMConfig         `yaml:"llm,omitempty"`
	Embedder    EmbedderConfig    `yaml:"embedder,omitempty"`
	Rerank      RerankConfig      `yaml:"rerank,omitempty"`
	Extraction  ExtractionConfig  `yaml:"extraction,omitempty"`
	Entity      EntityConfig      `yaml:"entity,omitempty"`
	Description DescriptionConfig `yaml:"description,omitempty"`
	Chunking    ChunkingConfig    `yaml:"chunking,omitempty"`
	Query       QueryConfig       `yaml:"query,omitempty"`
	Schedule    ScheduleConfig    `yaml:"schedule,omitempty"`
}

// SetDefaults applies default values to all sections.
func (c *Config) SetDefaults() {
	c.Logger.SetDefaults()
	c.Storage.SetDefaults()
	c.Graph.SetDefaults()
	c.Vector.SetDefaults()
	c.LLM.SetDefaults()
	c.Embedder.SetDefaults()
	c.Rerank.SetDefaults()
	c.Extraction.SetDefaults()
	c.Entity.SetDefaults()
	c.Description.SetDefaults()
	c.Chunking.SetDefaults()
	c.Query.SetDefaults()
	c.Schedule.SetDefaults()
}

// Validate checks all sections for errors.
func (c *Config) Validate() error {
	validators := []struct {
		name string
		fn   func() error
	}{
		{"storage", c.Storage.Validate},
		{"graph", c.Graph.Validate},
		{"vector", c.Vector.Validate},
		{"llm", c.LLM.Validate},
		{"embedder", c.Embedder.Validate},
		{"rerank", c.Rerank.Validate},
		{"extraction", c.Extraction.Validate},
		{"entity", c.Entity.Validate},
		{"description", c.Description.Validate},
		{"chunking", c.Chunking.Validate},
		{"query", c.Query.Validate},
		{"schedule", c.Schedule.Validate},
	}
	for _, v := range validators {
		if err := v.fn(); err != nil {
			return fmt.Errorf("%s: %w", v.name, err)
		}
	}
	return nil
}

// LoggerConfig configures logging output.
type LoggerConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `yaml:"level,omitempty"`

	// Format is "simple" or "verbose".
	Format string `yaml:"format,omitempty"`

	// File is an optional log file path (empty = stderr).
	File string `yaml:"file,omitempty"`
}

func (c *LoggerConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

// StorageConfig selects and configures the relational backend. The backend
// is chosen once at process start; there is no per-request dispatch.
type StorageConfig struct {
	// Backend is "postgres" or "sqlite".
	Backend string `yaml:"backend,omitempty"`

	// DSN is the connection string for the chosen backend.
	// For sqlite this is a file path (or ":memory:").
	DSN string `yaml:"dsn,omitempty"`

	// MaxOpenConns limits the connection pool.
	MaxOpenConns int `yaml:"max_open_conns,omitempty"`
}

func (c *StorageConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "postgres"
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
}

func (c *StorageConfig) Validate() error {
	switch c.Backend {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("invalid storage backend: %q (supported: postgres, sqlite)", c.Backend)
	}
	if c.DSN == "" {
		return fmt.Errorf("dsn is required")
	}
	return nil
}

// GraphConfig configures the Apache AGE graph engine connection.
type GraphConfig struct {
	// DSN is the postgres connection string for the AGE instance.
	// Defaults to storage.dsn when the storage backend is postgres.
	DSN string `yaml:"dsn,omitempty"`

	// BatchSize is the IN-clause batch size for bulk graph reads.
	BatchSize int `yaml:"batch_size,omitempty"`
}

func (c *GraphConfig) SetDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
}

func (c *GraphConfig) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	return nil
}

// VectorConfig configures the Qdrant vector index.
type VectorConfig struct {
	Host       string `yaml:"host,omitempty"`
	Port       int    `yaml:"port,omitempty"`
	APIKey     string `yaml:"api_key,omitempty"`
	EnableTLS  bool   `yaml:"enable_tls,omitempty"`
	Collection string `yaml:"collection,omitempty"`
}

func (c *VectorConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Collection == "" {
		c.Collection = "tessera"
	}
}

func (c *VectorConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	return nil
}

// LLMConfig configures the generation endpoint (OpenAI-compatible).
type LLMConfig struct {
	BaseURL    string `yaml:"base_url,omitempty"`
	APIKey     string `yaml:"api_key,omitempty"`
	Model      string `yaml:"model,omitempty"`
	MaxTokens  int    `yaml:"max_tokens,omitempty"`
	Timeout    int    `yaml:"timeout,omitempty"`     // seconds
	MaxRetries int    `yaml:"max_retries,omitempty"`
	RetryDelay int    `yaml:"retry_delay,omitempty"` // seconds
}

func (c *LLMConfig) SetDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.Model == "" {
		c.Model = "gpt-4o-mini"
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	if c.Timeout <= 0 {
		c.Timeout = 60
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2
	}
}

func (c *LLMConfig) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	return nil
}

// EmbedderConfig configures the embedding endpoint.
type EmbedderConfig struct {
	BaseURL   string `yaml:"base_url,omitempty"`
	APIKey    string `yaml:"api_key,omitempty"`
	Model     string `yaml:"model,omitempty"`
	Dimension int    `yaml:"dimension,omitempty"`
	BatchSize int    `yaml:"batch_size,omitempty"`
	Timeout   int    `yaml:"timeout,omitempty"` // seconds
}

func (c *EmbedderConfig) SetDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.Model == "" {
		c.Model = "text-embedding-3-small"
	}
	if c.Dimension <= 0 {
		c.Dimension = 1536
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Timeout <= 0 {
		c.Timeout = 30
	}
}

func (c *EmbedderConfig) Validate() error {
	if c.Dimension <= 0 {
		return fmt.Errorf("dimension must be positive, got %d", c.Dimension)
	}
	return nil
}

// RerankConfig controls the optional reranking stage.
type RerankConfig struct {
	// Enabled turns reranking on. When false (or Provider is "none") the
	// adapter returns the identity mapping.
	Enabled bool `yaml:"enabled,omitempty"`

	// Provider names the external reranker ("none", "cohere", "http").
	Provider string `yaml:"provider,omitempty"`

	// BaseURL and APIKey configure the provider endpoint.
	BaseURL string `yaml:"base_url,omitempty"`
	APIKey  string `yaml:"api_key,omitempty"`
	Model   string `yaml:"model,omitempty"`

	// MinScore filters results scored below this threshold.
	MinScore float64 `yaml:"min_score,omitempty"`

	// FallbackTimeoutMs bounds the provider call before falling back to the
	// original order.
	FallbackTimeoutMs int `yaml:"fallback_timeout_ms,omitempty"`

	// FailureThreshold is the consecutive-failure count that opens the
	// circuit breaker.
	FailureThreshold int `yaml:"failure_threshold,omitempty"`

	// CooldownSeconds is how long the breaker stays open before half-open.
	CooldownSeconds int `yaml:"cooldown_seconds,omitempty"`
}

func (c *RerankConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = "none"
	}
	if c.MinScore == 0 {
		c.MinScore = 0.1
	}
	if c.FallbackTimeoutMs <= 0 {
		c.FallbackTimeoutMs = 2000
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.CooldownSeconds <= 0 {
		c.CooldownSeconds = 30
	}
}

func (c *RerankConfig) Validate() error {
	if c.MinScore < 0 || c.MinScore > 1 {
		return fmt.Errorf("min_score must be in [0,1], got %f", c.MinScore)
	}
	return nil
}

// FallbackTimeout returns the provider timeout as a duration.
func (c *RerankConfig) FallbackTimeout() time.Duration {
	return time.Duration(c.FallbackTimeoutMs) * time.Millisecond
}

// ExtractionConfig controls entity/relation extraction.
type ExtractionConfig struct {
	// Gleaning configures the follow-up "missed entities" passes.
	Gleaning GleaningConfig `yaml:"gleaning,omitempty"`

	// Concurrency bounds parallel chunk extraction within a document.
	Concurrency int `yaml:"concurrency,omitempty"`
}

// GleaningConfig controls follow-up extraction passes.
type GleaningConfig struct {
	// MaxPasses is the number of follow-up passes after the initial
	// extraction. A pass that parses to an empty set stops early.
	MaxPasses int `yaml:"max_passes,omitempty"`
}

func (c *ExtractionConfig) SetDefaults() {
	if c.Gleaning.MaxPasses <= 0 {
		c.Gleaning.MaxPasses = 1
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
}

func (c *ExtractionConfig) Validate() error {
	if c.Gleaning.MaxPasses < 0 {
		return fmt.Errorf("gleaning.max_passes must be non-negative")
	}
	return nil
}

// EntityConfig controls entity bookkeeping in the graph.
type EntityConfig struct {
	// DescriptionMaxTokens is the summarizer threshold per entity.
	DescriptionMaxTokens int `yaml:"description_max_tokens,omitempty"`

	// MaxSourceIDs is the FIFO cap on source_chunk_ids and
	// source_file_paths. Entities contributed to by more chunks than this
	// lose provenance for the oldest sources; this is a known limit.
	MaxSourceIDs int `yaml:"max_source_ids,omitempty"`
}

func (c *EntityConfig) SetDefaults() {
	if c.DescriptionMaxTokens <= 0 {
		c.DescriptionMaxTokens = 500
	}
	if c.MaxSourceIDs <= 0 {
		c.MaxSourceIDs = 50
	}
}

func (c *EntityConfig) Validate() error {
	if c.MaxSourceIDs <= 0 {
		return fmt.Errorf("max_source_ids must be positive")
	}
	return nil
}

// DescriptionConfig controls map-reduce description summarization.
type DescriptionConfig struct {
	// ForceSummaryCount: at this many accumulated descriptions,
	// summarization is forced regardless of token count.
	ForceSummaryCount int `yaml:"force_summary_count,omitempty"`

	// SummaryContextSize: total token count that forces summarization.
	SummaryContextSize int `yaml:"summary_context_size,omitempty"`

	// SummaryMaxTokens bounds each map batch.
	SummaryMaxTokens int `yaml:"summary_max_tokens,omitempty"`

	// MaxMapIterations bounds the recursive reduce step. If the reduce
	// output still overflows, it is truncated and a warning recorded.
	MaxMapIterations int `yaml:"max_map_iterations,omitempty"`

	// Separator joins descriptions when below thresholds.
	Separator string `yaml:"separator,omitempty"`
}

func (c *DescriptionConfig) SetDefaults() {
	if c.ForceSummaryCount <= 0 {
		c.ForceSummaryCount = 6
	}
	if c.SummaryContextSize <= 0 {
		c.SummaryContextSize = 10000
	}
	if c.SummaryMaxTokens <= 0 {
		c.SummaryMaxTokens = 500
	}
	if c.MaxMapIterations <= 0 {
		c.MaxMapIterations = 3
	}
	if c.Separator == "" {
		c.Separator = " | "
	}
}

func (c *DescriptionConfig) Validate() error {
	if c.MaxMapIterations <= 0 {
		return fmt.Errorf("max_map_iterations must be positive")
	}
	return nil
}

// ChunkingConfig controls document chunking.
type ChunkingConfig struct {
	// MaxTokens is the token ceiling per chunk.
	MaxTokens int `yaml:"max_tokens,omitempty"`

	// OverlapTokens is shared between consecutive chunks.
	OverlapTokens int `yaml:"overlap_tokens,omitempty"`

	// CharsPerToken is the size estimate used by the code chunker.
	CharsPerToken int `yaml:"chars_per_token,omitempty"`
}

func (c *ChunkingConfig) SetDefaults() {
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1200
	}
	if c.OverlapTokens < 0 {
		c.OverlapTokens = 0
	}
	if c.OverlapTokens == 0 {
		c.OverlapTokens = 100
	}
	if c.CharsPerToken <= 0 {
		c.CharsPerToken = 4
	}
}

func (c *ChunkingConfig) Validate() error {
	if c.OverlapTokens >= c.MaxTokens {
		return fmt.Errorf("overlap_tokens (%d) must be less than max_tokens (%d)", c.OverlapTokens, c.MaxTokens)
	}
	return nil
}

// QueryConfig controls the query pipeline.
type QueryConfig struct {
	// Keyword configures keyword-extraction caching.
	Keyword KeywordConfig `yaml:"keyword,omitempty"`

	// Context configures the token budget split across sources.
	Context ContextConfig `yaml:"context,omitempty"`

	// TopK is the vector search depth per source.
	TopK int `yaml:"top_k,omitempty"`

	// TimeoutSeconds is the hard query timeout.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
}

// KeywordConfig controls the keyword extraction cache.
type KeywordConfig struct {
	// CacheTTL is the in-process cache TTL in seconds.
	CacheTTL int `yaml:"cache_ttl,omitempty"`
}

// ContextConfig is the token budget split. Ratios apply to entity, relation
// and chunk sources; unused budget is donated to the next source.
type ContextConfig struct {
	MaxTokens     int     `yaml:"max_tokens,omitempty"`
	EntityRatio   float64 `yaml:"entity_ratio,omitempty"`
	RelationRatio float64 `yaml:"relation_ratio,omitempty"`
	ChunkRatio    float64 `yaml:"chunk_ratio,omitempty"`
}

func (c *QueryConfig) SetDefaults() {
	if c.Keyword.CacheTTL <= 0 {
		c.Keyword.CacheTTL = 3600
	}
	if c.Context.MaxTokens <= 0 {
		c.Context.MaxTokens = 4000
	}
	if c.Context.EntityRatio == 0 {
		c.Context.EntityRatio = 0.4
	}
	if c.Context.RelationRatio == 0 {
		c.Context.RelationRatio = 0.3
	}
	if c.Context.ChunkRatio == 0 {
		c.Context.ChunkRatio = 0.3
	}
	if c.TopK <= 0 {
		c.TopK = 20
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 5
	}
}

func (c *QueryConfig) Validate() error {
	sum := c.Context.EntityRatio + c.Context.RelationRatio + c.Context.ChunkRatio
	if sum < 0.99 || sum > 1.01 {
		return fmt.Errorf("context ratios must sum to 1.0, got %.2f", sum)
	}
	return nil
}

// ScheduleConfig controls the ingestion scheduler.
type ScheduleConfig struct {
	// Marking is the marker job period in seconds.
	Marking int `yaml:"marking,omitempty"`

	// Processing is the processor job period in seconds.
	Processing int `yaml:"processing,omitempty"`

	// BatchSize is the number of documents a marker pass claims.
	BatchSize int `yaml:"batch_size,omitempty"`

	// LeaseTimeout is how long, in seconds, a PROCESSING claim stays valid.
	// After that another instance may reclaim the document, assuming the
	// original claimer crashed.
	LeaseTimeout int `yaml:"lease_timeout,omitempty"`
}

func (c *ScheduleConfig) SetDefaults() {
	if c.Marking <= 0 {
		c.Marking = 10
	}
	if c.Processing <= 0 {
		c.Processing = 15
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = 600
	}
}

func (c *ScheduleConfig) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if c.LeaseTimeout <= 0 {
		return fmt.Errorf("lease_timeout must be positive")
	}
	return nil
}

// MarkingPeriod returns the marker job period as a duration.
func (c *ScheduleConfig) MarkingPeriod() time.Duration {
	return time.Duration(c.Marking) * time.Second
}

// ProcessingPeriod returns the processor job period as a duration.
func (c *ScheduleConfig) ProcessingPeriod() time.Duration {
	return time.Duration(c.Processing) * time.Second
}

// LeaseExpiry returns the claim lease lifetime as a duration.
func (c *ScheduleConfig) LeaseExpiry() time.Duration {
	return time.Duration(c.LeaseTimeout) * time.Second
}
