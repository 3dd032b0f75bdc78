// Package tokenizer provides accurate token counting and token-budgeted
// prose chunking.
package tokenizer

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/tessera-ai/tessera/pkg/logger"
)

// Counter handles token counting for a model. When the BPE data cannot be
// loaded (tiktoken fetches it on first use) the counter degrades to the
// character estimate so the process can still start.
type Counter struct {
	encoding *tiktoken.Tiktoken // nil means approximate counting
	model    string
	mu       sync.RWMutex
}

var (
	// Cache encodings to avoid repeated initialization.
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// NewCounter creates a counter for a specific model. Unknown models fall
// back to the cl100k_base encoding; when no encoding can be loaded at all
// the counter runs on the character estimate.
func NewCounter(model string) (*Counter, error) {
	cacheMu.RLock()
	cached, exists := encodingCache[model]
	cacheMu.RUnlock()

	if exists {
		return &Counter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		// Failures are not cached; a later counter may find the BPE data.
		logger.GetLogger().Warn("tokenizer encoding unavailable, counting approximately",
			"model", model, "error", err)
		return &Counter{model: model}, nil
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &Counter{encoding: encoding, model: model}, nil
}

// Count returns the token count for text.
func (c *Counter) Count(text string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.encoding == nil {
		return Estimate(text)
	}
	return len(c.encoding.Encode(text, nil, nil))
}

// Approximate reports whether this counter estimates instead of encoding.
func (c *Counter) Approximate() bool {
	return c.encoding == nil
}

// Model returns the model name this counter is configured for.
func (c *Counter) Model() string {
	return c.model
}

// Estimate provides a rough token estimate for when no Counter is available.
// Roughly 4 characters per token.
func Estimate(text string) int {
	return len(text) / 4
}
