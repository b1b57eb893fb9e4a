// Package tokenizer provides model-aware token counting with a safe
// character-based fallback.
package tokenizer

import (
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Version identifies the tokenizer implementation and default encoding.
// It participates in cache keys so a tokenizer upgrade invalidates cached
// optimization results.
const Version = "tiktoken-go/0.1.6/cl100k_base"

// fallbackEncoding is used when no model-specific encoder can be resolved.
const fallbackEncoding = "cl100k_base"

// encoder pairs a resolved tiktoken encoder with whether resolution had to
// fall back to the default encoding or a character estimate.
type encoder struct {
	enc      *tiktoken.Tiktoken
	fallback bool
}

// Counter counts tokens per model. Encoders are resolved once per model and
// cached for the lifetime of the process.
type Counter struct {
	mu       sync.Mutex
	encoders map[string]*encoder
	modelMap map[string]string
}

// NewCounter creates a Counter. modelMap maps model-name prefixes to tiktoken
// encoding names for model families tiktoken does not know natively
// (e.g. {"claude": "cl100k_base"}).
func NewCounter(modelMap map[string]string) *Counter {
	return &Counter{
		encoders: make(map[string]*encoder),
		modelMap: modelMap,
	}
}

// Count returns the token count of text under the given model's tokenizer.
// It never fails: when no encoder is available the count is a conservative
// character-based estimate.
func (c *Counter) Count(text, model string) int {
	e := c.resolve(model)
	if e.enc == nil {
		return estimate(text)
	}
	return len(e.enc.Encode(text, nil, nil))
}

// UsedFallback reports whether counting for the given model uses a fallback
// encoder instead of a model-specific one.
func (c *Counter) UsedFallback(model string) bool {
	return c.resolve(model).fallback
}

// resolve finds or creates the encoder for a model.
func (c *Counter) resolve(model string) *encoder {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.encoders[model]; ok {
		return e
	}

	e := &encoder{}
	if enc, err := tiktoken.EncodingForModel(model); err == nil {
		e.enc = enc
	} else if name := c.mappedEncoding(model); name != "" {
		if enc, err := tiktoken.GetEncoding(name); err == nil {
			e.enc = enc
		}
	}

	if e.enc == nil {
		e.fallback = true
		if enc, err := tiktoken.GetEncoding(fallbackEncoding); err == nil {
			e.enc = enc
		}
		// enc == nil here means even the default BPE tables failed to load;
		// Count degrades to the character estimate.
	}

	c.encoders[model] = e
	return e
}

// mappedEncoding looks up the configured encoding name by model prefix.
func (c *Counter) mappedEncoding(model string) string {
	for prefix, name := range c.modelMap {
		if strings.HasPrefix(model, prefix) {
			return name
		}
	}
	return ""
}

// estimate approximates token count as one token per four characters.
func estimate(text string) int {
	return len(text) / 4
}
