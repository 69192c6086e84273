package embedding

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Truncator bounds embedding input to a model's token limit.
type Truncator struct {
	model     string
	encoding  string
	maxTokens int
	enc       *tiktoken.Tiktoken
	once      sync.Once
	initErr   error
}

var embeddingEncodings = map[string]string{
	"text-embedding-3-large": "cl100k_base",
	"text-embedding-3-small": "cl100k_base",
	"text-embedding-ada-002": "cl100k_base",
}

// NewTruncator creates a truncator for the given embedding model.
func NewTruncator(model string, maxTokens int) *Truncator {
	encoding, ok := embeddingEncodings[model]
	if !ok {
		encoding = "cl100k_base"
	}
	if maxTokens <= 0 {
		maxTokens = 8191
	}
	return &Truncator{
		model:     model,
		encoding:  encoding,
		maxTokens: maxTokens,
	}
}

// init lazily loads the tiktoken encoding (may download data on first use).
func (t *Truncator) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

// CountTokens returns the token count of text, falling back to a
// bytes/4 estimate when the encoding cannot be loaded.
func (t *Truncator) CountTokens(text string) int {
	if err := t.init(); err != nil {
		return len(text) / 4
	}
	return len(t.enc.Encode(text, nil, nil))
}

// Truncate cuts text at the token limit. When the encoding is
// unavailable it falls back to a byte cut at maxTokens*4.
func (t *Truncator) Truncate(text string) string {
	if err := t.init(); err != nil {
		limit := t.maxTokens * 4
		if len(text) <= limit {
			return text
		}
		return text[:limit]
	}
	tokens := t.enc.Encode(text, nil, nil)
	if len(tokens) <= t.maxTokens {
		return text
	}
	return t.enc.Decode(tokens[:t.maxTokens])
}
