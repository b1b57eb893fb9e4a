// Package block defines the intermediate representation the optimization
// pipeline operates on.
package block

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// Kind classifies a block's role in the prompt.
type Kind string

const (
	KindSystem     Kind = "system"
	KindDeveloper  Kind = "developer"
	KindUser       Kind = "user"
	KindAssistant  Kind = "assistant"
	KindTool       Kind = "tool"
	KindDoc        Kind = "doc"
	KindConstraint Kind = "constraint"
)

// Block is the atomic unit of optimization. It can be kept, dropped, or
// compressed independently of its neighbours.
type Block struct {
	// ID is an opaque identifier, stable within one pipeline run.
	ID string `json:"id"`

	// Kind is the block's role.
	Kind Kind `json:"kind"`

	// Content is the textual payload.
	Content string `json:"content"`

	// Tokens is the count of Content under the target model's tokenizer.
	Tokens int `json:"tokens"`

	// MustKeep marks blocks that must appear in the final output verbatim.
	MustKeep bool `json:"must_keep"`

	// Priority in [0, 1] breaks ties during selection.
	Priority float64 `json:"priority"`

	// Timestamp is the block's logical position; recent = higher value.
	Timestamp int64 `json:"timestamp"`

	// Compressed is true once Content has been replaced by compressor output.
	Compressed bool `json:"compressed"`

	// OriginalContent holds the pre-compression text while Compressed is true.
	OriginalContent string `json:"original_content,omitempty"`

	// OriginalTokens holds the pre-compression token count while Compressed
	// is true.
	OriginalTokens int `json:"original_tokens,omitempty"`

	// Fingerprint is a stable digest of normalized Content.
	Fingerprint string `json:"fingerprint"`

	// Source is a free-form provenance tag, e.g. "system",
	// "retrieved:<docid>", "tool-schema".
	Source string `json:"source"`

	// Metadata carries auxiliary key/value pairs (doc ids, tool names).
	Metadata map[string]string `json:"metadata,omitempty"`
}

// New creates a block with a fresh ID and a fingerprint derived from content.
func New(kind Kind, content string, tokens int) Block {
	return Block{
		ID:          uuid.NewString(),
		Kind:        kind,
		Content:     content,
		Tokens:      tokens,
		Priority:    0.5,
		Fingerprint: Fingerprint(content),
	}
}

// SetContent replaces the block's content and keeps Tokens and Fingerprint
// consistent with it.
func (b *Block) SetContent(content string, tokens int) {
	b.Content = content
	b.Tokens = tokens
	b.Fingerprint = Fingerprint(content)
}

// Clone returns a deep copy of the block.
func (b Block) Clone() Block {
	c := b
	if b.Metadata != nil {
		c.Metadata = make(map[string]string, len(b.Metadata))
		for k, v := range b.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// CloneList deep-copies a block list.
func CloneList(blocks []Block) []Block {
	out := make([]Block, len(blocks))
	for i, b := range blocks {
		out[i] = b.Clone()
	}
	return out
}

// TotalTokens sums Tokens over the list.
func TotalTokens(blocks []Block) int {
	total := 0
	for _, b := range blocks {
		total += b.Tokens
	}
	return total
}

// Normalize lowercases content and collapses runs of whitespace to single
// spaces. Fingerprints and dedupe grouping both use this form.
func Normalize(content string) string {
	return strings.Join(strings.Fields(strings.ToLower(content)), " ")
}

// Fingerprint returns the first 16 hex characters of the SHA-256 digest of
// the normalized content. It is a function of content only.
func Fingerprint(content string) string {
	sum := sha256.Sum256([]byte(Normalize(content)))
	return hex.EncodeToString(sum[:])[:16]
}

// Fingerprints collects the fingerprint of every block, in list order.
func Fingerprints(blocks []Block) []string {
	fps := make([]string, len(blocks))
	for i, b := range blocks {
		fps[i] = b.Fingerprint
	}
	return fps
}

// SortByTimestamp orders blocks by ascending Timestamp in place, preserving
// the relative order of equal timestamps.
func SortByTimestamp(blocks []Block) {
	// Insertion sort keeps this stable without pulling in sort.SliceStable
	// for what is almost always a nearly-sorted list.
	for i := 1; i < len(blocks); i++ {
		for j := i; j > 0 && blocks[j-1].Timestamp > blocks[j].Timestamp; j-- {
			blocks[j-1], blocks[j] = blocks[j], blocks[j-1]
		}
	}
}
