package block

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprint_StableUnderNormalization(t *testing.T) {
	tests := []struct {
		name string
		a    string
		b    string
	}{
		{name: "case", a: "Hello World", b: "hello world"},
		{name: "whitespace runs", a: "hello   world", b: "hello world"},
		{name: "leading and trailing", a: "  hello world  ", b: "hello world"},
		{name: "tabs and newlines", a: "hello\t\nworld", b: "hello world"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, Fingerprint(tt.a), Fingerprint(tt.b))
		})
	}
}

func TestFingerprint_DistinctContent(t *testing.T) {
	assert.NotEqual(t, Fingerprint("hello"), Fingerprint("world"))
}

func TestSetContent_KeepsDerivedFieldsConsistent(t *testing.T) {
	b := New(KindDoc, "original content", 10)
	originalFP := b.Fingerprint

	b.SetContent("replacement", 4)

	assert.Equal(t, "replacement", b.Content)
	assert.Equal(t, 4, b.Tokens)
	assert.Equal(t, Fingerprint("replacement"), b.Fingerprint)
	assert.NotEqual(t, originalFP, b.Fingerprint)
}

func TestClone_Independent(t *testing.T) {
	b := New(KindUser, "content", 2)
	b.Metadata = map[string]string{"k": "v"}

	c := b.Clone()
	c.Metadata["k"] = "changed"
	c.SetContent("other", 1)

	assert.Equal(t, "v", b.Metadata["k"])
	assert.Equal(t, "content", b.Content)
}

func TestTotalTokens(t *testing.T) {
	blocks := []Block{
		New(KindSystem, "a", 3),
		New(KindUser, "b", 7),
	}
	blocks[0].Tokens = 3
	blocks[1].Tokens = 7
	assert.Equal(t, 10, TotalTokens(blocks))
	assert.Equal(t, 0, TotalTokens(nil))
}

func TestSortByTimestamp_StableForEqualTimestamps(t *testing.T) {
	a := New(KindSystem, "a", 1)
	a.Timestamp = 0
	constraint := New(KindConstraint, "c", 1)
	constraint.Timestamp = 0
	b := New(KindUser, "b", 1)
	b.Timestamp = 1

	blocks := []Block{b, a, constraint}
	SortByTimestamp(blocks)

	require.Len(t, blocks, 3)
	assert.Equal(t, KindSystem, blocks[0].Kind)
	assert.Equal(t, KindConstraint, blocks[1].Kind)
	assert.Equal(t, KindUser, blocks[2].Kind)
}

func TestNew_AssignsUniqueIDs(t *testing.T) {
	a := New(KindDoc, "same", 1)
	b := New(KindDoc, "same", 1)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, a.Fingerprint, b.Fingerprint)
}
