package indexing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/index-scheduler/internal/domain"
)

func TestSplitText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		text     string
		maxChars int
		want     []string
	}{
		{name: "empty", text: "  \n\t ", maxChars: 10, want: nil},
		{name: "fits", text: "one two three", maxChars: 20, want: []string{"one two three"}},
		{name: "breaks on words", text: "one two three four", maxChars: 8, want: []string{"one two", "three", "four"}},
		{name: "collapses whitespace", text: "one\n\n  two", maxChars: 20, want: []string{"one two"}},
		{name: "oversized word kept whole", text: "tiny enormousword", maxChars: 5, want: []string{"tiny", "enormousword"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, splitText(tt.text, tt.maxChars))
		})
	}
}

func TestChunkDocument(t *testing.T) {
	t.Parallel()

	doc := &domain.Document{
		ID:         "doc-1",
		SemanticID: "Guide",
		Source:     domain.SourceWeb,
		Sections: []domain.Section{
			{Link: "https://example.com/a", Text: "alpha beta gamma"},
			{Link: "https://example.com/b", Text: "   "},
			{Link: "https://example.com/c", Text: "delta"},
		},
	}
	access := domain.AccessControl{Public: true}

	chunks := chunkDocument(doc, 3, access, 11)

	require.Len(t, chunks, 3)
	assert.Equal(t, "alpha beta", chunks[0].Content)
	assert.Equal(t, "gamma", chunks[1].Content)
	assert.Equal(t, "delta", chunks[2].Content)
	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkID)
		assert.Equal(t, "doc-1", c.DocumentID)
		assert.Equal(t, int64(3), c.CCPairID)
		assert.Equal(t, access, c.Access)
	}
	assert.Equal(t, "https://example.com/a", chunks[1].Link)
	assert.Equal(t, "https://example.com/c", chunks[2].Link)
}

func TestChunkDocument_DefaultSize(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("word ", 500)
	chunks := chunkDocument(&domain.Document{ID: "d", Sections: []domain.Section{{Text: text}}}, 1, domain.AccessControl{}, 0)

	require.Len(t, chunks, 2)
	assert.LessOrEqual(t, len(chunks[0].Content), defaultChunkChars)
}
