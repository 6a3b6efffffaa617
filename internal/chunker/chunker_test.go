package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ammarsksk/docsearch/internal/parser"
)

func genText(words int) string {
	var b strings.Builder
	for i := 0; i < words; i++ {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString("word")
	}
	return b.String()
}

func TestParentChunks_CoverageAndOverlap(t *testing.T) {
	text := genText(2000) // ~10000 chars
	ck := New(4000, 200, 1000, 100)
	chunks := ck.ParentChunks([]parser.Page{{Number: 1, Text: text}})
	require.NotEmpty(t, chunks)

	assert.Equal(t, 0, chunks[0].CharStart)
	for i, c := range chunks {
		assert.Less(t, c.CharStart, c.CharEnd)
		assert.Equal(t, text[c.CharStart:c.CharEnd], c.Text)
		if i > 0 {
			prev := chunks[i-1]
			assert.Equal(t, prev.CharStart+3800, c.CharStart, "windows advance by size minus overlap")
		}
	}
	last := chunks[len(chunks)-1]
	assert.Equal(t, len(text), last.CharEnd, "windows cover the full text")
}

func TestChildChunks_SubstringInvariant(t *testing.T) {
	text := genText(3000)
	ck := New(4000, 200, 1000, 100)
	parents := ck.ParentChunks([]parser.Page{{Number: 1, Text: text}})
	require.NotEmpty(t, parents)

	for _, parent := range parents {
		for _, child := range ck.ChildChunks(parent) {
			relStart := child.CharStart - parent.CharStart
			relEnd := child.CharEnd - parent.CharStart
			require.GreaterOrEqual(t, relStart, 0)
			require.LessOrEqual(t, relEnd, len(parent.Text))
			assert.Equal(t, parent.Text[relStart:relEnd], child.Text)
			assert.Equal(t, parent.PageStart, child.PageStart)
			assert.Equal(t, parent.PageEnd, child.PageEnd)
		}
	}
}

func TestParentChunks_PageRanges(t *testing.T) {
	pages := []parser.Page{
		{Number: 1, Text: strings.Repeat("a", 50)},
		{Number: 2, Text: strings.Repeat("b", 50)},
		{Number: 3, Text: strings.Repeat("c", 50)},
	}
	// Window of 60 spans page 1 into page 2.
	ck := New(60, 0, 30, 0)
	chunks := ck.ParentChunks(pages)
	require.NotEmpty(t, chunks)

	assert.Equal(t, 1, chunks[0].PageStart)
	assert.Equal(t, 2, chunks[0].PageEnd)

	last := chunks[len(chunks)-1]
	assert.Equal(t, 3, last.PageEnd)
}

func TestParentChunks_EmptyPagesContributeSeparatorOnly(t *testing.T) {
	pages := []parser.Page{
		{Number: 1, Text: ""},
		{Number: 2, Text: "content on page two"},
	}
	ck := New(4000, 200, 1000, 100)
	chunks := ck.ParentChunks(pages)
	require.Len(t, chunks, 1)
	assert.Equal(t, "\ncontent on page two", chunks[0].Text)
}

func TestParentChunks_NoPages(t *testing.T) {
	ck := New(4000, 200, 1000, 100)
	assert.Empty(t, ck.ParentChunks(nil))
	assert.Empty(t, ck.ParentChunks([]parser.Page{{Number: 1, Text: ""}}))
}

func TestParentChunks_DropsWhitespaceWindows(t *testing.T) {
	ck := New(10, 0, 5, 0)
	chunks := ck.ParentChunks([]parser.Page{{Number: 1, Text: "hello     " + strings.Repeat(" ", 20) + "world"}})
	for _, c := range chunks {
		assert.NotEmpty(t, strings.TrimSpace(c.Text))
	}
}

func TestChunkHash_Stable(t *testing.T) {
	ck := New(4000, 200, 1000, 100)
	a := ck.ParentChunks([]parser.Page{{Number: 1, Text: "the same text"}})
	b := ck.ParentChunks([]parser.Page{{Number: 1, Text: "the same text"}})
	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Equal(t, a[0].ChunkHash, b[0].ChunkHash)
	assert.Len(t, a[0].ChunkHash, 64)
}
