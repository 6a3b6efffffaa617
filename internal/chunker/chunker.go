// Package chunker splits page-structured text into overlapping parent and
// child windows with stable offsets.
//
// All offsets are byte positions (UTF-8 code units) in the document-global
// coordinate space: the concatenation of page texts joined by a single
// newline. The same space is used by the window extractor in the query
// pipeline, so offsets recorded here can be sliced against stored text
// without re-deriving anything.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/ammarsksk/docsearch/internal/parser"
)

// Chunk is one text window in the document-global coordinate space.
// CharStart is inclusive, CharEnd exclusive.
type Chunk struct {
	Text      string
	PageStart int
	PageEnd   int
	CharStart int
	CharEnd   int
	ChunkHash string
}

// PageOffset records where one page's text lies in the global space.
type PageOffset struct {
	PageNo int
	Start  int
	End    int
}

// Chunker holds the window sizes for parent and child chunking.
type Chunker struct {
	ParentChars        int
	ParentOverlapChars int
	ChildChars         int
	ChildOverlapChars  int
}

// New returns a Chunker with the given window sizes.
func New(parentChars, parentOverlap, childChars, childOverlap int) Chunker {
	return Chunker{
		ParentChars:        parentChars,
		ParentOverlapChars: parentOverlap,
		ChildChars:         childChars,
		ChildOverlapChars:  childOverlap,
	}
}

// ParentChunks concatenates the pages into the global coordinate space and
// cuts fixed-width overlapping windows. Windows whose trimmed text is empty
// are dropped.
func (c Chunker) ParentChunks(pages []parser.Page) []Chunk {
	if len(pages) == 0 {
		return nil
	}

	var sb strings.Builder
	offsets := make([]PageOffset, 0, len(pages))
	for i, page := range pages {
		if i > 0 {
			sb.WriteByte('\n')
		}
		start := sb.Len()
		sb.WriteString(page.Text)
		offsets = append(offsets, PageOffset{PageNo: page.Number, Start: start, End: sb.Len()})
	}

	fullText := sb.String()
	if fullText == "" {
		return nil
	}

	var chunks []Chunk
	step := max(c.ParentChars-c.ParentOverlapChars, 1)
	for start := 0; start < len(fullText); start += step {
		end := min(start+c.ParentChars, len(fullText))
		text := fullText[start:end]
		if strings.TrimSpace(text) != "" {
			pageStart, pageEnd := findPageRange(offsets, start, end)
			chunks = append(chunks, Chunk{
				Text:      text,
				PageStart: pageStart,
				PageEnd:   pageEnd,
				CharStart: start,
				CharEnd:   end,
				ChunkHash: hashText(text),
			})
		}
	}

	return chunks
}

// ChildChunks splits a single parent window into child windows. Offsets are
// reported in the document-global space, so a child's text always equals the
// parent text sliced at the child's offsets minus the parent's CharStart.
func (c Chunker) ChildChunks(parent Chunk) []Chunk {
	if parent.Text == "" {
		return nil
	}

	var chunks []Chunk
	step := max(c.ChildChars-c.ChildOverlapChars, 1)
	for start := 0; start < len(parent.Text); start += step {
		end := min(start+c.ChildChars, len(parent.Text))
		text := parent.Text[start:end]
		if strings.TrimSpace(text) != "" {
			chunks = append(chunks, Chunk{
				Text:      text,
				PageStart: parent.PageStart,
				PageEnd:   parent.PageEnd,
				CharStart: parent.CharStart + start,
				CharEnd:   parent.CharStart + end,
				ChunkHash: hashText(text),
			})
		}
	}

	return chunks
}

// findPageRange maps a [charStart, charEnd) range back to the pages it
// touches: the first page whose end is past charStart through the last page
// whose start is before charEnd.
func findPageRange(offsets []PageOffset, charStart, charEnd int) (int, int) {
	if len(offsets) == 0 {
		return 1, 1
	}

	pageStart := offsets[0].PageNo
	for _, o := range offsets {
		if o.End > charStart {
			pageStart = o.PageNo
			break
		}
	}

	pageEnd := offsets[len(offsets)-1].PageNo
	for i := len(offsets) - 1; i >= 0; i-- {
		if offsets[i].Start < charEnd {
			pageEnd = offsets[i].PageNo
			break
		}
	}

	return pageStart, pageEnd
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
