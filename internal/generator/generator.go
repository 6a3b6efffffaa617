package generator

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	generateTimeout = 300 * time.Second
	expandTimeout   = 60 * time.Second

	// hydeMaxTokens caps the hypothetical answer so expansion stays cheap.
	hydeMaxTokens = 160

	excerptChars = 300
)

// ContextChunk is one parent window handed to the model, tagged [P<i>] by
// its 1-based position in the slice.
type ContextChunk struct {
	ChunkID    uuid.UUID
	DocumentID uuid.UUID
	Filename   string
	PageStart  *int
	PageEnd    *int
	Text       string
}

// Citation points an answer back at a source passage.
type Citation struct {
	DocumentID uuid.UUID `json:"document_id"`
	Filename   string    `json:"filename"`
	PageStart  *int      `json:"page_start,omitempty"`
	PageEnd    *int      `json:"page_end,omitempty"`
	Excerpt    string    `json:"excerpt"`
	ChunkID    uuid.UUID `json:"chunk_id"`
}

// Generator turns retrieved context into a cited answer.
type Generator struct {
	client      Client
	hydeEnabled bool
	maxChunks   int
	maxChars    int
}

// New constructs a Generator.
func New(client Client, hydeEnabled bool, maxChunks, maxChars int) *Generator {
	return &Generator{
		client:      client,
		hydeEnabled: hydeEnabled,
		maxChunks:   maxChunks,
		maxChars:    maxChars,
	}
}

const systemPrompt = `You are a strict assistant answering questions about the provided document context.
You are given context chunks, each tagged with an ID like [P1], [P2], etc.
Rules:
- The question ALWAYS refers to the provided context; do not ask which document to use.
- Answer ONLY using the provided context.
- If the answer is not clearly supported, reply exactly: "I do not know."
- Every factual sentence must include at least one citation marker like [P1].
- Do not invent IDs; only use the ones you see in the context.
`

// citationMarker matches the [P<i>] markers the system prompt demands.
var citationMarker = regexp.MustCompile(`\[P(\d+)\]`)

// Expand performs HyDE query expansion: a short hypothetical answer is
// appended to the question to improve retrieval recall. Any failure or empty
// response falls back to the original question.
func (g *Generator) Expand(ctx context.Context, question string) string {
	if !g.hydeEnabled {
		return question
	}

	ctx, cancel := context.WithTimeout(ctx, expandTimeout)
	defer cancel()

	prompt := "Write a short hypothetical answer that would likely appear in a document. " +
		"Do not mention that this is hypothetical. Keep it concise.\n\n" +
		"Question: " + question

	expanded, err := g.client.Generate(ctx,
		[]Message{{Role: "user", Content: prompt}},
		map[string]any{"num_predict": hydeMaxTokens},
	)
	if err != nil {
		log.Debug().Err(err).Msg("query expansion failed, using original question")
		return question
	}

	expanded = strings.TrimSpace(expanded)
	if expanded == "" {
		return question
	}
	return question + "\n\n" + expanded
}

// Answer generates a grounded answer over the context chunks and extracts
// its citations. On any generation error it degrades to a stitched answer
// built directly from the chunks.
func (g *Generator) Answer(ctx context.Context, question string, chunks []ContextChunk) (string, []Citation) {
	if len(chunks) == 0 {
		return "I could not find relevant information.", nil
	}

	ctx, cancel := context.WithTimeout(ctx, generateTimeout)
	defer cancel()

	messages := []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: fmt.Sprintf(
			"Question: %s\n\nContext:\n%s\n\nNow answer the question. Remember to use citation markers like [P1], [P2] in your answer.",
			question, g.buildContext(chunks),
		)},
	}

	answer, err := g.client.Generate(ctx, messages, nil)
	if err != nil {
		log.Warn().Err(err).Msg("generation failed, returning stitched fallback")
		return g.fallback(chunks)
	}

	citations := extractCitations(answer, chunks)
	if len(citations) == 0 {
		// The model ignored the citation contract; anchor the answer to the
		// top context chunk so callers always get a source.
		citations = []Citation{makeCitation(chunks[0])}
	}

	return answer, citations
}

func (g *Generator) buildContext(chunks []ContextChunk) string {
	var parts []string
	for i, chunk := range chunks {
		if i >= g.maxChunks {
			break
		}
		text := chunk.Text
		if len(text) > g.maxChars {
			text = text[:g.maxChars]
		}
		parts = append(parts, fmt.Sprintf("[P%d] (doc=%s, pages=%s-%s)\n%s",
			i+1, chunk.Filename, pageLabel(chunk.PageStart), pageLabel(chunk.PageEnd), text))
	}
	return strings.Join(parts, "\n\n")
}

// fallback stitches truncated excerpts of the top chunks into a non-LLM
// answer, citing all of them.
func (g *Generator) fallback(chunks []ContextChunk) (string, []Citation) {
	var parts []string
	var citations []Citation
	for i, chunk := range chunks {
		if i >= g.maxChunks {
			break
		}
		citation := makeCitation(chunk)
		parts = append(parts, fmt.Sprintf("[P%d] %s", i+1, citation.Excerpt))
		citations = append(citations, citation)
	}
	return strings.Join(parts, "\n\n"), citations
}

func extractCitations(answer string, chunks []ContextChunk) []Citation {
	used := make(map[int]struct{})
	for _, match := range citationMarker.FindAllStringSubmatch(answer, -1) {
		var idx int
		if _, err := fmt.Sscanf(match[1], "%d", &idx); err != nil {
			continue
		}
		if idx >= 1 && idx <= len(chunks) {
			used[idx] = struct{}{}
		}
	}

	indices := make([]int, 0, len(used))
	for idx := range used {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	citations := make([]Citation, 0, len(indices))
	for _, idx := range indices {
		citations = append(citations, makeCitation(chunks[idx-1]))
	}
	return citations
}

func makeCitation(chunk ContextChunk) Citation {
	excerpt := chunk.Text
	if len(excerpt) > excerptChars {
		excerpt = excerpt[:excerptChars]
	}
	return Citation{
		DocumentID: chunk.DocumentID,
		Filename:   chunk.Filename,
		PageStart:  chunk.PageStart,
		PageEnd:    chunk.PageEnd,
		Excerpt:    excerpt,
		ChunkID:    chunk.ChunkID,
	}
}

func pageLabel(page *int) string {
	if page == nil {
		return "?"
	}
	return fmt.Sprintf("%d", *page)
}
