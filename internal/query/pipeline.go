// Package query answers questions over the ingested corpus: hybrid
// retrieval, rank fusion, cross-encoder rerank, small-to-big parent
// expansion, and grounded generation.
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ammarsksk/docsearch/internal/config"
	"github.com/ammarsksk/docsearch/internal/docstore"
	"github.com/ammarsksk/docsearch/internal/embeddings"
	"github.com/ammarsksk/docsearch/internal/generator"
	"github.com/ammarsksk/docsearch/internal/lexical"
	"github.com/ammarsksk/docsearch/internal/rerank"
)

// ErrNoRelevantChunks is returned when retrieval finds nothing to answer
// from.
var ErrNoRelevantChunks = errors.New("no relevant chunks found")

// rrfK is the reciprocal-rank-fusion denominator constant.
const rrfK = 60

// KeywordSearcher is the lexical retrieval dependency.
type KeywordSearcher interface {
	SearchKeyword(ctx context.Context, queryText string, size int, docIDs []string) ([]lexical.Hit, error)
}

// VectorSearcher is the dense retrieval dependency.
type VectorSearcher interface {
	VectorSearch(ctx context.Context, queryVec []float32, limit int, docIDs []uuid.UUID) ([]uuid.UUID, error)
}

// ChunkReader loads chunk rows with their owning documents.
type ChunkReader interface {
	GetChildrenWithDocuments(ctx context.Context, ids []uuid.UUID) ([]docstore.ChildWithDocument, error)
	GetParentsWithDocuments(ctx context.Context, ids []uuid.UUID) ([]docstore.ParentWithDocument, error)
}

// AnswerGenerator produces the final answer and handles query expansion.
type AnswerGenerator interface {
	Expand(ctx context.Context, question string) string
	Answer(ctx context.Context, question string, chunks []generator.ContextChunk) (string, []generator.Citation)
}

// Pipeline wires the retrieval and generation stages.
type Pipeline struct {
	keyword  KeywordSearcher
	vector   VectorSearcher
	chunks   ChunkReader
	embedder embeddings.Embedder
	reranker rerank.Reranker
	gen      AnswerGenerator
	cfg      config.RetrievalConfig
}

// NewPipeline wires a query pipeline.
func NewPipeline(keyword KeywordSearcher, vector VectorSearcher, chunks ChunkReader, embedder embeddings.Embedder, reranker rerank.Reranker, gen AnswerGenerator, cfg config.RetrievalConfig) *Pipeline {
	return &Pipeline{
		keyword:  keyword,
		vector:   vector,
		chunks:   chunks,
		embedder: embedder,
		reranker: reranker,
		gen:      gen,
		cfg:      cfg,
	}
}

// Answer runs the full query pipeline. docIDs optionally restricts retrieval
// to a set of documents. Returns ErrNoRelevantChunks when nothing usable is
// retrieved.
func (p *Pipeline) Answer(ctx context.Context, question string, topK int, docIDs []uuid.UUID) (string, []generator.Citation, error) {
	started := time.Now()

	// The expanded query drives both retrievals; the original question is
	// kept for reranking and generation.
	expanded := p.gen.Expand(ctx, question)

	keywordIDs, vectorIDs, err := p.retrieve(ctx, expanded, docIDs)
	if err != nil {
		return "", nil, err
	}

	mergedIDs := fuseReciprocalRank(keywordIDs, vectorIDs)
	if len(mergedIDs) > max(p.cfg.MergeK, topK) {
		mergedIDs = mergedIDs[:max(p.cfg.MergeK, topK)]
	}
	if len(mergedIDs) == 0 {
		return "", nil, ErrNoRelevantChunks
	}

	ordered, byID, err := p.loadChildren(ctx, mergedIDs)
	if err != nil {
		return "", nil, err
	}
	if len(ordered) == 0 {
		return "", nil, ErrNoRelevantChunks
	}

	candidates := make([]rerank.Candidate, len(ordered))
	for i, item := range ordered {
		candidates[i] = rerank.Candidate{ID: item.Child.ID, Text: item.Child.Text}
	}
	reranked, err := p.reranker.Rerank(ctx, question, candidates)
	if err != nil {
		return "", nil, fmt.Errorf("rerank candidates: %w", err)
	}
	if len(reranked) > p.cfg.RerankTopN {
		reranked = reranked[:p.cfg.RerankTopN]
	}
	if len(reranked) == 0 {
		return "", nil, ErrNoRelevantChunks
	}

	log.Debug().
		Int("keyword_hits", len(keywordIDs)).
		Int("vector_hits", len(vectorIDs)).
		Int("merged", len(mergedIDs)).
		Int("reranked", len(reranked)).
		Dur("elapsed", time.Since(started)).
		Msg("retrieval complete")

	contexts, err := p.expandToParents(ctx, reranked, byID, topK)
	if err != nil {
		return "", nil, err
	}
	if len(contexts) == 0 {
		return "", nil, ErrNoRelevantChunks
	}

	answer, citations := p.gen.Answer(ctx, question, contexts)
	return answer, citations, nil
}

// retrieve runs lexical and vector retrieval concurrently. The vector arm
// embeds the expanded query first; the lexical arm needs no embedding.
func (p *Pipeline) retrieve(ctx context.Context, expanded string, docIDs []uuid.UUID) ([]uuid.UUID, []uuid.UUID, error) {
	var keywordIDs, vectorIDs []uuid.UUID

	filterStrs := make([]string, len(docIDs))
	for i, id := range docIDs {
		filterStrs[i] = id.String()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hits, err := p.keyword.SearchKeyword(gctx, expanded, p.cfg.KeywordK, filterStrs)
		if err != nil {
			return fmt.Errorf("keyword retrieval: %w", err)
		}
		for _, hit := range hits {
			id, err := uuid.Parse(hit.ChildID)
			if err != nil {
				continue
			}
			keywordIDs = append(keywordIDs, id)
		}
		return nil
	})

	g.Go(func() error {
		vecs, err := p.embedder.Embed(gctx, []string{expanded})
		if err != nil {
			return fmt.Errorf("embed query: %w", err)
		}
		if len(vecs) != 1 {
			return fmt.Errorf("embedder returned %d vectors for one query", len(vecs))
		}
		ids, err := p.vector.VectorSearch(gctx, vecs[0], p.cfg.VectorK, docIDs)
		if err != nil {
			return fmt.Errorf("vector retrieval: %w", err)
		}
		vectorIDs = ids
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return keywordIDs, vectorIDs, nil
}

// fuseReciprocalRank merges two rank lists with RRF: each appearance at
// 0-indexed rank r contributes 1/(rrfK+r+1). Ties keep first-seen order, so
// the result is deterministic under identical inputs.
func fuseReciprocalRank(keywordIDs, vectorIDs []uuid.UUID) []uuid.UUID {
	scores := make(map[uuid.UUID]float64, len(keywordIDs)+len(vectorIDs))
	var order []uuid.UUID

	accumulate := func(ids []uuid.UUID) {
		for rank, id := range ids {
			if _, seen := scores[id]; !seen {
				order = append(order, id)
			}
			scores[id] += 1.0 / float64(rrfK+rank+1)
		}
	}
	accumulate(keywordIDs)
	accumulate(vectorIDs)

	sort.SliceStable(order, func(i, j int) bool {
		return scores[order[i]] > scores[order[j]]
	})
	return order
}

// loadChildren fetches child rows for the fused ids, drops anything not
// READY, and restores the fused order.
func (p *Pipeline) loadChildren(ctx context.Context, ids []uuid.UUID) ([]docstore.ChildWithDocument, map[uuid.UUID]docstore.ChildWithDocument, error) {
	rows, err := p.chunks.GetChildrenWithDocuments(ctx, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("load child chunks: %w", err)
	}

	byID := make(map[uuid.UUID]docstore.ChildWithDocument, len(rows))
	for _, row := range rows {
		if row.Document.Status != docstore.StatusReady {
			continue
		}
		byID[row.Child.ID] = row
	}

	ordered := make([]docstore.ChildWithDocument, 0, len(byID))
	for _, id := range ids {
		if row, ok := byID[id]; ok {
			ordered = append(ordered, row)
		}
	}
	return ordered, byID, nil
}

// expandToParents walks the reranked children in order, collecting each
// previously unseen parent with the child that surfaced it as the anchor,
// then extracts a window around each anchor span.
func (p *Pipeline) expandToParents(ctx context.Context, reranked []rerank.Scored, byID map[uuid.UUID]docstore.ChildWithDocument, topK int) ([]generator.ContextChunk, error) {
	limit := max(p.cfg.MaxParentChunks, topK)

	var parentIDs []uuid.UUID
	anchors := make(map[uuid.UUID]docstore.ChildChunk)
	for _, scored := range reranked {
		row, ok := byID[scored.ID]
		if !ok {
			continue
		}
		parentID := row.Child.ParentID
		if _, seen := anchors[parentID]; seen {
			continue
		}
		anchors[parentID] = row.Child
		parentIDs = append(parentIDs, parentID)
		if len(parentIDs) >= limit {
			break
		}
	}

	parents, err := p.chunks.GetParentsWithDocuments(ctx, parentIDs)
	if err != nil {
		return nil, fmt.Errorf("load parent chunks: %w", err)
	}
	parentByID := make(map[uuid.UUID]docstore.ParentWithDocument, len(parents))
	for _, row := range parents {
		parentByID[row.Parent.ID] = row
	}

	var contexts []generator.ContextChunk
	for _, parentID := range parentIDs {
		row, ok := parentByID[parentID]
		if !ok {
			continue
		}

		var snippet string
		if anchor, ok := anchors[parentID]; ok {
			snippet = sliceWindow(row.Parent.Text,
				anchor.CharStart-row.Parent.CharStart,
				anchor.CharEnd-row.Parent.CharStart,
				p.cfg.MaxParentChunkChars)
		} else {
			snippet = strings.TrimSpace(truncate(row.Parent.Text, p.cfg.MaxParentChunkChars))
		}

		pageStart := row.Parent.PageStart
		pageEnd := row.Parent.PageEnd
		contexts = append(contexts, generator.ContextChunk{
			ChunkID:    row.Parent.ID,
			DocumentID: row.Document.ID,
			Filename:   row.Document.Filename,
			PageStart:  &pageStart,
			PageEnd:    &pageEnd,
			Text:       snippet,
		})
	}
	return contexts, nil
}

// sliceWindow extracts windowChars characters centered on the [relStart,
// relEnd) span, clamped to the text bounds, so the model sees the passage
// that triggered retrieval instead of a truncated prefix.
func sliceWindow(text string, relStart, relEnd, windowChars int) string {
	if text == "" {
		return ""
	}

	relStart = max(relStart, 0)
	relEnd = max(relEnd, relStart)
	center := (relStart + relEnd) / 2

	half := max(windowChars/2, 1)
	start := max(center-half, 0)
	end := min(start+windowChars, len(text))
	start = max(end-windowChars, 0)

	return strings.TrimSpace(text[start:end])
}

func truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	return text[:limit]
}
