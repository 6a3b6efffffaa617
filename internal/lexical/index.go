// Package lexical maintains the BM25 keyword index over child-chunk text.
package lexical

import (
	"context"
	"fmt"
	"os"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
)

// Record is one child chunk as stored in the keyword index. It mirrors the
// metadata store so keyword hits can be consumed without a join.
type Record struct {
	ChildID   string
	ParentID  string
	DocID     string
	TenantTag string
	Text      string
	PageStart int
	PageEnd   int
	Filename  string
	ChunkHash string
}

// Hit is one keyword search result in descending relevance order.
type Hit struct {
	ChildID string
	DocID   string
	Score   float64
}

// Index wraps a bleve index on local disk.
type Index struct {
	idx bleve.Index
}

// Open opens the index at path, creating it with the chunk schema if it does
// not exist yet. Opening is idempotent and called once at startup.
func Open(path string) (*Index, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		idx, err := bleve.New(path, buildMapping())
		if err != nil {
			return nil, fmt.Errorf("create keyword index: %w", err)
		}
		return &Index{idx: idx}, nil
	}

	idx, err := bleve.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open keyword index: %w", err)
	}
	return &Index{idx: idx}, nil
}

// Close releases the underlying index.
func (x *Index) Close() error {
	return x.idx.Close()
}

func buildMapping() *mapping.IndexMappingImpl {
	chunk := bleve.NewDocumentMapping()

	text := bleve.NewTextFieldMapping()
	chunk.AddFieldMappingsAt("text", text)

	// Identifier fields must match exactly, never be tokenized.
	exact := bleve.NewTextFieldMapping()
	exact.Analyzer = keyword.Name
	for _, field := range []string{"child_id", "parent_id", "doc_id", "tenant_tag", "filename", "chunk_hash"} {
		chunk.AddFieldMappingsAt(field, exact)
	}

	num := bleve.NewNumericFieldMapping()
	chunk.AddFieldMappingsAt("page_start", num)
	chunk.AddFieldMappingsAt("page_end", num)

	im := bleve.NewIndexMapping()
	im.DefaultMapping = chunk
	return im
}

// IndexChunks bulk-upserts records keyed by child id. Re-indexing an existing
// child id replaces its entry.
func (x *Index) IndexChunks(records []Record) error {
	if len(records) == 0 {
		return nil
	}

	batch := x.idx.NewBatch()
	for _, record := range records {
		if err := batch.Index(record.ChildID, map[string]any{
			"child_id":   record.ChildID,
			"parent_id":  record.ParentID,
			"doc_id":     record.DocID,
			"tenant_tag": record.TenantTag,
			"text":       record.Text,
			"page_start": record.PageStart,
			"page_end":   record.PageEnd,
			"filename":   record.Filename,
			"chunk_hash": record.ChunkHash,
		}); err != nil {
			return fmt.Errorf("batch chunk %s: %w", record.ChildID, err)
		}
	}

	if err := x.idx.Batch(batch); err != nil {
		return fmt.Errorf("index chunks: %w", err)
	}
	return nil
}

// SearchKeyword runs a BM25-style match over chunk text, optionally filtered
// to a set of document ids. Returns up to size hits, best first.
func (x *Index) SearchKeyword(ctx context.Context, queryText string, size int, docIDs []string) ([]Hit, error) {
	match := bleve.NewMatchQuery(queryText)
	match.SetField("text")

	var q query.Query = match
	if len(docIDs) > 0 {
		filter := bleve.NewDisjunctionQuery()
		for _, id := range docIDs {
			term := bleve.NewTermQuery(id)
			term.SetField("doc_id")
			filter.AddQuery(term)
		}
		q = bleve.NewConjunctionQuery(match, filter)
	}

	req := bleve.NewSearchRequestOptions(q, size, 0, false)
	req.Fields = []string{"child_id", "doc_id"}

	res, err := x.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, hit := range res.Hits {
		childID, _ := hit.Fields["child_id"].(string)
		if childID == "" {
			childID = hit.ID
		}
		docID, _ := hit.Fields["doc_id"].(string)
		hits = append(hits, Hit{ChildID: childID, DocID: docID, Score: hit.Score})
	}

	return hits, nil
}
