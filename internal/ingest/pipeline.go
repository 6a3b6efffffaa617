// Package ingest turns uploaded documents into searchable chunks. The
// pipeline owns the document status lifecycle: every run ends with the
// document in a terminal status or exactly as it was found, except when the
// FAILED write itself fails, which leaves the document PROCESSING.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ammarsksk/docsearch/internal/chunker"
	"github.com/ammarsksk/docsearch/internal/docstore"
	"github.com/ammarsksk/docsearch/internal/embeddings"
	"github.com/ammarsksk/docsearch/internal/lexical"
	"github.com/ammarsksk/docsearch/internal/parser"
)

// MetadataStore is the slice of the document store the pipeline writes to.
type MetadataStore interface {
	GetDocument(ctx context.Context, id uuid.UUID) (docstore.Document, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, next docstore.Status) error
	InsertChunks(ctx context.Context, parents []docstore.ParentChunk, children []docstore.ChildChunk) error
	UpsertEmbeddings(ctx context.Context, items []docstore.Embedding) error
}

// BlobReader fetches raw document bytes.
type BlobReader interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// LexicalIndexer upserts child chunks into the keyword index.
type LexicalIndexer interface {
	IndexChunks(records []lexical.Record) error
}

// Pipeline ingests one document at a time: parse, chunk, persist, embed,
// index.
type Pipeline struct {
	store    MetadataStore
	blobs    BlobReader
	index    LexicalIndexer
	embedder embeddings.Embedder
	chunker  chunker.Chunker

	embedModel string
}

// NewPipeline wires an ingestion pipeline.
func NewPipeline(store MetadataStore, blobs BlobReader, index LexicalIndexer, embedder embeddings.Embedder, ck chunker.Chunker, embedModel string) *Pipeline {
	return &Pipeline{
		store:      store,
		blobs:      blobs,
		index:      index,
		embedder:   embedder,
		chunker:    ck,
		embedModel: embedModel,
	}
}

// Run ingests the document with the given id. A missing or already-READY
// document is a no-op. Any failure after the document enters PROCESSING
// marks it FAILED; the pipeline never retries.
func (p *Pipeline) Run(ctx context.Context, docID uuid.UUID) error {
	doc, err := p.store.GetDocument(ctx, docID)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	if doc.Status == docstore.StatusReady {
		return nil
	}

	if err := p.store.UpdateStatus(ctx, docID, docstore.StatusProcessing); err != nil {
		return fmt.Errorf("enter processing: %w", err)
	}

	if err := p.run(ctx, doc); err != nil {
		p.markFailed(docID)
		log.Error().Err(err).Stringer("doc_id", docID).Msg("ingestion failed")
		return err
	}

	if err := p.store.UpdateStatus(ctx, docID, docstore.StatusReady); err != nil {
		p.markFailed(docID)
		return fmt.Errorf("enter ready: %w", err)
	}

	log.Info().Stringer("doc_id", docID).Msg("ingestion complete")
	return nil
}

func (p *Pipeline) run(ctx context.Context, doc docstore.Document) error {
	started := time.Now()

	content, err := p.blobs.Get(ctx, doc.BlobKey)
	if err != nil {
		return fmt.Errorf("fetch blob: %w", err)
	}

	pages, err := parser.Parse(content, doc.ContentType)
	if err != nil {
		return fmt.Errorf("parse document: %w", err)
	}

	parents, children := p.buildChunks(doc, pages)

	if err := p.store.InsertChunks(ctx, parents, children); err != nil {
		return fmt.Errorf("persist chunks: %w", err)
	}

	texts := make([]string, len(children))
	for i, child := range children {
		texts[i] = child.Text
	}

	vectors, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(children) {
		return fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(children))
	}

	items := make([]docstore.Embedding, len(children))
	for i, child := range children {
		items[i] = docstore.Embedding{
			ChildID:   child.ID,
			Vector:    vectors[i],
			ModelName: p.embedModel,
		}
	}
	if err := p.store.UpsertEmbeddings(ctx, items); err != nil {
		return fmt.Errorf("persist embeddings: %w", err)
	}

	records := make([]lexical.Record, len(children))
	for i, child := range children {
		records[i] = lexical.Record{
			ChildID:   child.ID.String(),
			ParentID:  child.ParentID.String(),
			DocID:     doc.ID.String(),
			TenantTag: doc.TenantTag,
			Text:      child.Text,
			PageStart: child.PageStart,
			PageEnd:   child.PageEnd,
			Filename:  doc.Filename,
			ChunkHash: child.ChunkHash,
		}
	}
	if err := p.index.IndexChunks(records); err != nil {
		return fmt.Errorf("index chunks: %w", err)
	}

	log.Debug().
		Stringer("doc_id", doc.ID).
		Int("pages", len(pages)).
		Int("parents", len(parents)).
		Int("children", len(children)).
		Dur("elapsed", time.Since(started)).
		Msg("ingestion stages complete")

	return nil
}

func (p *Pipeline) buildChunks(doc docstore.Document, pages []parser.Page) ([]docstore.ParentChunk, []docstore.ChildChunk) {
	var parents []docstore.ParentChunk
	var children []docstore.ChildChunk

	for _, parent := range p.chunker.ParentChunks(pages) {
		parentID := uuid.New()
		parents = append(parents, docstore.ParentChunk{
			ID:         parentID,
			DocumentID: doc.ID,
			PageStart:  parent.PageStart,
			PageEnd:    parent.PageEnd,
			CharStart:  parent.CharStart,
			CharEnd:    parent.CharEnd,
			Text:       stripNUL(parent.Text),
			ChunkHash:  parent.ChunkHash,
		})

		for _, child := range p.chunker.ChildChunks(parent) {
			children = append(children, docstore.ChildChunk{
				ID:         uuid.New(),
				DocumentID: doc.ID,
				ParentID:   parentID,
				PageStart:  child.PageStart,
				PageEnd:    child.PageEnd,
				CharStart:  child.CharStart,
				CharEnd:    child.CharEnd,
				Text:       stripNUL(child.Text),
				ChunkHash:  child.ChunkHash,
			})
		}
	}

	return parents, children
}

// markFailed records the terminal status on a fresh context so a cancelled
// or poisoned ingestion can still reach FAILED. If even this write fails the
// document stays PROCESSING, which readers already ignore.
func (p *Pipeline) markFailed(docID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.store.UpdateStatus(ctx, docID, docstore.StatusFailed); err != nil {
		log.Error().Err(err).Stringer("doc_id", docID).Msg("failed to record FAILED status")
	}
}

func stripNUL(text string) string {
	return strings.ReplaceAll(text, "\x00", "")
}
