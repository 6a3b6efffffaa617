// Package docstore owns the durable document metadata: documents, parent and
// child chunks, and child embeddings, backed by Postgres with pgvector.
package docstore

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("document not found")

// Document is the durable record of an uploaded file.
type Document struct {
	ID          uuid.UUID
	TenantTag   string
	Filename    string
	ContentType string
	BlobBucket  string
	BlobKey     string
	ContentHash string
	Status      Status
	CreatedAt   time.Time
}

// ParentChunk is a large text window used as LLM context.
type ParentChunk struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	PageStart  int
	PageEnd    int
	CharStart  int
	CharEnd    int
	Text       string
	ChunkHash  string
}

// ChildChunk is a small retrieval window. Char offsets are in the
// document-global coordinate space and lie within the parent's range.
type ChildChunk struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	ParentID   uuid.UUID
	PageStart  int
	PageEnd    int
	CharStart  int
	CharEnd    int
	Text       string
	ChunkHash  string
}

// Embedding is the dense vector for one child chunk.
type Embedding struct {
	ChildID   uuid.UUID
	Vector    []float32
	ModelName string
}

// ChildWithDocument pairs a child chunk with its owning document.
type ChildWithDocument struct {
	Child    ChildChunk
	Document Document
}

// ParentWithDocument pairs a parent chunk with its owning document.
type ParentWithDocument struct {
	Parent   ParentChunk
	Document Document
}
