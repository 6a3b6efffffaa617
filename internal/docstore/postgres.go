package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// Store persists documents, chunks, and embeddings in Postgres + pgvector.
type Store struct {
	pool      *pgxpool.Pool
	dimension int
}

// NewStore connects to Postgres and ensures the necessary schema exists.
func NewStore(ctx context.Context, dsn string, maxConns int, dimension int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	store := &Store{
		pool:      pool,
		dimension: dimension,
	}

	if err := store.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return store, nil
}

// Close releases the underlying database resources.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	const statements = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS documents (
	id UUID PRIMARY KEY,
	tenant_tag TEXT NOT NULL DEFAULT 'default',
	filename TEXT NOT NULL,
	content_type TEXT NOT NULL,
	blob_bucket TEXT NOT NULL,
	blob_key TEXT NOT NULL,
	content_hash CHAR(64) NOT NULL,
	status TEXT NOT NULL DEFAULT 'UPLOADED',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT documents_tenant_hash_uniq UNIQUE (tenant_tag, content_hash)
);

CREATE TABLE IF NOT EXISTS parent_chunks (
	id UUID PRIMARY KEY,
	document_id UUID NOT NULL REFERENCES documents(id),
	page_start INT,
	page_end INT,
	char_start INT,
	char_end INT,
	text TEXT NOT NULL,
	chunk_hash CHAR(64) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS parent_chunks_document_idx
	ON parent_chunks (document_id);

CREATE TABLE IF NOT EXISTS child_chunks (
	id UUID PRIMARY KEY,
	document_id UUID NOT NULL REFERENCES documents(id),
	parent_id UUID NOT NULL REFERENCES parent_chunks(id),
	page_start INT,
	page_end INT,
	char_start INT,
	char_end INT,
	text TEXT NOT NULL,
	chunk_hash CHAR(64) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS child_chunks_document_idx
	ON child_chunks (document_id);

CREATE INDEX IF NOT EXISTS child_chunks_parent_idx
	ON child_chunks (parent_id);

CREATE TABLE IF NOT EXISTS chunk_embeddings (
	child_id UUID PRIMARY KEY REFERENCES child_chunks(id) ON DELETE CASCADE,
	embedding vector(%[1]d) NOT NULL,
	model_name TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- Create the IVF index if it is missing. This is idempotent because we guard it.
DO $$
BEGIN
	IF NOT EXISTS (
		SELECT 1
		FROM pg_indexes
		WHERE schemaname = current_schema()
			AND indexname = 'chunk_embeddings_embedding_idx'
	) THEN
		EXECUTE 'CREATE INDEX chunk_embeddings_embedding_idx ON chunk_embeddings USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);';
	END IF;
END
$$;
`

	_, err := s.pool.Exec(ctx, fmt.Sprintf(statements, s.dimension))
	if err != nil && strings.Contains(err.Error(), "ivfflat") {
		// IVF needs rows to build from; skipping it only costs recall speed.
		err = nil
	}
	return err
}

// InsertDocument stores a new document row.
func (s *Store) InsertDocument(ctx context.Context, doc Document) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO documents (id, tenant_tag, filename, content_type, blob_bucket, blob_key, content_hash, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		doc.ID, doc.TenantTag, doc.Filename, doc.ContentType,
		doc.BlobBucket, doc.BlobKey, doc.ContentHash, string(doc.Status), doc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

const documentColumns = `id, tenant_tag, filename, content_type, blob_bucket, blob_key, content_hash, status, created_at`

func scanDocument(row pgx.Row) (Document, error) {
	var doc Document
	var status string
	var hash string
	if err := row.Scan(
		&doc.ID, &doc.TenantTag, &doc.Filename, &doc.ContentType,
		&doc.BlobBucket, &doc.BlobKey, &hash, &status, &doc.CreatedAt,
	); err != nil {
		return Document{}, err
	}
	doc.ContentHash = strings.TrimSpace(hash)
	parsed, err := ParseStatus(status)
	if err != nil {
		return Document{}, err
	}
	doc.Status = parsed
	return doc, nil
}

// GetDocument loads a document by id. Returns ErrNotFound if absent.
func (s *Store) GetDocument(ctx context.Context, id uuid.UUID) (Document, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

// FindByTenantAndHash returns the document with the given content hash within
// a tenant, or ErrNotFound.
func (s *Store) FindByTenantAndHash(ctx context.Context, tenantTag, contentHash string) (Document, error) {
	row := s.pool.QueryRow(ctx, `
SELECT `+documentColumns+` FROM documents WHERE tenant_tag = $1 AND content_hash = $2`,
		tenantTag, contentHash)
	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("find document by hash: %w", err)
	}
	return doc, nil
}

// UpdateStatus moves a document to the next lifecycle state. Illegal edges
// are rejected. Each call runs on a fresh connection from the pool so a
// poisoned ingestion transaction can never block the terminal-status write.
func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, next Status) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin status update: %w", err)
	}
	defer tx.Rollback(ctx)

	var raw string
	if err := tx.QueryRow(ctx, `SELECT status FROM documents WHERE id = $1 FOR UPDATE`, id).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("read status: %w", err)
	}

	current, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	if !current.CanTransition(next) {
		return fmt.Errorf("illegal status transition %s -> %s", current, next)
	}

	if _, err := tx.Exec(ctx, `UPDATE documents SET status = $1 WHERE id = $2`, string(next), id); err != nil {
		return fmt.Errorf("update status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit status update: %w", err)
	}
	return nil
}

// InsertChunks writes all parent and child rows of one ingestion in a single
// transaction, parents first so children can reference them.
func (s *Store) InsertChunks(ctx context.Context, parents []ParentChunk, children []ChildChunk) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin chunk insert: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, p := range parents {
		if _, err := tx.Exec(ctx, `
INSERT INTO parent_chunks (id, document_id, page_start, page_end, char_start, char_end, text, chunk_hash, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			p.ID, p.DocumentID, p.PageStart, p.PageEnd, p.CharStart, p.CharEnd, p.Text, p.ChunkHash, time.Now().UTC(),
		); err != nil {
			return fmt.Errorf("insert parent chunk: %w", err)
		}
	}

	for _, c := range children {
		if _, err := tx.Exec(ctx, `
INSERT INTO child_chunks (id, document_id, parent_id, page_start, page_end, char_start, char_end, text, chunk_hash, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			c.ID, c.DocumentID, c.ParentID, c.PageStart, c.PageEnd, c.CharStart, c.CharEnd, c.Text, c.ChunkHash, time.Now().UTC(),
		); err != nil {
			return fmt.Errorf("insert child chunk: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit chunk insert: %w", err)
	}
	return nil
}

// UpsertEmbeddings writes child embeddings; on conflict the newest vector wins.
func (s *Store) UpsertEmbeddings(ctx context.Context, items []Embedding) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin embedding upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, item := range items {
		if len(item.Vector) != s.dimension {
			return fmt.Errorf("embedding dimension mismatch: expected %d got %d", s.dimension, len(item.Vector))
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO chunk_embeddings (child_id, embedding, model_name, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (child_id) DO UPDATE
	SET embedding = EXCLUDED.embedding,
		model_name = EXCLUDED.model_name,
		created_at = EXCLUDED.created_at`,
			item.ChildID, pgvector.NewVector(item.Vector), item.ModelName, time.Now().UTC(),
		); err != nil {
			return fmt.Errorf("upsert embedding: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit embedding upsert: %w", err)
	}
	return nil
}

// VectorSearch returns child ids ordered by ascending cosine distance to the
// query vector. Filtering and ordering happen server-side in one query.
func (s *Store) VectorSearch(ctx context.Context, queryVec []float32, limit int, docIDs []uuid.UUID) ([]uuid.UUID, error) {
	if len(queryVec) != s.dimension {
		return nil, fmt.Errorf("embedding dimension mismatch: expected %d got %d", s.dimension, len(queryVec))
	}

	query := `
SELECT e.child_id
FROM chunk_embeddings e
JOIN child_chunks c ON c.id = e.child_id
`
	args := []any{pgvector.NewVector(queryVec), limit}
	if len(docIDs) > 0 {
		query += `WHERE c.document_id = ANY($3)
`
		args = append(args, docIDs)
	}
	query += `ORDER BY e.embedding <=> $1
LIMIT $2`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan child id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate child ids: %w", err)
	}

	return ids, nil
}

// GetChildrenWithDocuments loads child chunks and their documents by id. The
// result order is unspecified; callers reorder as needed.
func (s *Store) GetChildrenWithDocuments(ctx context.Context, ids []uuid.UUID) ([]ChildWithDocument, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
SELECT c.id, c.document_id, c.parent_id, c.page_start, c.page_end, c.char_start, c.char_end, c.text, c.chunk_hash,
	d.id, d.tenant_tag, d.filename, d.content_type, d.blob_bucket, d.blob_key, d.content_hash, d.status, d.created_at
FROM child_chunks c
JOIN documents d ON d.id = c.document_id
WHERE c.id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("load child chunks: %w", err)
	}
	defer rows.Close()

	var out []ChildWithDocument
	for rows.Next() {
		var item ChildWithDocument
		var status, hash string
		if err := rows.Scan(
			&item.Child.ID, &item.Child.DocumentID, &item.Child.ParentID,
			&item.Child.PageStart, &item.Child.PageEnd, &item.Child.CharStart, &item.Child.CharEnd,
			&item.Child.Text, &item.Child.ChunkHash,
			&item.Document.ID, &item.Document.TenantTag, &item.Document.Filename, &item.Document.ContentType,
			&item.Document.BlobBucket, &item.Document.BlobKey, &hash, &status, &item.Document.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan child chunk: %w", err)
		}
		item.Document.ContentHash = strings.TrimSpace(hash)
		parsed, err := ParseStatus(status)
		if err != nil {
			return nil, err
		}
		item.Document.Status = parsed
		item.Child.ChunkHash = strings.TrimSpace(item.Child.ChunkHash)
		out = append(out, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate child chunks: %w", err)
	}

	return out, nil
}

// GetParentsWithDocuments loads parent chunks and their documents by id.
func (s *Store) GetParentsWithDocuments(ctx context.Context, ids []uuid.UUID) ([]ParentWithDocument, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
SELECT p.id, p.document_id, p.page_start, p.page_end, p.char_start, p.char_end, p.text, p.chunk_hash,
	d.id, d.tenant_tag, d.filename, d.content_type, d.blob_bucket, d.blob_key, d.content_hash, d.status, d.created_at
FROM parent_chunks p
JOIN documents d ON d.id = p.document_id
WHERE p.id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("load parent chunks: %w", err)
	}
	defer rows.Close()

	var out []ParentWithDocument
	for rows.Next() {
		var item ParentWithDocument
		var status, hash string
		if err := rows.Scan(
			&item.Parent.ID, &item.Parent.DocumentID,
			&item.Parent.PageStart, &item.Parent.PageEnd, &item.Parent.CharStart, &item.Parent.CharEnd,
			&item.Parent.Text, &item.Parent.ChunkHash,
			&item.Document.ID, &item.Document.TenantTag, &item.Document.Filename, &item.Document.ContentType,
			&item.Document.BlobBucket, &item.Document.BlobKey, &hash, &status, &item.Document.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan parent chunk: %w", err)
		}
		item.Document.ContentHash = strings.TrimSpace(hash)
		parsed, err := ParseStatus(status)
		if err != nil {
			return nil, err
		}
		item.Document.Status = parsed
		item.Parent.ChunkHash = strings.TrimSpace(item.Parent.ChunkHash)
		out = append(out, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate parent chunks: %w", err)
	}

	return out, nil
}
