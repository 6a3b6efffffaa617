// Package server exposes the HTTP surface: document upload and status,
// question answering, and health.
package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ammarsksk/docsearch/internal/blobstore"
	"github.com/ammarsksk/docsearch/internal/config"
	"github.com/ammarsksk/docsearch/internal/docstore"
	"github.com/ammarsksk/docsearch/internal/generator"
	"github.com/ammarsksk/docsearch/internal/query"
)

const maxUploadBytes = 64 << 20

// DocumentStore is the slice of the metadata store the handlers use.
type DocumentStore interface {
	GetDocument(ctx context.Context, id uuid.UUID) (docstore.Document, error)
	InsertDocument(ctx context.Context, doc docstore.Document) error
	FindByTenantAndHash(ctx context.Context, tenantTag, contentHash string) (docstore.Document, error)
}

// Ingestor schedules background ingestion of an uploaded document.
type Ingestor interface {
	Enqueue(docID uuid.UUID) error
}

// Answerer runs the query pipeline.
type Answerer interface {
	Answer(ctx context.Context, question string, topK int, docIDs []uuid.UUID) (string, []generator.Citation, error)
}

// Server wires HTTP handlers to the underlying document and query services.
type Server struct {
	cfg        config.Config
	router     http.Handler
	documents  DocumentStore
	blobs      blobstore.Store
	ingestor   Ingestor
	answerer   Answerer
	bucketOnce sync.Once
}

// New constructs a Server with the provided dependencies.
func New(cfg config.Config, documents DocumentStore, blobs blobstore.Store, ingestor Ingestor, answerer Answerer) *Server {
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://127.0.0.1:5173"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s := &Server{
		cfg:       cfg,
		router:    mux,
		documents: documents,
		blobs:     blobs,
		ingestor:  ingestor,
		answerer:  answerer,
	}

	mux.Get("/health", s.handleHealth)
	mux.Post("/documents/upload", s.handleUploadDocument)
	mux.Get("/documents/{id}", s.handleGetDocument)
	mux.Post("/query", s.handleQuery)

	return s
}

// ServeHTTP exposes the router so Server satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse form: %w", err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("read file: %w", err))
		return
	}
	defer file.Close()

	if header.Filename == "" {
		writeError(w, http.StatusBadRequest, errors.New("filename is required"))
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("read upload: %w", err))
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	doc, err := s.storeUpload(r.Context(), header.Filename, contentType, data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	// Upload is complete once blob and metadata are durable; ingestion is
	// best-effort in the background and must not fail this response.
	if doc.Status != docstore.StatusReady {
		if err := s.ingestor.Enqueue(doc.ID); err != nil {
			log.Warn().Err(err).Stringer("doc_id", doc.ID).Msg("could not schedule ingestion")
		}
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": doc.ID.String()})
}

// storeUpload writes the blob, then creates the document row unless the same
// content already exists for the tenant, in which case the existing record
// is returned untouched.
func (s *Server) storeUpload(ctx context.Context, filename, contentType string, data []byte) (docstore.Document, error) {
	var bucketErr error
	s.bucketOnce.Do(func() {
		bucketErr = s.blobs.EnsureBucket(ctx)
	})
	if bucketErr != nil {
		return docstore.Document{}, fmt.Errorf("ensure bucket: %w", bucketErr)
	}

	sum := sha256.Sum256(data)
	contentHash := hex.EncodeToString(sum[:])

	key := fmt.Sprintf("documents/%s-%s", uuid.NewString(), filename)
	if err := s.blobs.Put(ctx, key, data, contentType); err != nil {
		return docstore.Document{}, fmt.Errorf("store blob: %w", err)
	}

	existing, err := s.documents.FindByTenantAndHash(ctx, s.cfg.TenantTag, contentHash)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, docstore.ErrNotFound) {
		return docstore.Document{}, fmt.Errorf("check duplicate: %w", err)
	}

	doc := docstore.Document{
		ID:          uuid.New(),
		TenantTag:   s.cfg.TenantTag,
		Filename:    filename,
		ContentType: contentType,
		BlobBucket:  s.blobs.Bucket(),
		BlobKey:     key,
		ContentHash: contentHash,
		Status:      docstore.StatusUploaded,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.documents.InsertDocument(ctx, doc); err != nil {
		return docstore.Document{}, fmt.Errorf("store document: %w", err)
	}
	return doc, nil
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid document id"))
		return
	}

	doc, err := s.documents.GetDocument(r.Context(), id)
	if errors.Is(err, docstore.ErrNotFound) {
		writeDetail(w, http.StatusNotFound, "Document not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("load document: %w", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":         doc.ID.String(),
		"filename":   doc.Filename,
		"status":     string(doc.Status),
		"created_at": doc.CreatedAt.Format(time.RFC3339),
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Question    string   `json:"question"`
		TopK        int      `json:"top_k"`
		DocumentIDs []string `json:"document_ids"`
	}

	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	payload.Question = strings.TrimSpace(payload.Question)
	if payload.Question == "" {
		writeError(w, http.StatusBadRequest, errors.New("question must not be empty"))
		return
	}
	if payload.TopK <= 0 {
		payload.TopK = 10
	}

	docIDs := make([]uuid.UUID, 0, len(payload.DocumentIDs))
	for _, raw := range payload.DocumentIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid document id %q", raw))
			return
		}
		docIDs = append(docIDs, id)
	}

	answer, citations, err := s.answerer.Answer(r.Context(), payload.Question, payload.TopK, docIDs)
	if errors.Is(err, query.ErrNoRelevantChunks) {
		writeDetail(w, http.StatusNotFound, "No relevant chunks found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("answer question: %w", err))
		return
	}

	if citations == nil {
		citations = []generator.Citation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"answer":    answer,
		"citations": citations,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("failed to write JSON response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{
		"error": err.Error(),
	})
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]any{
		"detail": detail,
	})
}
