package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ammarsksk/docsearch/internal/blobstore"
	"github.com/ammarsksk/docsearch/internal/config"
	"github.com/ammarsksk/docsearch/internal/docstore"
	"github.com/ammarsksk/docsearch/internal/generator"
	"github.com/ammarsksk/docsearch/internal/query"
)

type fakeDocuments struct {
	mu   sync.Mutex
	docs map[uuid.UUID]docstore.Document
}

func newFakeDocuments() *fakeDocuments {
	return &fakeDocuments{docs: make(map[uuid.UUID]docstore.Document)}
}

func (f *fakeDocuments) GetDocument(_ context.Context, id uuid.UUID) (docstore.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return docstore.Document{}, docstore.ErrNotFound
	}
	return doc, nil
}

func (f *fakeDocuments) InsertDocument(_ context.Context, doc docstore.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[doc.ID] = doc
	return nil
}

func (f *fakeDocuments) FindByTenantAndHash(_ context.Context, tenantTag, contentHash string) (docstore.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, doc := range f.docs {
		if doc.TenantTag == tenantTag && doc.ContentHash == contentHash {
			return doc, nil
		}
	}
	return docstore.Document{}, docstore.ErrNotFound
}

type fakeIngestor struct {
	mu       sync.Mutex
	enqueued []uuid.UUID
}

func (f *fakeIngestor) Enqueue(docID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, docID)
	return nil
}

type fakeAnswerer struct {
	answer    string
	citations []generator.Citation
	err       error
}

func (f *fakeAnswerer) Answer(context.Context, string, int, []uuid.UUID) (string, []generator.Citation, error) {
	return f.answer, f.citations, f.err
}

func newTestServer(answerer Answerer) (*Server, *fakeDocuments, *fakeIngestor) {
	docs := newFakeDocuments()
	ingestor := &fakeIngestor{}
	cfg := config.Config{TenantTag: "default"}
	srv := New(cfg, docs, blobstore.NewMemoryStore("test-bucket"), ingestor, answerer)
	return srv, docs, ingestor
}

func multipartUpload(t *testing.T, filename, contentType string, body []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := make(map[string][]string)
	header["Content-Disposition"] = []string{`form-data; name="file"; filename="` + filename + `"`}
	header["Content-Type"] = []string{contentType}
	part, err := w.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(body)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/documents/upload", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(&fakeAnswerer{})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestUpload_CreatesDocumentAndEnqueues(t *testing.T) {
	srv, docs, ingestor := newTestServer(&fakeAnswerer{})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, multipartUpload(t, "notes.txt", "text/plain", []byte("The capital of France is Paris.")))

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	id, err := uuid.Parse(resp.ID)
	require.NoError(t, err)

	doc, err := docs.GetDocument(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, docstore.StatusUploaded, doc.Status)
	assert.Equal(t, "notes.txt", doc.Filename)
	assert.True(t, strings.HasPrefix(doc.BlobKey, "documents/"))
	assert.Len(t, doc.ContentHash, 64)

	require.Len(t, ingestor.enqueued, 1)
	assert.Equal(t, id, ingestor.enqueued[0])
}

func TestUpload_DuplicateReturnsExistingID(t *testing.T) {
	srv, docs, _ := newTestServer(&fakeAnswerer{})
	body := []byte("same bytes both times")

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, multipartUpload(t, "first.txt", "text/plain", body))
	require.Equal(t, http.StatusCreated, rec.Code)
	var first struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))

	// Same content under a different filename still deduplicates.
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, multipartUpload(t, "second.txt", "text/plain", body))
	require.Equal(t, http.StatusCreated, rec.Code)
	var second struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, docs.docs, 1)
}

func TestUpload_MissingFile(t *testing.T) {
	srv, _, _ := newTestServer(&fakeAnswerer{})

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/documents/upload", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetDocument(t *testing.T) {
	srv, docs, _ := newTestServer(&fakeAnswerer{})

	doc := docstore.Document{
		ID:        uuid.New(),
		TenantTag: "default",
		Filename:  "doc.txt",
		Status:    docstore.StatusReady,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, docs.InsertDocument(context.Background(), doc))

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/documents/"+doc.ID.String(), nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, doc.ID.String(), resp["id"])
	assert.Equal(t, "READY", resp["status"])
	assert.Equal(t, "doc.txt", resp["filename"])
}

func TestGetDocument_NotFound(t *testing.T) {
	srv, _, _ := newTestServer(&fakeAnswerer{})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/documents/"+uuid.NewString(), nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "Document not found")
}

func TestGetDocument_InvalidID(t *testing.T) {
	srv, _, _ := newTestServer(&fakeAnswerer{})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/documents/not-a-uuid", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQuery_ReturnsAnswerAndCitations(t *testing.T) {
	docID, chunkID := uuid.New(), uuid.New()
	page := 1
	answerer := &fakeAnswerer{
		answer: "Paris is the capital of France. [P1]",
		citations: []generator.Citation{{
			DocumentID: docID, Filename: "doc.txt",
			PageStart: &page, PageEnd: &page,
			Excerpt: "The capital of France is Paris.", ChunkID: chunkID,
		}},
	}
	srv, _, _ := newTestServer(answerer)

	body := strings.NewReader(`{"question": "What is the capital of France?", "top_k": 3}`)
	req := httptest.NewRequest(http.MethodPost, "/query", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Answer    string               `json:"answer"`
		Citations []generator.Citation `json:"citations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.Answer, "Paris")
	require.Len(t, resp.Citations, 1)
	assert.Equal(t, docID, resp.Citations[0].DocumentID)
}

func TestQuery_NoRelevantChunks(t *testing.T) {
	srv, _, _ := newTestServer(&fakeAnswerer{err: query.ErrNoRelevantChunks})

	req := httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(`{"question": "anything"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "No relevant chunks found")
}

func TestQuery_EmptyQuestion(t *testing.T) {
	srv, _, _ := newTestServer(&fakeAnswerer{})

	req := httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(`{"question": "  "}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQuery_InvalidDocumentID(t *testing.T) {
	srv, _, _ := newTestServer(&fakeAnswerer{})

	req := httptest.NewRequest(http.MethodPost, "/query",
		strings.NewReader(`{"question": "q", "document_ids": ["nope"]}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
