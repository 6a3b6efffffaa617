package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ammarsksk/docsearch/internal/blobstore"
	"github.com/ammarsksk/docsearch/internal/chunker"
	"github.com/ammarsksk/docsearch/internal/docstore"
	"github.com/ammarsksk/docsearch/internal/embeddings"
	"github.com/ammarsksk/docsearch/internal/lexical"
)

type fakeStore struct {
	mu         sync.Mutex
	docs       map[uuid.UUID]docstore.Document
	parents    []docstore.ParentChunk
	children   []docstore.ChildChunk
	embeddings map[uuid.UUID]docstore.Embedding
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		docs:       make(map[uuid.UUID]docstore.Document),
		embeddings: make(map[uuid.UUID]docstore.Embedding),
	}
}

func (f *fakeStore) GetDocument(_ context.Context, id uuid.UUID) (docstore.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return docstore.Document{}, docstore.ErrNotFound
	}
	return doc, nil
}

func (f *fakeStore) UpdateStatus(_ context.Context, id uuid.UUID, next docstore.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return docstore.ErrNotFound
	}
	if !doc.Status.CanTransition(next) {
		return errors.New("illegal status transition")
	}
	doc.Status = next
	f.docs[id] = doc
	return nil
}

func (f *fakeStore) InsertChunks(_ context.Context, parents []docstore.ParentChunk, children []docstore.ChildChunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parents = append(f.parents, parents...)
	f.children = append(f.children, children...)
	return nil
}

func (f *fakeStore) UpsertEmbeddings(_ context.Context, items []docstore.Embedding) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range items {
		f.embeddings[item.ChildID] = item
	}
	return nil
}

func (f *fakeStore) status(id uuid.UUID) docstore.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.docs[id].Status
}

type fakeIndexer struct {
	mu      sync.Mutex
	records []lexical.Record
	err     error
}

func (f *fakeIndexer) IndexChunks(records []lexical.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, records...)
	return nil
}

func testPipeline(store *fakeStore, blobs blobstore.Store, index *fakeIndexer) *Pipeline {
	ck := chunker.New(200, 20, 50, 5)
	return NewPipeline(store, blobs, index, embeddings.Deterministic{Dim: 16}, ck, "test-embed")
}

func uploadDoc(store *fakeStore, blobs blobstore.Store, contentType string, body []byte) docstore.Document {
	doc := docstore.Document{
		ID:          uuid.New(),
		TenantTag:   "default",
		Filename:    "test.txt",
		ContentType: contentType,
		BlobBucket:  blobs.Bucket(),
		BlobKey:     "documents/" + uuid.NewString() + "-test.txt",
		ContentHash: "hash",
		Status:      docstore.StatusUploaded,
		CreatedAt:   time.Now().UTC(),
	}
	_ = blobs.Put(context.Background(), doc.BlobKey, body, contentType)
	store.docs[doc.ID] = doc
	return doc
}

func TestRun_Success(t *testing.T) {
	store := newFakeStore()
	blobs := blobstore.NewMemoryStore("test-bucket")
	index := &fakeIndexer{}
	p := testPipeline(store, blobs, index)

	doc := uploadDoc(store, blobs, "text/plain",
		[]byte("The capital of France is Paris.\nThe capital of Germany is Berlin."))

	require.NoError(t, p.Run(context.Background(), doc.ID))
	assert.Equal(t, docstore.StatusReady, store.status(doc.ID))

	require.NotEmpty(t, store.parents)
	require.NotEmpty(t, store.children)

	// Every child has exactly one embedding and one lexical record.
	assert.Len(t, store.embeddings, len(store.children))
	assert.Len(t, index.records, len(store.children))
	for _, child := range store.children {
		emb, ok := store.embeddings[child.ID]
		require.True(t, ok)
		assert.Equal(t, "test-embed", emb.ModelName)
		assert.Len(t, emb.Vector, 16)
	}
}

func TestRun_ChildOffsetsWithinParent(t *testing.T) {
	store := newFakeStore()
	blobs := blobstore.NewMemoryStore("test-bucket")
	p := testPipeline(store, blobs, &fakeIndexer{})

	doc := uploadDoc(store, blobs, "text/plain", []byte(longText(1000)))
	require.NoError(t, p.Run(context.Background(), doc.ID))

	parentByID := make(map[uuid.UUID]docstore.ParentChunk)
	for _, parent := range store.parents {
		parentByID[parent.ID] = parent
	}
	for _, child := range store.children {
		parent, ok := parentByID[child.ParentID]
		require.True(t, ok)
		assert.GreaterOrEqual(t, child.CharStart, parent.CharStart)
		assert.LessOrEqual(t, child.CharEnd, parent.CharEnd)
		assert.Equal(t, parent.Text[child.CharStart-parent.CharStart:child.CharEnd-parent.CharStart], child.Text)
	}
}

func TestRun_MissingDocumentIsNoop(t *testing.T) {
	store := newFakeStore()
	p := testPipeline(store, blobstore.NewMemoryStore("b"), &fakeIndexer{})
	assert.NoError(t, p.Run(context.Background(), uuid.New()))
}

func TestRun_ReadyDocumentIsNoop(t *testing.T) {
	store := newFakeStore()
	blobs := blobstore.NewMemoryStore("b")
	index := &fakeIndexer{}
	p := testPipeline(store, blobs, index)

	doc := uploadDoc(store, blobs, "text/plain", []byte("text"))
	doc.Status = docstore.StatusReady
	store.docs[doc.ID] = doc

	require.NoError(t, p.Run(context.Background(), doc.ID))
	assert.Empty(t, store.children)
	assert.Empty(t, index.records)
}

func TestRun_ParserFailureMarksFailed(t *testing.T) {
	store := newFakeStore()
	blobs := blobstore.NewMemoryStore("b")
	p := testPipeline(store, blobs, &fakeIndexer{})

	doc := uploadDoc(store, blobs, "application/pdf", []byte("%PDF-1.7 broken"))

	assert.Error(t, p.Run(context.Background(), doc.ID))
	assert.Equal(t, docstore.StatusFailed, store.status(doc.ID))
}

func TestRun_MissingBlobMarksFailed(t *testing.T) {
	store := newFakeStore()
	blobs := blobstore.NewMemoryStore("b")
	p := testPipeline(store, blobs, &fakeIndexer{})

	doc := uploadDoc(store, blobs, "text/plain", []byte("text"))
	doc.BlobKey = "documents/does-not-exist"
	store.docs[doc.ID] = doc

	assert.Error(t, p.Run(context.Background(), doc.ID))
	assert.Equal(t, docstore.StatusFailed, store.status(doc.ID))
}

func TestRun_IndexFailureKeepsPartialState(t *testing.T) {
	store := newFakeStore()
	blobs := blobstore.NewMemoryStore("b")
	index := &fakeIndexer{err: errors.New("index unavailable")}
	p := testPipeline(store, blobs, index)

	doc := uploadDoc(store, blobs, "text/plain", []byte("some content to chunk and embed"))

	assert.Error(t, p.Run(context.Background(), doc.ID))
	assert.Equal(t, docstore.StatusFailed, store.status(doc.ID))
	// Metadata rows survive; consumers must filter on READY.
	assert.NotEmpty(t, store.children)
	assert.NotEmpty(t, store.embeddings)
}

func TestPool_RunsEnqueuedTasks(t *testing.T) {
	store := newFakeStore()
	blobs := blobstore.NewMemoryStore("b")
	p := testPipeline(store, blobs, &fakeIndexer{})

	pool := NewPool(p, 2, 8)
	defer pool.Shutdown()

	doc := uploadDoc(store, blobs, "text/plain", []byte("pool ingestion content"))
	require.NoError(t, pool.Enqueue(doc.ID))

	require.Eventually(t, func() bool {
		return store.status(doc.ID) == docstore.StatusReady
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPool_FullQueue(t *testing.T) {
	store := newFakeStore()
	p := testPipeline(store, blobstore.NewMemoryStore("b"), &fakeIndexer{})

	pool := &Pool{pipeline: p, queue: make(chan uuid.UUID, 1)}
	require.NoError(t, pool.Enqueue(uuid.New()))
	assert.ErrorIs(t, pool.Enqueue(uuid.New()), ErrQueueFull)
}

func longText(words int) string {
	out := make([]byte, 0, words*5)
	for i := 0; i < words; i++ {
		out = append(out, []byte("word ")...)
	}
	return string(out)
}
