// Package memory is an in-memory repository adapter used by tests and
// single-node runs. Queries are matched against document type or "*" for
// everything; real adapters translate the platform query language instead.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp-forge/streamwork/pkg/repository"
)

// Repository stores documents and blobs in maps.
type Repository struct {
	name          string
	keyListing    bool
	sharedStorage bool

	mu    sync.RWMutex
	docs  map[string]*repository.Document
	blobs map[string][]byte

	deleteCalls int
}

// Option configures the in-memory repository.
type Option func(*Repository)

// WithoutKeyListing disables the blob key listing capability.
func WithoutKeyListing() Option {
	return func(r *Repository) { r.keyListing = false }
}

// WithSharedStorage flags the repository as sharing its blob store.
func WithSharedStorage() Option {
	return func(r *Repository) { r.sharedStorage = true }
}

// New creates an empty in-memory repository.
func New(name string, opts ...Option) *Repository {
	r := &Repository{
		name:       name,
		keyListing: true,
		docs:       make(map[string]*repository.Document),
		blobs:      make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Repository) Name() string                 { return r.name }
func (r *Repository) SupportsBlobKeyListing() bool { return r.keyListing }
func (r *Repository) HasSharedStorage() bool       { return r.sharedStorage }

// AddDocument stores a document.
func (r *Repository) AddDocument(doc *repository.Document) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs[doc.ID] = doc
}

// PutBlob stores blob content under key.
func (r *Repository) PutBlob(key string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blobs[key] = data
}

// HasBlob reports whether blob content exists for key.
func (r *Repository) HasBlob(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.blobs[key]
	return ok
}

// DeleteCalls returns how many blob deletions were attempted.
func (r *Repository) DeleteCalls() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.deleteCalls
}

// Scroll matches documents whose Type equals query, or every document for
// "*".
func (r *Repository) Scroll(_ context.Context, query string, batchSize int) (repository.Cursor, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	r.mu.RLock()
	var ids []string
	for id, doc := range r.docs {
		if query == "*" || doc.Type == query {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return &cursor{ids: ids, batch: batchSize}, nil
}

func (r *Repository) Load(_ context.Context, id string) (*repository.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", repository.ErrDocumentNotFound, id)
	}
	return doc, nil
}

func (r *Repository) DeleteBlob(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteCalls++
	if _, ok := r.blobs[key]; !ok {
		return fmt.Errorf("%w: blob %q already deleted", repository.ErrBlobInvalid, key)
	}
	delete(r.blobs, key)
	return nil
}

type cursor struct {
	ids   []string
	batch int
	pos   int
}

func (c *cursor) Next(_ context.Context) ([]string, error) {
	if c.pos >= len(c.ids) {
		return nil, nil
	}
	end := c.pos + c.batch
	if end > len(c.ids) {
		end = len(c.ids)
	}
	page := c.ids[c.pos:end]
	c.pos = end
	return page, nil
}

func (c *cursor) Close() error { return nil }
