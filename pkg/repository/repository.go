// Package repository defines the document repository contract the pipelines
// depend on. The repository itself is an external collaborator; adapters
// implement this interface, and every computation receives the registry at
// construction time instead of performing global lookups.
package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrDocumentNotFound is returned by Load for unknown ids.
var ErrDocumentNotFound = errors.New("document not found")

// ErrBlobInvalid marks blob deletions that can never succeed: the blob is
// already gone or still referenced. Callers treat it as a permanent,
// non-retryable condition.
var ErrBlobInvalid = errors.New("invalid blob deletion")

// Document is the minimal projection of a repository document the pipelines
// need.
type Document struct {
	ID         string                 `json:"id"`
	Title      string                 `json:"title"`
	Type       string                 `json:"type"`
	State      string                 `json:"state"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	Modified   time.Time              `json:"modified"`
}

// Cursor pages through the ids matched by a query. Next returns the next
// page, empty when exhausted.
type Cursor interface {
	Next(ctx context.Context) ([]string, error)
	Close() error
}

// Repository is one registered document repository.
type Repository interface {
	Name() string

	// Scroll opens a cursor over the ids matching query, batchSize ids per
	// page.
	Scroll(ctx context.Context, query string, batchSize int) (Cursor, error)

	// Load fetches one document, or ErrDocumentNotFound.
	Load(ctx context.Context, id string) (*Document, error)

	// DeleteBlob removes blob content by key. ErrBlobInvalid when the blob
	// is already gone or still referenced.
	DeleteBlob(ctx context.Context, key string) error

	// SupportsBlobKeyListing reports whether the repository can enumerate
	// the blob keys its documents reference. Required for safe GC.
	SupportsBlobKeyListing() bool

	// HasSharedStorage reports whether the repository shares its blob
	// store with another repository, which makes per-repository reference
	// counting unsound.
	HasSharedStorage() bool
}

// Registry holds every registered repository. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	repos map[string]Repository
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{repos: make(map[string]Repository)}
}

// Register adds a repository, replacing any previous one with the same name.
func (r *Registry) Register(repo Repository) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.repos[repo.Name()] = repo
}

// Get returns the named repository.
func (r *Registry) Get(name string) (Repository, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	repo, ok := r.repos[name]
	if !ok {
		return nil, fmt.Errorf("repository %q is not registered", name)
	}
	return repo, nil
}

// Names returns the registered repository names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.repos))
	for name := range r.repos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns every registered repository.
func (r *Registry) All() []Repository {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.repos))
	for name := range r.repos {
		names = append(names, name)
	}
	sort.Strings(names)
	repos := make([]Repository, 0, len(names))
	for _, name := range names {
		repos = append(repos, r.repos[name])
	}
	return repos
}
