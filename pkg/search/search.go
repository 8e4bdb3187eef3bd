// Package search defines the search-index sink contract for the index
// pipeline. The index itself is a black box with bulk write, refresh, and
// alias-swap operations; adapters live in subpackages.
package search

import "context"

// Request is one index-write request: a document id plus its serialized
// source. Size feeds the byte-based batch threshold.
type Request struct {
	ID     string `json:"id"`
	Source []byte `json:"source"`
}

// Size returns the request's contribution to a batch's byte budget.
func (r Request) Size() int {
	return len(r.ID) + len(r.Source)
}

// ItemError is a per-item failure within a flushed batch. One bad item must
// never block the rest of its batch.
type ItemError struct {
	ID  string
	Err error
}

// BulkResult reports the outcome of a flushed batch.
type BulkResult struct {
	Indexed int
	Errors  []ItemError
}

// Client is the index sink.
type Client interface {
	Name() string

	// BulkIndex writes a batch. Per-item failures come back in the
	// result; a non-nil error means the whole batch failed transiently.
	BulkIndex(ctx context.Context, index string, reqs []Request) (BulkResult, error)

	// Refresh makes indexed documents visible to searches.
	Refresh(ctx context.Context, index string) error

	// SwapAlias atomically points alias at index.
	SwapAlias(ctx context.Context, alias, index string) error
}
