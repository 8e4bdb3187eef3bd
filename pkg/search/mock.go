package search

import (
	"context"
	"sync"
)

// MockClient is an in-memory Client for tests. Failures are injected per
// document id or for whole batches.
type MockClient struct {
	mu sync.Mutex

	Docs         map[string][]byte
	BulkCalls    int
	RefreshCalls []string
	SwapCalls    [][2]string

	// FailIDs maps document ids to the per-item error they should fail
	// with inside a batch.
	FailIDs map[string]error

	// BulkErr, when set, fails entire BulkIndex calls (transient).
	BulkErr error

	// FailFirstBulkCalls fails that many initial BulkIndex calls with
	// BulkErr before letting batches through.
	FailFirstBulkCalls int
}

// NewMockClient creates an empty mock index.
func NewMockClient() *MockClient {
	return &MockClient{
		Docs:    make(map[string][]byte),
		FailIDs: make(map[string]error),
	}
}

func (m *MockClient) Name() string { return "mock" }

func (m *MockClient) BulkIndex(_ context.Context, _ string, reqs []Request) (BulkResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BulkCalls++
	if m.BulkErr != nil && (m.FailFirstBulkCalls == 0 || m.BulkCalls <= m.FailFirstBulkCalls) {
		return BulkResult{}, m.BulkErr
	}
	var res BulkResult
	for _, r := range reqs {
		if err, ok := m.FailIDs[r.ID]; ok {
			res.Errors = append(res.Errors, ItemError{ID: r.ID, Err: err})
			continue
		}
		m.Docs[r.ID] = r.Source
		res.Indexed++
	}
	return res, nil
}

func (m *MockClient) Refresh(_ context.Context, index string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RefreshCalls = append(m.RefreshCalls, index)
	return nil
}

func (m *MockClient) SwapAlias(_ context.Context, alias, index string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SwapCalls = append(m.SwapCalls, [2]string{alias, index})
	return nil
}

// IndexedCount returns how many documents the mock holds.
func (m *MockClient) IndexedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Docs)
}

// Refreshes returns a copy of the indexes Refresh was called with.
func (m *MockClient) Refreshes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.RefreshCalls...)
}

// Swaps returns a copy of the (alias, index) pairs SwapAlias was called
// with.
func (m *MockClient) Swaps() [][2]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][2]string(nil), m.SwapCalls...)
}

// Calls returns how many BulkIndex invocations the mock has seen.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.BulkCalls
}
