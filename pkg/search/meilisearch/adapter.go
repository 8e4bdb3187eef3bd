// Package meilisearch adapts the Meilisearch client to the search.Client
// contract. Meilisearch applies writes as async tasks, so Refresh waits for
// the index's pending tasks, and SwapAlias maps onto the index-swap
// operation.
package meilisearch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/meilisearch/meilisearch-go"

	"github.com/hashicorp-forge/streamwork/pkg/search"
)

// Config holds configuration for the Meilisearch adapter.
type Config struct {
	Host   string
	APIKey string
	Logger hclog.Logger
}

// Adapter implements search.Client over Meilisearch. One adapter is shared
// across every batch-writer instance, so the task bookkeeping is guarded.
type Adapter struct {
	client meilisearch.ServiceManager
	logger hclog.Logger

	mu       sync.Mutex
	lastTask map[string]int64
}

// NewAdapter validates the config and creates the adapter.
func NewAdapter(cfg *Config) (*Adapter, error) {
	if cfg == nil || cfg.Host == "" {
		return nil, fmt.Errorf("meilisearch host required")
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	client := meilisearch.New(cfg.Host, meilisearch.WithAPIKey(cfg.APIKey))
	return &Adapter{
		client:   client,
		logger:   cfg.Logger.Named("meilisearch"),
		lastTask: make(map[string]int64),
	}, nil
}

func (a *Adapter) Name() string { return "meilisearch" }

// BulkIndex submits one documents task for the batch. Requests whose source
// is not valid JSON become per-item errors before submission; a failed task
// is a transient whole-batch error.
func (a *Adapter) BulkIndex(ctx context.Context, index string, reqs []search.Request) (search.BulkResult, error) {
	var res search.BulkResult
	docs := make([]map[string]interface{}, 0, len(reqs))
	for _, r := range reqs {
		var doc map[string]interface{}
		if err := json.Unmarshal(r.Source, &doc); err != nil {
			res.Errors = append(res.Errors, search.ItemError{ID: r.ID, Err: fmt.Errorf("invalid document source: %w", err)})
			continue
		}
		doc["id"] = r.ID
		docs = append(docs, doc)
	}
	if len(docs) == 0 {
		return res, nil
	}

	primaryKey := "id"
	task, err := a.client.Index(index).AddDocumentsWithContext(ctx, docs, &primaryKey)
	if err != nil {
		return search.BulkResult{}, fmt.Errorf("failed to submit documents: %w", err)
	}
	a.mu.Lock()
	a.lastTask[index] = task.TaskUID
	a.mu.Unlock()

	done, err := a.client.WaitForTaskWithContext(ctx, task.TaskUID, 50*time.Millisecond)
	if err != nil {
		return search.BulkResult{}, fmt.Errorf("failed waiting for index task: %w", err)
	}
	if done.Status != meilisearch.TaskStatusSucceeded {
		return search.BulkResult{}, fmt.Errorf("index task %d failed: %s", task.TaskUID, done.Error.Message)
	}

	res.Indexed = len(docs)
	a.logger.Debug("indexed batch", "index", index, "documents", len(docs), "task", task.TaskUID)
	return res, nil
}

// Refresh waits until the last write task submitted for index has been
// applied; after that, documents indexed into it are searchable.
func (a *Adapter) Refresh(ctx context.Context, index string) error {
	a.mu.Lock()
	uid, ok := a.lastTask[index]
	a.mu.Unlock()
	if !ok {
		return nil
	}
	done, err := a.client.WaitForTaskWithContext(ctx, uid, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to refresh %q: %w", index, err)
	}
	if done.Status != meilisearch.TaskStatusSucceeded {
		return fmt.Errorf("refresh %q: task %d failed: %s", index, uid, done.Error.Message)
	}
	return nil
}

// SwapAlias atomically swaps the alias index with the write index.
func (a *Adapter) SwapAlias(ctx context.Context, alias, index string) error {
	task, err := a.client.SwapIndexesWithContext(ctx, []*meilisearch.SwapIndexesParams{
		{Indexes: []string{alias, index}},
	})
	if err != nil {
		return fmt.Errorf("failed to swap %q and %q: %w", alias, index, err)
	}
	done, err := a.client.WaitForTaskWithContext(ctx, task.TaskUID, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed waiting for swap task: %w", err)
	}
	if done.Status != meilisearch.TaskStatusSucceeded {
		return fmt.Errorf("swap task %d failed: %s", task.TaskUID, done.Error.Message)
	}
	a.logger.Info("swapped indexes", "alias", alias, "index", index)
	return nil
}
