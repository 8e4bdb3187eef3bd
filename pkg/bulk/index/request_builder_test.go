package index

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/hashicorp-forge/streamwork/pkg/bulk"
	"github.com/hashicorp-forge/streamwork/pkg/computation"
	"github.com/hashicorp-forge/streamwork/pkg/repository"
	"github.com/hashicorp-forge/streamwork/pkg/repository/memory"
	"github.com/hashicorp-forge/streamwork/pkg/stream"
	"github.com/hashicorp-forge/streamwork/pkg/stream/checkpoint"
	"github.com/hashicorp-forge/streamwork/pkg/stream/inmem"
)

func testStore(t *testing.T) *bulk.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	store, err := bulk.NewStore(db)
	require.NoError(t, err)
	return store
}

func deployBuilder(t *testing.T, registry *repository.Registry, store *bulk.Store, log stream.Log) *computation.Deployment {
	t.Helper()
	builder, err := NewRequestBuilder(registry, store)
	require.NoError(t, err)

	topo, err := computation.NewBuilder().
		Add(func() computation.Computation {
			b, _ := NewRequestBuilder(registry, store)
			return b
		}, builder.Descriptor(1)).
		Terminal(RequestStream, bulk.StatusStream).
		Build()
	require.NoError(t, err)

	dep, err := topo.Deploy(context.Background(), fastOptions(log, checkpoint.NewMemoryStore()))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, dep.Stop(ctx))
	})
	return dep
}

func appendEntity(t *testing.T, log stream.Log, commandID, docID string) {
	t.Helper()
	data, err := stream.JSONCodec{}.Encode(bulk.Entity{CommandID: commandID, DocID: docID})
	require.NoError(t, err)
	_, _, err = log.Append(context.Background(), InputStream, stream.NewRecord(docID, data))
	require.NoError(t, err)
}

func TestRequestBuilder_EmitsRequest(t *testing.T) {
	store := testStore(t)
	log := inmem.New()

	repo := memory.New("default")
	repo.AddDocument(&repository.Document{ID: "doc-1", Type: "note", Title: "Meeting notes"})
	registry := repository.NewRegistry()
	registry.Register(repo)

	deployBuilder(t, registry, store, log)

	cmd := bulk.NewCommand(ActionName, "default", "note", nil)
	require.NoError(t, store.CreateCommand(context.Background(), cmd))
	appendEntity(t, log, cmd.ID, "doc-1")

	tailer, err := log.Tail(RequestStream, 0, 0)
	require.NoError(t, err)
	defer tailer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, _, err := tailer.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "doc-1", r.Key)

	var req Request
	require.NoError(t, stream.JSONCodec{}.Decode(r.Data, &req))
	assert.Equal(t, cmd.ID, req.CommandID)
	assert.Equal(t, "doc-1", req.DocID)

	var doc repository.Document
	require.NoError(t, stream.JSONCodec{}.Decode(req.Source, &doc))
	assert.Equal(t, "Meeting notes", doc.Title)
}

func TestRequestBuilder_VanishedDocumentAccountedSkipped(t *testing.T) {
	store := testStore(t)
	log := inmem.New()

	registry := repository.NewRegistry()
	registry.Register(memory.New("default"))

	dep := deployBuilder(t, registry, store, log)

	cmd := bulk.NewCommand(ActionName, "default", "note", nil)
	require.NoError(t, store.CreateCommand(context.Background(), cmd))
	appendEntity(t, log, cmd.ID, "gone-doc")

	// The record is acknowledged, not retried, and accounted as skipped
	// on the status stream.
	require.Eventually(t, func() bool {
		processed, _ := dep.Stats()
		return processed == 1
	}, 5*time.Second, 10*time.Millisecond)

	tailer, err := log.Tail(bulk.StatusStream, stream.Partition(cmd.ID, 1), 0)
	require.NoError(t, err)
	defer tailer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, _, err := tailer.Read(ctx)
	require.NoError(t, err)

	var d bulk.Delta
	require.NoError(t, stream.JSONCodec{}.Decode(r.Data, &d))
	assert.Equal(t, cmd.ID, d.CommandID)
	assert.Equal(t, int64(1), d.Skipped)
	assert.Zero(t, d.Processed)
}

func TestRequestBuilder_UnknownCommandSkipped(t *testing.T) {
	store := testStore(t)
	log := inmem.New()
	registry := repository.NewRegistry()
	registry.Register(memory.New("default"))

	dep := deployBuilder(t, registry, store, log)
	appendEntity(t, log, "ghost-command", "doc-1")

	require.Eventually(t, func() bool {
		_, skipped := dep.Stats()
		return skipped == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRequestBuilder_MalformedEntitySkipped(t *testing.T) {
	store := testStore(t)
	log := inmem.New()
	registry := repository.NewRegistry()
	registry.Register(memory.New("default"))

	dep := deployBuilder(t, registry, store, log)

	_, _, err := log.Append(context.Background(), InputStream, stream.NewRecord("junk", []byte("{oops")))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, skipped := dep.Stats()
		return skipped == 1
	}, 5*time.Second, 10*time.Millisecond)
}
