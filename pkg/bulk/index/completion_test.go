package index

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp-forge/streamwork/pkg/bulk"
	"github.com/hashicorp-forge/streamwork/pkg/computation"
	"github.com/hashicorp-forge/streamwork/pkg/search"
	"github.com/hashicorp-forge/streamwork/pkg/stream"
	"github.com/hashicorp-forge/streamwork/pkg/stream/checkpoint"
	"github.com/hashicorp-forge/streamwork/pkg/stream/inmem"
)

func deployCompletion(t *testing.T, store *bulk.Store, client search.Client) (*computation.Deployment, *inmem.Log) {
	t.Helper()
	log := inmem.New()
	completion, err := NewCompletion(store, client, "docs-write", "docs")
	require.NoError(t, err)

	topo, err := computation.NewBuilder().
		Add(func() computation.Computation {
			c, _ := NewCompletion(store, client, "docs-write", "docs")
			return c
		}, completion.Descriptor(1)).
		Build()
	require.NoError(t, err)

	dep, err := topo.Deploy(context.Background(), fastOptions(log, checkpoint.NewMemoryStore()))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, dep.Stop(ctx))
	})
	return dep, log
}

func appendDone(t *testing.T, log stream.Log, status bulk.Status) {
	t.Helper()
	data, err := stream.JSONCodec{}.Encode(status)
	require.NoError(t, err)
	_, _, err = log.Append(context.Background(), bulk.DoneStream, stream.NewRecord(status.CommandID, data))
	require.NoError(t, err)
}

func waitProcessed(t *testing.T, dep *computation.Deployment, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		processed, _ := dep.Stats()
		return processed >= n
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCompletion_RefreshRequested(t *testing.T) {
	store := testStore(t)
	client := search.NewMockClient()
	dep, log := deployCompletion(t, store, client)

	cmd := bulk.NewCommand(ActionName, "default", "*", bulk.Params{bulk.ParamRefresh: true})
	require.NoError(t, store.CreateCommand(context.Background(), cmd))

	appendDone(t, log, bulk.Status{CommandID: cmd.ID, Action: ActionName, State: bulk.StateCompleted})
	waitProcessed(t, dep, 1)

	require.Eventually(t, func() bool {
		return len(client.Refreshes()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, "docs-write", client.Refreshes()[0])
	assert.Empty(t, client.Swaps())
}

func TestCompletion_AliasUpdateRequested(t *testing.T) {
	store := testStore(t)
	client := search.NewMockClient()
	dep, log := deployCompletion(t, store, client)

	cmd := bulk.NewCommand(ActionName, "default", "*", bulk.Params{bulk.ParamUpdateAlias: true})
	require.NoError(t, store.CreateCommand(context.Background(), cmd))

	appendDone(t, log, bulk.Status{CommandID: cmd.ID, Action: ActionName, State: bulk.StateCompleted})
	waitProcessed(t, dep, 1)

	require.Eventually(t, func() bool {
		return len(client.Swaps()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, [2]string{"docs", "docs-write"}, client.Swaps()[0])
	assert.Empty(t, client.Refreshes())
}

func TestCompletion_NoFlagsNoCalls(t *testing.T) {
	store := testStore(t)
	client := search.NewMockClient()
	dep, log := deployCompletion(t, store, client)

	cmd := bulk.NewCommand(ActionName, "default", "*", nil)
	require.NoError(t, store.CreateCommand(context.Background(), cmd))

	appendDone(t, log, bulk.Status{CommandID: cmd.ID, Action: ActionName, State: bulk.StateCompleted})
	waitProcessed(t, dep, 1)

	assert.Empty(t, client.Refreshes())
	assert.Empty(t, client.Swaps())
}

func TestCompletion_OtherActionIgnored(t *testing.T) {
	store := testStore(t)
	client := search.NewMockClient()
	dep, log := deployCompletion(t, store, client)

	appendDone(t, log, bulk.Status{CommandID: "someone-elses", Action: "gc", State: bulk.StateCompleted})
	waitProcessed(t, dep, 1)

	assert.Empty(t, client.Refreshes())
	assert.Empty(t, client.Swaps())
}
