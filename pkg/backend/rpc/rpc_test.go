package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/adammck/fixture/pkg/api"
	"github.com/adammck/fixture/pkg/backend/memory"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

var tbl = api.TableRef{DB: "db", Table: "t"}

func setup(t *testing.T) (context.Context, *memory.Store, *Client) {
	ctx := context.Background()
	store := memory.New("a", "b")

	listener := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer()
	NewServer(store).Register(srv)
	go func() {
		_ = srv.Serve(listener)
	}()
	t.Cleanup(srv.Stop)

	client, err := Dial(ctx, "bufnet", grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
		return listener.Dial()
	}))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return ctx, store, client
}

func TestRoundTrip(t *testing.T) {
	ctx, _, c := setup(t)

	require.NoError(t, c.Ping(ctx))
	require.NoError(t, c.DBCreate(ctx, "db"))
	require.NoError(t, c.TableCreate(ctx, tbl, ""))

	dbs, err := c.DBList(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"db"}, dbs)

	res, err := c.Insert(ctx, tbl, []api.Record{{"id": 1}, {"id": 2, "x": "y"}}, api.ConflictError)
	require.NoError(t, err)
	assert.Equal(t, api.WriteResult{Inserted: 2}, res)

	recs, err := c.Scan(ctx, tbl, api.All)
	require.NoError(t, err)
	if diff := cmp.Diff([]api.Record{{"id": 1.0}, {"id": 2.0, "x": "y"}}, recs); diff != "" {
		t.Errorf("unexpected records (-want +got):\n%s", diff)
	}

	keys, err := c.Keys(ctx, tbl, api.Above(1))
	require.NoError(t, err)
	assert.Equal(t, []interface{}{2.0}, keys)

	res, err = c.Project(ctx, tbl, api.All.Where(api.FieldCountNot(1)), []string{"id"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replaced)

	r, err := c.Get(ctx, tbl, 2)
	require.NoError(t, err)
	assert.Equal(t, api.Record{"id": 2.0}, r)

	plan := api.ShardPlan{{PrimaryReplica: "b", Replicas: []string{"b", "a"}}}
	res, err = c.UpdateTableConfig(ctx, tbl, api.ConfigPatch{Shards: plan})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replaced)

	cfg, err := c.TableConfig(ctx, tbl)
	require.NoError(t, err)
	assert.Equal(t, plan, cfg.Shards)

	require.NoError(t, c.Wait(ctx, tbl, api.AllReplicasReady, time.Second))

	st, err := c.TableStatus(ctx, tbl)
	require.NoError(t, err)
	assert.True(t, st.Status.AllReplicasReady)
	assert.Len(t, st.Shards, 1)
}

func TestErrors(t *testing.T) {
	ctx, store, c := setup(t)

	err := c.TableCreate(ctx, tbl, "")
	assert.ErrorIs(t, err, api.ErrNotFound)
	assert.Contains(t, err.Error(), "database `db` does not exist")

	require.NoError(t, c.DBCreate(ctx, "db"))
	assert.ErrorIs(t, c.DBCreate(ctx, "db"), api.ErrAlreadyExists)
	require.NoError(t, c.TableCreate(ctx, tbl, ""))

	require.NoError(t, store.SetServerUp("a", false))
	_, err = c.Count(ctx, tbl)
	assert.ErrorIs(t, err, api.ErrUnavailable)

	err = c.Wait(ctx, tbl, api.ReadyForReads, 30*time.Millisecond)
	assert.ErrorIs(t, err, api.ErrTimeout)

	_, err = c.Get(ctx, tbl, true)
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}

func TestChanges(t *testing.T) {
	ctx, _, c := setup(t)

	_, err := c.Changes(ctx, tbl)
	assert.ErrorIs(t, err, api.ErrNotFound)

	require.NoError(t, c.DBCreate(ctx, "db"))
	require.NoError(t, c.TableCreate(ctx, tbl, ""))

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := c.Changes(cctx, tbl)
	require.NoError(t, err)

	_, err = c.Insert(ctx, tbl, []api.Record{{"id": 1}}, api.ConflictError)
	require.NoError(t, err)

	select {
	case chg := <-ch:
		assert.Nil(t, chg.OldVal)
		assert.Equal(t, api.Record{"id": 1.0}, chg.NewVal)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for change")
	}

	// Dropping the table ends the stream.
	require.NoError(t, c.TableDrop(ctx, tbl))

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for close")
	}
}
