package sim

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/adammck/fixture/pkg/api"
	"github.com/adammck/fixture/pkg/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCluster(t *testing.T, names ...string) (context.Context, *Cluster) {
	ctx := context.Background()

	c, err := New(Options{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { c.StopAll(ctx) })

	for _, n := range names {
		_, err := c.Start(ctx, n)
		require.NoError(t, err)
	}

	require.NoError(t, c.WaitUntilReady(ctx, 5*time.Second))
	return ctx, c
}

func dialNode(t *testing.T, ctx context.Context, c *Cluster, name string) backend.Conn {
	nodes, err := c.Nodes(ctx)
	require.NoError(t, err)

	for _, n := range nodes {
		if n.Name == name {
			conn, err := c.Dial(ctx, n)
			require.NoError(t, err)
			t.Cleanup(func() { conn.Close() })
			return conn
		}
	}

	t.Fatalf("no such node: %s", name)
	return nil
}

func TestStartGeneratesNames(t *testing.T) {
	ctx, c := newCluster(t, "node2")

	n, err := c.Start(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "node1", n.Name)

	// node2 is taken.
	n, err = c.Start(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "node3", n.Name)

	_, err = c.Start(ctx, "node3")
	assert.ErrorIs(t, err, api.ErrAlreadyExists)

	nodes, err := c.Nodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"node2", "node1", "node3"}, api.Names(nodes))
	for _, n := range nodes {
		assert.True(t, n.Running)
		assert.True(t, n.Ready)
		assert.DirExists(t, n.DataPath)
		assert.FileExists(t, filepath.Join(n.DataPath, nodeFile))
	}
}

func TestDialAndQuery(t *testing.T) {
	ctx, c := newCluster(t, "a", "b")

	conn := dialNode(t, ctx, c, "b")
	require.NoError(t, conn.DBCreate(ctx, "db"))
	require.NoError(t, conn.TableCreate(ctx, api.TableRef{DB: "db", Table: "t"}, ""))

	// Every node serves the same data.
	other := dialNode(t, ctx, c, "a")
	tables, err := other.TableList(ctx, "db")
	require.NoError(t, err)
	assert.Equal(t, []string{"t"}, tables)
}

func TestKillIsDetected(t *testing.T) {
	ctx, c := newCluster(t, "a", "b")

	require.NoError(t, c.Check(ctx))
	require.NoError(t, c.Kill("b"))

	err := c.CheckNode(ctx, "b")
	assert.Error(t, err)
	assert.Error(t, c.Check(ctx))
	assert.NoError(t, c.CheckNode(ctx, "a"))

	nodes, err := c.Nodes(ctx)
	require.NoError(t, err)
	assert.True(t, nodes[1].Running)
	assert.False(t, nodes[1].Ready)

	_, err = c.Dial(ctx, nodes[1])
	assert.ErrorIs(t, err, api.ErrUnavailable)

	// Stopping a crashed node is fine, after which the cluster is healthy
	// again, because nothing is expected of it.
	require.NoError(t, c.Stop(ctx, "b"))
	assert.NoError(t, c.Check(ctx))

	// And it can be restarted.
	_, err = c.Start(ctx, "b")
	require.NoError(t, err)
	assert.NoError(t, c.CheckNode(ctx, "b"))
}

func TestStopWritesSnapshot(t *testing.T) {
	ctx, c := newCluster(t, "a")

	conn := dialNode(t, ctx, c, "a")
	ref := api.TableRef{DB: "db", Table: "t"}
	require.NoError(t, conn.DBCreate(ctx, "db"))
	require.NoError(t, conn.TableCreate(ctx, ref, ""))
	_, err := conn.Insert(ctx, ref, []api.Record{{"id": 1}}, api.ConflictError)
	require.NoError(t, err)

	require.NoError(t, c.StopAll(ctx))

	b, err := os.ReadFile(filepath.Join(c.DataDir(), "a", snapshotFile))
	require.NoError(t, err)
	assert.Contains(t, string(b), `"id": 1`)

	nodes, err := c.Nodes(ctx)
	require.NoError(t, err)
	assert.False(t, nodes[0].Running)
}

// Killing the replicas of a table one at a time degrades it one level at a
// time, depending on how many acks a write needs.
func TestAvailability(t *testing.T) {
	for _, tc := range []struct {
		acks api.WriteAcks
		want []api.StatusFlags // after killing a, b, c
	}{
		{
			acks: api.WriteAcksMajority,
			want: []api.StatusFlags{
				{ReadyForOutdatedReads: true, ReadyForReads: true, ReadyForWrites: true},
				{ReadyForOutdatedReads: true, ReadyForReads: true},
				{},
			},
		},
		{
			acks: api.WriteAcksSingle,
			want: []api.StatusFlags{
				{ReadyForOutdatedReads: true, ReadyForReads: true, ReadyForWrites: true},
				{ReadyForOutdatedReads: true, ReadyForReads: true, ReadyForWrites: true},
				{},
			},
		},
	} {
		t.Run(string(tc.acks), func(t *testing.T) {
			ctx, c := newCluster(t, "admin", "a", "b", "c")
			conn := dialNode(t, ctx, c, "admin")

			ref := api.TableRef{DB: "db", Table: "t"}
			require.NoError(t, conn.DBCreate(ctx, "db"))
			require.NoError(t, conn.TableCreate(ctx, ref, ""))

			res, err := conn.UpdateTableConfig(ctx, ref, api.ConfigPatch{
				WriteAcks: tc.acks,
				Shards: api.ShardPlan{
					{PrimaryReplica: "c", Replicas: []string{"a", "b", "c"}},
				},
			})
			require.NoError(t, err)
			require.Equal(t, 0, res.Errors, res.FirstError)
			require.NoError(t, conn.Wait(ctx, ref, api.AllReplicasReady, 5*time.Second))

			for i, name := range []string{"a", "b", "c"} {
				require.NoError(t, c.Kill(name))

				st, err := conn.TableStatus(ctx, ref)
				require.NoError(t, err)
				assert.Equal(t, tc.want[i], st.Status, "after killing %s", name)
			}
		})
	}
}

func TestRemove(t *testing.T) {
	ctx, c := newCluster(t, "a", "b")
	conn := dialNode(t, ctx, c, "a")

	ref := api.TableRef{DB: "db", Table: "t"}
	require.NoError(t, conn.DBCreate(ctx, "db"))
	require.NoError(t, conn.TableCreate(ctx, ref, ""))
	_, err := conn.UpdateTableConfig(ctx, ref, api.ConfigPatch{
		Shards: api.ShardPlan{{PrimaryReplica: "a", Replicas: []string{"a", "b"}}},
	})
	require.NoError(t, err)

	require.NoError(t, c.Remove(ctx, "b"))

	nodes, err := c.Nodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, api.Names(nodes))

	issues, err := conn.Issues(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, issues)

	// Placing the table on the remaining server fixes it.
	res, err := conn.Reconfigure(ctx, ref, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replaced)

	issues, err = conn.Issues(ctx)
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestTCPAndHooks(t *testing.T) {
	ctx := context.Background()

	var started, stopped []string
	c, err := New(Options{
		DataDir: t.TempDir(),
		TCP:     true,
		Host:    "127.0.0.1",
		OnStart: func(n api.Node) { started = append(started, n.Name) },
		OnStop:  func(n api.Node) { stopped = append(stopped, n.Name) },
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.StopAll(ctx) })

	n, err := c.Start(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", n.Host)
	assert.NotZero(t, n.Port)
	require.NoError(t, c.WaitUntilReady(ctx, 5*time.Second))

	conn := dialNode(t, ctx, c, "alpha")
	require.NoError(t, conn.DBCreate(ctx, "test"))

	require.NoError(t, c.Stop(ctx, "alpha"))
	assert.Equal(t, []string{"alpha"}, started)
	assert.Equal(t, []string{"alpha"}, stopped)

	// Already stopped.
	require.NoError(t, c.Stop(ctx, "alpha"))
	assert.Len(t, stopped, 1)
}
