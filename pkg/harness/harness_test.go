package harness

import (
	"bytes"
	"context"
	"log"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/adammck/fixture/pkg/api"
	"github.com/adammck/fixture/pkg/cluster/sim"
	"github.com/adammck/fixture/pkg/config"
	"github.com/adammck/fixture/pkg/fixture"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions(t *testing.T, spec api.TableSpec, data fixture.Dataset) Options {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.ArchiveDir = t.TempDir()
	cfg.ReadyTimeout = 10 * time.Second

	if spec.DB == "" {
		spec.DB = "test"
	}

	return Options{
		Spec:   spec,
		Data:   data,
		Config: cfg,
		Seed:   1,
	}
}

func newTestContext(t *testing.T, opts Options) *TestContext {
	tc, err := New(opts)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := tc.Close(context.Background()); err != nil {
			t.Logf("error stopping cluster: %v", err)
		}
	})

	return tc
}

func simCluster(t *testing.T, tc *TestContext) *sim.Cluster {
	c, ok := tc.Cluster().(*sim.Cluster)
	require.True(t, ok, "expected a sim cluster, got: %T", tc.Cluster())
	return c
}

func TestNewValidates(t *testing.T) {
	opts := testOptions(t, api.TableSpec{}, nil)
	opts.Spec.DB = ""
	_, err := New(opts)
	assert.ErrorIs(t, err, api.ErrInvalidArgument)

	opts = testOptions(t, api.TableSpec{}, fixture.Empty{})
	_, err = New(opts)
	assert.ErrorIs(t, err, api.ErrInvalidArgument)

	opts = testOptions(t, api.TableSpec{TableRef: api.TableRef{Table: "t"}}, nil)
	opts.Config.FillBatch = 0
	_, err = New(opts)
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}

func TestAcquireWithoutCluster(t *testing.T) {
	tc := newTestContext(t, testOptions(t, api.TableSpec{TableRef: api.TableRef{Table: "t"}}, nil))

	_, err := tc.Acquire(context.Background())
	assert.ErrorIs(t, err, api.ErrNoReachableNode)
	assert.Equal(t, NoCluster, tc.State())
}

func TestSetupWithoutTable(t *testing.T) {
	ctx := context.Background()
	tc := newTestContext(t, testOptions(t, api.TableSpec{}, nil))

	require.NoError(t, tc.Setup(ctx))
	assert.Equal(t, TestRunning, tc.State())

	conn, err := tc.Acquire(ctx)
	require.NoError(t, err)

	dbs, err := conn.DBList(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"test"}, dbs)
}

func TestSetupAndReuse(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t, api.TableSpec{TableRef: api.TableRef{Table: "reuse"}}, fixture.Simple{Policy: api.ExactCount(20)})
	tc := newTestContext(t, opts)

	require.NoError(t, tc.Setup(ctx))
	assert.Equal(t, TestRunning, tc.State())
	assert.NotNil(t, tc.Manager())

	conn, err := tc.Acquire(ctx)
	require.NoError(t, err)
	n, err := conn.Count(ctx, tc.Ref())
	require.NoError(t, err)
	assert.Equal(t, 20, n)

	c := simCluster(t, tc)
	m := tc.Manager()

	require.NoError(t, tc.Release(ctx, Outcome{TestID: "TestSetupAndReuse"}))
	assert.Equal(t, PassedCleanup, tc.State())

	require.NoError(t, tc.Setup(ctx))
	assert.Same(t, c, simCluster(t, tc))
	assert.Same(t, m, tc.Manager())

	// Nothing was archived.
	entries, err := os.ReadDir(opts.Config.ArchiveDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSetupStartsServers(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t, api.TableSpec{
		TableRef: api.TableRef{Table: "sharded"},
		Shards:   2,
		Replicas: 2,
	}, nil)
	opts.Config.Servers = []string{"alpha", "beta"}
	tc := newTestContext(t, opts)

	require.NoError(t, tc.Setup(ctx))

	nodes, err := tc.Cluster().Nodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta", "node1", "node2"}, api.Names(nodes))

	p, err := tc.PrimaryForShard(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "alpha", p.Name)

	p, err = tc.PrimaryForShard(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "beta", p.Name)

	rs, err := tc.ReplicasForShard(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"node1"}, api.Names(rs))

	r, err := tc.ReplicaForShard(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "node2", r.Name)

	_, err = tc.PrimaryForShard(ctx, 2)
	assert.ErrorIs(t, err, api.ErrInvalidArgument)

	// The table is recreated empty before each test.
	conn, err := tc.Acquire(ctx)
	require.NoError(t, err)
	_, err = conn.Insert(ctx, tc.Ref(), []api.Record{{"id": 1}}, api.ConflictError)
	require.NoError(t, err)

	require.NoError(t, tc.Release(ctx, Outcome{TestID: "TestSetupStartsServers"}))
	require.NoError(t, tc.Setup(ctx))

	conn, err = tc.Acquire(ctx)
	require.NoError(t, err)
	n, err := conn.Count(ctx, tc.Ref())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReleaseArchivesOnFailure(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t, api.TableSpec{TableRef: api.TableRef{Table: "failing"}}, fixture.Simple{Policy: api.ExactCount(10)})
	tc := newTestContext(t, opts)

	require.NoError(t, tc.Setup(ctx))

	nodes, err := tc.Cluster().Nodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)

	require.NoError(t, tc.Release(ctx, Outcome{TestID: "TestThing", Failed: true}))
	assert.Equal(t, FailedArchive, tc.State())
	assert.Nil(t, tc.Cluster())
	assert.Nil(t, tc.Manager())

	dir := filepath.Join(opts.Config.ArchiveDir, "TestThing", filepath.Base(nodes[0].DataPath))
	assert.FileExists(t, filepath.Join(dir, "node.json"))
	assert.FileExists(t, filepath.Join(dir, "snapshot.json"))

	// The next test gets a fresh cluster.
	require.NoError(t, tc.Setup(ctx))
	assert.Equal(t, TestRunning, tc.State())
	assert.Equal(t, api.NewRange(1, 10), tc.Manager().Range())
}

func TestReleaseArchiveFailureOnlyWarns(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t, api.TableSpec{TableRef: api.TableRef{Table: "t"}}, nil)

	// Archive dir can't be created under a regular file.
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	opts.Config.ArchiveDir = filepath.Join(file, "sub")

	tc := newTestContext(t, opts)
	require.NoError(t, tc.Setup(ctx))

	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	require.NoError(t, tc.Release(ctx, Outcome{TestID: "TestThing", Failed: true}))
	assert.Contains(t, buf.String(), "WARN: unable to copy server data")
	assert.Equal(t, FailedArchive, tc.State())
	assert.Nil(t, tc.Cluster())
}

func TestReleaseReportsCrashedNode(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t, api.TableSpec{TableRef: api.TableRef{Table: "t"}}, nil)
	opts.Config.ServerCount = 2
	tc := newTestContext(t, opts)

	require.NoError(t, tc.Setup(ctx))
	require.NoError(t, simCluster(t, tc).Kill("node2"))

	err := tc.Release(ctx, Outcome{TestID: "TestCrash"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "node2")
	assert.Equal(t, FailedArchive, tc.State())

	assert.DirExists(t, filepath.Join(opts.Config.ArchiveDir, "TestCrash", "node1"))
	assert.DirExists(t, filepath.Join(opts.Config.ArchiveDir, "TestCrash", "node2"))
}

func TestSetupReplacesUnhealthyCluster(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t, api.TableSpec{TableRef: api.TableRef{Table: "t"}}, fixture.Empty{})
	tc := newTestContext(t, opts)

	require.NoError(t, tc.Setup(ctx))
	require.NoError(t, tc.Release(ctx, Outcome{TestID: "TestOne"}))

	c := simCluster(t, tc)
	require.NoError(t, c.Kill("node1"))

	require.NoError(t, tc.Setup(ctx))
	assert.NotSame(t, c, simCluster(t, tc))
	assert.Equal(t, TestRunning, tc.State())
}

func TestDestructive(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t, api.TableSpec{TableRef: api.TableRef{Table: "t"}}, fixture.Empty{})
	opts.Config.Destructive = true
	tc := newTestContext(t, opts)

	require.NoError(t, tc.Setup(ctx))
	c := simCluster(t, tc)

	require.NoError(t, tc.Release(ctx, Outcome{TestID: "TestDestructive"}))
	assert.Nil(t, tc.Cluster())
	assert.Equal(t, NoCluster, tc.State())

	nodes, err := c.Nodes(ctx)
	require.NoError(t, err)
	for _, n := range nodes {
		assert.False(t, n.Running, "node %s still running", n.Name)
	}
}

func TestMakeChanges(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t, api.TableSpec{TableRef: api.TableRef{Table: "changes"}}, fixture.Simple{Policy: api.ExactCount(50)})
	tc := newTestContext(t, opts)

	require.NoError(t, tc.Setup(ctx))

	keys, err := tc.MakeChanges(ctx, 5)
	require.NoError(t, err)
	require.Len(t, keys, 5)
	assert.True(t, sort.SliceIsSorted(keys, func(i, j int) bool {
		return api.CompareKeys(keys[i], keys[j]) < 0
	}))

	conn, err := tc.Acquire(ctx)
	require.NoError(t, err)
	for _, k := range keys {
		rec, err := conn.Get(ctx, tc.Ref(), k)
		require.NoError(t, err)
		assert.Contains(t, rec, "randomChange")
	}

	err = tc.Manager().CheckData(ctx, false)
	assert.True(t, api.IsDrift(err, api.DriftExtraFields), "got: %v", err)

	// The next setup puts things right.
	require.NoError(t, tc.Release(ctx, Outcome{TestID: "TestMakeChanges"}))
	require.NoError(t, tc.Setup(ctx))
	require.NoError(t, tc.Manager().CheckData(ctx, false))
}

func TestCanTransition(t *testing.T) {
	assert.NoError(t, CanTransition(NoCluster, ClusterHealthy))
	assert.NoError(t, CanTransition(TestRunning, FailedArchive))
	assert.NoError(t, CanTransition(PassedCleanup, NoCluster))
	assert.Error(t, CanTransition(NoCluster, TestRunning))
	assert.Equal(t, "TableReconciled", TableReconciled.String())
	assert.Equal(t, "State(9)", State(9).String())
}
