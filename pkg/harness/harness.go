// Package harness manages the cluster and fixture table which a suite of
// integration tests runs against. A single TestContext is shared by every test
// in a suite: the cluster and table are built by the first test which needs
// them, checked (and repaired) before each test after that, and thrown away
// when a test fails or leaves a server unhealthy.
package harness

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/adammck/fixture/pkg/api"
	"github.com/adammck/fixture/pkg/backend"
	"github.com/adammck/fixture/pkg/cluster"
	"github.com/adammck/fixture/pkg/cluster/sim"
	"github.com/adammck/fixture/pkg/config"
	"github.com/adammck/fixture/pkg/fixture"
	"github.com/jonboulle/clockwork"
)

var (
	clustersStarted = metrics.NewCounter("harness_clusters_started_total")
	clustersDropped = metrics.NewCounter("harness_clusters_dropped_total")
	archives        = metrics.NewCounter("harness_archives_total")
)

type Options struct {

	// Spec is the table which tests run against. If Table is empty, only the
	// db is created.
	Spec api.TableSpec

	// Data is the contents of the table. If nil, the table is dropped and
	// created empty before every test, rather than being checked.
	Data fixture.Dataset

	// Config should start from config.Default.
	Config config.Config

	// Clusters creates a new cluster whenever one is needed. Defaults to
	// simulated clusters with their data dirs under Config.DataDir.
	Clusters cluster.Factory

	Clock clockwork.Clock

	// Seed seeds the choice of records in MakeChanges. Zero means now.
	Seed int64
}

// TestContext owns the cluster, connection, and fixture table of a suite of
// tests. It's not safe for concurrent use; tests which share one must run one
// at a time.
type TestContext struct {
	opts Options
	rand *rand.Rand

	state   State
	cluster cluster.Provider
	conns   *cluster.Connector
	manager *fixture.Manager
}

var _ backend.Provider = (*TestContext)(nil)

// Outcome is what Release needs to know about the test which just ran.
type Outcome struct {

	// TestID names the directory which node data dirs are archived into.
	TestID string

	Failed bool
}

func New(opts Options) (*TestContext, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", api.ErrInvalidArgument, err)
	}

	opts.Spec = opts.Spec.WithDefaults()
	if opts.Spec.DB == "" {
		return nil, fmt.Errorf("%w: db name required", api.ErrInvalidArgument)
	}

	if opts.Spec.Table != "" {
		if err := opts.Spec.Validate(); err != nil {
			return nil, err
		}
	}

	if opts.Data != nil {
		if opts.Spec.Table == "" {
			return nil, fmt.Errorf("%w: dataset given without a table", api.ErrInvalidArgument)
		}
		if err := opts.Data.Validate(); err != nil {
			return nil, err
		}
	}

	if opts.Clusters == nil {
		opts.Clusters = sim.Factory(sim.Options{DataDir: opts.Config.DataDir})
	}

	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}

	return &TestContext{
		opts: opts,
		rand: rand.New(rand.NewSource(opts.Seed)),
	}, nil
}

func (tc *TestContext) State() State {
	return tc.state
}

// Cluster returns the current cluster, or nil if there isn't one.
func (tc *TestContext) Cluster() cluster.Provider {
	return tc.cluster
}

// Manager returns the fixture manager of the table, or nil if there isn't one
// (yet, or because the suite has no dataset).
func (tc *TestContext) Manager() *fixture.Manager {
	return tc.manager
}

func (tc *TestContext) Ref() api.TableRef {
	return tc.opts.Spec.TableRef
}

func (tc *TestContext) toState(s State) {
	if err := CanTransition(tc.state, s); err != nil {
		log.Printf("WARN: %v", err)
	}

	tc.state = s
}

// Acquire returns a working connection to some server in the cluster.
func (tc *TestContext) Acquire(ctx context.Context) (backend.Conn, error) {
	if tc.conns == nil {
		return nil, fmt.Errorf("%w: no cluster", api.ErrNoReachableNode)
	}

	return tc.conns.Acquire(ctx)
}

// Setup makes sure that there's a healthy cluster with enough servers, and
// that the table is in the expected state, before a test runs.
func (tc *TestContext) Setup(ctx context.Context) error {
	cfg := tc.opts.Config
	spec := tc.opts.Spec

	if tc.cluster != nil {
		if err := tc.checkCluster(ctx); err != nil {
			log.Printf("WARN: replacing unhealthy cluster: %v", err)
			tc.stop(ctx)
			tc.Invalidate()
		}
	}

	if tc.cluster == nil {
		p, err := tc.opts.Clusters.New(ctx)
		if err != nil {
			return fmt.Errorf("creating cluster: %w", err)
		}

		clustersStarted.Inc()
		tc.cluster = p
		tc.conns = cluster.NewConnector(p, p.Dial)
	}

	// Named servers first. The very first server must be ready before any
	// others are started, since they'll join it.
	for _, name := range cfg.Servers {
		nodes, err := tc.cluster.Nodes(ctx)
		if err != nil {
			return err
		}

		if hasNode(nodes, name) {
			continue
		}

		if err := tc.start(ctx, name, len(nodes) == 0); err != nil {
			return err
		}
	}

	nodes, err := tc.cluster.Nodes(ctx)
	if err != nil {
		return err
	}

	for i := len(nodes); i < cfg.ServersNeeded(spec.Shards, spec.Replicas); i++ {
		if err := tc.start(ctx, "", i == 0); err != nil {
			return err
		}
	}

	if err := tc.cluster.WaitUntilReady(ctx, cfg.ReadyTimeout); err != nil {
		return err
	}

	tc.toState(ClusterHealthy)

	if err := tc.setupTable(ctx); err != nil {
		return err
	}

	tc.toState(TestRunning)
	return nil
}

func (tc *TestContext) start(ctx context.Context, name string, wait bool) error {
	n, err := tc.cluster.Start(ctx, name)
	if err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	if !wait {
		return nil
	}

	if err := tc.cluster.WaitUntilReady(ctx, tc.opts.Config.ReadyTimeout); err != nil {
		return fmt.Errorf("waiting for %s: %w", n.Name, err)
	}

	return nil
}

func (tc *TestContext) setupTable(ctx context.Context) error {
	cfg := tc.opts.Config
	ref := tc.Ref()

	if tc.manager == nil && tc.opts.Data != nil {
		m, err := fixture.Open(ctx, fixture.Options{
			Spec:    tc.opts.Spec,
			Data:    tc.opts.Data,
			Conns:   tc,
			Members: tc.cluster,
			Config:  &cfg,
			Clock:   tc.opts.Clock,
		})
		if err != nil {
			return err
		}

		tc.manager = m
	}

	conn, err := tc.Acquire(ctx)
	if err != nil {
		return err
	}

	dbs, err := conn.DBList(ctx)
	if err != nil {
		return err
	}

	if !contains(dbs, ref.DB) {
		if err := conn.DBCreate(ctx, ref.DB); err != nil && !errors.Is(err, api.ErrAlreadyExists) {
			return err
		}
	}

	if ref.Table == "" {
		return nil
	}

	if tc.manager != nil {
		if err := tc.manager.Check(ctx, true); err != nil {
			return err
		}
	} else {
		if err := tc.recreateTable(ctx, conn); err != nil {
			return err
		}
	}

	if err := conn.Wait(ctx, ref, api.AllReplicasReady, cfg.ReadyTimeout); err != nil {
		return err
	}

	tc.toState(TableReconciled)
	return nil
}

// recreateTable drops the table (if it exists), creates it empty, and places
// its shards on the servers of the cluster.
func (tc *TestContext) recreateTable(ctx context.Context, conn backend.Conn) error {
	spec := tc.opts.Spec
	ref := tc.Ref()

	tables, err := conn.TableList(ctx, ref.DB)
	if err != nil {
		return err
	}

	if contains(tables, ref.Table) {
		if err := conn.TableDrop(ctx, ref); err != nil && !errors.Is(err, api.ErrNotFound) {
			return err
		}
	}

	if err := conn.TableCreate(ctx, ref, spec.PrimaryKey); err != nil {
		return err
	}

	nodes, err := tc.cluster.Nodes(ctx)
	if err != nil {
		return err
	}

	plan, err := fixture.PlanShards(nodes, spec.Shards, spec.Replicas)
	if err != nil {
		return err
	}

	res, err := conn.UpdateTableConfig(ctx, ref, api.ConfigPatch{
		Durability: spec.Durability,
		WriteAcks:  spec.WriteAcks,
		Shards:     plan,
	})
	if err != nil {
		return err
	}

	if res.Errors != 0 {
		return fmt.Errorf("%w: unable to apply shard plan: %s", api.ErrRepairFailed, res)
	}

	return nil
}

// checkCluster returns an error if any server isn't healthy, or the cluster
// reports any issues at all.
func (tc *TestContext) checkCluster(ctx context.Context) error {
	if err := tc.cluster.Check(ctx); err != nil {
		return err
	}

	conn, err := tc.Acquire(ctx)
	if err != nil {
		return err
	}

	issues, err := conn.Issues(ctx)
	if err != nil {
		return err
	}

	if len(issues) > 0 {
		return fmt.Errorf("cluster has %d issues: %v", len(issues), issues)
	}

	return nil
}

// Release checks the cluster after a test. If the test failed, or any server
// which should be running isn't healthy, the cluster is stopped, the data dir
// of every server is archived, and everything is thrown away so that the next
// test starts from scratch. Returns the last server error, if any.
func (tc *TestContext) Release(ctx context.Context, out Outcome) error {
	if tc.cluster == nil {
		return nil
	}

	var nodeErr error

	nodes, err := tc.cluster.Nodes(ctx)
	if err != nil {
		nodeErr = err
	}

	for _, n := range nodes {
		if !n.Running {
			continue
		}

		if err := tc.cluster.CheckNode(ctx, n.Name); err != nil {
			nodeErr = err
		}
	}

	if out.Failed || nodeErr != nil {
		tc.stop(ctx)

		// Listed again, since stopping might have written to the data dirs.
		if nodes, err := tc.cluster.Nodes(ctx); err == nil {
			tc.archive(out.TestID, nodes)
		} else {
			log.Printf("WARN: unable to list servers to archive: %v", err)
		}

		tc.toState(FailedArchive)
		tc.drop()
		return nodeErr
	}

	tc.toState(PassedCleanup)

	if tc.opts.Config.Destructive {
		tc.stop(ctx)
		tc.Invalidate()
	}

	return nil
}

// Invalidate forgets the cluster, connection, and table manager, so that the
// next Setup starts from scratch. Nothing is stopped.
func (tc *TestContext) Invalidate() {
	tc.drop()
	tc.toState(NoCluster)
}

func (tc *TestContext) drop() {
	if tc.conns != nil {
		if err := tc.conns.Close(); err != nil {
			log.Printf("WARN: error closing connection: %v", err)
		}
	}

	if tc.cluster != nil {
		clustersDropped.Inc()
	}

	tc.cluster = nil
	tc.conns = nil
	tc.manager = nil
}

// Close stops the cluster, if there is one, and invalidates everything.
func (tc *TestContext) Close(ctx context.Context) error {
	if tc.cluster == nil {
		return nil
	}

	err := tc.cluster.StopAll(ctx)
	tc.Invalidate()
	return err
}

// stop stops every server, only logging errors.
func (tc *TestContext) stop(ctx context.Context) {
	if err := tc.cluster.StopAll(ctx); err != nil {
		log.Printf("WARN: error stopping cluster: %v", err)
	}
}

func hasNode(nodes []api.Node, name string) bool {
	for _, n := range nodes {
		if n.Name == name {
			return true
		}
	}
	return false
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
