// Package sim is an in-process cluster of nodes which all serve the same
// memory.Store over gRPC. Nodes can be started, stopped, and killed, and each
// has a data dir which is written to when it stops, so that everything the
// test lifecycle does to a real cluster can be done to this one.
package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adammck/fixture/pkg/api"
	"github.com/adammck/fixture/pkg/backend"
	"github.com/adammck/fixture/pkg/backend/memory"
	"github.com/adammck/fixture/pkg/backend/rpc"
	"github.com/adammck/fixture/pkg/cluster"
	"github.com/lthibault/jitterbug"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	hv1 "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

const (
	snapshotFile = "snapshot.json"
	nodeFile     = "node.json"
)

type Options struct {

	// DataDir is the directory which node data dirs are created in. A
	// temporary directory is created if empty.
	DataDir string

	// TCP makes nodes listen on real ports of Host, rather than in-process
	// bufconn listeners. Only needed if something outside of this process
	// will connect.
	TCP  bool
	Host string

	// Register, if not nil, is called with the gRPC server of each node before
	// it starts serving, to register extra services.
	Register func(name string, srv *grpc.Server)

	// OnStart and OnStop, if not nil, are called after a node starts serving
	// and before it's cleanly stopped. They're called with the cluster locked,
	// so mustn't call back into it.
	OnStart func(n api.Node)
	OnStop  func(n api.Node)
}

type Cluster struct {
	opts  Options
	store *memory.Store

	mu    sync.Mutex
	nodes []*node // in the order they were first started
	seq   int
}

var _ cluster.Provider = (*Cluster)(nil)

type node struct {
	name     string
	dataPath string

	srv *grpc.Server
	hs  *health.Server
	lis net.Listener
	buf *bufconn.Listener // nil if TCP
	host string
	port int

	// running is true between Start and Stop. Killing a node doesn't change
	// it, which is how a crash is distinguished from a deliberate stop.
	running bool
	crashed bool
}

// New returns an empty cluster. Nothing is started.
func New(opts Options) (*Cluster, error) {
	if opts.DataDir == "" {
		dir, err := os.MkdirTemp("", "fixture-sim-")
		if err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
		opts.DataDir = dir
	}

	if opts.Host == "" {
		opts.Host = "localhost"
	}

	return &Cluster{
		opts:  opts,
		store: memory.New(),
	}, nil
}

// Factory returns a cluster.Factory which creates a new cluster, with its data
// dirs under a fresh subdirectory of opts.DataDir, every time it's called.
func Factory(opts Options) cluster.Factory {
	return cluster.FactoryFunc(func(ctx context.Context) (cluster.Provider, error) {
		o := opts
		if o.DataDir != "" {
			if err := os.MkdirAll(o.DataDir, 0o755); err != nil {
				return nil, err
			}
			dir, err := os.MkdirTemp(o.DataDir, "cluster-")
			if err != nil {
				return nil, err
			}
			o.DataDir = dir
		}
		return New(o)
	})
}

// Store returns the store which every node serves. Tests can use it to
// inspect or tamper with the cluster without going through a node.
func (c *Cluster) Store() *memory.Store {
	return c.store
}

func (c *Cluster) DataDir() string {
	return c.opts.DataDir
}

func (c *Cluster) get(name string) *node {
	for _, n := range c.nodes {
		if n.name == name {
			return n
		}
	}
	return nil
}

func (c *Cluster) Nodes(ctx context.Context) ([]api.Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]api.Node, len(c.nodes))
	for i, n := range c.nodes {
		out[i] = n.info()
	}

	return out, nil
}

func (n *node) info() api.Node {
	return api.Node{
		Name:     n.name,
		Host:     n.host,
		Port:     n.port,
		DataPath: n.dataPath,
		Running:  n.running,
		Ready:    n.running && !n.crashed,
	}
}

// Start starts the named node, or restarts it if it was previously stopped.
// Starting a running node is an error.
func (c *Cluster) Start(ctx context.Context, name string) (api.Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if name == "" {
		for {
			c.seq++
			name = fmt.Sprintf("node%d", c.seq)
			if c.get(name) == nil {
				break
			}
		}
	}

	n := c.get(name)
	if n != nil && n.running {
		return api.Node{}, fmt.Errorf("%w: node %s is already running", api.ErrAlreadyExists, name)
	}

	if n == nil {
		n = &node{
			name:     name,
			dataPath: filepath.Join(c.opts.DataDir, name),
		}
		c.nodes = append(c.nodes, n)
	}

	if err := os.MkdirAll(n.dataPath, 0o755); err != nil {
		return api.Node{}, fmt.Errorf("creating data dir for %s: %w", name, err)
	}

	if err := c.listen(n); err != nil {
		return api.Node{}, fmt.Errorf("starting %s: %w", name, err)
	}

	n.srv = grpc.NewServer()
	rpc.NewServer(c.store).Register(n.srv)

	n.hs = health.NewServer()
	n.hs.SetServingStatus("", hv1.HealthCheckResponse_SERVING)
	hv1.RegisterHealthServer(n.srv, n.hs)

	if c.opts.Register != nil {
		c.opts.Register(name, n.srv)
	}

	go func(srv *grpc.Server, lis net.Listener) {
		if err := srv.Serve(lis); err != nil {
			log.Printf("WARN: node %s stopped serving: %v", name, err)
		}
	}(n.srv, n.lis)

	n.running = true
	n.crashed = false
	c.store.AddServer(name)

	if err := writeJSON(filepath.Join(n.dataPath, nodeFile), n.info()); err != nil {
		log.Printf("WARN: error writing %s: %v", nodeFile, err)
	}

	if c.opts.OnStart != nil {
		c.opts.OnStart(n.info())
	}

	log.Printf("started node %s", n.info())
	return n.info(), nil
}

func (c *Cluster) listen(n *node) error {
	if !c.opts.TCP {
		n.buf = bufconn.Listen(1024 * 1024)
		n.lis = n.buf
		n.host = "bufnet"
		n.port = 0
		return nil
	}

	lis, err := net.Listen("tcp", net.JoinHostPort(c.opts.Host, "0"))
	if err != nil {
		return err
	}

	n.lis = lis
	n.buf = nil
	n.host = c.opts.Host
	n.port = lis.Addr().(*net.TCPAddr).Port
	return nil
}

// Stop cleanly stops a node: its state is written to its data dir, and it's
// no longer expected to be running.
func (c *Cluster) Stop(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.get(name)
	if n == nil {
		return fmt.Errorf("%w: no such node: %s", api.ErrNotFound, name)
	}

	if !n.running {
		return nil
	}

	if c.opts.OnStop != nil {
		c.opts.OnStop(n.info())
	}

	if !n.crashed {
		if err := writeJSON(filepath.Join(n.dataPath, snapshotFile), c.store.Snapshot()); err != nil {
			log.Printf("WARN: error writing snapshot of %s: %v", name, err)
		}
		c.halt(n)
	}

	n.running = false
	n.crashed = false
	log.Printf("stopped node %s", name)
	return nil
}

// Kill stops a node abruptly, as if it had crashed. It's still expected to
// be running, so it will fail health checks until it's stopped or restarted.
func (c *Cluster) Kill(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.get(name)
	if n == nil {
		return fmt.Errorf("%w: no such node: %s", api.ErrNotFound, name)
	}

	if !n.running || n.crashed {
		return fmt.Errorf("node %s is not running", name)
	}

	c.halt(n)
	n.crashed = true
	log.Printf("killed node %s", name)
	return nil
}

// Remove stops a node and removes it from the cluster entirely, as if it had
// been permanently removed. Tables placed on it stay degraded until they're
// reconfigured.
func (c *Cluster) Remove(ctx context.Context, name string) error {
	if err := c.Stop(ctx, name); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for i, n := range c.nodes {
		if n.name == name {
			c.nodes = append(c.nodes[:i], c.nodes[i+1:]...)
			break
		}
	}

	c.store.RemoveServer(name)
	return nil
}

// halt must be called with mu held.
func (c *Cluster) halt(n *node) {
	n.hs.Shutdown()
	n.srv.Stop()
	_ = c.store.SetServerUp(n.name, false)
}

func (c *Cluster) StopAll(ctx context.Context) error {
	c.mu.Lock()
	names := []string{}
	for _, n := range c.nodes {
		if n.running {
			names = append(names, n.name)
		}
	}
	c.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, name := range names {
		name := name
		g.Go(func() error {
			return c.Stop(ctx, name)
		})
	}

	return g.Wait()
}

// WaitUntilReady polls the health of every running node until they're all
// serving.
func (c *Cluster) WaitUntilReady(ctx context.Context, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	d := 10 * time.Millisecond
	ticker := jitterbug.New(d, &jitterbug.Norm{Stdev: d / 10})
	defer ticker.Stop()

	for {
		err := c.Check(ctx)
		if err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: waiting for cluster to be ready: %v", api.ErrTimeout, err)
		case <-ticker.C:
		}
	}
}

// Check health checks every node which should be running.
func (c *Cluster) Check(ctx context.Context) error {
	c.mu.Lock()
	names := []string{}
	for _, n := range c.nodes {
		if n.running {
			names = append(names, n.name)
		}
	}
	c.mu.Unlock()

	for _, name := range names {
		if err := c.CheckNode(ctx, name); err != nil {
			return err
		}
	}

	return nil
}

func (c *Cluster) CheckNode(ctx context.Context, name string) error {
	c.mu.Lock()
	n := c.get(name)
	var info api.Node
	var buf *bufconn.Listener
	if n != nil {
		info = n.info()
		buf = n.buf
	}
	c.mu.Unlock()

	if n == nil {
		return fmt.Errorf("%w: no such node: %s", api.ErrNotFound, name)
	}

	if !info.Running {
		return fmt.Errorf("node %s is not running", name)
	}

	if !info.Ready {
		return fmt.Errorf("node %s has crashed", name)
	}

	cc, err := dial(ctx, info, buf)
	if err != nil {
		return fmt.Errorf("node %s: %w", name, err)
	}
	defer cc.Close()

	res, err := hv1.NewHealthClient(cc).Check(ctx, &hv1.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("node %s: health check: %w", name, err)
	}

	if res.Status != hv1.HealthCheckResponse_SERVING {
		return fmt.Errorf("node %s: health check: %s", name, res.Status)
	}

	return nil
}

// Dial connects to a node. Fails fast if the node isn't running.
func (c *Cluster) Dial(ctx context.Context, info api.Node) (backend.Conn, error) {
	c.mu.Lock()
	n := c.get(info.Name)
	var buf *bufconn.Listener
	if n != nil {
		info = n.info()
		buf = n.buf
	}
	c.mu.Unlock()

	if n == nil {
		return nil, fmt.Errorf("%w: no such node: %s", api.ErrNotFound, info.Name)
	}

	if !info.Ready {
		return nil, fmt.Errorf("%w: node %s is not running", api.ErrUnavailable, info.Name)
	}

	cc, err := dial(ctx, info, buf)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", api.ErrUnavailable, info.Name, err)
	}

	return rpc.NewOwnedClient(cc), nil
}

// DialTimeout bounds how long dialing a node can block for.
var DialTimeout = 5 * time.Second

func dial(ctx context.Context, n api.Node, buf *bufconn.Listener) (*grpc.ClientConn, error) {
	ctx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()

	opts := []grpc.DialOption{
		grpc.WithInsecure(),
		grpc.WithBlock(),
		grpc.FailOnNonTempDialError(true),
	}

	addr := n.Addr()
	if buf != nil {
		opts = append(opts, grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return buf.Dial()
		}))
	}

	return grpc.DialContext(ctx, addr, opts...)
}

func writeJSON(path string, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, b, 0o644)
}
