package cluster_test

import (
	"context"
	"errors"
	"testing"

	"github.com/adammck/fixture/pkg/api"
	"github.com/adammck/fixture/pkg/backend"
	"github.com/adammck/fixture/pkg/backend/memory"
	"github.com/adammck/fixture/pkg/cluster"
	"github.com/adammck/fixture/pkg/discovery/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// conn is a memory.Store which can be made to fail pings.
type conn struct {
	*memory.Store
	name   string
	dead   bool
	closed bool
}

func (c *conn) Ping(ctx context.Context) error {
	if c.dead {
		return errors.New("connection reset")
	}
	return nil
}

func (c *conn) Close() error {
	c.closed = true
	return nil
}

type dialer struct {
	store *memory.Store
	down  map[string]bool
	dials []string
	conns []*conn
}

func (d *dialer) dial(ctx context.Context, n api.Node) (backend.Conn, error) {
	d.dials = append(d.dials, n.Name)
	if d.down[n.Name] {
		return nil, errors.New("connection refused")
	}
	c := &conn{Store: d.store, name: n.Name}
	d.conns = append(d.conns, c)
	return c, nil
}

func TestConnectorReusesLiveConnection(t *testing.T) {
	ctx := context.Background()
	d := &dialer{store: memory.New(), down: map[string]bool{}}
	c := cluster.NewConnector(mock.Named("a", "b"), d.dial)

	c1, err := c.Acquire(ctx)
	require.NoError(t, err)
	c2, err := c.Acquire(ctx)
	require.NoError(t, err)

	assert.Same(t, c1, c2)
	assert.Equal(t, []string{"a"}, d.dials)

	n, ok := c.Node()
	assert.True(t, ok)
	assert.Equal(t, "a", n.Name)
}

func TestConnectorReplacesDeadConnection(t *testing.T) {
	ctx := context.Background()
	d := &dialer{store: memory.New(), down: map[string]bool{}}
	members := mock.Named("a", "b", "c")
	c := cluster.NewConnector(members, d.dial)

	_, err := c.Acquire(ctx)
	require.NoError(t, err)

	// a dies, and b isn't ready, so c is next.
	d.conns[0].dead = true
	d.down["a"] = true
	members.SetReady("b", false)

	got, err := c.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c", got.(*conn).name)
	assert.True(t, d.conns[0].closed)
	assert.Equal(t, []string{"a", "a", "c"}, d.dials)
}

func TestConnectorNoReachableNode(t *testing.T) {
	ctx := context.Background()
	d := &dialer{store: memory.New(), down: map[string]bool{"a": true, "b": true}}
	c := cluster.NewConnector(mock.Named("a", "b"), d.dial)

	_, err := c.Acquire(ctx)
	assert.ErrorIs(t, err, api.ErrNoReachableNode)

	_, ok := c.Node()
	assert.False(t, ok)

	// Empty cluster too.
	c = cluster.NewConnector(mock.New(), d.dial)
	_, err = c.Acquire(ctx)
	assert.ErrorIs(t, err, api.ErrNoReachableNode)
}
