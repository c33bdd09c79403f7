package cluster

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/adammck/fixture/pkg/api"
	"github.com/adammck/fixture/pkg/backend"
)

// Connector is a backend.Provider which hands out the same connection for as
// long as it works, and otherwise connects to the first ready member of the
// cluster which will have it. There's no background health checking; a dead
// connection is only noticed (and replaced) on the next Acquire.
type Connector struct {
	members Membership
	dial    DialFunc

	mu   sync.Mutex
	conn backend.Conn
	node api.Node
}

var _ backend.Provider = (*Connector)(nil)

func NewConnector(members Membership, dial DialFunc) *Connector {
	return &Connector{
		members: members,
		dial:    dial,
	}
}

// Acquire returns a live connection, or api.ErrNoReachableNode if no ready
// member of the cluster could be connected to.
func (c *Connector) Acquire(ctx context.Context) (backend.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		err := c.conn.Ping(ctx)
		if err == nil {
			return c.conn, nil
		}

		log.Printf("connection to %s failed: %v", c.node.Name, err)
		c.closeLocked()
	}

	nodes, err := c.members.Nodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}

	tried := 0
	for _, n := range nodes {
		if !n.Ready {
			continue
		}

		tried++
		conn, err := c.dial(ctx, n)
		if err != nil {
			log.Printf("WARN: error connecting to %s: %v", n, err)
			continue
		}

		if err := conn.Ping(ctx); err != nil {
			log.Printf("WARN: error pinging %s: %v", n, err)
			conn.Close()
			continue
		}

		c.conn = conn
		c.node = n
		return conn, nil
	}

	return nil, fmt.Errorf("%w (tried %d of %d nodes)", api.ErrNoReachableNode, tried, len(nodes))
}

// Node returns the member that the current connection is to, if any.
func (c *Connector) Node() (api.Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.node, c.conn != nil
}

// Close closes the cached connection, if there is one. The Connector can still
// be used afterwards.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Connector) closeLocked() error {
	if c.conn == nil {
		return nil
	}

	err := c.conn.Close()
	c.conn = nil
	c.node = api.Node{}
	return err
}
