// Package cluster describes the servers which make up a cluster under test,
// and how to get a working connection to one of them.
package cluster

import (
	"context"
	"time"

	"github.com/adammck/fixture/pkg/api"
	"github.com/adammck/fixture/pkg/backend"
)

// Membership is a read-only view of the servers in a cluster. Nodes are
// returned in a stable order, which placement relies on.
type Membership interface {
	Nodes(ctx context.Context) ([]api.Node, error)
}

// Provider is a cluster whose servers can be started and stopped, which is to
// say a cluster under test.
type Provider interface {
	Membership

	// Start starts the named server, or a server with a generated name if name
	// is empty, and returns it once it's listening. It might not be ready yet.
	Start(ctx context.Context, name string) (api.Node, error)

	// Stop cleanly stops the named server.
	Stop(ctx context.Context, name string) error

	// StopAll stops every running server, returning the first error.
	StopAll(ctx context.Context) error

	// WaitUntilReady blocks until every running server is ready, or the
	// timeout expires. A zero timeout waits for as long as ctx allows.
	WaitUntilReady(ctx context.Context, timeout time.Duration) error

	// Check returns an error if any server which should be running isn't
	// healthy.
	Check(ctx context.Context) error

	// CheckNode returns an error if the named server isn't healthy.
	CheckNode(ctx context.Context, name string) error

	// Dial opens a connection to the given server.
	Dial(ctx context.Context, node api.Node) (backend.Conn, error)
}

// Factory creates new clusters.
type Factory interface {
	New(ctx context.Context) (Provider, error)
}

// FactoryFunc adapts a function into a Factory.
type FactoryFunc func(ctx context.Context) (Provider, error)

func (f FactoryFunc) New(ctx context.Context) (Provider, error) {
	return f(ctx)
}

// DialFunc opens a connection to a server.
type DialFunc func(ctx context.Context, node api.Node) (backend.Conn, error)
