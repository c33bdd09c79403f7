package mock

import (
	"context"
	"sync"

	"github.com/adammck/fixture/pkg/api"
	"github.com/adammck/fixture/pkg/cluster"
)

// Membership is a static cluster.Membership, for tests.
type Membership struct {
	nodes []api.Node
	sync.RWMutex
}

var _ cluster.Membership = (*Membership)(nil)

func New(nodes ...api.Node) *Membership {
	return &Membership{nodes: nodes}
}

// Named returns a Membership of running and ready nodes with the given names.
func Named(names ...string) *Membership {
	nodes := make([]api.Node, len(names))
	for i, n := range names {
		nodes[i] = api.Node{
			Name:    n,
			Host:    "localhost",
			Port:    28015 + i,
			Running: true,
			Ready:   true,
		}
	}
	return New(nodes...)
}

// interface

func (m *Membership) Nodes(ctx context.Context) ([]api.Node, error) {
	m.RLock()
	defer m.RUnlock()

	out := make([]api.Node, len(m.nodes))
	copy(out, m.nodes)
	return out, nil
}

// test helpers

func (m *Membership) Set(nodes []api.Node) {
	m.Lock()
	defer m.Unlock()
	m.nodes = nodes
}

func (m *Membership) Add(node api.Node) {
	m.Lock()
	defer m.Unlock()
	m.nodes = append(m.nodes, node)
}

// SetReady changes the Ready flag of the named node.
func (m *Membership) SetReady(name string, ready bool) {
	m.Lock()
	defer m.Unlock()
	for i := range m.nodes {
		if m.nodes[i].Name == name {
			m.nodes[i].Ready = ready
		}
	}
}
