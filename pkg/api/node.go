package api

import (
	"fmt"
)

// Node is one server in a cluster, as reported by a membership view. They're
// read-only to the reconciler and the test lifecycle; nodes are started and
// stopped by a cluster provider, and changes are reflected back the next time
// the membership is listed.
//
// Name must be unique within a cluster, since shard plans refer to servers by
// name rather than by address.
type Node struct {
	Name string
	Host string

	// Port is the driver port, i.e. the one which clients connect to.
	Port int

	// DataPath is the directory in which the node keeps its on-disk state. It
	// is archived when a test fails. Empty if the node isn't local.
	DataPath string

	// Running is true if the node is supposed to be running, i.e. it was
	// started and has not been deliberately stopped. A node which is Running
	// but not Ready has probably crashed.
	Running bool

	// Ready is true if the node answered its most recent health check.
	Ready bool
}

// Addr returns an address which can be dialled to connect to the node.
func (n Node) Addr() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

func (n Node) String() string {
	return fmt.Sprintf("%s(%s)", n.Name, n.Addr())
}

// Names returns the names of the given nodes, in the same order.
func Names(nodes []Node) []string {
	out := make([]string, len(nodes))
	for i := range nodes {
		out[i] = nodes[i].Name
	}
	return out
}
