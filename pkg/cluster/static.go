package cluster

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/adammck/fixture/pkg/api"
)

type static struct {
	nodes []api.Node
}

// Static returns a Membership of the given nodes, which are assumed to be
// running and ready.
func Static(nodes ...api.Node) Membership {
	out := make([]api.Node, len(nodes))
	for i, n := range nodes {
		n.Running = true
		n.Ready = true
		out[i] = n
	}
	return &static{out}
}

func (s *static) Nodes(ctx context.Context) ([]api.Node, error) {
	out := make([]api.Node, len(s.nodes))
	copy(out, s.nodes)
	return out, nil
}

// ParseNodes parses a comma-separated list of name=host:port pairs.
func ParseNodes(s string) ([]api.Node, error) {
	var out []api.Node
	seen := map[string]struct{}{}

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			return nil, fmt.Errorf("%w: invalid node: %q (expected name=host:port)", api.ErrInvalidArgument, part)
		}

		host, sPort, err := net.SplitHostPort(kv[1])
		if err != nil {
			return nil, fmt.Errorf("%w: invalid address of %s: %v", api.ErrInvalidArgument, kv[0], err)
		}

		port, err := strconv.Atoi(sPort)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid port of %s: %v", api.ErrInvalidArgument, kv[0], err)
		}

		if _, ok := seen[kv[0]]; ok {
			return nil, fmt.Errorf("%w: duplicate node: %s", api.ErrInvalidArgument, kv[0])
		}
		seen[kv[0]] = struct{}{}

		out = append(out, api.Node{Name: kv[0], Host: host, Port: port})
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no nodes given", api.ErrInvalidArgument)
	}

	return out, nil
}
