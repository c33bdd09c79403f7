package fixture

import (
	"fmt"

	"github.com/adammck/fixture/pkg/api"
)

// PlanShards assigns replicas of each shard to nodes. The first n nodes become
// the primaries of the n shards. The remaining replicas of each shard are drawn
// in order from the nodes after those, each used once, until they run out;
// after that, nodes are reused round-robin, never twice in the same shard.
//
// Reconcile refuses to apply a plan unless there are enough nodes to give each
// replica its own server, so reuse only happens when this is called directly.
func PlanShards(nodes []api.Node, shards, replicas int) (api.ShardPlan, error) {
	if shards < 1 || replicas < 1 {
		return nil, fmt.Errorf("%w: bad shards=%d replicas=%d", api.ErrInvalidArgument, shards, replicas)
	}

	if n := distinct(nodes); shards > n || replicas > n {
		return nil, fmt.Errorf("%w: can't place %d shards * %d replicas on %d nodes",
			api.ErrInsufficientNodes, shards, replicas, n)
	}

	names := api.Names(nodes)
	spare := names[shards:]
	next := 0
	rr := 0

	plan := make(api.ShardPlan, shards)
	for i := 0; i < shards; i++ {
		primary := names[i]
		sh := api.Shard{
			PrimaryReplica: primary,
			Replicas:       []string{primary},
		}

		in := map[string]bool{primary: true}
		for len(sh.Replicas) < replicas {
			var n string

			if next < len(spare) {
				n = spare[next]
				next++
			} else {
				n = names[rr%len(names)]
				rr++
			}

			if in[n] {
				continue
			}

			in[n] = true
			sh.Replicas = append(sh.Replicas, n)
		}

		plan[i] = sh
	}

	return plan, nil
}
