package harness

import (
	"context"
	"fmt"
	"sort"

	"github.com/adammck/fixture/pkg/api"
)

func (tc *TestContext) shard(ctx context.Context, i int) (api.Shard, []api.Node, error) {
	if tc.cluster == nil {
		return api.Shard{}, nil, fmt.Errorf("%w: no cluster", api.ErrNoReachableNode)
	}

	conn, err := tc.Acquire(ctx)
	if err != nil {
		return api.Shard{}, nil, err
	}

	cfg, err := conn.TableConfig(ctx, tc.Ref())
	if err != nil {
		return api.Shard{}, nil, err
	}

	if i < 0 || i >= len(cfg.Shards) {
		return api.Shard{}, nil, fmt.Errorf("%w: no shard %d of %s (has %d)", api.ErrInvalidArgument, i, tc.Ref(), len(cfg.Shards))
	}

	nodes, err := tc.cluster.Nodes(ctx)
	if err != nil {
		return api.Shard{}, nil, err
	}

	return cfg.Shards[i], nodes, nil
}

// PrimaryForShard returns the server which is the primary replica of the
// given shard of the table.
func (tc *TestContext) PrimaryForShard(ctx context.Context, i int) (api.Node, error) {
	sh, nodes, err := tc.shard(ctx, i)
	if err != nil {
		return api.Node{}, err
	}

	for _, n := range nodes {
		if n.Name == sh.PrimaryReplica {
			return n, nil
		}
	}

	return api.Node{}, fmt.Errorf("%w: primary of shard %d (%s) isn't in the cluster", api.ErrNotFound, i, sh.PrimaryReplica)
}

// ReplicasForShard returns the servers which hold a secondary replica of the
// given shard, in cluster order. The primary isn't included.
func (tc *TestContext) ReplicasForShard(ctx context.Context, i int) ([]api.Node, error) {
	sh, nodes, err := tc.shard(ctx, i)
	if err != nil {
		return nil, err
	}

	want := map[string]bool{}
	for _, name := range sh.Replicas {
		if name != sh.PrimaryReplica {
			want[name] = true
		}
	}

	out := []api.Node{}
	for _, n := range nodes {
		if want[n.Name] {
			out = append(out, n)
		}
	}

	return out, nil
}

// ReplicaForShard returns the first secondary replica of the given shard.
func (tc *TestContext) ReplicaForShard(ctx context.Context, i int) (api.Node, error) {
	replicas, err := tc.ReplicasForShard(ctx, i)
	if err != nil {
		return api.Node{}, err
	}

	if len(replicas) == 0 {
		return api.Node{}, fmt.Errorf("%w: shard %d has no secondary replicas", api.ErrNotFound, i)
	}

	return replicas[0], nil
}

// MakeChanges makes a minor change to some records of the table, by setting a
// random field on them, and returns their keys in order. Roughly
// samplesPerShard records are changed for each shard, chosen at random from
// the whole table.
func (tc *TestContext) MakeChanges(ctx context.Context, samplesPerShard int) ([]interface{}, error) {
	conn, err := tc.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	ref := tc.Ref()

	cfg, err := conn.TableConfig(ctx, ref)
	if err != nil {
		return nil, err
	}

	keys, err := conn.Keys(ctx, ref, api.All)
	if err != nil {
		return nil, err
	}

	tc.rand.Shuffle(len(keys), func(i, j int) {
		keys[i], keys[j] = keys[j], keys[i]
	})

	n := samplesPerShard * len(cfg.Shards)
	if n > len(keys) {
		n = len(keys)
	}

	changed := keys[:n]
	for _, k := range changed {
		res, err := conn.Update(ctx, ref, k, api.Record{"randomChange": tc.rand.Intn(65537)})
		if err != nil {
			return nil, err
		}
		if res.Errors != 0 {
			return nil, fmt.Errorf("changing %v: %s", k, res)
		}
	}

	sort.Slice(changed, func(i, j int) bool {
		return api.CompareKeys(changed[i], changed[j]) < 0
	})

	return changed, nil
}
