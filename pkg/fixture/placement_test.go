package fixture

import (
	"errors"
	"testing"

	"github.com/adammck/fixture/pkg/api"
	"gotest.tools/assert"
)

func nodes(names ...string) []api.Node {
	out := make([]api.Node, len(names))
	for i, n := range names {
		out[i] = api.Node{Name: n}
	}
	return out
}

func TestPlanShards(t *testing.T) {
	for _, tc := range []struct {
		name     string
		nodes    []string
		shards   int
		replicas int
		want     api.ShardPlan
	}{
		{
			name:     "single",
			nodes:    []string{"a"},
			shards:   1,
			replicas: 1,
			want: api.ShardPlan{
				{PrimaryReplica: "a", Replicas: []string{"a"}},
			},
		},
		{
			name:     "replicated",
			nodes:    []string{"a", "b", "c"},
			shards:   1,
			replicas: 3,
			want: api.ShardPlan{
				{PrimaryReplica: "a", Replicas: []string{"a", "b", "c"}},
			},
		},
		{
			name:     "one per server",
			nodes:    []string{"a", "b", "c", "d", "e", "f"},
			shards:   2,
			replicas: 3,
			want: api.ShardPlan{
				{PrimaryReplica: "a", Replicas: []string{"a", "c", "d"}},
				{PrimaryReplica: "b", Replicas: []string{"b", "e", "f"}},
			},
		},
		{
			name:     "extra servers unused",
			nodes:    []string{"a", "b", "c", "d", "e"},
			shards:   2,
			replicas: 1,
			want: api.ShardPlan{
				{PrimaryReplica: "a", Replicas: []string{"a"}},
				{PrimaryReplica: "b", Replicas: []string{"b"}},
			},
		},
		{
			// Only c is spare, so the second shard reuses a.
			name:     "reuse",
			nodes:    []string{"a", "b", "c"},
			shards:   2,
			replicas: 2,
			want: api.ShardPlan{
				{PrimaryReplica: "a", Replicas: []string{"a", "c"}},
				{PrimaryReplica: "b", Replicas: []string{"b", "a"}},
			},
		},
		{
			name:     "reuse round robin",
			nodes:    []string{"a", "b", "c", "d"},
			shards:   3,
			replicas: 3,
			want: api.ShardPlan{
				{PrimaryReplica: "a", Replicas: []string{"a", "d", "b"}},
				{PrimaryReplica: "b", Replicas: []string{"b", "c", "d"}},
				{PrimaryReplica: "c", Replicas: []string{"c", "a", "b"}},
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := PlanShards(nodes(tc.nodes...), tc.shards, tc.replicas)
			assert.NilError(t, err)
			assert.DeepEqual(t, tc.want, got)
		})
	}
}

func TestPlanShardsInsufficient(t *testing.T) {
	_, err := PlanShards(nodes("a", "b", "c"), 4, 1)
	assert.Assert(t, errors.Is(err, api.ErrInsufficientNodes))

	_, err = PlanShards(nodes("a", "b", "c"), 1, 4)
	assert.Assert(t, errors.Is(err, api.ErrInsufficientNodes))

	// Names must be distinct.
	_, err = PlanShards(nodes("a", "a", "b"), 1, 3)
	assert.Assert(t, errors.Is(err, api.ErrInsufficientNodes))

	_, err = PlanShards(nodes("a"), 0, 1)
	assert.Assert(t, errors.Is(err, api.ErrInvalidArgument))
}
