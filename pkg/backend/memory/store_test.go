package memory

import (
	"context"
	"testing"
	"time"

	"github.com/adammck/fixture/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tbl = api.TableRef{DB: "db", Table: "t"}

func setup(t *testing.T, servers ...string) (context.Context, *Store) {
	ctx := context.Background()
	s := New(servers...)
	require.NoError(t, s.DBCreate(ctx, tbl.DB))
	require.NoError(t, s.TableCreate(ctx, tbl, ""))
	return ctx, s
}

func TestTableCreate(t *testing.T) {
	ctx, s := setup(t, "a", "b")

	err := s.TableCreate(ctx, tbl, "")
	assert.ErrorIs(t, err, api.ErrAlreadyExists)

	err = s.TableCreate(ctx, api.TableRef{DB: "nope", Table: "t"}, "")
	assert.ErrorIs(t, err, api.ErrNotFound)

	cfg, err := s.TableConfig(ctx, tbl)
	require.NoError(t, err)
	assert.Equal(t, "id", cfg.PrimaryKey)
	assert.Equal(t, api.ShardPlan{{PrimaryReplica: "a", Replicas: []string{"a"}}}, cfg.Shards)

	tables, err := s.TableList(ctx, "db")
	require.NoError(t, err)
	assert.Equal(t, []string{"t"}, tables)
}

func TestTableCreateNoServers(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.DBCreate(ctx, "db"))

	err := s.TableCreate(ctx, tbl, "")
	assert.ErrorIs(t, err, api.ErrUnavailable)
}

func TestInsertConflicts(t *testing.T) {
	ctx, s := setup(t, "a")

	res, err := s.Insert(ctx, tbl, []api.Record{{"id": 1}, {"id": 2}}, api.ConflictError)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)

	res, err = s.Insert(ctx, tbl, []api.Record{{"id": 1}, {"id": 3}}, api.ConflictError)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Errors)
	assert.Contains(t, res.FirstError, "Duplicate primary key")

	// Same value is unchanged, even though the number type differs.
	res, err = s.Insert(ctx, tbl, []api.Record{{"id": float64(1)}}, api.ConflictReplace)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Unchanged)

	res, err = s.Insert(ctx, tbl, []api.Record{{"id": 1, "x": "y"}}, api.ConflictReplace)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replaced)

	res, err = s.Insert(ctx, tbl, []api.Record{{"id": 1, "z": true}}, api.ConflictUpdate)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replaced)

	r, err := s.Get(ctx, tbl, 1)
	require.NoError(t, err)
	assert.Equal(t, api.Record{"id": float64(1), "x": "y", "z": true}, r)

	r, err = s.Get(ctx, tbl, 99)
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestInsertGeneratesKeys(t *testing.T) {
	ctx, s := setup(t, "a")

	res, err := s.Insert(ctx, tbl, []api.Record{{"x": 1}, {"x": 2}}, api.ConflictError)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	require.Len(t, res.GeneratedKeys, 2)

	// Generated keys are strings, so sort after every number.
	keys, err := s.Keys(ctx, tbl, api.Above(1e9))
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	keys, err = s.Keys(ctx, tbl, api.All.Where(api.NonInteger("id")))
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestQueries(t *testing.T) {
	ctx, s := setup(t, "a")

	rows := []api.Record{}
	for i := 1; i <= 10; i++ {
		rows = append(rows, api.Record{"id": i})
	}
	rows = append(rows, api.Record{"id": 2.5}, api.Record{"id": 11, "extra": 1})
	_, err := s.Insert(ctx, tbl, rows, api.ConflictError)
	require.NoError(t, err)

	keys, err := s.Keys(ctx, tbl, api.Below(3))
	require.NoError(t, err)
	assert.Equal(t, []interface{}{1.0, 2.0, 2.5}, keys)

	keys, err = s.Keys(ctx, tbl, api.Above(9))
	require.NoError(t, err)
	assert.Equal(t, []interface{}{10.0, 11.0}, keys)

	keys, err = s.Keys(ctx, tbl, api.Between(4, 6))
	require.NoError(t, err)
	assert.Equal(t, []interface{}{4.0, 5.0}, keys)

	keys, err = s.Keys(ctx, tbl, api.All.Where(api.NonInteger("id")))
	require.NoError(t, err)
	assert.Equal(t, []interface{}{2.5}, keys)

	recs, err := s.Scan(ctx, tbl, api.All.Where(api.FieldCountNot(1)))
	require.NoError(t, err)
	assert.Equal(t, []api.Record{{"id": 11.0, "extra": 1.0}}, recs)

	keys, err = s.Keys(ctx, tbl, api.All.WithLimit(2))
	require.NoError(t, err)
	assert.Equal(t, []interface{}{1.0, 2.0}, keys)

	n, err := s.Count(ctx, tbl)
	require.NoError(t, err)
	assert.Equal(t, 12, n)
}

func TestDeleteAndProject(t *testing.T) {
	ctx, s := setup(t, "a")

	_, err := s.Insert(ctx, tbl, []api.Record{
		{"id": 1},
		{"id": 2, "a": 1},
		{"id": 3, "a": 1, "b": 2},
	}, api.ConflictError)
	require.NoError(t, err)

	res, err := s.Project(ctx, tbl, api.All.Where(api.FieldCountNot(1)), []string{"id"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Replaced)
	assert.Equal(t, 0, res.Errors)

	recs, err := s.Scan(ctx, tbl, api.All)
	require.NoError(t, err)
	assert.Equal(t, []api.Record{{"id": 1.0}, {"id": 2.0}, {"id": 3.0}}, recs)

	res, err = s.Delete(ctx, tbl, api.Above(1))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Deleted)

	n, err := s.Count(ctx, tbl)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUpdate(t *testing.T) {
	ctx, s := setup(t, "a")

	_, err := s.Insert(ctx, tbl, []api.Record{{"id": 1}}, api.ConflictError)
	require.NoError(t, err)

	res, err := s.Update(ctx, tbl, 1, api.Record{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replaced)

	res, err = s.Update(ctx, tbl, 1, api.Record{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Unchanged)

	res, err = s.Update(ctx, tbl, 2, api.Record{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)

	res, err = s.Update(ctx, tbl, 1, api.Record{"id": 5})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Errors)
}

func TestUpdateTableConfig(t *testing.T) {
	ctx, s := setup(t, "a", "b", "c")

	plan := api.ShardPlan{
		{PrimaryReplica: "a", Replicas: []string{"a", "b"}},
		{PrimaryReplica: "c", Replicas: []string{"c", "a"}},
	}

	res, err := s.UpdateTableConfig(ctx, tbl, api.ConfigPatch{
		Durability: api.DurabilitySoft,
		WriteAcks:  api.WriteAcksSingle,
		Shards:     plan,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replaced)

	// Again, nothing changes.
	res, err = s.UpdateTableConfig(ctx, tbl, api.ConfigPatch{Shards: plan})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Unchanged)

	cfg, err := s.TableConfig(ctx, tbl)
	require.NoError(t, err)
	assert.Equal(t, api.DurabilitySoft, cfg.Durability)
	assert.Equal(t, api.WriteAcksSingle, cfg.WriteAcks)
	assert.Equal(t, plan, cfg.Shards)

	for name, bad := range map[string]api.ConfigPatch{
		"unknown server":   {Shards: api.ShardPlan{{PrimaryReplica: "z", Replicas: []string{"z"}}}},
		"primary missing":  {Shards: api.ShardPlan{{PrimaryReplica: "a", Replicas: []string{"b"}}}},
		"duplicate":        {Shards: api.ShardPlan{{PrimaryReplica: "a", Replicas: []string{"a", "a"}}}},
		"empty shard":      {Shards: api.ShardPlan{{PrimaryReplica: "a"}}},
		"bad durability":   {Durability: "medium"},
		"bad write acks":   {WriteAcks: "all"},
	} {
		res, err := s.UpdateTableConfig(ctx, tbl, bad)
		require.NoError(t, err, name)
		assert.Equal(t, 1, res.Errors, name)
	}

	// Nothing was applied.
	cfg2, err := s.TableConfig(ctx, tbl)
	require.NoError(t, err)
	assert.Equal(t, cfg, cfg2)
}

func TestAvailability(t *testing.T) {
	ctx, s := setup(t, "a", "b", "c")

	_, err := s.UpdateTableConfig(ctx, tbl, api.ConfigPatch{
		Shards: api.ShardPlan{{PrimaryReplica: "a", Replicas: []string{"a", "b", "c"}}},
	})
	require.NoError(t, err)

	st, err := s.TableStatus(ctx, tbl)
	require.NoError(t, err)
	assert.True(t, st.Status.AllReplicasReady)

	issues, err := s.Issues(ctx)
	require.NoError(t, err)
	assert.Empty(t, issues)

	// One replica down: still writable with majority acks.
	require.NoError(t, s.SetServerUp("c", false))
	st, err = s.TableStatus(ctx, tbl)
	require.NoError(t, err)
	assert.Equal(t, api.StatusFlags{
		ReadyForOutdatedReads: true,
		ReadyForReads:         true,
		ReadyForWrites:        true,
		AllReplicasReady:      false,
	}, st.Status)

	issues, err = s.Issues(ctx)
	require.NoError(t, err)
	assert.Len(t, issues, 2)

	// Two down: no majority.
	require.NoError(t, s.SetServerUp("b", false))
	st, err = s.TableStatus(ctx, tbl)
	require.NoError(t, err)
	assert.True(t, st.Status.ReadyForReads)
	assert.False(t, st.Status.ReadyForWrites)

	_, err = s.Insert(ctx, tbl, []api.Record{{"id": 1}}, api.ConflictError)
	assert.ErrorIs(t, err, api.ErrUnavailable)

	// Primary down too.
	require.NoError(t, s.SetServerUp("a", false))
	_, err = s.Count(ctx, tbl)
	assert.ErrorIs(t, err, api.ErrUnavailable)

	err = s.Wait(ctx, tbl, api.ReadyForWrites, 50*time.Millisecond)
	assert.ErrorIs(t, err, api.ErrTimeout)

	go func() {
		time.Sleep(20 * time.Millisecond)
		for _, n := range []string{"a", "b", "c"} {
			_ = s.SetServerUp(n, true)
		}
	}()

	err = s.Wait(ctx, tbl, api.AllReplicasReady, 5*time.Second)
	assert.NoError(t, err)
}

func TestReconfigure(t *testing.T) {
	ctx, s := setup(t, "a", "b", "c")

	res, err := s.Reconfigure(ctx, tbl, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replaced)

	cfg, err := s.TableConfig(ctx, tbl)
	require.NoError(t, err)
	assert.Equal(t, api.ShardPlan{
		{PrimaryReplica: "a", Replicas: []string{"a", "b"}},
		{PrimaryReplica: "b", Replicas: []string{"b", "c"}},
	}, cfg.Shards)

	res, err = s.Reconfigure(ctx, tbl, 1, 4)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Errors)
}

func TestIndexes(t *testing.T) {
	ctx, s := setup(t, "a")

	require.NoError(t, s.IndexCreate(ctx, tbl, "b"))
	require.NoError(t, s.IndexCreate(ctx, tbl, "a"))
	assert.ErrorIs(t, s.IndexCreate(ctx, tbl, "a"), api.ErrAlreadyExists)

	idx, err := s.IndexList(ctx, tbl)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, idx)

	require.NoError(t, s.IndexDrop(ctx, tbl, "a"))
	assert.ErrorIs(t, s.IndexDrop(ctx, tbl, "a"), api.ErrNotFound)
}

func TestChanges(t *testing.T) {
	ctx, s := setup(t, "a")

	cctx, cancel := context.WithCancel(ctx)
	ch, err := s.Changes(cctx, tbl)
	require.NoError(t, err)

	_, err = s.Insert(ctx, tbl, []api.Record{{"id": 1}}, api.ConflictError)
	require.NoError(t, err)
	_, err = s.Delete(ctx, tbl, api.All)
	require.NoError(t, err)

	c := <-ch
	assert.Nil(t, c.OldVal)
	assert.Equal(t, api.Record{"id": 1.0}, c.NewVal)

	c = <-ch
	assert.Equal(t, api.Record{"id": 1.0}, c.OldVal)
	assert.Nil(t, c.NewVal)

	cancel()
	for range ch {
	}

	// Dropping the table closes its feeds too.
	ch, err = s.Changes(ctx, tbl)
	require.NoError(t, err)
	require.NoError(t, s.TableDrop(ctx, tbl))

	_, ok := <-ch
	assert.False(t, ok)
}

func TestSnapshot(t *testing.T) {
	ctx, s := setup(t, "a", "b")
	require.NoError(t, s.SetServerUp("b", false))

	_, err := s.Insert(ctx, tbl, []api.Record{{"id": 2}, {"id": 1}}, api.ConflictError)
	require.NoError(t, err)

	snap := s.Snapshot()
	assert.Equal(t, map[string]bool{"a": true, "b": false}, snap.Servers)
	assert.Equal(t, []api.Record{{"id": 1.0}, {"id": 2.0}}, snap.DBs["db"]["t"].Rows)
}
