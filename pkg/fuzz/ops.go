package fuzz

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"

	"github.com/adammck/fixture/pkg/api"
	"github.com/adammck/fixture/pkg/backend"
)

const (
	// MaxShards is the most shards that reconfigure and config_update will
	// ask for.
	MaxShards = 16

	// MaxInsert is the most records inserted by a single op.
	MaxInsert = 500
)

// ErrWrite is returned by ops whose write was attempted but reported errors.
var ErrWrite = errors.New("write reported errors")

// op is one randomly generated operation. It's prepared (and the model
// optimistically updated) under the model lock, run without it, and then
// committed under the lock again if it succeeded.
type op struct {
	kind   Kind
	desc   string
	run    func(ctx context.Context, conn backend.Conn) error
	commit func()
}

func (o *op) String() string {
	return fmt.Sprintf("%s(%s)", o.kind, o.desc)
}

func writeErr(res api.WriteResult, err error) error {
	if err != nil {
		return err
	}
	if res.Errors > 0 {
		return fmt.Errorf("%w: %s", ErrWrite, res)
	}
	return nil
}

// choose picks a kind of op at random, in proportion to its weight, from
// those which the model has something to act on. Must be called with the
// model lock held.
func (r *Runner) choose() (Kind, bool) {
	var kinds []Kind
	var cum []int
	total := 0

	for _, k := range Kinds {
		w := r.opts.Weights[k]
		if w <= 0 || !r.model.valid(k) {
			continue
		}
		total += w
		kinds = append(kinds, k)
		cum = append(cum, total)
	}

	if total == 0 {
		return "", false
	}

	n := r.model.rand.Intn(total)
	i := sort.Search(len(cum), func(i int) bool { return cum[i] > n })
	return kinds[i], true
}

// prepare builds an op of the given kind. Must be called with the model lock
// held.
func (r *Runner) prepare(k Kind) *op {
	m := r.model

	switch k {
	case DBCreate:
		d := m.addDB()
		return &op{kind: k, desc: d.name, run: func(ctx context.Context, conn backend.Conn) error {
			return conn.DBCreate(ctx, d.name)
		}}

	case DBDrop:
		d := m.randDB()
		return &op{kind: k, desc: d.name, run: func(ctx context.Context, conn backend.Conn) error {
			return conn.DBDrop(ctx, d.name)
		}, commit: func() {
			m.dropDB(d)
		}}

	case TableCreate:
		t := m.addTable(m.randDB())
		ref := t.ref()
		return &op{kind: k, desc: ref.String(), run: func(ctx context.Context, conn backend.Conn) error {
			return conn.TableCreate(ctx, ref, api.DefaultPrimaryKey)
		}}

	case TableDrop:
		t := m.randTable()
		ref := t.ref()
		return &op{kind: k, desc: ref.String(), run: func(ctx context.Context, conn backend.Conn) error {
			return conn.TableDrop(ctx, ref)
		}, commit: func() {
			m.dropTable(t)
		}}

	case IndexCreate:
		i := m.addIndex(m.randTable())
		ref := i.table.ref()
		return &op{kind: k, desc: fmt.Sprintf("%s/%s", ref, i.name), run: func(ctx context.Context, conn backend.Conn) error {
			return conn.IndexCreate(ctx, ref, i.name)
		}}

	case IndexDrop:
		i := m.randIndex()
		ref := i.table.ref()
		return &op{kind: k, desc: fmt.Sprintf("%s/%s", ref, i.name), run: func(ctx context.Context, conn backend.Conn) error {
			return conn.IndexDrop(ctx, ref, i.name)
		}, commit: func() {
			m.dropIndex(i)
		}}

	case Insert:
		t := m.randTable()
		ref := t.ref()
		start := t.count
		n := 1 + m.rand.Intn(MaxInsert)
		t.count = start + n

		rows := make([]api.Record, n)
		for i := range rows {
			rows[i] = api.Record{api.DefaultPrimaryKey: start + i}
		}

		return &op{kind: k, desc: fmt.Sprintf("%s [%d, %d)", ref, start, start+n), run: func(ctx context.Context, conn backend.Conn) error {
			return writeErr(conn.Insert(ctx, ref, rows, api.ConflictError))
		}}

	case Rebalance:
		ref := m.randTable().ref()
		return &op{kind: k, desc: ref.String(), run: func(ctx context.Context, conn backend.Conn) error {
			return conn.Rebalance(ctx, ref)
		}}

	case Reconfigure:
		ref := m.randTable().ref()
		shards := r.randShards()
		replicas := r.randReplicas()
		return &op{kind: k, desc: fmt.Sprintf("%s shards=%d replicas=%d", ref, shards, replicas), run: func(ctx context.Context, conn backend.Conn) error {
			return writeErr(conn.Reconfigure(ctx, ref, shards, replicas))
		}}

	case ConfigUpdate:
		ref := m.randTable().ref()
		plan := r.randPlan()
		return &op{kind: k, desc: fmt.Sprintf("%s shards=%d", ref, len(plan)), run: func(ctx context.Context, conn backend.Conn) error {
			return writeErr(conn.UpdateTableConfig(ctx, ref, api.ConfigPatch{Shards: plan}))
		}}

	case Changefeed:
		i := m.randIndex()
		ref := i.table.ref()
		return &op{kind: k, desc: ref.String(), run: func(ctx context.Context, conn backend.Conn) error {
			r.follow(conn, ref)
			return nil
		}}

	case Wait:
		ref := m.randTable().ref()
		rd := api.Readinesses[m.rand.Intn(len(api.Readinesses))]
		timeout := r.opts.WaitTimeout
		return &op{kind: k, desc: fmt.Sprintf("%s %s", ref, rd), run: func(ctx context.Context, conn backend.Conn) error {
			return conn.Wait(ctx, ref, rd, timeout)
		}}
	}

	panic(fmt.Sprintf("unknown op: %s", k))
}

func (r *Runner) randShards() int {
	return 1 + r.model.rand.Intn(MaxShards)
}

func (r *Runner) randReplicas() int {
	return 1 + r.model.rand.Intn(len(r.servers))
}

// randPlan returns a random shard plan over the known servers. Every replica
// of each shard is on a different server.
func (r *Runner) randPlan() api.ShardPlan {
	rnd := r.model.rand
	plan := make(api.ShardPlan, r.randShards())

	for i := range plan {
		n := r.randReplicas()
		perm := rnd.Perm(len(r.servers))[:n]

		sh := api.Shard{Replicas: make([]string, n)}
		for j, p := range perm {
			sh.Replicas[j] = r.servers[p]
		}
		sh.PrimaryReplica = sh.Replicas[rnd.Intn(n)]
		plan[i] = sh
	}

	return plan
}

// follow subscribes to the changes of a table in the background, and drains
// them until the feed is closed or the run ends.
func (r *Runner) follow(conn backend.Conn, ref api.TableRef) {
	r.feeds.Add(1)

	go func() {
		defer r.feeds.Done()

		ch, err := conn.Changes(r.feedCtx, ref)
		if err != nil {
			log.Printf("feed error: %s: %v", ref, err)
			return
		}

		feedsOpened.Inc()

		for range ch {
			changes.Inc()
		}
	}()
}
