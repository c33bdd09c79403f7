package fixture

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/adammck/fixture/pkg/api"
	"github.com/adammck/fixture/pkg/backend"
)

func mismatch(format string, a ...interface{}) error {
	return fmt.Errorf("%w: %s", api.ErrStructuralMismatch, fmt.Sprintf(format, a...))
}

func repairFailed(format string, a ...interface{}) error {
	return fmt.Errorf("%w: %s", api.ErrRepairFailed, fmt.Sprintf(format, a...))
}

// Reconcile verifies that the table has the structure described by its TableSpec.
// In check-only mode, returns an error wrapping api.ErrStructuralMismatch
// naming the first thing which is wrong, and changes nothing. In repair mode,
// fixes whatever is wrong, in order, and waits for the table to be ready.
func (m *Manager) Reconcile(ctx context.Context, repair bool) error {
	return m.reconcile(ctx, repair, false)
}

func (m *Manager) reconcile(ctx context.Context, repair, force bool) error {
	conn, err := m.conn(ctx)
	if err != nil {
		return err
	}

	if !repair {
		return m.verify(ctx, conn)
	}

	if err := m.repair(ctx, conn, force); err != nil {
		return err
	}

	return conn.Wait(ctx, m.Ref(), api.AllReplicasReady, m.cfg.ReadyTimeout)
}

func (m *Manager) verify(ctx context.Context, conn backend.Conn) error {
	ref := m.Ref()

	dbs, err := conn.DBList(ctx)
	if err != nil {
		return err
	}
	if !contains(dbs, ref.DB) {
		return mismatch("missing db: %s", ref.DB)
	}

	tables, err := conn.TableList(ctx, ref.DB)
	if err != nil {
		return err
	}
	if !contains(tables, ref.Table) {
		return mismatch("missing table: %s", ref)
	}

	cfg, err := conn.TableConfig(ctx, ref)
	if err != nil {
		return err
	}

	if cfg.PrimaryKey != m.spec.PrimaryKey {
		return mismatch("expected primary key: %s but got: %s", m.spec.PrimaryKey, cfg.PrimaryKey)
	}

	if len(cfg.Indexes) > 0 {
		return mismatch("unexpected secondary indexes: %v", cfg.Indexes)
	}

	if cfg.Durability != m.spec.Durability {
		return mismatch("expected durability: %s got: %s", m.spec.Durability, cfg.Durability)
	}

	if cfg.WriteAcks != m.spec.WriteAcks {
		return mismatch("expected write_acks: %s got: %s", m.spec.WriteAcks, cfg.WriteAcks)
	}

	if len(cfg.Shards) != m.spec.Shards {
		return mismatch("expected shards: %d got: %d", m.spec.Shards, len(cfg.Shards))
	}

	for i, sh := range cfg.Shards {
		if len(sh.Replicas) != m.spec.Replicas {
			return mismatch("expected all shards to have %d replicas, shard %d has %d: %v", m.spec.Replicas, i, len(sh.Replicas), sh.Replicas)
		}
	}

	st, err := conn.TableStatus(ctx, ref)
	if err != nil {
		return err
	}

	if !st.Status.AllReplicasReady {
		return mismatch("table is not all_replicas_ready: %+v", st.Status)
	}

	return nil
}

func (m *Manager) repair(ctx context.Context, conn backend.Conn, force bool) error {
	ref := m.Ref()

	// db
	dbs, err := conn.DBList(ctx)
	if err != nil {
		return err
	}
	if !contains(dbs, ref.DB) {
		log.Printf("creating db %s", ref.DB)
		if err := conn.DBCreate(ctx, ref.DB); err != nil && !errors.Is(err, api.ErrAlreadyExists) {
			return err
		}
	}

	// force
	if force {
		if err := dropIfExists(ctx, conn, ref); err != nil {
			return err
		}
	}

	// table and primary key
	cfg, err := conn.TableConfig(ctx, ref)
	exists := true
	if errors.Is(err, api.ErrNotFound) {
		exists = false
	} else if err != nil {
		return err
	}

	if !exists || cfg.PrimaryKey != m.spec.PrimaryKey {
		if exists {
			log.Printf("dropping %s: expected primary key %s, got %s", ref, m.spec.PrimaryKey, cfg.PrimaryKey)
			if err := conn.TableDrop(ctx, ref); err != nil && !errors.Is(err, api.ErrNotFound) {
				return err
			}
		}

		m.rng = api.DatasetRange{}

		log.Printf("creating table %s", ref)
		if err := conn.TableCreate(ctx, ref, m.spec.PrimaryKey); err != nil {
			return err
		}

		if err := conn.Wait(ctx, ref, api.AllReplicasReady, m.cfg.ReadyTimeout); err != nil {
			return err
		}
	}

	// secondary indexes
	// TODO: Rebuild the indexes listed in the TableSpec, rather than dropping
	//       all of them, once TableSpec can list indexes.
	indexes, err := conn.IndexList(ctx, ref)
	if err != nil {
		return err
	}
	for _, idx := range indexes {
		if err := conn.IndexDrop(ctx, ref, idx); err != nil && !errors.Is(err, api.ErrNotFound) {
			return err
		}
	}

	// durability and write acks
	cfg, err = conn.TableConfig(ctx, ref)
	if err != nil {
		return err
	}

	if cfg.Durability != m.spec.Durability || cfg.WriteAcks != m.spec.WriteAcks {
		res, err := conn.UpdateTableConfig(ctx, ref, api.ConfigPatch{
			Durability: m.spec.Durability,
			WriteAcks:  m.spec.WriteAcks,
		})
		if err != nil {
			return err
		}
		if res.Errors != 0 {
			return repairFailed("updating table metadata: %s", res)
		}
	}

	// sharding and replication
	if !m.topologyMatches(cfg.Shards) {
		nodes, err := m.members.Nodes(ctx)
		if err != nil {
			return err
		}

		if n := distinct(nodes); n < m.spec.Servers() {
			return fmt.Errorf("%w: cluster does not have enough servers to only put one replica on each: %d vs %d * %d",
				api.ErrInsufficientNodes, n, m.spec.Shards, m.spec.Replicas)
		}

		plan, err := PlanShards(nodes, m.spec.Shards, m.spec.Replicas)
		if err != nil {
			return err
		}

		res, err := conn.UpdateTableConfig(ctx, ref, api.ConfigPatch{Shards: plan})
		if err != nil {
			return err
		}
		if res.Errors != 0 {
			return repairFailed("updating shards: %s", res)
		}

		placements.Inc()
	}

	return nil
}

func (m *Manager) topologyMatches(shards api.ShardPlan) bool {
	if len(shards) != m.spec.Shards {
		return false
	}

	for _, sh := range shards {
		if len(sh.Replicas) != m.spec.Replicas {
			return false
		}
	}

	return true
}

func dropIfExists(ctx context.Context, conn backend.Conn, ref api.TableRef) error {
	tables, err := conn.TableList(ctx, ref.DB)
	if err != nil {
		return err
	}

	if !contains(tables, ref.Table) {
		return nil
	}

	log.Printf("dropping table %s", ref)
	if err := conn.TableDrop(ctx, ref); err != nil && !errors.Is(err, api.ErrNotFound) {
		return err
	}

	return nil
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

// distinct returns the number of differently named nodes.
func distinct(nodes []api.Node) int {
	seen := map[string]struct{}{}
	for _, n := range nodes {
		seen[n.Name] = struct{}{}
	}
	return len(seen)
}
