package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/adammck/fixture/pkg/api"
	"github.com/lthibault/jitterbug"
)

// WaitInterval is how often Wait polls the status of a table.
var WaitInterval = 10 * time.Millisecond

const (
	replicaReady        = "ready"
	replicaDisconnected = "disconnected"
)

func (s *Store) TableStatus(ctx context.Context, ref api.TableRef) (api.TableStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, err := s.table(ref)
	if err != nil {
		return api.TableStatus{}, err
	}

	return s.status(t), nil
}

// status must be called with mu held. A shard can serve outdated reads if any
// replica is up, reads if its primary is up, and writes if its primary and
// enough replicas to ack are up. The table is as available as its least
// available shard.
func (s *Store) status(t *table) api.TableStatus {
	ts := api.TableStatus{
		DB:   t.cfg.DB,
		Name: t.cfg.Name,
		Status: api.StatusFlags{
			ReadyForOutdatedReads: true,
			ReadyForReads:         true,
			ReadyForWrites:        true,
			AllReplicasReady:      true,
		},
		Shards: make([]api.ShardStatus, len(t.cfg.Shards)),
	}

	for i, sh := range t.cfg.Shards {
		ss := api.ShardStatus{
			PrimaryReplicas: []string{},
			Replicas:        make([]api.ReplicaStatus, len(sh.Replicas)),
		}

		up := 0
		for j, name := range sh.Replicas {
			state := replicaDisconnected
			if s.isUp(name) {
				state = replicaReady
				up++
			}
			ss.Replicas[j] = api.ReplicaStatus{Server: name, State: state}
		}

		primary := s.isUp(sh.PrimaryReplica)
		if primary {
			ss.PrimaryReplicas = append(ss.PrimaryReplicas, sh.PrimaryReplica)
		}

		acks := up*2 > len(sh.Replicas)
		if t.cfg.WriteAcks == api.WriteAcksSingle {
			acks = up > 0
		}

		f := &ts.Status
		f.ReadyForOutdatedReads = f.ReadyForOutdatedReads && up > 0
		f.ReadyForReads = f.ReadyForReads && primary
		f.ReadyForWrites = f.ReadyForWrites && primary && acks
		f.AllReplicasReady = f.AllReplicasReady && up == len(sh.Replicas)

		ts.Shards[i] = ss
	}

	return ts
}

// require must be called with mu held.
func (s *Store) require(ref api.TableRef, r api.Readiness) (*table, error) {
	t, err := s.table(ref)
	if err != nil {
		return nil, err
	}

	if !s.status(t).Status.Is(r) {
		return nil, fmt.Errorf("%w: table `%s` is not %s", api.ErrUnavailable, ref, r)
	}

	return t, nil
}

func (s *Store) Wait(ctx context.Context, ref api.TableRef, r api.Readiness, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := jitterbug.New(WaitInterval, &jitterbug.Norm{Stdev: WaitInterval / 10})
	defer ticker.Stop()

	for {
		s.mu.RLock()
		t, err := s.table(ref)
		ok := err == nil && s.status(t).Status.Is(r)
		s.mu.RUnlock()

		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return fmt.Errorf("%w: waiting for table `%s` to be %s", api.ErrTimeout, ref, r)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Issues returns one issue for every server which some table is placed on but
// which is down, and one for every table without all of its replicas ready.
func (s *Store) Issues(ctx context.Context) ([]api.Issue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	issues := []api.Issue{}
	seen := map[string]struct{}{}

	for _, dbName := range sortedKeys(s.dbs) {
		db := s.dbs[dbName]
		for _, tName := range sortedKeys(db.tables) {
			t := db.tables[tName]

			for _, sh := range t.cfg.Shards {
				for _, name := range sh.Replicas {
					if _, ok := seen[name]; ok || s.isUp(name) {
						continue
					}
					seen[name] = struct{}{}
					issues = append(issues, api.Issue{
						Type:        "server_disconnected",
						Critical:    true,
						Description: fmt.Sprintf("Server `%s` is disconnected from the cluster.", name),
					})
				}
			}

			if !s.status(t).Status.AllReplicasReady {
				issues = append(issues, api.Issue{
					Type:        "table_availability",
					Critical:    false,
					Description: fmt.Sprintf("Table `%s.%s` is not fully available.", dbName, tName),
				})
			}
		}
	}

	return issues, nil
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
