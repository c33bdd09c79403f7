// Package memory is an in-memory document store which behaves, as far as the
// fixture reconciler can tell, like a sharded and replicated cluster. The
// servers of the cluster are registered by name, and can be marked up or down
// to simulate failures; table availability follows from the placement of each
// shard and the liveness of its replicas.
//
// Every server of a simulated cluster serves the same Store, so there is no
// replication lag. This is a test double, not a database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/adammck/fixture/pkg/api"
	"github.com/adammck/fixture/pkg/backend"
	"github.com/emirpasic/gods/maps/treemap"
	"github.com/puzpuzpuz/xsync/v3"
)

type server struct {
	name string
	up   bool
}

type database struct {
	tables map[string]*table
}

type table struct {
	cfg     api.TableConfig
	indexes map[string]struct{}
	rows    *treemap.Map // normalized key -> api.Record
}

func newTable(ref api.TableRef, pk string, primary string) *table {
	return &table{
		cfg: api.TableConfig{
			DB:         ref.DB,
			Name:       ref.Table,
			PrimaryKey: pk,
			Durability: api.DurabilityHard,
			WriteAcks:  api.WriteAcksMajority,
			Shards: api.ShardPlan{
				{PrimaryReplica: primary, Replicas: []string{primary}},
			},
		},
		indexes: map[string]struct{}{},
		rows: treemap.NewWith(func(a, b interface{}) int {
			return api.CompareKeys(a, b)
		}),
	}
}

type Store struct {
	mu      sync.RWMutex
	dbs     map[string]*database
	servers []*server // in registration order

	feeds   *xsync.MapOf[uint64, *feed]
	feedSeq uint64
}

var _ backend.Conn = (*Store)(nil)

// New returns an empty store with the given servers registered and up.
func New(servers ...string) *Store {
	s := &Store{
		dbs:   map[string]*database{},
		feeds: xsync.NewMapOf[uint64, *feed](),
	}

	for _, name := range servers {
		s.AddServer(name)
	}

	return s
}

// AddServer registers a server, and marks it up. Does nothing but mark it up
// if it's already registered.
func (s *Store) AddServer(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if srv := s.server(name); srv != nil {
		srv.up = true
		return
	}

	s.servers = append(s.servers, &server{name: name, up: true})
}

// SetServerUp marks a registered server as up or down.
func (s *Store) SetServerUp(name string, up bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	srv := s.server(name)
	if srv == nil {
		return fmt.Errorf("%w: no such server: %s", api.ErrNotFound, name)
	}

	srv.up = up
	return nil
}

// RemoveServer forgets about a server entirely. Tables which still refer to it
// are left alone, so will remain degraded until they're reconfigured.
func (s *Store) RemoveServer(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, srv := range s.servers {
		if srv.name == name {
			s.servers = append(s.servers[:i], s.servers[i+1:]...)
			return
		}
	}
}

// Servers returns the names of the registered servers, in the order that they
// were registered.
func (s *Store) Servers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, len(s.servers))
	for i, srv := range s.servers {
		out[i] = srv.name
	}
	return out
}

// server must be called with mu held.
func (s *Store) server(name string) *server {
	for _, srv := range s.servers {
		if srv.name == name {
			return srv
		}
	}
	return nil
}

// isUp must be called with mu held.
func (s *Store) isUp(name string) bool {
	srv := s.server(name)
	return srv != nil && srv.up
}

// upServers must be called with mu held.
func (s *Store) upServers() []string {
	out := []string{}
	for _, srv := range s.servers {
		if srv.up {
			out = append(out, srv.name)
		}
	}
	return out
}

// table must be called with mu held.
func (s *Store) table(ref api.TableRef) (*table, error) {
	db, ok := s.dbs[ref.DB]
	if !ok {
		return nil, fmt.Errorf("%w: database `%s` does not exist", api.ErrNotFound, ref.DB)
	}

	t, ok := db.tables[ref.Table]
	if !ok {
		return nil, fmt.Errorf("%w: table `%s` does not exist", api.ErrNotFound, ref)
	}

	return t, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) DBList(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.dbs))
	for name := range s.dbs {
		out = append(out, name)
	}
	sort.Strings(out)

	return out, nil
}

func (s *Store) DBCreate(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.dbs[name]; ok {
		return fmt.Errorf("%w: database `%s` already exists", api.ErrAlreadyExists, name)
	}

	s.dbs[name] = &database{tables: map[string]*table{}}
	return nil
}

func (s *Store) DBDrop(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, ok := s.dbs[name]
	if !ok {
		return fmt.Errorf("%w: database `%s` does not exist", api.ErrNotFound, name)
	}

	for tName := range db.tables {
		s.closeFeeds(api.TableRef{DB: name, Table: tName})
	}

	delete(s.dbs, name)
	return nil
}

func (s *Store) TableList(ctx context.Context, dbName string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, ok := s.dbs[dbName]
	if !ok {
		return nil, fmt.Errorf("%w: database `%s` does not exist", api.ErrNotFound, dbName)
	}

	out := make([]string, 0, len(db.tables))
	for name := range db.tables {
		out = append(out, name)
	}
	sort.Strings(out)

	return out, nil
}

// TableCreate creates a table with a single unreplicated shard, placed on the
// first server which is up.
func (s *Store) TableCreate(ctx context.Context, ref api.TableRef, pk string) error {
	if pk == "" {
		pk = api.DefaultPrimaryKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	db, ok := s.dbs[ref.DB]
	if !ok {
		return fmt.Errorf("%w: database `%s` does not exist", api.ErrNotFound, ref.DB)
	}

	if _, ok := db.tables[ref.Table]; ok {
		return fmt.Errorf("%w: table `%s` already exists", api.ErrAlreadyExists, ref)
	}

	up := s.upServers()
	if len(up) == 0 {
		return fmt.Errorf("%w: no servers available to host table `%s`", api.ErrUnavailable, ref)
	}

	db.tables[ref.Table] = newTable(ref, pk, up[0])
	return nil
}

func (s *Store) TableDrop(ctx context.Context, ref api.TableRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.table(ref); err != nil {
		return err
	}

	s.closeFeeds(ref)
	delete(s.dbs[ref.DB].tables, ref.Table)
	return nil
}

func (s *Store) TableConfig(ctx context.Context, ref api.TableRef) (api.TableConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, err := s.table(ref)
	if err != nil {
		return api.TableConfig{}, err
	}

	return t.config(), nil
}

// config must be called with mu held.
func (t *table) config() api.TableConfig {
	cfg := t.cfg

	cfg.Shards = make(api.ShardPlan, len(t.cfg.Shards))
	for i, sh := range t.cfg.Shards {
		cfg.Shards[i] = api.Shard{
			PrimaryReplica: sh.PrimaryReplica,
			Replicas:       append([]string{}, sh.Replicas...),
		}
	}

	cfg.Indexes = make([]string, 0, len(t.indexes))
	for name := range t.indexes {
		cfg.Indexes = append(cfg.Indexes, name)
	}
	sort.Strings(cfg.Indexes)

	return cfg
}

// UpdateTableConfig applies the patch atomically. An invalid patch is reported
// in the result, and nothing is changed.
func (s *Store) UpdateTableConfig(ctx context.Context, ref api.TableRef, patch api.ConfigPatch) (api.WriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.table(ref)
	if err != nil {
		return api.WriteResult{}, err
	}

	if err := s.validatePatch(patch); err != nil {
		return api.WriteResult{Errors: 1, FirstError: err.Error()}, nil
	}

	before := t.config()

	if patch.Durability != "" {
		t.cfg.Durability = patch.Durability
	}
	if patch.WriteAcks != "" {
		t.cfg.WriteAcks = patch.WriteAcks
	}
	if len(patch.Shards) > 0 {
		t.cfg.Shards = patch.Shards
	}

	if configEqual(before, t.config()) {
		return api.WriteResult{Unchanged: 1}, nil
	}

	return api.WriteResult{Replaced: 1}, nil
}

// validatePatch must be called with mu held.
func (s *Store) validatePatch(patch api.ConfigPatch) error {
	switch patch.Durability {
	case "", api.DurabilitySoft, api.DurabilityHard:
	default:
		return fmt.Errorf("durability must be `soft` or `hard`, got %q", patch.Durability)
	}

	switch patch.WriteAcks {
	case "", api.WriteAcksSingle, api.WriteAcksMajority:
	default:
		return fmt.Errorf("write_acks must be `single` or `majority`, got %q", patch.WriteAcks)
	}

	for i, sh := range patch.Shards {
		if len(sh.Replicas) == 0 {
			return fmt.Errorf("shard %d has no replicas", i)
		}

		seen := map[string]struct{}{}
		primary := false

		for _, name := range sh.Replicas {
			if s.server(name) == nil {
				return fmt.Errorf("server `%s` does not exist", name)
			}
			if _, ok := seen[name]; ok {
				return fmt.Errorf("server `%s` appears more than once in shard %d", name, i)
			}
			seen[name] = struct{}{}
			if name == sh.PrimaryReplica {
				primary = true
			}
		}

		if !primary {
			return fmt.Errorf("primary replica `%s` of shard %d is not one of its replicas", sh.PrimaryReplica, i)
		}
	}

	return nil
}

// Reconfigure places the table on the servers which are currently up, round
// robin in registration order.
func (s *Store) Reconfigure(ctx context.Context, ref api.TableRef, shards, replicas int) (api.WriteResult, error) {
	if shards < 1 || replicas < 1 {
		return api.WriteResult{}, fmt.Errorf("%w: shards and replicas must be positive", api.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.table(ref)
	if err != nil {
		return api.WriteResult{}, err
	}

	up := s.upServers()
	if replicas > len(up) {
		return api.WriteResult{
			Errors:     1,
			FirstError: fmt.Sprintf("can't put %d replicas on %d available servers", replicas, len(up)),
		}, nil
	}

	plan := make(api.ShardPlan, shards)
	for i := range plan {
		sh := api.Shard{PrimaryReplica: up[i%len(up)]}
		for j := 0; j < replicas; j++ {
			sh.Replicas = append(sh.Replicas, up[(i+j)%len(up)])
		}
		plan[i] = sh
	}

	before := t.config()
	t.cfg.Shards = plan

	if configEqual(before, t.config()) {
		return api.WriteResult{Unchanged: 1}, nil
	}

	return api.WriteResult{Replaced: 1}, nil
}

// Rebalance does nothing but check that the table exists, since this store
// doesn't split its keyspace between shards.
func (s *Store) Rebalance(ctx context.Context, ref api.TableRef) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := s.table(ref)
	return err
}

func (s *Store) IndexList(ctx context.Context, ref api.TableRef) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, err := s.table(ref)
	if err != nil {
		return nil, err
	}

	return t.config().Indexes, nil
}

func (s *Store) IndexCreate(ctx context.Context, ref api.TableRef, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.table(ref)
	if err != nil {
		return err
	}

	if _, ok := t.indexes[name]; ok || name == t.cfg.PrimaryKey {
		return fmt.Errorf("%w: index `%s` already exists on table `%s`", api.ErrAlreadyExists, name, ref)
	}

	t.indexes[name] = struct{}{}
	return nil
}

func (s *Store) IndexDrop(ctx context.Context, ref api.TableRef, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.table(ref)
	if err != nil {
		return err
	}

	if _, ok := t.indexes[name]; !ok {
		return fmt.Errorf("%w: index `%s` does not exist on table `%s`", api.ErrNotFound, name, ref)
	}

	delete(t.indexes, name)
	return nil
}

func configEqual(a, b api.TableConfig) bool {
	if a.PrimaryKey != b.PrimaryKey || a.Durability != b.Durability || a.WriteAcks != b.WriteAcks {
		return false
	}
	if len(a.Shards) != len(b.Shards) {
		return false
	}
	for i := range a.Shards {
		if a.Shards[i].PrimaryReplica != b.Shards[i].PrimaryReplica {
			return false
		}
		if len(a.Shards[i].Replicas) != len(b.Shards[i].Replicas) {
			return false
		}
		for j := range a.Shards[i].Replicas {
			if a.Shards[i].Replicas[j] != b.Shards[i].Replicas[j] {
				return false
			}
		}
	}
	return true
}
