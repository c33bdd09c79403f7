// Package fixture brings a table of a replicated document store into a known
// state before a test runs, verifies that it stays that way, and repairs it
// when it doesn't.
//
// A Manager owns one table. Reconcile takes care of its structure (database,
// primary key, indexes, durability, write acks, shard placement) and the
// Manager's Dataset takes care of its contents. Nothing is transactional;
// every step is idempotent, so a failed repair is retried by calling Check
// again rather than by rolling anything back.
package fixture

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/adammck/fixture/pkg/api"
	"github.com/adammck/fixture/pkg/backend"
	"github.com/adammck/fixture/pkg/cluster"
	"github.com/adammck/fixture/pkg/config"
	"github.com/adammck/fixture/pkg/persister"
	"github.com/jonboulle/clockwork"
)

type Options struct {
	Spec api.TableSpec

	// Data defines the contents of the table. Defaults to Empty.
	Data Dataset

	// Conns provides a connection to the cluster for each operation, so that
	// the Manager survives the node it first connected to going away.
	Conns backend.Provider

	// Members is used to place shards on servers.
	Members cluster.Membership

	// Config provides the batch sizes and timeouts. Defaults to
	// config.Default.
	Config *config.Config

	// Clock measures how long filling takes. Defaults to the real clock.
	Clock clockwork.Clock

	// Persister, if set, stores the dataset range after each fill, and
	// provides it to a Manager which checks the table without having filled
	// it.
	Persister persister.Persister
}

type Manager struct {
	spec    api.TableSpec
	data    Dataset
	conns   backend.Provider
	members cluster.Membership
	cfg     config.Config
	clock   clockwork.Clock
	persist persister.Persister

	// rng is the dataset which the table is expected to contain, as of the
	// last fill or check. Unknown after the table is recreated.
	rng api.DatasetRange
}

// New validates the options and returns a Manager, without touching the
// table. Most callers want Open.
func New(opts Options) (*Manager, error) {
	spec := opts.Spec.WithDefaults()
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	if opts.Conns == nil {
		return nil, fmt.Errorf("%w: connection provider required", api.ErrInvalidArgument)
	}

	if opts.Members == nil {
		return nil, fmt.Errorf("%w: cluster membership required", api.ErrInvalidArgument)
	}

	if opts.Data == nil {
		opts.Data = Empty{}
	}

	if err := opts.Data.Validate(); err != nil {
		return nil, err
	}

	cfg := config.Default()
	if opts.Config != nil {
		cfg = *opts.Config
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", api.ErrInvalidArgument, err)
	}

	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	return &Manager{
		spec:    spec,
		data:    opts.Data,
		conns:   opts.Conns,
		members: opts.Members,
		cfg:     cfg,
		clock:   opts.Clock,
		persist: opts.Persister,
	}, nil
}

// Open returns a Manager whose table has been reconciled and filled.
func Open(ctx context.Context, opts Options) (*Manager, error) {
	m, err := New(opts)
	if err != nil {
		return nil, err
	}

	if err := m.Reconcile(ctx, true); err != nil {
		return nil, err
	}

	if err := m.Fill(ctx); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Manager) Spec() api.TableSpec {
	return m.spec
}

func (m *Manager) Ref() api.TableRef {
	return m.spec.TableRef
}

// Range returns the dataset which the table is expected to contain.
func (m *Manager) Range() api.DatasetRange {
	return m.rng
}

func (m *Manager) conn(ctx context.Context) (backend.Conn, error) {
	return m.conns.Acquire(ctx)
}

// Fill (re)populates the table according to the Dataset.
func (m *Manager) Fill(ctx context.Context) error {
	if err := m.data.Fill(ctx, m); err != nil {
		return err
	}

	return m.saveRange(ctx)
}

// CheckData verifies the contents of the table, repairing them if repair is
// true. Returns a *api.DataMismatchError if they're wrong (or can't be
// repaired).
func (m *Manager) CheckData(ctx context.Context, repair bool) error {
	if err := m.loadRange(ctx); err != nil {
		return err
	}

	return m.data.Check(ctx, m, repair)
}

// loadRange fetches the dataset range from the persister, if there is one and
// the range isn't already known.
func (m *Manager) loadRange(ctx context.Context) error {
	if m.persist == nil || m.rng.Known {
		return nil
	}

	rng, err := m.persist.GetRange(ctx, m.Ref())
	if err != nil {
		return fmt.Errorf("loading range of %s: %w", m.Ref(), err)
	}

	if rng.Known {
		log.Printf("loaded range of %s: %s", m.Ref(), rng)
		m.rng = rng
	}

	return nil
}

func (m *Manager) saveRange(ctx context.Context) error {
	if m.persist == nil {
		return nil
	}

	if err := m.persist.PutRange(ctx, m.Ref(), m.rng); err != nil {
		return fmt.Errorf("saving range of %s: %w", m.Ref(), err)
	}

	return nil
}

// Check verifies the structure and contents of the table, and waits until
// it's fully available.
//
// In repair mode, each problem is repaired and then verified again. If the
// contents can't be repaired, the table is dropped and refilled from scratch,
// which resets the dataset range.
func (m *Manager) Check(ctx context.Context, repair bool) error {
	if err := m.Reconcile(ctx, repair); err != nil {
		return err
	}

	err := m.CheckData(ctx, repair)
	if err == nil && repair {
		err = m.CheckData(ctx, false)
	}

	if err != nil {
		if !repair || !errors.Is(err, api.ErrDataMismatch) {
			return err
		}

		log.Printf("WARN: repairing %s failed, recreating: %v", m.Ref(), err)
		if err := m.Recreate(ctx); err != nil {
			return err
		}
	}

	return m.wait(ctx)
}

// Recreate drops the table, creates it again, and fills it.
func (m *Manager) Recreate(ctx context.Context) error {
	recreates.Inc()
	m.rng = api.DatasetRange{}

	// Forget the old range first, so nobody checks against it if the refill
	// fails.
	if err := m.saveRange(ctx); err != nil {
		return err
	}

	if err := m.reconcile(ctx, true, true); err != nil {
		return err
	}

	return m.Fill(ctx)
}

// wait blocks until every replica of the table is ready.
func (m *Manager) wait(ctx context.Context) error {
	conn, err := m.conn(ctx)
	if err != nil {
		return err
	}

	return conn.Wait(ctx, m.Ref(), api.AllReplicasReady, m.cfg.ReadyTimeout)
}
