package backend

import (
	"context"
	"time"

	"github.com/adammck/fixture/pkg/api"
)

// Conn is a connection to some live node of a cluster. It's everything that
// the fixture reconciler, test lifecycle, and fuzzer need from the backend;
// the backend itself is a black box.
//
// Every method blocks until the backend has responded. Writes return a
// WriteResult summarising what happened to each record; an error is only
// returned when the write couldn't be attempted at all.
type Conn interface {

	// Ping is a trivial query, used to check that the connection is alive.
	Ping(ctx context.Context) error

	Close() error

	// Databases

	DBList(ctx context.Context) ([]string, error)
	DBCreate(ctx context.Context, db string) error
	DBDrop(ctx context.Context, db string) error

	// Tables

	TableList(ctx context.Context, db string) ([]string, error)
	TableCreate(ctx context.Context, ref api.TableRef, primaryKey string) error
	TableDrop(ctx context.Context, ref api.TableRef) error
	TableConfig(ctx context.Context, ref api.TableRef) (api.TableConfig, error)
	UpdateTableConfig(ctx context.Context, ref api.TableRef, patch api.ConfigPatch) (api.WriteResult, error)
	TableStatus(ctx context.Context, ref api.TableRef) (api.TableStatus, error)

	// Reconfigure lets the backend choose a placement with the given number
	// of shards and replicas per shard.
	Reconfigure(ctx context.Context, ref api.TableRef, shards, replicas int) (api.WriteResult, error)

	// Rebalance redistributes the keys between the existing shards.
	Rebalance(ctx context.Context, ref api.TableRef) error

	// Wait blocks until the table reaches the given readiness. A zero timeout
	// means wait for as long as ctx allows. Returns api.ErrTimeout if the
	// timeout expires first.
	Wait(ctx context.Context, ref api.TableRef, r api.Readiness, timeout time.Duration) error

	// Secondary indexes

	IndexList(ctx context.Context, ref api.TableRef) ([]string, error)
	IndexCreate(ctx context.Context, ref api.TableRef, name string) error
	IndexDrop(ctx context.Context, ref api.TableRef, name string) error

	// Reads

	Count(ctx context.Context, ref api.TableRef) (int, error)
	Get(ctx context.Context, ref api.TableRef, key interface{}) (api.Record, error)
	Scan(ctx context.Context, ref api.TableRef, q api.Query) ([]api.Record, error)

	// Keys returns the primary key of every record matching q, in key order.
	Keys(ctx context.Context, ref api.TableRef, q api.Query) ([]interface{}, error)

	// Writes

	Insert(ctx context.Context, ref api.TableRef, rows []api.Record, conflict api.Conflict) (api.WriteResult, error)
	Update(ctx context.Context, ref api.TableRef, key interface{}, fields api.Record) (api.WriteResult, error)
	Delete(ctx context.Context, ref api.TableRef, q api.Query) (api.WriteResult, error)

	// Project replaces every record matching q with a copy containing only
	// the given fields.
	Project(ctx context.Context, ref api.TableRef, q api.Query, fields []string) (api.WriteResult, error)

	// Changes subscribes to the changes of a table. The channel is closed when
	// ctx is cancelled, the table is dropped, or the connection fails.
	Changes(ctx context.Context, ref api.TableRef) (<-chan api.Change, error)

	// Cluster

	Issues(ctx context.Context) ([]api.Issue, error)
}

// Provider hands out connections. Callers which only have a single fixed
// connection can wrap it with Fixed.
type Provider interface {
	Acquire(ctx context.Context) (Conn, error)
}

type fixed struct {
	conn Conn
}

// Fixed returns a Provider which always returns the given connection.
func Fixed(conn Conn) Provider {
	return &fixed{conn}
}

func (f *fixed) Acquire(ctx context.Context) (Conn, error) {
	return f.conn, nil
}

// ProviderFunc adapts a function into a Provider.
type ProviderFunc func(ctx context.Context) (Conn, error)

func (f ProviderFunc) Acquire(ctx context.Context) (Conn, error) {
	return f(ctx)
}
