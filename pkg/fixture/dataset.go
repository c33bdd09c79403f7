package fixture

import (
	"context"
	"fmt"
	"log"

	"github.com/adammck/fixture/pkg/api"
)

// Dataset defines what a fixture table should contain, and knows how to put
// it there.
type Dataset interface {
	Validate() error

	// Fill replaces the contents of the table with the dataset, and records
	// the resulting range on the manager.
	Fill(ctx context.Context, m *Manager) error

	// Check verifies the contents of the table against the manager's range,
	// repairing them if repair is true. Returns a *api.DataMismatchError for
	// the first class of drift found.
	Check(ctx context.Context, m *Manager, repair bool) error
}

// Empty is a table with no records at all.
type Empty struct{}

func (Empty) Validate() error {
	return nil
}

func (Empty) Fill(ctx context.Context, m *Manager) error {
	return Empty{}.Check(ctx, m, true)
}

func (Empty) Check(ctx context.Context, m *Manager, repair bool) error {
	conn, err := m.conn(ctx)
	if err != nil {
		return err
	}

	ref := m.Ref()

	if repair {
		res, err := conn.Delete(ctx, ref, api.All)
		if err != nil {
			return err
		}
		if res.Errors != 0 {
			return &api.DataMismatchError{
				Drift:  api.DriftExtraRecords,
				Detail: fmt.Sprintf("failed to delete records: %s", res),
			}
		}
		if res.Deleted > 0 {
			log.Printf("deleted %d records from %s", res.Deleted, ref)
			repaired(api.DriftExtraRecords).Add(res.Deleted)
		}

	} else if err := sample(ctx, conn, ref, api.DriftExtraRecords, api.All); err != nil {
		return err
	}

	m.rng = api.DatasetRange{}
	return nil
}

func samples(rows []api.Record) []interface{} {
	n := len(rows)
	if n > api.MaxSamples {
		n = api.MaxSamples
	}

	out := make([]interface{}, n)
	for i := 0; i < n; i++ {
		out[i] = rows[i]
	}

	return out
}
