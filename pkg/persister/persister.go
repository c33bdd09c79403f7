// Package persister stores the dataset ranges of fixture tables outside of the
// process which filled them, so that another process can check their contents
// without filling them again.
package persister

import (
	"context"

	"github.com/adammck/fixture/pkg/api"
	"github.com/puzpuzpuz/xsync/v3"
)

type Persister interface {

	// GetRange returns the last range stored for the table, or an unknown
	// range if there isn't one.
	GetRange(ctx context.Context, ref api.TableRef) (api.DatasetRange, error)

	// PutRange stores the range of the table. Storing an unknown range
	// removes it.
	PutRange(ctx context.Context, ref api.TableRef, rng api.DatasetRange) error
}

// Memory is a Persister which only lasts as long as the process.
type Memory struct {
	ranges *xsync.MapOf[api.TableRef, api.DatasetRange]
}

var _ Persister = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		ranges: xsync.NewMapOf[api.TableRef, api.DatasetRange](),
	}
}

func (m *Memory) GetRange(ctx context.Context, ref api.TableRef) (api.DatasetRange, error) {
	rng, _ := m.ranges.Load(ref)
	return rng, nil
}

func (m *Memory) PutRange(ctx context.Context, ref api.TableRef, rng api.DatasetRange) error {
	if !rng.Known {
		m.ranges.Delete(ref)
		return nil
	}

	m.ranges.Store(ref, rng)
	return nil
}
