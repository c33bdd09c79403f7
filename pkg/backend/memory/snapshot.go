package memory

import (
	"github.com/adammck/fixture/pkg/api"
)

// TableSnapshot is the complete state of one table.
type TableSnapshot struct {
	Config api.TableConfig `json:"config"`
	Rows   []api.Record    `json:"rows"`
}

// Snapshot is the complete state of a store, suitable for dumping to disk so
// that a failed test can be inspected after the fact.
type Snapshot struct {
	Servers map[string]bool                      `json:"servers"`
	DBs     map[string]map[string]TableSnapshot `json:"dbs"`
}

// Snapshot returns a deep-enough copy of the current state of the store.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Servers: make(map[string]bool, len(s.servers)),
		DBs:     make(map[string]map[string]TableSnapshot, len(s.dbs)),
	}

	for _, srv := range s.servers {
		snap.Servers[srv.name] = srv.up
	}

	for dbName, db := range s.dbs {
		tables := make(map[string]TableSnapshot, len(db.tables))

		for tName, t := range db.tables {
			ts := TableSnapshot{
				Config: t.config(),
				Rows:   make([]api.Record, 0, t.rows.Size()),
			}

			it := t.rows.Iterator()
			for it.Next() {
				ts.Rows = append(ts.Rows, it.Value().(api.Record).Copy())
			}

			tables[tName] = ts
		}

		snap.DBs[dbName] = tables
	}

	return snap
}
