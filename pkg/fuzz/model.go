package fuzz

import (
	"math/rand"

	"github.com/adammck/fixture/pkg/api"
	"github.com/emirpasic/gods/maps/treemap"
)

// Model is what the fuzzer believes the cluster contains. It's updated before
// creates are attempted and after drops succeed, so it can contain things
// which were never created (if the create failed) but never omits anything
// which exists. Operations on phantoms fail, which is harmless.
//
// Model isn't safe for concurrent use. The Runner serializes access to it.
type Model struct {
	rand *rand.Rand
	dbs  *treemap.Map // name -> *db
}

type db struct {
	name   string
	tables *treemap.Map // name -> *table
}

type table struct {
	db      *db
	name    string
	indexes []string

	// count is the number of records which have been inserted, which is also
	// the next key to insert.
	count int
}

type index struct {
	table *table
	name  string
}

func (t *table) ref() api.TableRef {
	return api.TableRef{DB: t.db.name, Table: t.name}
}

func NewModel(r *rand.Rand) *Model {
	return &Model{
		rand: r,
		dbs:  treemap.NewWithStringComparator(),
	}
}

// DBs returns the name of every db, in order.
func (m *Model) DBs() []string {
	out := make([]string, 0, m.dbs.Size())
	for _, k := range m.dbs.Keys() {
		out = append(out, k.(string))
	}
	return out
}

// Tables returns every table, ordered by db then table.
func (m *Model) Tables() []api.TableRef {
	tt := m.tables()
	out := make([]api.TableRef, len(tt))
	for i, t := range tt {
		out[i] = t.ref()
	}
	return out
}

// Indexes returns the indexes of the given table, including the primary key,
// in the order they were created. Nil if the table isn't known.
func (m *Model) Indexes(ref api.TableRef) []string {
	t := m.table(ref)
	if t == nil {
		return nil
	}
	out := make([]string, len(t.indexes))
	copy(out, t.indexes)
	return out
}

// Count returns the number of records which have been inserted into the given
// table.
func (m *Model) Count(ref api.TableRef) int {
	t := m.table(ref)
	if t == nil {
		return 0
	}
	return t.count
}

func (m *Model) table(ref api.TableRef) *table {
	v, ok := m.dbs.Get(ref.DB)
	if !ok {
		return nil
	}
	t, ok := v.(*db).tables.Get(ref.Table)
	if !ok {
		return nil
	}
	return t.(*table)
}

func (m *Model) tables() []*table {
	var out []*table
	for _, v := range m.dbs.Values() {
		for _, t := range v.(*db).tables.Values() {
			out = append(out, t.(*table))
		}
	}
	return out
}

func (m *Model) indexes() []index {
	var out []index
	for _, t := range m.tables() {
		for _, n := range t.indexes {
			out = append(out, index{t, n})
		}
	}
	return out
}

// valid returns true if an op of the given kind has something to act on.
func (m *Model) valid(k Kind) bool {
	switch k {
	case DBCreate:
		return true
	case DBDrop, TableCreate:
		return m.dbs.Size() > 0
	case IndexDrop, Changefeed:
		return len(m.indexes()) > 0
	}
	return len(m.tables()) > 0
}

// name returns a random name of four lowercase letters which isn't in taken.
func (m *Model) name(taken func(string) bool) string {
	for {
		b := make([]byte, 4)
		for i := range b {
			b[i] = byte('a' + m.rand.Intn(26))
		}
		if !taken(string(b)) {
			return string(b)
		}
	}
}

func (m *Model) addDB() *db {
	d := &db{
		name: m.name(func(s string) bool {
			_, ok := m.dbs.Get(s)
			return ok
		}),
		tables: treemap.NewWithStringComparator(),
	}
	m.dbs.Put(d.name, d)
	return d
}

func (m *Model) dropDB(d *db) {
	m.dbs.Remove(d.name)
}

func (m *Model) addTable(d *db) *table {
	t := &table{
		db: d,
		name: m.name(func(s string) bool {
			_, ok := d.tables.Get(s)
			return ok
		}),
		indexes: []string{api.DefaultPrimaryKey},
	}
	d.tables.Put(t.name, t)
	return t
}

func (m *Model) dropTable(t *table) {
	t.db.tables.Remove(t.name)
}

func (m *Model) addIndex(t *table) index {
	n := m.name(func(s string) bool {
		for _, i := range t.indexes {
			if i == s {
				return true
			}
		}
		return false
	})
	t.indexes = append(t.indexes, n)
	return index{t, n}
}

func (m *Model) dropIndex(i index) {
	for j, n := range i.table.indexes {
		if n == i.name {
			i.table.indexes = append(i.table.indexes[:j], i.table.indexes[j+1:]...)
			return
		}
	}
}

func (m *Model) randDB() *db {
	vs := m.dbs.Values()
	return vs[m.rand.Intn(len(vs))].(*db)
}

func (m *Model) randTable() *table {
	tt := m.tables()
	return tt[m.rand.Intn(len(tt))]
}

func (m *Model) randIndex() index {
	ii := m.indexes()
	return ii[m.rand.Intn(len(ii))]
}
