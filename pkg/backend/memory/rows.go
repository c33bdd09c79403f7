package memory

import (
	"context"
	"fmt"
	"reflect"

	"github.com/adammck/fixture/pkg/api"
	"github.com/google/uuid"
)

// normalize converts every number in a value to float64, recursively, so that
// records compare equal regardless of whether they came over the wire.
func normalize(v interface{}) interface{} {
	switch vv := v.(type) {
	case api.Record:
		out := make(api.Record, len(vv))
		for k, x := range vv {
			out[k] = normalize(x)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(vv))
		for k, x := range vv {
			out[k] = normalize(x)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(vv))
		for i, x := range vv {
			out[i] = normalize(x)
		}
		return out
	case int, int32, int64, uint64, float32:
		k, _ := api.NormalizeKey(vv)
		return k
	}
	return v
}

func normalizeRecord(r api.Record) api.Record {
	return normalize(r).(api.Record)
}

// match calls fn with every record of t matching q, in key order. Must be
// called with mu held. The records passed to fn are not copies.
func (t *table) match(q api.Query, fn func(k interface{}, r api.Record)) {
	q.Lower = normalizeBound(q.Lower)
	q.Upper = normalizeBound(q.Upper)

	n := 0
	it := t.rows.Iterator()
	for it.Next() {
		k := it.Key()
		if !q.InRange(k) {
			continue
		}

		r := it.Value().(api.Record)
		if !q.Filter.Match(r) {
			continue
		}

		fn(k, r)

		n++
		if q.Limit > 0 && n >= q.Limit {
			return
		}
	}
}

func normalizeBound(b interface{}) interface{} {
	if b == nil {
		return nil
	}
	if k, err := api.NormalizeKey(b); err == nil {
		return k
	}
	return b
}

func (s *Store) Count(ctx context.Context, ref api.TableRef) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, err := s.require(ref, api.ReadyForReads)
	if err != nil {
		return 0, err
	}

	return t.rows.Size(), nil
}

// Get returns the record with the given key, or nil if there is none.
func (s *Store) Get(ctx context.Context, ref api.TableRef, key interface{}) (api.Record, error) {
	k, err := api.NormalizeKey(key)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	t, err := s.require(ref, api.ReadyForReads)
	if err != nil {
		return nil, err
	}

	v, ok := t.rows.Get(k)
	if !ok {
		return nil, nil
	}

	return v.(api.Record).Copy(), nil
}

func (s *Store) Scan(ctx context.Context, ref api.TableRef, q api.Query) ([]api.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, err := s.require(ref, api.ReadyForReads)
	if err != nil {
		return nil, err
	}

	out := []api.Record{}
	t.match(q, func(_ interface{}, r api.Record) {
		out = append(out, r.Copy())
	})

	return out, nil
}

func (s *Store) Keys(ctx context.Context, ref api.TableRef, q api.Query) ([]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, err := s.require(ref, api.ReadyForReads)
	if err != nil {
		return nil, err
	}

	out := []interface{}{}
	t.match(q, func(k interface{}, _ api.Record) {
		out = append(out, k)
	})

	return out, nil
}

// Insert writes each row, generating a UUID key for rows which lack one. Rows
// which fail are counted in the result; the others are still written.
func (s *Store) Insert(ctx context.Context, ref api.TableRef, rows []api.Record, conflict api.Conflict) (api.WriteResult, error) {
	if conflict == "" {
		conflict = api.ConflictError
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.require(ref, api.ReadyForWrites)
	if err != nil {
		return api.WriteResult{}, err
	}

	pk := t.cfg.PrimaryKey
	res := result{}

	for _, row := range rows {
		rec := normalizeRecord(row)

		key, ok := rec[pk]
		if !ok {
			key = uuid.NewString()
			rec[pk] = key
			res.GeneratedKeys = append(res.GeneratedKeys, key)
		}

		k, err := api.NormalizeKey(key)
		if err != nil {
			res.fail(fmt.Sprintf("Primary key `%s` cannot be %v", pk, key))
			continue
		}

		v, exists := t.rows.Get(k)
		if !exists {
			t.rows.Put(k, rec)
			res.Inserted++
			s.publish(ref, nil, rec)
			continue
		}

		old := v.(api.Record)
		var next api.Record

		switch conflict {
		case api.ConflictReplace:
			next = rec

		case api.ConflictUpdate:
			next = old.Copy()
			for f, x := range rec {
				next[f] = x
			}

		default:
			res.fail(fmt.Sprintf("Duplicate primary key `%s`: %v", pk, key))
			continue
		}

		if reflect.DeepEqual(old, next) {
			res.Unchanged++
			continue
		}

		t.rows.Put(k, next)
		res.Replaced++
		s.publish(ref, old, next)
	}

	return res.WriteResult, nil
}

func (s *Store) Update(ctx context.Context, ref api.TableRef, key interface{}, fields api.Record) (api.WriteResult, error) {
	k, err := api.NormalizeKey(key)
	if err != nil {
		return api.WriteResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.require(ref, api.ReadyForWrites)
	if err != nil {
		return api.WriteResult{}, err
	}

	v, ok := t.rows.Get(k)
	if !ok {
		return api.WriteResult{Skipped: 1}, nil
	}

	old := v.(api.Record)
	next := old.Copy()
	for f, x := range normalizeRecord(fields) {
		next[f] = x
	}

	if !reflect.DeepEqual(next[t.cfg.PrimaryKey], k) {
		return api.WriteResult{
			Errors:     1,
			FirstError: fmt.Sprintf("Primary key `%s` cannot be changed", t.cfg.PrimaryKey),
		}, nil
	}

	if reflect.DeepEqual(old, next) {
		return api.WriteResult{Unchanged: 1}, nil
	}

	t.rows.Put(k, next)
	s.publish(ref, old, next)

	return api.WriteResult{Replaced: 1}, nil
}

func (s *Store) Delete(ctx context.Context, ref api.TableRef, q api.Query) (api.WriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.require(ref, api.ReadyForWrites)
	if err != nil {
		return api.WriteResult{}, err
	}

	type kv struct {
		k interface{}
		r api.Record
	}

	// Collect first; the tree can't be modified while iterating.
	doomed := []kv{}
	t.match(q, func(k interface{}, r api.Record) {
		doomed = append(doomed, kv{k, r})
	})

	for _, d := range doomed {
		t.rows.Remove(d.k)
		s.publish(ref, d.r, nil)
	}

	return api.WriteResult{Deleted: len(doomed)}, nil
}

func (s *Store) Project(ctx context.Context, ref api.TableRef, q api.Query, fields []string) (api.WriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.require(ref, api.ReadyForWrites)
	if err != nil {
		return api.WriteResult{}, err
	}

	type change struct {
		k        interface{}
		old, new api.Record
	}

	changes := []change{}
	res := api.WriteResult{}

	t.match(q, func(k interface{}, r api.Record) {
		next := api.Record{}
		for _, f := range fields {
			if v, ok := r[f]; ok {
				next[f] = v
			}
		}

		if _, ok := next[t.cfg.PrimaryKey]; !ok {
			res.Errors++
			if res.FirstError == "" {
				res.FirstError = fmt.Sprintf("Cannot remove primary key `%s`", t.cfg.PrimaryKey)
			}
			return
		}

		if reflect.DeepEqual(r, next) {
			res.Unchanged++
			return
		}

		changes = append(changes, change{k, r, next})
	})

	for _, c := range changes {
		t.rows.Put(c.k, c.new)
		s.publish(ref, c.old, c.new)
	}

	res.Replaced = len(changes)
	return res, nil
}

// result is a WriteResult which knows how to record an error.
type result struct {
	api.WriteResult
}

func (r *result) fail(msg string) {
	r.Errors++
	if r.FirstError == "" {
		r.FirstError = msg
	}
}
