package fixture

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/adammck/fixture/pkg/api"
	"github.com/adammck/fixture/pkg/backend"
)

// Simple is a table of records which contain nothing but an integer primary
// key, covering a contiguous range of keys starting at one. The number of
// records is governed by the fill policy.
type Simple struct {
	Policy api.FillPolicy
}

func (s Simple) Validate() error {
	if s.Policy.IsZero() {
		return fmt.Errorf("%w: fill policy required (use Empty for an empty table)", api.ErrInvalidArgument)
	}

	return s.Policy.Validate()
}

func (s Simple) Fill(ctx context.Context, m *Manager) error {
	conn, err := m.conn(ctx)
	if err != nil {
		return err
	}

	ref := m.Ref()
	p := s.Policy

	n, err := conn.Count(ctx, ref)
	if err != nil {
		return err
	}

	// Tables which already contain records are patched up rather than
	// refilled, when that can produce the required range.
	if n > 0 {
		switch {
		case p.Exact > 0:
			m.rng = api.NewRange(1, p.Exact)
			return s.Check(ctx, m, true)

		case p.Min > 0 && p.MinDuration == 0 && n > p.Min:
			m.rng = api.NewRange(1, n)
			return s.Check(ctx, m, true)
		}

		res, err := conn.Delete(ctx, ref, api.All)
		if err != nil {
			return err
		}
		if res.Errors != 0 {
			return repairFailed("clearing %s: %s", ref, res)
		}
	}

	m.rng = api.DatasetRange{}

	began := m.clock.Now()
	start := 1
	end := 0
	records := 0

	for !s.satisfied(records, m.clock.Now().Sub(began)) {
		end = s.clamp(start + s.width(m.cfg.FillBatch, records) - 1)
		width := end - start + 1

		res, err := conn.Insert(ctx, ref, keyRange(m.spec.PrimaryKey, start, end), api.ConflictReplace)
		if err != nil {
			return err
		}
		if res.Errors != 0 {
			return repairFailed("inserting keys [%d, %d]: %s", start, end, res)
		}
		if res.Unchanged != 0 {
			return repairFailed("conflicting records in keys [%d, %d]: %s", start, end, res)
		}
		if res.Inserted != width {
			return repairFailed("expected %d records to be inserted in keys [%d, %d]: %s", width, start, end, res)
		}

		filled.Add(res.Inserted)
		records += res.Inserted
		start = end + 1
	}

	m.rng = api.DatasetRange{
		Start:   1,
		End:     end,
		Records: records,
		Known:   true,
	}

	log.Printf("filled %s with %d records (%s) in %s", ref, records, p, m.clock.Now().Sub(began))
	return nil
}

// satisfied returns true once any condition of the fill policy has been met.
func (s Simple) satisfied(records int, elapsed time.Duration) bool {
	p := s.Policy

	if p.Exact > 0 && records >= p.Exact {
		return true
	}

	if p.Min > 0 && records >= p.Min {
		return true
	}

	if p.MinDuration > 0 && elapsed >= p.MinDuration {
		return true
	}

	return false
}

// width returns the number of records to insert in the next batch.
func (s Simple) width(batch, records int) int {
	p := s.Policy

	switch {
	case p.Exact > 0:
		if r := p.Exact - records; r < batch {
			return r
		}

	case p.Min > 0:
		if p.Min < batch {
			return p.Min
		}
	}

	return batch
}

// clamp limits the end of a batch to the target record count, if any.
func (s Simple) clamp(end int) int {
	p := s.Policy

	switch {
	case p.Exact > 0 && end > p.Exact:
		return p.Exact

	case p.Min > 0 && end > p.Min:
		return p.Min
	}

	return end
}

func (s Simple) Check(ctx context.Context, m *Manager, repair bool) error {
	rng := m.rng
	if !rng.Known {
		return &api.DataMismatchError{
			Drift:  api.DriftUnknownRange,
			Detail: fmt.Sprintf("%s has not been filled since it was created", m.Ref()),
		}
	}

	conn, err := m.conn(ctx)
	if err != nil {
		return err
	}

	pk := m.spec.PrimaryKey

	for _, step := range []struct {
		drift api.Drift
		q     api.Query
	}{
		{api.DriftBefore, api.Below(rng.Start)},
		{api.DriftAfter, api.Above(rng.End)},
		{api.DriftNonInteger, api.All.Where(api.NonInteger(pk))},
	} {
		if err := s.remove(ctx, m, conn, step.drift, step.q, repair); err != nil {
			return err
		}
	}

	if err := s.trim(ctx, m, conn, repair); err != nil {
		return err
	}

	return s.restore(ctx, m, conn, repair)
}

// remove deletes (or, if not repairing, complains about) every record
// matching the query.
func (s Simple) remove(ctx context.Context, m *Manager, conn backend.Conn, d api.Drift, q api.Query, repair bool) error {
	ref := m.Ref()

	if !repair {
		return sample(ctx, conn, ref, d, q)
	}

	res, err := conn.Delete(ctx, ref, q)
	if err != nil {
		return err
	}

	if res.Errors != 0 {
		return &api.DataMismatchError{
			Drift:  d,
			Detail: fmt.Sprintf("unable to delete records: %s", res),
		}
	}

	if res.Deleted > 0 {
		log.Printf("deleted %d records from %s (%s)", res.Deleted, ref, d)
		repaired(d).Add(res.Deleted)
	}

	return nil
}

// trim strips every field but the primary key from records which have any
// others. The records are kept, unlike the other kinds of drift.
func (s Simple) trim(ctx context.Context, m *Manager, conn backend.Conn, repair bool) error {
	ref := m.Ref()
	q := api.All.Where(api.FieldCountNot(1))

	if !repair {
		return sample(ctx, conn, ref, api.DriftExtraFields, q)
	}

	res, err := conn.Project(ctx, ref, q, []string{m.spec.PrimaryKey})
	if err != nil {
		return err
	}

	if res.Errors != 0 {
		return &api.DataMismatchError{
			Drift:  api.DriftExtraFields,
			Detail: fmt.Sprintf("unable to fix records with extra fields: %s", res),
		}
	}

	if res.Replaced > 0 {
		log.Printf("removed extra fields from %d records in %s", res.Replaced, ref)
		repaired(api.DriftExtraFields).Add(res.Replaced)
	}

	return nil
}

// restore inserts (or, if not repairing, complains about) every key in the
// range which is missing from the table. Keys are fetched in batches.
func (s Simple) restore(ctx context.Context, m *Manager, conn backend.Conn, repair bool) error {
	ref := m.Ref()
	rng := m.rng
	batch := m.cfg.CheckBatch

	for lo := rng.Start; lo <= rng.End; lo += batch {
		hi := lo + batch
		if hi > rng.End+1 {
			hi = rng.End + 1
		}

		keys, err := conn.Keys(ctx, ref, api.Between(lo, hi))
		if err != nil {
			return err
		}

		have := make(map[int]struct{}, len(keys))
		for _, k := range keys {
			if f, ok := k.(float64); ok && api.IsInteger(f) {
				have[int(f)] = struct{}{}
			}
		}

		var missing []int
		for i := lo; i < hi; i++ {
			if _, ok := have[i]; !ok {
				missing = append(missing, i)
			}
		}

		if len(missing) == 0 {
			continue
		}

		if !repair {
			n := len(missing)
			if n > api.MaxSamples {
				n = api.MaxSamples
			}
			smp := make([]interface{}, n)
			for i := 0; i < n; i++ {
				smp[i] = missing[i]
			}
			return &api.DataMismatchError{
				Drift:   api.DriftMissing,
				Samples: smp,
			}
		}

		rows := make([]api.Record, len(missing))
		for i, k := range missing {
			rows[i] = api.Record{m.spec.PrimaryKey: k}
		}

		res, err := conn.Insert(ctx, ref, rows, api.ConflictReplace)
		if err != nil {
			return err
		}

		if res.Errors != 0 {
			return &api.DataMismatchError{
				Drift:  api.DriftMissing,
				Detail: fmt.Sprintf("unable to insert missing records in keys [%d, %d): %s", lo, hi, res),
			}
		}

		log.Printf("restored %d missing records in %s", len(missing), ref)
		repaired(api.DriftMissing).Add(len(missing))
	}

	return nil
}

// sample returns a DataMismatchError containing the first few records which
// match the query, or nil if there are none.
func sample(ctx context.Context, conn backend.Conn, ref api.TableRef, d api.Drift, q api.Query) error {
	rows, err := conn.Scan(ctx, ref, q.WithLimit(api.MaxSamples))
	if err != nil {
		return err
	}

	if len(rows) == 0 {
		return nil
	}

	return &api.DataMismatchError{
		Drift:   d,
		Samples: samples(rows),
	}
}

// keyRange returns one record per key in [start, end].
func keyRange(pk string, start, end int) []api.Record {
	if end < start {
		return nil
	}

	rows := make([]api.Record, 0, end-start+1)
	for i := start; i <= end; i++ {
		rows = append(rows, api.Record{pk: i})
	}

	return rows
}
