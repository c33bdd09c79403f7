package consul

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	fapi "github.com/adammck/fixture/pkg/api"
	"github.com/adammck/fixture/pkg/persister"
	"github.com/hashicorp/consul/api"
)

// Prefix is the Consul KV prefix which ranges are stored under, as
// <prefix>/<db>/<table>.
const Prefix = "fixture/ranges"

type Persister struct {
	kv *api.KV

	// keep track of the last ModifyIndex for each table, so that concurrent
	// writers can't clobber each other.
	modifyIndex map[fapi.TableRef]uint64

	// guards modifyIndex
	sync.Mutex
}

var _ persister.Persister = (*Persister)(nil)

func New(client *api.Client) *Persister {
	return &Persister{
		kv:          client.KV(),
		modifyIndex: map[fapi.TableRef]uint64{},
	}
}

func key(ref fapi.TableRef) string {
	return strings.Join([]string{Prefix, ref.DB, ref.Table}, "/")
}

func decode(b []byte) (fapi.DatasetRange, error) {
	var rng fapi.DatasetRange
	if err := json.Unmarshal(b, &rng); err != nil {
		return fapi.DatasetRange{}, err
	}

	// Anything stored was known.
	rng.Known = true
	if rng.Records != rng.End-rng.Start+1 {
		return fapi.DatasetRange{}, fmt.Errorf("invalid range: %+v", rng)
	}

	return rng, nil
}

func (cp *Persister) GetRange(ctx context.Context, ref fapi.TableRef) (fapi.DatasetRange, error) {
	cp.Lock()
	defer cp.Unlock()

	return cp.get(ctx, ref)
}

// get must be called with the lock held.
func (cp *Persister) get(ctx context.Context, ref fapi.TableRef) (fapi.DatasetRange, error) {
	q := (&api.QueryOptions{}).WithContext(ctx)

	pair, _, err := cp.kv.Get(key(ref), q)
	if err != nil {
		return fapi.DatasetRange{}, err
	}

	if pair == nil {
		delete(cp.modifyIndex, ref)
		return fapi.DatasetRange{}, nil
	}

	cp.modifyIndex[ref] = pair.ModifyIndex

	rng, err := decode(pair.Value)
	if err != nil {
		return fapi.DatasetRange{}, fmt.Errorf("invalid Consul value: %s: %w", pair.Key, err)
	}

	return rng, nil
}

func (cp *Persister) PutRange(ctx context.Context, ref fapi.TableRef, rng fapi.DatasetRange) error {
	cp.Lock()
	defer cp.Unlock()

	// Find out what's there already, if anything.
	if _, ok := cp.modifyIndex[ref]; !ok {
		if _, err := cp.get(ctx, ref); err != nil {
			return err
		}
	}

	op := &api.KVTxnOp{
		Verb:  api.KVCAS,
		Key:   key(ref),
		Index: cp.modifyIndex[ref],
	}

	if !rng.Known {
		op.Verb = api.KVDeleteCAS
	} else {
		v, err := json.Marshal(rng)
		if err != nil {
			return err
		}
		op.Value = v
	}

	// Deleting something which was never there.
	if op.Verb == api.KVDeleteCAS && op.Index == 0 {
		return nil
	}

	w := (&api.QueryOptions{}).WithContext(ctx)
	ok, res, _, err := cp.kv.Txn(api.KVTxnOps{op}, w)
	if err != nil {
		return err
	}

	if !ok {
		// Someone else wrote it. Forget the index, so the next call reads it.
		delete(cp.modifyIndex, ref)
		return fmt.Errorf("conflicting update of range of %s: %v", ref, res.Errors)
	}

	if op.Verb == api.KVDeleteCAS {
		delete(cp.modifyIndex, ref)
		return nil
	}

	if len(res.Results) != 1 {
		return fmt.Errorf("expected one result from Txn, got %d", len(res.Results))
	}

	cp.modifyIndex[ref] = res.Results[0].ModifyIndex
	return nil
}
