// Package orchestrator fans one IRS write or read out across a local
// replica and zero or more remote replicas: local-first reads with
// first-hit-wins remote fallback and opportunistic local replication, and
// writes that require local success while tolerating remote failure as a
// partial write.
//
// The fan-out shape is grounded on a backend provider iterating its set of
// configured remote clusters concurrently and folding per-remote outcomes
// back into one result.
/*
 * Copyright (c) 2024, IRS Cache Core contributors.
 */
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"github.com/cxcache/irscache/casengine"
	"github.com/cxcache/irscache/cmn"
	"github.com/cxcache/irscache/codec"
	"github.com/cxcache/irscache/irs"
	"github.com/cxcache/irscache/store"
)

// Replica pairs one store.Client with the CAS engine operating on it.
type Replica struct {
	Client store.Client
	Engine *casengine.Engine
}

// Orchestrator coordinates reads and writes across one local replica and
// any number of remote replicas.
type Orchestrator struct {
	local   Replica
	remotes []Replica
}

func New(local Replica, remotes []Replica) *Orchestrator {
	return &Orchestrator{local: local, remotes: remotes}
}

// Local returns the local replica's store client, for callers (such as the
// subscription aggregator) that need direct access to the local mapping
// records rather than the IRS-level Get/Put/Delete surface.
func (o *Orchestrator) Local() store.Client { return o.local.Client }

// PutOutcome reports what happened across replicas beyond plain success.
type PutOutcome struct {
	Collisions         []casengine.Collision
	PartialWriteStores []string
}

// Put writes i to the local replica - which must succeed - then fans the
// same write out to every remote replica concurrently. A remote failure
// does not fail the call; it is recorded in PartialWriteStores and the
// call still returns a *cmn.Error of KindPartialWrite so the caller can
// log it, while the write itself is reported successful to the original
// requester.
func (o *Orchestrator) Put(ctx context.Context, i *irs.IRS, ttl time.Duration) (*PutOutcome, error) {
	now := time.Now()
	localResult, err := o.local.Engine.Put(ctx, i, ttl, now)
	if err != nil {
		return nil, err
	}
	outcome := &PutOutcome{Collisions: append([]casengine.Collision(nil), localResult.Collisions...)}
	if len(o.remotes) == 0 {
		return outcome, nil
	}

	var mu sync.Mutex
	var g errgroup.Group
	for _, r := range o.remotes {
		r := r
		g.Go(func() error {
			res, err := r.Engine.Put(ctx, i, ttl, now)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				glog.Warningf("orchestrator: remote write to %s failed for %s: %v", r.Client.Name(), i.DefaultIMPU, err)
				outcome.PartialWriteStores = append(outcome.PartialWriteStores, r.Client.Name())
				return nil
			}
			outcome.Collisions = append(outcome.Collisions, res.Collisions...)
			return nil
		})
	}
	_ = g.Wait() // no member function returns a non-nil error; failures are recorded above

	if len(outcome.PartialWriteStores) > 0 {
		return outcome, cmn.PartialWrite("orchestrator: %d/%d remote writes failed for %s",
			len(outcome.PartialWriteStores), len(o.remotes), i.DefaultIMPU)
	}
	return outcome, nil
}

// Delete removes i from every replica. Local failures are returned; remote
// failures are logged and otherwise ignored - the Delete protocol itself
// treats a mismatch or a missing key as benign, so only a hard store error
// is worth surfacing, and even then only as a log line since deletes are
// idempotent and a later retry (or TTL expiry) will finish the job.
func (o *Orchestrator) Delete(ctx context.Context, i *irs.IRS) error {
	if err := o.local.Engine.Delete(ctx, i); err != nil {
		return err
	}
	var g errgroup.Group
	for _, r := range o.remotes {
		r := r
		g.Go(func() error {
			if err := r.Engine.Delete(ctx, i); err != nil {
				glog.Warningf("orchestrator: remote delete on %s failed for %s: %v", r.Client.Name(), i.DefaultIMPU, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Get reads the default IMPU record for defaultIMPU, trying the local
// replica first and falling back to the remotes (queried concurrently,
// first successful hit wins) on a local miss. A hit found only on a
// remote is opportunistically replicated back to the local replica so the
// next read is local-only.
func (o *Orchestrator) Get(ctx context.Context, defaultIMPU string) (*irs.IRS, error) {
	key := cmn.IMPUKey(defaultIMPU)

	rec, cas, ttlRemaining, found, err := getDecoded(ctx, o.local.Client, key)
	if err != nil {
		return nil, err
	}
	if found {
		return irs.Decode(rec, cas, ttlRemaining), nil
	}
	if len(o.remotes) == 0 {
		return nil, cmn.NotFound("orchestrator: %s not found", defaultIMPU)
	}

	type hit struct {
		rec          *codec.DefaultIMPURecord
		cas          uint64
		ttlRemaining time.Duration
	}
	hits := make(chan hit, len(o.remotes))
	var wg sync.WaitGroup
	for _, r := range o.remotes {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, cas, ttlRemaining, found, err := getDecoded(ctx, r.Client, key)
			if err != nil {
				glog.Warningf("orchestrator: remote get on %s failed for %s: %v", r.Client.Name(), defaultIMPU, err)
				return
			}
			if !found {
				return
			}
			select {
			case hits <- hit{rec, cas, ttlRemaining}:
			default:
			}
		}()
	}
	go func() {
		wg.Wait()
		close(hits)
	}()

	h, ok := <-hits
	if !ok {
		return nil, cmn.NotFound("orchestrator: %s not found in any replica", defaultIMPU)
	}
	o.replicateLocal(ctx, h.rec, h.ttlRemaining)
	return irs.Decode(h.rec, h.cas, h.ttlRemaining), nil
}

// replicateLocal best-effort writes a record read from a remote replica
// back into the local one. A conflicting local write racing this is fine -
// the next Put's merge rules reconcile it - so failures are only logged.
func (o *Orchestrator) replicateLocal(ctx context.Context, rec *codec.DefaultIMPURecord, ttlRemaining time.Duration) {
	blob, err := codec.EncodeDefaultIMPU(rec)
	if err != nil {
		return
	}
	key := cmn.IMPUKey(rec.DefaultIMPU)
	if _, err := o.local.Client.Add(ctx, key, blob, ttlRemaining); err != nil {
		glog.V(2).Infof("orchestrator: opportunistic local replication of %s failed: %v", rec.DefaultIMPU, err)
	}
}

func getDecoded(ctx context.Context, c store.Client, key string) (rec *codec.DefaultIMPURecord, cas uint64, ttlRemaining time.Duration, found bool, err error) {
	got, status, err := c.Get(ctx, key)
	if err != nil {
		return nil, 0, 0, false, cmn.LocalStoreError(err, "orchestrator: get %s from %s", key, c.Name())
	}
	if status != store.OK {
		return nil, 0, 0, false, nil
	}
	rec, err = codec.DecodeDefaultIMPU(got.Bytes)
	if err != nil {
		return nil, 0, 0, false, nil // corrupt record treated as a miss
	}
	return rec, got.CAS, got.TTLRemaining, true, nil
}

// GetMany performs Get for every IMPU in impus concurrently, returning
// whatever subset was found. Callers needing per-key errors should use Get
// directly.
func (o *Orchestrator) GetMany(ctx context.Context, impus []string) map[string]*irs.IRS {
	results := make(map[string]*irs.IRS, len(impus))
	var mu sync.Mutex
	var g errgroup.Group
	for _, impu := range impus {
		impu := impu
		g.Go(func() error {
			i, err := o.Get(ctx, impu)
			if err != nil {
				return nil
			}
			mu.Lock()
			results[impu] = i
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// GetRaw reads a non-IRS key (e.g. an authentication vector) as opaque
// bytes, local-first with remote fallback on a local miss. It does not
// apply the default-IMPU codec; callers own their own wire format.
func (o *Orchestrator) GetRaw(ctx context.Context, key string) (value []byte, ttlRemaining time.Duration, found bool, err error) {
	got, status, err := o.local.Client.Get(ctx, key)
	if err != nil {
		return nil, 0, false, cmn.LocalStoreError(err, "orchestrator: get raw %s from local", key)
	}
	if status == store.OK {
		return got.Bytes, got.TTLRemaining, true, nil
	}
	for _, r := range o.remotes {
		got, status, err := r.Client.Get(ctx, key)
		if err != nil {
			glog.Warningf("orchestrator: remote get raw on %s failed for %s: %v", r.Client.Name(), key, err)
			continue
		}
		if status == store.OK {
			if _, err := o.local.Client.Add(ctx, key, got.Bytes, got.TTLRemaining); err != nil {
				glog.V(2).Infof("orchestrator: opportunistic local replication of %s failed: %v", key, err)
			}
			return got.Bytes, got.TTLRemaining, true, nil
		}
	}
	return nil, 0, false, nil
}

// SetRaw unconditionally writes a non-IRS key to the local replica - which
// must succeed - and best-effort to every remote.
func (o *Orchestrator) SetRaw(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := o.local.Client.Set(ctx, key, value, ttl); err != nil {
		return cmn.LocalStoreError(err, "orchestrator: set raw %s on local", key)
	}
	var g errgroup.Group
	for _, r := range o.remotes {
		r := r
		g.Go(func() error {
			if err := r.Client.Set(ctx, key, value, ttl); err != nil {
				glog.Warningf("orchestrator: remote set raw on %s failed for %s: %v", r.Client.Name(), key, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// BatchDelete deletes every IRS in irsList across all replicas, continuing
// past individual failures and returning the subset of default IMPUs that
// could not be fully removed locally.
func (o *Orchestrator) BatchDelete(ctx context.Context, irsList []*irs.IRS) (failed []string) {
	var mu sync.Mutex
	var g errgroup.Group
	for _, i := range irsList {
		i := i
		g.Go(func() error {
			if err := o.Delete(ctx, i); err != nil {
				mu.Lock()
				failed = append(failed, i.DefaultIMPU)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failed
}
