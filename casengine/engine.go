// Package casengine implements the per-store CAS engine: the Put and
// Delete protocols, merge-on-conflict rules, and IMPU-collision handling,
// applied against exactly one store.Client.
//
// This is the hardest subsystem in the cache core. Its retry/txn shape
// follows the pattern of a transactional write with bounded re-attempts
// against an optimistic-concurrency backend, and its put/delete sequencing
// follows a memcached-backed implicit-registration-set cache.
/*
 * Copyright (c) 2024, IRS Cache Core contributors.
 */
package casengine

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/cxcache/irscache/cmn"
	"github.com/cxcache/irscache/codec"
	"github.com/cxcache/irscache/ids"
	"github.com/cxcache/irscache/irs"
	"github.com/cxcache/irscache/store"
)

// Observer receives engine events for metrics/logging, without coupling
// this package to the metrics package's prometheus dependency.
type Observer interface {
	CASRetry(store string)
	Collision(store, impu, collisionID string)
}

type nopObserver struct{}

func (nopObserver) CASRetry(string)            {}
func (nopObserver) Collision(string, string, string) {}

// NopObserver is the default Observer when the caller doesn't care.
var NopObserver Observer = nopObserver{}

// Collision records one IMPU-collision event: an
// associated-IMPU add found the IMPU already claimed by a different IRS.
type Collision struct {
	ID   string
	IMPU string
}

// PutResult reports what happened during a Put beyond plain success.
type PutResult struct {
	Collisions []Collision
}

// Engine applies one IRS's write/delete intent against one replica.
type Engine struct {
	client       store.Client
	retries      int // bounded CAS-conflict retry count per IRS write (default 3)
	storeRetries int // bounded TRANSIENT retry count per raw store call (default 3)
	observer     Observer
}

func New(client store.Client, casRetries, storeRetries int, obs Observer) *Engine {
	if obs == nil {
		obs = NopObserver
	}
	if casRetries <= 0 {
		casRetries = 3
	}
	if storeRetries <= 0 {
		storeRetries = 3
	}
	return &Engine{client: client, retries: casRetries, storeRetries: storeRetries, observer: obs}
}

// storeCall runs fn, which should perform exactly one raw store.Client call
// and return the error it produced, retrying with backoff up to
// e.storeRetries times on a TRANSIENT (network-level) failure. Domain
// outcomes (CASMismatch, Exists, NotFound) are not errors and are carried
// back through fn's closure rather than through this return value, so they
// are never retried here - only the underlying transport failure is.
func (e *Engine) storeCall(ctx context.Context, fn func() error) error {
	return backoff.Retry(fn, backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(e.storeRetries)), ctx))
}

// Put writes or refreshes i in e's replica. now
// is used to compute the absolute expiry written to the store; ttl is the
// duration this writer wants the record to live for from now.
func (e *Engine) Put(ctx context.Context, i *irs.IRS, ttl time.Duration, now time.Time) (*PutResult, error) {
	result := &PutResult{}

	if err := e.writeDefaultWithCollisionRetry(ctx, i, ttl, now, result); err != nil {
		return result, err
	}

	for impu, st := range i.AssociatedIMPUStates() {
		if st != irs.Added {
			continue
		}
		if err := e.addAssociatedIMPU(ctx, i, impu); err != nil {
			return result, err
		}
	}
	for impu, st := range i.AssociatedIMPUStates() {
		if st != irs.Deleted {
			continue
		}
		e.deleteAssociatedIMPU(ctx, impu)
	}

	for impi, st := range i.IMPIStates() {
		if st != irs.Added {
			continue
		}
		if err := e.addIMPIMapping(ctx, impi, i.DefaultIMPU); err != nil {
			return result, err
		}
	}
	for impi, st := range i.IMPIStates() {
		if st != irs.Deleted {
			continue
		}
		if err := e.removeFromMapping(ctx, impi, i.DefaultIMPU); err != nil {
			glog.Warningf("casengine[%s]: prune mapping %s: %v", e.client.Name(), impi, err)
		}
	}

	return result, nil
}

// writeDefaultWithCollisionRetry runs the default-record write (steps 1-3)
// and, if an associated-IMPU collision forces the default record to be
// rewritten (step 4: "goto 1"), re-runs it - all bounded by e.retries total
// attempts.
func (e *Engine) writeDefaultWithCollisionRetry(ctx context.Context, i *irs.IRS, ttl time.Duration, now time.Time, result *PutResult) error {
	writes := 0
	for ; ; writes++ {
		if writes >= e.retries {
			return cmn.Contention("casengine[%s]: default record %s: retries exhausted", e.client.Name(), i.DefaultIMPU)
		}
		conflict, err := e.writeDefaultOnce(ctx, i, ttl, now)
		if err != nil {
			return err
		}
		if !conflict {
			break
		}
		e.observer.CASRetry(e.client.Name())
	}

	// Re-check associated adds for collisions and loop the default write
	// again if any were found and removed. The rewrite itself can hit a
	// fresh CAS conflict (another writer landed in between); that must be
	// resolved - re-get, merge, retry - before looping back to recheck
	// associated IMPUs, all within the same bounded attempt budget.
	for attempt := 0; ; attempt++ {
		collided, err := e.tryAssociatedIMPUs(ctx, i, result)
		if err != nil {
			return err
		}
		if !collided {
			return nil
		}
		if attempt >= e.retries {
			return cmn.Contention("casengine[%s]: collision resolution for %s exhausted retries", e.client.Name(), i.DefaultIMPU)
		}
		writes++
		for ; ; writes++ {
			if writes >= e.retries {
				return cmn.Contention("casengine[%s]: default record %s: retries exhausted", e.client.Name(), i.DefaultIMPU)
			}
			conflict, err := e.writeDefaultOnce(ctx, i, ttl, now)
			if err != nil {
				return err
			}
			if !conflict {
				break
			}
			e.observer.CASRetry(e.client.Name())
		}
	}
}

// writeDefaultOnce performs one attempt of steps 1-3. conflict=true means
// the caller should retry: the in-memory IRS was updated in place, either
// merged with the store's current value or switched between Add and Cas to
// match what the store holds.
func (e *Engine) writeDefaultOnce(ctx context.Context, i *irs.IRS, ttl time.Duration, now time.Time) (conflict bool, err error) {
	expiresAt := now.Add(ttl)
	if i.StoreExpiresAt().After(expiresAt) {
		expiresAt = i.StoreExpiresAt()
	}
	rec := i.ToRecord(expiresAt)
	blob, err := codec.EncodeDefaultIMPU(rec)
	if err != nil {
		return false, errors.Wrap(err, "casengine: encode default record")
	}
	key := cmn.IMPUKey(i.DefaultIMPU)

	var status store.Status
	callErr := e.storeCall(ctx, func() error {
		var serr error
		if i.Existing() {
			status, serr = e.client.Cas(ctx, key, blob, i.OriginCAS(), ttl)
		} else {
			status, serr = e.client.Add(ctx, key, blob, ttl)
		}
		return serr
	})
	if callErr != nil {
		return false, cmn.LocalStoreError(callErr, "casengine[%s]: write default %s", e.client.Name(), i.DefaultIMPU)
	}

	switch status {
	case store.OK:
		i.MarkExisting()
		// Add and Cas do not return the new CAS token; read it back so a
		// rewrite later in this Put can Cas against this write. The token
		// is adopted only if the key still holds exactly what was written.
		var got *store.Record
		var gstatus store.Status
		if err := e.storeCall(ctx, func() error {
			var serr error
			got, gstatus, serr = e.client.Get(ctx, key)
			return serr
		}); err == nil && gstatus == store.OK && string(got.Bytes) == string(blob) {
			i.SetOriginCAS(got.CAS)
		}
		return false, nil

	case store.Exists, store.CASMismatch:
		// step 2: re-get, merge, retry.
		if err := e.reGetAndMerge(ctx, i, key); err != nil {
			return false, err
		}
		return true, nil

	case store.NotFound:
		// step 3: deleted underneath us.
		if i.RegStateDirty() && i.RegState() == codec.NotRegistered {
			// deliberate deregistration racing a delete: treat as success.
			return false, nil
		}
		i.ClearExisting()
		return true, nil

	default:
		return false, errors.Errorf("casengine: unexpected status %v writing default", status)
	}
}

func (e *Engine) reGetAndMerge(ctx context.Context, i *irs.IRS, key string) error {
	var got *store.Record
	var status store.Status
	if err := e.storeCall(ctx, func() error {
		var serr error
		got, status, serr = e.client.Get(ctx, key)
		return serr
	}); err != nil {
		return cmn.LocalStoreError(err, "casengine[%s]: re-get %s", e.client.Name(), key)
	}
	if status == store.NotFound {
		i.ClearExisting()
		return nil
	}
	rec, err := codec.DecodeDefaultIMPU(got.Bytes)
	if err != nil {
		// a corrupt record is treated as not-found for this key: the next
		// attempt overwrites it with a Cas against its current token.
		i.MarkExisting()
		i.SetOriginCAS(got.CAS)
		return nil
	}
	i.MergeFromStore(rec)
	i.MarkExisting()
	i.SetOriginCAS(got.CAS)
	return nil
}

// tryAssociatedIMPUs performs step 4/5 (associated-IMPU add/delete) once.
// collided=true means at least one collision was found and the default
// record needs rewriting.
func (e *Engine) tryAssociatedIMPUs(ctx context.Context, i *irs.IRS, result *PutResult) (collided bool, err error) {
	for impu, st := range i.AssociatedIMPUStates() {
		if st != irs.Added {
			continue
		}
		isCollision, err := e.tryAddAssociatedIMPU(ctx, i, impu)
		if err != nil {
			return false, err
		}
		if isCollision {
			cid := ids.NewCollisionID()
			i.RemoveAssociatedIMPU(impu)
			result.Collisions = append(result.Collisions, Collision{ID: cid, IMPU: impu})
			e.observer.Collision(e.client.Name(), impu, cid)
			glog.Warningf("casengine[%s]: IMPU collision id=%s impu=%s owner-irs!=%s",
				e.client.Name(), cid, impu, i.DefaultIMPU)
			collided = true
		}
	}
	for impu, st := range i.AssociatedIMPUStates() {
		if st != irs.Deleted {
			continue
		}
		e.deleteAssociatedIMPU(ctx, impu)
	}
	return collided, nil
}

// tryAddAssociatedIMPU attempts to claim impu as a member of i (step 4).
func (e *Engine) tryAddAssociatedIMPU(ctx context.Context, i *irs.IRS, impu string) (collision bool, err error) {
	rec := &codec.AssociatedIMPURecord{DefaultIMPU: i.DefaultIMPU, ExpiresAt: defaultExpiryFor(i)}
	blob, err := codec.EncodeAssociatedIMPU(rec)
	if err != nil {
		return false, errors.Wrap(err, "casengine: encode associated record")
	}
	key := cmn.IMPUKey(impu)
	var status store.Status
	if err := e.storeCall(ctx, func() error {
		var serr error
		status, serr = e.client.Add(ctx, key, blob, time.Until(rec.ExpiresAt))
		return serr
	}); err != nil {
		return false, cmn.LocalStoreError(err, "casengine[%s]: add associated %s", e.client.Name(), impu)
	}
	if status == store.OK {
		return false, nil
	}
	// status == Exists: find out who owns it.
	var got *store.Record
	var gstatus store.Status
	if err := e.storeCall(ctx, func() error {
		var serr error
		got, gstatus, serr = e.client.Get(ctx, key)
		return serr
	}); err != nil {
		return false, cmn.LocalStoreError(err, "casengine[%s]: get associated %s", e.client.Name(), impu)
	}
	if gstatus == store.NotFound {
		// raced again; caller's retry loop will re-attempt the add.
		return false, nil
	}
	existing, err := codec.DecodeAssociatedIMPU(got.Bytes)
	if err != nil {
		// an undecodable record is treated as not-found: overwrite it.
		if err := e.storeCall(ctx, func() error {
			_, serr := e.client.Cas(ctx, key, blob, got.CAS, time.Until(rec.ExpiresAt))
			return serr
		}); err != nil {
			return false, cmn.LocalStoreError(err, "casengine[%s]: overwrite associated %s", e.client.Name(), impu)
		}
		return false, nil
	}
	if existing.DefaultIMPU == i.DefaultIMPU {
		return false, nil // already converged
	}
	return true, nil
}

func (e *Engine) addAssociatedIMPU(ctx context.Context, i *irs.IRS, impu string) error {
	_, err := e.tryAddAssociatedIMPU(ctx, i, impu)
	return err
}

func (e *Engine) deleteAssociatedIMPU(ctx context.Context, impu string) {
	key := cmn.IMPUKey(impu)
	var got *store.Record
	var status store.Status
	if err := e.storeCall(ctx, func() error {
		var serr error
		got, status, serr = e.client.Get(ctx, key)
		return serr
	}); err != nil {
		glog.Warningf("casengine[%s]: get associated %s: %v", e.client.Name(), impu, err)
		return
	}
	if status != store.OK {
		return // nothing to delete
	}
	if err := e.storeCall(ctx, func() error {
		_, serr := e.client.Delete(ctx, key, got.CAS)
		return serr
	}); err != nil {
		glog.Warningf("casengine[%s]: delete associated %s: %v", e.client.Name(), impu, err)
	}
	// a mismatch or not-found here is ignored: another
	// writer already changed or removed the key.
}

// addIMPIMapping implements step 6: ADDED IMPIs never trigger collisions;
// mappings are additive.
func (e *Engine) addIMPIMapping(ctx context.Context, impi, defaultIMPU string) error {
	key := cmn.IMPIMappingKey(impi)
	for attempt := 0; attempt < e.retries; attempt++ {
		var got *store.Record
		var status store.Status
		if err := e.storeCall(ctx, func() error {
			var serr error
			got, status, serr = e.client.Get(ctx, key)
			return serr
		}); err != nil {
			return cmn.LocalStoreError(err, "casengine[%s]: get mapping %s", e.client.Name(), impi)
		}
		if status == store.NotFound {
			rec := &codec.IMPIMappingRecord{DefaultIMPUs: []string{defaultIMPU}, ExpiresAt: time.Now().Add(defaultMappingTTL)}
			blob, err := codec.EncodeIMPIMapping(rec)
			if err != nil {
				return errors.Wrap(err, "casengine: encode mapping")
			}
			var addStatus store.Status
			if err := e.storeCall(ctx, func() error {
				var serr error
				addStatus, serr = e.client.Add(ctx, key, blob, defaultMappingTTL)
				return serr
			}); err != nil {
				return cmn.LocalStoreError(err, "casengine[%s]: add mapping %s", e.client.Name(), impi)
			}
			if addStatus == store.OK {
				return nil
			}
			continue // raced with another Add; re-read and merge next iteration
		}
		rec, err := codec.DecodeIMPIMapping(got.Bytes)
		if err != nil {
			// decode failure treated as not-found: rebuild the mapping and
			// Cas it over the undecodable record below.
			rec = &codec.IMPIMappingRecord{ExpiresAt: time.Now().Add(defaultMappingTTL)}
		}
		if containsString(rec.DefaultIMPUs, defaultIMPU) {
			return nil
		}
		rec.DefaultIMPUs = append(rec.DefaultIMPUs, defaultIMPU)
		blob, err := codec.EncodeIMPIMapping(rec)
		if err != nil {
			return errors.Wrap(err, "casengine: encode mapping")
		}
		if err := e.storeCall(ctx, func() error {
			var serr error
			status, serr = e.client.Cas(ctx, key, blob, got.CAS, time.Until(rec.ExpiresAt))
			return serr
		}); err != nil {
			return cmn.LocalStoreError(err, "casengine[%s]: cas mapping %s", e.client.Name(), impi)
		}
		if status == store.OK {
			return nil
		}
		e.observer.CASRetry(e.client.Name())
	}
	return cmn.Contention("casengine[%s]: mapping %s: retries exhausted", e.client.Name(), impi)
}

// removeFromMapping implements step 7: remove defaultIMPU from impi's
// mapping, deleting the mapping record if that empties it.
func (e *Engine) removeFromMapping(ctx context.Context, impi, defaultIMPU string) error {
	key := cmn.IMPIMappingKey(impi)
	for attempt := 0; attempt < e.retries; attempt++ {
		var got *store.Record
		var status store.Status
		if err := e.storeCall(ctx, func() error {
			var serr error
			got, status, serr = e.client.Get(ctx, key)
			return serr
		}); err != nil {
			return cmn.LocalStoreError(err, "casengine[%s]: get mapping %s", e.client.Name(), impi)
		}
		if status == store.NotFound {
			return nil
		}
		rec, err := codec.DecodeIMPIMapping(got.Bytes)
		if err != nil {
			return nil // treated as not-found
		}
		rec.DefaultIMPUs = removeString(rec.DefaultIMPUs, defaultIMPU)
		if len(rec.DefaultIMPUs) == 0 {
			if err := e.storeCall(ctx, func() error {
				var serr error
				status, serr = e.client.Delete(ctx, key, got.CAS)
				return serr
			}); err != nil {
				return cmn.LocalStoreError(err, "casengine[%s]: delete mapping %s", e.client.Name(), impi)
			}
			if status == store.CASMismatch {
				e.observer.CASRetry(e.client.Name())
				continue
			}
			return nil
		}
		blob, err := codec.EncodeIMPIMapping(rec)
		if err != nil {
			return errors.Wrap(err, "casengine: encode mapping")
		}
		if err := e.storeCall(ctx, func() error {
			var serr error
			status, serr = e.client.Cas(ctx, key, blob, got.CAS, time.Until(rec.ExpiresAt))
			return serr
		}); err != nil {
			return cmn.LocalStoreError(err, "casengine[%s]: cas mapping %s", e.client.Name(), impi)
		}
		if status == store.CASMismatch {
			e.observer.CASRetry(e.client.Name())
			continue
		}
		return nil
	}
	return cmn.Contention("casengine[%s]: mapping %s: retries exhausted", e.client.Name(), impi)
}

// Delete implements idempotent removal of an
// IRS and all of its supporting records from this replica.
func (e *Engine) Delete(ctx context.Context, i *irs.IRS) error {
	for impu, st := range i.AssociatedIMPUStates() {
		if st == irs.Added || st == irs.Unchanged {
			e.deleteAssociatedIMPU(ctx, impu)
		}
	}
	for impi, st := range i.IMPIStates() {
		if st == irs.Added || st == irs.Unchanged {
			if err := e.removeFromMapping(ctx, impi, i.DefaultIMPU); err != nil {
				glog.Warningf("casengine[%s]: prune mapping on delete %s: %v", e.client.Name(), impi, err)
			}
		}
	}
	if !i.Existing() {
		return nil
	}
	key := cmn.IMPUKey(i.DefaultIMPU)
	if err := e.storeCall(ctx, func() error {
		_, serr := e.client.Delete(ctx, key, i.OriginCAS())
		return serr
	}); err != nil {
		return cmn.LocalStoreError(err, "casengine[%s]: delete default %s", e.client.Name(), i.DefaultIMPU)
	}
	// CAS_MISMATCH / NOT_FOUND: another writer already changed or removed
	// it - idempotent from this IRS's point of view either way.
	return nil
}

const defaultMappingTTL = 24 * time.Hour

func defaultExpiryFor(i *irs.IRS) time.Time {
	if !i.StoreExpiresAt().IsZero() {
		return i.StoreExpiresAt()
	}
	return time.Now().Add(i.TTL())
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
