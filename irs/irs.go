// Package irs implements the in-memory Implicit Registration Set, its
// change-tracking maps, and associated-member reconcile semantics. An IRS
// is request-local and unshared - nothing here is safe for concurrent use
// by design.
/*
 * Copyright (c) 2024, IRS Cache Core contributors.
 */
package irs

import (
	"time"

	"github.com/cxcache/irscache/codec"
)

// State is the tracked-map membership state for one associated IMPU or
// IMPI.
type State uint8

const (
	Unchanged State = iota
	Added
	Deleted
)

// IRS is the in-memory Implicit Registration Set. It is created either
// decoded from a store record (Decode, existing=true) or fresh to be
// populated from the HSS (New, existing=false, refreshed=true).
type IRS struct {
	DefaultIMPU string

	serviceProfileXML string
	regState          codec.RegistrationState
	charging          codec.ChargingAddresses

	associatedIMPUs map[string]State
	impis           map[string]State

	// dirty-field flags: which sub-records must be written.
	xmlDirty      bool
	regStateDirty bool
	chargingDirty bool

	// originCAS is the CAS token this IRS was last read with from its
	// origin store. Zero when the IRS doesn't yet exist in this replica.
	originCAS uint64

	existing  bool
	changed   bool
	refreshed bool
	ttl       time.Duration

	// Stale marks an HSS-failure fallback serve: the data is from a
	// replica copy that has outlived its TTL but there was nothing
	// fresher to serve.
	Stale      bool
	StaleSince time.Time

	// storeExpiresAt is stashed by MergeFromStore so the CAS engine can
	// compute max(store TTL, local TTL) without re-threading "now" through
	// this type; it's set only during a merge and consumed right after.
	storeExpiresAt time.Time
}

// New creates a fresh IRS for a subscriber whose details are not yet known
// (a first-time registration). It is always existing=false, changed=true,
// refreshed=true.
func New(defaultIMPU string) *IRS {
	return &IRS{
		DefaultIMPU:     defaultIMPU,
		associatedIMPUs: make(map[string]State),
		impis:           make(map[string]State),
		existing:        false,
		changed:         true,
		refreshed:       true,
	}
}

// Decode reconstructs an IRS from a previously-stored default IMPU record
// plus the CAS token it was read with.
func Decode(rec *codec.DefaultIMPURecord, cas uint64, ttlRemaining time.Duration) *IRS {
	i := &IRS{
		DefaultIMPU:       rec.DefaultIMPU,
		serviceProfileXML: rec.ServiceProfile,
		regState:          rec.RegState,
		charging:          rec.Charging,
		associatedIMPUs:   make(map[string]State, len(rec.AssociatedIMPUs)),
		impis:             make(map[string]State, len(rec.IMPIs)),
		originCAS:         cas,
		existing:          true,
		changed:           false,
		ttl:               ttlRemaining,
	}
	for _, impu := range rec.AssociatedIMPUs {
		i.associatedIMPUs[impu] = Unchanged
	}
	for _, impi := range rec.IMPIs {
		i.impis[impi] = Unchanged
	}
	if !rec.ExpiresAt.IsZero() && time.Now().After(rec.ExpiresAt) {
		i.Stale = true
		i.StaleSince = rec.ExpiresAt
	}
	return i
}

func (i *IRS) Existing() bool           { return i.existing }
func (i *IRS) Changed() bool            { return i.changed }
func (i *IRS) Refreshed() bool          { return i.refreshed }
func (i *IRS) OriginCAS() uint64        { return i.originCAS }
func (i *IRS) SetOriginCAS(cas uint64)  { i.originCAS = cas }
func (i *IRS) MarkExisting()            { i.existing = true }

// ClearExisting marks the IRS as not present in the origin store, used
// when a write discovers the record was deleted out from under it: the
// next write attempt must Add rather than Cas.
func (i *IRS) ClearExisting() { i.existing = false }
func (i *IRS) TTL() time.Duration       { return i.ttl }

func (i *IRS) ServiceProfileXML() string               { return i.serviceProfileXML }
func (i *IRS) RegState() codec.RegistrationState        { return i.regState }
func (i *IRS) ChargingAddresses() codec.ChargingAddresses { return i.charging }
func (i *IRS) XMLDirty() bool                           { return i.xmlDirty }
func (i *IRS) RegStateDirty() bool                      { return i.regStateDirty }
func (i *IRS) ChargingDirty() bool                      { return i.chargingDirty }

// SetIMSSubXML sets the service-profile XML and marks it dirty.
func (i *IRS) SetIMSSubXML(xml string) {
	i.serviceProfileXML = xml
	i.xmlDirty = true
	i.changed = true
}

// SetRegState sets the registration state and marks it dirty.
func (i *IRS) SetRegState(state codec.RegistrationState) {
	i.regState = state
	i.regStateDirty = true
	i.changed = true
}

// SetChargingAddresses sets the charging-address lists, stamping the
// refresh time used by the "last-refreshed wins" merge rule.
func (i *IRS) SetChargingAddresses(ccf, ecf []string, now time.Time) {
	i.charging = codec.ChargingAddresses{CCF: ccf, ECF: ecf, Refreshed: now}
	i.chargingDirty = true
	i.changed = true
}

// SetTTL marks the IRS refreshed: the default record must be rewritten to
// extend TTL even when nothing else changed.
func (i *IRS) SetTTL(ttl time.Duration) {
	i.ttl = ttl
	i.refreshed = true
	i.changed = true
}

// AssociatedIMPUs returns the members currently in state Added or
// Unchanged - i.e. the IRS's present view of its associated set.
func (i *IRS) AssociatedIMPUs() []string { return present(i.associatedIMPUs) }

// IMPIs returns the members currently in state Added or Unchanged.
func (i *IRS) IMPIs() []string { return present(i.impis) }

// AssociatedIMPUStates exposes the full tracked map (including Deleted
// entries) for the CAS engine to iterate.
func (i *IRS) AssociatedIMPUStates() map[string]State { return i.associatedIMPUs }

// IMPIStates exposes the full tracked map for the CAS engine to iterate.
func (i *IRS) IMPIStates() map[string]State { return i.impis }

func present(m map[string]State) []string {
	out := make([]string, 0, len(m))
	for k, st := range m {
		if st == Unchanged || st == Added {
			out = append(out, k)
		}
	}
	return out
}

// SetAssociatedIMPUs reconciles the tracked map against newList:
// existing-and-present stays Unchanged; current-and-absent transitions to
// Deleted (unless it was Added, in which case it's simply dropped - it was
// never durable); new-and-absent-before is inserted Added.
func (i *IRS) SetAssociatedIMPUs(newList []string) {
	i.associatedIMPUs = reconcile(i.associatedIMPUs, newList)
	i.changed = true
}

// SetAssociatedIMPIs is the symmetric operation over the IMPI set.
func (i *IRS) SetAssociatedIMPIs(newList []string) {
	i.impis = reconcile(i.impis, newList)
	i.changed = true
}

func reconcile(cur map[string]State, newList []string) map[string]State {
	wanted := make(map[string]bool, len(newList))
	for _, k := range newList {
		wanted[k] = true
	}
	out := make(map[string]State, len(cur)+len(newList))
	for k, st := range cur {
		if wanted[k] {
			out[k] = st // Unchanged or Added, either way it stays as-is
			continue
		}
		if st == Added {
			continue // never durable, just drop it
		}
		out[k] = Deleted
	}
	for k := range wanted {
		if _, ok := cur[k]; !ok {
			out[k] = Added
		}
	}
	return out
}

// RemoveAssociatedIMPU drops impu from the tracked set entirely, used by
// the CAS engine's collision handling: the engine does not forcibly steal
// a collided IMPU, it removes it from this IRS instead.
func (i *IRS) RemoveAssociatedIMPU(impu string) {
	delete(i.associatedIMPUs, impu)
}

// ToRecord projects the current in-memory state into the wire record
// written to a store.
func (i *IRS) ToRecord(expiresAt time.Time) *codec.DefaultIMPURecord {
	return &codec.DefaultIMPURecord{
		DefaultIMPU:     i.DefaultIMPU,
		ServiceProfile:  i.serviceProfileXML,
		RegState:        i.regState,
		Charging:        i.charging,
		AssociatedIMPUs: i.AssociatedIMPUs(),
		IMPIs:           i.IMPIs(),
		ExpiresAt:       expiresAt,
	}
}

// MergeFromStore folds the store's current value into this in-memory IRS
// after a CAS mismatch, applying the per-field conflict-merge rules. It
// does not touch originCAS - the caller re-reads that separately.
func (i *IRS) MergeFromStore(store *codec.DefaultIMPURecord) {
	// Service-profile XML: local wins iff this write is itself an HSS
	// refresh (xmlDirty); otherwise store wins.
	if !i.xmlDirty {
		i.serviceProfileXML = store.ServiceProfile
	}

	// Registration state: more-registered wins, unless this write is a
	// deliberate deregistration (REGISTERED -> NOT_REGISTERED), which
	// always wins locally.
	isDeliberateDereg := i.regStateDirty && store.RegState == codec.Registered && i.regState == codec.NotRegistered
	if !isDeliberateDereg {
		i.regState = codec.MoreRegistered(i.regState, store.RegState)
	}

	// Charging addresses: last-refreshed wins.
	if store.Charging.Refreshed.After(i.charging.Refreshed) {
		i.charging = store.Charging
	}

	// Associated IMPUs/IMPIs: union of (store) and (local Added), minus
	// (local Deleted).
	i.associatedIMPUs = unionMinusDeleted(i.associatedIMPUs, store.AssociatedIMPUs)
	i.impis = unionMinusDeleted(i.impis, store.IMPIs)

	// TTL: max(store, local). store.ExpiresAt is absolute; stash it so the
	// caller can compare against its own absolute expiry once it knows
	// "now" rather than trying to reconcile two relative durations here.
	i.storeExpiresAt = store.ExpiresAt
}

// StoreExpiresAt returns the absolute expiry last observed from a store
// record during MergeFromStore, used to compute max(store TTL, local TTL).
func (i *IRS) StoreExpiresAt() time.Time { return i.storeExpiresAt }

func unionMinusDeleted(local map[string]State, storeList []string) map[string]State {
	out := make(map[string]State, len(local)+len(storeList))
	for _, k := range storeList {
		out[k] = Unchanged
	}
	for k, st := range local {
		switch st {
		case Added:
			out[k] = Added
		case Deleted:
			delete(out, k)
		}
	}
	return out
}
