// Package subscription implements the IMS-Subscription aggregator: a view
// keyed by IMPI over every IRS the IMPI participates in, with a shared
// charging-address setter that fans the same addresses out to every member.
//
// Grounded on a subscription model holding a map of default-IMPU to its
// member record and a single method that walks all members to apply one
// cross-cutting change.
/*
 * Copyright (c) 2024, IRS Cache Core contributors.
 */
package subscription

import (
	"context"
	"time"

	"github.com/golang/glog"

	"github.com/cxcache/irscache/cmn"
	"github.com/cxcache/irscache/codec"
	"github.com/cxcache/irscache/irs"
	"github.com/cxcache/irscache/orchestrator"
	"github.com/cxcache/irscache/store"
)

// Subscription is the IMPI-keyed view over its member IRSs.
type Subscription struct {
	IMPI    string
	members map[string]*irs.IRS // keyed by DefaultIMPU
}

func (s *Subscription) Members() []*irs.IRS {
	out := make([]*irs.IRS, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, m)
	}
	return out
}

// SetChargingAddrs sets the charging-address field on every member IRS and
// marks each one changed; the caller is responsible for writing each
// member through the orchestrator afterward.
func (s *Subscription) SetChargingAddrs(ccf, ecf []string, now time.Time) {
	for _, m := range s.members {
		m.SetChargingAddresses(ccf, ecf, now)
	}
}

// Get assembles the IMS Subscription for impi: reads the IMPI->IMPU
// mapping from the local replica, reads every member IRS through orch,
// and best-effort prunes mapping entries that pointed to an absent or
// non-matching IRS without blocking the read on that rewrite.
func Get(ctx context.Context, orch *orchestrator.Orchestrator, local store.Client, impi string) (*Subscription, error) {
	mappingKey := cmn.IMPIMappingKey(impi)
	got, status, err := local.Get(ctx, mappingKey)
	if err != nil {
		return nil, cmn.LocalStoreError(err, "subscription: get mapping %s", impi)
	}
	if status != store.OK {
		return &Subscription{IMPI: impi, members: map[string]*irs.IRS{}}, nil
	}
	mapping, err := codec.DecodeIMPIMapping(got.Bytes)
	if err != nil {
		return &Subscription{IMPI: impi, members: map[string]*irs.IRS{}}, nil
	}

	sub := &Subscription{IMPI: impi, members: make(map[string]*irs.IRS, len(mapping.DefaultIMPUs))}
	var stale []string
	for _, defaultIMPU := range mapping.DefaultIMPUs {
		i, err := orch.Get(ctx, defaultIMPU)
		if err != nil {
			stale = append(stale, defaultIMPU)
			continue
		}
		if !containsIMPI(i.IMPIs(), impi) {
			stale = append(stale, defaultIMPU)
			continue
		}
		sub.members[defaultIMPU] = i
	}

	if len(stale) > 0 {
		go prune(local, mappingKey, impi, stale)
	}
	return sub, nil
}

// prune best-effort rewrites the mapping record to drop defaultIMPUs whose
// IRS no longer exists or no longer lists this IMPI. It never blocks a
// read and swallows its own errors - a stale mapping entry is cleaned up
// again on the next read if this attempt loses a race.
func prune(local store.Client, mappingKey, impi string, stale []string) {
	staleSet := make(map[string]bool, len(stale))
	for _, s := range stale {
		staleSet[s] = true
	}

	got, status, err := local.Get(context.Background(), mappingKey)
	if err != nil || status != store.OK {
		return
	}
	cur, err := codec.DecodeIMPIMapping(got.Bytes)
	if err != nil {
		return
	}
	kept := cur.DefaultIMPUs[:0]
	for _, d := range cur.DefaultIMPUs {
		if !staleSet[d] {
			kept = append(kept, d)
		}
	}
	cur.DefaultIMPUs = kept
	blob, err := codec.EncodeIMPIMapping(cur)
	if err != nil {
		return
	}
	if _, err := local.Cas(context.Background(), mappingKey, blob, got.CAS, time.Until(cur.ExpiresAt)); err != nil {
		glog.V(2).Infof("subscription: prune mapping %s failed: %v", impi, err)
	}
}

func containsIMPI(list []string, impi string) bool {
	for _, v := range list {
		if v == impi {
			return true
		}
	}
	return false
}
