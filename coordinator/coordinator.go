// Package coordinator implements the cache/HSS coordinator: the read path
// that serves from cache and falls back to the HSS on miss or expiry, the
// de-registration path, and the HSS-inbound RTR/PPR handlers.
//
// Grounded on a cold-get-then-put-through pattern: a cache miss reaches
// out to the authoritative collaborator, then writes the fetched value
// back through before returning it.
/*
 * Copyright (c) 2024, IRS Cache Core contributors.
 */
package coordinator

import (
	"context"
	"time"

	"github.com/golang/glog"

	"github.com/cxcache/irscache/cmn"
	"github.com/cxcache/irscache/hss"
	"github.com/cxcache/irscache/irs"
	"github.com/cxcache/irscache/metrics"
	"github.com/cxcache/irscache/notify"
	"github.com/cxcache/irscache/orchestrator"
	"github.com/cxcache/irscache/subscription"
)

type Coordinator struct {
	orch       *orchestrator.Orchestrator
	collab     hss.Collaborator
	notifier   *notify.Client
	metrics    *metrics.Metrics
	defaultTTL time.Duration
}

func New(orch *orchestrator.Orchestrator, collab hss.Collaborator, notifier *notify.Client, m *metrics.Metrics, defaultTTL time.Duration) *Coordinator {
	return &Coordinator{orch: orch, collab: collab, notifier: notifier, metrics: m, defaultTTL: defaultTTL}
}

// GetIRS serves defaultIMPU's IRS from cache, refreshing it from the HSS
// on a miss or on an expired cache entry. On HSS failure, a stale replica
// copy (if one was found) is served with its staleness marker set rather
// than surfacing the failure.
func (c *Coordinator) GetIRS(ctx context.Context, defaultIMPU string) (*irs.IRS, error) {
	cached, getErr := c.orch.Get(ctx, defaultIMPU)
	if getErr == nil && !cached.Stale {
		c.metrics.CacheHit("get_irs")
		return cached, nil
	}
	c.metrics.CacheMiss("get_irs")

	start := time.Now()
	sar, err := c.collab.ServerAssignment(ctx, defaultIMPU)
	c.metrics.ObserveHSSCall("server_assignment", time.Since(start), err)
	if err != nil {
		if getErr == nil && cached.Stale {
			glog.Warningf("coordinator: HSS unavailable for %s, serving stale replica copy from %s", defaultIMPU, cached.StaleSince)
			return cached, nil
		}
		return nil, cmn.UpstreamUnavailable(err, "coordinator: server assignment for %s", defaultIMPU)
	}

	fresh := irs.New(defaultIMPU)
	fresh.SetIMSSubXML(sar.ServiceProfile)
	fresh.SetRegState(sar.RegState)
	fresh.SetAssociatedIMPUs(sar.AssociatedIMPUs)
	fresh.SetAssociatedIMPIs(sar.IMPIs)
	fresh.SetTTL(c.defaultTTL)

	if _, err := c.orch.Put(ctx, fresh, c.defaultTTL); err != nil {
		if cmn.KindOf(err) != cmn.KindPartialWrite {
			return nil, err
		}
		c.metrics.PartialWrite()
		glog.Warningf("coordinator: partial write refreshing %s: %v", defaultIMPU, err)
	}
	return fresh, nil
}

// Register always issues a fresh SAR for defaultIMPU - regardless of what
// is currently cached - and writes the result through, returning the new
// IRS. Used by the inbound registration/re-registration request, which
// must reach the HSS rather than serve a possibly-stale cache entry.
func (c *Coordinator) Register(ctx context.Context, defaultIMPU string) (*irs.IRS, error) {
	start := time.Now()
	sar, err := c.collab.ServerAssignment(ctx, defaultIMPU)
	c.metrics.ObserveHSSCall("server_assignment", time.Since(start), err)
	if err != nil {
		return nil, cmn.UpstreamUnavailable(err, "coordinator: server assignment for %s", defaultIMPU)
	}

	fresh := irs.New(defaultIMPU)
	fresh.SetIMSSubXML(sar.ServiceProfile)
	fresh.SetRegState(sar.RegState)
	fresh.SetAssociatedIMPUs(sar.AssociatedIMPUs)
	fresh.SetAssociatedIMPIs(sar.IMPIs)
	fresh.SetTTL(c.defaultTTL)

	if _, err := c.orch.Put(ctx, fresh, c.defaultTTL); err != nil {
		if cmn.KindOf(err) != cmn.KindPartialWrite {
			return nil, err
		}
		c.metrics.PartialWrite()
		glog.Warningf("coordinator: partial write registering %s: %v", defaultIMPU, err)
	}
	return fresh, nil
}

// GetAuthVector serves impi's authentication vector from cache, fetching a
// fresh one from the HSS on a miss.
func (c *Coordinator) GetAuthVector(ctx context.Context, impi string) ([]byte, error) {
	key := cmn.IMPIAVKey(impi)
	if av, _, found, err := c.orch.GetRaw(ctx, key); err != nil {
		return nil, err
	} else if found {
		c.metrics.CacheHit("get_av")
		return av, nil
	}
	c.metrics.CacheMiss("get_av")

	start := time.Now()
	mar, err := c.collab.MultimediaAuth(ctx, impi)
	c.metrics.ObserveHSSCall("multimedia_auth", time.Since(start), err)
	if err != nil {
		return nil, cmn.UpstreamUnavailable(err, "coordinator: multimedia auth for %s", impi)
	}
	if err := c.orch.SetRaw(ctx, key, mar.AuthenticationVec, c.defaultTTL); err != nil {
		glog.Warningf("coordinator: cache AV for %s failed: %v", impi, err)
	}
	return mar.AuthenticationVec, nil
}

// Deregister issues a SAR carrying the deregistration reason and, on
// success, deletes the subscriber's cached IRS from every replica.
func (c *Coordinator) Deregister(ctx context.Context, defaultIMPU string, reason hss.DeregReason) error {
	cached, _ := c.orch.Get(ctx, defaultIMPU)

	if err := c.collab.Deregister(ctx, defaultIMPU, reason); err != nil {
		return cmn.UpstreamUnavailable(err, "coordinator: deregister %s", defaultIMPU)
	}
	if cached == nil {
		return nil
	}
	if err := c.orch.Delete(ctx, cached); err != nil {
		return err
	}
	if err := c.notifier.NotifyDeregistration(ctx, defaultIMPU, firstIMPI(cached), true); err != nil {
		glog.Warningf("coordinator: deregister notify failed for %s: %v", defaultIMPU, err)
	}
	return nil
}

// firstIMPI returns one IMPI to attach to an outbound deregistration
// notification, or "" if the IRS has none on record.
func firstIMPI(i *irs.IRS) string {
	if impis := i.IMPIs(); len(impis) > 0 {
		return impis[0]
	}
	return ""
}

// HandleRTR processes an inbound Registration-Termination-Request: the
// affected IRSs are deleted from every replica and the call-control layer
// is notified for each one that was fully removed.
func (c *Coordinator) HandleRTR(ctx context.Context, event hss.RTREvent) {
	var toDelete []*irs.IRS
	for _, impu := range event.IMPUs {
		if i, err := c.orch.Get(ctx, impu); err == nil {
			toDelete = append(toDelete, i)
		}
	}
	failed := c.orch.BatchDelete(ctx, toDelete)
	failedSet := make(map[string]bool, len(failed))
	for _, f := range failed {
		failedSet[f] = true
	}
	for _, i := range toDelete {
		if failedSet[i.DefaultIMPU] {
			glog.Warningf("coordinator: RTR delete failed for %s", i.DefaultIMPU)
			continue
		}
		if err := c.notifier.NotifyDeregistration(ctx, i.DefaultIMPU, firstIMPI(i), true); err != nil {
			glog.Warningf("coordinator: RTR notify failed for %s: %v", i.DefaultIMPU, err)
		}
	}
}

// HandlePPR processes an inbound Push-Profile-Request: every IRS the
// affected IMPI participates in is updated and written through, and the
// call-control layer is notified only after each member's local write
// succeeds.
func (c *Coordinator) HandlePPR(ctx context.Context, event hss.PPREvent) {
	sub, err := subscription.Get(ctx, c.orch, c.orch.Local(), event.IMPI)
	if err != nil {
		glog.Warningf("coordinator: PPR subscription lookup failed for %s: %v", event.IMPI, err)
		return
	}
	if event.HasCharging {
		sub.SetChargingAddrs(event.CCF, event.ECF, event.Timestamp)
	}
	for _, member := range sub.Members() {
		if event.HasServiceProfile {
			member.SetIMSSubXML(event.ServiceProfile)
		}
		_, err := c.orch.Put(ctx, member, member.TTL())
		if err != nil && cmn.KindOf(err) != cmn.KindPartialWrite {
			glog.Warningf("coordinator: PPR write failed for %s: %v", member.DefaultIMPU, err)
			continue
		}
		if err := c.notifier.NotifyUserDataChange(ctx, member.DefaultIMPU, member.ServiceProfileXML()); err != nil {
			glog.Warningf("coordinator: PPR notify failed for %s: %v", member.DefaultIMPU, err)
		}
	}
}
