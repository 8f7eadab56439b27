package main

import (
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/cxcache/irscache/casengine"
	"github.com/cxcache/irscache/cmn"
	"github.com/cxcache/irscache/coordinator"
	"github.com/cxcache/irscache/hss/fake"
	"github.com/cxcache/irscache/httpapi"
	"github.com/cxcache/irscache/metrics"
	"github.com/cxcache/irscache/notify"
	"github.com/cxcache/irscache/orchestrator"
	"github.com/cxcache/irscache/store"
	"github.com/cxcache/irscache/store/bunt"
	"github.com/cxcache/irscache/store/remote"
)

func runServer(cfg *cmn.Config) error {
	glog.Infof("ircached: starting, local store %s, %d remote(s)", cfg.Store.LocalAddr, len(cfg.Store.RemoteAddrs))

	m := metrics.New()
	reg := prometheus.NewRegistry()
	m.Register(reg)

	localClient, err := bunt.Open("local", ":memory:")
	if err != nil {
		return err
	}
	local := orchestrator.Replica{
		Client: localClient,
		Engine: casengine.New(localClient, cfg.Retry.CacheCASRetries, cfg.Retry.StoreRetries, m),
	}

	var remotes []orchestrator.Replica
	for _, addr := range cfg.Store.RemoteAddrs {
		var c store.Client = remote.New(addr, cfg.OpTimeout())
		remotes = append(remotes, orchestrator.Replica{
			Client: c,
			Engine: casengine.New(c, cfg.Retry.CacheCASRetries, cfg.Retry.StoreRetries, m),
		})
	}

	orch := orchestrator.New(local, remotes)

	// No Diameter/Cx client is wired here: the HSS is an external
	// collaborator outside this core's scope. The fake collaborator keeps
	// the binary runnable for local testing; production deployments must
	// supply a real hss.Collaborator implementation.
	collab := fake.New()

	notifier := notify.New(cfg.Notify.Addr, cfg.OpTimeout())
	coord := coordinator.New(orch, collab, notifier, m, 1*time.Hour)

	api := httpapi.New(coord)

	go func() {
		mux := fasthttp.RequestHandler(func(ctx *fasthttp.RequestCtx) {
			if string(ctx.Path()) == "/metrics" {
				fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))(ctx)
				return
			}
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		})
		if err := fasthttp.ListenAndServe(cfg.Metrics.ListenAddr, mux); err != nil {
			glog.Errorf("ircached: metrics server exited: %v", err)
		}
	}()

	glog.Infof("ircached: listening on %s", cfg.Net.ListenAddr)
	return api.ListenAndServe(cfg.Net.ListenAddr)
}
