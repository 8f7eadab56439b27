package scenario

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/cxcache/irscache/casengine"
	"github.com/cxcache/irscache/cmn"
	"github.com/cxcache/irscache/codec"
	"github.com/cxcache/irscache/coordinator"
	"github.com/cxcache/irscache/hss"
	"github.com/cxcache/irscache/hss/fake"
	"github.com/cxcache/irscache/irs"
	"github.com/cxcache/irscache/metrics"
	"github.com/cxcache/irscache/notify"
	"github.com/cxcache/irscache/orchestrator"
	"github.com/cxcache/irscache/store/bunt"
)

func newStack() (*orchestrator.Orchestrator, *coordinator.Coordinator, *fake.Collaborator) {
	local, err := bunt.Open("local", ":memory:")
	Expect(err).NotTo(HaveOccurred())
	remote, err := bunt.Open("remote", ":memory:")
	Expect(err).NotTo(HaveOccurred())

	orch := orchestrator.New(
		orchestrator.Replica{Client: local, Engine: casengine.New(local, 3, 3, nil)},
		[]orchestrator.Replica{{Client: remote, Engine: casengine.New(remote, 3, 3, nil)}},
	)
	collab := fake.New()
	notifier := notify.New("127.0.0.1:1", 10*time.Millisecond)
	coord := coordinator.New(orch, collab, notifier, metrics.New(), time.Hour)
	return orch, coord, collab
}

var _ = Describe("Fresh registration", func() {
	It("issues a server assignment and caches the result", func() {
		orch, coord, collab := newStack()
		collab.SetSARResult("sip:alice@x", &hss.SARResult{
			DefaultIMPU:    "sip:alice@x",
			ServiceProfile: "<IMSSubscription/>",
			RegState:       codec.Registered,
		})

		i, err := coord.Register(context.Background(), "sip:alice@x")
		Expect(err).NotTo(HaveOccurred())
		Expect(i.RegState()).To(Equal(codec.Registered))
		Expect(collab.ServerAssignmentCalls).To(Equal([]string{"sip:alice@x"}))

		cached, err := orch.Get(context.Background(), "sip:alice@x")
		Expect(err).NotTo(HaveOccurred())
		Expect(cached.RegState()).To(Equal(codec.Registered))
	})
})

var _ = Describe("Cache hit", func() {
	It("serves the second read from cache without a new server assignment", func() {
		_, coord, collab := newStack()
		collab.SetSARResult("sip:alice@x", &hss.SARResult{DefaultIMPU: "sip:alice@x", RegState: codec.Registered})

		_, err := coord.GetIRS(context.Background(), "sip:alice@x")
		Expect(err).NotTo(HaveOccurred())

		_, err = coord.GetIRS(context.Background(), "sip:alice@x")
		Expect(err).NotTo(HaveOccurred())
		Expect(collab.ServerAssignmentCalls).To(HaveLen(1))
	})
})

var _ = Describe("Concurrent IMPI additions", func() {
	It("converges to an IRS containing every IMPI added by either writer", func() {
		orch, _, _ := newStack()

		base := irs.New("sip:alice@x")
		base.SetAssociatedIMPIs([]string{"impi:u1@x"})
		_, err := orch.Put(context.Background(), base, time.Hour)
		Expect(err).NotTo(HaveOccurred())

		// Two writers each read the record at the same CAS generation,
		// then add a distinct IMPI of their own.
		first, err := orch.Get(context.Background(), "sip:alice@x")
		Expect(err).NotTo(HaveOccurred())
		second, err := orch.Get(context.Background(), "sip:alice@x")
		Expect(err).NotTo(HaveOccurred())

		first.SetAssociatedIMPIs([]string{"impi:u1@x", "impi:u2@x"})
		_, err = orch.Put(context.Background(), first, time.Hour)
		Expect(err).NotTo(HaveOccurred())

		// second's write now lands against a stale CAS token; the engine
		// must re-read, merge, and retry rather than clobbering first's
		// addition.
		second.SetAssociatedIMPIs([]string{"impi:u1@x", "impi:u3@x"})
		_, err = orch.Put(context.Background(), second, time.Hour)
		Expect(err).NotTo(HaveOccurred())

		final, err := orch.Get(context.Background(), "sip:alice@x")
		Expect(err).NotTo(HaveOccurred())
		Expect(final.IMPIs()).To(ConsistOf("impi:u1@x", "impi:u2@x", "impi:u3@x"))
	})
})

var _ = Describe("Deregistration", func() {
	It("removes the cached IRS from every replica", func() {
		_, coord, collab := newStack()
		collab.SetSARResult("sip:alice@x", &hss.SARResult{DefaultIMPU: "sip:alice@x", RegState: codec.Registered})

		_, err := coord.GetIRS(context.Background(), "sip:alice@x")
		Expect(err).NotTo(HaveOccurred())

		Expect(coord.Deregister(context.Background(), "sip:alice@x", hss.DeregUserDeregistration)).To(Succeed())
		Expect(collab.DeregisterCalls).To(Equal([]string{"sip:alice@x"}))

		_, err = coord.GetIRS(context.Background(), "sip:alice@x")
		Expect(err).NotTo(HaveOccurred())
		Expect(collab.ServerAssignmentCalls).To(HaveLen(2))
	})
})

var _ = Describe("Associated IMPU collision", func() {
	It("drops the contested IMPU from the challenger rather than stealing it", func() {
		_, coord, collab := newStack()
		collab.SetSARResult("sip:owner@x", &hss.SARResult{
			DefaultIMPU:     "sip:owner@x",
			RegState:        codec.Registered,
			AssociatedIMPUs: []string{"sip:shared@x"},
		})
		collab.SetSARResult("sip:challenger@x", &hss.SARResult{
			DefaultIMPU:     "sip:challenger@x",
			RegState:        codec.Registered,
			AssociatedIMPUs: []string{"sip:shared@x"},
		})

		_, err := coord.Register(context.Background(), "sip:owner@x")
		Expect(err).NotTo(HaveOccurred())
		challenger, err := coord.Register(context.Background(), "sip:challenger@x")
		Expect(err).NotTo(HaveOccurred())

		Expect(challenger.AssociatedIMPUs()).To(BeEmpty())
	})
})

var _ = Describe("Push-Profile-Request with a charging-address change", func() {
	It("updates every member IRS sharing the IMPI", func() {
		orch, coord, collab := newStack()
		collab.SetSARResult("sip:alice@x", &hss.SARResult{
			DefaultIMPU: "sip:alice@x",
			RegState:    codec.Registered,
			IMPIs:       []string{"impi:u@x"},
		})

		_, err := coord.Register(context.Background(), "sip:alice@x")
		Expect(err).NotTo(HaveOccurred())

		coord.HandlePPR(context.Background(), hss.PPREvent{
			IMPI:        "impi:u@x",
			HasCharging: true,
			CCF:         []string{"ccf1"},
			ECF:         []string{"ecf1"},
			Timestamp:   time.Now(),
		})

		updated, err := orch.Get(context.Background(), "sip:alice@x")
		Expect(err).NotTo(HaveOccurred())
		Expect(updated.ChargingAddresses().CCF).To(Equal([]string{"ccf1"}))
		Expect(updated.ChargingAddresses().ECF).To(Equal([]string{"ecf1"}))
	})
})

var _ = Describe("Store key layout", func() {
	It("namespaces IMPU, IMPI AV, and IMPI mapping keys distinctly", func() {
		Expect(cmn.IMPUKey("sip:a@x")).NotTo(Equal(cmn.IMPIAVKey("sip:a@x")))
		Expect(cmn.IMPIMappingKey("impi:u@x")).NotTo(Equal(cmn.IMPIAVKey("impi:u@x")))
	})
})
