package coordinator_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cxcache/irscache/casengine"
	"github.com/cxcache/irscache/codec"
	"github.com/cxcache/irscache/coordinator"
	"github.com/cxcache/irscache/hss"
	"github.com/cxcache/irscache/hss/fake"
	"github.com/cxcache/irscache/metrics"
	"github.com/cxcache/irscache/notify"
	"github.com/cxcache/irscache/orchestrator"
	"github.com/cxcache/irscache/store/bunt"
)

func newCoordinator(t *testing.T) (*coordinator.Coordinator, *fake.Collaborator) {
	t.Helper()
	c, err := bunt.Open("local", ":memory:")
	require.NoError(t, err)
	local := orchestrator.Replica{Client: c, Engine: casengine.New(c, 3, 3, nil)}
	orch := orchestrator.New(local, nil)
	collab := fake.New()
	notifier := notify.New("127.0.0.1:1", 10*time.Millisecond)
	m := metrics.New()
	return coordinator.New(orch, collab, notifier, m, time.Hour), collab
}

func TestGetIRSOnMissFetchesFromHSSAndCaches(t *testing.T) {
	coord, collab := newCoordinator(t)
	collab.SetSARResult("sip:a@x", &hss.SARResult{
		DefaultIMPU:     "sip:a@x",
		ServiceProfile:  "<IMSSubscription/>",
		RegState:        codec.Registered,
		AssociatedIMPUs: []string{"sip:b@x"},
		IMPIs:           []string{"impi:u@x"},
	})

	i, err := coord.GetIRS(context.Background(), "sip:a@x")
	require.NoError(t, err)
	require.Equal(t, codec.Registered, i.RegState())
	require.Equal(t, []string{"sip:a@x"}, collab.ServerAssignmentCalls)

	// Second call is served from cache; no additional SAR issued.
	_, err = coord.GetIRS(context.Background(), "sip:a@x")
	require.NoError(t, err)
	require.Len(t, collab.ServerAssignmentCalls, 1)
}

func TestRegisterAlwaysIssuesFreshSAR(t *testing.T) {
	coord, collab := newCoordinator(t)
	collab.SetSARResult("sip:a@x", &hss.SARResult{
		DefaultIMPU:    "sip:a@x",
		ServiceProfile: "<IMSSubscription/>",
		RegState:       codec.Registered,
	})

	_, err := coord.GetIRS(context.Background(), "sip:a@x")
	require.NoError(t, err)
	require.Len(t, collab.ServerAssignmentCalls, 1)

	_, err = coord.Register(context.Background(), "sip:a@x")
	require.NoError(t, err)
	require.Len(t, collab.ServerAssignmentCalls, 2) // cache hit would have skipped this
}

func TestGetAuthVectorCachesAfterFirstFetch(t *testing.T) {
	coord, collab := newCoordinator(t)
	collab.SetMARResult("impi:u@x", &hss.MARResult{IMPI: "impi:u@x", AuthenticationVec: []byte("vector")})

	av, err := coord.GetAuthVector(context.Background(), "impi:u@x")
	require.NoError(t, err)
	require.Equal(t, []byte("vector"), av)

	av, err = coord.GetAuthVector(context.Background(), "impi:u@x")
	require.NoError(t, err)
	require.Equal(t, []byte("vector"), av)
	require.Len(t, collab.MultimediaAuthCalls, 1)
}

func TestDeregisterDeletesCachedIRS(t *testing.T) {
	coord, collab := newCoordinator(t)
	collab.SetSARResult("sip:a@x", &hss.SARResult{DefaultIMPU: "sip:a@x", RegState: codec.Registered})

	_, err := coord.GetIRS(context.Background(), "sip:a@x")
	require.NoError(t, err)

	require.NoError(t, coord.Deregister(context.Background(), "sip:a@x", hss.DeregUserDeregistration))
	require.Equal(t, []string{"sip:a@x"}, collab.DeregisterCalls)

	// Cache entry is gone: the next GetIRS must issue a new SAR.
	_, err = coord.GetIRS(context.Background(), "sip:a@x")
	require.NoError(t, err)
	require.Len(t, collab.ServerAssignmentCalls, 2)
}
