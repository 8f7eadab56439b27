package subscription_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cxcache/irscache/casengine"
	"github.com/cxcache/irscache/irs"
	"github.com/cxcache/irscache/orchestrator"
	"github.com/cxcache/irscache/store/bunt"
	"github.com/cxcache/irscache/subscription"
)

func newOrch(t *testing.T) *orchestrator.Orchestrator {
	t.Helper()
	c, err := bunt.Open("local", ":memory:")
	require.NoError(t, err)
	local := orchestrator.Replica{Client: c, Engine: casengine.New(c, 3, 3, nil)}
	return orchestrator.New(local, nil)
}

func TestSubscriptionGetAssemblesAllMembersSharingAnIMPI(t *testing.T) {
	orch := newOrch(t)

	a := irs.New("sip:a@x")
	a.SetAssociatedIMPIs([]string{"impi:u@x"})
	_, err := orch.Put(context.Background(), a, time.Hour)
	require.NoError(t, err)

	b := irs.New("sip:b@x")
	b.SetAssociatedIMPIs([]string{"impi:u@x"})
	_, err = orch.Put(context.Background(), b, time.Hour)
	require.NoError(t, err)

	sub, err := subscription.Get(context.Background(), orch, orch.Local(), "impi:u@x")
	require.NoError(t, err)
	require.Len(t, sub.Members(), 2)
}

func TestSubscriptionGetOnUnknownIMPIReturnsEmpty(t *testing.T) {
	orch := newOrch(t)

	sub, err := subscription.Get(context.Background(), orch, orch.Local(), "impi:ghost@x")
	require.NoError(t, err)
	require.Empty(t, sub.Members())
}

func TestSetChargingAddrsAppliesToEveryMember(t *testing.T) {
	orch := newOrch(t)

	a := irs.New("sip:a@x")
	a.SetAssociatedIMPIs([]string{"impi:u@x"})
	_, err := orch.Put(context.Background(), a, time.Hour)
	require.NoError(t, err)

	sub, err := subscription.Get(context.Background(), orch, orch.Local(), "impi:u@x")
	require.NoError(t, err)
	require.Len(t, sub.Members(), 1)

	sub.SetChargingAddrs([]string{"ccf1"}, []string{"ecf1"}, time.Now())
	for _, m := range sub.Members() {
		require.Equal(t, []string{"ccf1"}, m.ChargingAddresses().CCF)
		require.Equal(t, []string{"ecf1"}, m.ChargingAddresses().ECF)
		require.NoError(t, func() error {
			_, err := orch.Put(context.Background(), m, time.Hour)
			return err
		}())
	}
}
