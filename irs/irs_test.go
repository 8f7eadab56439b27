package irs_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cxcache/irscache/codec"
	"github.com/cxcache/irscache/irs"
)

func TestDecodeThenSetAssociatedIMPUsReconciles(t *testing.T) {
	rec := &codec.DefaultIMPURecord{
		DefaultIMPU:     "sip:a@x",
		AssociatedIMPUs: []string{"sip:b@x", "sip:c@x"},
	}
	i := irs.Decode(rec, 7, time.Hour)
	require.True(t, i.Existing())
	require.False(t, i.Changed())

	// drop sip:c@x, keep sip:b@x, add sip:d@x
	i.SetAssociatedIMPUs([]string{"sip:b@x", "sip:d@x"})

	states := i.AssociatedIMPUStates()
	require.Equal(t, irs.Unchanged, states["sip:b@x"])
	require.Equal(t, irs.Deleted, states["sip:c@x"])
	require.Equal(t, irs.Added, states["sip:d@x"])
	require.ElementsMatch(t, []string{"sip:b@x", "sip:d@x"}, i.AssociatedIMPUs())
	require.True(t, i.Changed())
}

func TestAddedThenRemovedFromWantedIsDroppedNotDeleted(t *testing.T) {
	i := irs.New("sip:a@x")
	i.SetAssociatedIMPUs([]string{"sip:b@x"})
	require.Equal(t, irs.Added, i.AssociatedIMPUStates()["sip:b@x"])

	// sip:b@x was never durable (still Added); removing it from the
	// wanted set should just drop it, not mark it Deleted.
	i.SetAssociatedIMPUs(nil)
	_, present := i.AssociatedIMPUStates()["sip:b@x"]
	require.False(t, present)
}

func TestMergeFromStoreUnionsAddedMinusDeleted(t *testing.T) {
	rec := &codec.DefaultIMPURecord{
		DefaultIMPU:     "sip:a@x",
		AssociatedIMPUs: []string{"sip:b@x"},
	}
	i := irs.Decode(rec, 1, time.Hour)
	i.SetAssociatedIMPUs([]string{}) // marks sip:b@x Deleted
	i.SetAssociatedIMPUs([]string{"sip:c@x"}) // sip:c@x Added, sip:b@x still Deleted

	store := &codec.DefaultIMPURecord{
		DefaultIMPU:     "sip:a@x",
		AssociatedIMPUs: []string{"sip:b@x", "sip:d@x"}, // concurrent writer kept b, added d
	}
	i.MergeFromStore(store)

	// b is locally Deleted so it must not survive the merge even though
	// the store still lists it; c is locally Added so it must survive;
	// d came only from the store so it must survive too (union of
	// concurrent additions).
	got := i.AssociatedIMPUs()
	require.ElementsMatch(t, []string{"sip:c@x", "sip:d@x"}, got)
}

// Concurrent puts where one claims REGISTERED and the other NOT_REGISTERED
// must converge to REGISTERED: registration state never regresses from a
// stale concurrent write.
func TestMergeFromStoreRegStateNoRegression(t *testing.T) {
	rec := &codec.DefaultIMPURecord{DefaultIMPU: "sip:a@x", RegState: codec.NotRegistered}
	i := irs.Decode(rec, 1, time.Hour)
	// this writer observed REGISTERED (e.g. a fresh 200 OK from HSS)
	i.SetRegState(codec.Registered)

	store := &codec.DefaultIMPURecord{DefaultIMPU: "sip:a@x", RegState: codec.NotRegistered}
	i.MergeFromStore(store)
	require.Equal(t, codec.Registered, i.RegState())
}

func TestMergeFromStoreDeliberateDeregWins(t *testing.T) {
	rec := &codec.DefaultIMPURecord{DefaultIMPU: "sip:a@x", RegState: codec.Registered}
	i := irs.Decode(rec, 1, time.Hour)
	i.SetRegState(codec.NotRegistered) // deliberate dereg requested by control plane

	store := &codec.DefaultIMPURecord{DefaultIMPU: "sip:a@x", RegState: codec.Registered}
	i.MergeFromStore(store)
	require.Equal(t, codec.NotRegistered, i.RegState())
}
