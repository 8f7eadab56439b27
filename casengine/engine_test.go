package casengine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cxcache/irscache/casengine"
	"github.com/cxcache/irscache/cmn"
	"github.com/cxcache/irscache/codec"
	"github.com/cxcache/irscache/irs"
	"github.com/cxcache/irscache/store"
)

// memStore is a minimal in-memory store.Client for exercising the CAS
// engine's protocol logic without a real backend.
type memStore struct {
	mu   sync.Mutex
	name string
	vals map[string][]byte
	cas  map[string]uint64
	next uint64
}

func newMemStore(name string) *memStore {
	return &memStore{name: name, vals: make(map[string][]byte), cas: make(map[string]uint64)}
}

func (s *memStore) Name() string { return s.name }

func (s *memStore) Get(_ context.Context, key string) (*store.Record, store.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vals[key]
	if !ok {
		return nil, store.NotFound, nil
	}
	return &store.Record{Bytes: v, CAS: s.cas[key]}, store.OK, nil
}

func (s *memStore) Add(_ context.Context, key string, value []byte, _ time.Duration) (store.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vals[key]; ok {
		return store.Exists, nil
	}
	s.next++
	s.vals[key] = value
	s.cas[key] = s.next
	return store.OK, nil
}

func (s *memStore) Cas(_ context.Context, key string, value []byte, casToken uint64, _ time.Duration) (store.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.cas[key]
	if !ok {
		return store.NotFound, nil
	}
	if cur != casToken {
		return store.CASMismatch, nil
	}
	s.next++
	s.vals[key] = value
	s.cas[key] = s.next
	return store.OK, nil
}

func (s *memStore) Delete(_ context.Context, key string, casToken uint64) (store.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.cas[key]
	if !ok {
		return store.NotFound, nil
	}
	if cur != casToken {
		return store.CASMismatch, nil
	}
	delete(s.vals, key)
	delete(s.cas, key)
	return store.OK, nil
}

func (s *memStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.vals[key] = value
	s.cas[key] = s.next
	return nil
}

func TestPutFreshIRSCreatesDefaultRecordAndMappings(t *testing.T) {
	st := newMemStore("local")
	eng := casengine.New(st, 3, 3, nil)

	i := irs.New("sip:a@x")
	i.SetAssociatedIMPUs([]string{"sip:b@x"})
	i.SetAssociatedIMPIs([]string{"impi:u@x"})

	_, err := eng.Put(context.Background(), i, time.Hour, time.Now())
	require.NoError(t, err)

	got, status, err := st.Get(context.Background(), cmn.IMPUKey("sip:a@x"))
	require.NoError(t, err)
	require.Equal(t, store.OK, status)
	rec, err := codec.DecodeDefaultIMPU(got.Bytes)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"sip:b@x"}, rec.AssociatedIMPUs)
	require.ElementsMatch(t, []string{"impi:u@x"}, rec.IMPIs)

	_, status, err = st.Get(context.Background(), cmn.IMPUKey("sip:b@x"))
	require.NoError(t, err)
	require.Equal(t, store.OK, status)

	mapGot, status, err := st.Get(context.Background(), cmn.IMPIMappingKey("impi:u@x"))
	require.NoError(t, err)
	require.Equal(t, store.OK, status)
	mapRec, err := codec.DecodeIMPIMapping(mapGot.Bytes)
	require.NoError(t, err)
	require.Equal(t, []string{"sip:a@x"}, mapRec.DefaultIMPUs)
}

func TestPutDetectsAssociatedIMPUCollision(t *testing.T) {
	st := newMemStore("local")
	eng := casengine.New(st, 3, 3, nil)

	owner := irs.New("sip:owner@x")
	owner.SetAssociatedIMPUs([]string{"sip:shared@x"})
	_, err := eng.Put(context.Background(), owner, time.Hour, time.Now())
	require.NoError(t, err)

	challenger := irs.New("sip:challenger@x")
	challenger.SetAssociatedIMPUs([]string{"sip:shared@x"})
	result, err := eng.Put(context.Background(), challenger, time.Hour, time.Now())
	require.NoError(t, err)
	require.Len(t, result.Collisions, 1)
	require.Equal(t, "sip:shared@x", result.Collisions[0].IMPU)

	got, _, err := st.Get(context.Background(), cmn.IMPUKey("sip:challenger@x"))
	require.NoError(t, err)
	rec, err := codec.DecodeDefaultIMPU(got.Bytes)
	require.NoError(t, err)
	require.Empty(t, rec.AssociatedIMPUs)
}

func TestPutRetriesOnCASMismatchAndMerges(t *testing.T) {
	st := newMemStore("local")
	eng := casengine.New(st, 3, 3, nil)

	first := irs.New("sip:a@x")
	first.SetRegState(codec.Registered)
	_, err := eng.Put(context.Background(), first, time.Hour, time.Now())
	require.NoError(t, err)

	got, _, err := st.Get(context.Background(), cmn.IMPUKey("sip:a@x"))
	require.NoError(t, err)
	rec, err := codec.DecodeDefaultIMPU(got.Bytes)
	require.NoError(t, err)

	// Simulate a writer that read a stale CAS token (it observed the
	// record before `first`'s write landed) by decoding against CAS=0.
	stale := irs.Decode(rec, 0, time.Hour)
	stale.SetAssociatedIMPUs([]string{"sip:b@x"})

	_, err = eng.Put(context.Background(), stale, time.Hour, time.Now())
	require.NoError(t, err)

	got, _, err = st.Get(context.Background(), cmn.IMPUKey("sip:a@x"))
	require.NoError(t, err)
	final, err := codec.DecodeDefaultIMPU(got.Bytes)
	require.NoError(t, err)
	require.Equal(t, codec.Registered, final.RegState)
	require.Contains(t, final.AssociatedIMPUs, "sip:b@x")
}

func TestDeleteIsIdempotent(t *testing.T) {
	st := newMemStore("local")
	eng := casengine.New(st, 3, 3, nil)

	i := irs.New("sip:a@x")
	i.SetAssociatedIMPUs([]string{"sip:b@x"})
	i.SetAssociatedIMPIs([]string{"impi:u@x"})
	_, err := eng.Put(context.Background(), i, time.Hour, time.Now())
	require.NoError(t, err)

	got, cas, err := func() (*codec.DefaultIMPURecord, uint64, error) {
		r, _, err := st.Get(context.Background(), cmn.IMPUKey("sip:a@x"))
		if err != nil {
			return nil, 0, err
		}
		rec, err := codec.DecodeDefaultIMPU(r.Bytes)
		return rec, r.CAS, err
	}()
	require.NoError(t, err)

	decoded := irs.Decode(got, cas, time.Hour)

	require.NoError(t, eng.Delete(context.Background(), decoded))
	require.NoError(t, eng.Delete(context.Background(), decoded)) // second delete is a no-op

	_, status, err := st.Get(context.Background(), cmn.IMPUKey("sip:a@x"))
	require.NoError(t, err)
	require.Equal(t, store.NotFound, status)
}
