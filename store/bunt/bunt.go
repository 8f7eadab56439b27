// Package bunt implements the local-replica store.Client on top of
// tidwall/buntdb, an embedded BTree-indexed KV store with native
// per-key TTL.
//
// buntdb has no native CAS token, so each logical key K is backed by two
// buntdb keys: K (the value) and K+"\x00cas" (a monotonically increasing
// token minted by this store instance). Both are mutated inside one
// buntdb transaction so Get/Add/Cas/Delete stay atomic with respect to
// each other.
/*
 * Copyright (c) 2024, IRS Cache Core contributors.
 */
package bunt

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"
	"go.uber.org/atomic"

	"github.com/cxcache/irscache/store"
)

const casSuffix = "\x00cas"

type Store struct {
	name string
	db   *buntdb.DB
	next atomic.Uint64
}

var _ store.Client = (*Store)(nil)

// Open creates an in-memory (path ":memory:") or on-disk buntdb-backed
// local replica.
func Open(name, path string) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "bunt: open %s", path)
	}
	return &Store{name: name, db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Name() string { return s.name }

func (s *Store) nextCAS() uint64 { return s.next.Add(1) }

func (s *Store) Get(_ context.Context, key string) (*store.Record, store.Status, error) {
	var rec *store.Record
	var status store.Status
	err := s.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(key)
		if err == buntdb.ErrNotFound {
			status = store.NotFound
			return nil
		}
		if err != nil {
			return err
		}
		casVal, err := tx.Get(key + casSuffix)
		if err != nil {
			return err
		}
		cas, err := strconv.ParseUint(casVal, 10, 64)
		if err != nil {
			return err
		}
		var ttlRemaining time.Duration
		if ttl, err := tx.TTL(key); err == nil && ttl > 0 {
			ttlRemaining = ttl
		}
		status = store.OK
		rec = &store.Record{Bytes: []byte(val), CAS: cas, TTLRemaining: ttlRemaining}
		return nil
	})
	if err != nil {
		return nil, 0, errors.Wrap(err, "bunt: get")
	}
	return rec, status, nil
}

func (s *Store) Add(_ context.Context, key string, value []byte, ttl time.Duration) (store.Status, error) {
	var status store.Status
	err := s.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(key); err == nil {
			status = store.Exists
			return nil
		} else if err != buntdb.ErrNotFound {
			return err
		}
		cas := s.nextCAS()
		if err := setWithTTL(tx, key, string(value), ttl); err != nil {
			return err
		}
		if err := setWithTTL(tx, key+casSuffix, strconv.FormatUint(cas, 10), ttl); err != nil {
			return err
		}
		status = store.OK
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "bunt: add")
	}
	return status, nil
}

func (s *Store) Cas(_ context.Context, key string, value []byte, casToken uint64, ttl time.Duration) (store.Status, error) {
	var status store.Status
	err := s.db.Update(func(tx *buntdb.Tx) error {
		casVal, err := tx.Get(key + casSuffix)
		if err == buntdb.ErrNotFound {
			status = store.NotFound
			return nil
		}
		if err != nil {
			return err
		}
		cur, err := strconv.ParseUint(casVal, 10, 64)
		if err != nil {
			return err
		}
		if cur != casToken {
			status = store.CASMismatch
			return nil
		}
		newCAS := s.nextCAS()
		if err := setWithTTL(tx, key, string(value), ttl); err != nil {
			return err
		}
		if err := setWithTTL(tx, key+casSuffix, strconv.FormatUint(newCAS, 10), ttl); err != nil {
			return err
		}
		status = store.OK
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "bunt: cas")
	}
	return status, nil
}

func (s *Store) Delete(_ context.Context, key string, casToken uint64) (store.Status, error) {
	var status store.Status
	err := s.db.Update(func(tx *buntdb.Tx) error {
		casVal, err := tx.Get(key + casSuffix)
		if err == buntdb.ErrNotFound {
			status = store.NotFound
			return nil
		}
		if err != nil {
			return err
		}
		cur, perr := strconv.ParseUint(casVal, 10, 64)
		if perr != nil {
			return perr
		}
		if cur != casToken {
			status = store.CASMismatch
			return nil
		}
		if _, err := tx.Delete(key); err != nil && err != buntdb.ErrNotFound {
			return err
		}
		if _, err := tx.Delete(key + casSuffix); err != nil && err != buntdb.ErrNotFound {
			return err
		}
		status = store.OK
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "bunt: delete")
	}
	return status, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	cas := s.nextCAS()
	err := s.db.Update(func(tx *buntdb.Tx) error {
		if err := setWithTTL(tx, key, string(value), ttl); err != nil {
			return err
		}
		return setWithTTL(tx, key+casSuffix, strconv.FormatUint(cas, 10), ttl)
	})
	if err != nil {
		return errors.Wrap(err, "bunt: set")
	}
	return nil
}

func setWithTTL(tx *buntdb.Tx, key, value string, ttl time.Duration) error {
	var opts *buntdb.SetOptions
	if ttl > 0 {
		opts = &buntdb.SetOptions{Expires: true, TTL: ttl}
	}
	_, _, err := tx.Set(key, value, opts)
	return err
}
