// Package store defines the store-client abstraction: one replica's
// typed get/add/cas/delete/set primitives over opaque byte blobs.
/*
 * Copyright (c) 2024, IRS Cache Core contributors.
 */
package store

import (
	"context"
	"time"
)

// Status is the outcome of a store primitive beyond plain success/error -
// the CAS engine branches on these.
type Status int

const (
	OK Status = iota
	NotFound
	Exists
	CASMismatch
)

// Record is what Get returns: the raw bytes plus the CAS token and
// remaining TTL needed to re-write the key later.
type Record struct {
	Bytes       []byte
	CAS         uint64
	TTLRemaining time.Duration
}

// Client is the capability interface every replica (local or remote)
// implements. It is the only polymorphism boundary in the core: everything
// above it (codec, IRS model, CAS engine) is written once against this
// interface.
type Client interface {
	// Name identifies the replica for logging/metrics (e.g. "local" or a
	// remote address).
	Name() string

	// Get fetches a key's current value. Returns NotFound via the returned
	// Status and a nil error when the key doesn't exist; a non-nil error
	// indicates a TRANSIENT or other store-level failure.
	Get(ctx context.Context, key string) (*Record, Status, error)

	// Add creates key only if absent. Returns Exists if the key is already
	// present.
	Add(ctx context.Context, key string, value []byte, ttl time.Duration) (Status, error)

	// Cas writes value only if the stored CAS token still matches casToken.
	// Returns CASMismatch or NotFound as appropriate.
	Cas(ctx context.Context, key string, value []byte, casToken uint64, ttl time.Duration) (Status, error)

	// Delete removes key, guarded by casToken. Returns CASMismatch or
	// NotFound as appropriate; both are treated as benign by the CAS engine
	// (another writer already changed or removed the key).
	Delete(ctx context.Context, key string, casToken uint64) (Status, error)

	// Set is the unconditional last-writer-wins primitive, used only for
	// mapping records where that's acceptable.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}
