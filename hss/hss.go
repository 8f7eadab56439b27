// Package hss defines the Diameter Cx collaborator boundary: the set of
// calls the cache core makes against the authoritative subscriber
// database, and the inbound notifications it receives from one.
//
// This is an interface only. No Diameter/Cx protocol library is wired:
// actual message marshalling is explicitly out of scope here (an external
// collaborator), and nothing in the retrieved pack grounds a concrete
// Diameter stack choice - inventing one would mean fabricating a
// dependency rather than learning one from the corpus.
/*
 * Copyright (c) 2024, IRS Cache Core contributors.
 */
package hss

import (
	"context"
	"time"

	"github.com/cxcache/irscache/codec"
)

// DeregReason distinguishes why a subscriber is being deregistered, passed
// through to the Server-Assignment-Request.
type DeregReason int

const (
	DeregUnspecified DeregReason = iota
	DeregUserDeregistration
	DeregAdministrative
	DeregTimeout
)

// SARResult is the parsed outcome of a Server-Assignment-Request: the IRS
// data needed to construct a fresh IRS on a cache miss.
type SARResult struct {
	DefaultIMPU     string
	ServiceProfile  string
	RegState        codec.RegistrationState
	AssociatedIMPUs []string
	IMPIs           []string
}

// MARResult is the parsed outcome of a Multimedia-Auth-Request.
type MARResult struct {
	IMPI              string
	AuthenticationVec []byte
}

// Collaborator is the capability interface every Diameter Cx client
// implements; the coordinator is written once against it.
type Collaborator interface {
	// ServerAssignment issues a SAR for defaultIMPU, refreshing its IRS
	// data from the HSS (register/re-register path).
	ServerAssignment(ctx context.Context, defaultIMPU string) (*SARResult, error)

	// Deregister issues a SAR carrying reason, asking the HSS to drop its
	// registration for defaultIMPU.
	Deregister(ctx context.Context, defaultIMPU string, reason DeregReason) error

	// MultimediaAuth issues a MAR for impi, returning a fresh
	// authentication vector.
	MultimediaAuth(ctx context.Context, impi string) (*MARResult, error)
}

// RTREvent is an inbound Registration-Termination-Request: the HSS is
// telling the core to drop the listed IMPUs immediately.
type RTREvent struct {
	IMPUs     []string
	Reason    DeregReason
	Timestamp time.Time
}

// PPREvent is an inbound Push-Profile-Request: the HSS is telling the core
// a subscriber's profile or charging addresses changed.
type PPREvent struct {
	IMPI              string
	ServiceProfile    string
	HasServiceProfile bool
	CCF, ECF          []string
	HasCharging       bool
	Timestamp         time.Time
}
