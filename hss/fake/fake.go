// Package fake provides an in-memory hss.Collaborator test double for
// scenario tests that exercise the coordinator without a real Diameter Cx
// peer.
/*
 * Copyright (c) 2024, IRS Cache Core contributors.
 */
package fake

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/cxcache/irscache/hss"
)

// Collaborator is a programmable hss.Collaborator: tests preload
// SARResults/MARResults and it serves them back, recording every call it
// received for assertions.
type Collaborator struct {
	mu sync.Mutex

	sarResults map[string]*hss.SARResult
	marResults map[string]*hss.MARResult

	ServerAssignmentCalls []string
	DeregisterCalls       []string
	MultimediaAuthCalls   []string
}

func New() *Collaborator {
	return &Collaborator{
		sarResults: make(map[string]*hss.SARResult),
		marResults: make(map[string]*hss.MARResult),
	}
}

func (c *Collaborator) SetSARResult(defaultIMPU string, res *hss.SARResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sarResults[defaultIMPU] = res
}

func (c *Collaborator) SetMARResult(impi string, res *hss.MARResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.marResults[impi] = res
}

func (c *Collaborator) ServerAssignment(_ context.Context, defaultIMPU string) (*hss.SARResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ServerAssignmentCalls = append(c.ServerAssignmentCalls, defaultIMPU)
	res, ok := c.sarResults[defaultIMPU]
	if !ok {
		return nil, errors.Errorf("fake hss: no SAR result configured for %s", defaultIMPU)
	}
	return res, nil
}

func (c *Collaborator) Deregister(_ context.Context, defaultIMPU string, _ hss.DeregReason) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DeregisterCalls = append(c.DeregisterCalls, defaultIMPU)
	return nil
}

func (c *Collaborator) MultimediaAuth(_ context.Context, impi string) (*hss.MARResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.MultimediaAuthCalls = append(c.MultimediaAuthCalls, impi)
	res, ok := c.marResults[impi]
	if !ok {
		return nil, errors.Errorf("fake hss: no MAR result configured for %s", impi)
	}
	return res, nil
}

var _ hss.Collaborator = (*Collaborator)(nil)
