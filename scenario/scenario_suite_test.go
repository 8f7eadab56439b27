// Package scenario runs end-to-end behavioral suites against the full
// cache stack (orchestrator, coordinator, a fake HSS collaborator) wired
// together the same way cmd/ircached wires them.
/*
 * Copyright (c) 2024, IRS Cache Core contributors.
 */
package scenario

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestScenarios(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Cache Core Scenario Suite")
}
